package nfe

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jhoicas/nfe-api/internal/domain"
	"github.com/jhoicas/nfe-api/internal/domain/entity"
	pkgnfe "github.com/jhoicas/nfe-api/pkg/nfe"
)

// ── Constantes ────────────────────────────────────────────────────────────────

const (
	soap12NS = "http://www.w3.org/2003/05/soap-envelope"

	// DefaultTimeout límite por llamada cuando la configuración no define otro.
	DefaultTimeout = 20 * time.Second

	maxResponseBytes = 4 << 20
)

// ── Peticiones y resultados ───────────────────────────────────────────────────

// SubmitRequest lote de una NF-e firmada (enviNFe, indSinc=1).
type SubmitRequest struct {
	SignedXML   []byte
	LotID       string // idLote, hasta 15 dígitos
	UF          string // código IBGE o sigla del autorizador
	Environment string
	Certificate tls.Certificate
}

// SubmissionResult respuesta de autorización o de consulta de protocolo.
type SubmissionResult struct {
	LotStatusCode string // cStat del lote (104 procesado, 103 recibido...)
	LotMessage    string
	StatusCode    string // cStat efectivo: protNFe si vino, si no el del lote
	Message       string
	ReceiptNumber string // nRec cuando el lote quedó en procesamiento asíncrono
	AccessKey     string // chNFe del infProt
	Protocol      *entity.AuthorizationProtocol
	ProtocolXML   string // <protNFe> tal como llegó, para el nfeProc
	Outcome       pkgnfe.Outcome
}

// StatusRequest consulta de status del servicio.
type StatusRequest struct {
	UF          string
	Environment string
	Certificate tls.Certificate
}

// ServiceStatus resultado de consStatServ.
type ServiceStatus struct {
	Available   bool
	StatusCode  string
	Message     string
	CheckedAt   time.Time
	AverageTime string // tMed en segundos
}

// EventRequest lote con un evento firmado (envEvento).
type EventRequest struct {
	SignedXML   []byte
	LotID       string
	UF          string
	Environment string
	Certificate tls.Certificate
}

// EventResult respuesta de RecepcaoEvento.
type EventResult struct {
	LotStatusCode string
	LotMessage    string
	StatusCode    string
	Message       string
	Registered    bool
	Protocol      *entity.AuthorizationProtocol
	EventXML      string // <retEvento> tal como llegó, para el procEventoNFe
}

// ProtocolQuery consulta de situación por chave de acesso.
type ProtocolQuery struct {
	AccessKey   string
	UF          string
	Environment string
	Certificate tls.Certificate
}

// ── Cliente SOAP 1.2 ─────────────────────────────────────────────────────────

// SOAPClient cliente de los servicios web de la SEFAZ. Cada llamada construye su propio
// http.Client con el certificado del llamador (TLS mutuo); no hay estado compartido.
// Nunca reintenta: un error de red se devuelve envuelto en domain.ErrTransport.
type SOAPClient struct {
	endpoints *EndpointCatalog
	timeout   time.Duration
	rootCAs   *x509.CertPool
	log       zerolog.Logger
}

// SOAPOption configura el cliente.
type SOAPOption func(*SOAPClient)

// WithTimeout límite por llamada.
func WithTimeout(d time.Duration) SOAPOption {
	return func(c *SOAPClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRootCAs cadena de confianza de los servidores (ICP-Brasil). nil = pool del sistema.
func WithRootCAs(pool *x509.CertPool) SOAPOption {
	return func(c *SOAPClient) { c.rootCAs = pool }
}

// NewSOAPClient construye el cliente.
func NewSOAPClient(endpoints *EndpointCatalog, log zerolog.Logger, opts ...SOAPOption) *SOAPClient {
	c := &SOAPClient{endpoints: endpoints, timeout: DefaultTimeout, log: log}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit envía el lote enviNFe (síncrono) y devuelve el protocolo si la SEFAZ lo emitió.
func (c *SOAPClient) Submit(ctx context.Context, req SubmitRequest) (*SubmissionResult, error) {
	if strings.TrimSpace(req.LotID) == "" {
		return nil, fmt.Errorf("%w: idLote obligatorio", domain.ErrValidation)
	}
	var payload strings.Builder
	payload.WriteString(`<enviNFe xmlns="` + pkgnfe.NamespaceNFe + `" versao="` + pkgnfe.SchemaVersion + `">`)
	payload.WriteString(`<idLote>` + pkgnfe.OnlyDigits(req.LotID) + `</idLote>`)
	payload.WriteString(`<indSinc>1</indSinc>`)
	payload.Write(bytes.TrimSpace(StripDeclaration(req.SignedXML)))
	payload.WriteString(`</enviNFe>`)

	body, err := c.call(ctx, ServiceAuthorization, req.UF, req.Environment, req.Certificate, payload.String())
	if err != nil {
		return nil, err
	}
	var ret retEnviNFe
	inner, err := decodeResult(body, "retEnviNFe", &ret)
	if err != nil {
		return nil, err
	}
	res := &SubmissionResult{
		LotStatusCode: ret.CStat,
		LotMessage:    ret.XMotivo,
		StatusCode:    ret.CStat,
		Message:       ret.XMotivo,
		ReceiptNumber: ret.InfRec.NRec,
	}
	if err := applyProtocol(res, ret.ProtNFe, inner); err != nil {
		return nil, err
	}
	res.Outcome = pkgnfe.ClassifySubmission(res.StatusCode, ret.ProtNFe != nil)
	c.log.Info().
		Str("lot_id", req.LotID).
		Str("lot_cstat", res.LotStatusCode).
		Str("cstat", res.StatusCode).
		Str("outcome", string(res.Outcome)).
		Msg("nfe: lote de autorización procesado")
	return res, nil
}

// QueryServiceStatus consulta NFeStatusServico4 (cStat 107 = en operación).
func (c *SOAPClient) QueryServiceStatus(ctx context.Context, req StatusRequest) (*ServiceStatus, error) {
	cUF := ufCode(req.UF)
	payload := `<consStatServ xmlns="` + pkgnfe.NamespaceNFe + `" versao="` + pkgnfe.SchemaVersion + `">` +
		`<tpAmb>` + req.Environment + `</tpAmb><cUF>` + cUF + `</cUF><xServ>STATUS</xServ></consStatServ>`

	body, err := c.call(ctx, ServiceStatusCheck, req.UF, req.Environment, req.Certificate, payload)
	if err != nil {
		return nil, err
	}
	var ret retConsStatServ
	if _, err := decodeResult(body, "retConsStatServ", &ret); err != nil {
		return nil, err
	}
	st := &ServiceStatus{
		Available:   pkgnfe.IsServiceAvailable(ret.CStat),
		StatusCode:  ret.CStat,
		Message:     ret.XMotivo,
		AverageTime: ret.TMed,
	}
	if t, err := time.Parse(time.RFC3339, strings.TrimSpace(ret.DhRecbto)); err == nil {
		st.CheckedAt = t.UTC()
	}
	return st, nil
}

// SendEvent envía el lote envEvento con un único evento firmado.
func (c *SOAPClient) SendEvent(ctx context.Context, req EventRequest) (*EventResult, error) {
	if strings.TrimSpace(req.LotID) == "" {
		return nil, fmt.Errorf("%w: idLote obligatorio", domain.ErrValidation)
	}
	var payload strings.Builder
	payload.WriteString(`<envEvento xmlns="` + pkgnfe.NamespaceNFe + `" versao="` + pkgnfe.EventSchemaVersion + `">`)
	payload.WriteString(`<idLote>` + pkgnfe.OnlyDigits(req.LotID) + `</idLote>`)
	payload.Write(bytes.TrimSpace(StripDeclaration(req.SignedXML)))
	payload.WriteString(`</envEvento>`)

	body, err := c.call(ctx, ServiceEvent, req.UF, req.Environment, req.Certificate, payload.String())
	if err != nil {
		return nil, err
	}
	var ret retEnvEvento
	inner, err := decodeResult(body, "retEnvEvento", &ret)
	if err != nil {
		return nil, err
	}
	res := &EventResult{
		LotStatusCode: ret.CStat,
		LotMessage:    ret.XMotivo,
		StatusCode:    ret.CStat,
		Message:       ret.XMotivo,
	}
	if len(ret.RetEvento) > 0 {
		ev := ret.RetEvento[0]
		info := ev.InfEvento
		res.StatusCode = strings.TrimSpace(info.CStat)
		res.Message = strings.TrimSpace(info.XMotivo)
		res.Registered = pkgnfe.IsEventRegistered(res.StatusCode)
		res.EventXML = verbatimElement(inner, "retEvento")
		res.Protocol = &entity.AuthorizationProtocol{
			Number:     strings.TrimSpace(info.NProt),
			StatusCode: res.StatusCode,
			Message:    res.Message,
		}
		if t, err := time.Parse(time.RFC3339, strings.TrimSpace(info.DhRegEvento)); err == nil {
			res.Protocol.ReceivedAt = t.UTC()
		}
	}
	c.log.Info().
		Str("lot_id", req.LotID).
		Str("cstat", res.StatusCode).
		Bool("registered", res.Registered).
		Msg("nfe: evento procesado")
	return res, nil
}

// QueryProtocol consulta la situación de una NF-e por chave (NFeConsultaProtocolo4).
func (c *SOAPClient) QueryProtocol(ctx context.Context, q ProtocolQuery) (*SubmissionResult, error) {
	if err := pkgnfe.ValidateAccessKey(q.AccessKey); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	payload := `<consSitNFe xmlns="` + pkgnfe.NamespaceNFe + `" versao="` + pkgnfe.SchemaVersion + `">` +
		`<tpAmb>` + q.Environment + `</tpAmb><xServ>CONSULTAR</xServ><chNFe>` + q.AccessKey + `</chNFe></consSitNFe>`

	body, err := c.call(ctx, ServiceProtocol, q.UF, q.Environment, q.Certificate, payload)
	if err != nil {
		return nil, err
	}
	var ret retConsSitNFe
	inner, err := decodeResult(body, "retConsSitNFe", &ret)
	if err != nil {
		return nil, err
	}
	res := &SubmissionResult{
		LotStatusCode: ret.CStat,
		LotMessage:    ret.XMotivo,
		StatusCode:    ret.CStat,
		Message:       ret.XMotivo,
	}
	if err := applyProtocol(res, ret.ProtNFe, inner); err != nil {
		return nil, err
	}
	res.Outcome = pkgnfe.ClassifyConsult(res.StatusCode, ret.ProtNFe != nil)
	return res, nil
}

// call arma el envelope SOAP 1.2, hace el POST con TLS mutuo y devuelve el cuerpo bruto.
func (c *SOAPClient) call(ctx context.Context, svc Service, uf, env string, cert tls.Certificate, payload string) ([]byte, error) {
	url, err := c.endpoints.Resolve(svc, uf, env)
	if err != nil {
		return nil, err
	}
	if len(cert.Certificate) == 0 || cert.PrivateKey == nil {
		return nil, fmt.Errorf("%w: certificado del cliente vacío", domain.ErrInvalidCertificate)
	}

	envelope := soapEnvelope{
		XmlnsSoap: soap12NS,
		Body: soapBody{Msg: dadosMsg{
			Xmlns:   svc.Namespace(),
			Content: payload,
		}},
	}
	xmlPayload, err := xml.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("soap: serializar envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(append([]byte(xml.Header), xmlPayload...)))
	if err != nil {
		return nil, fmt.Errorf("%w: crear request: %v", domain.ErrTransport, err)
	}
	req.Header.Set("Content-Type", `application/soap+xml; charset=utf-8; action="`+svc.Action()+`"`)

	start := time.Now()
	resp, err := c.httpClient(cert).Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s: timeout tras %s", domain.ErrTransport, svc, c.timeout)
		}
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrTransport, svc, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: leer respuesta: %v", domain.ErrTransport, svc, err)
	}
	c.log.Debug().
		Str("service", string(svc)).
		Int("http_status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("nfe: llamada SOAP")

	if fault := parseFault(raw); fault != "" {
		return nil, fmt.Errorf("%w: %s: SOAP Fault: %s", domain.ErrTransport, svc, fault)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: HTTP %d", domain.ErrTransport, svc, resp.StatusCode)
	}
	return raw, nil
}

// httpClient construye un cliente por llamada con el certificado del llamador.
func (c *SOAPClient) httpClient(cert tls.Certificate) *http.Client {
	return &http.Client{
		Timeout: c.timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion:    tls.VersionTLS12,
				Certificates:  []tls.Certificate{cert},
				RootCAs:       c.rootCAs,
				Renegotiation: tls.RenegotiateOnceAsClient,
			},
			DisableKeepAlives: true,
		},
	}
}

// ── Estructuras SOAP ──────────────────────────────────────────────────────────

type soapEnvelope struct {
	XMLName   xml.Name `xml:"soap12:Envelope"`
	XmlnsSoap string   `xml:"xmlns:soap12,attr"`
	Body      soapBody `xml:"soap12:Body"`
}

type soapBody struct {
	Msg dadosMsg `xml:"nfeDadosMsg"`
}

// dadosMsg lleva el XML del lote sin re-serializar (la firma debe viajar intacta).
type dadosMsg struct {
	Xmlns   string `xml:"xmlns,attr"`
	Content string `xml:",innerxml"`
}

type soapResponseEnvelope struct {
	Body soapResponseBody `xml:"Body"`
}

type soapResponseBody struct {
	Fault  *soapFault `xml:"Fault"`
	Result struct {
		Inner string `xml:",innerxml"`
	} `xml:"nfeResultMsg"`
}

// soapFault acepta SOAP 1.2 (Code/Reason) y SOAP 1.1 (faultcode/faultstring).
type soapFault struct {
	Code        string `xml:"Code>Value"`
	Reason      string `xml:"Reason>Text"`
	FaultCode   string `xml:"faultcode"`
	FaultString string `xml:"faultstring"`
}

// ── Estructuras de respuesta NF-e (sin namespace: toleran cualquier prefijo) ──

type protNFe struct {
	InfProt infProt `xml:"infProt"`
}

type infProt struct {
	ChNFe    string `xml:"chNFe"`
	DhRecbto string `xml:"dhRecbto"`
	NProt    string `xml:"nProt"`
	DigVal   string `xml:"digVal"`
	CStat    string `xml:"cStat"`
	XMotivo  string `xml:"xMotivo"`
}

type retEnviNFe struct {
	TpAmb    string `xml:"tpAmb"`
	CStat    string `xml:"cStat"`
	XMotivo  string `xml:"xMotivo"`
	CUF      string `xml:"cUF"`
	DhRecbto string `xml:"dhRecbto"`
	InfRec   struct {
		NRec string `xml:"nRec"`
	} `xml:"infRec"`
	ProtNFe *protNFe `xml:"protNFe"`
}

type retConsStatServ struct {
	TpAmb    string `xml:"tpAmb"`
	CStat    string `xml:"cStat"`
	XMotivo  string `xml:"xMotivo"`
	CUF      string `xml:"cUF"`
	DhRecbto string `xml:"dhRecbto"`
	TMed     string `xml:"tMed"`
}

type retEvento struct {
	InfEvento struct {
		CStat       string `xml:"cStat"`
		XMotivo     string `xml:"xMotivo"`
		ChNFe       string `xml:"chNFe"`
		NProt       string `xml:"nProt"`
		DhRegEvento string `xml:"dhRegEvento"`
	} `xml:"infEvento"`
}

type retEnvEvento struct {
	IDLote    string      `xml:"idLote"`
	CStat     string      `xml:"cStat"`
	XMotivo   string      `xml:"xMotivo"`
	RetEvento []retEvento `xml:"retEvento"`
}

type retConsSitNFe struct {
	TpAmb   string   `xml:"tpAmb"`
	CStat   string   `xml:"cStat"`
	XMotivo string   `xml:"xMotivo"`
	ChNFe   string   `xml:"chNFe"`
	ProtNFe *protNFe `xml:"protNFe"`
}

// ── Parsing ───────────────────────────────────────────────────────────────────

func parseFault(raw []byte) string {
	var env soapResponseEnvelope
	if err := xml.Unmarshal(raw, &env); err != nil || env.Body.Fault == nil {
		return ""
	}
	f := env.Body.Fault
	code, reason := f.Code, f.Reason
	if code == "" {
		code = f.FaultCode
	}
	if reason == "" {
		reason = f.FaultString
	}
	msg := strings.TrimSpace(code + " " + reason)
	if msg == "" {
		msg = "sin detalle"
	}
	return msg
}

// decodeResult extrae el elemento de retorno (retEnviNFe, retEvento...) del nfeResultMsg.
// Devuelve también el contenido bruto del nfeResultMsg para recortar elementos verbatim.
func decodeResult(raw []byte, local string, out interface{}) (string, error) {
	var env soapResponseEnvelope
	if err := xml.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("%w: respuesta SOAP ilegible: %v", domain.ErrTransport, err)
	}
	inner := strings.TrimSpace(env.Body.Result.Inner)
	if inner == "" {
		return "", fmt.Errorf("%w: respuesta SOAP sin nfeResultMsg", domain.ErrTransport)
	}
	dec := xml.NewDecoder(strings.NewReader(inner))
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", fmt.Errorf("%w: respuesta sin <%s>", domain.ErrTransport, local)
		}
		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == local {
			if err := dec.DecodeElement(out, &se); err != nil {
				return "", fmt.Errorf("%w: <%s> ilegible: %v", domain.ErrTransport, local, err)
			}
			return inner, nil
		}
	}
}

// verbatimElement recorta del XML recibido el primer elemento con ese nombre local,
// byte a byte: atributos, declaraciones de namespace y espacios quedan como llegaron.
func verbatimElement(doc, local string) string {
	dec := xml.NewDecoder(strings.NewReader(doc))
	for {
		start := dec.InputOffset()
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != local {
			continue
		}
		if err := dec.Skip(); err != nil {
			return ""
		}
		return doc[start:dec.InputOffset()]
	}
}

func applyProtocol(res *SubmissionResult, p *protNFe, inner string) error {
	if p == nil {
		return nil
	}
	inf := p.InfProt
	res.StatusCode = strings.TrimSpace(inf.CStat)
	res.Message = strings.TrimSpace(inf.XMotivo)
	res.AccessKey = strings.TrimSpace(inf.ChNFe)
	res.ProtocolXML = verbatimElement(inner, "protNFe")
	res.Protocol = &entity.AuthorizationProtocol{
		Number:      strings.TrimSpace(inf.NProt),
		StatusCode:  res.StatusCode,
		Message:     res.Message,
		DigestValue: strings.TrimSpace(inf.DigVal),
	}
	if ts := strings.TrimSpace(inf.DhRecbto); ts != "" {
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return fmt.Errorf("%w: dhRecbto inválido %q", domain.ErrTransport, ts)
		}
		res.Protocol.ReceivedAt = t.UTC()
	}
	return nil
}

func ufCode(uf string) string {
	if code, ok := pkgnfe.UFCodes[strings.ToUpper(uf)]; ok {
		return code
	}
	return uf
}
