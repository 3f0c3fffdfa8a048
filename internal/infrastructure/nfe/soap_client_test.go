package nfe_test

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhoicas/nfe-api/internal/domain"
	"github.com/jhoicas/nfe-api/internal/infrastructure/nfe"
	"github.com/jhoicas/nfe-api/internal/testutil"
	pkgnfe "github.com/jhoicas/nfe-api/pkg/nfe"
)

// ──────────────────────────────────────────────────────────────────────────────
// SEFAZ simulada: responde con el retorno configurado y guarda la última petición.
// ──────────────────────────────────────────────────────────────────────────────

type fakeSEFAZ struct {
	status      int
	body        string
	lastAction  string
	lastPayload string
}

func (f *fakeSEFAZ) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	f.lastPayload = string(raw)
	f.lastAction = r.Header.Get("Content-Type")
	w.Header().Set("Content-Type", "application/soap+xml; charset=utf-8")
	status := f.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, f.body)
}

func soapResponse(service, inner string) string {
	return `<?xml version="1.0" encoding="utf-8"?><soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"><soap:Body>` +
		`<nfeResultMsg xmlns="http://www.portalfiscal.inf.br/nfe/wsdl/` + service + `">` + inner + `</nfeResultMsg></soap:Body></soap:Envelope>`
}

func retEnviNFe(prot string) string {
	return `<retEnviNFe versao="4.00" xmlns="http://www.portalfiscal.inf.br/nfe"><tpAmb>2</tpAmb><verAplic>SP_NFE_PL009_V4</verAplic><cStat>104</cStat><xMotivo>Lote processado</xMotivo><cUF>35</cUF><dhRecbto>2024-01-15T10:31:05-03:00</dhRecbto>` + prot + `</retEnviNFe>`
}

func protWith(cStat, motivo, nProt string) string {
	return `<protNFe versao="4.00"><infProt><tpAmb>2</tpAmb><chNFe>` + vectorKey + `</chNFe><dhRecbto>2024-01-15T10:31:05-03:00</dhRecbto><nProt>` + nProt + `</nProt><digVal>q4s1Zt0bXyhK7pYtQ1b7tYvR3sA=</digVal><cStat>` + cStat + `</cStat><xMotivo>` + motivo + `</xMotivo></infProt></protNFe>`
}

func newClient(t *testing.T, url string, opts ...nfe.SOAPOption) *nfe.SOAPClient {
	t.Helper()
	catalog := nfe.NewEndpointCatalog(map[nfe.Service]string{
		nfe.ServiceAuthorization: url,
		nfe.ServiceStatusCheck:   url,
		nfe.ServiceEvent:         url,
		nfe.ServiceProtocol:      url,
	})
	return nfe.NewSOAPClient(catalog, zerolog.Nop(), opts...)
}

func submitRequest(t *testing.T) nfe.SubmitRequest {
	return nfe.SubmitRequest{
		SignedXML:   []byte(signedNFeFixture),
		LotID:       "000000000000042",
		UF:          "35",
		Environment: "2",
		Certificate: testutil.NewCert(t, "COMERCIAL EXEMPLO LTDA:12345678000195").TLS,
	}
}

func TestSubmit_Autorizada(t *testing.T) {
	prot := protWith("100", "Autorizado o uso da NF-e", "135240000000001")
	fake := &fakeSEFAZ{body: soapResponse("NFeAutorizacao4", retEnviNFe(prot))}
	ts := httptest.NewServer(fake)
	defer ts.Close()

	res, err := newClient(t, ts.URL).Submit(context.Background(), submitRequest(t))
	require.NoError(t, err)

	assert.Equal(t, "104", res.LotStatusCode)
	assert.Equal(t, "100", res.StatusCode)
	assert.Equal(t, pkgnfe.OutcomeAuthorized, res.Outcome)
	require.NotNil(t, res.Protocol)
	assert.Equal(t, "135240000000001", res.Protocol.Number)
	assert.Equal(t, time.Date(2024, 1, 15, 13, 31, 5, 0, time.UTC), res.Protocol.ReceivedAt)
	assert.Equal(t, prot, res.ProtocolXML, "protNFe verbatim")

	// Petición: SOAP 1.2, action del servicio, lote síncrono con la NF-e sin declaración.
	assert.Equal(t, `application/soap+xml; charset=utf-8; action="http://www.portalfiscal.inf.br/nfe/wsdl/NFeAutorizacao4/nfeAutorizacaoLote"`, fake.lastAction)
	assert.Contains(t, fake.lastPayload, `<soap12:Envelope xmlns:soap12="http://www.w3.org/2003/05/soap-envelope">`)
	assert.Contains(t, fake.lastPayload, `<nfeDadosMsg xmlns="http://www.portalfiscal.inf.br/nfe/wsdl/NFeAutorizacao4">`)
	assert.Contains(t, fake.lastPayload, `<idLote>000000000000042</idLote><indSinc>1</indSinc><NFe xmlns=`)
	assert.Equal(t, 1, strings.Count(fake.lastPayload, "<?xml"))
}

func TestSubmit_Clasificacion(t *testing.T) {
	tests := []struct {
		cStat string
		want  pkgnfe.Outcome
	}{
		{"150", pkgnfe.OutcomeAuthorized},
		{"301", pkgnfe.OutcomeDenied},
		{"110", pkgnfe.OutcomeDenied},
		{"539", pkgnfe.OutcomeRejected},
		{"204", pkgnfe.OutcomePending},
	}
	for _, tt := range tests {
		t.Run(tt.cStat, func(t *testing.T) {
			ts := httptest.NewServer(&fakeSEFAZ{body: soapResponse("NFeAutorizacao4", retEnviNFe(protWith(tt.cStat, "motivo", "135240000000001")))})
			defer ts.Close()
			res, err := newClient(t, ts.URL).Submit(context.Background(), submitRequest(t))
			require.NoError(t, err)
			assert.Equal(t, tt.cStat, res.StatusCode)
			assert.Equal(t, tt.want, res.Outcome)
		})
	}
}

func TestSubmit_LoteSinProtocolo(t *testing.T) {
	body := `<retEnviNFe versao="4.00" xmlns="http://www.portalfiscal.inf.br/nfe"><cStat>225</cStat><xMotivo>Rejeicao: Falha no Schema XML</xMotivo></retEnviNFe>`
	ts := httptest.NewServer(&fakeSEFAZ{body: soapResponse("NFeAutorizacao4", body)})
	defer ts.Close()

	res, err := newClient(t, ts.URL).Submit(context.Background(), submitRequest(t))
	require.NoError(t, err)
	assert.Equal(t, "225", res.StatusCode)
	assert.Nil(t, res.Protocol)
	assert.Equal(t, pkgnfe.OutcomeRejected, res.Outcome)
}

func TestSubmit_LoteNoProcesado(t *testing.T) {
	for _, cStat := range []string{"108", "109", "656", "999"} {
		t.Run(cStat, func(t *testing.T) {
			body := `<retEnviNFe versao="4.00" xmlns="http://www.portalfiscal.inf.br/nfe"><cStat>` + cStat + `</cStat><xMotivo>Servico paralisado</xMotivo></retEnviNFe>`
			ts := httptest.NewServer(&fakeSEFAZ{body: soapResponse("NFeAutorizacao4", body)})
			defer ts.Close()

			res, err := newClient(t, ts.URL).Submit(context.Background(), submitRequest(t))
			require.NoError(t, err)
			assert.Equal(t, cStat, res.StatusCode)
			assert.Nil(t, res.Protocol)
			assert.Equal(t, pkgnfe.OutcomeUnavailable, res.Outcome)
		})
	}
}

func TestSubmit_PrefijoDeNamespaceArbitrario(t *testing.T) {
	body := `<env:Envelope xmlns:env="http://www.w3.org/2003/05/soap-envelope"><env:Body><ws:nfeResultMsg xmlns:ws="http://www.portalfiscal.inf.br/nfe/wsdl/NFeAutorizacao4">` +
		retEnviNFe(protWith("100", "Autorizado", "135240000000001")) + `</ws:nfeResultMsg></env:Body></env:Envelope>`
	ts := httptest.NewServer(&fakeSEFAZ{body: body})
	defer ts.Close()

	res, err := newClient(t, ts.URL).Submit(context.Background(), submitRequest(t))
	require.NoError(t, err)
	assert.Equal(t, "100", res.StatusCode)
}

func TestSubmit_ErroresDeTransporte(t *testing.T) {
	fault := `<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope"><soap:Body><soap:Fault><soap:Code><soap:Value>soap:Receiver</soap:Value></soap:Code><soap:Reason><soap:Text xml:lang="pt">Certificado invalido</soap:Text></soap:Reason></soap:Fault></soap:Body></soap:Envelope>`
	tests := map[string]*fakeSEFAZ{
		"SOAP Fault":        {status: http.StatusInternalServerError, body: fault},
		"HTTP 503":          {status: http.StatusServiceUnavailable, body: "unavailable"},
		"cuerpo ilegible":   {body: "<html>gateway"},
		"sin nfeResultMsg":  {body: `<soap:Envelope xmlns:soap="x"><soap:Body/></soap:Envelope>`},
		"sin retEnviNFe":    {body: soapResponse("NFeAutorizacao4", "<otro/>")},
	}
	for name, fake := range tests {
		t.Run(name, func(t *testing.T) {
			ts := httptest.NewServer(fake)
			defer ts.Close()
			_, err := newClient(t, ts.URL).Submit(context.Background(), submitRequest(t))
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrTransport)
			assert.True(t, domain.IsRetryable(err))
		})
	}
}

func TestSubmit_Timeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer ts.Close()

	_, err := newClient(t, ts.URL, nfe.WithTimeout(50*time.Millisecond)).Submit(context.Background(), submitRequest(t))
	assert.ErrorIs(t, err, domain.ErrTransport)
}

func TestSubmit_SinCertificado(t *testing.T) {
	req := submitRequest(t)
	req.Certificate = tls.Certificate{}
	_, err := newClient(t, "http://127.0.0.1:1").Submit(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrInvalidCertificate)
}

// El servidor exige certificado de cliente: el del llamador debe viajar en el handshake.
func TestSubmit_TLSMutuo(t *testing.T) {
	var peerCN string
	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(r.TLS.PeerCertificates) > 0 {
			peerCN = r.TLS.PeerCertificates[0].Subject.CommonName
		}
		_, _ = io.WriteString(w, soapResponse("NFeAutorizacao4", retEnviNFe(protWith("100", "Autorizado", "135240000000001"))))
	}))
	ts.TLS = &tls.Config{ClientAuth: tls.RequireAnyClientCert}
	ts.StartTLS()
	defer ts.Close()

	pool := x509.NewCertPool()
	pool.AddCert(ts.Certificate())

	res, err := newClient(t, ts.URL, nfe.WithRootCAs(pool)).Submit(context.Background(), submitRequest(t))
	require.NoError(t, err)
	assert.Equal(t, "100", res.StatusCode)
	assert.Equal(t, "COMERCIAL EXEMPLO LTDA:12345678000195", peerCN)
}

func TestQueryServiceStatus(t *testing.T) {
	body := `<retConsStatServ versao="4.00" xmlns="http://www.portalfiscal.inf.br/nfe"><tpAmb>2</tpAmb><verAplic>SP_NFE_PL009_V4</verAplic><cStat>107</cStat><xMotivo>Servico em Operacao</xMotivo><cUF>35</cUF><dhRecbto>2024-01-15T10:00:00-03:00</dhRecbto><tMed>1</tMed></retConsStatServ>`
	fake := &fakeSEFAZ{body: soapResponse("NFeStatusServico4", body)}
	ts := httptest.NewServer(fake)
	defer ts.Close()

	st, err := newClient(t, ts.URL).QueryServiceStatus(context.Background(), nfe.StatusRequest{
		UF: "SP", Environment: "2", Certificate: testutil.NewCert(t, "X:12345678000195").TLS,
	})
	require.NoError(t, err)
	assert.True(t, st.Available)
	assert.Equal(t, "107", st.StatusCode)
	assert.Equal(t, time.Date(2024, 1, 15, 13, 0, 0, 0, time.UTC), st.CheckedAt)
	assert.Contains(t, fake.lastPayload, "<cUF>35</cUF><xServ>STATUS</xServ>")
	assert.Contains(t, fake.lastAction, "NFeStatusServico4/nfeStatusServicoNF")
}

func TestSendEvent(t *testing.T) {
	ret := `<retEvento versao="1.00"><infEvento Id="ID135240000000099"><tpAmb>2</tpAmb><cOrgao>35</cOrgao><cStat>135</cStat><xMotivo>Evento registrado e vinculado a NF-e</xMotivo><chNFe>` + vectorKey + `</chNFe><tpEvento>110111</tpEvento><nSeqEvento>1</nSeqEvento><dhRegEvento>2024-01-16T09:00:10-03:00</dhRegEvento><nProt>135240000000099</nProt></infEvento></retEvento>`
	body := `<retEnvEvento versao="1.00" xmlns="http://www.portalfiscal.inf.br/nfe"><idLote>1</idLote><tpAmb>2</tpAmb><cOrgao>35</cOrgao><cStat>128</cStat><xMotivo>Lote de Evento Processado</xMotivo>` + ret + `</retEnvEvento>`
	fake := &fakeSEFAZ{body: soapResponse("NFeRecepcaoEvento4", body)}
	ts := httptest.NewServer(fake)
	defer ts.Close()

	res, err := newClient(t, ts.URL).SendEvent(context.Background(), nfe.EventRequest{
		SignedXML:   []byte(`<evento xmlns="http://www.portalfiscal.inf.br/nfe" versao="1.00"><infEvento Id="x"/></evento>`),
		LotID:       "1",
		UF:          "35",
		Environment: "2",
		Certificate: testutil.NewCert(t, "X:12345678000195").TLS,
	})
	require.NoError(t, err)
	assert.Equal(t, "128", res.LotStatusCode)
	assert.Equal(t, "135", res.StatusCode)
	assert.True(t, res.Registered)
	assert.Equal(t, "135240000000099", res.Protocol.Number)
	assert.Equal(t, ret, res.EventXML)
	assert.Contains(t, fake.lastPayload, `<envEvento xmlns="http://www.portalfiscal.inf.br/nfe" versao="1.00"><idLote>1</idLote><evento`)
}

func TestSendEvent_Rechazado(t *testing.T) {
	body := `<retEnvEvento versao="1.00" xmlns="http://www.portalfiscal.inf.br/nfe"><cStat>128</cStat><xMotivo>Lote de Evento Processado</xMotivo><retEvento versao="1.00"><infEvento><cStat>501</cStat><xMotivo>Rejeicao: Prazo de cancelamento superior ao previsto na Legislacao</xMotivo></infEvento></retEvento></retEnvEvento>`
	ts := httptest.NewServer(&fakeSEFAZ{body: soapResponse("NFeRecepcaoEvento4", body)})
	defer ts.Close()

	res, err := newClient(t, ts.URL).SendEvent(context.Background(), nfe.EventRequest{
		SignedXML: []byte("<evento/>"), LotID: "1", UF: "35", Environment: "2",
		Certificate: testutil.NewCert(t, "X:12345678000195").TLS,
	})
	require.NoError(t, err)
	assert.False(t, res.Registered)
	assert.Equal(t, "501", res.StatusCode)
}

func TestQueryProtocol(t *testing.T) {
	prot := protWith("100", "Autorizado o uso da NF-e", "135240000000001")
	body := `<retConsSitNFe versao="4.00" xmlns="http://www.portalfiscal.inf.br/nfe"><tpAmb>2</tpAmb><cStat>100</cStat><xMotivo>Autorizado o uso da NF-e</xMotivo><cUF>35</cUF><chNFe>` + vectorKey + `</chNFe>` + prot + `</retConsSitNFe>`
	fake := &fakeSEFAZ{body: soapResponse("NFeConsultaProtocolo4", body)}
	ts := httptest.NewServer(fake)
	defer ts.Close()

	res, err := newClient(t, ts.URL).QueryProtocol(context.Background(), nfe.ProtocolQuery{
		AccessKey: vectorKey, UF: "35", Environment: "2",
		Certificate: testutil.NewCert(t, "X:12345678000195").TLS,
	})
	require.NoError(t, err)
	assert.Equal(t, pkgnfe.OutcomeAuthorized, res.Outcome)
	assert.Equal(t, prot, res.ProtocolXML)
	assert.Contains(t, fake.lastPayload, "<xServ>CONSULTAR</xServ><chNFe>"+vectorKey+"</chNFe>")

	_, err = newClient(t, ts.URL).QueryProtocol(context.Background(), nfe.ProtocolQuery{AccessKey: "123"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestQueryProtocol_NoConstaEnLaBase(t *testing.T) {
	body := `<retConsSitNFe versao="4.00" xmlns="http://www.portalfiscal.inf.br/nfe"><tpAmb>2</tpAmb><cStat>217</cStat><xMotivo>Rejeicao: NF-e nao consta na base de dados da SEFAZ</xMotivo><cUF>35</cUF><chNFe>` + vectorKey + `</chNFe></retConsSitNFe>`
	ts := httptest.NewServer(&fakeSEFAZ{body: soapResponse("NFeConsultaProtocolo4", body)})
	defer ts.Close()

	res, err := newClient(t, ts.URL).QueryProtocol(context.Background(), nfe.ProtocolQuery{
		AccessKey: vectorKey, UF: "35", Environment: "2",
		Certificate: testutil.NewCert(t, "X:12345678000195").TLS,
	})
	require.NoError(t, err)
	assert.Equal(t, "217", res.StatusCode)
	assert.Nil(t, res.Protocol)
	assert.Equal(t, pkgnfe.OutcomeNotFound, res.Outcome)
}

func TestSubmit_ProtocoloVerbatimConAtributosYNamespaces(t *testing.T) {
	prot := `<protNFe versao="4.00" xmlns="http://www.portalfiscal.inf.br/nfe" xmlns:ds="http://www.w3.org/2000/09/xmldsig#"><infProt Id="ID135240000000001"><tpAmb>2</tpAmb><chNFe>` + vectorKey + `</chNFe><dhRecbto>2024-01-15T10:31:05-03:00</dhRecbto><nProt>135240000000001</nProt><digVal>q4s1Zt0bXyhK7pYtQ1b7tYvR3sA=</digVal><cStat>100</cStat><xMotivo>Autorizado o uso da NF-e</xMotivo></infProt>` +
		`<ds:Signature><ds:SignatureValue>AAAA</ds:SignatureValue></ds:Signature></protNFe>`
	ts := httptest.NewServer(&fakeSEFAZ{body: soapResponse("NFeAutorizacao4", retEnviNFe(prot))})
	defer ts.Close()

	res, err := newClient(t, ts.URL).Submit(context.Background(), submitRequest(t))
	require.NoError(t, err)
	assert.Equal(t, pkgnfe.OutcomeAuthorized, res.Outcome)
	assert.Equal(t, prot, res.ProtocolXML)
	assert.Equal(t, vectorKey, res.AccessKey)
}

func TestSendEvent_RetornoVerbatimConNamespace(t *testing.T) {
	ret := `<retEvento versao="1.00" xmlns="http://www.portalfiscal.inf.br/nfe" Id="R1"><infEvento Id="ID135240000000099"><cStat>135</cStat><xMotivo>Evento registrado e vinculado a NF-e</xMotivo><chNFe>` + vectorKey + `</chNFe><nProt>135240000000099</nProt></infEvento></retEvento>`
	body := `<retEnvEvento versao="1.00" xmlns="http://www.portalfiscal.inf.br/nfe"><idLote>1</idLote><cStat>128</cStat><xMotivo>Lote de Evento Processado</xMotivo>` + ret + `</retEnvEvento>`
	ts := httptest.NewServer(&fakeSEFAZ{body: soapResponse("NFeRecepcaoEvento4", body)})
	defer ts.Close()

	res, err := newClient(t, ts.URL).SendEvent(context.Background(), nfe.EventRequest{
		SignedXML: []byte("<evento/>"), LotID: "1", UF: "35", Environment: "2",
		Certificate: testutil.NewCert(t, "X:12345678000195").TLS,
	})
	require.NoError(t, err)
	assert.True(t, res.Registered)
	assert.Equal(t, ret, res.EventXML)
}
