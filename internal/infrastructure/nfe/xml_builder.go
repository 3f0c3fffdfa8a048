package nfe

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jhoicas/nfe-api/internal/domain"
	"github.com/jhoicas/nfe-api/internal/domain/entity"
	domainnfe "github.com/jhoicas/nfe-api/internal/domain/nfe"
	pkgnfe "github.com/jhoicas/nfe-api/pkg/nfe"
)

const (
	// Formato de fecha/hora UTC con offset exigido por el leiaute (AAAA-MM-DDThh:mm:ssTZD).
	dateTimeLayout = "2006-01-02T15:04:05-07:00"

	countryCodeBrazil = "1058"
	countryNameBrazil = "Brasil"

	// En homologación la SEFAZ exige este texto en dest/xNome (rechazo 598 si no).
	homologationRecipientName = "NF-E EMITIDA EM AMBIENTE DE HOMOLOGACAO - SEM VALOR FISCAL"

	defaultOperationName = "VENDA"
	gtinAbsent           = "SEM GTIN"
)

// XMLBuilderService construye el XML de la NF-e (sin firma) y del evento de cancelación.
type XMLBuilderService struct {
	log zerolog.Logger
}

// NewXMLBuilderService crea el servicio.
func NewXMLBuilderService(log zerolog.Logger) *XMLBuilderService {
	return &XMLBuilderService{log: log}
}

// Build valida los datos, calcula totales y chave de acesso, y genera el XML compacto
// <NFe xmlns="http://www.portalfiscal.inf.br/nfe"><infNFe Id="NFe{chave}" versao="4.00">...</infNFe></NFe>.
func (s *XMLBuilderService) Build(ctx *InvoiceBuildContext) (*BuiltInvoice, error) {
	if ctx == nil {
		return nil, fmt.Errorf("%w: contexto de construcción nulo", domain.ErrValidation)
	}
	items := append([]entity.LineItem(nil), ctx.Items...)
	if err := domainnfe.ValidateEmitter(&ctx.Emitter, domainnfe.HasServices(items)); err != nil {
		return nil, err
	}
	if err := domainnfe.ValidateRecipient(&ctx.Recipient); err != nil {
		return nil, err
	}
	if err := domainnfe.ValidateItems(items); err != nil {
		return nil, err
	}

	uf := strings.ToUpper(ctx.Emitter.Address.UF)
	model := ctx.Model
	if model == "" {
		model = pkgnfe.ModelNFe
	}
	key, err := pkgnfe.BuildAccessKey(&pkgnfe.AccessKeyParams{
		UFCode:       pkgnfe.UFCodes[uf],
		IssuedAt:     ctx.IssuedAt,
		CNPJ:         ctx.Emitter.CNPJ,
		Model:        model,
		Series:       ctx.Series,
		Number:       ctx.Number,
		EmissionType: pkgnfe.EmissionNormal,
		NumericCode:  ctx.NumericCode,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	totals := domainnfe.ComputeTotals(items, ctx.Emitter.TaxRegime)
	b := &invoiceWriter{ctx: ctx, items: items, totals: totals, key: key, model: model, uf: uf}
	out, err := b.write()
	if err != nil {
		return nil, fmt.Errorf("nfe: serializar XML: %w", err)
	}

	s.log.Debug().Str("access_key", key.Key).Int("items", len(items)).Msg("nfe: XML construido")
	return &BuiltInvoice{
		XML:         out,
		AccessKey:   key.Key,
		DocumentID:  "NFe" + key.Key,
		NumericCode: key.NumericCode,
		CheckDigit:  key.CheckDigit,
		AuthorityUF: pkgnfe.UFCodes[uf],
		Items:       items,
		Totals:      totals,
	}, nil
}

// invoiceWriter acumula el estado de una serialización.
type invoiceWriter struct {
	ctx    *InvoiceBuildContext
	items  []entity.LineItem
	totals entity.Totals
	key    *pkgnfe.AccessKey
	model  string
	uf     string

	enc *xml.Encoder
	err error
}

func (w *invoiceWriter) write() ([]byte, error) {
	var buf bytes.Buffer
	w.enc = xml.NewEncoder(&buf)

	w.token(xml.ProcInst{Target: "xml", Inst: []byte(`version="1.0" encoding="UTF-8"`)})
	w.start("NFe", attr("xmlns", pkgnfe.NamespaceNFe))
	w.start("infNFe", attr("Id", "NFe"+w.key.Key), attr("versao", pkgnfe.SchemaVersion))

	w.writeIde()
	w.writeEmit()
	w.writeDest()
	for i := range w.items {
		w.writeDet(i+1, &w.items[i])
	}
	w.writeTotal()

	// ---- transp: sin frete por defecto
	w.start("transp")
	w.leaf("modFrete", "9")
	w.end("transp")

	w.writePag()

	if info := normalizeText(w.ctx.AdditionalInfo); info != "" {
		w.start("infAdic")
		w.leaf("infCpl", info)
		w.end("infAdic")
	}

	w.end("infNFe")
	w.end("NFe")
	if w.err != nil {
		return nil, w.err
	}
	if err := w.enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (w *invoiceWriter) writeIde() {
	ctx := w.ctx
	natOp := normalizeText(ctx.OperationName)
	if natOp == "" {
		natOp = defaultOperationName
	}
	idDest := "1"
	if ctx.Recipient.Address != nil && !strings.EqualFold(ctx.Recipient.Address.UF, w.uf) {
		idDest = "2"
	}
	indFinal := "0"
	if ctx.Recipient.IEIndicator == "" || ctx.Recipient.IEIndicator == pkgnfe.IENaoContribuinte {
		indFinal = "1"
	}

	w.start("ide")
	w.leaf("cUF", pkgnfe.UFCodes[w.uf])
	w.leaf("cNF", w.key.NumericCode)
	w.leaf("natOp", natOp)
	w.leaf("mod", w.model)
	w.leaf("serie", strconv.Itoa(ctx.Series))
	w.leaf("nNF", strconv.Itoa(ctx.Number))
	w.leaf("dhEmi", ctx.IssuedAt.Format(dateTimeLayout))
	w.leaf("tpNF", "1")
	w.leaf("idDest", idDest)
	w.leaf("cMunFG", pkgnfe.OnlyDigits(ctx.Emitter.Address.MunicipalityCode))
	w.leaf("tpImp", "1")
	w.leaf("tpEmis", pkgnfe.EmissionNormal)
	w.leaf("cDV", strconv.Itoa(w.key.CheckDigit))
	w.leaf("tpAmb", ctx.Emitter.Environment)
	w.leaf("finNFe", "1")
	w.leaf("indFinal", indFinal)
	w.leaf("indPres", "1")
	w.leaf("procEmi", "0")
	w.leaf("verProc", pkgnfe.AppVersion)
	w.end("ide")
}

func (w *invoiceWriter) writeEmit() {
	e := w.ctx.Emitter
	w.start("emit")
	w.leaf("CNPJ", pkgnfe.OnlyDigits(e.CNPJ))
	w.leaf("xNome", normalizeText(e.LegalName))
	w.optional("xFant", normalizeText(e.TradeName))
	w.writeAddress("enderEmit", &e.Address)
	w.leaf("IE", pkgnfe.OnlyDigits(e.StateRegistration))
	if domainnfe.HasServices(w.items) {
		w.leaf("IM", normalizeText(e.MunicipalRegistration))
	}
	w.leaf("CRT", e.TaxRegime)
	w.end("emit")
}

func (w *invoiceWriter) writeDest() {
	r := w.ctx.Recipient
	name := normalizeText(r.Name)
	if w.ctx.Emitter.Environment == pkgnfe.EnvironmentHomologation {
		name = homologationRecipientName
	}
	indIE := r.IEIndicator
	if indIE == "" {
		indIE = pkgnfe.IENaoContribuinte
	}

	w.start("dest")
	if r.CNPJ != "" {
		w.leaf("CNPJ", pkgnfe.OnlyDigits(r.CNPJ))
	} else {
		w.leaf("CPF", pkgnfe.OnlyDigits(r.CPF))
	}
	w.leaf("xNome", name)
	if r.Address != nil {
		w.writeAddress("enderDest", r.Address)
	}
	w.leaf("indIEDest", indIE)
	if indIE == pkgnfe.IEContribuinte {
		w.leaf("IE", pkgnfe.OnlyDigits(r.StateRegistration))
	}
	w.optional("email", strings.TrimSpace(r.Email))
	w.end("dest")
}

func (w *invoiceWriter) writeAddress(tag string, a *entity.Address) {
	w.start(tag)
	w.leaf("xLgr", normalizeText(a.Street))
	w.leaf("nro", normalizeText(a.Number))
	w.optional("xCpl", normalizeText(a.Complement))
	w.leaf("xBairro", normalizeText(a.District))
	w.leaf("cMun", pkgnfe.OnlyDigits(a.MunicipalityCode))
	w.leaf("xMun", normalizeText(a.MunicipalityName))
	w.leaf("UF", strings.ToUpper(a.UF))
	w.optional("CEP", pkgnfe.OnlyDigits(a.PostalCode))
	w.leaf("cPais", countryCodeBrazil)
	w.leaf("xPais", countryNameBrazil)
	w.optional("fone", pkgnfe.OnlyDigits(a.Phone))
	w.end(tag)
}

func (w *invoiceWriter) writeDet(n int, it *entity.LineItem) {
	gtin := pkgnfe.OnlyDigits(it.GTIN)
	if gtin == "" {
		gtin = gtinAbsent
	}
	ncm := pkgnfe.OnlyDigits(it.NCM)
	if it.Kind == entity.ItemKindService {
		ncm = "00"
	}
	unit := normalizeText(it.Unit)
	qty := formatQuantity(it.Quantity)
	price := formatUnitPrice(it.UnitPrice)

	w.start("det", attr("nItem", strconv.Itoa(n)))
	w.start("prod")
	w.leaf("cProd", normalizeText(it.Code))
	w.leaf("cEAN", gtin)
	w.leaf("xProd", normalizeText(it.Description))
	w.leaf("NCM", ncm)
	w.leaf("CFOP", pkgnfe.OnlyDigits(it.CFOP))
	w.leaf("uCom", unit)
	w.leaf("qCom", qty)
	w.leaf("vUnCom", price)
	w.leaf("vProd", formatMoney(it.Subtotal))
	w.leaf("cEANTrib", gtin)
	w.leaf("uTrib", unit)
	w.leaf("qTrib", qty)
	w.leaf("vUnTrib", price)
	w.leaf("indTot", "1")
	w.end("prod")

	w.start("imposto")
	if it.Kind == entity.ItemKindService {
		w.writeISSQN(it)
	} else {
		w.writeICMS(it)
	}
	w.writeContribution("PIS", it.Subtotal, it.PISRate)
	w.writeContribution("COFINS", it.Subtotal, it.COFINSRate)
	w.end("imposto")
	w.end("det")
}

// writeICMS: régimen normal → ICMS00; Simples Nacional → ICMSSN102 (sin destaque).
func (w *invoiceWriter) writeICMS(it *entity.LineItem) {
	w.start("ICMS")
	if w.ctx.Emitter.TaxRegime == pkgnfe.CRTRegimeNormal {
		base := decimal.Zero
		if it.TaxRate.IsPositive() {
			base = it.Subtotal
		}
		w.start("ICMS00")
		w.leaf("orig", "0")
		w.leaf("CST", "00")
		w.leaf("modBC", "3")
		w.leaf("vBC", formatMoney(base))
		w.leaf("pICMS", formatRate(it.TaxRate))
		w.leaf("vICMS", formatMoney(domainnfe.LineTax(base, it.TaxRate)))
		w.end("ICMS00")
	} else {
		w.start("ICMSSN102")
		w.leaf("orig", "0")
		w.leaf("CSOSN", "102")
		w.end("ICMSSN102")
	}
	w.end("ICMS")
}

func (w *invoiceWriter) writeISSQN(it *entity.LineItem) {
	w.start("ISSQN")
	w.leaf("vBC", formatMoney(it.Subtotal))
	w.leaf("vAliq", formatRate(it.TaxRate))
	w.leaf("vISSQN", formatMoney(domainnfe.LineTax(it.Subtotal, it.TaxRate)))
	w.leaf("cMunFG", pkgnfe.OnlyDigits(w.ctx.Emitter.Address.MunicipalityCode))
	w.leaf("cListServ", strings.TrimSpace(it.ServiceCode))
	w.leaf("indISS", "1")
	w.leaf("indIncentivo", "2")
	w.end("ISSQN")
}

// writeContribution PIS/COFINS: alícuota básica (CST 01) o no tributado (CST 07).
func (w *invoiceWriter) writeContribution(tag string, base, rate decimal.Decimal) {
	w.start(tag)
	if rate.IsPositive() {
		w.start(tag + "Aliq")
		w.leaf("CST", "01")
		w.leaf("vBC", formatMoney(base))
		w.leaf("p"+tag, formatRate(rate))
		w.leaf("v"+tag, formatMoney(domainnfe.LineTax(base, rate)))
		w.end(tag + "Aliq")
	} else {
		w.start(tag + "NT")
		w.leaf("CST", "07")
		w.end(tag + "NT")
	}
	w.end(tag)
}

func (w *invoiceWriter) writeTotal() {
	t := w.totals
	zero := formatMoney(decimal.Zero)

	w.start("total")
	w.start("ICMSTot")
	w.leaf("vBC", formatMoney(t.ICMSBase))
	w.leaf("vICMS", formatMoney(t.ICMS))
	for _, tag := range []string{"vICMSDeson", "vFCP", "vBCST", "vST", "vFCPST", "vFCPSTRet"} {
		w.leaf(tag, zero)
	}
	w.leaf("vProd", formatMoney(t.Goods))
	for _, tag := range []string{"vFrete", "vSeg", "vDesc", "vII", "vIPI", "vIPIDevol"} {
		w.leaf(tag, zero)
	}
	w.leaf("vPIS", formatMoney(t.PIS))
	w.leaf("vCOFINS", formatMoney(t.COFINS))
	w.leaf("vOutro", zero)
	w.leaf("vNF", formatMoney(t.Total))
	w.end("ICMSTot")
	if t.Services.IsPositive() {
		w.start("ISSQNtot")
		w.leaf("vServ", formatMoney(t.Services))
		w.leaf("vBC", formatMoney(t.Services))
		w.leaf("vISS", formatMoney(t.ISS))
		w.leaf("dCompet", w.ctx.IssuedAt.Format("2006-01-02"))
		w.end("ISSQNtot")
	}
	w.end("total")
}

func (w *invoiceWriter) writePag() {
	tPag := w.ctx.PaymentType
	if tPag == "" {
		tPag = pkgnfe.PaymentWithout
	}
	amount := w.totals.Total
	if tPag == pkgnfe.PaymentWithout {
		amount = decimal.Zero
	}
	w.start("pag")
	w.start("detPag")
	w.leaf("tPag", tPag)
	w.leaf("vPag", formatMoney(amount))
	w.end("detPag")
	w.end("pag")
}

// ── helpers de serialización ───────────────────────────────────────────────────

func attr(name, value string) xml.Attr {
	return xml.Attr{Name: xml.Name{Local: name}, Value: value}
}

func (w *invoiceWriter) token(t xml.Token) {
	if w.err == nil {
		w.err = w.enc.EncodeToken(t)
	}
}

func (w *invoiceWriter) start(local string, attrs ...xml.Attr) {
	w.token(xml.StartElement{Name: xml.Name{Local: local}, Attr: attrs})
}

func (w *invoiceWriter) end(local string) {
	w.token(xml.EndElement{Name: xml.Name{Local: local}})
}

func (w *invoiceWriter) leaf(local, value string) {
	w.start(local)
	w.token(xml.CharData(value))
	w.end(local)
}

// optional omite el elemento si el valor está vacío.
func (w *invoiceWriter) optional(local, value string) {
	if value != "" {
		w.leaf(local, value)
	}
}

func formatMoney(d decimal.Decimal) string     { return d.StringFixed(2) }
func formatQuantity(d decimal.Decimal) string  { return d.StringFixed(4) }
func formatUnitPrice(d decimal.Decimal) string { return d.StringFixed(10) }

// formatRate convierte fracción (0.18) a porcentaje con 4 decimales (18.0000).
func formatRate(d decimal.Decimal) string {
	return d.Mul(decimal.NewFromInt(100)).StringFixed(4)
}
