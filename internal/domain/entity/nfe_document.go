package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// Estados del ciclo de vida de la NF-e.
const (
	DocumentStatusDraft      = "DRAFT"      // Editable, aún sin firma
	DocumentStatusSigned     = "SIGNED"     // XML firmado, pendiente de envío
	DocumentStatusSubmitted  = "SUBMITTED"  // Enviada a la SEFAZ, respuesta pendiente o en proceso
	DocumentStatusAuthorized = "AUTHORIZED" // Autorizada (protNFe cStat 100/150)
	DocumentStatusRejected   = "REJECTED"   // Rechazada por la SEFAZ (terminal)
	DocumentStatusDenied     = "DENIED"     // Uso denegado (terminal)
	DocumentStatusCancelled  = "CANCELLED"  // Cancelada por evento 110111 (terminal)
)

// Tipos de ítem.
const (
	ItemKindGoods   = "GOODS"
	ItemKindService = "SERVICE"
)

// Address dirección fiscal (enderEmit / enderDest).
type Address struct {
	Street           string // xLgr
	Number           string // nro
	Complement       string // xCpl
	District         string // xBairro
	MunicipalityCode string // cMun (IBGE, 7 dígitos)
	MunicipalityName string // xMun
	UF               string // sigla
	PostalCode       string // CEP (8 dígitos)
	Phone            string
}

// Emitter emisor de la NF-e.
type Emitter struct {
	CNPJ                   string
	LegalName              string // xNome
	TradeName              string // xFant
	StateRegistration      string // IE
	MunicipalRegistration  string // IM (obligatoria si hay servicios)
	Address                Address
	TaxRegime              string // CRT
	Environment            string // tpAmb: 1 producción, 2 homologación
}

// Recipient destinatario de la NF-e.
type Recipient struct {
	CNPJ              string // CNPJ o CPF (uno de los dos)
	CPF               string
	Name              string
	Address           *Address // opcional según la operación
	IEIndicator       string   // indIEDest
	StateRegistration string
	Email             string
}

// LineItem línea de producto o servicio.
type LineItem struct {
	Code        string
	Description string
	Kind        string // GOODS o SERVICE
	GTIN        string // cEAN (vacío = "SEM GTIN")
	NCM         string // bienes
	ServiceCode string // cListServ (servicios)
	CFOP        string
	Unit        string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	Subtotal    decimal.Decimal // Quantity * UnitPrice redondeado a 2 decimales
	TaxRate     decimal.Decimal // ICMS (bienes) o ISS (servicios), en fracción (0.18 = 18%)
	PISRate     decimal.Decimal
	COFINSRate  decimal.Decimal
	TaxCode     string // CST / CSOSN
}

// Totals totales calculados de la nota.
type Totals struct {
	Goods    decimal.Decimal // vProd
	Services decimal.Decimal // vServ
	ICMS     decimal.Decimal
	ICMSBase decimal.Decimal
	ISS      decimal.Decimal
	PIS      decimal.Decimal
	COFINS   decimal.Decimal
	Total    decimal.Decimal // vNF
}

// AuthorizationProtocol protocolo de autorización devuelto por la SEFAZ.
type AuthorizationProtocol struct {
	Number      string    // nProt
	ReceivedAt  time.Time // dhRecbto (UTC)
	StatusCode  string    // cStat
	Message     string    // xMotivo
	DigestValue string    // digVal
}

// InvoiceDocument agregado NF-e. Lo posee exclusivamente el gestor del ciclo de vida.
type InvoiceDocument struct {
	ID           string
	Model        string
	Series       int
	Number       int
	AccessKey    string
	NumericCode  string
	IssuedAt     time.Time
	Environment  string
	AuthorityUF  string // cUF de la autoridad
	Emitter      Emitter
	Recipient    Recipient
	Items        []LineItem
	Totals       Totals
	PaymentType  string
	UnsignedXML  string
	SignedXML    string
	LotID        string
	Protocol     *AuthorizationProtocol
	ArchivalXML  string // nfeProc: única forma válida para almacenamiento legal
	StatusCode   string // último cStat recibido
	StatusReason string // último xMotivo recibido
	Status       string
	Version      int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsDraft indica si el documento aún es editable.
func (d *InvoiceDocument) IsDraft() bool { return d.Status == DocumentStatusDraft }

// Clone copia el documento para restaurarlo si falla la persistencia.
func (d *InvoiceDocument) Clone() *InvoiceDocument {
	c := *d
	c.Items = append([]LineItem(nil), d.Items...)
	if d.Protocol != nil {
		p := *d.Protocol
		c.Protocol = &p
	}
	if d.Recipient.Address != nil {
		a := *d.Recipient.Address
		c.Recipient.Address = &a
	}
	return &c
}
