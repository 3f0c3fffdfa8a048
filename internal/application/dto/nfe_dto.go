package dto

import (
	"time"

	"github.com/shopspring/decimal"
)

// AddressDTO dirección fiscal.
type AddressDTO struct {
	Street           string `json:"street"`
	Number           string `json:"number"`
	Complement       string `json:"complement,omitempty"`
	District         string `json:"district"`
	MunicipalityCode string `json:"municipality_code"`
	MunicipalityName string `json:"municipality_name"`
	UF               string `json:"uf"`
	PostalCode       string `json:"postal_code"`
	Phone            string `json:"phone,omitempty"`
}

// EmitterDTO emisor.
type EmitterDTO struct {
	CNPJ                  string     `json:"cnpj"`
	LegalName             string     `json:"legal_name"`
	TradeName             string     `json:"trade_name,omitempty"`
	StateRegistration     string     `json:"state_registration"`
	MunicipalRegistration string     `json:"municipal_registration,omitempty"`
	Address               AddressDTO `json:"address"`
	TaxRegime             string     `json:"tax_regime"`            // CRT 1, 2 o 3
	Environment           string     `json:"environment,omitempty"` // vacío = NFE_ENVIRONMENT
}

// RecipientDTO destinatario (CNPJ o CPF).
type RecipientDTO struct {
	CNPJ              string      `json:"cnpj,omitempty"`
	CPF               string      `json:"cpf,omitempty"`
	Name              string      `json:"name"`
	Address           *AddressDTO `json:"address,omitempty"`
	IEIndicator       string      `json:"ie_indicator"`
	StateRegistration string      `json:"state_registration,omitempty"`
	Email             string      `json:"email,omitempty"`
}

// LineItemDTO línea de producto o servicio. Las alícuotas van en fracción (0.18 = 18%).
type LineItemDTO struct {
	Code        string          `json:"code"`
	Description string          `json:"description"`
	Kind        string          `json:"kind"` // GOODS o SERVICE
	GTIN        string          `json:"gtin,omitempty"`
	NCM         string          `json:"ncm,omitempty"`
	ServiceCode string          `json:"service_code,omitempty"`
	CFOP        string          `json:"cfop"`
	Unit        string          `json:"unit"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TaxRate     decimal.Decimal `json:"tax_rate"`
	PISRate     decimal.Decimal `json:"pis_rate"`
	COFINSRate  decimal.Decimal `json:"cofins_rate"`
	TaxCode     string          `json:"tax_code,omitempty"`
}

// NFeRequest body de POST /api/nfe, /api/nfe/preview y /api/nfe/drafts.
type NFeRequest struct {
	Emitter        EmitterDTO    `json:"emitter"`
	Recipient      RecipientDTO  `json:"recipient"`
	Items          []LineItemDTO `json:"items"`
	Series         int           `json:"series"`
	Number         int           `json:"number"`
	IssuedAt       *time.Time    `json:"issued_at,omitempty"` // RFC 3339; vacío = ahora
	PaymentType    string        `json:"payment_type,omitempty"`
	NumericCode    string        `json:"numeric_code,omitempty"`
	OperationName  string        `json:"operation_name,omitempty"`
	AdditionalInfo string        `json:"additional_info,omitempty"`
}

// CancelNFeRequest body de POST /api/nfe/:key/cancel.
type CancelNFeRequest struct {
	Justification string `json:"justification"`
}

// TotalsDTO totales calculados.
type TotalsDTO struct {
	Goods    decimal.Decimal `json:"goods"`
	Services decimal.Decimal `json:"services"`
	ICMSBase decimal.Decimal `json:"icms_base"`
	ICMS     decimal.Decimal `json:"icms"`
	ISS      decimal.Decimal `json:"iss"`
	PIS      decimal.Decimal `json:"pis"`
	COFINS   decimal.Decimal `json:"cofins"`
	Total    decimal.Decimal `json:"total"`
}

// ProtocolDTO protocolo de la SEFAZ.
type ProtocolDTO struct {
	Number      string    `json:"number"`
	ReceivedAt  time.Time `json:"received_at"`
	StatusCode  string    `json:"status_code"`
	Message     string    `json:"message"`
	DigestValue string    `json:"digest_value,omitempty"`
}

// PreviewResponse XML sin firma y datos calculados.
type PreviewResponse struct {
	AccessKey   string    `json:"access_key"`
	NumericCode string    `json:"numeric_code"`
	CheckDigit  int       `json:"check_digit"`
	Totals      TotalsDTO `json:"totals"`
	XML         string    `json:"xml"`
}

// IssueResponse resultado de emisión, envío o reconciliación.
type IssueResponse struct {
	DocumentID   string       `json:"document_id"`
	AccessKey    string       `json:"access_key"`
	Status       string       `json:"status"`
	StatusCode   string       `json:"status_code,omitempty"`
	StatusReason string       `json:"status_reason,omitempty"`
	Protocol     *ProtocolDTO `json:"protocol,omitempty"`
	Retryable    bool         `json:"retryable,omitempty"`
}

// EventDTO evento de la NF-e.
type EventDTO struct {
	ID            string       `json:"id"`
	EventType     string       `json:"event_type"`
	Sequence      int          `json:"sequence"`
	Justification string       `json:"justification"`
	Truncated     bool         `json:"truncated,omitempty"`
	Status        string       `json:"status"`
	StatusCode    string       `json:"status_code,omitempty"`
	StatusReason  string       `json:"status_reason,omitempty"`
	Protocol      *ProtocolDTO `json:"protocol,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// DocumentResponse NF-e completa para GET /api/nfe/:key.
type DocumentResponse struct {
	ID           string       `json:"id"`
	AccessKey    string       `json:"access_key"`
	Model        string       `json:"model"`
	Series       int          `json:"series"`
	Number       int          `json:"number"`
	IssuedAt     time.Time    `json:"issued_at"`
	Environment  string       `json:"environment"`
	Status       string       `json:"status"`
	StatusCode   string       `json:"status_code,omitempty"`
	StatusReason string       `json:"status_reason,omitempty"`
	LotID        string       `json:"lot_id,omitempty"`
	Totals       TotalsDTO    `json:"totals"`
	Protocol     *ProtocolDTO `json:"protocol,omitempty"`
	ArchivalXML  string       `json:"archival_xml,omitempty"`
	Events       []EventDTO   `json:"events,omitempty"`
}

// ListNFeRequest filtros de GET /api/nfe.
type ListNFeRequest struct {
	PageRequest
	Status      string `query:"status"`
	EmitterCNPJ string `query:"emitter_cnpj"`
	MinTotal    string `query:"min_total"` // vNF mínimo, decimal con punto
	MaxTotal    string `query:"max_total"`
}

// DocumentListResponse página de documentos (sin XML de archivo).
type DocumentListResponse struct {
	Items []DocumentResponse `json:"items"`
	Page  PageResponse       `json:"page"`
}

// CancelResponse resultado de un intento de cancelación.
type CancelResponse struct {
	AccessKey     string       `json:"access_key"`
	Status        string       `json:"status"`
	EventStatus   string       `json:"event_status"`
	Sequence      int          `json:"sequence"`
	StatusCode    string       `json:"status_code,omitempty"`
	StatusReason  string       `json:"status_reason,omitempty"`
	Truncated     bool         `json:"justification_truncated,omitempty"`
	EventProtocol *ProtocolDTO `json:"event_protocol,omitempty"`
}

// AuthorityStatusResponse disponibilidad del autorizador.
type AuthorityStatusResponse struct {
	Available   bool      `json:"available"`
	StatusCode  string    `json:"status_code"`
	Message     string    `json:"message"`
	CheckedAt   time.Time `json:"checked_at,omitempty"`
	AverageTime string    `json:"average_time,omitempty"`
}

// AuthorityErrorResponse rechazo o denegación con el cStat/xMotivo literales de la SEFAZ.
type AuthorityErrorResponse struct {
	Code             string      `json:"code"` // AUTHORITY_REJECTION o AUTHORITY_DENIAL
	Message          string      `json:"message"`
	AuthorityCode    string      `json:"authority_code"`
	AuthorityMessage string      `json:"authority_message"`
	Result           interface{} `json:"result,omitempty"`
}
