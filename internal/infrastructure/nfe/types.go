// Package nfe implementa la generación del XML de la NF-e (leiaute 4.00), del evento de cancelación,
// el cliente SOAP 1.2 de la SEFAZ y la composición de los XML de archivo (nfeProc / procEventoNFe).
package nfe

import (
	"time"

	"github.com/jhoicas/nfe-api/internal/domain/entity"
)

// InvoiceBuildContext contexto con todos los datos necesarios para construir el XML de la NF-e.
type InvoiceBuildContext struct {
	Emitter   entity.Emitter
	Recipient entity.Recipient
	Items     []entity.LineItem
	Series    int
	Number    int
	IssuedAt  time.Time

	// Opcionales
	Model          string // "55" por defecto
	NumericCode    string // cNF; vacío = derivado de (CNPJ, AAMM, serie, número)
	PaymentType    string // tPag; vacío = 90 (sin pago)
	OperationName  string // natOp; vacío = "VENDA"
	AdditionalInfo string // infAdic/infCpl
}

// BuiltInvoice resultado de Build.
type BuiltInvoice struct {
	XML         []byte
	AccessKey   string
	DocumentID  string // "NFe" + chave, valor del atributo Id de infNFe
	NumericCode string
	CheckDigit  int
	AuthorityUF string // cUF
	Items       []entity.LineItem // con Subtotal completado
	Totals      entity.Totals
}

// CancellationEventInput datos del evento 110111.
type CancellationEventInput struct {
	AccessKey     string
	AuthorityCode string // cOrgao (cUF de la autoridad)
	Environment   string
	CNPJ          string
	Protocol      string // nProt de la autorización
	Justification string
	Sequence      int // nSeqEvento (1..20)
	OccurredAt    time.Time
}

// BuiltEvent resultado de BuildCancellationEvent.
type BuiltEvent struct {
	XML           []byte
	EventID       string // "ID110111" + chave + nSeqEvento(2)
	Justification string // xJust efectivamente enviado
	Truncated     bool
}
