package fiscal

import (
	"time"

	"github.com/jhoicas/nfe-api/internal/domain/entity"
)

// Nombres de objeto para el ArchiveStore.
const (
	ArchiveInvoice      = "nfeProc"
	ArchiveCancellation = "procEventoNFe"
)

// Config parámetros de emisión fijados por despliegue.
type Config struct {
	Environment string // tpAmb por defecto si el emisor no trae uno
	UF          string // UF del emisor para la consulta de estado del servicio
}

// InvoiceAggregate datos de entrada de una NF-e.
type InvoiceAggregate struct {
	Emitter        entity.Emitter
	Recipient      entity.Recipient
	Items          []entity.LineItem
	Series         int
	Number         int
	IssuedAt       time.Time // cero = ahora
	PaymentType    string
	NumericCode    string // cNF; vacío = derivado
	OperationName  string
	AdditionalInfo string
}

// IssueResult resultado de Issue/Submit/Reconcile.
type IssueResult struct {
	DocumentID   string
	AccessKey    string
	Status       string
	StatusCode   string
	StatusReason string
	Protocol     *entity.AuthorizationProtocol
}

// CancelResult resultado de Cancel.
type CancelResult struct {
	AccessKey     string
	Status        string // estado del documento tras el intento
	EventStatus   string
	Sequence      int
	StatusCode    string
	StatusReason  string
	Truncated     bool
	EventProtocol *entity.AuthorizationProtocol
}

// AuthorityStatus disponibilidad del autorizador.
type AuthorityStatus struct {
	Available   bool
	StatusCode  string
	Message     string
	CheckedAt   time.Time
	AverageTime string
}

func resultFrom(doc *entity.InvoiceDocument) *IssueResult {
	return &IssueResult{
		DocumentID:   doc.ID,
		AccessKey:    doc.AccessKey,
		Status:       doc.Status,
		StatusCode:   doc.StatusCode,
		StatusReason: doc.StatusReason,
		Protocol:     doc.Protocol,
	}
}
