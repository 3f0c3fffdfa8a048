package fiscal

import (
	"context"
	"crypto/tls"

	"github.com/jhoicas/nfe-api/internal/domain/repository"
	infranfe "github.com/jhoicas/nfe-api/internal/infrastructure/nfe"
	pkgnfe "github.com/jhoicas/nfe-api/pkg/nfe"
)

// TxRunner ejecuta fn dentro de una transacción con repos de documentos y eventos.
type TxRunner interface {
	RunFiscal(ctx context.Context, fn func(
		docRepo repository.DocumentRepository,
		eventRepo repository.EventRepository,
	) error) error
}

// Builder genera el XML sin firma de la NF-e y del evento de cancelación.
type Builder interface {
	Build(ctx *infranfe.InvoiceBuildContext) (*infranfe.BuiltInvoice, error)
	BuildCancellationEvent(in infranfe.CancellationEventInput) (*infranfe.BuiltEvent, error)
}

// SignatureService firma y verifica (toda firma se verifica antes de salir a la red).
type SignatureService interface {
	pkgnfe.Signer
	Verify(signedXML []byte, ref pkgnfe.ReferenceKind) error
}

// Transport cliente de los web services de la SEFAZ.
type Transport interface {
	Submit(ctx context.Context, req infranfe.SubmitRequest) (*infranfe.SubmissionResult, error)
	QueryServiceStatus(ctx context.Context, req infranfe.StatusRequest) (*infranfe.ServiceStatus, error)
	SendEvent(ctx context.Context, req infranfe.EventRequest) (*infranfe.EventResult, error)
	QueryProtocol(ctx context.Context, q infranfe.ProtocolQuery) (*infranfe.SubmissionResult, error)
}

// CertificateProvider entrega el certificado A1 recién cargado en cada operación.
type CertificateProvider interface {
	Load(ctx context.Context) (tls.Certificate, error)
}

// Locker serializa las operaciones sobre un documento. La función devuelta libera el lock.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// ArchiveStore copia externa de los composites de archivo (opcional).
type ArchiveStore interface {
	Put(ctx context.Context, accessKey, name, xml string) error
}
