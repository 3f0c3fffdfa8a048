// Package fiscal orquesta el ciclo de vida de la NF-e:
//
//	DRAFT → SIGNED → SUBMITTED → {AUTHORIZED, REJECTED, DENIED}; AUTHORIZED → CANCELLED
//
// Cada cambio de estado se persiste con compare-and-swap sobre el estado anterior y, si la
// escritura falla, el documento en memoria vuelve a su estado previo. Las operaciones de un
// mismo documento se serializan con Locker. No hay reintentos automáticos: un error de
// transporte deja el documento en SUBMITTED para reenviarlo o reconciliarlo.
package fiscal

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/jhoicas/nfe-api/internal/domain"
	"github.com/jhoicas/nfe-api/internal/domain/entity"
	domainnfe "github.com/jhoicas/nfe-api/internal/domain/nfe"
	"github.com/jhoicas/nfe-api/internal/domain/repository"
	infranfe "github.com/jhoicas/nfe-api/internal/infrastructure/nfe"
	pkgnfe "github.com/jhoicas/nfe-api/pkg/nfe"
)

// Dependencies puertos que necesita el Service.
type Dependencies struct {
	Documents    repository.DocumentRepository
	Events       repository.EventRepository
	Tx           TxRunner
	Builder      Builder
	Signer       SignatureService
	Transport    Transport
	Certificates CertificateProvider
	Locker       Locker
	Archive      ArchiveStore // nil = sin copia externa
}

// Service gestor del ciclo de vida (único dueño de los InvoiceDocument).
type Service struct {
	docs      repository.DocumentRepository
	builder   Builder
	signer    SignatureService
	transport Transport
	certs     CertificateProvider
	locker    Locker
	archive   ArchiveStore
	cancel    *CancellationPipeline
	cfg       Config
	now       func() time.Time
	newLotID  func() string
	log       zerolog.Logger
}

// Option opción funcional del Service.
type Option func(*Service)

// WithClock reemplaza el reloj (pruebas).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLotIDs reemplaza el generador de idLote (pruebas).
func WithLotIDs(next func() string) Option {
	return func(s *Service) { s.newLotID = next }
}

// NewService construye el gestor y su pipeline de cancelación.
func NewService(deps Dependencies, cfg Config, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		docs:      deps.Documents,
		builder:   deps.Builder,
		signer:    deps.Signer,
		transport: deps.Transport,
		certs:     deps.Certificates,
		locker:    deps.Locker,
		archive:   deps.Archive,
		cfg:       cfg,
		now:       time.Now,
		newLotID:  infranfe.NewLotID,
		log:       log,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cancel = &CancellationPipeline{
		events:    deps.Events,
		tx:        deps.Tx,
		builder:   deps.Builder,
		signer:    deps.Signer,
		transport: deps.Transport,
		archive:   deps.Archive,
		now:       s.now,
		newLotID:  s.newLotID,
		log:       log,
	}
	return s
}

// ═══════════════════════════════════════════════════════════════════════════
// Construcción y borradores
// ═══════════════════════════════════════════════════════════════════════════

// BuildPreview genera el XML sin firma sin persistir nada.
func (s *Service) BuildPreview(ctx context.Context, agg *InvoiceAggregate) (*infranfe.BuiltInvoice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.build(s.prepare(agg))
}

// CreateDraft valida, construye el XML sin firma y persiste el documento en DRAFT.
func (s *Service) CreateDraft(ctx context.Context, agg *InvoiceAggregate) (*entity.InvoiceDocument, error) {
	agg = s.prepare(agg)
	built, err := s.build(agg)
	if err != nil {
		return nil, err
	}
	doc := &entity.InvoiceDocument{Status: entity.DocumentStatusDraft, Version: 1}
	s.applyBuild(doc, agg, built)
	if err := s.docs.Create(ctx, doc); err != nil {
		return nil, err
	}
	s.log.Info().Str("document_id", doc.ID).Str("access_key", doc.AccessKey).Msg("nfe: borrador creado")
	return doc, nil
}

// UpdateDraft reemplaza el contenido de un documento en DRAFT.
func (s *Service) UpdateDraft(ctx context.Context, id string, agg *InvoiceAggregate) (*entity.InvoiceDocument, error) {
	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	doc, err := s.docs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := domainnfe.EnsureMutable(doc); err != nil {
		return nil, err
	}
	agg = s.prepare(agg)
	built, err := s.build(agg)
	if err != nil {
		return nil, err
	}
	prev := doc.Clone()
	s.applyBuild(doc, agg, built)
	if err := s.docs.UpdateDraft(ctx, doc); err != nil {
		*doc = *prev
		return nil, err
	}
	return doc, nil
}

// DeleteDraft elimina un documento que sigue en DRAFT.
func (s *Service) DeleteDraft(ctx context.Context, id string) error {
	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := s.docs.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := domainnfe.EnsureMutable(doc); err != nil {
		return err
	}
	return s.docs.Delete(ctx, id)
}

// ═══════════════════════════════════════════════════════════════════════════
// Firma, envío y reconciliación
// ═══════════════════════════════════════════════════════════════════════════

// Sign firma el XML del borrador (DRAFT → SIGNED). La firma se verifica antes de persistir.
func (s *Service) Sign(ctx context.Context, id string) (*entity.InvoiceDocument, error) {
	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	doc, err := s.docs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.sign(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Service) sign(ctx context.Context, doc *entity.InvoiceDocument) error {
	if !domainnfe.CanTransition(doc.Status, entity.DocumentStatusSigned) {
		return fmt.Errorf("%w: firmar desde %s", domain.ErrInvalidTransition, doc.Status)
	}
	if doc.UnsignedXML == "" {
		return fmt.Errorf("%w: documento %s sin XML", domain.ErrValidation, doc.ID)
	}
	cert, err := s.certs.Load(ctx)
	if err != nil {
		return err
	}
	signed, err := s.signer.Sign([]byte(doc.UnsignedXML), cert, pkgnfe.ReferenceInvoice)
	if err != nil {
		return err
	}
	if err := s.signer.Verify(signed, pkgnfe.ReferenceInvoice); err != nil {
		return err
	}

	prev := doc.Clone()
	doc.SignedXML = string(signed)
	if err := domainnfe.Transition(doc, entity.DocumentStatusSigned); err != nil {
		*doc = *prev
		return err
	}
	if err := s.docs.Transition(ctx, doc, prev.Status); err != nil {
		*doc = *prev
		return err
	}
	s.log.Info().Str("access_key", doc.AccessKey).Str("status", doc.Status).Msg("nfe: firmada")
	return nil
}

// Submit envía un documento SIGNED (o reenvía uno SUBMITTED con el mismo idLote).
// Rechazo y denegación devuelven *domain.AuthorityError junto con el resultado.
func (s *Service) Submit(ctx context.Context, id string) (*IssueResult, error) {
	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	doc, err := s.docs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, doc)
}

func (s *Service) submit(ctx context.Context, doc *entity.InvoiceDocument) (*IssueResult, error) {
	switch doc.Status {
	case entity.DocumentStatusSigned, entity.DocumentStatusSubmitted:
	default:
		return nil, fmt.Errorf("%w: enviar desde %s", domain.ErrInvalidTransition, doc.Status)
	}
	if err := s.signer.Verify([]byte(doc.SignedXML), pkgnfe.ReferenceInvoice); err != nil {
		return nil, err
	}
	cert, err := s.certs.Load(ctx)
	if err != nil {
		return nil, err
	}

	// El estado SUBMITTED y el idLote se persisten antes de salir a la red.
	if doc.Status == entity.DocumentStatusSigned {
		prev := doc.Clone()
		doc.LotID = s.newLotID()
		if err := domainnfe.Transition(doc, entity.DocumentStatusSubmitted); err != nil {
			*doc = *prev
			return nil, err
		}
		if err := s.docs.Transition(ctx, doc, prev.Status); err != nil {
			*doc = *prev
			return nil, err
		}
	}

	res, err := s.transport.Submit(ctx, infranfe.SubmitRequest{
		SignedXML:   []byte(doc.SignedXML),
		LotID:       doc.LotID,
		UF:          doc.AuthorityUF,
		Environment: doc.Environment,
		Certificate: cert,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("access_key", doc.AccessKey).Str("lot_id", doc.LotID).
			Msg("nfe: envío sin respuesta, documento queda SUBMITTED")
		return resultFrom(doc), err
	}
	return s.applyOutcome(ctx, doc, res)
}

// Reconcile consulta el protocolo de un documento SUBMITTED y aplica la decisión de la SEFAZ.
func (s *Service) Reconcile(ctx context.Context, id string) (*IssueResult, error) {
	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	doc, err := s.docs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.Status != entity.DocumentStatusSubmitted {
		return nil, fmt.Errorf("%w: reconciliar desde %s", domain.ErrInvalidTransition, doc.Status)
	}
	cert, err := s.certs.Load(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.transport.QueryProtocol(ctx, infranfe.ProtocolQuery{
		AccessKey:   doc.AccessKey,
		UF:          doc.AuthorityUF,
		Environment: doc.Environment,
		Certificate: cert,
	})
	if err != nil {
		return resultFrom(doc), err
	}
	return s.applyOutcome(ctx, doc, res)
}

// applyOutcome lleva un documento SUBMITTED al estado que indica la respuesta.
func (s *Service) applyOutcome(ctx context.Context, doc *entity.InvoiceDocument, res *infranfe.SubmissionResult) (*IssueResult, error) {
	if err := checkProtocolIntegrity(doc, res); err != nil {
		s.log.Error().Err(err).Str("access_key", doc.AccessKey).Str("cstat", res.StatusCode).
			Msg("nfe: protocolo no corresponde al documento, se descarta")
		return resultFrom(doc), err
	}

	prev := doc.Clone()
	doc.StatusCode = res.StatusCode
	doc.StatusReason = res.Message
	logEvt := s.log.Info().Str("access_key", doc.AccessKey).Str("cstat", res.StatusCode)

	var target string
	var authErr error
	switch res.Outcome {
	case pkgnfe.OutcomeAuthorized:
		archive, err := infranfe.ComposeInvoiceArchive([]byte(doc.SignedXML), res.ProtocolXML)
		if err != nil {
			*doc = *prev
			return resultFrom(doc), err
		}
		doc.Protocol = res.Protocol
		doc.ArchivalXML = archive
		target = entity.DocumentStatusAuthorized
	case pkgnfe.OutcomeDenied:
		doc.Protocol = res.Protocol
		if res.ProtocolXML != "" {
			if archive, err := infranfe.ComposeInvoiceArchive([]byte(doc.SignedXML), res.ProtocolXML); err == nil {
				doc.ArchivalXML = archive
			}
		}
		target = entity.DocumentStatusDenied
		authErr = &domain.AuthorityError{Kind: domain.ErrAuthorityDenial, Code: res.StatusCode, Message: res.Message}
	case pkgnfe.OutcomeRejected:
		target = entity.DocumentStatusRejected
		authErr = &domain.AuthorityError{Kind: domain.ErrAuthorityRejection, Code: res.StatusCode, Message: res.Message}
	default:
		// Pendiente, SEFAZ no disponible o NF-e no encontrada: sigue SUBMITTED con el último cStat.
		if err := s.docs.Transition(ctx, doc, prev.Status); err != nil {
			*doc = *prev
			return resultFrom(doc), err
		}
		switch res.Outcome {
		case pkgnfe.OutcomeUnavailable:
			logEvt.Str("status", doc.Status).Msg("nfe: SEFAZ no procesó el lote, reenviar luego")
			return resultFrom(doc), fmt.Errorf("%w: SEFAZ [%s] %s", domain.ErrTransport, res.StatusCode, res.Message)
		case pkgnfe.OutcomeNotFound:
			logEvt.Str("status", doc.Status).Msg("nfe: la SEFAZ no conoce la NF-e, se puede reenviar")
		default:
			logEvt.Str("status", doc.Status).Msg("nfe: autorización pendiente")
		}
		return resultFrom(doc), nil
	}

	if err := domainnfe.Transition(doc, target); err != nil {
		*doc = *prev
		return resultFrom(doc), err
	}
	if err := s.docs.Transition(ctx, doc, prev.Status); err != nil {
		*doc = *prev
		return resultFrom(doc), err
	}
	logEvt.Str("status", doc.Status).Msg("nfe: respuesta de autorización aplicada")

	if doc.ArchivalXML != "" {
		s.storeArchive(ctx, doc.AccessKey, ArchiveInvoice, doc.ArchivalXML)
	}
	return resultFrom(doc), authErr
}

// checkProtocolIntegrity exige que el protocolo recibido sea de este documento: chNFe igual a
// la chave y digVal igual al DigestValue firmado. Sin protocolo no hay nada que comparar.
func checkProtocolIntegrity(doc *entity.InvoiceDocument, res *infranfe.SubmissionResult) error {
	if res.Protocol == nil {
		return nil
	}
	if res.AccessKey != "" && res.AccessKey != doc.AccessKey {
		return fmt.Errorf("%w: integridad: protocolo de la chave %s para %s", domain.ErrTransport, res.AccessKey, doc.AccessKey)
	}
	if res.Protocol.DigestValue == "" {
		return nil
	}
	signed, err := infranfe.SignedDigestValue([]byte(doc.SignedXML))
	if err != nil {
		return fmt.Errorf("%w: integridad: %v", domain.ErrTransport, err)
	}
	if signed != res.Protocol.DigestValue {
		return fmt.Errorf("%w: integridad: digVal %s no coincide con la firma", domain.ErrTransport, res.Protocol.DigestValue)
	}
	return nil
}

// Issue crea, firma y envía en una sola llamada.
func (s *Service) Issue(ctx context.Context, agg *InvoiceAggregate) (*IssueResult, error) {
	doc, err := s.CreateDraft(ctx, agg)
	if err != nil {
		return nil, err
	}
	unlock, err := s.locker.Lock(ctx, doc.ID)
	if err != nil {
		return resultFrom(doc), err
	}
	defer unlock()

	if err := s.sign(ctx, doc); err != nil {
		return resultFrom(doc), err
	}
	return s.submit(ctx, doc)
}

// ═══════════════════════════════════════════════════════════════════════════
// Cancelación, consultas
// ═══════════════════════════════════════════════════════════════════════════

// Cancel registra el evento 110111 sobre una NF-e AUTHORIZED.
func (s *Service) Cancel(ctx context.Context, accessKey, justification string) (*CancelResult, error) {
	found, err := s.docs.GetByAccessKey(ctx, accessKey)
	if err != nil {
		return nil, err
	}
	unlock, err := s.locker.Lock(ctx, found.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Relectura bajo lock: otro proceso pudo cambiar el estado.
	doc, err := s.docs.GetByID(ctx, found.ID)
	if err != nil {
		return nil, err
	}
	if !domainnfe.CanTransition(doc.Status, entity.DocumentStatusCancelled) {
		return nil, fmt.Errorf("%w: cancelar desde %s", domain.ErrInvalidTransition, doc.Status)
	}
	cert, err := s.certs.Load(ctx)
	if err != nil {
		return nil, err
	}
	ev, err := s.cancel.Run(ctx, doc, cert, justification)
	if ev == nil {
		return nil, err
	}
	return &CancelResult{
		AccessKey:     doc.AccessKey,
		Status:        doc.Status,
		EventStatus:   ev.Status,
		Sequence:      ev.Sequence,
		StatusCode:    ev.StatusCode,
		StatusReason:  ev.StatusReason,
		Truncated:     ev.Truncated,
		EventProtocol: ev.Protocol,
	}, err
}

// QueryAuthorityStatus consulta NFeStatusServico4 del autorizador configurado.
func (s *Service) QueryAuthorityStatus(ctx context.Context, environment string) (*AuthorityStatus, error) {
	if environment == "" {
		environment = s.cfg.Environment
	}
	if !pkgnfe.IsValidEnvironment(environment) {
		return nil, fmt.Errorf("%w: tpAmb %q", domain.ErrValidation, environment)
	}
	cert, err := s.certs.Load(ctx)
	if err != nil {
		return nil, err
	}
	st, err := s.transport.QueryServiceStatus(ctx, infranfe.StatusRequest{
		UF:          s.cfg.UF,
		Environment: environment,
		Certificate: cert,
	})
	if err != nil {
		return nil, err
	}
	return &AuthorityStatus{
		Available:   st.Available,
		StatusCode:  st.StatusCode,
		Message:     st.Message,
		CheckedAt:   st.CheckedAt,
		AverageTime: st.AverageTime,
	}, nil
}

// Get devuelve el documento por ID.
func (s *Service) Get(ctx context.Context, id string) (*entity.InvoiceDocument, error) {
	return s.docs.GetByID(ctx, id)
}

// GetByAccessKey devuelve el documento por chave de acesso.
func (s *Service) GetByAccessKey(ctx context.Context, accessKey string) (*entity.InvoiceDocument, error) {
	if err := pkgnfe.ValidateAccessKey(accessKey); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return s.docs.GetByAccessKey(ctx, accessKey)
}

// List página de documentos filtrada por estado, CNPJ del emisor y rango de vNF.
func (s *Service) List(ctx context.Context, filter repository.DocumentFilter, limit, offset int) ([]*entity.InvoiceDocument, int, error) {
	if filter.Status != "" && !slices.Contains(domainnfe.AllStatuses(), filter.Status) {
		return nil, 0, fmt.Errorf("%w: estado %q desconocido", domain.ErrValidation, filter.Status)
	}
	filter.EmitterCNPJ = pkgnfe.OnlyDigits(filter.EmitterCNPJ)
	if filter.MinTotal.Valid && filter.MaxTotal.Valid && filter.MinTotal.Decimal.GreaterThan(filter.MaxTotal.Decimal) {
		return nil, 0, fmt.Errorf("%w: min_total mayor que max_total", domain.ErrValidation)
	}
	if filter.MinTotal.Valid && filter.MinTotal.Decimal.IsNegative() {
		return nil, 0, fmt.Errorf("%w: min_total negativo", domain.ErrValidation)
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.docs.List(ctx, filter, limit, offset)
}

// Events historial de eventos del documento.
func (s *Service) Events(ctx context.Context, documentID string) ([]*entity.LifecycleEvent, error) {
	return s.cancel.events.ListByDocument(ctx, documentID)
}

// ═══════════════════════════════════════════════════════════════════════════
// Helpers
// ═══════════════════════════════════════════════════════════════════════════

// prepare completa los valores por defecto (ambiente, fecha) en una copia del agregado,
// para que el XML y el documento persistido usen los mismos.
func (s *Service) prepare(agg *InvoiceAggregate) *InvoiceAggregate {
	if agg == nil {
		return nil
	}
	out := *agg
	if out.Emitter.Environment == "" {
		out.Emitter.Environment = s.cfg.Environment
	}
	if out.IssuedAt.IsZero() {
		out.IssuedAt = s.now()
	}
	if out.PaymentType == "" {
		out.PaymentType = pkgnfe.PaymentWithout
	}
	return &out
}

func (s *Service) build(agg *InvoiceAggregate) (*infranfe.BuiltInvoice, error) {
	if agg == nil {
		return nil, fmt.Errorf("%w: datos de la nota obligatorios", domain.ErrValidation)
	}
	return s.builder.Build(&infranfe.InvoiceBuildContext{
		Emitter:        agg.Emitter,
		Recipient:      agg.Recipient,
		Items:          agg.Items,
		Series:         agg.Series,
		Number:         agg.Number,
		IssuedAt:       agg.IssuedAt,
		NumericCode:    agg.NumericCode,
		PaymentType:    agg.PaymentType,
		OperationName:  agg.OperationName,
		AdditionalInfo: agg.AdditionalInfo,
	})
}

// applyBuild copia al documento el agregado ya preparado y lo que Build calculó.
func (s *Service) applyBuild(doc *entity.InvoiceDocument, agg *InvoiceAggregate, built *infranfe.BuiltInvoice) {
	doc.Model = pkgnfe.ModelNFe
	if parts, err := pkgnfe.ParseAccessKey(built.AccessKey); err == nil {
		doc.Model = parts.Model
	}
	doc.Series = agg.Series
	doc.Number = agg.Number
	doc.AccessKey = built.AccessKey
	doc.NumericCode = built.NumericCode
	doc.IssuedAt = agg.IssuedAt
	doc.Emitter = agg.Emitter
	doc.Environment = agg.Emitter.Environment
	doc.AuthorityUF = built.AuthorityUF
	doc.Recipient = agg.Recipient
	doc.Items = built.Items
	doc.Totals = built.Totals
	doc.PaymentType = agg.PaymentType
	doc.UnsignedXML = string(built.XML)
}

// storeArchive copia el composite al ArchiveStore; un fallo no revierte el estado.
func (s *Service) storeArchive(ctx context.Context, accessKey, name, xml string) {
	if s.archive == nil {
		return
	}
	if err := s.archive.Put(ctx, accessKey, name, xml); err != nil {
		s.log.Warn().Err(err).Str("access_key", accessKey).Str("object", name).Msg("nfe: copia de archivo falló")
	}
}

// IsAuthorityError indica si err trae un cStat de rechazo o denegación.
func IsAuthorityError(err error) (*domain.AuthorityError, bool) {
	var ae *domain.AuthorityError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
