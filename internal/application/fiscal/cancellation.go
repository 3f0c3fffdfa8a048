package fiscal

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jhoicas/nfe-api/internal/domain"
	"github.com/jhoicas/nfe-api/internal/domain/entity"
	domainnfe "github.com/jhoicas/nfe-api/internal/domain/nfe"
	"github.com/jhoicas/nfe-api/internal/domain/repository"
	infranfe "github.com/jhoicas/nfe-api/internal/infrastructure/nfe"
	pkgnfe "github.com/jhoicas/nfe-api/pkg/nfe"
)

// CancellationPipeline arma, firma y envía el evento 110111 y aplica el resultado.
//
//	PENDING previo → reenviarlo tal cual
//	o CountByDocument → BuildCancellationEvent → Sign(infEvento) → Verify → persistir PENDING
//	→ SendEvent → (135/136/155) evento REGISTERED + documento CANCELLED en una transacción
//	            → (otro cStat) evento REJECTED, documento sin cambios
type CancellationPipeline struct {
	events    repository.EventRepository
	tx        TxRunner
	builder   Builder
	signer    SignatureService
	transport Transport
	archive   ArchiveStore
	now       func() time.Time
	newLotID  func() string
	log       zerolog.Logger
}

// Run ejecuta un intento de cancelación; si hay uno PENDING lo reenvía tal cual y la nueva
// justificación se ignora. doc debe estar AUTHORIZED y el llamador debe tener el lock del
// documento. Devuelve el evento siempre que se haya persistido el intento.
func (p *CancellationPipeline) Run(ctx context.Context, doc *entity.InvoiceDocument, cert tls.Certificate, justification string) (*entity.LifecycleEvent, error) {
	if doc.Status != entity.DocumentStatusAuthorized || doc.Protocol == nil || doc.Protocol.Number == "" {
		return nil, fmt.Errorf("%w: la NF-e %s no tiene autorización vigente", domain.ErrInvalidTransition, doc.AccessKey)
	}

	ev, err := p.pendingAttempt(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	if ev != nil {
		// Un intento sin respuesta pudo haber llegado a la SEFAZ: se reenvía el mismo evento
		// firmado (mismo nSeqEvento) en lugar de abrir uno nuevo.
		p.log.Info().Str("access_key", doc.AccessKey).Int("seq", ev.Sequence).
			Msg("nfe: reenviando evento de cancelación PENDING")
	} else if ev, err = p.newAttempt(ctx, doc, cert, justification); err != nil {
		return nil, err
	}
	signed := []byte(ev.SignedXML)

	res, err := p.transport.SendEvent(ctx, infranfe.EventRequest{
		SignedXML:   signed,
		LotID:       p.newLotID(),
		UF:          doc.AuthorityUF,
		Environment: doc.Environment,
		Certificate: cert,
	})
	if err != nil {
		p.log.Warn().Err(err).Str("access_key", doc.AccessKey).Int("seq", ev.Sequence).
			Msg("nfe: evento de cancelación sin respuesta, queda PENDING")
		return ev, err
	}

	ev.StatusCode = res.StatusCode
	ev.StatusReason = res.Message
	ev.Protocol = res.Protocol
	if !res.Registered {
		ev.Status = entity.EventStatusRejected
		if err := p.events.Update(ctx, ev); err != nil {
			return ev, err
		}
		p.log.Info().Str("access_key", doc.AccessKey).Str("cstat", res.StatusCode).Msg("nfe: cancelación rechazada")
		return ev, &domain.AuthorityError{Kind: domain.ErrAuthorityRejection, Code: res.StatusCode, Message: res.Message}
	}

	archive, err := infranfe.ComposeEventArchive(signed, res.EventXML)
	if err != nil {
		return ev, err
	}
	ev.Status = entity.EventStatusRegistered
	ev.ArchivalXML = archive

	prev := doc.Clone()
	doc.StatusCode = res.StatusCode
	doc.StatusReason = res.Message
	if err := domainnfe.Transition(doc, entity.DocumentStatusCancelled); err != nil {
		*doc = *prev
		return ev, err
	}
	err = p.tx.RunFiscal(ctx, func(docRepo repository.DocumentRepository, eventRepo repository.EventRepository) error {
		if err := eventRepo.Update(ctx, ev); err != nil {
			return err
		}
		return docRepo.Transition(ctx, doc, prev.Status)
	})
	if err != nil {
		*doc = *prev
		ev.Status = entity.EventStatusPending
		ev.ArchivalXML = ""
		return ev, err
	}
	p.log.Info().Str("access_key", doc.AccessKey).Str("cstat", res.StatusCode).Int("seq", ev.Sequence).
		Msg("nfe: cancelación registrada")

	if p.archive != nil {
		if err := p.archive.Put(ctx, doc.AccessKey, ArchiveCancellation, archive); err != nil {
			p.log.Warn().Err(err).Str("access_key", doc.AccessKey).Msg("nfe: copia de archivo falló")
		}
	}
	return ev, nil
}

// pendingAttempt devuelve el último evento de cancelación que quedó PENDING, si existe.
func (p *CancellationPipeline) pendingAttempt(ctx context.Context, documentID string) (*entity.LifecycleEvent, error) {
	events, err := p.events.ListByDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	var pending *entity.LifecycleEvent
	for _, ev := range events {
		if ev.EventType != pkgnfe.EventCancellation || ev.Status != entity.EventStatusPending {
			continue
		}
		if pending == nil || ev.Sequence > pending.Sequence {
			pending = ev
		}
	}
	return pending, nil
}

// newAttempt arma, firma y persiste como PENDING el siguiente nSeqEvento.
func (p *CancellationPipeline) newAttempt(ctx context.Context, doc *entity.InvoiceDocument, cert tls.Certificate, justification string) (*entity.LifecycleEvent, error) {
	attempts, err := p.events.CountByDocument(ctx, doc.ID, pkgnfe.EventCancellation)
	if err != nil {
		return nil, err
	}
	built, err := p.builder.BuildCancellationEvent(infranfe.CancellationEventInput{
		AccessKey:     doc.AccessKey,
		AuthorityCode: doc.AuthorityUF,
		Environment:   doc.Environment,
		CNPJ:          doc.Emitter.CNPJ,
		Protocol:      doc.Protocol.Number,
		Justification: justification,
		Sequence:      attempts + 1,
		OccurredAt:    p.now(),
	})
	if err != nil {
		return nil, err
	}
	signed, err := p.signer.Sign(built.XML, cert, pkgnfe.ReferenceEvent)
	if err != nil {
		return nil, err
	}
	if err := p.signer.Verify(signed, pkgnfe.ReferenceEvent); err != nil {
		return nil, err
	}

	ev := &entity.LifecycleEvent{
		DocumentID:    doc.ID,
		AccessKey:     doc.AccessKey,
		EventType:     pkgnfe.EventCancellation,
		Sequence:      attempts + 1,
		Justification: built.Justification,
		Truncated:     built.Truncated,
		SignedXML:     string(signed),
		Status:        entity.EventStatusPending,
	}
	// El intento queda registrado antes del envío: define el nSeqEvento del siguiente.
	if err := p.events.Create(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}
