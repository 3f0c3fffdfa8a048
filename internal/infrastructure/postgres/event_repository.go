package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jhoicas/nfe-api/internal/domain"
	"github.com/jhoicas/nfe-api/internal/domain/entity"
	"github.com/jhoicas/nfe-api/internal/domain/repository"
)

var _ repository.EventRepository = (*EventRepo)(nil)

// EventRepo implementación de EventRepository (usable con pool o tx).
type EventRepo struct {
	q Querier
}

// NewEventRepository construye el adaptador. Pasar pool o tx (Querier).
func NewEventRepository(q Querier) *EventRepo {
	return &EventRepo{q: q}
}

// Create persiste un intento de evento.
func (r *EventRepo) Create(ctx context.Context, ev *entity.LifecycleEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	ev.UpdatedAt = now
	query := `
		INSERT INTO nfe_events (id, document_id, access_key, event_type, sequence, justification, truncated,
		                        signed_xml, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := r.q.Exec(ctx, query,
		ev.ID, ev.DocumentID, ev.AccessKey, ev.EventType, ev.Sequence, ev.Justification, ev.Truncated,
		nullIfEmpty(ev.SignedXML), ev.Status, ev.CreatedAt, ev.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("evento %s secuencia %d ya existe: %w", ev.EventType, ev.Sequence, domain.ErrDuplicate)
		}
		return fmt.Errorf("insert nfe event: %w", err)
	}
	return nil
}

// Update registra el resultado del evento (estado, protocolo, composite de archivo).
func (r *EventRepo) Update(ctx context.Context, ev *entity.LifecycleEvent) error {
	ev.UpdatedAt = time.Now().UTC()
	var protoNumber, protoStatus, protoMessage *string
	var protoAt *time.Time
	if p := ev.Protocol; p != nil {
		protoNumber = nullIfEmpty(p.Number)
		protoStatus = nullIfEmpty(p.StatusCode)
		protoMessage = nullIfEmpty(p.Message)
		if !p.ReceivedAt.IsZero() {
			at := p.ReceivedAt.UTC()
			protoAt = &at
		}
	}
	query := `
		UPDATE nfe_events
		SET signed_xml = $2, status = $3, protocol_number = $4, protocol_received_at = $5,
		    protocol_status_code = $6, protocol_message = $7, archival_xml = $8,
		    status_code = $9, status_reason = $10, updated_at = $11
		WHERE id = $1`
	tag, err := r.q.Exec(ctx, query,
		ev.ID, nullIfEmpty(ev.SignedXML), ev.Status, protoNumber, protoAt, protoStatus, protoMessage,
		nullIfEmpty(ev.ArchivalXML), nullIfEmpty(ev.StatusCode), nullIfEmpty(ev.StatusReason), ev.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update nfe event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("evento %s: %w", ev.ID, domain.ErrNotFound)
	}
	return nil
}

// ListByDocument eventos del documento en orden de secuencia.
func (r *EventRepo) ListByDocument(ctx context.Context, documentID string) ([]*entity.LifecycleEvent, error) {
	query := `
		SELECT id, document_id, access_key, event_type, sequence, justification, truncated, signed_xml, status,
		       protocol_number, protocol_received_at, protocol_status_code, protocol_message,
		       archival_xml, status_code, status_reason, created_at, updated_at
		FROM nfe_events WHERE document_id = $1
		ORDER BY event_type, sequence`
	rows, err := r.q.Query(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("list nfe events: %w", err)
	}
	defer rows.Close()

	var list []*entity.LifecycleEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan nfe event: %w", err)
		}
		list = append(list, ev)
	}
	return list, rows.Err()
}

// CountByDocument intentos previos de un tipo de evento, base del nSeqEvento siguiente.
func (r *EventRepo) CountByDocument(ctx context.Context, documentID, eventType string) (int, error) {
	var n int
	err := r.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM nfe_events WHERE document_id = $1 AND event_type = $2`,
		documentID, eventType,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count nfe events: %w", err)
	}
	return n, nil
}

func scanEvent(row pgx.Row) (*entity.LifecycleEvent, error) {
	var ev entity.LifecycleEvent
	var signedXML, protoNumber, protoStatus, protoMessage, archival, statusCode, statusReason *string
	var protoAt *time.Time
	err := row.Scan(
		&ev.ID, &ev.DocumentID, &ev.AccessKey, &ev.EventType, &ev.Sequence, &ev.Justification, &ev.Truncated,
		&signedXML, &ev.Status, &protoNumber, &protoAt, &protoStatus, &protoMessage,
		&archival, &statusCode, &statusReason, &ev.CreatedAt, &ev.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	ev.SignedXML = derefStr(signedXML)
	ev.ArchivalXML = derefStr(archival)
	ev.StatusCode = derefStr(statusCode)
	ev.StatusReason = derefStr(statusReason)
	if protoNumber != nil {
		ev.Protocol = &entity.AuthorizationProtocol{
			Number:     *protoNumber,
			StatusCode: derefStr(protoStatus),
			Message:    derefStr(protoMessage),
		}
		if protoAt != nil {
			ev.Protocol.ReceivedAt = protoAt.UTC()
		}
	}
	return &ev, nil
}
