package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/jhoicas/nfe-api/internal/domain"
	"github.com/jhoicas/nfe-api/internal/domain/entity"
	"github.com/jhoicas/nfe-api/internal/domain/repository"
)

var _ repository.DocumentRepository = (*DocumentRepo)(nil)

// DocumentRepo implementación de DocumentRepository (usable con pool o tx).
// Emisor, destinatario, ítems y totales se guardan como JSONB; el protocolo en columnas propias.
// vNF se duplica en total_amount (NUMERIC) para filtrar listados por importe.
type DocumentRepo struct {
	q Querier
}

// NewDocumentRepository construye el adaptador. Pasar pool o tx (Querier).
func NewDocumentRepository(q Querier) *DocumentRepo {
	return &DocumentRepo{q: q}
}

const documentColumns = `
	id, model, series, number, access_key, numeric_code, issued_at, environment, authority_uf,
	emitter, recipient, items, totals, payment_type, unsigned_xml, signed_xml, lot_id,
	protocol_number, protocol_received_at, protocol_status_code, protocol_message, protocol_digest,
	archival_xml, status_code, status_reason, status, version, created_at, updated_at, total_amount`

// Create persiste un documento nuevo (normalmente en DRAFT).
func (r *DocumentRepo) Create(ctx context.Context, doc *entity.InvoiceDocument) error {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	if doc.Version == 0 {
		doc.Version = 1
	}
	query := `
		INSERT INTO nfe_documents (
			id, model, series, number, access_key, numeric_code, issued_at, environment, authority_uf,
			emitter_cnpj, emitter, recipient, items, totals, payment_type, unsigned_xml, signed_xml,
			lot_id, status, version, created_at, updated_at, total_amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`
	_, err := r.q.Exec(ctx, query,
		doc.ID, doc.Model, doc.Series, doc.Number, nullIfEmpty(doc.AccessKey), nullIfEmpty(doc.NumericCode),
		doc.IssuedAt, doc.Environment, doc.AuthorityUF,
		doc.Emitter.CNPJ, doc.Emitter, doc.Recipient, doc.Items, doc.Totals, doc.PaymentType,
		nullIfEmpty(doc.UnsignedXML), nullIfEmpty(doc.SignedXML), nullIfEmpty(doc.LotID),
		doc.Status, doc.Version, doc.CreatedAt, doc.UpdatedAt, doc.Totals.Total,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("serie %d número %d ya existe: %w", doc.Series, doc.Number, domain.ErrDuplicate)
		}
		return fmt.Errorf("insert nfe document: %w", err)
	}
	return nil
}

// GetByID obtiene un documento por ID.
func (r *DocumentRepo) GetByID(ctx context.Context, id string) (*entity.InvoiceDocument, error) {
	return r.getOne(ctx, `SELECT `+documentColumns+` FROM nfe_documents WHERE id = $1`, id)
}

// GetByAccessKey obtiene un documento por su chave de acesso.
func (r *DocumentRepo) GetByAccessKey(ctx context.Context, accessKey string) (*entity.InvoiceDocument, error) {
	return r.getOne(ctx, `SELECT `+documentColumns+` FROM nfe_documents WHERE access_key = $1`, accessKey)
}

func (r *DocumentRepo) getOne(ctx context.Context, query string, arg any) (*entity.InvoiceDocument, error) {
	doc, err := scanDocument(r.q.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("nfe %s: %w", arg, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get nfe document: %w", err)
	}
	return doc, nil
}

// UpdateDraft reescribe el contenido editable de un documento que sigue en DRAFT.
func (r *DocumentRepo) UpdateDraft(ctx context.Context, doc *entity.InvoiceDocument) error {
	doc.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE nfe_documents
		SET series = $2, number = $3, issued_at = $4, environment = $5, authority_uf = $6,
		    emitter_cnpj = $7, emitter = $8, recipient = $9, items = $10, totals = $11,
		    payment_type = $12, numeric_code = $13, access_key = $14, unsigned_xml = $15,
		    total_amount = $18, version = version + 1, updated_at = $16
		WHERE id = $1 AND status = $17`
	tag, err := r.q.Exec(ctx, query,
		doc.ID, doc.Series, doc.Number, doc.IssuedAt, doc.Environment, doc.AuthorityUF,
		doc.Emitter.CNPJ, doc.Emitter, doc.Recipient, doc.Items, doc.Totals,
		doc.PaymentType, nullIfEmpty(doc.NumericCode), nullIfEmpty(doc.AccessKey), nullIfEmpty(doc.UnsignedXML),
		doc.UpdatedAt, entity.DocumentStatusDraft, doc.Totals.Total,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("serie %d número %d ya existe: %w", doc.Series, doc.Number, domain.ErrDuplicate)
		}
		return fmt.Errorf("update nfe draft: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("nfe %s ya no está en DRAFT: %w", doc.ID, domain.ErrConflict)
	}
	doc.Version++
	return nil
}

// Delete elimina un documento en DRAFT.
func (r *DocumentRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM nfe_documents WHERE id = $1 AND status = $2`, id, entity.DocumentStatusDraft)
	if err != nil {
		return fmt.Errorf("delete nfe draft: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("nfe %s ausente o fuera de DRAFT: %w", id, domain.ErrConflict)
	}
	return nil
}

// Transition escribe el estado nuevo y los artefactos del paso (clave, XML, protocolo, archivo)
// con compare-and-swap sobre el estado anterior.
func (r *DocumentRepo) Transition(ctx context.Context, doc *entity.InvoiceDocument, from string) error {
	doc.UpdatedAt = time.Now().UTC()
	var protoNumber, protoStatus, protoMessage, protoDigest *string
	var protoAt *time.Time
	if p := doc.Protocol; p != nil {
		protoNumber = nullIfEmpty(p.Number)
		protoStatus = nullIfEmpty(p.StatusCode)
		protoMessage = nullIfEmpty(p.Message)
		protoDigest = nullIfEmpty(p.DigestValue)
		if !p.ReceivedAt.IsZero() {
			at := p.ReceivedAt.UTC()
			protoAt = &at
		}
	}
	query := `
		UPDATE nfe_documents
		SET status = $2, access_key = $3, numeric_code = $4, unsigned_xml = $5, signed_xml = $6,
		    lot_id = $7, protocol_number = $8, protocol_received_at = $9, protocol_status_code = $10,
		    protocol_message = $11, protocol_digest = $12, archival_xml = $13,
		    status_code = $14, status_reason = $15, version = version + 1, updated_at = $16
		WHERE id = $1 AND status = $17`
	tag, err := r.q.Exec(ctx, query,
		doc.ID, doc.Status, nullIfEmpty(doc.AccessKey), nullIfEmpty(doc.NumericCode),
		nullIfEmpty(doc.UnsignedXML), nullIfEmpty(doc.SignedXML), nullIfEmpty(doc.LotID),
		protoNumber, protoAt, protoStatus, protoMessage, protoDigest,
		nullIfEmpty(doc.ArchivalXML), nullIfEmpty(doc.StatusCode), nullIfEmpty(doc.StatusReason),
		doc.UpdatedAt, from,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("chave de acesso %s ya existe: %w", doc.AccessKey, domain.ErrDuplicate)
		}
		return fmt.Errorf("transition nfe %s → %s: %w", from, doc.Status, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("nfe %s no está en %s: %w", doc.ID, from, domain.ErrConflict)
	}
	doc.Version++
	return nil
}

// List pagina documentos; los filtros vacíos no restringen.
func (r *DocumentRepo) List(ctx context.Context, f repository.DocumentFilter, limit, offset int) ([]*entity.InvoiceDocument, int, error) {
	where := `WHERE ($1 = '' OR status = $1) AND ($2 = '' OR emitter_cnpj = $2)
		AND ($3::numeric IS NULL OR total_amount >= $3) AND ($4::numeric IS NULL OR total_amount <= $4)`
	args := []any{f.Status, f.EmitterCNPJ, f.MinTotal, f.MaxTotal}
	var total int
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM nfe_documents `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count nfe: %w", err)
	}
	rows, err := r.q.Query(ctx,
		`SELECT `+documentColumns+` FROM nfe_documents `+where+` ORDER BY created_at DESC LIMIT $5 OFFSET $6`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list nfe: %w", err)
	}
	defer rows.Close()
	var list []*entity.InvoiceDocument
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan nfe: %w", err)
		}
		list = append(list, doc)
	}
	return list, total, rows.Err()
}

func scanDocument(row pgx.Row) (*entity.InvoiceDocument, error) {
	var doc entity.InvoiceDocument
	var accessKey, numericCode, unsignedXML, signedXML, lotID *string
	var protoNumber, protoStatus, protoMessage, protoDigest, archival, statusCode, statusReason *string
	var protoAt *time.Time
	var totalAmount decimal.Decimal
	err := row.Scan(
		&doc.ID, &doc.Model, &doc.Series, &doc.Number, &accessKey, &numericCode, &doc.IssuedAt,
		&doc.Environment, &doc.AuthorityUF,
		&doc.Emitter, &doc.Recipient, &doc.Items, &doc.Totals, &doc.PaymentType,
		&unsignedXML, &signedXML, &lotID,
		&protoNumber, &protoAt, &protoStatus, &protoMessage, &protoDigest,
		&archival, &statusCode, &statusReason, &doc.Status, &doc.Version, &doc.CreatedAt, &doc.UpdatedAt,
		&totalAmount,
	)
	if err != nil {
		return nil, err
	}
	doc.AccessKey = derefStr(accessKey)
	doc.NumericCode = derefStr(numericCode)
	doc.UnsignedXML = derefStr(unsignedXML)
	doc.SignedXML = derefStr(signedXML)
	doc.LotID = derefStr(lotID)
	doc.ArchivalXML = derefStr(archival)
	doc.StatusCode = derefStr(statusCode)
	doc.StatusReason = derefStr(statusReason)
	doc.Totals.Total = totalAmount
	if protoNumber != nil {
		doc.Protocol = &entity.AuthorizationProtocol{
			Number:      *protoNumber,
			StatusCode:  derefStr(protoStatus),
			Message:     derefStr(protoMessage),
			DigestValue: derefStr(protoDigest),
		}
		if protoAt != nil {
			doc.Protocol.ReceivedAt = protoAt.UTC()
		}
	}
	return &doc, nil
}
