package http

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jhoicas/nfe-api/internal/application/dto"
	"github.com/jhoicas/nfe-api/internal/application/fiscal"
	"github.com/jhoicas/nfe-api/internal/domain"
	"github.com/jhoicas/nfe-api/internal/domain/entity"
	"github.com/jhoicas/nfe-api/internal/domain/repository"
	infranfe "github.com/jhoicas/nfe-api/internal/infrastructure/nfe"
)

// NFeService operaciones del ciclo de vida que expone la API (implementado por *fiscal.Service).
type NFeService interface {
	BuildPreview(ctx context.Context, agg *fiscal.InvoiceAggregate) (*infranfe.BuiltInvoice, error)
	CreateDraft(ctx context.Context, agg *fiscal.InvoiceAggregate) (*entity.InvoiceDocument, error)
	UpdateDraft(ctx context.Context, id string, agg *fiscal.InvoiceAggregate) (*entity.InvoiceDocument, error)
	DeleteDraft(ctx context.Context, id string) error
	Sign(ctx context.Context, id string) (*entity.InvoiceDocument, error)
	Submit(ctx context.Context, id string) (*fiscal.IssueResult, error)
	Issue(ctx context.Context, agg *fiscal.InvoiceAggregate) (*fiscal.IssueResult, error)
	Reconcile(ctx context.Context, id string) (*fiscal.IssueResult, error)
	Cancel(ctx context.Context, accessKey, justification string) (*fiscal.CancelResult, error)
	QueryAuthorityStatus(ctx context.Context, environment string) (*fiscal.AuthorityStatus, error)
	GetByAccessKey(ctx context.Context, accessKey string) (*entity.InvoiceDocument, error)
	List(ctx context.Context, filter repository.DocumentFilter, limit, offset int) ([]*entity.InvoiceDocument, int, error)
	Events(ctx context.Context, documentID string) ([]*entity.LifecycleEvent, error)
}

var _ NFeService = (*fiscal.Service)(nil)

// NFeHandler maneja las peticiones HTTP de emisión NF-e.
type NFeHandler struct {
	svc NFeService
	log zerolog.Logger
}

// NewNFeHandler construye el handler.
func NewNFeHandler(svc NFeService, log zerolog.Logger) *NFeHandler {
	return &NFeHandler{svc: svc, log: log}
}

// Preview POST /api/nfe/preview
func (h *NFeHandler) Preview(c *fiber.Ctx) error {
	var in dto.NFeRequest
	if err := c.BodyParser(&in); err != nil {
		return invalidBody(c)
	}
	built, err := h.svc.BuildPreview(c.UserContext(), toAggregate(&in))
	if err != nil {
		return writeError(c, err, nil)
	}
	return c.JSON(toPreview(built))
}

// Issue crea, firma y envía la NF-e.
// POST /api/nfe
func (h *NFeHandler) Issue(c *fiber.Ctx) error {
	var in dto.NFeRequest
	if err := c.BodyParser(&in); err != nil {
		return invalidBody(c)
	}
	res, err := h.svc.Issue(c.UserContext(), toAggregate(&in))
	return h.issueResponse(c, res, err)
}

// GetByAccessKey GET /api/nfe/:key
func (h *NFeHandler) GetByAccessKey(c *fiber.Ctx) error {
	doc, err := h.svc.GetByAccessKey(c.UserContext(), c.Params("key"))
	if err != nil {
		return writeError(c, err, nil)
	}
	events, err := h.svc.Events(c.UserContext(), doc.ID)
	if err != nil {
		return writeError(c, err, nil)
	}
	return c.JSON(toDocument(doc, events))
}

// List GET /api/nfe?status=&emitter_cnpj=&limit=&offset=
func (h *NFeHandler) List(c *fiber.Ctx) error {
	var req dto.ListNFeRequest
	if err := c.QueryParser(&req); err != nil {
		return invalidBody(c)
	}
	req.DefaultPage()
	minTotal, err := parseAmount("min_total", req.MinTotal)
	if err != nil {
		return writeError(c, err, nil)
	}
	maxTotal, err := parseAmount("max_total", req.MaxTotal)
	if err != nil {
		return writeError(c, err, nil)
	}
	docs, total, err := h.svc.List(c.UserContext(), repository.DocumentFilter{
		Status:      req.Status,
		EmitterCNPJ: req.EmitterCNPJ,
		MinTotal:    minTotal,
		MaxTotal:    maxTotal,
	}, req.Limit, req.Offset)
	if err != nil {
		return writeError(c, err, nil)
	}
	out := dto.DocumentListResponse{
		Items: make([]dto.DocumentResponse, 0, len(docs)),
		Page:  dto.PageResponse{Limit: req.Limit, Offset: req.Offset, Total: total},
	}
	for _, d := range docs {
		item := toDocument(d, nil)
		item.ArchivalXML = ""
		out.Items = append(out.Items, item)
	}
	return c.JSON(out)
}

// parseAmount convierte un importe opcional de la query ("" = sin filtro).
func parseAmount(name, raw string) (decimal.NullDecimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("%w: %s %q no es un importe", domain.ErrValidation, name, raw)
	}
	return decimal.NewNullDecimal(d), nil
}

// Cancel POST /api/nfe/:key/cancel
func (h *NFeHandler) Cancel(c *fiber.Ctx) error {
	var in dto.CancelNFeRequest
	if err := c.BodyParser(&in); err != nil {
		return invalidBody(c)
	}
	res, err := h.svc.Cancel(c.UserContext(), c.Params("key"), in.Justification)
	if err != nil {
		var body interface{}
		if res != nil {
			body = toCancel(res)
		}
		return writeError(c, err, body)
	}
	return c.JSON(toCancel(res))
}

// Reconcile consulta el protocolo de una NF-e que quedó SUBMITTED.
// POST /api/nfe/:key/reconcile
func (h *NFeHandler) Reconcile(c *fiber.Ctx) error {
	doc, err := h.svc.GetByAccessKey(c.UserContext(), c.Params("key"))
	if err != nil {
		return writeError(c, err, nil)
	}
	res, err := h.svc.Reconcile(c.UserContext(), doc.ID)
	return h.issueResponse(c, res, err)
}

// AuthorityStatus GET /api/nfe/status?environment=1|2
func (h *NFeHandler) AuthorityStatus(c *fiber.Ctx) error {
	st, err := h.svc.QueryAuthorityStatus(c.UserContext(), c.Query("environment"))
	if err != nil {
		return writeError(c, err, nil)
	}
	return c.JSON(dto.AuthorityStatusResponse{
		Available:   st.Available,
		StatusCode:  st.StatusCode,
		Message:     st.Message,
		CheckedAt:   st.CheckedAt,
		AverageTime: st.AverageTime,
	})
}

// ──────────────────────────────────────────────────────────────────────────────
// Borradores
// ──────────────────────────────────────────────────────────────────────────────

// CreateDraft POST /api/nfe/drafts
func (h *NFeHandler) CreateDraft(c *fiber.Ctx) error {
	var in dto.NFeRequest
	if err := c.BodyParser(&in); err != nil {
		return invalidBody(c)
	}
	doc, err := h.svc.CreateDraft(c.UserContext(), toAggregate(&in))
	if err != nil {
		return writeError(c, err, nil)
	}
	return c.Status(fiber.StatusCreated).JSON(toDocument(doc, nil))
}

// UpdateDraft PUT /api/nfe/drafts/:id
func (h *NFeHandler) UpdateDraft(c *fiber.Ctx) error {
	var in dto.NFeRequest
	if err := c.BodyParser(&in); err != nil {
		return invalidBody(c)
	}
	doc, err := h.svc.UpdateDraft(c.UserContext(), c.Params("id"), toAggregate(&in))
	if err != nil {
		return writeError(c, err, nil)
	}
	return c.JSON(toDocument(doc, nil))
}

// DeleteDraft DELETE /api/nfe/drafts/:id
func (h *NFeHandler) DeleteDraft(c *fiber.Ctx) error {
	if err := h.svc.DeleteDraft(c.UserContext(), c.Params("id")); err != nil {
		return writeError(c, err, nil)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// SignDraft POST /api/nfe/drafts/:id/sign
func (h *NFeHandler) SignDraft(c *fiber.Ctx) error {
	doc, err := h.svc.Sign(c.UserContext(), c.Params("id"))
	if err != nil {
		return writeError(c, err, nil)
	}
	return c.JSON(toDocument(doc, nil))
}

// SubmitDraft POST /api/nfe/drafts/:id/submit
func (h *NFeHandler) SubmitDraft(c *fiber.Ctx) error {
	res, err := h.svc.Submit(c.UserContext(), c.Params("id"))
	return h.issueResponse(c, res, err)
}

func (h *NFeHandler) issueResponse(c *fiber.Ctx, res *fiscal.IssueResult, err error) error {
	if err != nil {
		var body interface{}
		if res != nil {
			body = toIssue(res)
		}
		h.log.Warn().Err(err).Str("path", c.Path()).Msg("nfe: operación terminó con error")
		return writeError(c, err, body)
	}
	status := fiber.StatusOK
	if res.Status == entity.DocumentStatusSubmitted {
		status = fiber.StatusAccepted
	}
	return c.Status(status).JSON(toIssue(res))
}
