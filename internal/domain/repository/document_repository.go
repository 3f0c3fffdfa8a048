package repository

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/jhoicas/nfe-api/internal/domain/entity"
)

// DocumentFilter criterios opcionales de listado (vacío = sin filtro).
type DocumentFilter struct {
	Status      string
	EmitterCNPJ string
	MinTotal    decimal.NullDecimal // vNF mínimo, inclusive
	MaxTotal    decimal.NullDecimal // vNF máximo, inclusive
}

// MatchesTotal indica si total cae dentro de [MinTotal, MaxTotal].
func (f DocumentFilter) MatchesTotal(total decimal.Decimal) bool {
	if f.MinTotal.Valid && total.LessThan(f.MinTotal.Decimal) {
		return false
	}
	if f.MaxTotal.Valid && total.GreaterThan(f.MaxTotal.Decimal) {
		return false
	}
	return true
}

// DocumentRepository puerto de persistencia para InvoiceDocument.
// Las lecturas devuelven domain.ErrNotFound si no existe el registro.
type DocumentRepository interface {
	Create(ctx context.Context, doc *entity.InvoiceDocument) error
	GetByID(ctx context.Context, id string) (*entity.InvoiceDocument, error)
	GetByAccessKey(ctx context.Context, accessKey string) (*entity.InvoiceDocument, error)
	// List devuelve una página ordenada por fecha de creación descendente y el total que cumple el filtro.
	List(ctx context.Context, filter DocumentFilter, limit, offset int) ([]*entity.InvoiceDocument, int, error)
	// UpdateDraft reescribe el contenido de un documento que sigue en DRAFT (ErrConflict si no).
	UpdateDraft(ctx context.Context, doc *entity.InvoiceDocument) error
	// Delete elimina un documento en DRAFT (ErrConflict si cambió de estado).
	Delete(ctx context.Context, id string) error
	// Transition persiste doc (incluido doc.Status) solo si el estado almacenado sigue siendo from.
	// Es la única escritura de un cambio de estado: 0 filas afectadas → domain.ErrConflict.
	Transition(ctx context.Context, doc *entity.InvoiceDocument, from string) error
}
