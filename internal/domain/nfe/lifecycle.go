// Package nfe contiene las reglas de dominio de la NF-e: máquina de estados del documento
// y validaciones previas a la construcción del XML.
package nfe

import (
	"fmt"

	"github.com/jhoicas/nfe-api/internal/domain"
	"github.com/jhoicas/nfe-api/internal/domain/entity"
)

// successors transiciones legales en un paso.
var successors = map[string][]string{
	entity.DocumentStatusDraft:      {entity.DocumentStatusSigned},
	entity.DocumentStatusSigned:     {entity.DocumentStatusSubmitted},
	entity.DocumentStatusSubmitted:  {entity.DocumentStatusAuthorized, entity.DocumentStatusRejected, entity.DocumentStatusDenied},
	entity.DocumentStatusAuthorized: {entity.DocumentStatusCancelled},
}

// AllStatuses todos los estados del ciclo de vida.
func AllStatuses() []string {
	return []string{
		entity.DocumentStatusDraft,
		entity.DocumentStatusSigned,
		entity.DocumentStatusSubmitted,
		entity.DocumentStatusAuthorized,
		entity.DocumentStatusRejected,
		entity.DocumentStatusDenied,
		entity.DocumentStatusCancelled,
	}
}

// Successors devuelve el conjunto de estados alcanzables en un paso desde from.
func Successors(from string) []string {
	return append([]string(nil), successors[from]...)
}

// CanTransition indica si from → to es una transición documentada.
func CanTransition(from, to string) bool {
	for _, s := range successors[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal indica si el estado ya no admite transiciones.
func IsTerminal(status string) bool {
	return len(successors[status]) == 0
}

// Transition aplica from → to sobre el documento o devuelve ErrInvalidTransition sin modificarlo.
func Transition(doc *entity.InvoiceDocument, to string) error {
	if doc == nil {
		return fmt.Errorf("%w: documento nulo", domain.ErrInvalidTransition)
	}
	if !CanTransition(doc.Status, to) {
		return fmt.Errorf("%w: %s → %s", domain.ErrInvalidTransition, doc.Status, to)
	}
	doc.Status = to
	return nil
}

// EnsureMutable rechaza ediciones o borrados fuera de DRAFT.
func EnsureMutable(doc *entity.InvoiceDocument) error {
	if doc == nil || !doc.IsDraft() {
		status := ""
		if doc != nil {
			status = doc.Status
		}
		return fmt.Errorf("%w: documento en estado %s es inmutable", domain.ErrInvalidTransition, status)
	}
	return nil
}
