package repository

import (
	"context"

	"github.com/jhoicas/nfe-api/internal/domain/entity"
)

// EventRepository puerto de persistencia para eventos (cancelación).
type EventRepository interface {
	Create(ctx context.Context, ev *entity.LifecycleEvent) error
	Update(ctx context.Context, ev *entity.LifecycleEvent) error
	ListByDocument(ctx context.Context, documentID string) ([]*entity.LifecycleEvent, error)
	// CountByDocument número de intentos previos de un tipo de evento (base de nSeqEvento).
	CountByDocument(ctx context.Context, documentID, eventType string) (int, error)
}
