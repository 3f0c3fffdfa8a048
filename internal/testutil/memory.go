package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/jhoicas/nfe-api/internal/domain"
	"github.com/jhoicas/nfe-api/internal/domain/entity"
	"github.com/jhoicas/nfe-api/internal/domain/repository"
)

// MemoryStore repos de documentos y eventos en memoria con la misma semántica CAS que Postgres.
// RunFiscal restaura el estado previo si fn falla.
type MemoryStore struct {
	mu     sync.Mutex
	docs   map[string]*entity.InvoiceDocument
	events map[string]*entity.LifecycleEvent

	// Errores inyectables para simular fallos de persistencia.
	FailTransition  error
	FailEventUpdate error
}

var (
	_ repository.DocumentRepository = (*MemoryStore)(nil)
	_ repository.EventRepository    = (*memoryEvents)(nil)
)

// NewMemoryStore crea el store vacío.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:   make(map[string]*entity.InvoiceDocument),
		events: make(map[string]*entity.LifecycleEvent),
	}
}

// Events repositorio de eventos sobre el mismo store.
func (m *MemoryStore) Events() repository.EventRepository { return &memoryEvents{m} }

// RunFiscal ejecuta fn sobre el store y deshace los cambios si devuelve error.
func (m *MemoryStore) RunFiscal(ctx context.Context, fn func(repository.DocumentRepository, repository.EventRepository) error) error {
	m.mu.Lock()
	docs := make(map[string]*entity.InvoiceDocument, len(m.docs))
	for k, v := range m.docs {
		docs[k] = v.Clone()
	}
	events := make(map[string]*entity.LifecycleEvent, len(m.events))
	for k, v := range m.events {
		c := *v
		events[k] = &c
	}
	m.mu.Unlock()

	if err := fn(m, m.Events()); err != nil {
		m.mu.Lock()
		m.docs, m.events = docs, events
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *MemoryStore) Create(_ context.Context, doc *entity.InvoiceDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	for _, d := range m.docs {
		if d.AccessKey != "" && d.AccessKey == doc.AccessKey {
			return fmt.Errorf("chave %s: %w", doc.AccessKey, domain.ErrDuplicate)
		}
	}
	m.docs[doc.ID] = doc.Clone()
	return nil
}

func (m *MemoryStore) GetByID(_ context.Context, id string) (*entity.InvoiceDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, fmt.Errorf("nfe %s: %w", id, domain.ErrNotFound)
	}
	return d.Clone(), nil
}

func (m *MemoryStore) GetByAccessKey(_ context.Context, key string) (*entity.InvoiceDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.docs {
		if d.AccessKey == key {
			return d.Clone(), nil
		}
	}
	return nil, fmt.Errorf("nfe %s: %w", key, domain.ErrNotFound)
}

func (m *MemoryStore) List(_ context.Context, f repository.DocumentFilter, limit, offset int) ([]*entity.InvoiceDocument, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*entity.InvoiceDocument
	for _, d := range m.docs {
		if (f.Status == "" || d.Status == f.Status) && (f.EmitterCNPJ == "" || d.Emitter.CNPJ == f.EmitterCNPJ) &&
			f.MatchesTotal(d.Totals.Total) {
			all = append(all, d.Clone())
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *MemoryStore) UpdateDraft(_ context.Context, doc *entity.InvoiceDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.docs[doc.ID]
	if !ok || cur.Status != entity.DocumentStatusDraft {
		return fmt.Errorf("nfe %s: %w", doc.ID, domain.ErrConflict)
	}
	doc.Version = cur.Version + 1
	m.docs[doc.ID] = doc.Clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.docs[id]
	if !ok || cur.Status != entity.DocumentStatusDraft {
		return fmt.Errorf("nfe %s: %w", id, domain.ErrConflict)
	}
	delete(m.docs, id)
	return nil
}

func (m *MemoryStore) Transition(_ context.Context, doc *entity.InvoiceDocument, from string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailTransition != nil {
		return m.FailTransition
	}
	cur, ok := m.docs[doc.ID]
	if !ok || cur.Status != from {
		return fmt.Errorf("nfe %s no está en %s: %w", doc.ID, from, domain.ErrConflict)
	}
	doc.Version = cur.Version + 1
	m.docs[doc.ID] = doc.Clone()
	return nil
}

// SetStatus fuerza el estado almacenado (simula otro escritor).
func (m *MemoryStore) SetStatus(id, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.docs[id]; ok {
		d.Status = status
	}
}

// ClearProtocol borra el protocolo almacenado (simula una fila incompleta).
func (m *MemoryStore) ClearProtocol(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.docs[id]; ok {
		d.Protocol = nil
	}
}

type memoryEvents struct{ m *MemoryStore }

func (e *memoryEvents) Create(_ context.Context, ev *entity.LifecycleEvent) error {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	for _, x := range e.m.events {
		if x.DocumentID == ev.DocumentID && x.EventType == ev.EventType && x.Sequence == ev.Sequence {
			return fmt.Errorf("evento %d: %w", ev.Sequence, domain.ErrDuplicate)
		}
	}
	c := *ev
	e.m.events[ev.ID] = &c
	return nil
}

func (e *memoryEvents) Update(_ context.Context, ev *entity.LifecycleEvent) error {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	if e.m.FailEventUpdate != nil {
		return e.m.FailEventUpdate
	}
	if _, ok := e.m.events[ev.ID]; !ok {
		return fmt.Errorf("evento %s: %w", ev.ID, domain.ErrNotFound)
	}
	c := *ev
	e.m.events[ev.ID] = &c
	return nil
}

func (e *memoryEvents) ListByDocument(_ context.Context, documentID string) ([]*entity.LifecycleEvent, error) {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	var out []*entity.LifecycleEvent
	for _, ev := range e.m.events {
		if ev.DocumentID == documentID {
			c := *ev
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (e *memoryEvents) CountByDocument(_ context.Context, documentID, eventType string) (int, error) {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	n := 0
	for _, ev := range e.m.events {
		if ev.DocumentID == documentID && ev.EventType == eventType {
			n++
		}
	}
	return n, nil
}
