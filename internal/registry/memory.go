package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shinji-kodama/tenantbox/internal/model"
)

// MemoryStore is an in-process Store for tests and development.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*model.Tenant // by ID
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[string]*model.Tenant), now: time.Now}
}

func (s *MemoryStore) FindByDomain(_ context.Context, domain string) (*model.Tenant, error) {
	domain = model.NormalizeDomain(domain)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tenants {
		if t.Domain == domain {
			return clone(t), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) FindByDBName(_ context.Context, dbName string) (*model.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tenants {
		if t.DBName == dbName {
			return clone(t), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) Create(_ context.Context, t *model.Tenant) (*model.Tenant, error) {
	if err := validate(t); err != nil {
		return nil, err
	}
	rec := clone(t)
	rec.Domain = model.NormalizeDomain(rec.Domain)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tenants {
		if existing.Domain == rec.Domain || existing.DBName == rec.DBName {
			return nil, duplicate(rec)
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	rec.ID = id.String()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = model.StatusActive
	}
	s.tenants[rec.ID] = rec
	return clone(rec), nil
}

func (s *MemoryStore) List(context.Context) ([]*model.Tenant, error) {
	s.mu.RLock()
	out := make([]*model.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, clone(t))
	}
	s.mu.RUnlock()
	model.SortTenants(out)
	return out, nil
}

func (s *MemoryStore) SetStatus(_ context.Context, id string, status model.TenantStatus, reason string) error {
	if !status.IsValid() {
		return model.NewError(model.ExitInvalidInput, "invalid tenant status "+status.String())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return notFound(id)
	}
	t.Status = status
	t.StatusReason = reason
	t.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[id]; !ok {
		return notFound(id)
	}
	delete(s.tenants, id)
	return nil
}

// clone copies t so callers cannot mutate stored records.
func clone(t *model.Tenant) *model.Tenant {
	c := *t
	if t.DBParams != nil {
		c.DBParams = make(map[string]string, len(t.DBParams))
		for k, v := range t.DBParams {
			c.DBParams[k] = v
		}
	}
	return &c
}
