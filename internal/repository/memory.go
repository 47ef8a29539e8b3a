package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/immxrtalbeast/teamsync/internal/domain"
)

type InMemoryPresenceRepository struct {
	mu      sync.RWMutex
	records map[string]domain.UserPresence
}

func NewInMemoryPresenceRepository() *InMemoryPresenceRepository {
	return &InMemoryPresenceRepository{
		records: make(map[string]domain.UserPresence),
	}
}

func (r *InMemoryPresenceRepository) Upsert(ctx context.Context, presence *domain.UserPresence) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record := *presence
	if record.Name == "" {
		if existing, ok := r.records[record.UserID]; ok {
			record.Name = existing.Name
		}
	}
	r.records[record.UserID] = record
	return nil
}

func (r *InMemoryPresenceRepository) GetByID(ctx context.Context, userID string) (*domain.UserPresence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.records[userID]
	if !ok {
		return nil, ErrPresenceNotFound
	}
	return &record, nil
}

func (r *InMemoryPresenceRepository) List(ctx context.Context) ([]*domain.UserPresence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*domain.UserPresence, 0, len(r.records))
	for _, record := range r.records {
		rec := record
		result = append(result, &rec)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UserID < result[j].UserID
	})
	return result, nil
}
