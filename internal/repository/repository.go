package repository

import (
	"context"
	"errors"

	"github.com/immxrtalbeast/teamsync/internal/domain"
)

var ErrPresenceNotFound = errors.New("presence record not found")

type PresenceRepository interface {
	Upsert(ctx context.Context, presence *domain.UserPresence) error
	GetByID(ctx context.Context, userID string) (*domain.UserPresence, error)
	List(ctx context.Context) ([]*domain.UserPresence, error)
}
