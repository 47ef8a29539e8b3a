package service

import (
	"context"
	"time"

	"github.com/immxrtalbeast/teamsync/internal/domain"
)

type PresenceInteractor interface {
	SetStatus(ctx context.Context, userID, name string, status domain.Status) (*domain.UserPresence, bool, error)
	GetPresence(ctx context.Context, userID string) (*domain.UserPresence, error)
	ListPresence(ctx context.Context) ([]*domain.UserPresence, error)
}

type HubInteractor interface {
	RegisterClient(ctx context.Context, client *domain.Client) error
	UnregisterClient(ctx context.Context, clientID string) error
	HandleEvent(ctx context.Context, clientID string, event domain.Envelope) error
	SweepStale(ctx context.Context, now time.Time) int
}
