package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/immxrtalbeast/teamsync/internal/domain"
	"github.com/immxrtalbeast/teamsync/internal/repository"
	"github.com/immxrtalbeast/teamsync/lib/logger/sl"
)

var ErrUserIDRequired = errors.New("user id is required")

type PresenceService struct {
	presence repository.PresenceRepository
	log      *slog.Logger
	mu       sync.Mutex
}

func NewPresenceService(presence repository.PresenceRepository, log *slog.Logger) *PresenceService {
	if log == nil {
		log = slog.Default()
	}
	return &PresenceService{presence: presence, log: log}
}

// SetStatus stores the status of a user and reports whether anything
// observable changed. An empty name keeps the stored one.
func (s *PresenceService) SetStatus(ctx context.Context, userID, name string, status domain.Status) (*domain.UserPresence, bool, error) {
	const op = "service.presence.setStatus"
	log := s.log.With(
		slog.String("op", op),
		slog.String("user_id", userID),
	)

	if userID == "" {
		return nil, false, ErrUserIDRequired
	}
	if !status.Valid() {
		return nil, false, domain.ErrInvalidStatus
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.presence.GetByID(ctx, userID)
	if err != nil && !errors.Is(err, repository.ErrPresenceNotFound) {
		log.Error("failed to load presence", sl.Err(err))
		return nil, false, err
	}
	if current != nil && current.Status == status && (name == "" || name == current.Name) {
		return current, false, nil
	}

	next := domain.NewUserPresence(userID, name, status)
	if next.Name == "" && current != nil {
		next.Name = current.Name
	}
	if err := s.presence.Upsert(ctx, next); err != nil {
		log.Error("failed to store presence", sl.Err(err))
		return nil, false, err
	}

	log.Debug("presence changed", slog.String("status", string(status)))
	return next, current == nil || current.Status != status, nil
}

func (s *PresenceService) GetPresence(ctx context.Context, userID string) (*domain.UserPresence, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	return s.presence.GetByID(ctx, userID)
}

func (s *PresenceService) ListPresence(ctx context.Context) ([]*domain.UserPresence, error) {
	return s.presence.List(ctx)
}

// MarkAllOffline resets every stored record to offline. Used at startup so a
// restarted coordinator does not advertise users it has no connection for.
func (s *PresenceService) MarkAllOffline(ctx context.Context) (int, error) {
	records, err := s.presence.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, record := range records {
		if record.Status == domain.StatusOffline {
			continue
		}
		record.Status = domain.StatusOffline
		record.UpdatedAt = time.Now().UTC()
		if err := s.presence.Upsert(ctx, record); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
