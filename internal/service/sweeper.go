package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/immxrtalbeast/teamsync/internal/domain"
)

// SweepStale disconnects every connection with no traffic within the
// liveness timeout and returns how many were dropped.
func (h *Hub) SweepStale(ctx context.Context, now time.Time) int {
	const op = "service.hub.sweepStale"
	if h.livenessTimeout <= 0 {
		return 0
	}

	h.mu.RLock()
	stale := make([]*domain.Client, 0)
	for _, c := range h.clients {
		if now.Sub(c.LastSeenAt()) > h.livenessTimeout {
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	swept := 0
	for _, c := range stale {
		if err := h.UnregisterClient(ctx, c.ID); err != nil {
			continue
		}
		swept++
		h.log.Info("stale connection dropped",
			slog.String("op", op),
			slog.String("client_id", c.ID),
			slog.String("user_id", c.User()),
		)
	}
	h.metrics.RecordSwept(swept)
	return swept
}

// RunSweeper calls SweepStale every interval until ctx is done.
func (h *Hub) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.SweepStale(ctx, now)
		}
	}
}
