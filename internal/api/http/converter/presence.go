package converter

import (
	"time"

	"github.com/immxrtalbeast/teamsync/internal/domain"
)

type PresenceResponse struct {
	UserID    string        `json:"user_id"`
	Name      string        `json:"name,omitempty"`
	Status    domain.Status `json:"status"`
	UpdatedAt time.Time     `json:"updated_at"`
}

func PresenceToApi(p *domain.UserPresence) *PresenceResponse {
	return &PresenceResponse{
		UserID:    p.UserID,
		Name:      p.Name,
		Status:    p.Status,
		UpdatedAt: p.UpdatedAt,
	}
}

func PresenceListToApi(list []*domain.UserPresence) []*PresenceResponse {
	out := make([]*PresenceResponse, 0, len(list))
	for _, p := range list {
		out = append(out, PresenceToApi(p))
	}
	return out
}
