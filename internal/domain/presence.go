package domain

import (
	"errors"
	"time"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusAway    Status = "away"
)

var ErrInvalidStatus = errors.New("invalid presence status")

// Valid reports whether s is one of the known presence statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusAway:
		return true
	}
	return false
}

func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", ErrInvalidStatus
	}
	return s, nil
}

// UserPresence is the presence record of a single user. Records are never
// deleted, only updated.
type UserPresence struct {
	UserID    string    `json:"userId"`
	Name      string    `json:"name,omitempty"`
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func NewUserPresence(userID, name string, status Status) *UserPresence {
	return &UserPresence{
		UserID:    userID,
		Name:      name,
		Status:    status,
		UpdatedAt: time.Now().UTC(),
	}
}
