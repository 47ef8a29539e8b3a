package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const (
	addressSeparator = "-"
	tokenLength      = 8
)

var ErrInvalidAddress = errors.New("invalid session address")

// SessionAddress binds a user to one media-session endpoint. It is valid for
// a single event channel epoch.
type SessionAddress struct {
	UserID        string
	InstanceToken string
}

// NewSessionAddress mints an address with a fresh instance token.
func NewSessionAddress(userID string) SessionAddress {
	token := strings.ReplaceAll(uuid.New().String(), "-", "")
	return SessionAddress{
		UserID:        userID,
		InstanceToken: token[:tokenLength],
	}
}

func (a SessionAddress) IsZero() bool {
	return a.UserID == "" && a.InstanceToken == ""
}

// String encodes the address as "<userId>-<token>".
func (a SessionAddress) String() string {
	if a.IsZero() {
		return ""
	}
	return a.UserID + addressSeparator + a.InstanceToken
}

// ParseSessionAddress decodes an address produced by String. The token never
// contains the separator, so user ids that do are still recovered intact.
func ParseSessionAddress(raw string) (SessionAddress, error) {
	idx := strings.LastIndex(raw, addressSeparator)
	if idx <= 0 || idx == len(raw)-1 {
		return SessionAddress{}, ErrInvalidAddress
	}
	addr := SessionAddress{
		UserID:        raw[:idx],
		InstanceToken: raw[idx+1:],
	}
	for _, r := range addr.InstanceToken {
		if !isTokenRune(r) {
			return SessionAddress{}, ErrInvalidAddress
		}
	}
	return addr, nil
}

func isTokenRune(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_'
}
