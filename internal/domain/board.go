package domain

import (
	"encoding/json"
	"strings"
	"time"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

type Board struct {
	ID          string    `json:"_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	ChannelID   string    `json:"channelId"`
	Members     []string  `json:"members,omitempty"`
	CreatedBy   string    `json:"createdBy,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Section is an ordered column of a board.
type Section struct {
	ID        string    `json:"_id"`
	Name      string    `json:"name"`
	BoardID   string    `json:"boardId"`
	Order     int       `json:"order"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Label struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Card is ordered by Order within its section.
type Card struct {
	ID          string     `json:"_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	SectionID   string     `json:"sectionId"`
	BoardID     string     `json:"boardId"`
	AssignedTo  []string   `json:"assignedTo,omitempty"`
	Priority    Priority   `json:"priority,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	Order       int        `json:"order"`
	Labels      []Label    `json:"labels,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// CardUpdate carries the editable card fields. Nil fields are left untouched.
type CardUpdate struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	AssignedTo  []string   `json:"assignedTo,omitempty"`
	Priority    *Priority  `json:"priority,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	Labels      []Label    `json:"labels,omitempty"`
}

// Apply returns a copy of c with the update applied.
func (u CardUpdate) Apply(c Card) Card {
	if u.Title != nil {
		c.Title = *u.Title
	}
	if u.Description != nil {
		c.Description = *u.Description
	}
	if u.AssignedTo != nil {
		c.AssignedTo = append([]string(nil), u.AssignedTo...)
	}
	if u.Priority != nil {
		c.Priority = *u.Priority
	}
	if u.DueDate != nil {
		due := *u.DueDate
		c.DueDate = &due
	}
	if u.Labels != nil {
		c.Labels = append([]Label(nil), u.Labels...)
	}
	return c
}

// CardDraft is a card that has not been stored yet. The server assigns its
// id and order.
type CardDraft struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	SectionID   string     `json:"sectionId"`
	BoardID     string     `json:"boardId"`
	AssignedTo  []string   `json:"assignedTo,omitempty"`
	Priority    Priority   `json:"priority,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	Labels      []Label    `json:"labels,omitempty"`
}

type BoardRef struct {
	BoardID string `json:"boardId"`
}

// UnmarshalJSON accepts either a bare board id string or an object.
func (r *BoardRef) UnmarshalJSON(data []byte) error {
	if strings.HasPrefix(strings.TrimSpace(string(data)), "\"") {
		return json.Unmarshal(data, &r.BoardID)
	}
	type alias BoardRef
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*r = BoardRef(a)
	return nil
}

// BoardEvent is the payload of every board broadcast. Receivers must check
// BoardID before applying it.
type BoardEvent struct {
	BoardID   string   `json:"boardId"`
	Card      *Card    `json:"card,omitempty"`
	CardID    string   `json:"cardId,omitempty"`
	Section   *Section `json:"section,omitempty"`
	SectionID string   `json:"sectionId,omitempty"`
}
