package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Notification is a durable per-user inbox entry, so users who were offline when
// a settlement outcome was pushed can still read it.
type Notification struct {
	ID        uuid.UUID       `json:"id"`
	UserID    int64           `json:"userId"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Body      string          `json:"body"`
	Data      json.RawMessage `json:"data,omitempty"`
	DedupeKey *string         `json:"-"`
	ReadAt    *time.Time      `json:"readAt,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// NotificationListOptions pages the inbox.
type NotificationListOptions struct {
	Limit      int
	Offset     int
	UnreadOnly bool
}
