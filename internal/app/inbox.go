package app

import (
	"context"
	"encoding/json"

	"github.com/programming-warrior/vehiclevista-sub000/internal/domain"
	"github.com/programming-warrior/vehiclevista-sub000/internal/store"
	"go.uber.org/zap"
)

// Inbox writes durable per-user notifications alongside the live push so that
// offline users learn the outcome of their jobs on reconnect.
type Inbox struct {
	repo   store.NotificationRepository
	logger *zap.Logger
}

func NewInbox(repo store.NotificationRepository, logger *zap.Logger) *Inbox {
	return &Inbox{repo: repo, logger: logger}
}

// Deliver stores a notification. Failures are logged, never returned: the
// settlement outcome is already committed when this runs.
func (i *Inbox) Deliver(ctx context.Context, userID int64, notificationType, title, body string, data interface{}, dedupeKey string) {
	item := domain.Notification{
		UserID: userID,
		Type:   notificationType,
		Title:  title,
		Body:   body,
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			i.logger.Warn("inbox payload marshal failed", zap.String("type", notificationType), zap.Error(err))
		} else {
			item.Data = raw
		}
	}
	if dedupeKey != "" {
		item.DedupeKey = &dedupeKey
	}
	if err := i.repo.CreateNotification(ctx, item); err != nil {
		i.logger.Warn("inbox write failed",
			zap.Int64("user_id", userID),
			zap.String("type", notificationType),
			zap.Error(err),
		)
	}
}
