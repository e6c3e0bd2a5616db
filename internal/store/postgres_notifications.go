package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/programming-warrior/vehiclevista-sub000/internal/domain"
)

// CreateNotification inserts an inbox entry. Entries with a dedupe key are written
// at most once, so a redelivered job does not notify twice.
func (r *PostgresRepository) CreateNotification(ctx context.Context, item domain.Notification) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	var data *string
	if len(item.Data) > 0 {
		raw := string(item.Data)
		data = &raw
	}

	query := `
		INSERT INTO notifications (id, user_id, type, title, body, data, dedupe_key)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
		ON CONFLICT (dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING
	`
	_, err := r.db.Exec(ctx, query, item.ID, item.UserID, item.Type, item.Title, item.Body, data, item.DedupeKey)
	return translateError("create notification", err)
}

// ListNotifications retrieves paginated inbox notifications, newest first.
func (r *PostgresRepository) ListNotifications(ctx context.Context, userID int64, opts domain.NotificationListOptions) ([]domain.Notification, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT id, user_id, type, title, body, data, read_at, created_at
		FROM notifications
		WHERE user_id = $1
	`
	if opts.UnreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, limit, offset)

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, translateError("list notifications", err)
	}
	defer rows.Close()

	items := make([]domain.Notification, 0, limit)
	for rows.Next() {
		var n domain.Notification
		var data []byte
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Body, &data, &n.ReadAt, &n.CreatedAt); err != nil {
			return nil, translateError("scan notification", err)
		}
		n.Data = data
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, translateError("iterate notifications", err)
	}
	return items, nil
}

// CountUnreadNotifications returns the inbox badge count.
func (r *PostgresRepository) CountUnreadNotifications(ctx context.Context, userID int64) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND read_at IS NULL`, userID).Scan(&count)
	if err != nil {
		return 0, translateError("count unread notifications", err)
	}
	return count, nil
}

// MarkNotificationRead marks one notification owned by userID as read.
func (r *PostgresRepository) MarkNotificationRead(ctx context.Context, userID int64, notificationID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE notifications SET read_at = COALESCE(read_at, NOW()) WHERE id = $1 AND user_id = $2`,
		notificationID, userID,
	)
	if err != nil {
		return translateError("mark notification read", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

// MarkAllNotificationsRead marks every unread notification of userID as read.
func (r *PostgresRepository) MarkAllNotificationsRead(ctx context.Context, userID int64) (int64, error) {
	tag, err := r.db.Exec(ctx, `UPDATE notifications SET read_at = NOW() WHERE user_id = $1 AND read_at IS NULL`, userID)
	if err != nil {
		return 0, translateError("mark all notifications read", err)
	}
	return tag.RowsAffected(), nil
}
