package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

type eventRow struct {
	ID            string     `gorm:"primaryKey;type:uuid"`
	Name          string     `gorm:"not null;index"`
	Payload       string     `gorm:"type:jsonb;not null"`
	DedupeKey     string     `gorm:"uniqueIndex;not null"`
	Status        string     `gorm:"not null;index:idx_outbox_pending,priority:1"`
	Attempts      int        `gorm:"not null;default:0"`
	NextAttemptAt time.Time  `gorm:"not null;index:idx_outbox_pending,priority:2"`
	LastError     string
	CreatedAt     time.Time
	DeliveredAt   *time.Time
}

func (eventRow) TableName() string {
	return "outbox_events"
}

func toEventRow(e Event) eventRow {
	return eventRow{
		ID:            e.ID,
		Name:          e.Name,
		Payload:       e.Payload,
		DedupeKey:     e.DedupeKey,
		Status:        string(e.Status),
		Attempts:      e.Attempts,
		NextAttemptAt: e.NextAttemptAt,
		LastError:     e.LastError,
		CreatedAt:     e.CreatedAt,
		DeliveredAt:   e.DeliveredAt,
	}
}

func fromEventRow(r eventRow) Event {
	return Event{
		ID:            r.ID,
		Name:          r.Name,
		Payload:       r.Payload,
		DedupeKey:     r.DedupeKey,
		Status:        Status(r.Status),
		Attempts:      r.Attempts,
		NextAttemptAt: r.NextAttemptAt,
		LastError:     r.LastError,
		CreatedAt:     r.CreatedAt,
		DeliveredAt:   r.DeliveredAt,
	}
}

type GormOutbox struct {
	db *gorm.DB
}

// NewGormOutbox binds the outbox to db. Passing a transaction handle makes Enqueue part of
// that transaction.
func NewGormOutbox(db *gorm.DB) *GormOutbox {
	return &GormOutbox{db: db}
}

func (o *GormOutbox) Enqueue(ctx context.Context, event Event) error {
	row := toEventRow(event)
	if err := o.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

func (o *GormOutbox) Pending(ctx context.Context, now time.Time, limit int) ([]Event, error) {
	var rows []eventRow
	err := o.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ?", string(StatusPending), now.UTC()).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query pending outbox events: %w", err)
	}

	out := make([]Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromEventRow(r))
	}
	return out, nil
}

func (o *GormOutbox) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	err := o.db.WithContext(ctx).Model(&eventRow{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       string(StatusDelivered),
			"attempts":     gorm.Expr("attempts + 1"),
			"delivered_at": at.UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("mark outbox event delivered: %w", err)
	}
	return nil
}

func (o *GormOutbox) MarkRetry(ctx context.Context, id string, next time.Time, lastErr string, failed bool) error {
	status := StatusPending
	if failed {
		status = StatusFailed
	}
	err := o.db.WithContext(ctx).Model(&eventRow{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":          string(status),
			"attempts":        gorm.Expr("attempts + 1"),
			"next_attempt_at": next.UTC(),
			"last_error":      lastErr,
		}).Error
	if err != nil {
		return fmt.Errorf("schedule outbox retry: %w", err)
	}
	return nil
}

func (o *GormOutbox) DeleteDelivered(ctx context.Context, before time.Time) (int64, error) {
	res := o.db.WithContext(ctx).
		Where("status = ? AND delivered_at < ?", string(StatusDelivered), before.UTC()).
		Delete(&eventRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete delivered outbox events: %w", res.Error)
	}
	return res.RowsAffected, nil
}
