// Package repo implements the data persistence layer for the rotation
// engine, backed by GORM. This file provides repository helpers for raw
// A/B test events and the aggregate queries the statistics engine runs.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/splitpix/go-splitpix-backend/internal/domain"
)

// ErrDuplicate indicates the event collides with an already stored one under
// the dedup rules (same order id, same impression window, or same orderless
// purchase session).
var ErrDuplicate = errors.New("duplicate event")

// isUniqueViolation reports whether err is a unique-index violation.
// glebarez/sqlite often returns plain-text errors for these, so the check
// falls back to message sniffing.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}

// InsertEvent persists a raw event. Unique-index violations are reported as
// ErrDuplicate so callers can answer with a dedup note instead of an error.
// The indexes are the storage backstop behind the service's pre-insert dedup
// checks; a concurrent writer losing the race lands here.
func InsertEvent(ctx context.Context, db *gorm.DB, e *domain.ABTestEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if err := db.WithContext(ctx).Create(e).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetEvent fetches one event by ID or returns ErrNotFound.
func GetEvent(ctx context.Context, db *gorm.DB, id string) (*domain.ABTestEvent, error) {
	var e domain.ABTestEvent
	if err := db.WithContext(ctx).First(&e, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

// FindImpression returns the stored impression for a (test, session,
// attributed variant) window, or ErrNotFound. Impressions are counted at
// most once per window; a later impression under a different attributed
// variant is a new window.
func FindImpression(ctx context.Context, db *gorm.DB, testID, sessionID, variant string) (*domain.ABTestEvent, error) {
	var e domain.ABTestEvent
	err := db.WithContext(ctx).
		Where("test_id = ? AND session_id = ? AND event_type = ? AND attributed_variant = ?",
			testID, sessionID, domain.EventImpression, variant).
		First(&e).Error
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// FindPurchaseByOrder returns the stored purchase carrying orderID, or
// ErrNotFound. Whichever record was created first wins; webhook and pixel
// double reports collapse onto it.
func FindPurchaseByOrder(ctx context.Context, db *gorm.DB, orderID string) (*domain.ABTestEvent, error) {
	var e domain.ABTestEvent
	err := db.WithContext(ctx).
		Where("event_type = ? AND order_id = ?", domain.EventPurchase, orderID).
		First(&e).Error
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// FindPurchaseBySession returns the stored orderless purchase for a
// (test, session) pair, or ErrNotFound. This is the dedup fallback when no
// order id accompanies the event.
func FindPurchaseBySession(ctx context.Context, db *gorm.DB, testID, sessionID string) (*domain.ABTestEvent, error) {
	var e domain.ABTestEvent
	err := db.WithContext(ctx).
		Where("test_id = ? AND session_id = ? AND event_type = ? AND order_id IS NULL",
			testID, sessionID, domain.EventPurchase).
		First(&e).Error
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// CountEvents returns the total events stored for a test.
func CountEvents(ctx context.Context, db *gorm.DB, testID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.ABTestEvent{}).
		Where("test_id = ?", testID).
		Count(&total).Error
	return total, err
}

// ListEventsPage returns a page of events for a test in occurrence order,
// used by the reconciliation pass.
func ListEventsPage(ctx context.Context, db *gorm.DB, testID string, offset, limit int) ([]domain.ABTestEvent, error) {
	var out []domain.ABTestEvent
	err := db.WithContext(ctx).
		Where("test_id = ?", testID).
		Order("occurred_at asc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// UpdateEventAttribution applies an idempotent corrective update to an
// event's attributed variant and the client-captured label. Safe to apply
// redundantly. A correction that would collide with an already stored row
// for the same impression window returns ErrDuplicate.
func UpdateEventAttribution(ctx context.Context, db *gorm.DB, id, variant string) error {
	err := db.WithContext(ctx).
		Model(&domain.ABTestEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attributed_variant":     variant,
			"active_case_at_capture": variant,
		}).Error
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// VariantAggregate is one GROUP BY row of the statistics rollup.
type VariantAggregate struct {
	AttributedVariant string
	EventType         string
	Count             int64
	Revenue           float64
}

// AggregateByVariant rolls events up per (attributed variant, event type)
// with purchase revenue summed, in one query.
func AggregateByVariant(ctx context.Context, db *gorm.DB, testID string) ([]VariantAggregate, error) {
	var rows []VariantAggregate
	err := db.WithContext(ctx).
		Model(&domain.ABTestEvent{}).
		Select("attributed_variant, event_type, COUNT(*) as count, SUM(revenue) as revenue").
		Where("test_id = ?", testID).
		Group("attributed_variant, event_type").
		Scan(&rows).Error
	return rows, err
}
