// Package repo implements the data persistence layer for the rotation
// engine, backed by GORM. This file provides repository functions for the
// RotationSlot model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations. They
// follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// The claim functions implement the per-slot mutual exclusion required by
// the scheduler. The claim is a conditional UPDATE on the slot's own row,
// so the claim and the business mutation live in the same storage engine
// and work across processes; no in-memory lock is involved.
package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/splitpix/go-splitpix-backend/internal/domain"
	"github.com/splitpix/go-splitpix-backend/internal/media"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrClaimHeld is returned when another scheduler invocation already holds
// the slot's claim. It is a skip signal, not a failure.
var ErrClaimHeld = errors.New("slot claim already held")

// CreateSlot inserts a new rotation slot. The ID is assigned when empty and
// NextSwitchDueAt is derived from the creation instant when unset, so the
// schedule invariant holds from the first row.
func CreateSlot(ctx context.Context, db *gorm.DB, s *domain.RotationSlot) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.NextSwitchDueAt.IsZero() {
		s.NextSwitchDueAt = s.CreatedAt.Add(time.Duration(s.IntervalMinutes) * time.Minute)
	}
	return db.WithContext(ctx).Create(s).Error
}

// GetSlot fetches a slot by ID or returns ErrNotFound.
func GetSlot(ctx context.Context, db *gorm.DB, id string) (*domain.RotationSlot, error) {
	var s domain.RotationSlot
	if err := db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// FindSlotByTarget fetches the unique slot for a (shop, product, variant)
// tuple. A nil variantID matches the whole-product slot.
func FindSlotByTarget(ctx context.Context, db *gorm.DB, shopID, productID string, variantID *string) (*domain.RotationSlot, error) {
	q := db.WithContext(ctx).Where("shop_id = ? AND product_id = ?", shopID, productID)
	if variantID == nil {
		q = q.Where("variant_id IS NULL")
	} else {
		q = q.Where("variant_id = ?", *variantID)
	}
	var s domain.RotationSlot
	if err := q.First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// FindSlotByProduct fetches the slot displaying a product: the variant's own
// slot when one exists, otherwise the whole-product slot.
func FindSlotByProduct(ctx context.Context, db *gorm.DB, productID string, variantID *string) (*domain.RotationSlot, error) {
	if variantID != nil {
		var s domain.RotationSlot
		err := db.WithContext(ctx).
			Where("product_id = ? AND variant_id = ?", productID, *variantID).
			First(&s).Error
		if err == nil {
			return &s, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	var s domain.RotationSlot
	err := db.WithContext(ctx).
		Where("product_id = ? AND variant_id IS NULL", productID).
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// LookupSlotForEvent resolves the slot an event belongs to: the slot under
// the event's test that matches the shopper's selected product variant, or
// the test's whole-product slot when no variant-level slot exists.
func LookupSlotForEvent(ctx context.Context, db *gorm.DB, testID string, variantID *string) (*domain.RotationSlot, error) {
	if variantID != nil {
		var s domain.RotationSlot
		err := db.WithContext(ctx).
			Where("test_id = ? AND variant_id = ?", testID, *variantID).
			First(&s).Error
		if err == nil {
			return &s, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	var s domain.RotationSlot
	err := db.WithContext(ctx).
		Where("test_id = ? AND variant_id IS NULL", testID).
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// TestHasSlots reports whether any slot exists under a test id, regardless of
// whether it targets the whole product or a single variant. Used as the
// existence check for test-scoped operations (stats, reconciliation).
func TestHasSlots(ctx context.Context, db *gorm.DB, testID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.RotationSlot{}).
		Where("test_id = ?", testID).
		Count(&n).Error
	return n > 0, err
}

// CountSlots returns the total slots for a shop, for pagination.
func CountSlots(ctx context.Context, db *gorm.DB, shopID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.RotationSlot{}).
		Where("shop_id = ?", shopID).
		Count(&total).Error
	return total, err
}

// ListSlotsPage returns a page of a shop's slots ordered by creation time.
func ListSlotsPage(ctx context.Context, db *gorm.DB, shopID string, offset, limit int) ([]domain.RotationSlot, error) {
	var out []domain.RotationSlot
	err := db.WithContext(ctx).
		Where("shop_id = ?", shopID).
		Order("created_at asc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ListDueSlots returns active slots whose next switch time has elapsed and
// whose claim is free or expired, ordered most-overdue first.
func ListDueSlots(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.RotationSlot, error) {
	var out []domain.RotationSlot
	q := db.WithContext(ctx).
		Where("status = ?", domain.SlotStatusActive).
		Where("next_switch_due_at <= ?", now).
		Where("locked_until IS NULL OR locked_until < ?", now).
		Order("next_switch_due_at asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// ClaimSlot atomically takes the per-slot claim until now+ttl. The
// conditional UPDATE succeeds only while the slot is active and unclaimed
// (or the previous claim expired); a concurrent claimer sees RowsAffected 0
// and receives ErrClaimHeld. This is the due-time-free path used by operator
// overrides; the scheduler's cron path goes through ClaimDueSlot.
func ClaimSlot(ctx context.Context, db *gorm.DB, id string, now time.Time, ttl time.Duration) error {
	res := db.WithContext(ctx).
		Model(&domain.RotationSlot{}).
		Where("id = ? AND status = ?", id, domain.SlotStatusActive).
		Where("locked_until IS NULL OR locked_until < ?", now).
		Update("locked_until", now.Add(ttl))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrClaimHeld
	}
	return nil
}

// ClaimDueSlot takes the claim like ClaimSlot but only while the slot's next
// switch time has elapsed. Committing a switch advances next_switch_due_at,
// so an overlapping invocation working from a stale due listing fails the
// claim here instead of switching the same due window twice.
func ClaimDueSlot(ctx context.Context, db *gorm.DB, id string, now time.Time, ttl time.Duration) error {
	res := db.WithContext(ctx).
		Model(&domain.RotationSlot{}).
		Where("id = ? AND status = ?", id, domain.SlotStatusActive).
		Where("next_switch_due_at <= ?", now).
		Where("locked_until IS NULL OR locked_until < ?", now).
		Update("locked_until", now.Add(ttl))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrClaimHeld
	}
	return nil
}

// ReleaseClaim clears the slot's claim without touching schedule fields.
func ReleaseClaim(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).
		Model(&domain.RotationSlot{}).
		Where("id = ?", id).
		Update("locked_until", nil).Error
}

// CommitSwitch writes the outcome of a successful switch atomically: the
// slot's active variant, schedule fields and cleared failure counter, plus
// the ledger entry — all of them or none.
func CommitSwitch(ctx context.Context, db *gorm.DB, slotID, newVariant, trigger, entryContext string, now time.Time) (*domain.RotationHistoryEntry, error) {
	var entry *domain.RotationHistoryEntry
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var s domain.RotationSlot
		if err := tx.First(&s, "id = ?", slotID).Error; err != nil {
			return err
		}
		next := now.Add(time.Duration(s.IntervalMinutes) * time.Minute)
		res := tx.Model(&domain.RotationSlot{}).
			Where("id = ?", slotID).
			Updates(map[string]any{
				"active_variant":     newVariant,
				"last_switch_at":     now,
				"next_switch_due_at": next,
				"failure_count":      0,
				"locked_until":       nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		e, err := AppendEntry(ctx, tx, slotID, newVariant, trigger, entryContext, now)
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// RecordSwitchFailure increments the consecutive-failure counter and
// releases the claim, leaving schedule fields untouched so the slot is
// retried on the next tick. Crossing maxFailures demotes the slot to paused
// with an operator-visible reason. It reports whether the slot was demoted.
func RecordSwitchFailure(ctx context.Context, db *gorm.DB, id string, maxFailures int, reason string) (bool, error) {
	demoted := false
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var s domain.RotationSlot
		if err := tx.First(&s, "id = ?", id).Error; err != nil {
			return err
		}
		updates := map[string]any{
			"failure_count": s.FailureCount + 1,
			"locked_until":  nil,
		}
		if maxFailures > 0 && s.FailureCount+1 >= maxFailures {
			demoted = true
			updates["status"] = domain.SlotStatusPaused
			updates["pause_reason"] = fmt.Sprintf("paused after %d consecutive switch failures: %s", s.FailureCount+1, reason)
		}
		return tx.Model(&domain.RotationSlot{}).Where("id = ?", id).Updates(updates).Error
	})
	return demoted, err
}

// UpdateSlotStatus changes the slot's lifecycle status (operator action).
// Resuming a slot clears the failure counter and pause reason.
func UpdateSlotStatus(ctx context.Context, db *gorm.DB, id, status string) error {
	updates := map[string]any{"status": status}
	if status == domain.SlotStatusActive {
		updates["failure_count"] = 0
		updates["pause_reason"] = ""
	}
	res := db.WithContext(ctx).
		Model(&domain.RotationSlot{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// UpdateSlotMedia replaces the slot's control/test media sets (operator
// action). Schedule and state fields are untouched.
func UpdateSlotMedia(ctx context.Context, db *gorm.DB, id string, control, test media.DescriptorList) error {
	// Struct update keeps the JSON serializer in play for the media columns.
	res := db.WithContext(ctx).
		Model(&domain.RotationSlot{}).
		Where("id = ?", id).
		Select("control_media", "test_media").
		Updates(&domain.RotationSlot{ControlMedia: control, TestMedia: test})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
