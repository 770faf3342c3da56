// Package repo implements the data persistence layer for the rotation
// engine, backed by GORM. This file provides the rotation history ledger:
// an insert-only timeline of executed switches per slot.
//
// VariantAt is the single authority for "which variant was active at time t"
// and is used by both the scheduler's post-switch bookkeeping and the
// attribution engine. The slot's cached ActiveVariant field exists for fast
// reads only; any divergence between the two is an integrity bug surfaced by
// CheckConsistency.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/splitpix/go-splitpix-backend/internal/domain"
)

// AppendEntry inserts one ledger row. Prior rows are never mutated.
func AppendEntry(ctx context.Context, db *gorm.DB, slotID, variant, trigger, entryContext string, at time.Time) (*domain.RotationHistoryEntry, error) {
	e := &domain.RotationHistoryEntry{
		ID:              uuid.NewString(),
		SlotID:          slotID,
		SwitchedVariant: variant,
		TriggeredBy:     trigger,
		SwitchedAt:      at.UTC(),
		Context:         entryContext,
	}
	if err := db.WithContext(ctx).Create(e).Error; err != nil {
		return nil, err
	}
	return e, nil
}

// CountEntries returns the total ledger rows for a slot.
func CountEntries(ctx context.Context, db *gorm.DB, slotID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.RotationHistoryEntry{}).
		Where("slot_id = ?", slotID).
		Count(&total).Error
	return total, err
}

// ListEntriesPage returns a page of ledger rows for a slot ordered by
// SwitchedAt ascending (timeline order).
func ListEntriesPage(ctx context.Context, db *gorm.DB, slotID string, offset, limit int) ([]domain.RotationHistoryEntry, error) {
	var out []domain.RotationHistoryEntry
	err := db.WithContext(ctx).
		Where("slot_id = ?", slotID).
		Order("switched_at asc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// LatestEntry returns the most recent ledger row for a slot, or ErrNotFound
// when the slot has never switched.
func LatestEntry(ctx context.Context, db *gorm.DB, slotID string) (*domain.RotationHistoryEntry, error) {
	var e domain.RotationHistoryEntry
	err := db.WithContext(ctx).
		Where("slot_id = ?", slotID).
		Order("switched_at desc").
		Limit(1).
		First(&e).Error
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// VariantAt reconstructs the variant active at ts from the ledger: the
// SwitchedVariant of the last entry with SwitchedAt <= ts, or the slot's
// recorded initial variant when the timestamp predates every entry (clock
// skew, or a test started mid-session).
func VariantAt(ctx context.Context, db *gorm.DB, slot *domain.RotationSlot, ts time.Time) (string, error) {
	var e domain.RotationHistoryEntry
	err := db.WithContext(ctx).
		Where("slot_id = ? AND switched_at <= ?", slot.ID, ts).
		Order("switched_at desc").
		Limit(1).
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return slot.InitialVariant, nil
	}
	if err != nil {
		return "", err
	}
	return e.SwitchedVariant, nil
}

// CheckConsistency verifies that the ledger's latest entry agrees with the
// slot's cached ActiveVariant. A slot that has never switched is consistent
// when the cached variant equals the initial variant.
func CheckConsistency(ctx context.Context, db *gorm.DB, slot *domain.RotationSlot) (bool, error) {
	latest, err := LatestEntry(ctx, db, slot.ID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return slot.ActiveVariant == slot.InitialVariant, nil
	}
	if err != nil {
		return false, err
	}
	return latest.SwitchedVariant == slot.ActiveVariant, nil
}
