// Package repo implements the data persistence layer for the rotation
// engine, backed by GORM. This file provides small aggregate/statistics
// queries used primarily for conditional responses (e.g., ETag generation)
// in the HTTP layer. Each function is context-aware and safe to call from
// services or handlers.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/splitpix/go-splitpix-backend/internal/domain"
)

// TestEventsStats returns aggregate metadata for a test's events: the total
// number of rows and the maximum UpdatedAt timestamp among those rows.
// When the test has no events, count is 0 and maxUpdatedAt is nil.
func TestEventsStats(ctx context.Context, db *gorm.DB, testID string) (count int64, maxUpdatedAt *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.ABTestEvent{}).Where("test_id = ?", testID)

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}

// SlotHistoryStats returns the ledger row count and latest switch time for a
// slot. When the slot has never switched, count is 0 and lastSwitchedAt is
// nil.
func SlotHistoryStats(ctx context.Context, db *gorm.DB, slotID string) (count int64, lastSwitchedAt *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.RotationHistoryEntry{}).Where("slot_id = ?", slotID)

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	var row struct {
		SwitchedAt time.Time
	}
	if err = q.Select("switched_at").Order("switched_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.SwitchedAt, nil
}
