package repo

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/splitpix/go-splitpix-backend/internal/domain"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("repo_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	// Ensure the file handle is released before TempDir cleanup (Windows needs this).
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func seedSlot(t *testing.T, db *gorm.DB, mutate ...func(*domain.RotationSlot)) *domain.RotationSlot {
	t.Helper()
	s := &domain.RotationSlot{
		ShopID:          "shop-1",
		ProductID:       "1001",
		TestID:          "test-1",
		Status:          domain.SlotStatusActive,
		ActiveVariant:   domain.VariantControl,
		InitialVariant:  domain.VariantControl,
		IntervalMinutes: 60,
	}
	for _, m := range mutate {
		m(s)
	}
	if err := CreateSlot(context.Background(), db, s); err != nil {
		t.Fatalf("CreateSlot: %v", err)
	}
	return s
}

func TestCreateSlot_DerivesSchedule(t *testing.T) {
	db := newTestDB(t)
	s := seedSlot(t, db)

	if s.ID == "" {
		t.Fatal("slot id not assigned")
	}
	want := s.CreatedAt.Add(60 * time.Minute)
	if !s.NextSwitchDueAt.Equal(want) {
		t.Fatalf("NextSwitchDueAt = %v, want %v", s.NextSwitchDueAt, want)
	}
}

func TestCreateSlot_UniquePerTarget(t *testing.T) {
	db := newTestDB(t)
	seedSlot(t, db)

	dup := &domain.RotationSlot{
		ShopID:          "shop-1",
		ProductID:       "1001",
		TestID:          "test-2",
		Status:          domain.SlotStatusActive,
		ActiveVariant:   domain.VariantControl,
		InitialVariant:  domain.VariantControl,
		IntervalMinutes: 30,
	}
	if err := CreateSlot(context.Background(), db, dup); err == nil {
		t.Fatal("expected unique constraint violation for duplicate target")
	}
}

func TestClaimSlot_MutualExclusion(t *testing.T) {
	db := newTestDB(t)
	s := seedSlot(t, db)
	now := time.Now().UTC()

	if err := ClaimSlot(context.Background(), db, s.ID, now, time.Minute); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := ClaimSlot(context.Background(), db, s.ID, now, time.Minute); !errors.Is(err, ErrClaimHeld) {
		t.Fatalf("second claim must see ErrClaimHeld, got %v", err)
	}

	// An expired claim is free to take again.
	later := now.Add(2 * time.Minute)
	if err := ClaimSlot(context.Background(), db, s.ID, later, time.Minute); err != nil {
		t.Fatalf("claim after expiry: %v", err)
	}
}

func TestClaimSlot_InactiveSlotNotClaimable(t *testing.T) {
	db := newTestDB(t)
	s := seedSlot(t, db, func(s *domain.RotationSlot) { s.Status = domain.SlotStatusPaused })

	err := ClaimSlot(context.Background(), db, s.ID, time.Now().UTC(), time.Minute)
	if !errors.Is(err, ErrClaimHeld) {
		t.Fatalf("paused slot must not be claimable, got %v", err)
	}
}

func TestListDueSlots_FiltersStatusDueAndClaim(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC()

	due := seedSlot(t, db)
	db.Model(due).Update("next_switch_due_at", now.Add(-5*time.Minute))

	notDue := seedSlot(t, db, func(s *domain.RotationSlot) { s.ProductID = "1002" })
	db.Model(notDue).Update("next_switch_due_at", now.Add(time.Hour))

	paused := seedSlot(t, db, func(s *domain.RotationSlot) {
		s.ProductID = "1003"
		s.Status = domain.SlotStatusPaused
	})
	db.Model(paused).Update("next_switch_due_at", now.Add(-time.Hour))

	claimed := seedSlot(t, db, func(s *domain.RotationSlot) { s.ProductID = "1004" })
	db.Model(claimed).Updates(map[string]any{
		"next_switch_due_at": now.Add(-time.Minute),
		"locked_until":       now.Add(time.Minute),
	})

	got, err := ListDueSlots(context.Background(), db, now, 0)
	if err != nil {
		t.Fatalf("ListDueSlots: %v", err)
	}
	if len(got) != 1 || got[0].ID != due.ID {
		t.Fatalf("expected only the due unclaimed slot, got %+v", got)
	}
}

func TestCommitSwitch_WritesAllOrNothing(t *testing.T) {
	db := newTestDB(t)
	s := seedSlot(t, db)
	db.Model(s).Update("failure_count", 3)

	now := time.Date(2026, 8, 24, 11, 5, 0, 0, time.UTC)
	entry, err := CommitSwitch(context.Background(), db, s.ID, domain.VariantTest, domain.TriggerCron, `{"uploaded":1}`, now)
	if err != nil {
		t.Fatalf("CommitSwitch: %v", err)
	}
	if entry.SwitchedVariant != domain.VariantTest || entry.TriggeredBy != domain.TriggerCron {
		t.Fatalf("unexpected ledger entry: %+v", entry)
	}

	got, err := GetSlot(context.Background(), db, s.ID)
	if err != nil {
		t.Fatalf("GetSlot: %v", err)
	}
	if got.ActiveVariant != domain.VariantTest {
		t.Fatalf("active variant = %q", got.ActiveVariant)
	}
	if got.LastSwitchAt == nil || !got.LastSwitchAt.Equal(now) {
		t.Fatalf("last switch at = %v", got.LastSwitchAt)
	}
	if want := now.Add(60 * time.Minute); !got.NextSwitchDueAt.Equal(want) {
		t.Fatalf("next due = %v, want %v", got.NextSwitchDueAt, want)
	}
	if got.FailureCount != 0 {
		t.Fatalf("failure count must reset, got %d", got.FailureCount)
	}
	if got.LockedUntil != nil {
		t.Fatal("claim must be released on commit")
	}

	// Ledger latest must agree with the slot immediately after commit.
	consistent, err := CheckConsistency(context.Background(), db, got)
	if err != nil || !consistent {
		t.Fatalf("consistency check failed: %v %v", consistent, err)
	}
}

func TestCommitSwitch_MissingSlotLeavesNoLedgerRow(t *testing.T) {
	db := newTestDB(t)
	_, err := CommitSwitch(context.Background(), db, "nope", domain.VariantTest, domain.TriggerCron, "", time.Now().UTC())
	if err == nil {
		t.Fatal("expected error for missing slot")
	}
	var n int64
	db.Model(&domain.RotationHistoryEntry{}).Count(&n)
	if n != 0 {
		t.Fatalf("ledger must stay empty, got %d rows", n)
	}
}

func TestRecordSwitchFailure_DemotesAfterThreshold(t *testing.T) {
	db := newTestDB(t)
	s := seedSlot(t, db)

	for i := 0; i < 4; i++ {
		demoted, err := RecordSwitchFailure(context.Background(), db, s.ID, 5, "verify mismatch")
		if err != nil {
			t.Fatalf("failure %d: %v", i+1, err)
		}
		if demoted {
			t.Fatalf("demoted too early at failure %d", i+1)
		}
	}
	demoted, err := RecordSwitchFailure(context.Background(), db, s.ID, 5, "verify mismatch")
	if err != nil {
		t.Fatalf("fifth failure: %v", err)
	}
	if !demoted {
		t.Fatal("expected demotion at fifth consecutive failure")
	}

	got, _ := GetSlot(context.Background(), db, s.ID)
	if got.Status != domain.SlotStatusPaused {
		t.Fatalf("status = %q, want paused", got.Status)
	}
	if got.PauseReason == "" {
		t.Fatal("pause reason must be operator-visible")
	}
}

func TestRecordSwitchFailure_KeepsSchedule(t *testing.T) {
	db := newTestDB(t)
	s := seedSlot(t, db)
	before, _ := GetSlot(context.Background(), db, s.ID)

	if _, err := RecordSwitchFailure(context.Background(), db, s.ID, 5, "remote down"); err != nil {
		t.Fatalf("RecordSwitchFailure: %v", err)
	}
	after, _ := GetSlot(context.Background(), db, s.ID)
	if !after.NextSwitchDueAt.Equal(before.NextSwitchDueAt) || after.LastSwitchAt != nil {
		t.Fatalf("schedule fields must be untouched on failure: %+v", after)
	}
	if after.LockedUntil != nil {
		t.Fatal("claim must be released on failure")
	}
}

func TestUpdateSlotStatus_ResumeClearsFailureState(t *testing.T) {
	db := newTestDB(t)
	s := seedSlot(t, db)
	db.Model(s).Updates(map[string]any{
		"status":        domain.SlotStatusPaused,
		"failure_count": 5,
		"pause_reason":  "paused after 5 consecutive switch failures",
	})

	if err := UpdateSlotStatus(context.Background(), db, s.ID, domain.SlotStatusActive); err != nil {
		t.Fatalf("UpdateSlotStatus: %v", err)
	}
	got, _ := GetSlot(context.Background(), db, s.ID)
	if got.Status != domain.SlotStatusActive || got.FailureCount != 0 || got.PauseReason != "" {
		t.Fatalf("resume must clear failure state: %+v", got)
	}
}

func TestFindSlotByProduct_VariantFallsBackToProduct(t *testing.T) {
	db := newTestDB(t)
	whole := seedSlot(t, db)
	vid := "v-7"
	variantSlot := seedSlot(t, db, func(s *domain.RotationSlot) {
		s.ProductID = "1002"
		s.VariantID = &vid
	})

	got, err := FindSlotByProduct(context.Background(), db, "1002", &vid)
	if err != nil || got.ID != variantSlot.ID {
		t.Fatalf("variant-level slot expected, got %+v err %v", got, err)
	}

	other := "v-unknown"
	got, err = FindSlotByProduct(context.Background(), db, "1001", &other)
	if err != nil || got.ID != whole.ID {
		t.Fatalf("fallback to whole-product slot expected, got %+v err %v", got, err)
	}
}

func TestLookupSlotForEvent_PrefersVariantSlot(t *testing.T) {
	db := newTestDB(t)
	whole := seedSlot(t, db)
	vid := "v-9"
	vs := seedSlot(t, db, func(s *domain.RotationSlot) {
		s.ProductID = "1001-b"
		s.VariantID = &vid
	})

	got, err := LookupSlotForEvent(context.Background(), db, "test-1", &vid)
	if err != nil || got.ID != vs.ID {
		t.Fatalf("expected variant slot, got %+v err %v", got, err)
	}

	got, err = LookupSlotForEvent(context.Background(), db, "test-1", nil)
	if err != nil || got.ID != whole.ID {
		t.Fatalf("expected whole-product slot, got %+v err %v", got, err)
	}
}

func TestClaimDueSlot_RequiresDueTime(t *testing.T) {
	db := newTestDB(t)
	s := seedSlot(t, db) // first switch due one interval from now
	now := time.Now().UTC()

	if err := ClaimDueSlot(context.Background(), db, s.ID, now, time.Minute); !errors.Is(err, ErrClaimHeld) {
		t.Fatalf("slot not yet due must not be claimable, got %v", err)
	}

	db.Model(s).Update("next_switch_due_at", now.Add(-time.Minute))
	if err := ClaimDueSlot(context.Background(), db, s.ID, now, time.Minute); err != nil {
		t.Fatalf("due slot claim: %v", err)
	}

	// Committing a switch advances the due time, so a second claimer working
	// from a stale due listing is refused even after the claim is released.
	if _, err := CommitSwitch(context.Background(), db, s.ID, domain.VariantTest, domain.TriggerCron, "", now); err != nil {
		t.Fatalf("CommitSwitch: %v", err)
	}
	if err := ClaimDueSlot(context.Background(), db, s.ID, now, time.Minute); !errors.Is(err, ErrClaimHeld) {
		t.Fatalf("already handled window must not be claimable again, got %v", err)
	}
}
