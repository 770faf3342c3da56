package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/splitpix/go-splitpix-backend/internal/domain"
	"github.com/splitpix/go-splitpix-backend/internal/repo"
	syncer "github.com/splitpix/go-splitpix-backend/internal/sync"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("sched_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := repo.AutoMigrate(db); err != nil {
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
	if err := repo.CreateSlot(context.Background(), db, s); err != nil {
		t.Fatalf("CreateSlot: %v", err)
	}
	return s
}

func makeDue(t *testing.T, db *gorm.DB, s *domain.RotationSlot) {
	t.Helper()
	if err := db.Model(s).Update("next_switch_due_at", time.Now().UTC().Add(-5*time.Minute)).Error; err != nil {
		t.Fatalf("make due: %v", err)
	}
}

// fakeSwitcher records each requested switch and either succeeds with fixed
// counts or fails with the scripted error.
type fakeSwitcher struct {
	err   error
	calls []string
}

func (f *fakeSwitcher) Switch(_ context.Context, slot *domain.RotationSlot, targetVariant string) (*syncer.Result, error) {
	f.calls = append(f.calls, slot.ID+":"+targetVariant)
	if f.err != nil {
		return nil, f.err
	}
	return &syncer.Result{Uploaded: 1, Reused: 2, Deleted: 1}, nil
}

func TestTick_SwitchesDueSlot(t *testing.T) {
	db := newTestDB(t)
	s := seedSlot(t, db)
	makeDue(t, db, s)

	fake := &fakeSwitcher{}
	sched := New(db, fake, time.Minute, 5)

	sum, err := sched.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if sum.Due != 1 || sum.Switched != 1 || sum.Failed != 0 || sum.Skipped != 0 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if len(fake.calls) != 1 || fake.calls[0] != s.ID+":"+domain.VariantTest {
		t.Fatalf("synchronizer calls: %v", fake.calls)
	}

	got, err := repo.GetSlot(context.Background(), db, s.ID)
	if err != nil {
		t.Fatalf("GetSlot: %v", err)
	}
	if got.ActiveVariant != domain.VariantTest {
		t.Fatalf("active variant = %q, want test", got.ActiveVariant)
	}
	if got.LockedUntil != nil {
		t.Fatal("claim must be released after commit")
	}
	if !got.NextSwitchDueAt.After(time.Now().UTC()) {
		t.Fatalf("next due must advance past now, got %v", got.NextSwitchDueAt)
	}

	entry, err := repo.LatestEntry(context.Background(), db, s.ID)
	if err != nil {
		t.Fatalf("LatestEntry: %v", err)
	}
	if entry.TriggeredBy != domain.TriggerCron || entry.SwitchedVariant != domain.VariantTest {
		t.Fatalf("unexpected ledger entry: %+v", entry)
	}
	if !strings.Contains(entry.Context, `"uploaded":1`) {
		t.Fatalf("entry context must carry synchronizer counts: %s", entry.Context)
	}
}

func TestTick_NothingDue(t *testing.T) {
	db := newTestDB(t)
	seedSlot(t, db) // due one interval from now

	fake := &fakeSwitcher{}
	sum, err := New(db, fake, time.Minute, 5).Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if sum.Due != 0 || len(fake.calls) != 0 {
		t.Fatalf("nothing should happen: %+v calls=%v", sum, fake.calls)
	}
}

func TestTick_SkipsHeldClaim(t *testing.T) {
	db := newTestDB(t)
	s := seedSlot(t, db)
	makeDue(t, db, s)

	fake := &fakeSwitcher{}
	sched := New(db, fake, time.Minute, 5)

	if err := repo.ClaimSlot(context.Background(), db, s.ID, time.Now().UTC(), time.Hour); err != nil {
		t.Fatalf("pre-claim: %v", err)
	}

	sum, err := sched.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	// The held claim also filters the slot out of ListDueSlots, so the tick
	// sees nothing due; either way the synchronizer must not run.
	if sum.Switched != 0 || sum.Failed != 0 || len(fake.calls) != 0 {
		t.Fatalf("claimed slot must not be switched: %+v calls=%v", sum, fake.calls)
	}
}

func TestTick_FailureCountsAndDemotes(t *testing.T) {
	db := newTestDB(t)
	s := seedSlot(t, db)
	makeDue(t, db, s)

	fake := &fakeSwitcher{err: errors.New("remote verify mismatch")}
	sched := New(db, fake, time.Minute, 2)

	sum, err := sched.Tick(context.Background())
	if err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if sum.Failed != 1 || sum.Demoted != 0 {
		t.Fatalf("first failure summary: %+v", sum)
	}

	got, _ := repo.GetSlot(context.Background(), db, s.ID)
	if got.Status != domain.SlotStatusActive || got.FailureCount != 1 {
		t.Fatalf("after first failure: %+v", got)
	}
	if got.ActiveVariant != domain.VariantControl {
		t.Fatal("failed switch must not change the active variant")
	}
	if got.LockedUntil != nil {
		t.Fatal("claim must be released on failure")
	}
	if n, _ := repo.CountEntries(context.Background(), db, s.ID); n != 0 {
		t.Fatalf("failed switch must not write a ledger row, got %d", n)
	}

	// Schedule is untouched, so the slot is still due on the next tick.
	sum, err = sched.Tick(context.Background())
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if sum.Failed != 1 || sum.Demoted != 1 {
		t.Fatalf("second failure summary: %+v", sum)
	}
	got, _ = repo.GetSlot(context.Background(), db, s.ID)
	if got.Status != domain.SlotStatusPaused || got.PauseReason == "" {
		t.Fatalf("expected demotion to paused with reason: %+v", got)
	}
}

func TestForceSwitch_BypassesDueTime(t *testing.T) {
	db := newTestDB(t)
	s := seedSlot(t, db) // not due for another hour

	fake := &fakeSwitcher{}
	sched := New(db, fake, time.Minute, 5)

	entry, res, err := sched.ForceSwitch(context.Background(), s.ID, domain.VariantTest, domain.TriggerManual)
	if err != nil {
		t.Fatalf("ForceSwitch: %v", err)
	}
	if entry.TriggeredBy != domain.TriggerManual || entry.SwitchedVariant != domain.VariantTest {
		t.Fatalf("unexpected ledger entry: %+v", entry)
	}
	if res.Uploaded != 1 || res.Reused != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}

	got, _ := repo.GetSlot(context.Background(), db, s.ID)
	if got.ActiveVariant != domain.VariantTest {
		t.Fatalf("active variant = %q", got.ActiveVariant)
	}
}

func TestForceSwitch_RejectsUnknownTrigger(t *testing.T) {
	db := newTestDB(t)
	s := seedSlot(t, db)

	_, _, err := New(db, &fakeSwitcher{}, time.Minute, 5).
		ForceSwitch(context.Background(), s.ID, domain.VariantTest, "webhook")
	if !errors.Is(err, syncer.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestForceSwitch_PausedSlotNotSwitchable(t *testing.T) {
	db := newTestDB(t)
	s := seedSlot(t, db, func(s *domain.RotationSlot) { s.Status = domain.SlotStatusPaused })

	_, _, err := New(db, &fakeSwitcher{}, time.Minute, 5).
		ForceSwitch(context.Background(), s.ID, domain.VariantTest, domain.TriggerManual)
	if !errors.Is(err, ErrSlotNotSwitchable) {
		t.Fatalf("expected ErrSlotNotSwitchable, got %v", err)
	}
}

func TestForceSwitch_FailureReleasesClaimAndCounts(t *testing.T) {
	db := newTestDB(t)
	s := seedSlot(t, db)

	fake := &fakeSwitcher{err: errors.New("upload failed")}
	_, _, err := New(db, fake, time.Minute, 5).
		ForceSwitch(context.Background(), s.ID, domain.VariantTest, domain.TriggerManual)
	if err == nil {
		t.Fatal("expected synchronizer error to propagate")
	}

	got, _ := repo.GetSlot(context.Background(), db, s.ID)
	if got.LockedUntil != nil {
		t.Fatal("claim must be released on failure")
	}
	if got.FailureCount != 1 {
		t.Fatalf("failure count = %d, want 1", got.FailureCount)
	}
}

func TestTick_OverlappingInvocationsSwitchOnce(t *testing.T) {
	db := newTestDB(t)
	s := seedSlot(t, db)
	makeDue(t, db, s)

	// Two invocations in different processes select the same due slot before
	// either has claimed it.
	stale, err := repo.ListDueSlots(context.Background(), db, time.Now().UTC(), 0)
	if err != nil || len(stale) != 1 {
		t.Fatalf("ListDueSlots: %v (%d)", err, len(stale))
	}

	fakeA := &fakeSwitcher{}
	sumA, err := New(db, fakeA, time.Minute, 5).Tick(context.Background())
	if err != nil || sumA.Switched != 1 {
		t.Fatalf("first invocation: %+v %v", sumA, err)
	}

	// The second invocation proceeds with its stale selection after the first
	// has committed; the claim's due-time check must turn it into a skip.
	fakeB := &fakeSwitcher{}
	b := New(db, fakeB, time.Minute, 5)
	if outcome := b.attempt(context.Background(), &stale[0]); outcome != outcomeSkipped {
		t.Fatalf("stale attempt outcome = %v, want skipped", outcome)
	}
	if len(fakeB.calls) != 0 {
		t.Fatalf("second invocation must not reach the synchronizer: %v", fakeB.calls)
	}

	got, err := repo.GetSlot(context.Background(), db, s.ID)
	if err != nil {
		t.Fatalf("GetSlot: %v", err)
	}
	if got.ActiveVariant != domain.VariantTest {
		t.Fatalf("variant must flip exactly once, got %q", got.ActiveVariant)
	}
	if n, _ := repo.CountEntries(context.Background(), db, s.ID); n != 1 {
		t.Fatalf("one due window must produce one ledger entry, got %d", n)
	}
}

func TestTick_TargetComesFromCurrentState(t *testing.T) {
	db := newTestDB(t)
	s := seedSlot(t, db)
	makeDue(t, db, s)

	// A manual switch lands between the due listing and the claim; the cron
	// attempt must flip away from the slot's current variant, not from the
	// variant it saw when listing.
	stale, err := repo.ListDueSlots(context.Background(), db, time.Now().UTC(), 0)
	if err != nil || len(stale) != 1 {
		t.Fatalf("ListDueSlots: %v (%d)", err, len(stale))
	}
	fake := &fakeSwitcher{}
	sched := New(db, fake, time.Minute, 5)
	if _, _, err := sched.ForceSwitch(context.Background(), s.ID, domain.VariantTest, domain.TriggerManual); err != nil {
		t.Fatalf("ForceSwitch: %v", err)
	}

	// Make the slot due again so the stale cron attempt gets past the claim.
	makeDue(t, db, s)
	if outcome := sched.attempt(context.Background(), &stale[0]); outcome != outcomeSwitched {
		t.Fatalf("attempt outcome = %v, want switched", outcome)
	}

	got, _ := repo.GetSlot(context.Background(), db, s.ID)
	if got.ActiveVariant != domain.VariantControl {
		t.Fatalf("cron switch must target the opposite of the current variant, got %q", got.ActiveVariant)
	}
}
