package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/splitpix/go-splitpix-backend/internal/domain"
	"github.com/splitpix/go-splitpix-backend/internal/repo"
)

func TestStatsSummary_UnknownTest(t *testing.T) {
	db := newTestDB(t)
	svc := NewStatsService(db)
	if _, err := svc.Summary(context.Background(), "nope"); !errors.Is(err, ErrTestNotFound) {
		t.Fatalf("unknown test: %v", err)
	}
}

func TestStatsSummary_NoEventsYieldsZeroedReport(t *testing.T) {
	db := newTestDB(t)
	seedTest(t, db)
	svc := NewStatsService(db)

	rep, err := svc.Summary(context.Background(), "test-1")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if rep.Control.Impressions != 0 || rep.Test.Impressions != 0 || rep.Lift != 0 {
		t.Fatalf("expected zeroed report: %+v", rep)
	}
}

func TestStatsSummary_RollsUpEvents(t *testing.T) {
	db := newTestDB(t)
	seedTest(t, db)
	events := NewEventService(db)
	svc := NewStatsService(db)
	ctx := context.Background()

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		in := impression("s-"+string(rune('a'+i)), now)
		if _, _, err := events.Record(ctx, in); err != nil {
			t.Fatalf("impression %d: %v", i, err)
		}
	}
	order := "order-1"
	if _, _, err := events.Record(ctx, EventInput{
		TestID:    "test-1",
		SessionID: "s-a",
		EventType: domain.EventPurchase,
		ProductID: "1001",
		Revenue:   120,
		OrderID:   &order,
	}); err != nil {
		t.Fatalf("purchase: %v", err)
	}

	rep, err := svc.Summary(ctx, "test-1")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if rep.Control.Impressions != 3 || rep.Control.Purchases != 1 || rep.Control.Revenue != 120 {
		t.Fatalf("control metrics: %+v", rep.Control)
	}
	if rep.Test.Impressions != 0 {
		t.Fatalf("test variant must be empty: %+v", rep.Test)
	}
}

func TestStatsVersion_MovesWithNewEvents(t *testing.T) {
	db := newTestDB(t)
	seedTest(t, db)
	events := NewEventService(db)
	svc := NewStatsService(db)
	ctx := context.Background()

	v0, err := svc.Version(ctx, "test-1")
	if err != nil {
		t.Fatalf("Version: %v", err)
	}

	if _, _, err := events.Record(ctx, impression("s-1", time.Now().UTC())); err != nil {
		t.Fatalf("Record: %v", err)
	}
	v1, err := svc.Version(ctx, "test-1")
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if v0 == v1 {
		t.Fatalf("version must change after ingest: %q", v1)
	}
}

func TestTextReport_ContainsVariantSections(t *testing.T) {
	db := newTestDB(t)
	seedTest(t, db)
	events := NewEventService(db)
	svc := NewStatsService(db)
	ctx := context.Background()

	if _, _, err := events.Record(ctx, impression("s-1", time.Now().UTC())); err != nil {
		t.Fatalf("Record: %v", err)
	}

	out, err := svc.TextReport(ctx, "test-1")
	if err != nil {
		t.Fatalf("TextReport: %v", err)
	}
	for _, want := range []string{"Test test-1", "CONTROL:", "TEST:", "Lift", "Confidence"} {
		if !strings.Contains(out, want) {
			t.Fatalf("report missing %q:\n%s", want, out)
		}
	}
}

func TestStatsSummary_VariantOnlySlot(t *testing.T) {
	db := newTestDB(t)
	vid := "2002"
	slot := &domain.RotationSlot{
		ShopID:          "shop-1",
		ProductID:       "1001",
		VariantID:       &vid,
		TestID:          "test-v",
		Status:          domain.SlotStatusActive,
		ActiveVariant:   domain.VariantControl,
		InitialVariant:  domain.VariantControl,
		IntervalMinutes: 60,
	}
	if err := repo.CreateSlot(context.Background(), db, slot); err != nil {
		t.Fatalf("CreateSlot: %v", err)
	}

	// A test whose only slot targets a single variant is still a known test.
	rep, err := NewStatsService(db).Summary(context.Background(), "test-v")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if rep.Control.Impressions != 0 || rep.Test.Impressions != 0 {
		t.Fatalf("expected zeroed report: %+v", rep)
	}
}
