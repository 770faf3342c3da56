// Package domain defines the persistence models for rotation slots, the
// rotation history ledger, and raw A/B test events. These types are mapped
// with GORM and form the core data layer of the rotation engine.
package domain

import (
	"time"

	"gorm.io/gorm"

	"github.com/splitpix/go-splitpix-backend/internal/media"
)

// Rotation variant labels. A slot alternates between exactly these two
// states; they are distinct from shopper-facing product variants.
const (
	VariantControl = "control"
	VariantTest    = "test"
)

// OppositeVariant returns the variant a slot flips to on a switch.
// Unknown input falls back to control.
func OppositeVariant(v string) string {
	if v == VariantControl {
		return VariantTest
	}
	return VariantControl
}

// Slot status values.
const (
	SlotStatusActive   = "active"
	SlotStatusPaused   = "paused"
	SlotStatusDisabled = "disabled"
)

// Ledger trigger values.
const (
	TriggerCron     = "cron"
	TriggerManual   = "manual"
	TriggerRollback = "rollback"
)

// Event type values.
const (
	EventImpression = "impression"
	EventAddToCart  = "add_to_cart"
	EventPurchase   = "purchase"
)

// RotationSlot is the unit of rotation: one product, or one product variant,
// under a running test. Exactly one slot exists per
// (shop_id, product_id, variant_id) tuple.
//
// Schedule invariant: while Status is active, NextSwitchDueAt is always
// LastSwitchAt + IntervalMinutes (or CreatedAt + IntervalMinutes before the
// first switch). Schedule fields are mutated only by the scheduler's commit
// path; status and media sets only by explicit operator action.
//
// LockedUntil implements the per-slot claim: a scheduler invocation owns the
// slot until that instant. The claim is taken with a conditional UPDATE so
// concurrent invocations in different processes cannot double-switch.
type RotationSlot struct {
	ID        string  `json:"id"         gorm:"type:char(36);primaryKey"`
	ShopID    string  `json:"shop_id"    gorm:"type:varchar(64);not null;index;uniqueIndex:ux_slot_target,priority:1"`
	ProductID string  `json:"product_id" gorm:"type:varchar(64);not null;uniqueIndex:ux_slot_target,priority:2"`
	VariantID *string `json:"variant_id,omitempty" gorm:"type:varchar(64);uniqueIndex:ux_slot_target,priority:3"`
	TestID    string  `json:"test_id"    gorm:"type:varchar(64);not null;index:idx_slot_test"`

	Status          string `json:"status"           gorm:"type:varchar(16);not null;default:'active';check:status IN ('active','paused','disabled')"`
	ActiveVariant   string `json:"active_variant"   gorm:"type:varchar(16);not null;check:active_variant IN ('control','test')"`
	InitialVariant  string `json:"initial_variant"  gorm:"type:varchar(16);not null;check:initial_variant IN ('control','test')"`
	IntervalMinutes int    `json:"interval_minutes" gorm:"not null;check:interval_minutes > 0"`

	LastSwitchAt    *time.Time `json:"last_switch_at,omitempty"`
	NextSwitchDueAt time.Time  `json:"next_switch_due_at" gorm:"not null;index:idx_slot_due"`
	LockedUntil     *time.Time `json:"-"`

	// FailureCount tracks consecutive synchronizer failures; crossing the
	// configured threshold demotes the slot to paused with PauseReason set.
	FailureCount int    `json:"failure_count" gorm:"not null;default:0"`
	PauseReason  string `json:"pause_reason,omitempty" gorm:"type:varchar(255)"`

	ControlMedia media.DescriptorList `json:"control_media" gorm:"serializer:json"`
	TestMedia    media.DescriptorList `json:"test_media"    gorm:"serializer:json"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// TableName returns the database table name for RotationSlot.
func (RotationSlot) TableName() string { return "rotation_slots" }

// TargetMedia returns the media set the slot must display for a variant.
func (s *RotationSlot) TargetMedia(variant string) media.DescriptorList {
	if variant == VariantTest {
		return s.TestMedia
	}
	return s.ControlMedia
}

// RotationHistoryEntry is one executed switch, append-only. Ordered by
// SwitchedAt ascending the sequence is the timeline of truth: the variant
// active at time t is the SwitchedVariant of the last entry with
// SwitchedAt <= t, or the slot's initial variant if none qualifies.
// Entries are never updated or deleted except by cascade with the slot.
type RotationHistoryEntry struct {
	ID              string    `json:"id"               gorm:"type:char(36);primaryKey"`
	SlotID          string    `json:"slot_id"          gorm:"type:char(36);not null;index:idx_ledger_slot_time,priority:1"`
	SwitchedVariant string    `json:"switched_variant" gorm:"type:varchar(16);not null;check:switched_variant IN ('control','test')"`
	TriggeredBy     string    `json:"triggered_by"     gorm:"type:varchar(16);not null;check:triggered_by IN ('cron','manual','rollback')"`
	SwitchedAt      time.Time `json:"switched_at"      gorm:"not null;index:idx_ledger_slot_time,priority:2"`
	Context         string    `json:"context,omitempty" gorm:"type:text"`

	Slot RotationSlot `json:"-" gorm:"foreignKey:SlotID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for RotationHistoryEntry.
func (RotationHistoryEntry) TableName() string { return "rotation_history" }

// ABTestEvent is a raw customer interaction captured by the storefront
// tracking client or the order-paid webhook. Rows are immutable once created;
// a reconciliation pass may correct AttributedVariant and
// ActiveCaseAtCapture using the ledger, which is safe to apply redundantly.
//
// AttributedVariant is the authoritative label derived from the ledger at
// ingest time. ActiveCaseAtCapture is whatever the capturing client believed
// was active and is kept only as a diagnostic fallback.
//
// The dedup rules are enforced at the storage level so concurrent writers
// (HTTP pixel vs the stream consumer, webhook vs pixel) cannot slip a
// duplicate past the service's pre-insert checks:
//   - ux_event_impression: one impression per (test, session, attributed
//     variant) window
//   - ux_event_session_purchase: one orderless purchase per (test, session)
//   - ux_event_order: one purchase per order id
//
// Add-to-cart events are intentionally unconstrained.
type ABTestEvent struct {
	ID        string `json:"id"         gorm:"type:char(36);primaryKey"`
	TestID    string `json:"test_id"    gorm:"type:varchar(64);not null;index:idx_event_test_session,priority:1;uniqueIndex:ux_event_impression,priority:1,where:event_type = 'impression';uniqueIndex:ux_event_session_purchase,priority:1,where:event_type = 'purchase' AND order_id IS NULL"`
	SessionID string `json:"session_id" gorm:"type:varchar(64);not null;index:idx_event_test_session,priority:2;uniqueIndex:ux_event_impression,priority:2;uniqueIndex:ux_event_session_purchase,priority:2"`
	EventType string `json:"event_type" gorm:"type:varchar(16);not null;check:event_type IN ('impression','add_to_cart','purchase')"`

	OccurredAt time.Time `json:"occurred_at" gorm:"not null"`
	ProductID  string    `json:"product_id"  gorm:"type:varchar(64);not null"`
	VariantID  *string   `json:"variant_id,omitempty" gorm:"type:varchar(64)"`

	ActiveCaseAtCapture string `json:"active_case_at_capture,omitempty" gorm:"type:varchar(16)"`
	AttributedVariant   string `json:"attributed_variant" gorm:"type:varchar(16);not null;index;uniqueIndex:ux_event_impression,priority:3"`

	Revenue  float64 `json:"revenue"  gorm:"not null;default:0"`
	Quantity int     `json:"quantity" gorm:"not null;default:1"`

	// OrderID is present only for purchases reported by the order webhook.
	// The unique index dedups webhook/pixel double reports; SQLite exempts
	// NULLs, so pixel purchases without an order id are unconstrained here.
	OrderID *string `json:"order_id,omitempty" gorm:"type:varchar(64);uniqueIndex:ux_event_order"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// TableName returns the database table name for ABTestEvent.
func (ABTestEvent) TableName() string { return "ab_test_events" }
