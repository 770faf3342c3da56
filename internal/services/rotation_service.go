// Package services – RotationService
//
// This file implements RotationService, which manages the lifecycle of
// rotation slots: creation with target normalization and conflict checks,
// operator status changes, media set updates, the storefront rotation-state
// query, and the per-slot history and health views.
//
// Service-level errors (e.g., ErrSlotNotFound) are returned for predictable
// cases so handlers can map them to HTTP results consistently.
package services

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"

	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/splitpix/go-splitpix-backend/internal/domain"
	"github.com/splitpix/go-splitpix-backend/internal/media"
	"github.com/splitpix/go-splitpix-backend/internal/repo"
)

// gid prefixes the storefront client may send instead of a bare numeric id.
const (
	gidProductPrefix = "gid://shopify/Product/"
	gidVariantPrefix = "gid://shopify/ProductVariant/"
)

// RotationService provides slot-level operations: creation, status and media
// changes, and the read views the storefront and operators consume.
type RotationService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB

	// MinIntervalMinutes rejects intervals shorter than the platform can
	// rotate reliably.
	MinIntervalMinutes int
}

// NewRotationService constructs a RotationService with sane defaults.
func NewRotationService(db *gorm.DB) *RotationService {
	return &RotationService{DB: db, MinIntervalMinutes: 1}
}

// CreateSlotInput is the operator-supplied definition of a new slot.
type CreateSlotInput struct {
	ShopID          string
	ProductID       string
	VariantID       *string
	TestID          string
	InitialVariant  string
	IntervalMinutes int
	ControlMedia    media.DescriptorList
	TestMedia       media.DescriptorList
}

// Create validates and inserts a new rotation slot. The slot starts active,
// displaying its initial variant, with the first switch due one interval
// from creation.
func (s *RotationService) Create(ctx context.Context, in CreateSlotInput) (*domain.RotationSlot, error) {
	tr := otel.Tracer("services/RotationService")
	ctx, span := tr.Start(ctx, "Create",
		trace.WithAttributes(
			attribute.String("shop.id", in.ShopID),
			attribute.String("test.id", in.TestID),
		),
	)
	defer span.End()

	if strings.TrimSpace(in.ShopID) == "" || strings.TrimSpace(in.TestID) == "" {
		return nil, ErrInvalidSlot
	}
	productID, err := NormalizeProductID(in.ProductID)
	if err != nil {
		return nil, err
	}
	variantID, err := normalizeOptionalVariantID(in.VariantID)
	if err != nil {
		return nil, err
	}

	initial := in.InitialVariant
	if initial == "" {
		initial = domain.VariantControl
	}
	if initial != domain.VariantControl && initial != domain.VariantTest {
		return nil, ErrInvalidVariant
	}
	if in.IntervalMinutes < s.minInterval() {
		return nil, ErrInvalidInterval
	}
	if len(in.ControlMedia) == 0 || len(in.TestMedia) == 0 {
		return nil, ErrEmptyMedia
	}

	// The unique index is the backstop; checking first gives a clean error
	// instead of a driver-specific constraint violation.
	if _, err := repo.FindSlotByTarget(ctx, s.DB, in.ShopID, productID, variantID); err == nil {
		return nil, ErrSlotConflict
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	slot := &domain.RotationSlot{
		ShopID:          in.ShopID,
		ProductID:       productID,
		VariantID:       variantID,
		TestID:          in.TestID,
		Status:          domain.SlotStatusActive,
		ActiveVariant:   initial,
		InitialVariant:  initial,
		IntervalMinutes: in.IntervalMinutes,
		ControlMedia:    in.ControlMedia,
		TestMedia:       in.TestMedia,
	}
	if err := repo.CreateSlot(ctx, s.DB, slot); err != nil {
		return nil, err
	}
	return slot, nil
}

// Get fetches one slot by ID.
func (s *RotationService) Get(ctx context.Context, id string) (*domain.RotationSlot, error) {
	slot, err := repo.GetSlot(ctx, s.DB, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSlotNotFound
	}
	return slot, err
}

// ListPage returns a page of a shop's slots with the total count.
// It applies defaults for invalid page/pageSize.
func (s *RotationService) ListPage(ctx context.Context, shopID string, page, pageSize int) ([]domain.RotationSlot, int64, error) {
	tr := otel.Tracer("services/RotationService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("shop.id", shopID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := repo.CountSlots(ctx, s.DB, shopID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.RotationSlot{}, 0, nil
	}

	items, err := repo.ListSlotsPage(ctx, s.DB, shopID, offset, pageSize)
	return items, total, err
}

// UpdateStatus applies an operator status change. Resuming a paused slot
// clears its failure state.
func (s *RotationService) UpdateStatus(ctx context.Context, id, status string) error {
	switch status {
	case domain.SlotStatusActive, domain.SlotStatusPaused, domain.SlotStatusDisabled:
	default:
		return ErrInvalidStatus
	}
	err := repo.UpdateSlotStatus(ctx, s.DB, id, status)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrSlotNotFound
	}
	return err
}

// UpdateMedia replaces both media sets of a slot. The new sets take effect
// on the next switch; the remote catalog is not touched here.
func (s *RotationService) UpdateMedia(ctx context.Context, id string, control, test media.DescriptorList) error {
	if len(control) == 0 || len(test) == 0 {
		return ErrEmptyMedia
	}
	err := repo.UpdateSlotMedia(ctx, s.DB, id, control, test)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrSlotNotFound
	}
	return err
}

// RotationState is the storefront-facing answer to "what should this product
// page show right now".
type RotationState struct {
	SlotID          string               `json:"slot_id"`
	TestID          string               `json:"test_id"`
	ProductID       string               `json:"product_id"`
	VariantID       *string              `json:"variant_id,omitempty"`
	Status          string               `json:"status"`
	ActiveVariant   string               `json:"active_variant"`
	ActiveMedia     media.DescriptorList `json:"active_media"`
	LastSwitchAt    *string              `json:"last_switch_at,omitempty"`
	NextSwitchDueAt string               `json:"next_switch_due_at"`
}

// State resolves the slot displaying a product (the variant's own slot when
// one exists, otherwise the whole-product slot) and reports its current face.
func (s *RotationService) State(ctx context.Context, productRef string, variantRef *string) (*RotationState, error) {
	tr := otel.Tracer("services/RotationService")
	ctx, span := tr.Start(ctx, "State",
		trace.WithAttributes(attribute.String("product.ref", productRef)),
	)
	defer span.End()

	productID, err := NormalizeProductID(productRef)
	if err != nil {
		return nil, err
	}
	variantID, err := normalizeOptionalVariantID(variantRef)
	if err != nil {
		return nil, err
	}

	slot, err := repo.FindSlotByProduct(ctx, s.DB, productID, variantID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSlotNotFound
	}
	if err != nil {
		return nil, err
	}

	st := &RotationState{
		SlotID:          slot.ID,
		TestID:          slot.TestID,
		ProductID:       slot.ProductID,
		VariantID:       slot.VariantID,
		Status:          slot.Status,
		ActiveVariant:   slot.ActiveVariant,
		ActiveMedia:     slot.TargetMedia(slot.ActiveVariant),
		NextSwitchDueAt: slot.NextSwitchDueAt.Format(time.RFC3339),
	}
	if slot.LastSwitchAt != nil {
		v := slot.LastSwitchAt.Format(time.RFC3339)
		st.LastSwitchAt = &v
	}
	return st, nil
}

// HistoryPage returns a page of a slot's ledger in timeline order.
func (s *RotationService) HistoryPage(ctx context.Context, slotID string, page, pageSize int) ([]domain.RotationHistoryEntry, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	if _, err := repo.GetSlot(ctx, s.DB, slotID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, 0, ErrSlotNotFound
		}
		return nil, 0, err
	}

	total, err := repo.CountEntries(ctx, s.DB, slotID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.RotationHistoryEntry{}, 0, nil
	}

	items, err := repo.ListEntriesPage(ctx, s.DB, slotID, offset, pageSize)
	return items, total, err
}

// SlotHealth is the operator view of a slot's integrity and failure state.
type SlotHealth struct {
	SlotID        string `json:"slot_id"`
	Status        string `json:"status"`
	ActiveVariant string `json:"active_variant"`
	FailureCount  int    `json:"failure_count"`
	PauseReason   string `json:"pause_reason,omitempty"`
	LedgerEntries int64  `json:"ledger_entries"`

	// Consistent reports whether the ledger's latest entry agrees with the
	// slot's cached active variant.
	Consistent bool `json:"consistent"`
}

// Health checks a slot's ledger consistency and failure state.
func (s *RotationService) Health(ctx context.Context, slotID string) (*SlotHealth, error) {
	slot, err := repo.GetSlot(ctx, s.DB, slotID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSlotNotFound
	}
	if err != nil {
		return nil, err
	}

	consistent, err := repo.CheckConsistency(ctx, s.DB, slot)
	if err != nil {
		return nil, err
	}
	entries, err := repo.CountEntries(ctx, s.DB, slot.ID)
	if err != nil {
		return nil, err
	}

	return &SlotHealth{
		SlotID:        slot.ID,
		Status:        slot.Status,
		ActiveVariant: slot.ActiveVariant,
		FailureCount:  slot.FailureCount,
		PauseReason:   slot.PauseReason,
		LedgerEntries: entries,
		Consistent:    consistent,
	}, nil
}

func (s *RotationService) minInterval() int {
	if s.MinIntervalMinutes > 0 {
		return s.MinIntervalMinutes
	}
	return 1
}

// NormalizeProductID canonicalizes a product reference to its bare numeric
// id. Accepted forms are a numeric id and the gid://shopify/Product/N URI
// the storefront client sends.
func NormalizeProductID(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if rest, ok := cutPrefixFold(ref, gidProductPrefix); ok {
		ref = rest
	}
	if !isDigits(ref) {
		return "", ErrInvalidProductID
	}
	return ref, nil
}

// NormalizeVariantID canonicalizes a product-variant reference the same way,
// accepting gid://shopify/ProductVariant/N.
func NormalizeVariantID(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if rest, ok := cutPrefixFold(ref, gidVariantPrefix); ok {
		ref = rest
	}
	if !isDigits(ref) {
		return "", ErrInvalidProductID
	}
	return ref, nil
}

func normalizeOptionalVariantID(ref *string) (*string, error) {
	if ref == nil || strings.TrimSpace(*ref) == "" {
		return nil, nil
	}
	v, err := NormalizeVariantID(*ref)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// cutPrefixFold is strings.CutPrefix with ASCII case-insensitive matching on
// the prefix.
func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return s, false
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
