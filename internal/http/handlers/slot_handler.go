// Slot HTTP handlers.
//
// This file exposes REST endpoints for rotation slot resources:
//   - POST   /slots                (create)
//   - GET    /slots                (list, paginated)
//   - GET    /slots/{id}           (fetch)
//   - PUT    /slots/{id}/status    (operator status change)
//   - PUT    /slots/{id}/media     (replace media sets)
//   - GET    /slots/{id}/history   (rotation ledger, paginated, ETag support)
//   - GET    /slots/{id}/health    (ledger consistency and failure state)
//   - POST   /slots/{id}/switch    (manual switch, full pipeline)
//
// Handlers are transport-thin: they validate input, call application
// services, and translate results into HTTP responses (including conditional
// responses).
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/splitpix/go-splitpix-backend/internal/domain"
	"github.com/splitpix/go-splitpix-backend/internal/media"
	"github.com/splitpix/go-splitpix-backend/internal/repo"
	"github.com/splitpix/go-splitpix-backend/internal/scheduler"
	"github.com/splitpix/go-splitpix-backend/internal/services"
	"github.com/splitpix/go-splitpix-backend/internal/stats"
	syncer "github.com/splitpix/go-splitpix-backend/internal/sync"
	"github.com/splitpix/go-splitpix-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// RotationService defines slot lifecycle and read-view operations consumed by
// HTTP handlers. Implementations must be safe for concurrent use and honor
// the provided context.
type RotationService interface {
	Create(ctx context.Context, in services.CreateSlotInput) (*domain.RotationSlot, error)
	Get(ctx context.Context, id string) (*domain.RotationSlot, error)
	ListPage(ctx context.Context, shopID string, page, pageSize int) ([]domain.RotationSlot, int64, error)
	UpdateStatus(ctx context.Context, id, status string) error
	UpdateMedia(ctx context.Context, id string, control, test media.DescriptorList) error
	State(ctx context.Context, productRef string, variantRef *string) (*services.RotationState, error)
	HistoryPage(ctx context.Context, slotID string, page, pageSize int) ([]domain.RotationHistoryEntry, int64, error)
	Health(ctx context.Context, slotID string) (*services.SlotHealth, error)
}

// EventService defines event ingestion, webhook mapping and reconciliation
// operations.
type EventService interface {
	Record(ctx context.Context, in services.EventInput) (*domain.ABTestEvent, bool, error)
	RecordOrder(ctx context.Context, in services.OrderInput) (*domain.ABTestEvent, bool, error)
	Reconcile(ctx context.Context, testID string) (*services.ReconcileSummary, error)
}

// StatsService defines test statistics operations.
type StatsService interface {
	Summary(ctx context.Context, testID string) (*stats.Report, error)
	Version(ctx context.Context, testID string) (string, error)
	TextReport(ctx context.Context, testID string) (string, error)
}

// SwitchScheduler defines the scheduler operations the HTTP surface drives:
// an externally triggered tick and the operator's manual switch.
type SwitchScheduler interface {
	Tick(ctx context.Context) (*scheduler.TickSummary, error)
	ForceSwitch(ctx context.Context, slotID, targetVariant, trigger string) (*domain.RotationHistoryEntry, *syncer.Result, error)
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints for slots, events, statistics and the
// scheduler. It depends on abstract service interfaces to keep transport
// concerns separate from business logic.
type Handlers struct {
	rotationSvc RotationService
	eventSvc    EventService
	statsSvc    StatsService
	sched       SwitchScheduler
}

// New constructs a Handlers instance bound to the given services.
func New(rotationSvc RotationService, eventSvc EventService, statsSvc StatsService, sched SwitchScheduler) *Handlers {
	return &Handlers{rotationSvc: rotationSvc, eventSvc: eventSvc, statsSvc: statsSvc, sched: sched}
}

// shopID extracts the calling shop from the X-Shop-ID header with a query
// parameter fallback for read endpoints.
func shopID(c *gin.Context) string {
	if h := strings.TrimSpace(c.GetHeader("X-Shop-ID")); h != "" {
		return h
	}
	return strings.TrimSpace(c.Query("shop_id"))
}

//
// DTOs
//

// CreateSlotRequest is the JSON payload for creating a rotation slot.
type CreateSlotRequest struct {
	ShopID          string               `json:"shop_id" binding:"required"`
	ProductID       string               `json:"product_id" binding:"required"`
	VariantID       *string              `json:"variant_id,omitempty"`
	TestID          string               `json:"test_id" binding:"required"`
	InitialVariant  string               `json:"initial_variant,omitempty"`
	IntervalMinutes int                  `json:"interval_minutes" binding:"required"`
	ControlMedia    media.DescriptorList `json:"control_media" binding:"required"`
	TestMedia       media.DescriptorList `json:"test_media" binding:"required"`
}

// UpdateSlotStatusRequest is the JSON payload for an operator status change.
type UpdateSlotStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// UpdateSlotMediaRequest is the JSON payload for replacing a slot's media
// sets.
type UpdateSlotMediaRequest struct {
	ControlMedia media.DescriptorList `json:"control_media" binding:"required"`
	TestMedia    media.DescriptorList `json:"test_media" binding:"required"`
}

// SwitchRequest is the JSON payload for the manual switch endpoint.
type SwitchRequest struct {
	TargetVariant string `json:"target_variant" binding:"required"`
	// Trigger defaults to manual; operators running a rollback pass
	// "rollback" so the ledger records the distinction.
	Trigger string `json:"trigger,omitempty"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListSlotsResponse wraps a page of slots and pagination information.
type ListSlotsResponse struct {
	Slots      []domain.RotationSlot `json:"slots"`
	Pagination Pagination            `json:"pagination"`
}

// SlotHistoryResponse wraps a page of ledger entries and pagination
// information.
type SlotHistoryResponse struct {
	History    []domain.RotationHistoryEntry `json:"history"`
	Pagination Pagination                    `json:"pagination"`
}

// SwitchResponse reports an executed manual switch.
type SwitchResponse struct {
	Entry  *domain.RotationHistoryEntry `json:"entry"`
	Result *syncer.Result               `json:"result"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

func paginationFor(page, pageSize int, total int64) Pagination {
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

// failSlotErr maps rotation service errors onto the HTTP error taxonomy.
func failSlotErr(c *gin.Context, err error, fallbackCode string) {
	switch {
	case errors.Is(err, services.ErrSlotNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "rotation slot not found")
	case errors.Is(err, services.ErrSlotConflict):
		fail(c, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, services.ErrInvalidSlot),
		errors.Is(err, services.ErrInvalidProductID),
		errors.Is(err, services.ErrInvalidInterval),
		errors.Is(err, services.ErrInvalidVariant),
		errors.Is(err, services.ErrInvalidStatus),
		errors.Is(err, services.ErrEmptyMedia):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	default:
		fail(c, http.StatusInternalServerError, fallbackCode, err.Error())
	}
}

//
// Handlers
//

// CreateSlot creates a rotation slot and returns the slot resource.
func (h *Handlers) CreateSlot(c *gin.Context) {
	var req CreateSlotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	slot, err := h.rotationSvc.Create(c.Request.Context(), services.CreateSlotInput{
		ShopID:          req.ShopID,
		ProductID:       req.ProductID,
		VariantID:       req.VariantID,
		TestID:          req.TestID,
		InitialVariant:  req.InitialVariant,
		IntervalMinutes: req.IntervalMinutes,
		ControlMedia:    req.ControlMedia,
		TestMedia:       req.TestMedia,
	})
	if err != nil {
		failSlotErr(c, err, ErrCodeCreateFailed)
		return
	}
	ok(c, http.StatusCreated, slot)
}

// ListSlots returns a page of the calling shop's slots.
func (h *Handlers) ListSlots(c *gin.Context) {
	sid := shopID(c)
	if sid == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "shop id required (X-Shop-ID header or shop_id query)")
		return
	}
	page, pageSize := clampPagination(c)

	items, total, err := h.rotationSvc.ListPage(c.Request.Context(), sid, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListSlotsResponse{
		Slots:      items,
		Pagination: paginationFor(page, pageSize, total),
	})
}

// GetSlot fetches one slot by ID.
func (h *Handlers) GetSlot(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "slot id must be a UUID")
		return
	}
	slot, err := h.rotationSvc.Get(c.Request.Context(), id)
	if err != nil {
		failSlotErr(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, slot)
}

// UpdateSlotStatus applies an operator status change.
func (h *Handlers) UpdateSlotStatus(c *gin.Context) {
	var req UpdateSlotStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "status required")
		return
	}
	if err := h.rotationSvc.UpdateStatus(c.Request.Context(), c.Param("id"), req.Status); err != nil {
		failSlotErr(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}

// UpdateSlotMedia replaces a slot's control and test media sets.
func (h *Handlers) UpdateSlotMedia(c *gin.Context) {
	var req UpdateSlotMediaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "control_media and test_media required")
		return
	}
	if err := h.rotationSvc.UpdateMedia(c.Request.Context(), c.Param("id"), req.ControlMedia, req.TestMedia); err != nil {
		failSlotErr(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}

// SlotHistory returns a page of a slot's rotation ledger. Supports weak ETag
// via If-None-Match and may return 304.
func (h *Handlers) SlotHistory(c *gin.Context) {
	ctx := c.Request.Context()
	slotID := c.Param("id")
	page, pageSize := clampPagination(c)

	// ETag pre-check (best effort).
	var db *gorm.DB
	if svc, okSvc := h.rotationSvc.(*services.RotationService); okSvc {
		db = svc.DB
	}
	if db != nil {
		count, lastTS, err := repo.SlotHistoryStats(ctx, db, slotID)
		if err == nil {
			var ts int64
			if lastTS != nil {
				ts = lastTS.Unix()
			}
			etag := fmt.Sprintf(`W/"history:%s:%d:%d"`, slotID, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	items, total, err := h.rotationSvc.HistoryPage(ctx, slotID, page, pageSize)
	if err != nil {
		failSlotErr(c, err, ErrCodeListFailed)
		return
	}
	ok(c, http.StatusOK, SlotHistoryResponse{
		History:    items,
		Pagination: paginationFor(page, pageSize, total),
	})
}

// SlotHealth reports a slot's ledger consistency and failure state.
func (h *Handlers) SlotHealth(c *gin.Context) {
	health, err := h.rotationSvc.Health(c.Request.Context(), c.Param("id"))
	if err != nil {
		failSlotErr(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, health)
}

// ForceSwitch runs the full switch pipeline for a slot immediately.
func (h *Handlers) ForceSwitch(c *gin.Context) {
	var req SwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "target_variant required")
		return
	}
	if req.TargetVariant != domain.VariantControl && req.TargetVariant != domain.VariantTest {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "target_variant must be control or test")
		return
	}
	trigger := req.Trigger
	if trigger == "" {
		trigger = domain.TriggerManual
	}

	entry, res, err := h.sched.ForceSwitch(c.Request.Context(), c.Param("id"), req.TargetVariant, trigger)
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "rotation slot not found")
		case errors.Is(err, scheduler.ErrSlotNotSwitchable):
			fail(c, http.StatusConflict, ErrCodeConflict, err.Error())
		case errors.Is(err, syncer.ErrValidation):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		case errors.Is(err, syncer.ErrIntegrity):
			fail(c, http.StatusBadGateway, ErrCodeSwitchFailed, err.Error())
		default:
			fail(c, http.StatusBadGateway, ErrCodeSwitchFailed, err.Error())
		}
		return
	}
	ok(c, http.StatusOK, SwitchResponse{Entry: entry, Result: res})
}
