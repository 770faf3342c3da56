// Event HTTP handlers.
//
// This file exposes the ingestion surface:
//   - POST /events                  (storefront pixel events)
//   - POST /webhooks/orders         (order webhook, mapped to a purchase event)
//   - POST /tests/{id}/reconcile    (re-derive attribution from the ledger)
//
// Ingestion is idempotent at the domain level: duplicate impressions within a
// rotation window, repeat purchases for the same order ID, and repeated
// orderless purchases per session all resolve to the first stored event. The
// response carries a `deduplicated` flag so callers can tell a fresh record
// from a replay.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/splitpix/go-splitpix-backend/internal/domain"
	"github.com/splitpix/go-splitpix-backend/internal/services"
)

// EventRequest is the JSON payload accepted by POST /events.
type EventRequest struct {
	TestID    string `json:"test_id" binding:"required"`
	SessionID string `json:"session_id" binding:"required"`
	EventType string `json:"event_type" binding:"required"`
	// OccurredAt is optional; the server clock is used when absent.
	OccurredAt *time.Time `json:"occurred_at,omitempty"`
	ProductID  string     `json:"product_id,omitempty"`
	VariantID  *string    `json:"variant_id,omitempty"`
	// ActiveCase is the client's belief about the variant it saw. It is
	// stored for diagnostics but never trusted for attribution.
	ActiveCase string  `json:"active_case,omitempty"`
	Revenue    float64 `json:"revenue,omitempty"`
	Quantity   int     `json:"quantity,omitempty"`
	OrderID    *string `json:"order_id,omitempty"`
}

// OrderWebhookRequest is the JSON payload accepted by POST /webhooks/orders.
type OrderWebhookRequest struct {
	TestID    string     `json:"test_id" binding:"required"`
	SessionID string     `json:"session_id" binding:"required"`
	ProductID string     `json:"product_id,omitempty"`
	VariantID *string    `json:"variant_id,omitempty"`
	OrderID   string     `json:"order_id" binding:"required"`
	Revenue   float64    `json:"revenue"`
	Quantity  int        `json:"quantity,omitempty"`
	PaidAt    *time.Time `json:"paid_at,omitempty"`
}

// EventResponse wraps a stored (or deduplicated) event.
type EventResponse struct {
	Event        *domain.ABTestEvent `json:"event"`
	Deduplicated bool                `json:"deduplicated"`
}

// failEventErr maps event service errors onto the HTTP error taxonomy.
func failEventErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrTestNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "unknown test id")
	case errors.Is(err, services.ErrInvalidEvent),
		errors.Is(err, services.ErrInvalidProductID):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	default:
		fail(c, http.StatusInternalServerError, ErrCodeIngestFailed, err.Error())
	}
}

// PostEvent ingests one customer event. Returns 201 for a newly stored event
// and 200 with deduplicated=true when the event resolves to a prior record.
func (h *Handlers) PostEvent(c *gin.Context) {
	var req EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "test_id, session_id and event_type are required")
		return
	}

	in := services.EventInput{
		TestID:     req.TestID,
		SessionID:  req.SessionID,
		EventType:  req.EventType,
		ProductID:  req.ProductID,
		VariantID:  req.VariantID,
		ActiveCase: req.ActiveCase,
		Revenue:    req.Revenue,
		Quantity:   req.Quantity,
		OrderID:    req.OrderID,
	}
	if req.OccurredAt != nil {
		in.OccurredAt = *req.OccurredAt
	}

	ev, deduped, err := h.eventSvc.Record(c.Request.Context(), in)
	if err != nil {
		failEventErr(c, err)
		return
	}

	status := http.StatusCreated
	if deduped {
		status = http.StatusOK
	}
	ok(c, status, EventResponse{Event: ev, Deduplicated: deduped})
}

// PostOrderWebhook ingests an order notification as a purchase event. Order
// webhooks are delivered at-least-once; replays collapse onto the first
// stored purchase for the order ID.
func (h *Handlers) PostOrderWebhook(c *gin.Context) {
	var req OrderWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "test_id, session_id and order_id are required")
		return
	}

	in := services.OrderInput{
		TestID:    req.TestID,
		SessionID: req.SessionID,
		ProductID: req.ProductID,
		VariantID: req.VariantID,
		OrderID:   req.OrderID,
		Revenue:   req.Revenue,
		Quantity:  req.Quantity,
	}
	if req.PaidAt != nil {
		in.PaidAt = *req.PaidAt
	}

	ev, deduped, err := h.eventSvc.RecordOrder(c.Request.Context(), in)
	if err != nil {
		failEventErr(c, err)
		return
	}

	status := http.StatusCreated
	if deduped {
		status = http.StatusOK
	}
	ok(c, status, EventResponse{Event: ev, Deduplicated: deduped})
}

// ReconcileTest re-derives attribution for every stored event of a test from
// the rotation ledger and reports how many rows were corrected.
func (h *Handlers) ReconcileTest(c *gin.Context) {
	summary, err := h.eventSvc.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		failEventErr(c, err)
		return
	}
	ok(c, http.StatusOK, summary)
}
