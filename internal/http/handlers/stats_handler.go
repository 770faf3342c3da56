// Statistics and rotation-state HTTP handlers.
//
// Endpoints:
//   - GET  /tests/{id}/stats    (per-variant rollup with significance, ETag)
//   - GET  /tests/{id}/report   (plain-text, locale-aware report)
//   - GET  /rotation-state      (storefront lookup of the active variant)
//   - POST /scheduler/tick      (run one scheduler pass, for external cron)
//
// The stats endpoint supports conditional requests: the ETag is derived from
// the event count and the newest event timestamp, so polling dashboards get
// 304 Not Modified until new events arrive.
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/splitpix/go-splitpix-backend/internal/services"
)

// GetTestStats returns the per-variant statistics report for a test.
func (h *Handlers) GetTestStats(c *gin.Context) {
	ctx := c.Request.Context()
	testID := c.Param("id")

	// ETag pre-check. Version is cheap (one aggregate query) relative to
	// the full rollup.
	if version, err := h.statsSvc.Version(ctx, testID); err == nil {
		etag := fmt.Sprintf(`W/"stats:%s:%s"`, testID, version)
		c.Header("ETag", etag)
		if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
			c.Status(http.StatusNotModified)
			return
		}
	} else if errors.Is(err, services.ErrTestNotFound) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "unknown test id")
		return
	}

	report, err := h.statsSvc.Summary(ctx, testID)
	if err != nil {
		if errors.Is(err, services.ErrTestNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "unknown test id")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeStatsFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, report)
}

// GetTestReport returns a human-readable plain-text report for a test.
func (h *Handlers) GetTestReport(c *gin.Context) {
	text, err := h.statsSvc.TextReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, services.ErrTestNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "unknown test id")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeStatsFailed, err.Error())
		return
	}
	c.String(http.StatusOK, text)
}

// GetRotationState resolves the slot governing a product (or product
// variant) and returns the currently active variant and media set. This is
// the endpoint storefront pixels poll, so it accepts both plain numeric IDs
// and gid:// references.
func (h *Handlers) GetRotationState(c *gin.Context) {
	productRef := strings.TrimSpace(c.Query("product_id"))
	if productRef == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "product_id query parameter required")
		return
	}
	var variantRef *string
	if v := strings.TrimSpace(c.Query("variant_id")); v != "" {
		variantRef = &v
	}

	state, err := h.rotationSvc.State(c.Request.Context(), productRef, variantRef)
	if err != nil {
		failSlotErr(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, state)
}

// SchedulerTick runs one scheduler pass over all due slots and returns the
// tick summary. Intended for external cron or operator use.
func (h *Handlers) SchedulerTick(c *gin.Context) {
	summary, err := h.sched.Tick(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeSwitchFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, summary)
}
