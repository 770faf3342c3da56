package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/splitpix/go-splitpix-backend/internal/domain"
	"github.com/splitpix/go-splitpix-backend/internal/repo"
	"github.com/splitpix/go-splitpix-backend/internal/scheduler"
	"github.com/splitpix/go-splitpix-backend/internal/services"
	syncer "github.com/splitpix/go-splitpix-backend/internal/sync"
)

type fakeSwitcher struct {
	err   error
	calls int
}

func (f *fakeSwitcher) Switch(ctx context.Context, slot *domain.RotationSlot, targetVariant string) (*syncer.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &syncer.Result{Uploaded: 1, Reused: 1}, nil
}

func newTestEnv(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("api_test_%d.db", time.Now().UnixNano()))
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

	h := New(
		services.NewRotationService(db),
		services.NewEventService(db),
		services.NewStatsService(db),
		scheduler.New(db, &fakeSwitcher{}, 5*time.Minute, 5),
	)

	r := gin.New()
	r.POST("/slots", h.CreateSlot)
	r.GET("/slots", h.ListSlots)
	r.GET("/slots/:id", h.GetSlot)
	r.PUT("/slots/:id/status", h.UpdateSlotStatus)
	r.PUT("/slots/:id/media", h.UpdateSlotMedia)
	r.GET("/slots/:id/history", h.SlotHistory)
	r.GET("/slots/:id/health", h.SlotHealth)
	r.POST("/slots/:id/switch", h.ForceSwitch)
	r.POST("/events", h.PostEvent)
	r.POST("/webhooks/orders", h.PostOrderWebhook)
	r.POST("/tests/:id/reconcile", h.ReconcileTest)
	r.GET("/tests/:id/stats", h.GetTestStats)
	r.GET("/tests/:id/report", h.GetTestReport)
	r.GET("/rotation-state", h.GetRotationState)
	r.POST("/scheduler/tick", h.SchedulerTick)
	return r, db
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func createSlotReq() map[string]any {
	return map[string]any{
		"shop_id":          "shop-1",
		"product_id":       "gid://shopify/Product/1001",
		"test_id":          "test-1",
		"interval_minutes": 60,
		"control_media":    []map[string]any{{"source_url": "https://cdn.example.com/a.jpg", "position": 1, "gallery": true}},
		"test_media":       []map[string]any{{"source_url": "https://cdn.example.com/b.jpg", "position": 1, "gallery": true}},
	}
}

func mustCreateSlot(t *testing.T, r *gin.Engine) domain.RotationSlot {
	t.Helper()
	w := doJSON(t, r, http.MethodPost, "/slots", createSlotReq(), nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create slot: status %d body %s", w.Code, w.Body.String())
	}
	var slot domain.RotationSlot
	if err := json.Unmarshal(w.Body.Bytes(), &slot); err != nil {
		t.Fatalf("decode slot: %v", err)
	}
	return slot
}

func TestCreateSlot_NormalizesAndConflicts(t *testing.T) {
	r, _ := newTestEnv(t)

	slot := mustCreateSlot(t, r)
	if slot.ProductID != "1001" {
		t.Fatalf("product id not normalized: %q", slot.ProductID)
	}

	// Same target again conflicts.
	w := doJSON(t, r, http.MethodPost, "/slots", createSlotReq(), nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	var er ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil || er.Code != ErrCodeConflict {
		t.Fatalf("unexpected error envelope: %s", w.Body.String())
	}
}

func TestCreateSlot_Validation(t *testing.T) {
	r, _ := newTestEnv(t)

	req := createSlotReq()
	req["product_id"] = "not-a-product"
	w := doJSON(t, r, http.MethodPost, "/slots", req, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad product id: got %d", w.Code)
	}

	req = createSlotReq()
	delete(req, "test_id")
	w = doJSON(t, r, http.MethodPost, "/slots", req, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing test id: got %d", w.Code)
	}
}

func TestListSlots_PaginationAndShopScope(t *testing.T) {
	r, _ := newTestEnv(t)
	mustCreateSlot(t, r)

	w := doJSON(t, r, http.MethodGet, "/slots?page=1&page_size=10", nil, map[string]string{"X-Shop-ID": "shop-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d %s", w.Code, w.Body.String())
	}
	var resp ListSlotsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Slots) != 1 || resp.Pagination.Total != 1 || resp.Pagination.HasNext {
		t.Fatalf("unexpected page: %+v", resp.Pagination)
	}

	// Foreign shop sees nothing.
	w = doJSON(t, r, http.MethodGet, "/slots", nil, map[string]string{"X-Shop-ID": "other"})
	var resp2 ListSlotsResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp2)
	if len(resp2.Slots) != 0 {
		t.Fatalf("foreign shop leaked slots: %d", len(resp2.Slots))
	}

	// No identity at all is a client error.
	w = doJSON(t, r, http.MethodGet, "/slots", nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing shop id: got %d", w.Code)
	}
}

func TestGetSlot_Errors(t *testing.T) {
	r, _ := newTestEnv(t)

	w := doJSON(t, r, http.MethodGet, "/slots/not-a-uuid", nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("malformed id: got %d", w.Code)
	}

	w = doJSON(t, r, http.MethodGet, "/slots/123e4567-e89b-42d3-a456-426614174000", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown id: got %d", w.Code)
	}
}

func TestUpdateSlotStatus(t *testing.T) {
	r, _ := newTestEnv(t)
	slot := mustCreateSlot(t, r)

	w := doJSON(t, r, http.MethodPut, "/slots/"+slot.ID+"/status", map[string]any{"status": "paused"}, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("pause: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodPut, "/slots/"+slot.ID+"/status", map[string]any{"status": "bogus"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bogus status: got %d", w.Code)
	}
}

func TestUpdateSlotMedia(t *testing.T) {
	r, _ := newTestEnv(t)
	slot := mustCreateSlot(t, r)

	body := map[string]any{
		"control_media": []map[string]any{{"source_url": "https://cdn.example.com/c2.jpg", "position": 1, "gallery": true}},
		"test_media":    []map[string]any{{"source_url": "https://cdn.example.com/t2.jpg", "position": 1, "gallery": true}},
	}
	w := doJSON(t, r, http.MethodPut, "/slots/"+slot.ID+"/media", body, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("update media: %d %s", w.Code, w.Body.String())
	}
}

func TestForceSwitch_FlowAndValidation(t *testing.T) {
	r, db := newTestEnv(t)
	slot := mustCreateSlot(t, r)

	w := doJSON(t, r, http.MethodPost, "/slots/"+slot.ID+"/switch", map[string]any{"target_variant": "test"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("switch: %d %s", w.Code, w.Body.String())
	}
	var resp SwitchResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Entry == nil || resp.Entry.SwitchedVariant != domain.VariantTest {
		t.Fatalf("unexpected entry: %+v", resp.Entry)
	}

	got, err := repo.GetSlot(context.Background(), db, slot.ID)
	if err != nil || got.ActiveVariant != domain.VariantTest {
		t.Fatalf("active variant not flipped: %+v err=%v", got, err)
	}

	w = doJSON(t, r, http.MethodPost, "/slots/"+slot.ID+"/switch", map[string]any{"target_variant": "purple"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad variant: got %d", w.Code)
	}

	// Paused slots cannot be claimed.
	if err := repo.UpdateSlotStatus(context.Background(), db, slot.ID, domain.SlotStatusPaused); err != nil {
		t.Fatalf("pause: %v", err)
	}
	w = doJSON(t, r, http.MethodPost, "/slots/"+slot.ID+"/switch", map[string]any{"target_variant": "control"}, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("paused slot switch: got %d", w.Code)
	}
}

func TestSlotHistoryAndHealth(t *testing.T) {
	r, _ := newTestEnv(t)
	slot := mustCreateSlot(t, r)

	// Write one ledger entry through the manual switch path.
	w := doJSON(t, r, http.MethodPost, "/slots/"+slot.ID+"/switch", map[string]any{"target_variant": "test"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("switch: %d", w.Code)
	}

	w = doJSON(t, r, http.MethodGet, "/slots/"+slot.ID+"/history", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("history: %d %s", w.Code, w.Body.String())
	}
	etag := w.Header().Get("ETag")
	if etag == "" || !strings.HasPrefix(etag, `W/"history:`) {
		t.Fatalf("missing weak etag: %q", etag)
	}
	var hist SlotHistoryResponse
	if err := json.Unmarshal(w.Body.Bytes(), &hist); err != nil || len(hist.History) != 1 {
		t.Fatalf("unexpected history: %s", w.Body.String())
	}

	// Conditional re-fetch.
	w = doJSON(t, r, http.MethodGet, "/slots/"+slot.ID+"/history", nil, map[string]string{"If-None-Match": etag})
	if w.Code != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", w.Code)
	}

	w = doJSON(t, r, http.MethodGet, "/slots/"+slot.ID+"/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health: %d", w.Code)
	}
	var health services.SlotHealth
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil || !health.Consistent {
		t.Fatalf("unexpected health: %s", w.Body.String())
	}
}

func TestPostEvent_RecordAndDedup(t *testing.T) {
	r, _ := newTestEnv(t)
	mustCreateSlot(t, r)

	ev := map[string]any{
		"test_id":    "test-1",
		"session_id": "sess-1",
		"event_type": "impression",
	}
	w := doJSON(t, r, http.MethodPost, "/events", ev, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("first impression: %d %s", w.Code, w.Body.String())
	}
	var resp EventResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Deduplicated || resp.Event.AttributedVariant != domain.VariantControl {
		t.Fatalf("unexpected response: %+v", resp)
	}

	// Replay within the same rotation window collapses.
	w = doJSON(t, r, http.MethodPost, "/events", ev, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("replay: %d %s", w.Code, w.Body.String())
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Deduplicated {
		t.Fatalf("replay not flagged as deduplicated")
	}
}

func TestPostEvent_Errors(t *testing.T) {
	r, _ := newTestEnv(t)
	mustCreateSlot(t, r)

	w := doJSON(t, r, http.MethodPost, "/events", map[string]any{"test_id": "test-1"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing fields: got %d", w.Code)
	}

	w = doJSON(t, r, http.MethodPost, "/events", map[string]any{
		"test_id": "nope", "session_id": "s", "event_type": "impression",
	}, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown test: got %d", w.Code)
	}

	w = doJSON(t, r, http.MethodPost, "/events", map[string]any{
		"test_id": "test-1", "session_id": "s", "event_type": "teleport",
	}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown type: got %d", w.Code)
	}
}

func TestOrderWebhook_Dedup(t *testing.T) {
	r, _ := newTestEnv(t)
	mustCreateSlot(t, r)

	order := map[string]any{
		"test_id":    "test-1",
		"session_id": "sess-9",
		"order_id":   "order-42",
		"revenue":    129.90,
	}
	w := doJSON(t, r, http.MethodPost, "/webhooks/orders", order, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("first delivery: %d %s", w.Code, w.Body.String())
	}

	// Webhook redelivery.
	w = doJSON(t, r, http.MethodPost, "/webhooks/orders", order, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("redelivery: %d %s", w.Code, w.Body.String())
	}
	var resp EventResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Deduplicated || resp.Event.Revenue != 129.90 {
		t.Fatalf("redelivery not collapsed onto first purchase: %+v", resp)
	}
}

func TestReconcile(t *testing.T) {
	r, _ := newTestEnv(t)
	mustCreateSlot(t, r)

	w := doJSON(t, r, http.MethodPost, "/tests/test-1/reconcile", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reconcile: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodPost, "/tests/nope/reconcile", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown test reconcile: got %d", w.Code)
	}
}

func TestGetTestStats_ETag(t *testing.T) {
	r, _ := newTestEnv(t)
	mustCreateSlot(t, r)

	doJSON(t, r, http.MethodPost, "/events", map[string]any{
		"test_id": "test-1", "session_id": "s1", "event_type": "impression",
	}, nil)

	w := doJSON(t, r, http.MethodGet, "/tests/test-1/stats", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats: %d %s", w.Code, w.Body.String())
	}
	etag := w.Header().Get("ETag")
	if !strings.HasPrefix(etag, `W/"stats:test-1:`) {
		t.Fatalf("missing stats etag: %q", etag)
	}

	w = doJSON(t, r, http.MethodGet, "/tests/test-1/stats", nil, map[string]string{"If-None-Match": etag})
	if w.Code != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", w.Code)
	}

	// New event invalidates the tag.
	doJSON(t, r, http.MethodPost, "/events", map[string]any{
		"test_id": "test-1", "session_id": "s2", "event_type": "impression",
	}, nil)
	w = doJSON(t, r, http.MethodGet, "/tests/test-1/stats", nil, map[string]string{"If-None-Match": etag})
	if w.Code != http.StatusOK {
		t.Fatalf("stale etag should miss, got %d", w.Code)
	}

	w = doJSON(t, r, http.MethodGet, "/tests/nope/stats", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown test stats: got %d", w.Code)
	}
}

func TestGetTestReport_PlainText(t *testing.T) {
	r, _ := newTestEnv(t)
	mustCreateSlot(t, r)

	w := doJSON(t, r, http.MethodGet, "/tests/test-1/report", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("report: %d %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type = %q", ct)
	}
	if !strings.Contains(w.Body.String(), "Test test-1") {
		t.Fatalf("report body missing header: %s", w.Body.String())
	}
}

func TestGetRotationState(t *testing.T) {
	r, _ := newTestEnv(t)
	mustCreateSlot(t, r)

	w := doJSON(t, r, http.MethodGet, "/rotation-state?product_id=gid%3A%2F%2Fshopify%2FProduct%2F1001", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("state: %d %s", w.Code, w.Body.String())
	}
	var state services.RotationState
	if err := json.Unmarshal(w.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if state.ActiveVariant != domain.VariantControl || len(state.ActiveMedia) != 1 {
		t.Fatalf("unexpected state: %+v", state)
	}

	w = doJSON(t, r, http.MethodGet, "/rotation-state", nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing product_id: got %d", w.Code)
	}

	w = doJSON(t, r, http.MethodGet, "/rotation-state?product_id=999999", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown product: got %d", w.Code)
	}
}

func TestSchedulerTick_Endpoint(t *testing.T) {
	r, db := newTestEnv(t)
	slot := mustCreateSlot(t, r)

	// Nothing due yet.
	w := doJSON(t, r, http.MethodPost, "/scheduler/tick", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("tick: %d %s", w.Code, w.Body.String())
	}
	var sum scheduler.TickSummary
	_ = json.Unmarshal(w.Body.Bytes(), &sum)
	if sum.Switched != 0 {
		t.Fatalf("nothing should be due: %+v", sum)
	}

	// Make the slot due and tick again.
	due := time.Now().UTC().Add(-time.Minute)
	if err := db.Model(&domain.RotationSlot{}).Where("id = ?", slot.ID).
		Update("next_switch_due_at", due).Error; err != nil {
		t.Fatalf("backdate: %v", err)
	}
	w = doJSON(t, r, http.MethodPost, "/scheduler/tick", nil, nil)
	_ = json.Unmarshal(w.Body.Bytes(), &sum)
	if sum.Switched != 1 {
		t.Fatalf("expected one switch: %+v body=%s", sum, w.Body.String())
	}
}
