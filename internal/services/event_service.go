// Package services – EventService
//
// This file implements EventService, the application-level component that
// owns event ingestion and attribution. It validates raw events, resolves
// the slot the event belongs to, derives the authoritative variant from the
// rotation ledger at the event's occurrence time, and applies the per-type
// deduplication rules before persisting.
//
// Duplicates are not errors: the caller gets the stored event back together
// with a dedup flag so the tracking client can treat the submission as
// accepted.
//
// Observability: public methods are OpenTelemetry-instrumented and ingestion
// outcomes are counted per event type.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/splitpix/go-splitpix-backend/internal/domain"
	"github.com/splitpix/go-splitpix-backend/internal/repo"
)

var eventsIngested = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "splitpix",
		Name:      "events_ingested_total",
		Help:      "Ingested events by type and outcome.",
	},
	[]string{"type", "outcome"},
)

func init() {
	prometheus.MustRegister(eventsIngested)
}

// EventService ingests raw events and keeps their attribution aligned with
// the rotation ledger.
type EventService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB

	// ReconcilePageSize bounds how many events one reconciliation page
	// loads.
	ReconcilePageSize int
}

// NewEventService constructs an EventService with sane defaults.
func NewEventService(db *gorm.DB) *EventService {
	return &EventService{DB: db, ReconcilePageSize: 500}
}

// EventInput is one raw event as reported by the tracking client or the
// order webhook.
type EventInput struct {
	TestID    string
	SessionID string
	EventType string

	OccurredAt time.Time
	ProductID  string
	VariantID  *string

	// ActiveCase is the variant the capturing client believed was active.
	// Kept as a diagnostic only; attribution comes from the ledger.
	ActiveCase string

	Revenue  float64
	Quantity int
	OrderID  *string
}

// Record validates, attributes and persists one event. The returned flag
// reports whether the event was collapsed onto an already stored one under
// the dedup rules.
func (s *EventService) Record(ctx context.Context, in EventInput) (*domain.ABTestEvent, bool, error) {
	tr := otel.Tracer("services/EventService")
	ctx, span := tr.Start(ctx, "Record",
		trace.WithAttributes(
			attribute.String("test.id", in.TestID),
			attribute.String("event.type", in.EventType),
		),
	)
	defer span.End()

	if err := s.validate(&in); err != nil {
		eventsIngested.WithLabelValues(in.EventType, "rejected").Inc()
		return nil, false, err
	}

	slot, err := repo.LookupSlotForEvent(ctx, s.DB, in.TestID, in.VariantID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		eventsIngested.WithLabelValues(in.EventType, "rejected").Inc()
		return nil, false, ErrTestNotFound
	}
	if err != nil {
		return nil, false, err
	}

	attributed, err := repo.VariantAt(ctx, s.DB, slot, in.OccurredAt)
	if err != nil {
		return nil, false, err
	}

	// Pre-insert dedup per event type. Add-to-cart is never deduplicated.
	switch in.EventType {
	case domain.EventImpression:
		if prior, err := repo.FindImpression(ctx, s.DB, in.TestID, in.SessionID, attributed); err == nil {
			eventsIngested.WithLabelValues(in.EventType, "deduplicated").Inc()
			return prior, true, nil
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, err
		}
	case domain.EventPurchase:
		if in.OrderID == nil {
			if prior, err := repo.FindPurchaseBySession(ctx, s.DB, in.TestID, in.SessionID); err == nil {
				eventsIngested.WithLabelValues(in.EventType, "deduplicated").Inc()
				return prior, true, nil
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, false, err
			}
		}
	}

	e := &domain.ABTestEvent{
		TestID:              in.TestID,
		SessionID:           in.SessionID,
		EventType:           in.EventType,
		OccurredAt:          in.OccurredAt,
		ProductID:           in.ProductID,
		VariantID:           in.VariantID,
		ActiveCaseAtCapture: in.ActiveCase,
		AttributedVariant:   attributed,
		Revenue:             in.Revenue,
		Quantity:            in.Quantity,
		OrderID:             in.OrderID,
	}
	if err := repo.InsertEvent(ctx, s.DB, e); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			// A concurrent writer (webhook vs pixel, HTTP vs the stream
			// consumer) stored its row between the pre-insert check and the
			// insert; the first stored row wins.
			prior, ferr := s.storedDuplicate(ctx, &in, attributed)
			if ferr != nil {
				return nil, false, ferr
			}
			eventsIngested.WithLabelValues(in.EventType, "deduplicated").Inc()
			return prior, true, nil
		}
		return nil, false, err
	}

	eventsIngested.WithLabelValues(in.EventType, "recorded").Inc()
	return e, false, nil
}

// storedDuplicate fetches the event a rejected insert collided with, per the
// unique index that fired: order id for order-bearing purchases, session for
// orderless purchases, the attribution window for impressions.
func (s *EventService) storedDuplicate(ctx context.Context, in *EventInput, attributed string) (*domain.ABTestEvent, error) {
	switch {
	case in.EventType == domain.EventImpression:
		return repo.FindImpression(ctx, s.DB, in.TestID, in.SessionID, attributed)
	case in.OrderID != nil:
		return repo.FindPurchaseByOrder(ctx, s.DB, *in.OrderID)
	default:
		return repo.FindPurchaseBySession(ctx, s.DB, in.TestID, in.SessionID)
	}
}

// OrderInput is the subset of an order-paid webhook the engine cares about.
type OrderInput struct {
	TestID    string
	SessionID string
	ProductID string
	VariantID *string
	OrderID   string
	Revenue   float64
	Quantity  int
	PaidAt    time.Time
}

// RecordOrder maps an order-paid webhook onto a purchase event. The order id
// is mandatory here; it is what collapses webhook and pixel double reports.
func (s *EventService) RecordOrder(ctx context.Context, in OrderInput) (*domain.ABTestEvent, bool, error) {
	orderID := strings.TrimSpace(in.OrderID)
	if orderID == "" {
		return nil, false, fmt.Errorf("%w: order id required", ErrInvalidEvent)
	}
	return s.Record(ctx, EventInput{
		TestID:     in.TestID,
		SessionID:  in.SessionID,
		EventType:  domain.EventPurchase,
		OccurredAt: in.PaidAt,
		ProductID:  in.ProductID,
		VariantID:  in.VariantID,
		Revenue:    in.Revenue,
		Quantity:   in.Quantity,
		OrderID:    &orderID,
	})
}

// ReconcileSummary reports what one reconciliation pass did.
type ReconcileSummary struct {
	TestID    string `json:"test_id"`
	Scanned   int    `json:"scanned"`
	Corrected int    `json:"corrected"`
}

// Reconcile re-derives the attributed variant of every stored event of a
// test from the ledger and applies corrective updates where the stored label
// diverged (late-arriving events, or events ingested before a delayed ledger
// write). The pass is idempotent.
func (s *EventService) Reconcile(ctx context.Context, testID string) (*ReconcileSummary, error) {
	tr := otel.Tracer("services/EventService")
	ctx, span := tr.Start(ctx, "Reconcile",
		trace.WithAttributes(attribute.String("test.id", testID)),
	)
	defer span.End()

	exists, err := repo.TestHasSlots(ctx, s.DB, testID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrTestNotFound
	}

	pageSize := s.ReconcilePageSize
	if pageSize <= 0 {
		pageSize = 500
	}

	sum := &ReconcileSummary{TestID: testID}
	slots := map[string]*domain.RotationSlot{}

	for offset := 0; ; offset += pageSize {
		events, err := repo.ListEventsPage(ctx, s.DB, testID, offset, pageSize)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			break
		}

		for i := range events {
			e := &events[i]
			sum.Scanned++

			key := ""
			if e.VariantID != nil {
				key = *e.VariantID
			}
			slot, ok := slots[key]
			if !ok {
				slot, err = repo.LookupSlotForEvent(ctx, s.DB, testID, e.VariantID)
				if err != nil {
					if errors.Is(err, gorm.ErrRecordNotFound) {
						continue
					}
					return nil, err
				}
				slots[key] = slot
			}

			want, err := repo.VariantAt(ctx, s.DB, slot, e.OccurredAt)
			if err != nil {
				return nil, err
			}
			if want == e.AttributedVariant {
				continue
			}
			if err := repo.UpdateEventAttribution(ctx, s.DB, e.ID, want); err != nil {
				if errors.Is(err, repo.ErrDuplicate) {
					// The corrected label would collide with an already
					// stored row for the same window; that row stands.
					log.Warn().
						Str("test_id", testID).
						Str("event_id", e.ID).
						Msg("reconcile correction collides with a stored duplicate")
					continue
				}
				return nil, err
			}
			sum.Corrected++
		}

		if len(events) < pageSize {
			break
		}
	}

	if sum.Corrected > 0 {
		log.Info().
			Str("test_id", testID).
			Int("scanned", sum.Scanned).
			Int("corrected", sum.Corrected).
			Msg("attribution reconciliation applied corrections")
	}
	return sum, nil
}

// validate normalizes and checks one input in place.
func (s *EventService) validate(in *EventInput) error {
	in.TestID = strings.TrimSpace(in.TestID)
	in.SessionID = strings.TrimSpace(in.SessionID)
	if in.TestID == "" || in.SessionID == "" {
		return fmt.Errorf("%w: test id and session id required", ErrInvalidEvent)
	}

	switch in.EventType {
	case domain.EventImpression, domain.EventAddToCart, domain.EventPurchase:
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, in.EventType)
	}

	productID, err := NormalizeProductID(in.ProductID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidEvent, in.ProductID)
	}
	in.ProductID = productID
	if in.VariantID, err = normalizeOptionalVariantID(in.VariantID); err != nil {
		return fmt.Errorf("%w: bad variant id", ErrInvalidEvent)
	}

	if in.OccurredAt.IsZero() {
		in.OccurredAt = time.Now().UTC()
	} else {
		in.OccurredAt = in.OccurredAt.UTC()
	}

	if in.EventType == domain.EventPurchase {
		if in.Revenue < 0 {
			return fmt.Errorf("%w: negative revenue", ErrInvalidEvent)
		}
		if in.Quantity <= 0 {
			in.Quantity = 1
		}
	} else {
		// Only purchases carry money fields.
		in.Revenue = 0
		in.Quantity = 1
		in.OrderID = nil
	}
	return nil
}
