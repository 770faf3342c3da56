// Package services – StatsService
//
// This file implements StatsService, which turns a test's attributed events
// into the per-variant statistics report and a localized plain-text summary
// for operators.
package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/splitpix/go-splitpix-backend/internal/repo"
	"github.com/splitpix/go-splitpix-backend/internal/stats"
)

// StatsService computes conversion statistics for a test.
type StatsService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB

	// ReportLocale controls number formatting in the text report.
	ReportLocale language.Tag
}

// NewStatsService constructs a StatsService with sane defaults.
func NewStatsService(db *gorm.DB) *StatsService {
	return &StatsService{DB: db, ReportLocale: language.English}
}

// Summary computes the statistics report for a test from the stored events.
// A test with a slot but no events yields a zeroed report, not an error.
func (s *StatsService) Summary(ctx context.Context, testID string) (*stats.Report, error) {
	tr := otel.Tracer("services/StatsService")
	ctx, span := tr.Start(ctx, "Summary",
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

	rows, err := repo.AggregateByVariant(ctx, s.DB, testID)
	if err != nil {
		return nil, err
	}
	return stats.Compute(testID, rows), nil
}

// Version returns a cheap change marker for a test's event set, suitable for
// ETag generation: it moves whenever a row is added or corrected.
func (s *StatsService) Version(ctx context.Context, testID string) (string, error) {
	count, maxUpdated, err := repo.TestEventsStats(ctx, s.DB, testID)
	if err != nil {
		return "", err
	}
	if maxUpdated == nil {
		return fmt.Sprintf("%d-0", count), nil
	}
	return fmt.Sprintf("%d-%d", count, maxUpdated.UnixNano()), nil
}

// TextReport renders the statistics report as a localized plain-text summary.
func (s *StatsService) TextReport(ctx context.Context, testID string) (string, error) {
	rep, err := s.Summary(ctx, testID)
	if err != nil {
		return "", err
	}

	locale := s.ReportLocale
	if locale == language.Und {
		locale = language.English
	}
	p := message.NewPrinter(locale)

	var b strings.Builder
	p.Fprintf(&b, "Test %s as of %s\n\n", rep.TestID, time.Now().UTC().Format("2006-01-02 15:04 MST"))
	writeVariantLines(p, &b, &rep.Control)
	writeVariantLines(p, &b, &rep.Test)

	p.Fprintf(&b, "Lift (test vs control): %+.1f%%\n", rep.Lift*100)
	p.Fprintf(&b, "Confidence: %.1f%%", rep.Confidence*100)
	if rep.Significant {
		p.Fprintf(&b, " (significant)")
	} else {
		p.Fprintf(&b, " (not significant)")
	}
	b.WriteString("\n")
	return b.String(), nil
}

func writeVariantLines(p *message.Printer, b *strings.Builder, m *stats.VariantMetrics) {
	p.Fprintf(b, "%s:\n", strings.ToUpper(m.Variant))
	p.Fprintf(b, "  impressions:   %d\n", m.Impressions)
	p.Fprintf(b, "  add-to-carts:  %d (%.2f%%)\n", m.AddToCarts, m.AddToCartRate*100)
	p.Fprintf(b, "  purchases:     %d (%.2f%%)\n", m.Purchases, m.ConversionRate*100)
	p.Fprintf(b, "  revenue:       %.2f\n", m.Revenue)
	p.Fprintf(b, "  conversion CI: [%.2f%%, %.2f%%]\n\n", m.CILower*100, m.CIUpper*100)
}
