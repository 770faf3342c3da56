package stats

import (
	"github.com/splitpix/go-splitpix-backend/internal/domain"
	"github.com/splitpix/go-splitpix-backend/internal/repo"
)

// VariantMetrics are the per-variant conversion metrics of one test.
// Rates guard the zero-denominator case explicitly: no impressions means a
// rate of 0, never NaN or Inf.
type VariantMetrics struct {
	Variant        string  `json:"variant"`
	Impressions    int64   `json:"impressions"`
	AddToCarts     int64   `json:"add_to_carts"`
	Purchases      int64   `json:"purchases"`
	Revenue        float64 `json:"revenue"`
	ConversionRate float64 `json:"conversion_rate"`
	AddToCartRate  float64 `json:"add_to_cart_rate"`
	CILower        float64 `json:"ci_lower"`
	CIUpper        float64 `json:"ci_upper"`
}

// Report is the complete statistics result for one test.
type Report struct {
	TestID  string         `json:"test_id"`
	Control VariantMetrics `json:"control"`
	Test    VariantMetrics `json:"test"`

	// Lift is (testRate - controlRate) / controlRate, 0 when the control
	// rate is 0.
	Lift float64 `json:"lift"`

	// Confidence is the two-proportion z-test confidence that the test
	// variant beats control on conversion rate; Significant when >= 0.95.
	Confidence  float64 `json:"confidence"`
	Significant bool    `json:"significant"`
}

// Compute builds a Report from the per-(variant, event type) rollup rows.
func Compute(testID string, rows []repo.VariantAggregate) *Report {
	control := VariantMetrics{Variant: domain.VariantControl}
	test := VariantMetrics{Variant: domain.VariantTest}

	for _, r := range rows {
		m := &control
		if r.AttributedVariant == domain.VariantTest {
			m = &test
		}
		switch r.EventType {
		case domain.EventImpression:
			m.Impressions += r.Count
		case domain.EventAddToCart:
			m.AddToCarts += r.Count
		case domain.EventPurchase:
			m.Purchases += r.Count
			m.Revenue += r.Revenue
		}
	}

	finalize(&control)
	finalize(&test)

	rep := &Report{
		TestID:     testID,
		Control:    control,
		Test:       test,
		Confidence: Significance(test.Purchases, test.Impressions, control.Purchases, control.Impressions),
	}
	if control.ConversionRate > 0 {
		rep.Lift = (test.ConversionRate - control.ConversionRate) / control.ConversionRate
	}
	rep.Significant = rep.Confidence >= 0.95
	return rep
}

func finalize(m *VariantMetrics) {
	if m.Impressions > 0 {
		m.ConversionRate = float64(m.Purchases) / float64(m.Impressions)
		m.AddToCartRate = float64(m.AddToCarts) / float64(m.Impressions)
	}
	m.CILower, m.CIUpper = WilsonInterval(m.Purchases, m.Impressions, 0.95)
}
