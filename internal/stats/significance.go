package stats

import "math"

// Significance performs a two-proportion z-test and returns the confidence
// (0..1) that the first variant's conversion rate beats the second's.
// Missing data on either side yields 0.5: no evidence either way.
func Significance(aConv, aTrials, bConv, bTrials int64) float64 {
	if aTrials == 0 || bTrials == 0 {
		return 0.5
	}

	pA := float64(aConv) / float64(aTrials)
	pB := float64(bConv) / float64(bTrials)

	// Pooled proportion under the null hypothesis pA == pB.
	pooled := float64(aConv+bConv) / float64(aTrials+bTrials)
	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(aTrials) + 1/float64(bTrials)))
	if se == 0 {
		switch {
		case pA > pB:
			return 1.0
		case pA < pB:
			return 0.0
		default:
			return 0.5
		}
	}

	z := (pA - pB) / se
	return normalCDF(z)
}

// normalCDF approximates the standard normal cumulative distribution
// function (Abramowitz & Stegun 7.1.26).
func normalCDF(x float64) float64 {
	a1 := 0.254829592
	a2 := -0.284496736
	a3 := 1.421413741
	a4 := -1.453152027
	a5 := 1.061405429
	p := 0.3275911

	sign := 1.0
	if x < 0 {
		sign = -1.0
	}
	x = math.Abs(x) / math.Sqrt2

	t := 1.0 / (1.0 + p*x)
	y := 1.0 - (((((a5*t+a4)*t)+a3)*t+a2)*t+a1)*t*math.Exp(-x*x)

	return 0.5 * (1.0 + sign*y)
}
