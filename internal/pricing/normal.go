package pricing

import "math"

// Abramowitz & Stegun 26.2.17 coefficients. The rational approximation has
// an absolute error below 7.5e-8, which is the accuracy the rest of the
// application assumes when comparing theoretical APRs near a threshold.
const (
	cdfGamma = 0.2316419
	cdfA1    = 0.319381530
	cdfA2    = -0.356563782
	cdfA3    = 1.781477937
	cdfA4    = -1.821255978
	cdfA5    = 1.330274429
)

// NormCDF returns the cumulative distribution function of the standard
// normal distribution evaluated at x, using the Abramowitz & Stegun
// rational approximation. This specific approximation is the reference
// behaviour: callers that pin numeric results pin them against it.
func NormCDF(x float64) float64 {
	if math.IsNaN(x) {
		return math.NaN()
	}
	if x < 0 {
		return 1 - NormCDF(-x)
	}
	t := 1 / (1 + cdfGamma*x)
	poly := t * (cdfA1 + t*(cdfA2+t*(cdfA3+t*(cdfA4+t*cdfA5))))
	return 1 - normPDF(x)*poly
}

// normPDF returns the standard normal density at x.
func normPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
}
