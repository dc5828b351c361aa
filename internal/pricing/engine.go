// Package pricing implements the theoretical covered-call pricing engine.
//
// Given market inputs for a single strike it produces a Black-Scholes call
// premium and an annualised percentage rate that is directly comparable to
// the APR a venue quotes for the same strike. The engine is pure: no I/O,
// no state, safe for concurrent use from any number of goroutines.
package pricing

import (
	"errors"
	"fmt"
	"math"
)

// DaysPerYear is the day-count convention used for annualisation.
const DaysPerYear = 365.0

var (
	// ErrInvalidInput reports a malformed or out-of-domain numeric
	// parameter (non-positive spot/strike/contract size, non-finite
	// rate or time).
	ErrInvalidInput = errors.New("pricing: invalid input")

	// ErrMissingMarketData reports that a required market input,
	// notably implied volatility, is unavailable upstream. Callers mark
	// an unknown volatility as NaN.
	ErrMissingMarketData = errors.New("pricing: missing market data")

	// ErrDegenerateInput reports a mathematically undefined formula
	// instantiation: zero volatility with positive remaining time makes
	// the log-moneyness/vol ratio undefined. The engine rejects it
	// rather than guessing an intrinsic-value fallback.
	ErrDegenerateInput = errors.New("pricing: degenerate input")
)

// Request carries the market inputs for pricing one strike. Volatility set
// to NaN means the upstream provider could not supply a value.
type Request struct {
	Spot              float64
	Strike            float64
	TimeToExpiryYears float64
	RiskFreeRate      float64
	Volatility        float64
	ContractSize      float64
}

// Result is the derived pricing output. TheoreticalAPR is only meaningful
// when HasAPR is true; at or past expiry annualising a zero-duration
// return is undefined and HasAPR is false.
type Result struct {
	CallPrice      float64
	Premium        float64
	PeriodReturn   float64
	TheoreticalAPR float64
	HasAPR         bool
}

// DaysToExpiry converts a year fraction to calendar days without rounding,
// so that periodReturn*(365/days) and periodReturn/years agree exactly.
func DaysToExpiry(timeToExpiryYears float64) float64 {
	return timeToExpiryYears * DaysPerYear
}

// Price computes the theoretical call premium and annualised yield for the
// given request. It fails explicitly instead of returning NaN or Inf:
// ErrInvalidInput for out-of-domain parameters, ErrMissingMarketData for
// an unknown volatility and ErrDegenerateInput for zero volatility with
// positive remaining time.
func Price(req Request) (Result, error) {
	if err := validate(req); err != nil {
		return Result{}, err
	}

	if req.TimeToExpiryYears <= 0 {
		// No remaining optionality: the call is worth intrinsic value
		// and the APR of a zero-duration period is undefined.
		return derive(req, math.Max(req.Spot-req.Strike, 0), false), nil
	}

	if req.Volatility == 0 {
		return Result{}, fmt.Errorf("%w: zero volatility with %.6f years remaining", ErrDegenerateInput, req.TimeToExpiryYears)
	}

	sqrtT := math.Sqrt(req.TimeToExpiryYears)
	d1 := (math.Log(req.Spot/req.Strike) + (req.RiskFreeRate+0.5*req.Volatility*req.Volatility)*req.TimeToExpiryYears) / (req.Volatility * sqrtT)
	d2 := d1 - req.Volatility*sqrtT

	call := req.Spot*NormCDF(d1) - req.Strike*math.Exp(-req.RiskFreeRate*req.TimeToExpiryYears)*NormCDF(d2)
	if call < 0 {
		call = 0
	}

	return derive(req, call, true), nil
}

// derive scales the unit call price to a contract premium and a period
// return. The contract size cancels out of the return, but premium and
// return are both computed from it so the two reported values cannot drift
// apart through asymmetric rounding.
func derive(req Request, call float64, annualise bool) Result {
	premium := call * req.ContractSize
	periodReturn := premium / (req.ContractSize * req.Spot)

	res := Result{
		CallPrice:    call,
		Premium:      premium,
		PeriodReturn: periodReturn,
	}
	if annualise {
		res.TheoreticalAPR = periodReturn / req.TimeToExpiryYears
		res.HasAPR = true
	}
	return res
}

func validate(req Request) error {
	switch {
	case !(req.Spot > 0) || math.IsInf(req.Spot, 0):
		return fmt.Errorf("%w: spot must be positive, got %v", ErrInvalidInput, req.Spot)
	case !(req.Strike > 0) || math.IsInf(req.Strike, 0):
		return fmt.Errorf("%w: strike must be positive, got %v", ErrInvalidInput, req.Strike)
	case !(req.ContractSize > 0) || math.IsInf(req.ContractSize, 0):
		return fmt.Errorf("%w: contract size must be positive, got %v", ErrInvalidInput, req.ContractSize)
	case math.IsNaN(req.TimeToExpiryYears) || math.IsInf(req.TimeToExpiryYears, 0):
		return fmt.Errorf("%w: time to expiry must be finite, got %v", ErrInvalidInput, req.TimeToExpiryYears)
	case math.IsNaN(req.RiskFreeRate) || math.IsInf(req.RiskFreeRate, 0):
		return fmt.Errorf("%w: risk-free rate must be finite, got %v", ErrInvalidInput, req.RiskFreeRate)
	case math.IsNaN(req.Volatility):
		return fmt.Errorf("%w: volatility unavailable", ErrMissingMarketData)
	case req.Volatility < 0 || math.IsInf(req.Volatility, 0):
		return fmt.Errorf("%w: volatility must be a non-negative finite value, got %v", ErrInvalidInput, req.Volatility)
	}
	return nil
}
