package pricing

import (
	"errors"
	"math"
	"testing"
)

func validRequest() Request {
	return Request{
		Spot:              100,
		Strike:            110,
		TimeToExpiryYears: 0.25,
		RiskFreeRate:      0.04,
		Volatility:        0.5,
		ContractSize:      0.05,
	}
}

func TestPriceInvalidInput(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Request)
	}{
		{"zero spot", func(r *Request) { r.Spot = 0 }},
		{"negative spot", func(r *Request) { r.Spot = -100 }},
		{"nan spot", func(r *Request) { r.Spot = math.NaN() }},
		{"zero strike", func(r *Request) { r.Strike = 0 }},
		{"negative strike", func(r *Request) { r.Strike = -1 }},
		{"zero contract size", func(r *Request) { r.ContractSize = 0 }},
		{"negative contract size", func(r *Request) { r.ContractSize = -0.05 }},
		{"nan time", func(r *Request) { r.TimeToExpiryYears = math.NaN() }},
		{"infinite time", func(r *Request) { r.TimeToExpiryYears = math.Inf(1) }},
		{"nan rate", func(r *Request) { r.RiskFreeRate = math.NaN() }},
		{"infinite rate", func(r *Request) { r.RiskFreeRate = math.Inf(-1) }},
		{"negative volatility", func(r *Request) { r.Volatility = -0.2 }},
		{"infinite volatility", func(r *Request) { r.Volatility = math.Inf(1) }},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req := validRequest()
			c.mutate(&req)
			if _, err := Price(req); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestPriceMissingVolatility(t *testing.T) {
	req := validRequest()
	req.Volatility = math.NaN()
	if _, err := Price(req); !errors.Is(err, ErrMissingMarketData) {
		t.Fatalf("expected ErrMissingMarketData, got %v", err)
	}
}

// Zero volatility with positive remaining time is rejected. This pins the
// documented policy: the degenerate case fails instead of falling back to
// intrinsic value.
func TestPriceZeroVolatilityRejected(t *testing.T) {
	req := validRequest()
	req.Volatility = 0
	if _, err := Price(req); !errors.Is(err, ErrDegenerateInput) {
		t.Fatalf("expected ErrDegenerateInput, got %v", err)
	}
}

func TestPriceAtExpiryIntrinsic(t *testing.T) {
	req := Request{
		Spot:              100,
		Strike:            90,
		TimeToExpiryYears: 0,
		RiskFreeRate:      0.04,
		Volatility:        0.3,
		ContractSize:      0.5,
	}
	res, err := Price(req)
	if err != nil {
		t.Fatalf("Price failed: %v", err)
	}
	if res.CallPrice != 10 {
		t.Errorf("call price = %v, want exactly 10", res.CallPrice)
	}
	if res.HasAPR {
		t.Error("APR reported for a zero-duration period, want undefined")
	}
	if res.Premium != 10*req.ContractSize {
		t.Errorf("premium = %v, want %v", res.Premium, 10*req.ContractSize)
	}
}

func TestPricePastExpiryOutOfTheMoney(t *testing.T) {
	req := validRequest()
	req.TimeToExpiryYears = -0.01
	req.Spot = 80
	req.Strike = 90
	res, err := Price(req)
	if err != nil {
		t.Fatalf("Price failed: %v", err)
	}
	if res.CallPrice != 0 {
		t.Errorf("call price = %v, want 0 for expired OTM option", res.CallPrice)
	}
	if res.HasAPR {
		t.Error("APR reported past expiry, want undefined")
	}
}

func TestPriceArbitrageBounds(t *testing.T) {
	for _, spot := range []float64{50, 100, 3500, 118437} {
		for _, moneyness := range []float64{0.7, 0.9, 1.0, 1.1, 1.5} {
			for _, sigma := range []float64{0.1, 0.4, 0.9} {
				req := Request{
					Spot:              spot,
					Strike:            spot * moneyness,
					TimeToExpiryYears: 0.1,
					RiskFreeRate:      0.04,
					Volatility:        sigma,
					ContractSize:      0.05,
				}
				res, err := Price(req)
				if err != nil {
					t.Fatalf("Price(%+v) failed: %v", req, err)
				}
				if res.CallPrice < 0 || res.CallPrice > spot {
					t.Errorf("call price %v violates 0 <= c <= spot for %+v", res.CallPrice, req)
				}
			}
		}
	}
}

func TestPriceContinuityAtExpiry(t *testing.T) {
	req := validRequest()
	req.Spot = 100
	req.Strike = 90
	req.TimeToExpiryYears = 1e-9
	res, err := Price(req)
	if err != nil {
		t.Fatalf("Price failed: %v", err)
	}
	intrinsic := math.Max(req.Spot-req.Strike, 0)
	if math.Abs(res.CallPrice-intrinsic) > 1e-4 {
		t.Errorf("call price %v does not approach intrinsic %v as t -> 0+", res.CallPrice, intrinsic)
	}
}

func TestPriceMonotonicInVolatility(t *testing.T) {
	req := validRequest()
	prev := -1.0
	for sigma := 0.1; sigma <= 1.5; sigma += 0.1 {
		req.Volatility = sigma
		res, err := Price(req)
		if err != nil {
			t.Fatalf("Price failed at sigma=%v: %v", sigma, err)
		}
		if res.CallPrice < prev {
			t.Fatalf("call price decreased in volatility at sigma=%v: %v < %v", sigma, res.CallPrice, prev)
		}
		prev = res.CallPrice
	}
}

func TestPriceMonotonicInTime(t *testing.T) {
	req := validRequest()
	prev := -1.0
	for _, years := range []float64{0.02, 0.05, 0.1, 0.25, 0.5, 1} {
		req.TimeToExpiryYears = years
		res, err := Price(req)
		if err != nil {
			t.Fatalf("Price failed at t=%v: %v", years, err)
		}
		if res.CallPrice < prev {
			t.Fatalf("call price decreased in time at t=%v: %v < %v", years, res.CallPrice, prev)
		}
		prev = res.CallPrice
	}
}

func TestPriceNonIncreasingInStrike(t *testing.T) {
	req := validRequest()
	prev := math.Inf(1)
	for _, strike := range []float64{80, 90, 100, 110, 130, 160} {
		req.Strike = strike
		res, err := Price(req)
		if err != nil {
			t.Fatalf("Price failed at strike=%v: %v", strike, err)
		}
		if res.CallPrice > prev {
			t.Fatalf("call price increased in strike at k=%v: %v > %v", strike, res.CallPrice, prev)
		}
		prev = res.CallPrice
	}
}

func TestPriceAPRIndependentOfContractSize(t *testing.T) {
	small := validRequest()
	small.ContractSize = 0.05
	large := validRequest()
	large.ContractSize = 0.5

	resSmall, err := Price(small)
	if err != nil {
		t.Fatalf("Price failed: %v", err)
	}
	resLarge, err := Price(large)
	if err != nil {
		t.Fatalf("Price failed: %v", err)
	}

	diff := math.Abs(resSmall.TheoreticalAPR - resLarge.TheoreticalAPR)
	if diff > 1e-12*math.Abs(resSmall.TheoreticalAPR) {
		t.Errorf("APR depends on contract size: %v vs %v", resSmall.TheoreticalAPR, resLarge.TheoreticalAPR)
	}
	if resSmall.Premium == resLarge.Premium {
		t.Error("premiums for different contract sizes should differ")
	}
}

func TestPriceScenarioETH(t *testing.T) {
	res, err := Price(Request{
		Spot:              3500,
		Strike:            3600,
		TimeToExpiryYears: 0.079,
		RiskFreeRate:      0.04,
		Volatility:        0.6,
		ContractSize:      0.5,
	})
	if err != nil {
		t.Fatalf("Price failed: %v", err)
	}
	if !res.HasAPR {
		t.Fatal("expected a defined APR")
	}
	if math.IsNaN(res.TheoreticalAPR) || math.IsInf(res.TheoreticalAPR, 0) || res.TheoreticalAPR <= 0 {
		t.Errorf("APR = %v, want finite positive", res.TheoreticalAPR)
	}
	if res.CallPrice >= 3500 {
		t.Errorf("call price = %v, want below spot", res.CallPrice)
	}
}

func TestPriceScenarioBTC(t *testing.T) {
	const (
		spot         = 118437.0
		contractSize = 0.05
		years        = 0.0837
	)
	res, err := Price(Request{
		Spot:              spot,
		Strike:            124000,
		TimeToExpiryYears: years,
		RiskFreeRate:      0.04,
		Volatility:        0.3149,
		ContractSize:      contractSize,
	})
	if err != nil {
		t.Fatalf("Price failed: %v", err)
	}
	if res.CallPrice <= 0 {
		t.Fatalf("call price = %v, want > 0", res.CallPrice)
	}
	if res.Premium != res.CallPrice*contractSize {
		t.Errorf("premium = %v, want callPrice*contractSize = %v", res.Premium, res.CallPrice*contractSize)
	}
	wantAPR := (res.Premium / (contractSize * spot)) / years
	if res.TheoreticalAPR != wantAPR {
		t.Errorf("APR = %v, want %v", res.TheoreticalAPR, wantAPR)
	}
}

// The day-count helper must not round to whole days: annualising through
// periodReturn*(365/days) has to agree with periodReturn/years.
func TestPriceAnnualisationAgreesWithDayCount(t *testing.T) {
	req := validRequest()
	req.TimeToExpiryYears = 0.0837
	res, err := Price(req)
	if err != nil {
		t.Fatalf("Price failed: %v", err)
	}
	days := DaysToExpiry(req.TimeToExpiryYears)
	viaDays := res.PeriodReturn * (DaysPerYear / days)
	if math.Abs(viaDays-res.TheoreticalAPR) > 1e-12*math.Abs(res.TheoreticalAPR) {
		t.Errorf("annualisation mismatch: via days %v, direct %v", viaDays, res.TheoreticalAPR)
	}
}
