// Registers:
//
//	#YieldFlow_scan_rows_total
//	#YieldFlow_price_success_total
//	#YieldFlow_price_errors_total
//	#YieldFlow_quote_fetch_errors_total
//	#YieldFlow_market_data_age_seconds
//	#go_* and process_* system metrics
//
// Exposes them on the configured address using the Prometheus HTTP handler
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once             sync.Once
	scanRows         *prometheus.CounterVec
	priceSuccess     *prometheus.CounterVec
	priceErrors      *prometheus.CounterVec
	quoteFetchErrors *prometheus.CounterVec
	marketDataAge    *prometheus.GaugeVec
)

func Init(address string) {
	once.Do(func() {
		scanRows = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "YieldFlow_scan_rows_total",
				Help: "Number of per-strike scan rows produced",
			},
			[]string{"asset"},
		)

		priceSuccess = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "YieldFlow_price_success_total",
				Help: "Number of successful theoretical pricing computations",
			},
			[]string{"asset"},
		)

		priceErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "YieldFlow_price_errors_total",
				Help: "Number of failed pricing computations by reason",
			},
			[]string{"asset", "reason"},
		)

		quoteFetchErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "YieldFlow_quote_fetch_errors_total",
				Help: "Number of failed quote list fetches",
			},
			[]string{"asset"},
		)

		marketDataAge = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "YieldFlow_market_data_age_seconds",
				Help: "Age of the cached market data snapshot used for the last scan",
			},
			[]string{"asset"},
		)

		_ = prometheus.Register(scanRows)
		_ = prometheus.Register(priceSuccess)
		_ = prometheus.Register(priceErrors)
		_ = prometheus.Register(quoteFetchErrors)
		_ = prometheus.Register(marketDataAge)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		if address == "" {
			address = "0.0.0.0:2112"
		}

		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(address, nil); err != nil {
				panic("metrics server failed: " + err.Error())
			}
		}()
	})
}

// IncrementScanRow increases the scan row counter for a given asset.
func IncrementScanRow(asset string) {
	if scanRows != nil {
		scanRows.WithLabelValues(asset).Inc()
	}
}

// IncrementPriceSuccess increases the pricing success counter for a given asset.
func IncrementPriceSuccess(asset string) {
	if priceSuccess != nil {
		priceSuccess.WithLabelValues(asset).Inc()
	}
}

// IncrementPriceError increases the pricing error counter for a given asset
// and failure reason.
func IncrementPriceError(asset, reason string) {
	if priceErrors != nil {
		priceErrors.WithLabelValues(asset, reason).Inc()
	}
}

// IncrementQuoteFetchError increases the quote fetch error counter.
func IncrementQuoteFetchError(asset string) {
	if quoteFetchErrors != nil {
		quoteFetchErrors.WithLabelValues(asset).Inc()
	}
}

// SetMarketDataAge records the age of the market data used for an asset.
func SetMarketDataAge(asset string, seconds float64) {
	if marketDataAge != nil {
		marketDataAge.WithLabelValues(asset).Set(seconds)
	}
}
