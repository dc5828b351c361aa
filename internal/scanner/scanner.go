// Package scanner polls the quote source on an interval, prices every
// published strike against cached market data and emits one ScanRow per
// strike for the dashboard and the writer.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	appconfig "yieldflow/config"
	"yieldflow/internal/marketdata"
	"yieldflow/internal/metrics"
	"yieldflow/internal/model"
	"yieldflow/internal/pricing"
	"yieldflow/internal/quotes"
	"yieldflow/logger"

	"github.com/google/uuid"
)

// Scanner runs one worker per asset. Each scan fetches the venue's offers,
// prices them and compares the quoted APR against the theoretical one.
// Strikes that fail pricing are emitted with the failure reason and no
// theoretical numbers; the scanner never substitutes a zero.
type Scanner struct {
	config  *appconfig.Config
	source  quotes.Source
	cache   *marketdata.Cache
	assets  []model.Asset
	rows    chan model.ScanRow
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

// NewScanner wires a scanner over the given quote source and market data
// cache. The row channel is buffered per the scanner configuration.
func NewScanner(cfg *appconfig.Config, source quotes.Source, cache *marketdata.Cache, assets []model.Asset) *Scanner {
	buffer := cfg.Scanner.RowBuffer
	if buffer <= 0 {
		buffer = 256
	}

	return &Scanner{
		config: cfg,
		source: source,
		cache:  cache,
		assets: assets,
		rows:   make(chan model.ScanRow, buffer),
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
	}
}

// Rows exposes the stream of scan results.
func (s *Scanner) Rows() <-chan model.ScanRow {
	return s.rows
}

// Start launches one scan worker per asset.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scanner already running")
	}
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()

	if len(s.assets) == 0 {
		return fmt.Errorf("no assets configured for scanner")
	}

	for _, asset := range s.assets {
		s.wg.Add(1)
		go s.scanWorker(asset)
	}

	s.log.WithComponent("scanner").WithFields(logger.Fields{
		"assets":   len(s.assets),
		"interval": s.config.Scanner.Interval,
	}).Info("scanner started")
	return nil
}

// Stop waits for all scan workers to exit and closes the row stream.
func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.log.WithComponent("scanner").Info("stopping scanner")
	s.wg.Wait()
	close(s.rows)
	s.log.WithComponent("scanner").Info("scanner stopped")
}

func (s *Scanner) scanWorker(asset model.Asset) {
	defer s.wg.Done()

	log := s.log.WithComponent("scanner").WithFields(logger.Fields{
		"asset":  asset.Symbol,
		"worker": "scan",
	})
	log.Info("starting scan worker")

	interval := s.config.Scanner.Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.scanAsset(asset)

	for {
		select {
		case <-s.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case <-ticker.C:
			start := time.Now()
			s.scanAsset(asset)
			if duration := time.Since(start); duration > interval {
				log.WithFields(logger.Fields{
					"duration": duration.Milliseconds(),
					"interval": interval,
				}).Warn("scan took longer than interval")
			}
		}
	}
}

func (s *Scanner) scanAsset(asset model.Asset) {
	scanID := uuid.NewString()
	now := time.Now().UTC()

	log := s.log.WithComponent("scanner").WithFields(logger.Fields{
		"asset":   asset.Symbol,
		"scan_id": scanID,
	})

	offers, err := s.source.Fetch(s.ctx, asset)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		metrics.IncrementQuoteFetchError(asset.Symbol)
		metrics.EmitMetric(s.log, "scanner", "quote_fetch_errors", 1, "counter", logger.Fields{
			"asset": asset.Symbol,
		})
		if errors.Is(err, quotes.ErrNoData) {
			log.Info("venue published no offers")
		} else {
			log.WithError(err).Warn("failed to fetch quotes")
		}
		return
	}

	snapshot, ok, fresh := s.cache.Get(asset.Symbol)
	if !ok {
		log.Warn("no market data snapshot available, skipping scan")
		metrics.IncrementPriceError(asset.Symbol, "no_market_data")
		return
	}
	if !fresh {
		log.WithFields(logger.Fields{
			"fetched_at": snapshot.FetchedAt,
		}).Warn("pricing against stale market data")
	}

	age := now.Sub(snapshot.FetchedAt).Seconds()
	metrics.SetMarketDataAge(asset.Symbol, age)

	priced := 0
	for _, offer := range offers {
		row := s.priceOffer(asset, offer, snapshot, scanID, now)
		if row.HasTheoretical {
			priced++
		}
		s.emit(row, log)
	}

	log.WithFields(logger.Fields{
		"offers": len(offers),
		"priced": priced,
		"spot":   snapshot.Spot,
	}).Info("scan complete")

	metrics.EmitMetric(s.log, "scanner", "scan_offers", len(offers), "gauge", logger.Fields{
		"asset":  asset.Symbol,
		"priced": priced,
	})
	metrics.EmitMetric(s.log, "scanner", "market_data_age_seconds", age, "gauge", logger.Fields{
		"asset": asset.Symbol,
	})
}

func (s *Scanner) priceOffer(asset model.Asset, offer model.StrikeQuote, snapshot model.MarketSnapshot, scanID string, now time.Time) model.ScanRow {
	t := offer.TimeToExpiryYears(now)

	row := model.ScanRow{
		ScanID:       scanID,
		Asset:        asset.Symbol,
		Strike:       offer.Strike,
		Expiry:       offer.Expiry,
		DaysToExpiry: pricing.DaysToExpiry(t),
		Spot:         snapshot.Spot,
		Volatility:   snapshot.Volatility,
		QuotedAPR:    offer.QuotedAPR,
		Timestamp:    now,
	}

	res, err := pricing.Price(pricing.Request{
		Spot:              snapshot.Spot,
		Strike:            offer.Strike,
		TimeToExpiryYears: t,
		RiskFreeRate:      s.config.Pricing.RiskFreeRate,
		Volatility:        snapshot.Volatility,
		ContractSize:      asset.ContractSize,
	})
	logger.IncrementPriceCalc()

	if err != nil {
		reason := errorReason(err)
		metrics.IncrementPriceError(asset.Symbol, reason)
		metrics.EmitMetric(s.log, "scanner", "price_errors", 1, "counter", logger.Fields{
			"asset":  asset.Symbol,
			"reason": reason,
		})
		s.log.WithComponent("scanner").WithError(err).WithFields(logger.Fields{
			"asset":  asset.Symbol,
			"strike": offer.Strike,
			"reason": reason,
		}).Warn("pricing failed for strike")
		row.Error = reason
		return row
	}

	metrics.IncrementPriceSuccess(asset.Symbol)
	row.CallPrice = res.CallPrice
	row.Premium = res.Premium
	if res.HasAPR {
		row.TheoreticalAPR = res.TheoreticalAPR
		row.ExcessAPR = offer.QuotedAPR - res.TheoreticalAPR
		row.HasTheoretical = true
	}
	return row
}

func (s *Scanner) emit(row model.ScanRow, log *logger.Entry) {
	select {
	case s.rows <- row:
		metrics.IncrementScanRow(row.Asset)
	case <-s.ctx.Done():
	default:
		log.WithFields(logger.Fields{
			"strike": row.Strike,
		}).Warn("row channel is full, dropping scan row")
	}
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, pricing.ErrMissingMarketData):
		return "missing_market_data"
	case errors.Is(err, pricing.ErrDegenerateInput):
		return "degenerate_input"
	case errors.Is(err, pricing.ErrInvalidInput):
		return "invalid_input"
	default:
		return "internal"
	}
}
