package marketdata

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	appconfig "yieldflow/config"
	"yieldflow/internal/model"
	"yieldflow/logger"

	"golang.org/x/time/rate"
)

// Refresher keeps the market data cache populated by polling the spot and
// volatility providers for every configured asset.
type Refresher struct {
	config  *appconfig.Config
	cache   *Cache
	spot    *SpotProvider
	vol     *VolProvider
	assets  []model.Asset
	limiter *rate.Limiter
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

// NewRefresher wires the providers, cache and rate limiter together.
func NewRefresher(cfg *appconfig.Config, cache *Cache, spot *SpotProvider, vol *VolProvider, assets []model.Asset) *Refresher {
	rps := cfg.MarketData.Spot.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.MarketData.Spot.BurstSize
	if burst <= 0 {
		burst = rps
	}

	return &Refresher{
		config:  cfg,
		cache:   cache,
		spot:    spot,
		vol:     vol,
		assets:  assets,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
	}
}

// Start launches one refresh worker per asset after priming the cache with
// an initial fetch.
func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("market data refresher already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	if len(r.assets) == 0 {
		return fmt.Errorf("no assets configured for market data refresher")
	}

	for _, asset := range r.assets {
		r.refreshAsset(asset)
	}

	for _, asset := range r.assets {
		r.wg.Add(1)
		go r.refreshWorker(asset)
	}

	r.log.WithComponent("marketdata").WithFields(logger.Fields{
		"assets":   len(r.assets),
		"interval": r.config.MarketData.RefreshInterval,
	}).Info("market data refresher started")
	return nil
}

// Stop waits for all refresh workers to exit.
func (r *Refresher) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("marketdata").Info("stopping market data refresher")
	r.wg.Wait()
	r.log.WithComponent("marketdata").Info("market data refresher stopped")
}

func (r *Refresher) refreshWorker(asset model.Asset) {
	defer r.wg.Done()

	log := r.log.WithComponent("marketdata").WithFields(logger.Fields{
		"asset":  asset.Symbol,
		"worker": "refresh",
	})
	log.Info("starting market data worker")

	interval := r.config.MarketData.RefreshInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case <-ticker.C:
			start := time.Now()
			r.refreshAsset(asset)
			if duration := time.Since(start); duration > interval {
				log.WithFields(logger.Fields{
					"duration": duration.Milliseconds(),
					"interval": interval,
				}).Warn("refresh took longer than interval")
			}
		}
	}
}

func (r *Refresher) refreshAsset(asset model.Asset) {
	log := r.log.WithComponent("marketdata").WithFields(logger.Fields{
		"asset": asset.Symbol,
	})

	if err := r.limiter.Wait(r.ctx); err != nil {
		return
	}

	spot, err := r.spot.FetchSpot(r.ctx, asset.SpotSymbol)
	if err != nil {
		if r.ctx.Err() == nil {
			log.WithError(err).Warn("failed to refresh spot price")
		}
		return
	}

	volatility, err := r.vol.FetchVolatility(r.ctx, asset.VolCurrency)
	if err != nil {
		// A failed poll must not destroy a volatility we already know.
		volatility = math.NaN()
		if prior, ok, _ := r.cache.Get(asset.Symbol); ok && prior.HasVolatility() {
			volatility = prior.Volatility
		}
		if r.ctx.Err() == nil {
			log.WithError(err).WithFields(logger.Fields{
				"last_known": volatility,
			}).Warn("failed to refresh volatility, keeping last known value")
		}
	}

	r.cache.Set(model.MarketSnapshot{
		Asset:      asset.Symbol,
		Spot:       spot,
		Volatility: volatility,
		Source:     "rest",
		FetchedAt:  time.Now().UTC(),
	})

	log.WithFields(logger.Fields{
		"spot":       spot,
		"volatility": volatility,
	}).Debug("market snapshot refreshed")
}
