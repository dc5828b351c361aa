package marketdata

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	appconfig "yieldflow/config"
	"yieldflow/logger"

	binance "github.com/adshao/go-binance/v2"
)

// SpotProvider fetches spot prices from the Binance public REST API using
// the binance-go client.
type SpotProvider struct {
	client *binance.Client
	log    *logger.Log
}

// NewSpotProvider builds a provider with a pooled HTTP transport sized
// from the connection pool configuration.
func NewSpotProvider(cfg *appconfig.Config) *SpotProvider {
	log := logger.GetLogger()

	pool := cfg.MarketData.ConnectionPool
	transport := &http.Transport{
		MaxIdleConns:        pool.MaxIdleConns,
		MaxIdleConnsPerHost: pool.MaxIdleConns,
		MaxConnsPerHost:     pool.MaxConnsPerHost,
		IdleConnTimeout:     pool.IdleConnTimeout,
		DisableCompression:  false,
	}

	httpClient := &http.Client{
		Transport: transport,
		Timeout:   cfg.MarketData.Spot.Timeout,
	}

	client := binance.NewClient("", "")
	client.HTTPClient = httpClient

	if parsed, err := url.Parse(cfg.MarketData.Spot.URL); err == nil && parsed.Host != "" {
		client.BaseURL = fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
	}

	log.WithComponent("spot_provider").WithFields(logger.Fields{
		"max_idle_conns":     pool.MaxIdleConns,
		"max_conns_per_host": pool.MaxConnsPerHost,
		"timeout":            cfg.MarketData.Spot.Timeout,
	}).Info("spot provider initialized")

	return &SpotProvider{client: client, log: log}
}

// FetchSpot returns the latest traded price for the given spot pair.
func (p *SpotProvider) FetchSpot(ctx context.Context, spotSymbol string) (float64, error) {
	symbol := strings.ToUpper(spotSymbol)

	prices, err := p.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch spot price for %s: %w", symbol, err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("no spot price returned for %s", symbol)
	}

	value, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return 0, fmt.Errorf("parse spot price %q for %s: %w", prices[0].Price, symbol, err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("non-positive spot price %v for %s", value, symbol)
	}
	return value, nil
}
