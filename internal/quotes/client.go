package quotes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	appconfig "yieldflow/config"
	"yieldflow/internal/model"
	"yieldflow/logger"

	"golang.org/x/time/rate"
)

// Client polls the venue's structured-products REST API. Requests are
// rate limited and retried with capped exponential backoff.
type Client struct {
	config  appconfig.QuotesConfig
	client  *http.Client
	limiter *rate.Limiter
	log     *logger.Log
}

// NewClient builds a quote client from the quotes configuration.
func NewClient(cfg *appconfig.Config) *Client {
	timeout := cfg.Quotes.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	rps := cfg.Quotes.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}
	burst := cfg.Quotes.RateLimit.BurstSize
	if burst <= 0 {
		burst = rps
	}

	return &Client{
		config:  cfg.Quotes,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     logger.GetLogger(),
	}
}

// Fetch lists the venue's current offers for the asset, retrying transient
// failures. It returns ErrNoData when the venue has nothing published.
func (c *Client) Fetch(ctx context.Context, asset model.Asset) ([]model.StrikeQuote, error) {
	maxAttempts := c.config.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	baseDelay := c.config.Retry.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	maxDelay := c.config.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	multiplier := c.config.Retry.BackoffMultiplier
	if multiplier <= 1 {
		multiplier = 2
	}

	log := c.log.WithComponent("quote_client").WithFields(logger.Fields{
		"asset": asset.Symbol,
	})

	var lastErr error
	delay := baseDelay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		offers, err := c.fetchOnce(ctx, asset)
		if err == nil {
			logger.IncrementQuoteFetch(len(offers))
			return offers, nil
		}
		if err == ErrNoData || ctx.Err() != nil {
			return nil, err
		}

		lastErr = err
		log.WithError(err).WithFields(logger.Fields{
			"attempt": attempt,
		}).Warn("quote fetch failed")

		if attempt == maxAttempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay *= time.Duration(multiplier)
		if delay > maxDelay {
			delay = maxDelay
		}
	}

	return nil, fmt.Errorf("quote fetch for %s failed after %d attempts: %w", asset.Symbol, maxAttempts, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, asset model.Asset) ([]model.StrikeQuote, error) {
	reqURL := fmt.Sprintf("%s?underlying=%s", strings.TrimRight(c.config.URL, "/"), url.QueryEscape(asset.Symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build quote request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request quotes: %w", err)
	}
	defer resp.Body.Close()
	logger.LogPerformanceEntry(c.log.WithComponent("quote_client"), "quote_client", "api_request", time.Since(start), logger.Fields{
		"asset": asset.Symbol,
	})

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent {
		return nil, ErrNoData
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quote endpoint returned status %d", resp.StatusCode)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode quote payload: %w", err)
	}

	offers, err := parseOffers(raw, asset.Symbol)
	if err != nil {
		return nil, err
	}
	if len(offers) == 0 {
		return nil, ErrNoData
	}
	return offers, nil
}

type rawOffer struct {
	ProductID   json.RawMessage `json:"productId"`
	ID          json.RawMessage `json:"id"`
	Strike      json.RawMessage `json:"strike"`
	StrikePrice json.RawMessage `json:"strikePrice"`
	APR         json.RawMessage `json:"apr"`
	QuotedAPR   json.RawMessage `json:"quotedApr"`
	YieldAPR    json.RawMessage `json:"yieldApr"`
	Expiry      json.RawMessage `json:"expiry"`
	Expiration  json.RawMessage `json:"expiration"`
}

type offerEnvelope struct {
	Products []rawOffer `json:"products"`
	Data     []rawOffer `json:"data"`
}

// parseOffers maps the venue payload into strike quotes. The payload may
// be a bare array or wrapped in a products/data envelope, and numeric
// fields may arrive as JSON numbers or as strings. Offers missing a
// usable strike, APR or expiry are skipped rather than guessed at.
func parseOffers(raw json.RawMessage, asset string) ([]model.StrikeQuote, error) {
	var list []rawOffer
	if err := json.Unmarshal(raw, &list); err != nil {
		var envelope offerEnvelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return nil, fmt.Errorf("unrecognized quote payload shape: %w", err)
		}
		list = envelope.Products
		if len(list) == 0 {
			list = envelope.Data
		}
	}

	offers := make([]model.StrikeQuote, 0, len(list))
	for _, item := range list {
		strike, ok := numberField(item.Strike, item.StrikePrice)
		if !ok || strike <= 0 {
			continue
		}
		apr, ok := numberField(item.APR, item.QuotedAPR, item.YieldAPR)
		if !ok {
			continue
		}
		expiry, ok := timeField(item.Expiry, item.Expiration)
		if !ok {
			continue
		}

		offers = append(offers, model.StrikeQuote{
			Asset:     asset,
			ProductID: stringField(item.ProductID, item.ID),
			Strike:    strike,
			QuotedAPR: apr,
			Expiry:    expiry,
		})
	}
	return offers, nil
}

func numberField(candidates ...json.RawMessage) (float64, bool) {
	for _, raw := range candidates {
		if len(raw) == 0 {
			continue
		}
		var value float64
		if err := json.Unmarshal(raw, &value); err == nil {
			return value, true
		}
		var text string
		if err := json.Unmarshal(raw, &text); err == nil {
			if value, err := strconv.ParseFloat(strings.TrimSpace(text), 64); err == nil {
				return value, true
			}
		}
	}
	return 0, false
}

func stringField(candidates ...json.RawMessage) string {
	for _, raw := range candidates {
		if len(raw) == 0 {
			continue
		}
		var text string
		if err := json.Unmarshal(raw, &text); err == nil && text != "" {
			return text
		}
		var number json.Number
		if err := json.Unmarshal(raw, &number); err == nil {
			return number.String()
		}
	}
	return ""
}

// timeField accepts RFC3339 strings, unix seconds and unix milliseconds.
func timeField(candidates ...json.RawMessage) (time.Time, bool) {
	for _, raw := range candidates {
		if len(raw) == 0 {
			continue
		}
		var text string
		if err := json.Unmarshal(raw, &text); err == nil {
			if ts, err := time.Parse(time.RFC3339, text); err == nil {
				return ts, true
			}
			if unix, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64); err == nil {
				return unixToTime(unix), true
			}
			continue
		}
		var unix int64
		if err := json.Unmarshal(raw, &unix); err == nil {
			return unixToTime(unix), true
		}
	}
	return time.Time{}, false
}

func unixToTime(unix int64) time.Time {
	// Values this large can only be milliseconds.
	if unix > 1e12 {
		return time.UnixMilli(unix).UTC()
	}
	return time.Unix(unix, 0).UTC()
}
