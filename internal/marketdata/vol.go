package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	appconfig "yieldflow/config"
	"yieldflow/logger"

	"github.com/gorilla/websocket"
)

// VolProvider reads implied volatility from the Deribit DVOL index, either
// by polling the public REST API or by subscribing to the index websocket
// channel. DVOL is quoted in volatility points; values are converted to
// annualized fractions before they reach the cache.
type VolProvider struct {
	config  appconfig.VolProviderConfig
	client  *http.Client
	cache   *Cache
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

// NewVolProvider creates a provider for the configured volatility endpoint.
func NewVolProvider(cfg *appconfig.Config, cache *Cache) *VolProvider {
	return &VolProvider{
		config: cfg.MarketData.Volatility,
		client: &http.Client{Timeout: cfg.MarketData.Volatility.Timeout},
		cache:  cache,
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
	}
}

type volIndexResponse struct {
	Result struct {
		IndexPrice json.Number `json:"index_price"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// FetchVolatility polls the DVOL index for the given currency and returns
// the implied volatility as a fraction, e.g. 0.58 for 58 vol points.
func (p *VolProvider) FetchVolatility(ctx context.Context, currency string) (float64, error) {
	indexName := volIndexName(currency)
	reqURL := fmt.Sprintf("%s/public/get_index_price?index_name=%s", strings.TrimRight(p.config.URL, "/"), indexName)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return math.NaN(), fmt.Errorf("build volatility request for %s: %w", currency, err)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return math.NaN(), fmt.Errorf("fetch volatility index %s: %w", indexName, err)
	}
	defer resp.Body.Close()
	logger.LogPerformanceEntry(p.log.WithComponent("vol_provider"), "vol_provider", "api_request", time.Since(start), logger.Fields{
		"index": indexName,
	})

	if resp.StatusCode != http.StatusOK {
		return math.NaN(), fmt.Errorf("volatility index %s returned status %d", indexName, resp.StatusCode)
	}

	var payload volIndexResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return math.NaN(), fmt.Errorf("decode volatility index %s: %w", indexName, err)
	}
	if payload.Error != nil {
		return math.NaN(), fmt.Errorf("volatility index %s error %d: %s", indexName, payload.Error.Code, payload.Error.Message)
	}

	points, err := payload.Result.IndexPrice.Float64()
	if err != nil {
		return math.NaN(), fmt.Errorf("parse volatility index %s value %q: %w", indexName, payload.Result.IndexPrice, err)
	}
	if points <= 0 {
		return math.NaN(), fmt.Errorf("non-positive volatility index %s value %v", indexName, points)
	}
	return points / 100, nil
}

// StartStream subscribes to the DVOL websocket channels for the given
// assets and keeps the cached volatility current between REST refreshes.
// Assets are keyed by their canonical symbol with the vol currency as the
// subscription key.
func (p *VolProvider) StartStream(ctx context.Context, currencies map[string]string) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("volatility stream already running")
	}
	p.running = true
	p.ctx = ctx
	p.mu.Unlock()

	if !p.config.Stream || p.config.WebsocketURL == "" {
		p.log.WithComponent("vol_provider").Info("volatility streaming disabled, relying on polling only")
		return nil
	}

	p.wg.Add(1)
	go p.streamWorker(currencies)

	p.log.WithComponent("vol_provider").WithFields(logger.Fields{
		"currencies": len(currencies),
		"endpoint":   p.config.WebsocketURL,
	}).Info("volatility stream started")
	return nil
}

// StopStream waits for the websocket worker to exit.
func (p *VolProvider) StopStream() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.log.WithComponent("vol_provider").Info("stopping volatility stream")
	p.wg.Wait()
	p.log.WithComponent("vol_provider").Info("volatility stream stopped")
}

type volSubscribeRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  struct {
		Channels []string `json:"channels"`
	} `json:"params"`
}

type volStreamEvent struct {
	Method string `json:"method"`
	Params struct {
		Channel string `json:"channel"`
		Data    struct {
			Timestamp  int64       `json:"timestamp"`
			Volatility json.Number `json:"volatility"`
			IndexName  string      `json:"index_name"`
		} `json:"data"`
	} `json:"params"`
}

func (p *VolProvider) streamWorker(currencies map[string]string) {
	defer p.wg.Done()

	channels := make([]string, 0, len(currencies))
	assetByChannel := make(map[string]string, len(currencies))
	for asset, currency := range currencies {
		channel := fmt.Sprintf("deribit_volatility_index.%s_usd", strings.ToLower(currency))
		channels = append(channels, channel)
		assetByChannel[channel] = asset
	}

	reconnect := 5 * time.Second
	log := p.log.WithComponent("vol_provider").WithFields(logger.Fields{
		"endpoint": p.config.WebsocketURL,
	})

	dialer := websocket.Dialer{}

	for {
		if p.ctx.Err() != nil {
			return
		}

		conn, _, err := dialer.Dial(p.config.WebsocketURL, nil)
		if err != nil {
			log.WithError(err).Warn("failed to connect to volatility stream")
			select {
			case <-time.After(reconnect):
				continue
			case <-p.ctx.Done():
				return
			}
		}

		sub := volSubscribeRequest{JSONRPC: "2.0", ID: 1, Method: "public/subscribe"}
		sub.Params.Channels = channels
		if err := conn.WriteJSON(sub); err != nil {
			conn.Close()
			log.WithError(err).Warn("failed to subscribe to volatility channels")
			select {
			case <-time.After(reconnect):
				continue
			case <-p.ctx.Done():
				return
			}
		}

		// ReadMessage blocks while the connection is healthy, so a watcher
		// closes it on cancellation to unblock the loop.
		watcherDone := make(chan struct{})
		go func() {
			select {
			case <-p.ctx.Done():
				conn.Close()
			case <-watcherDone:
			}
		}()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				close(watcherDone)
				conn.Close()
				if p.ctx.Err() != nil {
					return
				}
				log.WithError(err).Warn("volatility stream error, reconnecting")
				break
			}
			p.handleStreamMessage(raw, assetByChannel)
		}

		select {
		case <-time.After(reconnect):
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *VolProvider) handleStreamMessage(raw []byte, assetByChannel map[string]string) {
	var evt volStreamEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		p.log.WithComponent("vol_provider").WithError(err).Debug("failed to decode volatility payload")
		return
	}
	if evt.Method != "subscription" {
		return
	}

	asset, ok := assetByChannel[evt.Params.Channel]
	if !ok {
		return
	}

	points, err := evt.Params.Data.Volatility.Float64()
	if err != nil || points <= 0 {
		return
	}

	if p.cache.UpdateVolatility(asset, points/100, "deribit_ws") {
		p.log.WithComponent("vol_provider").WithFields(logger.Fields{
			"asset":      asset,
			"volatility": points / 100,
		}).Debug("volatility updated from stream")
	}
}

func volIndexName(currency string) string {
	return strings.ToLower(currency) + "dvol_usdc"
}
