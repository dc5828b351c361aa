package marketdata

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	appconfig "yieldflow/config"
	"yieldflow/internal/model"
	"yieldflow/logger"

	"github.com/gorilla/websocket"
)

func newTestVolProvider(url string) *VolProvider {
	return &VolProvider{
		config: appconfig.VolProviderConfig{URL: url, Timeout: 2 * time.Second},
		client: &http.Client{Timeout: 2 * time.Second},
		cache:  NewCache(time.Minute, 5*time.Minute),
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
	}
}

func TestFetchVolatility(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/public/get_index_price" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("index_name"); got != "btcdvol_usdc" {
			t.Errorf("unexpected index name %q", got)
		}
		w.Write([]byte(`{"result":{"index_price":58.31}}`))
	}))
	defer server.Close()

	p := newTestVolProvider(server.URL)
	vol, err := p.FetchVolatility(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("FetchVolatility failed: %v", err)
	}
	if math.Abs(vol-0.5831) > 1e-12 {
		t.Errorf("expected 0.5831, got %v", vol)
	}
}

func TestFetchVolatilityErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
		code int
	}{
		{"rpc error", `{"error":{"code":10001,"message":"unknown index"}}`, http.StatusOK},
		{"non-positive", `{"result":{"index_price":0}}`, http.StatusOK},
		{"http error", `oops`, http.StatusBadGateway},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.code)
				w.Write([]byte(tc.body))
			}))
			defer server.Close()

			p := newTestVolProvider(server.URL)
			vol, err := p.FetchVolatility(context.Background(), "ETH")
			if err == nil {
				t.Fatal("expected error")
			}
			if !math.IsNaN(vol) {
				t.Errorf("expected NaN on error, got %v", vol)
			}
		})
	}
}

func TestHandleStreamMessageUpdatesCache(t *testing.T) {
	p := newTestVolProvider("")
	p.cache.Set(model.MarketSnapshot{Asset: "BTC", Spot: 65000, Volatility: 0.50, FetchedAt: time.Now()})

	channels := map[string]string{"deribit_volatility_index.btc_usd": "BTC"}
	raw := []byte(`{"method":"subscription","params":{"channel":"deribit_volatility_index.btc_usd","data":{"timestamp":1756500000000,"volatility":61.2,"index_name":"btcdvol_usdc"}}}`)
	p.handleStreamMessage(raw, channels)

	snapshot, ok, _ := p.cache.Get("BTC")
	if !ok {
		t.Fatal("expected snapshot")
	}
	if math.Abs(snapshot.Volatility-0.612) > 1e-12 {
		t.Errorf("expected volatility 0.612, got %v", snapshot.Volatility)
	}
	if snapshot.Spot != 65000 {
		t.Errorf("spot must be preserved, got %v", snapshot.Spot)
	}
	if snapshot.Source != "deribit_ws" {
		t.Errorf("unexpected source %q", snapshot.Source)
	}
}

func TestStreamStopsOnContextCancel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Accept the subscribe request, then keep the connection open
		// without sending anything so the client read blocks.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	p := newTestVolProvider("")
	p.config.Stream = true
	p.config.WebsocketURL = "ws" + strings.TrimPrefix(server.URL, "http")

	ctx, cancel := context.WithCancel(context.Background())
	if err := p.StartStream(ctx, map[string]string{"BTC": "BTC"}); err != nil {
		t.Fatalf("StartStream failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		p.StopStream()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("StopStream did not return after context cancellation")
	}
}

func TestHandleStreamMessageIgnoresUnknown(t *testing.T) {
	p := newTestVolProvider("")
	p.cache.Set(model.MarketSnapshot{Asset: "BTC", Spot: 65000, Volatility: 0.50, FetchedAt: time.Now()})
	channels := map[string]string{"deribit_volatility_index.btc_usd": "BTC"}

	for _, raw := range []string{
		`not json`,
		`{"method":"heartbeat"}`,
		`{"method":"subscription","params":{"channel":"deribit_volatility_index.sol_usd","data":{"volatility":70}}}`,
		`{"method":"subscription","params":{"channel":"deribit_volatility_index.btc_usd","data":{"volatility":-1}}}`,
	} {
		p.handleStreamMessage([]byte(raw), channels)
	}

	snapshot, _, _ := p.cache.Get("BTC")
	if snapshot.Volatility != 0.50 {
		t.Errorf("volatility must be unchanged, got %v", snapshot.Volatility)
	}
}
