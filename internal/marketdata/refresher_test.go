package marketdata

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"yieldflow/internal/model"
	"yieldflow/logger"

	binance "github.com/adshao/go-binance/v2"
	"golang.org/x/time/rate"
)

func newTestSpotProvider(url string) *SpotProvider {
	client := binance.NewClient("", "")
	client.BaseURL = url
	return &SpotProvider{client: client, log: logger.GetLogger()}
}

func newTestRefresher(cache *Cache, spot *SpotProvider, vol *VolProvider) *Refresher {
	return &Refresher{
		cache:   cache,
		spot:    spot,
		vol:     vol,
		limiter: rate.NewLimiter(rate.Inf, 1),
		ctx:     context.Background(),
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
	}
}

func TestRefreshAssetKeepsKnownVolatilityOnPollFailure(t *testing.T) {
	spotServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbol":"ETHUSDT","price":"3500"}`))
	}))
	defer spotServer.Close()

	volServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer volServer.Close()

	cache := NewCache(time.Minute, 5*time.Minute)
	cache.Set(model.MarketSnapshot{Asset: "ETH", Spot: 3400, Volatility: 0.62, FetchedAt: time.Now()})

	r := newTestRefresher(cache, newTestSpotProvider(spotServer.URL), newTestVolProvider(volServer.URL))
	r.refreshAsset(model.Asset{Symbol: "ETH", SpotSymbol: "ETHUSDT", VolCurrency: "ETH"})

	snapshot, ok, fresh := cache.Get("ETH")
	if !ok || !fresh {
		t.Fatalf("expected fresh snapshot, ok=%v fresh=%v", ok, fresh)
	}
	if snapshot.Spot != 3500 {
		t.Errorf("expected refreshed spot 3500, got %v", snapshot.Spot)
	}
	if snapshot.Volatility != 0.62 {
		t.Errorf("known volatility must survive a failed poll, got %v", snapshot.Volatility)
	}
}

func TestRefreshAssetWithoutPriorVolatility(t *testing.T) {
	spotServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbol":"BTCUSDT","price":"65000"}`))
	}))
	defer spotServer.Close()

	volServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer volServer.Close()

	cache := NewCache(time.Minute, 5*time.Minute)

	r := newTestRefresher(cache, newTestSpotProvider(spotServer.URL), newTestVolProvider(volServer.URL))
	r.refreshAsset(model.Asset{Symbol: "BTC", SpotSymbol: "BTCUSDT", VolCurrency: "BTC"})

	snapshot, ok, _ := cache.Get("BTC")
	if !ok {
		t.Fatal("expected snapshot with spot even when volatility is unavailable")
	}
	if snapshot.Spot != 65000 {
		t.Errorf("expected spot 65000, got %v", snapshot.Spot)
	}
	if !math.IsNaN(snapshot.Volatility) {
		t.Errorf("expected NaN volatility with no prior value, got %v", snapshot.Volatility)
	}
}

func TestRefreshAssetSkipsCacheOnSpotFailure(t *testing.T) {
	spotServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer spotServer.Close()

	volServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"index_price":58}}`))
	}))
	defer volServer.Close()

	cache := NewCache(time.Minute, 5*time.Minute)
	seeded := model.MarketSnapshot{Asset: "ETH", Spot: 3400, Volatility: 0.62, FetchedAt: time.Now()}
	cache.Set(seeded)

	r := newTestRefresher(cache, newTestSpotProvider(spotServer.URL), newTestVolProvider(volServer.URL))
	r.refreshAsset(model.Asset{Symbol: "ETH", SpotSymbol: "ETHUSDT", VolCurrency: "ETH"})

	snapshot, ok, _ := cache.Get("ETH")
	if !ok {
		t.Fatal("expected prior snapshot to remain available")
	}
	if snapshot.Spot != seeded.Spot || snapshot.Volatility != seeded.Volatility {
		t.Errorf("prior snapshot must be untouched, got spot=%v vol=%v", snapshot.Spot, snapshot.Volatility)
	}
}
