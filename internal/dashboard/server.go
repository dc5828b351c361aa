// Package dashboard serves the scan table UI and the pricing HTTP API.
package dashboard

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"yieldflow/config"
	"yieldflow/internal/metrics"
	"yieldflow/internal/model"
	"yieldflow/internal/pricing"
	"yieldflow/logger"
)

//go:embed templates/*.tmpl assets/*
var embeddedFS embed.FS

// Server hosts the Gin-powered yield dashboard and the pricing API.
type Server struct {
	cfg               config.DashboardConfig
	riskFreeRate      float64
	log               *logger.Log
	scanStore         *scanStore
	metricStore       *metricStore
	logStore          *logStore
	metricHandler     metrics.MetricHandlerID
	httpServer        *http.Server
	refreshIntervalMs int
	resourceSampler   *resourceSampler
}

// NewServer constructs a dashboard server when the dashboard feature is
// enabled. When the dashboard is disabled the returned server will be nil.
func NewServer(cfg config.DashboardConfig, riskFreeRate float64, log *logger.Log) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cfg.Address = normalizeAddress(cfg.Address)

	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}

	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}

	if cfg.MetricsHistory <= 0 {
		cfg.MetricsHistory = 200
	}

	metricStore := newMetricStore(cfg.MetricsHistory)
	handlerID := metrics.RegisterMetricHandler(metricStore.handle)

	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	sampler := newResourceSampler(cfg.MetricsHistory, cfg.RefreshInterval, "/", log)

	server := &Server{
		cfg:               cfg,
		riskFreeRate:      riskFreeRate,
		log:               log,
		scanStore:         newScanStore(cfg.ScanHistory),
		metricStore:       metricStore,
		logStore:          logStore,
		metricHandler:     handlerID,
		refreshIntervalMs: int(cfg.RefreshInterval / time.Millisecond),
		resourceSampler:   sampler,
	}

	if server.refreshIntervalMs <= 0 {
		server.refreshIntervalMs = int((5 * time.Second) / time.Millisecond)
	}

	return server, nil
}

// Record buffers a scan row for the scans API and the table view. Safe to
// call on a nil server so the caller does not have to special-case a
// disabled dashboard.
func (s *Server) Record(row model.ScanRow) {
	if s == nil {
		return
	}
	s.scanStore.record(row)
}

// Run starts the dashboard HTTP server and blocks until the provided
// context is cancelled or the underlying HTTP server exits with an error.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()

	router, err := s.buildRouter(appName)
	if err != nil {
		return err
	}

	if s.resourceSampler != nil {
		s.resourceSampler.start(ctx)
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	if s.logStore != nil {
		s.logStore.close()
	}
	if s.resourceSampler != nil {
		s.resourceSampler.stop()
	}
}

// Address reports the network address the dashboard server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter(appName string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	// Allow running behind load balancers and accessing the dashboard from
	// public networks by trusting all proxies by default. Users can
	// override Gin's trusted proxy list via the GIN_TRUSTED_PROXIES
	// environment variable if needed.
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	tmpl := template.Must(template.New("dashboard").ParseFS(embeddedFS, "templates/index.tmpl"))
	router.SetHTMLTemplate(tmpl)

	if assetsFS, err := fsSub("assets"); err == nil {
		router.StaticFS("/assets", http.FS(assetsFS))
	}

	router.GET("/", func(c *gin.Context) {
		c.HTML(http.StatusOK, "index.tmpl", gin.H{
			"AppName":           appName,
			"RefreshIntervalMs": s.refreshIntervalMs,
			"Rows":              viewRows(s.scanStore.latestScans()),
		})
	})

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/api/v1/price", s.handlePrice)

	router.GET("/api/v1/scans", func(c *gin.Context) {
		rows := s.scanStore.snapshot()
		payload := make([]gin.H, 0, len(rows))
		for _, row := range rows {
			payload = append(payload, scanRowJSON(row))
		}
		c.JSON(http.StatusOK, gin.H{"scans": payload})
	})

	router.GET("/api/v1/metrics", func(c *gin.Context) {
		metricsSnapshot := s.metricStore.snapshot()
		payload := make([]gin.H, 0, len(metricsSnapshot))
		for _, m := range metricsSnapshot {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload})
	})

	router.GET("/api/v1/logs", func(c *gin.Context) {
		logsSnapshot := s.logStore.snapshot()
		payload := make([]gin.H, 0, len(logsSnapshot))
		for _, l := range logsSnapshot {
			payload = append(payload, gin.H{
				"timestamp": l.Timestamp.Format(time.RFC3339Nano),
				"level":     l.Level,
				"component": l.Component,
				"message":   l.Message,
				"fields":    l.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"logs": payload})
	})

	router.GET("/api/v1/resources", func(c *gin.Context) {
		snapshots := s.resourceSampler.snapshot()
		payload := make([]gin.H, 0, len(snapshots))
		for _, snap := range snapshots {
			payload = append(payload, gin.H{
				"timestamp":      snap.Timestamp.Format(time.RFC3339Nano),
				"cpu_percent":    snap.CPUPercent,
				"memory_used":    snap.MemoryUsed,
				"memory_total":   snap.MemoryTotal,
				"memory_percent": snap.MemoryPct,
				"disk_used":      snap.DiskUsed,
				"disk_total":     snap.DiskTotal,
				"disk_percent":   snap.DiskPct,
			})
		}
		c.JSON(http.StatusOK, gin.H{"resources": payload})
	})

	return router, nil
}

// handlePrice prices a single strike from query parameters. Client mistakes
// are 400s, inputs the engine explicitly refuses are 422s and anything else
// is a 500.
func (s *Server) handlePrice(c *gin.Context) {
	spot, err := queryFloat(c, "s")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	strike, err := queryFloat(c, "k")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	t, err := queryFloat(c, "t")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rate := s.riskFreeRate
	if raw, ok := c.GetQuery("r"); ok {
		rate, err = parseFloat("r", raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	sigma := math.NaN()
	if raw, ok := c.GetQuery("sigma"); ok {
		sigma, err = parseFloat("sigma", raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	contractSize := 1.0
	if raw, ok := c.GetQuery("contract"); ok {
		contractSize, err = parseFloat("contract", raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	req := pricing.Request{
		Spot:              spot,
		Strike:            strike,
		TimeToExpiryYears: t,
		RiskFreeRate:      rate,
		Volatility:        sigma,
		ContractSize:      contractSize,
	}

	res, err := pricing.Price(req)
	if err != nil {
		switch {
		case errors.Is(err, pricing.ErrInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, pricing.ErrMissingMarketData), errors.Is(err, pricing.ErrDegenerateInput):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "pricing rejected inputs",
				"details": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "pricing failed",
				"details": err.Error(),
			})
		}
		return
	}

	var apr interface{}
	if res.HasAPR {
		apr = res.TheoreticalAPR
	}

	c.JSON(http.StatusOK, gin.H{
		"theoreticalApr": apr,
		"debug": gin.H{
			"callPrice":   res.CallPrice,
			"premiumTheo": res.Premium,
			"rawReturn":   res.PeriodReturn,
			"inputs": gin.H{
				"spot":         req.Spot,
				"strike":       req.Strike,
				"timeYears":    req.TimeToExpiryYears,
				"riskFreeRate": req.RiskFreeRate,
				"volatility":   req.Volatility,
				"contractSize": req.ContractSize,
			},
		},
	})
}

func queryFloat(c *gin.Context, name string) (float64, error) {
	raw, ok := c.GetQuery(name)
	if !ok {
		return 0, fmt.Errorf("missing required parameter %q", name)
	}
	return parseFloat(name, raw)
}

func parseFloat(name, raw string) (float64, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("parameter %q is not a number", name)
	}
	return value, nil
}

// tableRow is one rendered line of the scan table. APR columns are
// preformatted so the template never has to decide how to show an absent
// value.
type tableRow struct {
	Asset          string
	Strike         string
	Expiry         string
	Spot           string
	QuotedAPR      string
	TheoreticalAPR string
	ExcessAPR      string
	Status         string
}

func viewRows(rows []model.ScanRow) []tableRow {
	out := make([]tableRow, 0, len(rows))
	for _, row := range rows {
		tr := tableRow{
			Asset:          row.Asset,
			Strike:         formatAmount(row.Strike),
			Expiry:         row.Expiry.UTC().Format("2006-01-02 15:04"),
			Spot:           formatAmount(row.Spot),
			QuotedAPR:      formatPercent(row.QuotedAPR),
			TheoreticalAPR: "—",
			ExcessAPR:      "—",
			Status:         "ok",
		}
		if row.HasTheoretical {
			tr.TheoreticalAPR = formatPercent(row.TheoreticalAPR)
			tr.ExcessAPR = formatPercent(row.ExcessAPR)
		} else if row.Error != "" {
			tr.Status = row.Error
		} else {
			tr.Status = "expired"
		}
		out = append(out, tr)
	}
	return out
}

func formatPercent(v float64) string {
	return decimal.NewFromFloat(v * 100).Round(2).String() + "%"
}

func formatAmount(v float64) string {
	return decimal.NewFromFloat(v).Round(2).String()
}

func scanRowJSON(row model.ScanRow) gin.H {
	payload := gin.H{
		"scanId":       row.ScanID,
		"timestamp":    row.Timestamp.Format(time.RFC3339Nano),
		"asset":        row.Asset,
		"strike":       row.Strike,
		"expiry":       row.Expiry.Format(time.RFC3339),
		"daysToExpiry": row.DaysToExpiry,
		"spot":         row.Spot,
		"quotedApr":    row.QuotedAPR,
	}
	if !math.IsNaN(row.Volatility) {
		payload["volatility"] = row.Volatility
	}
	if row.HasTheoretical {
		payload["theoreticalApr"] = row.TheoreticalAPR
		payload["excessApr"] = row.ExcessAPR
		payload["callPrice"] = row.CallPrice
		payload["premium"] = row.Premium
	}
	if row.Error != "" {
		payload["error"] = row.Error
	}
	return payload
}

func fsSub(path string) (fs.FS, error) {
	sub, err := fs.Sub(embeddedFS, path)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
