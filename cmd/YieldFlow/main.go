package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"yieldflow/config"
	"yieldflow/internal/dashboard"
	"yieldflow/internal/marketdata"
	"yieldflow/internal/metrics"
	"yieldflow/internal/model"
	"yieldflow/internal/quotes"
	"yieldflow/internal/scanner"
	"yieldflow/internal/symbols"
	"yieldflow/internal/writer"
	"yieldflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Yieldflow.Name,
		"version":     cfg.Yieldflow.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting yieldflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	metrics.Init(cfg.Metrics.PrometheusAddress)
	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.DashboardName)
		logger.CreateDefaultDashboard(ctx)
	}

	assets, err := symbols.Resolve(cfg.Assets)
	if err != nil {
		log.WithError(err).Error("failed to resolve configured assets")
		os.Exit(1)
	}

	cache := marketdata.NewCache(cfg.MarketData.TTL, cfg.MarketData.MaxStale)
	spotProvider := marketdata.NewSpotProvider(cfg)
	volProvider := marketdata.NewVolProvider(cfg, cache)
	refresher := marketdata.NewRefresher(cfg, cache, spotProvider, volProvider, assets)

	quoteClient := quotes.NewClient(cfg)
	scan := scanner.NewScanner(cfg, quoteClient, cache, assets)

	dash, err := dashboard.NewServer(cfg.Dashboard, cfg.Pricing.RiskFreeRate, log)
	if err != nil {
		log.WithError(err).Error("failed to create dashboard server")
		os.Exit(1)
	}

	var scanWriter *writer.ScanWriter
	writerRows := make(chan model.ScanRow, cfg.Scanner.RowBuffer)
	if cfg.Storage.S3.Enabled {
		scanWriter, err = writer.NewScanWriter(cfg, writerRows)
		if err != nil {
			log.WithError(err).Error("failed to create scan writer")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 storage disabled; skipping scan writer")
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := refresher.Start(ctx); err != nil {
			log.WithError(err).Warn("market data refresher failed to start")
		}
	}()

	volCurrencies := make(map[string]string, len(assets))
	for _, asset := range assets {
		volCurrencies[asset.Symbol] = asset.VolCurrency
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := volProvider.StartStream(ctx, volCurrencies); err != nil {
			log.WithError(err).Warn("volatility stream failed to start")
		}
	}()

	if scanWriter != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := scanWriter.Start(ctx); err != nil {
				log.WithError(err).Warn("scan writer failed to start")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := scan.Start(ctx); err != nil {
			log.WithError(err).Warn("scanner failed to start")
		}
	}()

	// Fan scan rows out to the dashboard store and the writer.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for row := range scan.Rows() {
			dash.Record(row)
			if scanWriter != nil {
				select {
				case writerRows <- row:
				default:
					log.WithComponent("main").WithFields(logger.Fields{
						"asset": row.Asset,
					}).Warn("writer channel is full, dropping scan row")
				}
			}
		}
		close(writerRows)
	}()

	if dash != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dash.Run(ctx, cfg.Yieldflow.Name); err != nil {
				log.WithError(err).Warn("dashboard server exited with error")
			}
		}()
		log.WithFields(logger.Fields{"address": dash.Address()}).Info("dashboard enabled")
	}

	time.Sleep(2 * time.Second)
	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping scanner")
	scan.Stop()

	if scanWriter != nil {
		log.Info("stopping scan writer")
		scanWriter.Stop()
	}

	log.Info("stopping volatility stream")
	volProvider.StopStream()

	log.Info("stopping market data refresher")
	refresher.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("yieldflow stopped")
}
