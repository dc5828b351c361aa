package writer

import (
	"math"
	"strings"
	"testing"
	"time"

	appconfig "yieldflow/config"
	"yieldflow/internal/model"
	"yieldflow/logger"
)

func TestAddRowBuffersPerAsset(t *testing.T) {
	w := &ScanWriter{
		log:    logger.GetLogger(),
		buffer: make(map[string][]model.ScanRow),
	}

	w.addRow(model.ScanRow{Asset: "BTC", Strike: 124000})
	w.addRow(model.ScanRow{Asset: "BTC", Strike: 130000})
	w.addRow(model.ScanRow{Asset: "ETH", Strike: 3600})

	if len(w.buffer["BTC"]) != 2 || len(w.buffer["ETH"]) != 1 {
		t.Fatalf("unexpected buffer contents: %v", w.buffer)
	}
}

func TestGenerateS3Key(t *testing.T) {
	cfg := &appconfig.Config{}
	cfg.Yieldflow.Name = "yieldflow"
	cfg.Writer.Partitioning.TimeFormat = "year={year}/month={month}/day={day}"
	cfg.Writer.Partitioning.AdditionalKeys = []string{"asset"}

	w := &ScanWriter{config: cfg, log: logger.GetLogger()}
	ts := time.Date(2026, 8, 30, 14, 5, 9, 0, time.UTC)

	key := w.generateS3Key("BTC", ts)
	want := "asset=BTC/year=2026/month=08/day=30/scans_BTC_20260830140509.parquet"
	if key != want {
		t.Fatalf("generateS3Key = %q, want %q", key, want)
	}
}

func TestGenerateS3KeyDefaults(t *testing.T) {
	cfg := &appconfig.Config{}
	w := &ScanWriter{config: cfg, log: logger.GetLogger()}
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	key := w.generateS3Key("ETH", ts)
	if !strings.HasPrefix(key, "asset=ETH/year=2026/month=01/day=02/") {
		t.Fatalf("unexpected default partitioning: %q", key)
	}
}

func TestToParquetRecord(t *testing.T) {
	expiry := time.Date(2026, 9, 25, 8, 0, 0, 0, time.UTC)
	row := model.ScanRow{
		ScanID:         "scan-1",
		Asset:          "BTC",
		Strike:         124000,
		Expiry:         expiry,
		DaysToExpiry:   30.5,
		Spot:           118437,
		Volatility:     0.3149,
		QuotedAPR:      0.21,
		TheoreticalAPR: 0.17,
		ExcessAPR:      0.04,
		CallPrice:      2200,
		Premium:        110,
		HasTheoretical: true,
		Timestamp:      time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
	}

	record := toParquetRecord(row)
	if record.ScanID != "scan-1" || record.Asset != "BTC" {
		t.Fatalf("identity fields lost: %+v", record)
	}
	if record.ExpiryMs != expiry.UnixMilli() {
		t.Fatalf("expiry mismatch: %d", record.ExpiryMs)
	}
	if !record.HasTheoretical || record.TheoreticalAPR != 0.17 || record.ExcessAPR != 0.04 {
		t.Fatalf("theoretical fields lost: %+v", record)
	}
}

func TestToParquetRecordUnpriced(t *testing.T) {
	row := model.ScanRow{
		ScanID:     "scan-2",
		Asset:      "ETH",
		Strike:     3600,
		Volatility: math.NaN(),
		QuotedAPR:  0.147,
		Error:      "missing_market_data",
	}

	record := toParquetRecord(row)
	if record.HasTheoretical {
		t.Fatal("unpriced row must not claim a theoretical APR")
	}
	if record.Volatility != 0 {
		t.Fatalf("NaN volatility must be stored as zero, got %v", record.Volatility)
	}
	if record.Error != "missing_market_data" {
		t.Fatalf("error reason lost: %q", record.Error)
	}
	if record.TheoreticalAPR != 0 || record.ExcessAPR != 0 {
		t.Fatalf("APR columns must stay zero for unpriced rows: %+v", record)
	}
}

func TestCreateParquetFileProducesData(t *testing.T) {
	cfg := &appconfig.Config{}
	cfg.Writer.Compression = "snappy"
	w := &ScanWriter{config: cfg, log: logger.GetLogger()}

	rows := []model.ScanRow{
		{ScanID: "scan-1", Asset: "BTC", Strike: 124000, Spot: 118437, Timestamp: time.Now()},
		{ScanID: "scan-1", Asset: "BTC", Strike: 130000, Spot: 118437, Timestamp: time.Now()},
	}

	data, size, err := w.createParquetFile(rows)
	if err != nil {
		t.Fatalf("createParquetFile failed: %v", err)
	}
	if size == 0 || len(data) == 0 {
		t.Fatal("expected non-empty parquet payload")
	}
	if int64(len(data)) != size {
		t.Fatalf("reported size %d does not match payload length %d", size, len(data))
	}
	// Parquet files start and end with the PAR1 magic bytes.
	if string(data[:4]) != "PAR1" || string(data[len(data)-4:]) != "PAR1" {
		t.Fatal("payload is not a parquet file")
	}
}
