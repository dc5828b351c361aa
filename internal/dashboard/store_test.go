package dashboard

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"yieldflow/internal/metrics"
)

func TestScanStoreLimit(t *testing.T) {
	store := newScanStore(2)
	for i := 0; i < 5; i++ {
		row := testRow("BTC", "scan-1", true)
		row.Strike = float64(100000 + i)
		store.record(row)
	}

	snapshot := store.snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 rows in snapshot, got %d", len(snapshot))
	}
	if snapshot[0].Strike != 100003 || snapshot[1].Strike != 100004 {
		t.Fatalf("unexpected rows retained: %#v", snapshot)
	}
}

func TestScanStoreLatestScanReplacesPrevious(t *testing.T) {
	store := newScanStore(10)

	store.record(testRow("BTC", "scan-1", true))
	store.record(testRow("BTC", "scan-1", true))
	store.record(testRow("ETH", "scan-a", true))

	if got := len(store.latestScans()); got != 3 {
		t.Fatalf("expected 3 latest rows, got %d", got)
	}

	// A new scan id for the same asset supersedes the old scan entirely.
	store.record(testRow("BTC", "scan-2", true))

	latest := store.latestScans()
	if len(latest) != 2 {
		t.Fatalf("expected 2 latest rows after supersession, got %d", len(latest))
	}
	for _, row := range latest {
		if row.Asset == "BTC" && row.ScanID != "scan-2" {
			t.Fatalf("stale scan retained: %+v", row)
		}
	}
}

func TestMetricStoreLimit(t *testing.T) {
	store := newMetricStore(2)
	for i := 0; i < 5; i++ {
		store.handle(metrics.Metric{Timestamp: time.Unix(int64(i), 0), Name: "metric", Value: i})
	}

	snapshot := store.snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 metrics in snapshot, got %d", len(snapshot))
	}

	if snapshot[0].Value != 3 || snapshot[1].Value != 4 {
		t.Fatalf("unexpected metrics retained: %#v", snapshot)
	}
}

func TestLogStoreCapturesEntries(t *testing.T) {
	store := newLogStore(3)
	entry := logrus.NewEntry(logrus.New())
	entry.Time = time.Unix(10, 0)
	entry.Level = logrus.WarnLevel
	entry.Message = "warning"
	entry.Data = logrus.Fields{"component": "scanner", "foo": "bar"}

	if err := store.Fire(entry); err != nil {
		t.Fatalf("store.Fire returned error: %v", err)
	}

	snapshot := store.snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(snapshot))
	}

	if snapshot[0].Component != "scanner" || snapshot[0].Fields["foo"] != "bar" {
		t.Fatalf("unexpected snapshot data: %#v", snapshot[0])
	}
}

func TestLogStoreRespectsLimitAndClose(t *testing.T) {
	store := newLogStore(2)
	for i := 0; i < 4; i++ {
		entry := logrus.NewEntry(logrus.New())
		entry.Message = "msg"
		entry.Level = logrus.InfoLevel
		entry.Data = logrus.Fields{"index": i}
		if err := store.Fire(entry); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	snapshot := store.snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 entries after pruning, got %d", len(snapshot))
	}

	store.close()
	entry := logrus.NewEntry(logrus.New())
	entry.Message = "ignored"
	if err := store.Fire(entry); err != nil {
		t.Fatalf("unexpected error after close: %v", err)
	}

	snapshot = store.snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("store accepted entries after close")
	}
}
