package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsScan   int64
	errorsQuote  int64
	warnsScan    int64
	warnsQuote   int64
	quoteFetches int64
	priceCalcs   int64
	s3Writes     int64
	channels     sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "scanner") || strings.Contains(component, "pricing") {
		atomic.AddInt64(&warnsScan, 1)
	} else if strings.Contains(component, "quote") {
		atomic.AddInt64(&warnsQuote, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "scanner") || strings.Contains(component, "pricing") {
		atomic.AddInt64(&errorsScan, 1)
	} else if strings.Contains(component, "quote") {
		atomic.AddInt64(&errorsQuote, 1)
	}
}

// IncrementQuoteFetch records one completed quote list fetch of the given
// payload size.
func IncrementQuoteFetch(size int) {
	atomic.AddInt64(&quoteFetches, 1)
	recordChannel("quote_rest", size)
}

// IncrementPriceCalc records one theoretical pricing computation.
func IncrementPriceCalc() {
	atomic.AddInt64(&priceCalcs, 1)
}

// IncrementS3Write records one uploaded scan history file of the given size.
func IncrementS3Write(size int64) {
	atomic.AddInt64(&s3Writes, 1)
	recordChannel("s3_scan_write", int(size))
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport begins periodic logging of system and channel statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_scan":    atomic.LoadInt64(&errorsScan),
		"errors_quote":   atomic.LoadInt64(&errorsQuote),
		"warns_scan":     atomic.LoadInt64(&warnsScan),
		"warns_quote":    atomic.LoadInt64(&warnsQuote),
		"quote_fetches":  atomic.LoadInt64(&quoteFetches),
		"price_calcs":    atomic.LoadInt64(&priceCalcs),
		"s3_writes":      atomic.LoadInt64(&s3Writes),
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memStats.Used) / 1024 / 1024,
		"disk_mb":        int64(diskStats.Used) / 1024 / 1024,
		"channels":       channelData,
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("ScanErrors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsScan)))},
		cwtypes.MetricDatum{MetricName: aws.String("QuoteErrors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsQuote)))},
		cwtypes.MetricDatum{MetricName: aws.String("ScanWarns"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&warnsScan)))},
		cwtypes.MetricDatum{MetricName: aws.String("QuoteWarns"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&warnsQuote)))},
		cwtypes.MetricDatum{MetricName: aws.String("QuoteFetches"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&quoteFetches)))},
		cwtypes.MetricDatum{MetricName: aws.String("PriceCalcs"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&priceCalcs)))},
		cwtypes.MetricDatum{MetricName: aws.String("S3Writes"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&s3Writes)))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
