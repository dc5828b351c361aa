// Package writer persists scan history as parquet files in S3, partitioned
// by asset and scan date.
package writer

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "yieldflow/config"
	"yieldflow/internal/model"
	"yieldflow/logger"
)

// ParquetRecord is the on-disk schema for one scanned strike. Rows that
// could not be priced keep has_theoretical false and zeroed APR columns
// plus the failure reason, so downstream queries can filter on the flag
// instead of guessing from magic values.
type ParquetRecord struct {
	ScanID         string  `parquet:"name=scan_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Asset          string  `parquet:"name=asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp      int64   `parquet:"name=timestamp, type=INT64"`
	Strike         float64 `parquet:"name=strike, type=DOUBLE"`
	ExpiryMs       int64   `parquet:"name=expiry, type=INT64"`
	DaysToExpiry   float64 `parquet:"name=days_to_expiry, type=DOUBLE"`
	Spot           float64 `parquet:"name=spot, type=DOUBLE"`
	Volatility     float64 `parquet:"name=volatility, type=DOUBLE"`
	QuotedAPR      float64 `parquet:"name=quoted_apr, type=DOUBLE"`
	TheoreticalAPR float64 `parquet:"name=theoretical_apr, type=DOUBLE"`
	ExcessAPR      float64 `parquet:"name=excess_apr, type=DOUBLE"`
	CallPrice      float64 `parquet:"name=call_price, type=DOUBLE"`
	Premium        float64 `parquet:"name=premium, type=DOUBLE"`
	HasTheoretical bool    `parquet:"name=has_theoretical, type=BOOLEAN"`
	Error          string  `parquet:"name=error, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// memoryFileWriter implements the ParquetFile interface for in-memory writing.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{
		buffer: &bytes.Buffer{},
	}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error) {
	return mfw.buffer.Read(b)
}

func (mfw *memoryFileWriter) Write(b []byte) (int, error) {
	return mfw.buffer.Write(b)
}

func (mfw *memoryFileWriter) Close() error {
	return nil
}

func (mfw *memoryFileWriter) Bytes() []byte {
	return mfw.buffer.Bytes()
}

type scanWriter struct {
	config      *appconfig.Config
	rows        <-chan model.ScanRow
	s3Client    *s3.Client
	ctx         context.Context
	wg          *sync.WaitGroup
	mu          sync.RWMutex
	running     bool
	log         *logger.Log
	buffer      map[string][]model.ScanRow
	flushTicker *time.Ticker
}

// ScanWriter is an exported alias for scanWriter allowing external packages
// to interact with the writer while keeping the underlying implementation
// private.
type ScanWriter = scanWriter

func newScanWriter(cfg *appconfig.Config, rows <-chan model.ScanRow) (*scanWriter, error) {
	log := logger.GetLogger()

	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("scan_writer").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	w := &scanWriter{
		config:   cfg,
		rows:     rows,
		s3Client: s3Client,
		wg:       &sync.WaitGroup{},
		log:      log,
	}

	log.WithComponent("scan_writer").WithFields(logger.Fields{
		"bucket":     cfg.Storage.S3.Bucket,
		"region":     cfg.Storage.S3.Region,
		"endpoint":   cfg.Storage.S3.Endpoint,
		"path_style": cfg.Storage.S3.PathStyle,
	}).Info("scan writer initialized")

	return w, nil
}

// NewScanWriter constructs a new ScanWriter instance.
func NewScanWriter(cfg *appconfig.Config, rows <-chan model.ScanRow) (*ScanWriter, error) {
	return newScanWriter(cfg, rows)
}

func (w *scanWriter) start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("scan writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.mu.Unlock()

	log := w.log.WithComponent("scan_writer").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting scan writer")

	w.buffer = make(map[string][]model.ScanRow)

	flushInterval := w.config.Writer.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 5 * time.Minute
	}
	w.flushTicker = time.NewTicker(flushInterval)

	numWorkers := w.config.Writer.MaxWorkers
	if numWorkers < 1 {
		numWorkers = 1
	}

	log.WithFields(logger.Fields{"workers": numWorkers}).Info("starting scan writer workers")

	for i := 0; i < numWorkers; i++ {
		w.wg.Add(1)
		go w.worker(i)
	}

	w.wg.Add(1)
	go w.flushWorker()

	log.Info("scan writer started successfully")
	return nil
}

func (w *scanWriter) stop() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	w.log.WithComponent("scan_writer").Info("stopping scan writer")
	w.wg.Wait()
	w.log.WithComponent("scan_writer").Info("scan writer stopped")
}

func (w *scanWriter) worker(workerID int) {
	defer w.wg.Done()

	log := w.log.WithComponent("scan_writer").WithFields(logger.Fields{
		"worker_id": workerID,
		"worker":    "scan_writer",
	})

	log.Info("starting scan writer worker")

	for {
		select {
		case <-w.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case row, ok := <-w.rows:
			if !ok {
				log.Info("row channel closed, worker stopping")
				return
			}
			w.addRow(row)
		}
	}
}

func (w *scanWriter) addRow(row model.ScanRow) {
	w.mu.Lock()
	w.buffer[row.Asset] = append(w.buffer[row.Asset], row)
	w.mu.Unlock()
}

func (w *scanWriter) flushWorker() {
	defer w.wg.Done()

	log := w.log.WithComponent("scan_writer").WithFields(logger.Fields{"worker": "flush"})
	log.Info("starting flush worker")

	for {
		select {
		case <-w.ctx.Done():
			w.flushBuffers("shutdown")
			log.Info("flush worker stopped due to context cancellation")
			return
		case <-w.flushTicker.C:
			w.flushBuffers("interval")
		}
	}
}

func (w *scanWriter) flushBuffers(reason string) {
	w.mu.Lock()
	buffers := w.buffer
	w.buffer = make(map[string][]model.ScanRow)
	w.mu.Unlock()

	if len(buffers) == 0 {
		return
	}

	w.log.WithComponent("scan_writer").WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	}).Info("flushing buffers")

	for asset, rows := range buffers {
		if len(rows) == 0 {
			continue
		}
		w.processBatch(asset, rows)
	}
}

func (w *scanWriter) processBatch(asset string, rows []model.ScanRow) {
	batchID := uuid.New().String()
	flushedAt := time.Now().UTC()

	log := w.log.WithComponent("scan_writer").WithFields(logger.Fields{
		"batch_id":     batchID,
		"asset":        asset,
		"record_count": len(rows),
		"operation":    "process_batch",
	})

	log.Info("processing batch")

	s3Key := w.generateS3Key(asset, flushedAt)
	log = log.WithFields(logger.Fields{"s3_key": s3Key})

	parquetData, fileSize, err := w.createParquetFile(rows)
	if err != nil {
		log.WithError(err).Error("failed to create parquet file")
		return
	}

	if err := w.uploadToS3(s3Key, parquetData); err != nil {
		log.WithError(err).
			WithEnv("S3_BUCKET").
			WithFields(logger.Fields{"bucket": w.config.Storage.S3.Bucket, "s3_key": s3Key}).
			Error("failed to upload to S3")
		return
	}

	logger.IncrementS3Write(int64(len(parquetData)))

	log.WithFields(logger.Fields{
		"file_size": fileSize,
	}).Info("batch processed and uploaded successfully")
}

func (w *scanWriter) generateS3Key(asset string, timestamp time.Time) string {
	var parts []string
	for _, k := range w.config.Writer.Partitioning.AdditionalKeys {
		switch k {
		case "asset":
			parts = append(parts, fmt.Sprintf("asset=%s", asset))
		case "app":
			parts = append(parts, fmt.Sprintf("app=%s", w.config.Yieldflow.Name))
		}
	}
	if len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("asset=%s", asset))
	}

	timeFormat := w.config.Writer.Partitioning.TimeFormat
	if timeFormat == "" {
		timeFormat = "year={year}/month={month}/day={day}"
	}
	timePath := strings.ReplaceAll(timeFormat, "{year}", fmt.Sprintf("%04d", timestamp.Year()))
	timePath = strings.ReplaceAll(timePath, "{month}", fmt.Sprintf("%02d", timestamp.Month()))
	timePath = strings.ReplaceAll(timePath, "{day}", fmt.Sprintf("%02d", timestamp.Day()))
	timePath = strings.ReplaceAll(timePath, "{hour}", fmt.Sprintf("%02d", timestamp.Hour()))

	parts = append(parts, timePath)

	filename := fmt.Sprintf("scans_%s_%s.parquet", asset, timestamp.Format("20060102150405"))
	key := filepath.Join(append(parts, filename)...)

	// Convert to forward slashes for S3
	return filepath.ToSlash(key)
}

func (w *scanWriter) createParquetFile(rows []model.ScanRow) ([]byte, int64, error) {
	log := w.log.WithComponent("scan_writer").WithFields(logger.Fields{
		"entries_count": len(rows),
		"operation":     "create_parquet_file",
	})
	log.Info("creating parquet file")

	fw := newMemoryFileWriter()

	pw, err := writer.NewParquetWriter(fw, new(ParquetRecord), 4)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch w.config.Writer.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	case "lzo":
		pw.CompressionType = parquet.CompressionCodec_LZO
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, row := range rows {
		if err := pw.Write(toParquetRecord(row)); err != nil {
			pw.WriteStop()
			return nil, 0, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, 0, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}

	data := fw.Bytes()

	log.WithFields(logger.Fields{
		"file_size":     len(data),
		"entries_count": len(rows),
		"compression":   w.config.Writer.Compression,
	}).Info("parquet file created successfully")

	return data, int64(len(data)), nil
}

func toParquetRecord(row model.ScanRow) ParquetRecord {
	record := ParquetRecord{
		ScanID:       row.ScanID,
		Asset:        row.Asset,
		Timestamp:    row.Timestamp.UnixMilli(),
		Strike:       row.Strike,
		ExpiryMs:     row.Expiry.UnixMilli(),
		DaysToExpiry: row.DaysToExpiry,
		Spot:         row.Spot,
		QuotedAPR:    row.QuotedAPR,
		Error:        row.Error,
	}
	// NaN is not representable in a DOUBLE column in a useful way; an
	// unknown volatility is stored as zero with the error column set.
	if row.Volatility == row.Volatility {
		record.Volatility = row.Volatility
	}
	if row.HasTheoretical {
		record.TheoreticalAPR = row.TheoreticalAPR
		record.ExcessAPR = row.ExcessAPR
		record.CallPrice = row.CallPrice
		record.Premium = row.Premium
		record.HasTheoretical = true
	} else {
		record.CallPrice = row.CallPrice
		record.Premium = row.Premium
	}
	return record
}

func (w *scanWriter) uploadToS3(key string, data []byte) error {
	log := w.log.WithComponent("scan_writer").WithFields(logger.Fields{
		"operation": "upload_to_s3",
		"data_size": len(data),
	})
	log.Info("uploading to S3")

	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.config.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":      "parquet",
			"compression":       w.config.Writer.Compression,
			"yieldflow-version": w.config.Yieldflow.Version,
		},
	}

	ctx := context.WithoutCancel(w.ctx)
	_, err := w.s3Client.PutObject(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", w.config.Storage.S3.Bucket, err)
	}

	log.Info("successfully uploaded to S3")
	return nil
}

// Start exposes the start method of scanWriter.
func (w *ScanWriter) Start(ctx context.Context) error { return w.start(ctx) }

// Stop exposes the stop method of scanWriter.
func (w *ScanWriter) Stop() { w.stop() }
