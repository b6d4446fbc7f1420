package sink

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "tickerflow/config"
	"tickerflow/logger"
	"tickerflow/models"
)

// ParquetRecord is the on-disk row shape for archived ticks.
type ParquetRecord struct {
	Exchange      string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol        string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price         float64 `parquet:"name=price, type=DOUBLE"`
	Volume24h     float64 `parquet:"name=volume_24h, type=DOUBLE"`
	VolumeUnit    string  `parquet:"name=volume_unit, type=BYTE_ARRAY, convertedtype=UTF8"`
	ChangePercent float64 `parquet:"name=change_percent_24h, type=DOUBLE"`
	Currency      string  `parquet:"name=currency, type=BYTE_ARRAY, convertedtype=UTF8"`
	ObservedAt    int64   `parquet:"name=observed_at, type=INT64"`
	SourceTs      int64   `parquet:"name=source_ts, type=INT64"`
}

// memoryFileWriter implements the ParquetFile interface for in-memory
// writing.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error)   { return mfw, nil }

func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	// Write-only usage never needs to reposition.
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

// S3Sink archives batches as parquet objects partitioned by exchange
// and date.
type S3Sink struct {
	config   appconfig.S3SinkConfig
	version  string
	s3Client *s3.Client
	log      *logger.Entry
}

func NewS3Sink(cfg *appconfig.Config) (*S3Sink, error) {
	sc := cfg.Sinks.S3
	log := logger.GetLogger().WithComponent("s3_sink")

	ctx := context.Background()
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(sc.Region),
	}
	if sc.AccessKeyID != "" && sc.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(sc.AccessKeyID, sc.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS configuration: %w", err)
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if sc.Endpoint != "" {
			o.BaseEndpoint = aws.String(sc.Endpoint)
		}
		o.UsePathStyle = sc.PathStyle
	})

	log.WithFields(logger.Fields{
		"bucket":     sc.Bucket,
		"region":     sc.Region,
		"endpoint":   sc.Endpoint,
		"path_style": sc.PathStyle,
	}).Info("s3 sink initialized")

	return &S3Sink{
		config:   sc,
		version:  cfg.Tickerflow.Version,
		s3Client: client,
		log:      log,
	}, nil
}

func (w *S3Sink) Name() string { return "s3" }

func (w *S3Sink) Send(ctx context.Context, batch models.TickBatch) error {
	if batch.RecordCount == 0 {
		return nil
	}

	// One parquet object per exchange keeps the partition layout clean.
	byExchange := make(map[models.Exchange][]models.Tick)
	for _, tick := range batch.Ticks {
		byExchange[tick.Exchange] = append(byExchange[tick.Exchange], tick)
	}

	for exchange, ticks := range byExchange {
		key := w.objectKey(exchange, batch)
		data, err := w.createParquetFile(ticks)
		if err != nil {
			return fmt.Errorf("create parquet file: %w", err)
		}
		start := time.Now()
		if err := w.upload(ctx, key, data); err != nil {
			return err
		}
		logger.LogPerformanceEntry(w.log, "s3_sink", "upload", time.Since(start), logger.Fields{
			"s3_key":    key,
			"file_size": len(data),
		})
		w.log.WithFields(logger.Fields{
			"batch_id":     batch.BatchID,
			"exchange":     string(exchange),
			"record_count": len(ticks),
			"file_size":    len(data),
			"s3_key":       key,
		}).Info("batch archived")
		logger.IncrementSinkWrite("s3", len(data))
	}
	return nil
}

func (w *S3Sink) objectKey(exchange models.Exchange, batch models.TickBatch) string {
	ts := batch.CreatedAt.UTC()
	filename := fmt.Sprintf("ticks_%s_%s.parquet", ts.Format("20060102150405"), shortID(batch.BatchID))

	parts := []string{}
	if w.config.Prefix != "" {
		parts = append(parts, w.config.Prefix)
	}
	parts = append(parts,
		fmt.Sprintf("exchange=%s", exchange),
		fmt.Sprintf("date=%s", ts.Format("2006-01-02")),
		fmt.Sprintf("hour=%02d", ts.Hour()),
		filename,
	)
	return filepath.ToSlash(filepath.Join(parts...))
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (w *S3Sink) createParquetFile(ticks []models.Tick) ([]byte, error) {
	fw := newMemoryFileWriter()
	pw, err := writer.NewParquetWriter(fw, new(ParquetRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}

	switch w.config.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, tick := range ticks {
		record := ParquetRecord{
			Exchange:      string(tick.Exchange),
			Symbol:        tick.Symbol,
			Price:         tick.Price,
			Volume24h:     tick.Volume24h,
			VolumeUnit:    string(tick.VolumeUnit),
			ChangePercent: tick.ChangePercent24h,
			Currency:      tick.Currency,
			ObservedAt:    tick.ObservedAt.UnixMilli(),
		}
		if !tick.SourceTimestamp.IsZero() {
			record.SourceTs = tick.SourceTimestamp.UnixMilli()
		}
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}

func (w *S3Sink) upload(ctx context.Context, key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":       "parquet",
			"compression":        w.config.Compression,
			"tickerflow-version": w.version,
		},
	}

	// An upload already in flight finishes even during shutdown.
	_, err := w.s3Client.PutObject(context.WithoutCancel(ctx), input)
	if err != nil {
		return fmt.Errorf("upload to S3 bucket %s: %w", w.config.Bucket, err)
	}
	return nil
}
