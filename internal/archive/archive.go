// Package archive persists closed escalation cases to S3-compatible
// object storage. Cases swept out of the in-memory tracker are batched,
// gzip-compressed, and written as JSON objects keyed by date.
package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"opsrelay/internal/config"
	"opsrelay/internal/escalate"
)

// ErrNoBucket is returned when the archiver is configured without a bucket.
var ErrNoBucket = errors.New("archive: bucket is required")

// objectPutter is the slice of the S3 API the archiver uses.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// CaseBatch is the JSON document written per upload.
type CaseBatch struct {
	BatchID   uuid.UUID        `json:"batch_id"`
	Count     int              `json:"count"`
	StartTime time.Time        `json:"start_time"`
	EndTime   time.Time        `json:"end_time"`
	Cases     []*escalate.Case `json:"cases"`
	CreatedAt time.Time        `json:"created_at"`
}

// Result describes one completed upload.
type Result struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
	Size  int64  `json:"size"`
}

// Archiver writes closed cases to object storage.
type Archiver struct {
	client  objectPutter
	bucket  string
	prefix  string
	logger  *slog.Logger
	metrics archiverMetrics
}

type archiverMetrics struct {
	casesArchived   atomic.Int64
	batchesUploaded atomic.Int64
	bytesUploaded   atomic.Int64
	errors          atomic.Int64
}

// New builds an archiver backed by a real S3 client. A custom endpoint
// with path-style addressing supports MinIO and other S3-compatible
// stores.
func New(ctx context.Context, cfg config.S3Config, logger *slog.Logger) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, ErrNoBucket
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		opts = append(opts, awsconfig.WithCredentialsProvider(creds))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	a := newArchiver(s3.NewFromConfig(awsCfg, s3Opts...), cfg, logger)

	logger.Info("case archiver initialized",
		"bucket", cfg.Bucket,
		"region", region,
		"prefix", a.prefix,
	)

	return a, nil
}

func newArchiver(client objectPutter, cfg config.S3Config, logger *slog.Logger) *Archiver {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "cases"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Archiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
		logger: logger,
	}
}

// ArchiveCases uploads one gzipped JSON batch containing the given cases.
// A nil result with nil error means there was nothing to archive.
func (a *Archiver) ArchiveCases(ctx context.Context, cases []*escalate.Case) (*Result, error) {
	if len(cases) == 0 {
		return nil, nil
	}

	batch := buildBatch(cases)

	data, err := json.Marshal(batch)
	if err != nil {
		a.metrics.errors.Add(1)
		return nil, fmt.Errorf("archive: failed to marshal batch: %w", err)
	}

	compressed, err := gzipBytes(data)
	if err != nil {
		a.metrics.errors.Add(1)
		return nil, fmt.Errorf("archive: failed to compress batch: %w", err)
	}

	key := a.batchKey(batch.CreatedAt, batch.BatchID)

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(compressed),
		ContentType:     aws.String("application/json"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		a.metrics.errors.Add(1)
		return nil, fmt.Errorf("archive: failed to upload batch %s: %w", key, err)
	}

	size := int64(len(compressed))
	a.metrics.casesArchived.Add(int64(len(cases)))
	a.metrics.batchesUploaded.Add(1)
	a.metrics.bytesUploaded.Add(size)

	a.logger.Info("archived cases",
		"key", key,
		"cases", len(cases),
		"bytes", size,
	)

	return &Result{Key: key, Count: len(cases), Size: size}, nil
}

// batchKey builds the object key: <prefix>YYYY/MM/DD/<batch-id>.json.gz.
func (a *Archiver) batchKey(t time.Time, id uuid.UUID) string {
	return fmt.Sprintf("%s%s/%s.json.gz", a.prefix, t.UTC().Format("2006/01/02"), id)
}

func buildBatch(cases []*escalate.Case) *CaseBatch {
	start := cases[0].CreatedAt
	end := cases[0].UpdatedAt
	for _, c := range cases {
		if c.CreatedAt.Before(start) {
			start = c.CreatedAt
		}
		if c.UpdatedAt.After(end) {
			end = c.UpdatedAt
		}
	}
	return &CaseBatch{
		BatchID:   uuid.New(),
		Count:     len(cases),
		StartTime: start,
		EndTime:   end,
		Cases:     cases,
		CreatedAt: time.Now(),
	}
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Metrics contains archiver counters.
type Metrics struct {
	CasesArchived   int64 `json:"cases_archived"`
	BatchesUploaded int64 `json:"batches_uploaded"`
	BytesUploaded   int64 `json:"bytes_uploaded"`
	Errors          int64 `json:"errors"`
}

// GetMetrics returns current archiver metrics.
func (a *Archiver) GetMetrics() Metrics {
	return Metrics{
		CasesArchived:   a.metrics.casesArchived.Load(),
		BatchesUploaded: a.metrics.batchesUploaded.Load(),
		BytesUploaded:   a.metrics.bytesUploaded.Load(),
		Errors:          a.metrics.errors.Load(),
	}
}
