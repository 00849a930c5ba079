// Package archive writes closed-period usage snapshots to object storage
// before the scheduler prunes them from the live counter store.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/biznespilot/governor/pkg/observability"
	"github.com/biznespilot/governor/pkg/storage"
	"github.com/biznespilot/governor/pkg/usage"
)

var archiveTracer = otel.Tracer("governor/archive")

// ErrNoBucket is returned when archiving is configured without a bucket
var ErrNoBucket = errors.New("archive bucket not configured")

// Snapshot is the archived form of one billing period
type Snapshot struct {
	Period     string          `json:"period"`
	ArchivedAt time.Time       `json:"archived_at"`
	Counters   []usage.Counter `json:"counters"`
}

// S3Archiver stores usage snapshots in an S3 compatible bucket
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
	logger *observability.Logger
	now    func() time.Time
}

// NewS3Archiver builds an archiver from the storage S3 settings.
// Static keys are used when both are set, otherwise the default AWS chain.
func NewS3Archiver(ctx context.Context, cfg storage.Config, logger *observability.Logger) (*S3Archiver, error) {
	if cfg.S3Bucket == "" {
		return nil, ErrNoBucket
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.S3Region)}
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3UsePathStyle
		// MinIO and other S3 compatibles reject streaming checksum trailers
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})

	return &S3Archiver{
		client: client,
		bucket: cfg.S3Bucket,
		prefix: cfg.S3Prefix,
		logger: logger,
		now:    time.Now,
	}, nil
}

// EnsureBucket creates the bucket when it does not exist
func (a *S3Archiver) EnsureBucket(ctx context.Context) error {
	if _, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)}); err == nil {
		return nil
	}

	_, err := a.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(a.bucket)})
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		var exists *types.BucketAlreadyExists
		if errors.As(err, &owned) || errors.As(err, &exists) {
			return nil
		}
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	a.logger.WithField("bucket", a.bucket).Info("created archive bucket")
	return nil
}

// Key returns the object key of the snapshot for period
func (a *S3Archiver) Key(period string) string {
	return path.Join(a.prefix, "usage", period+".json")
}

// ArchiveUsage uploads the counters of period and returns the object key.
// Re-archiving a period overwrites the previous snapshot.
func (a *S3Archiver) ArchiveUsage(ctx context.Context, period string, counters []usage.Counter) (string, error) {
	key := a.Key(period)
	ctx, span := archiveTracer.Start(ctx, "S3Archiver.ArchiveUsage",
		trace.WithAttributes(
			attribute.String("s3.bucket", a.bucket),
			attribute.String("s3.key", key),
			attribute.String("usage.period", period),
			attribute.Int("usage.counters", len(counters)),
		),
	)
	defer span.End()

	if counters == nil {
		counters = []usage.Counter{}
	}
	data, err := json.Marshal(Snapshot{Period: period, ArchivedAt: a.now().UTC(), Counters: counters})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to encode snapshot")
		return "", fmt.Errorf("failed to encode snapshot: %w", err)
	}

	hash := sha256.Sum256(data)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"checksum-sha256": hex.EncodeToString(hash[:]),
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload snapshot")
		return "", fmt.Errorf("failed to upload snapshot: %w", err)
	}

	span.SetStatus(codes.Ok, "snapshot archived")
	a.logger.WithFields(map[string]any{
		"period":   period,
		"counters": len(counters),
		"key":      key,
	}).Info("usage snapshot archived")
	return key, nil
}

// Fetch reads back the snapshot of period
func (a *S3Archiver) Fetch(ctx context.Context, period string) (*Snapshot, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.Key(period)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

// HealthCheck verifies the bucket is reachable
func (a *S3Archiver) HealthCheck(ctx context.Context) error {
	if _, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)}); err != nil {
		return fmt.Errorf("s3 health check failed: %w", err)
	}
	return nil
}
