// Package archive exports the audit trail to S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/ManuelReschke/tiersync/app/models"
	"github.com/ManuelReschke/tiersync/internal/pkg/config"
)

const pageSize = 1000

// EventSource pages through audit events created in [from, to).
type EventSource interface {
	ListBetween(ctx context.Context, from, to time.Time, afterID uint, limit int) ([]models.AuditEvent, error)
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Exporter writes one JSON-lines object per UTC day.
type Exporter struct {
	s3     objectPutter
	source EventSource
	bucket string
	prefix string
}

// NewExporter connects to the configured bucket.
func NewExporter(ctx context.Context, cfg config.S3Config, source EventSource) (*Exporter, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("S3 archive is disabled")
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			// S3-compatible providers want path-style URLs
			o.UsePathStyle = true
		}
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.BucketName)}); err != nil {
		return nil, fmt.Errorf("bucket %s not accessible: %w", cfg.BucketName, err)
	}

	log.Infof("[Archive] Successfully initialized S3 client for bucket: %s", cfg.BucketName)
	return newExporter(client, source, cfg.BucketName, cfg.Prefix), nil
}

func newExporter(client objectPutter, source EventSource, bucket, prefix string) *Exporter {
	return &Exporter{s3: client, source: source, bucket: bucket, prefix: prefix}
}

// ExportDay uploads the audit events of day's UTC date and returns the object
// key. Days without events produce no object and an empty key.
func (e *Exporter) ExportDay(ctx context.Context, day time.Time) (string, error) {
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 1)

	var (
		buf   bytes.Buffer
		count int
		after uint
	)
	enc := json.NewEncoder(&buf)
	for {
		events, err := e.source.ListBetween(ctx, from, to, after, pageSize)
		if err != nil {
			return "", fmt.Errorf("list audit events: %w", err)
		}
		for i := range events {
			if err := enc.Encode(&events[i]); err != nil {
				return "", fmt.Errorf("encode audit event %d: %w", events[i].ID, err)
			}
		}
		count += len(events)
		if len(events) < pageSize {
			break
		}
		after = events[len(events)-1].ID
	}
	if count == 0 {
		return "", nil
	}

	key := e.objectKey(from)
	if _, err := e.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(e.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentType:   aws.String("application/x-ndjson"),
		ContentLength: aws.Int64(int64(buf.Len())),
		Metadata: map[string]string{
			"event-count":   fmt.Sprint(count),
			"upload-source": "tiersync-audit",
		},
	}); err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	log.Infof("[Archive] Uploaded %d audit events to s3://%s/%s", count, e.bucket, key)
	return key, nil
}

// objectKey formats prefix/YYYY/MM/DD-<uuid>.jsonl. The uuid keeps re-exports
// of the same day from overwriting each other.
func (e *Exporter) objectKey(day time.Time) string {
	key := fmt.Sprintf("%04d/%02d/%02d-%s.jsonl", day.Year(), int(day.Month()), day.Day(), uuid.NewString())
	if e.prefix == "" {
		return key
	}
	return e.prefix + "/" + key
}
