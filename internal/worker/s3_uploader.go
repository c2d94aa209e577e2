// internal/worker/s3_uploader.go
package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"pixelwatch/internal/config"
	"pixelwatch/internal/metrics"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfgLib "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// objectPutter is the slice of the S3 API the uploader needs.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader puts archive batches into the archive bucket.
//   - in-memory gzip+JSONL batches (UploadBytesWithRetryCtx)
//   - spooled files (UploadFileWithRetryCtx)
//
// Every attempt has its own timeout and the retry loop stops as soon as
// ctx is canceled.
type S3Uploader struct {
	bucket  string
	timeout time.Duration
	retries int
	backoff time.Duration // first retry delay, doubled up to maxBackoff

	metrics *metrics.Metrics
	client  objectPutter
}

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 2 * time.Second
)

// NewS3Uploader loads the AWS config for cfg.AWSRegion.
func NewS3Uploader(ctx context.Context, cfg config.Config, m *metrics.Metrics) (*S3Uploader, error) {
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newS3Uploader(cfg, m, client), nil
}

func newS3Uploader(cfg config.Config, m *metrics.Metrics, client objectPutter) *S3Uploader {
	retries := cfg.S3AppRetries
	if retries < 1 {
		retries = 1
	}
	timeout := cfg.S3Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &S3Uploader{
		bucket:  cfg.ArchiveBucket,
		timeout: timeout,
		retries: retries,
		backoff: initialBackoff,
		metrics: m,
		client:  client,
	}
}

// newS3Client pins SDK retries to zero; retrying is the uploader's job.
func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsCfgLib.LoadDefaultConfig(ctx, awsCfgLib.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 0
	}), nil
}

// UploadBytesWithRetryCtx
// -----------------------
// Uploads a batch already in memory. A fresh reader is built per attempt.
func (u *S3Uploader) UploadBytesWithRetryCtx(ctx context.Context, key string, body []byte) error {
	return u.withRetry(ctx, func() error {
		return u.putObject(ctx, key, bytes.NewReader(body), int64(len(body)))
	})
}

// UploadFileWithRetryCtx
// -----------------------
// Uploads a spooled file. f is rewound before every attempt.
func (u *S3Uploader) UploadFileWithRetryCtx(ctx context.Context, key string, f io.ReadSeeker, size int64) error {
	return u.withRetry(ctx, func() error {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		return u.putObject(ctx, key, f, size)
	})
}

func (u *S3Uploader) withRetry(ctx context.Context, attempt func() error) error {
	var lastErr error
	backoff := u.backoff

	for i := 1; i <= u.retries; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := attempt()
		if err == nil {
			return nil
		}
		lastErr = err
		atomic.AddInt64(&u.metrics.S3PutErrorsTotal, 1)

		if i == u.retries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}

	return fmt.Errorf("s3 put after %d attempts: %w", u.retries, lastErr)
}

// putObject is a single PutObject call bounded by the per-attempt timeout.
func (u *S3Uploader) putObject(ctx context.Context, key string, body io.Reader, size int64) error {
	ctx2, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	_, err := u.client.PutObject(ctx2, &s3.PutObjectInput{
		Bucket:          aws.String(u.bucket),
		Key:             aws.String(key),
		Body:            body,
		ContentLength:   aws.Int64(size),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
	})
	return err
}
