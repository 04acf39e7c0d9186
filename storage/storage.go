// Package storage keeps outbound message bodies in S3-compatible object
// storage.
//
// Every queued message is one object named after its queue id. The
// envelope is stored next to it as a JSON sidecar object ("<key>.meta.json")
// since S3 user metadata is too small to hold it. All calls go through a
// circuit breaker; the small metadata and delete requests are retried with
// exponential backoff while body uploads are streamed once and never
// retried.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/archessay/wildduck/config"
	"github.com/archessay/wildduck/consts"
	"github.com/archessay/wildduck/logger"
	"github.com/archessay/wildduck/pkg/metrics"
	"github.com/archessay/wildduck/pkg/retry"
	"github.com/archessay/wildduck/server/maildrop"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sony/gobreaker"
)

const (
	metaSuffix = ".meta.json"
	partSize   = 16 << 20
)

// ObjectAPI is the part of *minio.Client the storage needs.
type ObjectAPI interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
}

type S3Storage struct {
	client  ObjectAPI
	bucket  string
	prefix  string
	breaker *gobreaker.CircuitBreaker
	backoff retry.BackoffConfig
}

var _ maildrop.BlobStore = (*S3Storage)(nil)

// New connects to the configured endpoint.
func New(cfg config.S3Config) (*S3Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: !cfg.DisableTLS,
	})
	if err != nil {
		logger.Error("Storage: Failed to initialize MinIO client", "error", err)
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	if cfg.Debug {
		client.TraceOn(os.Stdout)
	}
	return NewWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewWithClient wraps an existing object client.
func NewWithClient(client ObjectAPI, bucket, prefix string) *S3Storage {
	s := &S3Storage{
		client:  client,
		bucket:  bucket,
		prefix:  strings.TrimPrefix(prefix, "/"),
		backoff: retry.DefaultBackoffConfig(),
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "s3-" + bucket,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Storage: Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return s
}

// SetBackoff replaces the retry policy used for metadata and deletes.
func (s *S3Storage) SetBackoff(cfg retry.BackoffConfig) {
	s.backoff = cfg
}

// Key returns the object key for a stored message name.
func (s *S3Storage) Key(name string) string {
	if s.prefix == "" {
		return name
	}
	return strings.TrimSuffix(s.prefix, "/") + "/" + name
}

// Upload streams r into a new object. The length is not known in advance
// so the client switches to a multipart upload with bounded parts.
func (s *S3Storage) Upload(ctx context.Context, name string, r io.Reader, opts maildrop.UploadOptions) error {
	key := s.Key(name)
	putOpts := minio.PutObjectOptions{
		ContentType: opts.ContentType,
		PartSize:    partSize,
	}
	if !opts.Created.IsZero() {
		putOpts.UserMetadata = map[string]string{"created": opts.Created.UTC().Format(time.RFC3339)}
	}

	err := s.observe(ctx, "PUT", func() error {
		_, err := s.client.PutObject(ctx, s.bucket, key, r, -1, putOpts)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", consts.ErrS3UploadFailed, key, err)
	}
	return nil
}

// SetMeta stores the envelope of an uploaded message.
func (s *S3Storage) SetMeta(ctx context.Context, name string, env *maildrop.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	key := s.Key(name) + metaSuffix
	err = retry.WithRetry(ctx, func() error {
		return s.observe(ctx, "PUT_META", func() error {
			_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
				minio.PutObjectOptions{ContentType: "application/json"})
			return err
		})
	}, s.backoff)
	if err != nil {
		return fmt.Errorf("failed to store envelope for %s: %w", name, err)
	}
	return nil
}

// Unlink removes a message body and its envelope. Missing objects are not
// an error.
func (s *S3Storage) Unlink(ctx context.Context, name string) error {
	var errs []error
	for _, key := range []string{s.Key(name), s.Key(name) + metaSuffix} {
		err := retry.WithRetry(ctx, func() error {
			return s.observe(ctx, "DELETE", func() error {
				err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
				if isNotFound(err) {
					return nil
				}
				return err
			})
		}, s.backoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to delete %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// observe runs fn through the circuit breaker and records metrics. An open
// breaker is final for the retry loop.
func (s *S3Storage) observe(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	metrics.S3OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues(op, classifyS3Error(err)).Inc()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) || ctx.Err() != nil {
			return retry.Stop(err)
		}
		return err
	}
	metrics.S3OperationsTotal.WithLabelValues(op, "success").Inc()
	return nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.StatusCode == 404 || resp.Code == "NoSuchKey"
	}
	return false
}

// classifyS3Error classifies S3 errors for metrics tracking
func classifyS3Error(err error) string {
	errStr := err.Error()
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case strings.Contains(errStr, "AccessDenied") || strings.Contains(errStr, "Forbidden"):
		return "access_denied"
	case strings.Contains(errStr, "NoSuchKey") || strings.Contains(errStr, "NotFound"):
		return "not_found"
	case strings.Contains(errStr, "SlowDown") || strings.Contains(errStr, "RequestLimitExceeded"):
		return "throttled"
	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host"):
		return "network_error"
	default:
		return "error"
	}
}
