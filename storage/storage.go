// Package storage provides read access to S3-compatible object storage for
// scan-by-reference requests: callers name a stored object instead of
// uploading its bytes, and the scanner pulls the content from here.
//
// Objects are never written or mutated by this package. The object's ETag
// participates in the scan cache key, so a re-uploaded object with new
// content gets a fresh verdict automatically.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/peskar/icaro/consts"
	"github.com/peskar/icaro/logger"
	"github.com/peskar/icaro/pkg/metrics"
	"github.com/peskar/icaro/pkg/retry"
)

// S3Storage is a read-only client for one bucket.
type S3Storage struct {
	Client     *minio.Client
	BucketName string
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

func New(endpoint, accessKeyID, secretAccessKey, bucketName string, useSSL bool, debug bool) (*S3Storage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		logger.Error("STORAGE: Failed to initialize MinIO client", "error", err)
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	// Enable detailed tracing of requests and responses for debugging
	if debug {
		client.TraceOn(os.Stdout)
	}

	return &S3Storage{
		Client:     client,
		BucketName: bucketName,
	}, nil
}

// Stat fetches object metadata without downloading the body. Missing
// objects are reported as consts.ErrObjectNotFound.
func (s *S3Storage) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	start := time.Now()

	info, err := s.Client.StatObject(ctx, s.BucketName, key, minio.StatObjectOptions{})
	metrics.S3OperationDuration.WithLabelValues("STAT").Observe(time.Since(start).Seconds())
	if err != nil {
		if isNotFound(err) {
			metrics.S3OperationsTotal.WithLabelValues("STAT", "not_found").Inc()
			return nil, fmt.Errorf("%w: %s", consts.ErrObjectNotFound, key)
		}
		metrics.S3OperationsTotal.WithLabelValues("STAT", "error").Inc()
		return nil, err
	}

	metrics.S3OperationsTotal.WithLabelValues("STAT", "success").Inc()
	return &ObjectInfo{
		Key:          key,
		Size:         info.Size,
		ETag:         strings.Trim(info.ETag, `"`),
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
	}, nil
}

// Exists checks whether the object is present and returns its ETag.
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, string, error) {
	info, err := s.Stat(ctx, key)
	if err != nil {
		if errors.Is(err, consts.ErrObjectNotFound) {
			return false, "", nil
		}
		return false, "", err
	}
	return true, info.ETag, nil
}

// Get opens the object body for reading. The caller must close it.
func (s *S3Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()

	object, err := s.Client.GetObject(ctx, s.BucketName, key, minio.GetObjectOptions{})
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("GET", "error").Inc()
		metrics.S3OperationDuration.WithLabelValues("GET").Observe(time.Since(start).Seconds())
		return nil, err
	}

	metrics.S3OperationsTotal.WithLabelValues("GET", "success").Inc()
	metrics.S3OperationDuration.WithLabelValues("GET").Observe(time.Since(start).Seconds())
	return object, nil
}

// GetWithRetry opens the object body, retrying transient failures with
// exponential backoff. Missing objects are not retried.
func (s *S3Storage) GetWithRetry(ctx context.Context, key string) (io.ReadCloser, error) {
	var body io.ReadCloser
	err := retry.WithRetry(ctx, func() error {
		rc, getErr := s.Get(ctx, key)
		if getErr != nil {
			if isNotFound(getErr) {
				return retry.Stop(fmt.Errorf("%w: %s", consts.ErrObjectNotFound, key))
			}
			logger.Warn("STORAGE: transient GET failure, will retry", "key", key, "error", getErr)
			return getErr
		}
		body = rc
		return nil
	}, retry.DefaultBackoffConfig())
	if err != nil {
		return nil, err
	}
	return body, nil
}

// ObjectID builds the composite cache identifier for a stored object. The
// ETag ties the id to the object's content so verdicts for replaced objects
// never collide.
func (s *S3Storage) ObjectID(key, etag string) string {
	return fmt.Sprintf("%s/%s@%s", s.BucketName, key, etag)
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == 404
}
