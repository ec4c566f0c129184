package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrStorage marks a blob store failure that survived the retry.
var ErrStorage = errors.New("storage error")

// RetryingStore bounds each call with a timeout and retries a failed call once.
// ErrNotFound is never retried.
type RetryingStore struct {
	next    BlobStore
	timeout time.Duration
	backoff time.Duration
	logger  *zap.Logger
}

// NewRetryingStore wraps next. A zero timeout defaults to 30 seconds.
func NewRetryingStore(next BlobStore, timeout time.Duration, logger *zap.Logger) *RetryingStore {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RetryingStore{next: next, timeout: timeout, backoff: 200 * time.Millisecond, logger: logger}
}

func (s *RetryingStore) do(ctx context.Context, op, ref string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err = fn(attemptCtx)
		cancel()
		if err == nil || errors.Is(err, ErrNotFound) {
			return err
		}
		if ctx.Err() != nil {
			break
		}
		s.logger.Warn("Blob store call failed",
			zap.String("op", op),
			zap.String("ref", ref),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt == 1 {
			select {
			case <-time.After(s.backoff):
			case <-ctx.Done():
			}
		}
	}
	return fmt.Errorf("%w: %s %s: %v", ErrStorage, op, ref, err)
}

func (s *RetryingStore) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	var ref string
	err := s.do(ctx, "upload", path, func(ctx context.Context) error {
		var err error
		ref, err = s.next.Upload(ctx, path, data, contentType)
		return err
	})
	return ref, err
}

func (s *RetryingStore) Download(ctx context.Context, ref string) ([]byte, error) {
	var data []byte
	err := s.do(ctx, "download", ref, func(ctx context.Context) error {
		var err error
		data, err = s.next.Download(ctx, ref)
		return err
	})
	return data, err
}

func (s *RetryingStore) SignedURL(ctx context.Context, ref string, ttl time.Duration, filename string) (string, error) {
	var url string
	err := s.do(ctx, "signed_url", ref, func(ctx context.Context) error {
		var err error
		url, err = s.next.SignedURL(ctx, ref, ttl, filename)
		return err
	})
	return url, err
}

func (s *RetryingStore) Delete(ctx context.Context, ref string) error {
	return s.do(ctx, "delete", ref, func(ctx context.Context) error {
		return s.next.Delete(ctx, ref)
	})
}
