package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type flakyStore struct {
	*MemoryStore
	failures int
	calls    int
}

func (f *flakyStore) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	f.calls++
	if f.calls <= f.failures {
		return "", errors.New("connection reset")
	}
	return f.MemoryStore.Upload(ctx, path, data, contentType)
}

func newTestRetryingStore(next BlobStore) *RetryingStore {
	s := NewRetryingStore(next, time.Second, zap.NewNop())
	s.backoff = time.Millisecond
	return s
}

func TestRetryingStore_RetriesOnce(t *testing.T) {
	flaky := &flakyStore{MemoryStore: NewMemoryStore(), failures: 1}
	store := newTestRetryingStore(flaky)

	ref, err := store.Upload(context.Background(), "docs/a.pdf", []byte("%PDF"), "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, "docs/a.pdf", ref)
	assert.Equal(t, 2, flaky.calls)
}

func TestRetryingStore_GivesUpAfterSecondFailure(t *testing.T) {
	flaky := &flakyStore{MemoryStore: NewMemoryStore(), failures: 5}
	store := newTestRetryingStore(flaky)

	_, err := store.Upload(context.Background(), "docs/a.pdf", []byte("%PDF"), "application/pdf")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)
	assert.Equal(t, 2, flaky.calls)
	assert.Equal(t, 0, flaky.Len())
}

func TestRetryingStore_NotFoundIsNotRetried(t *testing.T) {
	store := newTestRetryingStore(NewMemoryStore())

	_, err := store.Download(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrStorage)
}

func TestMemoryStore_SignedURL(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Upload(context.Background(), "signed/v1.pdf", []byte("x"), "application/pdf")
	require.NoError(t, err)

	url, err := store.SignedURL(context.Background(), "signed/v1.pdf", time.Minute, "contract.pdf")
	require.NoError(t, err)
	assert.Contains(t, url, "memory://signed/v1.pdf")
	assert.Contains(t, url, "filename=contract.pdf")
}
