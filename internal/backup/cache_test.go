package backup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadcore/leadsync/internal/document"
	"github.com/leadcore/leadsync/internal/remote"
)

type countingStore struct {
	*MemoryStore
	puts   int
	putErr error
	getErr error
}

func (s *countingStore) Put(ctx context.Context, key string, value []byte) error {
	if s.putErr != nil {
		return s.putErr
	}
	s.puts++
	return s.MemoryStore.Put(ctx, key, value)
}

func (s *countingStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.MemoryStore.Get(ctx, key)
}

func TestCacheRoundTrip(t *testing.T) {
	cache := NewCache(NewMemoryStore(), nil)

	_, ok := cache.Read(context.Background())
	assert.False(t, ok)

	doc := document.Default()
	doc.Customers = []document.Customer{{ID: "c1", FirstName: "Dana", CreatedAt: "x", UpdatedAt: "x", Policies: []document.Policy{}}}
	doc.Meta.UpdatedAt = "2025-01-01T00:00:00.000Z"
	require.NoError(t, cache.Write(context.Background(), doc))

	got, ok := cache.Read(context.Background())
	require.True(t, ok)
	assert.Equal(t, doc, got)
}

func TestCacheSkipsIdenticalWrites(t *testing.T) {
	store := &countingStore{MemoryStore: NewMemoryStore()}
	cache := NewCache(store, nil)
	doc := document.Default()

	require.NoError(t, cache.Write(context.Background(), doc))
	require.NoError(t, cache.Write(context.Background(), doc))
	assert.Equal(t, 1, store.puts)

	doc.Stamp(time.Now())
	require.NoError(t, cache.Write(context.Background(), doc))
	assert.Equal(t, 2, store.puts)
}

func TestCacheWriteFailureIsRetried(t *testing.T) {
	store := &countingStore{MemoryStore: NewMemoryStore(), putErr: errors.New("disk full")}
	cache := NewCache(store, nil)
	doc := document.Default()

	assert.Error(t, cache.Write(context.Background(), doc))
	store.putErr = nil
	require.NoError(t, cache.Write(context.Background(), doc))
	assert.Equal(t, 1, store.puts)
}

func TestCacheReadIgnoresCorruptSnapshot(t *testing.T) {
	for name, raw := range map[string]string{
		"not json": "<html>",
		"array":    "[1,2]",
		"empty":    "",
	} {
		t.Run(name, func(t *testing.T) {
			store := NewMemoryStore()
			require.NoError(t, store.Put(context.Background(), SnapshotKey, []byte(raw)))
			_, ok := NewCache(store, nil).Read(context.Background())
			assert.False(t, ok)
		})
	}
}

func TestCacheReadNormalizesSnapshot(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), SnapshotKey, []byte(`{"customers":"broken"}`)))
	doc, ok := NewCache(store, nil).Read(context.Background())
	require.True(t, ok)
	assert.Empty(t, doc.Customers)
	assert.NotEmpty(t, doc.Agents)
}

func TestCacheClear(t *testing.T) {
	store := &countingStore{MemoryStore: NewMemoryStore()}
	cache := NewCache(store, nil)
	doc := document.Default()
	require.NoError(t, cache.Write(context.Background(), doc))

	require.NoError(t, cache.Clear(context.Background()))
	_, ok := cache.Read(context.Background())
	assert.False(t, ok)

	require.NoError(t, cache.Write(context.Background(), doc))
	_, ok = cache.Read(context.Background())
	assert.True(t, ok)
}

func TestCacheReadStoreError(t *testing.T) {
	store := &countingStore{MemoryStore: NewMemoryStore(), getErr: errors.New("unavailable")}
	_, ok := NewCache(store, nil).Read(context.Background())
	assert.False(t, ok)
}

func TestSettingsEndpoint(t *testing.T) {
	settings := NewSettings(NewMemoryStore())
	ctx := context.Background()

	endpoint, err := settings.Endpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, "", endpoint)

	assert.ErrorIs(t, settings.SetEndpoint(ctx, "not a url"), remote.ErrConfiguration)

	require.NoError(t, settings.SetEndpoint(ctx, "  https://script.example.com/exec?x=1 "))
	endpoint, err = settings.Endpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://script.example.com/exec?x=1", endpoint)

	require.NoError(t, settings.SetEndpoint(ctx, ""))
	endpoint, err = settings.Endpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, "", endpoint)
}
