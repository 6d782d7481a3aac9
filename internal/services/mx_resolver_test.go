// internal/services/mx_resolver_test.go

package services

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mail-relay/internal/config"
	"mail-relay/internal/models"
)

// fakeMXCache 記憶體內 MX 快取
type fakeMXCache struct {
	mu      sync.Mutex
	entries map[string]*models.MXCacheEntry
	getErr  error
}

func newFakeMXCache() *fakeMXCache {
	return &fakeMXCache{entries: make(map[string]*models.MXCacheEntry)}
}

func (f *fakeMXCache) GetMXCache(ctx context.Context, domain string) (*models.MXCacheEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.entries[domain], nil
}

func (f *fakeMXCache) SetMXCache(ctx context.Context, entry *models.MXCacheEntry, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[entry.Domain] = entry
	return nil
}

// fakeLookup 可注入的 DNS 查詢, 記錄呼叫次數
type fakeLookup struct {
	calls   int
	records []*net.MX
	err     error
}

func (f *fakeLookup) lookup(ctx context.Context, domain string) ([]*net.MX, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

func resolverConfig() *config.Config {
	return &config.Config{
		MXCacheTTL: time.Hour,
		DNSTimeout: 5 * time.Second,
	}
}

func TestResolveSortsByPriority(t *testing.T) {
	lookup := &fakeLookup{records: []*net.MX{
		{Host: "mx2.example.com.", Pref: 20},
		{Host: "mx1.example.com.", Pref: 10},
		{Host: "mx3.example.com.", Pref: 30},
	}}
	resolver := NewMXResolverService(resolverConfig(), newFakeMXCache(), lookup.lookup)

	records, err := resolver.Resolve(context.Background(), "example.com")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "mx1.example.com", records[0].Host)
	assert.Equal(t, "mx2.example.com", records[1].Host)
	assert.Equal(t, "mx3.example.com", records[2].Host)
}

func TestResolveCacheHitSkipsLookup(t *testing.T) {
	cache := newFakeMXCache()
	cache.entries["example.com"] = &models.MXCacheEntry{
		Domain:     "example.com",
		Records:    []models.MXRecord{{Host: "mx.example.com", Priority: 10}},
		ResolvedAt: time.Now(),
	}
	lookup := &fakeLookup{}
	resolver := NewMXResolverService(resolverConfig(), cache, lookup.lookup)

	records, err := resolver.Resolve(context.Background(), "example.com")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "mx.example.com", records[0].Host)
	assert.Equal(t, 0, lookup.calls, "cache hit must not trigger DNS lookup")
}

func TestResolveCacheMissPopulatesCache(t *testing.T) {
	cache := newFakeMXCache()
	lookup := &fakeLookup{records: []*net.MX{{Host: "mx.example.com.", Pref: 10}}}
	resolver := NewMXResolverService(resolverConfig(), cache, lookup.lookup)
	ctx := context.Background()

	_, err := resolver.Resolve(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, lookup.calls)

	// 第二次應命中快取
	_, err = resolver.Resolve(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, lookup.calls)
}

func TestResolveNoRecordsIsPermanent(t *testing.T) {
	lookup := &fakeLookup{records: []*net.MX{}}
	resolver := NewMXResolverService(resolverConfig(), newFakeMXCache(), lookup.lookup)

	_, err := resolver.Resolve(context.Background(), "nomx.example.com")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoDeliverableHost)
	assert.True(t, IsPermanentDeliveryError(err))
}

func TestResolveNXDomainIsPermanent(t *testing.T) {
	lookup := &fakeLookup{err: &net.DNSError{Err: "no such host", Name: "ghost.example", IsNotFound: true}}
	resolver := NewMXResolverService(resolverConfig(), newFakeMXCache(), lookup.lookup)

	_, err := resolver.Resolve(context.Background(), "ghost.example")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoDeliverableHost)
}

func TestResolveFailureNotCached(t *testing.T) {
	cache := newFakeMXCache()
	lookup := &fakeLookup{err: errors.New("dns timeout")}
	resolver := NewMXResolverService(resolverConfig(), cache, lookup.lookup)
	ctx := context.Background()

	_, err := resolver.Resolve(ctx, "example.com")
	require.Error(t, err)
	assert.False(t, IsPermanentDeliveryError(err), "transient DNS failure must not be permanent")
	assert.Empty(t, cache.entries)

	// 失敗未寫入快取, 下次重新查詢
	lookup.err = nil
	lookup.records = []*net.MX{{Host: "mx.example.com.", Pref: 10}}
	_, err = resolver.Resolve(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, lookup.calls)
}

func TestResolveCacheErrorDegradesToLookup(t *testing.T) {
	cache := newFakeMXCache()
	cache.getErr = errors.New("connection refused")
	lookup := &fakeLookup{records: []*net.MX{{Host: "mx.example.com.", Pref: 10}}}
	resolver := NewMXResolverService(resolverConfig(), cache, lookup.lookup)

	records, err := resolver.Resolve(context.Background(), "example.com")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 1, lookup.calls)
}

func TestResolveNormalizesDomain(t *testing.T) {
	cache := newFakeMXCache()
	lookup := &fakeLookup{records: []*net.MX{{Host: "mx.example.com.", Pref: 10}}}
	resolver := NewMXResolverService(resolverConfig(), cache, lookup.lookup)
	ctx := context.Background()

	_, err := resolver.Resolve(ctx, "Example.COM.")
	require.NoError(t, err)

	_, ok := cache.entries["example.com"]
	assert.True(t, ok, "cache key should be the normalized domain")
}

func TestResolveConcurrentMissSingleLookup(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	lookup := func(ctx context.Context, domain string) ([]*net.MX, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []*net.MX{{Host: "mx.example.com.", Pref: 10}}, nil
	}
	resolver := NewMXResolverService(resolverConfig(), newFakeMXCache(), lookup)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			records, err := resolver.Resolve(context.Background(), "example.com")
			assert.NoError(t, err)
			assert.Len(t, records, 1)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	// 並行 miss 共用同一次查詢, 後到者命中快取
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
