package chunkcache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vaultdisk/vaultdisk/pkg/chunkaddr"
)

func TestMemoryCacheHitAvoidsRefetch(t *testing.T) {
	cache := NewMemoryCache(4)
	addr := chunkaddr.Of([]byte("a"))
	var calls int32

	fetch := func(ctx context.Context, a chunkaddr.Address) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("payload"), nil
	}

	for i := 0; i < 3; i++ {
		data, err := cache.Fetch(context.Background(), addr, fetch)
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if string(data) != "payload" {
			t.Fatalf("Fetch = %q", data)
		}
	}
	if calls != 1 {
		t.Fatalf("fetch called %d times, want 1", calls)
	}
}

func TestMemoryCacheEvictsLeastRecentlyUsed(t *testing.T) {
	cache := NewMemoryCache(2)
	ctx := context.Background()
	mk := func(s string) (chunkaddr.Address, FetchFunc) {
		addr := chunkaddr.Of([]byte(s))
		return addr, func(context.Context, chunkaddr.Address) ([]byte, error) { return []byte(s), nil }
	}

	aAddr, aFetch := mk("a")
	bAddr, bFetch := mk("b")
	cAddr, cFetch := mk("c")

	if _, err := cache.Fetch(ctx, aAddr, aFetch); err != nil {
		t.Fatal(err)
	}
	if _, err := cache.Fetch(ctx, bAddr, bFetch); err != nil {
		t.Fatal(err)
	}
	if _, err := cache.Fetch(ctx, cAddr, cFetch); err != nil { // evicts a, capacity 2
		t.Fatal(err)
	}
	if cache.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", cache.Len())
	}

	var refetched bool
	_, err := cache.Fetch(ctx, aAddr, func(context.Context, chunkaddr.Address) ([]byte, error) {
		refetched = true
		return []byte("a"), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !refetched {
		t.Fatal("evicted address served from cache instead of refetching")
	}
}

func TestMemoryCacheCoalescesConcurrentMisses(t *testing.T) {
	cache := NewMemoryCache(4)
	addr := chunkaddr.Of([]byte("contended"))
	var calls int32
	release := make(chan struct{})

	fetch := func(ctx context.Context, a chunkaddr.Address) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []byte("data"), nil
	}

	const n = 8
	var wg sync.WaitGroup
	results := make([][]byte, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			data, err := cache.Fetch(context.Background(), addr, fetch)
			if err != nil {
				t.Errorf("Fetch %d: %v", i, err)
				return
			}
			results[i] = data
		}(i)
	}

	time.Sleep(20 * time.Millisecond) // let every goroutine reach the pending-fetch wait
	close(release)
	wg.Wait()

	if calls != 1 {
		t.Fatalf("fetch called %d times for %d concurrent callers, want 1", calls, n)
	}
	for i, r := range results {
		if string(r) != "data" {
			t.Fatalf("result %d = %q, want %q", i, r, "data")
		}
	}
}

func TestMemoryCacheDoesNotPoisonOnFailure(t *testing.T) {
	cache := NewMemoryCache(4)
	addr := chunkaddr.Of([]byte("flaky"))
	attempt := 0

	fetch := func(ctx context.Context, a chunkaddr.Address) ([]byte, error) {
		attempt++
		if attempt == 1 {
			return nil, fmt.Errorf("transient failure")
		}
		return []byte("recovered"), nil
	}

	if _, err := cache.Fetch(context.Background(), addr, fetch); err == nil {
		t.Fatal("expected first Fetch to fail")
	}
	data, err := cache.Fetch(context.Background(), addr, fetch)
	if err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if string(data) != "recovered" {
		t.Fatalf("second Fetch = %q, want %q", data, "recovered")
	}
}
