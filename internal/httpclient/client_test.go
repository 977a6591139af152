package httpclient

import (
	"sync"
	"testing"
	"time"
)

func TestGetSharedClient(t *testing.T) {
	ClearCache()

	client1 := GetSharedClient(30 * time.Second)
	if client1.Timeout != 30*time.Second {
		t.Errorf("Expected timeout 30s, got %v", client1.Timeout)
	}
	if again := GetSharedClient(30 * time.Second); again != client1 {
		t.Error("Expected the cached client for the same timeout")
	}

	client2 := GetSharedClient(0)
	if client2.Timeout != 0 {
		t.Errorf("Expected timeout 0 (no timeout), got %v", client2.Timeout)
	}
	if client1.Transport != client2.Transport {
		t.Error("Expected all clients to share the same transport")
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if c := GetSharedClient(time.Duration(i+1) * time.Second); c.Transport == nil {
				t.Error("Expected non-nil transport")
			}
		}(i)
	}
	wg.Wait()
}

func TestCacheEviction(t *testing.T) {
	ClearCache()
	SetMaxCacheSize(2)
	defer SetMaxCacheSize(defaultCacheSize)

	GetSharedClient(time.Second)
	GetSharedClient(2 * time.Second)
	GetSharedClient(3 * time.Second)
	if n := CacheSize(); n != 2 {
		t.Errorf("Expected 2 cached clients, got %d", n)
	}

	ClearCache()
	if n := CacheSize(); n != 0 {
		t.Errorf("Expected empty cache, got %d", n)
	}
}
