// Package httpclient hands out pooled HTTP clients for outbound API calls.
package httpclient

import (
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultCacheSize = 10

var (
	transportOnce   sync.Once
	sharedTransport *http.Transport

	cacheMu sync.Mutex
	clients = newCache(defaultCacheSize)
)

func newCache(size int) *lru.Cache[time.Duration, *http.Client] {
	c, err := lru.New[time.Duration, *http.Client](size)
	if err != nil {
		panic(err)
	}
	return c
}

func getSharedTransport() *http.Transport {
	transportOnce.Do(func() {
		sharedTransport = &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          50,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
	})
	return sharedTransport
}

// GetSharedClient returns a client with the given timeout. Clients are cached
// per timeout and all share one pooled transport. Zero means no timeout.
func GetSharedClient(timeout time.Duration) *http.Client {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if c, ok := clients.Get(timeout); ok {
		return c
	}
	c := &http.Client{Timeout: timeout, Transport: getSharedTransport()}
	clients.Add(timeout, c)
	return c
}

// ClearCache drops every cached client. The transport is kept.
func ClearCache() {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	clients.Purge()
}

func CacheSize() int {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	return clients.Len()
}

// SetMaxCacheSize resizes the client cache, evicting the least recently
// used clients if it shrinks.
func SetMaxCacheSize(size int) {
	if size < 1 {
		size = 1
	}
	cacheMu.Lock()
	defer cacheMu.Unlock()
	clients.Resize(size)
}
