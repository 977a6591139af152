package mcp

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSSEEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	mux := http.NewServeMux()
	srv := &http.Server{Handler: mux}
	h := s.HTTPHandlers("http://127.0.0.1", srv)
	mux.Handle("/sse", h.SSE)
	mux.Handle("/message", h.Message)

	ts := httptest.NewServer(mux)
	defer ts.Close()

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(ts.URL + "/sse")
	if err != nil {
		t.Fatalf("failed to call /sse: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected /sse status 200, got %d", resp.StatusCode)
	}

	buf := make([]byte, 256)
	n, err := resp.Body.Read(buf)
	if err != nil && err != io.EOF {
		t.Fatalf("failed to read /sse response: %v", err)
	}
	if !strings.Contains(string(buf[:n]), "event: endpoint") {
		t.Fatalf("expected /sse response to include endpoint event, got: %q", string(buf[:n]))
	}
}

func TestStreamableHTTPEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	mux := http.NewServeMux()
	srv := &http.Server{Handler: mux}
	mux.Handle("/mcp", s.HTTPHandlers("http://127.0.0.1", srv).Streamable)

	ts := httptest.NewServer(mux)
	defer ts.Close()

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(ts.URL + "/mcp")
	if err != nil {
		t.Fatalf("failed to call /mcp: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected /mcp status 200, got %d", resp.StatusCode)
	}
}
