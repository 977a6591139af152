package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/app"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/config"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/model"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/store"
	"github.com/andrewrbrady/motive-archive-manager-sub001/pkg/mcp"
)

var car = fmt.Sprintf("%024x", 0xc0)

func ref(n int) model.Ref { return model.Ref(fmt.Sprintf("%024x", n)) }

type downStore struct {
	*store.MemoryStore
}

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func newApp(t *testing.T, s store.Store) *app.App {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Backend = "memory"
	a, err := app.New(cfg, nil, s)
	require.NoError(t, err)
	return a
}

func seeded(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	require.NoError(t, s.InsertImage(model.Document{"_id": ref(1), "carId": model.Ref(car),
		"metadata": model.Document{"angle": "front", "view": "exterior"}}))
	require.NoError(t, s.InsertImage(model.Document{"_id": ref(2), "carId": model.Ref(car),
		"metadata": model.Document{"originalImage": model.Document{"metadata": model.Document{"angle": "Front"}}}}))
	require.NoError(t, s.InsertImage(model.Document{"_id": ref(3), "carId": model.Ref(car),
		"metadata": model.Document{"angle": "rear"}}))
	return s
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHealthAndReady(t *testing.T) {
	h := NewServer(newApp(t, seeded(t)), nil, 0).Handler()

	rec := get(t, h, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = get(t, h, "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"backend":"memory"`)

	down := NewServer(newApp(t, downStore{store.NewMemoryStore()}), nil, 0).Handler()
	rec = get(t, down, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestQueryImages(t *testing.T) {
	h := NewServer(newApp(t, seeded(t)), nil, 0).Handler()

	rec := get(t, h, "/api/images?car="+car+"&angle=FRONT")
	require.Equal(t, http.StatusOK, rec.Code)
	var res app.QueryResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 2, res.Count)
	assert.EqualValues(t, 2, res.Total)

	rec = get(t, h, "/api/images?angle=sideways")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 0, res.Count)
	assert.Equal(t, []string{"angle"}, res.Unknown)

	rec = get(t, h, "/api/images?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Count)
	assert.EqualValues(t, 3, res.Total)
}

func TestQueryImagesBadInput(t *testing.T) {
	h := NewServer(newApp(t, seeded(t)), nil, 0).Handler()

	for _, target := range []string{"/api/images?car=xyz", "/api/images?limit=many", "/api/images?limit=-1"} {
		rec := get(t, h, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestImageDetail(t *testing.T) {
	h := NewServer(newApp(t, seeded(t)), nil, 0).Handler()

	rec := get(t, h, "/api/images/"+ref(2).String())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"nested_only"`)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/images/"+ref(9).String()).Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/images/nope").Code)
}

func TestCoverage(t *testing.T) {
	h := NewServer(newApp(t, seeded(t)), nil, 0).Handler()

	rec := get(t, h, "/api/coverage?car="+car)
	require.Equal(t, http.StatusOK, rec.Code)
	var rep map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.EqualValues(t, 3, rep["total"])
	assert.EqualValues(t, 1, rep["nested_only"])

	rec = get(t, h, "/api/coverage?format=text")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "Coverage"), rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/coverage?car=bad").Code)
}

func TestMetricsAndMCPRoutes(t *testing.T) {
	a := newApp(t, seeded(t))
	s := NewServer(a, mcp.NewServer(mcp.ServerConfig{App: a}), 0)

	rec := get(t, s.Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/nowhere").Code)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(ts.URL + "/mcp")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
