package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/tollgate/internal/config"
	"github.com/AlexKimmel/tollgate/internal/gateway"
)

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream-Path", r.URL.Path)
		_, _ = io.WriteString(w, "hello from upstream")
	}))
	t.Cleanup(up.Close)
	return up
}

func newGateway(t *testing.T, doc string) http.Handler {
	t.Helper()

	cfg, err := config.Parse([]byte(doc))
	require.NoError(t, err)

	st, err := openStore(context.Background(), cfg.Store)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.close() })

	h, err := buildHandler(cfg, st, zerolog.Nop(), prometheus.NewRegistry())
	require.NoError(t, err)
	return h
}

func get(h http.Handler, path, apiKey string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, path, nil)
	r.RemoteAddr = "192.0.2.10:40000"
	if apiKey != "" {
		r.Header.Set("X-API-Key", apiKey)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func memoryDoc(upstreamURL string) string {
	return fmt.Sprintf(`
store: { backend: memory }
policies:
  anonymous: { maxTokens: 2, refillRatePerSecond: 0.001 }
  user:      { maxTokens: 100, refillRatePerSecond: 1 }
auth:
  keys:
    - { id: bob, secret: bob-key, role: user }
routes:
  - id: api
    match: { path_prefix: /api }
    upstream: { url: %q }
`, upstreamURL)
}

func TestGateway_ProxiesAdmittedRequests(t *testing.T) {
	t.Parallel()

	up := newUpstream(t)
	h := newGateway(t, memoryDoc(up.URL))

	w := get(h, "/api/things", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello from upstream", w.Body.String())
	assert.Equal(t, "/api/things", w.Header().Get("X-Upstream-Path"))
	assert.Equal(t, "2", w.Header().Get(gateway.HeaderLimit))
	assert.Equal(t, "1", w.Header().Get(gateway.HeaderRemaining))

	w = get(h, "/api/things", "bob-key")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "100", w.Header().Get(gateway.HeaderLimit))
	assert.Equal(t, "99", w.Header().Get(gateway.HeaderRemaining))
}

func TestGateway_AnonymousLimit(t *testing.T) {
	t.Parallel()

	up := newUpstream(t)
	h := newGateway(t, memoryDoc(up.URL))

	require.Equal(t, http.StatusOK, get(h, "/api/a", "").Code)
	require.Equal(t, http.StatusOK, get(h, "/api/b", "").Code)

	w := get(h, "/api/c", "")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get(gateway.HeaderRetryAfter))
	assert.Contains(t, w.Body.String(), `"error":"Rate limit exceeded"`)

	// the authenticated caller has its own bucket
	assert.Equal(t, http.StatusOK, get(h, "/api/c", "bob-key").Code)
}

func TestGateway_UnknownKeyAndRoute(t *testing.T) {
	t.Parallel()

	up := newUpstream(t)
	h := newGateway(t, memoryDoc(up.URL))

	assert.Equal(t, http.StatusUnauthorized, get(h, "/api/x", "stolen").Code)

	w := get(h, "/elsewhere", "bob-key")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "99", w.Header().Get(gateway.HeaderRemaining))
}

func TestGateway_OperationalEndpointsSkipAdmission(t *testing.T) {
	t.Parallel()

	up := newUpstream(t)
	h := newGateway(t, memoryDoc(up.URL))

	for range 5 {
		w := get(h, "/healthz", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get(gateway.HeaderLimit))
	}
	assert.Equal(t, http.StatusOK, get(h, "/readyz", "").Code)

	get(h, "/api/x", "")
	w := get(h, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `tollgate_admission_decisions_total{outcome="allowed",scope="ip"} 1`)
	assert.Contains(t, body, `tollgate_requests_total{code="200",method="GET",route="api"} 1`)
	assert.True(t, strings.Contains(body, "tollgate_store_check_duration_seconds_count 1"))
}

func redisDoc(redisURL, upstreamURL, failureMode string) string {
	return fmt.Sprintf(`
store:
  backend: redis
  redis_url: %q
  timeout_ms: 50
  retry_attempts: 1
admission: { failure_mode: %s }
routes:
  - id: api
    match: { path_prefix: /api }
    upstream: { url: %q }
`, redisURL, failureMode, upstreamURL)
}

func TestGateway_RedisBackend(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	up := newUpstream(t)
	h := newGateway(t, redisDoc("redis://"+mr.Addr()+"/0", up.URL, "open"))

	w := get(h, "/api/x", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "59", w.Header().Get(gateway.HeaderRemaining))
	assert.True(t, mr.Exists("tollgate:ip:192.0.2.10"))
	assert.Equal(t, "59", mr.HGet("tollgate:ip:192.0.2.10", "tokens"))
}

func TestGateway_RedisDownFailsOpen(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	up := newUpstream(t)
	h := newGateway(t, redisDoc("redis://"+mr.Addr()+"/0", up.URL, "open"))
	mr.Close()

	w := get(h, "/api/x", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", w.Header().Get(gateway.HeaderRemaining))
	assert.Equal(t, "hello from upstream", w.Body.String())

	assert.Equal(t, http.StatusServiceUnavailable, get(h, "/readyz", "").Code)
}

func TestGateway_RedisDownFailsClosed(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	up := newUpstream(t)
	h := newGateway(t, redisDoc("redis://"+mr.Addr()+"/0", up.URL, "closed"))
	mr.Close()

	w := get(h, "/api/x", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "60", w.Header().Get(gateway.HeaderLimit))
}

func TestOpenStore_RedisUnreachable(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg, err := config.Parse([]byte(redisDoc("redis://"+addr+"/0", "http://127.0.0.1:1", "open")))
	require.NoError(t, err)

	_, err = openStore(context.Background(), cfg.Store)
	assert.Error(t, err)
}
