package gateway_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/tollgate/internal/gateway"
	"github.com/AlexKimmel/tollgate/internal/routing"
)

func itoa(n int) string { return strconv.Itoa(n) }

func TestChain_Order(t *testing.T) {
	t.Parallel()

	var trace []string
	mw := func(name string) gateway.Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				trace = append(trace, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := gateway.Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		trace = append(trace, "handler")
	}), mw("a"), nil, mw("b"))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"a", "b", "handler"}, trace)
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	lb, err := gateway.ParseTrustedProxies([]string{"10.0.0.0/8", "2001:db8:ffff::1"})
	require.NoError(t, err)

	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		trusted gateway.TrustedProxies
		want    string
	}{
		{"remote addr", "192.0.2.1:1234", nil, nil, "192.0.2.1"},
		{"ipv6 remote", "[2001:db8::1]:443", nil, nil, "2001:db8::1"},
		{"no port", "192.0.2.1", nil, nil, "192.0.2.1"},
		{"no trusted proxies", "10.0.0.1:1", map[string]string{"X-Forwarded-For": "1.2.3.4"}, nil, "10.0.0.1"},
		{"peer not trusted", "192.0.2.1:1", map[string]string{"X-Forwarded-For": "1.2.3.4"}, lb, "192.0.2.1"},
		{"appended by proxy", "10.0.0.1:1", map[string]string{"X-Forwarded-For": "203.0.113.9"}, lb, "203.0.113.9"},
		{"forged prefix ignored", "10.0.0.1:1", map[string]string{"X-Forwarded-For": "1.1.1.1, 203.0.113.9"}, lb, "203.0.113.9"},
		{"proxy chain skipped", "10.0.0.1:1", map[string]string{"X-Forwarded-For": "6.6.6.6, 203.0.113.9, 10.2.0.5, 10.0.0.7"}, lb, "203.0.113.9"},
		{"all hops trusted", "10.0.0.1:1", map[string]string{"X-Forwarded-For": "10.9.9.9, 10.0.0.7"}, lb, "10.9.9.9"},
		{"garbage stops walk", "10.0.0.1:1", map[string]string{"X-Forwarded-For": "203.0.113.9, not-an-ip, 10.0.0.7"}, lb, "10.0.0.7"},
		{"ipv6 proxy", "[2001:db8:ffff::1]:443", map[string]string{"X-Forwarded-For": "2001:db8::42"}, lb, "2001:db8::42"},
		{"real ip without xff", "10.0.0.1:1", map[string]string{"X-Real-IP": "9.9.9.9"}, lb, "9.9.9.9"},
		{"bad real ip", "10.0.0.1:1", map[string]string{"X-Real-IP": "nine"}, lb, "10.0.0.1"},
		{"empty xff entries", "10.0.0.1:1", map[string]string{"X-Forwarded-For": " , "}, lb, "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, gateway.ClientIP(r, tt.trusted))
		})
	}
}

func TestClientIP_MultipleHeaderLines(t *testing.T) {
	t.Parallel()

	lb, err := gateway.ParseTrustedProxies([]string{"10.0.0.1"})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:1"
	r.Header.Add("X-Forwarded-For", "7.7.7.7")
	r.Header.Add("X-Forwarded-For", "203.0.113.9")
	assert.Equal(t, "203.0.113.9", gateway.ClientIP(r, lb))
}

func TestParseTrustedProxies(t *testing.T) {
	t.Parallel()

	got, err := gateway.ParseTrustedProxies([]string{"10.1.2.3/8", " 192.0.2.1 ", "::1"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "10.0.0.0/8", got[0].String())
	assert.Equal(t, "192.0.2.1/32", got[1].String())
	assert.Equal(t, "::1/128", got[2].String())

	_, err = gateway.ParseTrustedProxies([]string{"10.0.0.0/33"})
	assert.Error(t, err)
	_, err = gateway.ParseTrustedProxies([]string{"lb.internal"})
	assert.Error(t, err)
}

func TestRouteMatcher(t *testing.T) {
	t.Parallel()

	rr := routing.New()
	rr.Add(&routing.Route{ID: "api", Prefix: "/api", Upstream: &url.URL{Scheme: "http", Host: "upstream"}})

	var matched string
	h := gateway.RouteMatcher(rr, nil)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		rt, ok := routing.RouteFrom(r)
		require.True(t, ok)
		matched = rt.ID
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/x", nil))
	assert.Equal(t, "api", matched)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/other", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBodyLimit(t *testing.T) {
	t.Parallel()

	h := gateway.BodyLimit(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			var tooLarge *http.MaxBytesError
			assert.ErrorAs(t, err, &tooLarge)
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("small")))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 32))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
