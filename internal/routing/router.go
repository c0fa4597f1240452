package routing

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Route sends requests under Prefix to Upstream.
type Route struct {
	ID       string
	Methods  map[string]struct{} // empty means any method
	Prefix   string
	Upstream *url.URL
	Timeout  time.Duration
}

func (rt *Route) allows(method string) bool {
	if len(rt.Methods) == 0 {
		return true
	}
	_, ok := rt.Methods[strings.ToUpper(method)]
	return ok
}

func (rt *Route) matches(path string) bool {
	prefix := normalizePrefix(rt.Prefix)
	if prefix == "/" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// Router picks the route with the longest matching prefix.
type Router struct {
	routes []*Route
}

func New() *Router {
	return &Router{}
}

func (r *Router) Add(rt *Route) {
	r.routes = append(r.routes, rt)
	sort.SliceStable(r.routes, func(i, j int) bool {
		return len(normalizePrefix(r.routes[i].Prefix)) > len(normalizePrefix(r.routes[j].Prefix))
	})
}

func (r *Router) Routes() []*Route {
	return r.routes
}

func (r *Router) Match(method, path string) (*Route, bool) {
	for _, rt := range r.routes {
		if rt.allows(method) && rt.matches(path) {
			return rt, true
		}
	}
	return nil, false
}

func normalizePrefix(p string) string {
	p = strings.TrimSuffix(strings.TrimSpace(p), "/")
	if p == "" {
		return "/"
	}
	return p
}

type ctxKey int

const keyRoute ctxKey = 0

func WithRoute(r *http.Request, rt *Route) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), keyRoute, rt))
}

func RouteFrom(r *http.Request) (*Route, bool) {
	rt, ok := r.Context().Value(keyRoute).(*Route)
	return rt, ok && rt != nil
}
