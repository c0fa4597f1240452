package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/AlexKimmel/tollgate/internal/auth"
	"github.com/AlexKimmel/tollgate/internal/config"
	"github.com/AlexKimmel/tollgate/internal/gateway"
	"github.com/AlexKimmel/tollgate/internal/obs"
	"github.com/AlexKimmel/tollgate/internal/policy"
	"github.com/AlexKimmel/tollgate/internal/proxy"
	"github.com/AlexKimmel/tollgate/internal/ratelimit"
	"github.com/AlexKimmel/tollgate/internal/ratelimit/memory"
	"github.com/AlexKimmel/tollgate/internal/ratelimit/redisstore"
	"github.com/AlexKimmel/tollgate/internal/routing"
)

type bucketStore struct {
	ratelimit.Store
	ready   func(context.Context) error
	close   func() error
	janitor *memory.Store
}

func openStore(ctx context.Context, cfg config.Store) (*bucketStore, error) {
	switch cfg.Backend {
	case "memory":
		ms := memory.New()
		return &bucketStore{
			Store:   ms,
			ready:   func(context.Context) error { return nil },
			close:   ms.Close,
			janitor: ms,
		}, nil
	case "redis":
		rdb, err := redisstore.Connect(ctx, redisstore.Config{
			URL:           cfg.RedisURL,
			RetryAttempts: cfg.RetryAttempts,
			RetryInterval: cfg.RetryInterval,
			OpTimeout:     cfg.Timeout(),
		})
		if err != nil {
			return nil, err
		}
		rs := redisstore.New(rdb, redisstore.WithKeyPrefix(cfg.KeyPrefix))
		return &bucketStore{Store: rs, ready: rs.Healthcheck, close: rs.Close}, nil
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Backend)
	}
}

func buildHandler(cfg *config.Root, st *bucketStore, logger zerolog.Logger, reg *prometheus.Registry) (http.Handler, error) {
	resolver, err := policy.New(cfg.Policies)
	if err != nil {
		return nil, err
	}

	metrics := obs.NewMetrics(reg)
	engine := ratelimit.NewEngine(st,
		ratelimit.WithTTL(cfg.Store.BucketTTL),
		ratelimit.WithTimeout(cfg.Store.Timeout()),
		ratelimit.WithObserver(metrics),
	)

	identities := make(map[string]auth.Identity, len(cfg.Auth.Keys))
	for _, k := range cfg.Auth.Keys {
		identities[k.Secret] = auth.Identity{UserID: k.ID, Role: k.Role}
	}
	authStore := auth.NewStatic(cfg.Auth.Header, identities)

	router := routing.New()
	for _, rc := range cfg.Routes {
		up, err := url.Parse(rc.Upstream.URL)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", rc.ID, err)
		}
		methods := make(map[string]struct{}, len(rc.Match.Methods))
		for _, m := range rc.Match.Methods {
			methods[strings.ToUpper(m)] = struct{}{}
		}
		router.Add(&routing.Route{
			ID:       rc.ID,
			Methods:  methods,
			Prefix:   rc.Match.PathPrefix,
			Upstream: up,
			Timeout:  rc.Timeout(),
		})
	}

	trusted, err := gateway.ParseTrustedProxies(cfg.Admission.TrustedProxies)
	if err != nil {
		return nil, err
	}

	skip := make(map[string]struct{}, len(cfg.Admission.SkipPaths))
	for _, p := range cfg.Admission.SkipPaths {
		skip[p] = struct{}{}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := st.ready(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"ok":false}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.Handle(cfg.Observability.MetricsPath, metrics.Handler())
	mux.Handle("/", gateway.Chain(
		proxy.Handler(proxy.NewHTTPTransport()),
		gateway.RouteMatcher(router, skip),
		obs.NoteRoute(),
	))

	return gateway.Chain(
		mux,
		obs.Logger(logger),
		metrics.Middleware(skip),
		gateway.BodyLimit(cfg.Server.MaxBody()),
		authStore.Middleware(skip),
		gateway.Admission(engine, resolver, gateway.AdmissionOptions{
			SkipPaths:      skip,
			FailureMode:    gateway.FailureMode(cfg.Admission.FailureMode),
			TrustedProxies: trusted,
			Recorder:       metrics,
		}),
	), nil
}
