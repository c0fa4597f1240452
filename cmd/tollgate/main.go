package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/AlexKimmel/tollgate/internal/config"
	"github.com/AlexKimmel/tollgate/internal/obs"
)

type CLI struct {
	Config  string `help:"Path to the YAML config file." default:"config.yaml" type:"path" env:"TOLLGATE_CONFIG"`
	EnvFile string `help:"dotenv file loaded before the config is read." default:".env" name:"env-file"`

	Serve       ServeCmd       `cmd:"" default:"1" help:"Run the admission gateway."`
	CheckConfig CheckConfigCmd `cmd:"" help:"Validate the config file and exit."`
}

func (c *CLI) load() (*config.Root, error) {
	if err := godotenv.Load(c.EnvFile); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load %s: %w", c.EnvFile, err)
	}
	cfg, err := config.Load(c.Config)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

type CheckConfigCmd struct{}

func (c *CheckConfigCmd) Run(cli *CLI) error {
	cfg, err := cli.load()
	if err != nil {
		return err
	}
	fmt.Printf("config ok: backend=%s failure_mode=%s policies=%d routes=%d\n",
		cfg.Store.Backend, cfg.Admission.FailureMode, len(cfg.Policies), len(cfg.Routes))
	return nil
}

type ServeCmd struct{}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := cli.load()
	if err != nil {
		return err
	}

	logger := obs.SetupLogger(os.Stdout, cfg.Observability.LogLevel)
	logger.Info().Str("backend", cfg.Store.Backend).Msg("setup logger")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.close(); err != nil {
			logger.Warn().Err(err).Msg("close store")
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	handler, err := buildHandler(cfg, st, logger, reg)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	})
	if st.janitor != nil {
		g.Go(func() error { return st.janitor.Run(gctx) })
	}

	err = g.Wait()
	logger.Info().Msg("bye")
	return err
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("tollgate"),
		kong.Description("Admission-control gateway with distributed token bucket rate limiting."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli))
}
