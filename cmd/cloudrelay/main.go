// Command cloudrelay serves the Anthropic Messages API locally and relays
// it to the Cloud Code backend over a pool of accounts.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/howard-nolan/cloudrelay/internal/account"
	"github.com/howard-nolan/cloudrelay/internal/auth"
	"github.com/howard-nolan/cloudrelay/internal/cloudcode"
	"github.com/howard-nolan/cloudrelay/internal/codec"
	"github.com/howard-nolan/cloudrelay/internal/config"
	"github.com/howard-nolan/cloudrelay/internal/metrics"
	"github.com/howard-nolan/cloudrelay/internal/server"
)

// CLI flags override the config file, which overrides built-in defaults.
type CLI struct {
	Config     string `short:"c" help:"Path to the YAML config file." type:"path"`
	Port       int    `help:"Listen port override."`
	Accounts   string `help:"Accounts file override." type:"path"`
	LogLevel   string `name:"log-level" help:"Log level (debug, info, warn, error)."`
	NoFallback bool   `name:"no-fallback" help:"Disable the cross-family model fallback."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("cloudrelay"),
		kong.Description("Local Anthropic Messages relay for the Cloud Code backend."),
		kong.UsageOnError(),
	)
	kctx.FatalIfErrorf(run(&cli))
}

func run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	if cli.Port != 0 {
		cfg.Server.Port = cli.Port
	}
	if cli.Accounts != "" {
		cfg.Accounts.Path = cli.Accounts
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	if cli.NoFallback {
		cfg.Dispatch.FallbackEnabled = false
	}

	log, err := newLogger(cfg.Log.Level)
	if err != nil {
		return err
	}

	store := account.NewStore(cfg.Accounts.Path)
	accounts, err := store.Load()
	if err != nil {
		return err
	}
	pool := account.NewPool(cfg.Accounts.Max)
	for _, a := range accounts {
		if err := pool.Add(a); err != nil {
			log.Warn().Err(err).Str("account", a.Email).Msg("skipping account")
		}
	}
	if pool.Len() == 0 {
		log.Warn().Str("path", cfg.Accounts.Path).
			Msg("no accounts loaded, requests will fail until the file is populated")
	} else {
		log.Info().Int("accounts", pool.Len()).Msg("account pool loaded")
	}

	authc := auth.NewCache(auth.Config{
		TokenURL:           cfg.Upstream.TokenURL,
		DiscoveryEndpoints: cloudcode.DiscoveryEndpoints,
		DefaultProject:     cloudcode.DefaultProject,
		Headers:            cloudcode.BaseHeaders(),
		Metadata:           cloudcode.Metadata(),
	}, log)

	met := metrics.New()
	met.ObservePool(pool.Len)

	engine := cloudcode.NewEngine(cfg, pool, authc,
		codec.NewSignatureCache(cfg.Upstream.SignatureTTL), met, log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.New(cfg, engine, pool, met, log),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", httpServer.Addr).Msg("cloudrelay listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if cfg.Accounts.Watch {
		watcher := account.NewWatcher(store, pool, log)
		g.Go(func() error {
			if err := watcher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("shutdown complete")
	return nil
}

func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q", level)
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}
