package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"

	"tbc/core/events"
	"tbc/crypto/ownership"
	"tbc/native/escrow"
	"tbc/observability"
	"tbc/services/controller"
	"tbc/services/controller/config"
	"tbc/services/controller/middleware"
	"tbc/services/controller/policy"
	"tbc/services/controller/server"
	"tbc/state"
	"tbc/storage/vault"
)

// app is the assembled controller service.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	vault     vault.Vault
	ctrl      *controller.Controller
	scheduler *escrow.Scheduler
	watcher   *controller.Watcher
	handler   http.Handler
}

func newApp(cfg config.Config, version string, logger *slog.Logger) (*app, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pol := policy.DefaultPolicy()
	if path := strings.TrimSpace(cfg.PolicyFile); path != "" {
		loaded, err := policy.LoadFile(path)
		if err != nil {
			return nil, err
		}
		pol = loaded
	}

	v, err := vault.Open(cfg.Vault.Backend, cfg.Vault.Path)
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, vault: v}

	var (
		bridge controller.Bridge
		rpc    http.Handler
	)
	switch cfg.Bridge.Mode {
	case config.BridgeRPC:
		bridge = controller.NewRPCBridge(cfg.Bridge.URL, cfg.Bridge.AuthToken, cfg.Bridge.Timeout.Duration)
		logger.Info("using remote custody bridge", "url", cfg.Bridge.URL)
	default:
		local, err := a.localBridge()
		if err != nil {
			v.Close()
			return nil, err
		}
		bridge = local
		if cfg.Bridge.ServeRPC {
			rpc = controller.NewRPCHandler(local, logger)
		}
	}

	opts := []controller.Option{controller.WithLogger(logger)}
	if cfg.Ownership.Enabled {
		prover, err := ownership.NewProver(v, cfg.Ownership.Owners)
		if err != nil {
			v.Close()
			return nil, err
		}
		opts = append(opts, controller.WithProver(prover))
	}
	a.ctrl = controller.New(pol, bridge, v, opts...)
	if cfg.Watcher.Enabled {
		a.watcher = controller.NewWatcher(a.ctrl, cfg.Watcher.Interval.Duration, logger)
	}

	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for route, l := range cfg.RateLimits {
		limits[route] = middleware.RateLimit{RatePerSecond: l.RatePerSecond, Burst: l.Burst}
	}
	srv, err := server.New(server.Config{
		Controller: a.ctrl,
		Version:    version,
		Logger:     logger,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  cfg.Auth.ClockSkew.Duration,
		}, logger),
		RateLimiter:   middleware.NewRateLimiter(limits, logger),
		Observability: middleware.NewObservability(logger, cfg.Log.LogRequests),
		CORS:          middleware.CORSConfig{AllowedOrigins: cfg.CORSOrigins},
		RPC:           rpc,
	})
	if err != nil {
		v.Close()
		return nil, err
	}
	a.handler = srv.Handler()
	return a, nil
}

// localBridge builds the in-process engine, seeds configured balances and
// wires the expiry scheduler and event metrics to it.
func (a *app) localBridge() (*controller.LocalBridge, error) {
	book := state.NewBook(state.DefaultVaultAccount)
	for account, amount := range a.cfg.Balances {
		value, ok := new(big.Int).SetString(strings.TrimSpace(amount), 10)
		if !ok {
			return nil, fmt.Errorf("balance for %q: invalid amount %q", account, amount)
		}
		if err := book.Deposit(account, value); err != nil {
			return nil, fmt.Errorf("seed balance for %q: %w", account, err)
		}
	}
	engine := escrow.NewEngine()
	engine.SetState(book)
	engine.SetVault(a.vault)
	a.scheduler = escrow.NewScheduler(engine, a.logger)
	engine.SetEmitter(events.NewFanout(a.scheduler, observability.EventMetricsEmitter{}))
	return controller.NewLocalBridge(engine, book), nil
}

// run starts the background loops and blocks until ctx is done.
func (a *app) run(ctx context.Context) {
	var wg sync.WaitGroup
	if a.scheduler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.scheduler.Run(ctx, a.cfg.Bridge.SweepInterval.Duration)
		}()
	}
	if a.watcher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.watcher.Run(ctx)
		}()
	}
	wg.Wait()
}

func (a *app) Close() error {
	if a.vault == nil {
		return nil
	}
	return a.vault.Close()
}
