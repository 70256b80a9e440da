package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/obliviouslabs/oblivious-erc20-state/config"
	"github.com/obliviouslabs/oblivious-erc20-state/internal/attestation"
	"github.com/obliviouslabs/oblivious-erc20-state/internal/server"
	"github.com/obliviouslabs/oblivious-erc20-state/internal/state"
	"github.com/obliviouslabs/oblivious-erc20-state/internal/storage"
	"github.com/obliviouslabs/oblivious-erc20-state/internal/verifier"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "path of the JSON config file (default " + config.DefaultPath + ")",
	}
	gethURLFlag = &cli.StringFlag{
		Name:  "geth-url",
		Usage: "execution client JSON-RPC endpoint (overrides config and GETH_URL)",
	}
	listenFlag = &cli.StringFlag{
		Name:  "listen",
		Usage: "HTTP listen address",
	}
	storageDirFlag = &cli.StringFlag{
		Name:  "storage-dir",
		Usage: "LevelDB directory; empty keeps the backend in memory",
	}
	policyFlag = &cli.StringFlag{
		Name:  "attestation-policy",
		Usage: "strict or degrade",
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "trace, debug, info, warn, error or crit",
	}
)

var Serve = cli.Command{
	Action: serve,
	Name:   "serve",
	Usage:  "synchronizes the contract state and serves it over HTTP",
	Flags: []cli.Flag{
		configFlag,
		gethURLFlag,
		listenFlag,
		storageDirFlag,
		policyFlag,
		logLevelFlag,
	},
}

// loadConfig layers the config file, the environment and the flags. A
// missing file at the default path falls back to the built-in defaults.
func loadConfig(ctx *cli.Context) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if ctx.IsSet(configFlag.Name) {
		cfg, err = config.Load(ctx.String(configFlag.Name))
	} else {
		cfg, err = config.LoadDefault()
		if errors.Is(err, os.ErrNotExist) {
			cfg, err = config.Default(), nil
		}
	}
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()

	if v := ctx.String(gethURLFlag.Name); v != "" {
		cfg.GethURL = v
	}
	if v := ctx.String(listenFlag.Name); v != "" {
		cfg.ListenAddr = v
	}
	if ctx.IsSet(storageDirFlag.Name) {
		cfg.StorageDir = ctx.String(storageDirFlag.Name)
	}
	if v := ctx.String(policyFlag.Name); v != "" {
		cfg.AttestationPolicy = v
	}
	if v := ctx.String(logLevelFlag.Name); v != "" {
		cfg.LogLevel = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) {
	lvl, _ := cfg.Level()
	if cfg.LogJSON {
		log.SetDefault(log.NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
		return
	}
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, lvl, true)))
}

func serve(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	setupLogging(cfg)

	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := storage.Open(cfg.StorageDir, cfg.CacheMB)
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}
	defer backend.Close()

	v, err := verifier.New(runCtx, verifier.Config{
		Endpoint:     cfg.GethURL,
		Contract:     cfg.ContractAddress,
		BalanceSlot:  cfg.BalanceSlot,
		StartBlock:   cfg.StartBlock,
		LogRange:     cfg.LogRange,
		ProofBatch:   cfg.ProofBatch,
		ProofWorkers: cfg.ProofWorkers,
		Holders:      cfg.Holders,
		Network:      cfg.Network,
		Timeout:      cfg.RPCTimeout(),
	})
	if err != nil {
		return err
	}
	defer v.Close()

	policy, _ := attestation.ParsePolicy(cfg.AttestationPolicy)
	binder := attestation.NewBinder(attestation.NewTappdClient(cfg.QuoteSocket, cfg.QuoteTimeout()), policy)

	svc := state.NewService(v, backend, state.Options{
		InitProgressEvery:   cfg.InitProgressEvery,
		UpdateProgressEvery: cfg.UpdateProgressEvery,
	})
	if err := initialize(runCtx, svc, cfg.InitRetries); err != nil {
		return err
	}
	if interval := cfg.UpdateInterval(); interval > 0 {
		go svc.Run(runCtx, interval)
	}

	srv := server.NewServer(svc, binder, server.Options{
		Contract:     cfg.ContractAddress,
		Endpoint:     cfg.GethURL,
		MaxQueryKeys: cfg.MaxQueryKeys,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})
	httpSrv := srv.HTTPServer(cfg.ListenAddr)
	errc := make(chan error, 1)
	go func() {
		errc <- httpSrv.ListenAndServe()
	}()
	log.Info("HTTP server listening", "addr", cfg.ListenAddr, "contract", cfg.ContractAddress, "policy", policy)

	select {
	case err := <-errc:
		return err
	case <-runCtx.Done():
	}
	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// initialize retries a failed initialize with doubling backoff. retries is
// the number of attempts after the first.
func initialize(ctx context.Context, svc *state.Service, retries int) error {
	backoff := time.Second
	for attempt := 0; ; attempt++ {
		err := svc.Initialize(ctx)
		if err == nil {
			return nil
		}
		if attempt >= retries || ctx.Err() != nil {
			return fmt.Errorf("initialize state: %w", err)
		}
		log.Warn("Initialize failed, retrying", "attempt", attempt+1, "backoff", backoff, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < time.Minute {
			backoff *= 2
		}
	}
}
