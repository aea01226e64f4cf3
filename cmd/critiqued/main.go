package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"opencritique/config"
	"opencritique/core"
	"opencritique/ledger"
	"opencritique/native/bounty"
	"opencritique/observability/logging"
	"opencritique/rpc"
)

func main() {
	configPath := flag.String("config", "./config.toml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Setup("critiqued", "").Error("failed to load config", "path", *configPath, "err", err)
		os.Exit(1)
	}

	logger := logging.Setup("critiqued", cfg.Env)

	escrowOwner, err := cfg.EscrowOwnerAddress()
	if err != nil {
		logger.Error("failed to resolve escrow owner identity", "err", err)
		os.Exit(1)
	}

	store := core.NewStore()

	engine := bounty.NewEngine()
	engine.SetState(store)
	engine.SetGateway(ledger.NewClient(cfg.LedgerURL, cfg.LedgerAuthToken))
	engine.SetEscrowOwner(escrowOwner)
	engine.SetClaimWindow(cfg.ClaimWindowSeconds)
	engine.SetQuietPeriod(cfg.QuietPeriodSeconds)
	if cfg.TransferFee > 0 {
		engine.SetTransferFee(cfg.TransferFee)
	}

	server := rpc.NewServer(store, engine, cfg.LedgerRef, cfg.RPCToken, logger)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting JSON-RPC server",
			"listen", cfg.ListenAddress,
			"ledger", cfg.LedgerRef,
			"escrowOwner", escrowOwner.String(),
		)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
