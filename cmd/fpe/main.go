// Command fpe is the file-processing engine binary. It watches a directory
// tree for newly completed files and runs a configured action (copy,
// transcode, or an arbitrary shell command) against each one, recording
// every outcome to a durable audit ledger and streaming it live over a
// WebSocket feed served alongside the HTTP status API.
package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/clockwork/fpe/internal/action"
	"github.com/clockwork/fpe/internal/config"
	"github.com/clockwork/fpe/internal/httpapi"
	"github.com/clockwork/fpe/internal/ledger"
	"github.com/clockwork/fpe/internal/live"
	"github.com/clockwork/fpe/internal/logging"
	"github.com/clockwork/fpe/internal/taskrunner"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "fpe: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Quiet)

	logger.Info("configuration loaded",
		"watch", cfg.Watch,
		"destination", cfg.Destination,
		"action", string(cfg.Action),
		"max_depth", cfg.MaxDepth,
	)

	act, actionName := selectAction(cfg)

	actionCfg := &action.Config{
		WatchRoot:             cfg.Watch,
		DestinationRoot:       cfg.Destination,
		CommandTemplate:       cfg.CommandTemplate,
		DeleteSourceOnSuccess: cfg.DeleteSourceOnSuccess,
		ExtensionOverride:     cfg.ExtensionOverride,
		Quiet:                 cfg.Quiet,
		Logger:                logger,
	}

	led, err := ledger.Open(cfg.LedgerDSN)
	if err != nil {
		logger.Error("failed to open ledger", "dsn", cfg.LedgerDSN, "error", err)
		os.Exit(1)
	}
	logger.Info("ledger opened", "dsn", cfg.LedgerDSN, "pending", led.Depth())

	runner, err := taskrunner.New(actionName, cfg.Watch, cfg.MaxDepth, act, actionCfg, 0, logger)
	if err != nil {
		logger.Error("failed to construct task runner", "error", err)
		os.Exit(1)
	}

	runner.AddObserver(ledger.Observer{Ledger: led, ActionName: actionName, Logger: logger})

	broadcaster := live.NewBroadcaster(logger, 0)
	runner.AddObserver(live.Observer{Broadcaster: broadcaster})

	var pubKey *rsa.PublicKey
	if cfg.JWTPublicKey != "" {
		pubKey, err = loadRSAPublicKey(cfg.JWTPublicKey)
		if err != nil {
			logger.Error("failed to load JWT public key", "path", cfg.JWTPublicKey, "error", err)
			os.Exit(1)
		}
		logger.Info("admin routes require a valid RS256 bearer token", "jwt_public_key", cfg.JWTPublicKey)
	} else {
		logger.Info("admin routes are unauthenticated: no --jwt-public-key configured")
	}

	srv := &httpapi.Server{
		Task:   runner,
		Ledger: led,
		Live:   broadcaster,
		Logger: logger,
		Stop:   runner.Stop,
	}

	httpServer := &http.Server{
		Addr:         cfg.ControlAddr,
		Handler:      httpapi.NewRouter(srv, pubKey),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0, // the WebSocket upgrade holds the connection open
	}

	runner.Start()

	go func() {
		logger.Info("control/status server listening", "addr", cfg.ControlAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("control/status server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Graceful shutdown order: Task Runner (stops the watcher and drains the
	// monitor loop), then the HTTP server, then the ledger.
	runner.Stop()
	runner.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("control/status server shutdown error", "error", err)
	}

	broadcaster.Close()

	if err := led.Close(); err != nil {
		logger.Error("ledger close error", "error", err)
	}

	if err := runner.TakeError(); err != nil {
		logger.Error("fpe exited with error", "error", err)
		os.Exit(2)
	}

	logger.Info("fpe exited cleanly")
}

// selectAction maps the resolved config.Action to a concrete action.Func
// and its human-readable name, used both for dispatch and ledger/live
// reporting.
func selectAction(cfg *config.Config) (action.Func, string) {
	switch cfg.Action {
	case config.ActionVideo:
		return action.Video, "video"
	case config.ActionCommand:
		return action.Command, "command"
	default:
		return action.Copy, "copy"
	}
}

func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	return jwt.ParseRSAPublicKeyFromPEM(data)
}
