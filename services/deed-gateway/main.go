package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"deedchain/observability/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := LoadConfigFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup("deed-gateway", cfg.Environment)

	store, err := NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		logger.Error("open sqlite store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	auth := NewAuthenticator(cfg.APIKeys, cfg.AllowedTimestampSkew, cfg.NonceTTL, nil)
	node := NewRPCNodeClient(cfg.NodeURL, cfg.NodeAuthToken)
	server := NewServer(auth, node, store, logger)

	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: server,
	}

	go func() {
		logger.Info("deed gateway listening", "address", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down deed gateway")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
