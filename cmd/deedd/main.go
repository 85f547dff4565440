package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"deedchain/config"
	"deedchain/core"
	"deedchain/observability/logging"
	"deedchain/rpc"
	"deedchain/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("DEED_ENV"))
	logger := logging.Setup("deedd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	roles, err := cfg.Roles()
	if err != nil {
		logger.Error("failed to resolve participant roles", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	node, err := core.NewNode(db, roles)
	if err != nil {
		logger.Error("failed to start node", slog.Any("error", err))
		os.Exit(1)
	}

	alloc, err := cfg.GenesisAllocation()
	if err != nil {
		logger.Error("invalid genesis allocation", slog.Any("error", err))
		os.Exit(1)
	}
	if len(alloc) > 0 {
		if err := node.ApplyGenesis(alloc); err != nil {
			logger.Error("failed to apply genesis allocation", slog.Any("error", err))
			os.Exit(1)
		}
	}

	logger.Info("node ready",
		slog.String("network", cfg.NetworkName),
		slog.String("vault", node.Vault().String()),
		slog.String("rpc", cfg.RPCAddress),
	)

	server := rpc.NewServer(node)
	if err := server.Start(cfg.RPCAddress); err != nil {
		fmt.Fprintf(os.Stderr, "rpc server stopped: %v\n", err)
		os.Exit(1)
	}
}
