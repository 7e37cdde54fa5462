// KYA - reputation ledger for autonomous agents
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mbd888/kya/internal/chain"
	"github.com/mbd888/kya/internal/config"
	"github.com/mbd888/kya/internal/logging"
	"github.com/mbd888/kya/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	keygen := flag.Bool("keygen", false, "print a fresh chain key and its chain ID, then exit")
	flag.Parse()

	if *keygen {
		id, key, err := chain.GenerateKey()
		if err != nil {
			fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("key: %s\nchain id: %s\n", key, id)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting kya",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"postgres", cfg.DatabaseURL != "",
		"nats", cfg.NATSURL != "",
		"subscribers", len(cfg.SubscriberChains),
	)

	server.Version = Version
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
