package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/lalithlochan/kabar/internal/cli"
	"github.com/lalithlochan/kabar/internal/config"
	"github.com/lalithlochan/kabar/internal/db"
	"github.com/lalithlochan/kabar/internal/observ"
)

func main() {
	if err := cli.RootCmd(openRepository).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openRepository connects with the same environment the gateway uses.
func openRepository(ctx context.Context) (cli.Store, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	// operator output goes to stdout; only warnings belong on the log
	logger, err := observ.NewLogger(cfg.Env, "warn")
	if err != nil {
		logger = zap.NewNop()
	}

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		MaxConns: 2,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	release := func() {
		database.Close()
		_ = logger.Sync()
	}
	return db.NewRepository(database, logger), release, nil
}
