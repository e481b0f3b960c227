package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"github.com/lpernett/godotenv"
	"go.uber.org/zap"

	"github.com/JakeFAU/extraction-jobs/internal/config"
	"github.com/JakeFAU/extraction-jobs/internal/logging"
	"github.com/JakeFAU/extraction-jobs/internal/server"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	envFile := flag.String("env-file", ".env", "Optional dotenv file loaded before the environment is read")
	flag.Parse()

	if err := loadEnvFile(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "load env file failed: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Telemetry.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	zap.ReplaceGlobals(logger)

	ctx := context.Background()
	app, err := server.Build(ctx, &cfg, logger)
	if err != nil {
		logger.Error("build failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	if err := app.Run(ctx); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		os.Exit(1)
	}
}

// loadEnvFile applies a dotenv file without overriding variables that are
// already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}
