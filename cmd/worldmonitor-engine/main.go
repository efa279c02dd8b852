package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/koala73/worldmonitor-engine/internal/baseline"
	"github.com/koala73/worldmonitor-engine/internal/config"
	"github.com/koala73/worldmonitor-engine/internal/engine"
	"github.com/koala73/worldmonitor-engine/internal/feeds"
	"github.com/koala73/worldmonitor-engine/internal/feeds/polymarket"
	"github.com/koala73/worldmonitor-engine/internal/logging"
	"github.com/koala73/worldmonitor-engine/internal/server"
	"github.com/koala73/worldmonitor-engine/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional)")
	addr := flag.String("addr", "", "listen address override")
	dbPath := flag.String("db", "", "sqlite path override (empty = default, :memory: = in-memory)")
	flag.Parse()

	if err := logging.Init(); err != nil {
		// Logging falls back to stderr internally; only report.
		logging.Warn("Log file unavailable", "error", err)
	}
	defer logging.Close()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logging.Fatal("Config load failed", "error", err)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if cfg.DBPath == "" {
		cfg.DBPath = defaultDBPath()
	}

	cache, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		logging.Fatal("Store open failed", "path", cfg.DBPath, "error", err)
	}
	defer cache.Close()

	eng := engine.New(cfg, baseline.NewService(cache))
	gatherer := feeds.NewGatherer(
		nil,
		[]feeds.PredictionSource{polymarket.New()},
		nil,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A failed source degrades the batch, it never skips the cycle.
	gather := func(ctx context.Context) (engine.CycleInput, error) {
		batch := gatherer.Gather(ctx)
		return engine.CycleInput{
			Items:       batch.Items,
			Predictions: batch.Predictions,
			Quotes:      batch.Quotes,
		}, nil
	}
	go eng.Run(ctx, cfg.CycleInterval, gather)

	srv := server.New(cfg, eng)
	go func() {
		if err := srv.Start(); err != nil {
			logging.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logging.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn("HTTP shutdown incomplete", "error", err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// defaultDBPath puts the database under ~/.worldmonitor-engine, falling
// back to the working directory when no home is available.
func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "worldmonitor-engine.db"
	}
	dir := filepath.Join(home, ".worldmonitor-engine")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "worldmonitor-engine.db"
	}
	return filepath.Join(dir, "engine.db")
}
