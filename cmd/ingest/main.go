package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vanshika/uplink/internal/bootstrap"
	"github.com/vanshika/uplink/internal/config"
	"github.com/vanshika/uplink/internal/logging"
	"github.com/vanshika/uplink/internal/service"
)

var (
	errMissingDataset = errors.New("dataset not found")
)

func main() {
	var (
		datasetDir = flag.String("dataset-dir", "./seed-data", "Directory containing users.json and events.json")
		usersPath  = flag.String("users", "", "Path to users.json (overrides dataset-dir)")
		eventsPath = flag.String("events", "", "Path to events.json (overrides dataset-dir)")
		workers    = flag.Int("workers", 4, "Number of concurrent workers for ingestion")
		skipEvents = flag.Bool("skip-events", false, "Import members only")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	base, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = base.Sync() }()
	logger := base.With(zap.String("component", "ingest"))

	userFile, eventFile, err := resolveDatasetPaths(*datasetDir, *usersPath, *eventsPath, *skipEvents)
	if err != nil {
		logger.Error("dataset resolution failed", zap.Error(err))
		os.Exit(1)
	}

	var users []service.SignUpInput
	if err := loadJSON(userFile, &users); err != nil {
		logger.Error("failed to load users", zap.Error(err), zap.String("path", userFile))
		os.Exit(1)
	}
	if len(users) == 0 {
		logger.Error("users dataset empty", zap.String("path", userFile))
		os.Exit(1)
	}

	var events []service.EventInput
	if eventFile != "" {
		if err := loadJSON(eventFile, &events); err != nil {
			logger.Error("failed to load events", zap.Error(err), zap.String("path", eventFile))
			os.Exit(1)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := bootstrap.New(ctx, cfg, base)
	if err != nil {
		logger.Error("failed to initialise services", zap.String("backend", cfg.Store.Backend), zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if err := app.Close(context.Background()); err != nil {
			logger.Warn("closing store failed", zap.Error(err))
		}
	}()

	ingestor := service.NewBulkIngestor(app.Members, app.Engine, app.Retrier, *workers)

	start := time.Now()
	logger.Info("ingesting members", zap.Int("count", len(users)), zap.Int("workers", *workers))
	if err := ingestor.IngestUsers(ctx, users); err != nil {
		logger.Error("member ingestion failed", zap.Error(err))
		os.Exit(1)
	}

	if len(events) > 0 {
		logger.Info("replaying events", zap.Int("count", len(events)))
		summary, err := ingestor.ReplayEvents(ctx, events)
		logger.Info("replay summary",
			zap.Int("events", summary.Events),
			zap.Int64("applied", summary.Applied),
			zap.Int64("replayed", summary.Replayed),
			zap.Int64("forfeited", summary.Forfeited),
			zap.Int64("conflicts", summary.Conflicts),
			zap.Int64("amount", summary.Amount))
		if err != nil {
			logger.Error("event replay failed", zap.Error(err))
			os.Exit(1)
		}
	}

	logger.Info("ingestion complete", zap.Duration("duration", time.Since(start)), zap.Int("users", len(users)), zap.Int("events", len(events)))
}

func resolveDatasetPaths(baseDir, usersPath, eventsPath string, skipEvents bool) (string, string, error) {
	resolve := func(explicitPath, fallbackFile string) (string, error) {
		if explicitPath != "" {
			if _, err := os.Stat(explicitPath); err != nil {
				return "", fmt.Errorf("stat %s: %w", explicitPath, err)
			}
			return explicitPath, nil
		}
		path := filepath.Join(baseDir, fallbackFile)
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("%w: %s", errMissingDataset, path)
		}
		return path, nil
	}

	usersFile, err := resolve(usersPath, "users.json")
	if err != nil {
		return "", "", err
	}
	if skipEvents {
		return usersFile, "", nil
	}
	eventsFile, err := resolve(eventsPath, "events.json")
	if err != nil {
		return "", "", err
	}
	return usersFile, eventsFile, nil
}

func loadJSON(path string, target any) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
