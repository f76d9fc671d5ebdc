package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/vtxmedia/vtx/internal/config"
	"github.com/vtxmedia/vtx/internal/eventbus"
	"github.com/vtxmedia/vtx/internal/jobs"
	"github.com/vtxmedia/vtx/internal/logger"
	"github.com/vtxmedia/vtx/internal/plugins"
	"github.com/vtxmedia/vtx/internal/store"
	"github.com/vtxmedia/vtx/internal/vfs"
)

func main() {
	configPath := flag.String("config", getEnv("VTX_CONFIG_FILE", "vtx.yaml"), "path to the YAML configuration file")
	logLevel := flag.String("log-level", getEnv("VTX_LOG_LEVEL", "info"), "zerolog level (debug, info, warn, error)")
	prettyLog := flag.Bool("pretty-log", getEnv("VTX_LOG_PRETTY", "") == "1", "use console-formatted logs instead of JSON")
	flag.Parse()

	logger.Initialize(*logLevel, *prettyLog)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("loading configuration")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := store.Open(ctx, cfg.Database)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("opening persistence pool")
	}
	defer pool.Close()

	broker := vfs.NewBroker()
	bus := eventbus.New(64)

	manager := plugins.NewManager(pool, broker, bus, cfg.Plugins.Location, cfg.Plugins.MaxMemoryMB, loadNativePlugin)
	if err := manager.Discover(ctx); err != nil {
		logger.Log.Error().Err(err).Msg("plugin discovery")
	}
	if err := manager.StartHotReload(ctx, cfg.JobQueue.SweepIntervalMs/1000); err != nil {
		logger.Log.Error().Err(err).Msg("starting plugin hot reload watcher")
	}
	defer manager.StopHotReload()

	jobStore := jobs.NewStore(pool)
	if n, err := jobStore.RequeueExpiredLeases(ctx); err != nil {
		logger.Log.Error().Err(err).Msg("startup: reclaiming expired leases")
	} else if n > 0 {
		logger.Log.Info().Int64("count", n).Msg("startup: reclaimed expired leases")
	}
	if n, err := jobStore.FailTimedOut(ctx, cfg.JobQueue.TimeoutSecs); err != nil {
		logger.Log.Error().Err(err).Msg("startup: failing timed out jobs")
	} else if n > 0 {
		logger.Log.Info().Int64("count", n).Msg("startup: failed timed out jobs from a prior run")
	}

	limiter := jobs.NewLimiter(cfg.JobQueue.AdaptiveScan)
	if cfg.JobQueue.AdaptiveScan.Enabled {
		if err := limiter.StartController(ctx, cfg.JobQueue.AdaptiveScan, jobStore); err != nil {
			logger.Log.Error().Err(err).Msg("starting adaptive limiter controller")
		}
		defer limiter.Stop()
	}

	workerPool := jobs.NewPool(jobStore, limiter, cfg.JobQueue)
	workerPool.RegisterHandler("noop", handleNoop)
	workerPool.RegisterHandler("scan-directory", handleScanDirectory(broker, bus))
	workerPool.Start(ctx, cfg.JobQueue.MaxConcurrent)
	defer workerPool.Stop()

	logger.Log.Info().
		Str("database", cfg.Database.Path).
		Str("plugins_location", cfg.Plugins.Location).
		Int("job_queue_workers", cfg.JobQueue.MaxConcurrent).
		Msg("vtx core started")

	<-ctx.Done()
	logger.Log.Info().Msg("shutdown signal received, draining in-flight work")
}

// handleNoop is the job registry's trivial smoke-test job type.
func handleNoop(ctx context.Context, job *jobs.Job) (string, error) {
	return "{}", nil
}

// handleScanDirectory lists the requested path through the VFS broker and
// publishes a single scan.completed event carrying the number of objects
// found. The path is not checked against the configured scan roots.
func handleScanDirectory(broker *vfs.Broker, bus *eventbus.Bus) jobs.Handler {
	return func(ctx context.Context, job *jobs.Job) (string, error) {
		path, _ := job.Payload["path"].(string)
		objects, err := broker.List(ctx, path)
		if err != nil {
			return "", err
		}
		bus.Publish(ctx, eventbus.Event{
			Topic:  "scan.completed",
			Source: "job:" + job.ID,
			Payload: map[string]any{
				"path":  path,
				"found": len(objects),
			},
		})
		return fmt.Sprintf(`{"found":%d}`, len(objects)), nil
	}
}

// loadNativePlugin is the Compiler the Manager uses to resolve a plugin
// origin into a Module. Native module compilation (WASM or plugin.Open) is
// deployment-specific and left to the operator's build, so this stub
// reports every origin as unavailable rather than guessing a mechanism.
func loadNativePlugin(origin string) (plugins.Module, error) {
	return nil, fmt.Errorf("no native plugin loader configured for %s", origin)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
