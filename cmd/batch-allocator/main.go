package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/silvercrystal/batch-allocator/internal/allocator"
	"github.com/silvercrystal/batch-allocator/internal/batchtable"
	"github.com/silvercrystal/batch-allocator/internal/catalog"
	"github.com/silvercrystal/batch-allocator/internal/config"
	"github.com/silvercrystal/batch-allocator/internal/logging"
	"github.com/silvercrystal/batch-allocator/internal/metrics"
	"github.com/silvercrystal/batch-allocator/internal/orderapi"
	"github.com/silvercrystal/batch-allocator/internal/runs"
	"github.com/silvercrystal/batch-allocator/internal/snapshot"
	"github.com/silvercrystal/batch-allocator/internal/storage"
)

func main() {
	var (
		configPath = flag.String("config", "", "optional YAML config overrides")
		tablePath  = flag.String("table", "", "input batch table (parquet)")
		batchList  = flag.String("batches", "", "comma-separated batch names to process (default: all)")
		workers    = flag.Int("workers", 0, "worker count override")
	)
	flag.Parse()

	if err := run(*configPath, *tablePath, *batchList, *workers); err != nil {
		fmt.Fprintln(os.Stderr, "batch-allocator:", err)
		os.Exit(1)
	}
}

func run(configPath, tablePath, batchList string, workerOverride int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if workerOverride > 0 {
		cfg.Run.Workers = workerOverride
	}
	if tablePath == "" {
		return fmt.Errorf("-table is required")
	}

	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	log := logging.Component("main")
	log.Info("batch allocator starting", "version", allocator.Version, "sha", allocator.GitSHA, "workers", cfg.Run.Workers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = logging.WithCorrelationID(ctx, logging.GenerateCorrelationID())

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if cfg.Metrics.Enabled {
		metrics.Serve(cfg.Metrics.Address)
	}

	// Input table: filter to the requested batches, normalize, derive units.
	rows, err := batchtable.Load(tablePath)
	if err != nil {
		return err
	}
	var requested []string
	if batchList != "" {
		requested = strings.Split(batchList, ",")
	}
	prepared := batchtable.Prepare(rows, requested)
	units := batchtable.Units(prepared)
	if len(units) == 0 {
		return fmt.Errorf("no batch units match the request")
	}

	mirror, err := snapshot.OpenSQL(cfg.Mirror, cfg.Run.Workers)
	if err != nil {
		return fmt.Errorf("open mirror: %w", err)
	}
	defer mirror.Close()

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	cat, err := catalog.Open(ctx, cfg.Catalog)
	if err != nil {
		// The catalog is reporting, not control flow. Run without it.
		log.Warn("catalog unavailable, continuing without it", "error", err)
		cat = catalog.Noop{}
	}
	defer cat.Close()

	mgr := runs.NewManager(cfg.DataDir)
	batchNames := make([]string, len(units))
	for i, u := range units {
		batchNames[i] = u.Name
	}
	run, err := mgr.Create(batchNames, cfg.Run.Workers)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	log.Info("run created", "run_id", run.Meta.RunID, "units", len(units))

	if err := batchtable.Write(run.Path("batch_table.parquet"), prepared); err != nil {
		log.Warn("could not persist prepared table", "error", err)
	}
	if err := cat.StartRun(ctx, run.Meta); err != nil {
		log.Warn("catalog start-run failed", "error", err)
	}

	sink, err := orderapi.NewSink(cfg.API, run.Meta.RunID)
	if err != nil {
		log.Warn("telemetry disabled", "error", err)
	}
	defer sink.Close()
	remote := orderapi.New(cfg.API, sink)

	alloc := allocator.New(cfg, remote, mirror, store, cat, run)
	summary, runErr := alloc.Run(ctx, units)

	status := "completed"
	if runErr != nil {
		status = "failed"
	}
	if err := run.Finish(status, summary.OrdersPlaced, summary.OrdersFailed); err != nil {
		log.Warn("could not persist run metadata", "error", err)
	}
	if err := cat.FinishRun(ctx, run.Meta); err != nil {
		log.Warn("catalog finish-run failed", "error", err)
	}

	if runErr != nil {
		if ctx.Err() != nil {
			log.Info("shutdown complete")
			return nil
		}
		return runErr
	}

	log.Info("run complete",
		slog.Int("batches", summary.Batches),
		slog.Int("orders_placed", summary.OrdersPlaced),
		slog.Int("orders_failed", summary.OrdersFailed))
	return nil
}
