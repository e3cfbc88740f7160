package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"hexhive.ai/internal/config"
	"hexhive.ai/internal/hive"
	"hexhive.ai/internal/lattice"
	"hexhive.ai/internal/ledger"
	"hexhive.ai/internal/migration"
	"hexhive.ai/internal/persistence/archive"
	"hexhive.ai/internal/persistence/hivedb"
	persistlog "hexhive.ai/internal/persistence/log"
	"hexhive.ai/internal/transport/api"
)

// consensusObservers fans one consensus event out to several sinks.
type consensusObservers []hive.Observer

func (o consensusObservers) ConsensusReached(ev hive.ConsensusEvent) {
	for _, x := range o {
		x.ConsensusReached(ev)
	}
}

type migrationObservers []migration.Observer

func (o migrationObservers) MigrationProgress(p migration.Progress) {
	for _, x := range o {
		x.MigrationProgress(p)
	}
}

func main() {
	var (
		addr        = flag.String("addr", ":9003", "http listen address")
		configPath  = flag.String("config", "./configs/hives.yaml", "hive cluster config path")
		dataDir     = flag.String("data", "./data", "runtime data directory")
		watchEvery  = flag.Duration("watch_every", 30*time.Second, "population watch interval (0 to disable)")
		disableLogs = flag.Bool("disable_event_logs", false, "disable JSONL event audit logs")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[hive] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	store, err := hivedb.Open(filepath.Join(*dataDir, "hive.db"))
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	for _, h := range cfg.HiveRows() {
		if err := store.UpsertHive(ctx, h); err != nil {
			logger.Fatalf("seed hive %d: %v", h.ID, err)
		}
	}

	lat := lattice.New(cfg.LatticeCapacity)
	logger.Printf("lattice: capacity %d in %d rings", lat.Capacity(), lat.Rings())

	hub := api.NewHub(logger)
	consensusObs := consensusObservers{hub}
	migrationObs := migrationObservers{hub}
	if !*disableLogs {
		cl := persistlog.NewConsensusLogger(*dataDir)
		ml := persistlog.NewMigrationLogger(*dataDir)
		defer cl.Close()
		defer ml.Close()
		consensusObs = append(consensusObs, cl)
		migrationObs = append(migrationObs, ml)
	}

	var anchor ledger.Client = ledger.Local{}
	if cfg.Anchor.Endpoint != "" {
		anchor = ledger.NewHTTPClient(ledger.HTTPConfig{
			Endpoint: cfg.Anchor.Endpoint,
			Token:    cfg.Anchor.Token,
			Timeout:  time.Duration(cfg.Anchor.TimeoutMs) * time.Millisecond,
			Logger:   logger,
		})
	}

	mgr := hive.NewManager(store, lat, cfg.ConsensusThreshold, logger, consensusObs)
	coord := migration.NewCoordinator(migration.Config{
		SourceHiveID: cfg.OriginHiveID,
		Threshold:    cfg.MigrationThreshold,
		BatchSize:    cfg.MigrationBatchSize,
	}, store, lat, anchor, logger, migrationObs)

	srv := api.NewServer(store, mgr, coord, hub, logger)
	httpSrv := &http.Server{
		Addr:              *addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopWatch := make(chan struct{})
	if *watchEvery > 0 {
		go watchPopulation(coord, store, *dataDir, *watchEvery, stopWatch, logger)
	}

	go func() {
		logger.Printf("listening on %s (origin hive %d, threshold %d)", *addr, cfg.OriginHiveID, cfg.MigrationThreshold)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Printf("shutting down")
	close(stopWatch)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}

// watchPopulation polls the source hive and kicks a migration when the
// threshold is crossed. Execute's single-flight guard makes overlapping
// kicks harmless. Completed runs are archived beside the database.
func watchPopulation(coord *migration.Coordinator, store *hivedb.Store, dataDir string, every time.Duration, stop <-chan struct{}, logger *log.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), every)
			ok, err := coord.ShouldMigrate(ctx)
			cancel()
			if err != nil {
				logger.Printf("watch: %v", err)
				continue
			}
			if ok {
				// The interval only paces the threshold checks. A run is
				// not cancellable mid-flight and may take many intervals,
				// so it gets an undeadlined context.
				runCtx := context.Background()
				res, err := coord.Execute(runCtx)
				if err != nil {
					logger.Printf("watch: migration: %v", err)
				} else if !res.Skipped {
					archiveRun(runCtx, store, dataDir, res, logger)
				}
			}
		}
	}
}

func archiveRun(ctx context.Context, store *hivedb.Store, dataDir string, res migration.Result, logger *log.Logger) {
	if res.Receipt == "" {
		return
	}
	records, err := store.MigrationRecordsByReceipt(ctx, res.Receipt)
	if err != nil {
		logger.Printf("archive job %s: load records: %v", res.JobID, err)
		return
	}
	dir, archived, err := archive.ArchiveMigrationRun(dataDir, res, records)
	if err != nil {
		logger.Printf("archive job %s: %v", res.JobID, err)
		return
	}
	if archived {
		logger.Printf("archive job %s: %d records at %s", res.JobID, len(records), dir)
	}
}
