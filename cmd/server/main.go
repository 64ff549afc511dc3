// Package main is the entry point for a single event store node.
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
	"time"

	"github.com/streamgrid/eventstore/internal/api"
	"github.com/streamgrid/eventstore/internal/config"
	"github.com/streamgrid/eventstore/internal/eventstore"
	"github.com/streamgrid/eventstore/internal/eventstore/hybrid"
	"github.com/streamgrid/eventstore/internal/eventstore/localkv"
	"github.com/streamgrid/eventstore/internal/eventstore/widecolumn"
	"github.com/streamgrid/eventstore/internal/metrics"
	"github.com/streamgrid/eventstore/internal/peer"
	"github.com/streamgrid/eventstore/internal/pipeline"
	"github.com/streamgrid/eventstore/internal/schema"
	"github.com/streamgrid/eventstore/internal/snapshot"
	"github.com/streamgrid/eventstore/internal/topology"
	"github.com/streamgrid/eventstore/internal/worker"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("eventstore %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting event store node",
		slog.String("version", version),
		slog.String("node_id", cfg.Node.ID),
		slog.String("storage", cfg.Storage.Type),
		slog.String("address", cfg.Address()),
	)

	store, err := createStorage(cfg, logger)
	if err != nil {
		logger.Error("failed to create storage backend", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var snapBackend snapshot.Backend
	snapBackend, err = snapshot.OpenBoltBackend(snapshotPath(cfg.Storage.DBPath))
	if err != nil {
		logger.Error("failed to open snapshot backend", slog.String("error", err.Error()))
		os.Exit(1)
	}
	snapshots := snapshot.NewStore(snapBackend)

	topo := topology.New(cfg.Node.ID, cfg.Address())
	for _, addr := range cfg.Node.Cluster {
		if addr == cfg.Address() {
			continue
		}
		topo.AddNode(addr, addr)
	}

	pool := worker.New(cfg.Storage.Workers, cfg.Storage.QueueDepth)
	peers := peer.New(cfg.Security.AuthToken, cfg.RequestTimeout())
	schemas := schema.NewRegistry(store)
	validator := schema.NewValidator(logger)

	policy := schema.PolicySoftFail
	if cfg.Schema.ValidationPolicy == string(schema.PolicyHardFail) {
		policy = schema.PolicyHardFail
	}

	pl := pipeline.New(pipeline.Config{
		Topology:         topo,
		Pool:             pool,
		Store:            store,
		Validator:        validator,
		Schemas:          schemas,
		ValidationPolicy: policy,
		Peers:            peers,
		Log:              logger,
	})

	m := metrics.New()
	server := api.NewServer(cfg, pl, schemas, snapshots, logger, m)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	case sig := <-shutdown:
		logger.Info("shutting down", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", slog.String("error", err.Error()))
		}
		if err := pool.Shutdown(); err != nil {
			logger.Error("worker pool shutdown error", slog.String("error", err.Error()))
		}
		if err := store.Close(); err != nil {
			logger.Error("storage close error", slog.String("error", err.Error()))
		}
	}

	logger.Info("shutdown complete")
}

// createStorage builds the storage backend selected by cfg.Storage.Type.
func createStorage(cfg *config.Config, logger *slog.Logger) (eventstore.Storage, error) {
	switch cfg.Storage.Type {
	case "local":
		logger.Info("using local embedded storage", slog.String("path", cfg.Storage.DBPath))
		return localkv.Open(cfg.Storage.DBPath)

	case "remote":
		logger.Info("connecting to wide-column cluster",
			slog.String("uri", cfg.Storage.Cassandra.URI),
			slog.String("keyspace", cfg.Storage.Cassandra.Keyspace))
		return widecolumn.New(cassandraConfig(cfg))

	case "hybrid":
		logger.Info("using hybrid storage (local primary, wide-column fallback)",
			slog.String("path", cfg.Storage.DBPath),
			slog.String("uri", cfg.Storage.Cassandra.URI))
		local, err := localkv.Open(cfg.Storage.DBPath)
		if err != nil {
			return nil, err
		}
		remote, err := widecolumn.New(cassandraConfig(cfg))
		if err != nil {
			local.Close()
			return nil, err
		}
		return hybrid.New(local, remote, logger), nil

	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
}

func cassandraConfig(cfg *config.Config) widecolumn.Config {
	hosts := strings.Split(cfg.Storage.Cassandra.URI, ",")
	wc := widecolumn.DefaultConfig(hosts, cfg.Storage.Cassandra.Keyspace)
	wc.Username = cfg.Storage.Cassandra.Username
	wc.Password = cfg.Storage.Cassandra.Password
	return wc
}

func snapshotPath(dbPath string) string {
	if dbPath == "" {
		return "./data/snapshots.db"
	}
	return dbPath + "_snapshots"
}
