// syncd-server is a multi-tenant relational data synchronization
// engine: an authoritative commit log plus push/pull pipelines, a
// content-addressed bootstrap snapshot store, and a WebSocket realtime
// notifier, all partitioned per tenant.
//
// It reads configuration from sync.json in the working directory,
// connects to PostgreSQL, bootstraps the management schema, opens one
// tenant pool per partition, and starts an HTTP server exposing the
// push/pull/subscribe protocol plus a small admin API.
//
// Usage:
//
//	./syncd-server             # reads ./sync.json, starts server
//	docker compose up -d       # runs via Docker with mounted config
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/driftbase/syncd/internal/account"
	"github.com/driftbase/syncd/internal/blob"
	"github.com/driftbase/syncd/internal/commitlog"
	"github.com/driftbase/syncd/internal/config"
	"github.com/driftbase/syncd/internal/cursor"
	"github.com/driftbase/syncd/internal/external"
	"github.com/driftbase/syncd/internal/frontend"
	"github.com/driftbase/syncd/internal/handler"
	"github.com/driftbase/syncd/internal/maintenance"
	"github.com/driftbase/syncd/internal/partition"
	"github.com/driftbase/syncd/internal/pull"
	"github.com/driftbase/syncd/internal/push"
	"github.com/driftbase/syncd/internal/realtime"
	"github.com/driftbase/syncd/internal/snapshot"
	"github.com/driftbase/syncd/internal/storage"
	"github.com/driftbase/syncd/internal/telemetry"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("syncd-server starting...")

	cfg, err := config.Load("sync.json")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (listen=%s db=%s/%s)", cfg.ListenAddr, cfg.DBConn, cfg.DBName)

	if cfg.JWTSecret == "" {
		cfg.JWTSecret = frontend.GenerateSecret()
		log.Println("Warning: no jwtSecret configured, generated an ephemeral one for this run")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received %v, shutting down...", sig)
		cancel()
	}()

	rec := telemetry.NewNoop()

	// Management database: partition registry.
	mgmtDB, err := storage.OpenManagement(ctx, cfg.ConnString(), cfg.ConnBase())
	if err != nil {
		log.Fatalf("Failed to connect to management database: %v", err)
	}
	defer mgmtDB.Close()
	log.Println("Management database connected, schema bootstrapped")

	pools := storage.NewPoolManager(cfg.ConnBase())
	defer pools.Close()

	partitions := partition.NewStore(mgmtDB)

	// Ensure a default partition exists so the engine is usable without
	// an upfront admin call, and open a tenant pool for every partition
	// already registered.
	if _, err := partitions.Ensure(ctx, partition.DefaultPartitionID); err != nil {
		log.Fatalf("Failed to ensure default partition: %v", err)
	}

	allPartitions, err := partitions.List(ctx)
	if err != nil {
		log.Fatalf("Failed to list partitions: %v", err)
	}

	actorDBs := make(map[string]*account.Store)
	for _, p := range allPartitions {
		if err := pools.Add(ctx, p.PartitionID, p.DBName); err != nil {
			log.Printf("Warning: failed to open tenant pool for %s: %v", p.PartitionID, err)
			continue
		}
		tenantPool := pools.Get(p.PartitionID)
		if _, err := tenantPool.Exec(ctx, account.Schema); err != nil {
			log.Printf("Warning: failed to bootstrap actors table for %s: %v", p.PartitionID, err)
			continue
		}
		if _, err := tenantPool.Exec(ctx, itemsSchema); err != nil {
			log.Printf("Warning: failed to bootstrap items table for %s: %v", p.PartitionID, err)
			continue
		}
		actorDBs[p.PartitionID] = account.NewStore(&storage.DB{Pool: tenantPool})
		log.Printf("Tenant pool opened: %s -> %s", p.PartitionID, p.DBName)
	}

	// Core sync engine.
	handlers := handler.NewRegistry()
	if err := handlers.Register(itemsHandler{}); err != nil {
		log.Fatalf("Failed to register items handler: %v", err)
	}

	commits := commitlog.NewStore()
	cursors := cursor.NewStore()

	// Chunk bodies are content-addressed by their row bytes alone, so a
	// single blob table in the management database can hold bodies for
	// every partition without cross-tenant leakage: the chunk_id that
	// indexes into it is already partition-scoped.
	if _, err := mgmtDB.Pool.Exec(ctx, blob.Schema); err != nil {
		log.Fatalf("Failed to bootstrap snapshot chunk blob table: %v", err)
	}
	blobBackend := blob.NewStore(mgmtDB.Pool)

	snapshots, err := snapshot.NewStore(
		time.Duration(cfg.SnapshotChunkTTLSeconds)*time.Second,
		1024, // cached chunk count
		blobBackend,
	)
	if err != nil {
		log.Fatalf("Failed to create snapshot store: %v", err)
	}

	realtimeRegistry := realtime.NewRegistry(
		"syncd-server",
		nil, // single-instance deployment: no cross-instance broadcaster
		time.Duration(cfg.HeartbeatIntervalSeconds)*time.Second,
	)
	if err := realtimeRegistry.Start(ctx); err != nil {
		log.Fatalf("Failed to start realtime registry: %v", err)
	}

	pushPipeline := push.New(commits, handlers, realtimeRegistry, rec, cfg.SchemaVersionMin, cfg.SchemaVersionMax)
	pullPipeline := pull.New(commits, handlers, snapshots, cursors, rec)
	externalHook := external.NewHook(commits, snapshots, realtimeRegistry)

	maintenanceCfg := maintenance.Config{
		PruneInterval:           time.Duration(cfg.PruneIntervalMs) * time.Millisecond,
		KeepNewestCommits:       cfg.KeepNewestCommits,
		ActiveWindow:            time.Duration(cfg.ActiveWindowMs) * time.Millisecond,
		FallbackMaxAge:          time.Duration(cfg.FallbackMaxAgeMs) * time.Millisecond,
		CompactFullHistoryAfter: time.Duration(cfg.CompactFullHistoryHours) * time.Hour,
		SnapshotChunkTTL:        time.Duration(cfg.SnapshotChunkTTLSeconds) * time.Second,
		AuditMaxAge:             time.Duration(cfg.AuditMaxAgeHours) * time.Hour,
		AuditMaxRows:            int64(cfg.AuditMaxRows),
	}
	maintenanceMgr := maintenance.NewManager(maintenanceCfg, pools, partitions, commits, snapshots, cursors, rec)
	go maintenanceMgr.Run(ctx)

	jwtMgr := frontend.NewJWTManager(cfg.JWTSecret, "syncd-server")

	srv := frontend.New(cfg, mgmtDB, pools, partitions, pushPipeline, pullPipeline, realtimeRegistry, externalHook, jwtMgr, actorDBs)
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("syncd-server stopped")
}
