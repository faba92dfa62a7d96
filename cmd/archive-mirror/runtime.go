package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"archive-mirror/pkg/archive"
	"archive-mirror/pkg/config"
	"archive-mirror/pkg/crawler"
	"archive-mirror/pkg/fetch"
	"archive-mirror/pkg/mirror"
	"archive-mirror/pkg/orchestrate"
	"archive-mirror/pkg/storage"
)

const (
	dbGCInterval            = 10 * time.Minute
	hostSemEvictionInterval = 5 * time.Minute
)

// mirrorRuntime is the shared component graph behind every long-running subcommand
type mirrorRuntime struct {
	appCfg   *config.AppConfig
	store    *storage.BadgerStore
	registry *orchestrate.Registry
	log      *logrus.Logger
}

// newRuntime opens the hash store, starts the background loops and builds a registry.
// Background loops stop when ctx is done; call close to release the store.
func newRuntime(ctx context.Context, appCfg *config.AppConfig, log *logrus.Logger) (*mirrorRuntime, error) {
	log.Info("Initializing components...")
	logEntry := log.WithField("component", "runtime")

	// --- Storage ---
	store, err := storage.NewBadgerStore(ctx, appCfg.StateDir, log.WithField("component", "hashstore"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize hash store: %w", err)
	}
	go store.RunGC(ctx, dbGCInterval)

	// --- Cache directories ---
	dirs := mirror.NewDirectories(appCfg.Directories, logEntry)
	go dirs.Run(ctx, appCfg.DirectoryRescanInterval)
	mirrorStore := mirror.NewStore(dirs, store, logEntry)

	// --- HTTP Fetching Components ---
	httpClient := fetch.NewClient(appCfg.HTTPClientSettings, logEntry)
	monitor := fetch.NewMonitor(httpClient, appCfg.ArchiveBaseURL, logEntry)
	go monitor.Run(ctx, appCfg.ConnectivityProbeInterval)

	rateLimiter := fetch.NewRateLimiter(appCfg.DefaultDelayPerHost, appCfg.RequestsPerSecondPerHost, logEntry)
	hostSems := fetch.NewHostSemaphorePool(appCfg.MaxRequestsPerHost, appCfg.SemaphoreAcquireTimeout, logEntry)
	go hostSems.RunEviction(ctx, hostSemEvictionInterval)

	fetcher := fetch.NewFetcher(httpClient, appCfg, logEntry,
		fetch.WithRateLimiter(rateLimiter),
		fetch.WithHostSemaphores(hostSems),
		fetch.WithMonitor(monitor),
	)

	// --- Archive + scheduling ---
	client := archive.NewClient(appCfg, fetcher, mirrorStore, logEntry)
	gate := crawler.NewGate(monitor, dirs, false, logEntry)
	registry := orchestrate.NewRegistry(ctx, appCfg, client, gate, log.WithField("component", "crawl"))

	return &mirrorRuntime{appCfg: appCfg, store: store, registry: registry, log: log}, nil
}

// close retires every crawl and closes the hash store
func (r *mirrorRuntime) close() {
	r.registry.Close()
	if err := r.store.Close(); err != nil {
		r.log.Errorf("Error closing hash store: %v", err)
	}
}
