package orchestrate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"archive-mirror/pkg/config"
)

// CrawlResult contains the result of running one configured crawl to its first drain
type CrawlResult struct {
	Name      string
	Handle    string
	Success   bool
	Error     error
	Completed int64
	Pushed    int64
	Errors    int // Entries in the crawl's error log
	Duration  time.Duration
}

// Orchestrator runs configured crawls in parallel through a registry
type Orchestrator struct {
	appCfg   *config.AppConfig
	registry *Registry
	log      *logrus.Entry

	results   []CrawlResult
	resultsMu sync.Mutex
}

// NewOrchestrator creates an orchestrator over registry
func NewOrchestrator(appCfg *config.AppConfig, registry *Registry, log *logrus.Entry) *Orchestrator {
	return &Orchestrator{
		appCfg:   appCfg,
		registry: registry,
		log:      log,
	}
}

// Run starts every named crawl and waits until each has drained once or ctx is done.
// The schedulers stay registered afterwards.
func (o *Orchestrator) Run(ctx context.Context, names []string) []CrawlResult {
	startTime := time.Now()
	o.log.Infof("Starting %d crawls: %v", len(names), names)

	o.resultsMu.Lock()
	o.results = make([]CrawlResult, 0, len(names))
	o.resultsMu.Unlock()

	var g errgroup.Group
	for _, name := range names {
		g.Go(func() error {
			result := o.runCrawl(ctx, name)
			o.resultsMu.Lock()
			o.results = append(o.results, result)
			o.resultsMu.Unlock()
			return nil
		})
	}
	g.Wait()

	o.resultsMu.Lock()
	results := append([]CrawlResult(nil), o.results...)
	o.resultsMu.Unlock()
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	o.logSummary(results, time.Since(startTime))
	return results
}

// runCrawl registers one crawl, seeds it and waits for its first drain
func (o *Orchestrator) runCrawl(ctx context.Context, name string) CrawlResult {
	startTime := time.Now()
	result := CrawlResult{Name: name}
	crawlLog := o.log.WithField("crawl", name)

	cfg, warnings, err := o.appCfg.Crawl(name)
	for _, w := range warnings {
		crawlLog.Warn(w)
	}
	if err != nil {
		result.Error = err
		crawlLog.Errorf("Invalid crawl configuration: %v", err)
		return result
	}

	sched, err := o.registry.Register(cfg)
	if err != nil {
		result.Error = fmt.Errorf("failed to register crawl '%s': %w", name, err)
		crawlLog.Error(result.Error.Error())
		return result
	}

	drained := sched.NextDrain()
	admitted := sched.PushSeeds(cfg.Tasks...)
	crawlLog.Infof("Seeded %d tasks", admitted)

	if !sched.Idle() {
		select {
		case <-drained:
		case <-ctx.Done():
			result.Error = ctx.Err()
		}
	}

	status := sched.Status()
	result.Handle = status.Handle
	result.Completed = status.Queue.Completed
	result.Pushed = status.Queue.Pushed
	result.Errors = len(status.Errors)
	result.Success = result.Error == nil
	result.Duration = time.Since(startTime)
	return result
}

// logSummary logs a summary of all crawl results
func (o *Orchestrator) logSummary(results []CrawlResult, totalDuration time.Duration) {
	o.log.Info("============================================")
	o.log.Infof("Crawls finished in %v", totalDuration)

	var totalCompleted int64
	successCount := 0
	for _, r := range results {
		status := "DRAINED"
		if !r.Success {
			status = "FAILED"
		} else {
			successCount++
		}
		totalCompleted += r.Completed

		o.log.Infof("  %s: %s - %d tasks completed, %d errors in %v", r.Name, status, r.Completed, r.Errors, r.Duration)
		if r.Error != nil {
			o.log.Infof("    Error: %v", r.Error)
		}
	}

	o.log.Info("--------------------------------------------")
	o.log.Infof("Total: %d crawls (%d drained, %d failed), %d tasks completed",
		len(results), successCount, len(results)-successCount, totalCompleted)
	o.log.Info("============================================")
}

// ValidateCrawlNames checks that all provided crawl names exist in the config
func ValidateCrawlNames(appCfg *config.AppConfig, names []string) error {
	for _, name := range names {
		if _, exists := appCfg.Crawls[name]; !exists {
			return fmt.Errorf("crawl '%s' not found. Available crawls: %v", name, appCfg.CrawlNames())
		}
	}
	return nil
}

// AllCrawlNames returns all crawl names from the config, sorted
func AllCrawlNames(appCfg *config.AppConfig) []string {
	return appCfg.CrawlNames()
}
