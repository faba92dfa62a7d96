package watch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"archive-mirror/pkg/config"
	"archive-mirror/pkg/orchestrate"
)

// Watcher re-runs configured crawls on an interval. A crawl's first run registers it;
// later runs restart the registered scheduler and wait for it to drain again.
type Watcher struct {
	appCfg       *config.AppConfig
	registry     *orchestrate.Registry
	orchestrator *orchestrate.Orchestrator
	names        []string
	interval     time.Duration
	log          *logrus.Entry
	stateManager *StateManager

	mu      sync.Mutex
	running map[string]bool
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher for the named crawls
func NewWatcher(appCfg *config.AppConfig, registry *orchestrate.Registry, names []string, interval time.Duration, log *logrus.Entry) *Watcher {
	return &Watcher{
		appCfg:       appCfg,
		registry:     registry,
		orchestrator: orchestrate.NewOrchestrator(appCfg, registry, log),
		names:        names,
		interval:     interval,
		log:          log,
		stateManager: NewStateManager(appCfg.StateDir),
		running:      make(map[string]bool),
	}
}

// Run starts watching and blocks until ctx is done. Runs in progress are
// awaited before it returns.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.stateManager.Load(); err != nil {
		w.log.Warnf("Failed to load watch state: %v (starting fresh)", err)
	}

	w.log.Infof("Starting watch mode for %d crawls with interval %v", len(w.names), FormatInterval(w.interval))
	w.logSchedule()

	w.runDue(ctx)

	ticker := time.NewTicker(w.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Watcher shutting down...")
			w.wg.Wait()
			return nil
		case <-ticker.C:
			w.runDue(ctx)
		}
	}
}

// runDue starts every due crawl that is not already running
func (w *Watcher) runDue(ctx context.Context) {
	due := w.dueCrawls()
	if len(due) == 0 {
		w.logNextRun()
		return
	}

	w.log.Infof("Running %d due crawls: %v", len(due), due)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.runCrawls(ctx, due)
	}()
}

// runCrawls runs names in parallel and records their outcome
func (w *Watcher) runCrawls(ctx context.Context, names []string) {
	var g errgroup.Group
	for _, name := range names {
		g.Go(func() error {
			defer w.release(name)
			result := w.runOnce(ctx, name)
			if errors.Is(result.Error, context.Canceled) {
				// Interrupted runs are retried on the next start
				return nil
			}
			errorMsg := ""
			if result.Error != nil {
				errorMsg = result.Error.Error()
			}
			w.stateManager.UpdateCrawlState(name, result.Success, result.Completed, result.Errors, errorMsg)
			return nil
		})
	}
	g.Wait()

	if err := w.stateManager.Save(); err != nil {
		w.log.Errorf("Failed to save watch state: %v", err)
	}
	w.logNextRun()
}

// runOnce registers the crawl on its first run and restarts it afterwards
func (w *Watcher) runOnce(ctx context.Context, name string) orchestrate.CrawlResult {
	sched, err := w.registry.Get(name)
	if err != nil {
		results := w.orchestrator.Run(ctx, []string{name})
		if len(results) == 0 {
			return orchestrate.CrawlResult{Name: name, Error: fmt.Errorf("crawl '%s' produced no result", name)}
		}
		return results[0]
	}

	start := time.Now()
	result := orchestrate.CrawlResult{Name: name}
	drained := sched.NextDrain()
	seeded := sched.Restart()
	w.log.WithField("crawl", name).Infof("Restarted with %d seeded tasks", seeded)
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
	result.Duration = time.Since(start)
	return result
}

// dueCrawls claims the crawls whose interval has passed
func (w *Watcher) dueCrawls() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var due []string
	for _, name := range w.names {
		if w.running[name] || !w.stateManager.ShouldRun(name, w.interval) {
			continue
		}
		w.running[name] = true
		due = append(due, name)
	}
	return due
}

func (w *Watcher) release(name string) {
	w.mu.Lock()
	delete(w.running, name)
	w.mu.Unlock()
}

// tickInterval returns how often to check for due crawls
func (w *Watcher) tickInterval() time.Duration {
	// At least every minute, at most every ten, otherwise a tenth of the interval
	return min(max(w.interval/10, time.Minute), 10*time.Minute)
}

// logSchedule logs the current schedule
func (w *Watcher) logSchedule() {
	w.log.Info("Watch schedule:")
	for _, name := range w.names {
		state, exists := w.stateManager.GetCrawlState(name)
		if !exists {
			w.log.Infof("  %s: never run, will run immediately", name)
			continue
		}
		status := "success"
		if !state.LastRunSuccess {
			status = "failed"
		}
		w.log.Infof("  %s: last run %v (%s, %d tasks, %d errors), next run %v",
			name,
			state.LastRunTime.Format(time.RFC3339),
			status,
			state.TasksCompleted,
			state.Errors,
			w.stateManager.GetNextRunTime(name, w.interval).Format(time.RFC3339))
	}
}

// logNextRun logs when the next run will occur
func (w *Watcher) logNextRun() {
	type nextRun struct {
		name string
		at   time.Time
	}
	var runs []nextRun
	for _, name := range w.names {
		runs = append(runs, nextRun{name, w.stateManager.GetNextRunTime(name, w.interval)})
	}
	if len(runs) == 0 {
		return
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].at.Before(runs[j].at) })

	next := runs[0]
	until := max(time.Until(next.at), 0)
	w.log.Infof("Next crawl: %s in %v (at %s)", next.name, until.Round(time.Second), next.at.Format("15:04:05"))
}

// GetStatus returns the current status of all watched crawls
func (w *Watcher) GetStatus() map[string]CrawlStatus {
	status := make(map[string]CrawlStatus, len(w.names))
	for _, name := range w.names {
		state, exists := w.stateManager.GetCrawlState(name)
		status[name] = CrawlStatus{
			Name:           name,
			LastRunTime:    state.LastRunTime,
			LastRunSuccess: state.LastRunSuccess,
			TasksCompleted: state.TasksCompleted,
			Errors:         state.Errors,
			ErrorMessage:   state.ErrorMessage,
			NextRunTime:    w.stateManager.GetNextRunTime(name, w.interval),
			NeverRun:       !exists,
		}
	}
	return status
}

// CrawlStatus contains the watch status of one crawl
type CrawlStatus struct {
	Name           string
	LastRunTime    time.Time
	LastRunSuccess bool
	TasksCompleted int64
	Errors         int
	ErrorMessage   string
	NextRunTime    time.Time
	NeverRun       bool
}

// FormatInterval formats a duration for display
func FormatInterval(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		hours := int(d.Hours())
		if mins := int(d.Minutes()) % 60; mins > 0 {
			return fmt.Sprintf("%dh%dm", hours, mins)
		}
		return fmt.Sprintf("%dh", hours)
	}
	days := int(d.Hours()) / 24
	if hours := int(d.Hours()) % 24; hours > 0 {
		return fmt.Sprintf("%dd%dh", days, hours)
	}
	return fmt.Sprintf("%dd", days)
}

// ParseInterval parses a duration string; a leading "<n>d" counts days
func ParseInterval(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err == nil {
		return d, nil
	}

	var days int
	var remaining string
	n, _ := fmt.Sscanf(s, "%dd%s", &days, &remaining)
	if n >= 1 {
		d = time.Duration(days) * 24 * time.Hour
		if remaining != "" {
			extra, err := time.ParseDuration(remaining)
			if err != nil {
				return 0, fmt.Errorf("invalid interval format: %s", s)
			}
			d += extra
		}
		return d, nil
	}

	return 0, fmt.Errorf("invalid interval format: %s (examples: 30m, 1h, 24h, 7d)", s)
}
