package crawler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"archive-mirror/pkg/config"
	"archive-mirror/pkg/models"
	"archive-mirror/pkg/queue"
	"archive-mirror/pkg/utils"
)

// ErrSchedulerRunning is returned by Start when the dispatch loop is already running
var ErrSchedulerRunning = errors.New("scheduler already running")

// DrainFunc is called with the final status each time a scheduler runs out of work
type DrainFunc func(status models.CrawlStatus)

// LiveSeeds returns the current seed list of a crawl whose configuration may change under us
type LiveSeeds func() []config.SeedSpec

// ErrorRecord is one failed or dropped task in the run's error log
type ErrorRecord struct {
	Time    time.Time
	Lineage []string
	Depth   models.DepthSpec
	Err     error
}

// Summary converts the record for status output
func (r ErrorRecord) Summary() models.ErrorSummary {
	return models.ErrorSummary{
		Date:    r.Time,
		Lineage: r.Lineage,
		Level:   r.Depth.Level,
		Search:  r.Depth.Search,
		Related: r.Depth.Related,
		Error:   models.ErrorDetail{Name: utils.CategorizeError(r.Err), Message: r.Err.Error()},
	}
}

// Scheduler runs the tasks of one crawl with bounded concurrency
type Scheduler struct {
	mu       sync.Mutex
	slotFree *sync.Cond // Signalled when a worker finishes or concurrency changes

	cfg            config.CrawlConfig
	handle         string
	archive        Archive
	gate           *Gate
	queue          *queue.ThreadSafePriorityQueue[Task]
	dedup          *Index
	perTaskTimeout time.Duration
	log            *logrus.Entry

	running    bool
	workers    map[int]Task
	nextWorker int
	wg         sync.WaitGroup

	completed int64
	pushed    int64 // Admitted pushes
	errs      []ErrorRecord

	drains  int
	drainCh chan struct{}
	onDrain DrainFunc

	reconsider map[string]*time.Timer
}

// SchedulerOption configures optional Scheduler behaviour
type SchedulerOption func(*Scheduler)

// WithHandle sets the registry handle reported in status
func WithHandle(handle string) SchedulerOption {
	return func(s *Scheduler) { s.handle = handle }
}

// WithPerTaskTimeout bounds the time one task may take; 0 means no bound
func WithPerTaskTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.perTaskTimeout = d }
}

// WithDrainCallback sets the callback invoked when the queue drains
func WithDrainCallback(fn DrainFunc) SchedulerOption {
	return func(s *Scheduler) { s.onDrain = fn }
}

// NewScheduler creates a scheduler for one validated crawl configuration. Nothing is
// dispatched until Start is called; seeds may be pushed before that.
func NewScheduler(cfg config.CrawlConfig, archive Archive, gate *Gate, log *logrus.Entry, opts ...SchedulerOption) *Scheduler {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	s := &Scheduler{
		cfg:        cfg,
		archive:    archive,
		gate:       gate.WithDestination(cfg.Destination != ""),
		dedup:      NewIndex(),
		log:        log.WithField("crawl", cfg.Name),
		workers:    make(map[int]Task),
		drainCh:    make(chan struct{}),
		reconsider: make(map[string]*time.Timer),
	}
	s.slotFree = sync.NewCond(&s.mu)
	s.queue = queue.NewThreadSafePriorityQueue[Task](s.log.WithField("component", "queue"))
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the crawl's display name
func (s *Scheduler) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Name
}

// Destination returns the crawl's explicit mirror destination, "" for the default cache
func (s *Scheduler) Destination() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Destination
}

// Seeds returns the configured seed list
func (s *Scheduler) Seeds() []config.SeedSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.cfg.Tasks)
}

// currentConfig returns a copy of the configuration for use outside the lock
func (s *Scheduler) currentConfig() config.CrawlConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// newItemTask builds an item task with this crawl's details defaults
func (s *Scheduler) newItemTask(parent Task, identifier, query string, depth models.DepthSpec, member *models.Member) *ItemTask {
	cfg := s.currentConfig()
	if depth.Level == "" {
		if parent == nil {
			depth.Level = models.LevelDetails
		} else {
			depth.Level = models.LevelTile
		}
	}
	defaults := models.DepthSpec{Search: cfg.DefaultDetailsSearch, Related: cfg.DefaultDetailsRelated}
	return NewItemTask(parent, identifier, query, depth, member, defaults)
}

// --- Admission ---

// Push enqueues t unless the task budget is spent. A rejected task is recorded in the
// error log and never runs. Push never blocks on the queue.
func (s *Scheduler) Push(t Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	budget := s.cfg.TotalTaskBudget
	if budget > 0 && s.pushed >= int64(budget) {
		err := fmt.Errorf("%w: %d tasks admitted, dropping %s", utils.ErrTaskBudgetExceeded, budget, t.Name())
		s.recordLocked(t, err)
		s.log.WithField("task", t.Name()).Debug(err.Error())
		return false
	}
	if !s.queue.Add(t, len(t.Lineage())) {
		return false
	}
	s.pushed++
	return true
}

// PushSeeds expands seed specs into tasks: one item task per identifier, a file task for
// "identifier/path" identifiers and one query task for seeds without identifiers
func (s *Scheduler) PushSeeds(seeds ...config.SeedSpec) int {
	admitted := 0
	push := func(t Task) {
		if s.Push(t) {
			admitted++
		}
	}
	for _, seed := range seeds {
		if len(seed.Identifier) == 0 {
			push(s.newItemTask(nil, "", seed.Query, seed.Depth(), nil))
			continue
		}
		for _, id := range seed.Identifier {
			if config.IsFilePath(id) {
				push(NewFilePathTask(nil, id))
				continue
			}
			push(s.newItemTask(nil, id, "", seed.Depth(), nil))
		}
	}
	return admitted
}

// --- Dispatch ---

// Start runs the dispatch loop until ctx is done or Stop is called, then waits for
// in-flight tasks to finish. Each free slot waits for the gate, then takes the next task.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerRunning
	}
	s.running = true
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.slotFree.Broadcast()
		s.mu.Unlock()
	})
	defer func() {
		stop()
		s.wg.Wait()
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.log.WithField("concurrency", s.currentConfig().Concurrency).Info("Scheduler started")
	for {
		s.mu.Lock()
		for len(s.workers) >= s.cfg.Concurrency && ctx.Err() == nil {
			s.slotFree.Wait()
		}
		gate := s.gate
		s.mu.Unlock()
		if err := ctx.Err(); err != nil {
			return err
		}

		if !s.queue.WaitAvailable(ctx) {
			if err := ctx.Err(); err != nil {
				return err
			}
			s.log.Info("Queue closed, scheduler stopping")
			return nil
		}
		if err := gate.Wait(ctx); err != nil {
			return err
		}

		s.mu.Lock()
		if len(s.workers) >= s.cfg.Concurrency {
			// Concurrency was lowered while we waited
			s.mu.Unlock()
			continue
		}
		task, ok := s.queue.TryPop()
		if !ok {
			// Paused or cancelled in the meantime
			s.mu.Unlock()
			continue
		}
		id := s.nextWorker
		s.nextWorker++
		s.workers[id] = task
		s.wg.Add(1)
		s.mu.Unlock()

		go s.run(ctx, id, task)
	}
}

// run executes one task and always reports completion
func (s *Scheduler) run(ctx context.Context, id int, t Task) {
	defer s.wg.Done()

	taskLog := s.taskLog(t)
	startTime := time.Now()
	debugTask := s.isDebugTask(t)
	if debugTask {
		taskLog.WithField("lineage", t.Lineage()).Info("Processing task")
	}

	taskCtx := ctx
	if s.perTaskTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, s.perTaskTimeout)
		defer cancel()
	}

	err := s.process(taskCtx, t, taskLog)

	logFields := logrus.Fields{"duration": time.Since(startTime).String()}
	switch {
	case err != nil:
		logFields["category"] = utils.CategorizeError(err)
		taskLog.WithFields(logFields).Warnf("Task failed: %v", err)
	case debugTask:
		taskLog.WithFields(logFields).Info("Task completed")
	default:
		taskLog.WithFields(logFields).Debug("Task completed")
	}

	// Failures caused by our own shutdown are not crawl errors
	s.finish(id, t, err, ctx.Err() != nil)
}

// process calls t.Process, turning a panic into an error
func (s *Scheduler) process(ctx context.Context, t Task, taskLog *logrus.Entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			taskLog.WithFields(logrus.Fields{
				"panic_info":  r,
				"stack_trace": string(debug.Stack()),
			}).Error("PANIC recovered in task")
			err = fmt.Errorf("%w: %v", utils.ErrTaskPanic, r)
		}
	}()
	return t.Process(ctx, s)
}

// finish unregisters the worker and fires the drain notification when nothing is left
func (s *Scheduler) finish(id int, t Task, err error, shuttingDown bool) {
	s.mu.Lock()
	delete(s.workers, id)
	s.completed++
	if err != nil && !shuttingDown {
		s.recordLocked(t, err)
	}
	s.slotFree.Broadcast()

	if len(s.workers) > 0 || s.queue.Len() > 0 || shuttingDown {
		s.mu.Unlock()
		return
	}
	s.drains++
	status := s.statusLocked()
	var callback DrainFunc
	if s.onDrain != nil && (!s.cfg.NotifyOnceOnDrain || s.drains == 1) {
		callback = s.onDrain
	}
	drained := s.drainCh
	s.drainCh = make(chan struct{})
	s.mu.Unlock()

	s.logDrain(status)
	if callback != nil {
		callback(status)
	}
	close(drained)
}

// logDrain writes the end-of-run summary
func (s *Scheduler) logDrain(status models.CrawlStatus) {
	summaryLog := s.log.WithFields(logrus.Fields{
		"completed":  status.Queue.Completed,
		"errors":     len(status.Errors),
		"seen_items": status.Queue.Seen.Items,
		"seen_files": status.Queue.Seen.Files,
		"seen_pages": status.Queue.Seen.Pages,
	})
	summaryLog.Info("Queue drained")
	for _, e := range status.Errors {
		summaryLog.WithFields(logrus.Fields{
			"lineage":  e.Lineage,
			"category": e.Error.Name,
		}).Warn(e.Error.Message)
	}
}

// recordLocked appends to the error log; s.mu must be held
func (s *Scheduler) recordLocked(t Task, err error) {
	s.errs = append(s.errs, ErrorRecord{
		Time:    time.Now(),
		Lineage: fullLineage(t),
		Depth:   depthOf(t),
		Err:     err,
	})
}

// recordError appends a non-fatal error for t without failing the task
func (s *Scheduler) recordError(t Task, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordLocked(t, err)
}

func (s *Scheduler) taskLog(t Task) *logrus.Entry {
	return s.log.WithField("task", t.Name())
}

func (s *Scheduler) isDebugTask(t Task) bool {
	id := s.currentConfig().DebugIdentifier
	return id != "" && id == t.Identifier()
}

// --- Controls ---

// Pause stops dispatching; in-flight tasks carry on
func (s *Scheduler) Pause() {
	s.queue.Pause()
	s.log.Info("Scheduler paused")
}

// Resume continues dispatching
func (s *Scheduler) Resume() {
	s.queue.Resume()
	s.log.Info("Scheduler resumed")
}

// CancelMatching removes queued tasks for identifier, or every queued task when identifier
// is empty. Returns the number removed. Running tasks are not affected.
func (s *Scheduler) CancelMatching(identifier string) int {
	removed := s.queue.Remove(func(t Task) bool {
		return identifier == "" || t.Identifier() == identifier
	})
	s.log.WithFields(logrus.Fields{"identifier": identifier, "removed": removed}).Info("Cancelled queued tasks")
	return removed
}

// Restart drops queued work, forgets everything this run has seen and pushes the seeds again
func (s *Scheduler) Restart() int {
	s.mu.Lock()
	removed := s.queue.Remove(func(Task) bool { return true })
	s.dedup.Reset()
	s.errs = nil
	s.completed = 0
	s.pushed = 0
	s.drains = 0
	seeds := s.cfg.Tasks
	s.mu.Unlock()

	admitted := s.PushSeeds(seeds...)
	s.log.WithFields(logrus.Fields{"cancelled": removed, "seeded": admitted}).Info("Scheduler restarted")
	return admitted
}

// SetConcurrency changes the number of concurrently running tasks. Lowering it lets
// running tasks finish; no new ones start until the count is below the new limit.
func (s *Scheduler) SetConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	s.mu.Lock()
	s.cfg.Concurrency = n
	s.slotFree.Broadcast()
	s.mu.Unlock()
	s.log.WithField("concurrency", n).Info("Concurrency changed")
}

// Reconfigure swaps in a new crawl configuration. Queued and running tasks are kept;
// the seeds are not re-pushed.
func (s *Scheduler) Reconfigure(cfg config.CrawlConfig) ([]string, error) {
	warnings, err := cfg.Validate()
	if err != nil {
		return warnings, err
	}
	s.mu.Lock()
	if cfg.Name == "" {
		cfg.Name = s.cfg.Name
	}
	s.cfg = cfg
	s.gate = s.gate.WithDestination(cfg.Destination != "")
	s.slotFree.Broadcast()
	s.mu.Unlock()
	return warnings, nil
}

// AddSeeds appends seeds to the configured list and pushes them
func (s *Scheduler) AddSeeds(seeds ...config.SeedSpec) int {
	s.mu.Lock()
	s.cfg.Tasks = append(slices.Clip(s.cfg.Tasks), seeds...)
	s.mu.Unlock()
	return s.PushSeeds(seeds...)
}

// OnDrain replaces the drain callback
func (s *Scheduler) OnDrain(fn DrainFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDrain = fn
}

// SuspendAndReconsider drops queued work for identifier now and, after delay, pushes the
// seeds that still name identifier according to live. A newer call for the same identifier
// replaces a pending one, so a burst of changes results in one re-crawl.
func (s *Scheduler) SuspendAndReconsider(identifier string, delay time.Duration, live LiveSeeds) {
	s.CancelMatching(identifier)

	s.mu.Lock()
	defer s.mu.Unlock()
	if pending, ok := s.reconsider[identifier]; ok {
		pending.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.reconsider[identifier] != timer {
			s.mu.Unlock()
			return
		}
		delete(s.reconsider, identifier)
		s.mu.Unlock()

		seeds := live()
		s.mu.Lock()
		s.cfg.Tasks = seeds
		s.mu.Unlock()

		var matching []config.SeedSpec
		for _, seed := range seeds {
			if seed.Matches(identifier) {
				matching = append(matching, seed.Narrow(identifier))
			}
		}
		admitted := s.PushSeeds(matching...)
		s.log.WithFields(logrus.Fields{"identifier": identifier, "seeded": admitted}).Info("Reconsidered identifier")
	})
	s.reconsider[identifier] = timer
}

// Stop closes the queue so Start returns once running tasks finish, and drops pending reconsiderations
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for id, timer := range s.reconsider {
		timer.Stop()
		delete(s.reconsider, id)
	}
	s.mu.Unlock()
	s.queue.Close()
}

// --- Reporting ---

// NextDrain returns a channel closed the next time the queue drains
func (s *Scheduler) NextDrain() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drainCh
}

// Idle reports whether nothing is queued or running
func (s *Scheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers) == 0 && s.queue.Len() == 0
}

// Errors returns a copy of the run's error log
func (s *Scheduler) Errors() []ErrorRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ErrorRecord(nil), s.errs...)
}

// Status returns the report surface of this crawl
func (s *Scheduler) Status() models.CrawlStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Scheduler) statusLocked() models.CrawlStatus {
	ids := make([]int, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	workers := make([]models.TaskSnapshot, 0, len(ids))
	for _, id := range ids {
		workers = append(workers, snapshot(s.workers[id]))
	}

	seeds := make([]models.SeedSummary, 0, len(s.cfg.Tasks))
	for _, seed := range s.cfg.Tasks {
		seeds = append(seeds, seed.Summary())
	}
	errs := make([]models.ErrorSummary, 0, len(s.errs))
	for _, rec := range s.errs {
		errs = append(errs, rec.Summary())
	}
	items, files, pages := s.dedup.Sizes()

	return models.CrawlStatus{
		Name:   s.cfg.Name,
		Handle: s.handle,
		Queue: models.QueueStatus{
			Length:      s.queue.Len(),
			Running:     len(s.workers),
			Workers:     workers,
			Concurrency: s.cfg.Concurrency,
			Completed:   s.completed,
			Pushed:      s.pushed,
			Paused:      s.queue.Paused(),
			Seen:        models.SeenCounts{Items: items, Files: files, Pages: pages},
		},
		Options: s.cfg.Reportable(),
		Seeds:   seeds,
		Errors:  errs,
	}
}
