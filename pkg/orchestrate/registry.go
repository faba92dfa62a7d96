package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"archive-mirror/pkg/config"
	"archive-mirror/pkg/crawler"
	"archive-mirror/pkg/models"
	"archive-mirror/pkg/utils"
)

// LocalIdentifier asks Add to re-push the target crawl's configured seeds
const LocalIdentifier = "local"

var (
	ErrUnknownCrawl      = errors.New("no crawl registered for key")
	ErrDestinationInUse  = errors.New("destination already has a crawl")
	ErrRegistryClosed    = errors.New("registry closed")
	ErrInvalidAddRequest = errors.New("invalid add request")
	ErrDestinationFixed  = errors.New("a crawl cannot change destination")
)

// AddRequest is a one-off crawl of one identifier or query
type AddRequest struct {
	Identifier  string       `json:"identifier,omitempty"`
	Query       string       `json:"query,omitempty"`
	Level       models.Level `json:"level,omitempty"`
	Rows        int          `json:"rows,omitempty"` // > 0 also crawls that many search results at Level
	Destination string       `json:"destination,omitempty"`
}

// Entry describes one registered crawl
type Entry struct {
	Handle      string `json:"handle"`
	Name        string `json:"name"`
	Destination string `json:"destination,omitempty"`
}

type registered struct {
	Entry
	sched  *crawler.Scheduler
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry owns the running schedulers, one per mirror destination. Schedulers live until
// they are retired; Close retires all of them.
type Registry struct {
	mu      sync.Mutex
	ctx     context.Context
	appCfg  *config.AppConfig
	archive crawler.Archive
	gate    *crawler.Gate
	byDest  map[string]*registered
	order   []string // destinations in registration order
	closed  bool
	onDrain crawler.DrainFunc
	log     *logrus.Entry
}

// NewRegistry creates an empty registry. Schedulers it starts run until ctx is done or they are retired.
func NewRegistry(ctx context.Context, appCfg *config.AppConfig, archive crawler.Archive, gate *crawler.Gate, log *logrus.Entry) *Registry {
	return &Registry{
		ctx:     ctx,
		appCfg:  appCfg,
		archive: archive,
		gate:    gate,
		byDest:  make(map[string]*registered),
		log:     log.WithField("component", "registry"),
	}
}

// OnDrain sets the drain callback given to schedulers created after this call
func (r *Registry) OnDrain(fn crawler.DrainFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDrain = fn
}

// destinationKey normalizes a destination; "" is the default cache
func destinationKey(destination string) string {
	if strings.TrimSpace(destination) == "" {
		return ""
	}
	return filepath.Clean(destination)
}

// Register creates and starts a scheduler for a configured crawl
func (r *Registry) Register(cfg config.CrawlConfig) (*crawler.Scheduler, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := destinationKey(cfg.Destination)
	if existing, ok := r.byDest[key]; ok {
		return nil, fmt.Errorf("%w: %q is used by %s", ErrDestinationInUse, key, existing.Name)
	}
	return r.createLocked(cfg)
}

// FindOrCreate returns the scheduler for destination, creating and starting one if needed.
// A new scheduler takes the options of the configured crawl with that destination, if any.
func (r *Registry) FindOrCreate(destination string) (*crawler.Scheduler, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := destinationKey(destination)
	if existing, ok := r.byDest[key]; ok {
		return existing.sched, false, nil
	}

	cfg := r.configFor(key)
	sched, err := r.createLocked(cfg)
	return sched, err == nil, err
}

// configFor picks the configured crawl for a destination or builds an ad hoc one
func (r *Registry) configFor(key string) config.CrawlConfig {
	if r.appCfg != nil {
		for _, name := range r.appCfg.CrawlNames() {
			if destinationKey(r.appCfg.Crawls[name].Destination) != key {
				continue
			}
			cfg, warnings, err := r.appCfg.Crawl(name)
			for _, w := range warnings {
				r.log.WithField("crawl", name).Warn(w)
			}
			if err == nil {
				return cfg
			}
			r.log.WithError(err).WithField("crawl", name).Warn("Configured crawl is invalid, using defaults")
		}
	}
	name := "default"
	if key != "" {
		name = "adhoc:" + key
	}
	cfg := config.CrawlConfig{Name: name, Destination: key}
	if _, err := cfg.Validate(); err != nil {
		r.log.WithError(err).Warn("Default crawl configuration is invalid")
	}
	return cfg
}

// createLocked builds and starts a scheduler; r.mu must be held
func (r *Registry) createLocked(cfg config.CrawlConfig) (*crawler.Scheduler, error) {
	if r.closed {
		return nil, ErrRegistryClosed
	}
	key := destinationKey(cfg.Destination)
	handle := uuid.NewString()

	opts := []crawler.SchedulerOption{crawler.WithHandle(handle)}
	if r.appCfg != nil {
		opts = append(opts, crawler.WithPerTaskTimeout(r.appCfg.PerTaskTimeout))
	}
	if r.onDrain != nil {
		opts = append(opts, crawler.WithDrainCallback(r.onDrain))
	}
	sched := crawler.NewScheduler(cfg, r.archive, r.gate, r.log.Logger.WithField("handle", handle), opts...)

	ctx, cancel := context.WithCancel(r.ctx)
	reg := &registered{
		Entry:  Entry{Handle: handle, Name: cfg.Name, Destination: key},
		sched:  sched,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.byDest[key] = reg
	r.order = append(r.order, key)

	go func() {
		defer close(reg.done)
		if err := sched.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.log.WithError(err).WithField("crawl", cfg.Name).Error("Scheduler stopped unexpectedly")
		}
	}()
	r.log.WithFields(logrus.Fields{"crawl": cfg.Name, "handle": handle, "destination": key}).Info("Scheduler registered")
	return sched, nil
}

// Add submits a one-off crawl. It targets the scheduler for req.Destination; without a
// destination it uses the default scheduler, else the first registered one.
// Returns the scheduler used and the number of tasks admitted.
func (r *Registry) Add(req AddRequest) (*crawler.Scheduler, int, error) {
	if req.Identifier != LocalIdentifier {
		if err := ValidateAddRequest(req); err != nil {
			return nil, 0, err
		}
	}
	sched, err := r.target(req.Destination)
	if err != nil {
		return nil, 0, err
	}

	if req.Identifier == LocalIdentifier {
		return sched, sched.PushSeeds(sched.Seeds()...), nil
	}

	level := models.LevelDetails
	if req.Level != "" {
		level, _ = models.ParseLevel(string(req.Level))
	}
	seed := config.SeedSpec{Query: req.Query, Level: level}
	if req.Identifier != "" {
		seed.Identifier = config.Identifiers{req.Identifier}
		seed.Query = ""
	}
	if req.Rows > 0 {
		seed.Search = models.Search{{Rows: req.Rows, Level: level}}
	}

	admitted := sched.PushSeeds(seed)
	r.log.WithFields(logrus.Fields{
		"crawl":      sched.Name(),
		"identifier": req.Identifier,
		"query":      req.Query,
		"level":      level,
		"admitted":   admitted,
	}).Info("One-off crawl added")
	return sched, admitted, nil
}

func (r *Registry) target(destination string) (*crawler.Scheduler, error) {
	if destinationKey(destination) != "" {
		sched, _, err := r.FindOrCreate(destination)
		return sched, err
	}
	r.mu.Lock()
	if reg, ok := r.byDest[""]; ok {
		r.mu.Unlock()
		return reg.sched, nil
	}
	if len(r.order) > 0 {
		reg := r.byDest[r.order[0]]
		r.mu.Unlock()
		return reg.sched, nil
	}
	r.mu.Unlock()
	sched, _, err := r.FindOrCreate("")
	return sched, err
}

// Get finds a scheduler by handle, crawl name or destination
func (r *Registry) Get(key string) (*crawler.Scheduler, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg := r.lookupLocked(key)
	if reg == nil {
		return nil, fmt.Errorf("%w %q", ErrUnknownCrawl, key)
	}
	return reg.sched, nil
}

func (r *Registry) lookupLocked(key string) *registered {
	if reg, ok := r.byDest[destinationKey(key)]; ok {
		return reg
	}
	for _, reg := range r.byDest {
		if reg.Handle == key || reg.Name == key {
			return reg
		}
	}
	return nil
}

// Reconfigure swaps the configuration of the crawl found by key. The crawl keeps its name and
// destination; an empty destination in cfg means the current one.
func (r *Registry) Reconfigure(key string, cfg config.CrawlConfig) (*crawler.Scheduler, []string, error) {
	sched, err := r.Get(key)
	if err != nil {
		return nil, nil, err
	}
	current := sched.Destination()
	if cfg.Destination == "" {
		cfg.Destination = current
	}
	if destinationKey(cfg.Destination) != destinationKey(current) {
		return sched, nil, fmt.Errorf("%w: %s is mirrored to %q, not %q", ErrDestinationFixed, sched.Name(), current, cfg.Destination)
	}
	cfg.Name = sched.Name()
	warnings, err := sched.Reconfigure(cfg)
	if err != nil {
		return sched, warnings, err
	}
	r.log.WithFields(logrus.Fields{"crawl": cfg.Name, "seeds": len(cfg.Tasks)}).Info("Scheduler reconfigured")
	return sched, warnings, nil
}

// LiveSeeds reads sched's seeds from the application configuration at call time. Crawls
// that are not in the configuration fall back to the scheduler's own seed list.
func (r *Registry) LiveSeeds(sched *crawler.Scheduler) crawler.LiveSeeds {
	return func() []config.SeedSpec {
		name := sched.Name()
		r.mu.Lock()
		appCfg := r.appCfg
		r.mu.Unlock()
		if appCfg != nil {
			if crawlCfg, ok := appCfg.Crawls[name]; ok {
				live := config.CrawlConfig{Tasks: slices.Clone(crawlCfg.Tasks)}
				_, err := live.Validate()
				if err == nil {
					return live.Tasks
				}
				r.log.WithError(err).WithField("crawl", name).Warn("Configured seeds are invalid, keeping the current ones")
			}
		}
		return sched.Seeds()
	}
}

// List returns the registered crawls in registration order
func (r *Registry) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.byDest[key].Entry)
	}
	return out
}

// StatusAll returns the status of every registered crawl in registration order
func (r *Registry) StatusAll() []models.CrawlStatus {
	r.mu.Lock()
	scheds := make([]*crawler.Scheduler, 0, len(r.order))
	for _, key := range r.order {
		scheds = append(scheds, r.byDest[key].sched)
	}
	r.mu.Unlock()

	out := make([]models.CrawlStatus, 0, len(scheds))
	for _, s := range scheds {
		out = append(out, s.Status())
	}
	return out
}

// Retire stops the crawl found by key and removes it. Running tasks finish first.
func (r *Registry) Retire(key string) error {
	r.mu.Lock()
	reg := r.lookupLocked(key)
	if reg == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w %q", ErrUnknownCrawl, key)
	}
	delete(r.byDest, reg.Destination)
	for i, dest := range r.order {
		if dest == reg.Destination {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	reg.sched.Stop()
	reg.cancel()
	<-reg.done
	r.log.WithFields(logrus.Fields{"crawl": reg.Name, "handle": reg.Handle}).Info("Scheduler retired")
	return nil
}

// Close retires every crawl and refuses new ones
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	keys := append([]string(nil), r.order...)
	r.mu.Unlock()

	for _, key := range keys {
		if err := r.Retire(key); err != nil && !errors.Is(err, ErrUnknownCrawl) {
			r.log.WithError(err).Warn("Retire failed")
		}
	}
}

// ValidateAddRequest reports what is wrong with req before it is submitted
func ValidateAddRequest(req AddRequest) error {
	if req.Identifier != "" && req.Query != "" {
		return fmt.Errorf("%w: give an identifier or a query, not both", ErrInvalidAddRequest)
	}
	if req.Level != "" {
		if _, err := models.ParseLevel(string(req.Level)); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidAddRequest, err)
		}
	}
	if req.Rows < 0 {
		return fmt.Errorf("%w: rows cannot be negative", ErrInvalidAddRequest)
	}
	if strings.ContainsRune(req.Destination, '\x00') {
		return fmt.Errorf("%w: destination: %w", ErrInvalidAddRequest, utils.ErrFilesystem)
	}
	return nil
}
