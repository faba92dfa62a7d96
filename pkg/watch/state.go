package watch

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const stateFileName = "watch_state.json"

// CrawlState contains the last run information for a crawl
type CrawlState struct {
	LastRunTime    time.Time `json:"last_run_time"`
	LastRunSuccess bool      `json:"last_run_success"`
	TasksCompleted int64     `json:"tasks_completed"`
	Errors         int       `json:"errors"`
	ErrorMessage   string    `json:"error_message,omitempty"`
}

// WatchState is the persisted watch state
type WatchState struct {
	Crawls    map[string]CrawlState `json:"crawls"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// StateManager handles persisting and loading watch state
type StateManager struct {
	stateDir  string
	statePath string
	state     WatchState
	mu        sync.RWMutex
}

// NewStateManager creates a state manager writing to stateDir/watch_state.json
func NewStateManager(stateDir string) *StateManager {
	return &StateManager{
		stateDir:  stateDir,
		statePath: filepath.Join(stateDir, stateFileName),
		state:     WatchState{Crawls: make(map[string]CrawlState)},
	}
}

// Load loads the state from disk. A missing file is an empty state.
func (m *StateManager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			m.state = WatchState{Crawls: make(map[string]CrawlState)}
			return nil
		}
		return fmt.Errorf("failed to read state file: %w", err)
	}

	if err := json.Unmarshal(data, &m.state); err != nil {
		return fmt.Errorf("failed to parse state file: %w", err)
	}
	if m.state.Crawls == nil {
		m.state.Crawls = make(map[string]CrawlState)
	}
	return nil
}

// Save writes the state to disk through a temp file and rename
func (m *StateManager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.UpdatedAt = time.Now()

	if err := os.MkdirAll(m.stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp := m.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, m.statePath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// GetCrawlState returns the state for one crawl
func (m *StateManager) GetCrawlState(name string) (CrawlState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.state.Crawls[name]
	return state, ok
}

// UpdateCrawlState records a finished run of a crawl
func (m *StateManager) UpdateCrawlState(name string, success bool, completed int64, errs int, errorMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.Crawls[name] = CrawlState{
		LastRunTime:    time.Now(),
		LastRunSuccess: success,
		TasksCompleted: completed,
		Errors:         errs,
		ErrorMessage:   errorMsg,
	}
}

// ShouldRun reports whether a crawl has never run or its interval has passed
func (m *StateManager) ShouldRun(name string, interval time.Duration) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.state.Crawls[name]
	if !ok {
		return true
	}
	return time.Since(state.LastRunTime) >= interval
}

// GetNextRunTime returns when the crawl should next run
func (m *StateManager) GetNextRunTime(name string, interval time.Duration) time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.state.Crawls[name]
	if !ok {
		return time.Now()
	}
	return state.LastRunTime.Add(interval)
}

// GetAllCrawlStates returns a copy of every crawl's state
func (m *StateManager) GetAllCrawlStates() map[string]CrawlState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.state.Crawls)
}
