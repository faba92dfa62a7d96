package fetch

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Monitor tracks whether the archive backend is reachable. Request outcomes
// reported by the Fetcher move it up or down, and Run probes while it is down.
type Monitor struct {
	mu        sync.Mutex
	connected bool
	changed   chan struct{} // closed and replaced on every transition
	lastErr   error
	since     time.Time

	client   *http.Client
	probeURL string
	log      *logrus.Entry
}

// NewMonitor creates a Monitor that starts in the connected state
func NewMonitor(client *http.Client, probeURL string, log *logrus.Entry) *Monitor {
	return &Monitor{
		connected: true,
		changed:   make(chan struct{}),
		since:     time.Now(),
		client:    client,
		probeURL:  probeURL,
		log:       log.WithField("component", "connectivity"),
	}
}

// Connected reports whether at least one recent request reached the backend
func (m *Monitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Changed returns a channel closed on the next up/down transition
func (m *Monitor) Changed() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changed
}

// LastError returns the error that took the backend down, nil while connected
func (m *Monitor) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// MarkUp records a request that got any HTTP response
func (m *Monitor) MarkUp() {
	m.set(true, nil)
}

// MarkDown records a transport-level failure. Context errors are the caller's own and are ignored.
func (m *Monitor) MarkDown(err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	m.set(false, err)
}

func (m *Monitor) set(connected bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected == connected {
		return
	}
	m.connected = connected
	m.lastErr = err
	downFor := time.Since(m.since)
	m.since = time.Now()
	close(m.changed)
	m.changed = make(chan struct{})

	if connected {
		m.log.WithField("down_for", downFor.Round(time.Second)).Info("Archive backend reachable again")
	} else {
		m.log.WithError(err).Warn("Archive backend unreachable, dispatch paused until it returns")
	}
}

// Run probes the backend every interval while it is marked down. Should be run in a goroutine.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !m.Connected() {
				m.Probe(ctx)
			}
		case <-ctx.Done():
			m.log.Debugf("Stopping connectivity monitor: %v", ctx.Err())
			return
		}
	}
}

// Probe issues one HEAD request against the probe URL and records the outcome
func (m *Monitor) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, m.probeURL, nil)
	if err != nil {
		m.MarkDown(err)
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.MarkDown(err)
		return false
	}
	resp.Body.Close()
	m.MarkUp()
	return true
}
