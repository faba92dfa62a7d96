package mirror

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Directories tracks which configured cache locations currently exist.
// A removable disk that is unplugged drops out on the next Rescan and comes back when remounted.
type Directories struct {
	mu         sync.Mutex
	configured []string
	present    []string
	changed    chan struct{} // closed and replaced when present changes
	log        *logrus.Entry
}

// NewDirectories scans the configured locations once and returns the set
func NewDirectories(configured []string, log *logrus.Entry) *Directories {
	d := &Directories{
		configured: make([]string, 0, len(configured)),
		changed:    make(chan struct{}),
		log:        log.WithField("component", "directories"),
	}
	for _, dir := range configured {
		if dir != "" {
			d.configured = append(d.configured, filepath.Clean(dir))
		}
	}
	d.Rescan()
	return d
}

// Len returns the number of registered (existing) cache locations
func (d *Directories) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.present)
}

// List returns the existing cache locations in configured order
func (d *Directories) List() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.present)
}

// Changed returns a channel closed on the next change of the existing set
func (d *Directories) Changed() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.changed
}

// Rescan stats every configured location and reports whether the existing set changed
func (d *Directories) Rescan() bool {
	present := make([]string, 0, len(d.configured))
	for _, dir := range d.configured {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			present = append(present, dir)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if slices.Equal(present, d.present) {
		return false
	}
	d.log.WithFields(logrus.Fields{"before": d.present, "after": present}).Info("Cache directories changed")
	d.present = present
	close(d.changed)
	d.changed = make(chan struct{})
	return true
}

// Run rescans every interval until ctx ends. Should be run in a goroutine.
func (d *Directories) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.Rescan()
		case <-ctx.Done():
			return
		}
	}
}
