package crawler

import (
	"sync"

	"archive-mirror/pkg/models"
)

// Index remembers what this run has already done. Items keep every prior depth spec,
// since two specs can each cover something the other does not; files and pages are plain sets.
type Index struct {
	mu    sync.Mutex
	items map[string][]models.DepthSpec
	files map[string]struct{}
	pages map[string]struct{}
}

// NewIndex creates an empty Index
func NewIndex() *Index {
	idx := &Index{}
	idx.Reset()
	return idx
}

// ClaimItem records spec for key unless a prior spec dominates it.
// Returns false, changing nothing, when the item is already covered.
func (idx *Index) ClaimItem(key string, spec models.DepthSpec) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, prior := range idx.items[key] {
		if spec.DominatedBy(prior) {
			return false
		}
	}
	idx.items[key] = append(idx.items[key], spec)
	return true
}

// ClaimFile records a file key; false if it was already seen this run
func (idx *Index) ClaimFile(key string) bool {
	return idx.claim(idx.files, key)
}

// ClaimPage records a page key; false if it was already seen this run
func (idx *Index) ClaimPage(key string) bool {
	return idx.claim(idx.pages, key)
}

func (idx *Index) claim(set map[string]struct{}, key string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, seen := set[key]; seen {
		return false
	}
	set[key] = struct{}{}
	return true
}

// Reset forgets everything
func (idx *Index) Reset() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.items = make(map[string][]models.DepthSpec)
	idx.files = make(map[string]struct{})
	idx.pages = make(map[string]struct{})
}

// Sizes returns the number of items, files and pages recorded
func (idx *Index) Sizes() (items, files, pages int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.items), len(idx.files), len(idx.pages)
}
