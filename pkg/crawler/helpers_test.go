package crawler

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"archive-mirror/pkg/config"
	"archive-mirror/pkg/models"
	"archive-mirror/pkg/utils"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

// fakeItem is what the fake archive knows about one identifier
type fakeItem struct {
	mediatype string
	files     []models.File
	paged     bool
	palmLeaf  bool
	leaves    int
}

// fakeArchive records every call and serves canned answers
type fakeArchive struct {
	mu      sync.Mutex
	items   map[string]fakeItem
	related map[string][]models.Member
	results map[string][]models.Member // keyed by identifier or query
	fail    map[string]error           // keyed by call, e.g. "metadata:x"
	panics  map[string]bool
	calls   []string
	epubs   []bool // includeEpub of each MinimumFileSet call

	delay    time.Duration
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{
		items:   make(map[string]fakeItem),
		related: make(map[string][]models.Member),
		results: make(map[string][]models.Member),
		fail:    make(map[string]error),
		panics:  make(map[string]bool),
	}
}

// call records a call and returns its configured failure
func (f *fakeArchive) call(name string) error {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	err := f.fail[name]
	doPanic := f.panics[name]
	delay := f.delay
	f.mu.Unlock()
	if doPanic {
		panic("fake panic in " + name)
	}
	if delay > 0 {
		n := f.inFlight.Add(1)
		for {
			seen := f.maxSeen.Load()
			if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
				break
			}
		}
		time.Sleep(delay)
		f.inFlight.Add(-1)
	}
	return err
}

// epubFlags returns the includeEpub argument of every MinimumFileSet call
func (f *fakeArchive) epubFlags() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.epubs...)
}

// count returns how many recorded calls equal name
func (f *fakeArchive) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

// countPrefix returns how many recorded calls start with prefix
func (f *fakeArchive) countPrefix(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeArchive) FetchMetadata(ctx context.Context, item *models.Item, opts models.FetchOptions) error {
	if item.Identifier == "" {
		return nil
	}
	if err := f.call("metadata:" + item.Identifier); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	fi, ok := f.items[item.Identifier]
	if !ok {
		fi = fakeItem{mediatype: "movies"}
	}
	item.Metadata = &models.ItemMetadata{Identifier: item.Identifier, Mediatype: fi.mediatype}
	item.Files = make([]models.File, len(fi.files))
	for i, file := range fi.files {
		file.Identifier = item.Identifier
		item.Files[i] = file
	}
	return nil
}

func (f *fakeArchive) FetchPageManifest(ctx context.Context, item *models.Item, opts models.FetchOptions) error {
	if err := f.call("manifest:" + item.Identifier); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	item.PageManifest = nil
	for i := range f.items[item.Identifier].leaves {
		item.PageManifest = append(item.PageManifest, models.PageLeaf{LeafNum: i + 1, Width: 4000})
	}
	return nil
}

func (f *fakeArchive) SaveThumbnail(ctx context.Context, item *models.Item, opts models.FetchOptions) error {
	return f.call("thumb:" + item.Key())
}

func (f *fakeArchive) SaveMemberThumbnail(ctx context.Context, member models.Member, opts models.FetchOptions) error {
	return f.call("memberthumb:" + member.Identifier)
}

func (f *fakeArchive) MinimumFileSet(item *models.Item, includeEpub bool) []models.File {
	f.mu.Lock()
	f.epubs = append(f.epubs, includeEpub)
	f.mu.Unlock()
	if len(item.Files) == 0 {
		return nil
	}
	return item.Files[:1]
}

func (f *fakeArchive) RelatedItems(ctx context.Context, item *models.Item, opts models.FetchOptions) ([]models.Member, error) {
	if err := f.call("related:" + item.Identifier); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.related[item.Identifier], nil
}

func (f *fakeArchive) SaveMember(ctx context.Context, member models.Member, opts models.FetchOptions) error {
	return f.call("member:" + member.Identifier)
}

func (f *fakeArchive) IsPagedDocument(item *models.Item) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return item.Metadata != nil && f.items[item.Identifier].paged
}

func (f *fakeArchive) IsSpecialPagedFormat(item *models.Item) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items[item.Identifier].palmLeaf
}

func (f *fakeArchive) PageManifestEntries(item *models.Item) []models.PageLeaf {
	return item.PageManifest
}

func (f *fakeArchive) PageParams(item *models.Item, leaf models.PageLeaf, req models.PageRequest) models.PageParams {
	scale := req.Scale
	if scale == 0 {
		scale = max(1, leaf.Width/req.IdealWidth)
	}
	return models.PageParams{Zip: item.Identifier + "_jp2.zip", File: fmt.Sprintf("%04d.jp2", leaf.LeafNum), Scale: scale}
}

func (f *fakeArchive) FetchPage(ctx context.Context, item *models.Item, params models.PageParams, opts models.FetchOptions) (models.FileRecord, error) {
	if err := f.call("page:" + params.Key(item.Identifier)); err != nil {
		return models.FileRecord{}, err
	}
	return models.FileRecord{Status: models.FileStatusFetched}, nil
}

func (f *fakeArchive) FetchQuery(ctx context.Context, item *models.Item, q models.QueryOptions, opts models.FetchOptions) ([]models.Member, error) {
	if err := f.call("query:" + item.Key()); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := item.Identifier
	if key == "" {
		key = item.Query
	}
	members := f.results[key]
	if q.Rows > 0 && len(members) > q.Rows {
		members = members[:q.Rows]
	}
	item.Sort = q.Sort
	item.Members = members
	return members, nil
}

func (f *fakeArchive) ResolveFile(ctx context.Context, identifier, filename string, opts models.FetchOptions) (models.File, error) {
	if err := f.call("resolve:" + identifier + "/" + filename); err != nil {
		return models.File{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, file := range f.items[identifier].files {
		if file.Name == filename {
			file.Identifier = identifier
			return file, nil
		}
	}
	return models.File{}, fmt.Errorf("%w: %s/%s", utils.ErrNotFound, identifier, filename)
}

func (f *fakeArchive) FetchFile(ctx context.Context, file models.File, opts models.FetchOptions) (models.FileRecord, error) {
	if err := f.call("file:" + file.Key()); err != nil {
		return models.FileRecord{}, err
	}
	return models.FileRecord{Status: models.FileStatusFetched, Size: int64(file.Size)}, nil
}

// membersNamed builds search or related members with the given identifiers
func membersNamed(ids ...string) []models.Member {
	out := make([]models.Member, len(ids))
	for i, id := range ids {
		out[i] = models.Member{Identifier: id, Mediatype: "texts"}
	}
	return out
}

// numberedMembers builds n members named prefix1..prefixN
func numberedMembers(prefix string, n int) []models.Member {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s%d", prefix, i+1)
	}
	return membersNamed(ids...)
}

type staticDestinations int

func (d staticDestinations) Len() int { return int(d) }

// newTestScheduler creates a scheduler over archive with validated defaults and one cache location
func newTestScheduler(t *testing.T, cfg config.CrawlConfig, archive Archive, opts ...SchedulerOption) *Scheduler {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "test"
	}
	_, err := cfg.Validate()
	require.NoError(t, err)
	gate := NewGate(nil, staticDestinations(1), false, testLogger())
	return NewScheduler(cfg, archive, gate, testLogger(), opts...)
}

// runToDrain starts s, calls push and waits for the next drain, then stops the dispatch loop
func runToDrain(t *testing.T, s *Scheduler, push func()) models.CrawlStatus {
	t.Helper()
	drained := s.NextDrain()
	push()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatalf("scheduler did not drain; status: %+v", s.Status().Queue)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	return s.Status()
}

// seedsFor builds identifier seeds at one level
func seedsFor(level models.Level, ids ...string) []config.SeedSpec {
	seeds := make([]config.SeedSpec, len(ids))
	for i, id := range ids {
		seeds[i] = config.SeedSpec{Identifier: config.Identifiers{id}, Level: level}
	}
	return seeds
}
