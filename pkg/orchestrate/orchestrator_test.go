package orchestrate

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"archive-mirror/pkg/config"
	"archive-mirror/pkg/crawler"
	"archive-mirror/pkg/models"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

// stubArchive answers every call with nothing and counts thumbnails
type stubArchive struct {
	mu     sync.Mutex
	thumbs map[string]int
}

func newStubArchive() *stubArchive { return &stubArchive{thumbs: make(map[string]int)} }

func (a *stubArchive) thumbCount(key string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.thumbs[key]
}

func (a *stubArchive) FetchMetadata(context.Context, *models.Item, models.FetchOptions) error {
	return nil
}

func (a *stubArchive) FetchPageManifest(context.Context, *models.Item, models.FetchOptions) error {
	return nil
}

func (a *stubArchive) SaveThumbnail(_ context.Context, item *models.Item, _ models.FetchOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.thumbs[item.Key()]++
	return nil
}

func (a *stubArchive) SaveMemberThumbnail(context.Context, models.Member, models.FetchOptions) error {
	return nil
}

func (a *stubArchive) MinimumFileSet(*models.Item, bool) []models.File { return nil }

func (a *stubArchive) RelatedItems(context.Context, *models.Item, models.FetchOptions) ([]models.Member, error) {
	return nil, nil
}

func (a *stubArchive) SaveMember(context.Context, models.Member, models.FetchOptions) error {
	return nil
}

func (a *stubArchive) IsPagedDocument(*models.Item) bool { return false }

func (a *stubArchive) IsSpecialPagedFormat(*models.Item) bool { return false }

func (a *stubArchive) PageManifestEntries(*models.Item) []models.PageLeaf { return nil }

func (a *stubArchive) PageParams(*models.Item, models.PageLeaf, models.PageRequest) models.PageParams {
	return models.PageParams{}
}

func (a *stubArchive) FetchPage(context.Context, *models.Item, models.PageParams, models.FetchOptions) (models.FileRecord, error) {
	return models.FileRecord{}, nil
}

func (a *stubArchive) FetchQuery(context.Context, *models.Item, models.QueryOptions, models.FetchOptions) ([]models.Member, error) {
	return nil, nil
}

func (a *stubArchive) ResolveFile(_ context.Context, identifier, filename string, _ models.FetchOptions) (models.File, error) {
	return models.File{Identifier: identifier, Name: filename}, nil
}

func (a *stubArchive) FetchFile(context.Context, models.File, models.FetchOptions) (models.FileRecord, error) {
	return models.FileRecord{Status: models.FileStatusPresent}, nil
}

type oneDestination struct{}

func (oneDestination) Len() int { return 1 }

func testAppConfig(crawls map[string]config.CrawlConfig) *config.AppConfig {
	return &config.AppConfig{Crawls: crawls}
}

func tileSeeds(ids ...string) []config.SeedSpec {
	seeds := make([]config.SeedSpec, len(ids))
	for i, id := range ids {
		seeds[i] = config.SeedSpec{Identifier: config.Identifiers{id}, Level: models.LevelTile}
	}
	return seeds
}

func newTestRegistry(t *testing.T, appCfg *config.AppConfig, archive crawler.Archive) *Registry {
	t.Helper()
	gate := crawler.NewGate(nil, oneDestination{}, false, testLogger())
	r := NewRegistry(context.Background(), appCfg, archive, gate, testLogger())
	t.Cleanup(r.Close)
	return r
}

func waitDrain(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("crawl did not drain")
	}
}

func TestValidateCrawlNames(t *testing.T) {
	cfg := testAppConfig(map[string]config.CrawlConfig{"maps": {}, "books": {}})

	t.Run("all valid", func(t *testing.T) {
		assert.NoError(t, ValidateCrawlNames(cfg, []string{"maps", "books"}))
	})

	t.Run("one invalid", func(t *testing.T) {
		err := ValidateCrawlNames(cfg, []string{"maps", "missing"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing")
		assert.Contains(t, err.Error(), "books")
	})

	t.Run("empty names no error", func(t *testing.T) {
		assert.NoError(t, ValidateCrawlNames(cfg, nil))
	})
}

func TestAllCrawlNames(t *testing.T) {
	cfg := testAppConfig(map[string]config.CrawlConfig{"gamma": {}, "alpha": {}, "beta": {}})
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, AllCrawlNames(cfg))
	assert.Empty(t, AllCrawlNames(testAppConfig(nil)))
}

func TestRegistry_FindOrCreate(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry(t, testAppConfig(nil), newStubArchive())

	first, created, err := r.FindOrCreate(dir + "/")
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := r.FindOrCreate(dir)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, first, again, "destinations are compared after cleaning")

	def, created, err := r.FindOrCreate("")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotSame(t, first, def)

	entries := r.List()
	require.Len(t, entries, 2)
	assert.Equal(t, dir, entries[0].Destination)
	assert.Equal(t, "adhoc:"+dir, entries[0].Name)
	assert.Equal(t, "default", entries[1].Name)
	assert.NotEqual(t, entries[0].Handle, entries[1].Handle)
}

func TestRegistry_UsesConfiguredCrawlForDestination(t *testing.T) {
	dir := t.TempDir()
	appCfg := testAppConfig(map[string]config.CrawlConfig{
		"maps": {Destination: dir, Concurrency: 3, Tasks: tileSeeds("a", "b")},
	})
	r := newTestRegistry(t, appCfg, newStubArchive())

	sched, _, err := r.FindOrCreate(dir)
	require.NoError(t, err)
	status := sched.Status()
	assert.Equal(t, "maps", status.Name)
	assert.Equal(t, 3, status.Queue.Concurrency)
	assert.Len(t, status.Seeds, 2)
}

func TestRegistry_Reconfigure(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry(t, testAppConfig(nil), newStubArchive())
	sched, _, err := r.FindOrCreate(dir)
	require.NoError(t, err)

	_, _, err = r.Reconfigure(dir, config.CrawlConfig{Destination: t.TempDir()})
	assert.ErrorIs(t, err, ErrDestinationFixed)

	_, _, err = r.Reconfigure("ghost", config.CrawlConfig{})
	assert.ErrorIs(t, err, ErrUnknownCrawl)

	got, _, err := r.Reconfigure(dir, config.CrawlConfig{Name: "renamed", Concurrency: 2, Tasks: tileSeeds("a")})
	require.NoError(t, err)
	assert.Same(t, sched, got)
	assert.Equal(t, "adhoc:"+dir, sched.Name(), "the registered name is kept")
	assert.Equal(t, dir, sched.Destination())
	assert.Equal(t, 2, sched.Status().Queue.Concurrency)
}

func TestRegistry_LiveSeeds(t *testing.T) {
	dir := t.TempDir()
	appCfg := testAppConfig(map[string]config.CrawlConfig{
		"maps": {Destination: dir, Tasks: []config.SeedSpec{{Identifier: config.Identifiers{"a"}}}},
	})
	r := newTestRegistry(t, appCfg, newStubArchive())

	t.Run("configured crawl reads the application config", func(t *testing.T) {
		sched, _, err := r.FindOrCreate(dir)
		require.NoError(t, err)
		sched.AddSeeds(tileSeeds("extra")...)

		seeds := r.LiveSeeds(sched)()
		require.Len(t, seeds, 1)
		assert.Equal(t, config.Identifiers{"a"}, seeds[0].Identifier)
		assert.Equal(t, models.LevelDetails, seeds[0].Level, "live seeds are validated")
		assert.Empty(t, appCfg.Crawls["maps"].Tasks[0].Level, "the application config is not modified")
	})

	t.Run("ad hoc crawl keeps its own seeds", func(t *testing.T) {
		sched, _, err := r.FindOrCreate(t.TempDir())
		require.NoError(t, err)
		sched.AddSeeds(tileSeeds("b")...)

		seeds := r.LiveSeeds(sched)()
		require.Len(t, seeds, 1)
		assert.Equal(t, config.Identifiers{"b"}, seeds[0].Identifier)
	})
}

func TestRegistry_Register(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry(t, testAppConfig(nil), newStubArchive())

	_, err := r.Register(config.CrawlConfig{Name: "one", Destination: dir, Concurrency: 1})
	require.NoError(t, err)
	_, err = r.Register(config.CrawlConfig{Name: "two", Destination: dir, Concurrency: 1})
	assert.ErrorIs(t, err, ErrDestinationInUse)
}

func TestRegistry_Add(t *testing.T) {
	t.Run("identifier goes to the default crawl", func(t *testing.T) {
		archive := newStubArchive()
		r := newTestRegistry(t, testAppConfig(nil), archive)
		def, _, err := r.FindOrCreate("")
		require.NoError(t, err)

		drained := def.NextDrain()
		sched, admitted, err := r.Add(AddRequest{Identifier: "x", Level: models.LevelTile})
		require.NoError(t, err)
		assert.Same(t, def, sched)
		assert.Equal(t, 1, admitted)
		waitDrain(t, drained)
		assert.Equal(t, 1, archive.thumbCount("x"))
	})

	t.Run("first registered crawl when there is no default", func(t *testing.T) {
		r := newTestRegistry(t, testAppConfig(nil), newStubArchive())
		first, _, err := r.FindOrCreate(t.TempDir())
		require.NoError(t, err)
		_, _, err = r.FindOrCreate(t.TempDir())
		require.NoError(t, err)

		sched, _, err := r.Add(AddRequest{Query: "subject:maps", Level: models.LevelTile})
		require.NoError(t, err)
		assert.Same(t, first, sched)
	})

	t.Run("destination creates a crawl", func(t *testing.T) {
		dir := t.TempDir()
		r := newTestRegistry(t, testAppConfig(nil), newStubArchive())
		sched, _, err := r.Add(AddRequest{Identifier: "x", Destination: dir})
		require.NoError(t, err)
		assert.Equal(t, dir, sched.Destination())
		assert.Len(t, r.List(), 1)
	})

	t.Run("local re-pushes configured seeds", func(t *testing.T) {
		dir := t.TempDir()
		archive := newStubArchive()
		appCfg := testAppConfig(map[string]config.CrawlConfig{"maps": {Destination: dir, Tasks: tileSeeds("a", "b")}})
		r := newTestRegistry(t, appCfg, archive)
		sched, _, err := r.FindOrCreate(dir)
		require.NoError(t, err)

		drained := sched.NextDrain()
		_, admitted, err := r.Add(AddRequest{Identifier: LocalIdentifier, Destination: dir})
		require.NoError(t, err)
		assert.Equal(t, 2, admitted)
		waitDrain(t, drained)
		assert.Equal(t, 1, archive.thumbCount("a"))
		assert.Equal(t, 1, archive.thumbCount("b"))
	})

	t.Run("invalid requests", func(t *testing.T) {
		r := newTestRegistry(t, testAppConfig(nil), newStubArchive())
		tests := []AddRequest{
			{Identifier: "x", Level: "deep"},
			{Identifier: "x", Query: "q"},
			{Query: "q", Rows: -1},
		}
		for _, req := range tests {
			_, _, err := r.Add(req)
			assert.ErrorIs(t, err, ErrInvalidAddRequest, "%+v", req)
		}
		assert.Empty(t, r.List(), "invalid requests create nothing")
	})
}

func TestRegistry_GetRetireClose(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry(t, testAppConfig(nil), newStubArchive())
	sched, err := r.Register(config.CrawlConfig{Name: "maps", Destination: dir, Concurrency: 1})
	require.NoError(t, err)
	handle := r.List()[0].Handle

	for _, key := range []string{handle, "maps", dir} {
		got, err := r.Get(key)
		require.NoError(t, err, key)
		assert.Same(t, sched, got)
	}
	_, err = r.Get("nope")
	assert.ErrorIs(t, err, ErrUnknownCrawl)

	statuses := r.StatusAll()
	require.Len(t, statuses, 1)
	assert.Equal(t, handle, statuses[0].Handle)

	require.NoError(t, r.Retire("maps"))
	assert.Empty(t, r.List())
	assert.False(t, sched.Push(crawler.NewFilePathTask(nil, "x/a")), "retired scheduler accepts nothing")
	assert.ErrorIs(t, r.Retire("maps"), ErrUnknownCrawl)

	r.Close()
	_, _, err = r.FindOrCreate("")
	assert.ErrorIs(t, err, ErrRegistryClosed)
}

func TestOrchestrator_Run(t *testing.T) {
	archive := newStubArchive()
	appCfg := testAppConfig(map[string]config.CrawlConfig{
		"maps":  {Destination: t.TempDir(), Tasks: tileSeeds("m1", "m2", "m3")},
		"books": {Destination: t.TempDir(), Tasks: tileSeeds("b1")},
		"empty": {Destination: t.TempDir()},
	})
	r := newTestRegistry(t, appCfg, archive)
	o := NewOrchestrator(appCfg, r, testLogger())

	results := o.Run(context.Background(), AllCrawlNames(appCfg))
	require.Len(t, results, 3)

	byName := map[string]CrawlResult{}
	for _, res := range results {
		byName[res.Name] = res
		assert.True(t, res.Success, res.Name)
		assert.NoError(t, res.Error)
		assert.NotEmpty(t, res.Handle)
	}
	assert.EqualValues(t, 3, byName["maps"].Completed)
	assert.EqualValues(t, 1, byName["books"].Completed)
	assert.Zero(t, byName["empty"].Completed)
	assert.Equal(t, 1, archive.thumbCount("m2"))
	assert.Len(t, r.List(), 3, "schedulers stay registered")
}

func TestOrchestrator_RunUnknownCrawl(t *testing.T) {
	appCfg := testAppConfig(map[string]config.CrawlConfig{})
	r := newTestRegistry(t, appCfg, newStubArchive())
	results := NewOrchestrator(appCfg, r, testLogger()).Run(context.Background(), []string{"missing"})

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Error(t, results[0].Error)
}
