package mcp

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"archive-mirror/pkg/config"
	"archive-mirror/pkg/crawler"
	"archive-mirror/pkg/models"
	"archive-mirror/pkg/orchestrate"
)

// nullArchive answers every call with nothing
type nullArchive struct{}

func (nullArchive) FetchMetadata(context.Context, *models.Item, models.FetchOptions) error {
	return nil
}
func (nullArchive) FetchPageManifest(context.Context, *models.Item, models.FetchOptions) error {
	return nil
}
func (nullArchive) SaveThumbnail(context.Context, *models.Item, models.FetchOptions) error {
	return nil
}
func (nullArchive) SaveMemberThumbnail(context.Context, models.Member, models.FetchOptions) error {
	return nil
}
func (nullArchive) MinimumFileSet(*models.Item, bool) []models.File { return nil }
func (nullArchive) RelatedItems(context.Context, *models.Item, models.FetchOptions) ([]models.Member, error) {
	return nil, nil
}
func (nullArchive) SaveMember(context.Context, models.Member, models.FetchOptions) error {
	return nil
}
func (nullArchive) IsPagedDocument(*models.Item) bool                  { return false }
func (nullArchive) IsSpecialPagedFormat(*models.Item) bool             { return false }
func (nullArchive) PageManifestEntries(*models.Item) []models.PageLeaf { return nil }
func (nullArchive) PageParams(*models.Item, models.PageLeaf, models.PageRequest) models.PageParams {
	return models.PageParams{}
}
func (nullArchive) FetchPage(context.Context, *models.Item, models.PageParams, models.FetchOptions) (models.FileRecord, error) {
	return models.FileRecord{}, nil
}
func (nullArchive) FetchQuery(context.Context, *models.Item, models.QueryOptions, models.FetchOptions) ([]models.Member, error) {
	return nil, nil
}
func (nullArchive) ResolveFile(_ context.Context, identifier, filename string, _ models.FetchOptions) (models.File, error) {
	return models.File{Identifier: identifier, Name: filename}, nil
}
func (nullArchive) FetchFile(context.Context, models.File, models.FetchOptions) (models.FileRecord, error) {
	return models.FileRecord{Status: models.FileStatusPresent}, nil
}

type oneDestination struct{}

func (oneDestination) Len() int { return 1 }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	appCfg := &config.AppConfig{Crawls: map[string]config.CrawlConfig{
		"books": {
			Destination: t.TempDir(),
			Tasks: []config.SeedSpec{
				{Identifier: config.Identifiers{"book1"}, Level: models.LevelTile},
			},
		},
	}}
	gate := crawler.NewGate(nil, oneDestination{}, false, logrus.NewEntry(logger))
	registry := orchestrate.NewRegistry(context.Background(), appCfg, nullArchive{}, gate, logrus.NewEntry(logger))
	t.Cleanup(registry.Close)

	s, err := NewServer(&ServerConfig{
		AppConfig:  appCfg,
		ConfigPath: "config.yaml",
		Registry:   registry,
		Transport:  "stdio",
		Logger:     logger,
	})
	require.NoError(t, err)
	return s
}

func callRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

// resultJSON decodes the text payload of a successful tool result
func resultJSON(t *testing.T, res *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.NotNil(t, res)
	require.False(t, res.IsError, "unexpected tool error: %s", resultText(t, res))
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	return out
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	switch c := res.Content[0].(type) {
	case mcp.TextContent:
		return c.Text
	case *mcp.TextContent:
		return c.Text
	}
	t.Fatalf("unexpected content type %T", res.Content[0])
	return ""
}

func TestNewServerRequiresRegistry(t *testing.T) {
	_, err := NewServer(&ServerConfig{AppConfig: &config.AppConfig{}})
	assert.Error(t, err)

	_, err = NewServer(&ServerConfig{})
	assert.Error(t, err)
}

func TestHandleListCrawls(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	out := resultJSON(t, must(s.handleListCrawls(ctx, callRequest(nil))))
	assert.EqualValues(t, 1, out["total_crawls"])
	crawls := out["crawls"].([]any)
	first := crawls[0].(map[string]any)
	assert.Equal(t, "books", first["name"])
	assert.NotContains(t, first, "status")

	resultJSON(t, must(s.handleCrawlStart(ctx, callRequest(map[string]any{"name": "books"}))))

	out = resultJSON(t, must(s.handleListCrawls(ctx, callRequest(nil))))
	first = out["crawls"].([]any)[0].(map[string]any)
	assert.Equal(t, "running", first["status"])
	assert.NotEmpty(t, first["handle"])
}

func TestHandleCrawlStart(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	t.Run("missing name", func(t *testing.T) {
		res := must(s.handleCrawlStart(ctx, callRequest(nil)))
		assert.True(t, res.IsError)
	})

	t.Run("unknown crawl", func(t *testing.T) {
		res := must(s.handleCrawlStart(ctx, callRequest(map[string]any{"name": "nope"})))
		assert.True(t, res.IsError)
		assert.Contains(t, resultText(t, res), "not found")
	})

	t.Run("starts and seeds", func(t *testing.T) {
		out := resultJSON(t, must(s.handleCrawlStart(ctx, callRequest(map[string]any{"name": "books"}))))
		assert.Equal(t, "started", out["status"])
		assert.EqualValues(t, 1, out["seeded"])
	})

	t.Run("second start is refused", func(t *testing.T) {
		res := must(s.handleCrawlStart(ctx, callRequest(map[string]any{"name": "books"})))
		assert.True(t, res.IsError)
	})
}

func TestHandleCrawlAdd(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	t.Run("needs identifier or query", func(t *testing.T) {
		res := must(s.handleCrawlAdd(ctx, callRequest(nil)))
		assert.True(t, res.IsError)
	})

	t.Run("rejects both", func(t *testing.T) {
		res := must(s.handleCrawlAdd(ctx, callRequest(map[string]any{"identifier": "a", "query": "q"})))
		assert.True(t, res.IsError)
	})

	t.Run("rejects bad level", func(t *testing.T) {
		res := must(s.handleCrawlAdd(ctx, callRequest(map[string]any{"identifier": "a", "level": "everything"})))
		assert.True(t, res.IsError)
	})

	t.Run("adds to default crawl", func(t *testing.T) {
		out := resultJSON(t, must(s.handleCrawlAdd(ctx, callRequest(map[string]any{"identifier": "a", "level": "tile"}))))
		assert.Equal(t, "default", out["crawl"])
		assert.EqualValues(t, 1, out["admitted"])
	})
}

func TestHandleCrawlControls(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	resultJSON(t, must(s.handleCrawlStart(ctx, callRequest(map[string]any{"name": "books"}))))
	crawl := map[string]any{"crawl": "books"}

	sched, err := s.registry.Get("books")
	require.NoError(t, err)
	require.Eventually(t, sched.Idle, 5*time.Second, 10*time.Millisecond)

	out := resultJSON(t, must(s.handleCrawlPause(ctx, callRequest(crawl))))
	assert.Equal(t, true, out["paused"])
	assert.True(t, sched.Status().Queue.Paused)

	// Paused crawls keep queued work where cancel can reach it
	sched.PushSeeds(
		config.SeedSpec{Identifier: config.Identifiers{"x1"}, Level: models.LevelTile},
		config.SeedSpec{Identifier: config.Identifiers{"x2"}, Level: models.LevelTile},
	)
	out = resultJSON(t, must(s.handleCrawlCancel(ctx, callRequest(map[string]any{"crawl": "books", "identifier": "x1"}))))
	assert.EqualValues(t, 1, out["cancelled"])
	assert.Equal(t, 1, sched.Status().Queue.Length)

	out = resultJSON(t, must(s.handleCrawlSetConcurrency(ctx, callRequest(map[string]any{"crawl": "books", "concurrency": 3}))))
	assert.EqualValues(t, 3, out["concurrency"])
	assert.Equal(t, 3, sched.Status().Queue.Concurrency)

	res := must(s.handleCrawlSetConcurrency(ctx, callRequest(map[string]any{"crawl": "books", "concurrency": 0})))
	assert.True(t, res.IsError)

	out = resultJSON(t, must(s.handleCrawlStatus(ctx, callRequest(crawl))))
	status := out["crawl"].(map[string]any)
	assert.Equal(t, "books", status["name"])

	out = resultJSON(t, must(s.handleCrawlResume(ctx, callRequest(crawl))))
	assert.Equal(t, false, out["paused"])

	out = resultJSON(t, must(s.handleCrawlStatus(ctx, callRequest(nil))))
	assert.EqualValues(t, 1, out["total"])

	resultJSON(t, must(s.handleCrawlRetire(ctx, callRequest(crawl))))
	_, err = s.registry.Get("books")
	assert.ErrorIs(t, err, orchestrate.ErrUnknownCrawl)
}

func TestHandleCrawlReconfigure(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	resultJSON(t, must(s.handleCrawlStart(ctx, callRequest(map[string]any{"name": "books"}))))
	sched, err := s.registry.Get("books")
	require.NoError(t, err)
	destination := sched.Destination()

	t.Run("needs config", func(t *testing.T) {
		res := must(s.handleCrawlReconfigure(ctx, callRequest(map[string]any{"crawl": "books"})))
		assert.True(t, res.IsError)
	})

	t.Run("rejects malformed config", func(t *testing.T) {
		res := must(s.handleCrawlReconfigure(ctx, callRequest(map[string]any{"crawl": "books", "config": "{"})))
		assert.True(t, res.IsError)
	})

	t.Run("rejects invalid level", func(t *testing.T) {
		before := sched.Status().Options
		res := must(s.handleCrawlReconfigure(ctx, callRequest(map[string]any{
			"crawl":  "books",
			"config": `{"tasks": [{"identifier": "book2", "level": "everything"}]}`,
		})))
		assert.True(t, res.IsError)
		assert.Equal(t, before, sched.Status().Options, "the old configuration stays")
	})

	t.Run("rejects a new destination", func(t *testing.T) {
		res := must(s.handleCrawlReconfigure(ctx, callRequest(map[string]any{
			"crawl":  "books",
			"config": `{"destination": "/somewhere/else"}`,
		})))
		assert.True(t, res.IsError)
		assert.Contains(t, resultText(t, res), "cannot change destination")
	})

	t.Run("replaces the configuration", func(t *testing.T) {
		out := resultJSON(t, must(s.handleCrawlReconfigure(ctx, callRequest(map[string]any{
			"crawl":  "books",
			"config": `{"concurrency": 4, "crawl_epubs": true, "tasks": [{"identifier": ["book2", "book3"], "level": "tile"}]}`,
		}))))
		assert.Equal(t, "books", out["crawl"])
		opts := out["opts"].(map[string]any)
		assert.EqualValues(t, 4, opts["concurrency"])
		assert.Equal(t, true, opts["crawl_epubs"])

		assert.Equal(t, "books", sched.Name())
		assert.Equal(t, destination, sched.Destination())
		seeds := sched.Seeds()
		require.Len(t, seeds, 1)
		assert.Equal(t, config.Identifiers{"book2", "book3"}, seeds[0].Identifier)
	})
}

func TestHandleCrawlReconsider(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	resultJSON(t, must(s.handleCrawlStart(ctx, callRequest(map[string]any{"name": "books"}))))
	sched, err := s.registry.Get("books")
	require.NoError(t, err)
	require.Eventually(t, sched.Idle, 5*time.Second, 10*time.Millisecond)
	sched.Pause()

	t.Run("needs identifier", func(t *testing.T) {
		res := must(s.handleCrawlReconsider(ctx, callRequest(map[string]any{"crawl": "books"})))
		assert.True(t, res.IsError)
	})

	t.Run("rejects a bad delay", func(t *testing.T) {
		res := must(s.handleCrawlReconsider(ctx, callRequest(map[string]any{"crawl": "books", "identifier": "book1", "delay": "soon"})))
		assert.True(t, res.IsError)
	})

	t.Run("re-pushes the configured seeds", func(t *testing.T) {
		// The running crawl no longer names book1; the configuration file still does
		resultJSON(t, must(s.handleCrawlReconfigure(ctx, callRequest(map[string]any{
			"crawl":  "books",
			"config": `{"tasks": [{"identifier": "book2", "level": "tile"}]}`,
		}))))

		out := resultJSON(t, must(s.handleCrawlReconsider(ctx, callRequest(map[string]any{
			"crawl": "books", "identifier": "book1", "delay": "20ms",
		}))))
		assert.Equal(t, "book1", out["identifier"])
		assert.Equal(t, "20ms", out["delay"])

		require.Eventually(t, func() bool { return sched.Status().Queue.Length == 1 }, 5*time.Second, 10*time.Millisecond)
		seeds := sched.Seeds()
		require.Len(t, seeds, 1)
		assert.Equal(t, config.Identifiers{"book1"}, seeds[0].Identifier, "seeds are re-read from the configuration")
	})
}

func TestHandlersUnknownCrawl(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	handlers := map[string]func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error){
		"pause":       s.handleCrawlPause,
		"resume":      s.handleCrawlResume,
		"cancel":      s.handleCrawlCancel,
		"restart":     s.handleCrawlRestart,
		"status":      s.handleCrawlStatus,
		"retire":      s.handleCrawlRetire,
		"reconfigure": s.handleCrawlReconfigure,
		"reconsider":  s.handleCrawlReconsider,
	}
	for name, h := range handlers {
		t.Run(name, func(t *testing.T) {
			res := must(h(ctx, callRequest(map[string]any{"crawl": "ghost"})))
			assert.True(t, res.IsError)
		})
	}
}

func TestFormatJSON(t *testing.T) {
	out := formatJSON(map[string]interface{}{"a": 1})
	assert.Contains(t, out, "\"a\": 1")

	out = formatJSON(map[string]interface{}{"bad": make(chan int)})
	assert.Contains(t, out, "error")
}

func must(res *mcp.CallToolResult, err error) *mcp.CallToolResult {
	if err != nil {
		panic(err)
	}
	return res
}
