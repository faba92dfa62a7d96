package crawler

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"archive-mirror/pkg/models"
	"archive-mirror/pkg/utils"
)

const (
	standardPageWidth  = 800  // BookReader's usual rendering width
	palmLeafSmallWidth = 400  // Palm-leaf strips are wide and short; the reader asks for these two
	palmLeafLargeWidth = 2000 // plus the native scale
	memberSaveLimit    = 4
)

// ItemTask crawls one item or one query and expands into file, page and further item tasks
type ItemTask struct {
	taskBase
	identifier string
	query      string
	depth      models.DepthSpec
	member     *models.Member // Set when the task came out of a search or related result
}

// NewItemTask creates an item task. An identifier of "/" or an empty identifier without a query
// means the home page. defaults fill in search and related for details and all.
func NewItemTask(parent Task, identifier, query string, depth models.DepthSpec, member *models.Member, defaults models.DepthSpec) *ItemTask {
	if identifier == "/" || (identifier == "" && query == "") {
		identifier = models.HomeIdentifier
	}
	if identifier != "" {
		query = ""
	}
	if depth.Level.AtLeast(models.LevelDetails) {
		if len(depth.Search) == 0 {
			depth.Search = defaults.Search
		}
		if depth.Related == nil {
			depth.Related = defaults.Related
		}
	}

	name := identifier
	if identifier == "" {
		name = "?" + query
	}
	return &ItemTask{
		taskBase:   taskBase{name: fmt.Sprintf("%s@%s", name, depth.Level), lineage: childLineage(parent)},
		identifier: identifier,
		query:      query,
		depth:      depth,
		member:     member,
	}
}

// Identifier returns the item identifier, "" for queries
func (t *ItemTask) Identifier() string { return t.identifier }

// Query returns the search query, "" for identifier tasks
func (t *ItemTask) Query() string { return t.query }

// Depth returns the task's depth spec after defaults were applied
func (t *ItemTask) Depth() models.DepthSpec { return t.depth }

// Process runs the expansion pipeline. Each stage either completes or ends the task with its error.
func (t *ItemTask) Process(ctx context.Context, s *Scheduler) error {
	item := models.NewItem(t.identifier, t.query)
	if !s.dedup.ClaimItem(item.Key(), t.depth) {
		s.taskLog(t).Trace("Already covered by an earlier visit, skipping")
		return nil
	}

	cfg := s.currentConfig()
	opts := cfg.FetchOptions()
	a := s.archive
	level := t.depth.Level
	log := s.taskLog(t)

	if level.AtLeast(models.LevelMetadata) {
		if err := a.FetchMetadata(ctx, item, opts); err != nil {
			return stageError("metadata", err)
		}
	}

	paged := a.IsPagedDocument(item)
	if paged {
		if err := a.FetchPageManifest(ctx, item, opts); err != nil {
			return stageError("page manifest", err)
		}
	}

	if level.AtLeast(models.LevelTile) {
		var err error
		if t.member != nil {
			err = a.SaveMemberThumbnail(ctx, *t.member, opts)
		} else {
			err = a.SaveThumbnail(ctx, item, opts)
		}
		if err != nil {
			return stageError("thumbnail", err)
		}
	}

	if t.identifier != "" {
		var files []models.File
		switch level {
		case models.LevelDetails:
			files = a.MinimumFileSet(item, cfg.CrawlEpubs && !a.IsSpecialPagedFormat(item))
		case models.LevelAll:
			files = item.Files
		}
		for i := range files {
			s.Push(NewFileTask(t, &files[i]))
		}
	}

	if paged && level.AtLeast(models.LevelDetails) {
		t.pushPages(s, item, cfg.CrawlSpecialPagedFormat && a.IsSpecialPagedFormat(item))
	}

	if t.identifier != "" && (level.AtLeast(models.LevelDetails) || t.depth.Related != nil) {
		if err := t.expandRelated(ctx, s, item, opts, log); err != nil {
			return stageError("related", err)
		}
	}

	if len(t.depth.Search) > 0 && (t.query != "" || item.IsCollection()) {
		if err := t.expandSearch(ctx, s, item, opts, log); err != nil {
			return stageError("search", err)
		}
	}
	return nil
}

// pushPages queues the cover and one page task per leaf, or three per leaf for palm-leaf items
func (t *ItemTask) pushPages(s *Scheduler, item *models.Item, palmLeaf bool) {
	// Page tasks outlive this task; give them a copy later stages will not touch
	pageItem := *item
	pageItem.Members = nil

	s.Push(NewPageTask(t, &pageItem, models.PageParams{Page: "cover_t.jpg"}))

	requests := []models.PageRequest{{IdealWidth: standardPageWidth}}
	if palmLeaf {
		requests = []models.PageRequest{{IdealWidth: palmLeafSmallWidth}, {IdealWidth: palmLeafLargeWidth}, {Scale: 1}}
	}
	for _, leaf := range s.archive.PageManifestEntries(&pageItem) {
		for _, req := range requests {
			s.Push(NewPageTask(t, &pageItem, s.archive.PageParams(&pageItem, leaf, req)))
		}
	}
}

// expandRelated saves the related members and queues the first related.rows of them
func (t *ItemTask) expandRelated(ctx context.Context, s *Scheduler, item *models.Item, opts models.FetchOptions, log *logrus.Entry) error {
	members, err := s.archive.RelatedItems(ctx, item, opts)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(memberSaveLimit)
	for _, m := range members {
		g.Go(func() error {
			if err := s.archive.SaveMember(gctx, m, opts); err != nil {
				log.WithError(err).WithField("member", m.Identifier).Warn("Could not save related member")
			}
			return nil
		})
	}
	g.Wait()

	related := t.depth.Related
	if related == nil {
		return nil
	}
	n := min(related.Rows, len(members))
	for i := range members[:n] {
		s.Push(s.newItemTask(t, members[i].Identifier, "", related.Depth(), &members[i]))
	}
	return nil
}

// expandSearch runs one query for all search pages together and slices the result per page
func (t *ItemTask) expandSearch(ctx context.Context, s *Scheduler, item *models.Item, opts models.FetchOptions, log *logrus.Entry) error {
	search := t.depth.Search
	members, err := s.archive.FetchQuery(ctx, item, models.QueryOptions{Sort: search[0].Sort, Rows: search.TotalRows()}, opts)
	if err != nil {
		return err
	}

	offset := 0
	for i, page := range search {
		if page.Sort != "" && page.Sort != item.Sort {
			inconsistent := fmt.Errorf("%w: search[%d] sort %q differs from %q already used for %s",
				utils.ErrConfigInconsistent, i, page.Sort, item.Sort, t.Name())
			log.Warn(inconsistent.Error())
			s.recordError(t, inconsistent)
		}
		start := min(offset, len(members))
		end := min(offset+page.Rows, len(members))
		offset += page.Rows
		for j := start; j < end; j++ {
			m := &members[j]
			if m.Mediatype == "search" {
				query := m.Query
				if query == "" {
					query = m.Identifier
				}
				s.Push(s.newItemTask(t, "", query, page.Depth(), m))
				continue
			}
			s.Push(s.newItemTask(t, m.Identifier, "", page.Depth(), m))
		}
	}
	return nil
}

func stageError(stage string, err error) error {
	return fmt.Errorf("%s: %w", stage, err)
}
