package crawler

import (
	"context"

	"archive-mirror/pkg/models"
)

// Archive is everything the task pipeline needs from the archive and the mirror.
// Fetches are cache-aware and honour the FetchOptions switches.
type Archive interface {
	FetchMetadata(ctx context.Context, item *models.Item, opts models.FetchOptions) error
	FetchPageManifest(ctx context.Context, item *models.Item, opts models.FetchOptions) error
	SaveThumbnail(ctx context.Context, item *models.Item, opts models.FetchOptions) error
	SaveMemberThumbnail(ctx context.Context, member models.Member, opts models.FetchOptions) error
	MinimumFileSet(item *models.Item, includeEpub bool) []models.File
	RelatedItems(ctx context.Context, item *models.Item, opts models.FetchOptions) ([]models.Member, error)
	SaveMember(ctx context.Context, member models.Member, opts models.FetchOptions) error
	IsPagedDocument(item *models.Item) bool
	IsSpecialPagedFormat(item *models.Item) bool
	PageManifestEntries(item *models.Item) []models.PageLeaf
	PageParams(item *models.Item, leaf models.PageLeaf, req models.PageRequest) models.PageParams
	FetchPage(ctx context.Context, item *models.Item, params models.PageParams, opts models.FetchOptions) (models.FileRecord, error)
	FetchQuery(ctx context.Context, item *models.Item, q models.QueryOptions, opts models.FetchOptions) ([]models.Member, error)
	ResolveFile(ctx context.Context, identifier, filename string, opts models.FetchOptions) (models.File, error)
	FetchFile(ctx context.Context, file models.File, opts models.FetchOptions) (models.FileRecord, error)
}

// Connectivity reports whether the archive backend is reachable
type Connectivity interface {
	Connected() bool
}

// Destinations reports how many cache locations are registered
type Destinations interface {
	Len() int
}

// Notifier is implemented by collaborators that can announce state changes.
// The returned channel is closed on the next change.
type Notifier interface {
	Changed() <-chan struct{}
}
