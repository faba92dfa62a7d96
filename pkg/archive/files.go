package archive

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"archive-mirror/pkg/mirror"
	"archive-mirror/pkg/models"
)

const thumbnailName = "__ia_thumb.jpg"

// FetchFile mirrors one file. A copy already in the destination or a cache directory is
// reused unless opts.IgnoreCache; with opts.SkipFetchFile only the file's presence is recorded.
func (c *Client) FetchFile(ctx context.Context, file models.File, opts models.FetchOptions) (models.FileRecord, error) {
	return c.fetchTo(ctx, file.Identifier, file.Name, c.downloadURL(file.Identifier, file.Name), file.SHA1, opts)
}

// SaveThumbnail mirrors the item's thumbnail image
func (c *Client) SaveThumbnail(ctx context.Context, item *models.Item, opts models.FetchOptions) error {
	if item.Identifier == "" {
		return nil // Queries have no thumbnail
	}
	_, err := c.fetchTo(ctx, item.Identifier, thumbnailName, c.thumbnailURL(item.Identifier), "", opts)
	return err
}

// SaveMemberThumbnail mirrors the thumbnail of a search or related result
func (c *Client) SaveMemberThumbnail(ctx context.Context, member models.Member, opts models.FetchOptions) error {
	_, err := c.fetchTo(ctx, member.Identifier, thumbnailName, c.thumbnailURL(member.Identifier), "", opts)
	return err
}

func (c *Client) thumbnailURL(identifier string) string {
	return c.baseURL + "/services/img/" + url.PathEscape(identifier)
}

// fetchTo is the shared cache-check, skip and download path of files, pages and thumbnails
func (c *Client) fetchTo(ctx context.Context, identifier, name, rawURL, sha1 string, opts models.FetchOptions) (models.FileRecord, error) {
	log := c.log.WithFields(logrus.Fields{"identifier": identifier, "file": name})

	if !opts.IgnoreCache {
		if p, ok := c.store.Lookup(opts, identifier, name); ok {
			rec := models.FileRecord{Status: models.FileStatusCached, Path: p, SHA1: sha1, UpdatedAt: time.Now()}
			log.Trace("Already mirrored")
			return rec, c.store.Record(identifier, name, rec)
		}
	}
	if opts.SkipFetchFile {
		rec := models.FileRecord{Status: models.FileStatusPresent, SHA1: sha1, UpdatedAt: time.Now()}
		return rec, c.store.Record(identifier, name, rec)
	}

	body, err := c.open(ctx, rawURL)
	if err != nil {
		return models.FileRecord{}, err
	}
	defer body.Close()

	rec, err := c.store.Write(opts, identifier, name, body, mirror.WriteOptions{SHA1: sha1})
	if err != nil {
		return models.FileRecord{}, fmt.Errorf("%s/%s: %w", identifier, name, err)
	}
	log.Debug("Fetched")
	return rec, nil
}
