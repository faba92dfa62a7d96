package archive

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"archive-mirror/pkg/models"
	"archive-mirror/pkg/utils"
)

const (
	formatPagedZip = "Single Page Processed JP2 ZIP"
	formatEpub     = "EPUB"
	pagedZipSuffix = "_jp2.zip"
	palmLeafMarker = "palmleaf"
)

// metadataResponse is the /metadata/{identifier} document, also cached as <id>/<id>_meta.json
type metadataResponse struct {
	Server   string               `json:"server,omitempty"`
	Dir      string               `json:"dir,omitempty"`
	Metadata *models.ItemMetadata `json:"metadata,omitempty"`
	Files    []models.File        `json:"files,omitempty"`
}

func metaName(identifier string) string { return identifier + "_meta.json" }

// FetchMetadata fills item's metadata, files, server and dir. The network copy wins; the
// cached copy is used when the network fails unless opts.IgnoreCache is set.
func (c *Client) FetchMetadata(ctx context.Context, item *models.Item, opts models.FetchOptions) error {
	if item.Identifier == "" {
		return nil // Queries have no metadata
	}
	if item.Identifier == models.HomeIdentifier {
		item.Metadata = &models.ItemMetadata{
			Identifier: models.HomeIdentifier,
			Mediatype:  "collection",
			Title:      models.StringList{"Internet Archive home"},
		}
		return nil
	}

	var resp metadataResponse
	err := c.getJSON(ctx, c.baseURL+"/metadata/"+url.PathEscape(item.Identifier), &resp)
	if err == nil && resp.Metadata == nil {
		// The API answers 200 {} for identifiers that do not exist
		return fmt.Errorf("%w: item %s", utils.ErrNotFound, item.Identifier)
	}
	if err != nil {
		if opts.IgnoreCache || errors.Is(err, context.Canceled) {
			return err
		}
		found, cerr := c.store.ReadJSON(opts, item.Identifier, metaName(item.Identifier), &resp)
		if cerr != nil || !found {
			return err
		}
		c.log.WithFields(logrus.Fields{"identifier": item.Identifier, "error": err}).Debug("Using cached metadata")
	} else if werr := c.store.WriteJSON(opts, item.Identifier, metaName(item.Identifier), resp); werr != nil {
		c.log.WithError(werr).WithField("identifier", item.Identifier).Warn("Could not cache metadata")
	}

	item.Metadata = resp.Metadata
	item.Server = resp.Server
	item.Dir = resp.Dir
	item.Files = make([]models.File, len(resp.Files))
	for i, f := range resp.Files {
		f.Identifier = item.Identifier
		item.Files[i] = f
	}
	return nil
}

// ResolveFile finds filename among identifier's files, fetching metadata as needed
func (c *Client) ResolveFile(ctx context.Context, identifier, filename string, opts models.FetchOptions) (models.File, error) {
	item := models.NewItem(identifier, "")
	if err := c.FetchMetadata(ctx, item, opts); err != nil {
		return models.File{}, err
	}
	for _, f := range item.Files {
		if f.Name == filename {
			return f, nil
		}
	}
	return models.File{}, fmt.Errorf("%w: file %s/%s", utils.ErrNotFound, identifier, filename)
}

// IsPagedDocument reports whether the item is a text rendered page by page by BookReader
func (c *Client) IsPagedDocument(item *models.Item) bool {
	if item.Mediatype() != "texts" {
		return false
	}
	for _, f := range item.Files {
		if f.Format == formatPagedZip || strings.HasSuffix(f.Name, pagedZipSuffix) {
			return true
		}
	}
	return false
}

// IsSpecialPagedFormat reports whether the item belongs to a palm-leaf manuscript collection
func (c *Client) IsSpecialPagedFormat(item *models.Item) bool {
	if item.Metadata == nil {
		return false
	}
	for _, coll := range item.Metadata.Collection {
		if strings.Contains(strings.ToLower(coll), palmLeafMarker) {
			return true
		}
	}
	return false
}

// minimumFormats lists, per mediatype, the renditions the offline UI needs. Each group is
// a list of alternative formats; the first format present in the item is taken.
var minimumFormats = map[string][][]string{
	"texts":  {{"Text PDF"}},
	"movies": {{"h.264", "512Kb MPEG4", "MPEG4", "h.264 IA"}, {"Thumbnail"}},
	"audio":  {{"VBR MP3", "Ogg Vorbis"}},
	"etree":  {{"VBR MP3", "Ogg Vorbis"}},
	"image":  {{"JPEG"}},
}

// allOfFormat marks formats where every file is needed, e.g. every track of an album
var allOfFormat = map[string]bool{"VBR MP3": true, "Ogg Vorbis": true}

// MinimumFileSet returns the files the offline UI needs to display the item.
// The epub rendition is added when includeEpub is set.
func (c *Client) MinimumFileSet(item *models.Item, includeEpub bool) []models.File {
	groups := minimumFormats[item.Mediatype()]
	if includeEpub {
		groups = append(groups[:len(groups):len(groups)], []string{formatEpub})
	}
	var out []models.File
	for _, alternatives := range groups {
		for _, format := range alternatives {
			matched := filesOfFormat(item.Files, format)
			if len(matched) == 0 {
				continue
			}
			if !allOfFormat[format] {
				matched = matched[:1]
			}
			out = append(out, matched...)
			break
		}
	}
	return out
}

func filesOfFormat(files []models.File, format string) []models.File {
	var out []models.File
	for _, f := range files {
		if f.Format == format {
			out = append(out, f)
		}
	}
	return out
}
