package archive

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"

	"archive-mirror/pkg/models"
	"archive-mirror/pkg/utils"
)

type bookReaderResponse struct {
	Data struct {
		BrOptions struct {
			Data [][]models.PageLeaf `json:"data"`
		} `json:"brOptions"`
	} `json:"data"`
}

func manifestName(identifier string) string { return identifier + "_bookreader.json" }

// FetchPageManifest loads the BookReader page list for a paged document into item.PageManifest
func (c *Client) FetchPageManifest(ctx context.Context, item *models.Item, opts models.FetchOptions) error {
	if item.Server == "" || item.Dir == "" {
		return fmt.Errorf("%w: %s has no server/dir for its page manifest", utils.ErrFetchFailed, item.Identifier)
	}
	params := url.Values{}
	params.Set("id", item.Identifier)
	params.Set("itemPath", item.Dir)
	params.Set("server", item.Server)
	params.Set("subPrefix", c.subPrefix(item))
	rawURL := fmt.Sprintf("%s://%s/BookReader/BookReaderJSIA.php?%s", c.scheme(), item.Server, params.Encode())

	var resp bookReaderResponse
	if err := c.getJSON(ctx, rawURL, &resp); err != nil {
		if opts.IgnoreCache {
			return err
		}
		var cached []models.PageLeaf
		if found, cerr := c.store.ReadJSON(opts, item.Identifier, manifestName(item.Identifier), &cached); cerr == nil && found {
			item.PageManifest = cached
			return nil
		}
		return err
	}

	// BookReader groups leaves into spreads; the crawler only needs them in order
	var leaves []models.PageLeaf
	for _, spread := range resp.Data.BrOptions.Data {
		leaves = append(leaves, spread...)
	}
	item.PageManifest = leaves
	if err := c.store.WriteJSON(opts, item.Identifier, manifestName(item.Identifier), leaves); err != nil {
		c.log.WithError(err).WithField("identifier", item.Identifier).Warn("Could not cache page manifest")
	}
	return nil
}

// PageManifestEntries returns the leaves of a fetched manifest
func (c *Client) PageManifestEntries(item *models.Item) []models.PageLeaf {
	return item.PageManifest
}

// PageParams turns a manifest leaf into concrete page parameters. An explicit scale wins;
// otherwise the scale is the largest power of two that keeps the image at least IdealWidth wide.
func (c *Client) PageParams(item *models.Item, leaf models.PageLeaf, req models.PageRequest) models.PageParams {
	p := models.PageParams{Scale: req.Scale}
	if u, err := url.Parse(leaf.URI); err == nil {
		q := u.Query()
		p.Zip = q.Get("zip")
		p.File = q.Get("file")
	}
	if p.Scale <= 0 {
		p.Scale = quantizeScale(leaf.Width, req.IdealWidth)
	}
	return p
}

func quantizeScale(width, idealWidth int) int {
	if idealWidth <= 0 || width <= idealWidth {
		return 1
	}
	scale := 1
	for scale*2 <= width/idealWidth {
		scale *= 2
	}
	return scale
}

// pageName is where a rendered page lives in the mirror, relative to the item directory
func pageName(p models.PageParams) string {
	if p.Page != "" {
		return p.Page
	}
	base := strings.TrimSuffix(path.Base(p.File), path.Ext(p.File))
	return fmt.Sprintf("_pages/%s.s%d.r%d.jpg", base, p.Scale, p.Rotate)
}

// FetchPage renders one page image into the mirror
func (c *Client) FetchPage(ctx context.Context, item *models.Item, p models.PageParams, opts models.FetchOptions) (models.FileRecord, error) {
	name := pageName(p)
	var rawURL string
	if p.Page != "" {
		rawURL = fmt.Sprintf("%s/download/%s/page/%s", c.baseURL, url.PathEscape(item.Identifier), url.PathEscape(p.Page))
	} else {
		if item.Server == "" {
			return models.FileRecord{}, fmt.Errorf("%w: %s has no server for page images", utils.ErrFetchFailed, item.Identifier)
		}
		params := url.Values{}
		params.Set("zip", p.Zip)
		params.Set("file", p.File)
		params.Set("id", item.Identifier)
		params.Set("scale", strconv.Itoa(p.Scale))
		params.Set("rotate", strconv.Itoa(p.Rotate))
		rawURL = fmt.Sprintf("%s://%s/BookReader/BookReaderImages.php?%s", c.scheme(), item.Server, params.Encode())
	}
	return c.fetchTo(ctx, item.Identifier, name, rawURL, "", opts)
}

// subPrefix is the paged zip's name without the _jp2.zip suffix
func (c *Client) subPrefix(item *models.Item) string {
	for _, f := range item.Files {
		if f.Format == formatPagedZip || strings.HasSuffix(f.Name, pagedZipSuffix) {
			return strings.TrimSuffix(f.Name, pagedZipSuffix)
		}
	}
	return item.Identifier
}

// scheme follows the configured base URL so datanode requests match it
func (c *Client) scheme() string {
	if u, err := url.Parse(c.baseURL); err == nil && u.Scheme != "" {
		return u.Scheme
	}
	return "https"
}
