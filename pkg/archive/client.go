// Package archive talks to the archive's public API: item metadata, advanced search,
// related items, thumbnails, file downloads and BookReader page images.
// Every fetched document is written through to the mirror so a later offline
// crawl can fall back on it.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"archive-mirror/pkg/config"
	"archive-mirror/pkg/fetch"
	"archive-mirror/pkg/mirror"
	"archive-mirror/pkg/utils"
)

const maxJSONBody = 64 << 20 // Metadata for huge items runs to tens of MB

// Getter is the transport the client needs; *fetch.Fetcher satisfies it
type Getter interface {
	Get(ctx context.Context, rawURL string) (*http.Response, error)
}

var _ Getter = (*fetch.Fetcher)(nil)

// Client implements the crawler's archive collaborator over HTTP
type Client struct {
	http       Getter
	store      *mirror.Store
	sem        *semaphore.Weighted // Bounds in-flight requests across every crawl
	baseURL    string
	relatedURL string
	log        *logrus.Entry
}

// NewClient creates a Client. cfg must already be validated.
func NewClient(cfg *config.AppConfig, getter Getter, store *mirror.Store, log *logrus.Entry) *Client {
	return &Client{
		http:       getter,
		store:      store,
		sem:        semaphore.NewWeighted(int64(cfg.MaxRequests)),
		baseURL:    strings.TrimRight(cfg.ArchiveBaseURL, "/"),
		relatedURL: strings.TrimRight(cfg.RelatedBaseURL, "/"),
		log:        log.WithField("component", "archive"),
	}
}

// Store returns the mirror store the client writes through
func (c *Client) Store() *mirror.Store {
	return c.store
}

// open issues a GET under the global request bound. The caller must close the body.
func (c *Client) open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	resp, err := c.http.Get(ctx, rawURL)
	if err != nil {
		c.sem.Release(1)
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("%w: %s: %w", utils.ErrFetchFailed, rawURL, err)
	}
	return &releasingBody{ReadCloser: resp.Body, sem: c.sem}, nil
}

// getJSON fetches rawURL and decodes the body into v
func (c *Client) getJSON(ctx context.Context, rawURL string, v any) error {
	body, err := c.open(ctx, rawURL)
	if err != nil {
		return err
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, maxJSONBody))
	if err != nil {
		return fmt.Errorf("%w: %s: %w", utils.ErrResponseBodyRead, rawURL, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: JSON from %s: %w", utils.ErrParsing, rawURL, err)
	}
	return nil
}

// downloadURL builds /download/{identifier}/{name} with each path segment escaped
func (c *Client) downloadURL(identifier, name string) string {
	segments := strings.Split(name, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return fmt.Sprintf("%s/download/%s/%s", c.baseURL, url.PathEscape(identifier), strings.Join(segments, "/"))
}

type releasingBody struct {
	io.ReadCloser
	sem      *semaphore.Weighted
	released bool
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	if !b.released {
		b.released = true
		b.sem.Release(1)
	}
	return err
}
