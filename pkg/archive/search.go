package archive

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"archive-mirror/pkg/models"
)

type advancedSearchResponse struct {
	Response struct {
		NumFound int         `json:"numFound"`
		Docs     []searchDoc `json:"docs"`
	} `json:"response"`
}

// searchDoc is one advanced search hit; title and mediatype occasionally arrive as lists
type searchDoc struct {
	Identifier string            `json:"identifier"`
	Mediatype  models.StringList `json:"mediatype"`
	Title      models.StringList `json:"title"`
	Collection models.StringList `json:"collection"`
	Downloads  models.FlexInt64  `json:"downloads"`
	Query      string            `json:"query"` // Saved searches only
}

type relatedResponse struct {
	Hits struct {
		Hits []struct {
			ID     string `json:"_id"`
			Source struct {
				Mediatype  models.StringList `json:"mediatype"`
				Title      models.StringList `json:"title"`
				Collection models.StringList `json:"collection"`
				Downloads  []int64           `json:"downloads"`
			} `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// queryFor returns the search query an item stands for
func queryFor(item *models.Item) string {
	switch {
	case item.Query != "":
		return item.Query
	case item.Identifier == models.HomeIdentifier:
		return "mediatype:collection"
	default:
		return "collection:" + item.Identifier
	}
}

// FetchQuery runs one advanced search for the item and records the sort and members on it
func (c *Client) FetchQuery(ctx context.Context, item *models.Item, q models.QueryOptions, opts models.FetchOptions) ([]models.Member, error) {
	query := queryFor(item)
	params := url.Values{}
	params.Set("q", query)
	params.Add("fl[]", "identifier")
	params.Add("fl[]", "mediatype")
	params.Add("fl[]", "title")
	params.Add("fl[]", "collection")
	params.Add("fl[]", "downloads")
	params.Add("fl[]", "query")
	params.Set("rows", strconv.Itoa(q.Rows))
	params.Set("page", "1")
	if q.Sort != "" {
		params.Set("sort[]", q.Sort)
	}
	params.Set("output", "json")

	var resp advancedSearchResponse
	if err := c.getJSON(ctx, c.baseURL+"/advancedsearch.php?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	docs := resp.Response.Docs
	if q.Rows > 0 && len(docs) > q.Rows {
		docs = docs[:q.Rows]
	}
	members := make([]models.Member, 0, len(docs))
	for _, d := range docs {
		members = append(members, models.Member{
			Identifier: d.Identifier,
			Mediatype:  d.Mediatype.First(),
			Title:      d.Title.First(),
			Collection: d.Collection,
			Downloads:  int64(d.Downloads),
			Query:      d.Query,
		})
	}

	item.Query = query
	item.Sort = q.Sort
	item.Members = members

	if item.Identifier != "" {
		name := item.Identifier + "_members.json"
		if err := c.store.WriteJSON(opts, item.Identifier, name, members); err != nil {
			c.log.WithError(err).WithField("identifier", item.Identifier).Warn("Could not cache members")
		}
	}
	return members, nil
}

// RelatedItems returns the items the related-items service suggests for item
// The synthetic home item has no related items.
func (c *Client) RelatedItems(ctx context.Context, item *models.Item, opts models.FetchOptions) ([]models.Member, error) {
	if item.Identifier == models.HomeIdentifier {
		return nil, nil
	}
	var resp relatedResponse
	rawURL := fmt.Sprintf("%s/mds/v1/get_related/all/%s", c.relatedURL, url.PathEscape(item.Identifier))
	if err := c.getJSON(ctx, rawURL, &resp); err != nil {
		var cached []models.Member
		if opts.IgnoreCache {
			return nil, err
		}
		if found, cerr := c.store.ReadJSON(opts, item.Identifier, item.Identifier+"_related.json", &cached); cerr == nil && found {
			return cached, nil
		}
		return nil, err
	}

	members := make([]models.Member, 0, len(resp.Hits.Hits))
	for _, hit := range resp.Hits.Hits {
		m := models.Member{
			Identifier: hit.ID,
			Mediatype:  hit.Source.Mediatype.First(),
			Title:      hit.Source.Title.First(),
			Collection: hit.Source.Collection,
		}
		if len(hit.Source.Downloads) > 0 {
			m.Downloads = hit.Source.Downloads[0]
		}
		members = append(members, m)
	}
	if err := c.store.WriteJSON(opts, item.Identifier, item.Identifier+"_related.json", members); err != nil {
		c.log.WithError(err).WithField("identifier", item.Identifier).Warn("Could not cache related items")
	}
	return members, nil
}

// SaveMember persists a search or related result so the member can be listed offline
func (c *Client) SaveMember(ctx context.Context, member models.Member, opts models.FetchOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.store.WriteJSON(opts, member.Identifier, member.Identifier+"_member.json", member)
}
