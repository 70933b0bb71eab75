// Package normalize folds heterogeneous vendor list responses into one
// {items, meta} shape and extracts the continuation cursor pagination needs.
package normalize

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Meta describes how to continue a listing. NextCursor and CursorParam feed
// the next request; HasMore is false when the vendor said the listing is
// complete or produced no cursor.
type Meta struct {
	Cursor      string `json:"cursor,omitempty"`
	NextCursor  string `json:"nextCursor,omitempty"`
	CursorParam string `json:"cursorParam,omitempty"`
	HasMore     bool   `json:"hasMore,omitempty"`
	Total       int64  `json:"total,omitempty"`
	NextURL     string `json:"nextUrl,omitempty"`
}

// Page is a normalized list response.
type Page struct {
	Items []json.RawMessage `json:"items"`
	Meta  Meta              `json:"meta"`
}

// cursorParams, in precedence order, are the query keys mined out of a
// vendor's "next page" URL.
var cursorParams = []string{"cursor", "page_token", "pageToken", "after", "starting_after", "page", "offset"}

// vendors routes a connector id substring to its normalizer, so an ambiguous
// shape (Slack files vs Drive files) resolves by who sent it.
var vendors = []struct {
	hint string
	fn   func(gjson.Result) (*Page, bool)
}{
	{"slack", normalizeSlack},
	{"stripe", normalizeStripe},
	{"hubspot", normalizeHubSpot},
	{"zendesk", normalizeZendesk},
	{"typeform", normalizeTypeform},
	{"google", normalizeGoogle},
	{"dropbox", normalizeDropbox},
	{"dataverse", normalizeDataverse},
}

// Normalize maps a vendor response body to a Page. Returns false when the
// body carries no recognizable list shape; callers then pass the raw body
// through untouched. The connector id picks the vendor normalizer when it
// matches a known hint; otherwise shapes are tried most-specific first, then
// the generic items/results/data/bare-array fallbacks.
func Normalize(connectorID string, body []byte) (*Page, bool) {
	if !gjson.ValidBytes(body) {
		return nil, false
	}
	root := gjson.ParseBytes(body)

	// Already normalized: {items, meta} maps to itself.
	if items := root.Get("items"); items.IsArray() {
		if meta := root.Get("meta"); meta.Exists() && meta.Type == gjson.JSON {
			p := &Page{Items: rawItems(items)}
			_ = json.Unmarshal([]byte(meta.Raw), &p.Meta)
			return p, true
		}
	}

	id := strings.ToLower(connectorID)
	for _, v := range vendors {
		if strings.Contains(id, v.hint) {
			if p, ok := v.fn(root); ok {
				return p, true
			}
			break
		}
	}

	for _, v := range vendors {
		if p, ok := v.fn(root); ok {
			return p, true
		}
	}
	return normalizeGeneric(root)
}

// NextCursor applies the generic cursor precedence to a raw body:
// next_cursor, then response_metadata.next_cursor, then the query string of
// next, then Stripe's has_more with the last item id. Returns the cursor and
// the parameter to send it under.
func NextCursor(body []byte) (cursor, param string) {
	root := gjson.ParseBytes(body)

	if c := root.Get("next_cursor").String(); c != "" {
		return c, "cursor"
	}
	if c := root.Get("response_metadata.next_cursor").String(); c != "" {
		return c, "cursor"
	}
	if next := root.Get("next").String(); next != "" {
		if c, p := cursorFromURL(next); c != "" {
			return c, p
		}
	}
	if root.Get("has_more").Bool() {
		if data := root.Get("data"); data.IsArray() {
			arr := data.Array()
			if len(arr) > 0 {
				if id := arr[len(arr)-1].Get("id").String(); id != "" {
					return id, "starting_after"
				}
			}
		}
	}
	return "", ""
}

func normalizeSlack(root gjson.Result) (*Page, bool) {
	var items gjson.Result
	switch {
	case root.Get("members").IsArray():
		items = root.Get("members")
	case root.Get("channels").IsArray():
		items = root.Get("channels")
	case root.Get("files").IsArray() && !root.Get("nextPageToken").Exists():
		items = root.Get("files")
	default:
		return nil, false
	}

	p := &Page{Items: rawItems(items)}
	if c := root.Get("response_metadata.next_cursor").String(); c != "" {
		p.Meta = Meta{Cursor: c, NextCursor: c, CursorParam: "cursor", HasMore: true}
		return p, true
	}
	if paging := root.Get("paging"); paging.Exists() {
		page, pages := paging.Get("page").Int(), paging.Get("pages").Int()
		p.Meta.Total = paging.Get("total").Int()
		if page > 0 && page < pages {
			p.Meta.NextCursor = strconv.FormatInt(page+1, 10)
			p.Meta.CursorParam = "page"
			p.Meta.HasMore = true
		}
	}
	return p, true
}

func normalizeStripe(root gjson.Result) (*Page, bool) {
	data := root.Get("data")
	if !data.IsArray() || !root.Get("has_more").Exists() {
		return nil, false
	}

	p := &Page{Items: rawItems(data)}
	if root.Get("has_more").Bool() {
		arr := data.Array()
		if len(arr) > 0 {
			if id := arr[len(arr)-1].Get("id").String(); id != "" {
				p.Meta = Meta{NextCursor: id, CursorParam: "starting_after", HasMore: true}
			}
		}
	}
	return p, true
}

func normalizeHubSpot(root gjson.Result) (*Page, bool) {
	results := root.Get("results")
	if !results.IsArray() || !root.Get("paging").Exists() {
		return nil, false
	}

	p := &Page{Items: rawItems(results)}
	if after := root.Get("paging.next.after").String(); after != "" {
		p.Meta = Meta{NextCursor: after, CursorParam: "after", HasMore: true}
	}
	return p, true
}

func normalizeZendesk(root gjson.Result) (*Page, bool) {
	var items gjson.Result
	switch {
	case root.Get("tickets").IsArray():
		items = root.Get("tickets")
	case root.Get("users").IsArray():
		items = root.Get("users")
	case root.Get("results").IsArray() && root.Get("next_page").Exists():
		items = root.Get("results")
	default:
		return nil, false
	}

	p := &Page{Items: rawItems(items)}
	p.Meta.Total = root.Get("count").Int()
	if next := root.Get("next_page").String(); next != "" {
		p.Meta.NextURL = next
		if c, param := cursorFromURL(next); c != "" {
			p.Meta.NextCursor = c
			p.Meta.CursorParam = param
			p.Meta.HasMore = true
		}
	}
	return p, true
}

func normalizeTypeform(root gjson.Result) (*Page, bool) {
	items := root.Get("items")
	if !items.IsArray() || !root.Get("total_items").Exists() {
		return nil, false
	}
	return &Page{
		Items: rawItems(items),
		Meta:  Meta{Total: root.Get("total_items").Int()},
	}, true
}

func normalizeGoogle(root gjson.Result) (*Page, bool) {
	var items gjson.Result
	switch {
	case root.Get("files").IsArray():
		items = root.Get("files")
	case root.Get("items").IsArray():
		items = root.Get("items")
	default:
		return nil, false
	}
	if !root.Get("nextPageToken").Exists() {
		return nil, false
	}

	p := &Page{Items: rawItems(items)}
	if token := root.Get("nextPageToken").String(); token != "" {
		p.Meta = Meta{NextCursor: token, CursorParam: "pageToken", HasMore: true}
	}
	return p, true
}

func normalizeDropbox(root gjson.Result) (*Page, bool) {
	var items gjson.Result
	switch {
	case root.Get("entries").IsArray():
		items = root.Get("entries")
	case root.Get("matches").IsArray():
		items = root.Get("matches")
	default:
		return nil, false
	}
	if !root.Get("has_more").Exists() && !root.Get("cursor").Exists() {
		return nil, false
	}

	p := &Page{Items: rawItems(items)}
	cursor := root.Get("cursor").String()
	p.Meta.Cursor = cursor
	if root.Get("has_more").Bool() && cursor != "" {
		p.Meta.NextCursor = cursor
		p.Meta.CursorParam = "cursor"
		p.Meta.HasMore = true
	}
	return p, true
}

func normalizeDataverse(root gjson.Result) (*Page, bool) {
	value := root.Get("value")
	if !value.IsArray() {
		return nil, false
	}

	p := &Page{Items: rawItems(value)}
	if next := root.Get(`@odata\.nextLink`).String(); next != "" {
		p.Meta.NextURL = next
		if u, err := url.Parse(next); err == nil {
			if token := u.Query().Get("$skiptoken"); token != "" {
				p.Meta.NextCursor = token
				p.Meta.CursorParam = "$skiptoken"
				p.Meta.HasMore = true
			}
		}
	}
	return p, true
}

func normalizeGeneric(root gjson.Result) (*Page, bool) {
	if root.IsArray() {
		return &Page{Items: rawItems(root)}, true
	}
	for _, key := range []string{"items", "results", "data"} {
		if arr := root.Get(key); arr.IsArray() {
			p := &Page{Items: rawItems(arr)}
			if c, param := NextCursor([]byte(root.Raw)); c != "" {
				p.Meta.NextCursor = c
				p.Meta.CursorParam = param
				p.Meta.HasMore = true
			}
			return p, true
		}
	}
	return nil, false
}

// cursorFromURL mines a continuation token out of a vendor "next page" URL.
func cursorFromURL(raw string) (cursor, param string) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", ""
	}
	q := u.Query()
	for _, p := range cursorParams {
		if v := q.Get(p); v != "" {
			return v, p
		}
	}
	return "", ""
}

func rawItems(arr gjson.Result) []json.RawMessage {
	elems := arr.Array()
	items := make([]json.RawMessage, 0, len(elems))
	for _, e := range elems {
		items = append(items, json.RawMessage(e.Raw))
	}
	return items
}
