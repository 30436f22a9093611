// Package pagination implements a cursor-stable listing engine: an
// ordered, resumable view over active changes.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/taskmcp/taskmcp/internal/changestore"
	"github.com/taskmcp/taskmcp/internal/lock"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// Item is a single entry in a listing.
type Item struct {
	Slug     string    `json:"slug"`
	Title    string    `json:"title"`
	IsLocked bool      `json:"isLocked"`
	Mtime    time.Time `json:"mtime"`
	URI      string    `json:"uri"`
}

func (i Item) sortKey() string {
	return i.Mtime.UTC().Format(time.RFC3339Nano) + "_" + i.Slug
}

// cursor is the opaque object encoded in a cursor token.
type cursor struct {
	Page      uint32 `json:"page"`
	Timestamp string `json:"timestamp"`
	SortKey   string `json:"sortKey"`
}

// Request is the input to List.
type Request struct {
	Page          int
	PageSize      int
	NextPageToken string
}

// Response is the output of List.
type Response struct {
	Items             []Item `json:"items"`
	Page              int    `json:"page"`
	PageSize          int    `json:"pageSize"`
	TotalItems        int    `json:"totalItems"`
	TotalPages        int    `json:"totalPages"`
	HasMore           bool   `json:"hasMore"`
	NextPageToken     string `json:"nextPageToken,omitempty"`
	PreviousPageToken string `json:"previousPageToken,omitempty"`
}

// Scan walks <openspecRoot>/changes and returns every active (non-archived)
// change, ordered by (mtime DESC, slug ASC) — the canonical listing order.
// now is threaded through explicitly so lock liveness is computed
// consistently with the rest of a single request.
func Scan(openspecRoot string, now time.Time) ([]Item, error) {
	changesDir := filepath.Join(openspecRoot, "changes")
	entries, err := os.ReadDir(changesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	items := make([]Item, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		slug := e.Name()
		changeDir := filepath.Join(changesDir, slug)

		if _, err := os.Stat(filepath.Join(changeDir, "receipt.json")); err == nil {
			continue // archived changes are not "active"
		}

		info, err := e.Info()
		if err != nil {
			continue
		}

		_, locked := lock.Inspect(changeDir, now)
		items = append(items, Item{
			Slug:     slug,
			Title:    changestore.Title(changeDir, slug),
			IsLocked: locked,
			Mtime:    info.ModTime(),
			URI:      "change://" + slug,
		})
	}

	sort.Slice(items, func(i, j int) bool {
		if !items[i].Mtime.Equal(items[j].Mtime) {
			return items[i].Mtime.After(items[j].Mtime)
		}
		return items[i].Slug < items[j].Slug
	})

	return items, nil
}

// List applies pagination to a pre-scanned, already-ordered item set.
// nextPageToken takes precedence over page when both are supplied, and a
// malformed token degrades to "start at page 1" rather than failing the
// request.
func List(items []Item, req Request) Response {
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	total := len(items)
	totalPages := (total + pageSize - 1) / pageSize
	if totalPages == 0 {
		totalPages = 1
	}

	start := 0
	page := req.Page
	if page <= 0 {
		page = 1
	}

	if req.NextPageToken != "" {
		if c, ok := decodeCursor(req.NextPageToken); ok {
			start = seekPast(items, c.SortKey)
			page = int(c.Page) + 1
		} else {
			page = 1
			start = 0
		}
	} else {
		start = (page - 1) * pageSize
	}

	if start < 0 || start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	pageItems := items[start:end]
	hasMore := end < total

	resp := Response{
		Items:      append([]Item{}, pageItems...),
		Page:       page,
		PageSize:   pageSize,
		TotalItems: total,
		TotalPages: totalPages,
		HasMore:    hasMore,
	}

	if hasMore && len(pageItems) > 0 {
		last := pageItems[len(pageItems)-1]
		resp.NextPageToken = encodeCursor(cursor{
			Page:      uint32(page),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			SortKey:   last.sortKey(),
		})
	}
	if start > 0 && len(pageItems) > 0 {
		first := pageItems[0]
		resp.PreviousPageToken = encodeCursor(cursor{
			Page:      uint32(page - 1),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			SortKey:   first.sortKey(),
		})
	}

	return resp
}

// seekPast returns the position just after the item whose sortKey equals
// sortKey, i.e. where to resume in the canonical (mtime DESC, slug ASC)
// order. The token is advisory: when no item has that sortKey any more
// (because of concurrent mutation), it resumes at the first item whose
// sortKey is strictly less than sortKey rather than erroring. That
// fallback compares the key strings directly, so among items sharing one
// mtime (which are ordered by slug ascending) it may skip or repeat some.
func seekPast(items []Item, sortKey string) int {
	for i, it := range items {
		if it.sortKey() == sortKey {
			return i + 1
		}
	}
	for i, it := range items {
		if it.sortKey() < sortKey {
			return i
		}
	}
	return len(items)
}

func encodeCursor(c cursor) string {
	body, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(body)
}

func decodeCursor(token string) (cursor, bool) {
	body, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return cursor{}, false
	}
	var c cursor
	if err := json.Unmarshal(body, &c); err != nil {
		return cursor{}, false
	}
	return c, true
}
