package cache

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// pageParam is the query parameter ESI uses to address pages.
const pageParam = "page"

// Key identifies one cached page of an ESI endpoint.
type Key struct {
	// Endpoint is the ESI endpoint path (e.g., "/v1/markets/10000002/orders/")
	Endpoint string

	// Page is the 1-based page number, 0 for requests without a page parameter
	Page int

	// QueryParams are the query parameters except page (e.g., {"order_type": "all"})
	QueryParams url.Values

	// CharacterID is the character ID for authenticated endpoints (0 for public)
	CharacterID int64
}

// KeyFromRequest builds the key of req. The page query parameter is moved
// into Page so that all pages of one listing share the same base key.
func KeyFromRequest(req *http.Request, characterID int64) Key {
	query := req.URL.Query()
	key := Key{
		Endpoint:    req.URL.Path,
		CharacterID: characterID,
	}

	if raw := query.Get(pageParam); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			key.Page = n
			query.Del(pageParam)
		}
	}
	if len(query) > 0 {
		key.QueryParams = query
	}
	return key
}

// String generates a deterministic cache key string.
// Format: esi:endpoint:query1=val1:char=123456:page=2
//
// Example:
//
//	esi:v1/markets/10000002/orders:order_type=all:page=3
func (k Key) String() string {
	base := k.base()
	if k.Page > 0 {
		return fmt.Sprintf("%s:page=%d", base, k.Page)
	}
	return base
}

// PagesPattern returns the Redis MATCH pattern covering every cached page of
// the listing k belongs to.
func (k Key) PagesPattern() string {
	return escapeGlob(k.base()) + ":page=*"
}

func (k Key) base() string {
	parts := []string{"esi"}

	if endpoint := strings.Trim(k.Endpoint, "/"); endpoint != "" {
		parts = append(parts, endpoint)
	}

	if len(k.QueryParams) > 0 {
		names := make([]string, 0, len(k.QueryParams))
		for name := range k.QueryParams {
			if name != pageParam {
				names = append(names, name)
			}
		}
		sort.Strings(names)

		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s=%s", name, strings.Join(k.QueryParams[name], ",")))
		}
	}

	if k.CharacterID > 0 {
		parts = append(parts, fmt.Sprintf("char=%d", k.CharacterID))
	}

	return strings.Join(parts, ":")
}

// escapeGlob escapes the characters Redis treats specially in MATCH patterns.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
