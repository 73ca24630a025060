package keyset

import (
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/go-http-utils/headers"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

// Query parameters understood by the request contexts.
const (
	ParamCursor   = "cursor"
	ParamPerPage  = "per_page"
	ParamOrderBy  = "order_by"
	ParamSort     = "sort"
	ParamIDAfter  = "id_after"
	ParamIDBefore = "id_before"
)

const (
	defaultOrderBy = "id"
	defaultSort    = "desc"

	// idAttribute is the attribute holding legacy id_after/id_before bounds.
	idAttribute = "id"
)

// CursorBasedRequestContext reads cursor pagination parameters of a request.
type CursorBasedRequestContext struct {
	cursor  string
	perPage int
	orderBy Orderings
}

// NewCursorBasedRequestContext parses `cursor`, `per_page`, `order_by` and `sort`.
// order_by defaults to id and sort to desc. order_by is resolved through the
// mapping, and the id column is appended as a tie-breaker when another column is
// requested.
func NewCursorBasedRequestContext(params url.Values, mapping ColumnMapping) (*CursorBasedRequestContext, error) {
	perPage, err := parsePerPage(params)
	if err != nil {
		return nil, err
	}

	orderBy, err := parseRequestOrder(params, mapping)
	if err != nil {
		return nil, err
	}

	idColumn := idColumnOf(mapping)
	if !orderBy.Has(idColumn) {
		orderBy = append(orderBy, OrderBy{Column: idColumn, Direction: orderBy[len(orderBy)-1].Direction})
	}

	return &CursorBasedRequestContext{
		cursor:  params.Get(ParamCursor),
		perPage: perPage,
		orderBy: orderBy,
	}, nil
}

func (r *CursorBasedRequestContext) Cursor() string {
	return r.cursor
}

func (r *CursorBasedRequestContext) PerPage() int {
	return r.perPage
}

func (r *CursorBasedRequestContext) OrderBy() Orderings {
	return r.orderBy
}

// Apply orders the query as requested. The result is meant for SimpleOrderBuilder.
func (r *CursorBasedRequestContext) Apply(db *gorm.DB) *gorm.DB {
	return r.orderBy.Apply(db)
}

// ApplyHeaders sets `Link: <url>; rel="next"` pointing at the next page. Only the
// cursor parameter of the request URL is replaced. Nothing is set without a next
// cursor.
func (r *CursorBasedRequestContext) ApplyHeaders(h http.Header, requestURL *url.URL, nextCursor string) {
	if nextCursor == "" {
		return
	}

	h.Set(headers.Link, formatLink(withParams(requestURL, map[string]string{ParamCursor: nextCursor}), "next"))
}

// RequestContext reads legacy pagination parameters: `order_by`, `sort`,
// `per_page` and an `id_after` (ascending) or `id_before` (descending) bound.
// Legacy pagination orders by the id column only.
type RequestContext struct {
	page *Page
}

func NewRequestContext(params url.Values, mapping ColumnMapping) (*RequestContext, error) {
	perPage, err := parsePerPage(params)
	if err != nil {
		return nil, err
	}

	orderBy, err := parseRequestOrder(params, mapping)
	if err != nil {
		return nil, err
	}

	idColumn := idColumnOf(mapping)
	if len(orderBy) != 1 || orderBy[0].Column != idColumn {
		return nil, fmt.Errorf("%w: legacy pagination supports ordering by '%s' only", ErrInvalidOrder, idColumn)
	}
	direction := orderBy[0].Direction

	lowerBounds, err := parseIDBound(params, direction)
	if err != nil {
		return nil, err
	}

	page, err := NewPage(orderBy, lowerBounds, perPage)
	if err != nil {
		return nil, err
	}

	return &RequestContext{page: page}, nil
}

func (r *RequestContext) Page() *Page {
	return r.page
}

// Apply orders the query by the page order.
func (r *RequestContext) Apply(db *gorm.DB) *gorm.DB {
	return r.page.orderBy.Apply(db)
}

// ApplyHeaders sets the Link header with rel="first" and, when next is not nil,
// rel="next". Only id_after/id_before of the request URL are replaced.
func (r *RequestContext) ApplyHeaders(h http.Header, requestURL *url.URL, next *Page) {
	links := []string{
		formatLink(withParams(requestURL, map[string]string{ParamIDAfter: "", ParamIDBefore: ""}), "first"),
	}

	if next != nil {
		bound := fmt.Sprint(next.lowerBounds[idAttribute])
		params := map[string]string{ParamIDAfter: bound, ParamIDBefore: ""}
		if next.orderBy[0].Direction == DirectionDESC {
			params = map[string]string{ParamIDAfter: "", ParamIDBefore: bound}
		}

		links = append(links, formatLink(withParams(requestURL, params), "next"))
	}

	h.Set(headers.Link, strings.Join(links, ", "))
}

func parsePerPage(params url.Values) (int, error) {
	raw := params.Get(ParamPerPage)
	if raw == "" {
		return DefaultPageSize, nil
	}

	perPage, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s '%s': %w", ParamPerPage, raw, err)
	}

	return NormalizePageSize(perPage), nil
}

func parseRequestOrder(params url.Values, mapping ColumnMapping) (Orderings, error) {
	orderBy := params.Get(ParamOrderBy)
	if orderBy == "" {
		orderBy = defaultOrderBy
	}

	sort := params.Get(ParamSort)
	if sort == "" {
		sort = defaultSort
	}

	return ParseSort([]string{orderBy + " " + sort}, mapping)
}

func parseIDBound(params url.Values, direction Direction) (map[string]any, error) {
	after, before := params.Get(ParamIDAfter), params.Get(ParamIDBefore)

	var name, raw string
	switch {
	case after != "" && before != "":
		return nil, fmt.Errorf("%w: %s and %s are mutually exclusive", ErrInvalidCursor, ParamIDAfter, ParamIDBefore)
	case after != "":
		name, raw = ParamIDAfter, after
	case before != "":
		name, raw = ParamIDBefore, before
	default:
		return nil, nil
	}

	expected := ParamIDAfter
	if direction == DirectionDESC {
		expected = ParamIDBefore
	}
	if name != expected {
		return nil, fmt.Errorf("%w: %s cannot be used with sort %s", ErrInvalidCursor, name, strings.ToLower(string(direction)))
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid %s '%s'", ErrInvalidCursor, name, raw)
	}

	return map[string]any{idAttribute: id}, nil
}

func idColumnOf(mapping ColumnMapping) string {
	if column, ok := mapping[idAttribute]; ok {
		return column
	}

	return idAttribute
}

// withParams returns a copy of the URL with the given query parameters replaced.
// Empty values remove the parameter. Other parameters keep their position and
// encoding; new ones are appended.
func withParams(u *url.URL, params map[string]string) *url.URL {
	ret := *u

	var (
		pairs   []string
		written = make(map[string]struct{}, len(params))
	)
	for _, pair := range strings.Split(u.RawQuery, "&") {
		if pair == "" {
			continue
		}

		rawKey, _, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			key = rawKey
		}

		value, ok := params[key]
		if !ok {
			pairs = append(pairs, pair)
			continue
		}

		if _, done := written[key]; !done && value != "" {
			pairs = append(pairs, queryPair(key, value))
		}
		written[key] = struct{}{}
	}

	keys := lo.Keys(params)
	slices.Sort(keys)
	for _, key := range keys {
		if _, done := written[key]; !done && params[key] != "" {
			pairs = append(pairs, queryPair(key, params[key]))
		}
	}
	ret.RawQuery = strings.Join(pairs, "&")

	return &ret
}

func queryPair(key, value string) string {
	return url.QueryEscape(key) + "=" + url.QueryEscape(value)
}

func formatLink(u *url.URL, rel string) string {
	return fmt.Sprintf(`<%s>; rel="%s"`, u.String(), rel)
}
