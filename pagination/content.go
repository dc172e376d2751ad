package pagination

import (
	"context"
	"fmt"

	"github.com/NIAGADS/niagads-pylib-sub000/cache"
	"github.com/NIAGADS/niagads-pylib-sub000/track"
)

// ContentKind selects what a page request returns. The handler table below
// is the complete dispatch surface: one handler per kind, nothing else.
type ContentKind int

const (
	ContentFull ContentKind = iota
	ContentIds
	ContentCounts
	ContentBrief
	ContentUrls
)

var contentKindNames = []string{"full", "ids", "counts", "brief", "urls"}

func (k ContentKind) String() string {
	if int(k) < len(contentKindNames) {
		return contentKindNames[k]
	}
	return "unknown"
}

// ParseContentKind resolves a request's content parameter.
func ParseContentKind(s string) (ContentKind, error) {
	for i, name := range contentKindNames {
		if s == name {
			return ContentKind(i), nil
		}
	}
	return ContentFull, fmt.Errorf("invalid response content %q", s)
}

// PageResponse is one page of a track query. Fields beyond the pagination
// header are populated according to Content.
type PageResponse struct {
	Content         ContentKind            `json:"content" msgpack:"content"`
	Page            int64                  `json:"page" msgpack:"page"`
	TotalPages      int64                  `json:"total_pages" msgpack:"total_pages"`
	TotalResultSize int64                  `json:"total_result_size" msgpack:"total_result_size"`
	Tracks          []string               `json:"tracks,omitempty" msgpack:"tracks,omitempty"`
	Features        []track.Feature        `json:"features,omitempty" msgpack:"features,omitempty"`
	Counts          []track.ResultSize     `json:"counts,omitempty" msgpack:"counts,omitempty"`
	Summaries       []track.OverlapSummary `json:"summaries,omitempty" msgpack:"summaries,omitempty"`
	URLs            []string               `json:"urls,omitempty" msgpack:"urls,omitempty"`
	Message         string                 `json:"message,omitempty" msgpack:"message,omitempty"`

	// served from the response cache rather than assembled
	Cached bool `json:"-" msgpack:"-"`
}

type contentHandler func(ctx context.Context, p *Paginator, reqKey cache.RequestKey, q Query, counts []track.ResultSize) (*PageResponse, error)

var contentHandlers = map[ContentKind]contentHandler{
	ContentFull:   handleFull,
	ContentIds:    handleIds,
	ContentCounts: handleCounts,
	ContentBrief:  handleBrief,
	ContentUrls:   handleUrls,
}

// handleFull pages through the virtual concatenation of feature streams:
// boundary table, page cursor, chunked feature fetch, slice.
func handleFull(ctx context.Context, p *Paginator, reqKey cache.RequestKey, q Query, counts []track.ResultSize) (*PageResponse, error) {
	sorted := track.SortedBySize(counts)
	meta, err := p.pageBoundaries(ctx, reqKey.NoPage(), sorted, q.effectivePageSize(p))
	if err != nil {
		return nil, err
	}
	pctx, err := NewContext(q.page(), q.effectivePageSize(p), meta.TotalSize)
	if err != nil {
		return nil, err
	}
	cursor, err := PageCursor(sorted, meta.Cursors, pctx.Page)
	if err != nil {
		return nil, err
	}
	data, err := p.trackFeatures(ctx, cursor.Tracks, q.Assembly, q.Span)
	if err != nil {
		return nil, err
	}
	return &PageResponse{
		Content:         ContentFull,
		Page:            pctx.Page,
		TotalPages:      pctx.TotalPages,
		TotalResultSize: pctx.TotalResultSize,
		Tracks:          cursor.Tracks,
		Features:        Slice(cursor, data),
	}, nil
}

// handleIds pages the matched track list itself; no feature fetch happens.
func handleIds(ctx context.Context, p *Paginator, reqKey cache.RequestKey, q Query, counts []track.ResultSize) (*PageResponse, error) {
	sorted := track.SortedBySize(counts)
	pctx, err := NewContext(q.page(), q.effectivePageSize(p), int64(len(sorted)))
	if err != nil {
		return nil, err
	}
	r := pctx.PageRange()
	return &PageResponse{
		Content:         ContentIds,
		Page:            pctx.Page,
		TotalPages:      pctx.TotalPages,
		TotalResultSize: pctx.TotalResultSize,
		Tracks:          track.IDs(sorted[r.Start:r.End]),
	}, nil
}

// handleCounts pages the per-track overlap counts; no feature fetch happens.
func handleCounts(ctx context.Context, p *Paginator, reqKey cache.RequestKey, q Query, counts []track.ResultSize) (*PageResponse, error) {
	sorted := track.SortedBySize(counts)
	pctx, err := NewContext(q.page(), q.effectivePageSize(p), int64(len(sorted)))
	if err != nil {
		return nil, err
	}
	r := pctx.PageRange()
	return &PageResponse{
		Content:         ContentCounts,
		Page:            pctx.Page,
		TotalPages:      pctx.TotalPages,
		TotalResultSize: pctx.TotalResultSize,
		Counts:          sorted[r.Start:r.End],
	}, nil
}

func overlapSummaries(ctx context.Context, p *Paginator, q Query, counts []track.ResultSize) ([]track.OverlapSummary, Context, error) {
	sorted := track.SortedBySize(counts)
	meta, err := p.trackMetadata(ctx, track.IDs(sorted))
	if err != nil {
		return nil, Context{}, err
	}
	summaries := track.MergeOverlaps(meta, sorted)
	pctx, err := NewContext(q.page(), q.effectivePageSize(p), int64(len(summaries)))
	if err != nil {
		return nil, Context{}, err
	}
	return summaries, pctx, nil
}

// handleBrief pages abridged track metadata annotated with overlap counts.
func handleBrief(ctx context.Context, p *Paginator, reqKey cache.RequestKey, q Query, counts []track.ResultSize) (*PageResponse, error) {
	summaries, pctx, err := overlapSummaries(ctx, p, q, counts)
	if err != nil {
		return nil, err
	}
	r := pctx.PageRange()
	return &PageResponse{
		Content:         ContentBrief,
		Page:            pctx.Page,
		TotalPages:      pctx.TotalPages,
		TotalResultSize: pctx.TotalResultSize,
		Summaries:       summaries[r.Start:r.End],
	}, nil
}

// handleUrls pages the matched tracks' download URLs.
func handleUrls(ctx context.Context, p *Paginator, reqKey cache.RequestKey, q Query, counts []track.ResultSize) (*PageResponse, error) {
	summaries, pctx, err := overlapSummaries(ctx, p, q, counts)
	if err != nil {
		return nil, err
	}
	r := pctx.PageRange()
	urls := make([]string, 0, r.End-r.Start)
	for _, s := range summaries[r.Start:r.End] {
		urls = append(urls, s.URL)
	}
	return &PageResponse{
		Content:         ContentUrls,
		Page:            pctx.Page,
		TotalPages:      pctx.TotalPages,
		TotalResultSize: pctx.TotalResultSize,
		URLs:            urls,
	}, nil
}
