package pagination

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/NIAGADS/niagads-pylib-sub000/cache"
	"github.com/NIAGADS/niagads-pylib-sub000/niagads_errors"
	"github.com/NIAGADS/niagads-pylib-sub000/track"
	"github.com/NIAGADS/niagads-pylib-sub000/utils"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

var PageRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "niagads",
	Subsystem: "pagination",
	Name:      "requests",
}, []string{"content", "result"})

var CursorLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "niagads",
	Subsystem: "pagination",
	Name:      "cursor_lookups",
}, []string{"result"})

// TracksPerRequest caps how many tracks ride on one upstream call.
const TracksPerRequest = 50

// ParallelOpTimeout bounds the whole fan-out of chunked upstream fetches.
const ParallelOpTimeout = 30 * time.Second

// User-facing empty-result messages. Wire-stable; clients match on them.
const (
	MsgNoTracksMatchFilter   = "No tracks meet the specified metadata filter criteria."
	MsgNoOverlappingFeatures = "No overlapping features found in the query region."
)

// Fetcher is the upstream track data client. Implementations go to the
// functional genomics repository; the paginator layers caching, chunking
// and page assembly on top.
type Fetcher interface {
	Counts(ctx context.Context, tracks []string, assembly string, span track.Span) ([]track.ResultSize, error)
	InformativeCounts(ctx context.Context, assembly string, span track.Span) ([]track.ResultSize, error)
	Features(ctx context.Context, tracks []string, assembly string, span track.Span) ([]track.Data, error)
	Metadata(ctx context.Context, tracks []string) ([]track.Meta, error)
}

// Query is one paged track data request.
type Query struct {
	// Tracks is the explicit track list for GetTrackData.
	Tracks []string
	// FilterIDs holds the track ids matched by a metadata filter for
	// SearchTrackData. nil means no filter was applied; an empty non-nil
	// slice means the filter matched nothing.
	FilterIDs []string
	Assembly  string
	Span      track.Span
	Page      int64
	PageSize  int64
	Content   ContentKind
}

func (q Query) page() int64 {
	if q.Page < 1 {
		return 1
	}
	return q.Page
}

func (q Query) effectivePageSize(p *Paginator) int64 {
	if q.PageSize > 0 {
		return q.PageSize
	}
	return p.pageSize
}

type Options struct {
	Codec           cache.Codec
	Logger          utils.Logger
	PageSize        int64
	ChunkSize       int
	ParallelTimeout time.Duration
	ResponseTTL     time.Duration
}

// Paginator serves pages of track query results. Every layer it touches is
// cached: assembled responses under the request key, page boundary tables
// under the page-independent key, raw upstream fetches under their own
// request digests. Cache failures degrade to upstream fetches, never to
// request failures.
type Paginator struct {
	store           cache.Store
	fetch           Fetcher
	codec           cache.Codec
	log             utils.Logger
	flight          *flightGroup[pageMeta]
	pageSize        int64
	chunkSize       int
	parallelTimeout time.Duration
	responseTTL     time.Duration
}

func New(store cache.Store, fetch Fetcher, opts Options) *Paginator {
	if opts.Codec == nil {
		opts.Codec = cache.MsgpackCodec{}
	}
	if opts.Logger == nil {
		opts.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = TracksPerRequest
	}
	if opts.ParallelTimeout <= 0 {
		opts.ParallelTimeout = ParallelOpTimeout
	}
	if opts.ResponseTTL <= 0 {
		opts.ResponseTTL = cache.TTLDefault
	}
	return &Paginator{
		store:           store,
		fetch:           fetch,
		codec:           opts.Codec,
		log:             opts.Logger,
		flight:          newFlightGroup[pageMeta](),
		pageSize:        opts.PageSize,
		chunkSize:       opts.ChunkSize,
		parallelTimeout: opts.ParallelTimeout,
		responseTTL:     opts.ResponseTTL,
	}
}

// GetTrackData pages query results for an explicitly requested track list.
// The tracks must exist and share one genome assembly.
func (p *Paginator) GetTrackData(ctx context.Context, q Query) (*PageResponse, error) {
	if len(q.Tracks) == 0 {
		return nil, fmt.Errorf("at least one track identifier is required")
	}
	q.Tracks = normalizeTracks(q.Tracks)

	reqKey := dataRequestKey(q)
	if resp, ok := p.cachedResponse(ctx, reqKey); ok {
		PageRequests.WithLabelValues(q.Content.String(), "cached").Inc()
		return resp, nil
	}

	assembly, err := p.resolveAssembly(ctx, q.Tracks)
	if err != nil {
		PageRequests.WithLabelValues(q.Content.String(), "error").Inc()
		return nil, err
	}
	q.Assembly = assembly

	counts, err := p.trackCounts(ctx, q.Tracks, q.Assembly, q.Span)
	if err != nil {
		PageRequests.WithLabelValues(q.Content.String(), "error").Inc()
		return nil, err
	}
	return p.respond(ctx, reqKey, q, counts)
}

// SearchTrackData pages query results over the tracks informative for the
// queried region, optionally narrowed to a metadata filter's matches.
func (p *Paginator) SearchTrackData(ctx context.Context, q Query) (*PageResponse, error) {
	if q.Assembly == "" {
		return nil, fmt.Errorf("a genome assembly is required for a region search")
	}

	reqKey := searchRequestKey(q)
	if resp, ok := p.cachedResponse(ctx, reqKey); ok {
		PageRequests.WithLabelValues(q.Content.String(), "cached").Inc()
		return resp, nil
	}

	if q.FilterIDs != nil && len(q.FilterIDs) == 0 {
		return p.respondMessage(ctx, reqKey, q, MsgNoTracksMatchFilter), nil
	}

	informative, err := p.informativeCounts(ctx, q.Assembly, q.Span)
	if err != nil {
		PageRequests.WithLabelValues(q.Content.String(), "error").Inc()
		return nil, err
	}
	target := informative
	if q.FilterIDs != nil {
		target = track.FilterByID(informative, q.FilterIDs)
	}
	if len(target) == 0 {
		return p.respondMessage(ctx, reqKey, q, MsgNoOverlappingFeatures), nil
	}

	q.Tracks = track.IDs(target)
	return p.respond(ctx, reqKey, q, target)
}

func (p *Paginator) respond(ctx context.Context, reqKey cache.RequestKey, q Query, counts []track.ResultSize) (*PageResponse, error) {
	handler, ok := contentHandlers[q.Content]
	if !ok {
		return nil, fmt.Errorf("no handler registered for content %q", q.Content)
	}
	resp, err := handler(ctx, p, reqKey, q, counts)
	if err != nil {
		PageRequests.WithLabelValues(q.Content.String(), "error").Inc()
		return nil, err
	}
	p.cacheResponse(ctx, reqKey, resp)
	PageRequests.WithLabelValues(q.Content.String(), "ok").Inc()
	return resp, nil
}

// respondMessage builds, caches and counts an empty-result response. An
// empty result has exactly one empty page regardless of the page asked for.
func (p *Paginator) respondMessage(ctx context.Context, reqKey cache.RequestKey, q Query, msg string) *PageResponse {
	resp := &PageResponse{
		Content:    q.Content,
		Page:       1,
		TotalPages: 1,
		Message:    msg,
	}
	p.cacheResponse(ctx, reqKey, resp)
	PageRequests.WithLabelValues(q.Content.String(), "ok").Inc()
	return resp
}

type pageMeta struct {
	Cursors   []string `msgpack:"cursors"`
	TotalSize int64    `msgpack:"total_size"`
}

// pageBoundaries returns the cursor table and total result size for the
// page-independent key, computing and caching them on a miss. Concurrent
// misses for one key collapse into a single computation.
func (p *Paginator) pageBoundaries(ctx context.Context, noPage cache.RequestKey, sorted []track.ResultSize, pageSize int64) (pageMeta, error) {
	cursorKey := noPage.QualifiedDigest(cache.QualifierCursor)
	sizeKey := noPage.QualifiedDigest(cache.QualifierResultSize)

	cursors, okCursors, errCursors := cache.GetAs[[]string](ctx, p.store, p.codec, cursorKey, cache.NamespaceQueryCache)
	size, okSize, errSize := cache.GetAs[int64](ctx, p.store, p.codec, sizeKey, cache.NamespaceQueryCache)
	if errCursors == nil && errSize == nil && okCursors && okSize {
		CursorLookups.WithLabelValues("hit").Inc()
		return pageMeta{Cursors: cursors, TotalSize: size}, nil
	}
	CursorLookups.WithLabelValues("miss").Inc()

	meta, shared, err := p.flight.Do(ctx, cursorKey, func() (pageMeta, error) {
		if err := ValidateResultSize(track.TotalResults(sorted), pageSize); err != nil {
			return pageMeta{}, err
		}
		table, total := ComputeCursorTable(sorted, pageSize)
		m := pageMeta{Cursors: table, TotalSize: total}
		if err := cache.SetAs(ctx, p.store, p.codec, cursorKey, table, cache.NamespaceQueryCache, cache.TTLDefault); err != nil {
			p.log.Warn("cursor table cache write failed", "key", noPage.Internal, "error", err)
		}
		if err := cache.SetAs(ctx, p.store, p.codec, sizeKey, total, cache.NamespaceQueryCache, cache.TTLDefault); err != nil {
			p.log.Warn("result size cache write failed", "key", noPage.Internal, "error", err)
		}
		return m, nil
	})
	if shared {
		CursorLookups.WithLabelValues("shared").Inc()
	}
	return meta, err
}

func (p *Paginator) trackCounts(ctx context.Context, tracks []string, assembly string, span track.Span) ([]track.ResultSize, error) {
	return fetchChunked(ctx, p, tracks,
		func(chunk []string) string { return overlapDigest(assembly, span, chunk, true) },
		func(ctx context.Context, chunk []string) ([]track.ResultSize, error) {
			return p.fetch.Counts(ctx, chunk, assembly, span)
		})
}

func (p *Paginator) trackFeatures(ctx context.Context, tracks []string, assembly string, span track.Span) ([]track.Data, error) {
	return fetchChunked(ctx, p, tracks,
		func(chunk []string) string { return overlapDigest(assembly, span, chunk, false) },
		func(ctx context.Context, chunk []string) ([]track.Data, error) {
			return p.fetch.Features(ctx, chunk, assembly, span)
		})
}

func (p *Paginator) trackMetadata(ctx context.Context, tracks []string) ([]track.Meta, error) {
	return fetchChunked(ctx, p, tracks, metadataDigest,
		func(ctx context.Context, chunk []string) ([]track.Meta, error) {
			return p.fetch.Metadata(ctx, chunk)
		})
}

// informativeCounts returns the region's informative tracks with their
// counts, cached per assembly and span.
func (p *Paginator) informativeCounts(ctx context.Context, assembly string, span track.Span) ([]track.ResultSize, error) {
	key := cache.Digest(cache.DeriveKey("/external_api/informative_tracks", map[string]any{
		"assembly": assembly,
		"span":     span.String(),
	}))
	cached, ok, err := cache.GetAs[[]track.ResultSize](ctx, p.store, p.codec, key, cache.NamespaceExternalAPI)
	if err != nil {
		p.log.Warn("informative tracks cache read failed", "error", err)
	}
	if ok && err == nil {
		return cached, nil
	}
	counts, err := p.fetch.InformativeCounts(ctx, assembly, span)
	if err != nil {
		return nil, err
	}
	if err := cache.SetAs(ctx, p.store, p.codec, key, counts, cache.NamespaceExternalAPI, cache.TTLDefault); err != nil {
		p.log.Warn("informative tracks cache write failed", "error", err)
	}
	return counts, nil
}

// resolveAssembly looks up metadata for the tracks and requires that all of
// them exist and map to a single genome assembly.
func (p *Paginator) resolveAssembly(ctx context.Context, tracks []string) (string, error) {
	meta, err := p.trackMetadata(ctx, tracks)
	if err != nil {
		return "", err
	}
	known := make(map[string]struct{}, len(meta))
	assemblies := make(map[string]struct{})
	for _, m := range meta {
		known[m.TrackID] = struct{}{}
		if m.Assembly != "" {
			assemblies[m.Assembly] = struct{}{}
		}
	}
	missing := []string{}
	for _, t := range tracks {
		if _, ok := known[t]; !ok {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", niagads_errors.ErrInvalidTrack, strings.Join(missing, ", "))
	}
	if len(assemblies) > 1 {
		return "", fmt.Errorf("%w; please query GRCh37 and GRCh38 data independently",
			niagads_errors.ErrMultipleAssemblies)
	}
	for assembly := range assemblies {
		return assembly, nil
	}
	return "", nil
}

func (p *Paginator) cachedResponse(ctx context.Context, key cache.RequestKey) (*PageResponse, bool) {
	resp, ok, err := cache.GetAs[PageResponse](ctx, p.store, p.codec, key.Digest(), key.Namespace)
	if err != nil {
		p.log.Warn("response cache read failed", "key", key.Internal, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	resp.Cached = true
	return &resp, true
}

func (p *Paginator) cacheResponse(ctx context.Context, key cache.RequestKey, resp *PageResponse) {
	if err := cache.SetAs(ctx, p.store, p.codec, key.Digest(), *resp, key.Namespace, p.responseTTL); err != nil {
		p.log.Warn("response cache write failed", "key", key.Internal, "error", err)
	}
}

// fetchChunked splits tracks into api-sized chunks and resolves each chunk
// through the upstream cache, fetching misses in parallel. Results come
// back flattened in chunk order.
func fetchChunked[T any](ctx context.Context, p *Paginator, tracks []string, key func(chunk []string) string, fetch func(ctx context.Context, chunk []string) ([]T, error)) ([]T, error) {
	chunks := chunkTracks(tracks, p.chunkSize)
	results := make([][]T, len(chunks))

	ctx, cancel := context.WithTimeout(ctx, p.parallelTimeout)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			k := key(chunk)
			cached, ok, err := cache.GetAs[[]T](gctx, p.store, p.codec, k, cache.NamespaceExternalAPI)
			if err != nil {
				p.log.Warn("upstream cache read failed", "key", k, "error", err)
			}
			if ok && err == nil {
				results[i] = cached
				return nil
			}
			fetched, err := fetch(gctx, chunk)
			if err != nil {
				return err
			}
			if err := cache.SetAs(gctx, p.store, p.codec, k, fetched, cache.NamespaceExternalAPI, cache.TTLDefault); err != nil {
				p.log.Warn("upstream cache write failed", "key", k, "error", err)
			}
			results[i] = fetched
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	flat := []T{}
	for _, r := range results {
		flat = append(flat, r...)
	}
	return flat, nil
}

// dataRequestKey derives the response cache key for an explicit track list
// query. Assembly is omitted; the sorted track list determines it.
func dataRequestKey(q Query) cache.RequestKey {
	params := map[string]any{
		"track":   strings.Join(q.Tracks, ","),
		"span":    q.Span.String(),
		"content": q.Content.String(),
		"page":    q.page(),
	}
	if q.PageSize > 0 {
		params["pageSize"] = q.PageSize
	}
	return cache.NewRequestKey("/filer/data", params)
}

// searchRequestKey derives the response cache key for a region search. An
// absent filter renders as a literal null so filtered and unfiltered
// searches never share a key.
func searchRequestKey(q Query) cache.RequestKey {
	var filter any
	if q.FilterIDs != nil {
		ids := make([]string, len(q.FilterIDs))
		copy(ids, q.FilterIDs)
		sort.Strings(ids)
		filter = strings.Join(ids, ",")
	}
	params := map[string]any{
		"assembly": q.Assembly,
		"span":     q.Span.String(),
		"content":  q.Content.String(),
		"page":     q.page(),
		"filter":   filter,
	}
	if q.PageSize > 0 {
		params["pageSize"] = q.PageSize
	}
	return cache.NewRequestKey("/filer/search", params)
}

func overlapDigest(assembly string, span track.Span, tracks []string, countsOnly bool) string {
	return cache.Digest(cache.DeriveKey("/external_api/overlaps", map[string]any{
		"assembly":   assembly,
		"countsOnly": countsOnly,
		"span":       span.String(),
		"tracks":     strings.Join(tracks, ","),
	}))
}

func metadataDigest(tracks []string) string {
	return cache.Digest(cache.DeriveKey("/external_api/metadata", map[string]any{
		"tracks": strings.Join(tracks, ","),
	}))
}

// normalizeTracks trims, dedupes and sorts so every ordering of one track
// set shares one cache key.
func normalizeTracks(tracks []string) []string {
	seen := make(map[string]struct{}, len(tracks))
	out := make([]string, 0, len(tracks))
	for _, t := range tracks {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func chunkTracks(tracks []string, size int) [][]string {
	if size <= 0 {
		size = TracksPerRequest
	}
	chunks := make([][]string, 0, (len(tracks)+size-1)/size)
	for start := 0; start < len(tracks); start += size {
		end := min(start+size, len(tracks))
		chunks = append(chunks, tracks[start:end])
	}
	return chunks
}
