// Package filer is the HTTP client for the FILER functional genomics
// repository. FILER exposes a handful of endpoints returning JSON; this
// client maps them onto the track data model and implements the fetcher
// the paginator runs against.
package filer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/NIAGADS/niagads-pylib-sub000/track"
	"github.com/NIAGADS/niagads-pylib-sub000/utils"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

var Requests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "niagads",
	Subsystem: "filer",
	Name:      "requests",
}, []string{"endpoint", "result"})

var RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "niagads",
	Subsystem: "filer",
	Name:      "request_duration",
	Buckets:   prometheus.DefBuckets,
}, []string{"endpoint"})

const DefaultBaseURL = "https://tf.lisanwanglab.org/FILER"

// DefaultTimeout bounds one upstream request end to end.
const DefaultTimeout = 60 * time.Second

const (
	endpointOverlaps    = "get_overlaps.php"
	endpointInformative = "get_overlapping_tracks_by_coord.php"
	endpointMetadata    = "get_metadata.php"
	endpointGeneQTLs    = "get_gene_qtls.php"
)

// Counting by fetching and measuring beats the informative track summary
// only for very short track lists.
const directCountThreshold = 3

type Options struct {
	BaseURL string
	Timeout time.Duration
	Client  *http.Client
	Logger  utils.Logger
}

type Client struct {
	base    string
	http    *http.Client
	log     utils.Logger
	latency *utils.AvgVal
}

func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	return &Client{
		base:    strings.TrimRight(opts.BaseURL, "/"),
		http:    opts.Client,
		log:     opts.Logger,
		latency: utils.NewAvgVal(0),
	}
}

// Latency reports the running average upstream request latency.
func (c *Client) Latency() time.Duration {
	return time.Duration(c.latency.Val())
}

type overlapsRecord struct {
	Identifier string          `json:"Identifier"`
	Features   []track.Feature `json:"features"`
}

type informativeRecord struct {
	Identifier  string `json:"Identifier"`
	NumOverlaps int64  `json:"numOverlaps"`
}

type metadataRecord struct {
	Identifier  string `json:"Identifier"`
	TrackName   string `json:"trackName"`
	DataSource  string `json:"data_source"`
	GenomeBuild string `json:"genome_build"`
	FeatureType string `json:"feature_type"`
	DownloadURL string `json:"processed_file_download_url"`
}

// Counts returns per-track overlap counts for the span. Short track lists
// fetch the data and measure it directly; longer lists reuse the region's
// informative track summary, zero-filling requested tracks with no hits.
func (c *Client) Counts(ctx context.Context, tracks []string, assembly string, span track.Span) ([]track.ResultSize, error) {
	if len(tracks) <= directCountThreshold {
		data, err := c.Features(ctx, tracks, assembly, span)
		if err != nil {
			return nil, err
		}
		counts := make([]track.ResultSize, len(data))
		for i, d := range data {
			counts[i] = track.ResultSize{TrackID: d.TrackID, NumResults: int64(len(d.Features))}
		}
		return counts, nil
	}

	informative, err := c.InformativeCounts(ctx, assembly, span)
	if err != nil {
		return nil, err
	}
	requested := make(map[string]struct{}, len(tracks))
	for _, id := range tracks {
		requested[id] = struct{}{}
	}
	counts := make([]track.ResultSize, 0, len(tracks))
	for _, t := range informative {
		if _, ok := requested[t.TrackID]; ok {
			counts = append(counts, t)
			delete(requested, t.TrackID)
		}
	}
	// requested order keeps the zero fills deterministic
	for _, id := range tracks {
		if _, missed := requested[id]; missed {
			counts = append(counts, track.ResultSize{TrackID: id, NumResults: 0})
		}
	}
	return counts, nil
}

// InformativeCounts lists every track with at least one hit in the span,
// with its hit count.
func (c *Client) InformativeCounts(ctx context.Context, assembly string, span track.Span) ([]track.ResultSize, error) {
	records := []informativeRecord{}
	if err := c.get(ctx, endpointInformative, requestParams(assembly, span, nil), &records); err != nil {
		return nil, err
	}
	counts := make([]track.ResultSize, len(records))
	for i, r := range records {
		counts[i] = track.ResultSize{TrackID: r.Identifier, NumResults: r.NumOverlaps}
	}
	return counts, nil
}

// Features fetches every overlapping feature for the tracks in the span.
func (c *Client) Features(ctx context.Context, tracks []string, assembly string, span track.Span) ([]track.Data, error) {
	records := []overlapsRecord{}
	if err := c.get(ctx, endpointOverlaps, requestParams(assembly, span, tracks), &records); err != nil {
		return nil, err
	}
	data := make([]track.Data, len(records))
	for i, r := range records {
		data[i] = track.Data{TrackID: r.Identifier, Features: r.Features}
	}
	return data, nil
}

// Metadata fetches the abridged metadata records for the tracks.
func (c *Client) Metadata(ctx context.Context, tracks []string) ([]track.Meta, error) {
	params := url.Values{"outputFormat": {"json"}}
	params.Set("trackIDs", strings.Join(tracks, ","))
	records := []metadataRecord{}
	if err := c.get(ctx, endpointMetadata, params, &records); err != nil {
		return nil, err
	}
	meta := make([]track.Meta, len(records))
	for i, r := range records {
		meta[i] = track.Meta{
			TrackID:     r.Identifier,
			Name:        r.TrackName,
			URL:         r.DownloadURL,
			Assembly:    assemblyName(r.GenomeBuild),
			DataSource:  r.DataSource,
			FeatureType: r.FeatureType,
		}
	}
	return meta, nil
}

// GeneQTLs fetches a QTL track's hits for one gene. The endpoint takes its
// parameters verbatim and returns a bare feature list.
func (c *Client) GeneQTLs(ctx context.Context, trackID, gene string) (track.Data, error) {
	params := url.Values{}
	params.Set("track", trackID)
	params.Set("gene", gene)
	features := []track.Feature{}
	if err := c.get(ctx, endpointGeneQTLs, params, &features); err != nil {
		return track.Data{}, err
	}
	return track.Data{TrackID: trackID, Features: features}, nil
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	u := c.base + "/" + endpoint + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return errors.Wrap(err, "filer: build request")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	RequestDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
	c.latency.Add(float64(elapsed.Nanoseconds()))
	if err != nil {
		Requests.WithLabelValues(endpoint, "error").Inc()
		return errors.Wrapf(err, "filer: %s request failed", endpoint)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		Requests.WithLabelValues(endpoint, "error").Inc()
		return errors.Wrapf(err, "filer: %s response read failed", endpoint)
	}
	if resp.StatusCode != http.StatusOK {
		Requests.WithLabelValues(endpoint, "error").Inc()
		return errors.Errorf("filer: %s returned %s: %.200s", endpoint, resp.Status, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		Requests.WithLabelValues(endpoint, "error").Inc()
		return errors.Wrapf(err, "filer: cannot decode %s response %.200s", endpoint, string(body))
	}
	Requests.WithLabelValues(endpoint, "ok").Inc()
	return nil
}

// requestParams renders query parameters the way FILER expects them.
func requestParams(assembly string, span track.Span, tracks []string) url.Values {
	params := url.Values{"outputFormat": {"json"}}
	if assembly != "" {
		params.Set("genomeBuild", genomeBuild(assembly))
	}
	if len(tracks) > 0 {
		params.Set("trackIDs", strings.Join(tracks, ","))
	}
	if span.Chrom != "" {
		params.Set("region", span.String())
	}
	return params
}

// genomeBuild maps an assembly name to the genome build label FILER uses.
func genomeBuild(assembly string) string {
	if strings.EqualFold(assembly, "GRCh37") {
		return "hg19"
	}
	return "hg38"
}

func assemblyName(build string) string {
	if strings.EqualFold(build, "hg19") {
		return "GRCh37"
	}
	return "GRCh38"
}
