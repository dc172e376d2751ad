// Package track holds the shared data model for FILER track queries.
package track

import (
	"fmt"
	"sort"
)

// ResultSize is the per-track record count reported by the counts API.
// Immutable once fetched.
type ResultSize struct {
	TrackID    string `json:"id" msgpack:"id"`
	NumResults int64  `json:"num_results" msgpack:"num_results"`
}

// Feature is one result record. Keys depend on the upstream track schema;
// the slicer adds the source track under "track_id".
type Feature map[string]any

// Data is one track's fetched feature batch.
type Data struct {
	TrackID  string    `json:"id"`
	Features []Feature `json:"features"`
}

// Span is a genomic region in half-open base coordinates.
type Span struct {
	Chrom string `json:"chrom"`
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

func (s Span) String() string {
	return fmt.Sprintf("%s:%d-%d", s.Chrom, s.Start, s.End)
}

// SortedBySize returns a copy of tracks ordered by NumResults descending.
// The sort is stable so equal-sized tracks keep their incoming order.
func SortedBySize(tracks []ResultSize) []ResultSize {
	sorted := make([]ResultSize, len(tracks))
	copy(sorted, tracks)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].NumResults > sorted[j].NumResults
	})
	return sorted
}

// IDs extracts the track identifiers in order.
func IDs(tracks []ResultSize) []string {
	ids := make([]string, len(tracks))
	for i, t := range tracks {
		ids[i] = t.TrackID
	}
	return ids
}

// TotalResults sums the record counts.
func TotalResults(tracks []ResultSize) int64 {
	var total int64
	for _, t := range tracks {
		total += t.NumResults
	}
	return total
}

// FilterByID keeps the tracks whose id is in ids, preserving track order.
func FilterByID(tracks []ResultSize, ids []string) []ResultSize {
	keep := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
	}
	out := make([]ResultSize, 0, len(tracks))
	for _, t := range tracks {
		if _, ok := keep[t.TrackID]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Meta is the abridged track metadata served by brief and url views.
type Meta struct {
	TrackID     string `json:"id" msgpack:"id"`
	Name        string `json:"name" msgpack:"name"`
	URL         string `json:"url" msgpack:"url"`
	Assembly    string `json:"assembly" msgpack:"assembly"`
	DataSource  string `json:"data_source" msgpack:"data_source"`
	FeatureType string `json:"feature_type" msgpack:"feature_type"`
}

// OverlapSummary pairs a track's metadata with its overlap count.
type OverlapSummary struct {
	Meta       `msgpack:",inline"`
	NumResults int64 `json:"num_results" msgpack:"num_results"`
}

// MergeOverlaps joins metadata and counts by track id and orders the result
// by count descending, the order pagination expects.
func MergeOverlaps(meta []Meta, counts []ResultSize) []OverlapSummary {
	byID := make(map[string]Meta, len(meta))
	for _, m := range meta {
		byID[m.TrackID] = m
	}
	merged := make([]OverlapSummary, 0, len(counts))
	for _, c := range counts {
		merged = append(merged, OverlapSummary{Meta: byID[c.TrackID], NumResults: c.NumResults})
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].NumResults > merged[j].NumResults
	})
	return merged
}
