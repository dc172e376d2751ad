package pagination

import "github.com/NIAGADS/niagads-pylib-sub000/track"

// TrackIDKey is the attribute the slicer adds to every emitted feature.
const TrackIDKey = "track_id"

// Slice applies the page cursor to the fetched per-track batches and
// returns the flat page. Batches may arrive in any order; they are walked
// in cursor track order. Only the first track is truncated from the front
// and only the last from the back; every middle track contributes in full.
// Offsets are clamped to the data actually fetched.
func Slice(cursor TrackCursor, data []track.Data) []track.Feature {
	byID := make(map[string][]track.Feature, len(data))
	for _, d := range data {
		byID[d.TrackID] = d.Features
	}

	result := []track.Feature{}
	for trackIndex, id := range cursor.Tracks {
		features := byID[id]
		start, end := 0, len(features)
		if trackIndex == cursor.Start.Key {
			start = clamp(cursor.Start.Offset, len(features))
		}
		if trackIndex == cursor.End.Key {
			end = clamp(cursor.End.Offset, len(features))
		}
		if start > end {
			start = end
		}
		for _, f := range features[start:end] {
			f[TrackIDKey] = id
			result = append(result, f)
		}
	}
	return result
}

func clamp(offset int64, n int) int {
	if offset < 0 {
		return 0
	}
	if offset > int64(n) {
		return n
	}
	return int(offset)
}
