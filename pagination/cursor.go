package pagination

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/NIAGADS/niagads-pylib-sub000/niagads_errors"
	"github.com/NIAGADS/niagads-pylib-sub000/track"
	"github.com/NIAGADS/niagads-pylib-sub000/utils"
)

// Cursor is a position inside one page's track subset: the track's index
// within the subset and the feature offset within that track.
type Cursor struct {
	Key    int   `json:"key"`
	Offset int64 `json:"offset"`
}

// TrackCursor delimits exactly one page of the virtual concatenation of
// per-track result streams. Never mutated after construction.
type TrackCursor struct {
	Tracks []string `json:"tracks"`
	Start  Cursor   `json:"start"`
	End    Cursor   `json:"end"`
}

// ComputeCursorTable derives the page-boundary list for tracks already
// sorted by count descending. Boundary i is rendered "trackIndex:offset";
// entry 0 is always "0:0" and the final entry always ends at the last
// track's last record. Returns the table and the total result size.
//
// One boundary per page: the global end offset p*pageSize falls inside the
// first track whose cumulative count exceeds it. Within one track,
// consecutive boundaries advance by pageSize; on entering a new track the
// offset is pageSize minus the records the prior track carried over.
func ComputeCursorTable(sorted []track.ResultSize, pageSize int64) ([]string, int64) {
	if len(sorted) == 0 {
		return []string{"0:0"}, 0
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	counts := make([]int64, len(sorted))
	for i, t := range sorted {
		counts[i] = t.NumResults
	}
	cumulative := utils.CumSum(counts)
	totalResultSize := cumulative[len(cumulative)-1]

	cursors := []string{"0:0"}
	if totalResultSize > pageSize {
		totalPages := utils.CeilDiv(totalResultSize, pageSize)
		var residualRecords, offset int64
		priorTrackIndex := 0
		for p := int64(1); p < totalPages; p++ {
			sliceEnd := p * pageSize
			for index, sum := range cumulative {
				if sum > sliceEnd {
					if priorTrackIndex == index {
						offset += pageSize
					} else {
						offset = pageSize - residualRecords
					}
					cursors = append(cursors, fmt.Sprintf("%d:%d", index, offset))
					residualRecords = sorted[index].NumResults - offset
					priorTrackIndex = index
					break
				}
			}
		}
	}

	// the final page always ends at the last track, last feature
	cursors = append(cursors,
		fmt.Sprintf("%d:%d", len(sorted)-1, sorted[len(sorted)-1].NumResults))

	return cursors, totalResultSize
}

// ParseCursor splits a "trackIndex:offset" boundary. A malformed boundary
// means the cached table is corrupt, so the error is surfaced, not masked.
func ParseCursor(s string) (trackIndex int, offset int64, err error) {
	head, tail, found := strings.Cut(s, ":")
	if !found {
		return 0, 0, fmt.Errorf("%w: %q", niagads_errors.ErrBadCursor, s)
	}
	trackIndex, err = strconv.Atoi(head)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", niagads_errors.ErrBadCursor, s)
	}
	offset, err = strconv.ParseInt(tail, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", niagads_errors.ErrBadCursor, s)
	}
	return trackIndex, offset, nil
}

// PageCursor resolves one page's boundaries from the cursor table into the
// page-local track subset. The end key is relative to the subset because
// the caller only has the subset's data in hand.
func PageCursor(sorted []track.ResultSize, cursors []string, page int64) (TrackCursor, error) {
	if page < 1 || page >= int64(len(cursors)) {
		return TrackCursor{}, fmt.Errorf(
			"%w: page %d outside cursor table of %d boundaries",
			niagads_errors.ErrPageOutOfRange, page, len(cursors))
	}
	startTrackIndex, startOffset, err := ParseCursor(cursors[page-1])
	if err != nil {
		return TrackCursor{}, err
	}
	endTrackIndex, endOffset, err := ParseCursor(cursors[page])
	if err != nil {
		return TrackCursor{}, err
	}
	if startTrackIndex > endTrackIndex || endTrackIndex >= len(sorted) {
		return TrackCursor{}, fmt.Errorf(
			"%w: boundaries %q..%q do not fit %d tracks",
			niagads_errors.ErrBadCursor, cursors[page-1], cursors[page], len(sorted))
	}

	paged := make([]string, 0, endTrackIndex-startTrackIndex+1)
	for _, t := range sorted[startTrackIndex : endTrackIndex+1] {
		paged = append(paged, t.TrackID)
	}
	return TrackCursor{
		Tracks: paged,
		Start:  Cursor{Key: 0, Offset: startOffset},
		End:    Cursor{Key: endTrackIndex - startTrackIndex, Offset: endOffset},
	}, nil
}
