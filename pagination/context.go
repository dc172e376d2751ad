package pagination

import (
	"fmt"

	"github.com/NIAGADS/niagads-pylib-sub000/niagads_errors"
	"github.com/NIAGADS/niagads-pylib-sub000/utils"
)

const (
	DefaultPageSize = 5000
	MaxNumPages     = 100
)

// Context is the immutable pagination state for one request. It is built
// once from the requested page and the known result size, validated at
// construction, and passed by value from there on.
type Context struct {
	Page            int64
	PageSize        int64
	TotalResultSize int64
	TotalPages      int64
}

// ValidateResultSize rejects result sets that would exceed the page cap
// before any boundary computation happens.
func ValidateResultSize(totalResultSize, pageSize int64) error {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if utils.CeilDiv(totalResultSize, pageSize) > MaxNumPages {
		return fmt.Errorf(
			"%w: result size (%d) is too large; filter for fewer tracks or narrow the queried genomic region",
			niagads_errors.ErrResultTooLarge, totalResultSize)
	}
	return nil
}

// NewContext validates the requested page against the result size.
func NewContext(page, pageSize, totalResultSize int64) (Context, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if err := ValidateResultSize(totalResultSize, pageSize); err != nil {
		return Context{}, err
	}
	totalPages := utils.CeilDiv(totalResultSize, pageSize)
	if totalPages < 1 {
		totalPages = 1
	}
	if page < 1 || page > totalPages {
		return Context{}, fmt.Errorf(
			"%w: requested page %d; this query generates a maximum of %d page(s)",
			niagads_errors.ErrPageOutOfRange, page, totalPages)
	}
	return Context{
		Page:            page,
		PageSize:        pageSize,
		TotalResultSize: totalResultSize,
		TotalPages:      totalPages,
	}, nil
}

// Range is a half-open slice window into a flat result list.
type Range struct {
	Start int64
	End   int64
}

// PageRange returns the window covered by the context's page.
func (c Context) PageRange() Range {
	return c.RangeFor(c.Page)
}

// RangeFor returns the window covered by any page under this context.
func (c Context) RangeFor(page int64) Range {
	start := (page - 1) * c.PageSize
	end := start + c.PageSize
	if end > c.TotalResultSize {
		end = c.TotalResultSize
	}
	return Range{Start: start, End: end}
}

// Offset is the SQL-style row offset of the page.
func (c Context) Offset() int64 {
	return (c.Page - 1) * c.PageSize
}
