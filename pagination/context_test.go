package pagination

import (
	"testing"

	"github.com/NIAGADS/niagads-pylib-sub000/niagads_errors"
	"github.com/stretchr/testify/assert"
)

func TestNewContextComputesTotalPages(t *testing.T) {
	ctx, err := NewContext(1, 300, 1450)
	assert.NoError(t, err)
	assert.Equal(t, int64(5), ctx.TotalPages)
	assert.Equal(t, int64(300), ctx.PageSize)
	assert.Equal(t, int64(1450), ctx.TotalResultSize)
}

func TestNewContextRejectsPageOutOfRange(t *testing.T) {
	_, err := NewContext(6, 300, 1450)
	assert.ErrorIs(t, err, niagads_errors.ErrPageOutOfRange)

	_, err = NewContext(0, 300, 1450)
	assert.ErrorIs(t, err, niagads_errors.ErrPageOutOfRange)
}

func TestNewContextEmptyResultHasOnePage(t *testing.T) {
	ctx, err := NewContext(1, 300, 0)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), ctx.TotalPages)

	_, err = NewContext(2, 300, 0)
	assert.ErrorIs(t, err, niagads_errors.ErrPageOutOfRange)
}

func TestNewContextDefaultsPageSize(t *testing.T) {
	ctx, err := NewContext(1, 0, 12000)
	assert.NoError(t, err)
	assert.Equal(t, int64(DefaultPageSize), ctx.PageSize)
	assert.Equal(t, int64(3), ctx.TotalPages)
}

func TestValidateResultSizeCap(t *testing.T) {
	assert.NoError(t, ValidateResultSize(DefaultPageSize*MaxNumPages, 0))

	err := ValidateResultSize(DefaultPageSize*MaxNumPages+1, 0)
	assert.ErrorIs(t, err, niagads_errors.ErrResultTooLarge)
}

func TestPageRangeClampsFinalPage(t *testing.T) {
	ctx, err := NewContext(3, 3, 7)
	assert.NoError(t, err)
	assert.Equal(t, Range{Start: 6, End: 7}, ctx.PageRange())
	assert.Equal(t, Range{Start: 0, End: 3}, ctx.RangeFor(1))
}

func TestOffset(t *testing.T) {
	ctx, err := NewContext(3, 100, 1000)
	assert.NoError(t, err)
	assert.Equal(t, int64(200), ctx.Offset())
}
