package pipeline

import (
	"testing"

	"github.com/NIAGADS/niagads-pylib-sub000/niagads_errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeepMerge(t *testing.T) {
	base := map[string]any{
		"release": "24",
		"db": map[string]any{
			"host": "localhost",
			"port": 5432,
		},
	}
	override := map[string]any{
		"release": "25",
		"db":      map[string]any{"host": "db.niagads.org"},
		"extra":   true,
	}

	merged := deepMerge(base, override)
	assert.Equal(t, "25", merged["release"])
	assert.Equal(t, true, merged["extra"])
	assert.Equal(t, map[string]any{"host": "db.niagads.org", "port": 5432}, merged["db"])

	// inputs untouched
	assert.Equal(t, "24", base["release"])
	assert.Equal(t, "localhost", base["db"].(map[string]any)["host"])
	assert.Equal(t, map[string]any{"host": "db.niagads.org"}, override["db"])
}

func TestDeepMergeReplacesNonMaps(t *testing.T) {
	base := map[string]any{"tags": []any{"a"}, "n": 1}
	merged := deepMerge(base, map[string]any{"tags": []any{"b", "c"}, "n": map[string]any{"x": 1}})
	assert.Equal(t, []any{"b", "c"}, merged["tags"])
	assert.Equal(t, map[string]any{"x": 1}, merged["n"])
}

func TestInterpolateParams(t *testing.T) {
	scope := map[string]any{"data_dir": "/data", "release": 25}
	params := map[string]any{
		"file":  "${data_dir}/genes_v${release}.txt",
		"plain": "untouched",
		"count": 3,
		"nested": map[string]any{
			"dir": "${data_dir}",
		},
		"list": []any{"${release}", 7, "${data_dir}/x"},
	}

	out, err := interpolateParams(params, scope)
	require.NoError(t, err)
	assert.Equal(t, "/data/genes_v25.txt", out["file"])
	assert.Equal(t, "untouched", out["plain"])
	assert.Equal(t, 3, out["count"])
	assert.Equal(t, map[string]any{"dir": "/data"}, out["nested"])
	assert.Equal(t, []any{"25", 7, "/data/x"}, out["list"])

	// source unchanged
	assert.Equal(t, "${data_dir}/genes_v${release}.txt", params["file"])
}

func TestInterpolateParamsMissingKey(t *testing.T) {
	_, err := interpolateParams(map[string]any{"file": "${nope}/x"}, map[string]any{})
	assert.ErrorIs(t, err, niagads_errors.ErrMissingParam)
	assert.ErrorContains(t, err, "nope")
}

func TestInterpolateParamsMissingKeyInNested(t *testing.T) {
	params := map[string]any{"cfg": map[string]any{"path": "${gone}"}}
	_, err := interpolateParams(params, map[string]any{"other": 1})
	assert.ErrorIs(t, err, niagads_errors.ErrMissingParam)
}
