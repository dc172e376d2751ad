package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCumSum(t *testing.T) {
	assert.Equal(t, []int64{1000, 1400, 1450}, CumSum([]int64{1000, 400, 50}))
	assert.Equal(t, []int{7}, CumSum([]int{7}))
	assert.Equal(t, []int{}, CumSum([]int{}))
}

func TestCeilDiv(t *testing.T) {
	assert.Equal(t, int64(5), CeilDiv[int64](1450, 300))
	assert.Equal(t, int64(1), CeilDiv[int64](300, 300))
	assert.Equal(t, int64(2), CeilDiv[int64](301, 300))
	assert.Equal(t, int64(0), CeilDiv[int64](0, 300))
}
