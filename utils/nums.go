package utils

import "golang.org/x/exp/constraints"

// CumSum returns the running totals of xs: out[i] = xs[0] + ... + xs[i].
func CumSum[T constraints.Integer](xs []T) []T {
	out := make([]T, len(xs))
	var sum T
	for i, x := range xs {
		sum += x
		out[i] = sum
	}
	return out
}

// CeilDiv returns ceil(a/b) for positive b.
func CeilDiv[T constraints.Integer](a, b T) T {
	return (a + b - 1) / b
}
