// Package stats provides the small numeric toolkit shared by the
// anomaly detectors: mean, population standard deviation, Pearson
// correlation and autocorrelation. All functions return 0 for
// degenerate inputs instead of NaN so callers never have to guard.
package stats

import "math"

// Mean returns the arithmetic mean of values, or 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Variance returns the population variance of values, or 0 for an
// empty slice.
func Variance(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := Mean(values)
	var sum float64
	for _, v := range values {
		d := v - m
		sum += d * d
	}
	return sum / float64(len(values))
}

// StdDev returns the population standard deviation of values.
func StdDev(values []float64) float64 {
	return math.Sqrt(Variance(values))
}

// Pearson returns the Pearson correlation coefficient between x and y.
// Returns 0 when the series lengths differ, are empty, or either series
// has zero variance.
func Pearson(x, y []float64) float64 {
	n := len(x)
	if n == 0 || n != len(y) {
		return 0
	}
	mx, my := Mean(x), Mean(y)
	var cov, vx, vy float64
	for i := 0; i < n; i++ {
		dx := x[i] - mx
		dy := y[i] - my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}
	den := math.Sqrt(vx * vy)
	if den == 0 {
		return 0
	}
	return cov / den
}

// Autocorrelation returns the autocorrelation of values at the given
// lag. Returns 0 when lag <= 0, lag >= len(values), or the series has
// zero variance.
func Autocorrelation(values []float64, lag int) float64 {
	n := len(values)
	if lag <= 0 || lag >= n {
		return 0
	}
	m := Mean(values)
	var num, den float64
	for i := 0; i < n; i++ {
		d := values[i] - m
		den += d * d
	}
	if den == 0 {
		return 0
	}
	for i := lag; i < n; i++ {
		num += (values[i] - m) * (values[i-lag] - m)
	}
	return num / den
}
