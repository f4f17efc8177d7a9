package stats

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestMean(t *testing.T) {
	if got := Mean(nil); got != 0 {
		t.Fatalf("mean of empty = %v, want 0", got)
	}
	if got := Mean([]float64{2, 4, 6}); !almostEqual(got, 4) {
		t.Fatalf("mean = %v, want 4", got)
	}
}

func TestStdDevPopulation(t *testing.T) {
	// population std of {2,4,4,4,5,5,7,9} is exactly 2
	got := StdDev([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	if !almostEqual(got, 2) {
		t.Fatalf("stddev = %v, want 2", got)
	}
	if got := StdDev([]float64{3, 3, 3}); got != 0 {
		t.Fatalf("stddev of constant = %v, want 0", got)
	}
	if got := StdDev(nil); got != 0 {
		t.Fatalf("stddev of empty = %v, want 0", got)
	}
}

func TestPearson(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5}
	up := []float64{2, 4, 6, 8, 10}
	down := []float64{10, 8, 6, 4, 2}

	if got := Pearson(x, up); !almostEqual(got, 1) {
		t.Fatalf("perfect positive correlation = %v, want 1", got)
	}
	if got := Pearson(x, down); !almostEqual(got, -1) {
		t.Fatalf("perfect negative correlation = %v, want -1", got)
	}
	if got := Pearson(x, []float64{7, 7, 7, 7, 7}); got != 0 {
		t.Fatalf("correlation against constant = %v, want 0", got)
	}
	if got := Pearson(x, []float64{1, 2}); got != 0 {
		t.Fatalf("mismatched lengths = %v, want 0", got)
	}
}

func TestAutocorrelation(t *testing.T) {
	// period-4 sawtooth correlates strongly with itself at lag 4
	series := make([]float64, 40)
	for i := range series {
		series[i] = float64(i % 4)
	}
	at4 := Autocorrelation(series, 4)
	at3 := Autocorrelation(series, 3)
	if at4 <= math.Abs(at3) {
		t.Fatalf("lag-4 autocorrelation %v not dominant over lag-3 %v", at4, at3)
	}

	if got := Autocorrelation(series, 0); got != 0 {
		t.Fatalf("lag 0 = %v, want 0", got)
	}
	if got := Autocorrelation(series, len(series)); got != 0 {
		t.Fatalf("lag >= len = %v, want 0", got)
	}
	if got := Autocorrelation([]float64{5, 5, 5, 5}, 1); got != 0 {
		t.Fatalf("constant series = %v, want 0", got)
	}
}
