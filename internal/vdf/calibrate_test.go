package vdf

import (
	"testing"
	"time"
)

func TestBenchmark(t *testing.T) {
	c := testComputer(t)

	rate := c.Benchmark(100 * time.Millisecond)
	if rate <= 0 {
		t.Error("benchmark rate should be positive")
	}
}

func TestBenchmarkConsistency(t *testing.T) {
	c := testComputer(t)

	rate1 := c.Benchmark(150 * time.Millisecond)
	rate2 := c.Benchmark(150 * time.Millisecond)

	// Allow generous variance for system noise.
	ratio := rate1 / rate2
	if ratio < 0.3 || ratio > 3.0 {
		t.Errorf("benchmark inconsistent: %.0f vs %.0f squarings/sec", rate1, rate2)
	}
}

func TestEstimateIterations(t *testing.T) {
	c := testComputer(t)

	ten := c.EstimateIterations(10)
	five := c.EstimateIterations(5)

	if ten == 0 || five == 0 {
		t.Fatal("estimates should be positive")
	}
	if ten <= five {
		t.Error("longer target should estimate more iterations")
	}
}

func TestEstimateIterationsPerComputer(t *testing.T) {
	// Each Computer calibrates against its own modulus: squaring in the
	// 2048-bit group is far slower than in the 512-bit test group, so the
	// small group must estimate more iterations for the same wall time.
	small := testComputer(t)
	large := New()

	smallEst := small.EstimateIterations(5)
	largeEst := large.EstimateIterations(5)

	if smallEst == 0 || largeEst == 0 {
		t.Fatal("estimates should be positive")
	}
	if smallEst <= largeEst {
		t.Errorf("512-bit estimate (%d) should exceed 2048-bit estimate (%d)",
			smallEst, largeEst)
	}
}

func TestEstimateIterationsZeroSeconds(t *testing.T) {
	c := testComputer(t)
	if got := c.EstimateIterations(0); got != 0 {
		t.Errorf("zero seconds should estimate 0 iterations, got %d", got)
	}
}
