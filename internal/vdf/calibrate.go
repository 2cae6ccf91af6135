package vdf

import (
	"math/big"
	"time"
)

// Benchmark measures squaring throughput over approximately the given
// duration and returns iterations per second. Squarings run in batches to
// keep clock reads off the hot path.
func (c *Computer) Benchmark(duration time.Duration) float64 {
	if duration <= 0 {
		duration = 500 * time.Millisecond
	}

	y := c.HashToGroup("observd-benchmark-v1")
	acc := new(big.Int).Set(y)

	const batch = 256
	iterations := uint64(0)
	start := time.Now()
	deadline := start.Add(duration)

	for time.Now().Before(deadline) {
		for i := 0; i < batch; i++ {
			acc.Mul(acc, acc)
			acc.Mod(acc, c.modulus)
		}
		iterations += batch
	}

	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(iterations) / elapsed
}

// EstimateIterations converts a wall-clock target in seconds into an
// iteration count for this machine and modulus. The first call on a
// Computer bootstraps its rate from a short benchmark run; the rate is
// cached per Computer, since squaring cost depends on the modulus width.
func (c *Computer) EstimateIterations(seconds float64) uint64 {
	c.benchOnce.Do(func() {
		c.benchRate = c.Benchmark(500 * time.Millisecond)
	})

	if seconds <= 0 || c.benchRate <= 0 {
		return 0
	}
	return uint64(seconds * c.benchRate)
}
