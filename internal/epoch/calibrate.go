package epoch

import (
	"time"

	"observd/internal/vdf"
)

// DefaultTargetSeconds is the wall-clock length an epoch aims for.
const DefaultTargetSeconds = 10.0

// AdjustmentBand is the relative deviation from target tolerated before
// the iteration count is retuned.
const AdjustmentBand = 0.2

// CalibrationIterations is the probe size for cold-start calibration.
const CalibrationIterations = 10000

// FallbackIterations is used when the calibration probe fails.
const FallbackIterations = 100000

// AdjustIterations retunes the per-epoch iteration count after an epoch
// took lastDuration seconds against a target. Inside the +/-20% band the
// count is left alone; outside it, the proportional correction is averaged
// with the current value so a single outlier epoch cannot yank the clock.
func AdjustIterations(lastDuration, target float64, current uint64) uint64 {
	if lastDuration <= 0 || target <= 0 || current == 0 {
		return current
	}

	deviation := lastDuration - target
	if deviation < 0 {
		deviation = -deviation
	}
	if deviation <= AdjustmentBand*target {
		return current
	}

	proposed := uint64(float64(current) * target / lastDuration)
	return (current + proposed) / 2
}

// Calibrate measures the machine's squaring throughput with one short VDF
// run and returns the iteration count matching targetSeconds. A failed or
// implausible probe falls back to a fixed count rather than stalling the
// session.
func Calibrate(computer *vdf.Computer, targetSeconds float64) uint64 {
	if targetSeconds <= 0 {
		targetSeconds = DefaultTargetSeconds
	}

	start := time.Now()
	_, err := computer.ComputeProof("observd-calibration-v1", CalibrationIterations, nil)
	elapsed := time.Since(start).Seconds()

	if err != nil || elapsed <= 0 {
		return FallbackIterations
	}

	perSecond := float64(CalibrationIterations) / elapsed
	iterations := uint64(perSecond * targetSeconds)
	if iterations == 0 {
		return FallbackIterations
	}
	return iterations
}
