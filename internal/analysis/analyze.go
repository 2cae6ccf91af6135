package analysis

import (
	"fmt"
	"sort"

	"observd/internal/epoch"
)

// Analyze scores a sealed chain. The genesis epoch is skipped; an empty
// or genesis-only chain yields a neutral report with no metrics.
func Analyze(epochs []*epoch.Epoch) *Report {
	samples := preprocess(epochs)
	if len(samples) == 0 {
		return &Report{
			HumanScore: 0.5,
			Details:    map[string]any{"anomalyReason": "Insufficient data."},
			Metrics:    map[string]float64{},
		}
	}

	// Short-circuits: gross machine signatures override all scoring.
	for i := range samples {
		if len(samples[i].Ops) > MaxOpsPerEpoch {
			return shortCircuit(EditStormScore, ReasonEditStorm, AnomalyEditStorm, samples[i].EpochNumber)
		}
		for _, op := range samples[i].Ops {
			if op.Kind == OpInsert && len([]rune(op.Insert)) > MaxInsertLength {
				return shortCircuit(LargePasteScore, ReasonLargePaste, AnomalyLargePaste, samples[i].EpochNumber)
			}
		}
	}

	components := map[string]float64{
		ComponentMicroBursts:       scoreMicroBursts(samples),
		ComponentRevisionCoherence: scoreRevisionCoherence(samples),
		ComponentMomentum:          scoreMomentum(samples),
		ComponentSemanticCoherence: scoreSemanticCoherence(samples),
		ComponentCrossEpoch:        scoreCrossEpochConsistency(samples),
		ComponentBurstVariance:     scoreBurstVariance(samples),
		ComponentPauseRatio:        scorePauseRatio(samples),
		ComponentEditTypeEntropy:   scoreEditTypeEntropy(samples),
		ComponentSpeed:             scoreSpeed(samples),
	}

	score := components[ComponentMicroBursts]*weightMicroBursts +
		components[ComponentRevisionCoherence]*weightRevisionCoherence +
		components[ComponentMomentum]*weightMomentum +
		components[ComponentSemanticCoherence]*weightSemanticCoherence +
		components[ComponentCrossEpoch]*weightCrossEpoch +
		components[ComponentBurstVariance]*weightBurstVariance +
		components[ComponentPauseRatio]*weightPauseRatio +
		components[ComponentEditTypeEntropy]*weightEditTypeEntropy +
		components[ComponentSpeed]*weightSpeed

	details := make(map[string]any, len(components))
	for name, value := range components {
		details[name] = value
	}

	return &Report{
		HumanScore: clamp01(score),
		Details:    details,
		Metrics:    collectMetrics(samples),
		Anomalies:  detectAnomalies(samples),
	}
}

func shortCircuit(score float64, reason string, kind AnomalyType, epochNumber uint64) *Report {
	return &Report{
		HumanScore: score,
		Details:    map[string]any{"anomalyReason": reason},
		Metrics:    map[string]float64{},
		Anomalies: []Anomaly{{
			EpochNumber: epochNumber,
			Type:        kind,
			Description: reason,
			Severity:    SeverityAlert,
		}},
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// collectMetrics summarizes the raw quantities behind the scores.
func collectMetrics(samples []EpochSample) map[string]float64 {
	var ops, inserts, deletes, chars int
	var seconds float64
	for i := range samples {
		s := &samples[i]
		ops += len(s.Ops)
		deletes += s.DeleteOps
		chars += s.InsertChars
		seconds += s.Duration
		for _, op := range s.Ops {
			if op.Kind == OpInsert {
				inserts++
			}
		}
	}

	m := map[string]float64{
		"epochCount":       float64(len(samples)),
		"totalOperations":  float64(ops),
		"insertOperations": float64(inserts),
		"deleteOperations": float64(deletes),
		"insertedChars":    float64(chars),
		"totalSeconds":     seconds,
	}
	if seconds > 0 {
		m["charsPerSecond"] = float64(chars) / seconds
	}
	return m
}

// Anomaly thresholds.
const (
	gapFactor        = 3.0  // epoch duration vs median
	velocityCutoff   = 30.0 // chars/sec
	entropyCutoff    = 0.15 // normalized edit-type entropy
	minEpochsForGaps = 3
	minOpsForEntropy = 20 // small epochs are legitimately uniform
)

// detectAnomalies flags per-epoch irregularities worth a reviewer's eye.
// These annotate the report; they do not move the score.
func detectAnomalies(samples []EpochSample) []Anomaly {
	var anomalies []Anomaly

	if len(samples) >= minEpochsForGaps {
		durations := make([]float64, 0, len(samples))
		for i := range samples {
			if samples[i].Duration > 0 {
				durations = append(durations, samples[i].Duration)
			}
		}
		med := median(durations)
		if med > 0 {
			for i := range samples {
				if samples[i].Duration > gapFactor*med {
					anomalies = append(anomalies, Anomaly{
						EpochNumber: samples[i].EpochNumber,
						Type:        AnomalyGap,
						Description: fmt.Sprintf("epoch ran %.1fx the median duration", samples[i].Duration/med),
						Severity:    SeverityInfo,
					})
				}
			}
		}
	}

	for i := range samples {
		s := &samples[i]
		if s.Duration > 0 && float64(s.InsertChars)/s.Duration > velocityCutoff {
			anomalies = append(anomalies, Anomaly{
				EpochNumber: s.EpochNumber,
				Type:        AnomalyHighVelocity,
				Description: fmt.Sprintf("%.0f chars/sec exceeds plausible typing speed", float64(s.InsertChars)/s.Duration),
				Severity:    SeverityWarning,
			})
		}
	}

	for i := range samples {
		s := &samples[i]
		if len(s.Ops) < minOpsForEntropy {
			continue
		}
		if entropy := editTypeEntropy(s.Ops); entropy < entropyCutoff {
			anomalies = append(anomalies, Anomaly{
				EpochNumber: s.EpochNumber,
				Type:        AnomalyLowEntropy,
				Description: fmt.Sprintf("operation-type entropy %.2f across %d ops suggests generated edits", entropy, len(s.Ops)),
				Severity:    SeverityInfo,
			})
		}
	}

	return anomalies
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}
