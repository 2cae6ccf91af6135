package analysis

import (
	"encoding/json"
	"time"

	"observd/internal/epoch"
)

// inspectOp normalizes one raw delta operation. The inspector is
// deliberately narrow: it understands the insert/delete/retain variants
// and tolerates unknown keys and malformed values by returning OpUnknown.
func inspectOp(raw any) Op {
	m, ok := raw.(map[string]any)
	if !ok {
		return Op{Kind: OpUnknown}
	}

	if v, present := m["insert"]; present {
		if s, ok := v.(string); ok {
			return Op{Kind: OpInsert, Insert: s}
		}
		// Embeds (images etc.) count as a one-character insert.
		return Op{Kind: OpInsert, Insert: " "}
	}
	if v, present := m["delete"]; present {
		if n, ok := asInt(v); ok && n > 0 {
			return Op{Kind: OpDelete, Delete: n}
		}
		return Op{Kind: OpUnknown}
	}
	if v, present := m["retain"]; present {
		if n, ok := asInt(v); ok && n > 0 {
			return Op{Kind: OpRetain, Retain: n}
		}
		return Op{Kind: OpUnknown}
	}
	return Op{Kind: OpUnknown}
}

// asInt accepts the number encodings that survive JSON transport.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
		if f, err := n.Float64(); err == nil {
			return int(f), true
		}
	}
	return 0, false
}

// flattenEpoch extracts every operation from an epoch's delta groups in
// order. Groups are objects carrying an "ops" array; anything else is
// skipped.
func flattenEpoch(e *epoch.Epoch) []Op {
	var ops []Op
	for _, group := range e.Deltas {
		g, ok := group.(map[string]any)
		if !ok {
			continue
		}
		rawOps, ok := g["ops"].([]any)
		if !ok {
			continue
		}
		for _, raw := range rawOps {
			op := inspectOp(raw)
			if op.Kind != OpUnknown {
				ops = append(ops, op)
			}
		}
	}
	return ops
}

// preprocess converts the sealed chain (genesis excluded) into epoch
// samples for scoring.
func preprocess(epochs []*epoch.Epoch) []EpochSample {
	if len(epochs) <= 1 {
		return nil
	}

	samples := make([]EpochSample, 0, len(epochs)-1)
	for _, e := range epochs[1:] {
		ops := flattenEpoch(e)

		s := EpochSample{
			EpochNumber: e.EpochNumber,
			Ops:         ops,
			Duration:    e.EpochDuration,
		}
		if ts, err := time.Parse(epoch.TimestampLayout, e.Timestamp); err == nil {
			s.Timestamp = ts
		}
		for _, op := range ops {
			switch op.Kind {
			case OpInsert:
				s.InsertChars += len([]rune(op.Insert))
			case OpDelete:
				s.DeleteOps++
			}
		}
		samples = append(samples, s)
	}
	return samples
}
