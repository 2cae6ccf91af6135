package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"observd/internal/epoch"
	"observd/internal/metrics"
	"observd/internal/vdf"
)

const testModulus = "bc975c587f80c63fc038828ed7416a2c0cf209e434494b77096086f47cbafff2" +
	"24d6c853998f3cfb8a8fd1c847b06666561e8ef5adfe5b3e11c09ac7324c4119"

func testComputer(t *testing.T) *vdf.Computer {
	t.Helper()
	c, err := vdf.NewWithModulus(testModulus)
	require.NoError(t, err)
	return c
}

func insertGroup(text string) any {
	return map[string]any{"ops": []any{map[string]any{"insert": text}}}
}

// sealCollector gathers sealed epochs across worker goroutines.
type sealCollector struct {
	mu     sync.Mutex
	sealed []*epoch.Epoch
	signal chan struct{}
}

func newSealCollector() *sealCollector {
	return &sealCollector{signal: make(chan struct{}, 64)}
}

func (c *sealCollector) onSealed(e *epoch.Epoch) {
	c.mu.Lock()
	c.sealed = append(c.sealed, e)
	c.mu.Unlock()
	c.signal <- struct{}{}
}

func (c *sealCollector) waitFor(t *testing.T, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		c.mu.Lock()
		count := len(c.sealed)
		c.mu.Unlock()
		if count >= n {
			return
		}
		select {
		case <-c.signal:
		case <-deadline:
			t.Fatalf("timed out waiting for %d sealed epochs (have %d)", n, count)
		}
	}
}

func (c *sealCollector) epochs() []*epoch.Epoch {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*epoch.Epoch, len(c.sealed))
	copy(out, c.sealed)
	return out
}

// newTestSession builds a session with tiny iterations so epochs seal in
// milliseconds.
func newTestSession(t *testing.T, collector *sealCollector) *Session {
	t.Helper()
	cfg := Config{
		Computer:          testComputer(t),
		TargetSeconds:     0.05,
		InitialIterations: 50,
	}
	if collector != nil {
		cfg.OnSealed = collector.onSealed
	}
	s := New(cfg)
	t.Cleanup(s.Close)
	return s
}

// =============================================================================
// Tests for the seal loop
// =============================================================================

func TestSealsBufferedDeltas(t *testing.T) {
	collector := newSealCollector()
	s := newTestSession(t, collector)

	require.NoError(t, s.RecordDelta(insertGroup("hello ")))
	require.NoError(t, s.RecordDelta(insertGroup("world")))
	require.NoError(t, s.Start())

	collector.waitFor(t, 1, 10*time.Second)

	sealed := collector.epochs()[0]
	assert.Equal(t, uint64(1), sealed.EpochNumber)
	assert.Equal(t, epoch.GenesisHash, sealed.PreviousHash)
	assert.Len(t, sealed.Deltas, 2, "both groups belong to the first epoch")
	assert.NotNil(t, sealed.VDFProof)
}

func TestDeltasArriveInOrder(t *testing.T) {
	collector := newSealCollector()
	s := newTestSession(t, collector)
	require.NoError(t, s.Start())

	texts := []string{"a", "b", "c", "d", "e"}
	for _, text := range texts {
		require.NoError(t, s.RecordDelta(insertGroup(text)))
	}

	collector.waitFor(t, 1, 10*time.Second)

	// All five may land in one epoch or spread over several, but order is
	// preserved across the chain.
	var got []string
	for _, e := range s.Chain().Epochs()[1:] {
		for _, g := range e.Deltas {
			ops := g.(map[string]any)["ops"].([]any)
			got = append(got, ops[0].(map[string]any)["insert"].(string))
		}
	}
	for i, text := range got {
		assert.Equal(t, texts[i], text)
	}
}

func TestEmptyIntervalsDoNotSeal(t *testing.T) {
	collector := newSealCollector()
	s := newTestSession(t, collector)
	require.NoError(t, s.Start())

	// Let several VDF rounds complete with nothing buffered.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, s.Chain().Len(), "idle time should not grow the chain")

	// The loop is still alive: a delta gets sealed.
	require.NoError(t, s.RecordDelta(insertGroup("after idle")))
	collector.waitFor(t, 1, 10*time.Second)
	assert.Equal(t, 2, s.Chain().Len())
}

func TestChainGrowsAndLinks(t *testing.T) {
	collector := newSealCollector()
	s := newTestSession(t, collector)
	require.NoError(t, s.Start())

	require.NoError(t, s.RecordDelta(insertGroup("one")))
	collector.waitFor(t, 1, 10*time.Second)
	require.NoError(t, s.RecordDelta(insertGroup("two")))
	collector.waitFor(t, 2, 10*time.Second)

	chain := s.Chain()
	require.NoError(t, chain.Verify())

	// Each epoch's VDF runs over its previous hash.
	computer := testComputer(t)
	for _, e := range chain.Epochs()[1:] {
		assert.True(t, computer.VerifyProof(e.PreviousHash, e.VDFProof),
			"epoch %d proof should verify against its previous hash", e.EpochNumber)
	}
}

// =============================================================================
// Tests for reset / load / cancellation
// =============================================================================

func TestResetDiscardsEverything(t *testing.T) {
	collector := newSealCollector()
	s := newTestSession(t, collector)
	require.NoError(t, s.Start())

	require.NoError(t, s.RecordDelta(insertGroup("kept")))
	collector.waitFor(t, 1, 10*time.Second)

	require.NoError(t, s.RecordDelta(insertGroup("pending")))
	require.NoError(t, s.Reset())

	assert.Equal(t, 1, s.Chain().Len(), "reset should leave only genesis")
	assert.Equal(t, 0, s.BufferedDeltas(), "reset should clear the buffer")
}

func TestLoadChainReseedsFromTip(t *testing.T) {
	computer := testComputer(t)

	// Build a chain externally.
	source := epoch.NewChain()
	source.Genesis()
	proof, err := computer.ComputeProof(source.Tip().Hash, 40, nil)
	require.NoError(t, err)
	_, err = source.Append([]any{insertGroup("loaded")}, proof, 40, 1.0)
	require.NoError(t, err)

	collector := newSealCollector()
	s := newTestSession(t, collector)
	require.NoError(t, s.Start())
	require.NoError(t, s.LoadChain(source.Epochs()))

	require.NoError(t, s.RecordDelta(insertGroup("continued")))
	collector.waitFor(t, 1, 10*time.Second)

	chain := s.Chain()
	require.GreaterOrEqual(t, chain.Len(), 3)
	assert.Equal(t, source.Epochs()[1].Hash, chain.Epochs()[2].PreviousHash,
		"new epoch should link to the loaded tip")
}

func TestLoadChainRejectsMalformed(t *testing.T) {
	s := newTestSession(t, nil)
	err := s.LoadChain([]*epoch.Epoch{{EpochNumber: 3}})
	assert.Error(t, err)
}

func TestSupersededWorkerIsDropped(t *testing.T) {
	collector := newSealCollector()
	cfg := Config{
		Computer:          testComputer(t),
		TargetSeconds:     5,
		InitialIterations: 2_000_000, // slow on purpose
		OnSealed:          collector.onSealed,
	}
	s := New(cfg)
	t.Cleanup(s.Close)
	require.NoError(t, s.Start())
	require.NoError(t, s.RecordDelta(insertGroup("will be discarded")))

	// Replace the document while the slow worker runs.
	require.NoError(t, s.Reset())
	assert.Equal(t, 1, s.Chain().Len())

	// Give any stray completion a moment to arrive; the chain must not
	// advance with the pre-reset buffer.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, s.Chain().Len())
}

func TestClosedSessionRejectsOperations(t *testing.T) {
	s := newTestSession(t, nil)
	s.Close()

	assert.ErrorIs(t, s.RecordDelta(insertGroup("late")), ErrClosed)
	assert.ErrorIs(t, s.Start(), ErrClosed)
	assert.ErrorIs(t, s.Reset(), ErrClosed)
}

// =============================================================================
// Tests for status reporting
// =============================================================================

func TestStatusStrings(t *testing.T) {
	assert.Equal(t, "calibrating", Status{State: StateCalibrating}.String())
	assert.Equal(t, "sealed", Status{State: StateSealed}.String())
	assert.Equal(t, "idle", Status{State: StateIdle}.String())

	sealing := Status{State: StateSealing, EpochNumber: 4, Percent: 40, RemainingSeconds: 6}
	assert.Equal(t, "sealing epoch 4 (40% computed, 6 seconds remaining)", sealing.String())
}

func TestStatusCallbackFires(t *testing.T) {
	var mu sync.Mutex
	var states []State

	collector := newSealCollector()
	cfg := Config{
		Computer:          testComputer(t),
		TargetSeconds:     0.05,
		InitialIterations: 200,
		OnSealed:          collector.onSealed,
		OnStatus: func(st Status) {
			mu.Lock()
			states = append(states, st.State)
			mu.Unlock()
		},
	}
	s := New(cfg)
	t.Cleanup(s.Close)
	require.NoError(t, s.Start())
	require.NoError(t, s.RecordDelta(insertGroup("status")))

	collector.waitFor(t, 1, 10*time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, StateSealing)
	assert.Contains(t, states, StateSealed)
}

func TestMetricsInstrumentation(t *testing.T) {
	registry := metrics.NewRegistry()
	collector := newSealCollector()
	cfg := Config{
		Computer:          testComputer(t),
		TargetSeconds:     0.05,
		InitialIterations: 50,
		OnSealed:          collector.onSealed,
		Metrics:           registry,
	}
	s := New(cfg)
	t.Cleanup(s.Close)
	require.NoError(t, s.Start())
	require.NoError(t, s.RecordDelta(insertGroup("measured")))

	collector.waitFor(t, 1, 10*time.Second)

	assert.GreaterOrEqual(t, registry.Counter(metrics.EpochsSealed).Value(), 1.0)
	assert.Equal(t, 1.0, registry.Counter(metrics.DeltasBuffered).Value())
}
