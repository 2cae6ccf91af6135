// Package session glues the editor to the epoch chain.
//
// Edit deltas buffer in arrival order while a single VDF worker grinds
// over the current tip hash. When the worker completes, the buffer is
// snapshotted atomically into a new sealed epoch and the next VDF starts
// over the new tip. Empty intervals are discarded: the proof is dropped
// and the worker restarts over the same tip, so idle time never pollutes
// the chain but the clock keeps ticking.
//
// At most one VDF is ever in flight. Workers are cancelled by identity: a
// document switch bumps the generation counter and cancels the context,
// and any message still arriving from a superseded generation is dropped.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"observd/internal/epoch"
	"observd/internal/logging"
	"observd/internal/metrics"
	"observd/internal/vdf"
)

// State is the user-visible session state.
type State int

const (
	// StateIdle means no VDF loop is running.
	StateIdle State = iota
	// StateCalibrating means the cold-start calibration probe is running.
	StateCalibrating
	// StateSealing means a VDF is in flight over the current tip.
	StateSealing
	// StateSealed is reported momentarily after an epoch is appended.
	StateSealed
)

// Status is a point-in-time snapshot for UI consumption.
type Status struct {
	State            State
	EpochNumber      uint64
	Percent          int
	RemainingSeconds float64
}

// String renders the status the way the session reports it to users.
func (s Status) String() string {
	switch s.State {
	case StateCalibrating:
		return "calibrating"
	case StateSealing:
		return fmt.Sprintf("sealing epoch %d (%d%% computed, %.0f seconds remaining)",
			s.EpochNumber, s.Percent, s.RemainingSeconds)
	case StateSealed:
		return "sealed"
	default:
		return "idle"
	}
}

// ErrClosed is returned for operations on a closed session.
var ErrClosed = errors.New("session: closed")

// Config configures a session.
type Config struct {
	// Computer supplies the VDF group. Nil selects the RSA-2048 default.
	Computer *vdf.Computer

	// TargetSeconds is the desired epoch length. Zero selects the default.
	TargetSeconds float64

	// InitialIterations skips cold-start calibration when non-zero.
	InitialIterations uint64

	// OnStatus receives advisory state transitions.
	OnStatus func(Status)

	// OnSealed fires after each epoch is appended.
	OnSealed func(*epoch.Epoch)

	// OnError surfaces VDF computation failures. Cancellation from a
	// document switch is never reported.
	OnError func(error)

	// Logger defaults to the package logger.
	Logger *logging.Logger

	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Registry
}

// Session owns the delta buffer and the chain for one open document.
type Session struct {
	mu sync.Mutex

	cfg      Config
	computer *vdf.Computer
	logger   *logging.Logger

	chain      *epoch.Chain
	buffer     []any
	iterations uint64

	// generation identifies the current worker; completions from older
	// generations are dropped.
	generation uint64
	cancel     context.CancelFunc
	running    bool
	closed     bool
}

// New creates a session with a fresh genesis chain. The VDF loop starts
// with Start.
func New(cfg Config) *Session {
	if cfg.Computer == nil {
		cfg.Computer = vdf.New()
	}
	if cfg.TargetSeconds <= 0 {
		cfg.TargetSeconds = epoch.DefaultTargetSeconds
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	s := &Session{
		cfg:      cfg,
		computer: cfg.Computer,
		logger:   logger.WithComponent("session"),
		chain:    epoch.NewChain(),
	}
	s.chain.Genesis()
	return s
}

// Start calibrates if needed and launches the VDF loop.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.running {
		s.mu.Unlock()
		return nil
	}
	needCalibration := s.cfg.InitialIterations == 0
	if !needCalibration {
		s.iterations = s.cfg.InitialIterations
	}
	s.running = true
	s.mu.Unlock()

	if needCalibration {
		s.notify(Status{State: StateCalibrating})
		iters := epoch.Calibrate(s.computer, s.cfg.TargetSeconds)
		s.mu.Lock()
		s.iterations = iters
		s.mu.Unlock()
		s.logger.Info("calibration complete", "iterations", iters)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawnWorkerLocked()
	return nil
}

// RecordDelta buffers one operation group in arrival order.
func (s *Session) RecordDelta(group any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.buffer = append(s.buffer, group)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.Counter(metrics.DeltasBuffered).Inc()
	}
	return nil
}

// BufferedDeltas returns the number of groups awaiting the next seal.
func (s *Session) BufferedDeltas() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Iterations returns the current per-epoch iteration count.
func (s *Session) Iterations() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iterations
}

// Chain exposes the session's chain. All mutation happens inside the
// session; callers must treat it as read-only.
func (s *Session) Chain() *epoch.Chain {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chain
}

// LoadChain terminates any in-flight worker, replaces the chain with a
// loaded one, clears the buffer, and restarts the loop from the loaded
// tip.
func (s *Session) LoadChain(epochs []*epoch.Epoch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	replacement := epoch.NewChain()
	if err := replacement.Replace(epochs); err != nil {
		return err
	}

	s.terminateWorkerLocked()
	s.chain = replacement
	s.buffer = nil
	if s.running {
		s.spawnWorkerLocked()
	}
	return nil
}

// Reset terminates any in-flight worker and starts over from a fresh
// genesis.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	s.terminateWorkerLocked()
	s.chain = epoch.NewChain()
	s.chain.Genesis()
	s.buffer = nil
	if s.running {
		s.spawnWorkerLocked()
	}
	return nil
}

// Close stops the session permanently.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.terminateWorkerLocked()
	s.closed = true
	s.running = false
}

// terminateWorkerLocked cancels the in-flight worker and invalidates its
// identity so late messages are dropped.
func (s *Session) terminateWorkerLocked() {
	s.generation++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// spawnWorkerLocked launches the next VDF worker over the current tip.
// At most one worker is ever in flight; a live worker handle means a
// restart already happened elsewhere (say, a reset during calibration).
func (s *Session) spawnWorkerLocked() {
	if s.closed || !s.running || s.cancel != nil {
		return
	}

	s.generation++
	gen := s.generation
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	tip := s.chain.Tip()
	input := tip.Hash
	iterations := s.iterations
	epochNumber := tip.EpochNumber + 1
	target := s.cfg.TargetSeconds

	go s.runWorker(ctx, gen, input, iterations, epochNumber, target)
}

// runWorker computes one VDF and hands the result to the completion
// handler. It holds no lock while computing.
func (s *Session) runWorker(ctx context.Context, gen uint64, input string, iterations uint64, epochNumber uint64, target float64) {
	stopTimer := func() float64 { return 0 }
	if s.cfg.Metrics != nil {
		stopTimer = s.cfg.Metrics.Histogram(metrics.VDFComputeSeconds).Timer()
	}

	onProgress := func(percent int) {
		remaining := target * float64(100-percent) / 100
		s.notify(Status{
			State:            StateSealing,
			EpochNumber:      epochNumber,
			Percent:          percent,
			RemainingSeconds: remaining,
		})
	}

	start := time.Now()
	proof, err := s.computer.ComputeProofContext(ctx, input, iterations, onProgress)
	duration := time.Since(start).Seconds()
	stopTimer()

	s.handleCompletion(gen, proof, err, duration)
}

// handleCompletion is the only place the chain advances.
func (s *Session) handleCompletion(gen uint64, proof *vdf.Proof, err error, duration float64) {
	s.mu.Lock()

	// A completion from a superseded worker: the document changed while
	// it ran. Drop it on the floor.
	if gen != s.generation || s.closed {
		s.mu.Unlock()
		return
	}
	s.cancel = nil

	if err != nil {
		s.mu.Unlock()
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Error("vdf computation failed", "error", err)
		if s.cfg.OnError != nil {
			s.cfg.OnError(fmt.Errorf("session: VDF computation error: %w", err))
		}
		return
	}

	if len(s.buffer) == 0 {
		// Idle interval: discard the proof, restart over the same tip.
		s.spawnWorkerLocked()
		s.mu.Unlock()
		return
	}

	snapshot := s.buffer
	s.buffer = nil

	sealed, appendErr := s.chain.Append(snapshot, proof, proof.Iterations, duration)
	if appendErr != nil {
		// Cannot happen with a non-empty snapshot; restore the buffer so
		// the deltas are not lost.
		s.buffer = snapshot
		s.spawnWorkerLocked()
		s.mu.Unlock()
		s.logger.Error("epoch append failed", "error", appendErr)
		return
	}

	s.iterations = epoch.AdjustIterations(duration, s.cfg.TargetSeconds, s.iterations)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.Counter(metrics.EpochsSealed).Inc()
		s.cfg.Metrics.Gauge(metrics.ChainLength).Set(float64(s.chain.Len()))
		s.cfg.Metrics.Gauge(metrics.CurrentIterations).Set(float64(s.iterations))
		s.cfg.Metrics.Histogram(metrics.EpochDurationSeconds).Observe(duration)
	}
	s.spawnWorkerLocked()
	s.mu.Unlock()

	s.logger.Info("epoch sealed",
		"epoch", sealed.EpochNumber,
		"deltas", len(snapshot),
		"duration_sec", duration,
	)
	s.notify(Status{State: StateSealed, EpochNumber: sealed.EpochNumber, Percent: 100})
	if s.cfg.OnSealed != nil {
		s.cfg.OnSealed(sealed)
	}
}

// notify delivers a status update, swallowing listener panics.
func (s *Session) notify(status Status) {
	if s.cfg.OnStatus == nil {
		return
	}
	defer func() { _ = recover() }()
	s.cfg.OnStatus(status)
}
