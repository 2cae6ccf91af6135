// Package epoch maintains the linear hash-chain of sealed writing epochs.
//
// Each epoch binds the edit operations captured during one interval to a
// VDF proof computed over the previous epoch's hash. The chain is
// append-only: once an epoch is hashed it is never mutated, and every
// later link commits to it transitively.
package epoch

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"observd/internal/canonical"
	"observd/internal/vdf"
)

// GenesisHash is the fixed hash of epoch 0: 64 hex zeros.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// TimestampLayout is the ISO-8601 form used for epoch and envelope
// timestamps.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Errors
var (
	ErrEmptyDeltas  = errors.New("epoch: refusing to seal an epoch with no deltas")
	ErrNoGenesis    = errors.New("epoch: chain has no genesis")
	ErrMissingProof = errors.New("epoch: missing VDF proof")
)

// Epoch is one sealed interval of the writing timeline. Field order
// matches the portable document format.
type Epoch struct {
	EpochNumber   uint64     `json:"epochNumber"`
	PreviousHash  string     `json:"previousHash,omitempty"`
	Deltas        []any      `json:"deltas,omitempty"`
	VDFProof      *vdf.Proof `json:"vdfProof,omitempty"`
	Iterations    uint64     `json:"iterations,omitempty"`
	EpochDuration float64    `json:"epochDuration,omitempty"`
	Timestamp     string     `json:"timestamp"`
	Hash          string     `json:"hash"`
}

// IsGenesis reports whether the epoch is a well-formed genesis record.
func (e *Epoch) IsGenesis() bool {
	return e.EpochNumber == 0 && e.Hash == GenesisHash &&
		e.PreviousHash == "" && len(e.Deltas) == 0 && e.VDFProof == nil
}

// HashInput builds the canonical value whose SHA-256 is the epoch hash.
// Only the chain-critical fields participate: epochNumber, previousHash,
// deltas, the VDF output y, and the iteration count. pi/l/r, duration and
// timestamp are auxiliary and deliberately excluded.
func (e *Epoch) HashInput() canonical.Obj {
	deltas := e.Deltas
	if deltas == nil {
		deltas = []any{}
	}
	return canonical.Obj{
		{Key: "epochNumber", Value: e.EpochNumber},
		{Key: "previousHash", Value: e.PreviousHash},
		{Key: "deltas", Value: deltas},
		{Key: "vdfY", Value: e.VDFProof.Y},
		{Key: "iterations", Value: e.Iterations},
	}
}

// ComputeHash returns the canonical hash of a non-genesis epoch.
func (e *Epoch) ComputeHash() (string, error) {
	if e.VDFProof == nil {
		return "", ErrMissingProof
	}
	return canonical.SHA256Hex(e.HashInput())
}

// Chain is the in-memory epoch chain for a single document.
type Chain struct {
	epochs []*Epoch
}

// NewChain returns an empty chain. Call Genesis before appending.
func NewChain() *Chain {
	return &Chain{}
}

// Genesis resets the chain to a single genesis epoch and returns it.
func (c *Chain) Genesis() *Epoch {
	g := &Epoch{
		EpochNumber: 0,
		Hash:        GenesisHash,
		Timestamp:   time.Now().UTC().Format(TimestampLayout),
	}
	c.epochs = []*Epoch{g}
	return g
}

// Append seals the next epoch from the buffered deltas and a completed VDF
// proof, computes its hash, and links it onto the chain. Empty delta sets
// are rejected; the session layer skips those epochs instead.
func (c *Chain) Append(deltas []any, proof *vdf.Proof, iterations uint64, duration float64) (*Epoch, error) {
	if len(c.epochs) == 0 {
		return nil, ErrNoGenesis
	}
	if len(deltas) == 0 {
		return nil, ErrEmptyDeltas
	}
	if proof == nil {
		return nil, ErrMissingProof
	}

	tip := c.Tip()
	e := &Epoch{
		EpochNumber:   tip.EpochNumber + 1,
		PreviousHash:  tip.Hash,
		Deltas:        deltas,
		VDFProof:      proof,
		Iterations:    iterations,
		EpochDuration: duration,
		Timestamp:     time.Now().UTC().Format(TimestampLayout),
	}

	hash, err := e.ComputeHash()
	if err != nil {
		return nil, err
	}
	e.Hash = hash

	c.epochs = append(c.epochs, e)
	return e, nil
}

// Tip returns the last epoch, or nil for an empty chain.
func (c *Chain) Tip() *Epoch {
	if len(c.epochs) == 0 {
		return nil
	}
	return c.epochs[len(c.epochs)-1]
}

// Len returns the number of epochs including genesis.
func (c *Chain) Len() int {
	return len(c.epochs)
}

// Epochs returns the underlying epoch slice. Callers must treat it as
// read-only; sealed epochs are never mutated.
func (c *Chain) Epochs() []*Epoch {
	return c.epochs
}

// TotalDuration sums epochDuration across all epochs.
func (c *Chain) TotalDuration() float64 {
	var total float64
	for _, e := range c.epochs {
		total += e.EpochDuration
	}
	return total
}

// Replace swaps in a loaded epoch sequence after a structural sanity walk.
// Full cryptographic verification is the verifier's job; Replace only
// refuses chains that are not even shaped like chains.
func (c *Chain) Replace(epochs []*Epoch) error {
	if len(epochs) == 0 {
		return ErrNoGenesis
	}
	if !epochs[0].IsGenesis() {
		return fmt.Errorf("epoch: epoch 0 is not a genesis record")
	}
	for i := 1; i < len(epochs); i++ {
		if epochs[i].EpochNumber != uint64(i) {
			return fmt.Errorf("epoch: epoch %d carries number %d", i, epochs[i].EpochNumber)
		}
		if epochs[i].PreviousHash != epochs[i-1].Hash {
			return fmt.Errorf("epoch: epoch %d does not link to its predecessor", i)
		}
	}
	c.epochs = epochs
	return nil
}

// Verify walks the chain checking linkage and recomputing hashes. It does
// not re-verify VDF proofs; that belongs to the verifier, which also
// accumulates rather than short-circuits.
func (c *Chain) Verify() error {
	if len(c.epochs) == 0 {
		return ErrNoGenesis
	}
	if !c.epochs[0].IsGenesis() {
		return errors.New("epoch: invalid genesis")
	}

	for i := 1; i < len(c.epochs); i++ {
		e := c.epochs[i]
		if e.PreviousHash != c.epochs[i-1].Hash {
			return fmt.Errorf("epoch %d: broken chain link", i)
		}
		computed, err := e.ComputeHash()
		if err != nil {
			return fmt.Errorf("epoch %d: %w", i, err)
		}
		if computed != e.Hash {
			return fmt.Errorf("epoch %d: hash mismatch", i)
		}
	}
	return nil
}

// IsHexHash reports whether s looks like a 32-byte lowercase hex digest.
func IsHexHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}
