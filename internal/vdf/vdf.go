// Package vdf implements a Wesolowski-style Verifiable Delay Function over
// an RSA group of unknown order.
//
// The evaluator computes y = x^(2^T) mod N by T sequential modular
// squarings. Because the group order is unknown, the squarings cannot be
// shortcut, so a valid output attests that real sequential work - and
// therefore real wall-clock time - was spent. The accompanying proof
// (Wesolowski, 2019) lets a verifier check the output with O(log T) modular
// multiplications instead of repeating the squarings.
package vdf

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"sync"
)

// RSA2048Modulus is the RSA-2048 challenge modulus in lowercase hex.
// No factorization of this number is known.
const RSA2048Modulus = "c7970ceedcc3b0754490201a7aa613cd73911081c790f5f1a8726f463550bb5" +
	"b7ff0db8e1ea1189ec72f93d1650011bd721aeeacc2acde32a04107f0648c281" +
	"3a31f5b0b7765ff8b44b4b6ffc93384b646eb09c7cf5e8592d40ea33c80039f3" +
	"5b4f14a04b51f7bfd781be4d1673164ba8eb991c2c4d730bbbe35f592bdef524" +
	"af7e8daefd26c66fc02c479af89d64d373f442709439de66ceb955f3ea37d515" +
	"9f6135809f85334b5cb1813addc80cd05609f10ac6a95ad65872c909525bdad3" +
	"2bc729592642920f24c61dc5b3c3b7923e56b16a4d9d373d8721f24a3fc0f1b3" +
	"131f55615172866bccc30f95054c824e733a5eb6817f7bc16399d48c6361cc7e5"

// groupByteLen is the fixed serialization width for group elements fed to
// the challenge hash. 256 bytes covers any element mod a 2048-bit modulus.
const groupByteLen = 256

// challengeDomainSep separates x from y inside the challenge hash input.
const challengeDomainSep byte = 0x01

// Errors
var (
	ErrInvalidModulus = errors.New("vdf: invalid modulus")
	ErrInvalidProof   = errors.New("vdf: malformed proof")
)

// Proof is a sealed Wesolowski proof. All integers serialize as lowercase
// hex without prefix. A Proof is never mutated after ComputeProof returns it.
type Proof struct {
	// Y is the VDF output y = x^(2^T) mod N.
	Y string `json:"y"`

	// Pi is the Wesolowski proof value pi = x^q mod N where 2^T = q*l + r.
	Pi string `json:"pi"`

	// L is the prime challenge derived from HashToPrime(x || y).
	L string `json:"l"`

	// R is the remainder 2^T mod l.
	R string `json:"r"`

	// Iterations is the time parameter T.
	Iterations uint64 `json:"iterations"`
}

// Computer evaluates and verifies VDFs over a fixed modulus.
type Computer struct {
	modulus *big.Int

	// Lazily measured squaring rate for EstimateIterations.
	benchOnce sync.Once
	benchRate float64
}

// New creates a Computer using the RSA-2048 challenge modulus.
func New() *Computer {
	n, ok := new(big.Int).SetString(RSA2048Modulus, 16)
	if !ok {
		panic("vdf: built-in modulus failed to parse")
	}
	return &Computer{modulus: n}
}

// NewWithModulus creates a Computer over a caller-supplied modulus given as
// a hex string. The modulus must be a positive odd integer.
func NewWithModulus(modulusHex string) (*Computer, error) {
	n, ok := new(big.Int).SetString(modulusHex, 16)
	if !ok {
		return nil, fmt.Errorf("%w: not a hex integer", ErrInvalidModulus)
	}
	if n.Sign() <= 0 {
		return nil, fmt.Errorf("%w: must be positive", ErrInvalidModulus)
	}
	if n.Bit(0) == 0 {
		return nil, fmt.Errorf("%w: must be odd", ErrInvalidModulus)
	}
	return &Computer{modulus: n}, nil
}

// Modulus returns the modulus as lowercase hex.
func (c *Computer) Modulus() string {
	return c.modulus.Text(16)
}

// HashToGroup maps an arbitrary input string to a group element.
// The UTF-8 bytes of the input are hashed with SHA-256, the digest is read
// as a big-endian integer and reduced mod N. The trivial fixed points 0 and
// 1 map to 2.
func (c *Computer) HashToGroup(input string) *big.Int {
	digest := sha256.Sum256([]byte(input))
	x := new(big.Int).SetBytes(digest[:])
	x.Mod(x, c.modulus)
	if x.Cmp(two) < 0 {
		x.SetInt64(2)
	}
	return x
}

var (
	one = big.NewInt(1)
	two = big.NewInt(2)
)

// ComputeProof evaluates the VDF on input for T iterations and produces a
// Wesolowski proof. onProgress, if non-nil, receives values in 0..100 at
// every max(1, T/100) squarings; panics inside the callback are swallowed.
//
// T == 0 short-circuits to the degenerate proof {y=x, pi=1, l=3, r=1}.
func (c *Computer) ComputeProof(input string, iterations uint64, onProgress func(percent int)) (*Proof, error) {
	return c.ComputeProofContext(context.Background(), input, iterations, onProgress)
}

// ComputeProofContext is ComputeProof with cooperative cancellation: the
// context is polled at every progress interval, so a canceled worker stops
// within one interval instead of running its remaining squarings.
func (c *Computer) ComputeProofContext(ctx context.Context, input string, iterations uint64, onProgress func(percent int)) (*Proof, error) {
	x := c.HashToGroup(input)

	if iterations == 0 {
		return &Proof{
			Y:          x.Text(16),
			Pi:         "1",
			L:          "3",
			R:          "1",
			Iterations: 0,
		}, nil
	}

	y, err := c.sequentialSquare(ctx, x, iterations, onProgress)
	if err != nil {
		return nil, err
	}

	l := c.hashToPrime(x, y)
	pi, r, err := c.wesolowskiProof(ctx, x, iterations, l)
	if err != nil {
		return nil, err
	}

	return &Proof{
		Y:          y.Text(16),
		Pi:         pi.Text(16),
		L:          l.Text(16),
		R:          r.Text(16),
		Iterations: iterations,
	}, nil
}

// sequentialSquare computes x^(2^T) mod N by T squarings, reporting
// progress and polling for cancellation along the way.
func (c *Computer) sequentialSquare(ctx context.Context, x *big.Int, iterations uint64, onProgress func(int)) (*big.Int, error) {
	y := new(big.Int).Set(x)

	step := iterations / 100
	if step == 0 {
		step = 1
	}

	for i := uint64(0); i < iterations; i++ {
		y.Mul(y, y)
		y.Mod(y, c.modulus)

		if (i+1)%step == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if onProgress != nil {
				reportProgress(onProgress, int((i+1)*100/iterations))
			}
		}
	}
	return y, nil
}

// reportProgress invokes the callback, swallowing panics: progress is
// advisory and must never abort the computation.
func reportProgress(onProgress func(int), percent int) {
	defer func() { _ = recover() }()
	if percent > 100 {
		percent = 100
	}
	onProgress(percent)
}

// wesolowskiProof computes pi = x^q mod N and r, where 2^T = q*l + r,
// by long division of 2^T by l: each step squares pi (shifting the
// quotient) and multiplies in x when the next quotient bit is 1. The
// quotient itself is never materialized, so the memory stays constant
// and the cost is one modular squaring per iteration - the same order
// of work as the VDF evaluation.
func (c *Computer) wesolowskiProof(ctx context.Context, x *big.Int, iterations uint64, l *big.Int) (pi, r *big.Int, err error) {
	pi = big.NewInt(1)
	r = big.NewInt(1) // remainder after consuming the leading 1 bit of 2^T

	step := iterations / 100
	if step == 0 {
		step = 1
	}

	for i := uint64(0); i < iterations; i++ {
		pi.Mul(pi, pi)
		pi.Mod(pi, c.modulus)

		r.Lsh(r, 1)
		if r.Cmp(l) >= 0 {
			r.Sub(r, l)
			pi.Mul(pi, x)
			pi.Mod(pi, c.modulus)
		}

		if (i+1)%step == 0 {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
		}
	}
	return pi, r, nil
}

// quotientRemainderPow2 computes q, r with 2^T = q*l + r and 0 <= r < l
// by T doublings. It states the relation the long-division prover
// implements; tests cross-check the two.
func quotientRemainderPow2(iterations uint64, l *big.Int) (q, r *big.Int) {
	q = new(big.Int)
	r = big.NewInt(1)

	for i := uint64(0); i < iterations; i++ {
		r.Lsh(r, 1)
		q.Lsh(q, 1)
		if r.Cmp(l) >= 0 {
			r.Sub(r, l)
			q.Add(q, one)
		}
	}
	return q, r
}

// VerifyProof checks a Wesolowski proof against the input it claims to
// extend. Returns false on any mismatch; it never reports why.
func (c *Computer) VerifyProof(input string, proof *Proof) bool {
	if proof == nil {
		return false
	}

	x := c.HashToGroup(input)

	y, ok := parseHex(proof.Y)
	if !ok {
		return false
	}
	pi, ok := parseHex(proof.Pi)
	if !ok {
		return false
	}
	l, ok := parseHex(proof.L)
	if !ok {
		return false
	}
	r, ok := parseHex(proof.R)
	if !ok {
		return false
	}

	// Degenerate zero-iteration proof: y = x^(2^0) = x, pi = 1, l = 3, r = 1.
	if proof.Iterations == 0 {
		return y.Cmp(x) == 0 && pi.Cmp(one) == 0 &&
			l.Cmp(big.NewInt(3)) == 0 && r.Cmp(one) == 0
	}

	// The challenge must be exactly the Fiat-Shamir prime for (x, y).
	expectedL := c.hashToPrime(x, y)
	if l.Cmp(expectedL) != 0 {
		return false
	}

	// r must be the canonical remainder of 2^T mod l.
	if r.Sign() < 0 || r.Cmp(l) >= 0 {
		return false
	}
	expectedR := new(big.Int).Exp(two, new(big.Int).SetUint64(proof.Iterations), l)
	if r.Cmp(expectedR) != 0 {
		return false
	}

	// Core relation: pi^l * x^r == y (mod N).
	lhs := new(big.Int).Exp(pi, l, c.modulus)
	xr := new(big.Int).Exp(x, r, c.modulus)
	lhs.Mul(lhs, xr)
	lhs.Mod(lhs, c.modulus)

	return lhs.Cmp(y) == 0
}

// parseHex parses a hex integer, rejecting empty and malformed strings.
func parseHex(s string) (*big.Int, bool) {
	if s == "" {
		return nil, false
	}
	n, ok := new(big.Int).SetString(s, 16)
	if !ok || n.Sign() < 0 {
		return nil, false
	}
	return n, true
}

// hashToPrime derives the ~256-bit prime challenge l from (x, y).
// Both elements are serialized as fixed-width big-endian buffers, joined
// with a domain separator, and hashed; the digest is forced odd with its
// top bit set, then advanced by 2 until it passes Miller-Rabin.
func (c *Computer) hashToPrime(x, y *big.Int) *big.Int {
	buf := make([]byte, 0, 2*groupByteLen+1)
	buf = append(buf, x.FillBytes(make([]byte, groupByteLen))...)
	buf = append(buf, challengeDomainSep)
	buf = append(buf, y.FillBytes(make([]byte, groupByteLen))...)

	digest := sha256.Sum256(buf)
	candidate := new(big.Int).SetBytes(digest[:])
	candidate.SetBit(candidate, 255, 1)
	candidate.SetBit(candidate, 0, 1)

	for !isProbablePrime(candidate) {
		candidate.Add(candidate, two)
	}
	return candidate
}
