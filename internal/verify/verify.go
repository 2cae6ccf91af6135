// Package verify re-validates a document envelope offline: chain linkage,
// epoch hashes, VDF proofs, metadata consistency and the document
// signature, as one artifact.
//
// Verification failures accumulate rather than abort - a reviewer wants
// every problem, not the first one. Only a malformed genesis
// short-circuits, since nothing after it is anchored.
package verify

import (
	"fmt"

	"observd/internal/analysis"
	"observd/internal/envelope"
	"observd/internal/epoch"
	"observd/internal/vdf"
)

// Level selects how deep verification goes.
type Level int

const (
	// LevelStandard is full cryptographic verification.
	LevelStandard Level = iota
	// LevelQuick checks structure, linkage and hashes but skips the
	// expensive VDF re-verification.
	LevelQuick
	// LevelForensic additionally runs the authorship analyzer.
	LevelForensic
)

// ParseLevel maps a CLI string onto a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "quick":
		return LevelQuick, nil
	case "standard", "":
		return LevelStandard, nil
	case "forensic":
		return LevelForensic, nil
	default:
		return LevelStandard, fmt.Errorf("verify: unknown level %q", s)
	}
}

// Result is the verification outcome.
type Result struct {
	Valid          bool     `json:"valid"`
	Errors         []string `json:"errors"`
	VerifiedEpochs int      `json:"verifiedEpochs"`
	TotalEpochs    int      `json:"totalEpochs"`
	SignatureValid bool     `json:"signatureValid"`

	// Authorship is populated at LevelForensic.
	Authorship *analysis.Report `json:"authorship,omitempty"`
}

// Options configures a verification run.
type Options struct {
	// Computer supplies the VDF group. Nil selects the RSA-2048 default.
	Computer *vdf.Computer

	// Level defaults to LevelStandard.
	Level Level

	// Workers bounds concurrent VDF verification. Values below 2 keep
	// everything sequential.
	Workers int

	// AllowUnsigned suppresses the missing-signature error for envelopes
	// that never carried one (draft chains). A present-but-invalid
	// signature still fails.
	AllowUnsigned bool

	// OnProgress, if non-nil, receives advisory progress updates.
	// Correctness never depends on it being called.
	OnProgress func(percent int, message string)
}

// Verify validates an envelope end to end.
func Verify(env *envelope.Envelope, opts Options) *Result {
	result := &Result{}
	computer := opts.Computer
	if computer == nil {
		computer = vdf.New()
	}

	chain := env.ProofChain
	if len(chain) == 0 || !chain[0].IsGenesis() {
		result.Errors = append(result.Errors, "Epoch 0: Invalid genesis.")
		return result
	}

	last := len(chain) - 1
	result.TotalEpochs = last

	vdfValid := precomputeVDF(computer, chain, opts)

	for i := 1; i <= last; i++ {
		e := chain[i]
		ok := true

		if e.PreviousHash != chain[i-1].Hash {
			result.Errors = append(result.Errors, fmt.Sprintf("Epoch %d: Broken chain.", i))
			ok = false
		}

		computed, err := e.ComputeHash()
		if err != nil || computed != e.Hash {
			result.Errors = append(result.Errors, fmt.Sprintf("Epoch %d: Hash mismatch.", i))
			ok = false
		}

		if opts.Level != LevelQuick {
			if !vdfValid[i] {
				result.Errors = append(result.Errors, fmt.Sprintf("Epoch %d: Invalid VDF proof.", i))
				ok = false
			}
		}

		if ok {
			result.VerifiedEpochs++
		}
		progress(opts, i*90/last, fmt.Sprintf("Verifying epoch %d…", i))
	}

	checkMetadata(env, result)

	progress(opts, 95, "Verifying signature…")
	result.SignatureValid = checkSignature(env, result, opts.AllowUnsigned)
	progress(opts, 100, "Verification complete")

	if opts.Level == LevelForensic {
		result.Authorship = analysis.Analyze(chain)
	}

	result.Valid = len(result.Errors) == 0
	return result
}

// precomputeVDF verifies every epoch's VDF proof, in parallel when the
// caller allows it. Index i in the returned slice answers for chain[i].
func precomputeVDF(computer *vdf.Computer, chain []*epoch.Epoch, opts Options) []bool {
	valid := make([]bool, len(chain))
	if opts.Level == LevelQuick {
		return valid
	}

	check := func(i int) bool {
		e := chain[i]
		if e.VDFProof == nil {
			return false
		}
		if e.VDFProof.Iterations != e.Iterations {
			return false
		}
		return computer.VerifyProof(e.PreviousHash, e.VDFProof)
	}

	workers := opts.Workers
	if workers < 2 || len(chain) <= 2 {
		for i := 1; i < len(chain); i++ {
			valid[i] = check(i)
		}
		return valid
	}

	sem := make(chan struct{}, workers)
	done := make(chan struct{})
	for i := 1; i < len(chain); i++ {
		go func(idx int) {
			sem <- struct{}{}
			valid[idx] = check(idx)
			<-sem
			done <- struct{}{}
		}(i)
	}
	for i := 1; i < len(chain); i++ {
		<-done
	}
	return valid
}

// checkMetadata validates the envelope trailer against the chain.
func checkMetadata(env *envelope.Envelope, result *Result) {
	chain := env.ProofChain
	md := &env.Metadata

	if md.EpochCount != len(chain) {
		result.Errors = append(result.Errors, "Metadata: Epoch count mismatch.")
	}
	if md.GenesisHash != chain[0].Hash {
		result.Errors = append(result.Errors, "Metadata: Genesis hash mismatch.")
	}
	if md.LatestHash != chain[len(chain)-1].Hash {
		result.Errors = append(result.Errors, "Metadata: Latest hash mismatch.")
	}

	var total float64
	for _, e := range chain {
		total += e.EpochDuration
	}
	if !approxEqual(total, md.TotalDuration) {
		result.Errors = append(result.Errors, "Metadata: Total duration mismatch.")
	}
}

// approxEqual tolerates float serialization drift in durations.
func approxEqual(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= 1e-6
}

// checkSignature validates the document hash and signature, accumulating
// errors for missing or invalid material.
func checkSignature(env *envelope.Envelope, result *Result, allowUnsigned bool) bool {
	md := &env.Metadata
	if md.DocumentHash == "" || md.PublicKey == nil || len(md.Signature) == 0 {
		unsigned := md.PublicKey == nil && len(md.Signature) == 0
		if !(allowUnsigned && unsigned) {
			result.Errors = append(result.Errors, "Signature: Missing signature.")
		}
		return false
	}

	if !envelope.VerifyDocumentHash(env) {
		result.Errors = append(result.Errors, "Signature: Document hash mismatch.")
		return false
	}
	if !envelope.VerifySignature(env) {
		result.Errors = append(result.Errors, "Signature: Invalid signature.")
		return false
	}
	return true
}

func progress(opts Options, percent int, message string) {
	if opts.OnProgress == nil {
		return
	}
	defer func() { _ = recover() }()
	opts.OnProgress(percent, message)
}
