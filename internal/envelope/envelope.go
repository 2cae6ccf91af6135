// Package envelope assembles, signs and parses the portable document
// bundle: content plus the sealed epoch chain plus signing metadata.
//
// The envelope is rebuilt at every save; the proof chain inside it is
// append-only and only the metadata block is recomputed.
package envelope

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"observd/internal/canonical"
	"observd/internal/epoch"
	"observd/internal/keystore"
)

// FormatVersion identifies the portable document format.
const FormatVersion = "2.1-crypto"

// Errors
var (
	ErrEmptyChain       = errors.New("envelope: proof chain is empty")
	ErrMissingSignature = errors.New("envelope: signature fields missing")
)

// Content is the editor state captured at save time.
type Content struct {
	HTML  string `json:"html"`
	Delta any    `json:"delta"`
}

// Signature is a raw (r || s) ECDSA signature that serializes as a JSON
// array of byte values, matching the portable format.
type Signature []byte

// MarshalJSON renders the signature as an array of numbers.
func (s Signature) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, b := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, "%d", b)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts an array of byte values or null.
func (s *Signature) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*s = nil
		return nil
	}
	var values []int
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("envelope: signature: %w", err)
	}
	out := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return fmt.Errorf("envelope: signature byte %d out of range", v)
		}
		out[i] = byte(v)
	}
	*s = out
	return nil
}

// Metadata is the envelope trailer binding the chain endpoints, the
// document hash and the signature together.
type Metadata struct {
	EpochCount    int           `json:"epochCount"`
	GenesisHash   string        `json:"genesisHash"`
	LatestHash    string        `json:"latestHash"`
	TotalDuration float64       `json:"totalDuration"`
	DocumentHash  string        `json:"documentHash,omitempty"`
	PublicKey     *keystore.JWK `json:"publicKey,omitempty"`
	Signature     Signature     `json:"signature,omitempty"`
}

// Envelope is the complete signed document bundle.
type Envelope struct {
	Title      string         `json:"title"`
	Version    string         `json:"version"`
	Timestamp  string         `json:"timestamp"`
	Content    Content        `json:"content"`
	ProofChain []*epoch.Epoch `json:"proofChain"`
	Metadata   Metadata       `json:"metadata"`
}

// Build materializes an envelope from the current editor state and chain.
// The document hash is computed with documentHash, publicKey and signature
// all null; Sign recomputes it once the public key is in place.
func Build(title string, content Content, chain *epoch.Chain) (*Envelope, error) {
	epochs := chain.Epochs()
	if len(epochs) == 0 {
		return nil, ErrEmptyChain
	}

	env := &Envelope{
		Title:      title,
		Version:    FormatVersion,
		Timestamp:  time.Now().UTC().Format(epoch.TimestampLayout),
		Content:    content,
		ProofChain: epochs,
		Metadata: Metadata{
			EpochCount:    len(epochs),
			GenesisHash:   epochs[0].Hash,
			LatestHash:    epochs[len(epochs)-1].Hash,
			TotalDuration: chain.TotalDuration(),
		},
	}

	hash, err := ComputeDocumentHash(env)
	if err != nil {
		return nil, err
	}
	env.Metadata.DocumentHash = hash
	return env, nil
}

// ComputeDocumentHash canonicalizes the envelope with metadata.documentHash
// and metadata.signature nulled (keys present) and hashes the result.
func ComputeDocumentHash(env *Envelope) (string, error) {
	value, err := canonicalValue(env)
	if err != nil {
		return "", err
	}
	return canonical.SHA256Hex(value)
}

// Sign writes the public key into the metadata, recomputes the document
// hash over the finished envelope, and signs the UTF-8 bytes of the hash's
// hex string with ECDSA P-384 / SHA-384.
func Sign(env *Envelope, priv *ecdsa.PrivateKey) error {
	jwk, err := keystore.ExportJWK(&priv.PublicKey)
	if err != nil {
		return err
	}
	env.Metadata.PublicKey = jwk

	hash, err := ComputeDocumentHash(env)
	if err != nil {
		return err
	}
	env.Metadata.DocumentHash = hash

	sig, err := keystore.Sign(priv, []byte(hash))
	if err != nil {
		return err
	}
	env.Metadata.Signature = sig
	return nil
}

// VerifySignature checks the envelope's signature over its document hash.
// All three of documentHash, publicKey and signature must be present.
func VerifySignature(env *Envelope) bool {
	md := &env.Metadata
	if md.DocumentHash == "" || md.PublicKey == nil || len(md.Signature) == 0 {
		return false
	}

	pub, err := keystore.ImportJWK(md.PublicKey)
	if err != nil {
		return false
	}
	return keystore.Verify(pub, []byte(md.DocumentHash), md.Signature)
}

// VerifyDocumentHash recomputes the document hash from the envelope's
// current contents and compares it with the stored value. Any drift in a
// covered field shows up here before the signature is even checked.
func VerifyDocumentHash(env *Envelope) bool {
	if env.Metadata.DocumentHash == "" {
		return false
	}
	computed, err := ComputeDocumentHash(env)
	if err != nil {
		return false
	}
	return computed == env.Metadata.DocumentHash
}

// Serialize renders the envelope as portable JSON.
func Serialize(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("envelope: serialize: %w", err)
	}
	return data, nil
}

// Parse decodes a portable JSON envelope. Numbers inside opaque delta
// payloads are kept exact via json.Number so canonicalization is stable
// under parse/serialize round trips.
func Parse(data []byte) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("envelope: parse: %w", err)
	}
	return &env, nil
}

// canonicalValue builds the envelope's canonical form for hashing, with
// documentHash and signature replaced by null.
func canonicalValue(env *Envelope) (canonical.Obj, error) {
	chain := make([]any, len(env.ProofChain))
	for i, e := range env.ProofChain {
		chain[i] = epochCanonical(e)
	}

	var publicKey any
	if env.Metadata.PublicKey != nil {
		jwk := env.Metadata.PublicKey
		publicKey = canonical.Obj{
			{Key: "crv", Value: jwk.Crv},
			{Key: "kty", Value: jwk.Kty},
			{Key: "x", Value: jwk.X},
			{Key: "y", Value: jwk.Y},
		}
	}

	return canonical.Obj{
		{Key: "title", Value: env.Title},
		{Key: "version", Value: env.Version},
		{Key: "timestamp", Value: env.Timestamp},
		{Key: "content", Value: canonical.Obj{
			{Key: "html", Value: env.Content.HTML},
			{Key: "delta", Value: env.Content.Delta},
		}},
		{Key: "proofChain", Value: chain},
		{Key: "metadata", Value: canonical.Obj{
			{Key: "epochCount", Value: env.Metadata.EpochCount},
			{Key: "genesisHash", Value: env.Metadata.GenesisHash},
			{Key: "latestHash", Value: env.Metadata.LatestHash},
			{Key: "totalDuration", Value: env.Metadata.TotalDuration},
			{Key: "documentHash", Value: nil},
			{Key: "publicKey", Value: publicKey},
			{Key: "signature", Value: nil},
		}},
	}, nil
}

// epochCanonical builds the canonical form of one chain entry in portable
// field order. Genesis carries only its number, hash and timestamp.
func epochCanonical(e *epoch.Epoch) canonical.Obj {
	if e.EpochNumber == 0 && e.VDFProof == nil {
		return canonical.Obj{
			{Key: "epochNumber", Value: e.EpochNumber},
			{Key: "hash", Value: e.Hash},
			{Key: "timestamp", Value: e.Timestamp},
		}
	}

	deltas := e.Deltas
	if deltas == nil {
		deltas = []any{}
	}
	var proof any
	if e.VDFProof != nil {
		proof = canonical.Obj{
			{Key: "y", Value: e.VDFProof.Y},
			{Key: "pi", Value: e.VDFProof.Pi},
			{Key: "l", Value: e.VDFProof.L},
			{Key: "r", Value: e.VDFProof.R},
		}
	}

	return canonical.Obj{
		{Key: "epochNumber", Value: e.EpochNumber},
		{Key: "previousHash", Value: e.PreviousHash},
		{Key: "deltas", Value: deltas},
		{Key: "vdfProof", Value: proof},
		{Key: "iterations", Value: e.Iterations},
		{Key: "epochDuration", Value: e.EpochDuration},
		{Key: "timestamp", Value: e.Timestamp},
		{Key: "hash", Value: e.Hash},
	}
}
