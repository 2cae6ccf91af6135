// Package keystore handles the ECDSA P-384 signing identity and the
// symmetric vault key for observd.
//
// The signing keypair authenticates document envelopes; the vault key
// encrypts documents at rest. Persistence of key material beyond the PEM
// helpers here is the platform's concern.
package keystore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"

	"golang.org/x/crypto/hkdf"
)

// Errors
var (
	ErrInvalidKeyFormat = errors.New("keystore: invalid key format")
	ErrUnsupportedKey   = errors.New("keystore: unsupported key type (expected ECDSA P-384)")
	ErrInvalidJWK       = errors.New("keystore: invalid JWK")
)

// SignatureSize is the raw (r || s) signature length for P-384.
const SignatureSize = 96

// coordinateSize is the byte width of one P-384 field element.
const coordinateSize = 48

// BaseSecretSize is the length of the symmetric base secret.
const BaseSecretSize = 32

// vaultKeyInfo domain-separates the vault key derivation.
const vaultKeyInfo = "observd-vault-key-v1"

// GenerateKeyPair creates a fresh ECDSA P-384 signing keypair.
func GenerateKeyPair() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return key, nil
}

// Sign produces a raw (r || s) P-384 signature over SHA-384(message).
func Sign(priv *ecdsa.PrivateKey, message []byte) ([]byte, error) {
	if priv == nil {
		return nil, ErrInvalidKeyFormat
	}
	digest := sha512.Sum384(message)

	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	sig := make([]byte, SignatureSize)
	r.FillBytes(sig[:coordinateSize])
	s.FillBytes(sig[coordinateSize:])
	return sig, nil
}

// Verify checks a raw (r || s) signature over SHA-384(message).
func Verify(pub *ecdsa.PublicKey, message, signature []byte) bool {
	if pub == nil || len(signature) != SignatureSize {
		return false
	}
	digest := sha512.Sum384(message)

	r := new(big.Int).SetBytes(signature[:coordinateSize])
	s := new(big.Int).SetBytes(signature[coordinateSize:])
	return ecdsa.Verify(pub, digest[:], r, s)
}

// JWK is the portable public-key form carried inside document envelopes.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// ExportJWK encodes a P-384 public key as a JWK with base64url (unpadded)
// fixed-width coordinates.
func ExportJWK(pub *ecdsa.PublicKey) (*JWK, error) {
	if pub == nil || pub.Curve != elliptic.P384() {
		return nil, ErrUnsupportedKey
	}

	enc := base64.RawURLEncoding
	return &JWK{
		Kty: "EC",
		Crv: "P-384",
		X:   enc.EncodeToString(pub.X.FillBytes(make([]byte, coordinateSize))),
		Y:   enc.EncodeToString(pub.Y.FillBytes(make([]byte, coordinateSize))),
	}, nil
}

// ImportJWK decodes a JWK back into a P-384 public key, checking that the
// point is actually on the curve.
func ImportJWK(jwk *JWK) (*ecdsa.PublicKey, error) {
	if jwk == nil || jwk.Kty != "EC" || jwk.Crv != "P-384" {
		return nil, ErrInvalidJWK
	}

	enc := base64.RawURLEncoding
	xBytes, err := enc.DecodeString(jwk.X)
	if err != nil {
		return nil, fmt.Errorf("%w: x: %v", ErrInvalidJWK, err)
	}
	yBytes, err := enc.DecodeString(jwk.Y)
	if err != nil {
		return nil, fmt.Errorf("%w: y: %v", ErrInvalidJWK, err)
	}
	if len(xBytes) != coordinateSize || len(yBytes) != coordinateSize {
		return nil, fmt.Errorf("%w: coordinate width", ErrInvalidJWK)
	}

	pub := &ecdsa.PublicKey{
		Curve: elliptic.P384(),
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}
	if !pub.Curve.IsOnCurve(pub.X, pub.Y) {
		return nil, fmt.Errorf("%w: point not on curve", ErrInvalidJWK)
	}
	return pub, nil
}

// SavePrivateKey writes a private key to path as PKCS#8 PEM, 0600.
func SavePrivateKey(path string, priv *ecdsa.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	return os.WriteFile(path, pem.EncodeToMemory(block), 0600)
}

// LoadPrivateKey reads a PKCS#8 PEM private key and requires P-384.
func LoadPrivateKey(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidKeyFormat
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse key: %w", err)
	}

	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrUnsupportedKey, parsed)
	}
	if key.Curve != elliptic.P384() {
		return nil, ErrUnsupportedKey
	}
	return key, nil
}

// SavePublicKey writes a public key to path as PKIX PEM.
func SavePublicKey(path string, pub *ecdsa.PublicKey) error {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return os.WriteFile(path, pem.EncodeToMemory(block), 0644)
}

// LoadPublicKey reads a PKIX PEM public key and requires P-384.
func LoadPublicKey(path string) (*ecdsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidKeyFormat
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrUnsupportedKey, parsed)
	}
	if pub.Curve != elliptic.P384() {
		return nil, ErrUnsupportedKey
	}
	return pub, nil
}

// NewBaseSecret generates the 32-byte base secret the vault key derives
// from.
func NewBaseSecret() ([]byte, error) {
	secret := make([]byte, BaseSecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate base secret: %w", err)
	}
	return secret, nil
}

// VaultKey derives the 32-byte AES-256-GCM key from a base secret via
// HKDF-SHA-384.
func VaultKey(baseSecret []byte) ([]byte, error) {
	if len(baseSecret) != BaseSecretSize {
		return nil, fmt.Errorf("keystore: base secret must be %d bytes, got %d", BaseSecretSize, len(baseSecret))
	}

	reader := hkdf.New(sha512.New384, baseSecret, nil, []byte(vaultKeyInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive vault key: %w", err)
	}
	return key, nil
}
