// Package store persists encrypted document envelopes.
//
// Documents live in a SQLite vault: title and timestamp stay plaintext so
// the library can be browsed without the key, while the envelope itself is
// sealed with AES-256-GCM under the vault key. The same sealed form can be
// exported as a standalone file.
package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"observd/internal/envelope"
	"observd/internal/epoch"
)

// Errors
var (
	ErrNotFound   = errors.New("store: document not found")
	ErrDecryption = errors.New("store: decryption failed")
	ErrInvalidKey = errors.New("store: vault key must be 32 bytes")
)

// NonceSize is the AES-GCM nonce width used for document payloads.
const NonceSize = 12

// Schema for the document vault.
const schema = `
CREATE TABLE IF NOT EXISTS documents (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    title       TEXT NOT NULL UNIQUE,
    timestamp   TEXT NOT NULL,
    iv          BLOB NOT NULL,
    content     BLOB NOT NULL,
    updated_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_updated ON documents(updated_at);
`

// DocumentInfo is the browsable plaintext metadata of a stored document.
type DocumentInfo struct {
	Title     string `json:"title"`
	Timestamp string `json:"timestamp"`
}

// EncryptedDocument is the portable at-rest form: plaintext browse
// metadata plus the sealed envelope.
type EncryptedDocument struct {
	Metadata DocumentInfo `json:"metadata"`
	Payload  Payload      `json:"payload"`
}

// Payload carries the AES-256-GCM nonce and ciphertext as byte arrays.
type Payload struct {
	IV      []int `json:"iv"`
	Content []int `json:"content"`
}

// Vault is the SQLite-backed encrypted document store.
type Vault struct {
	db   *sql.DB
	aead cipher.AEAD
}

// Open opens (or creates) the vault at path, sealed under the 32-byte key.
func Open(path string, key []byte) (*Vault, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("store: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	return &Vault{db: db, aead: aead}, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("store: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("store: gcm: %w", err)
	}
	return aead, nil
}

// Close releases the database handle.
func (v *Vault) Close() error {
	return v.db.Close()
}

// Save encrypts and upserts an envelope keyed by its title.
func (v *Vault) Save(env *envelope.Envelope) error {
	plaintext, err := envelope.Serialize(env)
	if err != nil {
		return err
	}

	iv := make([]byte, NonceSize)
	if _, err := rand.Read(iv); err != nil {
		return fmt.Errorf("store: nonce: %w", err)
	}
	ciphertext := v.aead.Seal(nil, iv, plaintext, nil)

	_, err = v.db.Exec(`
		INSERT INTO documents (title, timestamp, iv, content, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(title) DO UPDATE SET
			timestamp = excluded.timestamp,
			iv = excluded.iv,
			content = excluded.content,
			updated_at = excluded.updated_at`,
		env.Title, env.Timestamp, iv, ciphertext, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("store: save: %w", err)
	}
	return nil
}

// Load decrypts and parses the envelope stored under title.
func (v *Vault) Load(title string) (*envelope.Envelope, error) {
	var iv, ciphertext []byte
	err := v.db.QueryRow(
		`SELECT iv, content FROM documents WHERE title = ?`, title,
	).Scan(&iv, &ciphertext)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load: %w", err)
	}

	plaintext, err := v.aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return envelope.Parse(plaintext)
}

// List returns browse metadata for every stored document, most recently
// updated first. No decryption is needed.
func (v *Vault) List() ([]DocumentInfo, error) {
	rows, err := v.db.Query(
		`SELECT title, timestamp FROM documents ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	var docs []DocumentInfo
	for rows.Next() {
		var info DocumentInfo
		if err := rows.Scan(&info.Title, &info.Timestamp); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		docs = append(docs, info)
	}
	return docs, rows.Err()
}

// Delete removes a stored document.
func (v *Vault) Delete(title string) error {
	res, err := v.db.Exec(`DELETE FROM documents WHERE title = ?`, title)
	if err != nil {
		return fmt.Errorf("store: delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Export seals an envelope into the portable at-rest file form.
func Export(env *envelope.Envelope, key []byte) (*EncryptedDocument, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := envelope.Serialize(env)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, NonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("store: nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, iv, plaintext, nil)

	timestamp := env.Timestamp
	if timestamp == "" {
		timestamp = time.Now().UTC().Format(epoch.TimestampLayout)
	}

	return &EncryptedDocument{
		Metadata: DocumentInfo{Title: env.Title, Timestamp: timestamp},
		Payload:  Payload{IV: toInts(iv), Content: toInts(ciphertext)},
	}, nil
}

// Import opens a portable at-rest file back into an envelope.
func Import(doc *EncryptedDocument, key []byte) (*envelope.Envelope, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	iv, err := fromInts(doc.Payload.IV)
	if err != nil {
		return nil, err
	}
	ciphertext, err := fromInts(doc.Payload.Content)
	if err != nil {
		return nil, err
	}
	if len(iv) != NonceSize {
		return nil, ErrDecryption
	}

	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return envelope.Parse(plaintext)
}

// WriteFile exports an envelope to an encrypted file on disk.
func WriteFile(path string, env *envelope.Envelope, key []byte) error {
	doc, err := Export(env, key)
	if err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("store: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// ReadFile imports an encrypted file from disk.
func ReadFile(path string, key []byte) (*envelope.Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("store: read: %w", err)
	}
	var doc EncryptedDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("store: unmarshal: %w", err)
	}
	return Import(&doc, key)
}

func toInts(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}

func fromInts(values []int) ([]byte, error) {
	out := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("store: byte value %d out of range", v)
		}
		out[i] = byte(v)
	}
	return out, nil
}
