// Package identitystore persists a single agent's own Ed25519 identity
// to local disk: the public identity record plus a passphrase-encrypted
// private key file. Secure key storage via an OS keychain is an
// external collaborator; this is the file-backed fallback an embedding
// application may choose to use instead.
package identitystore

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adamavenir/cc4me/internal/crypto"
	"github.com/adamavenir/cc4me/internal/errs"
)

// Record is the wire/disk format for identity.json.
type Record struct {
	Agent     string `json:"agent"`
	PublicKey string `json:"public_key"` // base64 SPKI DER Ed25519 public key
	CreatedAt string `json:"created_at"` // RFC 3339
}

// Store reads and writes a single agent's identity under a base
// directory: <base>/identity.json and <base>/private.key.
type Store struct {
	basePath string
}

// New creates a Store rooted at basePath, creating the directory if
// necessary.
func New(basePath string) (*Store, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, errs.Wrap(errs.Validation, "create identity dir", err)
	}
	return &Store{basePath: basePath}, nil
}

func (s *Store) identityPath() string  { return filepath.Join(s.basePath, "identity.json") }
func (s *Store) privateKeyPath() string { return filepath.Join(s.basePath, "private.key") }

// Create generates a new Ed25519 keypair, encrypts the private key
// under passphrase, and writes both files. Fails if an identity
// already exists.
func (s *Store) Create(agent string, passphrase []byte) (ed25519.PublicKey, error) {
	if _, err := os.Stat(s.identityPath()); err == nil {
		return nil, errs.New(errs.Conflict, "identity already exists")
	}

	pub, priv, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "generate keypair", err)
	}

	ekf, err := crypto.EncryptPrivateKey(priv, passphrase)
	if err != nil {
		return nil, err
	}
	keyData, err := json.MarshalIndent(ekf, "", "  ")
	if err != nil {
		return nil, errs.Wrap(errs.Validation, "marshal encrypted key", err)
	}
	if err := os.WriteFile(s.privateKeyPath(), keyData, 0o600); err != nil {
		return nil, errs.Wrap(errs.Validation, "write private key", err)
	}

	record := Record{
		Agent:     agent,
		PublicKey: crypto.EncodePublicKeyB64(pub),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return nil, errs.Wrap(errs.Validation, "marshal identity", err)
	}
	if err := os.WriteFile(s.identityPath(), data, 0o644); err != nil {
		return nil, errs.Wrap(errs.Validation, "write identity", err)
	}

	return pub, nil
}

// Load reads the identity record (public metadata only).
func (s *Store) Load() (*Record, error) {
	data, err := os.ReadFile(s.identityPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.NotFound, "no local identity")
		}
		return nil, errs.Wrap(errs.Validation, "read identity", err)
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, errs.Wrap(errs.Validation, "parse identity", err)
	}
	return &record, nil
}

// Unlock decrypts and returns the private key using passphrase.
func (s *Store) Unlock(passphrase []byte) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(s.privateKeyPath())
	if err != nil {
		return nil, errs.Wrap(errs.NotFound, "read private key", err)
	}
	var ekf crypto.EncryptedKeyFile
	if err := json.Unmarshal(data, &ekf); err != nil {
		return nil, errs.Wrap(errs.Validation, "parse private key file", err)
	}
	priv, err := crypto.DecryptPrivateKey(&ekf, passphrase)
	if err != nil {
		return nil, err
	}
	return priv, nil
}

// DecodedPublicKey decodes the stored public key.
func (r *Record) DecodedPublicKey() (ed25519.PublicKey, error) {
	return crypto.DecodePublicKeyB64(r.PublicKey)
}

func (r *Record) String() string {
	return fmt.Sprintf("identity(%s)", r.Agent)
}
