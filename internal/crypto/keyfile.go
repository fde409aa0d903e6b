package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/adamavenir/cc4me/internal/errs"
)

// EncryptedKeyFile is the on-disk format for an agent's encrypted
// Ed25519 identity key, used when the host application has no OS
// keychain available (secure key storage itself remains an external
// collaborator; this is the file-backed fallback).
type EncryptedKeyFile struct {
	Version    int       `json:"version"`
	Algorithm  string    `json:"algorithm"`
	KDF        string    `json:"kdf"`
	KDFParams  KDFParams `json:"kdf_params"`
	Nonce      string    `json:"nonce"`
	Ciphertext string    `json:"ciphertext"`
}

// KDFParams holds Argon2id parameters.
type KDFParams struct {
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory"`
	Threads uint8  `json:"threads"`
	Salt    string `json:"salt"`
}

// DefaultKDFParams returns the default Argon2id parameters.
func DefaultKDFParams() KDFParams {
	return KDFParams{Time: 3, Memory: 65536, Threads: 4}
}

// EncryptPrivateKey encrypts an Ed25519 private key with a passphrase
// using Argon2id-derived XChaCha20-Poly1305. The sealed plaintext is
// the key's PKCS8 DER encoding, the same representation private keys
// carry anywhere else they are serialized.
func EncryptPrivateKey(key ed25519.PrivateKey, passphrase []byte) (*EncryptedKeyFile, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "marshal private key", err)
	}

	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, errs.Wrap(errs.Crypto, "generate salt", err)
	}

	params := DefaultKDFParams()
	params.Salt = base64.StdEncoding.EncodeToString(salt)

	derived := argon2.IDKey(passphrase, salt, params.Time, params.Memory, params.Threads, chacha20poly1305.KeySize)

	aead, err := chacha20poly1305.NewX(derived)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "new xchacha20poly1305", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errs.Wrap(errs.Crypto, "generate nonce", err)
	}

	ciphertext := aead.Seal(nil, nonce, der, nil)

	return &EncryptedKeyFile{
		Version:    1,
		Algorithm:  "xchacha20-poly1305",
		KDF:        "argon2id",
		KDFParams:  params,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// DecryptPrivateKey reverses EncryptPrivateKey.
func DecryptPrivateKey(ekf *EncryptedKeyFile, passphrase []byte) (ed25519.PrivateKey, error) {
	if ekf.Version != 1 {
		return nil, errs.New(errs.Validation, "unsupported key file version")
	}
	if ekf.Algorithm != "xchacha20-poly1305" || ekf.KDF != "argon2id" {
		return nil, errs.New(errs.Validation, "unsupported key file algorithm/kdf")
	}

	salt, err := base64.StdEncoding.DecodeString(ekf.KDFParams.Salt)
	if err != nil {
		return nil, errs.Wrap(errs.Validation, "decode salt", err)
	}

	derived := argon2.IDKey(passphrase, salt, ekf.KDFParams.Time, ekf.KDFParams.Memory, ekf.KDFParams.Threads, chacha20poly1305.KeySize)

	aead, err := chacha20poly1305.NewX(derived)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "new xchacha20poly1305", err)
	}

	nonce, err := base64.StdEncoding.DecodeString(ekf.Nonce)
	if err != nil {
		return nil, errs.Wrap(errs.Validation, "decode nonce", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(ekf.Ciphertext)
	if err != nil {
		return nil, errs.Wrap(errs.Validation, "decode ciphertext", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "decrypt private key (wrong passphrase?)", err)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(plaintext)
	if err != nil {
		return nil, errs.Wrap(errs.Validation, "parse private key", err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errs.New(errs.Validation, "private key is not ed25519")
	}
	return priv, nil
}
