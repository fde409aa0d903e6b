// Package crypto implements the end-to-end primitives used by the
// message pipeline: Ed25519 signing, an Ed25519-to-X25519 birational
// key map, ECDH + HKDF-SHA256 shared-secret derivation, and AES-256-GCM
// envelope encryption.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"sort"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/adamavenir/cc4me/internal/errs"
)

// hkdfSalt is the fixed HKDF salt for all shared-secret derivations.
const hkdfSalt = "cc4me-e2e-v1"

// GenerateSigningKeyPair creates a new Ed25519 keypair for an agent's
// long-lived identity.
func GenerateSigningKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// Sign signs data with an Ed25519 private key.
func Sign(key ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(key, data)
}

// Verify checks an Ed25519 signature in constant time (ed25519.Verify
// already performs a constant-time comparison internally).
func Verify(key ed25519.PublicKey, data, sig []byte) bool {
	if len(key) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(key, data, sig)
}

// KeyFingerprint returns a sha256:{hex} fingerprint of a public key.
func KeyFingerprint(key ed25519.PublicKey) string {
	sum := sha256.Sum256(key)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// EncodePublicKeyB64 / DecodePublicKeyB64 round-trip a public key as
// the base64 of its SPKI DER encoding. This is the representation
// carried everywhere a key crosses a wire or a disk: registry rows,
// contact caches, admin-key lists.
func EncodePublicKeyB64(key ed25519.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		// only reachable with a malformed key; every caller holds one
		// freshly generated or already decoded
		return ""
	}
	return base64.StdEncoding.EncodeToString(der)
}

func DecodePublicKeyB64(s string) (ed25519.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errs.Wrap(errs.Validation, "decode public key", err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, errs.Wrap(errs.Validation, "parse public key", err)
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errs.New(errs.Validation, "public key is not ed25519")
	}
	return pub, nil
}

// curve25519P is the Curve25519 field prime 2^255 - 19.
var curve25519P = func() *big.Int {
	p := new(big.Int).Lsh(big.NewInt(1), 255)
	p.Sub(p, big.NewInt(19))
	return p
}()

// X25519PrivateFromEd25519 derives an X25519 private scalar from an
// Ed25519 private key, per RFC 7748 clamping applied to the first 32
// bytes of SHA-512 over the seed.
func X25519PrivateFromEd25519(priv ed25519.PrivateKey) []byte {
	seed := priv.Seed() // first 32 bytes of the 64-byte private key
	h := sha512.Sum512(seed)
	x := make([]byte, 32)
	copy(x, h[:32])
	x[0] &= 248
	x[31] &= 127
	x[31] |= 64
	return x
}

// X25519PublicFromEd25519 computes u = (1+y)/(1-y) mod p from the
// Ed25519 public key's little-endian y-coordinate, per the birational
// map between Edwards25519 and Curve25519.
func X25519PublicFromEd25519(pub ed25519.PublicKey) ([]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, errs.New(errs.Validation, "ed25519 public key has wrong length")
	}

	// Decode y (little-endian 255-bit value; the top bit is the sign of x).
	yBytes := make([]byte, 32)
	copy(yBytes, pub)
	yBytes[31] &= 0x7f

	y := new(big.Int).SetBytes(reverseBytes(yBytes))

	one := big.NewInt(1)
	numerator := new(big.Int).Add(one, y)
	numerator.Mod(numerator, curve25519P)

	denominator := new(big.Int).Sub(one, y)
	denominator.Mod(denominator, curve25519P)

	denomInv := new(big.Int).ModInverse(denominator, curve25519P)
	if denomInv == nil {
		return nil, errs.New(errs.Crypto, "y=1 has no valid birational map")
	}

	u := new(big.Int).Mul(numerator, denomInv)
	u.Mod(u, curve25519P)

	uBytes := u.Bytes()
	out := make([]byte, 32)
	// Place big-endian uBytes into out as little-endian.
	for i := 0; i < len(uBytes) && i < 32; i++ {
		out[i] = uBytes[len(uBytes)-1-i]
	}
	return out, nil
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// SharedSecret derives the 32-byte symmetric key shared between two
// usernames, given one side's Ed25519 private key and the other side's
// Ed25519 public key. info is HKDF info = alphabetically sorted
// "{a}:{b}" of the two usernames.
func SharedSecret(selfPriv ed25519.PrivateKey, peerPub ed25519.PublicKey, selfUsername, peerUsername string) ([]byte, error) {
	x25519Priv := X25519PrivateFromEd25519(selfPriv)
	x25519Peer, err := X25519PublicFromEd25519(peerPub)
	if err != nil {
		return nil, err
	}

	raw, err := curve25519.X25519(x25519Priv, x25519Peer)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "x25519 scalar multiplication", err)
	}

	info := hkdfInfo(selfUsername, peerUsername)
	reader := hkdf.New(sha256.New, raw, []byte(hkdfSalt), []byte(info))
	out := make([]byte, 32)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, errs.Wrap(errs.Crypto, "hkdf expand", err)
	}
	return out, nil
}

func hkdfInfo(a, b string) string {
	names := []string{a, b}
	sort.Strings(names)
	return fmt.Sprintf("%s:%s", names[0], names[1])
}

// Encrypt AES-256-GCM encrypts plaintext under key with a fresh random
// 12-byte nonce. aad binds the ciphertext to its envelope (callers pass
// the envelope's messageId bytes).
func Encrypt(key, plaintext, aad []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, errs.Wrap(errs.Crypto, "new aes cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, errs.Wrap(errs.Crypto, "new gcm", err)
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, errs.Wrap(errs.Crypto, "generate nonce", err)
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, aad)
	return ciphertext, nonce, nil
}

// Decrypt reverses Encrypt. Any failure (wrong key, tampered
// ciphertext/nonce/aad) is a hard CryptoError, never retried.
func Decrypt(key, ciphertext, nonce, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "new aes cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "new gcm", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, errs.New(errs.Crypto, "invalid nonce length")
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "gcm open", err)
	}
	return plaintext, nil
}

// Canonicalize produces the deterministic JSON used for signing: keys
// sorted lexicographically at every object level, no insignificant
// whitespace. encoding/json already sorts map keys when marshaling a
// map[string]any, which is what we rely on here (documented behavior of
// the standard library's Marshal, not re-implemented JCS).
func Canonicalize(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errs.Wrap(errs.Validation, "marshal for canonicalization", err)
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, errs.Wrap(errs.Validation, "unmarshal for canonicalization", err)
	}
	return json.Marshal(generic)
}

// CanonicalizeForSigning marshals v, strips the "signature" field, and
// re-canonicalizes. v must marshal to a JSON object.
func CanonicalizeForSigning(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errs.Wrap(errs.Validation, "marshal for signing", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errs.Wrap(errs.Validation, "unmarshal for signing", err)
	}
	delete(m, "signature")
	return Canonicalize(m)
}

// Sha256Hex returns the lowercase hex SHA-256 digest of data.
func Sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
