// Package envelope implements the signed wire envelope used for all
// agent-to-agent and relay-mediated messages: construction, canonical
// serialization for signing, and the decode-side validation pipeline
// (version, recipient, clock skew, signature).
package envelope

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	cryptox "github.com/adamavenir/cc4me/internal/crypto"
	"github.com/adamavenir/cc4me/internal/errs"
)

// Version is the current wire-envelope major.minor version.
const Version = "2.0"

// MaxClockSkew is the maximum allowed difference between the local
// clock and an inbound envelope's timestamp.
const MaxClockSkew = 5 * time.Minute

// Type is the closed set of envelope variants. Decoders dispatch on
// this tag and reject unknown tags.
type Type string

const (
	TypeDirect          Type = "direct"
	TypeGroup           Type = "group"
	TypeBroadcast       Type = "broadcast"
	TypeContactRequest  Type = "contact-request"
	TypeContactResponse Type = "contact-response"
	TypeRevocation      Type = "revocation"
	TypeReceipt         Type = "receipt"
)

func (t Type) valid() bool {
	switch t {
	case TypeDirect, TypeGroup, TypeBroadcast, TypeContactRequest, TypeContactResponse, TypeRevocation, TypeReceipt:
		return true
	default:
		return false
	}
}

// unicastTypes require recipient == local username on decode.
func (t Type) isUnicast() bool {
	switch t {
	case TypeDirect, TypeGroup, TypeContactRequest, TypeContactResponse, TypeRevocation, TypeReceipt:
		return true
	default:
		return false
	}
}

// Payload holds the encrypted body of an envelope.
type Payload struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
}

// Envelope is the signed unit of communication between agents.
type Envelope struct {
	VersionField string          `json:"version"`
	Type         Type            `json:"type"`
	MessageID    string          `json:"messageId"`
	Sender       string          `json:"sender"`
	Recipient    string          `json:"recipient,omitempty"`
	Timestamp    string          `json:"timestamp"`
	GroupID      string          `json:"groupId,omitempty"`
	Payload      *Payload        `json:"payload,omitempty"`
	Plaintext    json.RawMessage `json:"plaintext,omitempty"`
	Signature    string          `json:"signature,omitempty"`
}

// NewMessageID returns a fresh UUIDv4 messageId.
func NewMessageID() string {
	return uuid.New().String()
}

// Build constructs an unsigned envelope with the current timestamp and
// a fresh messageId.
func Build(typ Type, sender, recipient, groupID string, payload *Payload, plaintext json.RawMessage) *Envelope {
	return &Envelope{
		VersionField: Version,
		Type:         typ,
		MessageID:    NewMessageID(),
		Sender:       sender,
		Recipient:    recipient,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		GroupID:      groupID,
		Payload:      payload,
		Plaintext:    plaintext,
	}
}

// CanonicalBytes returns the canonical serialization used for signing
// (all fields except signature).
func (e *Envelope) CanonicalBytes() ([]byte, error) {
	return cryptox.CanonicalizeForSigning(e)
}

// Sign signs the envelope's canonical bytes with priv and sets Signature.
func (e *Envelope) Sign(priv ed25519.PrivateKey) error {
	canonical, err := e.CanonicalBytes()
	if err != nil {
		return err
	}
	sig := cryptox.Sign(priv, canonical)
	e.Signature = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// Marshal serializes the envelope (including signature) for transport.
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errs.Wrap(errs.Validation, "marshal envelope", err)
	}
	return data, nil
}

// Parse deserializes an envelope from transport bytes. Structural
// validity only; call Validate for the full decode pipeline.
func Parse(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, errs.Wrap(errs.Validation, "parse envelope", err)
	}
	return &e, nil
}

// KeyResolver resolves a sender username to their cached Ed25519
// public key, refreshing from the sender's community if the cache
// misses. Implemented by the community manager.
type KeyResolver interface {
	ResolvePublicKey(ctx context.Context, sender string) (ed25519.PublicKey, error)
}

// Validate runs the decode-side checks of the wire-codec: version,
// recipient, clock skew, sender-key resolution, and signature
// verification. It does not decrypt the payload; callers decrypt
// afterward using the shared secret derived from the returned sender
// public key. localUsername is ignored for broadcast envelopes; direct,
// contact and group envelopes must name it as recipient.
func Validate(ctx context.Context, e *Envelope, localUsername string, resolver KeyResolver) (ed25519.PublicKey, error) {
	if !e.Type.valid() {
		return nil, errs.New(errs.Validation, fmt.Sprintf("unknown envelope type %q", e.Type))
	}

	major, _, ok := splitVersion(e.VersionField)
	if !ok {
		return nil, errs.New(errs.Validation, "malformed version")
	}
	currentMajor, _, _ := splitVersion(Version)
	if major != currentMajor {
		return nil, errs.New(errs.Validation, fmt.Sprintf("unsupported major version %q", major))
	}

	if e.Type.isUnicast() && e.Recipient != localUsername {
		return nil, errs.New(errs.Validation, "recipient mismatch")
	}

	ts, err := time.Parse(time.RFC3339, e.Timestamp)
	if err != nil {
		return nil, errs.Wrap(errs.Validation, "parse timestamp", err)
	}
	skew := time.Since(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxClockSkew {
		return nil, errs.New(errs.Validation, "clock skew exceeds 5 minutes")
	}

	senderPub, err := resolver.ResolvePublicKey(ctx, e.Sender)
	if err != nil {
		return nil, errs.Wrap(errs.Auth, "resolve sender public key", err)
	}

	if e.Signature == "" {
		return nil, errs.New(errs.Auth, "missing signature")
	}
	sig, err := base64.StdEncoding.DecodeString(e.Signature)
	if err != nil {
		return nil, errs.Wrap(errs.Auth, "decode signature", err)
	}

	canonical, err := e.CanonicalBytes()
	if err != nil {
		return nil, err
	}
	if !cryptox.Verify(senderPub, canonical, sig) {
		return nil, errs.New(errs.Auth, "signature verification failed")
	}

	return senderPub, nil
}

// ValidateBroadcast runs the decode-side checks for a broadcast
// envelope, whose signature is verified against the relay's admin key
// set rather than a contact's identity key. Broadcasts are not unicast,
// so no recipient check applies.
func ValidateBroadcast(e *Envelope, adminKeys []ed25519.PublicKey) error {
	major, _, ok := splitVersion(e.VersionField)
	if !ok {
		return errs.New(errs.Validation, "malformed version")
	}
	currentMajor, _, _ := splitVersion(Version)
	if major != currentMajor {
		return errs.New(errs.Validation, fmt.Sprintf("unsupported major version %q", major))
	}

	ts, err := time.Parse(time.RFC3339, e.Timestamp)
	if err != nil {
		return errs.Wrap(errs.Validation, "parse timestamp", err)
	}
	skew := time.Since(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxClockSkew {
		return errs.New(errs.Validation, "clock skew exceeds 5 minutes")
	}

	if e.Signature == "" {
		return errs.New(errs.Auth, "missing signature")
	}
	sig, err := base64.StdEncoding.DecodeString(e.Signature)
	if err != nil {
		return errs.Wrap(errs.Auth, "decode signature", err)
	}
	canonical, err := e.CanonicalBytes()
	if err != nil {
		return err
	}
	for _, key := range adminKeys {
		if cryptox.Verify(key, canonical, sig) {
			return nil
		}
	}
	return errs.New(errs.Auth, "broadcast signature matches no admin key")
}

func splitVersion(v string) (major, minor string, ok bool) {
	parts := strings.SplitN(v, ".", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// DecryptPayload decrypts e.Payload using key, with AAD = messageId
// bytes, binding the ciphertext to this specific envelope.
func DecryptPayload(e *Envelope, key []byte) ([]byte, error) {
	if e.Payload == nil {
		return nil, errs.New(errs.Validation, "envelope has no payload")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(e.Payload.Ciphertext)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "decode ciphertext", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(e.Payload.Nonce)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "decode nonce", err)
	}
	return cryptox.Decrypt(key, ciphertext, nonce, []byte(e.MessageID))
}

// EncryptPayload encrypts plaintext under key, AAD = messageId, and
// returns the Payload to attach to the envelope.
func EncryptPayload(messageID string, key, plaintext []byte) (*Payload, error) {
	ciphertext, nonce, err := cryptox.Encrypt(key, plaintext, []byte(messageID))
	if err != nil {
		return nil, err
	}
	return &Payload{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
	}, nil
}
