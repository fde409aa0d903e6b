// Package relayapi implements the signed relay HTTP client: request
// framing, response decoding, per-call timeout, and error
// classification.
package relayapi

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	cryptox "github.com/adamavenir/cc4me/internal/crypto"
	"github.com/adamavenir/cc4me/internal/errs"
)

// DefaultTimeout is the per-call timeout for authenticated relay calls;
// exposed as a setting so callers can override it.
const DefaultTimeout = 5 * time.Second

// Signer supplies the agent identity used to sign outbound requests.
type Signer struct {
	Agent      string
	PrivateKey ed25519.PrivateKey
}

// Client talks to one relay over HTTPS.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     Signer
}

// New constructs a relay API client bound to baseURL, signing every
// authenticated request with signer.
func New(baseURL string, signer Signer, timeout time.Duration) (*Client, error) {
	normalized, err := NormalizeBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: normalized,
		signer:  signer,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// NormalizeBaseURL validates and trims a relay base URL.
func NormalizeBaseURL(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", errs.New(errs.Validation, "relay url cannot be empty")
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return "", errs.Wrap(errs.Validation, "invalid relay url", err)
	}
	if parsed.Scheme == "" {
		return "", errs.New(errs.Validation, "relay url must include scheme")
	}
	return strings.TrimRight(value, "/"), nil
}

// BaseURL returns the client's normalized relay base URL (used by the
// community manager to match qualified-name hostnames).
func (c *Client) BaseURL() string { return c.baseURL }

// SetSigner replaces the key used to sign outbound requests, used after
// a successful key rotation so later calls sign with the new key.
func (c *Client) SetSigner(signer Signer) { c.signer = signer }

// StatusError carries a non-2xx relay response, classified into one of
// the typed error kinds.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("relay error %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("relay error %d", e.Status)
}

// Kind classifies a StatusError into the shared error taxonomy.
func (e *StatusError) Kind() errs.Kind {
	switch {
	case e.Status == 401:
		return errs.Auth
	case e.Status == 403:
		return errs.Forbidden
	case e.Status == 404:
		return errs.NotFound
	case e.Status == 409:
		return errs.Conflict
	case e.Status == 429:
		return errs.RateLimited
	case e.Status == 0 || e.Status >= 500:
		return errs.TransientTransport
	default:
		return errs.Validation
	}
}

type errorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// DoAuthenticated issues a signed request and decodes the JSON response
// into out (if non-nil).
func (c *Client) DoAuthenticated(ctx context.Context, method, path string, reqBody, out any) error {
	var bodyBytes []byte
	if reqBody != nil {
		var err error
		bodyBytes, err = json.Marshal(reqBody)
		if err != nil {
			return errs.Wrap(errs.Validation, "marshal request body", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return errs.Wrap(errs.Validation, "build request", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	// Unauthenticated surfaces (verify/send, verify/confirm, health,
	// keys/recover) are reached through a client with no signing key;
	// everything else carries the signature scheme.
	if c.signer.PrivateKey != nil {
		timestamp := time.Now().UTC().Format(time.RFC3339)
		signingString := SigningString(method, path, timestamp, bodyBytes)
		sig := cryptox.Sign(c.signer.PrivateKey, []byte(signingString))
		req.Header.Set("Authorization", fmt.Sprintf("Signature %s:%s", c.signer.Agent, base64.StdEncoding.EncodeToString(sig)))
		req.Header.Set("X-Timestamp", timestamp)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.Wrap(errs.TransientTransport, "relay request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.Wrap(errs.TransientTransport, "read relay response", err)
	}

	if resp.StatusCode >= 300 {
		var payload errorPayload
		_ = json.Unmarshal(respBody, &payload)
		statusErr := &StatusError{Status: resp.StatusCode, Code: payload.Error, Message: payload.Message}
		return errs.Wrap(statusErr.Kind(), statusErr.Error(), statusErr)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return errs.Wrap(errs.Validation, "decode relay response", err)
		}
	}

	return nil
}

// SigningString reconstructs the canonical string the relay verifies
// against, exported for server-side tests/symmetry.
func SigningString(method, path, timestamp string, body []byte) string {
	return fmt.Sprintf("%s %s\n%s\n%s", method, path, timestamp, cryptox.Sha256Hex(body))
}
