// Package pipeline implements the message send/receive pipeline:
// resolve recipient, derive keys, encrypt and sign, deliver or queue,
// and — on the receive side — verify and dispatch by envelope type.
// The event surface used for receive-side dispatch is the fixed,
// typed internal/events.Bus rather than a duck-typed emitter.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/adamavenir/cc4me/internal/community"
	cryptox "github.com/adamavenir/cc4me/internal/crypto"
	"github.com/adamavenir/cc4me/internal/envelope"
	"github.com/adamavenir/cc4me/internal/errs"
	"github.com/adamavenir/cc4me/internal/events"
	"github.com/adamavenir/cc4me/internal/logging"
	"github.com/adamavenir/cc4me/internal/retryqueue"
)

// ContactStaleAfter is how old a cache entry may be before a send
// triggers an inline refresh from the relay (soft failure keeps the
// stale entry and proceeds with the send).
const ContactStaleAfter = 10 * time.Minute

// DirectDeliveryTimeout bounds a direct P2P delivery attempt.
const DirectDeliveryTimeout = 5 * time.Second

// maxDeliveryReport caps the delivery-report ring buffer.
const maxDeliveryReport = 500

// SendStatus is the closed set of outcomes returned from Send.
type SendStatus string

const (
	SendDelivered SendStatus = "delivered"
	SendQueued    SendStatus = "queued"
	SendFailed    SendStatus = "failed"
	SendExpired   SendStatus = "expired"
)

// SendResult is the typed outcome of one Send call.
type SendResult struct {
	Status    SendStatus `json:"status"`
	MessageID string     `json:"messageId,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// DeliveryAttempt is one delivery try within a message's report.
type DeliveryAttempt struct {
	At            time.Time
	PresenceCheck bool // whether the contact was believed online
	Endpoint      string
	HTTPStatus    int // 0 when the request never completed
	Error         string
	DurationMs    int64
}

// DeliveryReport is the per-message ordered attempt log.
type DeliveryReport struct {
	MessageID   string
	Recipient   string
	Attempts    []DeliveryAttempt
	FinalStatus SendStatus
}

// Pipeline borrows (never owns) a *community.Manager: the manager owns
// caches and timers, the pipeline only calls through it.
type Pipeline struct {
	username string
	manager  *community.Manager
	queue    *retryqueue.Queue
	bus      *events.Bus
	log      *logging.Logger
	http     *http.Client

	mu          sync.Mutex
	reports     map[string]*DeliveryReport
	reportOrder []string

	dedupeMu sync.Mutex
	dedupe   map[string]*dedupeRing // keyed by channel: "direct", "group:<id>", "broadcast"
}

type dedupeRing struct {
	seen  map[string]struct{}
	order []string
	cap   int
}

func newDedupeRing(capacity int) *dedupeRing {
	return &dedupeRing{seen: map[string]struct{}{}, cap: capacity}
}

func (r *dedupeRing) seenOrMark(id string) bool {
	if _, ok := r.seen[id]; ok {
		return true
	}
	r.seen[id] = struct{}{}
	r.order = append(r.order, id)
	if len(r.order) > r.cap {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.seen, oldest)
	}
	return false
}

// Opts configures a Pipeline.
type Opts struct {
	Username string
	Manager  *community.Manager
	Events   *events.Bus
}

// New constructs a Pipeline bound to manager. The caller is responsible
// for starting/stopping the retry queue's background scanner.
func New(opts Opts) *Pipeline {
	bus := opts.Events
	if bus == nil {
		bus = events.New()
	}
	p := &Pipeline{
		username: opts.Username,
		manager:  opts.Manager,
		bus:      bus,
		log:      logging.New("pipeline"),
		http:     &http.Client{Timeout: DirectDeliveryTimeout},
		dedupe:   map[string]*dedupeRing{},
		reports:  map[string]*DeliveryReport{},
	}
	p.queue = retryqueue.New(retryqueue.Opts{
		Deliver: p.retryDeliver,
		Events:  bus,
	})
	// retry-queue transitions feed back into the per-message report
	bus.OnDeliveryStatus(func(e events.DeliveryStatusEvent) {
		switch e.Status {
		case events.StatusDelivered:
			p.setFinal(e.MessageID, e.Recipient, SendDelivered)
		case events.StatusFailed:
			p.setFinal(e.MessageID, e.Recipient, SendFailed)
		case events.StatusExpired:
			p.setFinal(e.MessageID, e.Recipient, SendExpired)
		}
	})
	return p
}

// Start launches the retry-queue scanner.
func (p *Pipeline) Start() { p.queue.Start() }

// Stop halts the retry-queue scanner.
func (p *Pipeline) Stop() { p.queue.Stop() }

// Send resolves the recipient, encrypts and signs the envelope, and
// either delivers it directly or enqueues it for retry.
func (p *Pipeline) Send(ctx context.Context, recipient string, payload map[string]any) SendResult {
	communityName, username, err := p.manager.ResolveCommunity(recipient)
	if err != nil {
		return SendResult{Status: SendFailed, Error: err.Error()}
	}

	cache, err := p.manager.Cache(communityName)
	if err != nil {
		return SendResult{Status: SendFailed, Error: err.Error()}
	}

	entry, known := cache.Get(username)
	if !known || cache.Stale(ContactStaleAfter) {
		if refreshErr := p.manager.RefreshContacts(ctx, communityName); refreshErr == nil {
			entry, known = cache.Get(username)
		}
		// soft failure: keep whatever entry (possibly none) we had
	}

	if !known {
		return SendResult{Status: SendFailed, Error: "not a contact"}
	}

	messageID := envelope.NewMessageID()

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return SendResult{Status: SendFailed, Error: err.Error()}
	}

	priv, err := p.manager.PrivateKey(communityName)
	if err != nil {
		return SendResult{Status: SendFailed, Error: err.Error()}
	}
	peerPub, err := cryptox.DecodePublicKeyB64(entry.PublicKey)
	if err != nil {
		return SendResult{Status: SendFailed, Error: err.Error()}
	}
	sharedKey, err := cryptox.SharedSecret(priv, peerPub, p.username, username)
	if err != nil {
		return SendResult{Status: SendFailed, Error: err.Error()}
	}

	envPayload, err := envelope.EncryptPayload(messageID, sharedKey, plaintext)
	if err != nil {
		return SendResult{Status: SendFailed, Error: err.Error()}
	}

	env := envelope.Build(envelope.TypeDirect, p.username, username, "", envPayload, nil)
	env.MessageID = messageID
	if err := env.Sign(priv); err != nil {
		return SendResult{Status: SendFailed, Error: err.Error()}
	}
	raw, err := env.Marshal()
	if err != nil {
		return SendResult{Status: SendFailed, Error: err.Error()}
	}

	if entry.Online && entry.Endpoint != "" {
		deliverErr := p.attemptDirect(ctx, messageID, username, entry.Endpoint, true, raw)
		if deliverErr == nil {
			p.setFinal(messageID, username, SendDelivered)
			return SendResult{Status: SendDelivered, MessageID: messageID}
		}
		if errs.Is(deliverErr, errs.Validation) {
			p.setFinal(messageID, username, SendFailed)
			return SendResult{Status: SendFailed, MessageID: messageID, Error: deliverErr.Error()}
		}
		// network error or 5xx: fall through to enqueue
	}

	if err := p.queue.Enqueue(messageID, username, communityName, raw); err != nil {
		p.setFinal(messageID, username, SendFailed)
		return SendResult{Status: SendFailed, MessageID: messageID, Error: err.Error()}
	}
	p.setFinal(messageID, username, SendQueued)
	return SendResult{Status: SendQueued, MessageID: messageID}
}

// attemptDirect performs one delivery try and appends it to the
// message's delivery report.
func (p *Pipeline) attemptDirect(ctx context.Context, messageID, recipient, endpoint string, presence bool, raw []byte) error {
	start := time.Now()
	httpStatus, err := p.deliverDirect(ctx, endpoint, raw)
	attempt := DeliveryAttempt{
		At:            start,
		PresenceCheck: presence,
		Endpoint:      endpoint,
		HTTPStatus:    httpStatus,
		DurationMs:    time.Since(start).Milliseconds(),
	}
	if err != nil {
		attempt.Error = err.Error()
	}
	p.appendAttempt(messageID, recipient, attempt)
	return err
}

// deliverDirect POSTs raw envelope bytes to the recipient's HTTPS
// inbox endpoint. A 2xx response is success; 4xx is a hard failure
// (errs.Validation, not retried); anything else is transient.
func (p *Pipeline) deliverDirect(ctx context.Context, endpoint string, raw []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, DirectDeliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return 0, errs.Wrap(errs.TransientTransport, "build delivery request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return 0, errs.Wrap(errs.TransientTransport, "direct delivery failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.StatusCode, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return resp.StatusCode, errs.New(errs.Validation, fmt.Sprintf("recipient rejected delivery: %d", resp.StatusCode))
	default:
		return resp.StatusCode, errs.New(errs.TransientTransport, fmt.Sprintf("recipient delivery error: %d", resp.StatusCode))
	}
}

// retryDeliver adapts attemptDirect to the retryqueue.Deliverer shape;
// it needs the live endpoint, so it re-reads the contact cache by
// community+recipient recorded on the entry.
func (p *Pipeline) retryDeliver(ctx context.Context, entry *retryqueue.Entry) error {
	cache, err := p.manager.Cache(entry.Community)
	if err != nil {
		return err
	}
	contact, ok := cache.Get(entry.Recipient)
	if !ok || !contact.Online || contact.Endpoint == "" {
		p.appendAttempt(entry.MessageID, entry.Recipient, DeliveryAttempt{
			At:            time.Now(),
			PresenceCheck: false,
			Error:         "recipient still offline",
		})
		return errs.New(errs.TransientTransport, "recipient still offline")
	}
	return p.attemptDirect(ctx, entry.MessageID, entry.Recipient, contact.Endpoint, true, entry.EnvelopeRaw)
}

func (p *Pipeline) report(messageID, recipient string) *DeliveryReport {
	rep, ok := p.reports[messageID]
	if !ok {
		rep = &DeliveryReport{MessageID: messageID, Recipient: recipient}
		p.reports[messageID] = rep
		p.reportOrder = append(p.reportOrder, messageID)
		if len(p.reportOrder) > maxDeliveryReport {
			oldest := p.reportOrder[0]
			p.reportOrder = p.reportOrder[1:]
			delete(p.reports, oldest)
		}
	}
	return rep
}

func (p *Pipeline) appendAttempt(messageID, recipient string, attempt DeliveryAttempt) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rep := p.report(messageID, recipient)
	rep.Attempts = append(rep.Attempts, attempt)
}

func (p *Pipeline) setFinal(messageID, recipient string, status SendStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.report(messageID, recipient).FinalStatus = status
}

// DeliveryReportFor returns a copy of one message's attempt log, if
// still retained.
func (p *Pipeline) DeliveryReportFor(messageID string) (DeliveryReport, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rep, ok := p.reports[messageID]
	if !ok {
		return DeliveryReport{}, false
	}
	out := *rep
	out.Attempts = append([]DeliveryAttempt{}, rep.Attempts...)
	return out, true
}

// DeliveryReports returns a snapshot of the bounded report log, oldest
// first.
func (p *Pipeline) DeliveryReports() []DeliveryReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]DeliveryReport, 0, len(p.reportOrder))
	for _, id := range p.reportOrder {
		rep := p.reports[id]
		cp := *rep
		cp.Attempts = append([]DeliveryAttempt{}, rep.Attempts...)
		out = append(out, cp)
	}
	return out
}
