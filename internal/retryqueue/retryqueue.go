// Package retryqueue implements the bounded, time-scheduled retry queue
// used when a direct recipient is offline: capacity-bounded FIFO,
// scheduled re-attempts at fixed backoff offsets, expiry, and a
// single background scanner goroutine.
package retryqueue

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/adamavenir/cc4me/internal/errs"
	"github.com/adamavenir/cc4me/internal/events"
	"github.com/adamavenir/cc4me/internal/logging"
)

// DefaultCapacity is the maximum number of entries the queue holds at once.
const DefaultCapacity = 100

// MaxAttempts is the number of scheduled re-delivery attempts per entry.
const MaxAttempts = 3

// Expiry is how long an entry is retried before being dropped as expired.
const Expiry = time.Hour

// RetryOffsets are the delays, from enqueue time, of each re-attempt.
var RetryOffsets = []time.Duration{10 * time.Second, 30 * time.Second, 90 * time.Second}

// ScanInterval is how often the background scanner checks for due entries.
const ScanInterval = time.Second

// Deliverer performs one delivery attempt for a queued envelope. A
// transient error (errs.TransientTransport) schedules a retry; any
// other error is treated as a hard, non-retried failure.
type Deliverer func(ctx context.Context, entry *Entry) error

// Entry is one queued, not-yet-delivered message.
type Entry struct {
	MessageID   string
	Recipient   string
	Community   string
	EnvelopeRaw []byte
	EnqueuedAt  time.Time
	Attempts    int
	NextAttempt time.Time
}

// Queue is a bounded FIFO of pending delivery attempts.
type Queue struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // list.Element.Value is *Entry, oldest-first
	byID     map[string]*list.Element

	deliver Deliverer
	bus     *events.Bus
	log     *logging.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Opts configures a Queue.
type Opts struct {
	Capacity int
	Deliver  Deliverer
	Events   *events.Bus
}

// New constructs a Queue. Call Start to begin the background scanner.
func New(opts Opts) *Queue {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Events == nil {
		opts.Events = events.New()
	}
	return &Queue{
		capacity: opts.Capacity,
		order:    list.New(),
		byID:     map[string]*list.Element{},
		deliver:  opts.Deliver,
		bus:      opts.Events,
		log:      logging.New("retryqueue"),
		stopCh:   make(chan struct{}),
	}
}

// Enqueue adds a new entry. Returns errs.QueueFull if the queue is at
// capacity; the caller's delivery report should mark the message failed
// with "queue full" in that case.
func (q *Queue) Enqueue(messageID, recipient, community string, envelopeRaw []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.byID[messageID]; exists {
		return nil // already queued, idempotent
	}
	if q.order.Len() >= q.capacity {
		return errs.New(errs.QueueFull, "retry queue full")
	}

	now := time.Now()
	entry := &Entry{
		MessageID:   messageID,
		Recipient:   recipient,
		Community:   community,
		EnvelopeRaw: envelopeRaw,
		EnqueuedAt:  now,
		NextAttempt: now.Add(RetryOffsets[0]),
	}
	elem := q.order.PushBack(entry)
	q.byID[messageID] = elem

	q.emit(events.DeliveryStatusEvent{MessageID: messageID, Recipient: recipient, Status: events.StatusPending})
	return nil
}

func (q *Queue) emit(e events.DeliveryStatusEvent) {
	q.bus.EmitDeliveryStatus(e)
}

// Start launches the background scanner goroutine.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.scanLoop()
}

// Stop halts the background scanner and waits for it to exit.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
	q.wg.Wait()
}

func (q *Queue) scanLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.scanOnce()
		}
	}
}

// scanOnce walks the queue once, attempting delivery for every due
// entry and removing entries that are expired, delivered, or exhausted.
func (q *Queue) scanOnce() {
	now := time.Now()

	var due []*Entry
	q.mu.Lock()
	for elem := q.order.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*Entry)
		if now.Sub(entry.EnqueuedAt) > Expiry {
			continue // handled below in a second pass after unlock
		}
		if !entry.NextAttempt.After(now) {
			due = append(due, entry)
		}
	}
	q.mu.Unlock()

	for _, entry := range due {
		q.attempt(entry)
	}

	q.sweepExpired()
}

func (q *Queue) attempt(entry *Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q.emit(events.DeliveryStatusEvent{MessageID: entry.MessageID, Recipient: entry.Recipient, Status: events.StatusSending})

	err := q.deliver(ctx, entry)
	if err == nil {
		q.remove(entry.MessageID)
		q.emit(events.DeliveryStatusEvent{MessageID: entry.MessageID, Recipient: entry.Recipient, Status: events.StatusDelivered})
		return
	}

	if !errs.Is(err, errs.TransientTransport) {
		q.remove(entry.MessageID)
		q.emit(events.DeliveryStatusEvent{MessageID: entry.MessageID, Recipient: entry.Recipient, Status: events.StatusFailed})
		return
	}

	q.mu.Lock()
	entry.Attempts++
	if entry.Attempts >= MaxAttempts {
		q.mu.Unlock()
		q.remove(entry.MessageID)
		q.emit(events.DeliveryStatusEvent{MessageID: entry.MessageID, Recipient: entry.Recipient, Status: events.StatusFailed})
		return
	}
	entry.NextAttempt = entry.EnqueuedAt.Add(RetryOffsets[entry.Attempts])
	q.mu.Unlock()
}

func (q *Queue) sweepExpired() {
	now := time.Now()
	var expired []*Entry

	q.mu.Lock()
	for elem := q.order.Front(); elem != nil; {
		next := elem.Next()
		entry := elem.Value.(*Entry)
		if now.Sub(entry.EnqueuedAt) > Expiry {
			q.order.Remove(elem)
			delete(q.byID, entry.MessageID)
			expired = append(expired, entry)
		}
		elem = next
	}
	q.mu.Unlock()

	for _, entry := range expired {
		q.emit(events.DeliveryStatusEvent{MessageID: entry.MessageID, Recipient: entry.Recipient, Status: events.StatusExpired})
	}
}

func (q *Queue) remove(messageID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if elem, ok := q.byID[messageID]; ok {
		q.order.Remove(elem)
		delete(q.byID, messageID)
	}
}

// Len returns the current number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.order.Len()
}

// Pending returns a snapshot of all queued entries, oldest first.
func (q *Queue) Pending() []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Entry, 0, q.order.Len())
	for elem := q.order.Front(); elem != nil; elem = elem.Next() {
		out = append(out, elem.Value.(*Entry))
	}
	return out
}
