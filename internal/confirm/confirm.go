// Package confirm implements the tool-call confirmation handshake. No
// side effect runs unless the user explicitly approves it, and any
// failure of the handshake itself resolves as a rejection.
package confirm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout bounds how long a confirmation waits for the user.
const DefaultTimeout = 60 * time.Second

// ToolCall is one proposed call shown to the user for approval.
type ToolCall struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params"`
}

// Request is what the notify callback delivers to the user.
type Request struct {
	ID           string
	UserID       string
	ProposedCode string
	Calls        []ToolCall
	Timeout      time.Duration
}

// NotifyFunc delivers a confirmation request to the user. Called
// synchronously inside Request; an error cancels the confirmation.
type NotifyFunc func(Request) error

type pending struct {
	userID    string
	ch        chan bool
	createdAt time.Time
}

// Broker correlates outstanding confirmation requests with user
// responses. Each request is resolved exactly once: the first of
// response, timeout, or cancellation wins and every later resolution
// attempt is a no-op.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pending
	logger  *slog.Logger
	now     func() time.Time // test seam
}

// NewBroker creates an empty broker.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		pending: make(map[string]*pending),
		logger:  logger,
		now:     time.Now,
	}
}

// Request registers a confirmation, notifies the user, and blocks until
// the request resolves. Returns (true, nil) only on explicit approval.
// Timeout and context cancellation resolve as rejection; a notify
// failure cancels the entry before anything waits on it.
func (b *Broker) Request(ctx context.Context, userID, proposedCode string, calls []ToolCall, notify NotifyFunc, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	id := uuid.New().String()
	p := &pending{
		userID:    userID,
		ch:        make(chan bool, 1),
		createdAt: b.now(),
	}

	b.mu.Lock()
	b.pending[id] = p
	b.mu.Unlock()

	err := notify(Request{
		ID:           id,
		UserID:       userID,
		ProposedCode: proposedCode,
		Calls:        calls,
		Timeout:      timeout,
	})
	if err != nil {
		b.take(id)
		return false, fmt.Errorf("confirmation notify: %w", err)
	}

	b.logger.Debug("confirmation requested",
		"request_id", id,
		"user_id", userID,
		"calls", len(calls),
	)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case approved := <-p.ch:
		return approved, nil
	case <-timer.C:
		if b.take(id) != nil {
			b.logger.Info("confirmation timed out", "request_id", id, "user_id", userID)
			return false, nil
		}
		// A resolver won the race; its verdict is already in the channel.
		return <-p.ch, nil
	case <-ctx.Done():
		if b.take(id) != nil {
			return false, ctx.Err()
		}
		return <-p.ch, nil
	}
}

// HandleResponse resolves a pending request with the user's verdict.
// Returns false when the request is unknown, already resolved, or
// duplicated; callers treat that as a stale frame, not an error.
func (b *Broker) HandleResponse(requestID string, approved bool) bool {
	p := b.take(requestID)
	if p == nil {
		return false
	}
	p.ch <- approved
	b.logger.Debug("confirmation resolved",
		"request_id", requestID,
		"approved", approved,
	)
	return true
}

// CancelAll rejects every pending request for the user. Called on
// shutdown and on session teardown so nothing stays approvable after
// its session is gone.
func (b *Broker) CancelAll(userID string) int {
	b.mu.Lock()
	var cancelled []*pending
	for id, p := range b.pending {
		if p.userID == userID {
			delete(b.pending, id)
			cancelled = append(cancelled, p)
		}
	}
	b.mu.Unlock()

	for _, p := range cancelled {
		p.ch <- false
	}
	return len(cancelled)
}

// SweepExpired rejects pending requests older than maxAge. The waiting
// goroutine's own timer is the first line of defense; the sweep catches
// entries whose waiter died without resolving.
func (b *Broker) SweepExpired(maxAge time.Duration) int {
	cutoff := b.now().Add(-maxAge)

	b.mu.Lock()
	var expired []*pending
	for id, p := range b.pending {
		if p.createdAt.Before(cutoff) {
			delete(b.pending, id)
			expired = append(expired, p)
		}
	}
	b.mu.Unlock()

	for _, p := range expired {
		p.ch <- false
	}
	if len(expired) > 0 {
		b.logger.Info("swept expired confirmations", "count", len(expired))
	}
	return len(expired)
}

// PendingCount reports outstanding requests, for health reporting.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// take removes and returns a pending entry, or nil if it was already
// resolved. Deletion under the mutex is the single-resolution gate.
func (b *Broker) take(id string) *pending {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.pending[id]
	if p != nil {
		delete(b.pending, id)
	}
	return p
}
