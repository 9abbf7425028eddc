// Package admission implements the bounded FIFO queue that holds client
// connections while the backend is not yet READY.
package admission

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// PendingIntent is a queued client connection awaiting release to a
// Forwarder. The queue owns Conn for as long as the intent is enqueued;
// ownership transfers to whoever pops it (a Forwarder on release, the
// queue itself on expiry).
type PendingIntent struct {
	Conn        net.Conn
	ListenPort  uint16
	BackendPort uint16
	EnqueuedAt  time.Time
	DeadlineAt  time.Time

	// CorrelationID tags this intent at accept time so its journey through
	// queueing, release/expiry, and forwarding can be traced through log
	// lines across packages.
	CorrelationID uuid.UUID

	// DialRetried tracks whether the Forwarder has already re-enqueued this
	// intent once after a failed backend dial (spec §4.8: retry at most once).
	DialRetried bool
}

// Expired reports whether the intent's deadline has passed as of now.
func (p *PendingIntent) Expired(now time.Time) bool {
	return !p.DeadlineAt.After(now)
}

// GatewayTimeoutResponse is the one HTTP-aware output the otherwise
// byte-transparent proxy produces, written to a client whose intent expired
// before the backend became READY.
const GatewayTimeoutResponse = "HTTP/1.1 504 Gateway Timeout\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"

// OverflowResponse is written ahead of the RST that signals queue-full
// rejection (invariant 5: a 503-equivalent followed by a TCP reset).
const OverflowResponse = "HTTP/1.1 503 Service Unavailable\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"

// BadGatewayResponse is written when a backend dial still fails after the
// Forwarder's one retry (spec §7: BackendDialFailed in READY).
const BadGatewayResponse = "HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"

// ShuttingDownResponse is written to intents still queued when the
// supervisor begins a clean shutdown (spec §7: ShuttingDown).
const ShuttingDownResponse = "HTTP/1.1 503 Service Unavailable\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"

// Queue is a bounded FIFO of PendingIntents. Capacity check and insert are
// a single locked operation, matching the "one atomic operation" guarantee
// the concurrency model requires.
type Queue struct {
	mu       sync.Mutex
	items    []*PendingIntent
	capacity int
}

// NewQueue creates a queue bounded at capacity (spec default 1000).
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Queue{capacity: capacity}
}

// Offer appends intent to the tail of the queue, rejecting it if the queue
// is already at capacity.
func (q *Queue) Offer(intent *PendingIntent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, intent)
	return true
}

// ReleaseAll pops every queued intent in FIFO order, emptying the queue.
// Called only by the lifecycle state machine on a transition to READY.
func (q *Queue) ReleaseAll() []*PendingIntent {
	q.mu.Lock()
	defer q.mu.Unlock()

	released := q.items
	q.items = nil
	return released
}

// ExpireDue removes and returns every intent whose deadline has passed as
// of now, preserving FIFO order among the intents that remain.
func (q *Queue) ExpireDue(now time.Time) []*PendingIntent {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}

	remaining := q.items[:0:0]
	var expired []*PendingIntent
	for _, intent := range q.items {
		if intent.Expired(now) {
			expired = append(expired, intent)
		} else {
			remaining = append(remaining, intent)
		}
	}
	q.items = remaining
	return expired
}

// Len reports the current queue depth, for metrics and tests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// RejectOverflow writes a 503 response and then forces a TCP RST by
// setting zero linger before close, per invariant 5's "503-equivalent
// TCP RST-after-response".
func RejectOverflow(conn net.Conn) {
	log.Debug().Str("remote_addr", conn.RemoteAddr().String()).Msg("admission: rejecting connection, queue full")
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, _ = conn.Write([]byte(OverflowResponse))
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetLinger(0)
	}
	_ = conn.Close()
}

// FailExpired writes the gateway-timeout response to an expired intent's
// connection and closes it, transferring the queue's ownership of the
// socket to "closed".
func FailExpired(intent *PendingIntent) {
	log.Debug().Str("correlation_id", intent.CorrelationID.String()).Msg("admission: intent expired before release")
	_ = intent.Conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, _ = intent.Conn.Write([]byte(GatewayTimeoutResponse))
	_ = intent.Conn.Close()
}

// FailBadGateway writes the bad-gateway response to an intent whose backend
// dial failed even after the one permitted retry, then closes it.
func FailBadGateway(intent *PendingIntent) {
	log.Debug().Str("correlation_id", intent.CorrelationID.String()).Msg("admission: intent failed, backend unreachable")
	_ = intent.Conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, _ = intent.Conn.Write([]byte(BadGatewayResponse))
	_ = intent.Conn.Close()
}

// FailShuttingDown writes the shutting-down response to an intent still
// queued when the supervisor begins a clean shutdown, then closes it.
func FailShuttingDown(intent *PendingIntent) {
	log.Debug().Str("correlation_id", intent.CorrelationID.String()).Msg("admission: intent failed, proxy shutting down")
	_ = intent.Conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, _ = intent.Conn.Write([]byte(ShuttingDownResponse))
	_ = intent.Conn.Close()
}
