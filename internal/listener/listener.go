// Package listener runs one TCP acceptor per configured port mapping,
// turning each accepted connection into a PendingIntent posted to the
// lifecycle state machine. It never parses HTTP or any other protocol.
package listener

import (
	"context"
	"math"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"smartproxy/internal/admission"
)

// Submitter is the subset of the lifecycle Machine a listener depends on.
type Submitter interface {
	SubmitIntent(intent *admission.PendingIntent)
}

// Mapping pairs a listen port with the backend port intents on it should
// eventually reach.
type Mapping struct {
	ListenPort  uint16
	BackendPort uint16
}

const (
	initialBackoff = 10 * time.Millisecond
	backoffFactor  = 2.0
)

// Set owns one net.Listener per Mapping.
type Set struct {
	host           string
	mappings       []Mapping
	machine        Submitter
	requestTimeout time.Duration
	maxBackoff     time.Duration
}

// New builds a listener set bound to host, one per mapping.
func New(host string, mappings []Mapping, machine Submitter, requestTimeout, maxBackoff time.Duration) *Set {
	if maxBackoff <= 0 {
		maxBackoff = time.Second
	}
	return &Set{host: host, mappings: mappings, machine: machine, requestTimeout: requestTimeout, maxBackoff: maxBackoff}
}

// Open binds every configured port. On any bind failure it closes the
// listeners it already opened and returns the error — a bind failure is
// fatal at startup (spec's ListenerBindFailed).
func (s *Set) Open() ([]net.Listener, error) {
	listeners := make([]net.Listener, 0, len(s.mappings))
	for _, m := range s.mappings {
		addr := net.JoinHostPort(s.host, portString(m.ListenPort))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, opened := range listeners {
				_ = opened.Close()
			}
			return nil, err
		}
		listeners = append(listeners, ln)
	}
	return listeners, nil
}

// Serve runs the accept loop for every listener until ctx is canceled,
// blocking until all acceptors have returned.
func (s *Set) Serve(ctx context.Context, listeners []net.Listener) {
	done := make(chan struct{}, len(s.mappings))
	for i, ln := range listeners {
		go func(ln net.Listener, m Mapping) {
			s.acceptLoop(ctx, ln, m)
			done <- struct{}{}
		}(ln, s.mappings[i])
	}
	for range listeners {
		<-done
	}
}

func (s *Set) acceptLoop(ctx context.Context, ln net.Listener, m Mapping) {
	attempt := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			delay := backoffDelay(attempt, s.maxBackoff)
			attempt++
			log.Warn().Err(err).Uint16("listen_port", m.ListenPort).Dur("retry_in", delay).Msg("accept failed, backing off")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0

		now := time.Now()
		intent := &admission.PendingIntent{
			Conn:          conn,
			ListenPort:    m.ListenPort,
			BackendPort:   m.BackendPort,
			EnqueuedAt:    now,
			DeadlineAt:    now.Add(s.requestTimeout),
			CorrelationID: uuid.New(),
		}
		log.Debug().Str("correlation_id", intent.CorrelationID.String()).
			Uint16("listen_port", m.ListenPort).Uint16("backend_port", m.BackendPort).
			Msg("listener: accepted connection")
		s.machine.SubmitIntent(intent)
	}
}

func backoffDelay(attempt int, max time.Duration) time.Duration {
	delay := time.Duration(float64(initialBackoff) * math.Pow(backoffFactor, float64(attempt)))
	if delay > max {
		return max
	}
	return delay
}

func portString(p uint16) string {
	return strconv.FormatUint(uint64(p), 10)
}
