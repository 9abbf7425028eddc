// Package forwarder dials the backend for a released intent and pumps
// bytes bidirectionally between client and backend, byte-transparently.
package forwarder

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"smartproxy/internal/admission"
)

// Accountant is the subset of activity.Accountant a Forwarder needs.
type Accountant interface {
	Stamp()
}

// Resubmitter is the subset of the lifecycle Machine a Forwarder needs to
// re-enqueue an intent after a transient dial failure.
type Resubmitter interface {
	SubmitIntent(intent *admission.PendingIntent)
}

// BytesRecorder observes forwarded byte counts per direction, for metrics.
type BytesRecorder interface {
	AddBytes(direction string, n int)
}

const maxDialTimeout = 5 * time.Second

// Forwarder dials backendHost for each released intent and copies bytes in
// both directions until either side closes. It never inspects payload
// bytes.
type Forwarder struct {
	backendHost string
	dialer      *net.Dialer
	accountant  Accountant
	resubmit    Resubmitter

	// Bytes is optional; when set, every direction's copy reports its byte
	// count through it. Nil is valid and simply means no observation.
	Bytes BytesRecorder
}

// New builds a Forwarder targeting backendHost (the configured target_host).
func New(backendHost string, accountant Accountant, resubmit Resubmitter) *Forwarder {
	return &Forwarder{
		backendHost: backendHost,
		dialer:      &net.Dialer{},
		accountant:  accountant,
		resubmit:    resubmit,
	}
}

// Forward dials the backend for intent and, on success, runs the byte
// pump until completion. On dial failure it re-enqueues the intent once
// (spec §4.8) before giving up with a bad-gateway response.
func (f *Forwarder) Forward(ctx context.Context, intent *admission.PendingIntent) {
	dialTimeout := time.Until(intent.DeadlineAt)
	if dialTimeout <= 0 || dialTimeout > maxDialTimeout {
		dialTimeout = maxDialTimeout
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	addr := net.JoinHostPort(f.backendHost, strconv.Itoa(int(intent.BackendPort)))
	backendConn, err := f.dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		f.handleDialFailure(intent, err)
		return
	}

	log.Debug().Str("correlation_id", intent.CorrelationID.String()).
		Uint16("backend_port", intent.BackendPort).Msg("forwarder: dial succeeded, pumping")
	f.accountant.Stamp()
	pump(intent.Conn, backendConn, f.accountant, f.Bytes)
}

func (f *Forwarder) handleDialFailure(intent *admission.PendingIntent, dialErr error) {
	log.Warn().Err(dialErr).Str("correlation_id", intent.CorrelationID.String()).
		Uint16("backend_port", intent.BackendPort).Msg("forwarder: backend dial failed")

	if !intent.DialRetried {
		intent.DialRetried = true
		f.resubmit.SubmitIntent(intent)
		return
	}
	admission.FailBadGateway(intent)
}

// pump copies bytes in both directions until each side reaches EOF or
// error, half-closing the peer's write side as soon as one direction ends,
// and only fully closing both connections once both directions are done.
func pump(client, backend net.Conn, accountant Accountant, bytes BytesRecorder) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		copyDirection(backend, client, accountant, bytes, "client_to_backend")
		closeWrite(backend)
	}()
	go func() {
		defer wg.Done()
		copyDirection(client, backend, accountant, bytes, "backend_to_client")
		closeWrite(client)
	}()

	wg.Wait()
	_ = client.Close()
	_ = backend.Close()
}

func copyDirection(dst, src net.Conn, accountant Accountant, bytes BytesRecorder, direction string) {
	buf := make([]byte, 32*1024)
	stamped := false
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if !stamped {
				accountant.Stamp()
				stamped = true
			}
			if bytes != nil {
				bytes.AddBytes(direction, n)
			}
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return
			}
		}
		if readErr != nil {
			return
		}
	}
}

func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}
