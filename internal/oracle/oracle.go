// Package oracle combines the IPMI effector and reachability probe into a
// single derived power signal, polled on a fixed interval and posted to the
// lifecycle state machine. The oracle never mutates lifecycle state itself.
package oracle

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"smartproxy/internal/ipmi"
	"smartproxy/internal/probe"
)

// Signal is the derived power/reachability state posted to C4.
type Signal int

const (
	ObservedUnknown Signal = iota
	ObservedOff
	ObservedStarting
	ObservedReady
)

func (s Signal) String() string {
	switch s {
	case ObservedOff:
		return "OBSERVED_OFF"
	case ObservedStarting:
		return "OBSERVED_STARTING"
	case ObservedReady:
		return "OBSERVED_READY"
	default:
		return "OBSERVED_UNKNOWN"
	}
}

// SignalRecorder observes each poll's resulting signal, for metrics.
type SignalRecorder interface {
	RecordSignal(signal string)
}

// Oracle polls C1 and, conditionally, C2 every interval and emits a Signal
// on Signals(). It never blocks on the consumer: the channel is buffered
// and a slow consumer just sees the latest tick once it catches up.
type Oracle struct {
	effector  ipmi.Effector
	prober    probe.Prober
	probeAddr string
	interval  time.Duration

	signals chan Signal

	// Recorder is optional; nil means no metrics observation.
	Recorder SignalRecorder
}

// New builds an Oracle that polls effector and, when the backend reports
// PoweredOn, probes probeAddr (one configured backend port, per spec) every
// interval.
func New(effector ipmi.Effector, prober probe.Prober, probeAddr string, interval time.Duration) *Oracle {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Oracle{
		effector:  effector,
		prober:    prober,
		probeAddr: probeAddr,
		interval:  interval,
		signals:   make(chan Signal, 1),
	}
}

// Signals returns the channel C4 consumes derived signals from.
func (o *Oracle) Signals() <-chan Signal {
	return o.signals
}

// Run polls until ctx is canceled. Each tick runs independently of the
// previous one's duration; a slow IPMI call simply delays the next tick
// rather than overlapping it, since Run never spawns a concurrent poll.
func (o *Oracle) Run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	o.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.poll(ctx)
		}
	}
}

func (o *Oracle) poll(ctx context.Context) {
	state, err := o.effector.QueryPower(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("oracle: power query failed, treating as unknown")
	}

	var signal Signal
	switch state {
	case ipmi.PoweredOff:
		signal = ObservedOff
	case ipmi.PoweredOn:
		if o.prober.Probe(ctx, o.probeAddr) == probe.Reachable {
			signal = ObservedReady
		} else {
			signal = ObservedStarting
		}
	default:
		signal = ObservedUnknown
	}

	if o.Recorder != nil {
		o.Recorder.RecordSignal(signal.String())
	}
	o.emit(signal)
}

// emit posts the latest signal, replacing any unconsumed stale one rather
// than blocking — C4 only ever cares about the most recent observation.
func (o *Oracle) emit(signal Signal) {
	if signal == ObservedUnknown {
		return
	}
	select {
	case o.signals <- signal:
	default:
		select {
		case <-o.signals:
		default:
		}
		o.signals <- signal
	}
}
