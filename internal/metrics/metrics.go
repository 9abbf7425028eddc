// Package metrics defines the Prometheus collectors smartproxy exposes and
// a small Recorder adapter that wires them into the lifecycle state
// machine, admission queue, and oracle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"smartproxy/internal/lifecycle"
)

var (
	LifecycleState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "smartproxy_lifecycle_state",
			Help: "Current lifecycle state, one-hot by state label: 1 for the current state, 0 for the other three",
		},
		[]string{"state"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smartproxy_queue_depth",
			Help: "Number of intents currently held in the admission queue",
		},
	)

	PowerCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartproxy_power_commands_total",
			Help: "IPMI power commands issued, by command and outcome",
		},
		[]string{"command", "outcome"},
	)

	IntentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartproxy_intents_total",
			Help: "Client intents processed, by outcome",
		},
		[]string{"outcome"},
	)

	ForwarderBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartproxy_forwarder_bytes_total",
			Help: "Bytes forwarded between client and backend, by direction",
		},
		[]string{"direction"},
	)

	OraclePollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartproxy_oracle_polls_total",
			Help: "Oracle polls, by resulting signal",
		},
		[]string{"signal"},
	)
)

// Recorder implements lifecycle.Recorder by updating the collectors above.
type Recorder struct {
	queueDepth func() int
}

// NewRecorder builds a Recorder. queueDepth is polled whenever an intent
// outcome is recorded, keeping the gauge close to current without a
// separate polling goroutine.
func NewRecorder(queueDepth func() int) *Recorder {
	return &Recorder{queueDepth: queueDepth}
}

var allLifecycleStates = []lifecycle.State{lifecycle.Off, lifecycle.Starting, lifecycle.Ready, lifecycle.Stopping}

func (r *Recorder) StateChanged(s lifecycle.State) {
	for _, st := range allLifecycleStates {
		v := 0.0
		if st == s {
			v = 1.0
		}
		LifecycleState.WithLabelValues(st.String()).Set(v)
	}
}

func (r *Recorder) PowerCommand(verb string, ok bool) {
	outcome := "ack"
	if !ok {
		outcome = "err"
	}
	PowerCommandsTotal.WithLabelValues(verb, outcome).Inc()
}

func (r *Recorder) IntentOutcome(outcome string) {
	IntentsTotal.WithLabelValues(outcome).Inc()
	if r.queueDepth != nil {
		QueueDepth.Set(float64(r.queueDepth()))
	}
}

// AddBytes implements forwarder.BytesRecorder.
func (r *Recorder) AddBytes(direction string, n int) {
	ForwarderBytesTotal.WithLabelValues(direction).Add(float64(n))
}

// RecordSignal implements oracle.SignalRecorder.
func (r *Recorder) RecordSignal(signal string) {
	OraclePollsTotal.WithLabelValues(signal).Inc()
}

var _ lifecycle.Recorder = (*Recorder)(nil)
