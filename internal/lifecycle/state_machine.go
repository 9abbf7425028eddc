// Package lifecycle implements the single-writer state machine that
// decides, for every client connection, whether to forward it immediately,
// hold it in the admission queue, or trigger an IPMI power-on.
package lifecycle

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"smartproxy/internal/admission"
	"smartproxy/internal/ipmi"
	"smartproxy/internal/oracle"
)

// State is one of the four lifecycle states. Exactly one instance exists
// process-wide; all mutation happens on the Machine's single run loop.
type State int32

const (
	Off State = iota
	Starting
	Ready
	Stopping
)

func (s State) String() string {
	switch s {
	case Starting:
		return "STARTING"
	case Ready:
		return "READY"
	case Stopping:
		return "STOPPING"
	default:
		return "OFF"
	}
}

// ForwardFunc hands a released intent off to a Forwarder. Decoupled from a
// concrete forwarder type so this package never imports it.
type ForwardFunc func(intent *admission.PendingIntent)

// Recorder observes lifecycle activity for metrics. Implementations must
// not block; a nil Recorder is valid and simply means no observation.
type Recorder interface {
	StateChanged(s State)
	PowerCommand(verb string, ok bool)
	IntentOutcome(outcome string)
}

type eventKind int

const (
	evIntentArrived eventKind = iota
	evObservedOff
	evObservedStarting
	evObservedReady
	evIdleTimerFired
	evPowerOnAck
	evStartupDeadline
	evSoftOffAck
)

type event struct {
	kind   eventKind
	intent *admission.PendingIntent
	err    error
	gen    uint64
}

// Accountant is the subset of activity.Accountant the state machine needs.
// Kept as an interface so tests can swap in a no-op.
type Accountant interface {
	Stamp()
	Arm()
	Disarm()
}

// Options configures a new Machine. Queue, Accountant, Effector and Forward
// are required; Recorder may be nil, and a non-positive StartupTimeout,
// CheckInterval or IPMITimeout falls back to 300s, 30s or 15s respectively.
type Options struct {
	Queue          *admission.Queue
	Accountant     Accountant
	Effector       ipmi.Effector
	Forward        ForwardFunc
	StartupTimeout time.Duration
	CheckInterval  time.Duration
	IPMITimeout    time.Duration
	Recorder       Recorder
}

// Machine is the lifecycle state machine. All state transitions happen on
// the goroutine running Run; everything else communicates with it only by
// posting events.
type Machine struct {
	state atomic.Int32

	queue      *admission.Queue
	accountant Accountant
	effector   ipmi.Effector
	forward    ForwardFunc
	recorder   Recorder

	startupTimeout time.Duration
	checkInterval  time.Duration
	ipmiTimeout    time.Duration

	events  chan event
	stopped chan struct{}

	startupGen     atomic.Uint64
	startupTimer   *time.Timer
	startupRetried bool
}

// New builds a Machine starting in OFF.
func New(opts Options) *Machine {
	if opts.IPMITimeout <= 0 {
		opts.IPMITimeout = 15 * time.Second
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = 300 * time.Second
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 30 * time.Second
	}
	return &Machine{
		queue:          opts.Queue,
		accountant:     opts.Accountant,
		effector:       opts.Effector,
		forward:        opts.Forward,
		recorder:       opts.Recorder,
		startupTimeout: opts.StartupTimeout,
		checkInterval:  opts.CheckInterval,
		ipmiTimeout:    opts.IPMITimeout,
		events:         make(chan event, 64),
		stopped:        make(chan struct{}),
	}
}

// Snapshot returns the current state without touching the run loop,
// per spec's "external readers use an atomic snapshot load".
func (m *Machine) Snapshot() State {
	return State(m.state.Load())
}

// SubmitIntent posts an arriving client connection to the state machine.
// Called by the Port Listener Set.
func (m *Machine) SubmitIntent(intent *admission.PendingIntent) {
	m.postEvent(event{kind: evIntentArrived, intent: intent})
}

// ObserveSignal posts a derived oracle signal. ObservedUnknown never
// triggers a transition and is not posted.
func (m *Machine) ObserveSignal(sig oracle.Signal) {
	switch sig {
	case oracle.ObservedOff:
		m.postEvent(event{kind: evObservedOff})
	case oracle.ObservedStarting:
		m.postEvent(event{kind: evObservedStarting})
	case oracle.ObservedReady:
		m.postEvent(event{kind: evObservedReady})
	}
}

// NotifyIdleFired posts an idle-timer expiry from the Idle Accountant.
func (m *Machine) NotifyIdleFired() {
	m.postEvent(event{kind: evIdleTimerFired})
}

// Run processes events until ctx is canceled. It is the single writer of
// all lifecycle state.
func (m *Machine) Run(ctx context.Context) {
	defer close(m.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

func (m *Machine) postEvent(ev event) {
	select {
	case m.events <- ev:
	case <-m.stopped:
	}
}

func (m *Machine) handle(ev event) {
	switch State(m.state.Load()) {
	case Off:
		m.handleOff(ev)
	case Starting:
		m.handleStarting(ev)
	case Ready:
		m.handleReady(ev)
	case Stopping:
		m.handleStopping(ev)
	}
}

func (m *Machine) handleOff(ev event) {
	switch ev.kind {
	case evIntentArrived:
		m.enqueueOrReject(ev.intent)
		m.issuePowerOn()
		m.enterStarting()
	case evObservedStarting:
		m.enterStarting()
	case evObservedReady:
		m.transitionTo(Ready)
	case evObservedOff:
		// already OFF
	default:
		m.ignore(ev, Off)
	}
}

func (m *Machine) handleStarting(ev event) {
	switch ev.kind {
	case evIntentArrived:
		m.enqueueOrReject(ev.intent)
	case evObservedReady:
		m.transitionTo(Ready)
	case evObservedOff, evObservedStarting:
		// no-op: still waiting for readiness
	case evPowerOnAck:
		// recorded via Recorder in issuePowerOn; still waiting for READY
	case evStartupDeadline:
		m.handleStartupDeadline(ev)
	default:
		m.ignore(ev, Starting)
	}
}

func (m *Machine) handleReady(ev event) {
	switch ev.kind {
	case evIntentArrived:
		m.accountant.Stamp()
		m.forward(ev.intent)
	case evObservedOff:
		// unexpected power loss: the backend vanished without us
		// requesting it. Any in-flight forwarders end on their own
		// once the backend side of their pump hits EOF/error.
		m.transitionTo(Off)
	case evObservedStarting:
		m.enterStarting()
	case evIdleTimerFired:
		m.transitionTo(Stopping)
		m.issuePowerSoft()
	default:
		m.ignore(ev, Ready)
	}
}

func (m *Machine) handleStopping(ev event) {
	switch ev.kind {
	case evIntentArrived:
		m.enqueueOrReject(ev.intent)
	case evObservedOff:
		m.settleStoppedInto(Off)
	case evObservedStarting:
		m.transitionTo(Starting)
	case evObservedReady:
		m.transitionTo(Ready)
	case evSoftOffAck:
		m.settleStoppedInto(Off)
	default:
		m.ignore(ev, Stopping)
	}
}

// settleStoppedInto lands in OFF, then immediately kicks off a new start
// cycle if intents arrived while STOPPING was in flight (spec's "the stop
// completes, then a fresh start is triggered if the queue is non-empty").
func (m *Machine) settleStoppedInto(base State) {
	m.transitionTo(base)
	if m.queue.Len() > 0 {
		m.issuePowerOn()
		m.enterStarting()
	}
}

func (m *Machine) enterStarting() {
	m.startupRetried = false
	m.transitionTo(Starting)
	m.armStartupDeadline(m.startupTimeout)
}

// handleStartupDeadline implements the bounded retry in the error design:
// "a single retry of powerOn may be attempted if the queue is non-empty
// (policy: at most one retry per startup window before surfacing)". The
// retry window is one check_interval, keeping the worst case OFF-to-OFF
// bound at startup_timeout + one check_interval.
func (m *Machine) handleStartupDeadline(ev event) {
	if ev.gen != m.startupGen.Load() {
		return
	}
	if !m.startupRetried && m.queue.Len() > 0 {
		m.startupRetried = true
		m.issuePowerOn()
		m.armStartupDeadline(m.checkInterval)
		return
	}
	m.failStartup()
}

func (m *Machine) failStartup() {
	m.cancelStartupDeadline()
	m.startupRetried = false
	for _, intent := range m.queue.ReleaseAll() {
		admission.FailExpired(intent)
		m.record(func(r Recorder) { r.IntentOutcome("expired") })
	}
	m.transitionTo(Off)
}

func (m *Machine) armStartupDeadline(after time.Duration) {
	gen := m.startupGen.Add(1)
	if m.startupTimer != nil {
		m.startupTimer.Stop()
	}
	m.startupTimer = time.AfterFunc(after, func() {
		m.postEvent(event{kind: evStartupDeadline, gen: gen})
	})
}

func (m *Machine) cancelStartupDeadline() {
	m.startupGen.Add(1)
	if m.startupTimer != nil {
		m.startupTimer.Stop()
		m.startupTimer = nil
	}
}

func (m *Machine) enqueueOrReject(intent *admission.PendingIntent) {
	if m.queue.Offer(intent) {
		log.Debug().Str("correlation_id", intent.CorrelationID.String()).Msg("lifecycle: intent queued")
		return
	}
	admission.RejectOverflow(intent.Conn)
	m.record(func(r Recorder) { r.IntentOutcome("rejected_queue_full") })
}

// drainQueue releases every queued intent in FIFO order on a transition
// into READY, failing any whose deadline already passed.
func (m *Machine) drainQueue() {
	for _, intent := range m.queue.ReleaseAll() {
		if intent.Expired(time.Now()) {
			admission.FailExpired(intent)
			m.record(func(r Recorder) { r.IntentOutcome("expired") })
			continue
		}
		log.Debug().Str("correlation_id", intent.CorrelationID.String()).Msg("lifecycle: intent released")
		m.record(func(r Recorder) { r.IntentOutcome("released") })
		m.forward(intent)
	}
}

func (m *Machine) transitionTo(next State) {
	prev := State(m.state.Swap(int32(next)))
	if next == Ready {
		m.accountant.Arm()
		m.drainQueue()
	} else if prev == Ready {
		m.accountant.Disarm()
	}
	if next != Starting && prev == Starting {
		m.cancelStartupDeadline()
	}
	m.record(func(r Recorder) { r.StateChanged(next) })
}

func (m *Machine) issuePowerOn() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.ipmiTimeout)
		defer cancel()
		err := m.effector.PowerOn(ctx)
		m.record(func(r Recorder) { r.PowerCommand("power_on", err == nil) })
		if err != nil {
			log.Warn().Err(err).Msg("lifecycle: powerOn failed")
		}
		m.postEvent(event{kind: evPowerOnAck, err: err})
	}()
}

func (m *Machine) issuePowerSoft() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.ipmiTimeout)
		defer cancel()
		err := m.effector.PowerSoft(ctx)
		m.record(func(r Recorder) { r.PowerCommand("power_soft", err == nil) })
		if err != nil {
			log.Warn().Err(err).Msg("lifecycle: powerSoft failed")
		}
		m.postEvent(event{kind: evSoftOffAck, err: err})
	}()
}

func (m *Machine) ignore(ev event, state State) {
	log.Warn().Int("event", int(ev.kind)).Str("state", state.String()).Msg("lifecycle: ignoring event not valid in this state")
}

func (m *Machine) record(fn func(Recorder)) {
	if m.recorder != nil {
		fn(m.recorder)
	}
}
