package lifecycle

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartproxy/internal/admission"
	"smartproxy/internal/ipmi"
	"smartproxy/internal/oracle"
)

type fakeAccountant struct {
	mu    sync.Mutex
	armed bool
}

func (f *fakeAccountant) Stamp() {}
func (f *fakeAccountant) Arm() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed = true
}
func (f *fakeAccountant) Disarm() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed = false
}
func (f *fakeAccountant) isArmed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.armed
}

type fakeEffector struct {
	mu        sync.Mutex
	onCalls   int
	softCalls int
	onErr     error

	// holdSoft keeps PowerSoft in flight until its context ends, so the
	// soft-off ack (which moves STOPPING to OFF) does not arrive while a
	// test is still observing STOPPING.
	holdSoft bool
}

func (f *fakeEffector) QueryPower(ctx context.Context) (ipmi.ObservedState, error) {
	return ipmi.PoweredUnknown, nil
}
func (f *fakeEffector) PowerOn(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCalls++
	return f.onErr
}
func (f *fakeEffector) PowerSoft(ctx context.Context) error {
	f.mu.Lock()
	f.softCalls++
	hold := f.holdSoft
	f.mu.Unlock()
	if hold {
		<-ctx.Done()
	}
	return nil
}
func (f *fakeEffector) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.onCalls, f.softCalls
}

var _ ipmi.Effector = (*fakeEffector)(nil)

type forwardRecorder struct {
	mu       sync.Mutex
	forwarded []*admission.PendingIntent
}

func (r *forwardRecorder) forward(intent *admission.PendingIntent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forwarded = append(r.forwarded, intent)
}

func (r *forwardRecorder) snapshot() []*admission.PendingIntent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*admission.PendingIntent, len(r.forwarded))
	copy(out, r.forwarded)
	return out
}

func newTestMachine(t *testing.T, capacity int, startupTimeout, checkInterval time.Duration) (*Machine, *fakeEffector, *forwardRecorder, context.CancelFunc) {
	t.Helper()
	eff := &fakeEffector{}
	fwd := &forwardRecorder{}
	m := New(Options{
		Queue:          admission.NewQueue(capacity),
		Accountant:     &fakeAccountant{},
		Effector:       eff,
		Forward:        fwd.forward,
		StartupTimeout: startupTimeout,
		CheckInterval:  checkInterval,
		IPMITimeout:    time.Second,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	t.Cleanup(cancel)
	return m, eff, fwd, cancel
}

func pipeIntent(t *testing.T, deadline time.Time) (*admission.PendingIntent, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })
	return &admission.PendingIntent{Conn: client, EnqueuedAt: time.Now(), DeadlineAt: deadline}, server
}

func drain(server net.Conn) <-chan string {
	out := make(chan string, 1)
	go func() {
		buf := make([]byte, 4096)
		n, _ := server.Read(buf)
		out <- string(buf[:n])
	}()
	return out
}

func eventually(t *testing.T, within time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", within)
}

func TestColdStartForwardsOnReady(t *testing.T) {
	m, eff, fwd, _ := newTestMachine(t, 10, time.Minute, time.Second)

	intent, _ := pipeIntent(t, time.Now().Add(time.Minute))
	m.SubmitIntent(intent)

	eventually(t, time.Second, func() bool { on, _ := eff.counts(); return on == 1 })
	assert.Equal(t, Starting, m.Snapshot())

	m.ObserveSignal(oracle.ObservedReady)
	eventually(t, time.Second, func() bool { return len(fwd.snapshot()) == 1 })
	assert.Equal(t, Ready, m.Snapshot())
}

func TestQueueOverflowRejectsFourthIntent(t *testing.T) {
	m, _, _, _ := newTestMachine(t, 3, time.Minute, time.Second)

	var servers []net.Conn
	for i := 0; i < 3; i++ {
		intent, server := pipeIntent(t, time.Now().Add(time.Minute))
		servers = append(servers, server)
		m.SubmitIntent(intent)
	}
	eventually(t, time.Second, func() bool { return m.Snapshot() == Starting })

	overflow, overflowServer := pipeIntent(t, time.Now().Add(time.Minute))
	received := drain(overflowServer)
	m.SubmitIntent(overflow)

	select {
	case msg := <-received:
		assert.Contains(t, msg, "503")
	case <-time.After(time.Second):
		t.Fatal("overflow connection never received a response")
	}
	for _, s := range servers {
		_ = s.Close()
	}
}

func TestStartupTimeoutFailsQueuedIntentsAfterOneRetry(t *testing.T) {
	m, eff, _, _ := newTestMachine(t, 10, 30*time.Millisecond, 30*time.Millisecond)

	intent, server := pipeIntent(t, time.Now().Add(time.Hour))
	received := drain(server)
	m.SubmitIntent(intent)

	select {
	case msg := <-received:
		assert.Contains(t, msg, "504")
	case <-time.After(2 * time.Second):
		t.Fatal("expired intent never received gateway-timeout response")
	}

	eventually(t, time.Second, func() bool { return m.Snapshot() == Off })
	on, _ := eff.counts()
	assert.Equal(t, 2, on, "expected one initial powerOn and exactly one retry")
}

func TestIdleTimeoutTriggersPowerSoftAndReturnsOff(t *testing.T) {
	m, eff, fwd, _ := newTestMachine(t, 10, time.Minute, time.Second)

	intent, _ := pipeIntent(t, time.Now().Add(time.Minute))
	m.SubmitIntent(intent)
	m.ObserveSignal(oracle.ObservedReady)
	eventually(t, time.Second, func() bool { return len(fwd.snapshot()) == 1 })

	eff.holdSoft = true
	m.NotifyIdleFired()
	eventually(t, time.Second, func() bool { _, soft := eff.counts(); return soft == 1 })
	assert.Equal(t, Stopping, m.Snapshot())

	m.ObserveSignal(oracle.ObservedOff)
	eventually(t, time.Second, func() bool { return m.Snapshot() == Off })
}

func TestRequestDuringStoppingTriggersFreshStart(t *testing.T) {
	m, eff, fwd, _ := newTestMachine(t, 10, time.Minute, time.Second)

	first, _ := pipeIntent(t, time.Now().Add(time.Minute))
	m.SubmitIntent(first)
	m.ObserveSignal(oracle.ObservedReady)
	eventually(t, time.Second, func() bool { return len(fwd.snapshot()) == 1 })

	eff.holdSoft = true
	m.NotifyIdleFired()
	eventually(t, time.Second, func() bool { return m.Snapshot() == Stopping })

	second, _ := pipeIntent(t, time.Now().Add(time.Minute))
	m.SubmitIntent(second)

	m.ObserveSignal(oracle.ObservedOff)
	eventually(t, time.Second, func() bool { return m.Snapshot() == Starting })
	on, _ := eff.counts()
	assert.Equal(t, 2, on, "fresh start after stopping should reissue powerOn")
}

func TestMultiPortReleaseOrderIsFIFO(t *testing.T) {
	m, _, fwd, _ := newTestMachine(t, 10, time.Minute, time.Second)

	a, _ := pipeIntent(t, time.Now().Add(time.Minute))
	a.ListenPort, a.BackendPort = 8080, 80
	b, _ := pipeIntent(t, time.Now().Add(time.Minute))
	b.ListenPort, b.BackendPort = 8443, 443
	c, _ := pipeIntent(t, time.Now().Add(time.Minute))
	c.ListenPort, c.BackendPort = 8080, 80

	m.SubmitIntent(a)
	m.SubmitIntent(b)
	m.SubmitIntent(c)
	eventually(t, time.Second, func() bool { return m.Snapshot() == Starting })

	m.ObserveSignal(oracle.ObservedReady)
	eventually(t, time.Second, func() bool { return len(fwd.snapshot()) == 3 })

	released := fwd.snapshot()
	assert.Equal(t, uint16(80), released[0].BackendPort)
	assert.Equal(t, uint16(443), released[1].BackendPort)
	assert.Equal(t, uint16(80), released[2].BackendPort)
}
