package oracle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartproxy/internal/ipmi"
	"smartproxy/internal/probe"
)

type fakeEffector struct {
	state ipmi.ObservedState
	err   error
}

func (f *fakeEffector) QueryPower(ctx context.Context) (ipmi.ObservedState, error) {
	return f.state, f.err
}
func (f *fakeEffector) PowerOn(ctx context.Context) error   { return nil }
func (f *fakeEffector) PowerSoft(ctx context.Context) error { return nil }

type fakeProber struct {
	result probe.Result
}

func (f *fakeProber) Probe(ctx context.Context, addr string) probe.Result {
	return f.result
}

func waitSignal(t *testing.T, ch <-chan Signal) Signal {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for signal")
		return ObservedUnknown
	}
}

func TestOraclePoweredOffEmitsObservedOff(t *testing.T) {
	o := New(&fakeEffector{state: ipmi.PoweredOff}, &fakeProber{}, "10.0.0.5:80", time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go o.Run(ctx)
	assert.Equal(t, ObservedOff, waitSignal(t, o.Signals()))
}

func TestOraclePoweredOnReachableEmitsReady(t *testing.T) {
	o := New(&fakeEffector{state: ipmi.PoweredOn}, &fakeProber{result: probe.Reachable}, "10.0.0.5:80", time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go o.Run(ctx)
	assert.Equal(t, ObservedReady, waitSignal(t, o.Signals()))
}

func TestOraclePoweredOnUnreachableEmitsStarting(t *testing.T) {
	o := New(&fakeEffector{state: ipmi.PoweredOn}, &fakeProber{result: probe.Unreachable}, "10.0.0.5:80", time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go o.Run(ctx)
	assert.Equal(t, ObservedStarting, waitSignal(t, o.Signals()))
}

func TestOracleUnknownDoesNotEmit(t *testing.T) {
	o := New(&fakeEffector{state: ipmi.PoweredUnknown}, &fakeProber{}, "10.0.0.5:80", time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go o.Run(ctx)

	select {
	case s := <-o.Signals():
		t.Fatalf("expected no signal for unknown state, got %v", s)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOracleStopsOnContextCancel(t *testing.T) {
	o := New(&fakeEffector{state: ipmi.PoweredOff}, &fakeProber{}, "10.0.0.5:80", 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(done)
	}()

	require.Equal(t, ObservedOff, waitSignal(t, o.Signals()))
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("oracle did not stop after context cancel")
	}
}
