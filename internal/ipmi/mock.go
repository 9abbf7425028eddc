package ipmi

import (
	"context"
	"sync"
)

// MockEffector is the in-memory effector the design notes call for: a
// stand-in for the real subprocess effector used by tests and local
// development without ipmitool or a BMC present. It tracks power state
// purely in memory.
type MockEffector struct {
	mu    sync.Mutex
	state ObservedState

	OnQuery func(ctx context.Context) (ObservedState, error)
}

// NewMockEffector creates a mock starting in the given state.
func NewMockEffector(initial ObservedState) *MockEffector {
	return &MockEffector{state: initial}
}

// QueryPower returns the last recorded state, or delegates to OnQuery if
// set (lets tests simulate transient unknown/error responses).
func (m *MockEffector) QueryPower(ctx context.Context) (ObservedState, error) {
	if m.OnQuery != nil {
		return m.OnQuery(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

// PowerOn flips the recorded state to PoweredOn.
func (m *MockEffector) PowerOn(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = PoweredOn
	return nil
}

// PowerSoft flips the recorded state to PoweredOff, simulating a graceful
// ACPI shutdown completing instantly (real hardware takes seconds; tests
// that care about that window drive it via OnQuery instead).
func (m *MockEffector) PowerSoft(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = PoweredOff
	return nil
}

// State returns the currently recorded state, for test assertions.
func (m *MockEffector) State() ObservedState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

var _ Effector = (*MockEffector)(nil)
