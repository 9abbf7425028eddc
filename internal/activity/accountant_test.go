package activity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func waitFired(t *testing.T, a *Accountant, within time.Duration) bool {
	t.Helper()
	select {
	case <-a.Fired():
		return true
	case <-time.After(within):
		return false
	}
}

func TestDisarmedAccountantNeverFires(t *testing.T) {
	a := NewAccountant(20 * time.Millisecond)
	a.Stamp()
	assert.False(t, waitFired(t, a, 100*time.Millisecond))
}

func TestArmedAccountantFiresAfterIdleTimeout(t *testing.T) {
	a := NewAccountant(20 * time.Millisecond)
	a.Arm()
	assert.True(t, waitFired(t, a, 200*time.Millisecond))
}

func TestStampRearmsTimer(t *testing.T) {
	a := NewAccountant(50 * time.Millisecond)
	a.Arm()

	for i := 0; i < 3; i++ {
		time.Sleep(20 * time.Millisecond)
		a.Stamp()
	}
	assert.False(t, waitFired(t, a, 30*time.Millisecond), "repeated stamps should keep postponing the fire")
	assert.True(t, waitFired(t, a, 100*time.Millisecond), "should eventually fire once stamping stops")
}

func TestDisarmStopsPendingTimer(t *testing.T) {
	a := NewAccountant(20 * time.Millisecond)
	a.Arm()
	a.Disarm()
	assert.False(t, waitFired(t, a, 100*time.Millisecond))
}

func TestLastActivityNeverRegresses(t *testing.T) {
	a := NewAccountant(time.Hour)
	first := a.LastActivity()
	time.Sleep(time.Millisecond)
	a.Stamp()
	second := a.LastActivity()
	assert.True(t, second.After(first) || second.Equal(first))
}
