package epenginetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

const (
	proposalDelayTimerName = "ProposalDelayTimer"
	roundTimerName         = "RoundTimer"
)

// MockRoundTimer is a round timer whose timers only elapse
// when the test explicitly elapses them.
//
// The zero value is ready to use.
type MockRoundTimer struct {
	mu sync.Mutex

	notifications map[startNotification]chan struct{}

	ch     chan struct{}
	cancel func()

	activeName string
	activeE    uint64
	activeR    uint32
}

type startNotification struct {
	Name string
	E    uint64
	R    uint32
}

func (t *MockRoundTimer) ProposalDelayTimer(_ context.Context, e uint64, r uint32) (<-chan struct{}, func()) {
	return t.makeTimer(proposalDelayTimerName, e, r)
}

func (t *MockRoundTimer) RoundTimer(_ context.Context, e uint64, r uint32) (<-chan struct{}, func()) {
	return t.makeTimer(roundTimerName, e, r)
}

func (t *MockRoundTimer) makeTimer(name string, e uint64, r uint32) (<-chan struct{}, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ch != nil {
		panic(fmt.Errorf(
			"BUG: cannot create %s before previous timer elapses or is cancelled",
			name,
		))
	}

	var ch = make(chan struct{})
	t.ch = ch
	t.cancel = func() {
		t.mu.Lock()
		defer t.mu.Unlock()

		if t.ch != ch {
			// Late cancel of an elapsed or replaced timer.
			return
		}

		t.ch = nil
		t.cancel = nil

		t.activeName = ""
		t.activeE = 0
		t.activeR = 0
	}

	t.activeName = name
	t.activeE = e
	t.activeR = r

	sn := startNotification{Name: name, E: e, R: r}
	if ch, ok := t.notifications[sn]; ok {
		close(ch)
		delete(t.notifications, sn)
	}

	return t.ch, t.cancel
}

// ActiveTimer returns the name, epoch, and round of the active timer.
// The name is empty if no timer is active.
func (t *MockRoundTimer) ActiveTimer() (name string, e uint64, r uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.activeName, t.activeE, t.activeR
}

func (t *MockRoundTimer) ElapseProposalDelayTimer(e uint64, r uint32) error {
	return t.elapse(proposalDelayTimerName, e, r)
}

func (t *MockRoundTimer) ElapseRoundTimer(e uint64, r uint32) error {
	return t.elapse(roundTimerName, e, r)
}

func (t *MockRoundTimer) elapse(name string, e uint64, r uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.activeName != name {
		if t.activeName == "" {
			return fmt.Errorf("requested to elapse timer %q, but no timer active", name)
		}
		return fmt.Errorf("requested to elapse timer %q when %q active", name, t.activeName)
	}

	if t.activeE != e || t.activeR != r {
		return fmt.Errorf(
			"requested to elapse timer %q at %d/%d, but it is active for %d/%d",
			name, e, r, t.activeE, t.activeR,
		)
	}

	close(t.ch)
	t.ch = nil
	t.cancel = nil

	t.activeName = ""
	t.activeE = 0
	t.activeR = 0

	return nil
}

// ProposalDelayStartNotification returns a channel that is closed
// when the proposal delay timer for e/r is started.
func (t *MockRoundTimer) ProposalDelayStartNotification(e uint64, r uint32) <-chan struct{} {
	return t.startNotification(proposalDelayTimerName, e, r)
}

// RoundStartNotification returns a channel that is closed
// when the round timer for e/r is started.
func (t *MockRoundTimer) RoundStartNotification(e uint64, r uint32) <-chan struct{} {
	return t.startNotification(roundTimerName, e, r)
}

func (t *MockRoundTimer) startNotification(name string, e uint64, r uint32) <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan struct{})

	// The timer may have already started.
	if t.activeName == name && t.activeE == e && t.activeR == r {
		close(ch)
		return ch
	}

	if t.notifications == nil {
		t.notifications = make(map[startNotification]chan struct{})
	}

	key := startNotification{Name: name, E: e, R: r}

	if _, ok := t.notifications[key]; ok {
		panic(fmt.Errorf("notification already created for %q at %d/%d", name, e, r))
	}

	t.notifications[key] = ch
	return ch
}

func (t *MockRoundTimer) RequireNoActiveTimer(tt *testing.T) {
	tt.Helper()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.activeName != "" {
		tt.Fatalf(
			"expected no active timer, but got %s at e=%d/r=%d",
			t.activeName, t.activeE, t.activeR,
		)
	}
}

func (t *MockRoundTimer) RequireActiveProposalDelayTimer(tt *testing.T, e uint64, r uint32) {
	tt.Helper()

	t.requireActiveTimer(tt, proposalDelayTimerName, e, r)
}

func (t *MockRoundTimer) RequireActiveRoundTimer(tt *testing.T, e uint64, r uint32) {
	tt.Helper()

	t.requireActiveTimer(tt, roundTimerName, e, r)
}

func (t *MockRoundTimer) requireActiveTimer(tt *testing.T, name string, e uint64, r uint32) {
	tt.Helper()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.activeName == "" {
		tt.Fatalf("expected active %s, but no timer was active", name)
	}
	if t.activeName != name || t.activeE != e || t.activeR != r {
		tt.Fatalf(
			"expected active %s at e=%d/r=%d, but got %s at e=%d/r=%d",
			name, e, r, t.activeName, t.activeE, t.activeR,
		)
	}
}
