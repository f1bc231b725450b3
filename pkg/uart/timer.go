package uart

import (
	"sync"
	"time"
)

// WaitingTimer is a software model of the ETU timer. Time only moves when
// Advance is called, which makes the engines driven by it deterministic.
//
// OnHalf fires once when half of WT has elapsed, OnExpire when all of it
// has. A callback may re-arm the timer: a card that sends a NULL byte at
// half time restarts its waiting time that way.
type WaitingTimer struct {
	wt        uint32
	elapsed   uint32
	armed     bool
	halfFired bool

	OnHalf   func()
	OnExpire func()
}

var _ Timer = (*WaitingTimer)(nil)

// NewWaitingTimer returns a disarmed timer.
func NewWaitingTimer(onHalf, onExpire func()) *WaitingTimer {
	return &WaitingTimer{OnHalf: onHalf, OnExpire: onExpire}
}

func (t *WaitingTimer) SetWaitingTime(etu uint32) {
	t.wt = etu
	if etu == 0 {
		t.Disarm()
		return
	}
	t.Arm()
}

func (t *WaitingTimer) Arm() {
	t.elapsed = 0
	t.halfFired = false
	t.armed = t.wt > 0
}

func (t *WaitingTimer) Disarm() {
	t.armed = false
}

// Armed reports whether the timer is counting.
func (t *WaitingTimer) Armed() bool {
	return t.armed
}

// WaitingTime returns WT in ETUs.
func (t *WaitingTimer) WaitingTime() uint32 {
	return t.wt
}

// Remaining returns the ETUs left before expiry, 0 when disarmed.
func (t *WaitingTimer) Remaining() uint32 {
	if !t.armed {
		return 0
	}
	return t.wt - t.elapsed
}

// Advance lets etu ETUs elapse.
func (t *WaitingTimer) Advance(etu uint32) {
	for ; etu > 0 && t.armed; etu-- {
		t.elapsed++
		if !t.halfFired && t.elapsed >= t.wt/2 {
			t.halfFired = true
			if t.OnHalf != nil {
				t.OnHalf()
			}
		}
		if t.armed && t.elapsed >= t.wt {
			t.armed = false
			if t.OnExpire != nil {
				t.OnExpire()
			}
		}
	}
}

// DefaultClockHz is the card clock assumed when none is configured.
const DefaultClockHz = 3_571_200

// ETU returns the duration of one ETU for a clock divider at clockHz.
func ETU(ratio, clockHz uint32) time.Duration {
	if clockHz == 0 {
		clockHz = DefaultClockHz
	}
	return time.Duration(uint64(ratio) * uint64(time.Second) / uint64(clockHz))
}

// ClockTimer measures the waiting time against the wall clock. Its
// callbacks run on their own goroutine; owners of a state machine must
// hand them over to their event loop.
type ClockTimer struct {
	mu      sync.Mutex
	clockHz uint32
	ratio   uint32
	wt      uint32
	half    *time.Timer
	full    *time.Timer

	OnHalf   func()
	OnExpire func()
}

var _ Timer = (*ClockTimer)(nil)

// NewClockTimer returns a disarmed timer for a card clocked at clockHz,
// using the default divider of 372.
func NewClockTimer(clockHz uint32, onHalf, onExpire func()) *ClockTimer {
	return &ClockTimer{
		clockHz:  clockHz,
		ratio:    372,
		OnHalf:   onHalf,
		OnExpire: onExpire,
	}
}

// SetFiDi changes the ETU length used from the next Arm on.
func (t *ClockTimer) SetFiDi(ratio uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ratio = ratio
	return nil
}

// Duration returns WT as a wall clock duration.
func (t *ClockTimer) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Duration(t.wt) * ETU(t.ratio, t.clockHz)
}

func (t *ClockTimer) SetWaitingTime(etu uint32) {
	t.mu.Lock()
	t.wt = etu
	t.mu.Unlock()
	if etu == 0 {
		t.Disarm()
		return
	}
	t.Arm()
}

func (t *ClockTimer) Arm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stop()
	if t.wt == 0 {
		return
	}
	wt := time.Duration(t.wt) * ETU(t.ratio, t.clockHz)
	if t.OnHalf != nil {
		t.half = time.AfterFunc(wt/2, t.OnHalf)
	}
	if t.OnExpire != nil {
		t.full = time.AfterFunc(wt, t.OnExpire)
	}
}

func (t *ClockTimer) Disarm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stop()
}

func (t *ClockTimer) stop() {
	if t.half != nil {
		t.half.Stop()
		t.half = nil
	}
	if t.full != nil {
		t.full.Stop()
		t.full = nil
	}
}
