// scheduler.go - deterministic event scheduler advancing pending
// device timers in lock-step with the CPU cycle counter.
//
// A flat slot table, an elapsed-delta subtraction pass, then a "fire
// the lowest countdown that reached zero, repeat until nothing fires"
// loop. Timers are addressed by slot-index handle and fire a
// closure-friendly TimerCallback.

package main

import "sort"

const maxTimers = 32

// TimerCallback is invoked when a timer's countdown reaches zero or
// below. It may reschedule itself by calling sched.Reschedule(handle,
// cycles) before returning, or leave it disabled to not fire again.
type TimerCallback func(opaque any, sched *Scheduler)

// TimerHandle is a stable slot index, valid for the machine's life.
type TimerHandle int

type timerSlot struct {
	present   bool
	enabled   bool
	countdown int64
	callback  TimerCallback
	opaque    any
}

// Scheduler owns cyclesRemaining and the flat timer table. It is
// single-threaded: callbacks never re-enter the CPU and never spawn
// goroutines.
type Scheduler struct {
	slots           [maxTimers]timerSlot
	count           int
	cyclesRemaining int64
	cycleCounter    int64 // monotonically increasing, observed by callbacks

	// sweep state: while Advance is firing due timers, Reschedule
	// measures new countdowns against the start of the consumed
	// window, so a timer rescheduled inside the window fires again
	// before Advance returns.
	sweeping     bool
	sweepElapsed int64
}

// maxFiresPerAdvance bounds one Advance sweep; a callback chain that
// keeps rescheduling itself inside the consumed window would
// otherwise never converge (an illegal timer cascade).
const maxFiresPerAdvance = 1024

func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Add registers a new timer and returns its stable handle, or
// ErrRegistrationFull if the fixed-size table is exhausted.
func (s *Scheduler) Add(callback TimerCallback, countdown int64, enabled bool, opaque any) (TimerHandle, error) {
	if s.count >= maxTimers {
		return -1, &ErrRegistrationFull{Table: "scheduler.timers", Cap: maxTimers}
	}
	idx := s.count
	s.slots[idx] = timerSlot{
		present:   true,
		enabled:   enabled,
		countdown: countdown,
		callback:  callback,
		opaque:    opaque,
	}
	s.count++
	return TimerHandle(idx), nil
}

// Reschedule sets a new countdown and enables the timer; callbacks use
// this to requeue themselves. Called from inside an Advance sweep, the
// countdown is relative to the start of the consumed window (keeping
// periodic timers drift-free), so a deadline that still lands inside
// the window fires again before Advance returns.
func (s *Scheduler) Reschedule(h TimerHandle, cycles int64) {
	if s.sweeping {
		cycles -= s.sweepElapsed
	}
	s.slots[h].countdown = cycles
	s.slots[h].enabled = true
}

func (s *Scheduler) SetEnabled(h TimerHandle, enabled bool) {
	s.slots[h].enabled = enabled
}

func (s *Scheduler) Countdown(h TimerHandle) int64 {
	return s.slots[h].countdown
}

func (s *Scheduler) Enabled(h TimerHandle) bool {
	return s.slots[h].enabled
}

// CycleCounter is the consistent snapshot callbacks observe.
func (s *Scheduler) CycleCounter() int64 {
	return s.cycleCounter
}

// NextDeadline returns the smallest enabled countdown across all
// timers, used to bound the CPU's next run slice so that no event is
// overshot by more than one instruction's worth of cycles. Returns
// (0, false) if nothing is enabled.
func (s *Scheduler) NextDeadline() (int64, bool) {
	found := false
	var lowest int64
	for i := 0; i < s.count; i++ {
		t := &s.slots[i]
		if !t.enabled {
			continue
		}
		if !found || t.countdown < lowest {
			lowest = t.countdown
			found = true
		}
	}
	return lowest, found
}

// Advance subtracts elapsed cycles from every enabled countdown, then
// fires the event(s) whose countdown reached zero or below, lowest
// first, with the timer registered first (lower slot index) winning a
// tie. A callback may call Reschedule to land itself back inside the
// consumed window; it then fires again in a later round of the same
// Advance call, after every timer that was already due.
func (s *Scheduler) Advance(elapsed int64) {
	s.cycleCounter += elapsed
	for i := 0; i < s.count; i++ {
		t := &s.slots[i]
		if t.enabled {
			t.countdown -= elapsed
		}
	}

	s.sweeping = true
	s.sweepElapsed = elapsed
	defer func() { s.sweeping = false }()

	// Fire in rounds: snapshot every due timer, run them in deadline
	// order (slot order on a tie, so the timer registered first wins),
	// then re-scan. A timer rescheduled back into the window by a
	// callback is picked up by the next round, after everything that
	// was already due ahead of it.
	fires := 0
	for {
		var due []int
		for i := 0; i < s.count; i++ {
			t := &s.slots[i]
			if t.enabled && t.countdown <= 0 {
				due = append(due, i)
			}
		}
		if len(due) == 0 {
			return // converged: no fireable event remains
		}
		sort.SliceStable(due, func(a, b int) bool {
			return s.slots[due[a]].countdown < s.slots[due[b]].countdown
		})
		for _, idx := range due {
			t := &s.slots[idx]
			if !t.enabled || t.countdown > 0 {
				continue // an earlier callback this round disabled or deferred it
			}
			fires++
			if fires > maxFiresPerAdvance {
				corelog.Fatalf("scheduler", "illegal timer cascade", map[string]any{
					"slot": idx, "elapsed": elapsed,
				})
			}
			t.enabled = false // callback must re-enable via Reschedule to fire again
			cb := t.callback
			opaque := t.opaque
			cb(opaque, s)
		}
	}
}
