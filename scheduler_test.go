package main

import "testing"

func TestSchedulerAdvanceFiresAtZero(t *testing.T) {
	s := NewScheduler()
	fired := false
	h, err := s.Add(func(opaque any, sched *Scheduler) { fired = true }, 10, true, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	s.Advance(5)
	if fired {
		t.Fatal("fired before countdown reached zero")
	}
	if got := s.Countdown(h); got != 5 {
		t.Fatalf("Countdown after 5 elapsed = %d, want 5", got)
	}
	s.Advance(5)
	if !fired {
		t.Fatal("expected callback to fire once countdown reached zero")
	}
}

func TestSchedulerConvergesWithNoFireableEvent(t *testing.T) {
	s := NewScheduler()
	calls := 0
	s.Add(func(opaque any, sched *Scheduler) { calls++ }, 100, true, nil)
	s.Advance(1)
	if calls != 0 {
		t.Fatalf("callback fired early: calls=%d", calls)
	}
}

// Two timers both set to fire in 10 cycles:
// the one registered first fires first, and its callback may
// reschedule itself to 5 cycles, which then fires before the second
// timer's callback returns control to the outer loop.
func TestSchedulerTieBreakAndReschedule(t *testing.T) {
	s := NewScheduler()
	var order []string

	var firstHandle TimerHandle
	rescheduledOnce := false
	firstHandle, _ = s.Add(func(opaque any, sched *Scheduler) {
		order = append(order, "first")
		if !rescheduledOnce {
			rescheduledOnce = true
			sched.Reschedule(firstHandle, 5)
		}
	}, 10, true, nil)

	s.Add(func(opaque any, sched *Scheduler) {
		order = append(order, "second")
	}, 10, true, nil)

	s.Advance(10)

	want := []string{"first", "second", "first"}
	if len(order) != len(want) {
		t.Fatalf("fire order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("fire order = %v, want %v", order, want)
		}
	}
}

func TestSchedulerAddRejectsOverCap(t *testing.T) {
	s := NewScheduler()
	for i := 0; i < maxTimers; i++ {
		if _, err := s.Add(func(opaque any, sched *Scheduler) {}, 1, true, nil); err != nil {
			t.Fatalf("Add #%d: unexpected error %v", i, err)
		}
	}
	if _, err := s.Add(func(opaque any, sched *Scheduler) {}, 1, true, nil); err == nil {
		t.Fatal("expected ErrRegistrationFull once the fixed table is exhausted")
	} else if _, ok := err.(*ErrRegistrationFull); !ok {
		t.Fatalf("wrong error type: %T", err)
	}
}

func TestSchedulerNextDeadline(t *testing.T) {
	s := NewScheduler()
	if _, ok := s.NextDeadline(); ok {
		t.Fatal("expected no deadline with nothing registered")
	}
	s.Add(func(opaque any, sched *Scheduler) {}, 50, true, nil)
	h2, _ := s.Add(func(opaque any, sched *Scheduler) {}, 20, true, nil)
	lowest, ok := s.NextDeadline()
	if !ok || lowest != 20 {
		t.Fatalf("NextDeadline = (%d, %v), want (20, true)", lowest, ok)
	}
	s.SetEnabled(h2, false)
	lowest, ok = s.NextDeadline()
	if !ok || lowest != 50 {
		t.Fatalf("NextDeadline after disabling the lower timer = (%d, %v), want (50, true)", lowest, ok)
	}
}
