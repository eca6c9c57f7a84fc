package scheduler

import (
	"testing"
	"time"

	"github.com/signalsfoundry/dtn-router/timectrl"
)

var start = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

func TestFakeRunsEventsInTimeOrder(t *testing.T) {
	sched := NewFake(start)
	var order []string
	sched.Schedule(start.Add(30*time.Second), func() { order = append(order, "e3") })
	sched.Schedule(start.Add(10*time.Second), func() { order = append(order, "e1") })
	sched.Schedule(start.Add(20*time.Second), func() { order = append(order, "e2") })

	sched.RunDue()
	if len(order) != 0 {
		t.Fatalf("expected no events before time advance, got %v", order)
	}
	sched.AdvanceTo(start.Add(20 * time.Second))
	if len(order) != 2 || order[0] != "e1" || order[1] != "e2" {
		t.Fatalf("expected [e1 e2], got %v", order)
	}
	sched.AdvanceTo(start.Add(30 * time.Second))
	if len(order) != 3 || order[2] != "e3" {
		t.Fatalf("expected [e1 e2 e3], got %v", order)
	}
}

func TestEqualTimesRunFIFO(t *testing.T) {
	sched := NewFake(start)
	at := start.Add(time.Second)
	var order []int
	for i := 0; i < 5; i++ {
		sched.Schedule(at, func() { order = append(order, i) })
	}
	sched.AdvanceTo(at)
	for i, v := range order {
		if v != i {
			t.Fatalf("equal-time events ran out of order: %v", order)
		}
	}
	if len(order) != 5 {
		t.Fatalf("ran %d events, want 5", len(order))
	}
}

func TestCancelOnlyAffectsTarget(t *testing.T) {
	sched := NewFake(start)
	var ran []string
	a := sched.Schedule(start.Add(time.Second), func() { ran = append(ran, "a") })
	sched.Schedule(start.Add(time.Second), func() { ran = append(ran, "b") })
	sched.Cancel(a)
	sched.Cancel("unknown")

	sched.AdvanceTo(start.Add(time.Second))
	if len(ran) != 1 || ran[0] != "b" {
		t.Fatalf("expected only b to run, got %v", ran)
	}
	if sched.Pending() != 0 {
		t.Fatalf("pending = %d after run", sched.Pending())
	}
}

func TestCallbackMayScheduleDueEvent(t *testing.T) {
	sched := NewFake(start)
	var ran []string
	sched.Schedule(start, func() {
		ran = append(ran, "first")
		sched.Schedule(start, func() { ran = append(ran, "chained") })
	})
	sched.RunDue()
	if len(ran) != 2 {
		t.Fatalf("chained event did not run in the same pass: %v", ran)
	}
}

func TestAdvanceToIsMonotonic(t *testing.T) {
	sched := NewFake(start.Add(time.Minute))
	sched.AdvanceTo(start)
	if !sched.Now().Equal(start.Add(time.Minute)) {
		t.Fatalf("time moved backwards to %v", sched.Now())
	}
}

func TestRunUntilObservesEventTimes(t *testing.T) {
	sched := NewFake(start)
	var seen []time.Time
	for _, s := range []int{3, 1, 2} {
		at := start.Add(time.Duration(s) * time.Second)
		sched.Schedule(at, func() { seen = append(seen, sched.Now()) })
	}
	sched.Schedule(start.Add(time.Hour), func() { t.Fatalf("event past end ran") })

	end := start.Add(10 * time.Second)
	sched.RunUntil(end)
	if len(seen) != 3 {
		t.Fatalf("ran %d events, want 3", len(seen))
	}
	for i, ts := range seen {
		if want := start.Add(time.Duration(i+1) * time.Second); !ts.Equal(want) {
			t.Fatalf("event %d saw Now()=%v, want %v", i, ts, want)
		}
	}
	if !sched.Now().Equal(end) {
		t.Fatalf("clock = %v, want %v", sched.Now(), end)
	}
}

func TestSchedulerFollowsTimeController(t *testing.T) {
	tc := timectrl.NewTimeController(start, time.Second, timectrl.Accelerated)
	sched := New(tc)
	fired := 0
	sched.Schedule(start.Add(2*time.Second), func() { fired++ })

	tc.AddListener(func(time.Time) { sched.RunDue() })
	tc.Step()
	if fired != 0 {
		t.Fatalf("event fired early")
	}
	tc.Step()
	if fired != 1 {
		t.Fatalf("event did not fire at its time")
	}
	if next, ok := sched.Next(); ok {
		t.Fatalf("unexpected pending event at %v", next)
	}
}
