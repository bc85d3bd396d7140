package sched

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/quantum-os/qcore/internal/qnum"
)

// testScheduler wires a scheduler to a manually advanced tick counter.
func testScheduler() (*Scheduler, *uint64) {
	tick := new(uint64)
	s := New(DefaultConfig(), WithClock(func() uint64 { return *tick }))
	return s, tick
}

func mustCreate(t *testing.T, s *Scheduler, name string, typ Type, prio *Priority) *Process {
	t.Helper()
	p, err := s.CreateProcess(name, typ, prio)
	if err != nil {
		t.Fatalf("CreateProcess(%s): %v", name, err)
	}
	return p
}

func mustStart(t *testing.T, s *Scheduler, p *Process) {
	t.Helper()
	if err := s.Start(p); err != nil {
		t.Fatalf("Start(%s): %v", p.Name, err)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	s, _ := testScheduler()

	p := mustCreate(t, s, "worker", TypeGeneral, nil)
	if p.State() != StateCreated {
		t.Fatalf("state = %s, want CREATED", p.State())
	}

	mustStart(t, s, p)
	if p.State() != StateReady {
		t.Fatalf("state = %s after Start, want READY", p.State())
	}

	if err := s.Start(p); !errors.Is(err, ErrSchedulingConflict) {
		t.Fatalf("second Start = %v, want ErrSchedulingConflict", err)
	}

	if got := s.Schedule(); got != p {
		t.Fatalf("Schedule selected %v, want %s", got, p.Name)
	}
	if p.State() != StateRunning {
		t.Fatalf("state = %s after Schedule, want RUNNING", p.State())
	}

	if err := s.Terminate(p.ID); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if p.State() != StateTerminated {
		t.Fatalf("state = %s after Terminate, want TERMINATED", p.State())
	}
	if err := s.Terminate(p.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double Terminate = %v, want ErrNotFound", err)
	}
	if _, err := s.Process(p.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("index still resolves a terminated process: %v", err)
	}
}

func TestClassPrecedence(t *testing.T) {
	s, _ := testScheduler()

	general := mustCreate(t, s, "general", TypeGeneral, nil)
	symbolic := mustCreate(t, s, "symbolic", TypeSymbolic, nil)
	math := mustCreate(t, s, "math", TypeMathematical, nil)
	rt := mustCreate(t, s, "rt", TypeRealTime, nil)
	for _, p := range []*Process{general, symbolic, math, rt} {
		mustStart(t, s, p)
	}

	// Real-time first regardless of the others' scores, then the
	// mathematical class, then symbolic, then general. Terminating the
	// current process triggers the next selection round internally.
	for _, want := range []*Process{rt, math, symbolic, general} {
		if got := s.Current(); got == want {
			// already dispatched by the previous Terminate
		} else if got := s.Schedule(); got != want {
			t.Fatalf("selected %q, want %q", got.Name, want.Name)
		}
		if err := s.Terminate(want.ID); err != nil {
			t.Fatalf("Terminate(%s): %v", want.Name, err)
		}
	}
	if got := s.Current(); got != nil {
		t.Fatalf("current = %q after all terminated, want idle", got.Name)
	}
}

func TestQuantumPerClass(t *testing.T) {
	s, _ := testScheduler()
	cases := []struct {
		typ  Type
		want uint32
	}{
		{TypeRealTime, 5},
		{TypeMathematical, 50},
		{TypeSymbolic, 50},
		{TypeQuantumNumber, 50},
		{TypeGeneral, 10},
	}
	for _, tc := range cases {
		p := mustCreate(t, s, "p", tc.typ, nil)
		if p.Quantum() != tc.want {
			t.Fatalf("quantum for %#x = %d, want %d", tc.typ, p.Quantum(), tc.want)
		}
	}
}

// TestAgingOvertakesBasePriority is the canonical 50-versus-80 scenario:
// the higher base priority wins first, but the loser's aging bonus
// eventually overtakes it.
func TestAgingOvertakesBasePriority(t *testing.T) {
	s, tick := testScheduler()

	lowPrio := defaultPriority(TypeMathematical)
	lowPrio.Base = 50
	highPrio := defaultPriority(TypeMathematical)
	highPrio.Base = 80

	low := mustCreate(t, s, "low", TypeMathematical, &lowPrio)
	high := mustCreate(t, s, "high", TypeMathematical, &highPrio)
	mustStart(t, s, low)
	mustStart(t, s, high)

	if got := s.Schedule(); got != high {
		t.Fatalf("first selection picked %q, want %q", got.Name, high.Name)
	}

	// The running process re-enters its queue with a fresh entry tick on
	// every round; the waiting one keeps accumulating aging. 31 intervals
	// beat the 30-point base gap.
	*tick += 31 * agingIntervalTicks
	if got := s.Schedule(); got != low {
		t.Fatalf("selection after aging picked %q, want %q", got.Name, low.Name)
	}
}

func TestEqualPriorityArrivalOrder(t *testing.T) {
	s, tick := testScheduler()

	first := mustCreate(t, s, "first", TypeGeneral, nil)
	mustStart(t, s, first)
	*tick += 10
	second := mustCreate(t, s, "second", TypeGeneral, nil)
	mustStart(t, s, second)

	// Identical weights and 10 ticks of difference stay below one aging
	// interval: scores tie, so the earlier arrival wins.
	if got := s.Schedule(); got != first {
		t.Fatalf("tie broke to %q, want earliest arrival %q", got.Name, first.Name)
	}
}

func TestDependencyBlocking(t *testing.T) {
	s, _ := testScheduler()

	p := mustCreate(t, s, "dependent", TypeGeneral, nil)
	mustStart(t, s, p)

	ids := []qnum.Number{qnum.FromUint64(101), qnum.FromUint64(102), qnum.FromUint64(103)}
	for i, id := range ids {
		err := s.AddDependency(p.ID, Dependency{
			ID:          id,
			Description: "result",
			Kind:        DepComputationResult,
		})
		if err != nil {
			t.Fatalf("AddDependency %d: %v", i, err)
		}
	}
	if p.State() != StateWaiting {
		t.Fatalf("state = %s with unsatisfied dependencies, want WAITING", p.State())
	}
	if got := s.Schedule(); got != nil {
		t.Fatalf("scheduler selected %q from the waiting class", got.Name)
	}

	// Exactly N satisfy events are needed before READY: not one fewer.
	for i, id := range ids {
		if affected := s.SatisfyDependency(id, nil); affected != 1 {
			t.Fatalf("SatisfyDependency %d affected %d processes, want 1", i, affected)
		}
		wantState := StateWaiting
		if i == len(ids)-1 {
			wantState = StateReady
		}
		if p.State() != wantState {
			t.Fatalf("state = %s after %d satisfactions, want %s", p.State(), i+1, wantState)
		}
	}

	total, satisfied := p.DependencyCount()
	if total != 3 || satisfied != 3 {
		t.Fatalf("dependency counts = %d/%d, want 3/3", satisfied, total)
	}
	if got := s.Schedule(); got != p {
		t.Fatalf("Schedule after unblock picked %v, want %q", got, p.Name)
	}
}

func TestDependencySatisfyFansOut(t *testing.T) {
	s, _ := testScheduler()

	shared := qnum.FromUint64(555)
	a := mustCreate(t, s, "a", TypeGeneral, nil)
	b := mustCreate(t, s, "b", TypeGeneral, nil)
	for _, p := range []*Process{a, b} {
		mustStart(t, s, p)
		if err := s.AddDependency(p.ID, Dependency{ID: shared, Kind: DepSymbolicEvaluation}); err != nil {
			t.Fatalf("AddDependency(%s): %v", p.Name, err)
		}
	}

	if affected := s.SatisfyDependency(shared, nil); affected != 2 {
		t.Fatalf("fan-out affected %d processes, want 2", affected)
	}
	if a.State() != StateReady || b.State() != StateReady {
		t.Fatalf("states = %s/%s after fan-out, want READY/READY", a.State(), b.State())
	}

	// A second satisfaction of the same id finds nothing outstanding.
	if affected := s.SatisfyDependency(shared, nil); affected != 0 {
		t.Fatalf("repeat satisfaction affected %d processes, want 0", affected)
	}
}

// TestDependencyTimeoutForcesSatisfaction is the 5000-tick timeout
// scenario: the dependency is never resolved explicitly, yet the process
// returns to READY with all dependencies accounted once the timeout
// elapses.
func TestDependencyTimeoutForcesSatisfaction(t *testing.T) {
	s, tick := testScheduler()

	p := mustCreate(t, s, "patient", TypeGeneral, nil)
	mustStart(t, s, p)
	err := s.AddDependency(p.ID, Dependency{
		ID:           qnum.FromUint64(9),
		Description:  "proof that never arrives",
		Kind:         DepMathematicalProof,
		TimeoutTicks: 5000,
	})
	if err != nil {
		t.Fatalf("AddDependency: %v", err)
	}

	*tick = 5000
	s.Tick()
	if p.State() != StateWaiting {
		t.Fatalf("state = %s at exactly the timeout, want WAITING", p.State())
	}

	*tick = 5001
	s.Tick()
	if p.State() != StateReady {
		t.Fatalf("state = %s after timeout, want READY", p.State())
	}
	total, satisfied := p.DependencyCount()
	if satisfied != total {
		t.Fatalf("satisfied = %d of %d after forced timeout", satisfied, total)
	}
	if got := s.Stats().ForcedTimeouts; got != 1 {
		t.Fatalf("forced timeouts = %d, want 1", got)
	}
}

func TestQuantumExpiryPreempts(t *testing.T) {
	s, tick := testScheduler()

	a := mustCreate(t, s, "a", TypeGeneral, nil)
	b := mustCreate(t, s, "b", TypeGeneral, nil)
	mustStart(t, s, a)
	mustStart(t, s, b)

	running := s.Schedule()
	if running == nil {
		t.Fatal("nothing scheduled")
	}

	// The general quantum is 10 ticks; the 10th tick expires it and the
	// other process takes over (equal scores, it waited longer).
	for i := 0; i < 9; i++ {
		*tick++
		s.Tick()
		if s.Current() != running {
			t.Fatalf("preempted after %d ticks, quantum is 10", i+1)
		}
	}
	*tick++
	s.Tick()
	next := s.Current()
	if next == running || next == nil {
		t.Fatalf("current = %v after quantum expiry, want the other process", next)
	}
}

func TestSuspendResume(t *testing.T) {
	s, _ := testScheduler()

	p := mustCreate(t, s, "bg", TypeGeneral, nil)
	mustStart(t, s, p)
	if got := s.Schedule(); got != p {
		t.Fatalf("Schedule picked %v", got)
	}

	if err := s.Suspend(p.ID); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if p.State() != StateSuspended {
		t.Fatalf("state = %s, want SUSPENDED", p.State())
	}
	if got := s.Current(); got != nil {
		t.Fatalf("current = %q after suspending it, want idle", got.Name)
	}
	if err := s.Suspend(p.ID); !errors.Is(err, ErrSchedulingConflict) {
		t.Fatalf("double Suspend = %v, want ErrSchedulingConflict", err)
	}

	if err := s.Resume(p.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if p.State() != StateReady {
		t.Fatalf("state = %s after Resume, want READY", p.State())
	}
	if err := s.Resume(p.ID); !errors.Is(err, ErrSchedulingConflict) {
		t.Fatalf("double Resume = %v, want ErrSchedulingConflict", err)
	}
}

func TestMathematicalProcessDefaults(t *testing.T) {
	s, _ := testScheduler()

	marker := struct{ name string }{"evaluation-context"}
	p, err := s.CreateMathematicalProcess("prover", TypeProofVerification, &marker)
	if err != nil {
		t.Fatalf("CreateMathematicalProcess: %v", err)
	}

	prio := p.Priority()
	if prio.Base != 60 || prio.MathematicalWeight != 25 || prio.ComplexityFactor != 15 {
		t.Fatalf("math priority = %+v", prio)
	}
	ctx := p.Context()
	if ctx == nil {
		t.Fatal("no quantum context assigned")
	}
	if len(ctx.Registers) != 16 || len(ctx.Stack) != 64*1024 || ctx.MaxEvaluationDepth != 1000 {
		t.Fatalf("context defaults: %d registers, %d stack, depth %d",
			len(ctx.Registers), len(ctx.Stack), ctx.MaxEvaluationDepth)
	}
	for i, r := range ctx.Registers {
		if !r.IsZero() {
			t.Fatalf("register %d not zeroed", i)
		}
	}
	if ctx.ComputationContext == nil {
		t.Fatal("computation context handle not stored")
	}
	if p.Quantum() != 50 {
		t.Fatalf("quantum = %d, want mathematical 50", p.Quantum())
	}
}

func TestBoostMathematicalProcesses(t *testing.T) {
	s, _ := testScheduler()

	math := mustCreate(t, s, "math", TypeMathematical, nil)
	general := mustCreate(t, s, "general", TypeGeneral, nil)

	if boosted := s.BoostMathematicalProcesses(); boosted != 1 {
		t.Fatalf("boosted %d processes, want 1", boosted)
	}
	if got := math.Priority().Base; got != 60 {
		t.Fatalf("math base = %d after boost, want 60", got)
	}
	if got := general.Priority().Base; got != 50 {
		t.Fatalf("general base = %d after boost, want untouched 50", got)
	}
}

func TestSchedulerStats(t *testing.T) {
	s, tick := testScheduler()

	a := mustCreate(t, s, "a", TypeMathematical, nil)
	b := mustCreate(t, s, "b", TypeGeneral, nil)
	mustStart(t, s, a)
	mustStart(t, s, b)

	s.Schedule()
	*tick += 7
	s.Schedule()

	st := s.Stats()
	if st.TotalCreated != 2 || st.CurrentCount != 2 || st.PeakCount != 2 {
		t.Fatalf("counts = %+v", st)
	}
	if st.MathematicalCount != 1 {
		t.Fatalf("mathematical count = %d, want 1", st.MathematicalCount)
	}
	if st.SchedulingDecisions < 2 {
		t.Fatalf("decisions = %d, want >= 2", st.SchedulingDecisions)
	}
	if st.QueueDepths["waiting"] != 0 {
		t.Fatalf("waiting depth = %d, want 0", st.QueueDepths["waiting"])
	}

	ps, err := s.ProcessStats(a.ID)
	if err != nil {
		t.Fatalf("ProcessStats: %v", err)
	}
	if ps.SchedulingCount == 0 {
		t.Fatal("process was never dispatched")
	}

	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := s.Stats().CurrentCount; got != 0 {
		t.Fatalf("current count = %d after shutdown, want 0", got)
	}
}

func TestLifecycleEvents(t *testing.T) {
	s, _ := testScheduler()

	var events []Event
	token := s.Subscribe(func(ev Event) { events = append(events, ev) })

	p := mustCreate(t, s, "observed", TypeGeneral, nil)
	mustStart(t, s, p)
	s.Schedule()
	if err := s.Terminate(p.ID); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	var kinds []EventKind
	seen := make(map[uuid.UUID]bool)
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
		if ev.ID == uuid.Nil || seen[ev.ID] {
			t.Fatalf("event id %v not unique", ev.ID)
		}
		seen[ev.ID] = true
	}
	// Terminating the only runnable process reschedules to idle, which
	// is not a switch and emits nothing further.
	want := []EventKind{
		EventProcessCreated,
		EventProcessStarted,
		EventSchedulingDecision,
		EventProcessTerminated,
	}
	if len(kinds) != len(want) {
		t.Fatalf("event kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, kinds[i], want[i])
		}
	}

	if !s.Unsubscribe(token) {
		t.Fatal("Unsubscribe failed")
	}
	before := len(events)
	if _, err := s.CreateProcess("silent", TypeGeneral, nil); err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}
	if len(events) != before {
		t.Fatal("events delivered after Unsubscribe")
	}
}

// TestTimeoutExpiryTickReturns guards the waiting-queue scan against the
// requeue it performs: Tick must return promptly when a timeout fires and
// the unblocked process must land in exactly one queue.
func TestTimeoutExpiryTickReturns(t *testing.T) {
	s, tick := testScheduler()

	p := mustCreate(t, s, "stalled", TypeGeneral, nil)
	mustStart(t, s, p)
	err := s.AddDependency(p.ID, Dependency{
		ID:           qnum.FromUint64(3),
		Description:  "result that never arrives",
		Kind:         DepComputationResult,
		TimeoutTicks: 100,
	})
	if err != nil {
		t.Fatalf("AddDependency: %v", err)
	}

	*tick = 101
	done := make(chan struct{})
	go func() {
		s.Tick()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Tick did not return after a dependency timeout expired")
	}

	if p.State() != StateReady {
		t.Fatalf("state = %s after timeout, want READY", p.State())
	}
	total := 0
	for _, n := range s.Stats().QueueDepths {
		total += n
	}
	if total != 1 {
		t.Fatalf("queue depths sum = %d, want exactly 1: %v", total, s.Stats().QueueDepths)
	}
}

// TestProcessInAtMostOneQueue tracks queue membership across a full
// block, timeout, reschedule, terminate sequence: at every step the sum
// of queue depths equals the number of live processes that are neither
// running nor terminated.
func TestProcessInAtMostOneQueue(t *testing.T) {
	s, tick := testScheduler()

	queued := func() int {
		total := 0
		for _, n := range s.Stats().QueueDepths {
			total += n
		}
		return total
	}
	assertDepth := func(step string, want int) {
		t.Helper()
		if got := queued(); got != want {
			t.Fatalf("%s: queued = %d, want %d: %v", step, got, want, s.Stats().QueueDepths)
		}
	}

	a := mustCreate(t, s, "a", TypeGeneral, nil)
	b := mustCreate(t, s, "b", TypeMathematical, nil)
	mustStart(t, s, a)
	mustStart(t, s, b)
	assertDepth("both started", 2)

	// Blocking b moves it from the mathematical queue to waiting.
	err := s.AddDependency(b.ID, Dependency{
		ID:           qnum.FromUint64(7),
		Kind:         DepMathematicalProof,
		TimeoutTicks: 50,
	})
	if err != nil {
		t.Fatalf("AddDependency: %v", err)
	}
	assertDepth("b blocked", 2)

	if s.Schedule() != a {
		t.Fatal("expected a to run while b waits")
	}
	assertDepth("a running", 1)

	// The timeout force-satisfies, a keeps running, b is queued READY.
	*tick = 51
	s.Tick()
	if b.State() != StateReady {
		t.Fatalf("b state = %s after timeout, want READY", b.State())
	}
	assertDepth("b unblocked", 1)

	// A selection round requeues a and dispatches b (mathematical class
	// outranks general).
	if s.Schedule() != b {
		t.Fatal("expected b to preempt a on reschedule")
	}
	assertDepth("b running", 1)

	if err := s.Terminate(b.ID); err != nil {
		t.Fatalf("Terminate(b): %v", err)
	}
	// Terminating the running process reschedules; a is dispatched.
	if s.Current() != a {
		t.Fatal("expected a to run after b terminated")
	}
	assertDepth("b terminated, a running", 0)

	if err := s.Terminate(a.ID); err != nil {
		t.Fatalf("Terminate(a): %v", err)
	}
	assertDepth("all terminated", 0)
}

// TestContextSwitchAccounting keeps the per-process switch counter in
// step with the scheduler-wide one: an immediate reselection is not a
// switch.
func TestContextSwitchAccounting(t *testing.T) {
	s, _ := testScheduler()

	p := mustCreate(t, s, "steady", TypeGeneral, nil)
	mustStart(t, s, p)
	if s.Schedule() != p {
		t.Fatal("p not dispatched")
	}

	if s.Schedule() != p {
		t.Fatal("p not reselected")
	}
	ps, err := s.ProcessStats(p.ID)
	if err != nil {
		t.Fatalf("ProcessStats: %v", err)
	}
	if ps.ContextSwitches != 0 {
		t.Fatalf("context switches = %d after reselection, want 0", ps.ContextSwitches)
	}

	// A mathematical arrival wins the next round; that is a switch.
	m := mustCreate(t, s, "arrival", TypeMathematical, nil)
	mustStart(t, s, m)
	if s.Schedule() != m {
		t.Fatal("mathematical process not dispatched")
	}
	ps, err = s.ProcessStats(p.ID)
	if err != nil {
		t.Fatalf("ProcessStats: %v", err)
	}
	if ps.ContextSwitches != 1 {
		t.Fatalf("context switches = %d after preemption, want 1", ps.ContextSwitches)
	}
	if got := s.Stats().ContextSwitches; got != 2 {
		t.Fatalf("scheduler switches = %d, want 2 (idle to p, p to m)", got)
	}
}
