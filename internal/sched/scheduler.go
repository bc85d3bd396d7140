package sched

import (
	"fmt"
	"sync"

	"github.com/quantum-os/qcore/internal/qnum"
)

// Config carries the scheduler's tunables. Quanta are expressed in ticks
// of the external driver; mathematical work gets the longest slice so
// symbolic evaluations are not cut mid-expression, real-time the shortest
// for bounded latency.
type Config struct {
	DefaultQuantumTicks  uint32
	MathQuantumTicks     uint32
	RealTimeQuantumTicks uint32

	AdaptiveQuantum    bool
	MathPriorityBoost  bool
	DependencyAware    bool
	InitialSwitchTicks uint64
}

// DefaultConfig returns the standard tunables.
func DefaultConfig() Config {
	return Config{
		DefaultQuantumTicks:  10,
		MathQuantumTicks:     50,
		RealTimeQuantumTicks: 5,
		AdaptiveQuantum:      true,
		MathPriorityBoost:    true,
		DependencyAware:      true,
		InitialSwitchTicks:   100,
	}
}

// Stats is a scheduler-wide accounting snapshot.
type Stats struct {
	TotalCreated    uint64
	TotalTerminated uint64
	CurrentCount    uint32
	PeakCount       uint32

	MathematicalCount uint32
	SymbolicCount     uint32
	QuantumCount      uint32

	ContextSwitches     uint64
	SchedulingDecisions uint64
	ForcedTimeouts      uint64

	// SwitchOverheadTicks is a moving average of context switch cost.
	SwitchOverheadTicks uint64

	QueueDepths map[string]int
}

// Scheduler is the multi-class preemptive scheduler. Execution is
// single-core cooperative: an external periodic Tick is the only driver
// of quantum-expiry preemption.
type Scheduler struct {
	notifier

	cfg   Config
	clock func() uint64
	logf  func(format string, args ...any)

	mu               sync.Mutex // queue state, current, process fields
	queues           [classCount]queue
	current          *Process
	currentStart     uint64
	remainingQuantum uint32
	nextPID          uint32

	procsMu sync.RWMutex // process index, read-mostly
	procs   map[uint32]*Process

	totalCreated    uint64
	totalTerminated uint64
	peakCount       uint32
	mathCount       uint32
	symbolicCount   uint32
	quantumCount    uint32
	switches        uint64
	decisions       uint64
	forcedTimeouts  uint64
	switchOverhead  uint64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the tick source.
func WithClock(clock func() uint64) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithLogf routes scheduler log output.
func WithLogf(logf func(format string, args ...any)) Option {
	return func(s *Scheduler) { s.logf = logf }
}

// New creates a scheduler with the given tunables.
func New(cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:            cfg,
		clock:          func() uint64 { return 0 },
		logf:           func(string, ...any) {},
		nextPID:        1,
		procs:          make(map[uint32]*Process),
		switchOverhead: cfg.InitialSwitchTicks,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// quantumFor maps a process type to its class-default time slice.
func (s *Scheduler) quantumFor(typ Type) uint32 {
	switch {
	case typ&TypeRealTime != 0:
		return s.cfg.RealTimeQuantumTicks
	case typ.mathematical():
		return s.cfg.MathQuantumTicks
	default:
		return s.cfg.DefaultQuantumTicks
	}
}

// CreateProcess builds a process control block in CREATED state. A nil
// prio selects the default weights for the type.
func (s *Scheduler) CreateProcess(name string, typ Type, prio *Priority) (*Process, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty process name", ErrInvalidParameter)
	}
	if typ == 0 {
		typ = TypeGeneral
	}

	p := &Process{
		Name:    name,
		state:   StateCreated,
		typ:     typ,
		quantum: s.quantumFor(typ),
	}
	if prio != nil {
		p.priority = *prio
	} else {
		p.priority = defaultPriority(typ)
	}

	s.mu.Lock()
	p.ID = s.nextPID
	s.nextPID++
	s.totalCreated++
	if typ&TypeMathematical != 0 {
		s.mathCount++
	}
	if typ&TypeSymbolic != 0 {
		s.symbolicCount++
	}
	if typ&TypeQuantumNumber != 0 {
		s.quantumCount++
	}
	s.mu.Unlock()

	s.procsMu.Lock()
	s.procs[p.ID] = p
	if n := uint32(len(s.procs)); n > s.peakCount {
		s.peakCount = n
	}
	s.procsMu.Unlock()

	s.logf("sched: created process %d: %s", p.ID, name)
	s.emit([]Event{{Kind: EventProcessCreated, Tick: s.clock(), PID: p.ID, Name: name}})
	return p, nil
}

// CreateMathematicalProcess builds a process with heavier mathematical
// weights and a default quantum context (16 registers, 64KiB stack). The
// computation context handle, if any, is stored opaquely.
func (s *Scheduler) CreateMathematicalProcess(name string, typ Type, computationContext any) (*Process, error) {
	typ |= TypeMathematical
	prio := mathPriority(typ)
	p, err := s.CreateProcess(name, typ, &prio)
	if err != nil {
		return nil, err
	}
	if err := s.AssignQuantumContext(p, 16, 64*1024); err != nil {
		_ = s.Terminate(p.ID)
		return nil, err
	}
	if computationContext != nil {
		s.mu.Lock()
		p.ctx.ComputationContext = computationContext
		s.mu.Unlock()
	}
	return p, nil
}

// AssignQuantumContext attaches mathematical scratch state: a zeroed
// virtual register file and a symbolic evaluation stack.
func (s *Scheduler) AssignQuantumContext(p *Process, registerCount uint32, stackSize uint64) error {
	if p == nil {
		return fmt.Errorf("%w: nil process", ErrInvalidParameter)
	}
	ctx := &QuantumContext{
		MaxEvaluationDepth:   1000,
		ComputationStartTick: s.clock(),
	}
	if registerCount > 0 {
		ctx.Registers = make([]qnum.Number, registerCount)
		for i := range ctx.Registers {
			ctx.Registers[i] = qnum.Zero()
		}
	}
	if stackSize > 0 {
		ctx.Stack = make([]byte, stackSize)
	}

	s.mu.Lock()
	p.ctx = ctx
	s.mu.Unlock()
	return nil
}

// Start moves a CREATED process into the run queues. A process whose
// dependencies are already unsatisfied starts WAITING instead of READY.
func (s *Scheduler) Start(p *Process) error {
	if p == nil {
		return fmt.Errorf("%w: nil process", ErrInvalidParameter)
	}

	s.mu.Lock()
	if p.state != StateCreated {
		s.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrSchedulingConflict, p.state)
	}
	now := s.clock()
	if p.blocked() {
		p.state = StateWaiting
		s.queues[classWaiting].push(p, now)
	} else {
		p.state = StateReady
		s.queues[p.class()].push(p, now)
	}
	s.mu.Unlock()

	s.logf("sched: started process %d: %s", p.ID, p.Name)
	s.emit([]Event{{Kind: EventProcessStarted, Tick: s.clock(), PID: p.ID, Name: p.Name}})
	return nil
}

// Schedule runs one selection round: the current process (if still
// running) is requeued READY with a fresh class quantum, then the highest
// precedence non-empty class supplies the next process. Real-time is
// served head-of-queue; the other classes by maximum dynamic priority
// with earliest-entry tiebreak. Returns the new current process, nil when
// every queue is empty.
func (s *Scheduler) Schedule() *Process {
	start := s.clock()

	s.mu.Lock()
	now := start
	old := s.current

	// Step 1: vacate "current"; a still-running process goes back to
	// its class queue as READY.
	if old != nil {
		old.cpuTimeTicks += now - s.currentStart
		if old.state == StateRunning {
			old.state = StateReady
			s.queues[old.class()].push(old, now)
		}
		old.lastScheduled = now
		s.current = nil
	}

	// Step 2: scan classes in precedence order.
	var next *Process
	if !s.queues[classRealTime].empty() {
		next = s.queues[classRealTime].popHead()
	} else {
		for _, c := range []class{classMathematical, classSymbolic, classGeneral} {
			if s.queues[c].empty() {
				continue
			}
			next = s.queues[c].selectMax(now, s.cfg.MathPriorityBoost)
			s.queues[c].remove(next)
			break
		}
	}

	// Step 3: dispatch.
	if next != nil {
		next.state = StateRunning
		next.schedulingCount++
		if now >= next.queueEntryTick {
			response := uint32(now - next.queueEntryTick)
			n := next.schedulingCount
			next.avgResponse = (next.avgResponse*(n-1) + response) / n
		}
		s.current = next
		s.currentStart = now
		s.remainingQuantum = next.quantum
	}

	s.decisions++
	switched := next != old
	if switched {
		s.switches++
		if old != nil {
			old.contextSwitches++
		}
	}
	elapsed := s.clock() - start
	s.switchOverhead = (s.switchOverhead*7 + elapsed) / 8

	var events []Event
	if switched {
		ev := Event{Kind: EventSchedulingDecision, Tick: now}
		if old != nil {
			ev.PrevPID = old.ID
		}
		if next != nil {
			ev.NextPID = next.ID
			ev.PID = next.ID
			ev.Name = next.Name
		}
		events = append(events, ev)
	}
	s.mu.Unlock()

	s.emit(events)
	return next
}

// Yield voluntarily gives up the CPU and triggers a selection round.
func (s *Scheduler) Yield() *Process { return s.Schedule() }

// Current returns the running process, nil when idle.
func (s *Scheduler) Current() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Process resolves a process id through the index.
func (s *Scheduler) Process(pid uint32) (*Process, error) {
	s.procsMu.RLock()
	p, ok := s.procs[pid]
	s.procsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: pid %d", ErrNotFound, pid)
	}
	return p, nil
}

// Tick is the external periodic driver. It expires dependency timeouts on
// waiting processes, decrements the running process's quantum, and runs a
// selection round when the quantum is spent. It is the only source of
// preemption.
func (s *Scheduler) Tick() {
	now := s.clock()

	s.mu.Lock()
	events := s.expireTimeoutsLocked(now)

	expired := false
	if s.current != nil {
		if s.remainingQuantum > 0 {
			s.remainingQuantum--
		}
		expired = s.remainingQuantum == 0
	}
	s.mu.Unlock()

	s.emit(events)
	if expired {
		s.Schedule()
	}
}

// expireTimeoutsLocked force-satisfies dependencies whose wait exceeded
// their timeout, exactly as if they resolved normally. Fully unblocked
// processes re-enter READY. The waiting queue is scanned first and
// requeued after, so removals cannot invalidate the scan.
func (s *Scheduler) expireTimeoutsLocked(now uint64) []Event {
	var events []Event
	var unblocked []*Process
	for _, p := range s.queues[classWaiting].procs {
		for j := range p.dependencies {
			d := &p.dependencies[j]
			if d.satisfied || d.TimeoutTicks == 0 {
				continue
			}
			if now-d.waitStart <= d.TimeoutTicks {
				continue
			}
			d.satisfied = true
			p.satisfied++
			s.forcedTimeouts++
			s.logf("%v for process %d: %s", ErrTimeout, p.ID, d.Description)
			events = append(events, Event{
				Kind: EventDependencySatisfied, Tick: now,
				PID: p.ID, Name: p.Name, Dependency: d.ID, Forced: true,
			})
		}
		if !p.blocked() {
			unblocked = append(unblocked, p)
		}
	}
	for _, p := range unblocked {
		s.queues[classWaiting].remove(p)
		p.state = StateReady
		s.queues[p.class()].push(p, now)
	}
	return events
}

// AddDependency records a precondition on a process. A RUNNING or READY
// process becomes WAITING immediately; if it was running, a selection
// round follows.
func (s *Scheduler) AddDependency(pid uint32, dep Dependency) error {
	p, err := s.Process(pid)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if p.state == StateTerminated {
		s.mu.Unlock()
		return fmt.Errorf("%w: dependency on terminated process %d", ErrSchedulingConflict, pid)
	}
	now := s.clock()
	dep.satisfied = false
	dep.waitStart = now
	p.dependencies = append(p.dependencies, dep)

	wasRunning := false
	switch p.state {
	case StateRunning:
		wasRunning = true
		p.cpuTimeTicks += now - s.currentStart
		s.current = nil
		p.state = StateWaiting
		s.queues[classWaiting].push(p, now)
	case StateReady:
		s.queues[p.class()].remove(p)
		p.state = StateWaiting
		s.queues[classWaiting].push(p, now)
	}
	s.mu.Unlock()

	s.logf("sched: process %d waits on %s (%s)", pid, dep.Description, dep.Kind)
	if wasRunning {
		s.Schedule()
	}
	return nil
}

// SatisfyDependency resolves a dependency id across every process that
// references it and returns how many processes were affected. A process
// whose last dependency this was re-enters READY.
func (s *Scheduler) SatisfyDependency(id qnum.Number, payload any) int {
	_ = payload // delivered through the symbolic layer, not stored here

	s.procsMu.RLock()
	procs := make([]*Process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.procsMu.RUnlock()

	var events []Event
	affected := 0

	s.mu.Lock()
	now := s.clock()
	for _, p := range procs {
		touched := false
		for j := range p.dependencies {
			d := &p.dependencies[j]
			if d.satisfied || !qnum.Equals(d.ID, id) {
				continue
			}
			d.satisfied = true
			p.satisfied++
			touched = true
			events = append(events, Event{
				Kind: EventDependencySatisfied, Tick: now,
				PID: p.ID, Name: p.Name, Dependency: id,
			})
		}
		if !touched {
			continue
		}
		affected++
		if p.state == StateWaiting && !p.blocked() {
			s.queues[classWaiting].remove(p)
			p.state = StateReady
			s.queues[p.class()].push(p, now)
		}
	}
	s.mu.Unlock()

	s.emit(events)
	return affected
}

// Suspend removes a process from scheduling until Resume. Only READY,
// RUNNING, and WAITING processes can be suspended.
func (s *Scheduler) Suspend(pid uint32) error {
	p, err := s.Process(pid)
	if err != nil {
		return err
	}

	s.mu.Lock()
	wasRunning := false
	switch p.state {
	case StateRunning:
		wasRunning = true
		p.cpuTimeTicks += s.clock() - s.currentStart
		s.current = nil
	case StateReady:
		s.queues[p.class()].remove(p)
	case StateWaiting:
		s.queues[classWaiting].remove(p)
	default:
		s.mu.Unlock()
		return fmt.Errorf("%w: suspend from %s", ErrSchedulingConflict, p.state)
	}
	p.state = StateSuspended
	s.mu.Unlock()

	s.logf("sched: suspended process %d", pid)
	if wasRunning {
		s.Schedule()
	}
	return nil
}

// Resume returns a SUSPENDED process to READY, or to WAITING if it still
// has unsatisfied dependencies.
func (s *Scheduler) Resume(pid uint32) error {
	p, err := s.Process(pid)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p.state != StateSuspended {
		return fmt.Errorf("%w: resume from %s", ErrSchedulingConflict, p.state)
	}
	now := s.clock()
	if p.blocked() {
		p.state = StateWaiting
		s.queues[classWaiting].push(p, now)
	} else {
		p.state = StateReady
		s.queues[p.class()].push(p, now)
	}
	return nil
}

// Terminate ends a process in any state. The process leaves every queue,
// its quantum context and dependency list are released, and no queue
// references it after this returns. Terminating the running process
// triggers a selection round.
func (s *Scheduler) Terminate(pid uint32) error {
	p, err := s.Process(pid)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if p.state == StateTerminated {
		s.mu.Unlock()
		return fmt.Errorf("%w: process %d already terminated", ErrSchedulingConflict, pid)
	}
	now := s.clock()
	wasRunning := s.current == p
	if wasRunning {
		p.cpuTimeTicks += now - s.currentStart
		s.current = nil
	}
	for c := class(0); c < classCount; c++ {
		s.queues[c].remove(p)
	}
	p.state = StateTerminated
	p.ctx = nil
	p.dependencies = nil
	p.satisfied = 0
	s.totalTerminated++
	if p.typ&TypeMathematical != 0 && s.mathCount > 0 {
		s.mathCount--
	}
	if p.typ&TypeSymbolic != 0 && s.symbolicCount > 0 {
		s.symbolicCount--
	}
	if p.typ&TypeQuantumNumber != 0 && s.quantumCount > 0 {
		s.quantumCount--
	}
	s.mu.Unlock()

	s.procsMu.Lock()
	delete(s.procs, pid)
	s.procsMu.Unlock()

	s.logf("sched: terminated process %d: %s", pid, p.Name)
	s.emit([]Event{{Kind: EventProcessTerminated, Tick: now, PID: pid, Name: p.Name}})
	if wasRunning {
		s.Schedule()
	}
	return nil
}

// SetMathematicalPriority replaces a process's static priority weights.
func (s *Scheduler) SetMathematicalPriority(pid uint32, prio Priority) error {
	p, err := s.Process(pid)
	if err != nil {
		return err
	}
	s.mu.Lock()
	p.priority = prio
	s.mu.Unlock()
	return nil
}

// SetMathPriorityBoost flips the global flat boost for mathematical,
// symbolic, and numeric processes.
func (s *Scheduler) SetMathPriorityBoost(on bool) {
	s.mu.Lock()
	s.cfg.MathPriorityBoost = on
	s.mu.Unlock()
}

// BoostMathematicalProcesses permanently raises the base priority of
// every live mathematical process by 10 points.
func (s *Scheduler) BoostMathematicalProcesses() int {
	s.procsMu.RLock()
	procs := make([]*Process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.procsMu.RUnlock()

	boosted := 0
	s.mu.Lock()
	for _, p := range procs {
		if p.typ.mathematical() && p.state != StateTerminated {
			p.priority.Base += 10
			boosted++
		}
	}
	s.mu.Unlock()
	return boosted
}

// SetHeapUsage reports a process's mathematical heap footprint. Allocator
// pressure feeds back into the priority calculation through this value.
func (s *Scheduler) SetHeapUsage(pid uint32, bytes uint64) error {
	p, err := s.Process(pid)
	if err != nil {
		return err
	}
	s.mu.Lock()
	p.heapBytes = bytes
	s.mu.Unlock()
	return nil
}

// TrackAllocation records a mathematical heap block identifier in the
// process's quantum context. Processes without a context ignore it.
func (s *Scheduler) TrackAllocation(pid uint32, id qnum.Number) error {
	p, err := s.Process(pid)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if p.ctx != nil {
		p.ctx.Allocations = append(p.ctx.Allocations, id)
	}
	s.mu.Unlock()
	return nil
}

// RecordMathematicalOperation bumps a process's operation counters.
func (s *Scheduler) RecordMathematicalOperation(pid uint32, symbolic bool) error {
	p, err := s.Process(pid)
	if err != nil {
		return err
	}
	s.mu.Lock()
	p.mathOps++
	if p.ctx != nil {
		p.ctx.OperationsPerformed++
		if symbolic {
			p.ctx.SymbolicEvaluations++
		}
	}
	s.mu.Unlock()
	return nil
}

// ProcessStats returns a per-process accounting snapshot.
func (s *Scheduler) ProcessStats(pid uint32) (ProcessStats, error) {
	p, err := s.Process(pid)
	if err != nil {
		return ProcessStats{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return ProcessStats{
		CPUTimeTicks:           p.cpuTimeTicks,
		ContextSwitches:        p.contextSwitches,
		SchedulingCount:        p.schedulingCount,
		AverageResponseTicks:   p.avgResponse,
		MathematicalOperations: p.mathOps,
		MemoryUsedBytes:        p.heapBytes,
	}, nil
}

// Stats returns a scheduler-wide snapshot including queue depths.
func (s *Scheduler) Stats() Stats {
	s.procsMu.RLock()
	current := uint32(len(s.procs))
	s.procsMu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		TotalCreated:        s.totalCreated,
		TotalTerminated:     s.totalTerminated,
		CurrentCount:        current,
		PeakCount:           s.peakCount,
		MathematicalCount:   s.mathCount,
		SymbolicCount:       s.symbolicCount,
		QuantumCount:        s.quantumCount,
		ContextSwitches:     s.switches,
		SchedulingDecisions: s.decisions,
		ForcedTimeouts:      s.forcedTimeouts,
		SwitchOverheadTicks: s.switchOverhead,
		QueueDepths:         make(map[string]int, classCount),
	}
	for c := class(0); c < classCount; c++ {
		st.QueueDepths[c.String()] = s.queues[c].len()
	}
	return st
}

// Shutdown terminates every live process and clears the index.
func (s *Scheduler) Shutdown() error {
	s.procsMu.RLock()
	pids := make([]uint32, 0, len(s.procs))
	for pid := range s.procs {
		pids = append(pids, pid)
	}
	s.procsMu.RUnlock()

	var firstErr error
	for _, pid := range pids {
		if err := s.Terminate(pid); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
