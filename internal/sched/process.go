package sched

import (
	"github.com/quantum-os/qcore/internal/qnum"
)

// State is a process lifecycle state. TERMINATED is absorbing.
type State uint8

const (
	StateCreated State = iota
	StateReady
	StateRunning
	StateWaiting
	StateSuspended
	StateTerminated
)

// String returns the display name of a state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateWaiting:
		return "WAITING"
	case StateSuspended:
		return "SUSPENDED"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Type classifies a process. Values are bit flags; a process may combine
// several capabilities (for example mathematical and real-time).
type Type uint32

const (
	TypeGeneral           Type = 0x01
	TypeMathematical      Type = 0x02
	TypeSymbolic          Type = 0x04
	TypeQuantumNumber     Type = 0x08
	TypeASTEvaluation     Type = 0x10
	TypeProofVerification Type = 0x20
	TypePatternMatching   Type = 0x40
	TypeOptimization      Type = 0x80
	TypeRealTime          Type = 0x100
	TypeInteractive       Type = 0x200
)

// mathematical reports whether the type participates in the mathematical
// scheduling classes and the priority boost.
func (t Type) mathematical() bool {
	return t&(TypeMathematical|TypeSymbolic|TypeQuantumNumber) != 0
}

// Priority holds the static weighted terms of a process's scheduling
// score. The effective score is always recomputed from these fields and
// the process's dynamic state; it is never cached.
type Priority struct {
	Base                  uint32
	MathematicalWeight    uint32
	ComplexityFactor      uint32
	SymbolicBonus         uint32
	QuantumBonus          uint32
	RealTimeBoost         uint32
	DependencyPenalty     uint32
	MemoryPressurePenalty uint32
}

// defaultPriority derives the standard priority weights for a process type.
func defaultPriority(typ Type) Priority {
	p := Priority{
		Base:             50,
		ComplexityFactor: 10,
	}
	if typ&TypeMathematical != 0 {
		p.MathematicalWeight = 20
	}
	if typ&TypeSymbolic != 0 {
		p.SymbolicBonus = 15
	}
	if typ&TypeQuantumNumber != 0 {
		p.QuantumBonus = 10
	}
	if typ&TypeRealTime != 0 {
		p.RealTimeBoost = 30
	}
	return p
}

// mathPriority derives the heavier weights used for processes created
// through CreateMathematicalProcess.
func mathPriority(typ Type) Priority {
	p := Priority{
		Base:               60,
		MathematicalWeight: 25,
		ComplexityFactor:   15,
	}
	if typ&TypeSymbolic != 0 {
		p.SymbolicBonus = 20
	}
	if typ&TypeQuantumNumber != 0 {
		p.QuantumBonus = 15
	}
	if typ&TypeRealTime != 0 {
		p.RealTimeBoost = 35
	}
	return p
}

// DependencyKind categorises what a process is waiting for.
type DependencyKind uint8

const (
	DepComputationResult DependencyKind = iota
	DepMathematicalProof
	DepSymbolicEvaluation
	DepQuantumOperation
	DepMemoryAllocation
	DepFileOperation
)

// String returns the display name of a dependency kind.
func (k DependencyKind) String() string {
	switch k {
	case DepComputationResult:
		return "computation-result"
	case DepMathematicalProof:
		return "proof"
	case DepSymbolicEvaluation:
		return "symbolic-evaluation"
	case DepQuantumOperation:
		return "quantum-operation"
	case DepMemoryAllocation:
		return "memory-allocation"
	case DepFileOperation:
		return "file-operation"
	default:
		return "unknown"
	}
}

// Dependency is a named precondition a process must see satisfied before
// it may leave WAITING. Identity is the opaque mathematical id.
type Dependency struct {
	ID          qnum.Number
	Description string
	Kind        DependencyKind

	// TimeoutTicks bounds the wait; zero means wait forever. An expired
	// dependency is force-satisfied exactly as if resolved normally.
	TimeoutTicks uint64

	satisfied bool
	waitStart uint64
}

// Satisfied reports whether the dependency has been resolved or timed out.
func (d *Dependency) Satisfied() bool { return d.satisfied }

// QuantumContext is a process's mathematical scratch state: virtual
// registers holding quantum numbers, a symbolic evaluation stack, and
// depth/operation counters. Unrelated to CPU time-slice terminology.
type QuantumContext struct {
	Registers []qnum.Number
	Stack     []byte

	EvaluationDepth    uint32
	MaxEvaluationDepth uint32

	// ComputationContext is an opaque handle from the symbolic
	// evaluation layer, stored but never interpreted here.
	ComputationContext any

	// Allocations tracks the process's mathematical heap regions by
	// block identifier.
	Allocations []qnum.Number

	OperationsPerformed  uint64
	SymbolicEvaluations  uint64
	ComputationStartTick uint64
	TotalComputationTime uint64
}

// ProcessStats is a per-process accounting snapshot.
type ProcessStats struct {
	CPUTimeTicks           uint64
	ContextSwitches        uint32
	SchedulingCount        uint32
	AverageResponseTicks   uint32
	MathematicalOperations uint64
	MemoryUsedBytes        uint64
}

// Process is a process control block. All fields are owned by the
// scheduler and mutated only under its lock.
type Process struct {
	ID       uint32
	ParentID uint32
	Name     string

	state State
	typ   Type

	priority Priority

	// quantum is the class-default time slice in ticks; remaining
	// countdown lives on the scheduler while the process runs.
	quantum uint32

	cpuTimeTicks    uint64
	schedulingCount uint32
	contextSwitches uint32
	avgResponse     uint32

	queueEntryTick uint64
	lastScheduled  uint64

	ctx *QuantumContext

	dependencies []Dependency
	satisfied    uint32

	// heapBytes mirrors the process's mathematical heap footprint as
	// reported by the allocator; large heaps depress priority.
	heapBytes uint64

	mathOps uint64
}

// State returns the process's current lifecycle state.
func (p *Process) State() State { return p.state }

// Type returns the process's type flags.
func (p *Process) Type() Type { return p.typ }

// Priority returns the static priority weights.
func (p *Process) Priority() Priority { return p.priority }

// Quantum returns the class-default time slice in ticks.
func (p *Process) Quantum() uint32 { return p.quantum }

// Context returns the process's quantum context, nil if none assigned.
func (p *Process) Context() *QuantumContext { return p.ctx }

// DependencyCount returns total and satisfied dependency counts. The
// satisfied count never exceeds the total.
func (p *Process) DependencyCount() (total, satisfied uint32) {
	return uint32(len(p.dependencies)), p.satisfied
}

// blocked reports whether unsatisfied dependencies hold the process.
func (p *Process) blocked() bool {
	return p.satisfied < uint32(len(p.dependencies))
}

// class maps type flags to the scheduling class the process queues in.
// Real-time outranks everything; symbolic splits from mathematical so the
// evaluator's processes do not starve numeric work.
func (p *Process) class() class {
	switch {
	case p.typ&TypeRealTime != 0:
		return classRealTime
	case p.typ&TypeSymbolic != 0:
		return classSymbolic
	case p.typ&(TypeMathematical|TypeQuantumNumber) != 0:
		return classMathematical
	default:
		return classGeneral
	}
}
