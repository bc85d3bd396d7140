package sched

// Aging and pressure constants for the dynamic priority calculation.
const (
	// agingIntervalTicks converts queue wait time into priority points,
	// one point per interval. Aging guarantees no ready process starves:
	// its score strictly increases while everything else holds.
	agingIntervalTicks = 1000

	// heapPressureBytes is the mathematical heap size above which the
	// memory pressure penalty applies.
	heapPressureBytes = 1 << 20

	// mathBoostPoints is the flat bonus granted to mathematical,
	// symbolic, and numeric processes while the global boost toggle is
	// on.
	mathBoostPoints = 20
)

// dynamicPriority computes a process's current scheduling score. It is a
// pure function of the process's own fields and the current tick; it takes
// no queue-wide lock and its result is never cached across decisions.
func dynamicPriority(p *Process, now uint64, mathBoost bool) uint32 {
	score := int64(p.priority.Base)

	if p.typ&TypeMathematical != 0 {
		score += int64(p.priority.MathematicalWeight)
	}
	if p.ctx != nil {
		score += int64(p.priority.ComplexityFactor) * int64(p.ctx.EvaluationDepth/10)
	}
	if p.typ&TypeSymbolic != 0 {
		score += int64(p.priority.SymbolicBonus)
	}
	if p.typ&TypeQuantumNumber != 0 {
		score += int64(p.priority.QuantumBonus)
	}
	if p.typ&TypeRealTime != 0 {
		score += int64(p.priority.RealTimeBoost)
	}

	if now > p.queueEntryTick {
		score += int64((now - p.queueEntryTick) / agingIntervalTicks)
	}

	if p.blocked() {
		score -= int64(p.priority.DependencyPenalty)
	}
	if p.heapBytes > heapPressureBytes {
		score -= int64(p.priority.MemoryPressurePenalty)
	}

	if mathBoost && p.typ.mathematical() {
		score += mathBoostPoints
	}

	if score < 0 {
		return 0
	}
	return uint32(score)
}
