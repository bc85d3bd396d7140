package sched

// class identifies one scheduling queue. Strict precedence, highest
// first: real-time > mathematical > symbolic > general. The waiting class
// holds blocked processes and is never selected from directly.
type class uint8

const (
	classRealTime class = iota
	classMathematical
	classSymbolic
	classGeneral
	classWaiting
	classCount
)

// String returns the display name of a scheduling class.
func (c class) String() string {
	switch c {
	case classRealTime:
		return "real-time"
	case classMathematical:
		return "mathematical"
	case classSymbolic:
		return "symbolic"
	case classGeneral:
		return "general"
	case classWaiting:
		return "waiting"
	default:
		return "unknown"
	}
}

// queue is one class's run queue. Arrival order is preserved so the
// real-time class can be served head-of-queue with bounded latency; the
// other classes select by maximum dynamic priority instead.
type queue struct {
	procs []*Process
}

func (q *queue) push(p *Process, now uint64) {
	p.queueEntryTick = now
	q.procs = append(q.procs, p)
}

func (q *queue) empty() bool { return len(q.procs) == 0 }

func (q *queue) len() int { return len(q.procs) }

// popHead removes and returns the oldest entry, nil when empty.
func (q *queue) popHead() *Process {
	if len(q.procs) == 0 {
		return nil
	}
	p := q.procs[0]
	copy(q.procs, q.procs[1:])
	q.procs = q.procs[:len(q.procs)-1]
	return p
}

// remove unlinks p, reporting whether it was present.
func (q *queue) remove(p *Process) bool {
	for i, cand := range q.procs {
		if cand == p {
			q.procs = append(q.procs[:i], q.procs[i+1:]...)
			return true
		}
	}
	return false
}

// selectMax returns the member with the highest dynamic priority without
// removing it. Ties go to the earliest queue entry, so two equal scores
// are served in arrival order.
func (q *queue) selectMax(now uint64, mathBoost bool) *Process {
	var best *Process
	var bestScore uint32
	for _, p := range q.procs {
		score := dynamicPriority(p, now, mathBoost)
		if best == nil || score > bestScore ||
			(score == bestScore && p.queueEntryTick < best.queueEntryTick) {
			best = p
			bestScore = score
		}
	}
	return best
}
