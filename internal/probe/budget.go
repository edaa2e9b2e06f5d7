package probe

import "time"

type phase int

const (
	phaseConnect phase = iota
	phaseNegotiate
	phaseVerify
)

func (p phase) String() string {
	switch p {
	case phaseConnect:
		return "connect"
	case phaseNegotiate:
		return "negotiate"
	default:
		return "verify"
	}
}

// phaseShares 是各阶段在总超时中的份额。
var phaseShares = [...]float64{
	phaseConnect:   0.35,
	phaseNegotiate: 0.35,
	phaseVerify:    0.30,
}

// budget splits one overall deadline between the probe phases. Each phase
// gets its share of whatever is left, so time saved by a fast phase flows to
// the later ones while a slow phase cannot eat their reserve.
type budget struct {
	deadline time.Time
	last     phase
}

func newBudget(start time.Time, total time.Duration, verify bool) budget {
	b := budget{deadline: start.Add(total), last: phaseVerify}
	if !verify {
		b.last = phaseNegotiate
	}
	return b
}

// next returns the deadline for phase p when it starts at now.
func (b budget) next(now time.Time, p phase) time.Time {
	remaining := b.deadline.Sub(now)
	if remaining <= 0 || p >= b.last {
		return b.deadline
	}
	var sum float64
	for q := p; q <= b.last; q++ {
		sum += phaseShares[q]
	}
	return now.Add(time.Duration(float64(remaining) * phaseShares[p] / sum))
}
