package models

import "fmt"

// Phase 交易生命周期阶段
type Phase string

const (
	PhaseBuilding         Phase = "BUILDING"
	PhaseSigning          Phase = "SIGNING"
	PhaseProving          Phase = "PROVING"
	PhaseSending          Phase = "SENDING"
	PhasePendingInclusion Phase = "PENDING_INCLUSION"
	PhaseIncluded         Phase = "INCLUDED"
	PhaseFailed           Phase = "FAILED"
)

// 阶段顺序，FAILED 不参与排序
var phaseRanks = map[Phase]int{
	PhaseBuilding:         1,
	PhaseSigning:          2,
	PhaseProving:          3,
	PhaseSending:          4,
	PhasePendingInclusion: 5,
	PhaseIncluded:         6,
}

// OrderedPhases 按顺序排列的非失败阶段
var OrderedPhases = []Phase{
	PhaseBuilding,
	PhaseSigning,
	PhaseProving,
	PhaseSending,
	PhasePendingInclusion,
	PhaseIncluded,
}

// ParsePhase 解析阶段名称
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if p == PhaseFailed {
		return p, nil
	}
	if _, ok := phaseRanks[p]; !ok {
		return "", fmt.Errorf("unknown phase %q", s)
	}
	return p, nil
}

// Rank 返回阶段序号；FAILED 返回 0
func (p Phase) Rank() int {
	return phaseRanks[p]
}

// IsTerminal 是否为终止阶段
func (p Phase) IsTerminal() bool {
	return p == PhaseIncluded || p == PhaseFailed
}

// Before 判断 p 是否严格早于 other
func (p Phase) Before(other Phase) bool {
	return p.Rank() < other.Rank()
}

// String 实现Stringer
func (p Phase) String() string {
	return string(p)
}
