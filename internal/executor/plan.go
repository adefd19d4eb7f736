package executor

import (
	"fmt"
	"strings"

	"vaultflow/pkg/models"
)

// PhasePlans 每种操作经历的阶段序列
type PhasePlans map[models.ActionType][]models.Phase

var (
	withProving = []models.Phase{
		models.PhaseBuilding,
		models.PhaseSigning,
		models.PhaseProving,
		models.PhaseSending,
		models.PhasePendingInclusion,
		models.PhaseIncluded,
	}
	withoutProving = []models.Phase{
		models.PhaseBuilding,
		models.PhaseSigning,
		models.PhaseSending,
		models.PhasePendingInclusion,
		models.PhaseIncluded,
	}
)

// DefaultPhasePlans 创建金库由中继负责证明，其余操作在客户端进入 PROVING
func DefaultPhasePlans() PhasePlans {
	plans := make(PhasePlans, len(models.AllActionTypes))
	for _, t := range models.AllActionTypes {
		plans[t] = withProving
	}
	plans[models.ActionCreateVault] = withoutProving
	return plans
}

// ParsePhasePlans 解析配置中的阶段序列，未配置的操作使用默认值
func ParsePhasePlans(raw map[string][]string) (PhasePlans, error) {
	plans := DefaultPhasePlans()
	for name, phases := range raw {
		t, err := planActionType(name)
		if err != nil {
			return nil, err
		}
		plan := make([]models.Phase, 0, len(phases))
		for _, s := range phases {
			p, err := models.ParsePhase(s)
			if err != nil {
				return nil, fmt.Errorf("操作 %s 的阶段序列无效: %w", name, err)
			}
			if p == models.PhaseFailed {
				return nil, fmt.Errorf("操作 %s 的阶段序列不能包含 FAILED", name)
			}
			if len(plan) > 0 && !plan[len(plan)-1].Before(p) {
				return nil, fmt.Errorf("操作 %s 的阶段序列必须严格递增: %s -> %s", name, plan[len(plan)-1], p)
			}
			plan = append(plan, p)
		}
		if !contains(plan, models.PhaseSigning) {
			return nil, fmt.Errorf("操作 %s 的阶段序列必须包含 SIGNING", name)
		}
		if !contains(plan, models.PhaseProving) && !contains(plan, models.PhaseSending) {
			return nil, fmt.Errorf("操作 %s 的阶段序列必须包含 PROVING 或 SENDING", name)
		}
		if plan[len(plan)-1] != models.PhaseIncluded {
			return nil, fmt.Errorf("操作 %s 的阶段序列必须以 INCLUDED 结束", name)
		}
		plans[t] = plan
	}
	return plans, nil
}

// planActionType 配置键经 viper 处理后为小写，按不区分大小写匹配操作类型
func planActionType(name string) (models.ActionType, error) {
	for _, t := range models.AllActionTypes {
		if strings.EqualFold(string(t), name) {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown action type %q", name)
}

// AfterSigning 签名完成后进入的阶段
func (p PhasePlans) AfterSigning(t models.ActionType) models.Phase {
	plan, ok := p[t]
	if !ok {
		plan = withProving
	}
	if contains(plan, models.PhaseProving) {
		return models.PhaseProving
	}
	return models.PhaseSending
}

// Includes 操作的阶段序列是否包含该阶段
func (p PhasePlans) Includes(t models.ActionType, phase models.Phase) bool {
	plan, ok := p[t]
	if !ok {
		plan = withProving
	}
	return phase == models.PhaseFailed || contains(plan, phase)
}

func contains(plan []models.Phase, phase models.Phase) bool {
	for _, p := range plan {
		if p == phase {
			return true
		}
	}
	return false
}
