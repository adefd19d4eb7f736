package models

import "fmt"

// ActionType 金库操作类型，取值与中继任务名保持一致
type ActionType string

const (
	ActionCreateVault       ActionType = "createVault"
	ActionDepositCollateral ActionType = "depositCollateral"
	ActionRedeemCollateral  ActionType = "redeemCollateral"
	ActionMintZkUsd         ActionType = "mintZkUsd"
	ActionBurnZkUsd         ActionType = "burnZkUsd"
	ActionLiquidate         ActionType = "liquidate"
)

// AllActionTypes 全部操作类型
var AllActionTypes = []ActionType{
	ActionCreateVault,
	ActionDepositCollateral,
	ActionRedeemCollateral,
	ActionMintZkUsd,
	ActionBurnZkUsd,
	ActionLiquidate,
}

var actionTitles = map[ActionType]string{
	ActionCreateVault:       "Creating new vault",
	ActionDepositCollateral: "Depositing collateral",
	ActionRedeemCollateral:  "Withdrawing collateral",
	ActionMintZkUsd:         "Minting zkUSD",
	ActionBurnZkUsd:         "Repaying zkUSD",
	ActionLiquidate:         "Liquidating vault",
}

// ParseActionType 解析操作类型
func ParseActionType(s string) (ActionType, error) {
	at := ActionType(s)
	if _, ok := actionTitles[at]; !ok {
		return "", fmt.Errorf("unknown action type %q", s)
	}
	return at, nil
}

// Title 返回状态对话框标题
func (a ActionType) Title() string {
	return actionTitles[a]
}

// NeedsPrice 需要最新价格证明的操作
func (a ActionType) NeedsPrice() bool {
	switch a {
	case ActionMintZkUsd, ActionRedeemCollateral, ActionLiquidate:
		return true
	default:
		return false
	}
}

// Mutates 是否修改已有金库（创建金库除外）
func (a ActionType) Mutates() bool {
	return a != ActionCreateVault
}

// String 实现Stringer
func (a ActionType) String() string {
	return string(a)
}
