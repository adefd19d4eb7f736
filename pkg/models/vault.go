package models

import "time"

// NanoUnit 基础单位精度（9位小数）
const NanoUnit uint64 = 1_000_000_000

// Vault 链上金库及其派生风险指标
type Vault struct {
	Address             string    `json:"address"`
	CollateralAmount    uint64    `json:"collateral_amount"`
	DebtAmount          uint64    `json:"debt_amount"`
	Owner               string    `json:"owner"`
	CurrentLTV          int64     `json:"current_ltv"`
	CurrentHealthFactor int64     `json:"current_health_factor"`
	PriceNanoUSD        uint64    `json:"price_nano_usd"`
	LoadedAt            time.Time `json:"loaded_at"`
}

// VaultOnChain 合约状态读取器返回的原始字段
type VaultOnChain struct {
	CollateralAmount uint64 `json:"collateral_amount"`
	DebtAmount       uint64 `json:"debt_amount"`
	Owner            string `json:"owner"`
}

// ProjectedState 待执行操作的预测风险指标，仅用于展示
type ProjectedState struct {
	Action           ActionType `json:"action"`
	Amount           uint64     `json:"amount"`
	CollateralAmount uint64     `json:"collateral_amount"`
	DebtAmount       uint64     `json:"debt_amount"`
	HealthFactor     int64      `json:"health_factor"`
	LTV              int64      `json:"ltv"`
}

// VaultKey 新金库身份，私钥只在创建流程中驻留内存
type VaultKey struct {
	PrivateKey string `json:"-"`
	Address    string `json:"address"`
}
