// Package risk 计算金库的贷款价值比(LTV)与健康因子，全部使用整数运算。
package risk

import (
	"fmt"
	"math"

	"github.com/holiman/uint256"
)

const (
	// PriceScale 价格精度：1e9 代表 1 美元
	PriceScale uint64 = 1_000_000_000

	// CollateralizationRatio 最低抵押率（百分比）
	CollateralizationRatio uint64 = 150

	// HealthFactorUnbounded 无债务或价格为零时的健康因子，语义上为正无穷
	HealthFactorUnbounded int64 = -1

	// LiquidationThreshold 健康因子低于该值可被清算
	LiquidationThreshold int64 = 100
)

// RiskLevel 健康因子风险分级
type RiskLevel string

const (
	RiskHealthy RiskLevel = "HEALTHY"
	RiskCaution RiskLevel = "CAUTION"
	RiskRisky   RiskLevel = "RISKY"
	RiskDanger  RiskLevel = "DANGER"
)

var (
	priceScale = uint256.NewInt(PriceScale)
	hundred    = uint256.NewInt(100)
	minRatio   = uint256.NewInt(CollateralizationRatio)
)

// collateralValue 抵押品美元价值（与价格同精度），向下取整
func collateralValue(collateral, price uint64) *uint256.Int {
	v := new(uint256.Int).Mul(uint256.NewInt(collateral), uint256.NewInt(price))
	return v.Div(v, priceScale)
}

// toInt64 超出 int64 范围时饱和到 MaxInt64
func toInt64(v *uint256.Int) int64 {
	if !v.IsUint64() || v.Uint64() > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v.Uint64())
}

// CalculateLTV 计算贷款价值比（整数百分比，向下取整，不设上限）。
// 抵押为零或价格为零时返回 0；抵押价值向下取整为 0 时同样返回 0。
func CalculateLTV(collateral, debt, price uint64) int64 {
	if collateral == 0 || price == 0 {
		return 0
	}
	cv := collateralValue(collateral, price)
	if cv.IsZero() {
		return 0
	}
	ltv := new(uint256.Int).Mul(uint256.NewInt(debt), hundred)
	return toInt64(ltv.Div(ltv, cv))
}

// CalculateHealthFactor 计算健康因子：
// 最大可借 = 抵押价值 * 100 / 150，健康因子 = 最大可借 * 100 / 债务。
// 债务为零或价格为零时返回 HealthFactorUnbounded。
func CalculateHealthFactor(collateral, debt, price uint64) int64 {
	if debt == 0 || price == 0 {
		return HealthFactorUnbounded
	}
	maxDebt := collateralValue(collateral, price)
	maxDebt.Mul(maxDebt, hundred).Div(maxDebt, minRatio)

	hf := new(uint256.Int).Mul(maxDebt, hundred)
	return toInt64(hf.Div(hf, uint256.NewInt(debt)))
}

// IsUnbounded 健康因子是否为无穷大哨兵值
func IsUnbounded(hf int64) bool {
	return hf == HealthFactorUnbounded
}

// ClassifyHealthFactor 风险分级；哨兵值总是 HEALTHY
func ClassifyHealthFactor(hf int64) RiskLevel {
	switch {
	case IsUnbounded(hf), hf >= 150:
		return RiskHealthy
	case hf >= 130:
		return RiskCaution
	case hf >= 120:
		return RiskRisky
	default:
		return RiskDanger
	}
}

// IsLiquidatable 健康因子低于 100 时可被清算
func IsLiquidatable(hf int64) bool {
	return !IsUnbounded(hf) && hf < LiquidationThreshold
}

// CompareHealthFactors 比较两个健康因子，哨兵值视为正无穷。
// a<b 返回 -1，相等返回 0，a>b 返回 1。
func CompareHealthFactors(a, b int64) int {
	switch {
	case IsUnbounded(a) && IsUnbounded(b):
		return 0
	case IsUnbounded(a):
		return 1
	case IsUnbounded(b):
		return -1
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// FormatHealthFactor 展示用格式
func FormatHealthFactor(hf int64) string {
	if IsUnbounded(hf) {
		return "∞"
	}
	return fmt.Sprintf("%d", hf)
}

// FormatLTV 展示用格式；LTV 为整数百分比，不附加小数位
func FormatLTV(ltv int64) string {
	return fmt.Sprintf("%d%%", ltv)
}

// Metrics 一次计算得到的全部风险指标
type Metrics struct {
	LTV          int64     `json:"ltv"`
	HealthFactor int64     `json:"health_factor"`
	Level        RiskLevel `json:"risk_level"`
	Liquidatable bool      `json:"liquidatable"`
}

// Evaluate 计算全部风险指标
func Evaluate(collateral, debt, price uint64) Metrics {
	hf := CalculateHealthFactor(collateral, debt, price)
	return Metrics{
		LTV:          CalculateLTV(collateral, debt, price),
		HealthFactor: hf,
		Level:        ClassifyHealthFactor(hf),
		Liquidatable: IsLiquidatable(hf),
	}
}
