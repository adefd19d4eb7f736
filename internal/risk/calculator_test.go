package risk

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

const nano = PriceScale

func TestCalculateLTV(t *testing.T) {
	tests := []struct {
		name       string
		collateral uint64
		debt       uint64
		price      uint64
		expected   int64
	}{
		{"标准抵押", 1000 * nano, 300 * nano, 1 * nano, 30},
		{"价格翻倍", 1000 * nano, 300 * nano, 2 * nano, 15},
		{"无抵押", 0, 100 * nano, nano, 0},
		{"价格为零", 1000 * nano, 100 * nano, 0, 0},
		{"无债务", 1000 * nano, 0, nano, 0},
		{"抵押价值取整为零", 1, 5, 1, 0},
		{"超过100不封顶", 100 * nano, 250 * nano, nano, 250},
		{"向下取整", 3 * nano, 1 * nano, nano, 33},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CalculateLTV(tt.collateral, tt.debt, tt.price))
		})
	}
}

func TestCalculateHealthFactor(t *testing.T) {
	tests := []struct {
		name       string
		collateral uint64
		debt       uint64
		price      uint64
		expected   int64
	}{
		{"标准抵押", 1000 * nano, 300 * nano, 1 * nano, 222},
		{"无债务", 1000 * nano, 0, nano, HealthFactorUnbounded},
		{"价格为零", 1000 * nano, 300 * nano, 0, HealthFactorUnbounded},
		{"无抵押有债务", 0, 300 * nano, nano, 0},
		{"刚好150%", 150 * nano, 100 * nano, nano, 100},
		{"低于清算线", 140 * nano, 100 * nano, nano, 93},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CalculateHealthFactor(tt.collateral, tt.debt, tt.price))
		})
	}
}

func TestCalculateHealthFactor_NoOverflow(t *testing.T) {
	hf := CalculateHealthFactor(math.MaxUint64, 1, math.MaxUint64)
	assert.Equal(t, int64(math.MaxInt64), hf)

	ltv := CalculateLTV(1, math.MaxUint64, nano)
	assert.Equal(t, int64(math.MaxInt64), ltv)
}

func TestHealthFactorMonotonic(t *testing.T) {
	price := uint64(nano)
	debt := uint64(100 * nano)

	prev := CalculateHealthFactor(100*nano, debt, price)
	for c := uint64(101); c <= 400; c++ {
		hf := CalculateHealthFactor(c*nano, debt, price)
		assert.GreaterOrEqual(t, hf, prev, "增加抵押不应降低健康因子")
		prev = hf
	}

	collateral := uint64(1000 * nano)
	prev = CalculateHealthFactor(collateral, 1*nano, price)
	for d := uint64(2); d <= 500; d++ {
		hf := CalculateHealthFactor(collateral, d*nano, price)
		assert.LessOrEqual(t, hf, prev, "增加债务不应提高健康因子")
		prev = hf
	}

	// 从无债务到有债务，视为从正无穷下降
	assert.Equal(t, 1, CompareHealthFactors(CalculateHealthFactor(collateral, 0, price), CalculateHealthFactor(collateral, nano, price)))
}

func TestClassifyHealthFactor(t *testing.T) {
	tests := []struct {
		hf       int64
		expected RiskLevel
	}{
		{HealthFactorUnbounded, RiskHealthy},
		{222, RiskHealthy},
		{150, RiskHealthy},
		{149, RiskCaution},
		{130, RiskCaution},
		{129, RiskRisky},
		{120, RiskRisky},
		{119, RiskDanger},
		{0, RiskDanger},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, ClassifyHealthFactor(tt.hf), "hf=%d", tt.hf)
	}
}

func TestIsLiquidatable(t *testing.T) {
	assert.False(t, IsLiquidatable(HealthFactorUnbounded))
	assert.False(t, IsLiquidatable(100))
	assert.True(t, IsLiquidatable(99))
	assert.True(t, IsLiquidatable(0))
}

func TestCompareHealthFactors(t *testing.T) {
	assert.Equal(t, 0, CompareHealthFactors(HealthFactorUnbounded, HealthFactorUnbounded))
	assert.Equal(t, 1, CompareHealthFactors(HealthFactorUnbounded, math.MaxInt64))
	assert.Equal(t, -1, CompareHealthFactors(500, HealthFactorUnbounded))
	assert.Equal(t, -1, CompareHealthFactors(120, 150))
	assert.Equal(t, 0, CompareHealthFactors(150, 150))
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "∞", FormatHealthFactor(HealthFactorUnbounded))
	assert.Equal(t, "222", FormatHealthFactor(222))
	assert.Equal(t, "30%", FormatLTV(30))
	assert.Equal(t, "0%", FormatLTV(0))
	assert.Equal(t, "250%", FormatLTV(250))
}

func TestEvaluate(t *testing.T) {
	m := Evaluate(1000*nano, 300*nano, nano)
	assert.Equal(t, Metrics{LTV: 30, HealthFactor: 222, Level: RiskHealthy, Liquidatable: false}, m)
}

func BenchmarkCalculateHealthFactor(b *testing.B) {
	for i := 0; i < b.N; i++ {
		CalculateHealthFactor(1000*nano, 300*nano, nano)
	}
}
