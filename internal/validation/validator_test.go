package validation

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultflow/internal/errors"
	"vaultflow/pkg/models"
)

const (
	addrReal   = "B62qkWNywoY6QrugwGdax19tumYXUpBJwFhGmnyeEd1Sctz1nWuwKt3"
	addrSample = "B62qiVH13y25ML8Go8ucKtGpkgh5hYvvmhypGNKQr1X3Z5m65nyxSfR"
	nano       = models.NanoUnit
)

func newTestValidator() *Validator {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewValidator(logger)
}

func TestIsValidAddress(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		expected bool
	}{
		{"真实地址", addrReal, true},
		{"生成地址", addrSample, true},
		{"校验和错误", addrReal[:len(addrReal)-1] + "4", false},
		{"空地址", "", false},
		{"以太坊地址", "0x1234567890abcdef1234567890abcdef12345678", false},
		{"截断", addrReal[:40], false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsValidAddress(tt.addr))
		})
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		input    string
		expected uint64
		wantErr  bool
	}{
		{"", 0, false},
		{"1", 1_000_000_000, false},
		{"0.5", 500_000_000, false},
		{"10.123456789", 10_123_456_789, false},
		{"1.0000000019", 1_000_000_001, false}, // 超出9位截断
		{"007.25", 7_250_000_000, false},
		{"-1", 0, true},
		{"abc", 0, true},
		{"99999999999999999999", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseAmount(tt.input)
		if tt.wantErr {
			assert.Error(t, err, tt.input)
			continue
		}
		require.NoError(t, err, tt.input)
		assert.Equal(t, tt.expected, got, tt.input)
	}
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "10", FormatAmount(10*nano, 4))
	assert.Equal(t, "0.5", FormatAmount(500_000_000, 4))
	assert.Equal(t, "1,234.5679", FormatAmount(1_234_567_890_000, 4))
	assert.Equal(t, "0", FormatAmount(0, 4))
}

func TestFormatDisplayAccount(t *testing.T) {
	assert.Equal(t, "B62qkW...wKt3", FormatDisplayAccount(addrReal))
	assert.Equal(t, "short", FormatDisplayAccount("short"))
}

func TestValidateAddress(t *testing.T) {
	v := newTestValidator()

	result := v.ValidateAddress(addrReal)
	assert.True(t, result.Valid)
	assert.NoError(t, result.Err())

	result = v.ValidateAddress("not-an-address")
	assert.False(t, result.Valid)
	assert.Equal(t, MsgInvalidAddress, result.Message())
	assert.Equal(t, errors.CodeInvalidAddress, result.Errors[0].Code)
}

func TestValidateAction(t *testing.T) {
	vault := &models.Vault{CollateralAmount: 1000 * nano, DebtAmount: 300 * nano}

	tests := []struct {
		name    string
		in      ActionInput
		message string
	}{
		{"创建金库无需金额", ActionInput{Type: models.ActionCreateVault}, ""},
		{"未选择金库", ActionInput{Type: models.ActionDepositCollateral, Amount: nano}, MsgVaultNotLoaded},
		{"零金额", ActionInput{Type: models.ActionDepositCollateral, Vault: vault}, MsgAmountZero},
		{"正常存入", ActionInput{Type: models.ActionDepositCollateral, Vault: vault, Amount: nano}, ""},
		{"取回超过抵押", ActionInput{Type: models.ActionRedeemCollateral, Vault: vault, Amount: 1001 * nano, Price: nano}, MsgExceedsCollateral},
		{"取回导致健康因子过低", ActionInput{Type: models.ActionRedeemCollateral, Vault: vault, Amount: 600 * nano, Price: nano}, MsgHealthFactorTooLow},
		{"正常取回", ActionInput{Type: models.ActionRedeemCollateral, Vault: vault, Amount: 100 * nano, Price: nano}, ""},
		{"偿还超过债务", ActionInput{Type: models.ActionBurnZkUsd, Vault: vault, Amount: 301 * nano}, MsgExceedsDebt},
		{"铸造过多", ActionInput{Type: models.ActionMintZkUsd, Vault: vault, Amount: 400 * nano, Price: nano}, MsgHealthFactorTooLow},
		{"正常铸造", ActionInput{Type: models.ActionMintZkUsd, Vault: vault, Amount: 100 * nano, Price: nano}, ""},
		{"健康金库不可清算", ActionInput{Type: models.ActionLiquidate, Vault: vault, Price: nano}, MsgLiquidateNotAllowed},
		{"可清算", ActionInput{Type: models.ActionLiquidate, Vault: vault, Price: nano / 3}, ""},
	}

	v := newTestValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := v.ValidateAction(tt.in)
			if tt.message == "" {
				assert.True(t, result.Valid, result.Message())
				return
			}
			assert.False(t, result.Valid)
			assert.Equal(t, tt.message, result.Message())
		})
	}

	stats := v.GetValidationStats()
	assert.Equal(t, 2, stats["registered_rules"])
	assert.Equal(t, len(tests), stats["checked"])
}

func BenchmarkIsValidAddress(b *testing.B) {
	for i := 0; i < b.N; i++ {
		IsValidAddress(addrReal)
	}
}
