package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewVaultError(t *testing.T) {
	err := NewVaultError(ErrorTypeNetwork, SeverityHigh, "TEST_ERROR", "测试错误")

	assert.NotNil(t, err)
	assert.Equal(t, ErrorTypeNetwork, err.Type)
	assert.Equal(t, SeverityHigh, err.Severity)
	assert.Equal(t, "TEST_ERROR", err.Code)
	assert.Equal(t, "测试错误", err.Message)
	assert.True(t, err.Retryable) // 网络错误默认可重试
	assert.False(t, err.Timestamp.IsZero())
}

func TestVaultError_Error(t *testing.T) {
	err := NewVaultError(ErrorTypeProtocol, SeverityLow, "TEST_CODE", "测试消息")
	assert.Equal(t, "[TEST_CODE] 测试消息", err.Error())

	wrapped := WrapError(errors.New("原始错误"), ErrorTypeProtocol, SeverityLow, "TEST_CODE", "测试消息")
	assert.Equal(t, "[TEST_CODE] 测试消息: 原始错误", wrapped.Error())
}

func TestVaultError_Unwrap(t *testing.T) {
	original := errors.New("原始错误")
	wrapped := WrapError(original, ErrorTypeInternal, SeverityMedium, "WRAPPED", "包装")
	assert.Equal(t, original, wrapped.Unwrap())
	assert.True(t, errors.Is(wrapped, original))

	standalone := NewVaultError(ErrorTypeProtocol, SeverityLow, "STANDALONE", "独立错误")
	assert.Nil(t, standalone.Unwrap())
}

func TestVaultError_WithContext(t *testing.T) {
	err := NewVaultError(ErrorTypeChain, SeverityMedium, "CHAIN_ERROR", "链错误")
	err.WithContext("endpoint", "https://api.minascan.io/node/devnet/v1/graphql").
		WithContext("attempt", 3).
		WithTxHash("5Jtx")

	assert.Equal(t, "https://api.minascan.io/node/devnet/v1/graphql", err.Context["endpoint"])
	assert.Equal(t, 3, err.Context["attempt"])
	require.NotNil(t, err.TxHash)
	assert.Equal(t, "5Jtx", *err.TxHash)
}

func TestDetermineRetryable(t *testing.T) {
	tests := []struct {
		errorType ErrorType
		expected  bool
	}{
		{ErrorTypeNetwork, true},
		{ErrorTypeTimeout, true},
		{ErrorTypeChain, true},
		{ErrorTypeWallet, false},
		{ErrorTypeRelay, false},
		{ErrorTypeStaleness, false},
		{ErrorTypeConfig, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, determineRetryable(tt.errorType), "errorType=%v", tt.errorType)
	}
}

func TestTypedConstructors(t *testing.T) {
	stale := NewStalePriceError(100, 103)
	assert.True(t, IsStalePrice(stale))
	assert.Equal(t, "Proof is not within acceptable block range", stale.Message)
	assert.Equal(t, uint64(100), stale.Context["price_block_height"])

	signing := NewSigningRejectedError("User rejected the request.", nil)
	assert.True(t, IsSigningRejected(signing))
	assert.False(t, IsStalePrice(signing))

	build := NewBuildError("sender is required", nil)
	assert.True(t, IsBuildError(build))
	assert.Equal(t, "txbuilder", build.Component)

	relay := NewRelayHTTPError(502, nil)
	assert.True(t, IsRelayError(relay))
	assert.Equal(t, 502, relay.Context["http_status"])
}

func TestIsThroughWrapping(t *testing.T) {
	err := fmt.Errorf("执行操作失败: %w", NewStalePriceError(1, 9))
	assert.True(t, IsStalePrice(err))

	ve, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, CodeStalePrice, ve.Code)

	_, ok = As(errors.New("plain"))
	assert.False(t, ok)
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"nil", nil, ""},
		{"plain error", errors.New("boom"), GenericUserMessage},
		{"validation", NewValidationError("Amount must be greater than zero"), "Amount must be greater than zero"},
		{"stale price", NewStalePriceError(1, 9), "Proof is not within acceptable block range"},
		{"relay http", NewRelayHTTPError(500, errors.New("EOF")), "Network response was not ok"},
		{"relay app", NewRelayError("Insufficient balance"), "Insufficient balance"},
		{"build", NewBuildError("No account provided", nil), "No account provided"},
		{"internal", NewPreconditionError("wallet not connected"), GenericUserMessage},
		{"wrapped wallet", fmt.Errorf("sign: %w", NewSigningRejectedError("User rejected", nil)), "User rejected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, UserMessage(tt.err))
		})
	}
}

func TestErrorType_String(t *testing.T) {
	tests := []struct {
		errorType ErrorType
		expected  string
	}{
		{ErrorTypeValidation, "Validation"},
		{ErrorTypeStaleness, "Staleness"},
		{ErrorTypeWallet, "Wallet"},
		{ErrorTypeRelay, "Relay"},
		{ErrorTypeInternal, "Internal"},
		{ErrorType(999), "Unknown(999)"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.errorType.String())
	}
}

func TestErrorSeverity_String(t *testing.T) {
	assert.Equal(t, "Low", SeverityLow.String())
	assert.Equal(t, "Critical", SeverityCritical.String())
	assert.Equal(t, "Unknown(999)", ErrorSeverity(999).String())
}

func TestErrorStats_RecordError(t *testing.T) {
	stats := NewErrorStats()

	err1 := NewVaultError(ErrorTypeNetwork, SeverityMedium, "NET_ERROR", "网络错误").WithComponent("relay")
	err2 := NewVaultError(ErrorTypeWallet, SeverityHigh, "WALLET_ERROR", "钱包错误").WithComponent("wallet")
	err3 := NewVaultError(ErrorTypeNetwork, SeverityLow, "NET_TIMEOUT", "网络超时").WithComponent("relay")

	stats.RecordError(err1)
	stats.RecordError(err2)
	stats.RecordError(err3)

	assert.Equal(t, 3, stats.TotalErrors)
	assert.Equal(t, 2, stats.ErrorsByType[ErrorTypeNetwork])
	assert.Equal(t, 1, stats.ErrorsByType[ErrorTypeWallet])
	assert.Equal(t, 2, stats.ErrorsByComponent["relay"])
	assert.Equal(t, err3, stats.LastError)
	assert.Len(t, stats.RecentErrors, 3)
}

func TestErrorStats_RecentErrorsLimit(t *testing.T) {
	stats := NewErrorStats()
	for i := 0; i < 150; i++ {
		stats.RecordError(NewVaultError(ErrorTypeNetwork, SeverityLow, "TEST_ERROR", "测试错误"))
	}

	assert.Equal(t, 150, stats.TotalErrors)
	assert.Len(t, stats.RecentErrors, 100)
}

func TestErrorHandler_HandleError(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	handler := NewErrorHandler(logger)

	var seen []*VaultError
	handler.AddCallback(func(err *VaultError) { seen = append(seen, err) })
	handler.AddCallback(func(err *VaultError) { panic("回调异常不应影响处理") })

	assert.Nil(t, handler.HandleError(context.Background(), nil))

	ve := handler.HandleError(context.Background(), errors.New("boom"))
	require.NotNil(t, ve)
	assert.Equal(t, ErrorTypeInternal, ve.Type)

	stale := NewStalePriceError(1, 9)
	assert.Same(t, stale, handler.HandleError(context.Background(), stale))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ve = handler.HandleError(ctx, context.Canceled)
	assert.Equal(t, ErrorTypeTimeout, ve.Type)

	stats := handler.GetStats()
	assert.Equal(t, 3, stats.TotalErrors)
	assert.Len(t, seen, 3)

	handler.ClearStats()
	assert.Equal(t, 0, handler.GetStats().TotalErrors)
}

func BenchmarkNewVaultError(b *testing.B) {
	for i := 0; i < b.N; i++ {
		NewVaultError(ErrorTypeNetwork, SeverityMedium, "BENCH_ERROR", "基准测试错误")
	}
}

func BenchmarkUserMessage(b *testing.B) {
	err := fmt.Errorf("wrapped: %w", NewRelayError("Insufficient balance"))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = UserMessage(err)
	}
}
