package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType 错误类型
type ErrorType int

const (
	// 输入校验错误，只在界面内联展示，不进入状态跟踪器
	ErrorTypeValidation ErrorType = iota

	// 价格证明过期
	ErrorTypeStaleness

	// 钱包相关错误
	ErrorTypeWallet

	// 中继/网络错误
	ErrorTypeRelay
	ErrorTypeNetwork
	ErrorTypeTimeout

	// 协议/合约错误
	ErrorTypeProtocol

	// 交易构建与链客户端
	ErrorTypeBuild
	ErrorTypeChain

	// 系统相关错误
	ErrorTypeConfig
	ErrorTypeStorage
	ErrorTypeInternal
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// GenericUserMessage 内部错误对用户展示的兜底文案
const GenericUserMessage = "Something went wrong, please try again"

// VaultError 自定义错误类型
type VaultError struct {
	Type      ErrorType              `json:"type"`
	Severity  ErrorSeverity          `json:"severity"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"-"`
	Retryable bool                   `json:"retryable"`
	Component string                 `json:"component"`
	TxHash    *string                `json:"tx_hash,omitempty"`
}

// Error 实现error接口
func (e *VaultError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持errors.Unwrap
func (e *VaultError) Unwrap() error {
	return e.Cause
}

// IsRetryable 判断是否可重试
func (e *VaultError) IsRetryable() bool {
	return e.Retryable
}

// WithContext 添加上下文信息
func (e *VaultError) WithContext(key string, value interface{}) *VaultError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithComponent 设置出错组件
func (e *VaultError) WithComponent(component string) *VaultError {
	e.Component = component
	return e
}

// WithTxHash 添加交易哈希
func (e *VaultError) WithTxHash(txHash string) *VaultError {
	e.TxHash = &txHash
	return e
}

// UserVisible 该错误的 Message 是否可以直接展示给用户
func (e *VaultError) UserVisible() bool {
	switch e.Type {
	case ErrorTypeValidation, ErrorTypeStaleness, ErrorTypeWallet, ErrorTypeProtocol, ErrorTypeRelay, ErrorTypeTimeout, ErrorTypeBuild:
		return true
	default:
		return false
	}
}

// NewVaultError 创建新的错误
func NewVaultError(errorType ErrorType, severity ErrorSeverity, code, message string) *VaultError {
	return &VaultError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: determineRetryable(errorType),
	}
}

// WrapError 包装现有错误
func WrapError(err error, errorType ErrorType, severity ErrorSeverity, code, message string) *VaultError {
	e := NewVaultError(errorType, severity, code, message)
	e.Cause = err
	return e
}

// determineRetryable 根据错误类型判断是否可自动重试。
// 签名与中继提交从不自动重试，由用户重新发起。
func determineRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeChain:
		return true
	default:
		return false
	}
}

// 错误码
const (
	CodeInvalidInput     = "INVALID_INPUT"
	CodeInvalidAddress   = "INVALID_ADDRESS"
	CodeStalePrice       = "STALE_PRICE"
	CodePriceUnavailable = "PRICE_UNAVAILABLE"
	CodeSigningRejected  = "SIGNING_REJECTED"
	CodeWalletMissing    = "WALLET_NOT_CONNECTED"
	CodeRelayHTTP        = "RELAY_HTTP_ERROR"
	CodeRelayRejected    = "RELAY_REJECTED"
	CodeRelayMalformed   = "RELAY_MALFORMED"
	CodeBuildFailed      = "BUILD_FAILED"
	CodeChainUnavailable = "CHAIN_UNAVAILABLE"
	CodeProtocol         = "PROTOCOL_VIOLATION"
	CodeStatusTimeout    = "STATUS_TIMEOUT"
	CodeLifecycleFailed  = "LIFECYCLE_FAILED"
	CodeStorage          = "STORAGE_FAILED"
	CodeConfigInvalid    = "CONFIG_INVALID"
	CodePrecondition     = "PRECONDITION_FAILED"
)

// NewValidationError 输入校验错误
func NewValidationError(message string) *VaultError {
	return NewVaultError(ErrorTypeValidation, SeverityLow, CodeInvalidInput, message)
}

// NewBuildError 交易构建失败
func NewBuildError(message string, cause error) *VaultError {
	return WrapError(cause, ErrorTypeBuild, SeverityHigh, CodeBuildFailed, message).WithComponent("txbuilder")
}

// NewStalePriceError 价格证明不在可接受区块范围内
func NewStalePriceError(priceHeight, chainHeight uint64) *VaultError {
	return NewVaultError(ErrorTypeStaleness, SeverityMedium, CodeStalePrice,
		"Proof is not within acceptable block range").
		WithComponent("pricefeed").
		WithContext("price_block_height", priceHeight).
		WithContext("chain_block_height", chainHeight)
}

// NewSigningRejectedError 钱包拒绝签名或返回格式不符
func NewSigningRejectedError(message string, cause error) *VaultError {
	if message == "" {
		message = "Signing failed"
	}
	return WrapError(cause, ErrorTypeWallet, SeverityMedium, CodeSigningRejected, message).WithComponent("wallet")
}

// NewRelayError 中继返回应用层失败
func NewRelayError(message string) *VaultError {
	if message == "" {
		message = "Transaction relay rejected the request"
	}
	return NewVaultError(ErrorTypeRelay, SeverityMedium, CodeRelayRejected, message).WithComponent("relay")
}

// NewRelayHTTPError 中继 HTTP 非 2xx
func NewRelayHTTPError(status int, cause error) *VaultError {
	return WrapError(cause, ErrorTypeRelay, SeverityHigh, CodeRelayHTTP, "Network response was not ok").
		WithComponent("relay").
		WithContext("http_status", status)
}

// NewProtocolError 协议约束被破坏（如健康因子将低于100）
func NewProtocolError(message string) *VaultError {
	return NewVaultError(ErrorTypeProtocol, SeverityMedium, CodeProtocol, message)
}

// NewPreconditionError 编程错误：缺少必要上下文
func NewPreconditionError(message string) *VaultError {
	return NewVaultError(ErrorTypeInternal, SeverityHigh, CodePrecondition, message)
}

// As 获取错误链中的 VaultError
func As(err error) (*VaultError, bool) {
	var ve *VaultError
	if stderrors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// Is 透传标准库 errors.Is
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// IsType 错误链中是否包含指定类型的 VaultError
func IsType(err error, errorType ErrorType) bool {
	ve, ok := As(err)
	return ok && ve.Type == errorType
}

// IsStalePrice 价格证明超出可接受区块范围
func IsStalePrice(err error) bool {
	ve, ok := As(err)
	return ok && ve.Code == CodeStalePrice
}

// IsSigningRejected 签名被拒
func IsSigningRejected(err error) bool {
	ve, ok := As(err)
	return ok && ve.Code == CodeSigningRejected
}

// IsBuildError 构建失败
func IsBuildError(err error) bool { return IsType(err, ErrorTypeBuild) }

// IsRelayError 中继失败（HTTP 或应用层）
func IsRelayError(err error) bool { return IsType(err, ErrorTypeRelay) }

// UserMessage 返回可以展示给用户的文案，内部错误使用兜底文案
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	ve, ok := As(err)
	if !ok || !ve.UserVisible() || ve.Message == "" {
		return GenericUserMessage
	}
	if ve.Type == ErrorTypeRelay && ve.Code == CodeRelayHTTP {
		return "Network response was not ok"
	}
	return ve.Message
}

// 错误类型字符串映射
var errorTypeNames = map[ErrorType]string{
	ErrorTypeValidation: "Validation",
	ErrorTypeStaleness:  "Staleness",
	ErrorTypeWallet:     "Wallet",
	ErrorTypeRelay:      "Relay",
	ErrorTypeNetwork:    "Network",
	ErrorTypeTimeout:    "Timeout",
	ErrorTypeProtocol:   "Protocol",
	ErrorTypeBuild:      "Build",
	ErrorTypeChain:      "Chain",
	ErrorTypeConfig:     "Config",
	ErrorTypeStorage:    "Storage",
	ErrorTypeInternal:   "Internal",
}

// String 返回错误类型的字符串表示
func (et ErrorType) String() string {
	if name, exists := errorTypeNames[et]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", et)
}

// 严重级别字符串映射
var severityNames = map[ErrorSeverity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// String 返回严重级别的字符串表示
func (es ErrorSeverity) String() string {
	if name, exists := severityNames[es]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", es)
}

// ErrorStats 错误统计
type ErrorStats struct {
	TotalErrors       int                   `json:"total_errors"`
	ErrorsByType      map[ErrorType]int     `json:"errors_by_type"`
	ErrorsBySeverity  map[ErrorSeverity]int `json:"errors_by_severity"`
	ErrorsByComponent map[string]int        `json:"errors_by_component"`
	RecentErrors      []*VaultError         `json:"recent_errors"`
	LastError         *VaultError           `json:"last_error"`
	LastErrorTime     time.Time             `json:"last_error_time"`
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByType:      make(map[ErrorType]int),
		ErrorsBySeverity:  make(map[ErrorSeverity]int),
		ErrorsByComponent: make(map[string]int),
		RecentErrors:      make([]*VaultError, 0),
	}
}

// RecordError 记录错误
func (es *ErrorStats) RecordError(err *VaultError) {
	es.TotalErrors++
	es.ErrorsByType[err.Type]++
	es.ErrorsBySeverity[err.Severity]++
	if err.Component != "" {
		es.ErrorsByComponent[err.Component]++
	}

	es.LastError = err
	es.LastErrorTime = err.Timestamp

	// 保留最近100个错误
	es.RecentErrors = append(es.RecentErrors, err)
	if len(es.RecentErrors) > 100 {
		es.RecentErrors = es.RecentErrors[1:]
	}
}
