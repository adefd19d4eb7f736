// Package validation 在任何网络调用之前校验用户输入：地址、金额和操作前置条件。
package validation

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/btcsuite/btcutil/base58"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"vaultflow/internal/errors"
	"vaultflow/internal/risk"
	"vaultflow/pkg/models"
)

const (
	// PublicKeyVersion Mina 公钥的 base58check 版本字节
	PublicKeyVersion byte = 0xcb

	// AmountDecimals MINA 与 zkUSD 的小数位数
	AmountDecimals int32 = 9

	// 公钥负载：非零曲线点版本(2字节) + x坐标(32字节) + 奇偶位(1字节)
	publicKeyPayloadLen = 35
)

// 用户可见的校验文案
const (
	MsgInvalidAddress      = "Invalid vault address"
	MsgInvalidAmount       = "Please enter a valid amount"
	MsgAmountZero          = "Amount must be greater than zero"
	MsgExceedsCollateral   = "Amount exceeds vault collateral"
	MsgExceedsDebt         = "Amount exceeds outstanding debt"
	MsgHealthFactorTooLow  = "Health factor would fall below 100"
	MsgVaultNotLoaded      = "No vault selected"
	MsgLiquidateNotAllowed = "Vault is not eligible for liquidation"
)

// IsValidAddress 校验 Mina 公钥地址（base58check，版本 0xcb）
func IsValidAddress(addr string) bool {
	if !strings.HasPrefix(addr, "B62") {
		return false
	}
	payload, version, err := base58.CheckDecode(addr)
	if err != nil || version != PublicKeyVersion {
		return false
	}
	return len(payload) == publicKeyPayloadLen && payload[0] == 0x01 && payload[1] == 0x01 && payload[34] <= 1
}

// ParseAmount 将十进制字符串转换为基础单位（9位小数，超出部分截断）。
// 空字符串返回 0。
func ParseAmount(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("金额格式无效 %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("金额不能为负数: %s", s)
	}
	raw := d.Shift(AmountDecimals).Truncate(0).BigInt()
	if !raw.IsUint64() {
		return 0, fmt.Errorf("金额超出范围: %s", s)
	}
	return raw.Uint64(), nil
}

// FormatAmount 将基础单位格式化为带千分位的十进制字符串，最多保留 decimals 位小数
func FormatAmount(raw uint64, decimals int32) string {
	d := decimal.NewFromBigInt(new(big.Int).SetUint64(raw), -AmountDecimals).Round(decimals)
	s := d.String()

	intPart, frac, hasFrac := strings.Cut(s, ".")
	var b strings.Builder
	for i, c := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	if hasFrac {
		b.WriteByte('.')
		b.WriteString(frac)
	}
	return b.String()
}

// FormatDisplayAccount 缩略显示账户地址
func FormatDisplayAccount(account string) string {
	if len(account) <= 10 {
		return account
	}
	return account[:6] + "..." + account[len(account)-4:]
}

// ValidationRule 验证规则接口
type ValidationRule interface {
	Validate(data interface{}) error
	Name() string
	Description() string
}

// ValidationResult 验证结果
type ValidationResult struct {
	Valid    bool                 `json:"valid"`
	Errors   []*errors.VaultError `json:"errors,omitempty"`
	Warnings []string             `json:"warnings,omitempty"`
	DataType string               `json:"data_type"`
}

// Message 第一个错误的用户文案
func (r *ValidationResult) Message() string {
	if len(r.Errors) == 0 {
		return ""
	}
	return r.Errors[0].Message
}

// Err 转换为 error，校验通过时返回 nil
func (r *ValidationResult) Err() error {
	if r.Valid || len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}

// ActionInput 待校验的金库操作
type ActionInput struct {
	Type   models.ActionType
	Amount uint64
	Vault  *models.Vault
	Price  uint64
}

// Validator 输入验证器
type Validator struct {
	logger *logrus.Logger
	rules  map[string]ValidationRule

	mu       sync.Mutex
	checked  int
	rejected int
}

// NewValidator 创建验证器
func NewValidator(logger *logrus.Logger) *Validator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	v := &Validator{
		logger: logger,
		rules:  make(map[string]ValidationRule),
	}
	v.AddRule(NewAddressValidationRule())
	v.AddRule(NewActionValidationRule())
	return v
}

// AddRule 添加验证规则
func (v *Validator) AddRule(rule ValidationRule) {
	v.rules[rule.Name()] = rule
}

// ValidateAddress 校验金库地址
func (v *Validator) ValidateAddress(addr string) *ValidationResult {
	return v.run("address", addr)
}

// ValidateAction 校验金库操作
func (v *Validator) ValidateAction(in ActionInput) *ValidationResult {
	return v.run("action", in)
}

func (v *Validator) run(ruleName string, data interface{}) *ValidationResult {
	result := &ValidationResult{Valid: true, DataType: ruleName}

	rule, ok := v.rules[ruleName]
	if !ok {
		result.Warnings = append(result.Warnings, fmt.Sprintf("未注册的验证规则: %s", ruleName))
		return result
	}

	if err := rule.Validate(data); err != nil {
		result.Valid = false
		ve, isVault := errors.As(err)
		if !isVault {
			ve = errors.NewValidationError(err.Error())
		}
		result.Errors = append(result.Errors, ve)
		v.logger.WithFields(logrus.Fields{
			"rule":   ruleName,
			"reason": ve.Message,
		}).Debug("输入校验未通过")
	}

	v.mu.Lock()
	v.checked++
	if !result.Valid {
		v.rejected++
	}
	v.mu.Unlock()
	return result
}

// GetValidationStats 获取验证统计信息
func (v *Validator) GetValidationStats() map[string]interface{} {
	v.mu.Lock()
	defer v.mu.Unlock()
	return map[string]interface{}{
		"registered_rules": len(v.rules),
		"checked":          v.checked,
		"rejected":         v.rejected,
	}
}

// AddressValidationRule 地址验证规则
type AddressValidationRule struct{}

func NewAddressValidationRule() *AddressValidationRule {
	return &AddressValidationRule{}
}

func (r *AddressValidationRule) Name() string {
	return "address"
}

func (r *AddressValidationRule) Description() string {
	return "Mina 公钥地址验证规则"
}

func (r *AddressValidationRule) Validate(data interface{}) error {
	addr, ok := data.(string)
	if !ok {
		return fmt.Errorf("数据类型不是字符串")
	}
	if !IsValidAddress(addr) {
		e := errors.NewValidationError(MsgInvalidAddress)
		e.Code = errors.CodeInvalidAddress
		return e
	}
	return nil
}

// ActionValidationRule 金库操作前置校验：金额、余额和预计健康因子
type ActionValidationRule struct{}

func NewActionValidationRule() *ActionValidationRule {
	return &ActionValidationRule{}
}

func (r *ActionValidationRule) Name() string {
	return "action"
}

func (r *ActionValidationRule) Description() string {
	return "金库操作输入验证规则"
}

func (r *ActionValidationRule) Validate(data interface{}) error {
	in, ok := data.(ActionInput)
	if !ok {
		return fmt.Errorf("数据类型不是 ActionInput")
	}
	if in.Type == models.ActionCreateVault {
		return nil
	}
	if in.Vault == nil {
		return errors.NewValidationError(MsgVaultNotLoaded)
	}

	if in.Type == models.ActionLiquidate {
		hf := risk.CalculateHealthFactor(in.Vault.CollateralAmount, in.Vault.DebtAmount, in.Price)
		if in.Price > 0 && !risk.IsLiquidatable(hf) {
			return errors.NewProtocolError(MsgLiquidateNotAllowed)
		}
		return nil
	}

	if in.Amount == 0 {
		return errors.NewValidationError(MsgAmountZero)
	}

	collateral, debt := in.Vault.CollateralAmount, in.Vault.DebtAmount
	switch in.Type {
	case models.ActionRedeemCollateral:
		if in.Amount > collateral {
			return errors.NewValidationError(MsgExceedsCollateral)
		}
		collateral -= in.Amount
	case models.ActionBurnZkUsd:
		if in.Amount > debt {
			return errors.NewValidationError(MsgExceedsDebt)
		}
		return nil
	case models.ActionMintZkUsd:
		if in.Amount > ^uint64(0)-debt {
			return errors.NewValidationError(MsgInvalidAmount)
		}
		debt += in.Amount
	default:
		return nil
	}

	// 铸造与取回抵押品需要通过预计健康因子的预检
	if in.Price > 0 {
		hf := risk.CalculateHealthFactor(collateral, debt, in.Price)
		if risk.IsLiquidatable(hf) {
			return errors.NewProtocolError(MsgHealthFactorTooLow)
		}
	}
	return nil
}
