// Package txbuilder 准备待签名的 zkApp 交易并将其序列化为中继使用的信封格式。
package txbuilder

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	vaulterrors "vaultflow/internal/errors"
)

// LazyProofKind 需要随交易携带盲化值的授权类型
const LazyProofKind = "lazy-proof"

// TxParams 交易参数
type TxParams struct {
	Sender string
	Fee    uint64
	Memo   string
}

// ContractCall 在 SDK 交易上下文中执行的合约调用
type ContractCall func(ctx context.Context) error

// LazyAuthorization 账户更新的延迟授权
type LazyAuthorization struct {
	Kind          string
	BlindingValue string
}

// AccountUpdate 交易内的账户更新
type AccountUpdate struct {
	LazyAuthorization *LazyAuthorization
}

// UnsignedTransaction SDK 构建出的未签名交易
type UnsignedTransaction interface {
	// ToJSON 返回 SDK 的交易 JSON 文本
	ToJSON() (string, error)
	AccountUpdates() []AccountUpdate
	Fee() uint64
	Sender() string
	Nonce() uint64
}

// ChainSDK 外部链 SDK
type ChainSDK interface {
	Initialized() bool
	Transaction(ctx context.Context, params TxParams, body ContractCall) (UnsignedTransaction, error)
}

// FeeEstimator 手续费估算
type FeeEstimator interface {
	Fee(ctx context.Context) (uint64, error)
}

// FixedFee 固定手续费
type FixedFee uint64

// Fee 实现 FeeEstimator
func (f FixedFee) Fee(context.Context) (uint64, error) {
	return uint64(f), nil
}

// Builder 交易构建器
type Builder struct {
	sdk    ChainSDK
	fees   FeeEstimator
	logger *logrus.Logger
}

// New 创建交易构建器
func New(sdk ChainSDK, fees FeeEstimator, logger *logrus.Logger) *Builder {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Builder{sdk: sdk, fees: fees, logger: logger}
}

// Build 在 SDK 中执行合约调用，得到未签名交易
func (b *Builder) Build(ctx context.Context, call ContractCall, memo, sender string) (UnsignedTransaction, error) {
	if sender == "" {
		return nil, vaulterrors.NewBuildError("No account provided", nil)
	}
	if b.sdk == nil || !b.sdk.Initialized() {
		return nil, vaulterrors.NewBuildError("Chain SDK not initialized", nil)
	}

	fee, err := b.fees.Fee(ctx)
	if err != nil {
		return nil, vaulterrors.NewBuildError("Fee estimation failed", err)
	}

	tx, err := b.sdk.Transaction(ctx, TxParams{Sender: sender, Fee: fee, Memo: memo}, call)
	if err != nil {
		b.logger.WithFields(logrus.Fields{
			"sender": sender,
			"memo":   memo,
		}).WithError(err).Error("准备交易失败")
		return nil, vaulterrors.NewBuildError("Error preparing transaction", err)
	}

	b.logger.WithFields(logrus.Fields{
		"sender":          sender,
		"fee":             fee,
		"account_updates": len(tx.AccountUpdates()),
	}).Debug("交易构建完成")
	return tx, nil
}

// Envelope 中继使用的交易信封
type Envelope struct {
	Tx             string   `json:"tx"`
	BlindingValues []string `json:"blindingValues"`
	Length         int      `json:"length"`
	Fee            string   `json:"fee"`
	Sender         string   `json:"sender"`
	Nonce          string   `json:"nonce"`
}

// Serialize 序列化交易信封，缩进两个空格
func Serialize(tx UnsignedTransaction) (string, error) {
	txJSON, err := tx.ToJSON()
	if err != nil {
		return "", fmt.Errorf("交易转换为JSON失败: %w", err)
	}

	updates := tx.AccountUpdates()
	blinding := make([]string, len(updates))
	for i, au := range updates {
		la := au.LazyAuthorization
		if la != nil && la.Kind == LazyProofKind && la.BlindingValue != "" {
			blinding[i] = la.BlindingValue
		}
	}

	env := Envelope{
		Tx:             txJSON,
		BlindingValues: blinding,
		Length:         len(updates),
		Fee:            strconv.FormatUint(tx.Fee(), 10),
		Sender:         tx.Sender(),
		Nonce:          strconv.FormatUint(tx.Nonce(), 10),
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return "", fmt.Errorf("序列化交易信封失败: %w", err)
	}
	return string(data), nil
}

// ParseEnvelope 解析交易信封
func ParseEnvelope(data string) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return nil, fmt.Errorf("解析交易信封失败: %w", err)
	}
	if env.Length != len(env.BlindingValues) {
		return nil, fmt.Errorf("信封长度不一致: length=%d, blindingValues=%d", env.Length, len(env.BlindingValues))
	}
	return &env, nil
}

// FeeUint64 解析手续费
func (e *Envelope) FeeUint64() (uint64, error) {
	return strconv.ParseUint(e.Fee, 10, 64)
}

// NonceUint64 解析 nonce
func (e *Envelope) NonceUint64() (uint64, error) {
	return strconv.ParseUint(e.Nonce, 10, 64)
}
