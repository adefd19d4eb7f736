// Package wallet 封装外部钱包提供方：请求账户、只签名不广播交易。
package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoAccounts 钱包未返回账户
	ErrNoAccounts = errors.New("No accounts found")

	// ErrMissingSignedData 签名响应缺少 signedData
	ErrMissingSignedData = errors.New("Expected signed zkApp command")
)

// FeePayer 签名请求中的手续费信息
type FeePayer struct {
	Fee  uint64 `json:"fee"`
	Memo string `json:"memo"`
}

// SendTransactionArgs 签名请求
type SendTransactionArgs struct {
	OnlySign    bool     `json:"onlySign"`
	Transaction string   `json:"transaction"`
	FeePayer    FeePayer `json:"feePayer"`
}

// Provider 钱包提供方，响应保持原始 JSON，由 Decode* 解析
type Provider interface {
	RequestAccounts(ctx context.Context) (json.RawMessage, error)
	SendTransaction(ctx context.Context, args SendTransactionArgs) (json.RawMessage, error)
}

// ProviderError 钱包返回的错误对象 {code, message}
type ProviderError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error 实现error接口
func (e *ProviderError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("wallet error code %d", e.Code)
	}
	return e.Message
}

// SignResult 签名结果
type SignResult struct {
	SignedData string `json:"signedData"`
}

// providerError 响应对象中只要出现 code 键（包括 null）就视为错误
func providerError(fields map[string]json.RawMessage, fallback string) *ProviderError {
	rawCode, ok := fields["code"]
	if !ok {
		return nil
	}
	pe := &ProviderError{Message: fallback}
	_ = json.Unmarshal(rawCode, &pe.Code)
	var msg string
	if err := json.Unmarshal(fields["message"], &msg); err == nil && msg != "" {
		pe.Message = msg
	}
	return pe
}

// DecodeAccounts 解析 requestAccounts 响应：字符串数组或错误对象
func DecodeAccounts(raw json.RawMessage) ([]string, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, ErrNoAccounts
	}
	if strings.HasPrefix(trimmed, "{") {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("解析账户响应失败: %w", err)
		}
		if pe := providerError(fields, ""); pe != nil {
			return nil, pe
		}
		return nil, ErrNoAccounts
	}

	var accounts []string
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return nil, fmt.Errorf("解析账户响应失败: %w", err)
	}
	if len(accounts) == 0 {
		return nil, ErrNoAccounts
	}
	return accounts, nil
}

// DecodeSendResult 解析 sendTransaction 响应；任何 code 字段都视为错误
func DecodeSendResult(raw json.RawMessage) (*SignResult, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, &ProviderError{Message: "Signing failed"}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("解析签名响应失败: %w", err)
	}
	if pe := providerError(fields, "Signing failed"); pe != nil {
		return nil, pe
	}
	signedData := fields["signedData"]
	if len(signedData) == 0 || string(signedData) == "null" {
		return nil, ErrMissingSignedData
	}

	// signedData 可能是字符串，也可能是 JSON 对象，统一保存为字符串
	var signed string
	if err := json.Unmarshal(signedData, &signed); err != nil {
		signed = string(signedData)
	}
	return &SignResult{SignedData: signed}, nil
}
