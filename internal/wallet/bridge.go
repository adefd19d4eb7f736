package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// BridgeProvider 通过 HTTP 钱包桥接服务访问钱包，
// 桥接服务把 {method, params} 转发给浏览器钱包并原样返回响应
type BridgeProvider struct {
	url    string
	client *http.Client
	logger *logrus.Logger
}

type bridgeRequest struct {
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

// NewBridgeProvider 创建桥接钱包提供方
func NewBridgeProvider(url string, timeout time.Duration, logger *logrus.Logger) *BridgeProvider {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &BridgeProvider{
		url:    strings.TrimRight(url, "/"),
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// RequestAccounts 请求账户
func (p *BridgeProvider) RequestAccounts(ctx context.Context) (json.RawMessage, error) {
	return p.call(ctx, "mina_requestAccounts", nil)
}

// SendTransaction 请求签名
func (p *BridgeProvider) SendTransaction(ctx context.Context, args SendTransactionArgs) (json.RawMessage, error) {
	return p.call(ctx, "mina_sendTransaction", args)
}

func (p *BridgeProvider) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(bridgeRequest{Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("编码钱包请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("创建钱包请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("钱包桥接请求失败: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取钱包响应失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		p.logger.WithFields(logrus.Fields{
			"method": method,
			"status": resp.StatusCode,
		}).Warn("钱包桥接返回非200状态")
		return nil, fmt.Errorf("钱包桥接返回状态码 %d", resp.StatusCode)
	}
	return json.RawMessage(data), nil
}
