// Package relay 向证明/广播中继提交已签名交易。签名与提交都不自动重试。
package relay

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

	vaulterrors "vaultflow/internal/errors"
	"vaultflow/internal/logging"
	"vaultflow/pkg/models"
)

// SubmitPath 中继提交接口路径
const SubmitPath = "/api/cloud-worker"

// Config 中继配置
type Config struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SignedTransaction 交易列表中的单个元素，序列化后作为字符串放入请求
type SignedTransaction struct {
	SerializedTx string `json:"serializedTx"`
	SignedData   string `json:"signedData"`
}

// Request 中继请求：args 与 transactions 均为 JSON 字符串
type Request struct {
	Task         models.ActionType `json:"task"`
	Args         string            `json:"args"`
	Transactions []string          `json:"transactions,omitempty"`
}

// Response 中继响应：{success, jobId?, error?, result?}
type Response struct {
	Success bool            `json:"success"`
	JobID   string          `json:"jobId,omitempty"`
	Error   string          `json:"error,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// NewRequest 组装中继请求
func NewRequest(task models.ActionType, args interface{}, txs ...SignedTransaction) (*Request, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("序列化任务参数失败: %w", err)
	}
	req := &Request{Task: task, Args: string(argsJSON)}
	for _, tx := range txs {
		data, err := json.Marshal(tx)
		if err != nil {
			return nil, fmt.Errorf("序列化签名交易失败: %w", err)
		}
		req.Transactions = append(req.Transactions, string(data))
	}
	return req, nil
}

// Client 中继客户端
type Client struct {
	url    string
	http   *http.Client
	logger *logrus.Logger
}

// NewClient 创建中继客户端
func NewClient(cfg Config, logger *logrus.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{
		url:    strings.TrimRight(cfg.BaseURL, "/") + SubmitPath,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Submit 提交请求。HTTP 非 2xx 与应用层 success:false 分别返回不同错误
func (c *Client) Submit(ctx context.Context, r *Request) (*Response, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("序列化中继请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("创建中继请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	log := logging.NewRelayLogger(c.logger, c.url, string(r.Task))
	start := time.Now()

	resp, err := c.http.Do(req)
	if err != nil {
		log.WithError(err).Error("中继请求失败")
		return nil, vaulterrors.NewRelayHTTPError(0, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, vaulterrors.NewRelayHTTPError(resp.StatusCode, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.WithFields(logrus.Fields{
			"status": resp.StatusCode,
			"body":   truncate(string(data), 512),
		}).Error("中继返回非2xx状态")
		return nil, vaulterrors.NewRelayHTTPError(resp.StatusCode, nil)
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		log.WithField("body", truncate(string(data), 512)).WithError(err).Error("中继响应格式错误")
		e := vaulterrors.WrapError(err, vaulterrors.ErrorTypeRelay, vaulterrors.SeverityHigh,
			vaulterrors.CodeRelayMalformed, "Network response was not ok").WithComponent("relay")
		return nil, e
	}
	if !out.Success {
		log.WithField("error", out.Error).Warn("中继拒绝请求")
		return &out, vaulterrors.NewRelayError(out.Error)
	}

	log.WithFields(logrus.Fields{
		"job_id":   out.JobID,
		"duration": time.Since(start),
	}).Info("中继已接受交易")
	return &out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
