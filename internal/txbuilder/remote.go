package txbuilder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrNoTransactionContext 合约调用不在 Transaction 上下文中执行
var ErrNoTransactionContext = errors.New("contract call executed outside of a transaction context")

// Call 记录的一次合约方法调用
type Call struct {
	Method string                 `json:"method"`
	Args   map[string]interface{} `json:"args,omitempty"`
}

type recorderKey struct{}

type recorder struct {
	mu    sync.Mutex
	calls []Call
}

// Invoke 返回一个合约调用：在 Transaction 上下文中登记方法与参数，由 SDK 服务实际执行
func Invoke(method string, args map[string]interface{}) ContractCall {
	return func(ctx context.Context) error {
		rec, ok := ctx.Value(recorderKey{}).(*recorder)
		if !ok {
			return ErrNoTransactionContext
		}
		rec.mu.Lock()
		rec.calls = append(rec.calls, Call{Method: method, Args: args})
		rec.mu.Unlock()
		return nil
	}
}

// RemoteSDK 通过本地 SDK 服务构建交易，服务负责执行合约调用并返回未签名交易
type RemoteSDK struct {
	url    string
	http   *http.Client
	logger *logrus.Logger
}

// NewRemoteSDK 创建远程 SDK；url 为空时视为未初始化
func NewRemoteSDK(url string, timeout time.Duration, logger *logrus.Logger) *RemoteSDK {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RemoteSDK{
		url:    strings.TrimRight(url, "/"),
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Initialized 实现 ChainSDK
func (s *RemoteSDK) Initialized() bool {
	return s.url != ""
}

type remoteRequest struct {
	Sender string `json:"sender"`
	Fee    string `json:"fee"`
	Memo   string `json:"memo"`
	Calls  []Call `json:"calls"`
}

type remoteUpdate struct {
	Kind          string `json:"kind"`
	BlindingValue string `json:"blindingValue,omitempty"`
}

type remoteResponse struct {
	Transaction    json.RawMessage `json:"transaction"`
	AccountUpdates []remoteUpdate  `json:"accountUpdates"`
	Fee            json.Number     `json:"fee"`
	Sender         string          `json:"sender"`
	Nonce          json.Number     `json:"nonce"`
	Error          string          `json:"error,omitempty"`
}

// Transaction 实现 ChainSDK：先执行 body 收集合约调用，再交给 SDK 服务构建
func (s *RemoteSDK) Transaction(ctx context.Context, params TxParams, body ContractCall) (UnsignedTransaction, error) {
	rec := &recorder{}
	if body != nil {
		if err := body(context.WithValue(ctx, recorderKey{}, rec)); err != nil {
			return nil, fmt.Errorf("执行合约调用失败: %w", err)
		}
	}

	payload, err := json.Marshal(remoteRequest{
		Sender: params.Sender,
		Fee:    strconv.FormatUint(params.Fee, 10),
		Memo:   params.Memo,
		Calls:  rec.calls,
	})
	if err != nil {
		return nil, fmt.Errorf("序列化交易请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/transaction", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("创建交易请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求SDK服务失败: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取SDK响应失败: %w", err)
	}

	var out remoteResponse
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("解析SDK响应失败 (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || out.Error != "" {
		msg := out.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("SDK服务返回错误 (status %d): %s", resp.StatusCode, msg)
	}

	return out.toTransaction()
}

func (r *remoteResponse) toTransaction() (*remoteTx, error) {
	if len(r.Transaction) == 0 {
		return nil, fmt.Errorf("SDK响应缺少 transaction")
	}
	fee, err := parseNumber(r.Fee)
	if err != nil {
		return nil, fmt.Errorf("手续费格式无效: %w", err)
	}
	nonce, err := parseNumber(r.Nonce)
	if err != nil {
		return nil, fmt.Errorf("nonce 格式无效: %w", err)
	}

	// transaction 可以是 JSON 对象，也可以是已经编码的 JSON 字符串
	txJSON := string(r.Transaction)
	var asString string
	if err := json.Unmarshal(r.Transaction, &asString); err == nil {
		txJSON = asString
	}

	updates := make([]AccountUpdate, len(r.AccountUpdates))
	for i, u := range r.AccountUpdates {
		if u.Kind != "" {
			updates[i].LazyAuthorization = &LazyAuthorization{Kind: u.Kind, BlindingValue: u.BlindingValue}
		}
	}
	return &remoteTx{json: txJSON, updates: updates, fee: fee, sender: r.Sender, nonce: nonce}, nil
}

func parseNumber(n json.Number) (uint64, error) {
	if n == "" {
		return 0, nil
	}
	return strconv.ParseUint(string(n), 10, 64)
}

type remoteTx struct {
	json    string
	updates []AccountUpdate
	fee     uint64
	sender  string
	nonce   uint64
}

func (t *remoteTx) ToJSON() (string, error)         { return t.json, nil }
func (t *remoteTx) AccountUpdates() []AccountUpdate { return t.updates }
func (t *remoteTx) Fee() uint64                     { return t.fee }
func (t *remoteTx) Sender() string                  { return t.sender }
func (t *remoteTx) Nonce() uint64                   { return t.nonce }
