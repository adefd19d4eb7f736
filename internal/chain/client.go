// Package chain 通过 Mina GraphQL 接口读取链高度、账户与金库合约状态。
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"github.com/sirupsen/logrus"

	vaulterrors "vaultflow/internal/errors"
	"vaultflow/internal/retry"
	"vaultflow/internal/validation"
	"vaultflow/pkg/models"
)

// 金库合约 zkapp 状态槽位
const (
	SlotCollateral = 0
	SlotDebt       = 1
	SlotOwnerX     = 2
	SlotOwnerIsOdd = 3
)

// OwnerNotFound 金库未设置所有者时的占位值
const OwnerNotFound = "Not Found"

// Config 链客户端配置
type Config struct {
	GraphQLURL string        `mapstructure:"graphql_url"`
	TokenID    string        `mapstructure:"token_id"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Retry      retry.Config  `mapstructure:"retry"`
}

// Client Mina GraphQL 客户端
type Client struct {
	cfg     Config
	http    *http.Client
	retrier *retry.Retrier
	logger  *logrus.Logger
}

// NewClient 创建链客户端
func NewClient(cfg Config, logger *logrus.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.NetworkConfig
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		retrier: retry.NewRetrier(cfg.Retry, logger),
		logger:  logger,
	}
}

type graphqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphqlError struct {
	Message string `json:"message"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

// query 执行 GraphQL 查询，瞬时错误自动重试
func (c *Client) query(ctx context.Context, name, query string, vars map[string]interface{}, out interface{}) error {
	return c.retrier.Execute(ctx, name, func(ctx context.Context) error {
		return c.do(ctx, query, vars, out)
	})
}

func (c *Client) do(ctx context.Context, query string, vars map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("编码GraphQL请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.GraphQLURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("创建GraphQL请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return vaulterrors.WrapError(err, vaulterrors.ErrorTypeNetwork, vaulterrors.SeverityMedium,
			vaulterrors.CodeChainUnavailable, "Chain node unreachable").WithComponent("chain")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("读取GraphQL响应失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		e := vaulterrors.NewVaultError(vaulterrors.ErrorTypeChain, vaulterrors.SeverityMedium,
			vaulterrors.CodeChainUnavailable, fmt.Sprintf("GraphQL endpoint returned status %d", resp.StatusCode)).
			WithComponent("chain")
		e.Retryable = resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return e
	}

	var gr graphqlResponse
	if err := json.Unmarshal(data, &gr); err != nil {
		return fmt.Errorf("解析GraphQL响应失败: %w", err)
	}
	if len(gr.Errors) > 0 {
		msgs := make([]string, len(gr.Errors))
		for i, e := range gr.Errors {
			msgs[i] = e.Message
		}
		return retry.MarkRetryable(fmt.Errorf("GraphQL错误: %s", strings.Join(msgs, "; ")), false)
	}
	if err := json.Unmarshal(gr.Data, out); err != nil {
		return fmt.Errorf("解析GraphQL数据失败: %w", err)
	}
	return nil
}

const bestChainQuery = `query { bestChain(maxLength: 1) { protocolState { consensusState { blockHeight } } } }`

// BlockHeight 返回当前链高度
func (c *Client) BlockHeight(ctx context.Context) (uint64, error) {
	var out struct {
		BestChain []struct {
			ProtocolState struct {
				ConsensusState struct {
					BlockHeight string `json:"blockHeight"`
				} `json:"consensusState"`
			} `json:"protocolState"`
		} `json:"bestChain"`
	}
	if err := c.query(ctx, "bestChain", bestChainQuery, nil, &out); err != nil {
		return 0, err
	}
	if len(out.BestChain) == 0 {
		return 0, fmt.Errorf("bestChain 为空")
	}
	height, err := strconv.ParseUint(out.BestChain[0].ProtocolState.ConsensusState.BlockHeight, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("解析区块高度失败: %w", err)
	}
	return height, nil
}

const accountQuery = `query($publicKey: PublicKey!, $token: TokenId) {
  account(publicKey: $publicKey, token: $token) {
    nonce
    balance { total }
    zkappState
  }
}`

type accountData struct {
	Nonce   string `json:"nonce"`
	Balance struct {
		Total string `json:"total"`
	} `json:"balance"`
	ZkappState []string `json:"zkappState"`
}

func (c *Client) account(ctx context.Context, address, token string) (*accountData, error) {
	vars := map[string]interface{}{"publicKey": address}
	if token != "" {
		vars["token"] = token
	}
	var out struct {
		Account *accountData `json:"account"`
	}
	if err := c.query(ctx, "account", accountQuery, vars, &out); err != nil {
		return nil, err
	}
	return out.Account, nil
}

// AccountExists 检查地址在金库代币下是否存在账户
func (c *Client) AccountExists(ctx context.Context, address string) (bool, error) {
	acc, err := c.account(ctx, address, c.cfg.TokenID)
	if err != nil {
		return false, err
	}
	return acc != nil, nil
}

// Balance 返回账户余额（基础单位），token 为空表示 MINA
func (c *Client) Balance(ctx context.Context, address, token string) (uint64, error) {
	acc, err := c.account(ctx, address, token)
	if err != nil {
		return 0, err
	}
	if acc == nil {
		return 0, nil
	}
	return strconv.ParseUint(acc.Balance.Total, 10, 64)
}

// AccountBalances 账户 MINA 与 zkUSD 余额
type AccountBalances struct {
	Address      string `json:"address"`
	MinaBalance  uint64 `json:"mina_balance"`
	ZkUsdBalance uint64 `json:"zkusd_balance"`
}

// Balances 查询账户 MINA 与 zkUSD 余额
func (c *Client) Balances(ctx context.Context, address string) (AccountBalances, error) {
	mina, err := c.account(ctx, address, "")
	if err != nil {
		return AccountBalances{}, err
	}
	if mina == nil {
		return AccountBalances{}, fmt.Errorf("Account not found")
	}
	out := AccountBalances{Address: address}
	if out.MinaBalance, err = strconv.ParseUint(mina.Balance.Total, 10, 64); err != nil {
		return AccountBalances{}, fmt.Errorf("解析MINA余额失败: %w", err)
	}
	if c.cfg.TokenID != "" {
		if out.ZkUsdBalance, err = c.Balance(ctx, address, c.cfg.TokenID); err != nil {
			return AccountBalances{}, err
		}
	}
	return out, nil
}

// VaultState 读取金库合约状态
func (c *Client) VaultState(ctx context.Context, address string) (models.VaultOnChain, error) {
	acc, err := c.account(ctx, address, c.cfg.TokenID)
	if err != nil {
		return models.VaultOnChain{}, err
	}
	if acc == nil {
		return models.VaultOnChain{}, fmt.Errorf("Vault not found: %s", address)
	}
	return DecodeVaultState(acc.ZkappState)
}

// DecodeVaultState 将 zkapp 状态字段解码为金库字段
func DecodeVaultState(state []string) (models.VaultOnChain, error) {
	if len(state) <= SlotOwnerIsOdd {
		return models.VaultOnChain{}, fmt.Errorf("zkapp 状态字段不足: %d", len(state))
	}

	collateral, err := strconv.ParseUint(state[SlotCollateral], 10, 64)
	if err != nil {
		return models.VaultOnChain{}, fmt.Errorf("解析抵押数量失败: %w", err)
	}
	debt, err := strconv.ParseUint(state[SlotDebt], 10, 64)
	if err != nil {
		return models.VaultOnChain{}, fmt.Errorf("解析债务数量失败: %w", err)
	}

	owner := OwnerNotFound
	if state[SlotOwnerX] != "0" {
		owner, err = EncodePublicKey(state[SlotOwnerX], state[SlotOwnerIsOdd] == "1")
		if err != nil {
			return models.VaultOnChain{}, err
		}
	}
	return models.VaultOnChain{CollateralAmount: collateral, DebtAmount: debt, Owner: owner}, nil
}

// EncodePublicKey 由曲线点 x 坐标（十进制字符串）与奇偶位编码 B62 地址
func EncodePublicKey(x string, isOdd bool) (string, error) {
	n, ok := new(big.Int).SetString(x, 10)
	if !ok || n.Sign() < 0 || n.BitLen() > 256 {
		return "", fmt.Errorf("无效的公钥 x 坐标: %s", x)
	}

	be := n.FillBytes(make([]byte, 32))
	payload := make([]byte, 0, 35)
	payload = append(payload, 0x01, 0x01)
	for i := len(be) - 1; i >= 0; i-- {
		payload = append(payload, be[i])
	}
	if isOdd {
		payload = append(payload, 0x01)
	} else {
		payload = append(payload, 0x00)
	}

	addr := base58.CheckEncode(payload, validation.PublicKeyVersion)
	if !validation.IsValidAddress(addr) {
		return "", fmt.Errorf("编码公钥失败: %s", addr)
	}
	return addr, nil
}
