// Package pricefeed 获取并缓存最新的聚合价格证明，并校验其区块新鲜度。
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	vaulterrors "vaultflow/internal/errors"
	"vaultflow/internal/retry"
	"vaultflow/pkg/models"
)

const (
	// DefaultPriceNanoUSD 首次获取前使用的价格（1 美元）
	DefaultPriceNanoUSD uint64 = 1_000_000_000

	// DefaultMaxBlockLag 价格证明允许落后链高度的最大区块数
	DefaultMaxBlockLag uint64 = 2

	// ProofPath 价格证明接口路径
	ProofPath = "/api/mina-price-proof"
)

// Config 价格源配置
type Config struct {
	BaseURL      string        `mapstructure:"base_url"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBlockLag  uint64        `mapstructure:"max_block_lag"`
	Retry        retry.Config  `mapstructure:"retry"`
}

// HeightSource 当前链高度
type HeightSource interface {
	BlockHeight(ctx context.Context) (uint64, error)
}

// UpdateListener 价格更新回调
type UpdateListener func(point models.PricePoint)

type proofResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Data   *struct {
		Proof       json.RawMessage `json:"proof"`
		BlockHeight json.Number     `json:"blockHeight"`
		Timestamp   time.Time       `json:"timestamp"`
		Price       json.Number     `json:"price"`
	} `json:"data,omitempty"`
}

// Feed 价格源
type Feed struct {
	cfg     Config
	client  *http.Client
	retrier *retry.Retrier
	logger  *logrus.Logger

	mu        sync.RWMutex
	latest    *models.PricePoint
	lastErr   error
	listeners []UpdateListener
}

// New 创建价格源
func New(cfg Config, logger *logrus.Logger) *Feed {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.MaxBlockLag == 0 {
		cfg.MaxBlockLag = DefaultMaxBlockLag
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.NetworkConfig
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Feed{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		retrier: retry.NewRetrier(cfg.Retry, logger),
		logger:  logger,
	}
}

// OnUpdate 注册价格更新回调
func (f *Feed) OnUpdate(l UpdateListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, l)
}

// Latest 绕过缓存获取最新价格证明，并更新缓存
func (f *Feed) Latest(ctx context.Context) (models.PricePoint, error) {
	point, err := f.fetch(ctx)

	f.mu.Lock()
	f.lastErr = err
	if err == nil {
		p := point
		f.latest = &p
	}
	listeners := make([]UpdateListener, len(f.listeners))
	copy(listeners, f.listeners)
	f.mu.Unlock()

	if err != nil {
		return models.PricePoint{}, err
	}
	for _, l := range listeners {
		l(point)
	}
	return point, nil
}

// Current 返回缓存价格，首次获取前为 1 美元
func (f *Feed) Current() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.latest == nil || f.latest.PriceNanoUSD == 0 {
		return DefaultPriceNanoUSD
	}
	return f.latest.PriceNanoUSD
}

// Snapshot 返回缓存的价格证明与最近一次获取错误
func (f *Feed) Snapshot() (*models.PricePoint, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.latest == nil {
		return nil, f.lastErr
	}
	p := *f.latest
	return &p, f.lastErr
}

// Validate 价格证明必须不晚于链高度且落后不超过 MaxBlockLag 个区块
func (f *Feed) Validate(point models.PricePoint, chainHeight uint64) error {
	return Validate(point, chainHeight, f.cfg.MaxBlockLag)
}

// Validate 校验价格证明的区块新鲜度
func Validate(point models.PricePoint, chainHeight, maxLag uint64) error {
	age, ok := point.Age(chainHeight)
	if !ok || age > maxLag {
		return vaulterrors.NewStalePriceError(point.BlockHeight, chainHeight)
	}
	return nil
}

// LatestValid 获取最新价格证明并按当前链高度校验
func (f *Feed) LatestValid(ctx context.Context, heights HeightSource) (models.PricePoint, error) {
	point, err := f.Latest(ctx)
	if err != nil {
		return models.PricePoint{}, err
	}
	height, err := heights.BlockHeight(ctx)
	if err != nil {
		return models.PricePoint{}, fmt.Errorf("获取链高度失败: %w", err)
	}
	if err := f.Validate(point, height); err != nil {
		f.logger.WithFields(logrus.Fields{
			"price_block_height": point.BlockHeight,
			"chain_block_height": height,
		}).Warn("价格证明已过期")
		return models.PricePoint{}, err
	}
	return point, nil
}

// Run 按固定间隔刷新缓存价格，直到 ctx 结束
func (f *Feed) Run(ctx context.Context) {
	f.logger.WithField("poll_interval", f.cfg.PollInterval).Info("价格源轮询已启动")

	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	f.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			f.logger.Info("价格源轮询停止")
			return
		case <-ticker.C:
			f.poll(ctx)
		}
	}
}

func (f *Feed) poll(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, f.cfg.PollInterval)
	defer cancel()

	err := f.retrier.Execute(pollCtx, "price-proof", func(ctx context.Context) error {
		_, err := f.Latest(ctx)
		return err
	})
	if err != nil && ctx.Err() == nil {
		f.logger.WithError(err).Warn("刷新价格失败，继续使用缓存价格")
	}
}

func (f *Feed) fetch(ctx context.Context) (models.PricePoint, error) {
	url := strings.TrimRight(f.cfg.BaseURL, "/") + ProofPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.PricePoint{}, fmt.Errorf("创建价格请求失败: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := f.client.Do(req)
	if err != nil {
		return models.PricePoint{}, vaulterrors.WrapError(err, vaulterrors.ErrorTypeNetwork, vaulterrors.SeverityMedium,
			vaulterrors.CodePriceUnavailable, "Failed to fetch latest proof").WithComponent("pricefeed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		e := vaulterrors.NewVaultError(vaulterrors.ErrorTypeNetwork, vaulterrors.SeverityMedium,
			vaulterrors.CodePriceUnavailable, "Failed to fetch latest proof").
			WithComponent("pricefeed").
			WithContext("http_status", resp.StatusCode)
		e.Retryable = resp.StatusCode >= 500
		return models.PricePoint{}, e
	}

	var pr proofResponse
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&pr); err != nil {
		return models.PricePoint{}, fmt.Errorf("解析价格响应失败: %w", err)
	}
	return pr.point()
}

func (pr *proofResponse) point() (models.PricePoint, error) {
	if pr.Status == "error" || pr.Data == nil {
		msg := pr.Error
		if msg == "" {
			msg = "No latest proof found"
		}
		return models.PricePoint{}, vaulterrors.NewVaultError(vaulterrors.ErrorTypeNetwork, vaulterrors.SeverityMedium,
			vaulterrors.CodePriceUnavailable, msg).WithComponent("pricefeed")
	}

	height, err := strconv.ParseUint(pr.Data.BlockHeight.String(), 10, 64)
	if err != nil {
		return models.PricePoint{}, fmt.Errorf("解析价格区块高度失败: %w", err)
	}
	price, err := strconv.ParseUint(pr.Data.Price.String(), 10, 64)
	if err != nil {
		return models.PricePoint{}, fmt.Errorf("解析价格失败: %w", err)
	}
	return models.PricePoint{
		PriceNanoUSD: price,
		BlockHeight:  height,
		Timestamp:    pr.Data.Timestamp,
		Proof:        pr.Data.Proof,
	}, nil
}
