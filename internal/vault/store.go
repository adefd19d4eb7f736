// Package vault 保存当前选中金库的链上快照、派生风险指标以及待执行操作的预测状态。
package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"vaultflow/internal/risk"
	"vaultflow/internal/validation"
	"vaultflow/pkg/models"
)

var (
	// ErrProjectionUnderflow 取回或偿还的金额超过当前余额
	ErrProjectionUnderflow = errors.New("projected amount exceeds vault balance")

	// ErrProjectionUnsupported 该操作不产生预测状态
	ErrProjectionUnsupported = errors.New("action has no projection")

	// ErrNoActiveVault 尚未加载金库
	ErrNoActiveVault = errors.New("no active vault")

	// ErrVaultLocked 有交易进行中，不能切换金库
	ErrVaultLocked = errors.New("cannot switch vault while a transaction is in flight")
)

// StateReader 合约状态读取器
type StateReader interface {
	VaultState(ctx context.Context, address string) (models.VaultOnChain, error)
}

// PriceSource 当前价格（纳美元）
type PriceSource interface {
	Current() uint64
}

// Store 金库状态存储
type Store struct {
	reader StateReader
	prices PriceSource
	logger *logrus.Logger

	mu        sync.RWMutex
	active    *models.Vault
	projected *models.ProjectedState
	busy      func() bool
	now       func() time.Time
}

// NewStore 创建金库状态存储
func NewStore(reader StateReader, prices PriceSource, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Store{
		reader: reader,
		prices: prices,
		logger: logger,
		now:    time.Now,
	}
}

// SetBusyFunc 设置交易进行中判断，进行中时拒绝切换到其他金库
func (s *Store) SetBusyFunc(fn func() bool) {
	s.mu.Lock()
	s.busy = fn
	s.mu.Unlock()
}

// Load 读取金库链上状态并计算风险指标
func (s *Store) Load(ctx context.Context, address string) (*models.Vault, error) {
	s.mu.RLock()
	switching := s.active == nil || s.active.Address != address
	busy := s.busy
	s.mu.RUnlock()
	if switching && busy != nil && busy() {
		return nil, ErrVaultLocked
	}

	onChain, err := s.reader.VaultState(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("读取金库状态失败 %s: %w", address, err)
	}

	price := s.prices.Current()
	v := &models.Vault{
		Address:             address,
		CollateralAmount:    onChain.CollateralAmount,
		DebtAmount:          onChain.DebtAmount,
		Owner:               onChain.Owner,
		CurrentLTV:          risk.CalculateLTV(onChain.CollateralAmount, onChain.DebtAmount, price),
		CurrentHealthFactor: risk.CalculateHealthFactor(onChain.CollateralAmount, onChain.DebtAmount, price),
		PriceNanoUSD:        price,
		LoadedAt:            s.now(),
	}

	s.mu.Lock()
	if s.active == nil || s.active.Address != address {
		s.projected = nil
	}
	s.active = v
	if s.projected != nil {
		// 余额变化后按原金额重算，失败则丢弃
		s.projected, _ = project(v, s.projected.Action, s.projected.Amount)
	}
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"vault":         address,
		"collateral":    v.CollateralAmount,
		"debt":          v.DebtAmount,
		"health_factor": risk.FormatHealthFactor(v.CurrentHealthFactor),
	}).Debug("金库状态已加载")

	out := *v
	return &out, nil
}

// Refresh 重新加载当前金库，没有活跃金库时什么也不做
func (s *Store) Refresh(ctx context.Context) (*models.Vault, error) {
	s.mu.RLock()
	active := s.active
	s.mu.RUnlock()
	if active == nil {
		return nil, nil
	}
	return s.Load(ctx, active.Address)
}

// Active 当前金库快照
func (s *Store) Active() *models.Vault {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return nil
	}
	out := *s.active
	return &out
}

// Clear 清除当前金库，例如账户切换后
func (s *Store) Clear() {
	s.mu.Lock()
	s.active = nil
	s.projected = nil
	s.mu.Unlock()
}

// SetProjectedState 根据待输入金额计算预测状态；金额为空时清除
func (s *Store) SetProjectedState(action models.ActionType, amount string) (*models.ProjectedState, error) {
	if strings.TrimSpace(amount) == "" {
		s.ClearProjectedState()
		return nil, nil
	}
	raw, err := validation.ParseAmount(amount)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil, ErrNoActiveVault
	}

	projected, err := project(s.active, action, raw)
	if err != nil {
		s.projected = nil
		return nil, err
	}
	s.projected = projected
	out := *projected
	return &out, nil
}

// ClearProjectedState 清除预测状态
func (s *Store) ClearProjectedState() {
	s.mu.Lock()
	s.projected = nil
	s.mu.Unlock()
}

// Projected 当前预测状态
func (s *Store) Projected() *models.ProjectedState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.projected == nil {
		return nil
	}
	out := *s.projected
	return &out
}

// project 计算操作后的抵押与债务；取回/偿还超出余额时报错，不做截断
func project(v *models.Vault, action models.ActionType, amount uint64) (*models.ProjectedState, error) {
	collateral, debt := v.CollateralAmount, v.DebtAmount
	switch action {
	case models.ActionDepositCollateral:
		if amount > ^uint64(0)-collateral {
			return nil, fmt.Errorf("金额溢出: %d + %d", collateral, amount)
		}
		collateral += amount
	case models.ActionMintZkUsd:
		if amount > ^uint64(0)-debt {
			return nil, fmt.Errorf("金额溢出: %d + %d", debt, amount)
		}
		debt += amount
	case models.ActionRedeemCollateral:
		if amount > collateral {
			return nil, fmt.Errorf("%w: redeem %d > collateral %d", ErrProjectionUnderflow, amount, collateral)
		}
		collateral -= amount
	case models.ActionBurnZkUsd:
		if amount > debt {
			return nil, fmt.Errorf("%w: burn %d > debt %d", ErrProjectionUnderflow, amount, debt)
		}
		debt -= amount
	default:
		return nil, fmt.Errorf("%w: %s", ErrProjectionUnsupported, action)
	}
	return &models.ProjectedState{
		Action:           action,
		Amount:           amount,
		CollateralAmount: collateral,
		DebtAmount:       debt,
		HealthFactor:     risk.CalculateHealthFactor(collateral, debt, v.PriceNanoUSD),
		LTV:              risk.CalculateLTV(collateral, debt, v.PriceNanoUSD),
	}, nil
}
