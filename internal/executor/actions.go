package executor

import (
	"context"
	"fmt"
	"strconv"

	vaulterrors "vaultflow/internal/errors"
	"vaultflow/internal/validation"
	"vaultflow/pkg/models"
)

// CreateVault 生成新金库密钥并提交创建交易；私钥只在本次调用中驻留内存
func (e *Executor) CreateVault(ctx context.Context) (*Result, error) {
	if e.Busy() {
		e.Metrics.RecordActionRejected(models.ActionCreateVault)
		return nil, ErrActionInFlight
	}
	if e.Registry == nil {
		return nil, vaulterrors.NewPreconditionError("vault registry not configured")
	}
	key, err := e.Registry.Generate(ctx)
	if err != nil {
		return nil, fmt.Errorf("生成金库密钥失败: %w", err)
	}
	e.Logger.WithField("vault", key.Address).Info("已生成新金库地址")

	return e.ExecuteAction(ctx, ActionRequest{
		Type:     models.ActionCreateVault,
		Vault:    key.Address,
		VaultKey: &key,
		Params:   map[string]interface{}{"vaultAddress": key.Address},
	})
}

// DepositCollateral 存入抵押品
func (e *Executor) DepositCollateral(ctx context.Context, amount uint64) (*Result, error) {
	return e.activeVaultAction(ctx, models.ActionDepositCollateral, amount)
}

// RedeemCollateral 取回抵押品
func (e *Executor) RedeemCollateral(ctx context.Context, amount uint64) (*Result, error) {
	return e.activeVaultAction(ctx, models.ActionRedeemCollateral, amount)
}

// MintZkUsd 铸造 zkUSD
func (e *Executor) MintZkUsd(ctx context.Context, amount uint64) (*Result, error) {
	return e.activeVaultAction(ctx, models.ActionMintZkUsd, amount)
}

// BurnZkUsd 偿还 zkUSD
func (e *Executor) BurnZkUsd(ctx context.Context, amount uint64) (*Result, error) {
	return e.activeVaultAction(ctx, models.ActionBurnZkUsd, amount)
}

// Liquidate 清算指定金库，预检其健康因子低于 100
func (e *Executor) Liquidate(ctx context.Context, address string) (*Result, error) {
	if res := e.Validator.ValidateAddress(address); !res.Valid {
		e.Metrics.RecordActionRejected(models.ActionLiquidate)
		return nil, res.Err()
	}

	target := e.vaultSnapshot(address)
	if target == nil && e.States != nil {
		onChain, err := e.States.VaultState(ctx, address)
		if err != nil {
			return nil, fmt.Errorf("读取待清算金库失败: %w", err)
		}
		target = &models.Vault{
			Address:          address,
			CollateralAmount: onChain.CollateralAmount,
			DebtAmount:       onChain.DebtAmount,
			Owner:            onChain.Owner,
		}
	}
	if err := e.validate(models.ActionLiquidate, 0, target); err != nil {
		return nil, err
	}

	return e.ExecuteAction(ctx, ActionRequest{
		Type:   models.ActionLiquidate,
		Vault:  address,
		Params: map[string]interface{}{"vaultAddress": address},
	})
}

func (e *Executor) activeVaultAction(ctx context.Context, actionType models.ActionType, amount uint64) (*Result, error) {
	var v *models.Vault
	if e.Vaults != nil {
		v = e.Vaults.Active()
	}
	if err := e.validate(actionType, amount, v); err != nil {
		return nil, err
	}
	return e.ExecuteAction(ctx, ActionRequest{
		Type:   actionType,
		Vault:  v.Address,
		Amount: amount,
		Params: map[string]interface{}{
			"vaultAddress": v.Address,
			"amount":       strconv.FormatUint(amount, 10),
		},
	})
}

func (e *Executor) validate(actionType models.ActionType, amount uint64, v *models.Vault) error {
	res := e.Validator.ValidateAction(validation.ActionInput{
		Type:   actionType,
		Amount: amount,
		Vault:  v,
		Price:  e.Prices.Current(),
	})
	if !res.Valid {
		e.Metrics.RecordActionRejected(actionType)
		return res.Err()
	}
	return nil
}

func (e *Executor) vaultSnapshot(address string) *models.Vault {
	if e.Vaults == nil {
		return nil
	}
	if v := e.Vaults.Active(); v != nil && v.Address == address {
		return v
	}
	return nil
}
