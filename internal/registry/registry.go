// Package registry 维护每个账户已知的金库地址（创建或导入），持久化在 BoltDB 中。
package registry

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	vaulterrors "vaultflow/internal/errors"
	"vaultflow/internal/validation"
	"vaultflow/pkg/models"
)

// 导入金库时返回给用户的文案
const (
	MsgInvalidAddress  = validation.MsgInvalidAddress
	MsgAlreadyImported = "Vault already imported"
	MsgVaultNotFound   = "Vault not found"
	MsgNotOwner        = "You are not the owner of this vault"
)

// AccountChecker 链上账户存在性检查
type AccountChecker interface {
	AccountExists(ctx context.Context, address string) (bool, error)
}

// VaultReader 读取金库合约状态
type VaultReader interface {
	VaultState(ctx context.Context, address string) (models.VaultOnChain, error)
}

// KeyGenerator 生成新金库的密钥对
type KeyGenerator interface {
	Generate(ctx context.Context) (models.VaultKey, error)
}

// Registry 金库登记
type Registry struct {
	store     *Store
	accounts  AccountChecker
	vaults    VaultReader
	keys      KeyGenerator
	validator *validation.Validator
	logger    *logrus.Logger
}

// New 创建金库登记
func New(store *Store, accounts AccountChecker, vaults VaultReader, keys KeyGenerator, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registry{
		store:     store,
		accounts:  accounts,
		vaults:    vaults,
		keys:      keys,
		validator: validation.NewValidator(logger),
		logger:    logger,
	}
}

// ListFor 返回账户的金库地址，剔除链上已不存在的地址并回写。
// 存在性检查失败的地址保留，避免网络抖动误删。
func (r *Registry) ListFor(ctx context.Context, account string) ([]string, error) {
	if account == "" {
		return nil, vaulterrors.NewPreconditionError("account is required")
	}
	stored, err := r.store.Get(account)
	if err != nil {
		return nil, fmt.Errorf("读取金库列表失败: %w", err)
	}

	kept := make([]string, 0, len(stored))
	for _, addr := range stored {
		exists, err := r.accounts.AccountExists(ctx, addr)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.logger.WithFields(logrus.Fields{
				"account": account,
				"address": addr,
			}).WithError(err).Warn("检查金库是否存在失败，保留该地址")
			kept = append(kept, addr)
			continue
		}
		if exists {
			kept = append(kept, addr)
		} else {
			r.logger.WithFields(logrus.Fields{
				"account": account,
				"address": addr,
			}).Info("金库在链上不存在，从登记中移除")
		}
	}

	if len(kept) != len(stored) {
		if err := r.store.Put(account, kept); err != nil {
			return nil, fmt.Errorf("回写金库列表失败: %w", err)
		}
	}
	return kept, nil
}

// Add 登记金库地址（集合语义）
func (r *Registry) Add(account, address string) error {
	if account == "" || address == "" {
		return vaulterrors.NewPreconditionError("account and address are required")
	}
	added, err := r.store.Add(account, address)
	if err != nil {
		return fmt.Errorf("登记金库失败: %w", err)
	}
	if added {
		r.logger.WithFields(logrus.Fields{
			"account": account,
			"address": address,
		}).Info("金库已登记")
	}
	return nil
}

// Remove 移除金库地址，仅影响本地登记
func (r *Registry) Remove(account, address string) error {
	if account == "" {
		return vaulterrors.NewPreconditionError("account is required")
	}
	if _, err := r.store.Remove(account, address); err != nil {
		return fmt.Errorf("移除金库失败: %w", err)
	}
	return nil
}

// Import 校验并导入已有金库。预期内的用户输入问题以文案返回，
// 只有协作方的意外失败才返回 error
func (r *Registry) Import(ctx context.Context, account, address string) (string, error) {
	if account == "" {
		return "", vaulterrors.NewPreconditionError("account is required")
	}
	if result := r.validator.ValidateAddress(address); !result.Valid {
		return MsgInvalidAddress, nil
	}

	stored, err := r.store.Get(account)
	if err != nil {
		return "", fmt.Errorf("读取金库列表失败: %w", err)
	}
	for _, a := range stored {
		if a == address {
			return MsgAlreadyImported, nil
		}
	}

	exists, err := r.accounts.AccountExists(ctx, address)
	if err != nil {
		return "", fmt.Errorf("检查金库是否存在失败: %w", err)
	}
	if !exists {
		return MsgVaultNotFound, nil
	}

	state, err := r.vaults.VaultState(ctx, address)
	if err != nil {
		return "", fmt.Errorf("读取金库状态失败: %w", err)
	}
	if state.Owner != account {
		r.logger.WithFields(logrus.Fields{
			"account": account,
			"address": address,
			"owner":   state.Owner,
		}).Info("拒绝导入非本人金库")
		return MsgNotOwner, nil
	}

	if err := r.Add(account, address); err != nil {
		return "", err
	}
	return "", nil
}

// Generate 生成新金库身份，私钥不落盘
func (r *Registry) Generate(ctx context.Context) (models.VaultKey, error) {
	if r.keys == nil {
		return models.VaultKey{}, vaulterrors.NewPreconditionError("key generator not configured")
	}
	key, err := r.keys.Generate(ctx)
	if err != nil {
		return models.VaultKey{}, fmt.Errorf("生成金库密钥失败: %w", err)
	}
	if !validation.IsValidAddress(key.Address) {
		return models.VaultKey{}, fmt.Errorf("密钥生成器返回了无效地址: %s", key.Address)
	}
	return key, nil
}

// Snapshot 导出全部登记记录
func (r *Registry) Snapshot() (models.RegistryRecord, error) {
	return r.store.Snapshot()
}
