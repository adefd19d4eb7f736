// Package executor 编排金库操作的完整生命周期：
// 价格校验、构建、钱包签名、提交中继、订阅状态直到上链或失败。
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"vaultflow/internal/chain"
	vaulterrors "vaultflow/internal/errors"
	"vaultflow/internal/logging"
	"vaultflow/internal/pricefeed"
	"vaultflow/internal/relay"
	"vaultflow/internal/statuschannel"
	"vaultflow/internal/tracker"
	"vaultflow/internal/txbuilder"
	"vaultflow/internal/validation"
	"vaultflow/internal/wallet"
	"vaultflow/pkg/models"
)

// ErrActionInFlight 已有操作进行中
var ErrActionInFlight = errors.New("another vault action is already in flight")

// LifecycleErrorFormat 状态通道报告失败且未附带原因时的文案
const LifecycleErrorFormat = "Error during %s phase, please check the console for more details!"

// DefaultRefreshTimeout 上链后刷新金库与余额的超时
const DefaultRefreshTimeout = 30 * time.Second

// TxBuilder 交易构建
type TxBuilder interface {
	Build(ctx context.Context, call txbuilder.ContractCall, memo, sender string) (txbuilder.UnsignedTransaction, error)
}

// AccountSource 当前连接的账户
type AccountSource interface {
	Account() string
}

// RelaySubmitter 中继提交
type RelaySubmitter interface {
	Submit(ctx context.Context, r *relay.Request) (*relay.Response, error)
}

// PriceSource 价格源
type PriceSource interface {
	LatestValid(ctx context.Context, heights pricefeed.HeightSource) (models.PricePoint, error)
	Current() uint64
}

// VaultStore 当前金库
type VaultStore interface {
	Active() *models.Vault
	Refresh(ctx context.Context) (*models.Vault, error)
}

// VaultRegistrar 账户金库列表
type VaultRegistrar interface {
	Add(account, address string) error
	Generate(ctx context.Context) (models.VaultKey, error)
}

// StateReader 读取任意金库的链上状态（清算他人金库时使用）
type StateReader interface {
	VaultState(ctx context.Context, address string) (models.VaultOnChain, error)
}

// BalanceReader 账户余额
type BalanceReader interface {
	Balances(ctx context.Context, address string) (chain.AccountBalances, error)
}

// Recorder 执行器使用的指标
type Recorder interface {
	RecordActionRejected(actionType models.ActionType)
	RecordStalePrice()
}

// CallInput 构造合约调用所需的输入
type CallInput struct {
	Account  string
	Vault    string
	Amount   uint64
	Price    *models.PricePoint
	VaultKey *models.VaultKey
}

// CallFactory 根据输入构造合约调用
type CallFactory func(actionType models.ActionType, in CallInput) txbuilder.ContractCall

// DefaultCall 将操作登记为同名合约方法，由 SDK 服务执行
func DefaultCall(actionType models.ActionType, in CallInput) txbuilder.ContractCall {
	args := map[string]interface{}{
		"account":      in.Account,
		"vaultAddress": in.Vault,
	}
	if in.Amount > 0 {
		args["amount"] = fmt.Sprintf("%d", in.Amount)
	}
	if in.Price != nil {
		args["priceProof"] = in.Price.Proof
		args["priceBlockHeight"] = fmt.Sprintf("%d", in.Price.BlockHeight)
	}
	if in.VaultKey != nil {
		args["vaultPrivateKey"] = in.VaultKey.PrivateKey
	}
	return txbuilder.Invoke(string(actionType), args)
}

// ActionRequest 一次金库操作
type ActionRequest struct {
	Type     models.ActionType
	Vault    string
	Amount   uint64
	Params   map[string]interface{}
	VaultKey *models.VaultKey
	Call     CallFactory
}

// Result 中继已接受的操作
type Result struct {
	CorrelationID string `json:"correlation_id"`
	JobID         string `json:"job_id,omitempty"`
	VaultAddress  string `json:"vault_address,omitempty"`
}

// Config 执行器配置
type Config struct {
	PhasePlans     PhasePlans
	RefreshTimeout time.Duration
}

// Deps 执行器依赖
type Deps struct {
	Tracker   *tracker.Tracker
	Builder   TxBuilder
	Wallet    wallet.Provider
	Accounts  AccountSource
	Relay     RelaySubmitter
	Status    statuschannel.Subscriber
	Prices    PriceSource
	Heights   pricefeed.HeightSource
	Vaults    VaultStore
	Registry  VaultRegistrar
	States    StateReader
	Balances  BalanceReader
	Validator *validation.Validator
	Errors    *vaulterrors.ErrorHandler
	Metrics   Recorder
	Logger    *logrus.Logger
}

// Executor 交易执行器，同一时刻只允许一个操作进行
type Executor struct {
	Deps
	cfg Config

	mu       sync.Mutex
	current  string
	balances *chain.AccountBalances
}

// New 创建执行器并挂载到跟踪器
func New(cfg Config, deps Deps) *Executor {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Errors == nil {
		deps.Errors = vaulterrors.NewErrorHandler(deps.Logger)
	}
	if deps.Validator == nil {
		deps.Validator = validation.NewValidator(deps.Logger)
	}
	if deps.Metrics == nil {
		deps.Metrics = noopRecorder{}
	}
	if cfg.PhasePlans == nil {
		cfg.PhasePlans = DefaultPhasePlans()
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = DefaultRefreshTimeout
	}
	e := &Executor{Deps: deps, cfg: cfg}
	deps.Tracker.Subscribe(e.observe)
	return e
}

// Busy 是否有操作进行中，供钱包会话与金库存储阻止切换
func (e *Executor) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != ""
}

// LastBalances 最近一次上链后读取的账户余额
func (e *Executor) LastBalances() *chain.AccountBalances {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.balances == nil {
		return nil
	}
	out := *e.balances
	return &out
}

// ExecuteAction 执行一次金库操作，返回时交易已被中继接受；后续阶段由状态通道推进
func (e *Executor) ExecuteAction(ctx context.Context, req ActionRequest) (*Result, error) {
	corrID := uuid.NewString()
	if !e.acquire(corrID) {
		e.Metrics.RecordActionRejected(req.Type)
		return nil, ErrActionInFlight
	}
	e.Tracker.BeginVault(req.Type, corrID, req.Vault)

	log := logging.NewActionLogger(e.Logger, string(req.Type), corrID, req.Vault)
	log.Info("开始执行金库操作")

	res, err := e.run(ctx, corrID, req, log)
	if err != nil {
		return nil, e.fail(ctx, corrID, err, log)
	}
	return res, nil
}

func (e *Executor) run(ctx context.Context, corrID string, req ActionRequest, log *logrus.Entry) (res *Result, err error) {
	account := e.Accounts.Account()
	in := CallInput{Account: account, Vault: req.Vault, Amount: req.Amount, VaultKey: req.VaultKey}

	if req.Type.NeedsPrice() {
		point, err := e.Prices.LatestValid(ctx, e.Heights)
		if err != nil {
			if vaulterrors.IsStalePrice(err) {
				e.Metrics.RecordStalePrice()
				return nil, err
			}
			return nil, vaulterrors.WrapError(err, vaulterrors.ErrorTypeStaleness, vaulterrors.SeverityMedium,
				vaulterrors.CodePriceUnavailable, "No latest proof found").WithComponent("pricefeed")
		}
		in.Price = &point
		log.WithFields(logrus.Fields{
			"price":        point.PriceNanoUSD,
			"block_height": point.BlockHeight,
		}).Debug("价格证明校验通过")
	}

	call := req.Call
	if call == nil {
		call = DefaultCall
	}
	memo := string(req.Type)

	tx, err := e.Builder.Build(ctx, call(req.Type, in), memo, account)
	if err != nil {
		return nil, err
	}
	serialized, err := txbuilder.Serialize(tx)
	if err != nil {
		return nil, vaulterrors.NewBuildError("Error preparing transaction", err)
	}
	txJSON, err := tx.ToJSON()
	if err != nil {
		return nil, vaulterrors.NewBuildError("Error preparing transaction", err)
	}

	if err := e.Tracker.SetPhaseFor(corrID, models.PhaseSigning); err != nil {
		return nil, err
	}
	signed, err := e.sign(ctx, txJSON, tx.Fee(), memo)
	if err != nil {
		return nil, err
	}

	if err := e.Tracker.SetPhaseFor(corrID, e.cfg.PhasePlans.AfterSigning(req.Type)); err != nil {
		return nil, err
	}

	// 先订阅再提交，避免错过中继的第一条状态
	unsubscribe, err := e.Status.Subscribe(ctx, corrID, e.onStatus(corrID, req, account, log))
	if err != nil {
		return nil, vaulterrors.WrapError(err, vaulterrors.ErrorTypeNetwork, vaulterrors.SeverityHigh,
			vaulterrors.CodeChainUnavailable, "Unable to subscribe to transaction status").WithComponent("statuschannel")
	}
	e.Tracker.Attach(unsubscribe)
	defer func() {
		if err != nil {
			unsubscribe()
		}
	}()

	args := make(map[string]interface{}, len(req.Params)+1)
	for k, v := range req.Params {
		args[k] = v
	}
	args["txId"] = corrID

	relayReq, err := relay.NewRequest(req.Type, args, relay.SignedTransaction{
		SerializedTx: serialized,
		SignedData:   signed.SignedData,
	})
	if err != nil {
		return nil, vaulterrors.NewBuildError("Error preparing transaction", err)
	}
	resp, err := e.Relay.Submit(ctx, relayReq)
	if err != nil {
		return nil, err
	}

	log.WithField("job_id", resp.JobID).Info("中继已接受交易，等待状态推送")
	return &Result{CorrelationID: corrID, JobID: resp.JobID, VaultAddress: req.Vault}, nil
}

// sign 只签名不广播；钱包返回 code 或缺少 signedData 都视为拒绝
func (e *Executor) sign(ctx context.Context, txJSON string, fee uint64, memo string) (*wallet.SignResult, error) {
	raw, err := e.Wallet.SendTransaction(ctx, wallet.SendTransactionArgs{
		OnlySign:    true,
		Transaction: txJSON,
		FeePayer:    wallet.FeePayer{Fee: fee, Memo: memo},
	})
	if err != nil {
		return nil, vaulterrors.NewSigningRejectedError("", err)
	}
	signed, err := wallet.DecodeSendResult(raw)
	if err != nil {
		var pe *wallet.ProviderError
		if errors.As(err, &pe) {
			return nil, vaulterrors.NewSigningRejectedError(pe.Message, err)
		}
		if errors.Is(err, wallet.ErrMissingSignedData) {
			return nil, vaulterrors.NewSigningRejectedError(err.Error(), err)
		}
		return nil, vaulterrors.NewSigningRejectedError("", err)
	}
	return signed, nil
}

// onStatus 将状态消息翻译为阶段推进，在订阅 goroutine 中执行
func (e *Executor) onStatus(corrID string, req ActionRequest, account string, log *logrus.Entry) statuschannel.Handler {
	return func(msg models.StatusMessage) {
		phase, ok := statuschannel.TranslateStatus(msg.Status)
		if !ok {
			log.WithField("status", msg.Status).Warn("忽略未知的交易状态")
			return
		}
		if msg.Hash != "" {
			_ = e.Tracker.SetHashFor(corrID, msg.Hash)
		}

		switch {
		case phase == models.PhaseFailed:
			errMsg := msg.Error
			if errMsg == "" {
				errMsg = fmt.Sprintf(LifecycleErrorFormat, e.Tracker.Snapshot().Phase)
			}
			if err := e.Tracker.FailFor(corrID, errMsg); err != nil {
				log.WithError(err).Debug("忽略过期的失败状态")
				return
			}
			code := vaulterrors.CodeLifecycleFailed
			if msg.Status == statuschannel.StatusTimeout {
				code = vaulterrors.CodeStatusTimeout
			}
			ve := vaulterrors.NewVaultError(vaulterrors.ErrorTypeChain, vaulterrors.SeverityHigh, code, errMsg).
				WithComponent("executor").
				WithContext("correlation_id", corrID).
				WithContext("status", msg.Status)
			if msg.Hash != "" {
				ve.WithTxHash(msg.Hash)
			}
			e.Errors.HandleError(context.Background(), ve)

		case !e.cfg.PhasePlans.Includes(req.Type, phase):
			log.WithField("phase", phase).Debug("阶段不在该操作的阶段序列中，跳过")

		case phase == models.PhaseIncluded:
			e.onIncluded(corrID, req, account, log)
			if err := e.Tracker.SetPhaseFor(corrID, phase); err != nil {
				log.WithError(err).Debug("忽略阶段更新")
				return
			}
			log.WithField("hash", e.Tracker.Snapshot().Hash).Info("交易已上链")

		default:
			if err := e.Tracker.SetPhaseFor(corrID, phase); err != nil {
				log.WithError(err).Debug("忽略阶段更新")
			}
		}
	}
}

// onIncluded 上链后刷新金库与余额；创建金库时登记到账户
func (e *Executor) onIncluded(corrID string, req ActionRequest, account string, log *logrus.Entry) {
	if snap := e.Tracker.Snapshot(); snap.CorrelationID != corrID || snap.Phase.IsTerminal() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RefreshTimeout)
	defer cancel()

	if req.Type == models.ActionCreateVault && e.Registry != nil {
		if err := e.Registry.Add(account, req.Vault); err != nil {
			log.WithError(err).Error("登记新金库失败")
		}
	}
	if e.Vaults != nil {
		if _, err := e.Vaults.Refresh(ctx); err != nil {
			log.WithError(err).Warn("刷新金库状态失败")
		}
	}
	if e.Balances != nil && account != "" {
		b, err := e.Balances.Balances(ctx, account)
		if err != nil {
			log.WithError(err).Warn("刷新账户余额失败")
			return
		}
		e.mu.Lock()
		e.balances = &b
		e.mu.Unlock()
	}
}

// fail 记录错误并进入 FAILED，返回原始错误供调用方处理
func (e *Executor) fail(ctx context.Context, corrID string, err error, log *logrus.Entry) error {
	e.Errors.HandleError(ctx, err)
	msg := vaulterrors.UserMessage(err)
	if ferr := e.Tracker.FailFor(corrID, msg); ferr != nil {
		log.WithError(ferr).Debug("生命周期已结束，跳过失败状态")
	}
	e.release(corrID)
	log.WithError(err).Warn("金库操作失败")
	return err
}

// Await 阻塞直到当前生命周期进入终止阶段
func (e *Executor) Await(ctx context.Context) (models.LifecycleState, error) {
	snap := e.Tracker.Snapshot()
	if !snap.Active() {
		return snap, tracker.ErrNoLifecycle
	}
	return e.AwaitLifecycle(ctx, snap.CorrelationID)
}

// AwaitLifecycle 阻塞直到指定生命周期进入终止阶段；被重置或替换时返回 ErrStaleLifecycle
func (e *Executor) AwaitLifecycle(ctx context.Context, corrID string) (models.LifecycleState, error) {
	type outcome struct {
		state models.LifecycleState
		err   error
	}
	ch := make(chan outcome, 1)
	send := func(o outcome) {
		select {
		case ch <- o:
		default:
		}
	}
	check := func(s models.LifecycleState) bool {
		switch {
		case s.CorrelationID != corrID:
			send(outcome{s, tracker.ErrStaleLifecycle})
		case s.Phase.IsTerminal():
			send(outcome{s, nil})
		default:
			return false
		}
		return true
	}

	cancel := e.Tracker.Subscribe(func(prev, next models.LifecycleState) {
		if prev.CorrelationID == corrID || next.CorrelationID == corrID {
			check(next)
		}
	})
	defer cancel()
	check(e.Tracker.Snapshot())

	select {
	case o := <-ch:
		return o.state, o.err
	case <-ctx.Done():
		return e.Tracker.Snapshot(), ctx.Err()
	}
}

func (e *Executor) acquire(corrID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != "" {
		return false
	}
	e.current = corrID
	return true
}

func (e *Executor) release(corrID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == corrID {
		e.current = ""
	}
}

// observe 生命周期终止、被重置或被替换时释放单飞标记
func (e *Executor) observe(prev, next models.LifecycleState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == "" {
		return
	}
	if next.CorrelationID != e.current && prev.CorrelationID == e.current {
		e.current = ""
		return
	}
	if next.CorrelationID == e.current && next.Phase.IsTerminal() {
		e.current = ""
	}
}

type noopRecorder struct{}

func (noopRecorder) RecordActionRejected(models.ActionType) {}
func (noopRecorder) RecordStalePrice()                      {}
