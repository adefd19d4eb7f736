// Package tracker 维护当前进行中交易的生命周期状态。
//
// 同一时刻只跟踪一个生命周期；阶段只能前进或进入 FAILED，
// 终止阶段之后只能通过 Reset/Begin 开始新的生命周期。
package tracker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"vaultflow/pkg/models"
)

var (
	// ErrPhaseRegression 阶段回退或离开终止阶段
	ErrPhaseRegression = errors.New("phase regression")

	// ErrNoLifecycle 当前没有生命周期
	ErrNoLifecycle = errors.New("no active lifecycle")

	// ErrStaleLifecycle 更新来自已经结束或被替换的生命周期
	ErrStaleLifecycle = errors.New("stale lifecycle")
)

// Observer 状态变更回调，prev 为变更前快照
type Observer func(prev, next models.LifecycleState)

// Tracker 交易状态跟踪器
type Tracker struct {
	mu          sync.Mutex
	state       models.LifecycleState
	unsubscribe func()

	observers map[int]Observer
	nextID    int

	logger *logrus.Logger
	now    func() time.Time
}

// New 创建跟踪器
func New(logger *logrus.Logger) *Tracker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Tracker{
		observers: make(map[int]Observer),
		logger:    logger,
		now:       time.Now,
	}
}

// Begin 重置后开始新的生命周期，阶段为 BUILDING
func (t *Tracker) Begin(actionType models.ActionType, correlationID string) {
	t.BeginVault(actionType, correlationID, "")
}

// BeginVault 同 Begin，并记录操作的金库地址
func (t *Tracker) BeginVault(actionType models.ActionType, correlationID, vaultAddress string) {
	t.mu.Lock()
	prev := t.state
	release := t.detachLocked()

	now := t.now()
	t.state = models.LifecycleState{
		Phase:         models.PhaseBuilding,
		Type:          actionType,
		Title:         actionType.Title(),
		CorrelationID: correlationID,
		VaultAddress:  vaultAddress,
		StartedAt:     now,
		UpdatedAt:     now,
	}
	next := t.state
	t.mu.Unlock()

	if release != nil {
		release()
	}
	t.logger.WithFields(logrus.Fields{
		"type":           actionType,
		"correlation_id": correlationID,
		"vault":          vaultAddress,
	}).Debug("开始新的交易生命周期")
	t.notify(prev, next)
}

// SetPhase 推进阶段
func (t *Tracker) SetPhase(phase models.Phase) error {
	return t.update("", func(s *models.LifecycleState) error {
		return advance(s, phase)
	})
}

// SetPhaseFor 仅当关联ID匹配当前生命周期时推进阶段
func (t *Tracker) SetPhaseFor(correlationID string, phase models.Phase) error {
	return t.update(correlationID, func(s *models.LifecycleState) error {
		return advance(s, phase)
	})
}

// SetError 记录错误信息，调用方随后应进入 FAILED
func (t *Tracker) SetError(msg string) error {
	return t.update("", func(s *models.LifecycleState) error {
		s.Error = msg
		return nil
	})
}

// Fail 记录错误并进入 FAILED
func (t *Tracker) Fail(msg string) error {
	return t.FailFor("", msg)
}

// FailFor 仅当关联ID匹配时记录错误并进入 FAILED；空关联ID不做匹配
func (t *Tracker) FailFor(correlationID, msg string) error {
	return t.update(correlationID, func(s *models.LifecycleState) error {
		if err := advance(s, models.PhaseFailed); err != nil {
			return err
		}
		s.Error = msg
		return nil
	})
}

// SetHash 记录交易哈希，首次写入生效
func (t *Tracker) SetHash(hash string) error {
	return t.SetHashFor("", hash)
}

// SetHashFor 仅当关联ID匹配时记录交易哈希
func (t *Tracker) SetHashFor(correlationID, hash string) error {
	return t.update(correlationID, func(s *models.LifecycleState) error {
		if s.Hash == "" {
			s.Hash = hash
		}
		return nil
	})
}

// Attach 登记状态通道的释放函数，Reset 时调用
func (t *Tracker) Attach(unsubscribe func()) {
	t.mu.Lock()
	release := t.detachLocked()
	t.unsubscribe = unsubscribe
	t.mu.Unlock()

	if release != nil {
		release()
	}
}

// Reset 清空状态并释放已登记的订阅
func (t *Tracker) Reset() {
	t.ResetFor("")
}

// ResetFor 仅当关联ID匹配时重置；空关联ID无条件重置。返回是否执行了重置
func (t *Tracker) ResetFor(correlationID string) bool {
	t.mu.Lock()
	if correlationID != "" && t.state.CorrelationID != correlationID {
		t.mu.Unlock()
		return false
	}
	prev := t.state
	release := t.detachLocked()
	t.state = models.LifecycleState{}
	t.mu.Unlock()

	if release != nil {
		release()
	}
	if prev.Active() {
		t.notify(prev, models.LifecycleState{})
	}
	return true
}

// Snapshot 返回当前状态副本
func (t *Tracker) Snapshot() models.LifecycleState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Subscribe 注册状态变更观察者，返回取消函数
func (t *Tracker) Subscribe(observer Observer) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.observers[id] = observer
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.observers, id)
		t.mu.Unlock()
	}
}

func (t *Tracker) update(correlationID string, mutate func(s *models.LifecycleState) error) error {
	t.mu.Lock()
	if !t.state.Active() {
		t.mu.Unlock()
		return ErrNoLifecycle
	}
	if correlationID != "" && t.state.CorrelationID != correlationID {
		t.mu.Unlock()
		return ErrStaleLifecycle
	}

	prev := t.state
	next := t.state
	if err := mutate(&next); err != nil {
		t.mu.Unlock()
		t.logger.WithFields(logrus.Fields{
			"correlation_id": prev.CorrelationID,
			"phase":          prev.Phase,
		}).WithError(err).Debug("拒绝状态更新")
		return err
	}
	if next == prev {
		t.mu.Unlock()
		return nil
	}
	next.UpdatedAt = t.now()
	t.state = next
	t.mu.Unlock()

	t.notify(prev, next)
	return nil
}

// advance 阶段推进规则：前进或进入 FAILED，相同阶段为空操作
func advance(s *models.LifecycleState, phase models.Phase) error {
	if phase == s.Phase {
		return nil
	}
	if s.Phase.IsTerminal() {
		return fmt.Errorf("%w: %s is terminal, cannot move to %s", ErrPhaseRegression, s.Phase, phase)
	}
	if phase != models.PhaseFailed && !s.Phase.Before(phase) {
		return fmt.Errorf("%w: %s -> %s", ErrPhaseRegression, s.Phase, phase)
	}
	s.Phase = phase
	return nil
}

// detachLocked 取出当前释放函数，调用方在锁外执行
func (t *Tracker) detachLocked() func() {
	release := t.unsubscribe
	t.unsubscribe = nil
	return release
}

func (t *Tracker) notify(prev, next models.LifecycleState) {
	t.mu.Lock()
	observers := make([]Observer, 0, len(t.observers))
	for _, o := range t.observers {
		observers = append(observers, o)
	}
	t.mu.Unlock()

	for _, o := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Errorf("状态观察者执行时发生panic: %v", r)
				}
			}()
			o(prev, next)
		}()
	}
}
