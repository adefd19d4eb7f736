// Package statuschannel 订阅中继推送的交易状态消息，并把状态值翻译为生命周期阶段。
package statuschannel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"vaultflow/pkg/models"
)

// DefaultTimeout 单个订阅的最长存活时间
const DefaultTimeout = 5 * time.Minute

// 订阅异常结束时投递的合成状态
const (
	StatusTimeout = "TIMEOUT"
	StatusLost    = "CHANNEL_LOST"
)

// 合成状态附带的错误文案
const (
	MsgStatusTimeout = "Timed out waiting for transaction status"
	MsgChannelLost   = "Lost connection to transaction status channel"
)

// Handler 状态消息回调，在订阅 goroutine 中串行调用
type Handler func(msg models.StatusMessage)

// Unsubscribe 释放订阅，可重复调用
type Unsubscribe func()

// Subscriber 状态通道
type Subscriber interface {
	Subscribe(ctx context.Context, id string, onMessage Handler) (Unsubscribe, error)
}

// 中继状态别名到生命周期阶段的映射
var statusAliases = map[string]models.Phase{
	"BUILDING":          models.PhaseBuilding,
	"SIGNING":           models.PhaseSigning,
	"PROVING":           models.PhaseProving,
	"PROVED":            models.PhaseSending,
	"SENDING":           models.PhaseSending,
	"SENT":              models.PhasePendingInclusion,
	"PENDING":           models.PhasePendingInclusion,
	"PENDING_INCLUSION": models.PhasePendingInclusion,
	"INCLUDED":          models.PhaseIncluded,
	"SUCCESS":           models.PhaseIncluded,
	"FAILED":            models.PhaseFailed,
	"FAILURE":           models.PhaseFailed,
	"EXCEPTION":         models.PhaseFailed,
	"ERROR":             models.PhaseFailed,
	StatusTimeout:       models.PhaseFailed,
	StatusLost:          models.PhaseFailed,
}

// TranslateStatus 将状态值翻译为阶段，大小写不敏感
func TranslateStatus(status string) (models.Phase, bool) {
	p, ok := statusAliases[strings.ToUpper(strings.TrimSpace(status))]
	return p, ok
}

// IsTerminalStatus 状态是否结束订阅
func IsTerminalStatus(status string) bool {
	p, ok := TranslateStatus(status)
	return ok && p.IsTerminal()
}

// Decode 解析状态消息
func Decode(data []byte) (models.StatusMessage, error) {
	var msg models.StatusMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("解析状态消息失败: %w", err)
	}
	if msg.Status == "" {
		return msg, fmt.Errorf("状态消息缺少 status 字段")
	}
	return msg, nil
}

// subscription 订阅的公共部分：串行投递、终止状态后停止、只释放一次
type subscription struct {
	id      string
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc

	deliverMu sync.Mutex
	finished  bool

	closeOnce sync.Once
	onClose   func()
}

func newSubscription(parent context.Context, id string, timeout time.Duration, handler Handler) *subscription {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	// 订阅存活时间独立于发起请求的上下文
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)
	return &subscription{id: id, handler: handler, ctx: ctx, cancel: cancel}
}

// deliver 投递一条消息，返回订阅是否已结束
func (s *subscription) deliver(msg models.StatusMessage) bool {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.finished {
		return true
	}
	if s.ctx.Err() != nil && msg.Status != StatusTimeout && msg.Status != StatusLost {
		return true
	}
	s.handler(msg)
	if IsTerminalStatus(msg.Status) {
		s.finished = true
	}
	return s.finished
}

// expire 超时后投递合成的超时状态；主动取消不投递
func (s *subscription) expire() {
	if s.ctx.Err() == context.DeadlineExceeded {
		s.deliver(models.StatusMessage{Status: StatusTimeout, Error: MsgStatusTimeout})
	}
}

func (s *subscription) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.onClose != nil {
			s.onClose()
		}
	})
}
