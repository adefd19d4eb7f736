package tracker

import (
	"sync"
	"time"

	"vaultflow/pkg/models"
)

// DefaultDisplayDelay 终止状态保留展示的时长
const DefaultDisplayDelay = 3 * time.Second

// AutoResetter 生命周期结束后延迟重置跟踪器，期间若已开始新的生命周期则不重置
type AutoResetter struct {
	tracker *Tracker
	delay   time.Duration
	cancel  func()

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewAutoResetter 创建并挂载到跟踪器
func NewAutoResetter(t *Tracker, delay time.Duration) *AutoResetter {
	if delay <= 0 {
		delay = DefaultDisplayDelay
	}
	ar := &AutoResetter{
		tracker: t,
		delay:   delay,
		timers:  make(map[string]*time.Timer),
	}
	ar.cancel = t.Subscribe(ar.observe)
	return ar
}

func (ar *AutoResetter) observe(prev, next models.LifecycleState) {
	if !next.Active() || !next.Phase.IsTerminal() || prev.Phase == next.Phase {
		return
	}
	id := next.CorrelationID

	ar.mu.Lock()
	defer ar.mu.Unlock()
	if _, exists := ar.timers[id]; exists {
		return
	}
	ar.timers[id] = time.AfterFunc(ar.delay, func() {
		ar.mu.Lock()
		delete(ar.timers, id)
		ar.mu.Unlock()
		ar.tracker.ResetFor(id)
	})
}

// Stop 停止所有未触发的重置
func (ar *AutoResetter) Stop() {
	ar.cancel()
	ar.mu.Lock()
	defer ar.mu.Unlock()
	for id, timer := range ar.timers {
		timer.Stop()
		delete(ar.timers, id)
	}
}
