// Package shutdown 按顺序关闭进程组件：先停止接收请求，再等待进行中的金库操作，最后释放连接与存储。
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// 停机顺序，数字越小越早执行
const (
	OrderStopAPI          = 10 // 停止接受新请求
	OrderAwaitLifecycle   = 20 // 等待进行中的交易生命周期结束
	OrderStopPriceFeed    = 30 // 停止价格轮询
	OrderCloseSubscribers = 40 // 关闭状态通道
	OrderFlushEvents      = 50 // 刷新事件输出
	OrderCloseRegistry    = 60 // 关闭金库注册表
)

// Func 停机处理函数
type Func struct {
	Name  string
	Fn    func(ctx context.Context) error
	Order int
}

// GracefulShutdown 优雅停机管理器
type GracefulShutdown struct {
	logger  *logrus.Logger
	timeout time.Duration

	mu             sync.Mutex
	funcs          []Func
	isShuttingDown bool

	signals chan os.Signal
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// NewGracefulShutdown 创建优雅停机管理器
func NewGracefulShutdown(timeout time.Duration, logger *logrus.Logger) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GracefulShutdown{
		logger:  logger,
		timeout: timeout,
		signals: make(chan os.Signal, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Register 注册停机处理函数
func (gs *GracefulShutdown) Register(name string, fn func(ctx context.Context) error, order int) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.funcs = append(gs.funcs, Func{Name: name, Fn: fn, Order: order})
	gs.logger.Debugf("注册停机处理函数: %s (order: %d)", name, order)
}

// Context 进程主上下文，停机开始时取消
func (gs *GracefulShutdown) Context() context.Context {
	return gs.ctx
}

// Done 停机流程结束后关闭
func (gs *GracefulShutdown) Done() <-chan struct{} {
	return gs.done
}

// Err 停机过程中的错误汇总，需在 Done 之后读取
func (gs *GracefulShutdown) Err() error {
	return gs.err
}

// ListenSignals 监听 SIGINT/SIGTERM，收到后执行停机
func (gs *GracefulShutdown) ListenSignals() {
	signal.Notify(gs.signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-gs.signals:
			gs.logger.Infof("收到停机信号: %v", sig)
			gs.Shutdown()
		case <-gs.done:
		}
	}()
	gs.logger.Info("优雅停机管理器已启动，监听信号: SIGINT, SIGTERM")
}

// Shutdown 执行停机流程，重复调用只执行一次
func (gs *GracefulShutdown) Shutdown() {
	gs.mu.Lock()
	if gs.isShuttingDown {
		gs.mu.Unlock()
		gs.logger.Warn("停机过程已在进行中")
		return
	}
	gs.isShuttingDown = true
	funcs := make([]Func, len(gs.funcs))
	copy(funcs, gs.funcs)
	gs.mu.Unlock()

	signal.Stop(gs.signals)
	gs.err = gs.run(funcs)
	close(gs.done)
}

// IsShuttingDown 检查是否正在停机
func (gs *GracefulShutdown) IsShuttingDown() bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.isShuttingDown
}

func (gs *GracefulShutdown) run(funcs []Func) error {
	gs.logger.Info("开始优雅停机流程...")

	ctx, cancel := context.WithTimeout(context.Background(), gs.timeout)
	defer cancel()
	// 停止后台循环
	defer gs.cancel()

	sort.SliceStable(funcs, func(i, j int) bool { return funcs[i].Order < funcs[j].Order })

	var errs []error
	for _, f := range funcs {
		start := time.Now()
		err := f.Fn(ctx)
		if err != nil {
			gs.logger.Errorf("停机处理 '%s' 失败 (耗时: %v): %v", f.Name, time.Since(start), err)
			errs = append(errs, fmt.Errorf("%s: %w", f.Name, err))
		} else {
			gs.logger.Infof("停机处理 '%s' 完成 (耗时: %v)", f.Name, time.Since(start))
		}

		if ctx.Err() != nil {
			gs.logger.Warn("停机超时，跳过剩余处理")
			errs = append(errs, ctx.Err())
			break
		}
	}

	if len(errs) > 0 {
		gs.logger.Errorf("停机过程中发生 %d 个错误", len(errs))
		return errors.Join(errs...)
	}
	gs.logger.Info("优雅停机流程完成")
	return nil
}
