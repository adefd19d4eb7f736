package errors

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrorHandler 错误处理器：统计、回调和按类型记录日志
type ErrorHandler struct {
	logger    *logrus.Logger
	stats     *ErrorStats
	mu        sync.RWMutex
	callbacks []ErrorCallback
}

// ErrorCallback 错误回调函数
type ErrorCallback func(err *VaultError)

// NewErrorHandler 创建错误处理器
func NewErrorHandler(logger *logrus.Logger) *ErrorHandler {
	return &ErrorHandler{
		logger:    logger,
		stats:     NewErrorStats(),
		callbacks: make([]ErrorCallback, 0),
	}
}

// HandleError 处理错误并返回规范化后的 VaultError
func (eh *ErrorHandler) HandleError(ctx context.Context, err error) *VaultError {
	if err == nil {
		return nil
	}

	vaultErr, ok := As(err)
	if !ok {
		if ctx.Err() != nil {
			vaultErr = WrapError(err, ErrorTypeTimeout, SeverityMedium, CodeStatusTimeout, "Operation cancelled or timed out")
		} else {
			vaultErr = WrapError(err, ErrorTypeInternal, SeverityMedium, "UNKNOWN_ERROR", GenericUserMessage)
		}
	}

	eh.mu.Lock()
	eh.stats.RecordError(vaultErr)
	callbacks := make([]ErrorCallback, len(eh.callbacks))
	copy(callbacks, eh.callbacks)
	eh.mu.Unlock()

	eh.log(vaultErr)

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eh.logger.Errorf("错误回调执行时发生panic: %v", r)
				}
			}()
			cb(vaultErr)
		}()
	}

	return vaultErr
}

// log 根据严重级别选择日志级别，保留完整细节用于诊断
func (eh *ErrorHandler) log(err *VaultError) {
	entry := eh.logger.WithFields(logrus.Fields{
		"error_type": err.Type.String(),
		"error_code": err.Code,
		"component":  err.Component,
		"retryable":  err.Retryable,
		"context":    err.Context,
	})
	if err.TxHash != nil {
		entry = entry.WithField("tx_hash", *err.TxHash)
	}
	if err.Cause != nil {
		entry = entry.WithError(err.Cause)
	}

	switch err.Severity {
	case SeverityLow:
		entry.Debug(err.Message)
	case SeverityMedium:
		entry.Warn(err.Message)
	default:
		entry.Error(err.Message)
	}
}

// AddCallback 添加错误回调
func (eh *ErrorHandler) AddCallback(callback ErrorCallback) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.callbacks = append(eh.callbacks, callback)
}

// GetStats 获取错误统计信息
func (eh *ErrorHandler) GetStats() ErrorStats {
	eh.mu.RLock()
	defer eh.mu.RUnlock()

	out := *eh.stats
	out.ErrorsByType = make(map[ErrorType]int, len(eh.stats.ErrorsByType))
	for k, v := range eh.stats.ErrorsByType {
		out.ErrorsByType[k] = v
	}
	out.ErrorsBySeverity = make(map[ErrorSeverity]int, len(eh.stats.ErrorsBySeverity))
	for k, v := range eh.stats.ErrorsBySeverity {
		out.ErrorsBySeverity[k] = v
	}
	out.ErrorsByComponent = make(map[string]int, len(eh.stats.ErrorsByComponent))
	for k, v := range eh.stats.ErrorsByComponent {
		out.ErrorsByComponent[k] = v
	}
	out.RecentErrors = append([]*VaultError(nil), eh.stats.RecentErrors...)
	return out
}

// ClearStats 清除统计信息
func (eh *ErrorHandler) ClearStats() {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.stats = NewErrorStats()
}
