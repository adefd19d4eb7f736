package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"vaultflow/pkg/models"
)

// ErrSinkClosed 输出已关闭
var ErrSinkClosed = errors.New("事件输出已关闭")

// ErrSinkFull 写入通道已满
var ErrSinkFull = errors.New("事件写入通道已满")

// FileSink 异步 JSON Lines 文件输出
type FileSink struct {
	path   string
	file   *os.File
	logger *logrus.Logger

	events chan models.LifecycleEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeMu sync.RWMutex
	closed  bool

	batchSize     int
	flushInterval time.Duration
}

// NewFileSink 在 dir 下创建带时间戳的事件文件
func NewFileSink(dir string, logger *logrus.Logger) (*FileSink, error) {
	if dir == "" {
		dir = "./events"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	name := fmt.Sprintf("lifecycle_%s.jsonl", time.Now().Format("20060102_150405"))
	path := filepath.Join(dir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("创建文件 %s 失败: %w", name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &FileSink{
		path:          path,
		file:          file,
		logger:        logger,
		events:        make(chan models.LifecycleEvent, 1000),
		ctx:           ctx,
		cancel:        cancel,
		batchSize:     100,
		flushInterval: time.Second,
	}

	s.wg.Add(1)
	go s.writer()

	logger.Infof("生命周期事件文件输出已初始化: %s", path)
	return s, nil
}

// Path 当前输出文件路径
func (s *FileSink) Path() string {
	return s.path
}

// Publish 事件入队，不阻塞调用方
func (s *FileSink) Publish(event models.LifecycleEvent) error {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}

	select {
	case s.events <- event:
		return nil
	default:
		return ErrSinkFull
	}
}

func (s *FileSink) writer() {
	defer s.wg.Done()

	buffer := make([]byte, 0, 4096)
	count := 0
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	appendEvent := func(event models.LifecycleEvent) {
		data, err := json.Marshal(event)
		if err != nil {
			s.logger.Errorf("序列化事件失败: %v", err)
			return
		}
		buffer = append(buffer, data...)
		buffer = append(buffer, '\n')
		count++
	}

	for {
		select {
		case event := <-s.events:
			appendEvent(event)
			if count >= s.batchSize {
				s.flush(buffer)
				buffer, count = buffer[:0], 0
			}

		case <-ticker.C:
			if count > 0 {
				s.flush(buffer)
				buffer, count = buffer[:0], 0
			}

		case <-s.ctx.Done():
			// 写入剩余事件
			for {
				select {
				case event := <-s.events:
					appendEvent(event)
				default:
					if count > 0 {
						s.flush(buffer)
					}
					return
				}
			}
		}
	}
}

func (s *FileSink) flush(buffer []byte) {
	if _, err := s.file.Write(buffer); err != nil {
		s.logger.Errorf("写入事件文件失败: %v", err)
		return
	}
	if err := s.file.Sync(); err != nil {
		s.logger.Errorf("刷新事件文件失败: %v", err)
	}
}

// Close 排空队列后关闭文件
func (s *FileSink) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	s.closeMu.Unlock()

	s.logger.Info("正在关闭事件文件输出...")
	s.cancel()
	s.wg.Wait()

	if err := s.file.Close(); err != nil {
		return fmt.Errorf("关闭文件失败: %w", err)
	}
	s.logger.Info("事件文件输出已关闭")
	return nil
}
