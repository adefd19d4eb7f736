package wallet

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// ErrSessionLocked 有交易进行中时禁止切换账户
	ErrSessionLocked = errors.New("account switch rejected: an action is in flight")

	// ErrNotConnected 钱包未连接
	ErrNotConnected = errors.New("wallet not connected")
)

// BusyFunc 返回是否有操作进行中
type BusyFunc func() bool

// AccountListener 账户变更回调，disconnect 时 account 为空
type AccountListener func(account string)

// Session 当前连接的钱包账户
type Session struct {
	provider Provider
	logger   *logrus.Logger

	mu        sync.RWMutex
	account   string
	busy      BusyFunc
	listeners []AccountListener
}

// NewSession 创建会话
func NewSession(provider Provider, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Session{provider: provider, logger: logger}
}

// SetBusyFunc 设置进行中检查，通常由执行器提供
func (s *Session) SetBusyFunc(fn BusyFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = fn
}

// OnAccountChange 注册账户变更回调
func (s *Session) OnAccountChange(l AccountListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Connect 请求账户并使用第一个账户
func (s *Session) Connect(ctx context.Context) (string, error) {
	if err := s.checkIdle(); err != nil {
		return "", err
	}

	raw, err := s.provider.RequestAccounts(ctx)
	if err != nil {
		return "", err
	}
	accounts, err := DecodeAccounts(raw)
	if err != nil {
		s.logger.WithError(err).Warn("连接钱包失败")
		return "", err
	}

	s.setAccount(accounts[0])
	s.logger.WithField("account", accounts[0]).Info("钱包已连接")
	return accounts[0], nil
}

// Disconnect 断开连接
func (s *Session) Disconnect() error {
	if err := s.checkIdle(); err != nil {
		return err
	}
	s.setAccount("")
	return nil
}

// Account 当前账户
func (s *Session) Account() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account
}

// Connected 是否已连接
func (s *Session) Connected() bool {
	return s.Account() != ""
}

// Provider 返回底层钱包
func (s *Session) Provider() Provider {
	return s.provider
}

func (s *Session) checkIdle() error {
	s.mu.RLock()
	busy := s.busy
	s.mu.RUnlock()
	if busy != nil && busy() {
		return ErrSessionLocked
	}
	return nil
}

func (s *Session) setAccount(account string) {
	s.mu.Lock()
	changed := s.account != account
	s.account = account
	listeners := make([]AccountListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	if !changed {
		return
	}
	for _, l := range listeners {
		l(account)
	}
}
