package models

import "time"

// LifecycleState 当前进行中交易的状态快照
type LifecycleState struct {
	Phase         Phase      `json:"phase,omitempty"`
	Type          ActionType `json:"type,omitempty"`
	Title         string     `json:"title,omitempty"`
	Error         string     `json:"error,omitempty"`
	Hash          string     `json:"hash,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	VaultAddress  string     `json:"vault_address,omitempty"`
	StartedAt     time.Time  `json:"started_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at,omitempty"`
}

// Active 是否存在生命周期
func (s LifecycleState) Active() bool {
	return s.Type != ""
}

// LifecycleEvent 生命周期变更事件，写入事件输出
type LifecycleEvent struct {
	CorrelationID string     `json:"correlation_id"`
	Type          ActionType `json:"type"`
	Phase         Phase      `json:"phase"`
	Error         string     `json:"error,omitempty"`
	Hash          string     `json:"hash,omitempty"`
	VaultAddress  string     `json:"vault_address,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
}

// StatusMessage 状态通道消息
type StatusMessage struct {
	Status string `json:"status"`
	Hash   string `json:"hash,omitempty"`
	Error  string `json:"error,omitempty"`
}
