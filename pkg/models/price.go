package models

import (
	"encoding/json"
	"time"
)

// PricePoint 聚合价格证明
type PricePoint struct {
	PriceNanoUSD uint64          `json:"price_nano_usd"`
	BlockHeight  uint64          `json:"block_height"`
	Timestamp    time.Time       `json:"timestamp"`
	Proof        json.RawMessage `json:"proof,omitempty"`
}

// Age 相对当前链高度的区块差；价格来自未来时返回 false
func (p *PricePoint) Age(chainHeight uint64) (uint64, bool) {
	if p.BlockHeight > chainHeight {
		return 0, false
	}
	return chainHeight - p.BlockHeight, true
}
