package ledger

import "context"

// 元数据键，账本服务用来持久化创世信息。
const (
	MetaPolicyFingerprint = "policy_fingerprint"
	MetaSupplyDeg         = "supply_deg"
)

// Store 定义交易链的持久化接口。实现必须保证 Append 是追加式写入，
// Load 按 seq 升序返回全部历史记录。
type Store interface {
	// Append 持久化一笔新的交易记录。
	Append(ctx context.Context, tx *Transaction) error
	// Load 返回按 seq 升序排列的全部交易记录。
	Load(ctx context.Context) ([]*Transaction, error)
	// SetMeta 写入一条元数据。
	SetMeta(ctx context.Context, key, value string) error
	// GetMeta 读取一条元数据，第二个返回值表示键是否存在。
	GetMeta(ctx context.Context, key string) (string, bool, error)
	// Close 释放底层资源。
	Close() error
}
