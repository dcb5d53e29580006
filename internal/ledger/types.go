package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"Teknia-Ledger/internal/policy"
)

// Transaction 是链上一笔已结算的操作记录。记录一经追加不可修改，
// 哈希把本笔内容与前一笔哈希绑定在一起。
type Transaction struct {
	Seq       uint64        `json:"seq"`
	Type      policy.OpType `json:"type"`
	From      string        `json:"from"`
	To        string        `json:"to"`
	AmountDeg int64         `json:"amount_deg"`
	FeeDeg    int64         `json:"fee_deg"`
	Timestamp int64         `json:"timestamp"`
	PrevHash  common.Hash   `json:"prev_hash"`
	Hash      common.Hash   `json:"hash"`
}

// canonicalPayload 生成参与哈希的规范化字节序列。
// 字段顺序与分隔符一旦变更，历史链将无法重放校验。
func (t *Transaction) canonicalPayload() []byte {
	return []byte(fmt.Sprintf("%d|%s|%s|%s|%d|%d|%d|%s",
		t.Seq, t.Type, t.From, t.To, t.AmountDeg, t.FeeDeg, t.Timestamp, t.PrevHash.Hex()))
}

// ComputeHash 重新计算本笔记录的 Keccak-256 哈希。
func (t *Transaction) ComputeHash() common.Hash {
	return crypto.Keccak256Hash(t.canonicalPayload())
}

// Clone 返回记录的浅拷贝，避免调用方修改内部状态。
func (t *Transaction) Clone() *Transaction {
	clone := *t
	return &clone
}
