package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	xerrors "Teknia-Ledger/internal/errors"
)

// journalRecord 是 JSONL 日志文件中的一行。
type journalRecord struct {
	Kind  string       `json:"kind"`
	Key   string       `json:"key,omitempty"`
	Value string       `json:"value,omitempty"`
	Tx    *Transaction `json:"tx,omitempty"`
}

const (
	journalKindMeta = "meta"
	journalKindTx   = "tx"
)

// MemoryStore 是进程内的交易链存储，可选挂接一个 JSONL 日志文件
// 提供单机持久化。适合开发环境与单元测试；生产部署使用 MySQL 存储。
type MemoryStore struct {
	mu      sync.RWMutex
	txs     []*Transaction
	meta    map[string]string
	journal *os.File
}

// NewMemoryStore 构建纯内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{meta: make(map[string]string)}
}

// OpenJournalStore 打开（或创建）JSONL 日志文件并回放其中的全部记录。
func OpenJournalStore(path string) (*MemoryStore, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeConfig, "日志文件路径为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建日志目录失败")
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开日志文件失败")
	}

	store := NewMemoryStore()
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec journalRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			file.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "日志文件包含损坏的记录")
		}
		switch rec.Kind {
		case journalKindMeta:
			store.meta[rec.Key] = rec.Value
		case journalKindTx:
			if rec.Tx != nil {
				store.txs = append(store.txs, rec.Tx)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		file.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取日志文件失败")
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "定位日志文件末尾失败")
	}
	store.journal = file
	return store, nil
}

// Append 实现 Store 接口。持久化失败时不会修改内存状态。
func (s *MemoryStore) Append(ctx context.Context, tx *Transaction) error {
	if tx == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易记录为空")
	}
	if err := ctx.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "追加交易记录被取消")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if want := uint64(len(s.txs)) + 1; tx.Seq != want {
		return xerrors.New(xerrors.CodeStorageFailure, "交易序号与存储不连续",
			xerrors.WithMetadata("seq", strconv.FormatUint(tx.Seq, 10)),
			xerrors.WithMetadata("want", strconv.FormatUint(want, 10)))
	}
	clone := tx.Clone()
	if err := s.writeJournal(journalRecord{Kind: journalKindTx, Tx: clone}); err != nil {
		return err
	}
	s.txs = append(s.txs, clone)
	return nil
}

// Load 实现 Store 接口。
func (s *MemoryStore) Load(ctx context.Context) ([]*Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "加载交易记录被取消")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Transaction, len(s.txs))
	for i, tx := range s.txs {
		out[i] = tx.Clone()
	}
	return out, nil
}

// SetMeta 实现 Store 接口。
func (s *MemoryStore) SetMeta(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "写入元数据被取消")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeJournal(journalRecord{Kind: journalKindMeta, Key: key, Value: value}); err != nil {
		return err
	}
	s.meta[key] = value
	return nil
}

// GetMeta 实现 Store 接口。
func (s *MemoryStore) GetMeta(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, xerrors.Wrap(xerrors.CodeTimeout, err, "读取元数据被取消")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.meta[key]
	return value, ok, nil
}

// Close 关闭日志文件（若存在）。
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *MemoryStore) writeJournal(rec journalRecord) error {
	if s.journal == nil {
		return nil
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化日志记录失败")
	}
	line = append(line, '\n')
	if _, err := s.journal.Write(line); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入日志文件失败")
	}
	if err := s.journal.Sync(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "刷新日志文件失败")
	}
	return nil
}
