package mysql

import (
	"context"
	"database/sql"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Teknia-Ledger/internal/errors"
	"Teknia-Ledger/internal/ledger"
	"Teknia-Ledger/internal/policy"
)

// SQLLedgerStore 用 MySQL 持久化交易链与账本元数据，
// 实现 ledger.Store 接口。打开时自动执行嵌入的 SQL 迁移。
type SQLLedgerStore struct {
	db *sql.DB
}

// NewSQLLedgerStore 建立连接并保证表结构就绪。
func NewSQLLedgerStore(ctx context.Context, cfg Config) (*SQLLedgerStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开账本数据库失败")
	}
	store := &SQLLedgerStore{db: db}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行账本迁移失败")
	}
	return store, nil
}

// Append 实现 ledger.Store。seq 主键保证重复追加直接失败。
func (s *SQLLedgerStore) Append(ctx context.Context, tx *ledger.Transaction) error {
	if tx == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易记录为空")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO ledger_transactions
        (seq, op_type, from_account, to_account, amount_deg, fee_deg, ts, prev_hash, tx_hash)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.Seq, string(tx.Type), tx.From, tx.To, tx.AmountDeg, tx.FeeDeg,
		tx.Timestamp, tx.PrevHash.Hex(), tx.Hash.Hex())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入交易记录失败")
	}
	return nil
}

// Load 实现 ledger.Store。
func (s *SQLLedgerStore) Load(ctx context.Context) ([]*ledger.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, op_type, from_account, to_account,
        amount_deg, fee_deg, ts, prev_hash, tx_hash
        FROM ledger_transactions ORDER BY seq ASC`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易记录失败")
	}
	defer rows.Close()

	var out []*ledger.Transaction
	for rows.Next() {
		var (
			tx       ledger.Transaction
			opType   string
			prevHash string
			txHash   string
		)
		if err := rows.Scan(&tx.Seq, &opType, &tx.From, &tx.To,
			&tx.AmountDeg, &tx.FeeDeg, &tx.Timestamp, &prevHash, &txHash); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易记录失败")
		}
		tx.Type = policy.OpType(opType)
		tx.PrevHash = common.HexToHash(prevHash)
		tx.Hash = common.HexToHash(txHash)
		out = append(out, &tx)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历交易记录失败")
	}
	return out, nil
}

// SetMeta 实现 ledger.Store。
func (s *SQLLedgerStore) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO ledger_meta (meta_key, meta_value)
        VALUES (?, ?) ON DUPLICATE KEY UPDATE meta_value = VALUES(meta_value)`, key, value)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入账本元数据失败")
	}
	return nil
}

// GetMeta 实现 ledger.Store。
func (s *SQLLedgerStore) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT meta_value FROM ledger_meta WHERE meta_key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取账本元数据失败")
	}
	return value, true, nil
}

// Close 实现 ledger.Store。
func (s *SQLLedgerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB 暴露底层连接，供运行存储等同库仓库复用。
func (s *SQLLedgerStore) DB() *sql.DB {
	return s.db
}
