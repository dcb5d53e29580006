package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"Teknia-Ledger/internal/distribution"
	xerrors "Teknia-Ledger/internal/errors"
)

// SQLRunStore 用 MySQL 持久化分配运行，实现 distribution.RunStore。
// 与账本存储共用同一个连接池。
type SQLRunStore struct {
	db *sql.DB
}

// NewSQLRunStore 基于已有连接创建运行存储。
func NewSQLRunStore(db *sql.DB) (*SQLRunStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "数据库连接未初始化")
	}
	return &SQLRunStore{db: db}, nil
}

// Create 实现 distribution.RunStore。
func (s *SQLRunStore) Create(ctx context.Context, run *distribution.Run) error {
	if run == nil || run.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "运行记录不完整")
	}
	payload, err := json.Marshal(run.KNUs)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化运行批次失败")
	}
	now := time.Now().Unix()
	_, err = s.db.ExecContext(ctx, `INSERT INTO distribution_runs
        (id, group_name, dry_run, status, payload, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Group, run.DryRun, string(distribution.RunQueued), payload, now, now)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入分配运行失败")
	}
	return nil
}

// Claim 实现 distribution.RunStore。条件更新保证同一运行只被领取一次。
func (s *SQLRunStore) Claim(ctx context.Context, id string) (*distribution.Run, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE distribution_runs
        SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(distribution.RunRunning), time.Now().Unix(), id, string(distribution.RunQueued))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "领取分配运行失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取领取结果失败")
	}
	if affected == 0 {
		run, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, xerrors.New(distribution.CodeRunNotRunnable, "",
			xerrors.WithMetadata("run_id", id),
			xerrors.WithMetadata("status", string(run.Status)))
	}
	return s.Get(ctx, id)
}

// Complete 实现 distribution.RunStore。
func (s *SQLRunStore) Complete(ctx context.Context, id string, result *distribution.Result) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化运行报告失败")
	}
	_, err = s.db.ExecContext(ctx, `UPDATE distribution_runs
        SET status = ?, result = ?, error = NULL, updated_at = ? WHERE id = ?`,
		string(distribution.RunSucceeded), encoded, time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新运行状态失败")
	}
	return nil
}

// Fail 实现 distribution.RunStore。
func (s *SQLRunStore) Fail(ctx context.Context, id string, reason string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE distribution_runs
        SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(distribution.RunFailed), reason, time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新运行状态失败")
	}
	return nil
}

// Get 实现 distribution.RunStore。
func (s *SQLRunStore) Get(ctx context.Context, id string) (*distribution.Run, error) {
	var (
		run       distribution.Run
		status    string
		payload   []byte
		result    sql.NullString
		errText   sql.NullString
		createdAt int64
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, group_name, dry_run, status,
        payload, result, error, created_at, updated_at
        FROM distribution_runs WHERE id = ?`, id).Scan(
		&run.ID, &run.Group, &run.DryRun, &status,
		&payload, &result, &errText, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.New(xerrors.CodeNotFound, "运行不存在", xerrors.WithMetadata("run_id", id))
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询分配运行失败")
	}

	run.Status = distribution.RunStatus(status)
	if err := json.Unmarshal(payload, &run.KNUs); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析运行批次失败")
	}
	if result.Valid && result.String != "" {
		run.Result = &distribution.Result{}
		if err := json.Unmarshal([]byte(result.String), run.Result); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析运行报告失败")
		}
	}
	if errText.Valid {
		run.Error = errText.String
	}
	run.CreatedAt = time.Unix(createdAt, 0)
	run.UpdatedAt = time.Unix(updatedAt, 0)
	return &run, nil
}
