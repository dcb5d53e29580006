package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"Teknia-Ledger/internal/auth"
	xerrors "Teknia-Ledger/internal/errors"
)

// SQLAuthStore 用 MySQL 持久化用户与权限，实现 auth.Store 与
// auth.SeedWriter。与账本存储共用同一个连接池。
type SQLAuthStore struct {
	db *sql.DB
}

// NewSQLAuthStore 基于已有连接创建用户存储。
func NewSQLAuthStore(db *sql.DB) (*SQLAuthStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "数据库连接未初始化")
	}
	return &SQLAuthStore{db: db}, nil
}

// FindUserByUsername 实现 auth.Store。
func (s *SQLAuthStore) FindUserByUsername(ctx context.Context, username string) (*auth.User, error) {
	var user auth.User
	err := s.db.QueryRowContext(ctx, `SELECT id, username, password_hash, disabled
        FROM auth_users WHERE username = ?`,
		strings.ToLower(strings.TrimSpace(username))).Scan(
		&user.ID, &user.Username, &user.PasswordHash, &user.Disabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrInvalidCredentials
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询用户失败")
	}
	return &user, nil
}

// LoadSubject 实现 auth.Store。
func (s *SQLAuthStore) LoadSubject(ctx context.Context, userID int64) (*auth.Subject, error) {
	var (
		subject     auth.Subject
		roles       sql.NullString
		permissions sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, username, roles, permissions, disabled
        FROM auth_users WHERE id = ?`, userID).Scan(
		&subject.ID, &subject.Username, &roles, &permissions, &subject.Disabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrInvalidToken
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询用户主体失败")
	}
	if roles.Valid && roles.String != "" {
		if err := json.Unmarshal([]byte(roles.String), &subject.Roles); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析角色列表失败")
		}
	}
	if permissions.Valid && permissions.String != "" {
		if err := json.Unmarshal([]byte(permissions.String), &subject.Permissions); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析权限列表失败")
		}
	}
	return &subject, nil
}

// ApplySeed 实现 auth.SeedWriter，重复的用户名会被覆盖更新。
func (s *SQLAuthStore) ApplySeed(ctx context.Context, seed auth.Seed) error {
	username := strings.ToLower(strings.TrimSpace(seed.Username))
	if username == "" {
		return auth.ErrInvalidCredentials
	}
	hash, err := auth.HashPassword(seed.Password)
	if err != nil {
		return err
	}
	roles, err := json.Marshal(seed.Roles)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化角色列表失败")
	}
	permissions, err := json.Marshal(seed.Permissions)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化权限列表失败")
	}

	now := time.Now().Unix()
	_, err = s.db.ExecContext(ctx, `INSERT INTO auth_users
        (username, password_hash, roles, permissions, disabled, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
        password_hash = VALUES(password_hash),
        roles = VALUES(roles),
        permissions = VALUES(permissions),
        disabled = VALUES(disabled),
        updated_at = VALUES(updated_at)`,
		username, hash, roles, permissions, seed.Disabled, now, now)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入种子用户失败")
	}
	return nil
}
