package auth

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore 是进程内的用户目录，适合单机部署与测试。
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	byName map[string]*User
	byID   map[int64]*Subject
}

// NewMemoryStore 创建内存用户存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID: 1,
		byName: make(map[string]*User),
		byID:   make(map[int64]*Subject),
	}
}

// FindUserByUsername 实现 Store 接口。
func (s *MemoryStore) FindUserByUsername(ctx context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.byName[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return nil, ErrInvalidCredentials
	}
	clone := *user
	return &clone, nil
}

// LoadSubject 实现 Store 接口。
func (s *MemoryStore) LoadSubject(ctx context.Context, userID int64) (*Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subject, ok := s.byID[userID]
	if !ok {
		return nil, ErrInvalidToken
	}
	return subject.Clone(), nil
}

// ApplySeed 实现 SeedWriter 接口，重复的用户名会被覆盖更新。
func (s *MemoryStore) ApplySeed(ctx context.Context, seed Seed) error {
	username := strings.ToLower(strings.TrimSpace(seed.Username))
	if username == "" {
		return ErrInvalidCredentials
	}
	hash, err := hashPassword(seed.Password)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	if existing, ok := s.byName[username]; ok {
		id = existing.ID
	} else {
		id = s.nextID
		s.nextID++
	}
	s.byName[username] = &User{
		ID:           id,
		Username:     username,
		PasswordHash: hash,
		Disabled:     seed.Disabled,
	}
	s.byID[id] = &Subject{
		ID:          id,
		Username:    username,
		Roles:       append([]string(nil), seed.Roles...),
		Permissions: append([]string(nil), seed.Permissions...),
		Disabled:    seed.Disabled,
	}
	return nil
}
