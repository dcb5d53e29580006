package distribution

import (
	"context"
	"sync"
	"time"

	xerrors "Teknia-Ledger/internal/errors"
)

// RunStatus 是一次分配运行的生命周期状态。
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Run 是一次排队执行的分配运行。批次数据随运行一起入库，
// 队列里只流转运行 ID。
type Run struct {
	ID        string    `json:"id"`
	Group     string    `json:"group"`
	DryRun    bool      `json:"dry_run"`
	KNUs      []*KNU    `json:"knus"`
	Status    RunStatus `json:"status"`
	Result    *Result   `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunStore 持久化分配运行的生命周期。
type RunStore interface {
	// Create 写入一条新的排队运行。
	Create(ctx context.Context, run *Run) error
	// Claim 把排队中的运行标记为执行中并返回其快照。
	Claim(ctx context.Context, id string) (*Run, error)
	// Complete 记录运行成功及其报告。
	Complete(ctx context.Context, id string, result *Result) error
	// Fail 记录运行失败原因。
	Fail(ctx context.Context, id string, reason string) error
	// Get 返回运行快照。
	Get(ctx context.Context, id string) (*Run, error)
}

// MemoryRunStore 是进程内的运行存储。
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]*Run
	now  func() time.Time
}

// NewMemoryRunStore 创建内存运行存储。
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string]*Run), now: time.Now}
}

// Create 实现 RunStore 接口。
func (s *MemoryRunStore) Create(ctx context.Context, run *Run) error {
	if run == nil || run.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "运行记录不完整")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return xerrors.New(CodeRunConflict, "", xerrors.WithMetadata("run_id", run.ID))
	}
	clone := cloneRun(run)
	clone.Status = RunQueued
	clone.CreatedAt = s.now()
	clone.UpdatedAt = clone.CreatedAt
	s.runs[run.ID] = clone
	return nil
}

// Claim 实现 RunStore 接口。
func (s *MemoryRunStore) Claim(ctx context.Context, id string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "运行不存在", xerrors.WithMetadata("run_id", id))
	}
	if run.Status != RunQueued {
		return nil, xerrors.New(CodeRunNotRunnable, "",
			xerrors.WithMetadata("run_id", id),
			xerrors.WithMetadata("status", string(run.Status)))
	}
	run.Status = RunRunning
	run.UpdatedAt = s.now()
	return cloneRun(run), nil
}

// Complete 实现 RunStore 接口。
func (s *MemoryRunStore) Complete(ctx context.Context, id string, result *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, "运行不存在", xerrors.WithMetadata("run_id", id))
	}
	run.Status = RunSucceeded
	run.Result = result
	run.Error = ""
	run.UpdatedAt = s.now()
	return nil
}

// Fail 实现 RunStore 接口。
func (s *MemoryRunStore) Fail(ctx context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, "运行不存在", xerrors.WithMetadata("run_id", id))
	}
	run.Status = RunFailed
	run.Error = reason
	run.UpdatedAt = s.now()
	return nil
}

// Get 实现 RunStore 接口。
func (s *MemoryRunStore) Get(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "运行不存在", xerrors.WithMetadata("run_id", id))
	}
	return cloneRun(run), nil
}

func cloneRun(run *Run) *Run {
	clone := *run
	if run.KNUs != nil {
		clone.KNUs = make([]*KNU, len(run.KNUs))
		copy(clone.KNUs, run.KNUs)
	}
	return &clone
}
