package distribution

import (
	"context"
	"time"

	"github.com/google/uuid"

	xerrors "Teknia-Ledger/internal/errors"
	"Teknia-Ledger/internal/ledger"
	"Teknia-Ledger/pkg/logger"
)

// ItemOutcome 是一条 KNU 在一次分配运行中的最终结果。
type ItemOutcome struct {
	KNUID           string  `json:"knu_id"`
	Owner           string  `json:"owner"`
	Eligible        bool    `json:"eligible"`
	Reason          string  `json:"reason,omitempty"`
	Effort          float64 `json:"effort"`
	ImpactPrimary   float64 `json:"impact_primary"`
	ImpactSpillover string  `json:"impact_spillover,omitempty"`
	Weight          string  `json:"weight,omitempty"`
	TokensDeg       int64   `json:"tokens_deg"`
	TxSeq           uint64  `json:"tx_seq,omitempty"`
	TxHash          string  `json:"tx_hash,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// Result 是一次分配运行的完整报告。
type Result struct {
	RunID             string        `json:"run_id"`
	Group             string        `json:"group"`
	PoolDeg           int64         `json:"pool_deg"`
	DryRun            bool          `json:"dry_run"`
	Degenerate        bool          `json:"degenerate,omitempty"`
	TotalWeight       string        `json:"total_weight"`
	TotalAllocatedDeg int64         `json:"total_allocated_deg"`
	TotalRewardedDeg  int64         `json:"total_rewarded_deg"`
	FailedItems       int           `json:"failed_items"`
	Items             []ItemOutcome `json:"items"`
	CreatedAt         time.Time     `json:"created_at"`
}

// Rewarder 是分配服务所需的账本能力。
type Rewarder interface {
	Reward(ctx context.Context, to string, amountDeg int64) (*ledger.Transaction, error)
}

// Service 把 KNU 批次折算为权重并通过账本发放奖励。
type Service struct {
	cfg    *Config
	ledger Rewarder
	now    func() time.Time
	newID  func() string
}

// NewService 构造分配服务。
func NewService(cfg *Config, led Rewarder) (*Service, error) {
	if cfg == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "分配配置未初始化")
	}
	if led == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "账本未初始化")
	}
	return &Service{
		cfg:    cfg,
		ledger: led,
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}, nil
}

// Distribute 对一个组执行一次分配。
//
// 不属于该组或不合格的 KNU 以带原因的结果条目返回，完全不参与
// 归一化。dryRun 为真时只计算不发放，两次干跑在输入不变时产出
// 完全一致的数字。真实运行为每条合格 KNU 逐笔发放奖励：单条失败
// 记入该条结果并继续，已提交的交易不回滚。
func (s *Service) Distribute(ctx context.Context, group string, knus []*KNU, dryRun bool) (*Result, error) {
	pool, err := s.cfg.PoolFor(group)
	if err != nil {
		return nil, err
	}

	result := &Result{
		RunID:     s.newID(),
		Group:     group,
		PoolDeg:   pool,
		DryRun:    dryRun,
		CreatedAt: s.now(),
	}

	eligible, skipped := partition(group, knus)
	if len(eligible) == 0 {
		return nil, xerrors.New(CodeEmptyBatch, "", xerrors.WithMetadata("group", group))
	}

	items, degenerate, err := computeWeights(s.cfg, eligible)
	if err != nil {
		return nil, err
	}
	result.Degenerate = degenerate
	allocations := allocate(pool, items)

	totalWeight := items[0].weight
	for _, item := range items[1:] {
		totalWeight = totalWeight.Add(item.weight)
	}
	result.TotalWeight = totalWeight.String()

	for i, item := range items {
		outcome := ItemOutcome{
			KNUID:           item.knu.ID,
			Owner:           item.knu.Owner,
			Eligible:        true,
			Effort:          item.knu.Effort,
			ImpactPrimary:   item.knu.ImpactPrimary,
			ImpactSpillover: item.spillover.String(),
			Weight:          item.weight.String(),
			TokensDeg:       allocations[i],
		}
		result.TotalAllocatedDeg += allocations[i]

		if !dryRun && allocations[i] > 0 {
			tx, err := s.ledger.Reward(ctx, item.knu.Owner, allocations[i])
			if err != nil {
				outcome.Error = err.Error()
				result.FailedItems++
				logger.Named("distribution").Error("reward failed",
					"run_id", result.RunID,
					"knu_id", item.knu.ID,
					"owner", item.knu.Owner,
					"tokens_deg", allocations[i],
					"error", err)
			} else {
				outcome.TxSeq = tx.Seq
				outcome.TxHash = tx.Hash.Hex()
				result.TotalRewardedDeg += allocations[i]
			}
		}
		result.Items = append(result.Items, outcome)
	}
	result.Items = append(result.Items, skipped...)

	logger.Audit().Info("distribution run finished",
		"run_id", result.RunID,
		"group", group,
		"pool_deg", pool,
		"dry_run", dryRun,
		"eligible", len(eligible),
		"skipped", len(skipped),
		"failed", result.FailedItems,
		"allocated_deg", result.TotalAllocatedDeg,
		"rewarded_deg", result.TotalRewardedDeg)
	return result, nil
}

// CheckEligibility 只做资格审查，不计算权重也不发放。每条 KNU 返回
// 一条结果，不合格的带原因。
func (s *Service) CheckEligibility(group string, knus []*KNU) []ItemOutcome {
	eligible, skipped := partition(group, knus)
	outcomes := make([]ItemOutcome, 0, len(knus))
	for _, k := range eligible {
		outcomes = append(outcomes, ItemOutcome{
			KNUID: k.ID, Owner: k.Owner, Eligible: true,
			Effort: k.Effort, ImpactPrimary: k.ImpactPrimary,
		})
	}
	return append(outcomes, skipped...)
}

// partition 把批次拆成合格集与带原因的跳过集。不属于请求组的记录
// 同样跳过而非报错。
func partition(group string, knus []*KNU) ([]*KNU, []ItemOutcome) {
	eligible := make([]*KNU, 0, len(knus))
	skipped := make([]ItemOutcome, 0)
	for _, k := range knus {
		if k.Group != group {
			skipped = append(skipped, ItemOutcome{
				KNUID: k.ID, Owner: k.Owner, Eligible: false,
				Reason: "belongs to group " + k.Group,
			})
			continue
		}
		if reason := k.IneligibleReason(); reason != "" {
			skipped = append(skipped, ItemOutcome{
				KNUID: k.ID, Owner: k.Owner, Eligible: false, Reason: reason,
				Effort: k.Effort, ImpactPrimary: k.ImpactPrimary,
			})
			continue
		}
		eligible = append(eligible, k)
	}
	return eligible, skipped
}
