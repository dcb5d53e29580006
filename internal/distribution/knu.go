package distribution

import (
	"strings"

	xerrors "Teknia-Ledger/internal/errors"
)

// 分配模块专用错误码。
const (
	CodeIneligibleKNU  xerrors.Code = "INELIGIBLE_KNU"
	CodeDegenerate     xerrors.Code = "DEGENERATE_NORMALIZATION"
	CodePoolNotFound   xerrors.Code = "POOL_NOT_FOUND"
	CodeEmptyBatch     xerrors.Code = "EMPTY_BATCH"
	CodeWeightInvalid  xerrors.Code = "WEIGHT_INVARIANT_VIOLATED"
	CodeRunConflict    xerrors.Code = "RUN_CONFLICT"
	CodeRunNotRunnable xerrors.Code = "RUN_NOT_RUNNABLE"
)

func init() {
	xerrors.Register(CodeIneligibleKNU, xerrors.Attributes{
		Message: "knu not eligible for distribution", Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeDegenerate, xerrors.Attributes{
		Message: "zero normalization denominator", Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodePoolNotFound, xerrors.Attributes{
		Message: "no reward pool configured for group", Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeEmptyBatch, xerrors.Attributes{
		Message: "no eligible knus in batch", Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeWeightInvalid, xerrors.Attributes{
		Message: "normalized weights do not sum to one", Severity: xerrors.SeverityCritical, Alert: true,
	})
	xerrors.Register(CodeRunConflict, xerrors.Attributes{
		Message: "distribution run already exists", Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeRunNotRunnable, xerrors.Attributes{
		Message: "distribution run is not in a runnable state", Severity: xerrors.SeverityInfo,
	})
}

// Status 是 KNU 记录的评审状态。
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusMerged   Status = "merged"
	StatusRejected Status = "rejected"
)

// KNU 是一条参与奖励分配的工作单元记录。
// 评分字段来自外部评审流程，本模块只读。
type KNU struct {
	ID              string             `json:"id"`
	Group           string             `json:"group"`
	Owner           string             `json:"owner"`
	Effort          float64            `json:"effort"`
	ImpactPrimary   float64            `json:"impact_primary"`
	ImpactSpillover float64            `json:"impact_spillover"`
	CrossImpacts    map[string]float64 `json:"cross_impacts,omitempty"`
	Status          Status             `json:"status"`
	EvidenceRefs    []string           `json:"evidence_refs"`
	ValidatedBy     string             `json:"validated_by"`
	ValidatedAt     string             `json:"validated_at"`
}

// Eligible 判断 KNU 是否具备参与分配的资格：
// 状态为 accepted 或 merged，至少一条证据引用，且已有验证人与验证时间。
// 不合格的 KNU 完全不进入归一化分母。
func (k *KNU) Eligible() bool {
	return k.IneligibleReason() == ""
}

// IneligibleReason 返回不合格原因，合格时返回空串。
func (k *KNU) IneligibleReason() string {
	if k == nil {
		return "nil record"
	}
	if k.Status != StatusAccepted && k.Status != StatusMerged {
		return "status is " + string(k.Status)
	}
	if len(k.EvidenceRefs) == 0 {
		return "no evidence references"
	}
	if strings.TrimSpace(k.ValidatedBy) == "" {
		return "missing validator identity"
	}
	if strings.TrimSpace(k.ValidatedAt) == "" {
		return "missing validation timestamp"
	}
	return ""
}
