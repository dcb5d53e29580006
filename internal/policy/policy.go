package policy

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"gopkg.in/yaml.v3"

	xerrors "Teknia-Ledger/internal/errors"
)

// OpType 表示账本支持的操作类型。
type OpType string

const (
	OpTransfer OpType = "transfer"
	OpReward   OpType = "reward"
	OpConsume  OpType = "consume"
)

// IsValidOp 检查给定的操作类型是否为支持的枚举值。
func IsValidOp(op OpType) bool {
	switch op {
	case OpTransfer, OpReward, OpConsume:
		return true
	default:
		return false
	}
}

// FeeTier 描述一条阶梯费率。费率以 0.1 个基点（milli-bps）为单位存储，
// 这样 31.4 bps 这类费率也能保持纯整数运算。
type FeeTier struct {
	ThresholdDeg int64
	RateMilliBps int64
}

// Policy 保存创世时加载的全部费率与额度规则。加载之后只读，
// 任何字段变更都会导致指纹校验失败。
type Policy struct {
	DegPerUnit      int64
	FounderBps      int64
	MinTransferDeg  int64
	BaseFeeMilliBps int64
	FeeTiers        []FeeTier
	QuantumScope    map[OpType]bool

	fingerprint common.Hash
}

var (
	// ErrPolicyMismatch 表示当前策略与创世指纹不一致，属于致命完整性故障。
	ErrPolicyMismatch = xerrors.New(CodePolicyMismatch, "policy fingerprint mismatch")
	// ErrBelowMinimumQuantum 表示转账额度不满足最小量子规则。
	ErrBelowMinimumQuantum = xerrors.New(CodeBelowQuantum, "amount below minimum transfer quantum", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodePolicyMismatch xerrors.Code = "POLICY_MISMATCH"
	CodeBelowQuantum   xerrors.Code = "BELOW_MIN_QUANTUM"
)

func init() {
	xerrors.Register(CodePolicyMismatch, xerrors.Attributes{
		Message:   "policy fingerprint mismatch",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeBelowQuantum, xerrors.Attributes{
		Message:   "amount below minimum transfer quantum",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// fileFormat 对应策略 YAML 文件的结构。
type fileFormat struct {
	DegPerUnit       int64      `yaml:"deg_per_unit"`
	FounderBps       int64      `yaml:"founder_bps"`
	MinTransferDeg   int64      `yaml:"min_transfer_deg"`
	BaseFeeBps       float64    `yaml:"base_fee_bps"`
	FeeTiers         []fileTier `yaml:"fee_tiers"`
	MinTransferScope []string   `yaml:"min_transfer_scope"`
}

type fileTier struct {
	ThresholdDeg int64   `yaml:"threshold_deg"`
	Bps          float64 `yaml:"bps"`
}

// LoadFile 解析策略 YAML 文件并构建只读策略。
func LoadFile(path string) (*Policy, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeConfig, "策略文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfig, err, "读取策略文件失败")
	}
	return Load(content)
}

// Load 从 YAML 内容构建策略，并计算创世指纹。
func Load(content []byte) (*Policy, error) {
	var raw fileFormat
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfig, err, "解析策略文件失败")
	}

	if raw.DegPerUnit <= 0 {
		return nil, xerrors.New(xerrors.CodeConfig, "deg_per_unit 必须为正整数")
	}
	if raw.MinTransferDeg <= 0 {
		return nil, xerrors.New(xerrors.CodeConfig, "min_transfer_deg 必须为正整数")
	}
	if raw.FounderBps < 0 || raw.FounderBps >= 10000 {
		return nil, xerrors.New(xerrors.CodeConfig, "founder_bps 必须位于 [0, 10000)")
	}

	baseRate, err := toMilliBps(raw.BaseFeeBps)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfig, err, "base_fee_bps 不合法")
	}

	tiers := make([]FeeTier, 0, len(raw.FeeTiers))
	seen := make(map[int64]struct{}, len(raw.FeeTiers))
	for _, tier := range raw.FeeTiers {
		if tier.ThresholdDeg <= 0 {
			return nil, xerrors.New(xerrors.CodeConfig, fmt.Sprintf("费率阶梯阈值 %d 不合法", tier.ThresholdDeg))
		}
		if _, ok := seen[tier.ThresholdDeg]; ok {
			return nil, xerrors.New(xerrors.CodeConfig, fmt.Sprintf("费率阶梯阈值 %d 重复", tier.ThresholdDeg))
		}
		seen[tier.ThresholdDeg] = struct{}{}
		rate, err := toMilliBps(tier.Bps)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfig, err, fmt.Sprintf("阈值 %d 的费率不合法", tier.ThresholdDeg))
		}
		tiers = append(tiers, FeeTier{ThresholdDeg: tier.ThresholdDeg, RateMilliBps: rate})
	}
	// 阶梯按阈值从高到低排序，收费时做首个匹配的降序扫描。
	sort.Slice(tiers, func(i, j int) bool {
		return tiers[i].ThresholdDeg > tiers[j].ThresholdDeg
	})

	scope := make(map[OpType]bool)
	if len(raw.MinTransferScope) == 0 {
		scope[OpTransfer] = true
	}
	for _, name := range raw.MinTransferScope {
		op := OpType(strings.ToLower(strings.TrimSpace(name)))
		if !IsValidOp(op) {
			return nil, xerrors.New(xerrors.CodeConfig, fmt.Sprintf("min_transfer_scope 中的操作类型 %q 不合法", name))
		}
		scope[op] = true
	}

	p := &Policy{
		DegPerUnit:      raw.DegPerUnit,
		FounderBps:      raw.FounderBps,
		MinTransferDeg:  raw.MinTransferDeg,
		BaseFeeMilliBps: baseRate,
		FeeTiers:        tiers,
		QuantumScope:    scope,
	}
	p.fingerprint = p.ComputeFingerprint()
	return p, nil
}

// toMilliBps 将基点数值换算为 0.1 基点整数，最多允许一位小数。
func toMilliBps(bps float64) (int64, error) {
	scaled := bps * 10
	rounded := math.Round(scaled)
	if math.Abs(scaled-rounded) > 1e-9 {
		return 0, fmt.Errorf("费率 %v 超过一位小数精度", bps)
	}
	rate := int64(rounded)
	if rate < 1 || rate >= 100000 {
		return 0, fmt.Errorf("费率 %v 必须位于 [0.1, 10000) 基点", bps)
	}
	return rate, nil
}

// ComputeFingerprint 基于与字段顺序无关的规范化序列计算 Keccak-256 指纹。
// 该方法无副作用，任何时刻都可以重新调用。
func (p *Policy) ComputeFingerprint() common.Hash {
	lines := make([]string, 0, 5+len(p.FeeTiers)+len(p.QuantumScope))
	lines = append(lines,
		fmt.Sprintf("deg_per_unit=%d", p.DegPerUnit),
		fmt.Sprintf("founder_bps=%d", p.FounderBps),
		fmt.Sprintf("min_transfer_deg=%d", p.MinTransferDeg),
		fmt.Sprintf("base_fee_mbps=%d", p.BaseFeeMilliBps),
	)
	for _, tier := range p.FeeTiers {
		lines = append(lines, fmt.Sprintf("tier:threshold=%d,mbps=%d", tier.ThresholdDeg, tier.RateMilliBps))
	}
	for op, enabled := range p.QuantumScope {
		if enabled {
			lines = append(lines, fmt.Sprintf("scope:%s", op))
		}
	}
	sort.Strings(lines)
	return crypto.Keccak256Hash([]byte(strings.Join(lines, "\n")))
}

// Fingerprint 返回加载时计算的创世指纹。
func (p *Policy) Fingerprint() common.Hash {
	return p.fingerprint
}

// Verify 将当前字段重新计算出的指纹与给定的存储指纹比对。
func (p *Policy) Verify(stored common.Hash) error {
	if p == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "策略未初始化")
	}
	if p.ComputeFingerprint() != stored {
		return ErrPolicyMismatch
	}
	return nil
}
