package distribution

import (
	"github.com/shopspring/decimal"

	xerrors "Teknia-Ledger/internal/errors"
)

// weightTolerance 是权重和偏离 1 的允许误差。
var weightTolerance = decimal.New(1, -9)

// weighted 是一条 KNU 在本轮分配中的计算结果。
type weighted struct {
	knu       *KNU
	spillover decimal.Decimal
	impact    decimal.Decimal
	weight    decimal.Decimal
}

// spilloverFor 计算一条 KNU 的溢出影响。提供了跨组明细时按邻接表
// 折算求和，否则直接使用预计算的溢出分。
func spilloverFor(cfg *Config, k *KNU) decimal.Decimal {
	row, ok := cfg.Adjacency[k.Group]
	if !ok || len(k.CrossImpacts) == 0 {
		return decimal.NewFromFloat(k.ImpactSpillover)
	}
	sum := decimal.Zero
	for group, impact := range k.CrossImpacts {
		coeff, ok := row[group]
		if !ok {
			continue
		}
		sum = sum.Add(decimal.NewFromFloat(coeff).Mul(decimal.NewFromFloat(impact)))
	}
	return sum
}

// computeWeights 在合格集合上做归一化：
//
//	Ê_i = E_i / ΣE
//	I_i = ΔR_primary,i + λ·S_i，Î_i = I_i / ΣI
//	w_i = α·Ê_i + (1-α)·Î_i
//
// 任一分母为零时退化为该分量上的均分（而不是失败）；
// degenerate 返回值标记本轮是否触发过退化均分。
// 权重和偏离 1 超过容差视为致命错误。
func computeWeights(cfg *Config, knus []*KNU) (items []weighted, degenerate bool, err error) {
	if len(knus) == 0 {
		return nil, false, xerrors.New(CodeEmptyBatch, "")
	}

	alpha := decimal.NewFromFloat(cfg.Alpha)
	lambda := decimal.NewFromFloat(cfg.Lambda)
	one := decimal.New(1, 0)
	count := decimal.New(int64(len(knus)), 0)

	items = make([]weighted, len(knus))
	sumEffort := decimal.Zero
	sumImpact := decimal.Zero
	for i, k := range knus {
		spill := spilloverFor(cfg, k)
		impact := decimal.NewFromFloat(k.ImpactPrimary).Add(lambda.Mul(spill))
		items[i] = weighted{knu: k, spillover: spill, impact: impact}
		sumEffort = sumEffort.Add(decimal.NewFromFloat(k.Effort))
		sumImpact = sumImpact.Add(impact)
	}

	equalShare := one.Div(count)
	effortZero := sumEffort.IsZero()
	impactZero := sumImpact.IsZero()
	degenerate = effortZero || impactZero

	sumWeight := decimal.Zero
	for i := range items {
		effortShare := equalShare
		if !effortZero {
			effortShare = decimal.NewFromFloat(items[i].knu.Effort).Div(sumEffort)
		}
		impactShare := equalShare
		if !impactZero {
			impactShare = items[i].impact.Div(sumImpact)
		}
		items[i].weight = alpha.Mul(effortShare).Add(one.Sub(alpha).Mul(impactShare))
		sumWeight = sumWeight.Add(items[i].weight)
	}

	if sumWeight.Sub(one).Abs().GreaterThan(weightTolerance) {
		return nil, degenerate, xerrors.New(CodeWeightInvalid, "",
			xerrors.WithMetadata("sum", sumWeight.String()))
	}
	return items, degenerate, nil
}

// allocate 把奖励池按权重切分为整数 deg。每条先取 floor(pool·w)，
// 余数整体补给权重最高的一条（权重相同取批次中靠前者），保证
// 分配总额与奖励池严格相等。
func allocate(poolDeg int64, items []weighted) []int64 {
	if len(items) == 0 {
		return nil
	}
	pool := decimal.New(poolDeg, 0)
	out := make([]int64, len(items))
	var allocated int64
	top := 0
	for i := range items {
		out[i] = pool.Mul(items[i].weight).Floor().IntPart()
		allocated += out[i]
		if items[i].weight.GreaterThan(items[top].weight) {
			top = i
		}
	}
	if remainder := poolDeg - allocated; remainder > 0 {
		out[top] += remainder
	}
	return out
}
