package policy

// milliBpsDenominator 是 0.1 基点费率的分母：1 deg 的十万分之一。
const milliBpsDenominator = 100000

// FeeFor 计算给定操作与额度对应的手续费，纯函数。
// 转账按阶梯表做降序首次匹配；reward/consume 一律使用固定基础费率。
// 对于 [1, 100000) 范围内的费率恒有 0 <= fee < amountDeg。
func (p *Policy) FeeFor(op OpType, amountDeg int64) int64 {
	if amountDeg <= 0 {
		return 0
	}
	rate := p.BaseFeeMilliBps
	if op == OpTransfer {
		for _, tier := range p.FeeTiers {
			if amountDeg >= tier.ThresholdDeg {
				rate = tier.RateMilliBps
				break
			}
		}
	}
	return mulDivFloor(amountDeg, rate)
}

// CheckQuantum 校验额度是否满足最小转账量子规则。
// 只有 policy scope 中列出的操作类型才受该规则约束（默认仅 transfer）。
func (p *Policy) CheckQuantum(op OpType, amountDeg int64) error {
	if !p.QuantumScope[op] {
		return nil
	}
	if amountDeg <= 0 || amountDeg%p.MinTransferDeg != 0 {
		return ErrBelowMinimumQuantum
	}
	return nil
}

// mulDivFloor 计算 floor(amount * rate / 100000)，拆分运算避免 int64 溢出。
func mulDivFloor(amount, rate int64) int64 {
	quot := amount / milliBpsDenominator
	rem := amount % milliBpsDenominator
	return quot*rate + rem*rate/milliBpsDenominator
}
