package ledger

import (
	"context"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Teknia-Ledger/internal/errors"
	"Teknia-Ledger/internal/observability/alerting"
	"Teknia-Ledger/internal/policy"
	"Teknia-Ledger/pkg/logger"
)

// 账本专用错误码。
const (
	CodeInvalidAmount       xerrors.Code = "INVALID_AMOUNT"
	CodeUnknownAccount      xerrors.Code = "UNKNOWN_ACCOUNT"
	CodeInsufficientBalance xerrors.Code = "INSUFFICIENT_BALANCE"
	CodeChainBroken         xerrors.Code = "CHAIN_BROKEN"
	CodeLedgerHalted        xerrors.Code = "LEDGER_HALTED"
)

var (
	// ErrInvalidAmount 表示额度为零、为负或操作类型不合法。
	ErrInvalidAmount = xerrors.New(CodeInvalidAmount, "invalid operation amount")
	// ErrUnknownAccount 表示借方账户从未出现在账本上。
	ErrUnknownAccount = xerrors.New(CodeUnknownAccount, "unknown account")
	// ErrInsufficientBalance 表示借方余额不足以支付额度加手续费。
	ErrInsufficientBalance = xerrors.New(CodeInsufficientBalance, "insufficient balance")
	// ErrChainBroken 表示重放校验发现链上记录被篡改或缺失。
	ErrChainBroken = xerrors.New(CodeChainBroken, "transaction chain broken")
	// ErrLedgerHalted 表示账本已因完整性故障停写。
	ErrLedgerHalted = xerrors.New(CodeLedgerHalted, "ledger halted after integrity failure")
)

func init() {
	xerrors.Register(CodeInvalidAmount, xerrors.Attributes{
		Message: "invalid operation amount", Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeUnknownAccount, xerrors.Attributes{
		Message: "unknown account", Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInsufficientBalance, xerrors.Attributes{
		Message: "insufficient balance", Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeChainBroken, xerrors.Attributes{
		Message: "transaction chain broken", Severity: xerrors.SeverityCritical, Alert: true,
	})
	xerrors.Register(CodeLedgerHalted, xerrors.Attributes{
		Message: "ledger halted after integrity failure", Severity: xerrors.SeverityCritical, Alert: true,
	})
}

// Config 是账本服务的启动参数。
type Config struct {
	// TreasuryAccount 是创世时持有全部供应量的账户。
	TreasuryAccount string
	// FeeSinkAccount 接收所有手续费。
	FeeSinkAccount string
	// SupplyDeg 是创世铸造的总供应量（deg）。
	SupplyDeg int64
}

func (c *Config) applyDefaults() {
	if c.TreasuryAccount == "" {
		c.TreasuryAccount = "treasury"
	}
	if c.FeeSinkAccount == "" {
		c.FeeSinkAccount = "fee_pool"
	}
}

// Quote 是一次操作的费用预估结果。
type Quote struct {
	Op        policy.OpType `json:"op"`
	AmountDeg int64         `json:"amount_deg"`
	FeeDeg    int64         `json:"fee_deg"`
	TotalDeg  int64         `json:"total_deg"`
}

// VerifyReport 是一次链重放校验的结果。
type VerifyReport struct {
	Checked   uint64      `json:"checked"`
	HeadSeq   uint64      `json:"head_seq"`
	HeadHash  common.Hash `json:"head_hash"`
	SupplyDeg int64       `json:"supply_deg"`
}

// Ledger 维护账户余额与哈希链式交易日志。所有写入经过单写者互斥锁，
// 先持久化后提交；任何一次完整性故障都会触发停写闩锁。
type Ledger struct {
	mu     sync.RWMutex
	policy *policy.Policy
	store  Store
	cfg    Config

	balances map[string]int64
	chain    []*Transaction
	halted   bool
	haltedBy error
	alerter  alerting.Dispatcher

	now func() time.Time
}

// New 打开账本。存储为空时执行创世：铸造供应量到金库账户并持久化
// 策略指纹；否则校验指纹并重放全部历史记录恢复余额。
func New(ctx context.Context, p *policy.Policy, store Store, cfg Config) (*Ledger, error) {
	if p == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "策略未初始化")
	}
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "存储未初始化")
	}
	cfg.applyDefaults()
	if cfg.SupplyDeg <= 0 {
		return nil, xerrors.New(xerrors.CodeConfig, "supply_deg 必须为正整数")
	}
	// 供应量上界保证 amount+fee 在 int64 内不溢出（额度以供应量为上界，
	// 手续费严格小于额度）。
	if cfg.SupplyDeg > math.MaxInt64/2 {
		return nil, xerrors.New(xerrors.CodeConfig, "supply_deg 超出安全上限")
	}

	led := &Ledger{
		policy:   p,
		store:    store,
		cfg:      cfg,
		balances: make(map[string]int64),
		now:      time.Now,
	}

	stored, ok, err := store.GetMeta(ctx, MetaPolicyFingerprint)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := led.genesis(ctx); err != nil {
			return nil, err
		}
		return led, nil
	}

	if err := p.Verify(common.HexToHash(stored)); err != nil {
		return nil, err
	}
	supplyRaw, ok, err := store.GetMeta(ctx, MetaSupplyDeg)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, xerrors.New(xerrors.CodeStorageFailure, "存储缺失供应量元数据")
	}
	supply, err := strconv.ParseInt(supplyRaw, 10, 64)
	if err != nil || supply != cfg.SupplyDeg {
		return nil, xerrors.New(xerrors.CodeConfig, "配置的供应量与存储不一致",
			xerrors.WithMetadata("stored", supplyRaw))
	}
	if err := led.restore(ctx); err != nil {
		return nil, err
	}
	return led, nil
}

func (l *Ledger) genesis(ctx context.Context) error {
	fp := l.policy.Fingerprint()
	if err := l.store.SetMeta(ctx, MetaPolicyFingerprint, fp.Hex()); err != nil {
		return err
	}
	if err := l.store.SetMeta(ctx, MetaSupplyDeg, strconv.FormatInt(l.cfg.SupplyDeg, 10)); err != nil {
		return err
	}
	l.balances[l.cfg.TreasuryAccount] = l.cfg.SupplyDeg
	logger.Named("ledger").Info("genesis complete",
		"treasury", l.cfg.TreasuryAccount,
		"supply_deg", l.cfg.SupplyDeg,
		"policy_fingerprint", fp.Hex())
	return nil
}

// restore 从存储重放历史记录并重建余额。重放失败直接拒绝启动，
// 而不是带着损坏的链提供服务。
func (l *Ledger) restore(ctx context.Context) error {
	txs, err := l.store.Load(ctx)
	if err != nil {
		return err
	}
	balances := map[string]int64{l.cfg.TreasuryAccount: l.cfg.SupplyDeg}
	prev := l.genesisHash()
	for i, tx := range txs {
		if err := checkLink(tx, uint64(i)+1, prev); err != nil {
			return err
		}
		applyBalances(balances, tx, l.cfg.FeeSinkAccount)
		prev = tx.Hash
	}
	l.chain = txs
	l.balances = balances
	logger.Named("ledger").Info("ledger restored", "transactions", len(txs))
	return nil
}

// genesisHash 是链上第一笔记录的 prev_hash：策略创世指纹。
// 链由此与费率规则绑定，策略被替换时历史链必然校验失败。
func (l *Ledger) genesisHash() common.Hash {
	return l.policy.Fingerprint()
}

// Transfer 在两个账户之间转账。发送方支付额度加手续费。
func (l *Ledger) Transfer(ctx context.Context, from, to string, amountDeg int64) (*Transaction, error) {
	return l.apply(ctx, policy.OpTransfer, from, to, amountDeg)
}

// Reward 从金库向接收方发放奖励。
func (l *Ledger) Reward(ctx context.Context, to string, amountDeg int64) (*Transaction, error) {
	return l.apply(ctx, policy.OpReward, l.cfg.TreasuryAccount, to, amountDeg)
}

// Consume 扣减账户余额用于服务消费，额度回流金库。
func (l *Ledger) Consume(ctx context.Context, from string, amountDeg int64) (*Transaction, error) {
	return l.apply(ctx, policy.OpConsume, from, l.cfg.TreasuryAccount, amountDeg)
}

func (l *Ledger) apply(ctx context.Context, op policy.OpType, from, to string, amountDeg int64) (*Transaction, error) {
	if !policy.IsValidOp(op) {
		return nil, xerrors.Wrap(CodeInvalidAmount, ErrInvalidAmount, "不支持的操作类型",
			xerrors.WithMetadata("op", string(op)))
	}
	if amountDeg <= 0 {
		return nil, ErrInvalidAmount
	}
	// 额度以总供应量为上界，amount+fee 因此不会溢出。
	if amountDeg > l.cfg.SupplyDeg {
		return nil, xerrors.Wrap(CodeInvalidAmount, ErrInvalidAmount, "额度超过总供应量",
			xerrors.WithMetadata("amount", strconv.FormatInt(amountDeg, 10)),
			xerrors.WithMetadata("supply", strconv.FormatInt(l.cfg.SupplyDeg, 10)))
	}
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if from == "" || to == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "账户名不能为空")
	}
	if from == to {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "收付账户不能相同")
	}
	if err := l.policy.CheckQuantum(op, amountDeg); err != nil {
		return nil, err
	}
	fee := l.policy.FeeFor(op, amountDeg)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.halted {
		return nil, xerrors.Wrap(CodeLedgerHalted, l.haltedBy, "账本已停写")
	}

	balance, ok := l.balances[from]
	if !ok {
		return nil, xerrors.Wrap(CodeUnknownAccount, ErrUnknownAccount, "",
			xerrors.WithMetadata("account", from))
	}
	total := amountDeg + fee
	if balance < total {
		return nil, xerrors.Wrap(CodeInsufficientBalance, ErrInsufficientBalance, "",
			xerrors.WithMetadata("account", from),
			xerrors.WithMetadata("balance", strconv.FormatInt(balance, 10)),
			xerrors.WithMetadata("required", strconv.FormatInt(total, 10)))
	}

	tx := &Transaction{
		Seq:       uint64(len(l.chain)) + 1,
		Type:      op,
		From:      from,
		To:        to,
		AmountDeg: amountDeg,
		FeeDeg:    fee,
		Timestamp: l.now().Unix(),
		PrevHash:  l.headHashLocked(),
	}
	tx.Hash = tx.ComputeHash()

	// 先持久化后提交：存储失败时内存状态保持不变。
	if err := l.store.Append(ctx, tx); err != nil {
		return nil, err
	}
	l.chain = append(l.chain, tx)
	applyBalances(l.balances, tx, l.cfg.FeeSinkAccount)

	logger.Audit().Info("ledger operation applied",
		"seq", tx.Seq,
		"op", string(tx.Type),
		"from", tx.From,
		"to", tx.To,
		"amount_deg", tx.AmountDeg,
		"fee_deg", tx.FeeDeg,
		"hash", tx.Hash.Hex())
	return tx.Clone(), nil
}

// applyBalances 把一笔记录的资金流写入余额表。
// transfer/reward/consume 的资金流一致：借方付额度加手续费，
// 贷方收额度，手续费进入费用池。
func applyBalances(balances map[string]int64, tx *Transaction, feeSink string) {
	balances[tx.From] -= tx.AmountDeg + tx.FeeDeg
	balances[tx.To] += tx.AmountDeg
	balances[feeSink] += tx.FeeDeg
}

// QuoteFee 预估一次操作的手续费，不校验余额也不修改状态。
func (l *Ledger) QuoteFee(op policy.OpType, amountDeg int64) (*Quote, error) {
	if !policy.IsValidOp(op) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的操作类型",
			xerrors.WithMetadata("op", string(op)))
	}
	if amountDeg <= 0 || amountDeg > l.cfg.SupplyDeg {
		return nil, ErrInvalidAmount
	}
	if err := l.policy.CheckQuantum(op, amountDeg); err != nil {
		return nil, err
	}
	fee := l.policy.FeeFor(op, amountDeg)
	return &Quote{Op: op, AmountDeg: amountDeg, FeeDeg: fee, TotalDeg: amountDeg + fee}, nil
}

// Balance 返回账户余额。从未出现过的账户视为不存在。
func (l *Ledger) Balance(account string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	balance, ok := l.balances[account]
	if !ok {
		return 0, xerrors.New(xerrors.CodeNotFound, "账户不存在",
			xerrors.WithMetadata("account", account))
	}
	return balance, nil
}

// Transactions 返回 seq 大于 afterSeq 的记录快照，limit <= 0 表示不限。
func (l *Ledger) Transactions(afterSeq uint64, limit int) []*Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()

	// 在 uint64 空间比较，afterSeq 接近 MaxUint64 时转 int 会变负。
	if afterSeq >= uint64(len(l.chain)) {
		return nil
	}
	slice := l.chain[afterSeq:]
	if limit > 0 && limit < len(slice) {
		slice = slice[:limit]
	}
	out := make([]*Transaction, len(slice))
	for i, tx := range slice {
		out[i] = tx.Clone()
	}
	return out
}

// Head 返回链头序号与哈希。空链返回创世指纹。
func (l *Ledger) Head() (uint64, common.Hash) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.chain)), l.headHashLocked()
}

func (l *Ledger) headHashLocked() common.Hash {
	if len(l.chain) == 0 {
		return l.genesisHash()
	}
	return l.chain[len(l.chain)-1].Hash
}

// Verify 从创世指纹开始重放整条链：校验序号连续、哈希链接、逐笔哈希，
// 重建余额并与当前余额表比对，最后校验总量守恒。重放在读锁下进行，
// 与其他读操作并发；发现完整性故障才升级写锁触发停写闩锁，并返回
// 携带故障序号的 CHAIN_BROKEN 错误。
func (l *Ledger) Verify(ctx context.Context) (*VerifyReport, error) {
	l.mu.RLock()
	report, err := l.replayLocked(ctx)
	l.mu.RUnlock()
	if err == nil {
		return report, nil
	}
	if code := xerrors.CodeOf(err); code == CodeChainBroken || code == policy.CodePolicyMismatch {
		l.halt(ctx, err)
	}
	return nil, err
}

// replayLocked 重放整条链并比对余额表。调用方持有读锁即可：
// 校验不修改任何状态。
func (l *Ledger) replayLocked(ctx context.Context) (*VerifyReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "链校验被取消")
	}
	if err := l.policy.Verify(l.policy.Fingerprint()); err != nil {
		return nil, err
	}

	balances := map[string]int64{l.cfg.TreasuryAccount: l.cfg.SupplyDeg}
	prev := l.genesisHash()
	for i, tx := range l.chain {
		if err := checkLink(tx, uint64(i)+1, prev); err != nil {
			return nil, err
		}
		applyBalances(balances, tx, l.cfg.FeeSinkAccount)
		prev = tx.Hash
	}

	var replayTotal int64
	for account, balance := range balances {
		if balance < 0 {
			return nil, xerrors.Wrap(CodeChainBroken, ErrChainBroken, "重放得到负余额",
				xerrors.WithMetadata("account", account))
		}
		replayTotal += balance
	}
	if replayTotal != l.cfg.SupplyDeg {
		return nil, xerrors.Wrap(CodeChainBroken, ErrChainBroken, "总量守恒校验失败",
			xerrors.WithMetadata("replay_total", strconv.FormatInt(replayTotal, 10)),
			xerrors.WithMetadata("supply", strconv.FormatInt(l.cfg.SupplyDeg, 10)))
	}
	for account, balance := range balances {
		if l.balances[account] != balance {
			return nil, xerrors.Wrap(CodeChainBroken, ErrChainBroken, "余额表与重放结果不一致",
				xerrors.WithMetadata("account", account))
		}
	}

	return &VerifyReport{
		Checked:   uint64(len(l.chain)),
		HeadSeq:   uint64(len(l.chain)),
		HeadHash:  prev,
		SupplyDeg: l.cfg.SupplyDeg,
	}, nil
}

// checkLink 校验单笔记录的序号、链接哈希与自身哈希。
func checkLink(tx *Transaction, wantSeq uint64, prev common.Hash) error {
	if tx.Seq != wantSeq {
		return xerrors.Wrap(CodeChainBroken, ErrChainBroken, "交易序号不连续",
			xerrors.WithMetadata("seq", strconv.FormatUint(tx.Seq, 10)),
			xerrors.WithMetadata("want", strconv.FormatUint(wantSeq, 10)))
	}
	if tx.PrevHash != prev {
		return xerrors.Wrap(CodeChainBroken, ErrChainBroken, "链接哈希不匹配",
			xerrors.WithMetadata("seq", strconv.FormatUint(tx.Seq, 10)))
	}
	if tx.ComputeHash() != tx.Hash {
		return xerrors.Wrap(CodeChainBroken, ErrChainBroken, "交易哈希校验失败",
			xerrors.WithMetadata("seq", strconv.FormatUint(tx.Seq, 10)))
	}
	return nil
}

// halt 触发停写闩锁，首次触发时记录审计日志并推送完整性告警。
func (l *Ledger) halt(ctx context.Context, cause error) {
	l.mu.Lock()
	tripped := !l.halted
	if tripped {
		l.halted = true
		l.haltedBy = cause
	}
	l.mu.Unlock()
	if !tripped {
		return
	}
	logger.Audit().Error("ledger halted", "cause", cause.Error())
	if l.alerter == nil {
		return
	}
	event := alerting.Event{
		Code:       xerrors.CodeOf(cause),
		Message:    cause.Error(),
		Severity:   xerrors.SeverityOf(cause),
		Subject:    "ledger",
		OccurredAt: l.now(),
	}
	if err := l.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("推送账本停写告警失败", "error", err)
	}
}

// SetAlertDispatcher 配置完整性故障的告警出口。须在对外提供服务前调用。
func (l *Ledger) SetAlertDispatcher(d alerting.Dispatcher) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alerter = d
}

// Halted 返回停写状态及其原因。
func (l *Ledger) Halted() (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.halted, l.haltedBy
}

// TotalSupply 返回创世供应量。
func (l *Ledger) TotalSupply() int64 {
	return l.cfg.SupplyDeg
}

// Policy 返回账本加载的策略。
func (l *Ledger) Policy() *policy.Policy {
	return l.policy
}

// TreasuryAccount 返回金库账户名。
func (l *Ledger) TreasuryAccount() string {
	return l.cfg.TreasuryAccount
}

// FeeSinkAccount 返回手续费账户名。
func (l *Ledger) FeeSinkAccount() string {
	return l.cfg.FeeSinkAccount
}
