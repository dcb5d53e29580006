package distribution

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	xerrors "Teknia-Ledger/internal/errors"
	"Teknia-Ledger/internal/ledger"
	"Teknia-Ledger/internal/policy"
)

func testConfig() *Config {
	return &Config{
		Alpha:  DefaultAlpha,
		Lambda: DefaultLambda,
		Pools:  map[string]int64{"physics": 54000},
	}
}

func sampleBatch() []*KNU {
	return []*KNU{
		{
			ID: "knu-1", Group: "physics", Owner: "alice",
			Effort: 5, ImpactPrimary: 30, ImpactSpillover: 10,
			Status: StatusAccepted, EvidenceRefs: []string{"ref-1"},
			ValidatedBy: "validator-1", ValidatedAt: "2026-08-01T00:00:00Z",
		},
		{
			ID: "knu-2", Group: "physics", Owner: "bob",
			Effort: 3, ImpactPrimary: 15, ImpactSpillover: 5,
			Status: StatusMerged, EvidenceRefs: []string{"ref-2"},
			ValidatedBy: "validator-1", ValidatedAt: "2026-08-01T00:00:00Z",
		},
		{
			ID: "knu-3", Group: "physics", Owner: "carol",
			Effort: 2, ImpactPrimary: 5, ImpactSpillover: 0,
			Status: StatusAccepted, EvidenceRefs: []string{"ref-3"},
			ValidatedBy: "validator-2", ValidatedAt: "2026-08-02T00:00:00Z",
		},
	}
}

// recordingRewarder 记录奖励调用，可按账户注入失败。
type recordingRewarder struct {
	calls  []string
	failOn map[string]error
	seq    uint64
}

func (r *recordingRewarder) Reward(ctx context.Context, to string, amountDeg int64) (*ledger.Transaction, error) {
	if err, ok := r.failOn[to]; ok {
		return nil, err
	}
	r.calls = append(r.calls, to)
	r.seq++
	tx := &ledger.Transaction{Seq: r.seq, Type: policy.OpReward, To: to, AmountDeg: amountDeg}
	tx.Hash = tx.ComputeHash()
	return tx, nil
}

func newTestService(t *testing.T, rewarder Rewarder) *Service {
	t.Helper()
	svc, err := NewService(testConfig(), rewarder)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestDistributeAllocatesPoolExactly(t *testing.T) {
	svc := newTestService(t, &recordingRewarder{})

	result, err := svc.Distribute(context.Background(), "physics", sampleBatch(), true)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if len(result.Items) != 3 {
		t.Fatalf("items = %d, want 3", len(result.Items))
	}

	// effort {5,3,2}, primary {30,15,5}, spillover {10,5,0}, α=0.30, λ=0.50
	// 推出的整数分配额，余数补给最高权重。
	want := map[string]int64{"knu-1": 31110, "knu-2": 16364, "knu-3": 6526}
	var total int64
	for _, item := range result.Items {
		if item.TokensDeg != want[item.KNUID] {
			t.Fatalf("%s allocated %d, want %d", item.KNUID, item.TokensDeg, want[item.KNUID])
		}
		total += item.TokensDeg
	}
	if total != 54000 || result.TotalAllocatedDeg != 54000 {
		t.Fatalf("allocated %d (reported %d), want 54000", total, result.TotalAllocatedDeg)
	}

	sum, err := decimal.NewFromString(result.TotalWeight)
	if err != nil {
		t.Fatalf("parse total weight: %v", err)
	}
	if sum.Sub(decimal.New(1, 0)).Abs().GreaterThan(decimal.New(1, -9)) {
		t.Fatalf("weights sum to %s, want 1 within 1e-9", result.TotalWeight)
	}
}

func TestDistributeExcludesIneligible(t *testing.T) {
	svc := newTestService(t, &recordingRewarder{})
	batch := sampleBatch()
	batch[1].Status = StatusPending

	result, err := svc.Distribute(context.Background(), "physics", batch, true)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}

	var total int64
	var pendingSeen bool
	for _, item := range result.Items {
		if item.KNUID == "knu-2" {
			pendingSeen = true
			if item.Eligible || item.TokensDeg != 0 {
				t.Fatalf("pending knu must be excluded: %+v", item)
			}
			continue
		}
		total += item.TokensDeg
	}
	if !pendingSeen {
		t.Fatal("excluded knu missing from result items")
	}
	// 剩余合格集合的权重仍归一，整个奖励池仍被分完。
	if total != 54000 {
		t.Fatalf("allocated %d over reduced set, want 54000", total)
	}
}

func TestDistributeSkipsForeignGroups(t *testing.T) {
	svc := newTestService(t, &recordingRewarder{})
	batch := sampleBatch()
	batch[2].Group = "chemistry"

	result, err := svc.Distribute(context.Background(), "physics", batch, true)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	for _, item := range result.Items {
		if item.KNUID == "knu-3" && (item.Eligible || item.TokensDeg != 0) {
			t.Fatalf("foreign-group knu must be skipped: %+v", item)
		}
	}
}

func TestDryRunIsIdempotentAndSideEffectFree(t *testing.T) {
	rewarder := &recordingRewarder{}
	svc := newTestService(t, rewarder)
	ctx := context.Background()

	first, err := svc.Distribute(ctx, "physics", sampleBatch(), true)
	if err != nil {
		t.Fatalf("first dry run: %v", err)
	}
	second, err := svc.Distribute(ctx, "physics", sampleBatch(), true)
	if err != nil {
		t.Fatalf("second dry run: %v", err)
	}

	if len(rewarder.calls) != 0 {
		t.Fatalf("dry run issued %d rewards", len(rewarder.calls))
	}
	if first.TotalWeight != second.TotalWeight {
		t.Fatalf("total weight differs: %s vs %s", first.TotalWeight, second.TotalWeight)
	}
	for i := range first.Items {
		a, b := first.Items[i], second.Items[i]
		if a.Weight != b.Weight || a.TokensDeg != b.TokensDeg {
			t.Fatalf("dry run not idempotent at %s: %+v vs %+v", a.KNUID, a, b)
		}
	}
}

func TestRealRunRecordsTransactions(t *testing.T) {
	rewarder := &recordingRewarder{}
	svc := newTestService(t, rewarder)

	result, err := svc.Distribute(context.Background(), "physics", sampleBatch(), false)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if len(rewarder.calls) != 3 {
		t.Fatalf("issued %d rewards, want 3", len(rewarder.calls))
	}
	if result.TotalRewardedDeg != 54000 {
		t.Fatalf("rewarded %d, want 54000", result.TotalRewardedDeg)
	}
	for _, item := range result.Items {
		if item.TxSeq == 0 || item.TxHash == "" {
			t.Fatalf("missing transaction reference on %s", item.KNUID)
		}
	}
}

func TestPartialFailureContinuesBatch(t *testing.T) {
	rewarder := &recordingRewarder{
		failOn: map[string]error{"bob": ledger.ErrUnknownAccount},
	}
	svc := newTestService(t, rewarder)

	result, err := svc.Distribute(context.Background(), "physics", sampleBatch(), false)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if result.FailedItems != 1 {
		t.Fatalf("failed items = %d, want 1", result.FailedItems)
	}
	if len(rewarder.calls) != 2 {
		t.Fatalf("issued %d rewards after one failure, want 2", len(rewarder.calls))
	}
	for _, item := range result.Items {
		if item.Owner == "bob" {
			if item.Error == "" || item.TxSeq != 0 {
				t.Fatalf("failed item must carry error and no tx: %+v", item)
			}
		}
	}
	if result.TotalRewardedDeg >= result.TotalAllocatedDeg {
		t.Fatalf("rewarded %d must be below allocated %d", result.TotalRewardedDeg, result.TotalAllocatedDeg)
	}
}

func TestZeroEffortFallsBackToEqualSplit(t *testing.T) {
	svc := newTestService(t, &recordingRewarder{})
	batch := sampleBatch()
	for _, k := range batch {
		k.Effort = 0
	}

	result, err := svc.Distribute(context.Background(), "physics", batch, true)
	if err != nil {
		t.Fatalf("distribute with zero efforts: %v", err)
	}
	if !result.Degenerate {
		t.Fatal("zero effort sum must mark the run degenerate")
	}
	if result.TotalAllocatedDeg != 54000 {
		t.Fatalf("allocated %d, want 54000", result.TotalAllocatedDeg)
	}
}

func TestDistributeUnknownPool(t *testing.T) {
	svc := newTestService(t, &recordingRewarder{})
	_, err := svc.Distribute(context.Background(), "botany", sampleBatch(), true)
	if xerrors.CodeOf(err) != CodePoolNotFound {
		t.Fatalf("expected POOL_NOT_FOUND, got %v", err)
	}
}

func TestAdjacencySpilloverOverridesPrecomputed(t *testing.T) {
	cfg := testConfig()
	cfg.Adjacency = map[string]map[string]float64{
		"physics": {"chemistry": 0.5, "biology": 0.2},
	}
	knu := &KNU{
		ID: "knu-x", Group: "physics", Owner: "alice",
		Effort: 1, ImpactPrimary: 10, ImpactSpillover: 99,
		CrossImpacts: map[string]float64{"chemistry": 4, "biology": 10, "geology": 7},
		Status:       StatusAccepted, EvidenceRefs: []string{"ref"},
		ValidatedBy: "v", ValidatedAt: "2026-08-01T00:00:00Z",
	}
	// 0.5*4 + 0.2*10 = 4，未配置邻接的组不计入。
	got := spilloverFor(cfg, knu)
	if !got.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("spillover = %s, want 4", got)
	}

	// 没有邻接行时退回预计算溢出分。
	cfg.Adjacency = nil
	got = spilloverFor(cfg, knu)
	if !got.Equal(decimal.NewFromInt(99)) {
		t.Fatalf("spillover fallback = %s, want 99", got)
	}
}

func TestDistributeThroughLedgerConservesSupply(t *testing.T) {
	ctx := context.Background()
	p, err := policy.Load([]byte(`
deg_per_unit: 360
founder_bps: 500
min_transfer_deg: 2592
base_fee_bps: 50
fee_tiers:
  - threshold_deg: 25920
    bps: 31.4
`))
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	led, err := ledger.New(ctx, p, ledger.NewMemoryStore(), ledger.Config{SupplyDeg: 360_000_000})
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	svc, err := NewService(testConfig(), led)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	result, err := svc.Distribute(ctx, "physics", sampleBatch(), false)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if result.FailedItems != 0 {
		t.Fatalf("failed items: %d", result.FailedItems)
	}

	var total int64
	for _, account := range []string{led.TreasuryAccount(), led.FeeSinkAccount(), "alice", "bob", "carol"} {
		balance, err := led.Balance(account)
		if err != nil {
			t.Fatalf("balance %s: %v", account, err)
		}
		total += balance
	}
	if total != 360_000_000 {
		t.Fatalf("total balance = %d, want 360000000", total)
	}
	if _, err := led.Verify(ctx); err != nil {
		t.Fatalf("chain verify after distribution: %v", err)
	}

	alice, _ := led.Balance("alice")
	if alice != 31110 {
		t.Fatalf("alice received %d, want 31110", alice)
	}
}

func TestCheckEligibilityReportsReasons(t *testing.T) {
	svc := newTestService(t, &recordingRewarder{})
	batch := sampleBatch()
	batch[1].Status = StatusPending
	batch = append(batch, &KNU{
		ID: "knu-4", Group: "botany", Owner: "dave",
		Effort: 1, ImpactPrimary: 1,
		Status: StatusAccepted, EvidenceRefs: []string{"ref-4"},
		ValidatedBy: "validator-1", ValidatedAt: "2026-08-01T00:00:00Z",
	})

	outcomes := svc.CheckEligibility("physics", batch)
	if len(outcomes) != 4 {
		t.Fatalf("outcomes = %d, want 4", len(outcomes))
	}
	byID := make(map[string]ItemOutcome, len(outcomes))
	for _, outcome := range outcomes {
		if outcome.TokensDeg != 0 || outcome.Weight != "" {
			t.Fatalf("%s: eligibility check must not allocate: %+v", outcome.KNUID, outcome)
		}
		byID[outcome.KNUID] = outcome
	}
	if !byID["knu-1"].Eligible || !byID["knu-3"].Eligible {
		t.Fatal("accepted KNUs with evidence must be eligible")
	}
	if byID["knu-2"].Eligible || byID["knu-2"].Reason == "" {
		t.Fatalf("pending KNU must carry a reason: %+v", byID["knu-2"])
	}
	if byID["knu-4"].Eligible || byID["knu-4"].Reason != "belongs to group botany" {
		t.Fatalf("foreign-group KNU reason = %q", byID["knu-4"].Reason)
	}
}
