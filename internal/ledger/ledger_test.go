package ledger

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"Teknia-Ledger/internal/observability/alerting"
	"Teknia-Ledger/internal/policy"
)

const testPolicy = `
deg_per_unit: 360
founder_bps: 500
min_transfer_deg: 2592
base_fee_bps: 50
min_transfer_scope: [transfer]
fee_tiers:
  - threshold_deg: 2592000
    bps: 314
  - threshold_deg: 259200
    bps: 99
  - threshold_deg: 25920
    bps: 31.4
`

const testSupply = int64(360_000_000)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	p, err := policy.Load([]byte(testPolicy))
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	led, err := New(context.Background(), p, NewMemoryStore(), Config{SupplyDeg: testSupply})
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	return led
}

// fund 通过奖励为测试账户注资，绕过转账量子约束。
func fund(t *testing.T, led *Ledger, account string, amount int64) {
	t.Helper()
	if _, err := led.Reward(context.Background(), account, amount); err != nil {
		t.Fatalf("fund %s: %v", account, err)
	}
}

func TestGenesisMintsSupplyToTreasury(t *testing.T) {
	led := newTestLedger(t)

	balance, err := led.Balance(led.TreasuryAccount())
	if err != nil {
		t.Fatalf("treasury balance: %v", err)
	}
	if balance != testSupply {
		t.Fatalf("treasury balance = %d, want %d", balance, testSupply)
	}
	seq, head := led.Head()
	if seq != 0 {
		t.Fatalf("fresh chain head seq = %d", seq)
	}
	if head != led.Policy().Fingerprint() {
		t.Fatal("empty chain head must be the policy fingerprint")
	}
}

func TestTransferMovesAmountAndFee(t *testing.T) {
	led := newTestLedger(t)
	ctx := context.Background()
	fund(t, led, "alice", 100_000)

	tx, err := led.Transfer(ctx, "alice", "bob", 25920)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if tx.FeeDeg != 81 {
		t.Fatalf("fee = %d, want 81", tx.FeeDeg)
	}

	alice, _ := led.Balance("alice")
	bob, _ := led.Balance("bob")
	if alice != 100_000-25920-81 {
		t.Fatalf("alice balance = %d", alice)
	}
	if bob != 25920 {
		t.Fatalf("bob balance = %d", bob)
	}
}

func TestRewardDebitsTreasury(t *testing.T) {
	led := newTestLedger(t)
	ctx := context.Background()

	tx, err := led.Reward(ctx, "carol", 360)
	if err != nil {
		t.Fatalf("reward: %v", err)
	}
	if tx.FeeDeg != 1 {
		t.Fatalf("reward fee = %d, want 1", tx.FeeDeg)
	}
	treasury, _ := led.Balance(led.TreasuryAccount())
	if treasury != testSupply-361 {
		t.Fatalf("treasury balance = %d, want %d", treasury, testSupply-361)
	}
	carol, _ := led.Balance("carol")
	if carol != 360 {
		t.Fatalf("carol balance = %d, want 360", carol)
	}
	sink, _ := led.Balance(led.FeeSinkAccount())
	if sink != 1 {
		t.Fatalf("fee sink balance = %d, want 1", sink)
	}
}

func TestConsumeReturnsToTreasury(t *testing.T) {
	led := newTestLedger(t)
	ctx := context.Background()
	fund(t, led, "dave", 10_000)

	if _, err := led.Consume(ctx, "dave", 3600); err != nil {
		t.Fatalf("consume: %v", err)
	}
	dave, _ := led.Balance("dave")
	fee := led.Policy().FeeFor(policy.OpConsume, 3600)
	if dave != 10_000-3600-fee {
		t.Fatalf("dave balance = %d", dave)
	}
}

func TestQuantumRuleAppliesToTransfersOnly(t *testing.T) {
	led := newTestLedger(t)
	ctx := context.Background()
	fund(t, led, "alice", 100_000)

	if _, err := led.Transfer(ctx, "alice", "bob", 360); !errors.Is(err, policy.ErrBelowMinimumQuantum) {
		t.Fatalf("expected ErrBelowMinimumQuantum, got %v", err)
	}
	if _, err := led.Transfer(ctx, "alice", "bob", 2592); err != nil {
		t.Fatalf("aligned transfer rejected: %v", err)
	}
	// reward 不受量子规则约束，360 deg 可以直接发放。
	if _, err := led.Reward(ctx, "bob", 360); err != nil {
		t.Fatalf("reward bypasses quantum rule: %v", err)
	}
}

func TestRejectsInvalidOperations(t *testing.T) {
	led := newTestLedger(t)
	ctx := context.Background()
	fund(t, led, "alice", 10_000)

	if _, err := led.Transfer(ctx, "alice", "bob", 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero amount: got %v", err)
	}
	if _, err := led.Transfer(ctx, "alice", "bob", -2592); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("negative amount: got %v", err)
	}
	if _, err := led.Transfer(ctx, "ghost", "bob", 2592); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("unknown sender: got %v", err)
	}
	if _, err := led.Transfer(ctx, "alice", "bob", 2_592_000); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("insufficient balance: got %v", err)
	}

	// 被拒绝的操作不得留下任何痕迹。
	seq, _ := led.Head()
	if seq != 1 {
		t.Fatalf("chain length = %d, want 1 (the funding reward)", seq)
	}
}

func TestChainLinksAndVerifyPasses(t *testing.T) {
	led := newTestLedger(t)
	ctx := context.Background()
	fund(t, led, "alice", 1_000_000)

	for i := 0; i < 5; i++ {
		if _, err := led.Transfer(ctx, "alice", "bob", 2592); err != nil {
			t.Fatalf("transfer %d: %v", i, err)
		}
	}

	txs := led.Transactions(0, 0)
	if len(txs) != 6 {
		t.Fatalf("chain length = %d, want 6", len(txs))
	}
	prev := led.Policy().Fingerprint()
	for i, tx := range txs {
		if tx.Seq != uint64(i)+1 {
			t.Fatalf("seq %d at index %d", tx.Seq, i)
		}
		if tx.PrevHash != prev {
			t.Fatalf("broken link at seq %d", tx.Seq)
		}
		prev = tx.Hash
	}

	report, err := led.Verify(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Checked != 6 {
		t.Fatalf("verify checked %d records, want 6", report.Checked)
	}
}

func TestConservationHoldsAcrossOperations(t *testing.T) {
	led := newTestLedger(t)
	ctx := context.Background()
	fund(t, led, "alice", 500_000)
	fund(t, led, "bob", 200_000)

	led.Transfer(ctx, "alice", "bob", 25920)
	led.Transfer(ctx, "bob", "alice", 2592)
	led.Consume(ctx, "alice", 7200)

	var total int64
	for _, account := range []string{led.TreasuryAccount(), led.FeeSinkAccount(), "alice", "bob"} {
		balance, err := led.Balance(account)
		if err != nil {
			t.Fatalf("balance %s: %v", account, err)
		}
		if balance < 0 {
			t.Fatalf("negative balance on %s: %d", account, balance)
		}
		total += balance
	}
	if total != testSupply {
		t.Fatalf("total balance = %d, want %d", total, testSupply)
	}
}

func TestVerifyDetectsTamperingAndHalts(t *testing.T) {
	led := newTestLedger(t)
	ctx := context.Background()
	fund(t, led, "alice", 100_000)
	if _, err := led.Transfer(ctx, "alice", "bob", 2592); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	// 直接篡改内存中的链。
	led.chain[1].AmountDeg += 360

	if _, err := led.Verify(ctx); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("expected ErrChainBroken, got %v", err)
	}
	halted, cause := led.Halted()
	if !halted {
		t.Fatal("ledger must halt after a failed verify")
	}
	if !errors.Is(cause, ErrChainBroken) {
		t.Fatalf("halt cause = %v", cause)
	}

	// 停写闩锁拒绝所有后续写入。
	if _, err := led.Reward(ctx, "bob", 360); !errors.Is(err, ErrLedgerHalted) {
		t.Fatalf("expected ErrLedgerHalted, got %v", err)
	}
}

func TestJournalRestoreRebuildsState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.jsonl")
	ctx := context.Background()

	p, err := policy.Load([]byte(testPolicy))
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}

	store, err := OpenJournalStore(path)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	led, err := New(ctx, p, store, Config{SupplyDeg: testSupply})
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	if _, err := led.Reward(ctx, "alice", 36_000); err != nil {
		t.Fatalf("reward: %v", err)
	}
	if _, err := led.Transfer(ctx, "alice", "bob", 2592); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	aliceBefore, _ := led.Balance("alice")
	headSeq, headHash := led.Head()
	store.Close()

	reopened, err := OpenJournalStore(path)
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	defer reopened.Close()
	restored, err := New(ctx, p, reopened, Config{SupplyDeg: testSupply})
	if err != nil {
		t.Fatalf("reopen ledger: %v", err)
	}

	aliceAfter, err := restored.Balance("alice")
	if err != nil {
		t.Fatalf("restored balance: %v", err)
	}
	if aliceAfter != aliceBefore {
		t.Fatalf("restored alice balance = %d, want %d", aliceAfter, aliceBefore)
	}
	seq, hash := restored.Head()
	if seq != headSeq || hash != headHash {
		t.Fatalf("restored head (%d, %s), want (%d, %s)", seq, hash.Hex(), headSeq, headHash.Hex())
	}
	if _, err := restored.Verify(ctx); err != nil {
		t.Fatalf("verify restored chain: %v", err)
	}
}

func TestReopenRejectsChangedPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.jsonl")
	ctx := context.Background()

	p, err := policy.Load([]byte(testPolicy))
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	store, err := OpenJournalStore(path)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	if _, err := New(ctx, p, store, Config{SupplyDeg: testSupply}); err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	store.Close()

	changed, err := policy.Load([]byte(`
deg_per_unit: 360
founder_bps: 500
min_transfer_deg: 360
base_fee_bps: 50
`))
	if err != nil {
		t.Fatalf("load changed policy: %v", err)
	}
	reopened, err := OpenJournalStore(path)
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	defer reopened.Close()
	if _, err := New(ctx, changed, reopened, Config{SupplyDeg: testSupply}); !errors.Is(err, policy.ErrPolicyMismatch) {
		t.Fatalf("expected ErrPolicyMismatch, got %v", err)
	}
}

func TestRejectsAmountsAboveSupply(t *testing.T) {
	led := newTestLedger(t)
	ctx := context.Background()
	fund(t, led, "alice", 100_000)

	// amount+fee 在 int64 边界附近会回绕为负，余额校验随之失真；
	// 供应量上界必须在余额校验之前拦截。
	huge := int64(math.MaxInt64) - 2591
	if _, err := led.Transfer(ctx, "alice", "bob", huge); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := led.Reward(ctx, "bob", testSupply+2592); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for oversized reward, got %v", err)
	}

	balance, err := led.Balance("alice")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 100_000 {
		t.Fatalf("alice balance = %d, want 100000", balance)
	}
	if _, err := led.Balance("bob"); err == nil {
		t.Fatal("bob must not exist after a rejected transfer")
	}
	if _, err := led.Verify(ctx); err != nil {
		t.Fatalf("verify after rejected ops: %v", err)
	}

	if _, err := led.QuoteFee(policy.OpTransfer, huge); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount from quote, got %v", err)
	}
	if _, err := led.QuoteFee(policy.OpReward, testSupply); err != nil {
		t.Fatalf("quote at supply bound: %v", err)
	}
}

func TestOpenRejectsOversizedSupply(t *testing.T) {
	p, err := policy.Load([]byte(testPolicy))
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if _, err := New(context.Background(), p, NewMemoryStore(), Config{SupplyDeg: math.MaxInt64}); err == nil {
		t.Fatal("supply above the int64 safety bound must be rejected")
	}
}

func TestTransactionsAfterSeqBounds(t *testing.T) {
	led := newTestLedger(t)
	ctx := context.Background()
	fund(t, led, "alice", 100_000)
	if _, err := led.Transfer(ctx, "alice", "bob", 2592); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	// afterSeq 超过链头时必须返回空，而不是负索引切片。
	if txs := led.Transactions(math.MaxUint64, 10); txs != nil {
		t.Fatalf("expected nil for afterSeq beyond head, got %d records", len(txs))
	}
	if txs := led.Transactions(2, 0); txs != nil {
		t.Fatalf("expected nil for afterSeq at head, got %d records", len(txs))
	}
	txs := led.Transactions(1, 10)
	if len(txs) != 1 || txs[0].Seq != 2 {
		t.Fatalf("Transactions(1, 10) = %d records, want the single tx with seq 2", len(txs))
	}
}

// recordingDispatcher 记录收到的告警事件。
type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func TestHaltEmitsIntegrityAlert(t *testing.T) {
	led := newTestLedger(t)
	ctx := context.Background()
	dispatcher := &recordingDispatcher{}
	led.SetAlertDispatcher(dispatcher)

	fund(t, led, "alice", 100_000)
	led.chain[0].AmountDeg += 360

	if _, err := led.Verify(ctx); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("expected ErrChainBroken, got %v", err)
	}
	if len(dispatcher.events) != 1 {
		t.Fatalf("alert events = %d, want 1", len(dispatcher.events))
	}
	if dispatcher.events[0].Code != CodeChainBroken {
		t.Fatalf("alert code = %s, want %s", dispatcher.events[0].Code, CodeChainBroken)
	}

	// 闩锁已触发，重复校验不再重复告警。
	if _, err := led.Verify(ctx); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("expected ErrChainBroken on second verify, got %v", err)
	}
	if len(dispatcher.events) != 1 {
		t.Fatalf("alert events after second verify = %d, want 1", len(dispatcher.events))
	}
}

func TestVerifyRunsConcurrentlyWithReads(t *testing.T) {
	led := newTestLedger(t)
	ctx := context.Background()
	fund(t, led, "alice", 500_000)
	for i := 0; i < 20; i++ {
		if _, err := led.Transfer(ctx, "alice", "bob", 2592); err != nil {
			t.Fatalf("transfer %d: %v", i, err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := led.Balance("alice"); err != nil {
					t.Errorf("balance: %v", err)
					return
				}
				led.Transactions(0, 5)
			}
		}()
	}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if _, err := led.Verify(ctx); err != nil {
					t.Errorf("verify: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
}
