package policy

import (
	"errors"
	"testing"
)

const samplePolicy = `
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

func loadSample(t *testing.T) *Policy {
	t.Helper()
	p, err := Load([]byte(samplePolicy))
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	return p
}

func TestLoadSortsTiersDescending(t *testing.T) {
	p := loadSample(t)
	if len(p.FeeTiers) != 3 {
		t.Fatalf("expected 3 tiers, got %d", len(p.FeeTiers))
	}
	for i := 1; i < len(p.FeeTiers); i++ {
		if p.FeeTiers[i-1].ThresholdDeg <= p.FeeTiers[i].ThresholdDeg {
			t.Fatalf("tiers not sorted descending: %+v", p.FeeTiers)
		}
	}
	if p.FeeTiers[2].RateMilliBps != 314 {
		t.Fatalf("fractional bps tier mis-parsed: %+v", p.FeeTiers[2])
	}
}

func TestLoadRejectsExcessPrecision(t *testing.T) {
	bad := `
deg_per_unit: 360
min_transfer_deg: 2592
base_fee_bps: 50
fee_tiers:
  - threshold_deg: 25920
    bps: 31.41
`
	if _, err := Load([]byte(bad)); err == nil {
		t.Fatal("expected config error for two decimal places")
	}
}

func TestLoadRejectsDuplicateThresholds(t *testing.T) {
	bad := `
deg_per_unit: 360
min_transfer_deg: 2592
base_fee_bps: 50
fee_tiers:
  - threshold_deg: 25920
    bps: 10
  - threshold_deg: 25920
    bps: 20
`
	if _, err := Load([]byte(bad)); err == nil {
		t.Fatal("expected config error for duplicate threshold")
	}
}

func TestFeeForTierSelection(t *testing.T) {
	p := loadSample(t)

	cases := []struct {
		name   string
		op     OpType
		amount int64
		want   int64
	}{
		{"transfer 72TT hits 31.4bps", OpTransfer, 25920, 81},
		{"transfer 720TT hits 99bps", OpTransfer, 259200, 2566},
		{"transfer 7200TT hits 314bps", OpTransfer, 2592000, 81388},
		{"transfer below tiers uses base 50bps", OpTransfer, 10368, 51},
		{"reward always base rate", OpReward, 360, 1},
		{"consume always base rate", OpConsume, 2592000, 12960},
		{"non-positive amount", OpTransfer, 0, 0},
	}
	for _, tc := range cases {
		if got := p.FeeFor(tc.op, tc.amount); got != tc.want {
			t.Fatalf("%s: fee=%d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestFeeStaysBelowAmount(t *testing.T) {
	p := loadSample(t)
	amounts := []int64{1, 359, 2592, 25920, 259200, 2592000, 1 << 40}
	for _, amount := range amounts {
		fee := p.FeeFor(OpTransfer, amount)
		if fee < 0 || fee >= amount {
			t.Fatalf("fee %d out of range for amount %d", fee, amount)
		}
	}
}

func TestCheckQuantumScope(t *testing.T) {
	p := loadSample(t)

	if err := p.CheckQuantum(OpTransfer, 2592); err != nil {
		t.Fatalf("quantum-aligned transfer rejected: %v", err)
	}
	if err := p.CheckQuantum(OpTransfer, 5184); err != nil {
		t.Fatalf("quantum multiple rejected: %v", err)
	}
	if err := p.CheckQuantum(OpTransfer, 360); !errors.Is(err, ErrBelowMinimumQuantum) {
		t.Fatalf("expected ErrBelowMinimumQuantum, got %v", err)
	}
	// reward/consume 不在 scope 内，不做量子校验。
	if err := p.CheckQuantum(OpReward, 360); err != nil {
		t.Fatalf("reward should bypass quantum rule: %v", err)
	}
	if err := p.CheckQuantum(OpConsume, 360); err != nil {
		t.Fatalf("consume should bypass quantum rule: %v", err)
	}
}

func TestFingerprintDetectsTampering(t *testing.T) {
	p := loadSample(t)
	genesis := p.Fingerprint()

	if err := p.Verify(genesis); err != nil {
		t.Fatalf("verify on untouched policy: %v", err)
	}

	p.FeeTiers[0].RateMilliBps++
	if err := p.Verify(genesis); !errors.Is(err, ErrPolicyMismatch) {
		t.Fatalf("expected ErrPolicyMismatch after tier change, got %v", err)
	}
	p.FeeTiers[0].RateMilliBps--
	if err := p.Verify(genesis); err != nil {
		t.Fatalf("verify after restoring field: %v", err)
	}

	p.MinTransferDeg = 360
	if err := p.Verify(genesis); !errors.Is(err, ErrPolicyMismatch) {
		t.Fatalf("expected ErrPolicyMismatch after quantum change, got %v", err)
	}
}

func TestFingerprintIsOrderIndependent(t *testing.T) {
	reordered := `
min_transfer_scope: [transfer]
fee_tiers:
  - threshold_deg: 25920
    bps: 31.4
  - threshold_deg: 2592000
    bps: 314
  - threshold_deg: 259200
    bps: 99
base_fee_bps: 50
min_transfer_deg: 2592
founder_bps: 500
deg_per_unit: 360
`
	a := loadSample(t)
	b, err := Load([]byte(reordered))
	if err != nil {
		t.Fatalf("load reordered policy: %v", err)
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprint must not depend on field order")
	}
}
