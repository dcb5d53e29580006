package distribution

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	xerrors "Teknia-Ledger/internal/errors"
)

const batchArray = `[
  {"id": "knu-1", "group": "physics", "owner": "alice", "effort": 5,
   "impact_primary": 30, "impact_spillover": 10, "status": "accepted",
   "evidence_refs": ["ref-1"], "validated_by": "v1", "validated_at": "2026-08-01T00:00:00Z"},
  {"id": "knu-2", "group": "physics", "owner": "bob", "effort": 3,
   "impact_primary": 15, "impact_spillover": 5, "status": "pending",
   "evidence_refs": [], "validated_by": "", "validated_at": ""}
]`

func TestParseBatchArrayAndEnvelope(t *testing.T) {
	fromArray, err := ParseBatch([]byte(batchArray))
	if err != nil {
		t.Fatalf("parse array: %v", err)
	}
	if len(fromArray) != 2 {
		t.Fatalf("parsed %d records, want 2", len(fromArray))
	}

	envelope := `{"knus": ` + batchArray + `}`
	fromEnvelope, err := ParseBatch([]byte(envelope))
	if err != nil {
		t.Fatalf("parse envelope: %v", err)
	}
	if len(fromEnvelope) != 2 {
		t.Fatalf("parsed %d records from envelope, want 2", len(fromEnvelope))
	}
	if fromEnvelope[0].ID != fromArray[0].ID {
		t.Fatal("envelope and array forms must parse identically")
	}

	if !fromArray[0].Eligible() {
		t.Fatal("accepted knu with evidence must be eligible")
	}
	if fromArray[1].Eligible() {
		t.Fatal("pending knu must not be eligible")
	}
}

func TestParseBatchRejectsBadInput(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"empty", ""},
		{"no records", "[]"},
		{"duplicate id", `[{"id":"a","group":"g","owner":"o"},{"id":"a","group":"g","owner":"o"}]`},
		{"missing owner", `[{"id":"a","group":"g"}]`},
		{"negative score", `[{"id":"a","group":"g","owner":"o","effort":-1}]`},
	}
	for _, tc := range cases {
		if _, err := ParseBatch([]byte(tc.content)); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestLoadBatchFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.json")
	if err := os.WriteFile(path, []byte(batchArray), 0o644); err != nil {
		t.Fatalf("write batch file: %v", err)
	}
	knus, err := LoadBatchFile(path)
	if err != nil {
		t.Fatalf("load batch file: %v", err)
	}
	if len(knus) != 2 {
		t.Fatalf("loaded %d records, want 2", len(knus))
	}
}

func TestSaveReportWritesFile(t *testing.T) {
	svc := newTestService(t, &recordingRewarder{})
	result, err := svc.Distribute(context.Background(), "physics", sampleBatch(), true)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}

	dir := t.TempDir()
	path, err := SaveReport(dir, result)
	if err != nil {
		t.Fatalf("save report: %v", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	text := string(content)
	for _, needle := range []string{result.RunID, `"total_allocated_deg": 54000`, "knu-1"} {
		if !strings.Contains(text, needle) {
			t.Fatalf("report missing %q", needle)
		}
	}
}

func TestEnqueueAndProcessRun(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, &recordingRewarder{})
	store := NewMemoryRunStore()
	queue := NewMemoryQueue(4)
	defer queue.Close()

	enqueuer, err := NewEnqueuer(store, queue)
	if err != nil {
		t.Fatalf("new enqueuer: %v", err)
	}
	run, err := enqueuer.Enqueue(ctx, "physics", sampleBatch(), false)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if run.Status != RunQueued {
		t.Fatalf("run status = %s, want queued", run.Status)
	}

	processor := NewProcessor(svc, store, queue)
	if err := processor.Handle(ctx, run.ID); err != nil {
		t.Fatalf("handle run: %v", err)
	}

	done, err := store.Get(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if done.Status != RunSucceeded {
		t.Fatalf("run status = %s, want succeeded (error: %s)", done.Status, done.Error)
	}
	if done.Result == nil || done.Result.TotalAllocatedDeg != 54000 {
		t.Fatalf("run result missing or wrong: %+v", done.Result)
	}

	// 重复投递同一运行 ID 直接跳过，不再执行第二次。
	if err := processor.Handle(ctx, run.ID); err != nil {
		t.Fatalf("duplicate delivery must be a no-op: %v", err)
	}
}

func TestProcessorMarksFailedRuns(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, &recordingRewarder{})
	store := NewMemoryRunStore()

	enqueuer, err := NewEnqueuer(store, NewMemoryQueue(1))
	if err != nil {
		t.Fatalf("new enqueuer: %v", err)
	}
	run, err := enqueuer.Enqueue(ctx, "botany", sampleBatch(), false)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	processor := NewProcessor(svc, store, nil)
	if err := processor.Handle(ctx, run.ID); xerrors.CodeOf(err) != CodePoolNotFound {
		t.Fatalf("expected POOL_NOT_FOUND, got %v", err)
	}
	failed, err := store.Get(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if failed.Status != RunFailed || failed.Error == "" {
		t.Fatalf("run must be marked failed: %+v", failed)
	}
}
