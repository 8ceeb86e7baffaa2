package duplicate

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/wanghaoxu001/DailyDigest-sub000/internal/estimator"
)

// publishedScenario holds digest 10 (news 101, 102) and a prior-day digest 9 (news 1, 2).
// News 101 shares an identifier with news 1; news 102 is unrelated to both references.
func publishedScenario() *stubStore {
	store := newStubStore()
	digestDay := time.Now().Add(-24 * time.Hour).UTC()
	store.addDigest(10, digestDay, 101, 102)
	store.addDigest(9, digestDay.Add(-24*time.Hour), 1, 2)

	referenceCreated := digestDay.Add(-30 * time.Hour)
	store.addNews(1, "Attackers exploit CVE-2025-22457 to deploy TRAILBLAZE", referenceCreated)
	store.addNews(2, "Chrome 浏览器发布稳定版更新", referenceCreated)
	store.addNews(101, "Ivanti修复CVE-2025-22457远程代码执行漏洞", digestDay)
	store.addNews(102, "欧洲某能源公司遭勒索软件攻击", digestDay)
	return store
}

func TestRunner_RunMarksDuplicates(t *testing.T) {
	t.Parallel()

	store := publishedScenario()
	provider := &fakeProvider{reply: "相似度评分：9\n结论：是"}
	ledger := &fakeLedger{}
	runner := NewRunner(newTestDetector(store, provider, nil), store, ledger, nil, zerolog.Nop())

	if err := runner.Run(context.Background(), 10, nil); err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}

	if !slices.Equal(store.statusTrail, []string{DigestPending, DigestRunning, DigestCompleted}) {
		t.Fatalf("unexpected status trail: %v", store.statusTrail)
	}
	if provider.calls.Load() != 1 {
		t.Fatalf("expected one deep call, got %d", provider.calls.Load())
	}

	report, err := runner.Status(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected status error: %v", err)
	}
	if report.Status != DigestCompleted || report.StartedAt == nil || len(report.Items) != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	dup := report.Items[101]
	if dup.Status != StatusDuplicate || dup.DuplicateWithNewsID == nil || *dup.DuplicateWithNewsID != 1 || *dup.SimilarityScore != 0.9 {
		t.Fatalf("unexpected duplicate row: %+v", dup)
	}
	if report.Items[102].Status != StatusNoDuplicate || report.Items[102].CheckedAt == nil {
		t.Fatalf("unexpected distinct row: %+v", report.Items[102])
	}

	if len(ledger.completed) != 1 || *ledger.completed[0].ItemsProcessed != 2 || *ledger.completed[0].ItemsSuccess != 1 {
		t.Fatalf("unexpected ledger completion: %+v", ledger.completed)
	}
	if ledger.progress != 2 {
		t.Fatalf("expected progress per item, got %d", ledger.progress)
	}
}

func TestRunner_NoReferencesCompletes(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	store.addDigest(10, time.Now().UTC(), 101)
	store.addNews(101, "独立新闻", time.Now())
	runner := NewRunner(newTestDetector(store, &fakeProvider{}, nil), store, nil, nil, zerolog.Nop())

	if err := runner.Run(context.Background(), 10, nil); err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	if store.digests[10].DuplicateStatus != DigestCompleted {
		t.Fatalf("expected completed status, got %q", store.digests[10].DuplicateStatus)
	}
	row, ok := store.results[10][101]
	if !ok || row.Status != StatusNoDuplicate || row.CheckedAt == nil {
		t.Fatalf("expected a no_duplicate row for news 101, got %+v", row)
	}
}

func TestRunner_RunKeepsFinalVerdicts(t *testing.T) {
	t.Parallel()

	store := publishedScenario()
	provider := &fakeProvider{reply: "相似度评分：9\n结论：是"}
	runner := NewRunner(newTestDetector(store, provider, nil), store, nil, nil, zerolog.Nop())
	ctx := context.Background()

	if err := runner.Run(ctx, 10, nil); err != nil {
		t.Fatalf("unexpected first run error: %v", err)
	}
	provider.reply = "结论：否"
	if err := runner.Run(ctx, 10, nil); err != nil {
		t.Fatalf("unexpected second run error: %v", err)
	}
	if provider.calls.Load() != 1 {
		t.Fatalf("expected finished items to be kept without new calls, got %d calls", provider.calls.Load())
	}
	if store.results[10][101].Status != StatusDuplicate {
		t.Fatalf("expected the duplicate verdict to survive a plain run, got %+v", store.results[10][101])
	}

	if err := runner.Retrigger(ctx, 10, nil); err != nil {
		t.Fatalf("unexpected retrigger error: %v", err)
	}
	runner.Wait()
	if provider.calls.Load() != 2 || store.results[10][101].Status != StatusNoDuplicate {
		t.Fatalf("expected retrigger to recompute, calls=%d row=%+v", provider.calls.Load(), store.results[10][101])
	}
}

func TestRunner_LogsFailedStatusWrite(t *testing.T) {
	t.Parallel()

	store := publishedScenario()
	store.failStatus = DigestFailed
	var logs bytes.Buffer
	runner := NewRunner(newTestDetector(store, &fakeProvider{}, nil), store, &fakeLedger{busy: true}, nil, zerolog.New(&logs))

	if err := runner.Run(context.Background(), 10, nil); !errors.Is(err, ErrLockBusy) {
		t.Fatalf("expected ErrLockBusy, got %v", err)
	}
	out := logs.String()
	if !strings.Contains(out, "failed to mark duplicate detection failed") || !strings.Contains(out, `"level":"warn"`) {
		t.Fatalf("expected a warn log for the failed status write, got %q", out)
	}
}

func TestRunner_LockBusyFailsRun(t *testing.T) {
	t.Parallel()

	store := publishedScenario()
	provider := &fakeProvider{reply: "结论：否"}
	runner := NewRunner(newTestDetector(store, provider, nil), store, &fakeLedger{busy: true}, nil, zerolog.Nop())

	err := runner.Run(context.Background(), 10, nil)
	if !errors.Is(err, ErrLockBusy) {
		t.Fatalf("expected ErrLockBusy, got %v", err)
	}
	if store.digests[10].DuplicateStatus != DigestFailed || provider.calls.Load() != 0 {
		t.Fatalf("expected failed run without calls, status=%q calls=%d", store.digests[10].DuplicateStatus, provider.calls.Load())
	}
}

func TestRunner_StartAndRetrigger(t *testing.T) {
	t.Parallel()

	store := publishedScenario()
	provider := &fakeProvider{reply: "相似度评分：8\n结论：是"}
	runner := NewRunner(newTestDetector(store, provider, nil), store, nil, nil, zerolog.Nop())
	ctx := context.Background()

	if err := runner.Start(ctx, 10, []int64{101}); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	runner.Wait()

	report, _ := runner.Status(ctx, 10)
	if report.Status != DigestCompleted || len(report.Items) != 1 {
		t.Fatalf("unexpected report after start: %+v", report)
	}

	if err := runner.Retrigger(ctx, 10, nil); err != nil {
		t.Fatalf("unexpected retrigger error: %v", err)
	}
	runner.Wait()

	report, _ = runner.Status(ctx, 10)
	if report.Status != DigestCompleted || len(report.Items) != 2 {
		t.Fatalf("unexpected report after retrigger: %+v", report)
	}

	removed, err := runner.Clear(ctx, 10)
	if err != nil || removed != 2 {
		t.Fatalf("unexpected clear result: %d %v", removed, err)
	}

	if err := runner.Start(ctx, 404, []int64{1}); !errors.Is(err, ErrDigestNotFound) {
		t.Fatalf("expected ErrDigestNotFound, got %v", err)
	}
	if _, err := runner.Status(ctx, 404); !errors.Is(err, ErrDigestNotFound) {
		t.Fatalf("expected ErrDigestNotFound, got %v", err)
	}
}

func TestRunner_EstimateAndProgress(t *testing.T) {
	t.Parallel()

	store := publishedScenario()
	timer := estimator.NewTimer(0, zerolog.Nop())
	runner := NewRunner(newTestDetector(store, &fakeProvider{reply: "结论：否"}, timer), store, nil, timer, zerolog.Nop())
	ctx := context.Background()

	estimate, err := runner.Estimate(ctx, 10, nil)
	if err != nil {
		t.Fatalf("unexpected estimate error: %v", err)
	}
	if estimate.TotalComparisons != 4 || estimate.CurrentNewsCount != 2 || estimate.ReferenceNewsCount != 2 {
		t.Fatalf("unexpected estimate: %+v", estimate)
	}

	if err := runner.Run(ctx, 10, nil); err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	progress, err := runner.Progress(ctx, 10)
	if err != nil {
		t.Fatalf("unexpected progress error: %v", err)
	}
	if progress.CompletedComparisons != 4 || progress.TotalComparisons != 4 || progress.Percent != 100 {
		t.Fatalf("unexpected progress: %+v", progress)
	}
}
