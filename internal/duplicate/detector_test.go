package duplicate

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/wanghaoxu001/DailyDigest-sub000/internal/db"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/estimator"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/llm"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/news"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/similarity"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/tasks"
)

var shanghai = time.FixedZone("CST", 8*3600)

type stubStore struct {
	mu          sync.Mutex
	digests     map[int64]*db.DigestRow
	digestNews  map[int64][]int64
	news        map[int64]db.NewsRow
	results     map[int64]map[int64]db.DuplicateResultRow
	statusTrail []string
	failStatus  string
}

func newStubStore() *stubStore {
	return &stubStore{
		digests:    map[int64]*db.DigestRow{},
		digestNews: map[int64][]int64{},
		news:       map[int64]db.NewsRow{},
		results:    map[int64]map[int64]db.DuplicateResultRow{},
	}
}

func (s *stubStore) addDigest(id int64, createdAt time.Time, newsIDs ...int64) {
	s.digests[id] = &db.DigestRow{ID: id, CreatedAt: createdAt}
	s.digestNews[id] = newsIDs
}

func (s *stubStore) addNews(id int64, title string, createdAt time.Time) {
	s.news[id] = db.NewsRow{ID: id, Title: title, IsProcessed: true, CreatedAt: createdAt}
}

func (s *stubStore) GetDigest(_ context.Context, digestID int64) (*db.DigestRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	digest, ok := s.digests[digestID]
	if !ok {
		return nil, db.ErrNoRows
	}
	copied := *digest
	return &copied, nil
}

func (s *stubStore) ListDigestsCreatedBetween(_ context.Context, from, to time.Time) ([]db.DigestRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.DigestRow
	for _, digest := range s.digests {
		if !digest.CreatedAt.Before(from) && digest.CreatedAt.Before(to) {
			out = append(out, *digest)
		}
	}
	slices.SortFunc(out, func(a, b db.DigestRow) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

func (s *stubStore) ListDigestNewsIDs(_ context.Context, digestID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.digestNews[digestID]), nil
}

func (s *stubStore) SetDigestDuplicateStatus(_ context.Context, digestID int64, status string, startedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	digest, ok := s.digests[digestID]
	if !ok {
		return db.ErrNoRows
	}
	if status == s.failStatus {
		return errors.New("status write rejected")
	}
	digest.DuplicateStatus = status
	if startedAt != nil {
		digest.DuplicateStartedAt = startedAt
	}
	s.statusTrail = append(s.statusTrail, status)
	return nil
}

func (s *stubStore) MarkDuplicateChecking(_ context.Context, digestID, newsID int64, reset bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.results[digestID] == nil {
		s.results[digestID] = map[int64]db.DuplicateResultRow{}
	}
	if existing, ok := s.results[digestID][newsID]; ok && !reset {
		if existing.Status == StatusDuplicate || existing.Status == StatusNoDuplicate {
			return false, nil
		}
	}
	s.results[digestID][newsID] = db.DuplicateResultRow{DigestID: digestID, NewsID: newsID, Status: StatusChecking, UpdatedAt: time.Now()}
	return true, nil
}

func (s *stubStore) FinishDuplicateResult(_ context.Context, row db.DuplicateResultRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row.UpdatedAt = time.Now()
	s.results[row.DigestID][row.NewsID] = row
	return nil
}

func (s *stubStore) ListDuplicateResults(_ context.Context, digestID int64) ([]db.DuplicateResultRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]db.DuplicateResultRow, 0, len(s.results[digestID]))
	for _, row := range s.results[digestID] {
		out = append(out, row)
	}
	slices.SortFunc(out, func(a, b db.DuplicateResultRow) int { return cmp.Compare(a.NewsID, b.NewsID) })
	return out, nil
}

func (s *stubStore) DeleteDuplicateResults(_ context.Context, digestID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := int64(len(s.results[digestID]))
	delete(s.results, digestID)
	return removed, nil
}

func (s *stubStore) ListNewsByIDs(_ context.Context, ids []int64) ([]db.NewsRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]db.NewsRow, 0, len(ids))
	for _, id := range ids {
		if row, ok := s.news[id]; ok {
			out = append(out, row)
		}
	}
	return out, nil
}

type fakeProvider struct {
	reply string
	err   error
	calls atomic.Int64
}

func (f *fakeProvider) Name() string         { return "fake" }
func (f *fakeProvider) DefaultModel() string { return "fake-model" }
func (f *fakeProvider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &llm.CompletionResponse{Text: f.reply, Model: req.Model}, nil
}

type recorded struct {
	model   string
	success bool
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []recorded
}

func (f *fakeRecorder) Record(_ time.Duration, model string, success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, recorded{model: model, success: success})
}

func newTestDetector(store Store, provider llm.Provider, recorder estimator.Recorder) *Detector {
	scorer := similarity.NewScorer(similarity.ScorerOptions{}, zerolog.Nop())
	return NewDetector(store, provider, scorer, recorder, Config{
		PrefilterEnabled:   true,
		PrefilterThreshold: 0.35,
		ReferenceDays:      3,
		CallTimeout:        time.Second,
		Location:           shanghai,
	}, zerolog.Nop())
}

func newsItem(id int64, title string, createdAt time.Time) news.Item {
	return news.Item{ID: id, Title: title, CreatedAt: createdAt}
}

func TestParseVerdict(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		text      string
		duplicate bool
		score     float64
	}{
		{name: "chinese markdown", text: "1. **关键信息提取：** ...\n2. **相似度评分：** 8\n3. **结论：** [是] - 同一事件", duplicate: true, score: 0.8},
		{name: "chinese plain negative", text: "相似度评分：3\n结论：否", duplicate: false, score: 0.3},
		{name: "ascii colon", text: "相似度评分: 6.5\n结论:是", duplicate: true, score: 0.65},
		{name: "english", text: "Similarity score: 2\nConclusion: no", duplicate: false, score: 0.2},
		{name: "high score overrides", text: "相似度评分：9\n结论：否", duplicate: true, score: 0.9},
		{name: "no score", text: "Conclusion: yes", duplicate: true, score: 0},
		{name: "score clamped", text: "Similarity score: 15", duplicate: true, score: 1},
		{name: "unparseable", text: "I cannot tell.", duplicate: false, score: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			verdict := ParseVerdict(tt.text)
			if verdict.IsDuplicate != tt.duplicate {
				t.Fatalf("unexpected duplicate flag for %q: %v", tt.text, verdict.IsDuplicate)
			}
			if diff := verdict.Score - tt.score; diff > 1e-9 || diff < -1e-9 {
				t.Fatalf("unexpected score for %q: %v", tt.text, verdict.Score)
			}
		})
	}
}

func TestShouldCompare(t *testing.T) {
	t.Parallel()

	detector := newTestDetector(newStubStore(), &fakeProvider{}, nil)
	ctx := context.Background()
	created := time.Date(2025, 5, 19, 8, 0, 0, 0, time.UTC)

	candidate := newsItem(1, "Ivanti修复CVE-2025-22457远程代码执行漏洞", created)
	reference := newsItem(2, "Attackers exploit cve-2025-22457 in the wild", created)
	decision := detector.ShouldCompare(ctx, candidate, reference)
	if !decision.Compare || decision.Similarity != 1 {
		t.Fatalf("expected identifier exemption, got %+v", decision)
	}

	unrelated := newsItem(3, "某银行发布年度财报", created)
	decision = detector.ShouldCompare(ctx, unrelated, reference)
	if decision.Compare {
		t.Fatalf("expected unrelated pair to be skipped, got %+v", decision)
	}

	same := newsItem(4, "某银行发布年度财务报告", created)
	decision = detector.ShouldCompare(ctx, unrelated, same)
	if !decision.Compare || decision.Similarity < 0.35 {
		t.Fatalf("expected similar titles to compare, got %+v", decision)
	}

	disabled := NewDetector(newStubStore(), &fakeProvider{}, nil, nil, Config{}, zerolog.Nop())
	if decision := disabled.ShouldCompare(ctx, unrelated, reference); !decision.Compare {
		t.Fatalf("expected comparison when prefilter is disabled, got %+v", decision)
	}
}

func TestDetectItem_SharedIdentifierIssuesDeepCall(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{reply: "相似度评分：8\n结论：是"}
	recorder := &fakeRecorder{}
	detector := newTestDetector(newStubStore(), provider, recorder)

	created := time.Now().Add(-72 * time.Hour)
	candidate := newsItem(10, "Ivanti修复CVE-2025-22457远程代码执行漏洞", created)
	references := []news.Item{
		newsItem(10, "Ivanti修复CVE-2025-22457远程代码执行漏洞", created),
		newsItem(20, "Attackers exploit CVE-2025-22457 to deploy TRAILBLAZE", created),
		newsItem(30, "Chrome 浏览器发布稳定版更新", created),
		newsItem(40, "Attackers exploit CVE-2025-22457 again", time.Now().Add(time.Hour)),
	}

	result, err := detector.DetectItem(context.Background(), candidate, references)
	if err != nil {
		t.Fatalf("unexpected detect error: %v", err)
	}
	if provider.calls.Load() != 1 {
		t.Fatalf("expected exactly one deep call, got %d", provider.calls.Load())
	}
	if result.Status != StatusDuplicate || result.MatchedNewsID == nil || *result.MatchedNewsID != 20 || result.Score != 0.8 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Comparisons != 2 || result.Skipped != 1 || result.Calls != 1 {
		t.Fatalf("unexpected counters: %+v", result)
	}
	if len(recorder.records) != 1 || !recorder.records[0].success {
		t.Fatalf("expected one successful timing record, got %+v", recorder.records)
	}

	stats := detector.Statistics()
	if stats.TotalComparisons != 2 || stats.PrefilterSkipped != 1 || stats.DuplicatesFound != 1 || stats.SkipRate != 50 {
		t.Fatalf("unexpected statistics: %+v", stats)
	}
	detector.ResetStatistics()
	if detector.Statistics().TotalComparisons != 0 {
		t.Fatalf("expected statistics reset")
	}
}

func TestDetectItem_KeepsBestScoringDuplicate(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{replies: map[string]string{
		"patched":           "相似度评分：7.5\n结论：是",
		"mass exploitation": "相似度评分：9\n结论：是",
		"advisory":          "相似度评分：2\n结论：否",
	}}
	detector := newTestDetector(newStubStore(), provider, nil)

	created := time.Now().Add(-48 * time.Hour)
	candidate := newsItem(10, "CVE-2025-1111 exploited", created)
	references := []news.Item{
		newsItem(20, "CVE-2025-1111 patched", created),
		newsItem(30, "CVE-2025-1111 mass exploitation", created),
		newsItem(40, "CVE-2025-1111 advisory", created),
	}

	result, err := detector.DetectItem(context.Background(), candidate, references)
	if err != nil {
		t.Fatalf("unexpected detect error: %v", err)
	}
	if result.MatchedNewsID == nil || *result.MatchedNewsID != 30 || result.Score != 0.9 {
		t.Fatalf("expected best match 30, got %+v", result)
	}
}

func TestDetectItem_CallFailureIsNotDuplicate(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{err: errors.New("gateway timeout")}
	recorder := &fakeRecorder{}
	detector := newTestDetector(newStubStore(), provider, recorder)

	created := time.Now().Add(-48 * time.Hour)
	result, err := detector.DetectItem(context.Background(),
		newsItem(1, "CVE-2025-3333 exploited", created),
		[]news.Item{newsItem(2, "CVE-2025-3333 exploited widely", created)},
	)
	if err != nil {
		t.Fatalf("call failures must not abort detection: %v", err)
	}
	if result.Status != StatusNoDuplicate || result.Calls != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(recorder.records) != 1 || recorder.records[0].success {
		t.Fatalf("expected failed timing record, got %+v", recorder.records)
	}
}

// scriptedProvider replies by the first reply key found in the prompt.
type scriptedProvider struct {
	replies map[string]string
}

func (s *scriptedProvider) Name() string         { return "scripted" }
func (s *scriptedProvider) DefaultModel() string { return "scripted-model" }
func (s *scriptedProvider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	for marker, reply := range s.replies {
		if strings.Contains(req.Prompt, marker) {
			return &llm.CompletionResponse{Text: reply}, nil
		}
	}
	return nil, llm.ErrEmptyResponse
}

func TestReferenceDigests_LastPerPriorDay(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	store.addDigest(10, time.Date(2025, 5, 20, 2, 0, 0, 0, time.UTC))
	store.addDigest(11, time.Date(2025, 5, 19, 17, 0, 0, 0, time.UTC)) // 20th 01:00 local, same day
	store.addDigest(9, time.Date(2025, 5, 19, 12, 0, 0, 0, time.UTC))
	store.addDigest(8, time.Date(2025, 5, 19, 1, 0, 0, 0, time.UTC))
	store.addDigest(7, time.Date(2025, 5, 18, 10, 0, 0, 0, time.UTC))
	store.addDigest(6, time.Date(2025, 5, 17, 15, 0, 0, 0, time.UTC))
	store.addDigest(5, time.Date(2025, 5, 16, 15, 0, 0, 0, time.UTC))

	detector := newTestDetector(store, &fakeProvider{}, nil)
	digests, err := detector.ReferenceDigests(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected reference error: %v", err)
	}

	ids := make([]int64, 0, len(digests))
	for _, digest := range digests {
		ids = append(ids, digest.ID)
	}
	if !slices.Equal(ids, []int64{9, 7, 6}) {
		t.Fatalf("unexpected reference digests: %v", ids)
	}
}

func TestCollectReferenceNews_Dedupes(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	created := time.Now().Add(-48 * time.Hour)
	store.addNews(3, "c", created)
	store.addNews(1, "a", created)
	store.addNews(2, "b", created)
	detector := newTestDetector(store, &fakeProvider{}, nil)

	store.digestNews[7] = []int64{3, 1}
	store.digestNews[8] = []int64{1, 2}
	items, err := detector.CollectReferenceNews(context.Background(), []db.DigestRow{{ID: 7}, {ID: 8}})
	if err != nil {
		t.Fatalf("unexpected collect error: %v", err)
	}
	if len(items) != 3 || items[0].ID != 1 || items[2].ID != 3 {
		t.Fatalf("unexpected reference news: %+v", items)
	}
}

type fakeLedger struct {
	mu        sync.Mutex
	busy      bool
	completed []tasks.CompleteParams
	failed    []tasks.FailParams
	progress  int
}

func (f *fakeLedger) AcquireLock(context.Context, string, string) (*db.TaskExecutionRow, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return nil, false, nil
	}
	return &db.TaskExecutionRow{ID: 1, TaskType: tasks.TypeDuplicateDetection}, true, nil
}

func (f *fakeLedger) UpdateProgress(context.Context, int64, int, int, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress++
	return nil
}

func (f *fakeLedger) Complete(_ context.Context, _ int64, params tasks.CompleteParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, params)
	return nil
}

func (f *fakeLedger) Fail(_ context.Context, _ int64, params tasks.FailParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, params)
	return nil
}
