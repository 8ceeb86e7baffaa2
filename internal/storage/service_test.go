package storage

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/wanghaoxu001/DailyDigest-sub000/internal/db"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/grouping"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/similarity"
)

type stubStore struct {
	mu           sync.Mutex
	news         []db.NewsRow
	similarities map[db.PairKey]db.SimilarityRow
	groups       map[string]db.EventGroupRow
	members      map[int64]db.MembershipRow
	cache        map[string]db.GroupCacheRow
	insertErr    error
	inserts      int
	deleted      bool
	cleared      bool
}

func newStubStore(rows []db.NewsRow) *stubStore {
	return &stubStore{
		news:         rows,
		similarities: map[db.PairKey]db.SimilarityRow{},
		groups:       map[string]db.EventGroupRow{},
		members:      map[int64]db.MembershipRow{},
		cache:        map[string]db.GroupCacheRow{},
	}
}

func (s *stubStore) ListProcessedNewsSince(ctx context.Context, since time.Time) ([]db.NewsRow, error) {
	return s.ListFilteredNews(ctx, db.NewsFilter{Since: since})
}

func (s *stubStore) ListFilteredNews(_ context.Context, filter db.NewsFilter) ([]db.NewsRow, error) {
	out := make([]db.NewsRow, 0, len(s.news))
	for _, row := range s.news {
		if row.CreatedAt.Before(filter.Since) {
			continue
		}
		if len(filter.Categories) > 0 && !slices.Contains(filter.Categories, row.Category) {
			continue
		}
		if len(filter.SourceIDs) > 0 && !slices.Contains(filter.SourceIDs, row.SourceID) {
			continue
		}
		if filter.ExcludeUsed && row.IsUsedInDigest {
			continue
		}
		if filter.OnlyUsed && !row.IsUsedInDigest {
			continue
		}
		out = append(out, row)
	}
	slices.SortFunc(out, func(a, b db.NewsRow) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

func (s *stubStore) ListNewsByIDs(_ context.Context, ids []int64) ([]db.NewsRow, error) {
	out := []db.NewsRow{}
	for _, row := range s.news {
		if slices.Contains(ids, row.ID) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *stubStore) ListSimilarityPairsSince(context.Context, time.Time) ([]db.PairKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]db.PairKey, 0, len(s.similarities))
	for key := range s.similarities {
		out = append(out, key)
	}
	return out, nil
}

func (s *stubStore) InsertSimilarities(_ context.Context, rows []db.SimilarityRow) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts++
	if s.insertErr != nil {
		return 0, s.insertErr
	}
	var inserted int64
	for _, row := range rows {
		key := db.NewPairKey(row.NewsID1, row.NewsID2)
		if _, ok := s.similarities[key]; ok {
			continue
		}
		s.similarities[key] = row
		inserted++
	}
	return inserted, nil
}

func (s *stubStore) DeleteSimilaritiesSince(context.Context, time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = true
	removed := int64(len(s.similarities))
	s.similarities = map[db.PairKey]db.SimilarityRow{}
	return removed, nil
}

func (s *stubStore) ListEdgesSince(_ context.Context, _ time.Time, minScore float64) ([]db.SimilarityRow, error) {
	out := []db.SimilarityRow{}
	for _, row := range s.similarities {
		if row.IsSameEvent || row.SimilarityScore >= minScore {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *stubStore) QuerySimilarityStats(context.Context, float64, time.Time) (db.SimilarityStats, error) {
	return db.SimilarityStats{TotalSimilarities: int64(len(s.similarities)), TotalGroups: int64(len(s.groups))}, nil
}

func (s *stubStore) ClearMembershipsSince(context.Context, time.Time) (int64, error) {
	s.cleared = true
	removed := int64(len(s.members))
	s.members = map[int64]db.MembershipRow{}
	s.groups = map[string]db.EventGroupRow{}
	return removed, nil
}

func (s *stubStore) ReplaceEventGroup(_ context.Context, group db.EventGroupRow, members []db.MembershipRow) error {
	s.groups[group.GroupID] = group
	for _, member := range members {
		s.members[member.NewsID] = member
	}
	return nil
}

func (s *stubStore) ListGroupsContaining(_ context.Context, newsIDs []int64, _ time.Time) ([]db.EventGroupRow, error) {
	ids := map[string]bool{}
	for _, id := range newsIDs {
		if member, ok := s.members[id]; ok {
			ids[member.GroupID] = true
		}
	}
	out := []db.EventGroupRow{}
	for id := range ids {
		out = append(out, s.groups[id])
	}
	slices.SortFunc(out, func(a, b db.EventGroupRow) int {
		if a.GroupID < b.GroupID {
			return -1
		}
		return 1
	})
	return out, nil
}

func (s *stubStore) ListMemberships(_ context.Context, groupIDs []string) ([]db.MembershipRow, error) {
	out := []db.MembershipRow{}
	for _, member := range s.members {
		if slices.Contains(groupIDs, member.GroupID) {
			out = append(out, member)
		}
	}
	slices.SortFunc(out, func(a, b db.MembershipRow) int {
		if a.IsPrimary != b.IsPrimary {
			if a.IsPrimary {
				return -1
			}
			return 1
		}
		return int(a.NewsID - b.NewsID)
	})
	return out, nil
}

func (s *stubStore) CleanupBefore(context.Context, time.Time) (db.CleanupCounts, error) {
	return db.CleanupCounts{Similarities: 2, Memberships: 1}, nil
}

func (s *stubStore) GetLiveGroupCache(_ context.Context, key string, now time.Time) (*db.GroupCacheRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.cache[key]
	if !ok || !row.ExpiresAt.After(now) {
		return nil, db.ErrNoRows
	}
	return &row, nil
}

func (s *stubStore) UpsertGroupCache(_ context.Context, row db.GroupCacheRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[row.CacheKey] = row
	return nil
}

func (s *stubStore) DeleteAllGroupCache(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := int64(len(s.cache))
	s.cache = map[string]db.GroupCacheRow{}
	return removed, nil
}

func (s *stubStore) DeleteGroupCacheBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func entitiesJSON(t *testing.T, pairs ...string) json.RawMessage {
	t.Helper()
	payload := make([]map[string]string, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		payload = append(payload, map[string]string{"type": pairs[i], "value": pairs[i+1]})
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	return encoded
}

// scenarioRows holds one incident reported three times plus two unrelated items.
func scenarioRows(t *testing.T) []db.NewsRow {
	t.Helper()
	base := time.Now().UTC().Add(-time.Hour)
	incident := entitiesJSON(t, "组织", "甲公司", "攻击者", "乙组织")
	return []db.NewsRow{
		{ID: 1, SourceID: 10, Title: "甲公司遭勒索软件攻击", Category: "安全事件", Entities: incident, IsProcessed: true, CreatedAt: base},
		{ID: 2, SourceID: 20, Title: "甲公司遭到勒索软件攻击", Category: "安全事件", Entities: incident, IsProcessed: true, CreatedAt: base.Add(-2 * time.Hour)},
		{ID: 3, SourceID: 30, Title: "丙银行发布季度财报", Category: "其他", Entities: entitiesJSON(t, "组织", "丙银行", "行业", "金融"), IsProcessed: true, CreatedAt: base.Add(-3 * time.Hour)},
		{ID: 4, SourceID: 10, Title: "乙组织对甲公司发动勒索软件攻击", Category: "安全事件", Entities: incident, IsProcessed: true, CreatedAt: base.Add(-5 * time.Hour)},
		{ID: 5, SourceID: 50, Title: "某浏览器发布安全更新", Category: "漏洞", Entities: entitiesJSON(t, "产品", "浏览器", "组织", "谷歌"), IsProcessed: true, CreatedAt: base.Add(-6 * time.Hour)},
	}
}

func newTestService(store Store, workers int) *Service {
	factory := func() *similarity.Scorer {
		return similarity.NewScorer(similarity.ScorerOptions{}, zerolog.Nop())
	}
	return NewService(store, factory(), Options{Workers: workers, BatchSize: 3, NewScorer: factory}, zerolog.Nop())
}

func TestComputeAndStoreSimilarities_IsIdempotent(t *testing.T) {
	t.Parallel()

	store := newStubStore(scenarioRows(t))
	service := newTestService(store, 2)

	first, err := service.ComputeAndStoreSimilarities(context.Background(), SimilarityOptions{Hours: 48, Parallel: true})
	if err != nil {
		t.Fatalf("unexpected compute error: %v", err)
	}
	if first.NewSimilarities == 0 {
		t.Fatalf("expected stored similarities on first run, got %+v", first)
	}
	if _, ok := store.similarities[db.NewPairKey(1, 2)]; !ok {
		t.Fatalf("expected incident pair to be stored")
	}
	for key, row := range store.similarities {
		if row.SimilarityScore < PersistenceFloor {
			t.Fatalf("pair %+v stored below persistence floor: %f", key, row.SimilarityScore)
		}
		if row.CalculationVersion != CalculationVersion {
			t.Fatalf("unexpected calculation version: %s", row.CalculationVersion)
		}
	}

	second, err := service.ComputeAndStoreSimilarities(context.Background(), SimilarityOptions{Hours: 48, Parallel: true})
	if err != nil {
		t.Fatalf("unexpected compute error: %v", err)
	}
	if second.NewSimilarities != 0 {
		t.Fatalf("expected no new rows on second run, got %d", second.NewSimilarities)
	}
	if second.SkippedExisting != len(store.similarities) {
		t.Fatalf("expected stored pairs to be skipped, got %d of %d", second.SkippedExisting, len(store.similarities))
	}
}

func TestComputeAndStoreSimilarities_ForceRecomputes(t *testing.T) {
	t.Parallel()

	store := newStubStore(scenarioRows(t))
	service := newTestService(store, 1)

	if _, err := service.ComputeAndStoreSimilarities(context.Background(), SimilarityOptions{Hours: 48}); err != nil {
		t.Fatalf("unexpected compute error: %v", err)
	}
	stored := len(store.similarities)

	result, err := service.ComputeAndStoreSimilarities(context.Background(), SimilarityOptions{Hours: 48, Force: true})
	if err != nil {
		t.Fatalf("unexpected compute error: %v", err)
	}
	if !store.deleted {
		t.Fatalf("expected force to clear stored similarities")
	}
	if result.SkippedExisting != 0 || result.NewSimilarities != int64(stored) {
		t.Fatalf("unexpected forced result: %+v (stored before %d)", result, stored)
	}
}

func TestComputeAndStoreSimilarities_ReportsProgress(t *testing.T) {
	t.Parallel()

	store := newStubStore(scenarioRows(t))
	service := newTestService(store, 3)

	var calls []int
	lastTotal := 0
	result, err := service.ComputeAndStoreSimilarities(context.Background(), SimilarityOptions{
		Hours:    48,
		Parallel: true,
		Progress: func(done, total int) {
			calls = append(calls, done)
			lastTotal = total
		},
	})
	if err != nil {
		t.Fatalf("unexpected compute error: %v", err)
	}
	if result.Batches == 0 || len(calls) != result.Batches {
		t.Fatalf("expected one progress call per batch, got %d for %d batches", len(calls), result.Batches)
	}
	if calls[len(calls)-1] != lastTotal {
		t.Fatalf("expected final progress to reach total, got %v of %d", calls, lastTotal)
	}
}

func TestComputeAndStoreSimilarities_StoreFailureAborts(t *testing.T) {
	t.Parallel()

	storeErr := errors.New("disk full")
	store := newStubStore(scenarioRows(t))
	store.insertErr = storeErr
	service := newTestService(store, 2)

	if _, err := service.ComputeAndStoreSimilarities(context.Background(), SimilarityOptions{Hours: 48, Parallel: true}); !errors.Is(err, storeErr) {
		t.Fatalf("expected store error, got %v", err)
	}
}

func TestComputeAndStoreEventGroups_RebuildsFromEdges(t *testing.T) {
	t.Parallel()

	store := newStubStore(scenarioRows(t))
	store.similarities[db.NewPairKey(1, 2)] = db.SimilarityRow{NewsID1: 1, NewsID2: 2, SimilarityScore: 0.9, IsSameEvent: true}
	store.similarities[db.NewPairKey(2, 4)] = db.SimilarityRow{NewsID1: 2, NewsID2: 4, SimilarityScore: 0.8, IsSameEvent: true}
	store.similarities[db.NewPairKey(3, 5)] = db.SimilarityRow{NewsID1: 3, NewsID2: 5, SimilarityScore: 0.4}
	service := newTestService(store, 1)

	result, err := service.ComputeAndStoreEventGroups(context.Background(), GroupOptions{Hours: 48, Force: true})
	if err != nil {
		t.Fatalf("unexpected grouping error: %v", err)
	}
	if !store.cleared {
		t.Fatalf("expected force to clear memberships")
	}
	if result.GroupsCreated != 3 || result.MultiNewsGroups != 1 {
		t.Fatalf("unexpected group result: %+v", result)
	}

	primary := store.members[1]
	if !primary.IsPrimary || store.members[2].GroupID != primary.GroupID || store.members[4].GroupID != primary.GroupID {
		t.Fatalf("expected items 1, 2 and 4 in one group: %+v", store.members)
	}
	if store.members[4].SimilarityToPrimary != 0.8 {
		t.Fatalf("unexpected similarity to primary: %f", store.members[4].SimilarityToPrimary)
	}
	group := store.groups[primary.GroupID]
	if group.NewsCount != 3 || group.SourcesCount != 2 || group.LatestNewsTime == nil {
		t.Fatalf("unexpected stored group: %+v", group)
	}
}

func memberCoverage(groups []grouping.Group) map[int64]int {
	seen := map[int64]int{}
	for _, group := range groups {
		for _, id := range group.MemberIDs() {
			seen[id]++
		}
	}
	return seen
}

func TestGetPrecomputedGroups_CoversEveryQualifyingItem(t *testing.T) {
	t.Parallel()

	rows := scenarioRows(t)
	rows[0].IsUsedInDigest = true
	store := newStubStore(rows)
	store.similarities[db.NewPairKey(1, 2)] = db.SimilarityRow{NewsID1: 1, NewsID2: 2, SimilarityScore: 0.9, IsSameEvent: true}
	store.similarities[db.NewPairKey(1, 4)] = db.SimilarityRow{NewsID1: 1, NewsID2: 4, SimilarityScore: 0.85, IsSameEvent: true}
	service := newTestService(store, 1)

	if _, err := service.ComputeAndStoreEventGroups(context.Background(), GroupOptions{Hours: 48}); err != nil {
		t.Fatalf("unexpected grouping error: %v", err)
	}

	// Item 5 has no stored group; the incident primary is used and filtered out.
	delete(store.members, 5)

	groups, err := service.GetPrecomputedGroups(context.Background(), GroupFilter{Hours: 24, ExcludeUsed: true})
	if err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}

	seen := memberCoverage(groups)
	if len(seen) != 4 {
		t.Fatalf("unexpected covered ids: %v", seen)
	}
	for _, id := range []int64{2, 3, 4, 5} {
		if seen[id] != 1 {
			t.Fatalf("expected id %d exactly once, got %d", id, seen[id])
		}
	}
	if seen[1] != 0 {
		t.Fatalf("used item returned despite exclusion")
	}
}

func TestGetPrecomputedGroups_FiltersMembersByCategory(t *testing.T) {
	t.Parallel()

	store := newStubStore(scenarioRows(t))
	store.similarities[db.NewPairKey(1, 2)] = db.SimilarityRow{NewsID1: 1, NewsID2: 2, SimilarityScore: 0.9, IsSameEvent: true}
	store.similarities[db.NewPairKey(2, 3)] = db.SimilarityRow{NewsID1: 2, NewsID2: 3, SimilarityScore: 0.8, IsSameEvent: true}
	service := newTestService(store, 1)

	if _, err := service.ComputeAndStoreEventGroups(context.Background(), GroupOptions{Hours: 48}); err != nil {
		t.Fatalf("unexpected grouping error: %v", err)
	}

	groups, err := service.GetPrecomputedGroups(context.Background(), GroupFilter{Hours: 24, Categories: []string{"安全事件"}})
	if err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}

	seen := memberCoverage(groups)
	if len(seen) != 3 || seen[1] != 1 || seen[2] != 1 || seen[4] != 1 {
		t.Fatalf("unexpected coverage: %v", seen)
	}
	if groups[0].Primary.ID != 1 || groups[0].NewsCount != 2 {
		t.Fatalf("expected filtered incident group first, got %+v", groups[0])
	}
}

func TestGetPrecomputedGroups_EmptyWindow(t *testing.T) {
	t.Parallel()

	service := newTestService(newStubStore(nil), 1)
	groups, err := service.GetPrecomputedGroups(context.Background(), GroupFilter{})
	if err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if len(groups) != 0 {
		t.Fatalf("expected no groups, got %d", len(groups))
	}
}

func TestFindSimilar_UnknownNews(t *testing.T) {
	t.Parallel()

	service := newTestService(newStubStore(scenarioRows(t)), 1)
	if _, err := service.FindSimilar(context.Background(), 404, 48); !errors.Is(err, ErrNewsNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	matches, err := service.FindSimilar(context.Background(), 1, 48)
	if err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if len(matches) == 0 || matches[0].Item.ID != 2 {
		t.Fatalf("unexpected matches: %+v", matches)
	}
}

func TestCleanupOld_DefaultsRetention(t *testing.T) {
	t.Parallel()

	service := newTestService(newStubStore(nil), 1)
	result, err := service.CleanupOld(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected cleanup error: %v", err)
	}
	if result.Days != DefaultRetentionDays || result.Similarities != 2 || result.Memberships != 1 {
		t.Fatalf("unexpected cleanup result: %+v", result)
	}
}

func TestServiceNotInitialized(t *testing.T) {
	t.Parallel()

	var service *Service
	if _, err := service.Statistics(context.Background()); err == nil {
		t.Fatalf("expected nil service error")
	}
}
