package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wanghaoxu001/DailyDigest-sub000/internal/db"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/globaltime"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/grouping"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/metrics"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/news"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/similarity"
)

var ErrNewsNotFound = errors.New("news item not found")

type GroupOptions struct {
	Hours int
	// Force drops memberships of items in the window before rebuilding.
	Force bool
}

type GroupResult struct {
	TotalNews       int           `json:"total_news"`
	Edges           int           `json:"edges"`
	GroupsCreated   int           `json:"groups_created"`
	MultiNewsGroups int           `json:"multi_news_groups"`
	Cleared         int64         `json:"cleared_memberships,omitempty"`
	Elapsed         time.Duration `json:"elapsed"`
}

// ComputeAndStoreEventGroups rebuilds event groups for the window from persisted same-event edges.
// Every group is written with its full membership in its own transaction.
func (s *Service) ComputeAndStoreEventGroups(ctx context.Context, opts GroupOptions) (GroupResult, error) {
	if err := s.ready(); err != nil {
		return GroupResult{}, err
	}

	started := time.Now()
	since := windowStart(opts.Hours)
	var result GroupResult

	rows, err := s.store.ListProcessedNewsSince(ctx, since)
	if err != nil {
		return result, fmt.Errorf("load news for grouping: %w", err)
	}
	items := news.ItemsFromRows(rows, s.logger)
	result.TotalNews = len(items)
	if len(items) == 0 {
		s.logger.Info().Msg("no news to group")
		return result, nil
	}

	if opts.Force {
		cleared, err := s.store.ClearMembershipsSince(ctx, since)
		if err != nil {
			return result, fmt.Errorf("clear group memberships: %w", err)
		}
		result.Cleared = cleared
	}

	edgeRows, err := s.store.ListEdgesSince(ctx, since, similarity.SameEventThreshold)
	if err != nil {
		return result, fmt.Errorf("load similarity edges: %w", err)
	}
	edges := make([]grouping.Edge, 0, len(edgeRows))
	for _, row := range edgeRows {
		edges = append(edges, grouping.Edge{
			A:         row.NewsID1,
			B:         row.NewsID2,
			Score:     row.SimilarityScore,
			SameEvent: row.IsSameEvent,
		})
	}
	result.Edges = len(edges)

	groups := grouping.FromEdges(items, edges, similarity.SameEventThreshold, globaltime.UTC())
	for _, group := range groups {
		row, members, err := groupToRows(group)
		if err != nil {
			return result, err
		}
		if err := s.store.ReplaceEventGroup(ctx, row, members); err != nil {
			return result, fmt.Errorf("store event group %s: %w", group.ID, err)
		}
		result.GroupsCreated++
		if !group.Standalone {
			result.MultiNewsGroups++
		}
		metrics.EventGroupsStored.Inc()
	}
	result.Elapsed = time.Since(started)

	s.logger.Info().
		Int("news", result.TotalNews).
		Int("edges", result.Edges).
		Int("groups", result.GroupsCreated).
		Int("multi_news_groups", result.MultiNewsGroups).
		Dur("elapsed", result.Elapsed).
		Msg("event groups stored")
	return result, nil
}

func groupToRows(group grouping.Group) (db.EventGroupRow, []db.MembershipRow, error) {
	entities, err := json.Marshal(group.Entities)
	if err != nil {
		return db.EventGroupRow{}, nil, fmt.Errorf("encode group entities: %w", err)
	}

	earliest := group.Earliest
	latest := group.Latest
	row := db.EventGroupRow{
		GroupID:             group.ID,
		EventLabel:          group.EventLabel,
		PrimaryNewsID:       group.Primary.ID,
		NewsCount:           group.NewsCount,
		SourcesCount:        len(group.Sources),
		KeyEntities:         entities,
		SimilarityThreshold: similarity.SameEventThreshold,
		CalculationVersion:  CalculationVersion,
		EarliestNewsTime:    &earliest,
		LatestNewsTime:      &latest,
	}

	members := make([]db.MembershipRow, 0, group.NewsCount)
	members = append(members, db.MembershipRow{
		GroupID:             group.ID,
		NewsID:              group.Primary.ID,
		IsPrimary:           true,
		SimilarityToPrimary: 1,
	})
	for _, related := range group.Related {
		members = append(members, db.MembershipRow{
			GroupID:             group.ID,
			NewsID:              related.ID,
			SimilarityToPrimary: group.SimilarityScores[related.ID],
		})
	}
	return row, members, nil
}

// GroupFilter selects the items a caller wants grouped.
type GroupFilter struct {
	Hours       int      `json:"hours"`
	Categories  []string `json:"categories,omitempty"`
	SourceIDs   []int64  `json:"source_ids,omitempty"`
	ExcludeUsed bool     `json:"exclude_used"`
}

func (f GroupFilter) hours() int {
	if f.Hours <= 0 {
		return DefaultGroupHours
	}
	return f.Hours
}

// GetPrecomputedGroups returns stored groups restricted to items passing filter. Every qualifying
// item appears in exactly one returned group: members orphaned by a filtered-out primary, and items
// no stored group covers, are returned as standalone groups.
func (s *Service) GetPrecomputedGroups(ctx context.Context, filter GroupFilter) ([]grouping.Group, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	now := globaltime.UTC()
	since := now.Add(-time.Duration(filter.hours()) * time.Hour)
	rows, err := s.store.ListFilteredNews(ctx, db.NewsFilter{
		Since:       since,
		Categories:  filter.Categories,
		SourceIDs:   filter.SourceIDs,
		ExcludeUsed: filter.ExcludeUsed,
	})
	if err != nil {
		return nil, fmt.Errorf("load filtered news: %w", err)
	}
	items := news.ItemsFromRows(rows, s.logger)
	if len(items) == 0 {
		return []grouping.Group{}, nil
	}

	qualifying := news.IndexByID(items)
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}

	groupRows, err := s.store.ListGroupsContaining(ctx, ids, since)
	if err != nil {
		return nil, fmt.Errorf("load event groups: %w", err)
	}
	groupIDs := make([]string, 0, len(groupRows))
	for _, row := range groupRows {
		groupIDs = append(groupIDs, row.GroupID)
	}
	memberships, err := s.store.ListMemberships(ctx, groupIDs)
	if err != nil {
		return nil, fmt.Errorf("load group memberships: %w", err)
	}
	byGroup := make(map[string][]db.MembershipRow, len(groupRows))
	for _, member := range memberships {
		byGroup[member.GroupID] = append(byGroup[member.GroupID], member)
	}

	seen := make(map[int64]bool, len(items))
	result := make([]grouping.Group, 0, len(groupRows))
	standalone := func(item news.Item) {
		seen[item.ID] = true
		result = append(result, grouping.Standalone(item, similarity.ExtractKeyEntities(item), now))
	}

	for _, row := range groupRows {
		var (
			primary *news.Item
			related []news.Item
			scores  = map[int64]float64{}
		)
		for _, member := range byGroup[row.GroupID] {
			item, ok := qualifying[member.NewsID]
			if !ok || seen[member.NewsID] {
				continue
			}
			if member.IsPrimary {
				primary = &item
				continue
			}
			related = append(related, item)
			scores[item.ID] = member.SimilarityToPrimary
		}

		if primary == nil {
			for _, item := range related {
				standalone(item)
			}
			continue
		}

		group := grouping.Group{
			ID:               row.GroupID,
			Primary:          *primary,
			Related:          related,
			Entities:         s.decodeGroupEntities(row, append([]news.Item{*primary}, related...)),
			SimilarityScores: scores,
		}
		group.Finalize()
		for _, id := range group.MemberIDs() {
			seen[id] = true
		}
		result = append(result, group)
	}

	for _, item := range items {
		if !seen[item.ID] {
			standalone(item)
		}
	}
	return result, nil
}

func (s *Service) decodeGroupEntities(row db.EventGroupRow, members []news.Item) news.KeyEntities {
	entities := news.NewKeyEntities()
	if len(row.KeyEntities) > 0 {
		if err := json.Unmarshal(row.KeyEntities, &entities); err == nil {
			return entities
		}
		s.logger.Warn().Str("group_id", row.GroupID).Msg("stored group entities are unreadable; rebuilding")
		entities = news.NewKeyEntities()
	}
	for _, member := range members {
		entities.Merge(similarity.ExtractKeyEntities(member))
	}
	return entities
}

// FindSimilar scores processed items in the window against newsID and returns same-event matches.
func (s *Service) FindSimilar(ctx context.Context, newsID int64, hours int) ([]grouping.Match, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	targets, err := s.store.ListNewsByIDs(ctx, []int64{newsID})
	if err != nil {
		return nil, fmt.Errorf("load news %d: %w", newsID, err)
	}
	if len(targets) == 0 {
		return nil, ErrNewsNotFound
	}
	target, err := news.FromRow(targets[0])
	if err != nil {
		s.logger.Warn().Err(err).Int64("news_id", newsID).Msg("news entities are invalid")
	}

	rows, err := s.store.ListProcessedNewsSince(ctx, windowStart(hours))
	if err != nil {
		return nil, fmt.Errorf("load candidate news: %w", err)
	}
	return grouping.FindSimilar(ctx, s.scorer, target, news.ItemsFromRows(rows, s.logger)), nil
}

// FilterAgainstUsed drops candidates describing the same event as an item already used in a digest
// within the window.
func (s *Service) FilterAgainstUsed(ctx context.Context, candidates []news.Item, hours int) ([]news.Item, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	rows, err := s.store.ListFilteredNews(ctx, db.NewsFilter{Since: windowStart(hours), OnlyUsed: true})
	if err != nil {
		return nil, fmt.Errorf("load used news: %w", err)
	}
	return grouping.FilterSimilarToUsed(ctx, s.scorer, candidates, news.ItemsFromRows(rows, s.logger), globaltime.UTC()), nil
}
