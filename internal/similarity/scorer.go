package similarity

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wanghaoxu001/DailyDigest-sub000/internal/news"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/plaintext"
)

const (
	// SameEventThreshold is the composite score at which two items describe the same event.
	SameEventThreshold = 0.75
	// HighTitleThreshold short-circuits scoring when titles alone match this well.
	HighTitleThreshold = 0.8
	// ExemptionScore is assigned when an identifier or the title alone settles the match.
	ExemptionScore = 0.9
	// EntityFloor is the lowest determinate entity score that can still produce a match.
	EntityFloor = 0.3

	charShortcutThreshold = 0.85
	summaryClipRunes      = 200
	timeDecayWindow       = 48 * time.Hour
	timeDecayFactor       = 0.8

	bgeSemanticWeight     = 0.91
	defaultSemanticWeight = 0.9

	textOnlyTitleWeight   = 0.6
	textOnlySummaryWeight = 0.4
	blendedEntityWeight   = 0.6
	blendedTitleWeight    = 0.25
	blendedSummaryWeight  = 0.15
)

// Scores is the breakdown stored with each similarity record.
type Scores struct {
	Overall float64
	Entity  float64
	Text    float64
}

// Prepared caches the per-item work shared by every pair the item takes part in.
type Prepared struct {
	Item     news.Item
	Entities news.KeyEntities
	Title    string
	Summary  string
}

func Prepare(item news.Item) Prepared {
	return Prepared{
		Item:     item,
		Entities: ExtractKeyEntities(item),
		Title:    item.EffectiveTitle(),
		Summary:  plaintext.Clip(item.EffectiveSummary(), summaryClipRunes),
	}
}

func PrepareAll(items []news.Item) []Prepared {
	out := make([]Prepared, 0, len(items))
	for _, item := range items {
		out = append(out, Prepare(item))
	}
	return out
}

type ScorerOptions struct {
	Embedder Embedder
	// Cache is shared across scorers. When nil a private cache of CacheSize entries is created.
	Cache *SemanticCache
	// CacheSize bounds the private cache; zero uses DefaultSemanticCacheSize.
	CacheSize int
	// SemanticWeight overrides the model-derived blend weight when positive.
	SemanticWeight float64
}

// Scorer computes pairwise similarity. It is safe for concurrent use.
type Scorer struct {
	embedder       Embedder
	cache          *SemanticCache
	semanticWeight float64
	logger         zerolog.Logger
}

func NewScorer(options ScorerOptions, logger zerolog.Logger) *Scorer {
	weight := options.SemanticWeight
	if weight <= 0 {
		weight = defaultSemanticWeight
		if options.Embedder != nil && strings.Contains(strings.ToLower(options.Embedder.Model()), "bge") {
			weight = bgeSemanticWeight
		}
	}
	cache := options.Cache
	if cache == nil {
		cache = NewSemanticCache(options.CacheSize)
	}
	return &Scorer{
		embedder:       options.Embedder,
		cache:          cache,
		semanticWeight: weight,
		logger:         logger,
	}
}

// TextSimilarity returns the character ratio when it is already high, otherwise the better of the
// character ratio and the weighted semantic score.
func (s *Scorer) TextSimilarity(ctx context.Context, a, b string) float64 {
	if isBlank(a) || isBlank(b) {
		return 0
	}

	charRatio := CharRatio(a, b)
	if charRatio >= charShortcutThreshold {
		return charRatio
	}

	semantic := s.semanticSimilarity(ctx, a, b)
	if semantic > 0 {
		return max(charRatio, semantic*s.semanticWeight)
	}
	return charRatio
}

func (s *Scorer) semanticSimilarity(ctx context.Context, a, b string) float64 {
	if s == nil || s.embedder == nil {
		return 0
	}

	cleanA := CleanForSemantic(a)
	cleanB := CleanForSemantic(b)
	if cleanA == "" || cleanB == "" {
		return 0
	}
	if cached, ok := s.cache.Get(cleanA, cleanB); ok {
		return cached
	}

	vectors, err := s.embedder.Embed(ctx, []string{cleanA, cleanB})
	if err != nil || len(vectors) != 2 {
		s.logger.Debug().Err(err).Str("model", s.embedder.Model()).Msg("semantic similarity unavailable, using character ratio")
		return 0
	}

	score := clamp01(Cosine(vectors[0], vectors[1]))
	s.cache.Put(cleanA, cleanB, score)
	return score
}

// Overall is the composite same-event score of two items.
func (s *Scorer) Overall(ctx context.Context, a, b news.Item) float64 {
	return s.Score(ctx, Prepare(a), Prepare(b)).Overall
}

// Breakdown returns the composite score with its entity and title components.
func (s *Scorer) Breakdown(ctx context.Context, a, b news.Item) Scores {
	return s.Score(ctx, Prepare(a), Prepare(b))
}

// Score applies the decision order: shared identifier, near-identical titles, text-only scoring when
// entities are indeterminate, rejection when entities disagree, then the entity-weighted blend.
func (s *Scorer) Score(ctx context.Context, a, b Prepared) Scores {
	entity, determinate := EntitySimilarity(a.Entities, b.Entities)
	scores := Scores{Entity: entity}

	if a.Entities.SharesIdentifier(b.Entities) {
		scores.Overall = ExemptionScore
		return scores
	}

	title := s.TextSimilarity(ctx, a.Title, b.Title)
	scores.Text = title
	if title >= HighTitleThreshold {
		scores.Overall = ExemptionScore
		return scores
	}

	factor := TimeFactor(a.Item.CreatedAt, b.Item.CreatedAt)
	hasSummary := !isBlank(a.Summary) && !isBlank(b.Summary)

	if !determinate {
		if !hasSummary {
			scores.Overall = title * factor
			return scores
		}
		summary := s.TextSimilarity(ctx, a.Summary, b.Summary)
		scores.Overall = (title*textOnlyTitleWeight + summary*textOnlySummaryWeight) * factor
		return scores
	}

	if entity == 0 || entity < EntityFloor {
		return scores
	}

	if !hasSummary {
		scores.Overall = (entity*blendedEntityWeight + title*(blendedTitleWeight+blendedSummaryWeight)) * factor
		return scores
	}
	summary := s.TextSimilarity(ctx, a.Summary, b.Summary)
	scores.Overall = (entity*blendedEntityWeight + title*blendedTitleWeight + summary*blendedSummaryWeight) * factor
	return scores
}

// TimeFactor decays scores for items published more than 48 hours apart.
func TimeFactor(a, b time.Time) float64 {
	diff := a.Sub(b)
	if diff < 0 {
		diff = -diff
	}
	if diff < timeDecayWindow {
		return 1
	}
	return timeDecayFactor
}

// IsSameEvent reports whether score reaches the clustering threshold.
func IsSameEvent(score float64) bool {
	return score >= SameEventThreshold
}

func (s *Scorer) CacheStats() CacheStats {
	if s == nil {
		return CacheStats{}
	}
	return s.cache.Stats()
}

func (s *Scorer) ClearCache() {
	if s == nil {
		return
	}
	s.cache.Clear()
	s.logger.Info().Msg("semantic similarity cache cleared")
}

// EmbeddingModel names the semantic backend, or "" when scoring is character-only.
func (s *Scorer) EmbeddingModel() string {
	if s == nil || s.embedder == nil {
		return ""
	}
	return s.embedder.Model()
}
