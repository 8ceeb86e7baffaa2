// Package duplicate checks a digest's items against recently published digests, gating each
// external reasoning call behind a cheap text prefilter.
package duplicate

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/wanghaoxu001/DailyDigest-sub000/internal/db"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/estimator"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/langdetect"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/llm"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/metrics"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/news"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/plaintext"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/similarity"
)

const (
	DefaultPrefilterThreshold = 0.35
	MinSharedEntityThreshold  = 0.25
	SharedEntityDiscount      = 0.1
	DefaultReferenceDays      = 3
	DefaultCallTimeout        = 60 * time.Second
	DuplicateScoreThreshold   = 0.7

	titleWeight       = 0.7
	summaryWeight     = 0.3
	summaryCompareLen = 200
	analyzeMaxTokens  = 500
)

// Per-item result statuses.
const (
	StatusChecking    = "checking"
	StatusDuplicate   = "duplicate"
	StatusNoDuplicate = "no_duplicate"
	StatusError       = "error"
)

var ErrDigestNotFound = errors.New("digest not found")

// Store is the digest and news persistence used by detection. *db.Pool implements it.
type Store interface {
	GetDigest(ctx context.Context, digestID int64) (*db.DigestRow, error)
	ListDigestsCreatedBetween(ctx context.Context, from, to time.Time) ([]db.DigestRow, error)
	ListDigestNewsIDs(ctx context.Context, digestID int64) ([]int64, error)
	SetDigestDuplicateStatus(ctx context.Context, digestID int64, status string, startedAt *time.Time) error
	MarkDuplicateChecking(ctx context.Context, digestID, newsID int64, reset bool) (bool, error)
	FinishDuplicateResult(ctx context.Context, row db.DuplicateResultRow) error
	ListDuplicateResults(ctx context.Context, digestID int64) ([]db.DuplicateResultRow, error)
	DeleteDuplicateResults(ctx context.Context, digestID int64) (int64, error)
	ListNewsByIDs(ctx context.Context, ids []int64) ([]db.NewsRow, error)
}

type Config struct {
	PrefilterEnabled   bool
	PrefilterThreshold float64
	ReferenceDays      int
	CallTimeout        time.Duration
	// CallsPerSecond paces deep comparison calls; zero leaves them unpaced.
	CallsPerSecond float64
	Location       *time.Location
	Model          string
}

func (c Config) withDefaults() Config {
	if c.PrefilterThreshold <= 0 {
		c.PrefilterThreshold = DefaultPrefilterThreshold
	}
	if c.ReferenceDays <= 0 {
		c.ReferenceDays = DefaultReferenceDays
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

type Detector struct {
	store    Store
	provider llm.Provider
	scorer   *similarity.Scorer
	recorder estimator.Recorder
	limiter  *rate.Limiter
	config   Config
	logger   zerolog.Logger

	totalComparisons atomic.Int64
	prefilterSkipped atomic.Int64
	llmCalls         atomic.Int64
	duplicatesFound  atomic.Int64
}

func NewDetector(store Store, provider llm.Provider, scorer *similarity.Scorer, recorder estimator.Recorder, config Config, logger zerolog.Logger) *Detector {
	config = config.withDefaults()
	limit := rate.Inf
	if config.CallsPerSecond > 0 {
		limit = rate.Limit(config.CallsPerSecond)
	}
	return &Detector{
		store:    store,
		provider: provider,
		scorer:   scorer,
		recorder: recorder,
		limiter:  rate.NewLimiter(limit, 1),
		config:   config,
		logger:   logger,
	}
}

func (d *Detector) ready() error {
	if d == nil || d.store == nil {
		return fmt.Errorf("duplicate detector is not initialized")
	}
	return nil
}

func (d *Detector) Config() Config {
	return d.config
}

// Model is the model name deep comparisons are issued with.
func (d *Detector) Model() string {
	if d.config.Model != "" {
		return d.config.Model
	}
	if d.provider != nil {
		return d.provider.DefaultModel()
	}
	return ""
}

type Decision struct {
	Compare    bool    `json:"compare"`
	Similarity float64 `json:"similarity"`
	Reason     string  `json:"reason"`
}

// ShouldCompare gates the deep comparison. A shared identifier always compares; otherwise the
// blended title/summary similarity must reach the threshold, which is lowered when both items
// share a critical entity.
func (d *Detector) ShouldCompare(ctx context.Context, candidate, reference news.Item) Decision {
	if !d.config.PrefilterEnabled {
		return Decision{Compare: true, Similarity: 1, Reason: "prefilter disabled"}
	}

	candidateEntities := similarity.ExtractKeyEntities(candidate)
	referenceEntities := similarity.ExtractKeyEntities(reference)
	if shared := candidateEntities.CriticalSet(news.Identifier).Intersect(referenceEntities.CriticalSet(news.Identifier)); shared > 0 {
		return Decision{Compare: true, Similarity: 1, Reason: "shared identifier"}
	}

	threshold := d.config.PrefilterThreshold
	if candidateEntities.SharesCritical(referenceEntities) {
		threshold = max(MinSharedEntityThreshold, threshold-SharedEntityDiscount)
	}

	titleSim := d.scorer.TextSimilarity(ctx, candidate.EffectiveTitle(), reference.EffectiveTitle())
	candidateSummary := candidate.EffectiveSummary()
	referenceSummary := reference.EffectiveSummary()

	blended := titleSim
	summarySim := 0.0
	if candidateSummary != "" && referenceSummary != "" {
		summarySim = d.scorer.TextSimilarity(ctx,
			plaintext.Clip(candidateSummary, summaryCompareLen),
			plaintext.Clip(referenceSummary, summaryCompareLen),
		)
		blended = titleSim*titleWeight + summarySim*summaryWeight
	}

	reason := fmt.Sprintf("text similarity %.3f (title %.3f, summary %.3f, threshold %.2f)", blended, titleSim, summarySim, threshold)
	return Decision{Compare: blended >= threshold, Similarity: blended, Reason: reason}
}

type Verdict struct {
	IsDuplicate bool    `json:"is_duplicate"`
	Score       float64 `json:"score"`
	Reasoning   string  `json:"reasoning"`
}

// Analyze asks the provider whether candidate and reference describe the same event.
func (d *Detector) Analyze(ctx context.Context, candidate, reference news.Item) (Verdict, error) {
	if d.provider == nil {
		return Verdict{}, fmt.Errorf("duplicate detector has no provider")
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return Verdict{}, fmt.Errorf("wait for call slot: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.config.CallTimeout)
	defer cancel()

	model := d.Model()
	started := time.Now()
	resp, err := d.provider.Complete(callCtx, llm.CompletionRequest{
		Model:     model,
		Prompt:    buildPrompt(candidate, reference),
		MaxTokens: analyzeMaxTokens,
	})
	elapsed := time.Since(started)

	success := err == nil
	if d.recorder != nil {
		d.recorder.Record(elapsed, model, success)
	}
	metrics.LLMCallDuration.WithLabelValues(d.provider.Name(), strconv.FormatBool(success)).Observe(elapsed.Seconds())
	if err != nil {
		metrics.DuplicateVerdicts.WithLabelValues("error").Inc()
		return Verdict{}, fmt.Errorf("compare news %d with %d: %w", candidate.ID, reference.ID, err)
	}

	verdict := ParseVerdict(resp.Text)
	if verdict.IsDuplicate {
		metrics.DuplicateVerdicts.WithLabelValues("duplicate").Inc()
	} else {
		metrics.DuplicateVerdicts.WithLabelValues("distinct").Inc()
	}
	d.logger.Debug().
		Int64("news_id", candidate.ID).
		Int64("reference_id", reference.ID).
		Bool("duplicate", verdict.IsDuplicate).
		Float64("score", verdict.Score).
		Dur("latency", elapsed).
		Msg("deep comparison finished")
	return verdict, nil
}

var (
	conclusionPattern = regexp.MustCompile(`(?i)(?:结论|conclusion)[\s*]*[：:][\s*\[]*(是|否|yes|no)`)
	scorePattern      = regexp.MustCompile(`(?i)(?:相似度评分|similarity score).*?(\d+(?:\.\d+)?)`)
)

// ParseVerdict reads the score (0-10, scaled to 0-1) and the yes/no conclusion from a response.
// A score above 0.7 counts as a duplicate even without an explicit conclusion.
func ParseVerdict(text string) Verdict {
	verdict := Verdict{Reasoning: strings.TrimSpace(text)}

	if match := conclusionPattern.FindStringSubmatch(text); match != nil {
		answer := strings.ToLower(match[1])
		verdict.IsDuplicate = answer == "是" || answer == "yes"
	}
	if match := scorePattern.FindStringSubmatch(text); match != nil {
		if raw, err := strconv.ParseFloat(match[1], 64); err == nil {
			verdict.Score = min(max(raw/10, 0), 1)
		}
	}
	if verdict.Score > DuplicateScoreThreshold {
		verdict.IsDuplicate = true
	}
	return verdict
}

func buildPrompt(candidate, reference news.Item) string {
	if langdetect.DetectISO6391(candidate.EffectiveTitle()) == "en" {
		return fmt.Sprintf(englishPrompt,
			candidate.EffectiveTitle(), orNone(candidate.PromptSummary(), "none"), publishDate(candidate),
			reference.EffectiveTitle(), orNone(reference.PromptSummary(), "none"), publishDate(reference),
		)
	}
	return fmt.Sprintf(chinesePrompt,
		candidate.EffectiveTitle(), orNone(candidate.PromptSummary(), "无"), publishDate(candidate),
		reference.EffectiveTitle(), orNone(reference.PromptSummary(), "无"), publishDate(reference),
	)
}

func orNone(value, none string) string {
	if strings.TrimSpace(value) == "" {
		return none
	}
	return value
}

func publishDate(item news.Item) string {
	if item.PublishDate != nil {
		return item.PublishDate.Format(time.DateOnly)
	}
	return item.CreatedAt.Format(time.DateOnly)
}

const chinesePrompt = `你是一个专业的网络安全事件分析师。请分析以下两条新闻是否描述的是同一个安全事件。

重点关注事件的核心要素，而非文字表面相似性：受影响的组织或公司、事件性质、时间范围、影响程度。即使用词不同，只要事件本质相同就应识别为重复。

新闻A：
标题：%s
摘要：%s
发布时间：%s

新闻B：
标题：%s
摘要：%s
发布时间：%s

请按以下格式回答：
1. 关键信息提取：新闻A与新闻B的组织、事件类型、时间、关键词
2. 相似度评分：[0-10的数字，7-10表示同一事件的不同报道，4-6表示相关但不同事件，0-3表示无关]
3. 结论：[是/否]
4. 判断理由：基于核心要素的说明
`

const englishPrompt = `You are a cybersecurity incident analyst. Decide whether the two news items below describe the same security event.

Focus on the core facts rather than wording: affected organization, kind of incident, time frame, impact. Different wording about the same event is still a duplicate.

News A:
Title: %s
Summary: %s
Published: %s

News B:
Title: %s
Summary: %s
Published: %s

Answer in this format:
1. Key facts: organization, incident type, time, keywords for A and B
2. Similarity score: [0-10, 7-10 same event, 4-6 related but different events, 0-3 unrelated]
3. Conclusion: [yes/no]
4. Reasoning: explanation based on the core facts
`

type Statistics struct {
	TotalComparisons int64   `json:"total_comparisons"`
	PrefilterSkipped int64   `json:"prefilter_skipped"`
	LLMCalls         int64   `json:"llm_calls"`
	DuplicatesFound  int64   `json:"duplicates_found"`
	SkipRate         float64 `json:"skip_rate"`
	// TimeSaved assumes the default call time for every skipped comparison.
	TimeSaved time.Duration `json:"time_saved"`
}

func (d *Detector) Statistics() Statistics {
	stats := Statistics{
		TotalComparisons: d.totalComparisons.Load(),
		PrefilterSkipped: d.prefilterSkipped.Load(),
		LLMCalls:         d.llmCalls.Load(),
		DuplicatesFound:  d.duplicatesFound.Load(),
	}
	if stats.TotalComparisons > 0 {
		stats.SkipRate = float64(stats.PrefilterSkipped) / float64(stats.TotalComparisons) * 100
	}
	stats.TimeSaved = time.Duration(stats.PrefilterSkipped) * estimator.DefaultCallTime
	return stats
}

func (d *Detector) ResetStatistics() {
	d.totalComparisons.Store(0)
	d.prefilterSkipped.Store(0)
	d.llmCalls.Store(0)
	d.duplicatesFound.Store(0)
}
