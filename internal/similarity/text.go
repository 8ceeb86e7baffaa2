package similarity

import (
	"math"
	"regexp"
	"strings"
)

var (
	sourceTagPrefix = regexp.MustCompile(`^【[^】]+】`)
	whitespaceRun   = regexp.MustCompile(`\s+`)
)

// CharRatio is the character-level match ratio 2*M/T where M is the longest common
// subsequence of the lowercased rune sequences and T their combined length.
func CharRatio(a, b string) float64 {
	ra := []rune(strings.ToLower(a))
	rb := []rune(strings.ToLower(b))
	total := len(ra) + len(rb)
	if total == 0 {
		return 0
	}
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}
	if len(ra) < len(rb) {
		ra, rb = rb, ra
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for i := 1; i <= len(ra); i++ {
		for j := 1; j <= len(rb); j++ {
			switch {
			case ra[i-1] == rb[j-1]:
				curr[j] = prev[j-1] + 1
			case prev[j] >= curr[j-1]:
				curr[j] = prev[j]
			default:
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}

	return 2 * float64(prev[len(rb)]) / float64(total)
}

// CleanForSemantic drops a leading 【source】 tag and collapses whitespace.
func CleanForSemantic(text string) string {
	cleaned := sourceTagPrefix.ReplaceAllString(strings.TrimSpace(text), "")
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(cleaned, " "))
}

// Cosine returns the cosine similarity of two vectors, or 0 when either is empty or zero.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func clamp01(value float64) float64 {
	if math.IsNaN(value) {
		return 0
	}
	return math.Max(0, math.Min(1, value))
}

func isBlank(text string) bool {
	return strings.TrimSpace(text) == ""
}
