package plaintext

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"

	readability "codeberg.org/readeck/go-readability/v2"
)

var (
	markupPattern = regexp.MustCompile(`(?is)<(p|div|br|span|a|strong|em|li|ul|ol|h[1-6]|table|section|article)\b[^>]*>`)
	tagPattern    = regexp.MustCompile(`(?s)<[^>]+>`)

	// Summaries carry no page URL; readability only needs one to resolve relative links.
	summaryBaseURL = &url.URL{Scheme: "https", Host: "digest.invalid", Path: "/"}
)

// LooksLikeHTML reports whether raw contains block or inline markup.
func LooksLikeHTML(raw string) bool {
	return markupPattern.MatchString(raw)
}

// FromHTML turns an HTML fragment into clean text. Plain text passes through Clean.
func FromHTML(raw string) string {
	if !LooksLikeHTML(raw) {
		return Clean(raw)
	}

	article, err := readability.FromReader(strings.NewReader(raw), summaryBaseURL)
	if err == nil {
		var rendered bytes.Buffer
		if renderErr := article.RenderText(&rendered); renderErr == nil {
			if text := Clean(rendered.String()); text != "" {
				return text
			}
		}
		if text := Clean(article.Excerpt()); text != "" {
			return text
		}
	}

	return Clean(tagPattern.ReplaceAllString(raw, " "))
}

// Clean normalizes line endings and collapses extra in-line whitespace.
func Clean(raw string) string {
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")

	lines := strings.Split(normalized, "\n")
	paragraphs := make([]string, 0, len(lines))
	for _, line := range lines {
		clean := strings.Join(strings.Fields(line), " ")
		if clean == "" {
			continue
		}
		paragraphs = append(paragraphs, clean)
	}

	return strings.Join(paragraphs, "\n\n")
}

// Clip returns the first maxRunes runes of raw without any marker.
func Clip(raw string, maxRunes int) string {
	if maxRunes <= 0 {
		return raw
	}
	count := 0
	for i := range raw {
		if count == maxRunes {
			return raw[:i]
		}
		count++
	}
	return raw
}

// Truncate clips text to maxChars runes and appends a single ellipsis rune when truncated.
func Truncate(raw string, maxChars int) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}
	if maxChars <= 0 {
		return trimmed, false
	}

	runes := []rune(trimmed)
	if len(runes) <= maxChars {
		return trimmed, false
	}
	if maxChars == 1 {
		return "…", true
	}

	clipped := strings.TrimSpace(string(runes[:maxChars-1]))
	if clipped == "" {
		return "…", true
	}
	return clipped + "…", true
}
