package langdetect

import (
	"strings"
	"sync"
	"unicode"

	lingua "github.com/pemistahl/lingua-go"
)

var (
	detectorOnce sync.Once
	detector     lingua.LanguageDetector
)

// DetectISO6391 returns the two-letter code of text, or "" when the sample is too short or ambiguous.
func DetectISO6391(text string) string {
	sample := strings.TrimSpace(text)
	if sample == "" {
		return ""
	}

	letters := 0
	han := 0
	for _, r := range sample {
		if unicode.IsLetter(r) {
			letters++
		}
		if unicode.Is(unicode.Han, r) {
			han++
		}
	}
	// Short Han-only titles are common in this feed and too short for the statistical model.
	if han >= 2 && han*2 >= letters {
		return "zh"
	}
	if letters < 6 {
		return ""
	}

	language, exists := getDetector().DetectLanguageOf(sample)
	if !exists {
		return ""
	}

	code := strings.ToLower(language.IsoCode639_1().String())
	if len(code) != 2 {
		return ""
	}
	return code
}

// IsChinese reports whether text is detected as Chinese.
func IsChinese(text string) bool {
	return DetectISO6391(text) == "zh"
}

func getDetector() lingua.LanguageDetector {
	detectorOnce.Do(func() {
		detector = lingua.NewLanguageDetectorBuilder().
			FromLanguages(lingua.Chinese, lingua.English, lingua.Japanese, lingua.Korean, lingua.Russian, lingua.German, lingua.French).
			WithPreloadedLanguageModels().
			Build()
	})
	return detector
}
