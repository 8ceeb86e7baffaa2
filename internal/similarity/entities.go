package similarity

import (
	"regexp"
	"sort"
	"strings"

	"github.com/wanghaoxu001/DailyDigest-sub000/internal/news"
)

const (
	minEntitiesForComparison = 2
	defaultOtherWeight       = 0.05
)

var (
	cvePattern  = regexp.MustCompile(`(?i)CVE-\d{4}-\d{4,}`)
	ipv4Pattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
)

var criticalWeights = map[news.CriticalType]float64{
	news.Identifier:   5.0,
	news.Attacker:     4.0,
	news.Victim:       4.0,
	news.Organization: 4.0,
}

// Residual weights for non-critical labels. Anything unlisted uses defaultOtherWeight.
var otherWeights = map[string]float64{
	"产品":   0.1,
	"恶意软件": 0.1,
	"攻击方式": 0.1,
	"技术":   0.1,
	"行业":   0.1,
	"地区":   0.1,
}

// ExtractKeyEntities buckets an item's entities and adds identifiers found in its title and summary.
func ExtractKeyEntities(item news.Item) news.KeyEntities {
	entities := news.NewKeyEntities()
	for _, entity := range item.Entities {
		entities.Add(entity.Type, entity.Value)
	}

	text := item.EffectiveTitle() + " " + item.EffectiveSummary()
	for _, cve := range cvePattern.FindAllString(text, -1) {
		entities.AddCritical(news.Identifier, strings.ToUpper(cve))
	}
	for _, ip := range ipv4Pattern.FindAllString(text, -1) {
		entities.AddOther(news.LabelIPAddress, ip)
	}
	return entities
}

// EntitySimilarity compares two entity sets over the critical types.
// determinate is false when either side has too few entities to judge; callers then score on text alone.
// A shared critical type without a common value, or no shared critical type at all, scores exactly 0.
func EntitySimilarity(a, b news.KeyEntities) (score float64, determinate bool) {
	if a.Total() < minEntitiesForComparison || b.Total() < minEntitiesForComparison {
		return 0, false
	}

	var weighted, totalWeight float64
	sharedCritical := 0
	for _, critical := range news.CriticalTypes {
		setA := a.CriticalSet(critical)
		setB := b.CriticalSet(critical)
		if setA == nil || setB == nil {
			continue
		}

		intersection := setA.Intersect(setB)
		if intersection == 0 {
			return 0, true
		}
		sharedCritical++

		weight := criticalWeights[critical]
		weighted += float64(intersection) / float64(setA.Union(setB)) * weight
		totalWeight += weight
	}
	if sharedCritical == 0 {
		return 0, true
	}

	for _, label := range sharedOtherLabels(a, b) {
		setA := a.Other[label]
		setB := b.Other[label]
		union := setA.Union(setB)
		if union == 0 {
			continue
		}
		weight, ok := otherWeights[label]
		if !ok {
			weight = defaultOtherWeight
		}
		weighted += float64(setA.Intersect(setB)) / float64(union) * weight
		totalWeight += weight
	}

	return weighted / totalWeight, true
}

func sharedOtherLabels(a, b news.KeyEntities) []string {
	labels := make([]string, 0, len(a.Other))
	for label, set := range a.Other {
		if set.Len() == 0 || b.Other[label].Len() == 0 {
			continue
		}
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}
