package news

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// CriticalType is one of the entity categories whose overlap gates event similarity.
type CriticalType string

const (
	Identifier   CriticalType = "identifier"
	Attacker     CriticalType = "attacker"
	Victim       CriticalType = "victim"
	Organization CriticalType = "organization"
)

// CriticalTypes lists every critical type in a stable order.
var CriticalTypes = []CriticalType{Identifier, Attacker, Victim, Organization}

var criticalLabels = map[string]CriticalType{
	"cve":           Identifier,
	"漏洞编号":          Identifier,
	"vulnerability": Identifier,
	"攻击者":           Attacker,
	"攻击组织":          Attacker,
	"黑客组织":          Attacker,
	"attacker":      Attacker,
	"threat_actor":  Attacker,
	"受害者":           Victim,
	"victim":        Victim,
	"组织":            Organization,
	"organization":  Organization,
}

const (
	// LabelIPAddress buckets IPv4 addresses pulled from free text.
	LabelIPAddress = "IP地址"
	// LabelError is emitted by extraction on failure and is never a real entity.
	LabelError = "error"
)

// ClassifyLabel maps a raw entity label onto its critical type.
func ClassifyLabel(label string) (CriticalType, bool) {
	critical, ok := criticalLabels[strings.ToLower(strings.TrimSpace(label))]
	return critical, ok
}

// Entity is one extracted {type, value} pair.
type Entity struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

const valueTrimCutset = ".,;:!?()\"' \t\r\n"

// NormalizeEntityValue lowercases a value and strips punctuation and spaces at both ends.
// Identifier values are upper-cased so CVE codes compare regardless of source casing.
func NormalizeEntityValue(critical CriticalType, value string) string {
	normalized := strings.Trim(strings.ToLower(strings.TrimSpace(value)), valueTrimCutset)
	if critical == Identifier {
		return strings.ToUpper(normalized)
	}
	return normalized
}

// StringSet is an unordered set of normalized values.
type StringSet map[string]struct{}

func NewStringSet(values ...string) StringSet {
	set := make(StringSet, len(values))
	for _, value := range values {
		set.Add(value)
	}
	return set
}

func (s StringSet) Add(value string) {
	if value == "" {
		return
	}
	s[value] = struct{}{}
}

func (s StringSet) Has(value string) bool {
	_, ok := s[value]
	return ok
}

func (s StringSet) Len() int {
	return len(s)
}

// Intersect returns how many values both sets contain.
func (s StringSet) Intersect(other StringSet) int {
	small, large := s, other
	if len(small) > len(large) {
		small, large = large, small
	}
	count := 0
	for value := range small {
		if large.Has(value) {
			count++
		}
	}
	return count
}

// Union returns the size of the union of both sets.
func (s StringSet) Union(other StringSet) int {
	return len(s) + len(other) - s.Intersect(other)
}

func (s StringSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for value := range s {
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}

// KeyEntities buckets an item's entities into critical types and an open set of other labels.
type KeyEntities struct {
	Critical map[CriticalType]StringSet
	Other    map[string]StringSet
}

func NewKeyEntities() KeyEntities {
	return KeyEntities{
		Critical: make(map[CriticalType]StringSet),
		Other:    make(map[string]StringSet),
	}
}

// Add normalizes value and files it under label. Blank values and error labels are ignored.
func (k *KeyEntities) Add(label, value string) {
	label = strings.TrimSpace(label)
	if label == "" || strings.EqualFold(label, LabelError) {
		return
	}
	if k.Critical == nil {
		k.Critical = make(map[CriticalType]StringSet)
	}
	if k.Other == nil {
		k.Other = make(map[string]StringSet)
	}

	if critical, ok := ClassifyLabel(label); ok {
		normalized := NormalizeEntityValue(critical, value)
		if normalized == "" {
			return
		}
		set, exists := k.Critical[critical]
		if !exists {
			set = make(StringSet)
			k.Critical[critical] = set
		}
		set.Add(normalized)
		return
	}

	normalized := NormalizeEntityValue("", value)
	if normalized == "" {
		return
	}
	set, exists := k.Other[label]
	if !exists {
		set = make(StringSet)
		k.Other[label] = set
	}
	set.Add(normalized)
}

// AddCritical files an already classified value.
func (k *KeyEntities) AddCritical(critical CriticalType, value string) {
	if k.Critical == nil {
		k.Critical = make(map[CriticalType]StringSet)
	}
	normalized := NormalizeEntityValue(critical, value)
	if normalized == "" {
		return
	}
	set, exists := k.Critical[critical]
	if !exists {
		set = make(StringSet)
		k.Critical[critical] = set
	}
	set.Add(normalized)
}

// AddOther files a value under a non-critical label without reclassifying it.
func (k *KeyEntities) AddOther(label, value string) {
	if k.Other == nil {
		k.Other = make(map[string]StringSet)
	}
	value = strings.TrimSpace(value)
	if label == "" || value == "" {
		return
	}
	set, exists := k.Other[label]
	if !exists {
		set = make(StringSet)
		k.Other[label] = set
	}
	set.Add(value)
}

// Total counts values across all non-empty buckets.
func (k KeyEntities) Total() int {
	total := 0
	for _, set := range k.Critical {
		total += set.Len()
	}
	for _, set := range k.Other {
		total += set.Len()
	}
	return total
}

// Merge folds other into k.
func (k *KeyEntities) Merge(other KeyEntities) {
	for critical, set := range other.Critical {
		for value := range set {
			k.AddCritical(critical, value)
		}
	}
	for label, set := range other.Other {
		for value := range set {
			k.AddOther(label, value)
		}
	}
}

// Clone returns a deep copy.
func (k KeyEntities) Clone() KeyEntities {
	out := NewKeyEntities()
	out.Merge(k)
	return out
}

// CriticalSet returns the values for one critical type, or nil.
func (k KeyEntities) CriticalSet(critical CriticalType) StringSet {
	set := k.Critical[critical]
	if set.Len() == 0 {
		return nil
	}
	return set
}

// SharesIdentifier reports whether both sides carry a common identifier value.
func (k KeyEntities) SharesIdentifier(other KeyEntities) bool {
	return k.CriticalSet(Identifier).Intersect(other.CriticalSet(Identifier)) > 0
}

// SharesCritical reports whether any critical type has a common value on both sides.
func (k KeyEntities) SharesCritical(other KeyEntities) bool {
	for _, critical := range CriticalTypes {
		if k.CriticalSet(critical).Intersect(other.CriticalSet(critical)) > 0 {
			return true
		}
	}
	return false
}

// MarshalJSON renders label -> sorted values with critical types under their enum names.
func (k KeyEntities) MarshalJSON() ([]byte, error) {
	out := make(map[string][]string, len(k.Critical)+len(k.Other))
	for label, set := range k.Other {
		if set.Len() > 0 {
			out[label] = set.Sorted()
		}
	}
	for critical, set := range k.Critical {
		if set.Len() > 0 {
			out[string(critical)] = set.Sorted()
		}
	}
	return json.Marshal(out)
}

func (k *KeyEntities) UnmarshalJSON(data []byte) error {
	var raw map[string][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode key entities: %w", err)
	}

	*k = NewKeyEntities()
	for label, values := range raw {
		critical := CriticalType(label)
		isCritical := false
		for _, candidate := range CriticalTypes {
			if candidate == critical {
				isCritical = true
				break
			}
		}
		for _, value := range values {
			if isCritical {
				k.AddCritical(critical, value)
			} else {
				k.AddOther(label, value)
			}
		}
	}
	return nil
}
