package news

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/wanghaoxu001/DailyDigest-sub000/internal/db"
)

func TestNormalizeEntityValue(t *testing.T) {
	t.Parallel()

	cases := []struct {
		critical CriticalType
		input    string
		want     string
	}{
		{critical: Organization, input: "  ACME Corp. ", want: "acme corp"},
		{critical: Attacker, input: "\"Lazarus\"!", want: "lazarus"},
		{critical: Identifier, input: "cve-2024-12345;", want: "CVE-2024-12345"},
		{critical: "", input: "(( ))", want: ""},
	}

	for _, tc := range cases {
		if got := NormalizeEntityValue(tc.critical, tc.input); got != tc.want {
			t.Fatalf("unexpected normalized value for %q: got %q want %q", tc.input, got, tc.want)
		}
	}
}

func TestKeyEntitiesAddClassifiesLabels(t *testing.T) {
	t.Parallel()

	entities := NewKeyEntities()
	entities.Add("攻击组织", "乙组织")
	entities.Add("攻击者", "乙组织 ")
	entities.Add("CVE", "cve-2024-0001")
	entities.Add("产品", "Exchange")
	entities.Add("error", "extraction failed")
	entities.Add("组织", "  ")

	if got := entities.CriticalSet(Attacker).Len(); got != 1 {
		t.Fatalf("expected merged attacker labels, got %d values", got)
	}
	if !entities.CriticalSet(Identifier).Has("CVE-2024-0001") {
		t.Fatalf("expected upper-cased identifier, got %v", entities.CriticalSet(Identifier).Sorted())
	}
	if !entities.Other["产品"].Has("exchange") {
		t.Fatalf("expected other bucket for product label")
	}
	if entities.Total() != 3 {
		t.Fatalf("unexpected total: got %d want 3", entities.Total())
	}
}

func TestKeyEntitiesSharing(t *testing.T) {
	t.Parallel()

	a := NewKeyEntities()
	a.Add("CVE", "CVE-2024-1111")
	a.Add("组织", "甲公司")

	b := NewKeyEntities()
	b.Add("漏洞编号", "cve-2024-1111")

	c := NewKeyEntities()
	c.Add("organization", "甲公司")

	if !a.SharesIdentifier(b) {
		t.Fatalf("expected shared identifier")
	}
	if a.SharesIdentifier(c) {
		t.Fatalf("unexpected shared identifier")
	}
	if !a.SharesCritical(c) {
		t.Fatalf("expected shared organization")
	}
}

func TestKeyEntitiesJSONRoundTripKeepsBuckets(t *testing.T) {
	t.Parallel()

	original := NewKeyEntities()
	original.Add("受害者", "某医院")
	original.Add("地区", "华东")

	payload, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal key entities: %v", err)
	}

	var decoded KeyEntities
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal key entities: %v", err)
	}
	if !decoded.CriticalSet(Victim).Has("某医院") {
		t.Fatalf("expected victim bucket after decode, payload=%s", payload)
	}
	if !decoded.Other["地区"].Has("华东") {
		t.Fatalf("expected region bucket after decode, payload=%s", payload)
	}
}

func TestItemsFromRowsKeepsItemWithInvalidEntities(t *testing.T) {
	t.Parallel()

	created := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	rows := []db.NewsRow{
		{ID: 1, Title: "a", Entities: json.RawMessage(`[{"type":"组织","value":"甲公司"}]`), CreatedAt: created},
		{ID: 2, Title: "b", Entities: json.RawMessage(`{"bad":true}`), CreatedAt: created},
		{ID: 3, Title: "c", Summary: "<p>Patch <strong>now</strong></p>", CreatedAt: created},
	}

	items := ItemsFromRows(rows, zerolog.Nop())
	if len(items) != 3 {
		t.Fatalf("unexpected item count: %d", len(items))
	}
	if len(items[0].Entities) != 1 {
		t.Fatalf("expected entities on first item")
	}
	if len(items[1].Entities) != 0 {
		t.Fatalf("expected invalid entities to be dropped")
	}
	if items[2].Summary == rows[2].Summary || items[2].Summary == "" {
		t.Fatalf("expected markup to be flattened, got %q", items[2].Summary)
	}
}

func TestItemEffectiveText(t *testing.T) {
	t.Parallel()

	item := Item{Title: " raw ", GeneratedTitle: "", Summary: "", ArticleSummary: "article"}
	if item.EffectiveTitle() != "raw" {
		t.Fatalf("unexpected title fallback: %q", item.EffectiveTitle())
	}
	if item.EffectiveSummary() != "" {
		t.Fatalf("expected empty summary")
	}
	if item.PromptSummary() != "article" {
		t.Fatalf("unexpected prompt summary: %q", item.PromptSummary())
	}
}
