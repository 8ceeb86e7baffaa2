package plaintext

import (
	"strings"
	"testing"
)

func TestCleanCollapsesWhitespaceAndPreservesParagraphs(t *testing.T) {
	input := "  First   paragraph \n\n Second\tparagraph \r\n\r\nThird line "
	got := Clean(input)
	want := "First paragraph\n\nSecond paragraph\n\nThird line"
	if got != want {
		t.Fatalf("Clean mismatch\nwant: %q\ngot:  %q", want, got)
	}
}

func TestClipCountsRunes(t *testing.T) {
	input := "甲公司遭遇勒索软件攻击"
	if got := Clip(input, 3); got != "甲公司" {
		t.Fatalf("unexpected clip: %q", got)
	}
	if got := Clip(input, 200); got != input {
		t.Fatalf("short input should be unchanged, got %q", got)
	}
	if got := Clip(input, 0); got != input {
		t.Fatalf("non-positive limit should be unchanged, got %q", got)
	}
}

func TestTruncate(t *testing.T) {
	got, truncated := Truncate("abcdefghijklmnopqrstuvwxyz", 10)
	if !truncated {
		t.Fatalf("expected truncated=true")
	}
	if got != "abcdefghi…" {
		t.Fatalf("unexpected truncated text: %q", got)
	}

	full, wasTruncated := Truncate("short", 10)
	if wasTruncated || full != "short" {
		t.Fatalf("unexpected short text: %q truncated=%v", full, wasTruncated)
	}
}

func TestFromHTMLPlainTextPassesThrough(t *testing.T) {
	if got := FromHTML("  no   markup here "); got != "no markup here" {
		t.Fatalf("unexpected plain text: %q", got)
	}
}

func TestFromHTMLStripsMarkup(t *testing.T) {
	got := FromHTML(`<div><p>Attackers exploited <strong>CVE-2024-1234</strong> in the gateway.</p></div>`)
	if strings.Contains(got, "<") {
		t.Fatalf("expected markup to be removed, got %q", got)
	}
	if !strings.Contains(got, "CVE-2024-1234") {
		t.Fatalf("expected identifier to survive, got %q", got)
	}
}
