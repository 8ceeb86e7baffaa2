package app

import (
	"reflect"
	"testing"
)

func TestRunRejectsUnknownCommand(t *testing.T) {
	t.Parallel()

	if code := Run(nil); code != 2 {
		t.Fatalf("expected exit code 2 without args, got %d", code)
	}
	if code := Run([]string{"bogus"}); code != 2 {
		t.Fatalf("expected exit code 2 for unknown command, got %d", code)
	}
	if code := Run([]string{"help"}); code != 0 {
		t.Fatalf("expected exit code 0 for help, got %d", code)
	}
}

func TestCommandsValidateFlagsBeforeConnecting(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		args []string
		want int
	}{
		{name: "health help", args: []string{"health", "-h"}, want: 0},
		{name: "serve bad port", args: []string{"serve", "--port", "0"}, want: 2},
		{name: "tasks bad limit", args: []string{"tasks", "--limit", "0"}, want: 2},
		{name: "tasks bad status", args: []string{"tasks", "--status", "pending"}, want: 2},
		{name: "tasks bad format", args: []string{"tasks", "--format", "xml"}, want: 2},
		{name: "groups bad hours", args: []string{"groups", "--hours", "0"}, want: 2},
		{name: "groups bad sources", args: []string{"groups", "--source-ids", "1,x"}, want: 2},
		{name: "compute positional", args: []string{"compute-all", "extra"}, want: 2},
		{name: "compute negative hours", args: []string{"compute-similarities", "--hours", "-1"}, want: 2},
		{name: "cleanup bad cache days", args: []string{"cleanup", "--cache-days", "0"}, want: 2},
		{name: "detect without digest", args: []string{"detect-duplicates"}, want: 2},
		{name: "estimate bad ids", args: []string{"estimate", "--digest", "3", "--news-ids", "-4"}, want: 2},
		{name: "force complete empty reason", args: []string{"force-complete", "--reason", " "}, want: 2},
		{name: "unknown flag", args: []string{"tasks", "--nope"}, want: 2},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Run(tc.args); got != tc.want {
				t.Fatalf("expected exit code %d, got %d", tc.want, got)
			}
		})
	}
}

func TestParseIDs(t *testing.T) {
	t.Parallel()

	ids, err := parseIDs(" 3, 7 ,,12 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(ids, []int64{3, 7, 12}) {
		t.Fatalf("unexpected ids: %v", ids)
	}

	ids, err = parseIDs("")
	if err != nil || ids != nil {
		t.Fatalf("expected nil ids for empty input, got %v (%v)", ids, err)
	}

	for _, raw := range []string{"0", "abc", "5,-1"} {
		if _, err := parseIDs(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestParseOutputFormat(t *testing.T) {
	t.Parallel()

	if got, err := parseOutputFormat("", outputFormatTable); err != nil || got != outputFormatTable {
		t.Fatalf("expected default table, got %q (%v)", got, err)
	}
	if got, err := parseOutputFormat(" JSON ", outputFormatTable); err != nil || got != outputFormatJSON {
		t.Fatalf("expected json, got %q (%v)", got, err)
	}
	if _, err := parseOutputFormat("yaml", outputFormatTable); err == nil {
		t.Fatalf("expected error for yaml")
	}
}

func TestTruncateForTable(t *testing.T) {
	t.Parallel()

	if got := truncateForTable("  short  ", 10); got != "short" {
		t.Fatalf("unexpected value: %q", got)
	}
	if got := truncateForTable("重大漏洞风险提示通告", 6); got != "重大漏..." {
		t.Fatalf("unexpected rune truncation: %q", got)
	}
	if got := truncateForTable("abcdef", 2); got != "ab" {
		t.Fatalf("unexpected short truncation: %q", got)
	}
}

func TestSplitList(t *testing.T) {
	t.Parallel()

	got := splitList("重大漏洞风险提示, 其他 ,")
	if !reflect.DeepEqual(got, []string{"重大漏洞风险提示", "其他"}) {
		t.Fatalf("unexpected list: %v", got)
	}
}
