package cli

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func TestEnvLoader_LoadsFlagPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "digest.env")
	if err := os.WriteFile(path, []byte("DIGEST_TEST_VALUE=loaded\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv(EnvFileOverrideVar, "")
	t.Setenv("DIGEST_TEST_VALUE", "")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	loader := AddEnvFlag(fs, ".env", "")
	if err := fs.Parse([]string{"--env", path}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	loaded, err := loader.Load()
	if err != nil {
		t.Fatalf("load env: %v", err)
	}
	if loaded != path {
		t.Fatalf("unexpected loaded path: got %q want %q", loaded, path)
	}
	if got := os.Getenv("DIGEST_TEST_VALUE"); got != "loaded" {
		t.Fatalf("unexpected env value: %q", got)
	}
}

func TestEnvLoader_CandidatesIncludeFallbacks(t *testing.T) {
	t.Parallel()

	value := "/srv/app/custom.env"
	loader := &EnvLoader{value: &value, defaultPath: ".env"}
	got := loader.candidates()
	want := []string{"/srv/app/custom.env", "custom.env", ".env"}
	if len(got) != len(want) {
		t.Fatalf("unexpected candidates: %#v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidate %d: got %q want %q", i, got[i], want[i])
		}
	}
}
