package runtimeenv

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDotEnvMissingFileIsNotError(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "does-not-exist.env")); err != nil {
		t.Fatalf("missing .env should not be an error, got: %v", err)
	}
}

func TestLoadDotEnvSetsVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("MARKET_ARCHIVER_TEST_VAR=hello\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	defer os.Unsetenv("MARKET_ARCHIVER_TEST_VAR")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("MARKET_ARCHIVER_TEST_VAR"); got != "hello" {
		t.Fatalf("expected hello, got %q", got)
	}
}

func TestAvailableMemoryBytesPositive(t *testing.T) {
	got, err := AvailableMemoryBytes()
	if err != nil {
		t.Fatalf("AvailableMemoryBytes: %v", err)
	}
	if got <= 0 {
		t.Fatalf("expected a positive available memory estimate, got %d", got)
	}
}

func TestRaiseNoFileIsIdempotent(t *testing.T) {
	if err := RaiseNoFile(64); err != nil {
		t.Fatalf("RaiseNoFile: %v", err)
	}
	if err := RaiseNoFile(64); err != nil {
		t.Fatalf("second RaiseNoFile call: %v", err)
	}
}
