package safety

import (
	"os"
	"path/filepath"
	"testing"

	apperrors "github.com/ngoclaw/ngoclaw/gateway/pkg/errors"
)

func TestValidate_NullByte(t *testing.T) {
	dir := t.TempDir()
	v := New(DefaultConfig(), dir)

	_, err := v.Validate("src/ma\x00in.rs")
	if !apperrors.IsKind(err, apperrors.KindNullByte) {
		t.Fatalf("expected NullByte error, got %v", err)
	}
}

func TestValidate_Homoglyph(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.DeniedPaths = []string{"**/.env"}
	v := New(cfg, dir)

	_, err := v.Validate(".ｅnv") // fullwidth 'e'
	if !apperrors.IsKind(err, apperrors.KindHomoglyph) {
		t.Fatalf("expected Homoglyph error, got %v", err)
	}
}

func TestValidate_TraversalBlocked(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.RequireConfirmation = []string{"shell_exec"}
	v := New(cfg, dir)

	_, err := v.Validate("../../../etc/passwd")
	if !apperrors.IsKind(err, apperrors.KindTraversal) {
		t.Fatalf("expected Traversal error, got %v", err)
	}
}

func TestValidate_SafeEditUnderWorkingDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	f := filepath.Join(dir, "src", "main.rs")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	v := New(DefaultConfig(), dir)
	canonical, err := v.Validate("src/main.rs")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	resolvedDir, _ := filepath.EvalSymlinks(dir)
	want := filepath.Join(resolvedDir, "src", "main.rs")
	if canonical != want {
		t.Fatalf("canonical = %q, want %q", canonical, want)
	}
}

func TestValidate_DeniedPatternWins(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("SECRET=1"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.DeniedPaths = []string{"**/.env"}
	v := New(cfg, dir)

	_, err := v.Validate(".env")
	if !apperrors.IsKind(err, apperrors.KindDenied) {
		t.Fatalf("expected Denied error, got %v", err)
	}
}

func TestValidate_EmptyAllowListFallsBackToWorkingDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	cfg.AllowedPaths = nil
	v := New(cfg, dir)

	if _, err := v.Validate("a.txt"); err != nil {
		t.Fatalf("expected no error for path under working dir, got %v", err)
	}
}

func TestCanonicalPathIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	v := New(DefaultConfig(), dir)

	first, err := v.Validate("a.txt")
	if err != nil {
		t.Fatal(err)
	}
	second, err := v.Validate(first)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("canonicalization not idempotent: %q != %q", first, second)
	}
}
