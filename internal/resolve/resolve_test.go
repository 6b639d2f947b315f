package resolve_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"velapack/internal/resolve"
)

func touch(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestCandidates(t *testing.T) {
	got := resolve.Candidates("/w", "trained.tflite")
	want := []string{"/w/trained_vela.tflite", "/w/MOD00001.tfl", "/w/output.tflite"}
	if len(got) != len(want) {
		t.Fatalf("Candidates = %v", got)
	}
	for i := range want {
		if got[i] != filepath.FromSlash(want[i]) {
			t.Errorf("Candidates[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestResolveOrder(t *testing.T) {
	tests := []struct {
		name    string
		present []string
		want    string
	}{
		{"vela name only", []string{"trained_vela.tflite"}, "trained_vela.tflite"},
		{"vela beats legacy", []string{"MOD00001.tfl", "trained_vela.tflite"}, "trained_vela.tflite"},
		{"legacy beats generic", []string{"output.tflite", "MOD00001.tfl"}, "MOD00001.tfl"},
		{"generic", []string{"output.tflite"}, "output.tflite"},
		{"all present", []string{"output.tflite", "MOD00001.tfl", "trained_vela.tflite", "trained.tflite"}, "trained_vela.tflite"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			for _, name := range tc.present {
				touch(t, filepath.Join(dir, name), name)
			}
			r, err := resolve.Resolve(dir, "trained.tflite")
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if r.Path != filepath.Join(dir, tc.want) {
				t.Errorf("Path = %s, want %s", r.Path, tc.want)
			}
			if r.Overwritten {
				t.Error("Overwritten set for a distinct output")
			}
		})
	}
}

func TestResolveOverwriteFallback(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "trained.tflite"), "compiled in place")

	r, err := resolve.Resolve(dir, "trained.tflite")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !r.Overwritten {
		t.Error("expected Overwritten for in-place output")
	}
	if r.Path != filepath.Join(dir, "trained.tflite") {
		t.Errorf("Path = %s", r.Path)
	}
}

func TestResolveIgnoresDirectories(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "trained_vela.tflite"), 0o755); err != nil {
		t.Fatal(err)
	}
	touch(t, filepath.Join(dir, "output.tflite"), "x")
	r, err := resolve.Resolve(dir, "trained.tflite")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(r.Path) != "output.tflite" {
		t.Errorf("Path = %s, want output.tflite", r.Path)
	}
}

func TestResolveNotFound(t *testing.T) {
	dir := t.TempDir()
	_, err := resolve.Resolve(dir, "trained.tflite")
	var nf *resolve.OutputNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected *OutputNotFoundError, got %v", err)
	}
	if len(nf.Candidates) != 4 {
		t.Errorf("expected 3 candidates plus the input, got %v", nf.Candidates)
	}
	if nf.Dir != dir {
		t.Errorf("Dir = %s", nf.Dir)
	}
}

func TestCanonicalize(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "MOD00001.tfl"), "compiled")
	// A stale file at the destination is replaced.
	touch(t, filepath.Join(dir, "widget-custom-v3_vela.tflite"), "stale")

	r, err := resolve.Canonicalize(dir, "trained.tflite", "widget-custom-v3_vela.tflite")
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if r.Path != filepath.Join(dir, "widget-custom-v3_vela.tflite") {
		t.Errorf("Path = %s", r.Path)
	}
	got, _ := os.ReadFile(r.Path)
	if string(got) != "compiled" {
		t.Errorf("canonical content = %q, want compiled", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "MOD00001.tfl")); !os.IsNotExist(err) {
		t.Error("source was copied, not moved")
	}
}

func TestMoveCreatesDestinationDir(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.tflite")
	touch(t, src, "a")
	dst := filepath.Join(dir, "nested", "deeper", "b.tflite")
	if err := resolve.Move(src, dst); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if got, _ := os.ReadFile(dst); string(got) != "a" {
		t.Errorf("dst content = %q", got)
	}
}
