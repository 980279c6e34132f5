package spool

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveDirExpandsHomeAndCreatesDirectory(t *testing.T) {
	homeDir := t.TempDir()
	t.Setenv("HOME", homeDir)

	dir, err := ResolveDir("~/spool")
	if err != nil {
		t.Fatalf("ResolveDir error: %v", err)
	}

	want, err := filepath.EvalSymlinks(filepath.Join(homeDir, "spool"))
	if err != nil {
		t.Fatalf("EvalSymlinks error: %v", err)
	}
	if dir != want {
		t.Fatalf("ResolveDir = %q, want %q", dir, want)
	}
	if info, statErr := os.Stat(dir); statErr != nil || !info.IsDir() {
		t.Fatalf("spool directory missing: %v", statErr)
	}

	buf := New(4, WithDir(dir))
	defer buf.Close()
	if _, err := buf.Write([]byte("spill")); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if filepath.Dir(buf.Name()) != dir {
		t.Fatalf("spool file = %q, want inside %q", buf.Name(), dir)
	}
}

func TestResolveDirEmptyKeepsSystemTemp(t *testing.T) {
	dir, err := ResolveDir("  ")
	if err != nil || dir != "" {
		t.Fatalf("ResolveDir(empty) = (%q, %v), want empty", dir, err)
	}
}
