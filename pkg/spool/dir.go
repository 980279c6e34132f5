package spool

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ResolveDir normalizes a configured spool directory and creates it when missing.
// An empty path keeps the system temp directory.
func ResolveDir(dir string) (string, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return "", nil
	}

	expanded, err := expandHome(trimmed)
	if err != nil {
		return "", err
	}

	absPath, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("resolve absolute spool path: %w", err)
	}

	cleanPath := filepath.Clean(absPath)
	if err := os.MkdirAll(cleanPath, 0o700); err != nil {
		return "", fmt.Errorf("create spool directory: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(cleanPath)
	if err != nil {
		return "", fmt.Errorf("resolve spool directory: %w", err)
	}

	return filepath.Clean(resolved), nil
}

func expandHome(path string) (string, error) {
	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return home, nil
	}

	prefix := "~" + string(filepath.Separator)
	if strings.HasPrefix(path, prefix) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, prefix)), nil
	}

	return path, nil
}
