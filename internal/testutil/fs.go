// Package testutil provides filesystem fixtures for tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteFile writes content at path, creating parent directories.
func WriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o666); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// TempTree materializes files (relative path to content) under a fresh temp
// directory and returns its path. The directory is removed with the test.
func TempTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for rel, content := range files {
		WriteFile(t, filepath.Join(dir, rel), content)
	}
	return dir
}

// ReadFile returns the content at path, failing the test on error.
func ReadFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}
