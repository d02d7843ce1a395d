// Package fileutil provides small filesystem helpers shared across the
// agent: existence checks, whole-file reads, atomic writes, and directory
// creation.
package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Exists reports whether path names an existing file or directory.
func Exists(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// Readable reports whether path names a regular file the process can open
// for reading.
func Readable(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	return err == nil && info.Mode().IsRegular()
}

// Read returns the whole content of the file at path as a string.
func Read(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("fileutil: read %s: %w", path, err)
	}
	return string(data), nil
}

// AtomicWrite writes content to path by first writing a sibling temporary
// file and then renaming it into place. A concurrent reader observes either
// the previous content or the full new content, never a partial write.
func AtomicWrite(path, content string, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("fileutil: create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("fileutil: write %s: %w", tmpName, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("fileutil: chmod %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("fileutil: close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("fileutil: rename %s to %s: %w", tmpName, path, err)
	}
	return nil
}

// EnsureDir creates path (and any missing parents) unless it already exists
// as a directory.
func EnsureDir(path string, perm os.FileMode) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("fileutil: empty directory path")
	}
	if info, err := os.Stat(path); err == nil {
		if !info.IsDir() {
			return fmt.Errorf("fileutil: %s exists but is not a directory", path)
		}
		return nil
	}
	return os.MkdirAll(path, perm)
}

// Expand replaces a leading "~" with the current user's home directory.
// Paths without a tilde prefix are returned unchanged.
func Expand(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
	}
	return path
}
