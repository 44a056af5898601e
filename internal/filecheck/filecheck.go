// Package filecheck chains assertions on files written by the dev server.
package filecheck

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Checker collects checks on one path.
type Checker struct {
	Path   string
	checks []func(string) error
}

// New ...
func New(path string) *Checker {
	return &Checker{Path: path}
}

// Check runs every check and joins their errors.
func (c *Checker) Check() error {
	var errs []error
	for _, check := range c.checks {
		if err := check(c.Path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsFile checks that the path is a regular file.
func (c *Checker) IsFile() *Checker {
	c.checks = append(c.checks, func(path string) error {
		info, err := stat(path)
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("expected regular file: %s", path)
		}
		return nil
	})
	return c
}

// IsDir checks that the path is a directory.
func (c *Checker) IsDir() *Checker {
	c.checks = append(c.checks, func(path string) error {
		info, err := stat(path)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("expected directory: %s", path)
		}
		return nil
	})
	return c
}

// Missing checks that nothing exists at the path.
func (c *Checker) Missing() *Checker {
	c.checks = append(c.checks, func(path string) error {
		if _, err := os.Lstat(path); !os.IsNotExist(err) {
			return fmt.Errorf("expected %s to be removed", path)
		}
		return nil
	})
	return c
}

// Size checks the file size.
func (c *Checker) Size(want int64) *Checker {
	c.checks = append(c.checks, func(path string) error {
		info, err := stat(path)
		if err != nil {
			return err
		}
		if info.Size() != want {
			return fmt.Errorf("size mismatch for %s: want %d got %d", path, want, info.Size())
		}
		return nil
	})
	return c
}

// Content checks the file content byte by byte.
func (c *Checker) Content(want []byte) *Checker {
	c.checks = append(c.checks, func(path string) error {
		got, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if !bytes.Equal(got, want) {
			return fmt.Errorf("content mismatch for %s: want %d bytes, got %d bytes", path, len(want), len(got))
		}
		return nil
	})
	return c
}

// Entries checks the number of entries of a directory, ignoring files matching skip.
func (c *Checker) Entries(want int, skip ...string) *Checker {
	c.checks = append(c.checks, func(path string) error {
		entries, err := os.ReadDir(path)
		if err != nil {
			return err
		}
		got := 0
		for _, entry := range entries {
			if matchesAny(entry.Name(), skip) {
				continue
			}
			got++
		}
		if got != want {
			return fmt.Errorf("%s: want %d entries got %d", path, want, got)
		}
		return nil
	})
	return c
}

func matchesAny(name string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

func stat(path string) (os.FileInfo, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("path does not exist: %s", path)
		}
		return nil, fmt.Errorf("lstat %s: %w", path, err)
	}
	return info, nil
}
