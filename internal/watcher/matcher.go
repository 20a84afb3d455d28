package watcher

import (
	"path/filepath"
	"strings"
	"sync"
)

// Matcher decides which paths the watcher ignores. A path is ignored when
// a glob matches the whole slash-separated relative path or any single
// component of it, so "__pycache__" ignores everything beneath such a
// directory and "*.pyc" ignores compiled files at any depth.
type Matcher struct {
	mu       sync.RWMutex
	patterns []string
}

// NewMatcher creates a Matcher over patterns.
func NewMatcher(patterns []string) *Matcher {
	m := &Matcher{}
	m.SetPatterns(patterns)
	return m
}

// SetPatterns replaces the patterns. Safe for concurrent use with Match.
func (m *Matcher) SetPatterns(patterns []string) {
	cp := append([]string{}, patterns...)
	m.mu.Lock()
	m.patterns = cp
	m.mu.Unlock()
}

// Patterns returns a copy of the current patterns.
func (m *Matcher) Patterns() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string{}, m.patterns...)
}

// Match reports whether rel, a path relative to the watch root, is ignored.
func (m *Matcher) Match(rel string) bool {
	rel = filepath.ToSlash(filepath.Clean(rel))
	if rel == "." || rel == "" {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	components := strings.Split(rel, "/")
	for _, pattern := range m.patterns {
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
		for _, c := range components {
			if ok, _ := filepath.Match(pattern, c); ok {
				return true
			}
		}
	}
	return false
}
