package context

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// PatternIgnoreMatcher matches relative paths against a flat list of
// gitignore-style glob patterns (path/filepath.Match syntax, applied to
// both the full relative path and its base name so a bare "*.log" pattern
// behaves the way a .gitignore file author expects). No ecosystem
// gitignore-parsing library appears anywhere in the retrieved pack, so this
// stays on path/filepath.Match rather than reimplementing one.
type PatternIgnoreMatcher struct {
	patterns []string
}

// Match implements IgnoreMatcher.
func (m PatternIgnoreMatcher) Match(relPath string) bool {
	base := filepath.Base(relPath)
	for _, pat := range m.patterns {
		if ok, _ := filepath.Match(pat, relPath); ok {
			return true
		}
		if ok, _ := filepath.Match(pat, base); ok {
			return true
		}
	}
	return false
}

// LoadIgnoreFiles reads every path in files as a newline-delimited list of
// glob patterns, skipping blank lines and "#" comments, and merges them into
// one configurable, gitignore-style matcher. A missing file is skipped
// rather than treated as an error, since an unconfigured ignore file list is
// a valid (if permissive) starting state.
func LoadIgnoreFiles(files []string) (PatternIgnoreMatcher, error) {
	var patterns []string
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return PatternIgnoreMatcher{}, err
		}
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			patterns = append(patterns, line)
		}
		err = scanner.Err()
		f.Close()
		if err != nil {
			return PatternIgnoreMatcher{}, err
		}
	}
	return PatternIgnoreMatcher{patterns: patterns}, nil
}
