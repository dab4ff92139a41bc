package context

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatternIgnoreMatcherWithNoPatternsMatchesNothing(t *testing.T) {
	m, err := LoadIgnoreFiles(nil)
	require.NoError(t, err)
	assert.False(t, m.Match("anything"))
}

func TestLoadIgnoreFilesParsesPatternsSkippingCommentsAndBlanks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".ignore")
	content := "# comment\n\n*.log\nbuild/\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	m, err := LoadIgnoreFiles([]string{path})
	require.NoError(t, err)
	assert.True(t, m.Match("debug.log"))
	assert.True(t, m.Match("nested/debug.log"))
	assert.False(t, m.Match("main.go"))
}

func TestLoadIgnoreFilesSkipsMissingFile(t *testing.T) {
	m, err := LoadIgnoreFiles([]string{filepath.Join(t.TempDir(), "nope")})
	require.NoError(t, err)
	assert.False(t, m.Match("anything"))
}
