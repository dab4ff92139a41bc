package context

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"unicode/utf8"
)

// Warning is a non-fatal problem encountered while gathering files:
// missing and unreadable files are warnings, not errors.
type Warning struct {
	Path    string
	Message string
}

// classifyPrefixBytes is how much of a file is read to decide text vs
// binary.
const classifyPrefixBytes = 8192

// maxInvalidUTF8Fraction is the share of invalid UTF-8 bytes in the prefix
// tolerated before a file is classified binary.
const maxInvalidUTF8Fraction = 0.01

// defaultImageExtensions is the attachment allow-list for vision-capable
// tools.
var defaultImageExtensions = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".webp": {}, ".bmp": {},
}

// IgnoreMatcher reports whether a path should be excluded from gathering,
// via a gitignore-style, configurable pattern set.
type IgnoreMatcher interface {
	Match(relPath string) bool
}

// Gather recursively enumerates files under each of paths, honoring
// ignore, deduplicating by absolute path, following symlinks once and
// detecting cycles by tracking resolved paths. It returns FileRefs already
// classified text/binary and warnings for missing or unreadable entries.
func Gather(paths []string, ignore IgnoreMatcher) ([]FileRef, []Warning) {
	seenAbs := make(map[string]struct{})
	seenResolved := make(map[string]struct{})
	var refs []FileRef
	var warnings []Warning

	var walk func(p string, symlinkDepth int)
	walk = func(p string, symlinkDepth int) {
		abs, err := filepath.Abs(p)
		if err != nil {
			warnings = append(warnings, Warning{Path: p, Message: err.Error()})
			return
		}
		info, err := os.Lstat(abs)
		if err != nil {
			warnings = append(warnings, Warning{Path: p, Message: "missing: " + err.Error()})
			return
		}
		if info.Mode()&os.ModeSymlink != 0 {
			if symlinkDepth > 0 {
				// already followed one symlink hop on this branch; do not
				// follow again to avoid cycles.
				warnings = append(warnings, Warning{Path: p, Message: "symlink cycle or nested symlink skipped"})
				return
			}
			resolved, err := filepath.EvalSymlinks(abs)
			if err != nil {
				warnings = append(warnings, Warning{Path: p, Message: "unreadable symlink: " + err.Error()})
				return
			}
			if _, dup := seenResolved[resolved]; dup {
				return
			}
			seenResolved[resolved] = struct{}{}
			walk(resolved, symlinkDepth+1)
			return
		}
		if info.IsDir() {
			entries, err := os.ReadDir(abs)
			if err != nil {
				warnings = append(warnings, Warning{Path: p, Message: "unreadable dir: " + err.Error()})
				return
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				names = append(names, e.Name())
			}
			sort.Strings(names)
			for _, name := range names {
				child := filepath.Join(abs, name)
				rel, _ := filepath.Rel(abs, child)
				if ignore != nil && ignore.Match(rel) {
					continue
				}
				walk(child, symlinkDepth)
			}
			return
		}
		if _, dup := seenAbs[abs]; dup {
			return
		}
		seenAbs[abs] = struct{}{}

		ref, err := classify(abs, info)
		if err != nil {
			warnings = append(warnings, Warning{Path: abs, Message: "unreadable: " + err.Error()})
			return
		}
		refs = append(refs, ref)
	}

	for _, p := range paths {
		walk(p, 0)
	}
	return refs, warnings
}

func classify(abs string, info os.FileInfo) (FileRef, error) {
	f, err := os.Open(abs)
	if err != nil {
		return FileRef{}, err
	}
	defer f.Close()

	buf := make([]byte, classifyPrefixBytes)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return FileRef{}, err
	}
	prefix := buf[:n]

	ref := FileRef{
		AbsPath:     abs,
		SizeBytes:   info.Size(),
		ModTimeUnix: info.ModTime().Unix(),
	}
	ref.IsBinary = !looksLikeText(prefix)
	if ref.IsBinary {
		ext := filepath.Ext(abs)
		if _, ok := defaultImageExtensions[ext]; ok {
			ref.IsImage = true
		}
	}
	return ref, nil
}

// looksLikeText reports whether prefix looks like text: UTF-8 decodable
// with at most a small fraction of invalid bytes and no null bytes.
func looksLikeText(prefix []byte) bool {
	if bytes.IndexByte(prefix, 0) >= 0 {
		return false
	}
	if len(prefix) == 0 {
		return true
	}
	invalid := 0
	for i := 0; i < len(prefix); {
		r, size := utf8.DecodeRune(prefix[i:])
		if r == utf8.RuneError && size == 1 {
			invalid++
			i++
			continue
		}
		i += size
	}
	return float64(invalid)/float64(len(prefix)) <= maxInvalidUTF8Fraction
}
