package context

import (
	"context"
	"sort"
)

// Input bundles everything the assembler needs for one call.
type Input struct {
	ContextPaths     []string
	AttachmentPaths  []string
	PriorityContext  []string
	ContextWindow    int
	InlineBudgetFrac float64
	Ignore           IgnoreMatcher
	Tokenizer        Tokenizer
	// StableInlineSet is the session's inline_file_fingerprints from a
	// prior call in the same session, keyed by content hash. Nil when
	// there is no session or this is its first call.
	StableInlineSet map[string]struct{}
}

// Result is what the assembler hands to the vector-store manager and the
// prompt renderer.
type Result struct {
	Inline        []FileRef
	Overflow      []FileRef
	Tree          string
	Warnings      []Warning
	NewInlineSet  map[string]struct{} // content hashes, persisted with the session
}

// Assemble gathers, classifies, prioritizes, and splits the referenced
// paths into inline and overflow sets. It is cancellation-aware:
// tokenization yields at file granularity so a cancelled ctx aborts
// promptly rather than finishing an arbitrarily large gather.
func Assemble(ctx context.Context, in Input) (Result, error) {
	if in.Tokenizer == nil {
		in.Tokenizer = CharRatioTokenizer{}
	}
	budget := int(float64(in.ContextWindow) * in.InlineBudgetFrac)

	allPaths := append(append([]string{}, in.ContextPaths...), in.AttachmentPaths...)
	refs, warnings := Gather(allPaths, in.Ignore)

	priority := toSet(in.PriorityContext)
	attached := toSet(in.AttachmentPaths)

	var textRefs []FileRef
	for i := range refs {
		r := refs[i]
		if r.IsBinary {
			continue // dropped from the prompt; image attachment handling is the caller's concern
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}
		n, err := estimateFileTokens(in.Tokenizer, r.AbsPath)
		if err != nil {
			warnings = append(warnings, Warning{Path: r.AbsPath, Message: "unreadable: " + err.Error()})
			continue
		}
		r.TokenEstimate = n
		textRefs = append(textRefs, r)
	}

	inline, overflow := split(textRefs, budget, priority, in.StableInlineSet)

	newInlineSet := make(map[string]struct{}, len(inline))
	for i := range inline {
		hash, err := inline[i].ContentHash()
		if err != nil {
			warnings = append(warnings, Warning{Path: inline[i].AbsPath, Message: "hash failed: " + err.Error()})
			continue
		}
		newInlineSet[hash] = struct{}{}
	}

	allForTree := make([]string, 0, len(inline)+len(overflow))
	for _, r := range inline {
		allForTree = append(allForTree, r.AbsPath)
	}
	for _, r := range overflow {
		allForTree = append(allForTree, r.AbsPath)
	}
	tree := RenderTree(allForTree, keys(attached))

	return Result{
		Inline:       inline,
		Overflow:     overflow,
		Tree:         tree,
		Warnings:     warnings,
		NewInlineSet: newInlineSet,
	}, nil
}

// split greedily fills the inline set up to budget, preferring (a) files
// already in the session's stable inline set, (b) priority files, (c)
// smaller files; the remainder overflows. If the priority set alone
// exceeds budget, inline becomes exactly the priority set.
func split(refs []FileRef, budget int, priority map[string]struct{}, stable map[string]struct{}) (inline, overflow []FileRef) {
	priorityRefs := make([]FileRef, 0)
	rest := make([]FileRef, 0, len(refs))
	for _, r := range refs {
		if _, ok := priority[r.AbsPath]; ok {
			priorityRefs = append(priorityRefs, r)
		} else {
			rest = append(rest, r)
		}
	}

	priorityTokens := 0
	for _, r := range priorityRefs {
		priorityTokens += r.TokenEstimate
	}
	if priorityTokens > budget && len(priorityRefs) > 0 {
		return priorityRefs, rest
	}

	// Rank "rest" by stable-set membership first, then file size, so the
	// inline set stays stable across calls in the same session while still
	// preferring small files when there is room to add more.
	sort.SliceStable(rest, func(i, j int) bool {
		iStable := inStableSet(rest[i], stable)
		jStable := inStableSet(rest[j], stable)
		if iStable != jStable {
			return iStable
		}
		return rest[i].SizeBytes < rest[j].SizeBytes
	})

	inline = append(inline, priorityRefs...)
	used := priorityTokens
	for _, r := range rest {
		if used+r.TokenEstimate > budget {
			overflow = append(overflow, r)
			continue
		}
		inline = append(inline, r)
		used += r.TokenEstimate
	}
	return inline, overflow
}

func inStableSet(r FileRef, stable map[string]struct{}) bool {
	if stable == nil {
		return false
	}
	hash, err := r.ContentHash()
	if err != nil {
		return false
	}
	_, ok := stable[hash]
	return ok
}

func toSet(paths []string) map[string]struct{} {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	return set
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
