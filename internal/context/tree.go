package context

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

type treeNode struct {
	isFile   bool
	attached bool
	children map[string]*treeNode
}

// RenderTree produces a compact textual directory tree covering allPaths,
// marking entries present in attachedPaths. Grounded on the original ASCII
// tree renderer (original_source's
// mcp_second_brain/utils/file_tree.py): files grouped under their nearest
// common ancestor, directories before files at each level, alphabetical
// within each group, "├──"/"└──" connectors.
func RenderTree(allPaths []string, attachedPaths []string) string {
	if len(allPaths) == 0 {
		return "(empty)"
	}
	attached := make(map[string]struct{}, len(attachedPaths))
	for _, p := range attachedPaths {
		attached[filepath.Clean(p)] = struct{}{}
	}

	cleaned := make([]string, len(allPaths))
	for i, p := range allPaths {
		cleaned[i] = filepath.Clean(p)
	}
	root := commonRoot(cleaned)

	tree := &treeNode{children: make(map[string]*treeNode)}
	for _, p := range cleaned {
		rel, err := filepath.Rel(root, p)
		if err != nil {
			rel = p
		}
		parts := strings.Split(rel, string(filepath.Separator))
		cur := tree
		for i, part := range parts {
			if part == "." || part == "" {
				continue
			}
			if i == len(parts)-1 {
				_, isAttached := attached[p]
				cur.children[part] = &treeNode{isFile: true, attached: isAttached}
				continue
			}
			child, ok := cur.children[part]
			if !ok {
				child = &treeNode{children: make(map[string]*treeNode)}
				cur.children[part] = child
			}
			cur = child
		}
	}

	var b strings.Builder
	b.WriteString(root)
	renderNode(&b, tree, "")
	return b.String()
}

func renderNode(b *strings.Builder, node *treeNode, prefix string) {
	names := make([]string, 0, len(node.children))
	for name := range node.children {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, c := node.children[names[i]], node.children[names[j]]
		if a.isFile != c.isFile {
			return !a.isFile // directories first
		}
		return strings.ToLower(names[i]) < strings.ToLower(names[j])
	})

	for i, name := range names {
		child := node.children[name]
		last := i == len(names)-1
		connector := "├── "
		if last {
			connector = "└── "
		}
		if child.isFile {
			marker := ""
			if child.attached {
				marker = " attached"
			}
			fmt.Fprintf(b, "\n%s%s%s%s", prefix, connector, name, marker)
			continue
		}
		fmt.Fprintf(b, "\n%s%s%s", prefix, connector, name)
		ext := "│   "
		if last {
			ext = "    "
		}
		renderNode(b, child, prefix+ext)
	}
}

func commonRoot(paths []string) string {
	if len(paths) == 1 {
		return filepath.Dir(paths[0])
	}
	root := filepath.Dir(paths[0])
	for _, p := range paths[1:] {
		root = commonPrefixDir(root, filepath.Dir(p))
	}
	return root
}

func commonPrefixDir(a, b string) string {
	aParts := strings.Split(a, string(filepath.Separator))
	bParts := strings.Split(b, string(filepath.Separator))
	n := len(aParts)
	if len(bParts) < n {
		n = len(bParts)
	}
	i := 0
	for i < n && aParts[i] == bParts[i] {
		i++
	}
	if i == 0 {
		return string(filepath.Separator)
	}
	return strings.Join(aParts[:i], string(filepath.Separator))
}
