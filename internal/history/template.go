package history

import (
	"embed"
	"encoding/json"
	"fmt"
	"path"
	"sort"
)

//go:embed templates/*.json
var templatesFS embed.FS

// TemplateNode is one node of a template tree: either a file (Content set)
// or a directory (Children set).
type TemplateNode struct {
	Content  *string
	IsBinary bool
	Children map[string]*TemplateNode
}

// TemplateTree is the nested directory structure of an initial project template.
type TemplateTree map[string]*TemplateNode

// UnmarshalJSON decodes a node. An object carrying a "content" key is a file;
// anything else is a directory whose keys are child names.
func (n *TemplateNode) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}

	if rawContent, ok := probe["content"]; ok {
		var content string
		if err := json.Unmarshal(rawContent, &content); err != nil {
			return fmt.Errorf("template file content must be a string: %w", err)
		}
		n.Content = &content
		if rawBin, ok := probe["isBinary"]; ok {
			_ = json.Unmarshal(rawBin, &n.IsBinary)
		}
		return nil
	}

	n.Children = make(map[string]*TemplateNode, len(probe))
	for name, raw := range probe {
		child := &TemplateNode{}
		if err := json.Unmarshal(raw, child); err != nil {
			return fmt.Errorf("template node %q: %w", name, err)
		}
		n.Children[name] = child
	}
	return nil
}

// Flatten converts the nested tree into a path-keyed FileMap. Directory
// entries themselves do not appear; files record their parent directory.
func (t TemplateTree) Flatten() FileMap {
	files := make(FileMap)

	var walk func(prefix string, node *TemplateNode)
	walk = func(prefix string, node *TemplateNode) {
		if node == nil {
			return
		}
		if node.Content != nil {
			files[prefix] = FileEntry{
				Content:    *node.Content,
				IsBinary:   node.IsBinary,
				ParentPath: parentOf(prefix),
			}
			return
		}
		for name, child := range node.Children {
			walk(path.Join(prefix, name), child)
		}
	}

	for name, node := range t {
		walk(name, node)
	}
	return files
}

// parentOf returns the dirname of p, or nil for files at the tree root.
func parentOf(p string) *string {
	dir := path.Dir(p)
	if dir == "." || dir == "/" {
		return nil
	}
	return &dir
}

// LoadTemplate loads a named template from the embedded registry.
func LoadTemplate(name string) (TemplateTree, error) {
	data, err := templatesFS.ReadFile("templates/" + name + ".json")
	if err != nil {
		return nil, fmt.Errorf("unknown template %q: %w", name, err)
	}

	var tree TemplateTree
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("parse template %q: %w", name, err)
	}
	return tree, nil
}

// Templates lists the names of all embedded templates.
func Templates() []string {
	entries, err := templatesFS.ReadDir("templates")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		names = append(names, name[:len(name)-len(".json")])
	}
	sort.Strings(names)
	return names
}
