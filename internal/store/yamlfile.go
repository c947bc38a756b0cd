package store

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// YAMLFile stores the port in a YAML document. It edits the node tree
// rather than a decoded map, so comments, key order and styles of
// unrelated entries survive the rewrite.
type YAMLFile struct {
	path string
}

// Path returns the file backing the store.
func (y *YAMLFile) Path() string {
	return y.path
}

// Persist sets key (dotted keys address nested mappings) to port.
func (y *YAMLFile) Persist(key string, port int) error {
	parts, err := splitKey(key)
	if err != nil {
		return err
	}
	doc, err := y.load()
	if err != nil {
		return err
	}

	node, err := lookupNode(doc.Content[0], parts, true)
	if err != nil {
		return fmt.Errorf("%s: %w", y.path, err)
	}
	node.Kind = yaml.ScalarNode
	node.Tag = "!!int"
	node.Style = 0
	node.Value = strconv.Itoa(port)
	node.Content = nil

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode %s: %w", y.path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode %s: %w", y.path, err)
	}
	return writeFileAtomic(y.path, buf.Bytes())
}

// Lookup returns the port stored under key.
func (y *YAMLFile) Lookup(key string) (int, bool, error) {
	parts, err := splitKey(key)
	if err != nil {
		return 0, false, err
	}
	doc, err := y.load()
	if err != nil {
		return 0, false, err
	}
	node, err := lookupNode(doc.Content[0], parts, false)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", y.path, err)
	}
	if node == nil {
		return 0, false, nil
	}

	var port int
	if err := node.Decode(&port); err != nil {
		return 0, false, fmt.Errorf("%s: %s: %w", y.path, key, err)
	}
	return port, true, nil
}

// load returns a document node whose single child is a mapping. Missing,
// blank or comment-only files yield an empty mapping.
func (y *YAMLFile) load() (*yaml.Node, error) {
	data, err := readOptional(y.path)
	if err != nil {
		return nil, err
	}

	var doc yaml.Node
	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", y.path, err)
		}
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return &yaml.Node{
			Kind:    yaml.DocumentNode,
			Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}},
		}, nil
	}
	if doc.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%s: top-level value is not a mapping", y.path)
	}
	return &doc, nil
}

// lookupNode walks parts through nested mappings and returns the value
// node. With create set, missing keys are appended; otherwise a missing
// key yields (nil, nil).
func lookupNode(mapping *yaml.Node, parts []string, create bool) (*yaml.Node, error) {
	cur := mapping
	for i, part := range parts {
		last := i == len(parts)-1

		var val *yaml.Node
		for j := 0; j+1 < len(cur.Content); j += 2 {
			if cur.Content[j].Value == part {
				val = cur.Content[j+1]
				break
			}
		}

		if val == nil {
			if !create {
				return nil, nil
			}
			val = &yaml.Node{Kind: yaml.ScalarNode}
			if !last {
				val = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			}
			cur.Content = append(cur.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: part}, val)
		}

		if last {
			return val, nil
		}
		if val.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("%s is not a mapping", strings.Join(parts[:i+1], "."))
		}
		cur = val
	}
	return nil, nil
}
