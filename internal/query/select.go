package query

import (
	"strings"

	"github.com/locussearch/locus/internal/apperr"
	"github.com/locussearch/locus/internal/schema"
	"github.com/locussearch/locus/internal/vectorstore"
)

// selectNode is one level of the parsed select tree. whole keeps the
// entire retrievable subtree under the field; children narrow it.
type selectNode struct {
	whole    bool
	children map[string]*selectNode
}

// parseSelect parses the comma-separated select list into a tree. An
// empty list or "*" selects every retrievable field.
func parseSelect(def *schema.Index, raw string) (*selectNode, error) {
	paths := splitList(raw)
	if len(paths) == 0 {
		return nil, nil
	}
	root := &selectNode{children: map[string]*selectNode{}}
	for _, path := range paths {
		if path == "*" {
			return nil, nil
		}
		f := def.FieldByPath(path)
		if f == nil {
			return nil, apperr.InvalidArgument("unknown field %q in select", path)
		}
		if !f.IsRetrievable() {
			return nil, apperr.InvalidArgument("field %q is not retrievable", path)
		}
		node := root
		for _, seg := range strings.Split(path, "/") {
			child := node.children[seg]
			if child == nil {
				child = &selectNode{children: map[string]*selectNode{}}
				node.children[seg] = child
			}
			node = child
		}
		node.whole = true
	}
	return root, nil
}

// projectDocument filters doc to the select tree, walking the definition
// so unknown and non-retrievable fields never reach the wire. A nil tree
// keeps every retrievable field.
func projectDocument(def *schema.Index, doc schema.Document, sel *selectNode) schema.Document {
	if doc == nil {
		return nil
	}
	return projectFields(def.Fields, doc, sel)
}

func projectFields(fields []schema.Field, doc schema.Document, sel *selectNode) schema.Document {
	out := schema.Document{}
	for i := range fields {
		f := &fields[i]
		var child *selectNode
		if sel != nil && !sel.whole {
			child = sel.children[f.Name]
			if child == nil {
				continue
			}
		}
		if !f.IsRetrievable() {
			continue
		}
		v, ok := doc[f.Name]
		if !ok {
			continue
		}
		if schema.IsComplexType(f.Type) {
			out[f.Name] = projectComplex(f, v, child)
			continue
		}
		out[f.Name] = v
	}
	return out
}

func projectComplex(f *schema.Field, v any, sel *selectNode) any {
	if schema.IsCollection(f.Type) {
		elems, ok := v.([]any)
		if !ok {
			return v
		}
		out := make([]any, 0, len(elems))
		for _, elem := range elems {
			m, ok := elem.(map[string]any)
			if !ok {
				continue
			}
			out = append(out, projectFields(f.Fields, m, sel))
		}
		return out
	}
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	return projectFields(f.Fields, m, sel)
}

// Project applies a select list to one retrieved document, filling
// selected vector fields back in from the vector store. An empty list
// keeps every retrievable field.
func Project(def *schema.Index, vecs *vectorstore.IndexVectors, key string, doc schema.Document, selectList string) (schema.Document, error) {
	sel, err := parseSelect(def, selectList)
	if err != nil {
		return nil, err
	}
	out := projectDocument(def, doc, sel)
	fillVectors(def, vecs, key, out, sel)
	return out, nil
}

// fillVectors copies selected vector fields from the vector store into a
// projected document. Stored sources strip vectors, so this is the only
// way they reach a response.
func fillVectors(def *schema.Index, vecs *vectorstore.IndexVectors, key string, doc schema.Document, sel *selectNode) {
	if vecs == nil || doc == nil {
		return
	}
	for _, f := range def.VectorFields() {
		if !f.IsRetrievable() {
			continue
		}
		if sel != nil && !sel.whole && sel.children[f.Name] == nil {
			continue
		}
		if v, ok := vecs.Vector(f.Name, key); ok {
			doc[f.Name] = v
		}
	}
}
