// Package enrich executes skillsets over enriched documents. An enriched
// document is a tree rooted at /document: interior nodes are objects or
// arrays, leaves are scalars or embedding vectors, and any node can carry
// skill-written annotation children. Skills address nodes with slash
// paths; a * segment expands to one binding per child.
package enrich

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Kind enumerates the variants an enriched-document node can hold.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
	KindVector
)

// Value is one node of an enriched document. Values are built through the
// constructor functions; the zero Value is null.
//
// Any node, not just an object, may carry named children: skills annotate
// the nodes they ran over, so a page that is a string can still hold a
// vector child at pages/0/vector. Annotations are invisible to ToAny and
// to wildcard expansion; only explicit paths reach them.
type Value struct {
	kind Kind
	b    bool
	num  float64
	str  string
	arr  []*Value
	obj  map[string]*Value
	vec  []float32
}

// Null returns the null node.
func Null() *Value { return &Value{} }

// Bool returns a boolean node.
func Bool(b bool) *Value { return &Value{kind: KindBool, b: b} }

// Number returns a numeric node. All numbers are float64, as in JSON.
func Number(n float64) *Value { return &Value{kind: KindNumber, num: n} }

// String returns a string node.
func String(s string) *Value { return &Value{kind: KindString, str: s} }

// Array returns an array node over the given items.
func Array(items ...*Value) *Value { return &Value{kind: KindArray, arr: items} }

// Object returns an empty object node.
func Object() *Value { return &Value{kind: KindObject, obj: map[string]*Value{}} }

// Vector returns an embedding-vector node.
func Vector(v []float32) *Value { return &Value{kind: KindVector, vec: v} }

// Kind reports the variant held by v. A nil receiver is null.
func (v *Value) Kind() Kind {
	if v == nil {
		return KindNull
	}
	return v.kind
}

// IsNull reports whether v is the null node.
func (v *Value) IsNull() bool { return v.Kind() == KindNull }

// StringValue returns the string held by v.
func (v *Value) StringValue() (string, bool) {
	if v == nil || v.kind != KindString {
		return "", false
	}
	return v.str, true
}

// NumberValue returns the number held by v.
func (v *Value) NumberValue() (float64, bool) {
	if v == nil || v.kind != KindNumber {
		return 0, false
	}
	return v.num, true
}

// BoolValue returns the boolean held by v.
func (v *Value) BoolValue() (bool, bool) {
	if v == nil || v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// VectorValue returns the embedding vector held by v.
func (v *Value) VectorValue() ([]float32, bool) {
	if v == nil || v.kind != KindVector {
		return nil, false
	}
	return v.vec, true
}

// Items returns the elements of an array node, nil otherwise.
func (v *Value) Items() []*Value {
	if v == nil || v.kind != KindArray {
		return nil
	}
	return v.arr
}

// Append adds an item to an array node.
func (v *Value) Append(item *Value) {
	if v.kind == KindArray {
		v.arr = append(v.arr, item)
	}
}

// Field returns the named child of a node.
func (v *Value) Field(name string) (*Value, bool) {
	if v == nil || v.obj == nil {
		return nil, false
	}
	child, ok := v.obj[name]
	return child, ok
}

// SetField sets a named child on a node of any kind.
func (v *Value) SetField(name string, val *Value) {
	if val == nil {
		val = Null()
	}
	if v.obj == nil {
		v.obj = map[string]*Value{}
	}
	v.obj[name] = val
}

// FieldNames returns the object's keys in sorted order.
func (v *Value) FieldNames() []string {
	if v == nil || v.kind != KindObject {
		return nil
	}
	names := make([]string, 0, len(v.obj))
	for name := range v.obj {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FromAny converts a JSON-shaped Go value into a node. time.Time becomes
// an RFC 3339 string, []float32 becomes a vector, integers become numbers.
// Unrepresentable values become null.
func FromAny(raw any) *Value {
	switch t := raw.(type) {
	case nil:
		return Null()
	case *Value:
		return t
	case bool:
		return Bool(t)
	case float64:
		return Number(t)
	case float32:
		return Number(float64(t))
	case int:
		return Number(float64(t))
	case int32:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case string:
		return String(t)
	case time.Time:
		if t.IsZero() {
			return Null()
		}
		return String(t.UTC().Format(time.RFC3339))
	case []float32:
		return Vector(t)
	case []string:
		items := make([]*Value, len(t))
		for i, s := range t {
			items[i] = String(s)
		}
		return Array(items...)
	case []any:
		items := make([]*Value, len(t))
		for i, e := range t {
			items[i] = FromAny(e)
		}
		return Array(items...)
	case map[string]any:
		obj := Object()
		for name, e := range t {
			obj.SetField(name, FromAny(e))
		}
		return obj
	case map[string]string:
		obj := Object()
		for name, s := range t {
			obj.SetField(name, String(s))
		}
		return obj
	default:
		return Null()
	}
}

// ToAny converts a node back into a JSON-shaped Go value. Vectors stay
// []float32 so downstream document operations recognize them.
func (v *Value) ToAny() any {
	if v == nil {
		return nil
	}
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindNumber:
		return v.num
	case KindString:
		return v.str
	case KindVector:
		out := make([]float32, len(v.vec))
		copy(out, v.vec)
		return out
	case KindArray:
		out := make([]any, len(v.arr))
		for i, item := range v.arr {
			out[i] = item.ToAny()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for name, child := range v.obj {
			out[name] = child.ToAny()
		}
		return out
	default:
		return nil
	}
}

// Clone deep-copies a node, annotations included. Skill outputs are cloned
// before they are written back so no two tree positions share substructure.
func (v *Value) Clone() *Value {
	if v == nil {
		return Null()
	}
	out := &Value{kind: v.kind, b: v.b, num: v.num, str: v.str}
	if v.kind == KindVector {
		out.vec = make([]float32, len(v.vec))
		copy(out.vec, v.vec)
	}
	if v.arr != nil {
		out.arr = make([]*Value, len(v.arr))
		for i, item := range v.arr {
			out.arr[i] = item.Clone()
		}
	}
	if v.obj != nil {
		out.obj = make(map[string]*Value, len(v.obj))
		for name, child := range v.obj {
			out.obj[name] = child.Clone()
		}
	}
	return out
}

// textValue renders scalar nodes as text for merge items and condition
// comparisons. Arrays, objects, vectors and null have no text form.
func (v *Value) textValue() (string, bool) {
	if v == nil {
		return "", false
	}
	switch v.kind {
	case KindString:
		return v.str, true
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64), true
	case KindBool:
		return strconv.FormatBool(v.b), true
	default:
		return "", false
	}
}

// Document is one enriched document: the tree plus warnings gathered while
// skills ran over it. Warn is safe for concurrent use; tree access is not.
type Document struct {
	root *Value

	mu       sync.Mutex
	warnings []string
}

// NewDocument returns an enriched document with an empty /document node.
func NewDocument() *Document {
	root := Object()
	root.SetField("document", Object())
	return &Document{root: root}
}

// Seed sets a field directly under /document, converting raw via FromAny.
func (d *Document) Seed(name string, raw any) {
	if node, ok := d.root.Field("document"); ok {
		node.SetField(name, FromAny(raw))
	}
}

// Warn records a pipeline warning on the document.
func (d *Document) Warn(format string, args ...any) {
	d.mu.Lock()
	d.warnings = append(d.warnings, fmt.Sprintf(format, args...))
	d.mu.Unlock()
}

// Warnings returns the warnings recorded so far.
func (d *Document) Warnings() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.warnings))
	copy(out, d.warnings)
	return out
}

// Binding is one concrete expansion of a context path: the path with
// wildcards replaced by the matched indexes, and the node it addresses.
type Binding struct {
	Path  string
	Value *Value
}

// splitPath breaks a slash path into segments. Paths are absolute and
// must not contain empty segments.
func splitPath(path string) ([]string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("path %q must start with '/'", path)
	}
	segs := strings.Split(path[1:], "/")
	for _, seg := range segs {
		if seg == "" {
			return nil, fmt.Errorf("path %q has an empty segment", path)
		}
	}
	return segs, nil
}

// childOf resolves one concrete path segment against a node: a decimal
// index on arrays, a named child otherwise.
func childOf(node *Value, seg string) (*Value, bool) {
	if node == nil {
		return nil, false
	}
	if node.kind == KindArray {
		if i, err := strconv.Atoi(seg); err == nil {
			if i < 0 || i >= len(node.arr) {
				return nil, false
			}
			return node.arr[i], true
		}
	}
	return node.Field(seg)
}

func containsWildcard(segs []string) bool {
	for _, seg := range segs {
		if seg == "*" {
			return true
		}
	}
	return false
}

// collectMatches appends every node matched by segs under node, expanding
// wildcards across array elements and (sorted) object fields.
func collectMatches(node *Value, segs []string, out *[]*Value) {
	if node == nil {
		return
	}
	if len(segs) == 0 {
		*out = append(*out, node)
		return
	}
	seg, rest := segs[0], segs[1:]
	if seg == "*" {
		switch node.Kind() {
		case KindArray:
			for _, item := range node.arr {
				collectMatches(item, rest, out)
			}
		case KindObject:
			for _, name := range node.FieldNames() {
				collectMatches(node.obj[name], rest, out)
			}
		}
		return
	}
	if child, ok := childOf(node, seg); ok {
		collectMatches(child, rest, out)
	}
}

// getRelative reads segs under node. A concrete path returns the node it
// addresses; a path with wildcards returns the flat array of all matches.
func getRelative(node *Value, segs []string) (*Value, bool) {
	if !containsWildcard(segs) {
		cur := node
		for _, seg := range segs {
			child, ok := childOf(cur, seg)
			if !ok {
				return nil, false
			}
			cur = child
		}
		return cur, true
	}
	var matches []*Value
	collectMatches(node, segs, &matches)
	if len(matches) == 0 {
		return nil, false
	}
	return &Value{kind: KindArray, arr: matches}, true
}

// GetPath reads an absolute path from the document root. Wildcard paths
// collect every match into an array; a path with no match reports false.
func (d *Document) GetPath(path string) (*Value, bool) {
	segs, err := splitPath(path)
	if err != nil {
		return nil, false
	}
	return getRelative(d.root, segs)
}

// Expand materializes the bindings of a context path: one per combination
// of wildcard matches, with indexes substituted into the binding path.
func (d *Document) Expand(path string) ([]Binding, error) {
	segs, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	var bindings []Binding
	expandInto(d.root, segs, "", &bindings)
	return bindings, nil
}

func expandInto(node *Value, segs []string, prefix string, out *[]Binding) {
	if node == nil {
		return
	}
	if len(segs) == 0 {
		*out = append(*out, Binding{Path: prefix, Value: node})
		return
	}
	seg, rest := segs[0], segs[1:]
	if seg == "*" {
		switch node.Kind() {
		case KindArray:
			for i, item := range node.arr {
				expandInto(item, rest, prefix+"/"+strconv.Itoa(i), out)
			}
		case KindObject:
			for _, name := range node.FieldNames() {
				expandInto(node.obj[name], rest, prefix+"/"+name, out)
			}
		}
		return
	}
	if child, ok := childOf(node, seg); ok {
		expandInto(child, rest, prefix+"/"+seg, out)
	}
}

// SetPath writes a node at a concrete absolute path. Missing intermediate
// children are created; numeric segments on arrays must address existing
// elements. Writing under a scalar node attaches an annotation child.
func (d *Document) SetPath(path string, v *Value) error {
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	if containsWildcard(segs) {
		return fmt.Errorf("path %q: cannot write through a wildcard", path)
	}
	if v == nil {
		v = Null()
	}
	cur := d.root
	for i, seg := range segs {
		last := i == len(segs)-1
		if cur.kind == KindArray {
			if idx, err := strconv.Atoi(seg); err == nil {
				if idx < 0 || idx >= len(cur.arr) {
					return fmt.Errorf("path %q: no array element %q", path, seg)
				}
				if last {
					cur.arr[idx] = v
					return nil
				}
				cur = cur.arr[idx]
				continue
			}
		}
		if last {
			cur.SetField(seg, v)
			return nil
		}
		child, ok := cur.Field(seg)
		if !ok {
			child = Object()
			cur.SetField(seg, child)
		}
		cur = child
	}
	return nil
}

// resolveSource reads an input source path for one binding. A source that
// extends the skill's context (matching its wildcards literally) resolves
// relative to the binding; any other source resolves from the root.
func (d *Document) resolveSource(source string, ctxSegs []string, b Binding) (*Value, bool) {
	segs, err := splitPath(source)
	if err != nil {
		return nil, false
	}
	if len(segs) >= len(ctxSegs) && segmentsEqual(segs[:len(ctxSegs)], ctxSegs) {
		rest := segs[len(ctxSegs):]
		if len(rest) == 0 {
			return b.Value, true
		}
		return getRelative(b.Value, rest)
	}
	return getRelative(d.root, segs)
}

func segmentsEqual(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
