package executor

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ZanzyTHEbar/layerbridge"
)

// placeholderRe matches {{step}} and {{step.field.path}}.
var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_\-]+)((?:\.[A-Za-z0-9_\-]+)*)\s*\}\}`)

// refKey is the map key that marks a typed reference in definition files,
// e.g. {"$ref": "extract.text"}.
const refKey = "$ref"

// textKey marks literal-and-reference text, e.g.
// {"$text": ["Summarize: ", {"$ref": "extract"}]}.
const textKey = "$text"

// lookupFunc resolves a reference to the referenced step's raw output.
type lookupFunc func(ref layerbridge.OutputRef) (interface{}, error)

type templatePart struct {
	literal string
	ref     *layerbridge.OutputRef
}

// Template is a string with placeholders, split once into literal and
// reference parts.
type Template struct {
	parts []templatePart
}

// CompileTemplate splits s into literal and placeholder parts.
func CompileTemplate(s string) Template {
	var t Template
	last := 0
	for _, m := range placeholderRe.FindAllStringSubmatchIndex(s, -1) {
		if m[0] > last {
			t.parts = append(t.parts, templatePart{literal: s[last:m[0]]})
		}
		ref := layerbridge.OutputRef{StepID: s[m[2]:m[3]]}
		if m[5] > m[4] {
			ref.Path = strings.Split(strings.TrimPrefix(s[m[4]:m[5]], "."), ".")
		}
		t.parts = append(t.parts, templatePart{ref: &ref})
		last = m[1]
	}
	if last < len(s) {
		t.parts = append(t.parts, templatePart{literal: s[last:]})
	}
	return t
}

// Refs returns the references in order of appearance.
func (t Template) Refs() []layerbridge.OutputRef {
	var refs []layerbridge.OutputRef
	for _, p := range t.parts {
		if p.ref != nil {
			refs = append(refs, *p.ref)
		}
	}
	return refs
}

// Render replaces every placeholder with the text form of its value.
func (t Template) Render(lookup lookupFunc) (string, error) {
	var b strings.Builder
	for _, p := range t.parts {
		if p.ref == nil {
			b.WriteString(p.literal)
			continue
		}
		v, err := lookup(*p.ref)
		if err != nil {
			return "", err
		}
		b.WriteString(layerbridge.Stringify(v))
	}
	return b.String(), nil
}

// compiledValue is a step input value prepared for resolution.
type compiledValue interface {
	resolve(lookup lookupFunc) (interface{}, error)
	refs() []layerbridge.OutputRef
}

type literalValue struct{ v interface{} }

func (l literalValue) resolve(lookupFunc) (interface{}, error) { return l.v, nil }
func (l literalValue) refs() []layerbridge.OutputRef          { return nil }

type templateValue struct{ t Template }

func (tv templateValue) resolve(lookup lookupFunc) (interface{}, error) { return tv.t.Render(lookup) }
func (tv templateValue) refs() []layerbridge.OutputRef                { return tv.t.Refs() }

type refValue struct{ ref layerbridge.OutputRef }

func (r refValue) resolve(lookup lookupFunc) (interface{}, error) { return lookup(r.ref) }
func (r refValue) refs() []layerbridge.OutputRef                { return []layerbridge.OutputRef{r.ref} }

// partsValue joins literal strings and referenced outputs into one string.
type partsValue []compiledValue

func (p partsValue) resolve(lookup lookupFunc) (interface{}, error) {
	var b strings.Builder
	for _, v := range p {
		r, err := v.resolve(lookup)
		if err != nil {
			return nil, err
		}
		b.WriteString(layerbridge.Stringify(r))
	}
	return b.String(), nil
}

func (p partsValue) refs() []layerbridge.OutputRef {
	var refs []layerbridge.OutputRef
	for _, v := range p {
		refs = append(refs, v.refs()...)
	}
	return refs
}

// compileParts compiles text parts. Strings stay literal.
func compileParts(parts []interface{}) partsValue {
	out := make(partsValue, 0, len(parts))
	for _, part := range parts {
		switch val := part.(type) {
		case string:
			out = append(out, literalValue{v: val})
		case map[string]interface{}:
			if ref, ok := parseRefMap(val); ok {
				out = append(out, refValue{ref: ref})
				continue
			}
			out = append(out, literalValue{v: val})
		default:
			out = append(out, compileValue(val))
		}
	}
	return out
}

type mapValue map[string]compiledValue

func (m mapValue) resolve(lookup lookupFunc) (interface{}, error) {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		r, err := v.resolve(lookup)
		if err != nil {
			return nil, err
		}
		out[k] = r
	}
	return out, nil
}

func (m mapValue) refs() []layerbridge.OutputRef {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var refs []layerbridge.OutputRef
	for _, k := range keys {
		refs = append(refs, m[k].refs()...)
	}
	return refs
}

type listValue []compiledValue

func (l listValue) resolve(lookup lookupFunc) (interface{}, error) {
	out := make([]interface{}, len(l))
	for i, v := range l {
		r, err := v.resolve(lookup)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

func (l listValue) refs() []layerbridge.OutputRef {
	var refs []layerbridge.OutputRef
	for _, v := range l {
		refs = append(refs, v.refs()...)
	}
	return refs
}

// compileValue walks an input value and compiles strings and references.
func compileValue(v interface{}) compiledValue {
	switch val := v.(type) {
	case string:
		t := CompileTemplate(val)
		if len(t.Refs()) == 0 {
			return literalValue{v: val}
		}
		return templateValue{t: t}
	case layerbridge.OutputRef:
		return refValue{ref: val}
	case *layerbridge.OutputRef:
		if val == nil {
			return literalValue{}
		}
		return refValue{ref: *val}
	case layerbridge.TextParts:
		return compileParts(val)
	case map[string]interface{}:
		if ref, ok := parseRefMap(val); ok {
			return refValue{ref: ref}
		}
		if parts, ok := val[textKey].([]interface{}); ok && len(val) == 1 {
			return compileParts(parts)
		}
		m := make(mapValue, len(val))
		for k, item := range val {
			m[k] = compileValue(item)
		}
		return m
	case []interface{}:
		l := make(listValue, len(val))
		for i, item := range val {
			l[i] = compileValue(item)
		}
		return l
	case []string:
		l := make(listValue, len(val))
		for i, item := range val {
			l[i] = compileValue(item)
		}
		return l
	}
	return literalValue{v: v}
}

// parseRefMap recognizes {"$ref": "step.field"}.
func parseRefMap(m map[string]interface{}) (layerbridge.OutputRef, bool) {
	if len(m) != 1 {
		return layerbridge.OutputRef{}, false
	}
	s, ok := m[refKey].(string)
	if !ok || s == "" {
		return layerbridge.OutputRef{}, false
	}
	parts := strings.Split(strings.Trim(s, "{} "), ".")
	return layerbridge.Ref(parts[0], parts[1:]...), true
}

// walkPath narrows v along path. Structured text output is decoded as JSON
// when a path is requested.
func walkPath(v interface{}, path []string) (interface{}, error) {
	for i, field := range path {
		switch cur := v.(type) {
		case map[string]interface{}:
			next, ok := cur[field]
			if !ok {
				return nil, fmt.Errorf("field %q not found", strings.Join(path[:i+1], "."))
			}
			v = next
		case []interface{}:
			idx, err := strconv.Atoi(field)
			if err != nil || idx < 0 || idx >= len(cur) {
				return nil, fmt.Errorf("invalid index %q for list of length %d", field, len(cur))
			}
			v = cur[idx]
		case string:
			var decoded interface{}
			if err := json.Unmarshal([]byte(cur), &decoded); err != nil {
				return nil, fmt.Errorf("cannot select %q from text output", field)
			}
			return walkPath(decoded, path[i:])
		default:
			// Round-trip through JSON so structs and typed maps can be narrowed.
			b, err := json.Marshal(cur)
			if err != nil {
				return nil, fmt.Errorf("cannot select %q from %T", field, cur)
			}
			var decoded interface{}
			if err := json.Unmarshal(b, &decoded); err != nil {
				return nil, fmt.Errorf("cannot select %q from %T", field, cur)
			}
			if _, isMap := decoded.(map[string]interface{}); !isMap {
				if _, isList := decoded.([]interface{}); !isList {
					return nil, fmt.Errorf("cannot select %q from %T", field, cur)
				}
			}
			return walkPath(decoded, path[i:])
		}
	}
	return v, nil
}
