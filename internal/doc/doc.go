// Package doc provides the Document value shared by the model layer and the
// storage backends.
//
// A Document is a JSON-like tree: nested objects are map[string]any, arrays
// are []any, numbers are int64 or float64 once normalized, and timestamps are
// time.Time. Object keys are NFC normalized so that visually identical field
// names always address the same attribute.
package doc

import (
	"math"
	"reflect"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Document maps field names to values for one logical row.
type Document map[string]any

// Clone returns a deep copy of d. Nested maps and slices are copied so that
// mutating the clone never alters d (and vice versa).
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case Document:
		return val.Clone()
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = cloneValue(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = cloneValue(elem)
		}
		return out
	default:
		return v
	}
}

// Merge copies every top-level field of src into d, overwriting existing
// keys and adding new ones. Values are deep-copied.
func (d Document) Merge(src Document) {
	for k, v := range src {
		d[k] = cloneValue(v)
	}
}

// DeepMerge merges src into d recursively: when both sides hold an object
// for a key the objects are merged, otherwise src's value replaces d's.
// This matches the semantics of a document-store partial update.
func (d Document) DeepMerge(src Document) {
	deepMerge(d, src)
}

func deepMerge(dst map[string]any, src map[string]any) {
	for k, sv := range src {
		srcObj, srcIsObj := asObject(sv)
		dstObj, dstIsObj := asObject(dst[k])
		if srcIsObj && dstIsObj {
			merged := make(map[string]any, len(dstObj))
			for dk, dv := range dstObj {
				merged[dk] = cloneValue(dv)
			}
			deepMerge(merged, srcObj)
			dst[k] = merged
			continue
		}
		dst[k] = cloneValue(sv)
	}
}

func asObject(v any) (map[string]any, bool) {
	switch val := v.(type) {
	case Document:
		return map[string]any(val), true
	case map[string]any:
		return val, true
	default:
		return nil, false
	}
}

// Keys returns the top-level field names of d in sorted order.
func (d Document) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetPath looks up a dotted path ("author.name").
func (d Document) GetPath(path string) (any, bool) {
	var cur any = map[string]any(d)
	for _, part := range strings.Split(path, ".") {
		obj, ok := asObject(cur)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// SetPath assigns v at a dotted path, creating intermediate objects as
// needed. A non-object value standing in the way is replaced.
func (d Document) SetPath(path string, v any) {
	parts := strings.Split(path, ".")
	cur := map[string]any(d)
	for _, part := range parts[:len(parts)-1] {
		next, ok := asObject(cur[part])
		if !ok {
			next = make(map[string]any)
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

// Equal reports whether two documents hold the same normalized content.
func Equal(a, b Document) bool {
	return reflect.DeepEqual(Normalize(a), Normalize(b))
}

// Normalize returns a deep copy of d in canonical form: NFC object keys,
// nested objects as map[string]any, integers as int64, floats as float64 and
// times in UTC.
func Normalize(d Document) Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[norm.NFC.String(k)] = NormalizeValue(v)
	}
	return out
}

// NormalizeValue converts a single value to canonical form (see Normalize).
func NormalizeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case Document:
		return normalizeObject(val)
	case map[string]any:
		return normalizeObject(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = NormalizeValue(elem)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = elem
		}
		return out
	case int:
		return int64(val)
	case int8:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case uint:
		return unsigned(uint64(val))
	case uint8:
		return int64(val)
	case uint16:
		return int64(val)
	case uint32:
		return int64(val)
	case uint64:
		return unsigned(val)
	case float32:
		return float64(val)
	case time.Time:
		return val.UTC()
	case *time.Time:
		if val == nil {
			return nil
		}
		return val.UTC()
	default:
		return v
	}
}

// unsigned keeps values beyond int64 positive by widening them to float64.
func unsigned(u uint64) any {
	if u > math.MaxInt64 {
		return float64(u)
	}
	return int64(u)
}

func normalizeObject(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[norm.NFC.String(k)] = NormalizeValue(v)
	}
	return out
}
