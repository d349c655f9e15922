package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// TimestampLayout is the fixed-width UTC layout used for every stored
// timestamp, so lexical and chronological order agree.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTimestamp encodes t the way the store keeps timestamps.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp decodes a stored timestamp.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// FieldPath joins path segments into a dotted update path.
func FieldPath(parts ...string) string {
	return strings.Join(parts, ".")
}

type fieldTransform interface {
	transform(current, now any) (any, error)
}

type increment struct{ n int64 }

// Increment adds n to a numeric field, treating a missing field as 0.
func Increment(n int64) any { return increment{n: n} }

func (i increment) transform(current, _ any) (any, error) {
	switch v := current.(type) {
	case nil:
		return float64(i.n), nil
	case float64:
		return v + float64(i.n), nil
	case int:
		return float64(v) + float64(i.n), nil
	case int64:
		return float64(v) + float64(i.n), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("increment %q: %w", v, err)
		}
		return f + float64(i.n), nil
	default:
		return nil, fmt.Errorf("cannot increment field of type %T", current)
	}
}

type serverTimestamp struct{}

func (serverTimestamp) transform(_, now any) (any, error) { return now, nil }

// ServerTimestamp is replaced by the backend's server time when the write
// is applied.
var ServerTimestamp any = serverTimestamp{}

// normalize deep-copies fields into their canonical JSON form
// (numbers become float64, nested maps become map[string]any).
func normalize(fields Fields) (Fields, error) {
	if fields == nil {
		return Fields{}, nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	out := Fields{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	return out, nil
}

func resolveValue(v any, now any) (any, error) {
	switch t := v.(type) {
	case fieldTransform:
		return t.transform(nil, now)
	case Fields:
		return resolveValue(map[string]any(t), now)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			r, err := resolveValue(inner, now)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			r, err := resolveValue(inner, now)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// newFields resolves sentinels in the fields of a document being created.
func newFields(fields Fields, now any) (Fields, error) {
	resolved, err := resolveValue(fields, now)
	if err != nil {
		return nil, err
	}
	return normalize(resolved.(map[string]any))
}

// mergeFields overwrites the top-level keys of base with fields.
func mergeFields(base, fields Fields, now any) (Fields, error) {
	out, err := normalize(base)
	if err != nil {
		return nil, err
	}
	for k, v := range fields {
		r, err := resolveValue(v, now)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		out[k] = r
	}
	return normalize(out)
}

// applyUpdates returns a copy of base with updates applied along their
// dotted paths. Intermediate maps are created as needed.
func applyUpdates(base Fields, updates Updates, now any) (Fields, error) {
	out, err := normalize(base)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(updates))
	for p := range updates {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		parts := strings.Split(path, ".")
		parent := map[string]any(out)
		for _, part := range parts[:len(parts)-1] {
			next, ok := parent[part]
			if !ok || next == nil {
				child := map[string]any{}
				parent[part] = child
				parent = child
				continue
			}
			child, ok := next.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("update %s: %s is not a map", path, part)
			}
			parent = child
		}

		leaf := parts[len(parts)-1]
		var value any
		if t, ok := updates[path].(fieldTransform); ok {
			value, err = t.transform(parent[leaf], now)
		} else {
			value, err = resolveValue(updates[path], now)
		}
		if err != nil {
			return nil, fmt.Errorf("update %s: %w", path, err)
		}
		parent[leaf] = value
	}
	return normalize(out)
}
