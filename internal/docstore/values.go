package docstore

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Encode serializes document data the way every backend persists it.
func Encode(data map[string]any) ([]byte, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return b, nil
}

// Decode parses persisted document data. Numbers decode as float64.
func Decode(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// Matches reports whether data satisfies every filter.
func Matches(data map[string]any, where []Filter) bool {
	for _, f := range where {
		if !ValueEqual(data[f.Field], f.Value) {
			return false
		}
	}
	return true
}

// ValueEqual compares a decoded value against a filter value, treating all
// numeric types as float64.
func ValueEqual(a, b any) bool {
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum || bNum {
		return aNum && bNum && af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b) && a != nil && b != nil
}

// SortDocs orders docs by field ascending: numbers numerically, everything
// else by string form; missing values sort first. Ties keep path order.
func SortDocs(docs []Doc, field string) {
	sort.SliceStable(docs, func(i, j int) bool {
		if field == "" {
			return docs[i].Path < docs[j].Path
		}
		return less(docs[i].Data[field], docs[j].Data[field])
	})
}

func less(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b != nil
	}
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum {
		return af < bf
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
