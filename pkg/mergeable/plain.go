package mergeable

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/automerge/automerge-go"
)

// ErrUnsupported is returned for values that have no plain representation here.
var ErrUnsupported = errors.New("mergeable: unsupported value")

func plainValue(v *automerge.Value) (any, error) {
	switch v.Kind() {
	case automerge.KindMap:
		values, err := v.Map().Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read map: %w", err)
		}
		out := make(map[string]any, len(values))
		for k, child := range values {
			pv, err := plainValue(child)
			if err != nil {
				return nil, err
			}
			out[k] = pv
		}
		return out, nil
	case automerge.KindList:
		values, err := v.List().Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read list: %w", err)
		}
		out := make([]any, len(values))
		for i, child := range values {
			pv, err := plainValue(child)
			if err != nil {
				return nil, err
			}
			out[i] = pv
		}
		return out, nil
	case automerge.KindCounter:
		n, err := v.Counter().Get()
		if err != nil {
			return nil, fmt.Errorf("failed to read counter: %w", err)
		}
		return n, nil
	case automerge.KindStr:
		return v.Str(), nil
	case automerge.KindInt64:
		return v.Int64(), nil
	case automerge.KindUint64:
		return int64(v.Uint64()), nil
	case automerge.KindFloat64:
		return v.Float64(), nil
	case automerge.KindBool:
		return v.Bool(), nil
	case automerge.KindBytes:
		return v.Bytes(), nil
	case automerge.KindTime:
		return v.Time(), nil
	case automerge.KindNull, automerge.KindVoid:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: kind %v", ErrUnsupported, v.Kind())
	}
}

func amPath(path []string) []any {
	out := make([]any, len(path))
	for i, p := range path {
		out[i] = p
	}
	return out
}

// getPlain reads path from am. A missing key, or a path running through a
// non-map, reports ok=false.
func getPlain(am *automerge.Doc, path []string) (any, bool, error) {
	if len(path) == 0 {
		v, err := plainValue(am.Root())
		return v, err == nil, err
	}
	v, err := am.Path(amPath(path)...).Get()
	if err != nil || v == nil || v.Kind() == automerge.KindVoid {
		return nil, false, nil
	}
	pv, err := plainValue(v)
	if err != nil {
		return nil, false, err
	}
	return pv, true, nil
}

// ToPlain converts any JSON-encodable value into the plain form documents
// store: map[string]any, []any, string, bool, int64, float64 or nil.
func ToPlain(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}
	return normalizeNumbers(out), nil
}

// ToPlainMap is ToPlain for values that encode as JSON objects.
func ToPlainMap(v any) (map[string]any, error) {
	p, err := ToPlain(v)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return map[string]any{}, nil
	}
	m, ok := p.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %T does not encode as an object", ErrUnsupported, v)
	}
	return m, nil
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, child := range t {
			t[k] = normalizeNumbers(child)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = normalizeNumbers(child)
		}
		return t
	default:
		return v
	}
}

// Decode converts the document contents into T through its JSON tags.
func Decode[T any](d *Doc) (T, error) {
	var out T
	plain, err := d.Plain()
	if err != nil {
		return out, err
	}
	raw, err := json.Marshal(plain)
	if err != nil {
		return out, fmt.Errorf("failed to encode doc: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return out, nil
}

// JoinPath renders a path as a JSON pointer without the leading slash.
func JoinPath(path ...string) string {
	escaped := make([]string, len(path))
	for i, p := range path {
		escaped[i] = strings.ReplaceAll(strings.ReplaceAll(p, "~", "~0"), "/", "~1")
	}
	return strings.Join(escaped, "/")
}

// SplitPath reverses JoinPath.
func SplitPath(joined string) []string {
	if joined == "" {
		return nil
	}
	parts := strings.Split(joined, "/")
	for i, p := range parts {
		parts[i] = strings.ReplaceAll(strings.ReplaceAll(p, "~1", "/"), "~0", "~")
	}
	return parts
}

func hasPathPrefix(path, prefix []string) bool {
	if len(prefix) > len(path) {
		return false
	}
	for i := range prefix {
		if path[i] != prefix[i] {
			return false
		}
	}
	return true
}
