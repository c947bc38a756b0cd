package store

import (
	"fmt"
	"strconv"
	"strings"
)

// setPath assigns value at the dotted path inside m, creating intermediate
// tables. It refuses to replace a non-table value on the way down.
func setPath(m map[string]any, parts []string, value any) error {
	cur := m
	for i, part := range parts[:len(parts)-1] {
		next, ok := cur[part]
		if !ok {
			child := make(map[string]any)
			cur[part] = child
			cur = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("%s is not a table", strings.Join(parts[:i+1], "."))
		}
		cur = child
	}
	cur[parts[len(parts)-1]] = value
	return nil
}

// getPath returns the value at the dotted path inside m.
func getPath(m map[string]any, parts []string) (any, bool) {
	var cur any = m
	for _, part := range parts {
		table, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = table[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// toPort converts a decoded number (or numeric string) into a port.
func toPort(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int(n), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(n))
	default:
		return 0, fmt.Errorf("unexpected value type %T", v)
	}
}
