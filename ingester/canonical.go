package ingester

import (
	"fmt"
	"sort"
	"strings"
)

// CanonicalOptions bounds the recursion of CanonicalString.
type CanonicalOptions struct {
	MaxDepth int
}

// CanonicalString renders a nested record as sorted `key:value` segments
// joined by "|". Nested maps render recursively in place of their value, so
// the output depends only on content and never on map iteration order.
func CanonicalString(record map[string]any, opts CanonicalOptions) string {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 16
	}
	return canonicalInto(record, 0, opts)
}

func canonicalInto(record map[string]any, depth int, opts CanonicalOptions) string {
	parts := make([]string, 0, len(record))
	for k, v := range record {
		parts = append(parts, k+":"+canonicalValue(v, depth, opts))
	}
	sort.Strings(parts)
	return strings.Join(parts, "|")
}

func canonicalValue(v any, depth int, opts CanonicalOptions) string {
	if depth >= opts.MaxDepth {
		return fmt.Sprintf("<max_depth:%d>", opts.MaxDepth)
	}
	switch t := v.(type) {
	case map[string]any:
		return canonicalInto(t, depth+1, opts)
	case Payload:
		m := make(map[string]any, len(t))
		for k, pv := range t {
			m[k] = pv
		}
		return canonicalInto(m, depth+1, opts)
	case Value:
		return t.String()
	case fmt.Stringer:
		return t.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
