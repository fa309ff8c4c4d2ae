package protocol

import (
	"fmt"
	"sort"
	"strings"
)

const truncLimit = 30

// FormatCall renders a command and payload as a compact call expression for
// logging, truncating long values.
func FormatCall(cmd string, p Payload) string {
	if len(p) == 0 {
		return cmd + "()"
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, truncValue(p[k], truncLimit)))
	}
	return fmt.Sprintf("%s(%s)", cmd, strings.Join(parts, ", "))
}

func truncValue(v any, max int) string {
	var s string
	switch t := v.(type) {
	case string:
		s = fmt.Sprintf("%q", t)
	case float64:
		s = fmt.Sprintf("%1.3f", t)
	default:
		s = fmt.Sprintf("%v", t)
	}
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
