package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// EncodeList renders an ordered string list as a bracketed, double-quoted
// list literal, e.g. ["a", "b"]. The output is also a valid JSON array.
func EncodeList(items []string) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, item := range items {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quote(item))
	}
	b.WriteByte(']')
	return b.String()
}

func quote(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoding a string cannot fail.
	_ = enc.Encode(s)
	return strings.TrimSuffix(buf.String(), "\n")
}

// DecodeList parses a list literal produced by EncodeList (or by the legacy
// registration form, which writes the same shape). Only a flat array of
// double-quoted strings is accepted; anything else is an error. Nothing is
// evaluated.
func DecodeList(raw string) ([]string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return []string{}, nil
	}
	if !strings.HasPrefix(trimmed, "[") || !strings.HasSuffix(trimmed, "]") {
		return nil, fmt.Errorf("list literal must be bracketed: %q", raw)
	}

	// Pointers tell a JSON null apart from "".
	var elems []*string
	if err := json.Unmarshal([]byte(trimmed), &elems); err != nil {
		return nil, fmt.Errorf("invalid list literal %q: %w", raw, err)
	}
	items := make([]string, len(elems))
	for i, e := range elems {
		if e == nil {
			return nil, fmt.Errorf("invalid list literal %q: element %d is not a string", raw, i)
		}
		items[i] = *e
	}
	return items, nil
}
