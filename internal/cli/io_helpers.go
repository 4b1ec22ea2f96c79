package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printFields writes "key: value" lines in the given order.
func printFields(w io.Writer, kv ...any) {
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(w, "%v: %v\n", kv[i], kv[i+1])
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
