package query

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Hash computes the canonical hash of a query. The canonical form is JSON
// with object keys in lexicographic order, so syntactically different but
// equivalent queries collapse to the same hash. LastSyncedAt is a sync cursor
// and does not participate in query identity.
func Hash(q Raw) string {
	normalized := q
	normalized.LastSyncedAt = ""
	data, err := json.Marshal(normalized)
	if err != nil {
		// Raw is built from JSON-compatible values; marshal cannot fail in
		// practice. Fall back to the formatted value rather than panic.
		data = []byte(fmt.Sprintf("%v", normalized))
	}
	var tree any
	if err := json.Unmarshal(data, &tree); err != nil {
		tree = string(data)
	}
	var b strings.Builder
	writeCanonical(&b, tree)
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func writeCanonical(b *strings.Builder, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(k))
			b.WriteByte(':')
			writeCanonical(b, val[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	case string:
		b.WriteString(strconv.Quote(val))
	case float64:
		b.WriteString(strconv.FormatFloat(val, 'g', -1, 64))
	case bool:
		b.WriteString(strconv.FormatBool(val))
	case nil:
		b.WriteString("null")
	default:
		b.WriteString(fmt.Sprintf("%v", val))
	}
}
