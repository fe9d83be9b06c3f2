// Package sqltext holds the T-SQL identifier/literal quoting helpers shared
// by the pushdown planner and the DML executors, so neither string-builds
// raw SQL without going through one escaping path (spec.md §4.5
// "Projection": "[quoted] identifiers with ] -> ]] escaping").
package sqltext

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// QuoteIdent brackets an identifier, doubling any embedded ].
func QuoteIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// QuoteQualified brackets a schema.table (or schema.table.column) path,
// quoting each part independently.
func QuoteQualified(parts ...string) string {
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = QuoteIdent(p)
	}
	return strings.Join(out, ".")
}

// QuoteStringLiteral quotes a Go string as a T-SQL N'...' literal
// (single-quote doubling), since every text value that reaches this
// connector is logically Unicode.
func QuoteStringLiteral(s string) string {
	return "N'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// EscapeLikePattern escapes %, _, and [ in a LIKE pattern and declares
// ESCAPE '\' at the call site (spec.md §4.5 "LIKE with explicit ESCAPE
// '\'").
func EscapeLikePattern(pattern string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`, `[`, `\[`)
	return r.Replace(pattern)
}

// Literal formats a bound parameter value as a T-SQL literal. nil becomes
// NULL; everything else is quoted/formatted per its Go type. Values beyond
// these kinds (caller-constructed driver values) are rejected rather than
// silently stringified.
func Literal(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "NULL", nil
	case string:
		return QuoteStringLiteral(t), nil
	case bool:
		if t {
			return "1", nil
		}
		return "0", nil
	case int:
		return strconv.Itoa(t), nil
	case int32:
		return strconv.FormatInt(int64(t), 10), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), nil
	case []byte:
		return "0x" + fmt.Sprintf("%X", t), nil
	case time.Time:
		return "N'" + t.Format("2006-01-02T15:04:05.9999999") + "'", nil
	case time.Duration:
		return "N'" + durationAsTime(t) + "'", nil
	default:
		return "", fmt.Errorf("sqltext: unsupported literal type %T", v)
	}
}

func durationAsTime(d time.Duration) string {
	d = d % (24 * time.Hour)
	h := int(d / time.Hour)
	d -= time.Duration(h) * time.Hour
	m := int(d / time.Minute)
	d -= time.Duration(m) * time.Minute
	s := int(d / time.Second)
	d -= time.Duration(s) * time.Second
	return fmt.Sprintf("%02d:%02d:%02d.%07d", h, m, s, d)
}
