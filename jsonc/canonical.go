package jsonc

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// excludedRootField is the only member ever dropped during canonicalization,
// and only when it appears directly on the root object — this is what lets
// a signature be computed over "everything except the signature itself".
const excludedRootField = "signature"

// Canonicalize renders v as JSON with object members in lexicographic key
// order, the top-level "signature" field omitted (if v is an object), and a
// simplified number format: NaN, ±Inf, and negative zero all collapse to
// "0". This exact behavior is part of the wire contract — altering it
// changes what bytes get signed.
func Canonicalize(v *Value) []byte {
	var buf bytes.Buffer
	writeCanonical(&buf, v, true)
	return buf.Bytes()
}

func writeCanonical(buf *bytes.Buffer, v *Value, isRoot bool) {
	if v == nil {
		buf.WriteString("null")
		return
	}

	switch v.Kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		if v.Bool {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case KindNumber:
		buf.WriteString(formatNumber(v.Num))
	case KindString:
		writeCanonicalString(buf, v.Str)
	case KindArray:
		buf.WriteByte('[')
		for i, elem := range v.Arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonical(buf, elem, false)
		}
		buf.WriteByte(']')
	case KindObject:
		fields := make([]Field, 0, len(v.Obj))
		for _, f := range v.Obj {
			if isRoot && f.Key == excludedRootField {
				continue
			}
			fields = append(fields, f)
		}
		sort.Slice(fields, func(i, j int) bool { return fields[i].Key < fields[j].Key })

		buf.WriteByte('{')
		for i, f := range fields {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonicalString(buf, f.Key)
			buf.WriteByte(':')
			writeCanonical(buf, f.Value, false)
		}
		buf.WriteByte('}')
	}
}

// formatNumber renders f using the shortest fixed-notation decimal that
// round-trips, dropping trailing zeros and the decimal point for
// integer-valued numbers. Non-finite values and negative zero map to "0" —
// an intentional simplification preserved from the original wire format.
func formatNumber(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "0"
	}
	if f == 0 {
		return "0"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func writeCanonicalString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}
