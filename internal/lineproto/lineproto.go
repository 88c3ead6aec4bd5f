// Package lineproto renders points in the InfluxDB line protocol.
package lineproto

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/and161185/vmstats/model"
)

// Placeholder is written when a point ends up with no fields.
const Placeholder = "noop"

var (
	measurementEscaper = strings.NewReplacer(`\`, `\\`, ",", `\,`, " ", `\ `)
	keyEscaper         = strings.NewReplacer(`\`, `\\`, ",", `\,`, "=", `\=`, " ", `\ `)
	stringEscaper      = strings.NewReplacer(`\`, `\\`, `"`, `\"`)
)

// Encode renders p as one line without the trailing newline.
func Encode(p model.Point) string {
	return EncodeLine(p.Measurement, p.Tags, p.Fields, p.Timestamp)
}

// EncodeLine renders a single record. Tags with an empty key or value are skipped,
// nil field values are dropped and field keys are written in sorted order.
func EncodeLine(measurement string, tags []model.Tag, fields map[string]any, ts int64) string {
	var b strings.Builder
	b.WriteString(measurementEscaper.Replace(measurement))

	for _, t := range tags {
		if t.Key == "" || t.Value == "" {
			continue
		}
		b.WriteByte(',')
		b.WriteString(keyEscaper.Replace(t.Key))
		b.WriteByte('=')
		b.WriteString(keyEscaper.Replace(t.Value))
	}

	keys := make([]string, 0, len(fields))
	for k, v := range fields {
		if v == nil {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte(' ')
	if len(keys) == 0 {
		b.WriteString(Placeholder + "=0i")
	}
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(keyEscaper.Replace(k))
		b.WriteByte('=')
		b.WriteString(formatValue(fields[k]))
	}

	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(ts, 10))
	return b.String()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.FormatInt(int64(x), 10) + "i"
	case int8:
		return strconv.FormatInt(int64(x), 10) + "i"
	case int16:
		return strconv.FormatInt(int64(x), 10) + "i"
	case int32:
		return strconv.FormatInt(int64(x), 10) + "i"
	case int64:
		return strconv.FormatInt(x, 10) + "i"
	case uint:
		return strconv.FormatUint(uint64(x), 10) + "i"
	case uint8:
		return strconv.FormatUint(uint64(x), 10) + "i"
	case uint16:
		return strconv.FormatUint(uint64(x), 10) + "i"
	case uint32:
		return strconv.FormatUint(uint64(x), 10) + "i"
	case uint64:
		return strconv.FormatUint(x, 10) + "i"
	case float32:
		return formatFloat(float64(x))
	case float64:
		return formatFloat(x)
	case string:
		return `"` + stringEscaper.Replace(x) + `"`
	default:
		return `"` + stringEscaper.Replace(fmt.Sprint(x)) + `"`
	}
}

func formatFloat(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "0"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
