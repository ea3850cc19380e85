// internal/protocol/lineparse.go
package protocol

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Line is a device line split into its key and comma-separated fields.
// Lab peripherals emit lines like "stm>1,0,1523" or "trl>12.5,-3,ok".
type Line struct {
	Key    string            `json:"key,omitempty"`
	Fields []string          `json:"fields"`
	Values []decimal.Decimal `json:"values,omitempty"`
	// Numeric is true when every field parsed as a decimal.
	Numeric bool   `json:"numeric"`
	Raw     string `json:"raw"`
}

// ParseLine splits text at the first '>' into key and payload. Lines
// without a key are treated as payload only. Values holds the numeric
// fields in order; a field that is not a number leaves Numeric false but
// keeps its text in Fields.
func ParseLine(text string) Line {
	l := Line{Raw: text}

	payload := strings.TrimSpace(text)
	if i := strings.IndexByte(payload, '>'); i >= 0 {
		l.Key = strings.TrimSpace(payload[:i])
		payload = payload[i+1:]
	}
	if payload == "" {
		return l
	}

	l.Fields = strings.Split(payload, ",")
	l.Numeric = true
	for i, f := range l.Fields {
		f = strings.TrimSpace(f)
		l.Fields[i] = f
		d, err := decimal.NewFromString(f)
		if err != nil {
			l.Numeric = false
			continue
		}
		l.Values = append(l.Values, d)
	}
	return l
}

// Value returns the i-th field as a decimal, if it is numeric.
func (l Line) Value(i int) (decimal.Decimal, bool) {
	if i < 0 || i >= len(l.Fields) {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(l.Fields[i])
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}
