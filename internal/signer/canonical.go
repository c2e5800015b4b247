package signer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/gowebpki/jcs"

	"eventflow/internal/models"
)

// Canonical returns the byte form that signatures are computed over.
//
// Keys appear in a fixed order: type, timestamp, identity, payload for an
// event; identity, events for an envelope, with each event as type,
// timestamp, payload. Payload maps are RFC 8785 canonical JSON. The
// signature field is never part of the input.
func Canonical(d models.Delivery) ([]byte, error) {
	var buf bytes.Buffer
	switch v := d.(type) {
	case models.Event:
		if err := writeEvent(&buf, v.Type, v.Timestamp, &v.Identity, v.Payload); err != nil {
			return nil, err
		}
	case models.BatchEnvelope:
		buf.WriteString(`{"identity":`)
		if err := writeString(&buf, v.Identity); err != nil {
			return nil, err
		}
		buf.WriteString(`,"events":[`)
		for i, e := range v.Events {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeEvent(&buf, e.Type, e.Timestamp, nil, e.Payload); err != nil {
				return nil, fmt.Errorf("event %d: %w", i, err)
			}
		}
		buf.WriteString(`]}`)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedData, d)
	}
	return buf.Bytes(), nil
}

func writeEvent(buf *bytes.Buffer, eventType string, ts int64, identity *string, payload models.Payload) error {
	buf.WriteString(`{"type":`)
	if err := writeString(buf, eventType); err != nil {
		return err
	}
	buf.WriteString(`,"timestamp":`)
	buf.WriteString(strconv.FormatInt(ts, 10))
	if identity != nil {
		buf.WriteString(`,"identity":`)
		if err := writeString(buf, *identity); err != nil {
			return err
		}
	}
	buf.WriteString(`,"payload":`)
	if err := writePayload(buf, payload); err != nil {
		return err
	}
	buf.WriteByte('}')
	return nil
}

// writeString emits s the way RFC 8785 does: only quote, backslash and
// control characters are escaped.
func writeString(buf *bytes.Buffer, s string) error {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
				continue
			}
			buf.WriteRune(r)
		}
	}
	buf.WriteByte('"')
	return nil
}

// writePayload marshals payload through encoding/json so struct tags and
// custom marshalers apply, then re-emits the result canonically. Numbers are
// decoded as json.Number so integers beyond float64 precision keep every
// digit.
func writePayload(buf *bytes.Buffer, payload models.Payload) error {
	if len(payload) == 0 {
		buf.WriteString("{}")
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("payload: %w", err)
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return fmt.Errorf("payload canonicalization: %w", err)
	}
	if err := writeValue(buf, generic); err != nil {
		return fmt.Errorf("payload canonicalization: %w", err)
	}
	return nil
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		n, err := canonicalNumber(t)
		if err != nil {
			return err
		}
		buf.WriteString(n)
	case string:
		return writeString(buf, t)
	case []any:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return utf16Less(keys[i], keys[j]) })

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeValue(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unexpected JSON value %T", v)
	}
	return nil
}

// canonicalNumber formats n as ES6 number serialization does, except that
// an integer literal float64 cannot hold exactly is kept as its exact
// decimal digits.
func canonicalNumber(n json.Number) (string, error) {
	lit := n.String()
	f, err := strconv.ParseFloat(lit, 64)
	if !strings.ContainsAny(lit, ".eE") {
		exact, ok := new(big.Int).SetString(lit, 10)
		if !ok {
			return "", fmt.Errorf("number %s: invalid integer", lit)
		}
		if err != nil {
			return exact.String(), nil
		}
		if rounded, _ := big.NewFloat(f).Int(nil); exact.Cmp(rounded) != 0 {
			return exact.String(), nil
		}
	}
	if err != nil {
		return "", fmt.Errorf("number %s: %w", lit, err)
	}
	return jcs.NumberToJSON(f)
}

// utf16Less orders keys by UTF-16 code units.
func utf16Less(a, b string) bool {
	ua, ub := utf16.Encode([]rune(a)), utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}
