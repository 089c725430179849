package model

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/Ludea/speedupdate/pkg/errors"
)

// Metadata files are canonical JSON: object keys sorted, no
// insignificant whitespace, UTF-8, newline-terminated. The sha1 of
// the encoded bytes is used as a stable identifier, so encoding must
// be byte-exact across processes.

// canonicalObject encodes fields as a canonical JSON object (no
// trailing newline). Values are expected to already be canonical.
func canonicalObject(fields map[string]json.RawMessage) json.RawMessage {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(fields[k])
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

// canonicalValue encodes an arbitrary value canonically. Maps come
// out with sorted keys (encoding/json guarantees this), and compact
// form strips whitespace.
func canonicalValue(v interface{}) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.New(errors.KindUnsupportedFormat, "encode metadata value").Wrap(err)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return nil, errors.New(errors.KindUnsupportedFormat, "compact metadata value").Wrap(err)
	}
	return buf.Bytes(), nil
}

func mustValue(v interface{}) json.RawMessage {
	b, err := canonicalValue(v)
	if err != nil {
		panic(err)
	}
	return b
}

// EncodeDocument terminates a canonical object with the mandated
// newline, yielding the at-rest bytes of a metadata file.
func EncodeDocument(obj json.RawMessage) []byte {
	out := make([]byte, 0, len(obj)+1)
	out = append(out, obj...)
	out = append(out, '\n')
	return out
}

// splitFields explodes a JSON object into its raw fields so unknown
// keys can be preserved verbatim on rewrite.
func splitFields(data []byte) (map[string]json.RawMessage, error) {
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(bytes.TrimSpace(data), &fields); err != nil {
		return nil, errors.New(errors.KindUnsupportedFormat, "parse metadata document").Wrap(err)
	}
	// re-canonicalize every retained raw value
	for k, v := range fields {
		var buf bytes.Buffer
		if err := json.Compact(&buf, v); err != nil {
			return nil, errors.New(errors.KindUnsupportedFormat, "compact metadata field").Wrap(err)
		}
		fields[k] = append(json.RawMessage(nil), buf.Bytes()...)
	}
	return fields, nil
}
