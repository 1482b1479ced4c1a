package dbexec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// field is one key/raw-value pair of a JSON object, in source order.
// Column order is wire-visible for INSERT/WHERE (§4.1), so every object
// this package touches — the job envelope, "values", "where" — is parsed
// with decodeOrderedObject rather than into a plain map, which Go does
// not guarantee to iterate in insertion order.
type field struct {
	Key string
	Raw json.RawMessage
}

func decodeOrderedObject(data []byte) ([]field, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	delim, ok := tok.(json.Delim)
	if !ok || delim != '{' {
		return nil, fmt.Errorf("expected a JSON object")
	}

	var out []field
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("non-string object key")
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		out = append(out, field{Key: key, Raw: raw})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return out, nil
}

func lookup(fields []field, key string) (json.RawMessage, bool) {
	for _, f := range fields {
		if f.Key == key {
			return f.Raw, true
		}
	}
	return nil, false
}

// decodeScalar decodes raw with UseNumber so integers round-trip as exact
// decimal text in literalForRaw instead of through float64.
func decodeScalar(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
