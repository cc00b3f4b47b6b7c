package event

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ReduceFormData keeps only the field names of a submitted JSON object, in
// submission order. A missing or null payload yields nil, as does any value
// that is not an object. Repeated keys are listed once.
func ReduceFormData(raw []byte) (*FormData, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("read form data: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil
	}

	fields := []string{}
	seen := make(map[string]struct{})
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("read form field name: %w", err)
		}
		name, _ := tok.(string)

		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, fmt.Errorf("read form field %q: %w", name, err)
		}

		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		fields = append(fields, name)
	}

	return &FormData{Fields: fields, FieldCount: len(fields)}, nil
}
