package source

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// canonicalKeys maps lower-cased payload keys onto the names the response
// schema uses. The service has shipped both PascalCase and camelCase payloads.
var canonicalKeys = func() map[string]string {
	names := []string{
		"Items", "Id", "Name", "Description", "GroupId", "Severity", "Enabled", "Deleted",
		"Calculation", "TimePeriod", "Conditions", "Actions", "Field", "Operator", "Value",
	}
	m := make(map[string]string, len(names))
	for _, n := range names {
		m[strings.ToLower(n)] = n
	}
	return m
}()

// canonicalDocument decodes body and rewrites known object keys to their
// schema spelling at every level. Unknown keys and action payloads are left alone.
func canonicalDocument(body []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after JSON document")
	}
	return canonicalize(doc), nil
}

func canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if canon, ok := canonicalKeys[strings.ToLower(k)]; ok {
				k = canon
			}
			if k == "Actions" {
				// Opaque to this service, passed through untouched
				out[k] = val
				continue
			}
			out[k] = canonicalize(val)
		}
		return out
	case []any:
		for i := range t {
			t[i] = canonicalize(t[i])
		}
		return t
	default:
		return v
	}
}
