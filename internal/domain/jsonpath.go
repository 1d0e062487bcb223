package domain

import (
	"encoding/json"
	"strconv"
)

// Lookup walks object keys of a JSON document and returns the raw value at
// path. An empty path returns the document itself.
func Lookup(data []byte, path ...string) (json.RawMessage, bool) {
	current := json.RawMessage(data)
	for _, key := range path {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(current, &obj); err != nil {
			return nil, false
		}
		next, ok := obj[key]
		if !ok {
			return nil, false
		}
		current = next
	}
	if len(current) == 0 || string(current) == "null" {
		return nil, false
	}
	return current, true
}

// LookupString returns the string at path.
func LookupString(data []byte, path ...string) (string, bool) {
	raw, ok := Lookup(data, path...)
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// LookupInt returns the integer at path. Numeric strings are accepted.
func LookupInt(data []byte, path ...string) (int64, bool) {
	raw, ok := Lookup(data, path...)
	if !ok {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		n = json.Number(s)
	}
	v, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
