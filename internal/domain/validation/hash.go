package validation

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ResourceHash returns a content hash of a resource. Two documents that
// differ only in key order or whitespace hash the same; numbers are compared
// by their literal text so 1.0 and 1 are distinct.
func ResourceHash(content map[string]any) (string, error) {
	canon, err := Canonicalize(content)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// Canonicalize re-encodes v as compact JSON with sorted object keys.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	// encoding/json writes map keys in sorted order and json.Number verbatim.
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// DecodeResource parses a JSON resource body keeping numbers as json.Number
// so hashing is stable across decode/encode cycles.
func DecodeResource(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var content map[string]any
	if err := dec.Decode(&content); err != nil {
		return nil, fmt.Errorf("decode resource: %w", err)
	}
	if content == nil {
		return nil, fmt.Errorf("decode resource: body is not a JSON object")
	}
	return content, nil
}

func hashStrings(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{'|'})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
