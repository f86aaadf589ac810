package cache

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"chatdispatch/internal/llm"
)

// Key identifies a request. Bytes is the lookup key; Sum is only for tracing.
type Key struct {
	Bytes []byte
	Sum   [sha1.Size]byte
}

// Hash returns the hex SHA-1 of the key bytes.
func (k Key) Hash() string {
	return hex.EncodeToString(k.Sum[:])
}

// BuildKey serializes req with object keys sorted at every depth, including
// inside function schemas, and hashes the result with SHA-1.
func BuildKey(req *llm.ChatRequest) (Key, error) {
	if req == nil {
		return Key{}, fmt.Errorf("cache: nil request")
	}

	b, err := CanonicalJSON(req)
	if err != nil {
		return Key{}, fmt.Errorf("cache: build key: %w", err)
	}

	return Key{Bytes: b, Sum: sha1.Sum(b)}, nil
}

// CanonicalJSON encodes v as compact JSON with sorted object keys and
// without HTML escaping. Numbers keep their original literal form.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}

	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
