package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"

	"chatdispatch/internal/llm"
)

func TestBuildKeyStableAcrossFieldOrder(t *testing.T) {
	a := &llm.ChatRequest{
		Model:    "gpt-4",
		Messages: []llm.ChatMessage{{Role: llm.RoleUser, Content: "hi <there>"}},
		Functions: []llm.FunctionDefinition{{
			Name:       "lookup",
			Parameters: json.RawMessage(`{"type":"object","properties":{"b":{"type":"string"},"a":{"type":"integer"}}}`),
		}},
	}
	b := &llm.ChatRequest{
		Model:    "gpt-4",
		Messages: []llm.ChatMessage{{Role: llm.RoleUser, Content: "hi <there>"}},
		Functions: []llm.FunctionDefinition{{
			Name:       "lookup",
			Parameters: json.RawMessage(`{"properties":{"a":{"type":"integer"},"b":{"type":"string"}},"type":"object"}`),
		}},
	}

	ka, err := BuildKey(a)
	if err != nil {
		t.Fatalf("BuildKey a: %v", err)
	}
	kb, err := BuildKey(b)
	if err != nil {
		t.Fatalf("BuildKey b: %v", err)
	}

	if string(ka.Bytes) != string(kb.Bytes) {
		t.Fatalf("keys differ:\n%s\n%s", ka.Bytes, kb.Bytes)
	}
	if ka.Hash() != kb.Hash() {
		t.Fatalf("hashes differ")
	}
	if !strings.Contains(string(ka.Bytes), "<there>") {
		t.Fatalf("expected unescaped content in key: %s", ka.Bytes)
	}
}

func TestBuildKeySortedAndHashed(t *testing.T) {
	req := &llm.ChatRequest{
		Model:    "gpt-4",
		Messages: []llm.ChatMessage{{Role: llm.RoleUser, Content: "hi"}},
	}

	k, err := BuildKey(req)
	if err != nil {
		t.Fatalf("BuildKey: %v", err)
	}

	want := `{"messages":[{"content":"hi","role":"user"}],"model":"gpt-4","stream":false,"temperature":0}`
	if string(k.Bytes) != want {
		t.Fatalf("unexpected key bytes:\n got %s\nwant %s", k.Bytes, want)
	}

	sum := sha1.Sum([]byte(want))
	if k.Hash() != hex.EncodeToString(sum[:]) {
		t.Fatalf("hash is not sha1 of key bytes")
	}
}

func TestBuildKeyDistinguishesStream(t *testing.T) {
	base := llm.ChatRequest{Model: "gpt-4", Messages: []llm.ChatMessage{{Role: llm.RoleUser, Content: "hi"}}}
	streamed := base
	streamed.Stream = true

	k1, _ := BuildKey(&base)
	k2, _ := BuildKey(&streamed)
	if string(k1.Bytes) == string(k2.Bytes) {
		t.Fatalf("stream flag must be part of the key")
	}
}
