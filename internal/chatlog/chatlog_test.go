package chatlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

type fakeResponse struct {
	Content string `json:"content"`
}

func TestAppendJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat_log.txt")
	w := Writer{Path: path, Encoding: EncodingJSON}

	prompt := []byte(`{"messages":[{"content":"a < b","role":"user"}],"model":"gpt-4"}`)
	if err := w.Append(prompt, fakeResponse{Content: "ok & done"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	want := "Prompt: " + string(prompt) + "\n" + `Response: {"content":"ok & done"}` + "\n\n"
	if string(raw) != want {
		t.Fatalf("unexpected file content:\n%q\nwant\n%q", raw, want)
	}
}

func TestAppendBase64RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.txt")
	w := Writer{Path: path, Encoding: EncodingBase64}

	prompt := []byte(`{"model":"gpt-4"}`)
	for i := 0; i < 2; i++ {
		if err := w.Append(prompt, fakeResponse{Content: "hi"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	raw, _ := os.ReadFile(path)
	if strings.Contains(string(raw), "gpt-4") {
		t.Fatalf("base64 log must not contain plain text: %s", raw)
	}

	records, err := ReadFile(path, EncodingBase64)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}

	var resp fakeResponse
	if err := json.Unmarshal(records[1].Response, &resp); err != nil || resp.Content != "hi" {
		t.Fatalf("unexpected response %s (%v)", records[1].Response, err)
	}
	if string(records[0].Prompt) != string(prompt) {
		t.Fatalf("unexpected prompt %s", records[0].Prompt)
	}
}

func TestAppendConcurrentRecordsStayWhole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.txt")
	w := Writer{Path: path}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Append([]byte(`{"model":"gpt-4"}`), fakeResponse{Content: strings.Repeat("x", 4096)}); err != nil {
				t.Errorf("Append: %v", err)
			}
		}()
	}
	wg.Wait()

	records, err := ReadFile(path, EncodingJSON)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(records) != 20 {
		t.Fatalf("expected 20 records, got %d", len(records))
	}
}

func TestAppendRejectsInvalidPrompt(t *testing.T) {
	w := Writer{Path: filepath.Join(t.TempDir(), "log.txt")}
	if err := w.Append([]byte("not json"), nil); err == nil {
		t.Fatalf("expected error for invalid prompt")
	}
}

func TestReadRecordsTruncated(t *testing.T) {
	_, err := ReadRecords(strings.NewReader("Prompt: {}\n"), EncodingJSON)
	if err == nil {
		t.Fatalf("expected truncated record error")
	}
}

func TestParseEncoding(t *testing.T) {
	if enc, err := ParseEncoding(""); err != nil || enc != EncodingJSON {
		t.Fatalf("empty encoding: %q %v", enc, err)
	}
	if enc, err := ParseEncoding("BASE64"); err != nil || enc != EncodingBase64 {
		t.Fatalf("base64 encoding: %q %v", enc, err)
	}
	if _, err := ParseEncoding("yaml"); err == nil {
		t.Fatalf("expected error for unknown encoding")
	}
}
