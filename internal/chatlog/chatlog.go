// Package chatlog appends prompt/response records to a plain-text audit file.
//
// Every record is three lines:
//
//	Prompt: <encoded request>
//	Response: <encoded response>
//	<blank>
//
// With EncodingJSON the values are JSON text; with EncodingBase64 they are the
// standard base64 encoding of that same JSON text.
package chatlog

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gofrs/flock"

	"chatdispatch/internal/pathutil"
)

// DefaultPath is used when no log path is configured.
const DefaultPath = "chat_log.txt"

type Encoding string

const (
	EncodingJSON   Encoding = "json"
	EncodingBase64 Encoding = "base64"
)

const (
	promptPrefix   = "Prompt: "
	responsePrefix = "Response: "
)

// ParseEncoding accepts "json" or "base64"; empty means json.
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(strings.ToLower(strings.TrimSpace(s))) {
	case "", EncodingJSON:
		return EncodingJSON, nil
	case EncodingBase64:
		return EncodingBase64, nil
	default:
		return "", fmt.Errorf("chatlog: unknown encoding %q", s)
	}
}

// Record is one decoded prompt/response pair.
type Record struct {
	Prompt   json.RawMessage
	Response json.RawMessage
}

// Writer appends records to the file at Path. The file is opened and closed
// for every record; no handle is kept between calls.
type Writer struct {
	Path     string
	Encoding Encoding
}

// Append writes one record. prompt must already be JSON; response is
// marshaled without HTML escaping.
func (w Writer) Append(prompt []byte, response any) error {
	if w.Path == "" {
		return errors.New("chatlog: empty path")
	}

	respJSON, err := marshalJSON(response)
	if err != nil {
		return fmt.Errorf("chatlog: marshal response: %w", err)
	}
	if !json.Valid(prompt) {
		return errors.New("chatlog: prompt is not valid JSON")
	}

	var buf bytes.Buffer
	buf.WriteString(promptPrefix)
	buf.WriteString(w.encode(prompt))
	buf.WriteByte('\n')
	buf.WriteString(responsePrefix)
	buf.WriteString(w.encode(respJSON))
	buf.WriteString("\n\n")

	path, err := expandHome(w.Path)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("chatlog: open %s: %w", path, err)
	}
	defer f.Close()

	// Keep records whole when several processes share the file.
	lock := flock.New(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("chatlog: lock %s: %w", path, err)
	}
	defer lock.Unlock()

	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("chatlog: write %s: %w", path, err)
	}
	return nil
}

func (w Writer) encode(b []byte) string {
	if w.Encoding == EncodingBase64 {
		return base64.StdEncoding.EncodeToString(b)
	}
	return string(b)
}

// ReadRecords decodes every record in r.
func ReadRecords(r io.Reader, enc Encoding) ([]Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)

	var records []Record
	var pending *Record
	line := 0

	for scanner.Scan() {
		line++
		text := scanner.Text()

		switch {
		case text == "":
			continue
		case strings.HasPrefix(text, promptPrefix):
			if pending != nil {
				return nil, fmt.Errorf("chatlog: line %d: prompt without response", line)
			}
			v, err := decodeValue(strings.TrimPrefix(text, promptPrefix), enc)
			if err != nil {
				return nil, fmt.Errorf("chatlog: line %d: %w", line, err)
			}
			pending = &Record{Prompt: v}
		case strings.HasPrefix(text, responsePrefix):
			if pending == nil {
				return nil, fmt.Errorf("chatlog: line %d: response without prompt", line)
			}
			v, err := decodeValue(strings.TrimPrefix(text, responsePrefix), enc)
			if err != nil {
				return nil, fmt.Errorf("chatlog: line %d: %w", line, err)
			}
			pending.Response = v
			records = append(records, *pending)
			pending = nil
		default:
			return nil, fmt.Errorf("chatlog: line %d: unexpected content", line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("chatlog: read: %w", err)
	}
	if pending != nil {
		return nil, errors.New("chatlog: truncated record")
	}

	return records, nil
}

// ReadFile decodes every record in the file at path.
func ReadFile(path string, enc Encoding) ([]Record, error) {
	path, err := expandHome(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("chatlog: open %s: %w", path, err)
	}
	defer f.Close()
	return ReadRecords(f, enc)
}

func decodeValue(s string, enc Encoding) (json.RawMessage, error) {
	raw := []byte(s)
	if enc == EncodingBase64 {
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode base64: %w", err)
		}
		raw = b
	}
	if !json.Valid(raw) {
		return nil, errors.New("invalid JSON value")
	}
	return json.RawMessage(raw), nil
}

func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func expandHome(path string) (string, error) {
	p, err := pathutil.ExpandHome(path)
	if err != nil {
		return "", fmt.Errorf("chatlog: %w", err)
	}
	return p, nil
}
