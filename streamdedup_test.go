package main

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

type closingReader struct{ *strings.Reader }

func (c closingReader) Close() error { return nil }

func newDedup(body string) *StreamDedup {
	return NewStreamDedup(closingReader{strings.NewReader(body)})
}

func readAll(t *testing.T, s *StreamDedup) string {
	t.Helper()
	out, err := io.ReadAll(s)
	if err != nil && err != io.EOF {
		t.Fatalf("read: %v", err)
	}
	return string(out)
}

func TestStreamDedupSuppressesAdjacentDuplicateContent(t *testing.T) {
	body := `data: {"choices":[{"delta":{"content":"hello"}}]}

data: {"choices":[{"delta":{"content":"hello"}}]}

data: {"choices":[{"delta":{"content":" world"}}]}

data: [DONE]

`
	out := readAll(t, newDedup(body))
	if strings.Count(out, `"content":"hello"`) != 1 {
		t.Fatalf("expected exactly one hello chunk, the duplicate dropped entirely, got: %s", out)
	}
	if strings.Contains(out, `"content":""`) {
		t.Fatalf("expected the duplicate frame dropped, not blanked, got: %s", out)
	}
	if !strings.Contains(out, `" world"`) {
		t.Fatalf("expected distinct chunk preserved, got: %s", out)
	}
	if !strings.Contains(out, "data: [DONE]") {
		t.Fatalf("expected [DONE] marker preserved, got: %s", out)
	}
}

func TestStreamDedupPassesThroughNonJSONFrames(t *testing.T) {
	body := "data: not json\n\ndata: [DONE]\n\n"
	out := readAll(t, newDedup(body))
	if !strings.Contains(out, "data: not json") {
		t.Fatalf("expected non-JSON frame untouched, got: %s", out)
	}
}

func TestStreamDedupFlushesTrailingUnterminatedBytes(t *testing.T) {
	body := `data: {"choices":[{"delta":{"content":"a"}}]}

data: {"choices":[{"delta":{"content":"b"}}]}`
	out := readAll(t, newDedup(body))
	if !bytes.Contains([]byte(out), []byte(`"content":"b"`)) {
		t.Fatalf("expected trailing unterminated frame flushed, got: %s", out)
	}
}

func TestStreamDedupResetsAfterNonContentEvent(t *testing.T) {
	body := `data: {"choices":[{"delta":{"content":"x"}}]}

data: {"choices":[{"delta":{"role":"assistant"}}]}

data: {"choices":[{"delta":{"content":"x"}}]}

`
	out := readAll(t, newDedup(body))
	if strings.Count(out, `"content":"x"`) != 2 {
		t.Fatalf("expected both x chunks preserved since a non-content event resets state, got: %s", out)
	}
}
