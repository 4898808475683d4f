package main

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
)

// StreamDedup wraps an upstream text/event-stream body and suppresses
// adjacent SSE "data:" events whose delta.content repeats the previous
// event's content verbatim, a quirk observed from some Qwen accounts under
// retry. Event framing (double newline) and the terminal "[DONE]" marker
// pass through untouched.
type StreamDedup struct {
	src         io.ReadCloser
	buf         bytes.Buffer
	pending     bytes.Buffer
	lastContent string
	haveLast    bool
	err         error
}

func NewStreamDedup(src io.ReadCloser) *StreamDedup {
	return &StreamDedup{src: src}
}

func (s *StreamDedup) Read(p []byte) (int, error) {
	for s.pending.Len() == 0 {
		if s.err != nil {
			return 0, s.err
		}
		chunk := make([]byte, 32*1024)
		n, err := s.src.Read(chunk)
		if n > 0 {
			s.buf.Write(chunk[:n])
			s.drainEvents()
		}
		if err != nil {
			s.err = err
			if s.buf.Len() > 0 {
				s.pending.Write(s.buf.Bytes())
				s.buf.Reset()
			}
			if s.pending.Len() == 0 {
				return 0, s.err
			}
		}
	}
	return s.pending.Read(p)
}

func (s *StreamDedup) Close() error {
	return s.src.Close()
}

// drainEvents scans s.buf for complete "\n\n"-terminated frames and appends
// each surviving frame to s.pending. A frame whose delta.content duplicates
// the previously emitted content is dropped outright, never written.
func (s *StreamDedup) drainEvents() {
	for {
		data := s.buf.Bytes()
		idx := bytes.Index(data, []byte("\n\n"))
		if idx < 0 {
			return
		}
		frame := make([]byte, idx)
		copy(frame, data[:idx])
		s.buf.Next(idx + 2)
		out, drop := s.processFrame(frame)
		if drop {
			continue
		}
		s.pending.Write(out)
		s.pending.WriteString("\n\n")
	}
}

// processFrame returns frame verbatim (ok=true, drop=false) unless it is a
// "data: {...}" event whose delta.content duplicates the previous emitted
// content, in which case it reports drop=true and the frame is never
// written to s.pending.
func (s *StreamDedup) processFrame(frame []byte) (out []byte, drop bool) {
	text := string(frame)
	lines := strings.Split(text, "\n")
	for _, line := range lines {
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" || payload == "" {
			continue
		}
		var evt map[string]any
		if err := json.Unmarshal([]byte(payload), &evt); err != nil {
			continue
		}
		content, ok := extractDeltaContent(evt)
		if !ok {
			s.haveLast = false
			continue
		}
		if s.haveLast && content != "" && content == s.lastContent {
			return nil, true
		}
		if content != "" {
			s.lastContent = content
			s.haveLast = true
		}
	}
	return frame, false
}

func extractDeltaContent(evt map[string]any) (string, bool) {
	choices, ok := evt["choices"].([]any)
	if !ok || len(choices) == 0 {
		return "", false
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return "", false
	}
	delta, ok := choice["delta"].(map[string]any)
	if !ok {
		return "", false
	}
	content, ok := delta["content"].(string)
	if !ok {
		return "", false
	}
	return content, true
}
