package jsonutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

var ErrNoJSON = errors.New("no JSON value found")

// MarshalNoEscape encodes v into JSON without escaping <, >, & into <, etc.
func MarshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// Remove trailing newline from json.Encoder.Encode
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Extract recovers a JSON object or array from model output. It accepts, in
// order: a bare value, a value inside a ``` fence, the outermost {...} or
// [...] span of surrounding prose, and a JSON string that itself encodes JSON.
func Extract(text string) (json.RawMessage, error) {
	text = strings.TrimSpace(text)
	candidates := []string{text, stripFence(text)}
	if span := outerSpan(text); span != "" {
		candidates = append(candidates, span)
	}
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" || !json.Valid([]byte(c)) {
			continue
		}
		if c[0] == '"' {
			var inner string
			if err := json.Unmarshal([]byte(c), &inner); err == nil {
				if out, err := Extract(inner); err == nil {
					return out, nil
				}
			}
			continue
		}
		if c[0] == '{' || c[0] == '[' {
			return json.RawMessage(c), nil
		}
	}
	return nil, ErrNoJSON
}

func stripFence(text string) string {
	start := strings.Index(text, "```")
	if start < 0 {
		return ""
	}
	body := text[start+3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		// Drop the language tag line, e.g. ```json
		if tag := strings.TrimSpace(body[:nl]); !strings.ContainsAny(tag, "{[") {
			body = body[nl+1:]
		}
	}
	if end := strings.LastIndex(body, "```"); end >= 0 {
		body = body[:end]
	}
	return body
}

func outerSpan(text string) string {
	open := strings.IndexAny(text, "{[")
	if open < 0 {
		return ""
	}
	closer := "}"
	if text[open] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(text, closer)
	if end <= open {
		return ""
	}
	return text[open : end+1]
}
