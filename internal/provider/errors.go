package provider

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/parleybot/parley/internal/chat"
)

// ErrSchema marks a response that came back 200 but did not match the
// backend's documented shape. Callers show a generic failure message
// for these rather than echoing raw JSON at the user.
var ErrSchema = errors.New("provider response did not match expected schema")

// Error is a structured backend error, decoded from the common
// {"error": {...}} envelope that every supported backend emits.
type Error struct {
	Provider chat.Provider
	Status   int
	Message  string
	Type     string
	Code     string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Type != "" {
		return e.Type
	}
	return fmt.Sprintf("%s returned HTTP %d", e.Provider, e.Status)
}

// errEnvelope matches the wire shape shared by OpenAI, Anthropic,
// Groq and OpenRouter. Code is RawMessage because OpenAI sends it as
// a string while some backends send a number.
type errEnvelope struct {
	Error struct {
		Message string          `json:"message"`
		Type    string          `json:"type"`
		Code    json.RawMessage `json:"code"`
	} `json:"error"`
}

// decodeError turns a non-2xx body into an *Error. Unparseable bodies
// still produce a usable message from the status and a body snippet.
func decodeError(p chat.Provider, status int, body []byte) *Error {
	e := &Error{Provider: p, Status: status}
	var env errEnvelope
	if err := json.Unmarshal(body, &env); err == nil && (env.Error.Message != "" || env.Error.Type != "") {
		e.Message = env.Error.Message
		e.Type = env.Error.Type
		e.Code = rawToString(env.Error.Code)
		return e
	}
	snippet := strings.TrimSpace(string(bytes.ToValidUTF8(body, nil)))
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	e.Message = fmt.Sprintf("HTTP %d: %s", status, snippet)
	return e
}

// envelopeError checks a success-status body for an error envelope.
// Some backends, OpenRouter in particular, report failures with HTTP
// 200 and the envelope in the body, so the status alone cannot be
// trusted.
func envelopeError(p chat.Provider, status int, body []byte) *Error {
	var env errEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil
	}
	if env.Error.Message == "" && env.Error.Type == "" {
		return nil
	}
	return &Error{
		Provider: p,
		Status:   status,
		Message:  env.Error.Message,
		Type:     env.Error.Type,
		Code:     rawToString(env.Error.Code),
	}
}

func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
