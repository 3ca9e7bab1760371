package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"time"
)

// rawLine mirrors the on-disk line shape. Unknown top-level keys are ignored
// by virtue of not being named here.
type rawLine struct {
	SessionID  string     `json:"sessionId"`
	Type       string     `json:"type"`
	Message    rawMessage `json:"message"`
	Timestamp  string     `json:"timestamp"`
	ParentUUID string     `json:"parentUuid"`
	Cwd        string     `json:"cwd"`
}

type rawMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Parse parses a single log line into a Record. A blank or whitespace-only
// line yields (nil, nil, false) — no record, no error, nothing to count.
// The bool return reports whether a record was produced.
func Parse(line []byte) (*Record, *ParseError, bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, nil, false
	}

	var raw rawLine
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		var syn *json.SyntaxError
		if errors.As(err, &syn) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &ParseError{Kind: ParseErrorSyntax, Excerpt: excerpt(trimmed)}, false
		}
		// Syntactically valid JSON that doesn't fit rawLine's shape — e.g. a
		// *json.UnmarshalTypeError — is "any other shape", not a syntax error.
		return nil, &ParseError{Kind: ParseErrorSchema, Excerpt: excerpt(trimmed)}, false
	}

	if raw.SessionID == "" {
		return nil, &ParseError{Kind: ParseErrorSchema, Excerpt: excerpt(trimmed)}, false
	}
	if raw.Type != string(RoleUser) && raw.Type != string(RoleAssistant) {
		return nil, &ParseError{Kind: ParseErrorSchema, Excerpt: excerpt(trimmed)}, false
	}
	if raw.Message.Role != string(RoleUser) && raw.Message.Role != string(RoleAssistant) {
		return nil, &ParseError{Kind: ParseErrorSchema, Excerpt: excerpt(trimmed)}, false
	}
	if raw.Timestamp == "" {
		return nil, &ParseError{Kind: ParseErrorSchema, Excerpt: excerpt(trimmed)}, false
	}
	ts, err := time.Parse(time.RFC3339, raw.Timestamp)
	if err != nil {
		ts, err = time.Parse(time.RFC3339Nano, raw.Timestamp)
		if err != nil {
			return nil, &ParseError{Kind: ParseErrorSchema, Excerpt: excerpt(trimmed)}, false
		}
	}

	return &Record{
		SessionID: raw.SessionID,
		Role:      Role(raw.Message.Role),
		Content:   raw.Message.Content,
		ParentID:  raw.ParentUUID,
		CreatedAt: ts,
		Cwd:       raw.Cwd,
	}, nil, true
}
