// Package record defines the Record type produced by parsing one line of an
// agent session log, and the pure parser that builds it.
package record

import "time"

// Role is the speaker of a Record.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Record is an immutable, well-formed line from a session log.
type Record struct {
	SessionID  string
	Role       Role
	Content    string
	ParentID   string
	CreatedAt  time.Time
	Cwd        string
	Historical bool
}

// ParseErrorKind distinguishes why a line failed to parse.
type ParseErrorKind string

const (
	// ParseErrorSyntax means the line was not valid JSON.
	ParseErrorSyntax ParseErrorKind = "syntax"
	// ParseErrorSchema means the line was valid JSON but didn't match the
	// expected record shape.
	ParseErrorSchema ParseErrorKind = "schema"
)

// ParseError reports why parse failed, carrying a bounded excerpt of the
// offending line for diagnostics (never the full line — logs shouldn't grow
// unbounded on adversarial input).
type ParseError struct {
	Kind    ParseErrorKind
	Excerpt string
}

func (e *ParseError) Error() string {
	return string(e.Kind) + ": " + e.Excerpt
}

const excerptLimit = 200

func excerpt(line []byte) string {
	if len(line) > excerptLimit {
		return string(line[:excerptLimit])
	}
	return string(line)
}
