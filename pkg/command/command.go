// Package command is the thin execution port over the coordinator, the
// process manager, the scaler, and the store. The gateway and the HTTP
// execute endpoint both drive it with one command line per call.
package command

import (
	"errors"
	"fmt"
	"strings"
)

// Stable user-visible error codes.
const (
	CodeInvalid     = "INVALID"
	CodeNotFound    = "NOT_FOUND"
	CodeQueueFull   = "QUEUE_FULL"
	CodeCycle       = "CYCLE"
	CodeInUse       = "IN_USE"
	CodeLimit       = "LIMIT_VIOLATION"
	CodeTerminal    = "TERMINAL"
	CodeSpawn       = "SPAWN_ERROR"
	CodeResource    = "RESOURCE_ERROR"
	CodeUnavailable = "UNAVAILABLE"
	CodeConflict    = "CONFLICT"
	CodeInternal    = "INTERNAL"
)

// Error is a user-visible command failure: a stable code plus a human
// message.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a command error.
func NewError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError extracts a command error, wrapping anything else as INTERNAL.
func AsError(err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}

// Request is one parsed command invocation: the verb path plus key=value
// arguments.
type Request struct {
	Verb string
	Args map[string]string
}

// Arg returns the named argument or the fallback.
func (r Request) Arg(key, fallback string) string {
	if v, ok := r.Args[key]; ok {
		return v
	}
	return fallback
}

// Parse splits a command line into its verb path and key=value arguments.
// The verb is the longest leading token run containing no '='. Values may
// be quoted with double quotes to carry spaces.
func Parse(line string) (Request, error) {
	tokens, err := tokenize(line)
	if err != nil {
		return Request{}, err
	}
	if len(tokens) == 0 {
		return Request{}, NewError(CodeInvalid, "empty command")
	}

	req := Request{Args: make(map[string]string)}
	var verb []string
	for i, tok := range tokens {
		if !strings.Contains(tok, "=") {
			if len(req.Args) > 0 {
				return Request{}, NewError(CodeInvalid, "positional token %q after arguments", tok)
			}
			verb = append(verb, tok)
			continue
		}
		key, value, _ := strings.Cut(tok, "=")
		if key == "" {
			return Request{}, NewError(CodeInvalid, "malformed argument %q", tokens[i])
		}
		req.Args[key] = value
	}
	if len(verb) == 0 {
		return Request{}, NewError(CodeInvalid, "command has no verb")
	}
	req.Verb = strings.Join(verb, " ")
	return req, nil
}

func tokenize(line string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inQuote := false
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range line {
		switch {
		case r == '"':
			inQuote = !inQuote
		case r == ' ' && !inQuote:
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	if inQuote {
		return nil, NewError(CodeInvalid, "unterminated quote")
	}
	flush()
	return tokens, nil
}

// Result is the uniform command response envelope.
type Result struct {
	Command string `json:"command"`
	Data    any    `json:"data,omitempty"`
}
