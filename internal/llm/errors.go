package llm

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Match with errors.Is.
var (
	ErrTransport            = errors.New("transport error")
	ErrHTTPStatus           = errors.New("http status error")
	ErrInBand               = errors.New("provider error")
	ErrProtocolViolation    = errors.New("protocol violation")
	ErrMissingFunction      = errors.New("missing function declaration")
	ErrFeedbackLoopExceeded = errors.New("feedback loop exceeded")
	ErrUnsupportedQuery     = errors.New("unsupported query for provider")
)

// Error is the normalized failure of a provider interaction.
type Error struct {
	Provider string
	Kind     error
	Status   int
	Message  string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	if e.Status > 0 {
		fmt.Fprintf(&b, "http %d: ", e.Status)
	}
	switch {
	case e.Message != "":
		b.WriteString(e.Message)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	case e.Kind != nil:
		b.WriteString(e.Kind.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	var out []error
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// NewError builds an Error of the given kind.
func NewError(provider string, kind error, format string, args ...any) *Error {
	return &Error{Provider: provider, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Unsupported reports a query kind the provider cannot serve.
func Unsupported(provider string, q Query) *Error {
	return NewError(provider, ErrUnsupportedQuery, "%s queries are not supported", q.Kind())
}

// LoopError stops a tool-calling conversation that kept requesting calls
// after the depth budget ran out.
type LoopError struct {
	Depth int
	Stack []string
}

func (e *LoopError) Error() string {
	return fmt.Sprintf("feedback loop exceeded after %d rounds: %s", e.Depth, strings.Join(e.Stack, " -> "))
}

func (e *LoopError) Unwrap() error { return ErrFeedbackLoopExceeded }

// IsFatal reports errors that indicate a caller or configuration bug and
// must not be retried.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFeedbackLoopExceeded) ||
		errors.Is(err, ErrMissingFunction) ||
		errors.Is(err, ErrUnsupportedQuery)
}
