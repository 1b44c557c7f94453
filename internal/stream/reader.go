package stream

import (
	"bytes"
	"errors"

	"aigw/internal/llm"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// DefaultMaxCarry bounds how many bytes of an unparsable payload are kept
// while waiting for the rest of a split event.
const DefaultMaxCarry = 1 << 20

// ParseFunc turns one event into deltas. It is bound to a session by the caller.
type ParseFunc func(Event) ([]Delta, error)

// Reader is an io.Writer fed with raw response chunks in arrival order. It
// splits them into lines, frames SSE events and hands complete JSON payloads
// to the parser, calling observe for every resulting delta before returning.
type Reader struct {
	provider string
	parse    ParseFunc
	observe  func(Delta)
	logger   *zap.Logger
	maxCarry int

	pending   []byte
	carry     []byte
	eventName string
	events    int
	done      bool
	err       error
}

// NewReader builds a reader. observe and logger may be nil.
func NewReader(provider string, parse ParseFunc, observe func(Delta), logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{provider: provider, parse: parse, observe: observe, logger: logger, maxCarry: DefaultMaxCarry}
}

// Write consumes one chunk. Once an in-band error is seen every later write fails.
func (r *Reader) Write(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if r.done {
		return len(p), nil
	}
	if err := InBandError(r.provider, p); err != nil {
		r.err = err
		return 0, err
	}
	r.pending = append(r.pending, p...)
	for !r.done {
		i := bytes.IndexByte(r.pending, '\n')
		if i < 0 {
			break
		}
		line := append([]byte(nil), r.pending[:i]...)
		r.pending = r.pending[i+1:]
		if err := r.line(line); err != nil {
			r.err = err
			return 0, err
		}
	}
	return len(p), nil
}

// Close flushes a trailing line that had no newline.
func (r *Reader) Close() error {
	if r.err != nil {
		return r.err
	}
	if len(r.pending) > 0 && !r.done {
		line := r.pending
		r.pending = nil
		if err := r.line(line); err != nil {
			r.err = err
			return err
		}
	}
	if len(r.carry) > 0 {
		r.logger.Warn("dropping incomplete stream payload",
			zap.String("provider", r.provider), zap.Int("bytes", len(r.carry)))
		r.carry = nil
	}
	return nil
}

// Done reports whether an explicit end-of-stream marker was seen.
func (r *Reader) Done() bool { return r.done }

// Events returns how many payloads were handed to the parser.
func (r *Reader) Events() int { return r.events }

func (r *Reader) line(line []byte) error {
	line = bytes.TrimRight(line, "\r")
	switch {
	case len(bytes.TrimSpace(line)) == 0:
		r.eventName = ""
		return nil
	case line[0] == ':':
		return nil
	case bytes.HasPrefix(line, []byte("event:")):
		r.eventName = string(bytes.TrimSpace(line[len("event:"):]))
		return nil
	case bytes.HasPrefix(line, []byte("data:")):
		payload := bytes.TrimSpace(line[len("data:"):])
		if string(payload) == "[DONE]" {
			r.done = true
			return nil
		}
		return r.payload(payload)
	case len(r.carry) > 0:
		return r.payload(bytes.TrimSpace(line))
	case line[0] == '{':
		// Some upstreams emit bare JSON lines instead of SSE frames.
		return r.payload(bytes.TrimSpace(line))
	default:
		r.logger.Debug("ignoring stream line", zap.String("provider", r.provider), zap.ByteString("line", line))
		return nil
	}
}

func (r *Reader) payload(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	candidate := payload
	if len(r.carry) > 0 {
		candidate = append(r.carry, payload...)
	}
	if !gjson.ValidBytes(candidate) && len(r.carry) > 0 && gjson.ValidBytes(payload) {
		// A complete payload cannot continue the pending one; the pending
		// fragment was a truncated event.
		r.logger.Warn("stream protocol violation: dropping truncated payload",
			zap.String("provider", r.provider), zap.Int("bytes", len(r.carry)))
		r.carry = nil
		candidate = payload
	}
	if !gjson.ValidBytes(candidate) {
		if len(candidate) > r.maxCarry {
			r.logger.Warn("discarding unparsable stream payload",
				zap.String("provider", r.provider), zap.Int("bytes", len(candidate)))
			r.carry = nil
			return nil
		}
		r.carry = candidate
		return nil
	}
	r.carry = nil
	if err := InBandError(r.provider, candidate); err != nil {
		return err
	}
	r.events++
	deltas, err := r.parse(Event{Name: r.eventName, Data: candidate})
	if err != nil {
		if errors.Is(err, llm.ErrProtocolViolation) {
			r.logger.Warn("stream protocol violation", zap.String("provider", r.provider),
				zap.String("event", r.eventName), zap.Error(err))
			return nil
		}
		return err
	}
	if r.observe != nil {
		for _, d := range deltas {
			r.observe(d)
		}
	}
	return nil
}

// InBandError detects an error object embedded in an otherwise successful
// response: {"error":...}, [{"error":...}] or {"type":"error",...}.
func InBandError(provider string, data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') || !gjson.ValidBytes(trimmed) {
		return nil
	}
	doc := gjson.ParseBytes(trimmed)
	if doc.IsArray() {
		doc = doc.Get("0")
	}
	errField := doc.Get("error")
	isErrorEvent := doc.Get("type").String() == "error"
	if (!errField.Exists() || errField.Type == gjson.Null) && !isErrorEvent {
		return nil
	}
	msg := ErrorMessage(trimmed)
	if msg == "" {
		msg = "unknown error"
	}
	return llm.NewError(provider, llm.ErrInBand, "%s", msg)
}

// ErrorMessage extracts the most specific human-readable message from a
// provider error document.
func ErrorMessage(data []byte) string {
	doc := gjson.ParseBytes(bytes.TrimSpace(data))
	if doc.IsArray() {
		doc = doc.Get("0")
	}
	for _, path := range []string{"error.message", "error.error.message", "message", "detail", "error.detail", "title"} {
		if v := doc.Get(path); v.Exists() && v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	if v := doc.Get("error"); v.Type == gjson.String {
		return v.String()
	}
	return ""
}
