// Package stream holds per-request parsing state and the incremental SSE reader.
package stream

import (
	"encoding/json"
	"strings"

	"aigw/internal/llm"
)

// DeltaType tags what a parsed event contributed.
type DeltaType string

const (
	DeltaContent  DeltaType = "content"
	DeltaThinking DeltaType = "thinking"
	DeltaToolCall DeltaType = "tool_call"
	DeltaUsage    DeltaType = "usage"
	DeltaStatus   DeltaType = "status"
	DeltaImage    DeltaType = "image"
)

// Delta is the observable outcome of one stream event.
type Delta struct {
	Type  DeltaType
	Text  string
	Call  *llm.ToolCall
	Usage *llm.Usage
	Image *llm.Image
}

// Event is one SSE frame: the optional event name and its data payload.
type Event struct {
	Name string
	Data []byte
}

// PendingCall accumulates a streamed tool call.
type PendingCall struct {
	Key  string
	ID   string
	Name string
	// Raw keeps the provider's own representation of the call when it must be
	// echoed back verbatim.
	Raw  json.RawMessage
	args strings.Builder
}

// AppendArgs concatenates an argument fragment in arrival order.
func (c *PendingCall) AppendArgs(fragment string) {
	c.args.WriteString(fragment)
}

// SetArgs replaces the accumulated arguments with the final value.
func (c *PendingCall) SetArgs(args string) {
	c.args.Reset()
	c.args.WriteString(args)
}

// Args returns the arguments accumulated so far.
func (c *PendingCall) Args() string {
	return c.args.String()
}

// ToolCall snapshots the call.
func (c *PendingCall) ToolCall() llm.ToolCall {
	return llm.ToolCall{ID: c.ID, Name: c.Name, Arguments: c.args.String()}
}

// Block is an ordered assistant content block, kept for providers whose
// follow-up requests must replay the assistant turn block by block.
type Block struct {
	Index     int
	Type      string
	ID        string
	Name      string
	Signature string
	Raw       json.RawMessage
	text      strings.Builder
}

// AppendText adds text (or partial JSON input) to the block.
func (b *Block) AppendText(s string) { b.text.WriteString(s) }

// Text returns the accumulated block text.
func (b *Block) Text() string { return b.text.String() }

// Session is the mutable state of exactly one request attempt. It is never
// reused: create a new one before every request.
type Session struct {
	Provider     string
	ResponseID   string
	Model        string
	FinishReason string
	// InThinking is set while a reasoning block is open.
	InThinking bool
	Citations  []string
	Images     []llm.Image
	// Items holds raw provider output items in arrival order.
	Items []json.RawMessage

	content   strings.Builder
	thinking  strings.Builder
	calls     []*PendingCall
	callIndex map[string]*PendingCall
	seen      map[string]struct{}
	blocks    []*Block
	blockIdx  map[int]*Block
	usage     llm.Usage
	usageSeen bool
	price     float64
}

// NewSession returns an empty session for provider.
func NewSession(provider string) *Session {
	return &Session{
		Provider:  provider,
		callIndex: map[string]*PendingCall{},
		seen:      map[string]struct{}{},
		blockIdx:  map[int]*Block{},
	}
}

// AppendContent records visible text.
func (s *Session) AppendContent(text string) { s.content.WriteString(text) }

// Content returns the visible text accumulated so far.
func (s *Session) Content() string { return s.content.String() }

// AppendThinking records reasoning text.
func (s *Session) AppendThinking(text string) { s.thinking.WriteString(text) }

// Thinking returns the reasoning text accumulated so far.
func (s *Session) Thinking() string { return s.thinking.String() }

// Call returns the pending call stored under key, creating it on first use.
func (s *Session) Call(key string) *PendingCall {
	if c, ok := s.callIndex[key]; ok {
		return c
	}
	c := &PendingCall{Key: key}
	s.callIndex[key] = c
	s.calls = append(s.calls, c)
	return c
}

// LookupCall returns an existing pending call.
func (s *Session) LookupCall(key string) (*PendingCall, bool) {
	c, ok := s.callIndex[key]
	return c, ok
}

// Calls returns pending calls in first-seen order.
func (s *Session) Calls() []*PendingCall { return s.calls }

// ToolCalls snapshots every pending call that has a name.
func (s *Session) ToolCalls() []llm.ToolCall {
	out := make([]llm.ToolCall, 0, len(s.calls))
	for _, c := range s.calls {
		if c.Name == "" {
			continue
		}
		out = append(out, c.ToolCall())
	}
	return out
}

// MarkSeen records id and reports whether it was new.
func (s *Session) MarkSeen(id string) bool {
	if _, ok := s.seen[id]; ok {
		return false
	}
	s.seen[id] = struct{}{}
	return true
}

// Seen reports whether id was already recorded.
func (s *Session) Seen(id string) bool {
	_, ok := s.seen[id]
	return ok
}

// Block returns the block at index, creating it with typ on first use.
func (s *Session) Block(index int, typ string) *Block {
	if b, ok := s.blockIdx[index]; ok {
		return b
	}
	b := &Block{Index: index, Type: typ}
	s.blockIdx[index] = b
	s.blocks = append(s.blocks, b)
	return b
}

// LookupBlock returns an existing block.
func (s *Session) LookupBlock(index int) (*Block, bool) {
	b, ok := s.blockIdx[index]
	return b, ok
}

// Blocks returns blocks in first-seen order.
func (s *Session) Blocks() []*Block { return s.blocks }

// SetUsage overwrites the latest known token counts. Zero values keep the
// previous figure because several providers split input and output counts
// across different events.
func (s *Session) SetUsage(in, out int) llm.Usage {
	if in > 0 {
		s.usage.InTokens = in
	}
	if out > 0 {
		s.usage.OutTokens = out
	}
	if in > 0 || out > 0 {
		s.usageSeen = true
		s.usage.Accuracy = llm.AccuracyFull
	}
	return s.usage
}

// SetPrice records a provider-reported cost.
func (s *Session) SetPrice(price float64) { s.price = price }

// Usage returns the latest usage and whether the provider reported any.
func (s *Session) Usage() (llm.Usage, bool) {
	u := s.usage
	u.Price = s.price
	return u, s.usageSeen
}
