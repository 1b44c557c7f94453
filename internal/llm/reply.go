package llm

import (
	"encoding/json"
	"strings"
)

// ToolCall represents a model tool call. Arguments accumulate as raw text
// while streaming and are only interpreted once the call is complete.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ArgumentsJSON returns the arguments as a JSON object. Empty input and an
// empty array both normalize to {}.
func (c ToolCall) ArgumentsJSON() json.RawMessage {
	trimmed := strings.TrimSpace(c.Arguments)
	if trimmed == "" || trimmed == "[]" || trimmed == "null" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(trimmed)
}

// ValidArguments reports whether the arguments are well-formed JSON. A stream
// cut off mid-call leaves them incomplete.
func (c ToolCall) ValidArguments() bool {
	return json.Valid(c.ArgumentsJSON())
}

// Args decodes the arguments into a map.
func (c ToolCall) Args() (map[string]any, error) {
	args := map[string]any{}
	if err := json.Unmarshal(c.ArgumentsJSON(), &args); err != nil {
		return nil, err
	}
	return args, nil
}

// Accuracy qualifies how usage numbers were obtained.
type Accuracy string

const (
	AccuracyNone      Accuracy = "none"
	AccuracyEstimated Accuracy = "estimated"
	AccuracyFull      Accuracy = "full"
)

// Usage records token counts and cost for one or more turns.
type Usage struct {
	InTokens  int      `json:"in_tokens"`
	OutTokens int      `json:"out_tokens"`
	Price     float64  `json:"price"`
	Accuracy  Accuracy `json:"accuracy"`
}

// Add accumulates another turn into u. Accuracy degrades to the weakest input.
func (u *Usage) Add(other Usage) {
	u.InTokens += other.InTokens
	u.OutTokens += other.OutTokens
	u.Price += other.Price
	switch {
	case u.Accuracy == "":
		u.Accuracy = other.Accuracy
	case other.Accuracy == AccuracyNone || u.Accuracy == AccuracyNone:
		u.Accuracy = AccuracyNone
	case other.Accuracy == AccuracyEstimated:
		u.Accuracy = AccuracyEstimated
	}
}

// Image is a generated image, either hosted or inline.
type Image struct {
	URL      string `json:"url,omitempty"`
	B64      string `json:"b64,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// ChoiceMessage is the assistant output of one choice.
type ChoiceMessage struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Thinking  string     `json:"thinking,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Choice is one alternative returned by the provider.
type Choice struct {
	Message      ChoiceMessage `json:"message"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Images       []Image       `json:"images,omitempty"`
}

// NeedFeedback is a pending tool call together with the provider message
// that produced it, which must be echoed back verbatim on the next turn.
type NeedFeedback struct {
	Call       ToolCall        `json:"call"`
	RawMessage json.RawMessage `json:"raw_message"`
}

// Reply is the canonical response.
type Reply struct {
	ID            string         `json:"id"`
	Model         string         `json:"model"`
	Choices       []Choice       `json:"choices"`
	Usage         Usage          `json:"usage"`
	NeedFeedbacks []NeedFeedback `json:"need_feedbacks,omitempty"`
	Embeddings    [][]float64    `json:"embeddings,omitempty"`
}

// Result returns the first choice text.
func (r *Reply) Result() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// SetToolCalls attaches calls to the first choice and registers each one as
// pending feedback bound to raw.
func (r *Reply) SetToolCalls(calls []ToolCall, raw json.RawMessage) {
	if len(calls) == 0 {
		return
	}
	if len(r.Choices) == 0 {
		r.Choices = append(r.Choices, Choice{Message: ChoiceMessage{Role: RoleAssistant}})
	}
	r.Choices[0].Message.ToolCalls = calls
	for _, call := range calls {
		r.NeedFeedbacks = append(r.NeedFeedbacks, NeedFeedback{Call: call, RawMessage: raw})
	}
}
