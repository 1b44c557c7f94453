// Package events defines the progress envelope emitted while a query runs.
package events

import "time"

// Type represents an emitted event type.
type Type string

const (
	RunStarted        Type = "RunStarted"
	QueryDispatched   Type = "QueryDispatched"
	ModelDelta        Type = "ModelStreamingDelta"
	ThinkingDelta     Type = "ThinkingDelta"
	Status            Type = "Status"
	ToolCallRequested Type = "ToolCallRequested"
	ToolCallStarted   Type = "ToolCallStarted"
	ToolCallFinished  Type = "ToolCallFinished"
	ToolCallFailed    Type = "ToolCallFailed"
	UsageReported     Type = "UsageReported"
	FinalAnswerReady  Type = "FinalAnswerReady"
	RunFinished       Type = "RunFinished"
	RunError          Type = "RunError"
)

// Event is the common envelope for observers.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// New stamps an event with the current time.
func New(typ Type, payload any) Event {
	return Event{Type: typ, Timestamp: time.Now(), Payload: payload}
}

// Observer receives events. Emit must not retain the payload beyond the call
// unless it copies it.
type Observer interface {
	Emit(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Emit(e Event) { f(e) }

// RunStartedPayload is emitted at the beginning of a run.
type RunStartedPayload struct {
	Version   string    `json:"version"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
}

// QueryDispatchedPayload marks one provider round trip.
type QueryDispatchedPayload struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Kind     string `json:"kind"`
	Stream   bool   `json:"stream"`
}

// ModelDeltaPayload is streamed as tokens arrive.
type ModelDeltaPayload struct {
	Delta string `json:"delta"`
}

// StatusPayload reports provider-side progress such as remote tool runs.
type StatusPayload struct {
	Message string `json:"message"`
}

// ToolCallRequestedPayload announces a call the model asked for.
type ToolCallRequestedPayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ToolCallStartedPayload marks function execution start.
type ToolCallStartedPayload struct {
	ID        string    `json:"id"`
	ToolName  string    `json:"tool_name"`
	Input     any       `json:"input"`
	StartedAt time.Time `json:"started_at"`
}

// ToolCallFinishedPayload marks function execution end.
type ToolCallFinishedPayload struct {
	ID         string `json:"id"`
	ToolName   string `json:"tool_name"`
	Status     string `json:"status"`
	Output     any    `json:"output"`
	Preview    string `json:"preview"`
	ByteCount  int    `json:"byte_count"`
	Truncated  bool   `json:"truncated"`
	DurationMs int64  `json:"duration_ms"`
}

// UsagePayload reports token usage for one turn.
type UsagePayload struct {
	InTokens  int     `json:"in_tokens"`
	OutTokens int     `json:"out_tokens"`
	Price     float64 `json:"price"`
	Accuracy  string  `json:"accuracy"`
}

// FinalAnswerPayload is emitted when final answer is ready.
type FinalAnswerPayload struct {
	Answer string `json:"answer"`
}

// RunFinishedPayload closes the run.
type RunFinishedPayload struct {
	Status     string    `json:"status"`
	FinishedAt time.Time `json:"finished_at"`
}

// RunErrorPayload records a run error.
type RunErrorPayload struct {
	Message string `json:"message"`
}
