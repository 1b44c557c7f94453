package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind discriminates the closed set of query variants.
type Kind string

const (
	KindText       Kind = "text"
	KindFeedback   Kind = "feedback"
	KindEmbed      Kind = "embed"
	KindImage      Kind = "image"
	KindEditImage  Kind = "edit_image"
	KindTranscribe Kind = "transcribe"
)

// Role is the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType identifies a block inside multi-part content.
type PartType string

const (
	PartText     PartType = "text"
	PartImage    PartType = "image"
	PartDocument PartType = "document"
)

// Part is one block of multi-part message content.
type Part struct {
	Type PartType `json:"type"`
	Text string   `json:"text,omitempty"`
	File *File    `json:"file,omitempty"`
}

// Message is a role-tagged conversation entry. Content is either plain Text or Parts.
type Message struct {
	Role  Role   `json:"role"`
	Text  string `json:"text,omitempty"`
	Parts []Part `json:"parts,omitempty"`
}

// PlainText flattens the message content to text, ignoring binary parts.
func (m Message) PlainText() string {
	if len(m.Parts) == 0 {
		return m.Text
	}
	var texts []string
	for _, part := range m.Parts {
		if part.Type == PartText && part.Text != "" {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// File is an attachment carried inline (base64) or by URL.
type File struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"-"`
}

// IsImage reports whether the attachment is an image.
func (f File) IsImage() bool {
	return strings.HasPrefix(f.MimeType, "image/")
}

// Function declares a callable tool.
type Function struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Schema returns the JSON schema for the function parameters. A function
// without parameters still yields an object schema whose properties encode as {}.
func (f Function) Schema() map[string]any {
	schema := map[string]any{}
	for k, v := range f.Parameters {
		schema[k] = v
	}
	if _, ok := schema["type"]; !ok {
		schema["type"] = "object"
	}
	if props, ok := schema["properties"]; !ok || props == nil {
		schema["properties"] = map[string]any{}
	}
	return schema
}

// ResponseFormat selects between free text and JSON output.
type ResponseFormat string

const (
	FormatText ResponseFormat = ""
	FormatJSON ResponseFormat = "json"
)

// Params holds fields shared by every query kind.
type Params struct {
	Model          string
	Instructions   string
	Messages       []Message
	Attached       *File
	Functions      []Function
	MaxTokens      int
	Temperature    *float64
	ResponseFormat ResponseFormat
	Context        string
}

// SystemPrompt joins instructions with any retrieval context.
func (p *Params) SystemPrompt() string {
	prompt := strings.TrimSpace(p.Instructions)
	if ctx := strings.TrimSpace(p.Context); ctx != "" {
		if prompt != "" {
			prompt += "\n\n"
		}
		prompt += "Context:\n" + ctx
	}
	return prompt
}

// Function returns the declaration with the given name.
func (p *Params) Function(name string) (Function, bool) {
	for _, fn := range p.Functions {
		if fn.Name == name {
			return fn, true
		}
	}
	return Function{}, false
}

// Query is the closed set of request variants. Only types in this package implement it.
type Query interface {
	Kind() Kind
	Common() *Params
	sealed()
}

// TextQuery is a chat completion request.
type TextQuery struct {
	Params
}

// FeedbackQuery continues a conversation with function results.
type FeedbackQuery struct {
	Params
	Blocks []FeedbackBlock
}

// EmbedQuery asks for a vector embedding of Input.
type EmbedQuery struct {
	Params
	Input      string
	Dimensions int
}

// ImageQuery asks for generated images.
type ImageQuery struct {
	Params
	Prompt string
	Size   string
	Count  int
}

// EditImageQuery edits Image according to Prompt.
type EditImageQuery struct {
	Params
	Prompt string
	Image  File
	Mask   *File
}

// TranscribeQuery converts Audio to text.
type TranscribeQuery struct {
	Params
	Audio  File
	Prompt string
}

func (q *TextQuery) Kind() Kind       { return KindText }
func (q *FeedbackQuery) Kind() Kind   { return KindFeedback }
func (q *EmbedQuery) Kind() Kind      { return KindEmbed }
func (q *ImageQuery) Kind() Kind      { return KindImage }
func (q *EditImageQuery) Kind() Kind  { return KindEditImage }
func (q *TranscribeQuery) Kind() Kind { return KindTranscribe }

func (q *TextQuery) Common() *Params       { return &q.Params }
func (q *FeedbackQuery) Common() *Params   { return &q.Params }
func (q *EmbedQuery) Common() *Params      { return &q.Params }
func (q *ImageQuery) Common() *Params      { return &q.Params }
func (q *EditImageQuery) Common() *Params  { return &q.Params }
func (q *TranscribeQuery) Common() *Params { return &q.Params }

func (*TextQuery) sealed()       {}
func (*FeedbackQuery) sealed()   {}
func (*EmbedQuery) sealed()      {}
func (*ImageQuery) sealed()      {}
func (*EditImageQuery) sealed()  {}
func (*TranscribeQuery) sealed() {}

// Feedback pairs a tool call with the value computed for it.
type Feedback struct {
	Call  ToolCall      `json:"request"`
	Reply FeedbackReply `json:"reply"`
}

// FeedbackReply is the computed result of one call.
type FeedbackReply struct {
	Value any `json:"value"`
}

// Content renders the value the way providers expect tool output: strings
// verbatim, anything else as JSON.
func (r FeedbackReply) Content() string {
	switch v := r.Value.(type) {
	case nil:
		return "null"
	case string:
		return v
	case json.RawMessage:
		return string(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}

// FeedbackBlock groups one provider message with the results answering it.
type FeedbackBlock struct {
	RawMessage json.RawMessage `json:"raw_message"`
	Feedbacks  []Feedback      `json:"feedbacks"`
}

// Validate checks structural invariants that do not depend on a provider.
func Validate(q Query) error {
	if q == nil {
		return fmt.Errorf("query is nil")
	}
	p := q.Common()
	if strings.TrimSpace(p.Model) == "" {
		return fmt.Errorf("%s query: model is required", q.Kind())
	}
	switch v := q.(type) {
	case *TextQuery:
		if len(v.Messages) == 0 {
			return fmt.Errorf("text query: at least one message is required")
		}
	case *FeedbackQuery:
		if len(v.Blocks) == 0 {
			return fmt.Errorf("feedback query: at least one block is required")
		}
		for i, block := range v.Blocks {
			if len(block.RawMessage) == 0 {
				return fmt.Errorf("feedback query: block %d has no raw message", i)
			}
			if len(block.Feedbacks) == 0 {
				return fmt.Errorf("feedback query: block %d has no feedbacks", i)
			}
		}
	case *EmbedQuery:
		if strings.TrimSpace(v.Input) == "" {
			return fmt.Errorf("embed query: input is required")
		}
	case *ImageQuery:
		if strings.TrimSpace(v.Prompt) == "" {
			return fmt.Errorf("image query: prompt is required")
		}
	case *EditImageQuery:
		if strings.TrimSpace(v.Prompt) == "" || len(v.Image.Data) == 0 {
			return fmt.Errorf("edit image query: prompt and image are required")
		}
	case *TranscribeQuery:
		if len(v.Audio.Data) == 0 {
			return fmt.Errorf("transcribe query: audio is required")
		}
	}
	return nil
}

// FollowUp wraps prev into a feedback query carrying every block gathered so
// far plus the new ones.
func FollowUp(prev Query, blocks []FeedbackBlock) *FeedbackQuery {
	next := &FeedbackQuery{Params: *prev.Common()}
	if fq, ok := prev.(*FeedbackQuery); ok {
		next.Blocks = append(next.Blocks, fq.Blocks...)
	}
	next.Blocks = append(next.Blocks, blocks...)
	return next
}
