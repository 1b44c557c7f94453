package provider

import (
	"encoding/base64"
	"encoding/json"
	"strconv"

	"aigw/internal/llm"
	"aigw/internal/stream"
	"aigw/internal/transport"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	defaultAnthropicVersion   = "2023-06-01"
	defaultAnthropicMaxTokens = 4096
)

// Anthropic speaks the Messages API.
type Anthropic struct {
	cfg    Config
	base   string
	logger *zap.Logger
}

// NewAnthropic returns an Anthropic adapter.
func NewAnthropic(cfg Config, logger *zap.Logger) *Anthropic {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AnthropicVersion == "" {
		cfg.AnthropicVersion = defaultAnthropicVersion
	}
	return &Anthropic{cfg: cfg, base: baseURL(AnthropicName, cfg), logger: logger}
}

func (a *Anthropic) Name() string { return AnthropicName }

func (a *Anthropic) CanStream(q llm.Query) bool { return isTextual(q) }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	System      string          `json:"system,omitempty"`
	Messages    []any           `json:"messages"`
	Tools       []anthropicTool `json:"tools,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

func (a *Anthropic) BuildRequest(q llm.Query, streaming bool) (transport.Request, error) {
	if !isTextual(q) {
		return transport.Request{}, llm.Unsupported(AnthropicName, q)
	}
	p := q.Common()
	req := anthropicRequest{
		Model:       p.Model,
		MaxTokens:   p.MaxTokens,
		System:      p.SystemPrompt(),
		Temperature: p.Temperature,
		Stream:      streaming,
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = defaultAnthropicMaxTokens
	}
	if p.ResponseFormat == llm.FormatJSON {
		if req.System != "" {
			req.System += "\n\n"
		}
		req.System += "Respond with a single valid JSON document and nothing else."
	}

	lastUser := -1
	for _, m := range p.Messages {
		switch m.Role {
		case llm.RoleSystem:
			if req.System != "" {
				req.System += "\n\n"
			}
			req.System += m.PlainText()
		case llm.RoleAssistant:
			req.Messages = append(req.Messages, anthropicMessage{Role: "assistant", Content: m.PlainText()})
		default:
			lastUser = len(req.Messages)
			req.Messages = append(req.Messages, anthropicMessage{Role: "user", Content: anthropicContent(m, nil)})
		}
	}
	if p.Attached != nil {
		if lastUser >= 0 {
			req.Messages[lastUser] = anthropicMessage{Role: "user", Content: anthropicContent(lastUserMessage(p.Messages), p.Attached)}
		} else {
			req.Messages = append(req.Messages, anthropicMessage{Role: "user", Content: anthropicContent(llm.Message{}, p.Attached)})
		}
	}

	if fq, ok := q.(*llm.FeedbackQuery); ok {
		for i, block := range fq.Blocks {
			calls := 0
			for _, c := range gjson.GetBytes(block.RawMessage, "content").Array() {
				if c.Get("type").String() == "tool_use" {
					calls++
				}
			}
			if err := checkFeedbackCount(AnthropicName, a.logger, i, calls, len(block.Feedbacks)); err != nil {
				return transport.Request{}, err
			}
			req.Messages = append(req.Messages, block.RawMessage)
			results := make([]map[string]any, 0, len(block.Feedbacks))
			for _, fb := range block.Feedbacks {
				results = append(results, map[string]any{
					"type":        "tool_result",
					"tool_use_id": fb.Call.ID,
					"content":     fb.Reply.Content(),
				})
			}
			req.Messages = append(req.Messages, anthropicMessage{Role: "user", Content: results})
		}
	}

	for _, fn := range p.Functions {
		req.Tools = append(req.Tools, anthropicTool{Name: fn.Name, Description: fn.Description, InputSchema: fn.Schema()})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return transport.Request{}, err
	}
	h := jsonRequest(a.base+"/messages", nil, body)
	h.Header.Set("x-api-key", a.cfg.APIKey)
	h.Header.Set("anthropic-version", a.cfg.AnthropicVersion)
	return h, nil
}

func anthropicContent(m llm.Message, attached *llm.File) any {
	if len(m.Parts) == 0 && attached == nil {
		return m.Text
	}
	var blocks []map[string]any
	if m.Text != "" {
		blocks = append(blocks, map[string]any{"type": "text", "text": m.Text})
	}
	for _, part := range m.Parts {
		switch {
		case part.Type == llm.PartText:
			blocks = append(blocks, map[string]any{"type": "text", "text": part.Text})
		case part.File != nil:
			blocks = append(blocks, anthropicFileBlock(*part.File))
		}
	}
	if attached != nil {
		blocks = append(blocks, anthropicFileBlock(*attached))
	}
	return blocks
}

func anthropicFileBlock(f llm.File) map[string]any {
	typ := "document"
	if f.IsImage() {
		typ = "image"
	}
	if len(f.Data) == 0 && f.URL != "" {
		return map[string]any{"type": typ, "source": map[string]any{"type": "url", "url": f.URL}}
	}
	mime := f.MimeType
	if mime == "" {
		mime = "application/pdf"
	}
	return map[string]any{
		"type": typ,
		"source": map[string]any{
			"type":       "base64",
			"media_type": mime,
			"data":       base64.StdEncoding.EncodeToString(f.Data),
		},
	}
}

func (a *Anthropic) ParseStreamEvent(s *stream.Session, ev stream.Event) ([]stream.Delta, error) {
	doc := gjson.ParseBytes(ev.Data)
	typ := doc.Get("type").String()
	switch typ {
	case "message_start":
		msg := doc.Get("message")
		s.ResponseID = msg.Get("id").String()
		s.Model = msg.Get("model").String()
		return usageDelta(s, anthropicInputTokens(msg.Get("usage")), int(msg.Get("usage.output_tokens").Int())), nil
	case "content_block_start":
		index := int(doc.Get("index").Int())
		cb := doc.Get("content_block")
		return anthropicBlockStart(s, index, cb), nil
	case "content_block_delta":
		index := int(doc.Get("index").Int())
		block, ok := s.LookupBlock(index)
		if !ok {
			return nil, protocolError(AnthropicName, "delta for unknown content block %d", index)
		}
		delta := doc.Get("delta")
		switch dt := delta.Get("type").String(); dt {
		case "text_delta":
			text := delta.Get("text").String()
			block.AppendText(text)
			return contentDelta(s, text), nil
		case "thinking_delta":
			text := delta.Get("thinking").String()
			block.AppendText(text)
			return thinkingDelta(s, text), nil
		case "signature_delta":
			block.Signature += delta.Get("signature").String()
			return nil, nil
		case "input_json_delta":
			call := s.Call(strconv.Itoa(index))
			call.AppendArgs(delta.Get("partial_json").String())
			return nil, nil
		case "citations_delta":
			return nil, nil
		default:
			return nil, protocolError(AnthropicName, "unknown content block delta %q", dt)
		}
	case "content_block_stop":
		if block, ok := s.LookupBlock(int(doc.Get("index").Int())); ok && block.Type == "thinking" {
			s.InThinking = false
		}
		return nil, nil
	case "message_delta":
		if reason := doc.Get("delta.stop_reason").String(); reason != "" {
			s.FinishReason = reason
		}
		usage := doc.Get("usage")
		return usageDelta(s, anthropicInputTokens(usage), int(usage.Get("output_tokens").Int())), nil
	case "message_stop", "ping":
		return nil, nil
	}
	return nil, protocolError(AnthropicName, "unknown event %q", typ)
}

func anthropicInputTokens(usage gjson.Result) int {
	return int(usage.Get("input_tokens").Int() +
		usage.Get("cache_creation_input_tokens").Int() +
		usage.Get("cache_read_input_tokens").Int())
}

func anthropicBlockStart(s *stream.Session, index int, cb gjson.Result) []stream.Delta {
	typ := cb.Get("type").String()
	block := s.Block(index, typ)
	switch typ {
	case "text":
		text := cb.Get("text").String()
		block.AppendText(text)
		return contentDelta(s, text)
	case "thinking":
		s.InThinking = true
		block.Signature = cb.Get("signature").String()
		text := cb.Get("thinking").String()
		block.AppendText(text)
		return thinkingDelta(s, text)
	case "tool_use":
		block.ID = cb.Get("id").String()
		block.Name = cb.Get("name").String()
		call := s.Call(strconv.Itoa(index))
		call.ID = block.ID
		call.Name = block.Name
		if input := cb.Get("input"); input.IsObject() && len(input.Map()) > 0 {
			call.SetArgs(input.Raw)
		}
		return []stream.Delta{callDelta(call)}
	default:
		// redacted_thinking, server tool uses and their results travel back untouched.
		block.Raw = json.RawMessage(cb.Raw)
		return []stream.Delta{statusDelta(typ)}
	}
}

func (a *Anthropic) FinalizeStream(s *stream.Session, q llm.Query) (*llm.Reply, error) {
	reply := newReply(s, q)
	calls := normalizeCalls(s.ToolCalls())
	if len(calls) > 0 {
		raw, err := anthropicAssistantRaw(s, a.logger)
		if err != nil {
			return nil, protocolError(AnthropicName, "cannot rebuild assistant message: %v", err)
		}
		reply.SetToolCalls(calls, raw)
	}
	finishUsage(reply, s, q)
	return reply, nil
}

// anthropicAssistantRaw rebuilds the assistant turn block by block. Thinking
// signatures must be replayed exactly. Tool input that is not valid JSON, as
// left by a truncated stream, is echoed as {}; the call keeps the original text.
func anthropicAssistantRaw(s *stream.Session, logger *zap.Logger) (json.RawMessage, error) {
	content := make([]any, 0, len(s.Blocks()))
	for _, b := range s.Blocks() {
		switch b.Type {
		case "text":
			if b.Text() == "" {
				continue
			}
			content = append(content, map[string]any{"type": "text", "text": b.Text()})
		case "thinking":
			content = append(content, map[string]any{"type": "thinking", "thinking": b.Text(), "signature": b.Signature})
		case "tool_use":
			call, _ := s.LookupCall(strconv.Itoa(b.Index))
			input := json.RawMessage("{}")
			if call != nil {
				if tc := call.ToolCall(); tc.ValidArguments() {
					input = tc.ArgumentsJSON()
				} else {
					logger.Warn("stream protocol violation: malformed tool input",
						zap.String("call_id", b.ID), zap.String("function", b.Name))
				}
			}
			content = append(content, map[string]any{"type": "tool_use", "id": b.ID, "name": b.Name, "input": input})
		default:
			if len(b.Raw) > 0 && json.Valid(b.Raw) {
				content = append(content, b.Raw)
			}
		}
	}
	return json.Marshal(anthropicMessage{Role: "assistant", Content: content})
}

func (a *Anthropic) FinalizeBody(q llm.Query, body []byte) (*llm.Reply, error) {
	if !isTextual(q) {
		return nil, llm.Unsupported(AnthropicName, q)
	}
	if !gjson.ValidBytes(body) {
		return nil, protocolError(AnthropicName, "undecodable response")
	}
	doc := gjson.ParseBytes(body)
	s := stream.NewSession(AnthropicName)
	s.ResponseID = doc.Get("id").String()
	s.Model = doc.Get("model").String()
	for i, cb := range doc.Get("content").Array() {
		anthropicBlockStart(s, i, cb)
	}
	s.FinishReason = doc.Get("stop_reason").String()
	s.SetUsage(anthropicInputTokens(doc.Get("usage")), int(doc.Get("usage.output_tokens").Int()))
	return a.FinalizeStream(s, q)
}
