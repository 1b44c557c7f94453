package provider

import (
	"encoding/json"
	"strings"

	"aigw/internal/llm"
	"aigw/internal/stream"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Remote tools run by the provider itself. Their events only report progress.
var remoteToolPrefixes = []string{
	"response.mcp_",
	"response.code_interpreter_call",
	"response.web_search_call",
	"response.file_search_call",
	"response.image_generation_call",
}

// Lifecycle events that carry nothing the reply needs.
var ignoredResponsesEvents = map[string]bool{
	"response.queued":                       true,
	"response.content_part.added":           true,
	"response.content_part.done":            true,
	"response.output_text.done":             true,
	"response.output_text.annotation.added": true,
	"response.reasoning_summary_part.added": true,
	"response.reasoning_summary_part.done":  true,
	"response.reasoning_summary_text.done":  true,
	"response.reasoning_text.done":          true,
	"response.refusal.done":                 true,
}

func responsesBody(q llm.Query, streaming bool, logger *zap.Logger) ([]byte, error) {
	p := q.Common()
	body := map[string]any{"model": p.Model}
	if prompt := p.SystemPrompt(); prompt != "" {
		body["instructions"] = prompt
	}

	var input []any
	for _, m := range p.Messages {
		switch m.Role {
		case llm.RoleAssistant:
			input = append(input, map[string]any{"role": "assistant", "content": m.PlainText()})
		case llm.RoleSystem:
			input = append(input, map[string]any{"role": "developer", "content": m.PlainText()})
		default:
			input = append(input, map[string]any{"role": "user", "content": responsesUserContent(m, nil)})
		}
	}
	if p.Attached != nil {
		input = append(input, map[string]any{
			"role":    "user",
			"content": responsesUserContent(llm.Message{Role: llm.RoleUser}, p.Attached),
		})
	}

	if fq, ok := q.(*llm.FeedbackQuery); ok {
		for i, block := range fq.Blocks {
			items := gjson.ParseBytes(block.RawMessage)
			if !items.IsArray() {
				return nil, protocolError(OpenAIName, "feedback block %d: raw message is not an output item list", i)
			}
			calls := 0
			for _, item := range items.Array() {
				if item.Get("type").String() == "function_call" {
					calls++
				}
			}
			if err := checkFeedbackCount(OpenAIName, logger, i, calls, len(block.Feedbacks)); err != nil {
				return nil, err
			}
			for _, item := range items.Array() {
				input = append(input, json.RawMessage(item.Raw))
			}
			for _, fb := range block.Feedbacks {
				input = append(input, map[string]any{
					"type":    "function_call_output",
					"call_id": fb.Call.ID,
					"output":  fb.Reply.Content(),
				})
			}
		}
	}
	body["input"] = input

	if len(p.Functions) > 0 {
		tools := make([]map[string]any, 0, len(p.Functions))
		for _, fn := range p.Functions {
			tool := map[string]any{"type": "function", "name": fn.Name, "parameters": fn.Schema()}
			if fn.Description != "" {
				tool["description"] = fn.Description
			}
			tools = append(tools, tool)
		}
		body["tools"] = tools
	}
	if p.MaxTokens > 0 {
		body["max_output_tokens"] = p.MaxTokens
	}
	if p.Temperature != nil && !reasoningModel(p.Model) {
		body["temperature"] = *p.Temperature
	}
	if p.ResponseFormat == llm.FormatJSON {
		body["text"] = map[string]any{"format": map[string]any{"type": "json_object"}}
	}
	if streaming {
		body["stream"] = true
	}
	return json.Marshal(body)
}

func responsesUserContent(m llm.Message, attached *llm.File) any {
	if len(m.Parts) == 0 && attached == nil {
		return m.Text
	}
	var parts []map[string]any
	if m.Text != "" {
		parts = append(parts, map[string]any{"type": "input_text", "text": m.Text})
	}
	files := make([]llm.File, 0, len(m.Parts)+1)
	for _, part := range m.Parts {
		switch {
		case part.Type == llm.PartText:
			parts = append(parts, map[string]any{"type": "input_text", "text": part.Text})
		case part.File != nil:
			files = append(files, *part.File)
		}
	}
	if attached != nil {
		files = append(files, *attached)
	}
	for _, f := range files {
		if f.IsImage() {
			url := f.URL
			if len(f.Data) > 0 {
				url = dataURL(f)
			}
			parts = append(parts, map[string]any{"type": "input_image", "image_url": url})
			continue
		}
		parts = append(parts, map[string]any{
			"type":      "input_file",
			"filename":  fileName(f, "attachment"),
			"file_data": dataURL(f),
		})
	}
	return parts
}

func responsesStreamEvent(provider string, s *stream.Session, data []byte) ([]stream.Delta, error) {
	doc := gjson.ParseBytes(data)
	typ := doc.Get("type").String()
	switch typ {
	case "response.created", "response.in_progress":
		responsesHeader(s, doc.Get("response"))
		return nil, nil
	case "response.output_item.added":
		return responsesItemAdded(s, doc.Get("item")), nil
	case "response.output_text.delta", "response.refusal.delta":
		return contentDelta(s, doc.Get("delta").String()), nil
	case "response.reasoning_summary_text.delta", "response.reasoning_text.delta":
		return thinkingDelta(s, doc.Get("delta").String()), nil
	case "response.function_call_arguments.delta":
		call := s.Call(doc.Get("item_id").String())
		call.AppendArgs(doc.Get("delta").String())
		return nil, nil
	case "response.function_call_arguments.done":
		call := s.Call(doc.Get("item_id").String())
		call.SetArgs(doc.Get("arguments").String())
		return nil, nil
	case "response.output_item.done":
		return responsesItemDone(s, doc.Get("item")), nil
	case "response.completed", "response.incomplete":
		resp := doc.Get("response")
		responsesHeader(s, resp)
		var deltas []stream.Delta
		for _, item := range resp.Get("output").Array() {
			if item.Get("type").String() != "function_call" || s.Seen(item.Get("call_id").String()) {
				continue
			}
			deltas = append(deltas, responsesItemDone(s, item)...)
		}
		if reason := resp.Get("incomplete_details.reason").String(); reason != "" {
			s.FinishReason = reason
		} else if s.FinishReason == "" {
			s.FinishReason = resp.Get("status").String()
		}
		usage := resp.Get("usage")
		deltas = append(deltas, usageDelta(s, int(usage.Get("input_tokens").Int()), int(usage.Get("output_tokens").Int()))...)
		return deltas, nil
	case "response.failed":
		msg := doc.Get("response.error.message").String()
		if msg == "" {
			msg = "response failed"
		}
		return nil, llm.NewError(provider, llm.ErrInBand, "%s", msg)
	}
	if ignoredResponsesEvents[typ] {
		return nil, nil
	}
	for _, prefix := range remoteToolPrefixes {
		if strings.HasPrefix(typ, prefix) {
			return []stream.Delta{statusDelta(strings.TrimPrefix(typ, "response."))}, nil
		}
	}
	return nil, protocolError(provider, "unknown responses event %q", typ)
}

func responsesHeader(s *stream.Session, resp gjson.Result) {
	if id := resp.Get("id").String(); id != "" {
		s.ResponseID = id
	}
	if model := resp.Get("model").String(); model != "" {
		s.Model = model
	}
}

func responsesItemAdded(s *stream.Session, item gjson.Result) []stream.Delta {
	switch typ := item.Get("type").String(); typ {
	case "function_call":
		call := s.Call(item.Get("id").String())
		call.ID = item.Get("call_id").String()
		call.Name = item.Get("name").String()
		return []stream.Delta{callDelta(call)}
	case "reasoning":
		s.InThinking = true
	case "message":
	default:
		return []stream.Delta{statusDelta(typ + " started")}
	}
	return nil
}

// responsesItemDone finalizes an output item. Function calls are recorded
// once per call id however many events repeat them.
func responsesItemDone(s *stream.Session, item gjson.Result) []stream.Delta {
	typ := item.Get("type").String()
	switch typ {
	case "function_call":
		callID := item.Get("call_id").String()
		if !s.MarkSeen(callID) {
			return nil
		}
		call := s.Call(item.Get("id").String())
		call.ID = callID
		call.Name = item.Get("name").String()
		call.SetArgs(item.Get("arguments").String())
		call.Raw = json.RawMessage(item.Raw)
		s.Items = append(s.Items, json.RawMessage(item.Raw))
		return nil
	case "reasoning":
		s.InThinking = false
		s.Items = append(s.Items, json.RawMessage(item.Raw))
		return nil
	case "message":
		s.Items = append(s.Items, json.RawMessage(item.Raw))
		return nil
	case "image_generation_call":
		if result := item.Get("result").String(); result != "" {
			img := llm.Image{B64: result, MimeType: "image/" + formatOr(item.Get("output_format").String(), "png")}
			s.Images = append(s.Images, img)
			return []stream.Delta{{Type: stream.DeltaImage, Image: &img}}
		}
	}
	return []stream.Delta{statusDelta(typ + " done")}
}

func formatOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// responsesLoadBody replays a complete response object into s.
func responsesLoadBody(provider string, s *stream.Session, body []byte) error {
	if !gjson.ValidBytes(body) {
		return protocolError(provider, "undecodable response")
	}
	resp := gjson.ParseBytes(body)
	if resp.Get("status").String() == "failed" {
		return llm.NewError(provider, llm.ErrInBand, "%s", resp.Get("error.message").String())
	}
	responsesHeader(s, resp)
	for _, item := range resp.Get("output").Array() {
		if item.Get("type").String() == "message" {
			for _, part := range item.Get("content").Array() {
				if part.Get("type").String() == "output_text" {
					s.AppendContent(part.Get("text").String())
				}
			}
		}
		if item.Get("type").String() == "reasoning" {
			for _, part := range item.Get("summary").Array() {
				s.AppendThinking(part.Get("text").String())
			}
		}
		responsesItemDone(s, item)
	}
	if reason := resp.Get("incomplete_details.reason").String(); reason != "" {
		s.FinishReason = reason
	} else {
		s.FinishReason = resp.Get("status").String()
	}
	usage := resp.Get("usage")
	s.SetUsage(int(usage.Get("input_tokens").Int()), int(usage.Get("output_tokens").Int()))
	return nil
}

// responsesFinalize echoes the output items as the raw message: the next turn
// must replay them ahead of the function_call_output items.
func responsesFinalize(s *stream.Session, q llm.Query) (*llm.Reply, error) {
	reply := newReply(s, q)
	calls := normalizeCalls(s.ToolCalls())
	if len(calls) > 0 {
		items := s.Items
		for _, c := range s.Calls() {
			if c.Raw != nil || c.Name == "" {
				continue
			}
			// The stream ended before the item was closed.
			item, err := json.Marshal(map[string]any{
				"type":      "function_call",
				"call_id":   c.ID,
				"name":      c.Name,
				"arguments": string(c.ToolCall().ArgumentsJSON()),
			})
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		raw, err := json.Marshal(items)
		if err != nil {
			return nil, err
		}
		reply.SetToolCalls(calls, raw)
	}
	finishUsage(reply, s, q)
	return reply, nil
}
