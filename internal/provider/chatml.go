package provider

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"

	"aigw/internal/llm"
	"aigw/internal/stream"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/shared"
	"github.com/openai/openai-go/v3/shared/constant"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
)

// chatmlOptions captures how one ChatML dialect differs from the OpenAI
// Chat Completions baseline.
type chatmlOptions struct {
	provider string
	// legacyMaxTokens sends max_tokens instead of max_completion_tokens.
	legacyMaxTokens bool
	// streamUsage asks for a trailing usage chunk.
	streamUsage bool
	// noTools drops function declarations the dialect cannot take.
	noTools bool
	logger  *zap.Logger
}

// reasoningModel reports OpenAI models that reject temperature and expect
// developer instead of system messages.
func reasoningModel(model string) bool {
	m := strings.ToLower(model)
	if i := strings.LastIndex(m, "/"); i >= 0 {
		m = m[i+1:]
	}
	return strings.HasPrefix(m, "o1") || strings.HasPrefix(m, "o3") ||
		strings.HasPrefix(m, "o4") || strings.HasPrefix(m, "gpt-5")
}

// noSystemModel reports early reasoning models that accept no system or developer role.
func noSystemModel(model string) bool {
	m := strings.ToLower(model)
	return strings.HasPrefix(m, "o1-mini") || strings.HasPrefix(m, "o1-preview")
}

// chatmlParams maps a text or feedback query onto Chat Completions params.
func chatmlParams(q llm.Query, opt chatmlOptions) (openai.ChatCompletionNewParams, error) {
	p := q.Common()
	reasoning := opt.provider == OpenAIName && reasoningModel(p.Model)
	params := openai.ChatCompletionNewParams{Model: shared.ChatModel(p.Model)}

	if prompt := p.SystemPrompt(); prompt != "" {
		switch {
		case opt.provider == OpenAIName && noSystemModel(p.Model):
			opt.logger.Debug("dropping system prompt unsupported by model", zap.String("model", p.Model))
		case reasoning:
			params.Messages = append(params.Messages, openai.DeveloperMessage(prompt))
		default:
			params.Messages = append(params.Messages, openai.SystemMessage(prompt))
		}
	}

	lastUser := -1
	for _, m := range p.Messages {
		switch m.Role {
		case llm.RoleSystem:
			if reasoning {
				params.Messages = append(params.Messages, openai.DeveloperMessage(m.PlainText()))
			} else {
				params.Messages = append(params.Messages, openai.SystemMessage(m.PlainText()))
			}
		case llm.RoleAssistant:
			params.Messages = append(params.Messages, openai.AssistantMessage(m.PlainText()))
		default:
			lastUser = len(params.Messages)
			params.Messages = append(params.Messages, chatmlUserMessage(m, nil))
		}
	}
	if p.Attached != nil {
		if lastUser >= 0 {
			params.Messages[lastUser] = chatmlUserMessage(lastUserMessage(p.Messages), p.Attached)
		} else {
			params.Messages = append(params.Messages, chatmlUserMessage(llm.Message{Role: llm.RoleUser}, p.Attached))
		}
	}

	if fq, ok := q.(*llm.FeedbackQuery); ok {
		for i, block := range fq.Blocks {
			calls := int(gjson.GetBytes(block.RawMessage, "tool_calls.#").Int())
			if err := checkFeedbackCount(opt.provider, opt.logger, i, calls, len(block.Feedbacks)); err != nil {
				return params, err
			}
			assistant := param.Override[openai.ChatCompletionAssistantMessageParam](block.RawMessage)
			params.Messages = append(params.Messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
			for _, fb := range block.Feedbacks {
				params.Messages = append(params.Messages, openai.ToolMessage(fb.Reply.Content(), fb.Call.ID))
			}
		}
	}

	if len(p.Functions) > 0 {
		if opt.noTools {
			opt.logger.Warn("provider does not support function calling; declarations dropped",
				zap.Int("functions", len(p.Functions)))
		} else {
			params.Tools = chatmlTools(p.Functions)
		}
	}
	if p.MaxTokens > 0 {
		if opt.legacyMaxTokens {
			params.MaxTokens = param.NewOpt(int64(p.MaxTokens))
		} else {
			params.MaxCompletionTokens = param.NewOpt(int64(p.MaxTokens))
		}
	}
	if p.Temperature != nil && !reasoning {
		params.Temperature = param.NewOpt(*p.Temperature)
	}
	if p.ResponseFormat == llm.FormatJSON {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	return params, nil
}

// chatmlBody encodes params, adding the streaming switches the typed params
// leave to the SDK transport.
func chatmlBody(params openai.ChatCompletionNewParams, streaming bool, opt chatmlOptions) ([]byte, error) {
	if streaming && opt.streamUsage {
		params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: param.NewOpt(true)}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	if streaming {
		if body, err = sjson.SetBytes(body, "stream", true); err != nil {
			return nil, err
		}
	}
	return body, nil
}

func lastUserMessage(messages []llm.Message) llm.Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != llm.RoleSystem && messages[i].Role != llm.RoleAssistant {
			return messages[i]
		}
	}
	return llm.Message{Role: llm.RoleUser}
}

func chatmlUserMessage(m llm.Message, attached *llm.File) openai.ChatCompletionMessageParamUnion {
	if len(m.Parts) == 0 && attached == nil {
		return openai.UserMessage(m.Text)
	}
	var parts []openai.ChatCompletionContentPartUnionParam
	if m.Text != "" {
		parts = append(parts, openai.TextContentPart(m.Text))
	}
	for _, part := range m.Parts {
		switch {
		case part.Type == llm.PartText:
			parts = append(parts, openai.TextContentPart(part.Text))
		case part.File != nil:
			parts = append(parts, chatmlFilePart(*part.File))
		}
	}
	if attached != nil {
		parts = append(parts, chatmlFilePart(*attached))
	}
	return openai.UserMessage(parts)
}

func chatmlFilePart(f llm.File) openai.ChatCompletionContentPartUnionParam {
	if f.IsImage() {
		url := f.URL
		if len(f.Data) > 0 {
			url = dataURL(f)
		}
		return openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: url})
	}
	file := openai.ChatCompletionContentPartFileFileParam{FileData: param.NewOpt(dataURL(f))}
	if f.Name != "" {
		file.Filename = param.NewOpt(f.Name)
	}
	return openai.FileContentPart(file)
}

func dataURL(f llm.File) string {
	mime := f.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(f.Data)
}

func chatmlTools(functions []llm.Function) []openai.ChatCompletionToolUnionParam {
	tools := make([]openai.ChatCompletionToolUnionParam, 0, len(functions))
	for _, fn := range functions {
		def := shared.FunctionDefinitionParam{
			Name:       fn.Name,
			Parameters: shared.FunctionParameters(fn.Schema()),
		}
		if fn.Description != "" {
			def.Description = param.NewOpt(fn.Description)
		}
		tools = append(tools, openai.ChatCompletionToolUnionParam{
			OfFunction: &openai.ChatCompletionFunctionToolParam{Function: def},
		})
	}
	return tools
}

// chatmlStreamEvent accumulates one Chat Completions chunk.
func chatmlStreamEvent(provider string, s *stream.Session, data []byte) ([]stream.Delta, error) {
	var chunk openai.ChatCompletionChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, protocolError(provider, "undecodable chunk: %v", err)
	}
	if chunk.ID != "" {
		s.ResponseID = chunk.ID
	}
	if chunk.Model != "" {
		s.Model = chunk.Model
	}
	var deltas []stream.Delta
	for _, choice := range chunk.Choices {
		if choice.Index != 0 {
			continue
		}
		delta := choice.Delta
		raw := delta.RawJSON()
		thinking := gjson.Get(raw, "reasoning_content").String()
		if thinking == "" {
			thinking = gjson.Get(raw, "reasoning").String()
		}
		deltas = append(deltas, thinkingDelta(s, thinking)...)
		deltas = append(deltas, contentDelta(s, delta.Content)...)
		for _, tc := range delta.ToolCalls {
			call := s.Call(chatmlCallKey(s, tc))
			if tc.ID != "" {
				call.ID = tc.ID
			}
			announce := false
			if tc.Function.Name != "" && call.Name == "" {
				call.Name = tc.Function.Name
				announce = true
			}
			call.AppendArgs(tc.Function.Arguments)
			if announce {
				deltas = append(deltas, callDelta(call))
			}
		}
		if choice.FinishReason != "" {
			s.FinishReason = choice.FinishReason
		}
	}
	usage := gjson.GetBytes(data, "usage")
	if usage.IsObject() {
		deltas = append(deltas, usageDelta(s, int(usage.Get("prompt_tokens").Int()), int(usage.Get("completion_tokens").Int()))...)
		if cost := usage.Get("cost"); cost.Exists() {
			s.SetPrice(cost.Float())
		}
	}
	return deltas, nil
}

// chatmlCallKey keys fragments by index. A dialect that sends several whole
// calls under one index is told apart by the call id.
func chatmlCallKey(s *stream.Session, tc openai.ChatCompletionChunkChoiceDeltaToolCall) string {
	key := strconv.FormatInt(tc.Index, 10)
	if tc.ID == "" {
		return key
	}
	if existing, ok := s.LookupCall(key); ok && existing.ID != "" && existing.ID != tc.ID {
		return "id:" + tc.ID
	}
	return key
}

// chatmlLoadBody replays a complete Chat Completions body into s so both
// delivery modes finalize through the same code.
func chatmlLoadBody(provider string, s *stream.Session, body []byte) error {
	var completion openai.ChatCompletion
	if err := json.Unmarshal(body, &completion); err != nil {
		return protocolError(provider, "undecodable response: %v", err)
	}
	s.ResponseID = completion.ID
	s.Model = completion.Model
	if len(completion.Choices) > 0 {
		choice := completion.Choices[0]
		msg := choice.Message
		raw := msg.RawJSON()
		thinking := gjson.Get(raw, "reasoning_content").String()
		if thinking == "" {
			thinking = gjson.Get(raw, "reasoning").String()
		}
		s.AppendThinking(thinking)
		s.AppendContent(msg.Content)
		for i, tc := range msg.ToolCalls {
			if tc.Type != "" && tc.Type != "function" {
				continue
			}
			fn := tc.AsFunction()
			call := s.Call(strconv.Itoa(i))
			call.ID = fn.ID
			call.Name = fn.Function.Name
			call.SetArgs(fn.Function.Arguments)
		}
		s.FinishReason = choice.FinishReason
	}
	usage := gjson.GetBytes(body, "usage")
	if usage.IsObject() {
		s.SetUsage(int(usage.Get("prompt_tokens").Int()), int(usage.Get("completion_tokens").Int()))
		if cost := usage.Get("cost"); cost.Exists() {
			s.SetPrice(cost.Float())
		}
	}
	return nil
}

// chatmlFinalize builds the reply, echoing tool calls as a minimal assistant message.
func chatmlFinalize(s *stream.Session, q llm.Query) (*llm.Reply, error) {
	reply := newReply(s, q)
	calls := normalizeCalls(s.ToolCalls())
	if len(calls) > 0 {
		raw, err := chatmlAssistantRaw(s.Content(), calls)
		if err != nil {
			return nil, err
		}
		reply.SetToolCalls(calls, raw)
	}
	finishUsage(reply, s, q)
	return reply, nil
}

func chatmlAssistantRaw(content string, calls []llm.ToolCall) (json.RawMessage, error) {
	assistant := openai.ChatCompletionAssistantMessageParam{}
	if content != "" {
		assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: param.NewOpt(content)}
	}
	for _, call := range calls {
		assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
			OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
				ID: call.ID,
				Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
					Name:      call.Name,
					Arguments: call.Arguments,
				},
				Type: constant.Function("function"),
			},
		})
	}
	raw, err := json.Marshal(assistant)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
