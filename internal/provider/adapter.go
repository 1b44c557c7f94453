// Package provider translates canonical queries into vendor wire formats and
// vendor responses back into canonical replies.
//
// Adapters are stateless. Everything a request accumulates while streaming
// lives in the *stream.Session passed to each call, so one adapter value can
// serve any number of concurrent requests.
package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"aigw/internal/llm"
	"aigw/internal/stream"
	"aigw/internal/transport"

	"go.uber.org/zap"
)

// Adapter is implemented once per vendor.
type Adapter interface {
	Name() string
	// CanStream reports whether q should be sent as a streaming request.
	CanStream(q llm.Query) bool
	BuildRequest(q llm.Query, stream bool) (transport.Request, error)
	// ParseStreamEvent interprets one stream payload, accumulating into s.
	// Errors wrapping llm.ErrProtocolViolation are not fatal.
	ParseStreamEvent(s *stream.Session, ev stream.Event) ([]stream.Delta, error)
	// FinalizeStream builds the reply purely from session accumulators.
	FinalizeStream(s *stream.Session, q llm.Query) (*llm.Reply, error)
	// FinalizeBody parses a complete non-streamed response body.
	FinalizeBody(q llm.Query, body []byte) (*llm.Reply, error)
}

// Config carries per-provider connection settings.
type Config struct {
	APIKey           string `mapstructure:"api_key"`
	BaseURL          string `mapstructure:"base_url"`
	Organization     string `mapstructure:"organization"`
	Referer          string `mapstructure:"referer"`
	Title            string `mapstructure:"title"`
	ResponsesAPI     bool   `mapstructure:"responses_api"`
	AnthropicVersion string `mapstructure:"anthropic_version"`
}

const (
	OpenAIName      = "openai"
	AnthropicName   = "anthropic"
	GoogleName      = "google"
	MistralName     = "mistral"
	PerplexityName  = "perplexity"
	OpenRouterName  = "openrouter"
	HuggingFaceName = "huggingface"
	ReplicateName   = "replicate"
)

var defaultBaseURLs = map[string]string{
	OpenAIName:      "https://api.openai.com/v1",
	AnthropicName:   "https://api.anthropic.com/v1",
	GoogleName:      "https://generativelanguage.googleapis.com/v1beta",
	MistralName:     "https://api.mistral.ai/v1",
	PerplexityName:  "https://api.perplexity.ai",
	OpenRouterName:  "https://openrouter.ai/api/v1",
	HuggingFaceName: "https://router.huggingface.co/v1",
	ReplicateName:   "https://api.replicate.com/v1",
}

// Names lists every supported provider.
func Names() []string {
	names := make([]string, 0, len(defaultBaseURLs))
	for name := range defaultBaseURLs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New constructs the adapter registered under name.
func New(name string, cfg Config, logger *zap.Logger) (Adapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("provider", name))
	switch name {
	case OpenAIName:
		return NewOpenAI(cfg, logger), nil
	case AnthropicName:
		return NewAnthropic(cfg, logger), nil
	case GoogleName:
		return NewGoogle(cfg, logger), nil
	case MistralName:
		return NewMistral(cfg, logger), nil
	case PerplexityName:
		return NewPerplexity(cfg, logger), nil
	case OpenRouterName:
		return NewOpenRouter(cfg, logger), nil
	case HuggingFaceName:
		return NewHuggingFace(cfg, logger), nil
	case ReplicateName:
		return NewReplicate(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider %q (known: %s)", name, strings.Join(Names(), ", "))
	}
}

// ForModel guesses the provider serving model from its name. Vendor-prefixed
// names ("owner/model") go to OpenRouter.
func ForModel(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(m, "gpt-"), strings.HasPrefix(m, "chatgpt"), strings.HasPrefix(m, "o1"),
		strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"), strings.HasPrefix(m, "text-embedding-3"),
		strings.HasPrefix(m, "text-embedding-ada"), strings.HasPrefix(m, "dall-e"), strings.HasPrefix(m, "whisper"):
		return OpenAIName
	case strings.HasPrefix(m, "claude"):
		return AnthropicName
	case strings.HasPrefix(m, "gemini"), strings.HasPrefix(m, "imagen"), strings.HasPrefix(m, "gemma"),
		strings.HasPrefix(m, "text-embedding-004"):
		return GoogleName
	case strings.HasPrefix(m, "mistral"), strings.HasPrefix(m, "open-mistral"), strings.HasPrefix(m, "codestral"),
		strings.HasPrefix(m, "pixtral"), strings.HasPrefix(m, "ministral"), strings.HasPrefix(m, "magistral"):
		return MistralName
	case strings.HasPrefix(m, "sonar"), strings.HasPrefix(m, "pplx"):
		return PerplexityName
	case strings.Contains(m, "/"):
		return OpenRouterName
	}
	return ""
}

func baseURL(name string, cfg Config) string {
	if cfg.BaseURL != "" {
		return strings.TrimRight(cfg.BaseURL, "/")
	}
	return defaultBaseURLs[name]
}

func jsonRequest(url string, header http.Header, body []byte) transport.Request {
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Type", "application/json")
	return transport.Request{Method: http.MethodPost, URL: url, Header: header, Body: body}
}

func bearer(apiKey string) http.Header {
	h := http.Header{}
	if apiKey != "" {
		h.Set("Authorization", "Bearer "+apiKey)
	}
	return h
}

func protocolError(provider, format string, args ...any) error {
	return llm.NewError(provider, llm.ErrProtocolViolation, format, args...)
}

// checkFeedbackCount enforces that a block answers every call in its raw
// message. Some providers under-return parallel calls; that is reported, not
// patched up.
func checkFeedbackCount(provider string, logger *zap.Logger, index, calls, feedbacks int) error {
	if calls == feedbacks {
		return nil
	}
	logger.Warn("feedback count does not match function calls in provider message",
		zap.Int("block", index), zap.Int("calls", calls), zap.Int("feedbacks", feedbacks))
	return protocolError(provider, "feedback block %d carries %d results for %d function calls", index, feedbacks, calls)
}

func newReply(s *stream.Session, q llm.Query) *llm.Reply {
	model := s.Model
	if model == "" {
		model = q.Common().Model
	}
	return &llm.Reply{
		ID:    s.ResponseID,
		Model: model,
		Choices: []llm.Choice{{
			Message: llm.ChoiceMessage{
				Role:     llm.RoleAssistant,
				Content:  s.Content(),
				Thinking: s.Thinking(),
			},
			FinishReason: s.FinishReason,
			Images:       s.Images,
		}},
	}
}

// finishUsage copies reported usage into reply, or estimates it when the
// provider never reported any.
func finishUsage(reply *llm.Reply, s *stream.Session, q llm.Query) {
	usage, seen := s.Usage()
	if !seen {
		out := 0
		for _, c := range reply.Choices {
			out += len(c.Message.Content) + len(c.Message.Thinking)
			for _, call := range c.Message.ToolCalls {
				out += len(call.Name) + len(call.Arguments)
			}
		}
		usage.InTokens = estimateTokens(queryBytes(q))
		usage.OutTokens = estimateTokens(out)
		usage.Accuracy = llm.AccuracyEstimated
	}
	reply.Usage = usage
}

func estimateTokens(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + 3) / 4
}

func queryBytes(q llm.Query) int {
	p := q.Common()
	n := len(p.SystemPrompt())
	for _, m := range p.Messages {
		n += len(m.PlainText())
	}
	switch v := q.(type) {
	case *llm.FeedbackQuery:
		for _, b := range v.Blocks {
			n += len(b.RawMessage)
			for _, f := range b.Feedbacks {
				n += len(f.Reply.Content())
			}
		}
	case *llm.EmbedQuery:
		n += len(v.Input)
	case *llm.ImageQuery:
		n += len(v.Prompt)
	case *llm.EditImageQuery:
		n += len(v.Prompt)
	case *llm.TranscribeQuery:
		n += len(v.Prompt)
	}
	return n
}

// normalizeCalls gives every call compact, object-shaped arguments so the
// streamed and the buffered form of one call compare equal.
func normalizeCalls(calls []llm.ToolCall) []llm.ToolCall {
	for i := range calls {
		args := calls[i].ArgumentsJSON()
		var compact bytes.Buffer
		if err := json.Compact(&compact, args); err == nil {
			args = compact.Bytes()
		}
		calls[i].Arguments = string(args)
	}
	return calls
}

// isTextual reports whether q is a conversation turn.
func isTextual(q llm.Query) bool {
	switch q.(type) {
	case *llm.TextQuery, *llm.FeedbackQuery:
		return true
	}
	return false
}

func contentDelta(s *stream.Session, text string) []stream.Delta {
	if text == "" {
		return nil
	}
	s.AppendContent(text)
	return []stream.Delta{{Type: stream.DeltaContent, Text: text}}
}

func thinkingDelta(s *stream.Session, text string) []stream.Delta {
	if text == "" {
		return nil
	}
	s.AppendThinking(text)
	return []stream.Delta{{Type: stream.DeltaThinking, Text: text}}
}

func usageDelta(s *stream.Session, in, out int) []stream.Delta {
	if in <= 0 && out <= 0 {
		return nil
	}
	u := s.SetUsage(in, out)
	return []stream.Delta{{Type: stream.DeltaUsage, Usage: &u}}
}

func callDelta(c *stream.PendingCall) stream.Delta {
	tc := c.ToolCall()
	return stream.Delta{Type: stream.DeltaToolCall, Call: &tc}
}

func statusDelta(text string) stream.Delta {
	return stream.Delta{Type: stream.DeltaStatus, Text: text}
}
