package provider

import (
	"net/http"

	"aigw/internal/llm"
	"aigw/internal/stream"
	"aigw/internal/transport"

	"github.com/tidwall/sjson"
	"go.uber.org/zap"
)

// OpenRouter is a ChatML dialect that reports cost inline and streams
// reasoning in its own delta field.
type OpenRouter struct {
	cfg    Config
	base   string
	logger *zap.Logger
}

// NewOpenRouter returns an OpenRouter adapter.
func NewOpenRouter(cfg Config, logger *zap.Logger) *OpenRouter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenRouter{cfg: cfg, base: baseURL(OpenRouterName, cfg), logger: logger}
}

func (o *OpenRouter) Name() string { return OpenRouterName }

func (o *OpenRouter) CanStream(q llm.Query) bool { return isTextual(q) }

func (o *OpenRouter) headers() http.Header {
	h := bearer(o.cfg.APIKey)
	if o.cfg.Referer != "" {
		h.Set("HTTP-Referer", o.cfg.Referer)
	}
	if o.cfg.Title != "" {
		h.Set("X-Title", o.cfg.Title)
	}
	return h
}

func (o *OpenRouter) options() chatmlOptions {
	return chatmlOptions{provider: OpenRouterName, legacyMaxTokens: true, logger: o.logger}
}

func (o *OpenRouter) BuildRequest(q llm.Query, streaming bool) (transport.Request, error) {
	if !isTextual(q) {
		return transport.Request{}, llm.Unsupported(OpenRouterName, q)
	}
	params, err := chatmlParams(q, o.options())
	if err != nil {
		return transport.Request{}, err
	}
	body, err := chatmlBody(params, streaming, o.options())
	if err != nil {
		return transport.Request{}, err
	}
	// Ask for token counts and cost in the final chunk or body.
	if body, err = sjson.SetBytes(body, "usage.include", true); err != nil {
		return transport.Request{}, err
	}
	return jsonRequest(o.base+"/chat/completions", o.headers(), body), nil
}

func (o *OpenRouter) ParseStreamEvent(s *stream.Session, ev stream.Event) ([]stream.Delta, error) {
	return chatmlStreamEvent(OpenRouterName, s, ev.Data)
}

func (o *OpenRouter) FinalizeStream(s *stream.Session, q llm.Query) (*llm.Reply, error) {
	return chatmlFinalize(s, q)
}

func (o *OpenRouter) FinalizeBody(q llm.Query, body []byte) (*llm.Reply, error) {
	if !isTextual(q) {
		return nil, llm.Unsupported(OpenRouterName, q)
	}
	s := stream.NewSession(OpenRouterName)
	if err := chatmlLoadBody(OpenRouterName, s, body); err != nil {
		return nil, err
	}
	return chatmlFinalize(s, q)
}
