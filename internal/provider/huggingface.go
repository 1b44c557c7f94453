package provider

import (
	"aigw/internal/llm"
	"aigw/internal/stream"
	"aigw/internal/transport"

	"go.uber.org/zap"
)

// HuggingFace targets the OpenAI-compatible inference router.
type HuggingFace struct {
	cfg    Config
	base   string
	logger *zap.Logger
}

// NewHuggingFace returns a HuggingFace adapter.
func NewHuggingFace(cfg Config, logger *zap.Logger) *HuggingFace {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HuggingFace{cfg: cfg, base: baseURL(HuggingFaceName, cfg), logger: logger}
}

func (h *HuggingFace) Name() string { return HuggingFaceName }

func (h *HuggingFace) CanStream(q llm.Query) bool { return isTextual(q) }

func (h *HuggingFace) options() chatmlOptions {
	return chatmlOptions{provider: HuggingFaceName, legacyMaxTokens: true, streamUsage: true, logger: h.logger}
}

func (h *HuggingFace) BuildRequest(q llm.Query, streaming bool) (transport.Request, error) {
	if !isTextual(q) {
		return transport.Request{}, llm.Unsupported(HuggingFaceName, q)
	}
	params, err := chatmlParams(q, h.options())
	if err != nil {
		return transport.Request{}, err
	}
	body, err := chatmlBody(params, streaming, h.options())
	if err != nil {
		return transport.Request{}, err
	}
	return jsonRequest(h.base+"/chat/completions", bearer(h.cfg.APIKey), body), nil
}

func (h *HuggingFace) ParseStreamEvent(s *stream.Session, ev stream.Event) ([]stream.Delta, error) {
	return chatmlStreamEvent(HuggingFaceName, s, ev.Data)
}

func (h *HuggingFace) FinalizeStream(s *stream.Session, q llm.Query) (*llm.Reply, error) {
	return chatmlFinalize(s, q)
}

func (h *HuggingFace) FinalizeBody(q llm.Query, body []byte) (*llm.Reply, error) {
	if !isTextual(q) {
		return nil, llm.Unsupported(HuggingFaceName, q)
	}
	s := stream.NewSession(HuggingFaceName)
	if err := chatmlLoadBody(HuggingFaceName, s, body); err != nil {
		return nil, err
	}
	return chatmlFinalize(s, q)
}
