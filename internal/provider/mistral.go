package provider

import (
	"encoding/json"

	"aigw/internal/llm"
	"aigw/internal/stream"
	"aigw/internal/transport"

	"github.com/tidwall/sjson"
	"go.uber.org/zap"
)

// Mistral is a ChatML dialect with max_tokens and its own embeddings field names.
type Mistral struct {
	cfg    Config
	base   string
	logger *zap.Logger
}

// NewMistral returns a Mistral adapter.
func NewMistral(cfg Config, logger *zap.Logger) *Mistral {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mistral{cfg: cfg, base: baseURL(MistralName, cfg), logger: logger}
}

func (m *Mistral) Name() string { return MistralName }

func (m *Mistral) CanStream(q llm.Query) bool { return isTextual(q) }

func (m *Mistral) options() chatmlOptions {
	return chatmlOptions{provider: MistralName, legacyMaxTokens: true, logger: m.logger}
}

func (m *Mistral) BuildRequest(q llm.Query, streaming bool) (transport.Request, error) {
	switch v := q.(type) {
	case *llm.TextQuery, *llm.FeedbackQuery:
		params, err := chatmlParams(q, m.options())
		if err != nil {
			return transport.Request{}, err
		}
		body, err := chatmlBody(params, streaming, m.options())
		if err != nil {
			return transport.Request{}, err
		}
		return jsonRequest(m.base+"/chat/completions", bearer(m.cfg.APIKey), body), nil
	case *llm.EmbedQuery:
		body, err := json.Marshal(embeddingParams(v))
		if err != nil {
			return transport.Request{}, err
		}
		if v.Dimensions > 0 {
			if body, err = sjson.DeleteBytes(body, "dimensions"); err != nil {
				return transport.Request{}, err
			}
			if body, err = sjson.SetBytes(body, "output_dimension", v.Dimensions); err != nil {
				return transport.Request{}, err
			}
		}
		return jsonRequest(m.base+"/embeddings", bearer(m.cfg.APIKey), body), nil
	}
	return transport.Request{}, llm.Unsupported(MistralName, q)
}

func (m *Mistral) ParseStreamEvent(s *stream.Session, ev stream.Event) ([]stream.Delta, error) {
	return chatmlStreamEvent(MistralName, s, ev.Data)
}

func (m *Mistral) FinalizeStream(s *stream.Session, q llm.Query) (*llm.Reply, error) {
	return chatmlFinalize(s, q)
}

func (m *Mistral) FinalizeBody(q llm.Query, body []byte) (*llm.Reply, error) {
	switch q.(type) {
	case *llm.TextQuery, *llm.FeedbackQuery:
		s := stream.NewSession(MistralName)
		if err := chatmlLoadBody(MistralName, s, body); err != nil {
			return nil, err
		}
		return chatmlFinalize(s, q)
	case *llm.EmbedQuery:
		return embeddingReply(MistralName, q, body)
	}
	return nil, llm.Unsupported(MistralName, q)
}
