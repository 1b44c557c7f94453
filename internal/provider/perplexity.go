package provider

import (
	"regexp"
	"strconv"
	"strings"

	"aigw/internal/llm"
	"aigw/internal/stream"
	"aigw/internal/transport"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

var citationRef = regexp.MustCompile(`\[(\d+)\]`)

// Perplexity is a ChatML dialect without function calling whose answers
// cite sources by number.
type Perplexity struct {
	cfg    Config
	base   string
	logger *zap.Logger
}

// NewPerplexity returns a Perplexity adapter.
func NewPerplexity(cfg Config, logger *zap.Logger) *Perplexity {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Perplexity{cfg: cfg, base: baseURL(PerplexityName, cfg), logger: logger}
}

func (p *Perplexity) Name() string { return PerplexityName }

func (p *Perplexity) CanStream(q llm.Query) bool { return q.Kind() == llm.KindText }

func (p *Perplexity) options() chatmlOptions {
	return chatmlOptions{provider: PerplexityName, legacyMaxTokens: true, noTools: true, logger: p.logger}
}

func (p *Perplexity) BuildRequest(q llm.Query, streaming bool) (transport.Request, error) {
	if q.Kind() != llm.KindText {
		return transport.Request{}, llm.Unsupported(PerplexityName, q)
	}
	params, err := chatmlParams(q, p.options())
	if err != nil {
		return transport.Request{}, err
	}
	body, err := chatmlBody(params, streaming, p.options())
	if err != nil {
		return transport.Request{}, err
	}
	return jsonRequest(p.base+"/chat/completions", bearer(p.cfg.APIKey), body), nil
}

func (p *Perplexity) ParseStreamEvent(s *stream.Session, ev stream.Event) ([]stream.Delta, error) {
	deltas, err := chatmlStreamEvent(PerplexityName, s, ev.Data)
	if err != nil {
		return nil, err
	}
	perplexityCitations(s, ev.Data)
	return deltas, nil
}

func perplexityCitations(s *stream.Session, data []byte) {
	citations := gjson.GetBytes(data, "citations").Array()
	if len(citations) == 0 {
		for _, r := range gjson.GetBytes(data, "search_results").Array() {
			citations = append(citations, r.Get("url"))
		}
	}
	if len(citations) == 0 {
		return
	}
	s.Citations = s.Citations[:0]
	for _, c := range citations {
		s.Citations = append(s.Citations, c.String())
	}
}

func (p *Perplexity) FinalizeStream(s *stream.Session, q llm.Query) (*llm.Reply, error) {
	reply, err := chatmlFinalize(s, q)
	if err != nil {
		return nil, err
	}
	for i := range reply.Choices {
		reply.Choices[i].Message.Content = LinkCitations(reply.Choices[i].Message.Content, s.Citations)
	}
	return reply, nil
}

func (p *Perplexity) FinalizeBody(q llm.Query, body []byte) (*llm.Reply, error) {
	if q.Kind() != llm.KindText {
		return nil, llm.Unsupported(PerplexityName, q)
	}
	s := stream.NewSession(PerplexityName)
	if err := chatmlLoadBody(PerplexityName, s, body); err != nil {
		return nil, err
	}
	perplexityCitations(s, body)
	return p.FinalizeStream(s, q)
}

// LinkCitations turns numeric references like [2] into markdown links to
// the matching source. References without a source, and references that are
// already links, are left alone.
func LinkCitations(text string, citations []string) string {
	if len(citations) == 0 {
		return text
	}
	var b strings.Builder
	last := 0
	for _, m := range citationRef.FindAllStringSubmatchIndex(text, -1) {
		start, end := m[0], m[1]
		if end < len(text) && text[end] == '(' {
			continue
		}
		n, err := strconv.Atoi(text[m[2]:m[3]])
		if err != nil || n < 1 || n > len(citations) || citations[n-1] == "" {
			continue
		}
		b.WriteString(text[last:start])
		b.WriteString("[" + strconv.Itoa(n) + "](" + citations[n-1] + ")")
		last = end
	}
	b.WriteString(text[last:])
	return b.String()
}
