package provider

import (
	"encoding/json"
	"fmt"
	"strings"

	"aigw/internal/llm"
	"aigw/internal/stream"
	"aigw/internal/transport"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Replicate runs model predictions synchronously. It has no tool calling
// and is never streamed.
type Replicate struct {
	cfg    Config
	base   string
	logger *zap.Logger
}

// NewReplicate returns a Replicate adapter.
func NewReplicate(cfg Config, logger *zap.Logger) *Replicate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Replicate{cfg: cfg, base: baseURL(ReplicateName, cfg), logger: logger}
}

func (r *Replicate) Name() string { return ReplicateName }

func (r *Replicate) CanStream(llm.Query) bool { return false }

func (r *Replicate) BuildRequest(q llm.Query, _ bool) (transport.Request, error) {
	p := q.Common()
	input := map[string]any{}
	switch v := q.(type) {
	case *llm.TextQuery:
		if len(p.Functions) > 0 {
			r.logger.Warn("provider does not support function calling; declarations dropped",
				zap.Int("functions", len(p.Functions)))
		}
		input["prompt"] = replicatePrompt(p.Messages)
		if prompt := p.SystemPrompt(); prompt != "" {
			input["system_prompt"] = prompt
		}
		if p.MaxTokens > 0 {
			input["max_tokens"] = p.MaxTokens
		}
		if p.Temperature != nil {
			input["temperature"] = *p.Temperature
		}
		if p.Attached != nil && p.Attached.IsImage() {
			input["image"] = replicateFile(*p.Attached)
		}
	case *llm.ImageQuery:
		input["prompt"] = v.Prompt
		if v.Count > 0 {
			input["num_outputs"] = v.Count
		}
		if v.Size != "" {
			input["aspect_ratio"] = v.Size
		}
	default:
		return transport.Request{}, llm.Unsupported(ReplicateName, q)
	}
	prediction := map[string]any{"input": input}
	url := r.base + "/models/" + p.Model + "/predictions"
	// A pinned "owner/name:version" runs through the generic endpoint.
	if i := strings.Index(p.Model, ":"); i >= 0 {
		prediction["version"] = p.Model[i+1:]
		url = r.base + "/predictions"
	}
	body, err := json.Marshal(prediction)
	if err != nil {
		return transport.Request{}, err
	}
	req := jsonRequest(url, bearer(r.cfg.APIKey), body)
	req.Header.Set("Prefer", "wait")
	return req, nil
}

// replicatePrompt flattens a conversation for models that take a single prompt.
func replicatePrompt(messages []llm.Message) string {
	if len(messages) == 1 {
		return messages[0].PlainText()
	}
	var b strings.Builder
	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			continue
		}
		role := "User"
		if m.Role == llm.RoleAssistant {
			role = "Assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n", role, m.PlainText())
	}
	b.WriteString("Assistant:")
	return b.String()
}

func replicateFile(f llm.File) string {
	if len(f.Data) == 0 {
		return f.URL
	}
	return dataURL(f)
}

func (r *Replicate) ParseStreamEvent(*stream.Session, stream.Event) ([]stream.Delta, error) {
	return nil, protocolError(ReplicateName, "predictions are not streamed")
}

func (r *Replicate) FinalizeStream(s *stream.Session, q llm.Query) (*llm.Reply, error) {
	reply := newReply(s, q)
	finishUsage(reply, s, q)
	return reply, nil
}

func (r *Replicate) FinalizeBody(q llm.Query, body []byte) (*llm.Reply, error) {
	if !gjson.ValidBytes(body) {
		return nil, protocolError(ReplicateName, "undecodable prediction")
	}
	doc := gjson.ParseBytes(body)
	switch status := doc.Get("status").String(); status {
	case "succeeded":
	case "failed", "canceled":
		msg := doc.Get("error").String()
		if msg == "" {
			msg = "prediction " + status
		}
		return nil, llm.NewError(ReplicateName, llm.ErrInBand, "%s", msg)
	default:
		return nil, llm.NewError(ReplicateName, llm.ErrInBand, "prediction %s still %s after synchronous wait",
			doc.Get("id").String(), status)
	}

	s := stream.NewSession(ReplicateName)
	s.ResponseID = doc.Get("id").String()
	s.Model = doc.Get("model").String()
	s.FinishReason = "stop"
	output := doc.Get("output")
	switch q.(type) {
	case *llm.ImageQuery:
		urls := output.Array()
		if !output.IsArray() {
			urls = []gjson.Result{output}
		}
		for _, u := range urls {
			s.Images = append(s.Images, llm.Image{URL: u.String()})
		}
	case *llm.TextQuery:
		if output.IsArray() {
			for _, piece := range output.Array() {
				s.AppendContent(piece.String())
			}
		} else {
			s.AppendContent(output.String())
		}
	default:
		return nil, llm.Unsupported(ReplicateName, q)
	}
	metrics := doc.Get("metrics")
	s.SetUsage(int(metrics.Get("input_token_count").Int()), int(metrics.Get("output_token_count").Int()))
	return r.FinalizeStream(s, q)
}
