package provider

import (
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strconv"

	"aigw/internal/llm"
	"aigw/internal/stream"
	"aigw/internal/transport"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Google speaks the Gemini generateContent API.
type Google struct {
	cfg    Config
	base   string
	logger *zap.Logger
}

// NewGoogle returns a Gemini adapter.
func NewGoogle(cfg Config, logger *zap.Logger) *Google {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Google{cfg: cfg, base: baseURL(GoogleName, cfg), logger: logger}
}

func (g *Google) Name() string { return GoogleName }

func (g *Google) CanStream(q llm.Query) bool { return isTextual(q) }

type googleContent struct {
	Role  string `json:"role,omitempty"`
	Parts []any  `json:"parts"`
}

type googleRequest struct {
	Contents          []any          `json:"contents"`
	SystemInstruction *googleContent `json:"systemInstruction,omitempty"`
	Tools             []any          `json:"tools,omitempty"`
	GenerationConfig  map[string]any `json:"generationConfig,omitempty"`
}

func (g *Google) endpoint(model, method string, streaming bool) string {
	u := g.base + "/models/" + url.PathEscape(model) + ":" + method
	if streaming {
		u += "?alt=sse"
	}
	return u
}

func (g *Google) request(u string, body []byte) transport.Request {
	req := jsonRequest(u, nil, body)
	if g.cfg.APIKey != "" {
		req.Header.Set("x-goog-api-key", g.cfg.APIKey)
	}
	return req
}

func (g *Google) BuildRequest(q llm.Query, streaming bool) (transport.Request, error) {
	switch v := q.(type) {
	case *llm.TextQuery, *llm.FeedbackQuery:
		req, err := g.generateRequest(q)
		if err != nil {
			return transport.Request{}, err
		}
		body, err := json.Marshal(req)
		if err != nil {
			return transport.Request{}, err
		}
		method := "generateContent"
		if streaming {
			method = "streamGenerateContent"
		}
		return g.request(g.endpoint(v.Common().Model, method, streaming), body), nil
	case *llm.EmbedQuery:
		embed := map[string]any{
			"content": googleContent{Parts: []any{map[string]any{"text": v.Input}}},
		}
		if v.Dimensions > 0 {
			embed["outputDimensionality"] = v.Dimensions
		}
		body, err := json.Marshal(embed)
		if err != nil {
			return transport.Request{}, err
		}
		return g.request(g.endpoint(v.Model, "embedContent", false), body), nil
	case *llm.ImageQuery:
		req := googleRequest{
			Contents:         []any{googleContent{Role: "user", Parts: []any{map[string]any{"text": v.Prompt}}}},
			GenerationConfig: map[string]any{"responseModalities": []string{"TEXT", "IMAGE"}},
		}
		if v.Count > 1 {
			req.GenerationConfig["candidateCount"] = v.Count
		}
		body, err := json.Marshal(req)
		if err != nil {
			return transport.Request{}, err
		}
		return g.request(g.endpoint(v.Model, "generateContent", false), body), nil
	}
	return transport.Request{}, llm.Unsupported(GoogleName, q)
}

func (g *Google) generateRequest(q llm.Query) (googleRequest, error) {
	p := q.Common()
	var req googleRequest
	if prompt := p.SystemPrompt(); prompt != "" {
		req.SystemInstruction = &googleContent{Parts: []any{map[string]any{"text": prompt}}}
	}
	lastUser := -1
	for _, m := range p.Messages {
		switch m.Role {
		case llm.RoleSystem:
			if req.SystemInstruction == nil {
				req.SystemInstruction = &googleContent{}
			}
			req.SystemInstruction.Parts = append(req.SystemInstruction.Parts, map[string]any{"text": m.PlainText()})
		case llm.RoleAssistant:
			req.Contents = append(req.Contents, googleContent{Role: "model", Parts: []any{map[string]any{"text": m.PlainText()}}})
		default:
			lastUser = len(req.Contents)
			req.Contents = append(req.Contents, googleContent{Role: "user", Parts: googleParts(m, nil)})
		}
	}
	if p.Attached != nil {
		if lastUser >= 0 {
			req.Contents[lastUser] = googleContent{Role: "user", Parts: googleParts(lastUserMessage(p.Messages), p.Attached)}
		} else {
			req.Contents = append(req.Contents, googleContent{Role: "user", Parts: googleParts(llm.Message{}, p.Attached)})
		}
	}

	if fq, ok := q.(*llm.FeedbackQuery); ok {
		for i, block := range fq.Blocks {
			var callParts []gjson.Result
			for _, part := range gjson.GetBytes(block.RawMessage, "parts").Array() {
				if part.Get("functionCall").Exists() {
					callParts = append(callParts, part)
				}
			}
			if err := checkFeedbackCount(GoogleName, g.logger, i, len(callParts), len(block.Feedbacks)); err != nil {
				return req, err
			}
			req.Contents = append(req.Contents, block.RawMessage)
			responses := make([]any, 0, len(block.Feedbacks))
			for j, fb := range block.Feedbacks {
				fr := map[string]any{
					"name":     fb.Call.Name,
					"response": map[string]any{"result": fb.Reply.Value},
				}
				if id := callParts[j].Get("functionCall.id").String(); id != "" {
					fr["id"] = id
				}
				responses = append(responses, map[string]any{"functionResponse": fr})
			}
			req.Contents = append(req.Contents, googleContent{Role: "user", Parts: responses})
		}
	}

	if len(p.Functions) > 0 {
		decls := make([]map[string]any, 0, len(p.Functions))
		for _, fn := range p.Functions {
			decl := map[string]any{"name": fn.Name, "parameters": fn.Schema()}
			if fn.Description != "" {
				decl["description"] = fn.Description
			}
			decls = append(decls, decl)
		}
		req.Tools = []any{map[string]any{"functionDeclarations": decls}}
	}
	cfg := map[string]any{}
	if p.MaxTokens > 0 {
		cfg["maxOutputTokens"] = p.MaxTokens
	}
	if p.Temperature != nil {
		cfg["temperature"] = *p.Temperature
	}
	if p.ResponseFormat == llm.FormatJSON {
		cfg["responseMimeType"] = "application/json"
	}
	if len(cfg) > 0 {
		req.GenerationConfig = cfg
	}
	return req, nil
}

func googleParts(m llm.Message, attached *llm.File) []any {
	var parts []any
	if m.Text != "" {
		parts = append(parts, map[string]any{"text": m.Text})
	}
	for _, part := range m.Parts {
		switch {
		case part.Type == llm.PartText:
			parts = append(parts, map[string]any{"text": part.Text})
		case part.File != nil:
			parts = append(parts, googleFilePart(*part.File))
		}
	}
	if attached != nil {
		parts = append(parts, googleFilePart(*attached))
	}
	if len(parts) == 0 {
		parts = append(parts, map[string]any{"text": ""})
	}
	return parts
}

func googleFilePart(f llm.File) map[string]any {
	if len(f.Data) == 0 && f.URL != "" {
		return map[string]any{"fileData": map[string]any{"mimeType": f.MimeType, "fileUri": f.URL}}
	}
	return map[string]any{"inlineData": map[string]any{
		"mimeType": f.MimeType,
		"data":     base64.StdEncoding.EncodeToString(f.Data),
	}}
}

// ParseStreamEvent handles one GenerateContentResponse. A non-streamed body
// has the same shape, so FinalizeBody reuses it.
func (g *Google) ParseStreamEvent(s *stream.Session, ev stream.Event) ([]stream.Delta, error) {
	doc := gjson.ParseBytes(ev.Data)
	if !doc.Get("candidates").Exists() && !doc.Get("usageMetadata").Exists() {
		if reason := doc.Get("promptFeedback.blockReason").String(); reason != "" {
			return nil, llm.NewError(GoogleName, llm.ErrInBand, "prompt blocked: %s", reason)
		}
		return nil, protocolError(GoogleName, "response without candidates")
	}
	if id := doc.Get("responseId").String(); id != "" {
		s.ResponseID = id
	}
	if model := doc.Get("modelVersion").String(); model != "" {
		s.Model = model
	}
	var deltas []stream.Delta
	candidate := doc.Get("candidates.0")
	for _, part := range candidate.Get("content.parts").Array() {
		deltas = append(deltas, googlePart(s, part)...)
	}
	if reason := candidate.Get("finishReason").String(); reason != "" {
		s.FinishReason = reason
	}
	if usage := doc.Get("usageMetadata"); usage.Exists() {
		out := usage.Get("candidatesTokenCount").Int() + usage.Get("thoughtsTokenCount").Int()
		deltas = append(deltas, usageDelta(s, int(usage.Get("promptTokenCount").Int()), int(out))...)
	}
	return deltas, nil
}

func googlePart(s *stream.Session, part gjson.Result) []stream.Delta {
	switch {
	case part.Get("functionCall").Exists():
		fc := part.Get("functionCall")
		call := s.Call(strconv.Itoa(len(s.Calls())))
		call.ID = fc.Get("id").String()
		if call.ID == "" {
			call.ID = "call_" + uuid.NewString()
		}
		call.Name = fc.Get("name").String()
		if args := fc.Get("args"); args.Exists() {
			call.SetArgs(args.Raw)
		}
		call.Raw = json.RawMessage(part.Raw)
		s.Items = append(s.Items, json.RawMessage(part.Raw))
		return []stream.Delta{callDelta(call)}
	case part.Get("inlineData").Exists():
		img := llm.Image{
			B64:      part.Get("inlineData.data").String(),
			MimeType: part.Get("inlineData.mimeType").String(),
		}
		s.Images = append(s.Images, img)
		return []stream.Delta{{Type: stream.DeltaImage, Image: &img}}
	case part.Get("thought").Bool():
		s.Items = append(s.Items, json.RawMessage(part.Raw))
		return thinkingDelta(s, part.Get("text").String())
	case part.Get("text").Exists():
		s.Items = append(s.Items, json.RawMessage(part.Raw))
		return contentDelta(s, part.Get("text").String())
	}
	s.Items = append(s.Items, json.RawMessage(part.Raw))
	return nil
}

func (g *Google) FinalizeStream(s *stream.Session, q llm.Query) (*llm.Reply, error) {
	reply := newReply(s, q)
	calls := normalizeCalls(s.ToolCalls())
	if len(calls) > 0 {
		// Parts go back exactly as received; thought signatures depend on it.
		raw, err := json.Marshal(googleContent{Role: "model", Parts: itemsAsAny(s.Items)})
		if err != nil {
			return nil, err
		}
		reply.SetToolCalls(calls, raw)
	}
	finishUsage(reply, s, q)
	return reply, nil
}

func itemsAsAny(items []json.RawMessage) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}

func (g *Google) FinalizeBody(q llm.Query, body []byte) (*llm.Reply, error) {
	if !gjson.ValidBytes(body) {
		return nil, protocolError(GoogleName, "undecodable response")
	}
	switch q.(type) {
	case *llm.TextQuery, *llm.FeedbackQuery, *llm.ImageQuery:
		s := stream.NewSession(GoogleName)
		if _, err := g.ParseStreamEvent(s, stream.Event{Data: body}); err != nil {
			return nil, err
		}
		return g.FinalizeStream(s, q)
	case *llm.EmbedQuery:
		values := gjson.GetBytes(body, "embedding.values").Array()
		if len(values) == 0 {
			return nil, protocolError(GoogleName, "embedding response carried no values")
		}
		vec := make([]float64, len(values))
		for i, v := range values {
			vec[i] = v.Float()
		}
		return &llm.Reply{
			Model:      q.Common().Model,
			Embeddings: [][]float64{vec},
			Usage:      reportedOrEstimated(q, 0, 0, 0),
		}, nil
	}
	return nil, llm.Unsupported(GoogleName, q)
}
