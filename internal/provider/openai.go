package provider

import (
	"bytes"
	"encoding/json"
	"net/http"

	"aigw/internal/llm"
	"aigw/internal/stream"
	"aigw/internal/transport"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/packages/param"
	"go.uber.org/zap"
)

// OpenAI speaks either Chat Completions or the Responses API for
// conversation turns, plus the embeddings, images and audio endpoints.
type OpenAI struct {
	cfg    Config
	base   string
	logger *zap.Logger
}

// NewOpenAI returns an OpenAI adapter.
func NewOpenAI(cfg Config, logger *zap.Logger) *OpenAI {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAI{cfg: cfg, base: baseURL(OpenAIName, cfg), logger: logger}
}

func (a *OpenAI) Name() string { return OpenAIName }

func (a *OpenAI) CanStream(q llm.Query) bool { return isTextual(q) }

func (a *OpenAI) headers() http.Header {
	h := bearer(a.cfg.APIKey)
	if a.cfg.Organization != "" {
		h.Set("OpenAI-Organization", a.cfg.Organization)
	}
	return h
}

func (a *OpenAI) options() chatmlOptions {
	return chatmlOptions{provider: OpenAIName, streamUsage: true, logger: a.logger}
}

func (a *OpenAI) BuildRequest(q llm.Query, streaming bool) (transport.Request, error) {
	switch v := q.(type) {
	case *llm.TextQuery, *llm.FeedbackQuery:
		if a.cfg.ResponsesAPI {
			body, err := responsesBody(q, streaming, a.logger)
			if err != nil {
				return transport.Request{}, err
			}
			return jsonRequest(a.base+"/responses", a.headers(), body), nil
		}
		params, err := chatmlParams(q, a.options())
		if err != nil {
			return transport.Request{}, err
		}
		body, err := chatmlBody(params, streaming, a.options())
		if err != nil {
			return transport.Request{}, err
		}
		return jsonRequest(a.base+"/chat/completions", a.headers(), body), nil
	case *llm.EmbedQuery:
		body, err := json.Marshal(embeddingParams(v))
		if err != nil {
			return transport.Request{}, err
		}
		return jsonRequest(a.base+"/embeddings", a.headers(), body), nil
	case *llm.ImageQuery:
		params := openai.ImageGenerateParams{Prompt: v.Prompt, Model: openai.ImageModel(v.Model)}
		if v.Count > 0 {
			params.N = param.NewOpt(int64(v.Count))
		}
		if v.Size != "" {
			params.Size = openai.ImageGenerateParamsSize(v.Size)
		}
		body, err := json.Marshal(params)
		if err != nil {
			return transport.Request{}, err
		}
		return jsonRequest(a.base+"/images/generations", a.headers(), body), nil
	case *llm.EditImageQuery:
		params := openai.ImageEditParams{
			Image:  openai.ImageEditParamsImageUnion{OfFile: openai.File(bytes.NewReader(v.Image.Data), fileName(v.Image, "image.png"), v.Image.MimeType)},
			Prompt: v.Prompt,
			Model:  openai.ImageModel(v.Model),
		}
		if v.Mask != nil {
			params.Mask = openai.File(bytes.NewReader(v.Mask.Data), fileName(*v.Mask, "mask.png"), v.Mask.MimeType)
		}
		return a.multipart("/images/edits", params.MarshalMultipart)
	case *llm.TranscribeQuery:
		params := openai.AudioTranscriptionNewParams{
			File:  openai.File(bytes.NewReader(v.Audio.Data), fileName(v.Audio, "audio.mp3"), v.Audio.MimeType),
			Model: openai.AudioModel(v.Model),
		}
		if v.Prompt != "" {
			params.Prompt = param.NewOpt(v.Prompt)
		}
		if v.Temperature != nil {
			params.Temperature = param.NewOpt(*v.Temperature)
		}
		return a.multipart("/audio/transcriptions", params.MarshalMultipart)
	}
	return transport.Request{}, llm.Unsupported(OpenAIName, q)
}

func (a *OpenAI) multipart(path string, marshal func() ([]byte, string, error)) (transport.Request, error) {
	body, contentType, err := marshal()
	if err != nil {
		return transport.Request{}, err
	}
	req := jsonRequest(a.base+path, a.headers(), body)
	req.Header.Set("Content-Type", contentType)
	return req, nil
}

func (a *OpenAI) ParseStreamEvent(s *stream.Session, ev stream.Event) ([]stream.Delta, error) {
	if a.cfg.ResponsesAPI {
		return responsesStreamEvent(OpenAIName, s, ev.Data)
	}
	return chatmlStreamEvent(OpenAIName, s, ev.Data)
}

func (a *OpenAI) FinalizeStream(s *stream.Session, q llm.Query) (*llm.Reply, error) {
	if a.cfg.ResponsesAPI {
		return responsesFinalize(s, q)
	}
	return chatmlFinalize(s, q)
}

func (a *OpenAI) FinalizeBody(q llm.Query, body []byte) (*llm.Reply, error) {
	switch q.(type) {
	case *llm.TextQuery, *llm.FeedbackQuery:
		s := stream.NewSession(OpenAIName)
		if a.cfg.ResponsesAPI {
			if err := responsesLoadBody(OpenAIName, s, body); err != nil {
				return nil, err
			}
			return responsesFinalize(s, q)
		}
		if err := chatmlLoadBody(OpenAIName, s, body); err != nil {
			return nil, err
		}
		return chatmlFinalize(s, q)
	case *llm.EmbedQuery:
		return embeddingReply(OpenAIName, q, body)
	case *llm.ImageQuery, *llm.EditImageQuery:
		var resp openai.ImagesResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, protocolError(OpenAIName, "undecodable images response: %v", err)
		}
		choice := llm.Choice{Message: llm.ChoiceMessage{Role: llm.RoleAssistant}}
		for _, img := range resp.Data {
			choice.Images = append(choice.Images, llm.Image{URL: img.URL, B64: img.B64JSON, MimeType: "image/png"})
			if img.RevisedPrompt != "" && choice.Message.Content == "" {
				choice.Message.Content = img.RevisedPrompt
			}
		}
		reply := &llm.Reply{Model: q.Common().Model, Choices: []llm.Choice{choice}}
		reply.Usage = reportedOrEstimated(q, int(resp.Usage.InputTokens), int(resp.Usage.OutputTokens), 0)
		return reply, nil
	case *llm.TranscribeQuery:
		var resp openai.Transcription
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, protocolError(OpenAIName, "undecodable transcription: %v", err)
		}
		reply := &llm.Reply{
			Model:   q.Common().Model,
			Choices: []llm.Choice{{Message: llm.ChoiceMessage{Role: llm.RoleAssistant, Content: resp.Text}}},
		}
		reply.Usage = reportedOrEstimated(q, int(resp.Usage.InputTokens), int(resp.Usage.OutputTokens), len(resp.Text))
		return reply, nil
	}
	return nil, llm.Unsupported(OpenAIName, q)
}

func embeddingParams(q *llm.EmbedQuery) openai.EmbeddingNewParams {
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: param.NewOpt(q.Input)},
		Model: openai.EmbeddingModel(q.Model),
	}
	if q.Dimensions > 0 {
		params.Dimensions = param.NewOpt(int64(q.Dimensions))
	}
	return params
}

func embeddingReply(provider string, q llm.Query, body []byte) (*llm.Reply, error) {
	var resp openai.CreateEmbeddingResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, protocolError(provider, "undecodable embeddings response: %v", err)
	}
	reply := &llm.Reply{Model: resp.Model}
	if reply.Model == "" {
		reply.Model = q.Common().Model
	}
	for _, e := range resp.Data {
		reply.Embeddings = append(reply.Embeddings, e.Embedding)
	}
	if len(reply.Embeddings) == 0 {
		return nil, protocolError(provider, "embeddings response carried no vectors")
	}
	reply.Usage = reportedOrEstimated(q, int(resp.Usage.PromptTokens), 0, 0)
	return reply, nil
}

// reportedOrEstimated prefers provider counts and falls back to a byte estimate.
func reportedOrEstimated(q llm.Query, in, out, outBytes int) llm.Usage {
	if in > 0 || out > 0 {
		return llm.Usage{InTokens: in, OutTokens: out, Accuracy: llm.AccuracyFull}
	}
	return llm.Usage{
		InTokens:  estimateTokens(queryBytes(q)),
		OutTokens: estimateTokens(outBytes),
		Accuracy:  llm.AccuracyEstimated,
	}
}

func fileName(f llm.File, fallback string) string {
	if f.Name != "" {
		return f.Name
	}
	return fallback
}
