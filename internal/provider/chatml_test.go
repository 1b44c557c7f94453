package provider

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"aigw/internal/llm"
	"aigw/internal/stream"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const chatTextStream = `data: {"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-4o-mini","choices":[{"index":0,"delta":{"role":"assistant","content":""},"finish_reason":null}]}

data: {"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":"4"},"finish_reason":null}]}

data: {"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-4o-mini","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}

data: {"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-4o-mini","choices":[],"usage":{"prompt_tokens":12,"completion_tokens":1,"total_tokens":13}}

data: [DONE]

`

const chatTextBody = `{"id":"chatcmpl-1","object":"chat.completion","model":"gpt-4o-mini","choices":[{"index":0,"message":{"role":"assistant","content":"4","refusal":null},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":1,"total_tokens":13}}`

const chatToolStream = `data: {"id":"chatcmpl-2","object":"chat.completion.chunk","model":"gpt-4o-mini","choices":[{"index":0,"delta":{"role":"assistant","content":null,"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"add","arguments":""}}]},"finish_reason":null}]}

data: {"id":"chatcmpl-2","object":"chat.completion.chunk","model":"gpt-4o-mini","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"a\""}}]},"finish_reason":null}]}

data: {"id":"chatcmpl-2","object":"chat.completion.chunk","model":"gpt-4o-mini","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":":2,\"b\""}}]},"finish_reason":null}]}

data: {"id":"chatcmpl-2","object":"chat.completion.chunk","model":"gpt-4o-mini","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":":3}"}}]},"finish_reason":null}]}

data: {"id":"chatcmpl-2","object":"chat.completion.chunk","model":"gpt-4o-mini","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}

data: [DONE]

`

const chatToolBody = `{"id":"chatcmpl-2","object":"chat.completion","model":"gpt-4o-mini","choices":[{"index":0,"message":{"role":"assistant","content":null,"tool_calls":[{"id":"call_1","type":"function","function":{"name":"add","arguments":"{\"a\":2,\"b\":3}"}}]},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":40,"completion_tokens":9,"total_tokens":49}}`

func TestChatMLTextRoundTrip(t *testing.T) {
	q := textQuery("gpt-4o-mini", "2+2?")
	for _, name := range []string{OpenAIName, MistralName, OpenRouterName, HuggingFaceName, PerplexityName} {
		a, err := New(name, Config{}, nil)
		require.NoError(t, err)

		streamed := replay(t, a, q, chatTextStream, 17)
		require.Len(t, streamed.Choices, 1, name)
		require.Equal(t, "4", streamed.Choices[0].Message.Content, name)
		require.Empty(t, streamed.NeedFeedbacks)
		require.Equal(t, 12, streamed.Usage.InTokens)
		require.Equal(t, llm.AccuracyFull, streamed.Usage.Accuracy)

		buffered, err := a.FinalizeBody(q, []byte(chatTextBody))
		require.NoError(t, err)
		require.Equal(t, streamed.Choices, buffered.Choices, name)
		require.Equal(t, streamed.Usage, buffered.Usage, name)

		raw, err := json.Marshal(streamed.Choices[0].Message)
		require.NoError(t, err)
		require.NotContains(t, string(raw), "tool_calls")
	}
}

func TestChatMLStreamedToolCallMatchesBuffered(t *testing.T) {
	q := textQuery("gpt-4o-mini", "add 2 and 3")
	q.Functions = []llm.Function{addFunction()}
	a := NewOpenAI(Config{}, nil)

	streamed := replay(t, a, q, chatToolStream, 11)
	buffered, err := a.FinalizeBody(q, []byte(chatToolBody))
	require.NoError(t, err)

	require.Len(t, streamed.NeedFeedbacks, 1)
	require.Equal(t, "add", streamed.NeedFeedbacks[0].Call.Name)
	require.Equal(t, `{"a":2,"b":3}`, streamed.NeedFeedbacks[0].Call.Arguments)
	require.Equal(t, buffered.NeedFeedbacks, streamed.NeedFeedbacks)
	require.Equal(t, "tool_calls", streamed.Choices[0].FinishReason)
}

func TestChatMLFeedbackEchoesAssistantMessage(t *testing.T) {
	q := textQuery("gpt-4o-mini", "add 2 and 3")
	q.Functions = []llm.Function{addFunction()}
	a := NewOpenAI(Config{}, nil)
	reply := replay(t, a, q, chatToolStream, 64)

	fq := feedbackFor(q, reply, 5)
	req, err := a.BuildRequest(fq, true)
	require.NoError(t, err)
	body := gjson.ParseBytes(req.Body)

	require.Equal(t, "user", body.Get("messages.0.role").String())
	require.Equal(t, "assistant", body.Get("messages.1.role").String())
	require.Equal(t, "call_1", body.Get("messages.1.tool_calls.0.id").String())
	require.Equal(t, `{"a":2,"b":3}`, body.Get("messages.1.tool_calls.0.function.arguments").String())
	require.Equal(t, "tool", body.Get("messages.2.role").String())
	require.Equal(t, "call_1", body.Get("messages.2.tool_call_id").String())
	require.Equal(t, "5", body.Get("messages.2.content").String())
	require.Equal(t, "add", body.Get("tools.0.function.name").String())
}

func TestChatMLFeedbackCountMismatch(t *testing.T) {
	raw := json.RawMessage(`{"role":"assistant","tool_calls":[` +
		`{"id":"c1","type":"function","function":{"name":"add","arguments":"{}"}},` +
		`{"id":"c2","type":"function","function":{"name":"add","arguments":"{}"}}]}`)
	fq := &llm.FeedbackQuery{
		Params: llm.Params{Model: "gpt-4o", Messages: []llm.Message{{Role: llm.RoleUser, Text: "x"}}},
		Blocks: []llm.FeedbackBlock{{
			RawMessage: raw,
			Feedbacks:  []llm.Feedback{{Call: llm.ToolCall{ID: "c1", Name: "add"}, Reply: llm.FeedbackReply{Value: 1}}},
		}},
	}
	_, err := NewOpenAI(Config{}, nil).BuildRequest(fq, false)
	require.Error(t, err)
	require.True(t, errors.Is(err, llm.ErrProtocolViolation))
}

func TestChatMLModelConstraints(t *testing.T) {
	temp := 0.5
	build := func(model string) gjson.Result {
		q := textQuery(model, "hi")
		q.Instructions = "be brief"
		q.Temperature = &temp
		q.MaxTokens = 100
		req, err := NewOpenAI(Config{APIKey: "sk-test"}, nil).BuildRequest(q, true)
		require.NoError(t, err)
		require.Equal(t, "Bearer sk-test", req.Header.Get("Authorization"))
		return gjson.ParseBytes(req.Body)
	}

	plain := build("gpt-4o")
	require.Equal(t, "system", plain.Get("messages.0.role").String())
	require.Equal(t, 0.5, plain.Get("temperature").Float())
	require.Equal(t, int64(100), plain.Get("max_completion_tokens").Int())
	require.False(t, plain.Get("max_tokens").Exists())
	require.True(t, plain.Get("stream").Bool())
	require.True(t, plain.Get("stream_options.include_usage").Bool())

	reasoning := build("o3-mini")
	require.Equal(t, "developer", reasoning.Get("messages.0.role").String())
	require.False(t, reasoning.Get("temperature").Exists())

	legacy := build("o1-mini")
	require.Equal(t, "user", legacy.Get("messages.0.role").String())
	require.Equal(t, int64(1), legacy.Get("messages.#").Int())
}

func TestChatMLAttachmentParts(t *testing.T) {
	q := textQuery("gpt-4o", "what is this?")
	q.Attached = &llm.File{Name: "dot.png", MimeType: "image/png", Data: []byte{0x89, 0x50}}
	req, err := NewOpenAI(Config{}, nil).BuildRequest(q, false)
	require.NoError(t, err)
	body := gjson.ParseBytes(req.Body)
	require.Equal(t, "text", body.Get("messages.0.content.0.type").String())
	require.Equal(t, "image_url", body.Get("messages.0.content.1.type").String())
	require.True(t, strings.HasPrefix(body.Get("messages.0.content.1.image_url.url").String(), "data:image/png;base64,"))
	require.False(t, body.Get("stream").Exists())
}

func TestMistralDialect(t *testing.T) {
	q := textQuery("mistral-small-latest", "hi")
	q.MaxTokens = 64
	m := NewMistral(Config{APIKey: "k"}, nil)
	req, err := m.BuildRequest(q, true)
	require.NoError(t, err)
	body := gjson.ParseBytes(req.Body)
	require.Equal(t, int64(64), body.Get("max_tokens").Int())
	require.False(t, body.Get("max_completion_tokens").Exists())
	require.False(t, body.Get("stream_options").Exists())
	require.True(t, strings.HasSuffix(req.URL, "/chat/completions"))

	embed := &llm.EmbedQuery{Params: llm.Params{Model: "mistral-embed"}, Input: "hello", Dimensions: 256}
	req, err = m.BuildRequest(embed, false)
	require.NoError(t, err)
	body = gjson.ParseBytes(req.Body)
	require.Equal(t, int64(256), body.Get("output_dimension").Int())
	require.False(t, body.Get("dimensions").Exists())

	reply, err := m.FinalizeBody(embed, []byte(`{"object":"list","model":"mistral-embed","data":[{"object":"embedding","index":0,"embedding":[0.1,0.2]}],"usage":{"prompt_tokens":2,"total_tokens":2}}`))
	require.NoError(t, err)
	require.Equal(t, [][]float64{{0.1, 0.2}}, reply.Embeddings)
	require.Equal(t, 2, reply.Usage.InTokens)
}

func TestOpenRouterHeadersAndCost(t *testing.T) {
	o := NewOpenRouter(Config{APIKey: "k", Referer: "https://example.test", Title: "aigw"}, nil)
	q := textQuery("anthropic/claude-3.5-haiku", "hi")
	req, err := o.BuildRequest(q, true)
	require.NoError(t, err)
	require.Equal(t, "https://example.test", req.Header.Get("HTTP-Referer"))
	require.Equal(t, "aigw", req.Header.Get("X-Title"))
	require.True(t, gjson.GetBytes(req.Body, "usage.include").Bool())

	body := `data: {"id":"gen-1","model":"anthropic/claude-3.5-haiku","choices":[{"index":0,"delta":{"reasoning":"thinking..."}}]}

data: {"id":"gen-1","model":"anthropic/claude-3.5-haiku","choices":[{"index":0,"delta":{"content":"4"},"finish_reason":"stop"}]}

data: {"id":"gen-1","choices":[],"usage":{"prompt_tokens":9,"completion_tokens":1,"cost":0.0012}}

data: [DONE]
`
	reply := replay(t, o, q, body, 32)
	require.Equal(t, "4", reply.Result())
	require.Equal(t, "thinking...", reply.Choices[0].Message.Thinking)
	require.InDelta(t, 0.0012, reply.Usage.Price, 1e-9)
}

func TestPerplexityCitations(t *testing.T) {
	p := NewPerplexity(Config{}, nil)
	q := textQuery("sonar", "who?")
	body := `data: {"id":"p1","model":"sonar","citations":["https://a.test","https://b.test"],"choices":[{"index":0,"delta":{"content":"Alice [1] and Bob [2]"}}]}

data: {"id":"p1","model":"sonar","citations":["https://a.test","https://b.test"],"choices":[{"index":0,"delta":{"content":" [3]."},"finish_reason":"stop"}]}

`
	reply := replay(t, p, q, body, 20)
	require.Equal(t, "Alice [1](https://a.test) and Bob [2](https://b.test) [3].", reply.Result())

	q.Functions = []llm.Function{addFunction()}
	req, err := p.BuildRequest(q, false)
	require.NoError(t, err)
	require.False(t, gjson.GetBytes(req.Body, "tools").Exists())

	_, err = p.BuildRequest(llm.FollowUp(q, []llm.FeedbackBlock{{RawMessage: json.RawMessage(`{}`)}}), false)
	require.True(t, errors.Is(err, llm.ErrUnsupportedQuery))
}

func TestLinkCitationsLeavesExistingLinks(t *testing.T) {
	citations := []string{"https://a.test", "https://b.test"}
	require.Equal(t, "see [1](https://x.test) and [2](https://b.test)",
		LinkCitations("see [1](https://x.test) and [2]", citations))
	require.Equal(t, "[1](https://a.test)[2](https://b.test)", LinkCitations("[1][2]", citations))
	require.Equal(t, "[9] stays", LinkCitations("[9] stays", citations))
}

func TestChatMLSeveralWholeCallsUnderOneIndex(t *testing.T) {
	s := stream.NewSession(MistralName)
	data := `{"id":"m1","choices":[{"index":0,"delta":{"tool_calls":[` +
		`{"id":"a1","function":{"name":"add","arguments":"{\"a\":1}"}},` +
		`{"id":"b2","function":{"name":"current_time","arguments":""}}]}}]}`
	_, err := chatmlStreamEvent(MistralName, s, []byte(data))
	require.NoError(t, err)
	calls := s.ToolCalls()
	require.Len(t, calls, 2)
	require.Equal(t, "a1", calls[0].ID)
	require.Equal(t, "b2", calls[1].ID)
}

func TestOpenAIMediaEndpoints(t *testing.T) {
	a := NewOpenAI(Config{}, nil)

	edit := &llm.EditImageQuery{
		Params: llm.Params{Model: "gpt-image-1"},
		Prompt: "add a hat",
		Image:  llm.File{Name: "cat.png", MimeType: "image/png", Data: []byte("png")},
	}
	req, err := a.BuildRequest(edit, false)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(req.URL, "/images/edits"))
	require.True(t, strings.HasPrefix(req.Header.Get("Content-Type"), "multipart/form-data"))
	require.Contains(t, string(req.Body), "add a hat")

	tr := &llm.TranscribeQuery{Params: llm.Params{Model: "whisper-1"}, Audio: llm.File{Name: "a.mp3", MimeType: "audio/mpeg", Data: []byte("id3")}}
	req, err = a.BuildRequest(tr, true)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(req.URL, "/audio/transcriptions"))
	reply, err := a.FinalizeBody(tr, []byte(`{"text":"hello world"}`))
	require.NoError(t, err)
	require.Equal(t, "hello world", reply.Result())
	require.Equal(t, llm.AccuracyEstimated, reply.Usage.Accuracy)

	img := &llm.ImageQuery{Params: llm.Params{Model: "dall-e-3"}, Prompt: "a cat", Count: 1, Size: "1024x1024"}
	req, err = a.BuildRequest(img, false)
	require.NoError(t, err)
	require.Equal(t, "1024x1024", gjson.GetBytes(req.Body, "size").String())
	reply, err = a.FinalizeBody(img, []byte(`{"created":1,"data":[{"url":"https://img.test/1.png","revised_prompt":"a cute cat"}]}`))
	require.NoError(t, err)
	require.Equal(t, "https://img.test/1.png", reply.Choices[0].Images[0].URL)
	require.Equal(t, "a cute cat", reply.Result())

	require.False(t, a.CanStream(img))
	require.True(t, a.CanStream(textQuery("gpt-4o", "x")))
}
