package agent

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"aigw/internal/config"
	"aigw/internal/events"
	"aigw/internal/functions"
	"aigw/internal/llm"
	"aigw/internal/provider"
	"aigw/internal/usage"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const toolCallStream = `data: {"id":"c0","model":"gpt-4o-mini","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"add","arguments":"{\"a\":2,\"b\":3}"}}]},"finish_reason":"tool_calls"}]}

data: {"id":"c0","model":"gpt-4o-mini","choices":[],"usage":{"prompt_tokens":40,"completion_tokens":10}}

data: [DONE]

`

const answerStream = `data: {"id":"c1","model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":"2 + 3 = 5"},"finish_reason":"stop"}]}

data: {"id":"c1","model":"gpt-4o-mini","choices":[],"usage":{"prompt_tokens":60,"completion_tokens":6}}

data: [DONE]

`

type fakeUpstream struct {
	mu       sync.Mutex
	requests []string
}

func (f *fakeUpstream) serve(status int, replies ...string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		n := len(f.requests)
		f.requests = append(f.requests, string(body))
		f.mu.Unlock()
		reply := replies[len(replies)-1]
		if n < len(replies) {
			reply = replies[n]
		}
		if strings.HasPrefix(reply, "{") {
			w.Header().Set("Content-Type", "application/json")
		} else {
			w.Header().Set("Content-Type", "text/event-stream")
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
}

func testConfig(baseURL string) config.Config {
	return config.Config{
		Model:     "gpt-4o-mini",
		MaxDepth:  3,
		Stream:    true,
		Retries:   0,
		Providers: map[string]provider.Config{provider.OpenAIName: {APIKey: "sk-test", BaseURL: baseURL}},
	}
}

func eventTypes(evs []events.Event) []events.Type {
	out := make([]events.Type, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Type)
	}
	return out
}

func containsType(evs []events.Event, typ events.Type) bool {
	for _, e := range evs {
		if e.Type == typ {
			return true
		}
	}
	return false
}

func TestAgentRunResolvesFunctionCalls(t *testing.T) {
	up := &fakeUpstream{}
	srv := up.serve(http.StatusOK, toolCallStream, answerStream)
	defer srv.Close()

	var ledger usage.Ledger
	var forwarded []events.Event
	var mu sync.Mutex
	observer := events.ObserverFunc(func(e events.Event) {
		mu.Lock()
		defer mu.Unlock()
		forwarded = append(forwarded, e)
	})
	ag := NewAgent(functions.NewRegistry(functions.Builtins()...), observer, &ledger, zap.NewNop(), testConfig(srv.URL))

	result, err := ag.Run(context.Background(), Request{Prompt: "what is 2 + 3?"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != "success" || result.FinalAnswer != "2 + 3 = 5" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Turns != 2 || len(result.ToolCalls) != 1 || result.ToolCalls[0].Output != 5.0 {
		t.Fatalf("expected one resolved add call over two turns, got %+v", result.ToolCalls)
	}
	if result.Usage.InTokens != 100 || result.Usage.OutTokens != 16 {
		t.Fatalf("expected summed usage, got %+v", result.Usage)
	}
	if len(ledger.Entries()) != 2 {
		t.Fatalf("expected one usage entry per turn, got %d", len(ledger.Entries()))
	}
	if result.RunID == "" {
		t.Fatalf("expected run id")
	}
	types := eventTypes(result.Events)
	if types[0] != events.RunStarted || types[len(types)-1] != events.RunFinished {
		t.Fatalf("unexpected event order: %v", types)
	}
	for _, typ := range []events.Type{events.QueryDispatched, events.ToolCallStarted, events.ToolCallFinished, events.ModelDelta, events.FinalAnswerReady} {
		if !containsType(result.Events, typ) {
			t.Fatalf("missing %s in %v", typ, types)
		}
	}
	if len(forwarded) != len(result.Events) {
		t.Fatalf("observer saw %d events, run recorded %d", len(forwarded), len(result.Events))
	}

	first := gjson.Parse(up.requests[0])
	if first.Get("messages.0.role").String() != "system" || !strings.Contains(first.Get("messages.0.content").String(), "add, current_time") {
		t.Fatalf("expected default instructions naming the functions, got %s", first.Get("messages.0").Raw)
	}
	if len(first.Get("tools").Array()) != 2 {
		t.Fatalf("expected both builtins declared, got %s", first.Get("tools").Raw)
	}
}

func TestAgentRunEmbedding(t *testing.T) {
	up := &fakeUpstream{}
	srv := up.serve(http.StatusOK, `{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.1,0.2,0.3]}],"model":"text-embedding-3-small","usage":{"prompt_tokens":2,"total_tokens":2}}`)
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Model = "text-embedding-3-small"
	result, err := NewAgent(nil, nil, nil, nil, cfg).Run(context.Background(), Request{Prompt: "hello", Kind: llm.KindEmbed})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Embeddings) != 1 || len(result.Embeddings[0]) != 3 {
		t.Fatalf("unexpected embeddings: %v", result.Embeddings)
	}
	if result.FinalAnswer != "1 embedding(s) of 3 dimensions" || result.Turns != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if gjson.Get(up.requests[0], "input").String() != "hello" {
		t.Fatalf("unexpected request: %s", up.requests[0])
	}
}

func TestAgentRunRecordsFailure(t *testing.T) {
	up := &fakeUpstream{}
	srv := up.serve(http.StatusUnauthorized, `{"error":{"message":"invalid api key"}}`)
	defer srv.Close()

	result, err := NewAgent(nil, nil, nil, nil, testConfig(srv.URL)).Run(context.Background(), Request{Prompt: "hi"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if result.Status != "failure" || result.Error != "openai: http 401: invalid api key" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if !containsType(result.Events, events.RunError) {
		t.Fatalf("expected RunError event")
	}
}

func TestBuildQueryKinds(t *testing.T) {
	cfg := config.Config{Model: "gpt-4o-mini", Instructions: "be brief", MaxTokens: 64}
	audio := &llm.File{Name: "a.mp3", MimeType: "audio/mpeg", Data: []byte("ID3")}

	q, err := BuildQuery(cfg, Request{Prompt: " hi "}, nil)
	if err != nil {
		t.Fatal(err)
	}
	text := q.(*llm.TextQuery)
	if text.Instructions != "be brief" || text.Messages[0].Text != "hi" || text.MaxTokens != 64 {
		t.Fatalf("unexpected text query: %+v", text)
	}

	q, err = BuildQuery(cfg, Request{Prompt: "words", Kind: llm.KindTranscribe, File: audio}, nil)
	if err != nil || q.Kind() != llm.KindTranscribe {
		t.Fatalf("unexpected transcribe query: %v %v", q, err)
	}
	if _, err := BuildQuery(cfg, Request{Prompt: "x", Kind: llm.KindEditImage}, nil); err == nil {
		t.Fatalf("edit_image without a file must fail")
	}
	if _, err := BuildQuery(cfg, Request{Prompt: "x", Kind: "poem"}, nil); err == nil {
		t.Fatalf("unknown kind must fail")
	}
}
