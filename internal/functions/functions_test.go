package functions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"aigw/internal/llm"
)

func TestRegistryDeclarationsSorted(t *testing.T) {
	reg := NewRegistry(CurrentTime{}, Add{})
	decls := reg.Declarations()
	if len(decls) != 2 {
		t.Fatalf("expected 2 declarations, got %d", len(decls))
	}
	if decls[0].Name != "add" || decls[1].Name != "current_time" {
		t.Fatalf("unexpected order: %s, %s", decls[0].Name, decls[1].Name)
	}
	if decls[0].Parameters["type"] != "object" {
		t.Fatalf("expected object schema")
	}
}

func TestRegistryExecuteAdd(t *testing.T) {
	reg := NewRegistry(Builtins()...)
	value, err := reg.Execute(context.Background(), llm.ToolCall{Name: "add", Arguments: `{"a":2,"b":3}`})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != 5.0 {
		t.Fatalf("expected 5, got %v", value)
	}
}

func TestRegistryExecuteMissingArgs(t *testing.T) {
	reg := NewRegistry(Builtins()...)
	_, err := reg.Execute(context.Background(), llm.ToolCall{Name: "add", Arguments: ""})
	if err == nil || !strings.HasPrefix(err.Error(), "add: ") {
		t.Fatalf("expected prefixed error, got %v", err)
	}
}

func TestRegistryUnknownIsUnhandled(t *testing.T) {
	reg := NewRegistry()
	value, err := reg.Execute(context.Background(), llm.ToolCall{Name: "nope"})
	if err != nil || value != nil {
		t.Fatalf("expected nil, nil; got %v, %v", value, err)
	}
}

func TestCurrentTimeZone(t *testing.T) {
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	fn := CurrentTime{Now: func() time.Time { return fixed }}
	value, err := fn.Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != "2025-03-01T12:00:00Z" {
		t.Fatalf("unexpected time %v", value)
	}
	if _, err := fn.Execute(context.Background(), json.RawMessage(`{"timezone":"Mars/Olympus"}`)); err == nil {
		t.Fatalf("expected unknown timezone error")
	}
}

func TestWebSearchRequiresKey(t *testing.T) {
	fn := NewWebSearch("", 0)
	if _, err := fn.Execute(context.Background(), json.RawMessage(`{"query":"go"}`)); err == nil {
		t.Fatalf("expected missing key error")
	}
}

func TestWebSearchFitsResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "exa-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["numResults"] != 10.0 {
			t.Errorf("expected numResults clamped to 10, got %v", body["numResults"])
		}
		long := strings.Repeat("x", 3000)
		_ = json.NewEncoder(w).Encode(map[string]any{"results": []map[string]any{
			{"title": "A", "url": "https://a.test", "text": long},
			{"title": "B", "url": "https://b.test", "text": long},
			{"title": "C", "url": "https://c.test", "text": long},
		}})
	}))
	defer srv.Close()

	fn := NewWebSearch("exa-key", 700)
	fn.endpoint = srv.URL
	value, err := fn.Execute(context.Background(), json.RawMessage(`{"query":"go","num_results":50}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := value.(SearchOutput)
	if !out.Truncated {
		t.Fatalf("expected truncation")
	}
	data, _ := json.Marshal(SearchOutput{Results: out.Results})
	if len(data) > 700 {
		t.Fatalf("expected output within 700 bytes, got %d", len(data))
	}
	if out.Results[0].URL != "https://a.test" {
		t.Fatalf("expected first result kept")
	}
}
