package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

const answerStream = `data: {"id":"c1","model":"gpt-4o-mini","choices":[{"index":0,"delta":{"role":"assistant","content":"4"},"finish_reason":"stop"}]}

data: {"id":"c1","model":"gpt-4o-mini","choices":[],"usage":{"prompt_tokens":9,"completion_tokens":1}}

data: [DONE]

`

func TestCLIJSONOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" || r.Header.Get("Authorization") != "Bearer sk-test" {
			http.Error(w, `{"error":{"message":"unexpected request"}}`, http.StatusBadRequest)
			return
		}
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, answerStream)
	}))
	defer srv.Close()

	cmd := exec.Command("go", "run", "./cmd/aigw", "--json", "--no-functions", "--model", "gpt-4o-mini", "what is 2+2?")
	cmd.Env = append(os.Environ(),
		"XDG_CONFIG_HOME="+t.TempDir(),
		"AIGW_CONFIG=",
		"OPENAI_API_KEY=sk-test",
		"AIGW_PROVIDERS_OPENAI_BASE_URL="+srv.URL,
	)
	wd, _ := os.Getwd()
	cmd.Dir = filepath.Dir(filepath.Dir(wd))

	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("command failed: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(out, &payload); err != nil {
		t.Fatalf("invalid json output: %v", err)
	}
	if payload["run_id"] == "" {
		t.Fatalf("expected run_id")
	}
	if payload["final_answer"] != "4" {
		t.Fatalf("expected final_answer 4, got %v", payload["final_answer"])
	}
	if payload["status"] != "success" {
		t.Fatalf("expected success, got %v", payload["status"])
	}
}

func TestReadAttachment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "note.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	file, err := readAttachment(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if file.MimeType != "text/plain" || string(file.Data) != "hello" || file.Name != "note.txt" {
		t.Fatalf("unexpected attachment: %+v", file)
	}
	if _, err := readAttachment(filepath.Join(t.TempDir(), ".env")); err == nil {
		t.Fatalf("expected credential files to be refused")
	}
	remote, err := readAttachment("https://example.com/cat.png")
	if err != nil || remote.URL == "" || remote.MimeType != "image/png" {
		t.Fatalf("unexpected remote attachment: %+v %v", remote, err)
	}
}
