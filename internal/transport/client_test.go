package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"aigw/internal/llm"
)

func TestDoExtractsProviderErrorMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid model","type":"invalid_request_error"}}`))
	}))
	defer server.Close()

	client := New(Options{Timeout: 5 * time.Second, Retries: 0})
	_, err := client.Do(context.Background(), "openai", Request{URL: server.URL}, nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errors.Is(err, llm.ErrHTTPStatus) {
		t.Fatalf("expected http status error, got %v", err)
	}
	if err.Error() != "openai: http 400: Invalid model" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}

func TestDoRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client := New(Options{Timeout: 5 * time.Second, Retries: 2})
	client.http.RetryWaitMin = time.Millisecond
	client.http.RetryWaitMax = time.Millisecond
	resp, err := client.Do(context.Background(), "mistral", Request{URL: server.URL, Body: []byte(`{}`)}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(resp.Body) != `{"ok":true}` {
		t.Fatalf("unexpected body: %s", resp.Body)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}

func TestDoPushesStreamToSink(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < 3; i++ {
			fmt.Fprintf(w, "data: {\"n\":%d}\n\n", i)
			flusher.Flush()
		}
	}))
	defer server.Close()

	var sink bytes.Buffer
	client := New(Options{Timeout: 5 * time.Second})
	resp, err := client.Do(context.Background(), "openai", Request{URL: server.URL}, &sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Streamed || len(resp.Body) != 0 {
		t.Fatalf("expected streamed response")
	}
	if !bytes.Contains(sink.Bytes(), []byte(`{"n":2}`)) {
		t.Fatalf("sink missing data: %q", sink.String())
	}
}

func TestDoFallsBackToBodyWhenNotEventStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	var sink bytes.Buffer
	client := New(Options{Timeout: 5 * time.Second})
	resp, err := client.Do(context.Background(), "openai", Request{URL: server.URL}, &sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Streamed || sink.Len() != 0 {
		t.Fatalf("expected plain body delivery")
	}
}

type failingSink struct{}

func (failingSink) Write(p []byte) (int, error) {
	return 0, llm.NewError("anthropic", llm.ErrInBand, "overloaded")
}

func TestDoReturnsSinkErrorUnchanged(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {}\n\n"))
	}))
	defer server.Close()

	client := New(Options{Timeout: 5 * time.Second})
	_, err := client.Do(context.Background(), "anthropic", Request{URL: server.URL}, failingSink{})
	if !errors.Is(err, llm.ErrInBand) {
		t.Fatalf("expected in-band error, got %v", err)
	}
}

func TestDoTransportError(t *testing.T) {
	client := New(Options{Timeout: time.Second, Retries: 0})
	_, err := client.Do(context.Background(), "google", Request{URL: "http://127.0.0.1:1/unreachable"}, nil)
	if !errors.Is(err, llm.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}
