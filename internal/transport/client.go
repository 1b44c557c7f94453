// Package transport sends provider requests and normalizes transport and
// status failures.
package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"aigw/internal/llm"
	"aigw/internal/stream"
	"aigw/internal/util"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const (
	DefaultTimeout = 120 * time.Second
	DefaultRetries = 2
	maxErrorBody   = 8 << 20
	chunkSize      = 4 << 10
)

// Request is a fully built provider call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is what came back. Body is empty when the stream was delivered to a sink.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	Streamed bool
}

// Options configures a Client.
type Options struct {
	Timeout    time.Duration
	Retries    int
	Logger     *zap.Logger
	HTTPClient *http.Client
}

// Client is safe for concurrent use; it holds no per-request state.
type Client struct {
	http   *retryablehttp.Client
	logger *zap.Logger
}

// New constructs a client with a fixed per-request timeout and bounded retries.
func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	client := retryablehttp.NewClient()
	if opts.HTTPClient != nil {
		client.HTTPClient = opts.HTTPClient
	}
	client.HTTPClient.Timeout = opts.Timeout
	client.RetryMax = opts.Retries
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = leveledLogger{opts.Logger.Sugar()}
	return &Client{http: client, logger: opts.Logger}
}

// Do sends req on behalf of provider. When sink is non-nil and the response
// is an event stream, each received chunk is written to sink before the next
// read; an error returned by sink aborts the transfer and is returned as is.
func (c *Client) Do(ctx context.Context, provider string, req Request, sink io.Writer) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, &llm.Error{Provider: provider, Kind: llm.ErrTransport, Err: err}
	}
	for k, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}
	c.logger.Debug("provider request",
		zap.String("provider", provider),
		zap.String("url", util.RedactSecrets(req.URL)),
		zap.Int("body_bytes", len(req.Body)))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &llm.Error{Provider: provider, Kind: llm.ErrTransport, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := stream.ErrorMessage(body)
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &llm.Error{Provider: provider, Kind: llm.ErrHTTPStatus, Status: resp.StatusCode, Message: msg}
	}

	out := &Response{Status: resp.StatusCode, Header: resp.Header}
	ctype := strings.ToLower(resp.Header.Get("Content-Type"))
	if sink != nil && strings.Contains(ctype, "text/event-stream") {
		out.Streamed = true
		w := &trackingWriter{w: sink}
		if _, err := io.CopyBuffer(w, resp.Body, make([]byte, chunkSize)); err != nil {
			if w.err != nil {
				return nil, w.err
			}
			return nil, &llm.Error{Provider: provider, Kind: llm.ErrTransport, Err: err}
		}
		return out, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &llm.Error{Provider: provider, Kind: llm.ErrTransport, Err: err}
	}
	out.Body = body
	return out, nil
}

// IsTimeout reports whether err came from the fixed request timeout or a
// cancelled context.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

type trackingWriter struct {
	w   io.Writer
	err error
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if err != nil {
		t.err = err
	}
	return n, err
}

type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
