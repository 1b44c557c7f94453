package agent

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"aigw/internal/config"
	"aigw/internal/dispatch"
	"aigw/internal/events"
	"aigw/internal/feedback"
	"aigw/internal/functions"
	"aigw/internal/llm"
	"aigw/internal/provider"
	"aigw/internal/usage"
	"aigw/internal/version"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Request is one prompt to run.
type Request struct {
	Prompt string
	Kind   llm.Kind
	File   *llm.File
}

// RunResult captures run output for JSON mode.
type RunResult struct {
	RunID       string                `json:"run_id"`
	StartedAt   time.Time             `json:"timestamp_start"`
	FinishedAt  time.Time             `json:"timestamp_end"`
	Provider    string                `json:"provider"`
	Model       string                `json:"model"`
	Kind        llm.Kind              `json:"kind"`
	Prompt      string                `json:"prompt"`
	Turns       int                   `json:"turns"`
	Status      string                `json:"status"`
	FinalAnswer string                `json:"final_answer"`
	Images      []llm.Image           `json:"images,omitempty"`
	Embeddings  [][]float64           `json:"embeddings,omitempty"`
	Usage       llm.Usage             `json:"usage"`
	ToolCalls   []feedback.CallRecord `json:"tool_calls"`
	Events      []events.Event        `json:"events"`
	Error       string                `json:"error,omitempty"`
}

// Agent runs one prompt through the dispatcher, resolving function calls
// for text prompts.
type Agent struct {
	functions  *functions.Registry
	observer   events.Observer
	recorder   usage.Recorder
	logger     *zap.Logger
	cfg        config.Config
	httpClient *http.Client
}

// NewAgent constructs an Agent. observer and recorder may be nil.
func NewAgent(registry *functions.Registry, observer events.Observer, recorder usage.Recorder, logger *zap.Logger, cfg config.Config) *Agent {
	if registry == nil {
		registry = functions.NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{functions: registry, observer: observer, recorder: recorder, logger: logger, cfg: cfg}
}

// WithHTTPClient overrides the client used for provider calls.
func (a *Agent) WithHTTPClient(c *http.Client) *Agent {
	a.httpClient = c
	return a
}

// Run executes req.
func (a *Agent) Run(ctx context.Context, req Request) (RunResult, error) {
	if req.Kind == "" {
		req.Kind = llm.KindText
	}
	started := time.Now()
	runID := uuid.NewString()
	providerName := a.cfg.Provider
	if providerName == "" {
		providerName = provider.ForModel(a.cfg.Model)
	}
	result := RunResult{
		RunID:     runID,
		StartedAt: started,
		Provider:  providerName,
		Model:     a.cfg.Model,
		Kind:      req.Kind,
		Prompt:    req.Prompt,
		Status:    "failure",
	}

	log := &eventLog{next: a.observer}
	log.Emit(events.New(events.RunStarted, events.RunStartedPayload{
		Version:   version.Version,
		Provider:  providerName,
		Model:     a.cfg.Model,
		RunID:     runID,
		StartedAt: started,
	}))

	fail := func(err error) (RunResult, error) {
		a.logger.Error("run failed", zap.String("run_id", runID), zap.Error(err))
		log.Emit(events.New(events.RunError, events.RunErrorPayload{Message: err.Error()}))
		result.Error = err.Error()
		result.FinishedAt = time.Now()
		log.Emit(events.New(events.RunFinished, events.RunFinishedPayload{Status: result.Status, FinishedAt: result.FinishedAt}))
		result.Events = log.snapshot()
		return result, err
	}

	q, err := BuildQuery(a.cfg, req, a.functions)
	if err != nil {
		return fail(err)
	}

	d := dispatch.New(dispatch.Options{
		Provider:   a.cfg.Provider,
		Providers:  a.cfg.Providers,
		Stream:     a.cfg.Stream,
		Timeout:    a.cfg.Timeout,
		Retries:    a.cfg.Retries,
		Pricing:    a.cfg.Pricing,
		Recorder:   a.recorder,
		Observer:   log,
		Logger:     a.logger,
		HTTPClient: a.httpClient,
	})

	var reply *llm.Reply
	if q.Kind() == llm.KindText {
		ctrl := feedback.NewController(d, a.functions, feedback.Options{
			MaxDepth:    a.cfg.MaxDepth,
			Concurrency: a.cfg.Concurrency,
			Logger:      a.logger,
			Observer:    log,
		})
		res, err := ctrl.Run(ctx, q)
		if err != nil {
			return fail(err)
		}
		reply = res.Reply
		result.Turns = res.Turns
		result.ToolCalls = res.Calls
	} else {
		reply, err = d.Dispatch(ctx, q)
		if err != nil {
			return fail(err)
		}
		result.Turns = 1
	}

	result.Usage = reply.Usage
	result.Embeddings = reply.Embeddings
	for _, choice := range reply.Choices {
		result.Images = append(result.Images, choice.Images...)
	}
	result.FinalAnswer = finalAnswer(reply, result.Images)
	result.Status = "success"
	result.FinishedAt = time.Now()
	log.Emit(events.New(events.FinalAnswerReady, events.FinalAnswerPayload{Answer: result.FinalAnswer}))
	log.Emit(events.New(events.RunFinished, events.RunFinishedPayload{Status: result.Status, FinishedAt: result.FinishedAt}))
	result.Events = log.snapshot()
	return result, nil
}

// BuildQuery turns a prompt into the query of the requested kind.
func BuildQuery(cfg config.Config, req Request, registry *functions.Registry) (llm.Query, error) {
	params := llm.Params{
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}
	prompt := strings.TrimSpace(req.Prompt)
	switch req.Kind {
	case llm.KindText, "":
		var names []string
		if registry != nil {
			params.Functions = registry.Declarations()
			names = registry.Names()
		}
		params.Instructions = instructions(cfg.Instructions, names)
		params.Messages = []llm.Message{{Role: llm.RoleUser, Text: prompt}}
		params.Attached = req.File
		return &llm.TextQuery{Params: params}, nil
	case llm.KindEmbed:
		return &llm.EmbedQuery{Params: params, Input: prompt}, nil
	case llm.KindImage:
		return &llm.ImageQuery{Params: params, Prompt: prompt}, nil
	case llm.KindEditImage:
		if req.File == nil {
			return nil, fmt.Errorf("%s needs an image file", req.Kind)
		}
		return &llm.EditImageQuery{Params: params, Prompt: prompt, Image: *req.File}, nil
	case llm.KindTranscribe:
		if req.File == nil {
			return nil, fmt.Errorf("%s needs an audio file", req.Kind)
		}
		return &llm.TranscribeQuery{Params: params, Prompt: prompt, Audio: *req.File}, nil
	default:
		return nil, fmt.Errorf("unknown query kind %q", req.Kind)
	}
}

func finalAnswer(reply *llm.Reply, images []llm.Image) string {
	if answer := strings.TrimSpace(reply.Result()); answer != "" {
		return answer
	}
	if len(reply.Embeddings) > 0 {
		return fmt.Sprintf("%d embedding(s) of %d dimensions", len(reply.Embeddings), len(reply.Embeddings[0]))
	}
	var lines []string
	for _, img := range images {
		switch {
		case img.URL != "":
			lines = append(lines, img.URL)
		case img.B64 != "":
			lines = append(lines, fmt.Sprintf("<%s image, %d base64 bytes>", img.MimeType, len(img.B64)))
		}
	}
	return strings.Join(lines, "\n")
}

// eventLog keeps every event of a run and forwards it. Function calls of one
// block run concurrently, so Emit is guarded.
type eventLog struct {
	mu     sync.Mutex
	events []events.Event
	next   events.Observer
}

func (l *eventLog) Emit(e events.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
	if l.next != nil {
		l.next.Emit(e)
	}
}

func (l *eventLog) snapshot() []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]events.Event(nil), l.events...)
}
