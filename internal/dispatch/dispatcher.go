// Package dispatch sends one canonical query to the provider serving its
// model and turns the answer into a canonical reply.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"aigw/internal/events"
	"aigw/internal/llm"
	"aigw/internal/provider"
	"aigw/internal/stream"
	"aigw/internal/transport"
	"aigw/internal/usage"

	"go.uber.org/zap"
)

// Options configures a Dispatcher.
type Options struct {
	// Provider forces every query to one provider. Empty means infer it from
	// the model name.
	Provider   string
	Providers  map[string]provider.Config
	Stream     bool
	Timeout    time.Duration
	Retries    int
	Pricing    usage.Pricing
	Recorder   usage.Recorder
	Observer   events.Observer
	Logger     *zap.Logger
	HTTPClient *http.Client
}

// Dispatcher executes single turns. Adapters are stateless and every call
// gets its own stream.Session, so one Dispatcher serves concurrent
// conversations.
type Dispatcher struct {
	opts   Options
	client *transport.Client
	logger *zap.Logger

	mu       sync.Mutex
	adapters map[string]provider.Adapter
}

// New constructs a Dispatcher.
func New(opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Recorder == nil {
		opts.Recorder = usage.Nop{}
	}
	client := transport.New(transport.Options{
		Timeout:    opts.Timeout,
		Retries:    opts.Retries,
		Logger:     opts.Logger,
		HTTPClient: opts.HTTPClient,
	})
	return &Dispatcher{opts: opts, client: client, logger: opts.Logger, adapters: map[string]provider.Adapter{}}
}

// Adapter resolves the adapter serving model.
func (d *Dispatcher) Adapter(model string) (provider.Adapter, error) {
	name := d.opts.Provider
	if name == "" {
		name = provider.ForModel(model)
	}
	if name == "" {
		return nil, fmt.Errorf("cannot infer provider for model %q; set one explicitly", model)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if a, ok := d.adapters[name]; ok {
		return a, nil
	}
	a, err := provider.New(name, d.opts.Providers[name], d.logger)
	if err != nil {
		return nil, err
	}
	d.adapters[name] = a
	return a, nil
}

// Dispatch sends q once. It returns either a complete reply or an error,
// never both.
func (d *Dispatcher) Dispatch(ctx context.Context, q llm.Query) (*llm.Reply, error) {
	if err := llm.Validate(q); err != nil {
		return nil, err
	}
	p := q.Common()
	a, err := d.Adapter(p.Model)
	if err != nil {
		return nil, err
	}
	streaming := d.opts.Stream && a.CanStream(q)
	req, err := a.BuildRequest(q, streaming)
	if err != nil {
		return nil, err
	}
	d.emit(events.QueryDispatched, events.QueryDispatchedPayload{
		Provider: a.Name(),
		Model:    p.Model,
		Kind:     string(q.Kind()),
		Stream:   streaming,
	})

	s := stream.NewSession(a.Name())
	reader := stream.NewReader(a.Name(), func(ev stream.Event) ([]stream.Delta, error) {
		return a.ParseStreamEvent(s, ev)
	}, d.observe, d.logger)

	var sink io.Writer
	if streaming {
		sink = reader
	}
	start := time.Now()
	resp, err := d.client.Do(ctx, a.Name(), req, sink)
	if err != nil {
		return nil, err
	}

	var reply *llm.Reply
	if resp.Streamed {
		if err := reader.Close(); err != nil {
			return nil, err
		}
		reply, err = a.FinalizeStream(s, q)
	} else {
		if err := stream.InBandError(a.Name(), resp.Body); err != nil {
			return nil, err
		}
		reply, err = a.FinalizeBody(q, resp.Body)
	}
	if err != nil {
		return nil, err
	}

	if reply.Usage.Price == 0 {
		if cost, ok := d.opts.Pricing.Cost(p.Model, reply.Usage.InTokens, reply.Usage.OutTokens); ok {
			reply.Usage.Price = cost
		}
	}
	d.opts.Recorder.Record(usage.Entry{
		Provider:  a.Name(),
		Model:     p.Model,
		Kind:      q.Kind(),
		InTokens:  reply.Usage.InTokens,
		OutTokens: reply.Usage.OutTokens,
		Price:     reply.Usage.Price,
		Accuracy:  reply.Usage.Accuracy,
	})
	d.emit(events.UsageReported, events.UsagePayload{
		InTokens:  reply.Usage.InTokens,
		OutTokens: reply.Usage.OutTokens,
		Price:     reply.Usage.Price,
		Accuracy:  string(reply.Usage.Accuracy),
	})
	d.logger.Debug("turn complete",
		zap.String("provider", a.Name()),
		zap.String("model", p.Model),
		zap.Bool("streamed", resp.Streamed),
		zap.Int("tool_calls", len(reply.NeedFeedbacks)),
		zap.Duration("elapsed", time.Since(start)))
	return reply, nil
}

func (d *Dispatcher) observe(delta stream.Delta) {
	switch delta.Type {
	case stream.DeltaContent:
		d.emit(events.ModelDelta, events.ModelDeltaPayload{Delta: delta.Text})
	case stream.DeltaThinking:
		d.emit(events.ThinkingDelta, events.ModelDeltaPayload{Delta: delta.Text})
	case stream.DeltaToolCall:
		if delta.Call != nil {
			d.emit(events.ToolCallRequested, events.ToolCallRequestedPayload{ID: delta.Call.ID, Name: delta.Call.Name})
		}
	case stream.DeltaStatus:
		d.emit(events.Status, events.StatusPayload{Message: delta.Text})
	case stream.DeltaImage:
		d.emit(events.Status, events.StatusPayload{Message: "image received"})
	}
}

func (d *Dispatcher) emit(typ events.Type, payload any) {
	if d.opts.Observer != nil {
		d.opts.Observer.Emit(events.New(typ, payload))
	}
}
