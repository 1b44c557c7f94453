// Package feedback runs tool-calling conversations: it executes the calls a
// reply asks for and re-issues the conversation until the model answers or
// the depth budget runs out.
package feedback

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"aigw/internal/events"
	"aigw/internal/llm"
	"aigw/internal/util"

	"github.com/sourcegraph/conc/iter"
	"go.uber.org/zap"
)

// DefaultMaxDepth bounds feedback round trips when Options.MaxDepth is unset.
const DefaultMaxDepth = 5

const previewBytes = 2000

// Dispatcher sends exactly one turn.
type Dispatcher interface {
	Dispatch(ctx context.Context, q llm.Query) (*llm.Reply, error)
}

// Executor runs one function call. A nil value with a nil error means the
// call was not handled.
type Executor interface {
	Execute(ctx context.Context, call llm.ToolCall) (any, error)
}

// Options configures a Controller.
type Options struct {
	MaxDepth int
	// Concurrency bounds parallel calls within one block. Zero means GOMAXPROCS.
	Concurrency int
	Logger      *zap.Logger
	// Observer must be safe for concurrent use.
	Observer events.Observer
}

// CallRecord is one executed function call.
type CallRecord struct {
	Call       llm.ToolCall `json:"call"`
	Output     any          `json:"output"`
	Status     string       `json:"status"`
	StartedAt  time.Time    `json:"started_at"`
	DurationMs int64        `json:"duration_ms"`
}

// Result is a finished conversation. Reply.Usage sums every turn.
type Result struct {
	Reply *llm.Reply   `json:"reply"`
	Turns int          `json:"turns"`
	Calls []CallRecord `json:"calls"`
}

// Controller drives the Dispatch, AwaitingProviderReply, NeedsFeedback cycle.
type Controller struct {
	dispatcher  Dispatcher
	executor    Executor
	maxDepth    int
	concurrency int
	logger      *zap.Logger
	observer    events.Observer
}

// NewController constructs a Controller.
func NewController(d Dispatcher, exec Executor, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	return &Controller{
		dispatcher:  d,
		executor:    exec,
		maxDepth:    opts.MaxDepth,
		concurrency: opts.Concurrency,
		logger:      opts.Logger,
		observer:    opts.Observer,
	}
}

type state struct {
	result Result
	usage  llm.Usage
	stack  []string
}

// Run sends q and resolves tool calls until a reply needs no feedback. It
// returns no result at all when any turn fails.
func (c *Controller) Run(ctx context.Context, q llm.Query) (*Result, error) {
	st := &state{}
	reply, err := c.run(ctx, q, c.maxDepth, st)
	if err != nil {
		return nil, err
	}
	reply.Usage = st.usage
	st.result.Reply = reply
	return &st.result, nil
}

func (c *Controller) run(ctx context.Context, q llm.Query, depth int, st *state) (*llm.Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reply, err := c.dispatcher.Dispatch(ctx, q)
	if err != nil {
		return nil, err
	}
	st.result.Turns++
	st.usage.Add(reply.Usage)
	if len(reply.NeedFeedbacks) == 0 {
		return reply, nil
	}

	if err := checkDeclarations(q.Common(), reply.NeedFeedbacks); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(reply.NeedFeedbacks))
	for _, nf := range reply.NeedFeedbacks {
		names = append(names, nf.Call.Name)
	}
	st.stack = append(st.stack, strings.Join(names, ","))
	if depth <= 0 {
		err := &llm.LoopError{Depth: c.maxDepth, Stack: st.stack}
		c.logger.Error("feedback loop exceeded", zap.Int("max_depth", c.maxDepth), zap.Strings("stack", st.stack))
		return nil, err
	}

	blocks := c.execute(ctx, reply.NeedFeedbacks, st)
	return c.run(ctx, llm.FollowUp(q, blocks), depth-1, st)
}

func checkDeclarations(p *llm.Params, pending []llm.NeedFeedback) error {
	for _, nf := range pending {
		if _, ok := p.Function(nf.Call.Name); !ok {
			return llm.NewError("", llm.ErrMissingFunction, "model requested function %q which the query does not declare", nf.Call.Name)
		}
	}
	return nil
}

type group struct {
	raw   json.RawMessage
	calls []llm.ToolCall
}

// groupByMessage keeps every call from one provider message together, in
// first-seen order.
func groupByMessage(pending []llm.NeedFeedback) []*group {
	var groups []*group
	index := map[[sha256.Size]byte]*group{}
	for _, nf := range pending {
		key := sha256.Sum256(nf.RawMessage)
		g, ok := index[key]
		if !ok {
			g = &group{raw: nf.RawMessage}
			index[key] = g
			groups = append(groups, g)
		}
		g.calls = append(g.calls, nf.Call)
	}
	return groups
}

func (c *Controller) execute(ctx context.Context, pending []llm.NeedFeedback, st *state) []llm.FeedbackBlock {
	groups := groupByMessage(pending)
	blocks := make([]llm.FeedbackBlock, 0, len(groups))
	mapper := iter.Mapper[llm.ToolCall, CallRecord]{MaxGoroutines: c.concurrency}
	for _, g := range groups {
		records := mapper.Map(g.calls, func(call *llm.ToolCall) CallRecord {
			return c.call(ctx, *call)
		})
		block := llm.FeedbackBlock{RawMessage: g.raw}
		for _, rec := range records {
			block.Feedbacks = append(block.Feedbacks, llm.Feedback{Call: rec.Call, Reply: llm.FeedbackReply{Value: rec.Output}})
		}
		st.result.Calls = append(st.result.Calls, records...)
		blocks = append(blocks, block)
	}
	return blocks
}

func (c *Controller) call(ctx context.Context, call llm.ToolCall) CallRecord {
	start := time.Now()
	c.emit(events.ToolCallStarted, events.ToolCallStartedPayload{
		ID:        call.ID,
		ToolName:  call.Name,
		Input:     util.RedactSecrets(string(call.ArgumentsJSON())),
		StartedAt: start,
	})
	value, err := c.executor.Execute(ctx, call)
	rec := CallRecord{Call: call, Output: value, Status: "success", StartedAt: start}
	switch {
	case err != nil:
		c.logger.Warn("function failed", zap.String("function", call.Name), zap.String("call_id", call.ID), zap.Error(err))
		rec.Output = map[string]string{"error": err.Error()}
		rec.Status = "error"
	case value == nil:
		c.logger.Warn("function call not handled", zap.String("function", call.Name), zap.String("call_id", call.ID))
		rec.Output = map[string]string{"error": fmt.Sprintf("function %s is not available", call.Name)}
		rec.Status = "unhandled"
	}
	rec.DurationMs = time.Since(start).Milliseconds()

	content := llm.FeedbackReply{Value: rec.Output}.Content()
	typ := events.ToolCallFinished
	if rec.Status != "success" {
		typ = events.ToolCallFailed
	}
	preview, truncated := util.TruncateBytes(content, previewBytes)
	c.emit(typ, events.ToolCallFinishedPayload{
		ID:         call.ID,
		ToolName:   call.Name,
		Status:     rec.Status,
		Output:     rec.Output,
		Preview:    util.Preview(preview, 5, previewBytes),
		ByteCount:  len(content),
		Truncated:  truncated,
		DurationMs: rec.DurationMs,
	})
	return rec
}

func (c *Controller) emit(typ events.Type, payload any) {
	if c.observer != nil {
		c.observer.Emit(events.New(typ, payload))
	}
}
