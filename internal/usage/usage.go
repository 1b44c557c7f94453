// Package usage records token consumption per completed turn.
package usage

import (
	"strings"
	"sync"

	"aigw/internal/llm"

	"go.uber.org/zap"
)

// Entry is one recorded turn.
type Entry struct {
	Provider  string       `json:"provider"`
	Model     string       `json:"model"`
	Kind      llm.Kind     `json:"kind"`
	InTokens  int          `json:"in_tokens"`
	OutTokens int          `json:"out_tokens"`
	Price     float64      `json:"price"`
	Accuracy  llm.Accuracy `json:"accuracy"`
}

// Recorder is a sink for usage entries. Implementations must be safe for
// concurrent use.
type Recorder interface {
	Record(Entry)
}

// Price is a USD rate per million tokens.
type Price struct {
	Input  float64 `mapstructure:"input" json:"input"`
	Output float64 `mapstructure:"output" json:"output"`
}

// Pricing maps model names to rates.
type Pricing map[string]Price

// Cost prices a turn. It reports false for unknown models.
func (p Pricing) Cost(model string, in, out int) (float64, bool) {
	rate, ok := p[model]
	if !ok {
		// Config keys are case-folded on load.
		rate, ok = p[strings.ToLower(model)]
	}
	if !ok {
		return 0, false
	}
	return (float64(in)*rate.Input + float64(out)*rate.Output) / 1e6, true
}

// Nop discards entries.
type Nop struct{}

func (Nop) Record(Entry) {}

// LogRecorder writes every entry to a zap logger at info level.
type LogRecorder struct {
	logger *zap.Logger
}

// NewLogRecorder returns a recorder logging to logger.
func NewLogRecorder(logger *zap.Logger) *LogRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogRecorder{logger: logger}
}

func (r *LogRecorder) Record(e Entry) {
	r.logger.Info("usage",
		zap.String("provider", e.Provider),
		zap.String("model", e.Model),
		zap.String("kind", string(e.Kind)),
		zap.Int("in_tokens", e.InTokens),
		zap.Int("out_tokens", e.OutTokens),
		zap.Float64("price", e.Price),
		zap.String("accuracy", string(e.Accuracy)),
	)
}

// Ledger keeps every entry in memory.
type Ledger struct {
	mu      sync.Mutex
	entries []Entry
}

func (l *Ledger) Record(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

// Entries returns a copy of the recorded entries.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Total sums every entry.
func (l *Ledger) Total() llm.Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total llm.Usage
	for _, e := range l.entries {
		total.Add(llm.Usage{InTokens: e.InTokens, OutTokens: e.OutTokens, Price: e.Price, Accuracy: e.Accuracy})
	}
	return total
}

// Multi fans one entry out to several recorders.
type Multi []Recorder

func (m Multi) Record(e Entry) {
	for _, r := range m {
		r.Record(e)
	}
}
