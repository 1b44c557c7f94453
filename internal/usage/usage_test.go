package usage

import (
	"math"
	"testing"

	"aigw/internal/llm"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestPricingCost(t *testing.T) {
	p := Pricing{"gpt-4o-mini": {Input: 0.15, Output: 0.6}}
	cost, ok := p.Cost("gpt-4o-mini", 1000, 500)
	if !ok {
		t.Fatalf("expected known model")
	}
	if math.Abs(cost-0.00045) > 1e-12 {
		t.Fatalf("unexpected cost %v", cost)
	}
	if _, ok := p.Cost("unknown", 1, 1); ok {
		t.Fatalf("expected unknown model")
	}
}

func TestLedgerTotalDegradesAccuracy(t *testing.T) {
	var l Ledger
	Multi{&l, Nop{}}.Record(Entry{InTokens: 10, OutTokens: 2, Accuracy: llm.AccuracyFull})
	l.Record(Entry{InTokens: 5, OutTokens: 1, Price: 0.5, Accuracy: llm.AccuracyEstimated})
	total := l.Total()
	if total.InTokens != 15 || total.OutTokens != 3 || total.Price != 0.5 {
		t.Fatalf("unexpected total %+v", total)
	}
	if total.Accuracy != llm.AccuracyEstimated {
		t.Fatalf("expected estimated accuracy, got %s", total.Accuracy)
	}
	if len(l.Entries()) != 2 {
		t.Fatalf("expected 2 entries")
	}
}

func TestLogRecorderFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	NewLogRecorder(zap.New(core)).Record(Entry{Provider: "openai", Model: "gpt-4o", InTokens: 7})
	if logs.Len() != 1 {
		t.Fatalf("expected one log line, got %d", logs.Len())
	}
	fields := logs.All()[0].ContextMap()
	if fields["provider"] != "openai" || fields["in_tokens"] != int64(7) {
		t.Fatalf("unexpected fields %v", fields)
	}
}
