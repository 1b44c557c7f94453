package render

import (
	"bytes"
	"strings"
	"testing"

	"aigw/internal/events"
)

func TestStdoutRendererStreamsAndFinishes(t *testing.T) {
	var buf bytes.Buffer
	r := NewStdoutRenderer(&buf, false, false, false, true)
	r.Emit(events.New(events.ModelDelta, events.ModelDeltaPayload{Delta: "The answer"}))
	r.Emit(events.New(events.ToolCallFinished, events.ToolCallFinishedPayload{ToolName: "add", Status: "success", ByteCount: 1}))
	r.Emit(events.New(events.ModelDelta, events.ModelDeltaPayload{Delta: " is 5"}))
	r.Emit(events.New(events.FinalAnswerReady, events.FinalAnswerPayload{Answer: "The answer is 5"}))

	out := buf.String()
	if !strings.Contains(out, "The answer\nfunction: add ok (0ms, 1 bytes)\n is 5\n") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestStdoutRendererPrintsAnswerWithoutDeltas(t *testing.T) {
	var buf bytes.Buffer
	r := NewStdoutRenderer(&buf, false, true, false, false)
	r.Emit(events.New(events.ThinkingDelta, events.ModelDeltaPayload{Delta: "hmm"}))
	r.Emit(events.New(events.FinalAnswerReady, events.FinalAnswerPayload{Answer: "4"}))
	if buf.String() != "4\n" {
		t.Fatalf("unexpected output %q", buf.String())
	}
}
