package render

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"aigw/internal/events"
)

// StdoutRenderer streams events to a plain text writer.
type StdoutRenderer struct {
	w                io.Writer
	mu               sync.Mutex
	verbose          bool
	quiet            bool
	showHeader       bool
	showTools        bool
	inThinking       bool
	sawDelta         bool
	endedWithNewline bool
}

// NewStdoutRenderer creates a renderer for plain text streaming.
func NewStdoutRenderer(w io.Writer, verbose bool, quiet bool, showHeader bool, showTools bool) *StdoutRenderer {
	return &StdoutRenderer{w: w, verbose: verbose, quiet: quiet, showHeader: showHeader, showTools: showTools}
}

func (r *StdoutRenderer) Emit(event events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch payload := event.Payload.(type) {
	case events.RunStartedPayload:
		if r.quiet || !r.showHeader {
			return
		}
		fmt.Fprintf(r.w, "aigw v%s | provider: %s | model: %s | run: %s\n", payload.Version, payload.Provider, payload.Model, payload.RunID)
	case events.QueryDispatchedPayload:
		if r.quiet || !r.verbose {
			return
		}
		fmt.Fprintf(r.w, "-> %s %s (%s)\n", payload.Provider, payload.Model, payload.Kind)
	case events.ModelDeltaPayload:
		if event.Type == events.ThinkingDelta {
			if r.quiet || !r.verbose || payload.Delta == "" {
				return
			}
			if !r.inThinking {
				fmt.Fprint(r.w, "[thinking] ")
				r.inThinking = true
			}
			fmt.Fprint(r.w, payload.Delta)
			return
		}
		if r.inThinking {
			fmt.Fprintln(r.w)
			r.inThinking = false
		}
		if payload.Delta != "" {
			fmt.Fprint(r.w, payload.Delta)
			r.sawDelta = true
			r.endedWithNewline = strings.HasSuffix(payload.Delta, "\n")
		}
	case events.StatusPayload:
		if r.quiet || !r.verbose {
			return
		}
		fmt.Fprintf(r.w, "status: %s\n", payload.Message)
	case events.ToolCallFinishedPayload:
		if r.quiet || !r.showTools {
			return
		}
		r.breakLine()
		status := payload.Status
		if status == "success" {
			status = "ok"
		} else if status == "error" {
			status = "err"
		}
		trunc := ""
		if payload.Truncated {
			trunc = ", truncated"
		}
		fmt.Fprintf(r.w, "function: %s %s (%dms, %d bytes%s)\n", payload.ToolName, status, payload.DurationMs, payload.ByteCount, trunc)
		if r.verbose && payload.Preview != "" {
			for _, line := range strings.Split(payload.Preview, "\n") {
				fmt.Fprintf(r.w, "  %s\n", line)
			}
		}
	case events.UsagePayload:
		if r.quiet || !r.verbose {
			return
		}
		r.breakLine()
		fmt.Fprintf(r.w, "usage: %d in, %d out, $%.6f (%s)\n", payload.InTokens, payload.OutTokens, payload.Price, payload.Accuracy)
	case events.FinalAnswerPayload:
		if r.sawDelta {
			if !r.endedWithNewline {
				fmt.Fprintln(r.w)
			}
			return
		}
		fmt.Fprintln(r.w, payload.Answer)
	case events.RunErrorPayload:
		fmt.Fprintf(r.w, "\nError: %s\n", payload.Message)
	}
}

// breakLine ends a partially streamed line before printing a status line.
func (r *StdoutRenderer) breakLine() {
	if r.sawDelta && !r.endedWithNewline {
		fmt.Fprintln(r.w)
		r.endedWithNewline = true
	}
}

func (r *StdoutRenderer) Close() error {
	return nil
}
