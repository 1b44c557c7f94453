package render

import "aigw/internal/events"

// Renderer emits events to an output target.
type Renderer interface {
	events.Observer
	Close() error
}
