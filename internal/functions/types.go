// Package functions is the function-execution extension point of the
// feedback loop: named callables the model may request, and a registry that
// resolves tool calls to them.
package functions

import (
	"context"
	"encoding/json"
)

// Function describes a callable the model may request.
type Function interface {
	Name() string
	Description() string
	Schema() map[string]any
	// Execute runs the function. A nil value with a nil error means the call
	// was not handled.
	Execute(ctx context.Context, args json.RawMessage) (any, error)
}
