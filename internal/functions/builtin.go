package functions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Add sums two numbers.
type Add struct{}

func (Add) Name() string        { return "add" }
func (Add) Description() string { return "Add two numbers and return the sum." }

func (Add) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"a": map[string]any{"type": "number"},
			"b": map[string]any{"type": "number"},
		},
		"required":             []string{"a", "b"},
		"additionalProperties": false,
	}
}

type addInput struct {
	A *float64 `json:"a"`
	B *float64 `json:"b"`
}

func (Add) Execute(_ context.Context, args json.RawMessage) (any, error) {
	var in addInput
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	if in.A == nil || in.B == nil {
		return nil, errors.New("a and b are required")
	}
	return *in.A + *in.B, nil
}

// CurrentTime reports the current time, optionally in an IANA zone.
type CurrentTime struct {
	Now func() time.Time
}

func (CurrentTime) Name() string { return "current_time" }
func (CurrentTime) Description() string {
	return "Return the current date and time in RFC 3339 format."
}

func (CurrentTime) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"timezone": map[string]any{"type": "string", "description": "IANA zone name, e.g. Europe/Paris"},
		},
		"additionalProperties": false,
	}
}

func (c CurrentTime) Execute(_ context.Context, args json.RawMessage) (any, error) {
	var in struct {
		Timezone string `json:"timezone"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	t := now()
	if in.Timezone != "" {
		loc, err := time.LoadLocation(in.Timezone)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q", in.Timezone)
		}
		t = t.In(loc)
	}
	return t.Format(time.RFC3339), nil
}

// Builtins returns the functions declared by default.
func Builtins() []Function {
	return []Function{Add{}, CurrentTime{}}
}
