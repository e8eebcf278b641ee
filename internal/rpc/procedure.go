package rpc

import (
	"context"
	"encoding/json"
	"fmt"
)

// Caller is anything able to issue a named procedure call. *Client is the
// production implementation.
type Caller interface {
	Call(ctx context.Context, name string, args []any, kwargs map[string]any) (json.RawMessage, error)
}

// Procedure describes one call to a known procedure together with the Go type
// its response decodes into.
type Procedure[R any] struct {
	Name   string
	Args   []any
	Kwargs map[string]any
}

// Send issues p through c and decodes the response as R.
func Send[R any](ctx context.Context, c Caller, p Procedure[R]) (R, error) {
	var result R

	raw, err := c.Call(ctx, p.Name, p.Args, p.Kwargs)
	if err != nil {
		return result, err
	}

	if err := json.Unmarshal(raw, &result); err != nil {
		return result, fmt.Errorf("failed to decode %s response: %w", p.Name, err)
	}

	return result, nil
}
