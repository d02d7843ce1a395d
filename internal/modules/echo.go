package modules

import (
	"encoding/json"
	"fmt"

	"github.com/fabricmesh/warden/internal/action"
)

// NewEchoModule returns the built-in echo module: a single action that
// reflects its argument back, useful for verifying the broker link end to
// end.
func NewEchoModule() (*Internal, error) {
	return NewInternal("echo", []InternalAction{
		{
			Name: "echo",
			Input: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"argument": map[string]any{"type": "string"},
				},
				"required": []any{"argument"},
			},
			Results: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"outcome": map[string]any{"type": "string"},
				},
				"required": []any{"outcome"},
			},
			Run: runEcho,
		},
	})
}

func runEcho(req *action.Request) (json.RawMessage, error) {
	var params struct {
		Argument string `json:"argument"`
	}
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return nil, fmt.Errorf("echo: decode params: %w", err)
	}
	return json.Marshal(map[string]string{"outcome": params.Argument})
}
