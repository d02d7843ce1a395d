package modules

import (
	"encoding/json"
	"fmt"

	"github.com/fabricmesh/warden/internal/action"
	"github.com/fabricmesh/warden/internal/spool"
)

// NewStatusModule returns the built-in status module. Its query action
// inspects the results directory of a previously started non-blocking
// transaction and reports what the child left behind.
func NewStatusModule(store *spool.Store) (*Internal, error) {
	return NewInternal("status", []InternalAction{
		{
			Name: "query",
			Input: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"transaction_id": map[string]any{"type": "string"},
				},
				"required": []any{"transaction_id"},
			},
			Results: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"status": map[string]any{"type": "string"},
				},
				"required": []any{"status"},
			},
			Run: func(req *action.Request) (json.RawMessage, error) {
				return runStatusQuery(store, req)
			},
		},
	})
}

func runStatusQuery(store *spool.Store, req *action.Request) (json.RawMessage, error) {
	var params struct {
		TransactionID string `json:"transaction_id"`
	}
	if err := json.Unmarshal(req.Params(), &params); err != nil {
		return nil, fmt.Errorf("status: decode params: %w", err)
	}

	st, found, err := store.QueryStatus(params.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("status: query %s: %w", params.TransactionID, err)
	}
	if !found {
		return json.Marshal(map[string]string{"status": "unknown"})
	}

	state := "running"
	if st.Completed {
		state = "completed"
	}
	return json.Marshal(map[string]string{
		"status":   state,
		"pid":      st.PID,
		"exitcode": st.ExitCode,
		"stdout":   st.Stdout,
		"stderr":   st.Stderr,
	})
}
