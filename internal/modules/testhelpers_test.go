package modules

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/fabricmesh/warden/internal/action"
	"github.com/fabricmesh/warden/internal/execution"
	"github.com/fabricmesh/warden/internal/protocol"
)

// fakeRunner substitutes child execution. Each call is recorded; the
// behaviour is supplied per test via the run hook.
type fakeRunner struct {
	mu    sync.Mutex
	calls []runCall
	run   func(path string, args []string, opts execution.Options) execution.Result
}

type runCall struct {
	Path  string
	Args  []string
	Stdin string
}

func (f *fakeRunner) Run(_ context.Context, path string, args []string, opts execution.Options) execution.Result {
	f.mu.Lock()
	f.calls = append(f.calls, runCall{
		Path:  path,
		Args:  append([]string(nil), args...),
		Stdin: opts.Stdin,
	})
	f.mu.Unlock()
	if f.run == nil {
		return execution.Result{}
	}
	return f.run(path, args, opts)
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRunner) call(t *testing.T, i int) runCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.calls) {
		t.Fatalf("no call %d recorded (have %d)", i, len(f.calls))
	}
	return f.calls[i]
}

const reflectMetadata = `{
	"description": "test module",
	"actions": [{
		"name": "reflect",
		"input": {"type": "object", "properties": {"x": {"type": "string"}}, "required": ["x"]},
		"results": {"type": "object", "properties": {"y": {"type": "string"}}, "required": ["y"]}
	}]
}`

// metadataThenAction returns a run hook answering the metadata probe with
// metadata and every action invocation with result.
func metadataThenAction(metadata string, result execution.Result) func(string, []string, execution.Options) execution.Result {
	return func(_ string, args []string, _ execution.Options) execution.Result {
		if len(args) == 1 && args[0] == "metadata" {
			return execution.Result{Stdout: metadata}
		}
		return result
	}
}

func newRequest(t *testing.T, kind action.RequestType, resultsDir, module, actionName string, params string) *action.Request {
	t.Helper()
	data, err := json.Marshal(protocol.RequestData{
		TransactionID: "t1",
		Module:        module,
		Action:        actionName,
		Params:        json.RawMessage(params),
	})
	if err != nil {
		t.Fatalf("marshal request data: %v", err)
	}
	chunks := protocol.ParsedChunks{
		Envelope: protocol.Envelope{
			ID:     "r1",
			Sender: "client-1",
			Data:   data,
		},
	}
	req, err := action.NewRequest(chunks, kind, resultsDir)
	if err != nil {
		t.Fatalf("NewRequest returned error: %v", err)
	}
	return req
}
