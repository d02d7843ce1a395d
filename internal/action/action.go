// Package action holds the immutable value objects flowing through the
// request lifecycle: the inbound Request and the execution Outcome.
package action

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fabricmesh/warden/internal/protocol"
)

// RequestType distinguishes how an action's result reaches the requester.
type RequestType int

const (
	// Blocking requests are answered with a single response carrying the
	// child's stdout.
	Blocking RequestType = iota
	// NonBlocking requests are acknowledged with a provisional response;
	// the child writes its result to a results directory and the final
	// response follows on completion.
	NonBlocking
)

func (t RequestType) String() string {
	if t == NonBlocking {
		return "non-blocking"
	}
	return "blocking"
}

var (
	// ErrMissingField indicates a request payload without one of the
	// required fields.
	ErrMissingField = errors.New("action: missing required request field")
	// ErrResultsDir indicates a results-directory value inconsistent with
	// the request type.
	ErrResultsDir = errors.New("action: results directory inconsistent with request type")
)

// Request is one inbound work item. It is constructed once by the request
// processor and never mutated afterwards.
type Request struct {
	id            string
	transactionID string
	sender        string
	module        string
	action        string
	kind          RequestType
	params        json.RawMessage
	chunks        protocol.ParsedChunks
	resultsDir    string
}

// NewRequest builds a Request from parsed chunks. resultsDir must be
// non-empty exactly when kind is NonBlocking; the transaction_id, module,
// and action fields of the payload are required.
func NewRequest(chunks protocol.ParsedChunks, kind RequestType, resultsDir string) (*Request, error) {
	var data protocol.RequestData
	if len(chunks.Envelope.Data) > 0 {
		if err := json.Unmarshal(chunks.Envelope.Data, &data); err != nil {
			return nil, fmt.Errorf("action: decode request data: %w", err)
		}
	}

	for field, value := range map[string]string{
		"transaction_id": data.TransactionID,
		"module":         data.Module,
		"action":         data.Action,
	} {
		if strings.TrimSpace(value) == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingField, field)
		}
	}

	if (kind == NonBlocking) != (resultsDir != "") {
		return nil, fmt.Errorf("%w: type %s, dir %q", ErrResultsDir, kind, resultsDir)
	}

	params := data.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}

	return &Request{
		id:            chunks.Envelope.ID,
		transactionID: data.TransactionID,
		sender:        chunks.Envelope.Sender,
		module:        data.Module,
		action:        data.Action,
		kind:          kind,
		params:        params,
		chunks:        chunks,
		resultsDir:    resultsDir,
	}, nil
}

// ID returns the request uuid assigned by the sender.
func (r *Request) ID() string { return r.id }

// TransactionID returns the identifier grouping related messages.
func (r *Request) TransactionID() string { return r.transactionID }

// Sender returns the endpoint the broker uses to route replies.
func (r *Request) Sender() string { return r.sender }

// Module returns the target module name.
func (r *Request) Module() string { return r.module }

// Action returns the target action name.
func (r *Request) Action() string { return r.action }

// Type returns the request type.
func (r *Request) Type() RequestType { return r.kind }

// Params returns the input document as received from the broker.
func (r *Request) Params() json.RawMessage { return r.params }

// ParsedChunks returns the envelope and screened debug chunks the request
// arrived in.
func (r *Request) ParsedChunks() protocol.ParsedChunks { return r.chunks }

// ResultsDir returns the per-transaction results directory; empty for
// blocking requests.
func (r *Request) ResultsDir() string { return r.resultsDir }

// PrettyLabel describes the request for log lines.
func (r *Request) PrettyLabel() string {
	return fmt.Sprintf("%s request %s for %s %s", r.kind, r.id, r.module, r.action)
}

// Outcome is the result of one action execution.
type Outcome struct {
	// ExitCode is the child's exit code; 0 for in-process actions that
	// succeeded, -1 when the child could not be launched at all.
	ExitCode int
	// Stderr and Stdout are the captured streams, verbatim.
	Stderr string
	Stdout string
	// Results is the parsed stdout document; the JSON literal null when
	// stdout was empty.
	Results json.RawMessage
}
