package action

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/fabricmesh/warden/internal/protocol"
)

func requestChunks(t *testing.T, data string) protocol.ParsedChunks {
	t.Helper()
	return protocol.ParsedChunks{
		Envelope: protocol.Envelope{
			ID:     "r1",
			Sender: "client-1",
			Data:   json.RawMessage(data),
		},
	}
}

func TestNewRequestBlocking(t *testing.T) {
	chunks := requestChunks(t, `{"transaction_id":"t1","module":"echo","action":"echo","params":{"argument":"hi"}}`)

	req, err := NewRequest(chunks, Blocking, "")
	if err != nil {
		t.Fatalf("NewRequest returned error: %v", err)
	}
	if req.ID() != "r1" || req.TransactionID() != "t1" || req.Sender() != "client-1" {
		t.Fatalf("unexpected identity fields: %q %q %q", req.ID(), req.TransactionID(), req.Sender())
	}
	if req.Module() != "echo" || req.Action() != "echo" {
		t.Fatalf("unexpected target: %q %q", req.Module(), req.Action())
	}
	if string(req.Params()) != `{"argument":"hi"}` {
		t.Fatalf("params were mutated: %s", req.Params())
	}
	if req.ResultsDir() != "" {
		t.Fatalf("blocking request has results dir %q", req.ResultsDir())
	}
	want := "blocking request r1 for echo echo"
	if req.PrettyLabel() != want {
		t.Fatalf("unexpected label %q (want %q)", req.PrettyLabel(), want)
	}
}

func TestNewRequestNonBlockingRequiresResultsDir(t *testing.T) {
	chunks := requestChunks(t, `{"transaction_id":"t2","module":"echo","action":"echo"}`)

	if _, err := NewRequest(chunks, NonBlocking, ""); !errors.Is(err, ErrResultsDir) {
		t.Fatalf("expected ErrResultsDir, got %v", err)
	}
	if _, err := NewRequest(chunks, Blocking, "/tmp/x"); !errors.Is(err, ErrResultsDir) {
		t.Fatalf("expected ErrResultsDir for blocking with dir, got %v", err)
	}

	req, err := NewRequest(chunks, NonBlocking, "/var/spool/warden/t2")
	if err != nil {
		t.Fatalf("NewRequest returned error: %v", err)
	}
	if req.ResultsDir() != "/var/spool/warden/t2" {
		t.Fatalf("unexpected results dir %q", req.ResultsDir())
	}
	if req.PrettyLabel() != "non-blocking request r1 for echo echo" {
		t.Fatalf("unexpected label %q", req.PrettyLabel())
	}
}

func TestNewRequestMissingFields(t *testing.T) {
	for _, data := range []string{
		`{"module":"echo","action":"echo"}`,
		`{"transaction_id":"t1","action":"echo"}`,
		`{"transaction_id":"t1","module":"echo"}`,
		`{}`,
	} {
		if _, err := NewRequest(requestChunks(t, data), Blocking, ""); !errors.Is(err, ErrMissingField) {
			t.Fatalf("data %s: expected ErrMissingField, got %v", data, err)
		}
	}
}

func TestNewRequestDefaultsParams(t *testing.T) {
	chunks := requestChunks(t, `{"transaction_id":"t1","module":"echo","action":"echo"}`)
	req, err := NewRequest(chunks, Blocking, "")
	if err != nil {
		t.Fatalf("NewRequest returned error: %v", err)
	}
	if string(req.Params()) != "{}" {
		t.Fatalf("expected empty-object params, got %s", req.Params())
	}
}
