package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fabricmesh/warden/internal/action"
	"github.com/fabricmesh/warden/internal/protocol"
)

// testBroker is a minimal WebSocket endpoint capturing every frame the
// agent sends and exposing a handle to push frames to the agent.
type testBroker struct {
	server *httptest.Server

	mu       sync.Mutex
	conn     *websocket.Conn
	received []protocol.Envelope
	ready    chan struct{}
	inbox    chan protocol.Envelope
}

func newTestBroker(t *testing.T) *testBroker {
	t.Helper()
	b := &testBroker{
		ready: make(chan struct{}),
		inbox: make(chan protocol.Envelope, 16),
	}
	upgrader := websocket.Upgrader{}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		b.mu.Lock()
		b.conn = conn
		b.mu.Unlock()
		close(b.ready)
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env protocol.Envelope
			if err := json.Unmarshal(payload, &env); err != nil {
				t.Errorf("broker received non-envelope frame: %v", err)
				continue
			}
			b.mu.Lock()
			b.received = append(b.received, env)
			b.mu.Unlock()
			b.inbox <- env
		}
	}))
	t.Cleanup(b.server.Close)
	return b
}

func (b *testBroker) wsURI() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http")
}

func (b *testBroker) push(t *testing.T, frame string) {
	t.Helper()
	select {
	case <-b.ready:
	case <-time.After(5 * time.Second):
		t.Fatalf("agent never connected")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("push frame: %v", err)
	}
}

func (b *testBroker) next(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case env := <-b.inbox:
		return env
	case <-time.After(5 * time.Second):
		t.Fatalf("no frame received from agent")
		return protocol.Envelope{}
	}
}

func connect(t *testing.T, b *testBroker) *Connector {
	t.Helper()
	c, err := Connect(Options{
		BrokerWSURI:       b.wsURI(),
		Identity:          "agent/test-node",
		ConnectionTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSendEmitsEnvelope(t *testing.T) {
	b := newTestBroker(t)
	c := connect(t, b)

	data := protocol.BlockingResponseData{
		TransactionID: "t1",
		Results:       json.RawMessage(`{"y":"hi"}`),
	}
	debug := []json.RawMessage{json.RawMessage(`{"hop":"broker-1"}`)}
	if err := c.Send([]string{"client-1"}, protocol.BlockingResponseType, data, debug); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}

	env := b.next(t)
	if env.MessageType != protocol.BlockingResponseType {
		t.Fatalf("unexpected message type %q", env.MessageType)
	}
	if env.ID == "" {
		t.Fatalf("envelope has no id")
	}
	if env.Sender != "agent/test-node" {
		t.Fatalf("unexpected sender %q", env.Sender)
	}
	if len(env.Targets) != 1 || env.Targets[0] != "client-1" {
		t.Fatalf("unexpected targets %v", env.Targets)
	}

	var decoded protocol.BlockingResponseData
	if err := json.Unmarshal(env.Data, &decoded); err != nil {
		t.Fatalf("data does not decode: %v", err)
	}
	if decoded.TransactionID != "t1" || string(decoded.Results) != `{"y":"hi"}` {
		t.Fatalf("data was mutated: %+v", decoded)
	}
	if len(env.Debug) != 1 {
		t.Fatalf("debug chunks were not forwarded: %v", env.Debug)
	}
}

func TestRunDispatchesInboundRequests(t *testing.T) {
	b := newTestBroker(t)
	c := connect(t, b)

	got := make(chan protocol.ParsedChunks, 1)
	c.SetRequestHandler(func(chunks protocol.ParsedChunks) {
		got <- chunks
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	b.push(t, `{
		"id": "r1",
		"message_type": "`+protocol.BlockingRequestType+`",
		"sender": "client-1",
		"data": {"transaction_id": "t1", "module": "echo", "action": "echo"},
		"debug": [{"hop": "broker-1"}, "bogus"]
	}`)

	select {
	case chunks := <-got:
		if chunks.Envelope.ID != "r1" {
			t.Fatalf("unexpected envelope id %q", chunks.Envelope.ID)
		}
		if len(chunks.Debug) != 1 || chunks.NumInvalidDebug != 1 {
			t.Fatalf("debug screening wrong: %d valid, %d invalid",
				len(chunks.Debug), chunks.NumInvalidDebug)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("handler was not invoked")
	}
}

func TestRunSkipsUnparseableFrames(t *testing.T) {
	b := newTestBroker(t)
	c := connect(t, b)

	got := make(chan protocol.ParsedChunks, 1)
	c.SetRequestHandler(func(chunks protocol.ParsedChunks) { got <- chunks })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	b.push(t, `garbage`)
	b.push(t, `{"id":"r2","message_type":"`+protocol.BlockingRequestType+`"}`)

	select {
	case chunks := <-got:
		if chunks.Envelope.ID != "r2" {
			t.Fatalf("expected the valid frame, got %q", chunks.Envelope.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("valid frame after garbage was not dispatched")
	}
}

func TestResponseHelpers(t *testing.T) {
	b := newTestBroker(t)
	c := connect(t, b)

	chunks, err := protocol.ParseFrame([]byte(`{
		"id": "r1",
		"message_type": "` + protocol.NonBlockingRequestType + `",
		"sender": "client-1",
		"data": {"transaction_id": "t1", "module": "echo", "action": "echo"},
		"debug": [{"hop": "broker-1"}]
	}`))
	if err != nil {
		t.Fatalf("ParseFrame returned error: %v", err)
	}
	req, err := action.NewRequest(chunks, action.NonBlocking, "/var/spool/warden/t1")
	if err != nil {
		t.Fatalf("NewRequest returned error: %v", err)
	}

	c.SendProvisionalResponse(req)
	env := b.next(t)
	if env.MessageType != protocol.ProvisionalResponseType {
		t.Fatalf("unexpected message type %q", env.MessageType)
	}
	if len(env.Debug) != 1 {
		t.Fatalf("provisional response must forward debug chunks")
	}
	var provisional protocol.ProvisionalResponseData
	if err := json.Unmarshal(env.Data, &provisional); err != nil || provisional.TransactionID != "t1" {
		t.Fatalf("unexpected provisional data %s (%v)", env.Data, err)
	}

	c.SendNonBlockingResponse(req, json.RawMessage(`{"y":"hi"}`), "job-1")
	env = b.next(t)
	if env.MessageType != protocol.NonBlockingResponseType {
		t.Fatalf("unexpected message type %q", env.MessageType)
	}
	if len(env.Debug) != 0 {
		t.Fatalf("non-blocking response must not carry debug chunks")
	}
	var final protocol.NonBlockingResponseData
	if err := json.Unmarshal(env.Data, &final); err != nil {
		t.Fatalf("data does not decode: %v", err)
	}
	if final.TransactionID != "t1" || final.JobID != "job-1" || string(final.Results) != `{"y":"hi"}` {
		t.Fatalf("unexpected final data %+v", final)
	}

	c.SendRPCError(req, "it broke")
	env = b.next(t)
	if env.MessageType != protocol.RPCErrorType {
		t.Fatalf("unexpected message type %q", env.MessageType)
	}
	var rpcErr protocol.RPCErrorData
	if err := json.Unmarshal(env.Data, &rpcErr); err != nil {
		t.Fatalf("data does not decode: %v", err)
	}
	if rpcErr.TransactionID != "t1" || rpcErr.ID != "r1" || rpcErr.Description != "it broke" {
		t.Fatalf("unexpected error data %+v", rpcErr)
	}

	c.SendTransportError("r9", "client-1", "unknown message type")
	env = b.next(t)
	if env.MessageType != protocol.TransportErrorType {
		t.Fatalf("unexpected message type %q", env.MessageType)
	}
	var transportErr protocol.TransportErrorData
	if err := json.Unmarshal(env.Data, &transportErr); err != nil {
		t.Fatalf("data does not decode: %v", err)
	}
	if transportErr.ID != "r9" || transportErr.Description != "unknown message type" {
		t.Fatalf("unexpected error data %+v", transportErr)
	}
}
