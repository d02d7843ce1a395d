package agent

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/fabricmesh/warden/internal/action"
	"github.com/fabricmesh/warden/internal/logging"
	"github.com/fabricmesh/warden/internal/modules"
	"github.com/fabricmesh/warden/internal/protocol"
	"github.com/fabricmesh/warden/internal/spool"
)

const processorComponent = "Processor"

// Responder is the slice of the broker connector the processor emits
// through. Every send is best-effort: implementations log failures and
// never retry.
type Responder interface {
	SendProvisionalResponse(req *action.Request)
	SendBlockingResponse(req *action.Request, results json.RawMessage)
	SendNonBlockingResponse(req *action.Request, results json.RawMessage, jobID string)
	SendRPCError(req *action.Request, description string)
	SendRPCErrorData(transactionID, requestID, sender, description string)
	SendTransportError(requestID, sender, description string)
}

// Processor routes inbound envelopes to modules and emits responses. Work
// runs on a bounded pool of workers; validation happens before a worker
// is taken so malformed requests never consume one.
type Processor struct {
	registry  *modules.Registry
	responder Responder
	store     *spool.Store
	workers   chan struct{}
}

// NewProcessor builds a processor with the given worker-pool size.
func NewProcessor(registry *modules.Registry, responder Responder, store *spool.Store, maxConcurrent int) *Processor {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Processor{
		registry:  registry,
		responder: responder,
		store:     store,
		workers:   make(chan struct{}, maxConcurrent),
	}
}

// HandleInbound processes one parsed envelope from the connector. It is
// safe to call concurrently.
func (p *Processor) HandleInbound(chunks protocol.ParsedChunks) {
	env := chunks.Envelope

	var kind action.RequestType
	switch env.MessageType {
	case protocol.BlockingRequestType:
		kind = action.Blocking
	case protocol.NonBlockingRequestType:
		kind = action.NonBlocking
	default:
		logging.Errorf(processorComponent, "Message %s has unknown type %q", env.ID, env.MessageType)
		p.responder.SendTransportError(env.ID, env.Sender,
			fmt.Sprintf("unknown message type %q", env.MessageType))
		return
	}

	var data protocol.RequestData
	if len(env.Data) > 0 {
		// A decode failure leaves zero fields; NewRequest reports what is
		// missing.
		_ = json.Unmarshal(env.Data, &data)
	}

	resultsDir := ""
	if kind == action.NonBlocking && data.TransactionID != "" {
		dir, err := p.store.CreateTransactionDir(data.TransactionID)
		if err != nil {
			logging.Errorf(processorComponent, "Failed to prepare results directory for transaction %s: %v",
				data.TransactionID, err)
			p.responder.SendRPCErrorData(data.TransactionID, env.ID, env.Sender,
				"failed to prepare results directory")
			return
		}
		resultsDir = dir
	}

	req, err := action.NewRequest(chunks, kind, resultsDir)
	if err != nil {
		logging.Errorf(processorComponent, "Invalid request %s: %v", env.ID, err)
		p.responder.SendRPCErrorData(data.TransactionID, env.ID, env.Sender,
			fmt.Sprintf("invalid request: %v", err))
		return
	}

	mod, ok := p.registry.Get(req.Module())
	if !ok {
		p.responder.SendRPCError(req, fmt.Sprintf("unknown module: %s", req.Module()))
		return
	}
	if !mod.HasAction(req.Action()) {
		p.responder.SendRPCError(req, fmt.Sprintf("unknown action '%s %s'", req.Module(), req.Action()))
		return
	}

	if err := mod.ValidateInput(req.Action(), req.Params()); err != nil {
		logging.Errorf(processorComponent, "Invalid input for the %s: %v", req.PrettyLabel(), err)
		p.responder.SendRPCError(req, err.Error())
		return
	}

	// Acceptance is confirmed before the action starts; the provisional
	// response must precede the final one on the wire.
	if req.Type() == action.NonBlocking {
		p.responder.SendProvisionalResponse(req)
	}

	p.workers <- struct{}{}
	go func() {
		defer func() { <-p.workers }()
		p.runAction(mod, req)
	}()
}

// runAction executes the resolved action on a worker and emits the final
// response or an RPC error.
func (p *Processor) runAction(mod modules.Module, req *action.Request) {
	outcome, err := mod.Call(req.Action(), req)
	if err != nil {
		var procErr *modules.ProcessingError
		if errors.As(err, &procErr) {
			logging.Errorf(processorComponent, "Failed to execute the %s: %s", req.PrettyLabel(), procErr.Message)
			p.responder.SendRPCError(req, procErr.Message)
			return
		}
		logging.Errorf(processorComponent, "Failed to execute the %s: %v", req.PrettyLabel(), err)
		p.responder.SendRPCError(req, err.Error())
		return
	}

	if outcome.ExitCode != 0 {
		logging.Warnf(processorComponent, "The %s finished with exit code %d", req.PrettyLabel(), outcome.ExitCode)
	}

	if err := mod.ValidateResults(req.Action(), outcome.Results); err != nil {
		// The work ran; only the shape is wrong. Still an RPC error.
		logging.Errorf(processorComponent, "Invalid results for the %s: %v", req.PrettyLabel(), err)
		p.responder.SendRPCError(req,
			fmt.Sprintf("invalid results for '%s %s': %v", req.Module(), req.Action(), err))
		return
	}

	if req.Type() == action.Blocking {
		p.responder.SendBlockingResponse(req, outcome.Results)
		return
	}
	p.responder.SendNonBlockingResponse(req, outcome.Results, uuid.NewString())
}
