package broker

import (
	"encoding/json"

	"github.com/fabricmesh/warden/internal/action"
	"github.com/fabricmesh/warden/internal/logging"
	"github.com/fabricmesh/warden/internal/protocol"
)

// wrapDebug extracts the debug chunks to forward with a response. Invalid
// chunks were already dropped at parse time; they are only reported here.
func wrapDebug(chunks protocol.ParsedChunks) []json.RawMessage {
	if n := chunks.NumInvalidDebug; n > 0 {
		logging.Warnf(component, "Message %s contained %d bad debug chunk(s)", chunks.Envelope.ID, n)
	}
	return chunks.Debug
}

// SendProvisionalResponse acknowledges acceptance of a non-blocking
// request before its action starts.
func (c *Connector) SendProvisionalResponse(req *action.Request) {
	data := protocol.ProvisionalResponseData{TransactionID: req.TransactionID()}
	err := c.Send([]string{req.Sender()}, protocol.ProvisionalResponseType, data,
		wrapDebug(req.ParsedChunks()))
	if err != nil {
		logging.Errorf(component, "Failed to send provisional response for the %s by %s (no further attempts will be made): %v",
			req.PrettyLabel(), req.Sender(), err)
		return
	}
	logging.Infof(component, "Sent provisional response for the %s by %s", req.PrettyLabel(), req.Sender())
}

// SendBlockingResponse carries a blocking action's results back to the
// sender.
func (c *Connector) SendBlockingResponse(req *action.Request, results json.RawMessage) {
	data := protocol.BlockingResponseData{
		TransactionID: req.TransactionID(),
		Results:       results,
	}
	err := c.Send([]string{req.Sender()}, protocol.BlockingResponseType, data,
		wrapDebug(req.ParsedChunks()))
	if err != nil {
		logging.Errorf(component, "Failed to reply to the %s by %s: %v", req.PrettyLabel(), req.Sender(), err)
		return
	}
	logging.Infof(component, "Sent response for the %s by %s", req.PrettyLabel(), req.Sender())
}

// SendNonBlockingResponse carries a completed non-blocking action's
// results and job id back to the sender. Debug chunks were already
// delivered with the provisional response.
func (c *Connector) SendNonBlockingResponse(req *action.Request, results json.RawMessage, jobID string) {
	data := protocol.NonBlockingResponseData{
		TransactionID: req.TransactionID(),
		JobID:         jobID,
		Results:       results,
	}
	err := c.Send([]string{req.Sender()}, protocol.NonBlockingResponseType, data, nil)
	if err != nil {
		logging.Errorf(component, "Failed to reply to the %s by %s (no further attempts will be made): %v",
			req.PrettyLabel(), req.Sender(), err)
		return
	}
	logging.Infof(component, "Sent response for the %s by %s", req.PrettyLabel(), req.Sender())
}

// SendRPCError reports an application-level failure for a constructed
// request.
func (c *Connector) SendRPCError(req *action.Request, description string) {
	c.SendRPCErrorData(req.TransactionID(), req.ID(), req.Sender(), description)
}

// SendRPCErrorData reports an application-level failure when no Request
// value exists, e.g. a payload missing required fields.
func (c *Connector) SendRPCErrorData(transactionID, requestID, sender, description string) {
	data := protocol.RPCErrorData{
		TransactionID: transactionID,
		ID:            requestID,
		Description:   description,
	}
	err := c.Send([]string{sender}, protocol.RPCErrorType, data, nil)
	if err != nil {
		logging.Errorf(component, "Failed to send an RPC error message for request %s by %s (no further attempts will be made): %s",
			requestID, sender, description)
		return
	}
	logging.Infof(component, "Replied to request %s by %s with an RPC error message", requestID, sender)
}

// SendTransportError reports an envelope that could not be interpreted as
// a recognized request message.
func (c *Connector) SendTransportError(requestID, sender, description string) {
	data := protocol.TransportErrorData{
		ID:          requestID,
		Description: description,
	}
	err := c.Send([]string{sender}, protocol.TransportErrorType, data, nil)
	if err != nil {
		logging.Errorf(component, "Failed to send transport error message for request %s: %v", requestID, err)
		return
	}
	logging.Infof(component, "Replied to request %s with a transport error message", requestID)
}
