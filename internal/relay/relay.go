/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package relay implements a minimal protocol engine for the debug gateway.
// It connects to the debuggee's own DAP endpoint when the session controller
// submits an attach request, then forwards the debugging conversation in both
// directions: client requests flow to the debug adapter, adapter responses and
// events flow back through the controller's interception layer.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"

	"github.com/microsoft/dapgate/internal/dapwire"
	"github.com/microsoft/dapgate/internal/session"
)

const dialTimeout = 10 * time.Second

// Engine relays intercepted protocol traffic to the debuggee's DAP endpoint.
type Engine struct {
	log  logr.Logger
	sink session.Sink

	// seq numbers engine-originated messages sent to the client.
	seq atomic.Int64

	// mu guards adapter; requests may arrive from multiple controller goroutines.
	mu      sync.Mutex
	adapter dapwire.Transport
}

// New returns an engine factory for session.Config.NewEngine.
func New(log logr.Logger) func(sink session.Sink) session.Engine {
	return func(sink session.Sink) session.Engine {
		if log.GetSink() == nil {
			log = logr.Discard()
		}
		return &Engine{log: log, sink: sink}
	}
}

// DispatchRequest handles a request the session controller delegated.
func (e *Engine) DispatchRequest(req dap.RequestMessage) {
	switch r := req.(type) {
	case *dap.AttachRequest:
		e.handleAttach(r)
	case *dap.DisconnectRequest:
		e.handleDisconnect(r)
	default:
		e.forward(req)
	}
}

// attachArguments is the subset of attach arguments the relay reads.
type attachArguments struct {
	HostName string `json:"hostName"`
	Port     int    `json:"port"`
}

// handleAttach dials the debuggee's DAP endpoint and starts pumping its
// messages back to the client.
func (e *Engine) handleAttach(req *dap.AttachRequest) {
	var args attachArguments
	if unmarshalErr := json.Unmarshal(req.Arguments, &args); unmarshalErr != nil {
		e.sink.SendResponse(e.newErrorResponse(req.GetRequest(), fmt.Sprintf("invalid attach arguments: %v", unmarshalErr)))
		return
	}

	address := fmt.Sprintf("%s:%d", args.HostName, args.Port)

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	adapter, dialErr := dapwire.DialTCP(ctx, address)
	if dialErr != nil {
		e.log.Error(dialErr, "Failed to connect to debug adapter", "address", address)
		e.sink.SendResponse(e.newErrorResponse(req.GetRequest(), dialErr.Error()))
		return
	}

	e.mu.Lock()
	e.adapter = adapter
	e.mu.Unlock()

	e.log.Info("Connected to debug adapter", "address", address)
	go e.pump(adapter)

	e.sink.SendResponse(&dap.AttachResponse{
		Response: dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Seq: int(e.seq.Add(1)), Type: "response"},
			RequestSeq:      req.Seq,
			Command:         "attach",
			Success:         true,
		},
	})
}

// handleDisconnect forwards the disconnect to the adapter, closes the adapter
// connection, and acknowledges the request. The acknowledgment races the
// controller's own; the controller keeps exactly one.
func (e *Engine) handleDisconnect(req *dap.DisconnectRequest) {
	e.mu.Lock()
	adapter := e.adapter
	e.adapter = nil
	e.mu.Unlock()

	if adapter != nil {
		if writeErr := adapter.WriteMessage(req); writeErr != nil {
			e.log.V(1).Info("Failed to forward disconnect to adapter", "error", writeErr.Error())
		}
		if closeErr := adapter.Close(); closeErr != nil {
			e.log.V(1).Info("Failed to close adapter transport", "error", closeErr.Error())
		}
	}

	e.sink.SendResponse(&dap.DisconnectResponse{
		Response: dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Seq: int(e.seq.Add(1)), Type: "response"},
			RequestSeq:      req.Seq,
			Command:         "disconnect",
			Success:         true,
		},
	})
}

// forward sends a request to the connected adapter, or fails it when no
// debuggee is attached yet.
func (e *Engine) forward(req dap.RequestMessage) {
	e.mu.Lock()
	adapter := e.adapter
	e.mu.Unlock()

	if adapter == nil {
		e.sink.SendResponse(e.newErrorResponse(req.GetRequest(), "no debuggee attached"))
		return
	}

	if writeErr := adapter.WriteMessage(req); writeErr != nil {
		e.log.V(1).Info("Failed to forward request to adapter",
			"command", req.GetRequest().Command,
			"error", writeErr.Error())
		e.sink.SendResponse(e.newErrorResponse(req.GetRequest(), writeErr.Error()))
	}
}

// pump reads adapter messages and pushes them back through the sink until the
// adapter connection ends.
func (e *Engine) pump(adapter dapwire.Transport) {
	for {
		msg, readErr := adapter.ReadMessage()
		if readErr != nil {
			e.log.V(1).Info("Adapter read loop ending", "reason", readErr.Error())
			return
		}

		switch m := msg.(type) {
		case dap.ResponseMessage:
			e.sink.SendResponse(m)
		case dap.EventMessage:
			e.sink.SendEvent(m)
		default:
			// Reverse requests (e.g. runInTerminal) are not supported here.
			e.log.V(1).Info("Dropping unsupported adapter message", "seq", msg.GetSeq())
		}
	}
}

func (e *Engine) newErrorResponse(req *dap.Request, message string) *dap.ErrorResponse {
	return &dap.ErrorResponse{
		Response: dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Seq: int(e.seq.Add(1)), Type: "response"},
			RequestSeq:      req.Seq,
			Command:         req.Command,
			Success:         false,
			Message:         message,
		},
		Body: dap.ErrorResponseBody{
			Error: &dap.ErrorMessage{Format: message},
		},
	}
}
