/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package session

import (
	"context"
	"net"
	"strconv"

	"github.com/google/go-dap"

	"github.com/microsoft/dapgate/pkg/concurrency"
)

// Engine is the underlying protocol engine. It owns request handling for every
// command the session controller does not intercept (breakpoints, stepping,
// variable inspection, and so on) and responds through the Sink it was
// constructed with.
type Engine interface {
	// DispatchRequest delivers a client request for handling.
	DispatchRequest(req dap.RequestMessage)
}

// Sink is the outbound half of the protocol conversation. The controller
// implements Sink and hands itself to the engine, so every response and event
// the engine produces passes through the controller's interception layer
// before reaching the wire.
type Sink interface {
	// SendResponse sends a response to the client.
	SendResponse(resp dap.ResponseMessage)

	// SendEvent sends an event to the client.
	SendEvent(ev dap.EventMessage)
}

// Address is the debuggee's reachable debug endpoint.
type Address struct {
	Host string
	Port int
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// DebuggeeStarter runs the debuggee. Implementations must settle addr once the
// debuggee's debug endpoint accepts connections, publish their log records to
// sink, and return when the debuggee has exited. The context is cancelled when
// the session no longer needs the debuggee; cancellation is fire-and-forget
// from the controller's perspective.
type DebuggeeStarter func(ctx context.Context, sink LogSink, addr *concurrency.Signal[Address]) error
