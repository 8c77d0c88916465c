/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package session implements the session controller for the debug gateway.
// The controller sits between a DAP client and a separately-started debuggee
// process, decoupling the protocol conversation's lifecycle from the
// debuggee's lifecycle while presenting the client with a single coherent
// session.
//
// The controller translates the client's initial launch intent into an attach
// handshake once the debuggee becomes reachable, watches the outbound event
// stream for the terminal events that mark the end of the conversation, and
// produces exactly one exit verdict (plain termination vs client-requested
// restart) for the owning process to act on.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"

	"github.com/microsoft/dapgate/internal/dapwire"
	"github.com/microsoft/dapgate/pkg/concurrency"
	"github.com/microsoft/dapgate/pkg/syncmap"
)

const (
	// DefaultHandshakeTimeout bounds the launch-to-attach handshake.
	DefaultHandshakeTimeout = 5 * time.Second

	// DefaultShutdownTimeout bounds the wait for the protocol conversation to
	// wind down after a cancellation.
	DefaultShutdownTimeout = 5 * time.Second

	startFailureMessage = "Could not start debuggee"

	commandLaunch     = "launch"
	commandAttach     = "attach"
	commandDisconnect = "disconnect"

	eventTerminated = "terminated"
	eventExited     = "exited"
)

// Verdict is the final, externally observable outcome of a session.
type Verdict int

const (
	// VerdictTerminated means the session ended for good.
	VerdictTerminated Verdict = iota

	// VerdictRestarted means the client asked for the session to be restarted.
	VerdictRestarted
)

func (v Verdict) String() string {
	switch v {
	case VerdictTerminated:
		return "terminated"
	case VerdictRestarted:
		return "restarted"
	default:
		return "unknown"
	}
}

// Config contains configuration for creating a Controller.
type Config struct {
	// Transport carries the protocol conversation with the client.
	Transport dapwire.Transport

	// Starter launches the debuggee once the session starts.
	Starter DebuggeeStarter

	// NewEngine builds the underlying protocol engine around the controller's
	// outbound interception layer.
	NewEngine func(sink Sink) Engine

	// Logger for controller operations.
	Logger logr.Logger

	// HandshakeTimeout bounds the launch-to-attach handshake.
	// Zero means DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	// ShutdownTimeout bounds the wait for the conversation to wind down after
	// cancellation. Zero means DefaultShutdownTimeout.
	ShutdownTimeout time.Duration

	// Noise configures the benign shutdown-noise matchers for the log adapter.
	// Nil means DefaultNoiseMatchers.
	Noise *NoiseMatchers
}

// Controller coordinates the protocol read loop, the debuggee computation,
// the launch-to-attach handshake, and the shutdown protocol for one session.
type Controller struct {
	transport dapwire.Transport
	engine    Engine
	log       logr.Logger

	logAdapter *LogAdapter

	handshakeTimeout time.Duration
	shutdownTimeout  time.Duration

	// state is the session's phase cell; transitions are applied atomically.
	state *phaseCell

	// addressResolved settles once the debuggee's debug endpoint is known.
	addressResolved *concurrency.Signal[Address]

	// endOfConnection settles once the protocol conversation has fully wound
	// down, or when the forced-shutdown fallback gives up on the client.
	endOfConnection *concurrency.Signal[struct{}]

	// exitVerdict settles exactly once with the session outcome.
	exitVerdict *concurrency.Signal[Verdict]

	// launched holds request ids for which a launch was received and is
	// pending translation to attach. Entries exist only long enough to
	// relabel the matching response.
	launched syncmap.Map[int, struct{}]

	// terminal tracks the terminal events still expected on the wire.
	terminal *terminalTracker

	// disconnectSent guards emission of a single outward disconnect response
	// even though both the controller and the engine may attempt to send one.
	disconnectSent atomic.Bool

	// syntheticSeq numbers controller-originated outbound messages.
	syntheticSeq atomic.Int64

	// fallbackOnce arms the forced-shutdown fallback at most once across
	// the cancellation paths (explicit Cancel and client disconnect).
	fallbackOnce sync.Once

	// closeOnce ensures the client stream is closed exactly once.
	closeOnce sync.Once
}

// NewController creates a session controller in the Idle phase. No work
// happens until Start is called.
func NewController(config Config) *Controller {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	handshakeTimeout := config.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	shutdownTimeout := config.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}

	noise := DefaultNoiseMatchers()
	if config.Noise != nil {
		noise = *config.Noise
	}

	c := &Controller{
		transport:        config.Transport,
		log:              log,
		logAdapter:       NewLogAdapter(log.WithName("debuggee"), noise),
		handshakeTimeout: handshakeTimeout,
		shutdownTimeout:  shutdownTimeout,
		state:            newPhaseCell(config.Starter),
		addressResolved:  concurrency.NewSignal[Address](),
		endOfConnection:  concurrency.NewSignal[struct{}](),
		exitVerdict:      concurrency.NewSignal[Verdict](),
		terminal:         newTerminalTracker(eventTerminated, eventExited),
	}
	c.engine = config.NewEngine(c)

	return c
}

// Start begins the session: the protocol read loop and the debuggee
// computation each proceed on their own goroutine. Start returns immediately.
// Calling it more than once, or after Cancel, has no effect.
func (c *Controller) Start() {
	c.state.transform(func(p phase) phase {
		if p.kind != PhaseIdle {
			return p
		}

		handle := c.startDebuggee(p.starter)
		go c.readLoop()

		return phase{kind: PhaseStarted, handle: handle}
	})
}

// Cancel requests session shutdown. It is non-blocking and safe to call from
// any phase, any number of times.
func (c *Controller) Cancel() {
	c.state.transform(func(p phase) phase {
		switch p.kind {
		case PhaseIdle:
			// Nothing is running yet; drop the client and release waiters.
			c.closeTransport()
			c.exitVerdict.TrySettle(VerdictTerminated)
			c.endOfConnection.TrySettle(struct{}{})
			return phase{kind: PhaseCancelled}

		case PhaseStarted:
			p.handle.Cancel()
			c.armShutdownFallback()
			return phase{kind: PhaseCancelled}

		default:
			return p
		}
	})
}

// Phase returns the current session phase.
func (c *Controller) Phase() PhaseKind {
	return c.state.current().kind
}

// ExitVerdict returns the signal that settles exactly once with the session's
// final outcome.
func (c *Controller) ExitVerdict() *concurrency.Signal[Verdict] {
	return c.exitVerdict
}

// EndOfConnection returns the signal that settles once the protocol
// conversation has fully wound down.
func (c *Controller) EndOfConnection() *concurrency.Signal[struct{}] {
	return c.endOfConnection
}

// LogAdapter returns the adapter routing debuggee-management log records.
func (c *Controller) LogAdapter() *LogAdapter {
	return c.logAdapter
}

// startDebuggee schedules the debuggee computation and installs the
// completion hook: when the debuggee finishes, the exit verdict settles to
// Terminated (if unset) and the client stream is closed.
func (c *Controller) startDebuggee(starter DebuggeeStarter) *debuggeeHandle {
	ctx, cancel := context.WithCancel(context.Background())
	handle := &debuggeeHandle{
		cancelFn: cancel,
		done:     make(chan struct{}),
	}

	go func() {
		defer close(handle.done)

		if starter == nil {
			return
		}
		runErr := starter(ctx, c.logAdapter, c.addressResolved)
		if runErr != nil && ctx.Err() == nil {
			c.log.Error(runErr, "Debuggee run failed")
		}
	}()

	go func() {
		<-handle.done
		c.log.V(1).Info("Debuggee computation finished")
		c.exitVerdict.TrySettle(VerdictTerminated)
		c.closeTransport()
	}()

	return handle
}

// readLoop reads client messages from the transport and dispatches requests
// until the stream ends.
func (c *Controller) readLoop() {
	for {
		msg, readErr := c.transport.ReadMessage()
		if readErr != nil {
			c.log.V(1).Info("Client read loop ending", "reason", readErr.Error())
			return
		}

		req, ok := msg.(dap.RequestMessage)
		if !ok {
			c.log.V(1).Info("Ignoring non-request message from client", "seq", msg.GetSeq())
			continue
		}
		c.DispatchRequest(req)
	}
}

// DispatchRequest routes an inbound client request, intercepting the commands
// that tie the protocol conversation to the debuggee lifecycle. Every other
// command is delegated to the underlying engine untouched.
func (c *Controller) DispatchRequest(req dap.RequestMessage) {
	switch r := req.(type) {
	case *dap.LaunchRequest:
		c.handleLaunchRequest(r)
	case *dap.DisconnectRequest:
		c.handleDisconnectRequest(r)
	default:
		c.engine.DispatchRequest(req)
	}
}

// handleLaunchRequest starts the bounded handshake that converts the client's
// launch intent into an attach request once the debuggee address is known.
// Exactly one outcome occurs per launch request: a translated attach, or a
// timeout failure response.
func (c *Controller) handleLaunchRequest(req *dap.LaunchRequest) {
	c.launched.Store(req.Seq, struct{}{})

	go func() {
		timer := time.NewTimer(c.handshakeTimeout)
		defer timer.Stop()

		select {
		case <-c.addressResolved.Done():
			addr := c.addressResolved.Wait()
			c.log.V(1).Info("Translating launch to attach",
				"requestSeq", req.Seq,
				"address", addr.String())
			c.engine.DispatchRequest(newAttachRequest(req.Seq, addr))

		case <-timer.C:
			c.launched.Delete(req.Seq)
			c.log.Info("Debuggee address was not resolved in time",
				"requestSeq", req.Seq,
				"timeout", c.handshakeTimeout)
			c.SendResponse(c.newLaunchFailureResponse(req.Seq))
		}
	}()
}

// handleDisconnectRequest settles the verdict for restart requests,
// acknowledges the request, stops expecting an exited event, and tears the
// session down if it was started.
func (c *Controller) handleDisconnectRequest(req *dap.DisconnectRequest) {
	if req.Arguments != nil && req.Arguments.Restart {
		c.exitVerdict.TrySettle(VerdictRestarted)
	}

	c.SendResponse(c.newDisconnectAck(req))

	// An explicit disconnect means no further exited event should be awaited.
	if c.terminal.Observe(eventExited) {
		c.endOfConnection.TrySettle(struct{}{})
	}

	c.state.transform(func(p phase) phase {
		if p.kind != PhaseStarted {
			return p
		}

		p.handle.Cancel()
		// A disconnect is a Started→Cancelled cancellation like any other;
		// the fallback bounds the wait for the remaining terminal events.
		c.armShutdownFallback()
		c.engine.DispatchRequest(req)
		return phase{kind: PhaseCancelled}
	})
}

// armShutdownFallback starts the forced-shutdown fallback, once.
func (c *Controller) armShutdownFallback() {
	c.fallbackOnce.Do(func() { go c.awaitQuiescence() })
}

// SendResponse forwards an outbound response to the client, relabelling
// translated attach responses and deduplicating disconnect responses.
func (c *Controller) SendResponse(resp dap.ResponseMessage) {
	r := resp.GetResponse()

	switch r.Command {
	case commandAttach:
		if _, found := c.launched.LoadAndDelete(r.RequestSeq); found {
			// The client only ever asked to launch; it must not observe the
			// internal attach substitution.
			r.Command = commandLaunch
		}

	case commandDisconnect:
		if !c.disconnectSent.CompareAndSwap(false, true) {
			c.log.V(1).Info("Dropping duplicate disconnect response", "requestSeq", r.RequestSeq)
			return
		}
	}

	c.writeMessage(resp)
}

// SendEvent forwards an outbound event to the client and watches for the
// terminal events that mark the end of the conversation. The client stream is
// never closed from this path; it is expected to close naturally once both
// sides are done.
func (c *Controller) SendEvent(ev dap.EventMessage) {
	c.writeMessage(ev)

	eventType := ev.GetEvent().Event
	if eventType == eventExited {
		c.logAdapter.OnDebuggeeFinished()
	}

	if c.terminal.Observe(eventType) {
		c.log.V(1).Info("All terminal events observed")
		c.endOfConnection.TrySettle(struct{}{})
	}
}

// awaitQuiescence is the forced-shutdown fallback armed when a started
// session is cancelled. It waits for the conversation to wind down, forcing
// the issue if the client goes silent, and always settles endOfConnection so
// downstream waiters are released.
func (c *Controller) awaitQuiescence() {
	timer := time.NewTimer(c.shutdownTimeout)
	defer timer.Stop()

	select {
	case <-c.endOfConnection.Done():
	case <-timer.C:
		c.log.Info("Client connection appears frozen; forcing end of connection",
			"timeout", c.shutdownTimeout)
	}

	c.endOfConnection.TrySettle(struct{}{})
}

func (c *Controller) closeTransport() {
	c.closeOnce.Do(func() {
		if closeErr := c.transport.Close(); closeErr != nil {
			c.log.V(1).Info("Failed to close client transport", "error", closeErr.Error())
		}
	})
}

func (c *Controller) writeMessage(msg dap.Message) {
	if writeErr := c.transport.WriteMessage(msg); writeErr != nil {
		c.log.V(1).Info("Failed to write message to client", "error", writeErr.Error())
	}
}

// newAttachRequest builds the synthetic attach request for the handshake,
// reusing the launch request's seq so the engine's response correlates with
// the request the client actually sent.
func newAttachRequest(seq int, addr Address) *dap.AttachRequest {
	args, marshalErr := json.Marshal(map[string]any{
		"hostName": addr.Host,
		"port":     addr.Port,
	})
	if marshalErr != nil {
		// Host and port always marshal; keep the request well-formed regardless.
		args = json.RawMessage(`{}`)
	}

	return &dap.AttachRequest{
		Request: dap.Request{
			ProtocolMessage: dap.ProtocolMessage{Seq: seq, Type: "request"},
			Command:         commandAttach,
		},
		Arguments: args,
	}
}

func (c *Controller) newLaunchFailureResponse(requestSeq int) *dap.LaunchResponse {
	return &dap.LaunchResponse{
		Response: dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Seq: int(c.syntheticSeq.Add(1)), Type: "response"},
			RequestSeq:      requestSeq,
			Command:         commandLaunch,
			Success:         false,
			Message:         startFailureMessage,
		},
	}
}

func (c *Controller) newDisconnectAck(req *dap.DisconnectRequest) *dap.DisconnectResponse {
	return &dap.DisconnectResponse{
		Response: dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Seq: int(c.syntheticSeq.Add(1)), Type: "response"},
			RequestSeq:      req.Seq,
			Command:         commandDisconnect,
			Success:         true,
		},
	}
}
