/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package session

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/dapgate/internal/dapwire"
	"github.com/microsoft/dapgate/pkg/concurrency"
)

const testWait = 2 * time.Second

// fakeEngine records delegated requests and can answer attach and disconnect
// requests the way a real engine would.
type fakeEngine struct {
	sink           Sink
	autoAttach     bool
	autoDisconnect bool

	mu        sync.Mutex
	requests  []dap.RequestMessage
	requestCh chan dap.RequestMessage
	seq       int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		requestCh: make(chan dap.RequestMessage, 16),
	}
}

func (e *fakeEngine) factory() func(Sink) Engine {
	return func(sink Sink) Engine {
		e.sink = sink
		return e
	}
}

func (e *fakeEngine) DispatchRequest(req dap.RequestMessage) {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	e.mu.Unlock()
	e.requestCh <- req

	switch r := req.(type) {
	case *dap.AttachRequest:
		if e.autoAttach {
			e.sink.SendResponse(&dap.AttachResponse{
				Response: dap.Response{
					ProtocolMessage: dap.ProtocolMessage{Seq: e.nextSeq(), Type: "response"},
					RequestSeq:      r.Seq,
					Command:         "attach",
					Success:         true,
				},
			})
		}

	case *dap.DisconnectRequest:
		if e.autoDisconnect {
			e.sink.SendResponse(&dap.DisconnectResponse{
				Response: dap.Response{
					ProtocolMessage: dap.ProtocolMessage{Seq: e.nextSeq(), Type: "response"},
					RequestSeq:      r.Seq,
					Command:         "disconnect",
					Success:         true,
				},
			})
		}
	}
}

func (e *fakeEngine) nextSeq() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	return e.seq
}

// waitForRequest blocks until the engine receives a delegated request.
func (e *fakeEngine) waitForRequest(t *testing.T) dap.RequestMessage {
	t.Helper()
	select {
	case req := <-e.requestCh:
		return req
	case <-time.After(testWait):
		t.Fatal("engine did not receive a request in time")
		return nil
	}
}

// testClient drives the client side of the session over a net.Pipe.
type testClient struct {
	t         *testing.T
	transport dapwire.Transport
	messages  chan dap.Message
}

func newTestClient(t *testing.T, conn net.Conn) *testClient {
	t.Helper()

	c := &testClient{
		t:         t,
		transport: dapwire.NewTCPTransport(conn),
		messages:  make(chan dap.Message, 32),
	}
	go func() {
		for {
			msg, readErr := c.transport.ReadMessage()
			if readErr != nil {
				close(c.messages)
				return
			}
			c.messages <- msg
		}
	}()
	t.Cleanup(func() { _ = c.transport.Close() })

	return c
}

func (c *testClient) send(msg dap.Message) {
	c.t.Helper()
	require.NoError(c.t, c.transport.WriteMessage(msg))
}

// nextMessage returns the next message from the controller, failing the test
// if none arrives in time or if the connection has ended.
func (c *testClient) nextMessage() dap.Message {
	c.t.Helper()
	select {
	case msg, open := <-c.messages:
		require.True(c.t, open, "connection closed while waiting for a message")
		return msg
	case <-time.After(testWait):
		c.t.Fatal("no message from controller in time")
		return nil
	}
}

// expectNoMessage asserts that nothing arrives within the given window.
func (c *testClient) expectNoMessage(window time.Duration) {
	c.t.Helper()
	select {
	case msg, open := <-c.messages:
		if open {
			c.t.Fatalf("unexpected message from controller: %T", msg)
		}
	case <-time.After(window):
		// Expected
	}
}

// expectClosed asserts that the connection ends.
func (c *testClient) expectClosed() {
	c.t.Helper()
	deadline := time.After(testWait)
	for {
		select {
		case _, open := <-c.messages:
			if !open {
				return
			}
		case <-deadline:
			c.t.Fatal("connection was not closed in time")
		}
	}
}

// testStarter is a controllable DebuggeeStarter.
type testStarter struct {
	// address is settled right away when resolve is true.
	resolve bool
	address Address

	// exit releases the debuggee computation. The computation also ends on
	// context cancellation.
	exit     chan struct{}
	exitOnce sync.Once

	mu  sync.Mutex
	ctx context.Context
}

func newTestStarter(resolve bool) *testStarter {
	return &testStarter{
		resolve: resolve,
		address: Address{Host: "127.0.0.1", Port: 5005},
		exit:    make(chan struct{}),
	}
}

func (s *testStarter) run(ctx context.Context, sink LogSink, addr *concurrency.Signal[Address]) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if s.resolve {
		addr.TrySettle(s.address)
	}

	select {
	case <-ctx.Done():
	case <-s.exit:
	}
	return nil
}

// release lets the debuggee computation finish, as if the debuggee exited.
func (s *testStarter) release() {
	s.exitOnce.Do(func() { close(s.exit) })
}

// cancelled reports whether the controller cancelled the debuggee handle.
func (s *testStarter) cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx != nil && s.ctx.Err() != nil
}

// testSession bundles a controller with its collaborators.
type testSession struct {
	controller *Controller
	engine     *fakeEngine
	client     *testClient
	starter    *testStarter
}

type testSessionOptions struct {
	resolve          bool
	autoAttach       bool
	autoDisconnect   bool
	handshakeTimeout time.Duration
	shutdownTimeout  time.Duration
}

func newTestSession(t *testing.T, opts testSessionOptions) *testSession {
	t.Helper()

	serverConn, clientConn := net.Pipe()

	engine := newFakeEngine()
	engine.autoAttach = opts.autoAttach
	engine.autoDisconnect = opts.autoDisconnect

	starter := newTestStarter(opts.resolve)

	controller := NewController(Config{
		Transport:        dapwire.NewTCPTransport(serverConn),
		Starter:          starter.run,
		NewEngine:        engine.factory(),
		HandshakeTimeout: opts.handshakeTimeout,
		ShutdownTimeout:  opts.shutdownTimeout,
	})

	t.Cleanup(func() {
		controller.Cancel()
		starter.release()
	})

	return &testSession{
		controller: controller,
		engine:     engine,
		client:     newTestClient(t, clientConn),
		starter:    starter,
	}
}

func newLaunchRequest(seq int) *dap.LaunchRequest {
	return &dap.LaunchRequest{
		Request: dap.Request{
			ProtocolMessage: dap.ProtocolMessage{Seq: seq, Type: "request"},
			Command:         "launch",
		},
		Arguments: []byte(`{"noDebug":false}`),
	}
}

func newDisconnectRequest(seq int, restart bool) *dap.DisconnectRequest {
	return &dap.DisconnectRequest{
		Request: dap.Request{
			ProtocolMessage: dap.ProtocolMessage{Seq: seq, Type: "request"},
			Command:         "disconnect",
		},
		Arguments: &dap.DisconnectArguments{Restart: restart},
	}
}

func newTerminatedEvent(seq int) *dap.TerminatedEvent {
	return &dap.TerminatedEvent{
		Event: dap.Event{
			ProtocolMessage: dap.ProtocolMessage{Seq: seq, Type: "event"},
			Event:           "terminated",
		},
	}
}

func newExitedEvent(seq int) *dap.ExitedEvent {
	return &dap.ExitedEvent{
		Event: dap.Event{
			ProtocolMessage: dap.ProtocolMessage{Seq: seq, Type: "event"},
			Event:           "exited",
		},
		Body: dap.ExitedEventBody{ExitCode: 0},
	}
}

func newDisconnectResponse(seq int, requestSeq int) *dap.DisconnectResponse {
	return &dap.DisconnectResponse{
		Response: dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Seq: seq, Type: "response"},
			RequestSeq:      requestSeq,
			Command:         "disconnect",
			Success:         true,
		},
	}
}

func waitSettled[T any](t *testing.T, s *concurrency.Signal[T]) T {
	t.Helper()
	select {
	case <-s.Done():
		return s.Wait()
	case <-time.After(testWait):
		t.Fatal("signal did not settle in time")
		var zero T
		return zero
	}
}
