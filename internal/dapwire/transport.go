/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package dapwire frames Debug Adapter Protocol messages over byte streams.
package dapwire

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/go-dap"
)

// ErrTransportClosed is returned when reading from or writing to a closed transport.
var ErrTransportClosed = errors.New("transport is closed")

// Transport provides an abstraction for DAP message I/O over different connection types.
// Implementations must be safe for concurrent use by multiple goroutines for reading
// and writing, but individual reads may not be concurrent with each other.
type Transport interface {
	// ReadMessage reads the next DAP protocol message from the transport.
	// This method blocks until a complete message is available.
	ReadMessage() (dap.Message, error)

	// WriteMessage writes a DAP protocol message to the transport.
	WriteMessage(msg dap.Message) error

	// Close closes the transport, releasing any associated resources.
	// After Close is called, any blocked ReadMessage or WriteMessage calls
	// should return with an error.
	Close() error
}

// streamTransport implements Transport over any duplex byte stream.
type streamTransport struct {
	stream io.Closer
	reader *bufio.Reader
	writer *bufio.Writer

	// writeMu protects concurrent writes to the stream
	writeMu sync.Mutex

	// closed indicates whether the transport has been closed
	closed bool
	mu     sync.Mutex
}

// NewStreamTransport creates a Transport over a duplex byte stream.
func NewStreamTransport(stream io.ReadWriteCloser) Transport {
	return &streamTransport{
		stream: stream,
		reader: bufio.NewReader(stream),
		writer: bufio.NewWriter(stream),
	}
}

// NewTCPTransport creates a Transport backed by a TCP connection.
func NewTCPTransport(conn net.Conn) Transport {
	return NewStreamTransport(conn)
}

// NewStdioTransport creates a Transport backed by separate read and write streams,
// typically the stdin and stdout of the current process.
func NewStdioTransport(in io.ReadCloser, out io.WriteCloser) Transport {
	return &streamTransport{
		stream: multiCloser{in, out},
		reader: bufio.NewReader(in),
		writer: bufio.NewWriter(out),
	}
}

// DialTCP establishes a TCP connection to the specified address and returns a Transport.
func DialTCP(ctx context.Context, address string) (Transport, error) {
	var d net.Dialer
	conn, dialErr := d.DialContext(ctx, "tcp", address)
	if dialErr != nil {
		return nil, fmt.Errorf("failed to dial TCP %s: %w", address, dialErr)
	}

	return NewTCPTransport(conn), nil
}

func (t *streamTransport) ReadMessage() (dap.Message, error) {
	if t.isClosed() {
		return nil, ErrTransportClosed
	}

	msg, readErr := dap.ReadProtocolMessage(t.reader)
	if readErr != nil {
		return nil, fmt.Errorf("failed to read DAP message: %w", readErr)
	}

	return msg, nil
}

func (t *streamTransport) WriteMessage(msg dap.Message) error {
	if t.isClosed() {
		return ErrTransportClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	writeErr := dap.WriteProtocolMessage(t.writer, msg)
	if writeErr != nil {
		return fmt.Errorf("failed to write DAP message: %w", writeErr)
	}

	flushErr := t.writer.Flush()
	if flushErr != nil {
		return fmt.Errorf("failed to flush DAP message: %w", flushErr)
	}

	return nil
}

func (t *streamTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}

	t.closed = true
	return t.stream.Close()
}

func (t *streamTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// multiCloser closes a pair of streams as one.
type multiCloser [2]io.Closer

func (mc multiCloser) Close() error {
	var errs []error
	for _, c := range mc {
		if closeErr := c.Close(); closeErr != nil {
			errs = append(errs, closeErr)
		}
	}
	return errors.Join(errs...)
}
