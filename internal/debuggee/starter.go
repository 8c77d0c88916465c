/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package debuggee provides a reference implementation of the session
// contract for starting a debuggee: it spawns the debuggee process, waits for
// it to announce its debug endpoint, and settles the session's address signal
// once the endpoint accepts connections.
package debuggee

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/microsoft/dapgate/internal/session"
	"github.com/microsoft/dapgate/pkg/concurrency"
)

// jdwpListenPattern matches the JDWP agent's announcement of its listen port.
var jdwpListenPattern = regexp.MustCompile(`Listening for transport dt_socket at address: (\d+)`)

const (
	defaultHost     = "127.0.0.1"
	probeMaxElapsed = 10 * time.Second
	maxLineSize     = 1024 * 1024
)

// Config contains configuration for the process starter.
type Config struct {
	// Command and Args name the debuggee process to spawn.
	Command string
	Args    []string

	// Dir is the working directory for the process. Empty means inherited.
	Dir string

	// Env is the environment for the process. Nil means inherited.
	Env []string

	// ListenPattern extracts the debug port from the process output as the
	// first capture group. Nil means the JDWP agent's listen line.
	ListenPattern *regexp.Regexp

	// Host is the host the debug endpoint is reachable on.
	// Empty means 127.0.0.1.
	Host string
}

// NewStarter returns a DebuggeeStarter that spawns the configured process.
// The starter settles the address signal once the announced endpoint accepts
// connections, and returns when the process exits.
func NewStarter(config Config) session.DebuggeeStarter {
	pattern := config.ListenPattern
	if pattern == nil {
		pattern = jdwpListenPattern
	}
	host := config.Host
	if host == "" {
		host = defaultHost
	}

	return func(ctx context.Context, sink session.LogSink, addr *concurrency.Signal[session.Address]) error {
		cmd := exec.CommandContext(ctx, config.Command, config.Args...)
		cmd.Dir = config.Dir
		cmd.Env = config.Env

		stdout, stdoutErr := cmd.StdoutPipe()
		if stdoutErr != nil {
			return fmt.Errorf("failed to open stdout pipe: %w", stdoutErr)
		}
		stderr, stderrErr := cmd.StderrPipe()
		if stderrErr != nil {
			return fmt.Errorf("failed to open stderr pipe: %w", stderrErr)
		}

		if startErr := cmd.Start(); startErr != nil {
			return fmt.Errorf("failed to start debuggee: %w", startErr)
		}
		sink.Publish(session.LevelInfo, fmt.Sprintf("Started debuggee process (pid %d)", cmd.Process.Pid))

		// The probe is joined after the process exits so no record is ever
		// published past the exit record.
		probeCtx, cancelProbe := context.WithCancel(ctx)
		defer cancelProbe()
		var probeWG sync.WaitGroup

		var wg sync.WaitGroup
		wg.Add(2)

		go func() {
			defer wg.Done()

			announced := false
			scanner := newLineScanner(stdout)
			for scanner.Scan() {
				line := scanner.Text()
				sink.Publish(session.LevelInfo, line)

				if announced {
					continue
				}
				if match := pattern.FindStringSubmatch(line); match != nil {
					announced = true
					port, parseErr := strconv.Atoi(match[1])
					if parseErr != nil {
						sink.Publish(session.LevelSevere, fmt.Sprintf("Unparsable debug port %q", match[1]))
						continue
					}
					probeWG.Add(1)
					go func() {
						defer probeWG.Done()
						probeAndSettle(probeCtx, sink, addr, session.Address{Host: host, Port: port})
					}()
				}
			}
			drainOnScanError(scanner, stdout, sink)
		}()

		go func() {
			defer wg.Done()

			scanner := newLineScanner(stderr)
			for scanner.Scan() {
				sink.Publish(session.LevelWarning, scanner.Text())
			}
			drainOnScanError(scanner, stderr, sink)
		}()

		// Output pipes must be drained before Wait.
		wg.Wait()

		waitErr := cmd.Wait()
		cancelProbe()
		probeWG.Wait()
		sink.Publish(session.LevelInfo, "Debuggee process exited")
		return filterKilledError(waitErr, ctx)
	}
}

// newLineScanner builds a line scanner sized for debuggee output, which can
// exceed bufio's default token limit.
func newLineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return scanner
}

// drainOnScanError keeps consuming the pipe after a scan failure (such as a
// line over the token limit) so the child process cannot block on a full pipe.
func drainOnScanError(scanner *bufio.Scanner, r io.Reader, sink session.LogSink) {
	scanErr := scanner.Err()
	if scanErr == nil {
		return
	}
	sink.Publish(session.LevelWarning, fmt.Sprintf("Debuggee output truncated: %v", scanErr))
	_, _ = io.Copy(io.Discard, r)
}

// probeAndSettle retries connecting to the announced endpoint until it
// accepts, then settles the address signal.
func probeAndSettle(ctx context.Context, sink session.LogSink, addr *concurrency.Signal[session.Address], address session.Address) {
	probe := backoff.NewExponentialBackOff()
	probe.InitialInterval = 50 * time.Millisecond
	probe.MaxElapsedTime = probeMaxElapsed

	dialErr := backoff.Retry(func() error {
		var d net.Dialer
		conn, connErr := d.DialContext(ctx, "tcp", address.String())
		if connErr != nil {
			return connErr
		}
		return conn.Close()
	}, backoff.WithContext(probe, ctx))

	if dialErr != nil {
		if ctx.Err() == nil {
			sink.Publish(session.LevelSevere, fmt.Sprintf("Debug endpoint %s never became reachable: %v", address.String(), dialErr))
		}
		return
	}

	if addr.TrySettle(address) {
		sink.Publish(session.LevelInfo, fmt.Sprintf("Debuggee listening at %s", address.String()))
	}
}

// filterKilledError drops the exit error produced by killing the process on
// context cancellation; that is the expected teardown path, not a failure.
func filterKilledError(err error, ctx context.Context) error {
	if err == nil || ctx.Err() == nil {
		return err
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && strings.Contains(exitErr.Error(), "signal: killed") {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
