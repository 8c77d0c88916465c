/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// dapgate runs one debug gateway session: it accepts a DAP client over TCP or
// stdio, spawns the debuggee process given after "--", and bridges the two
// until the session ends. The process exits with code 3 when the client
// requested a restart, so a supervising tool can relaunch it.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/microsoft/dapgate/internal/dapwire"
	"github.com/microsoft/dapgate/internal/debuggee"
	"github.com/microsoft/dapgate/internal/logger"
	"github.com/microsoft/dapgate/internal/relay"
	"github.com/microsoft/dapgate/internal/session"
)

const restartExitCode = 3

var (
	listenAddress string
	useStdio      bool
	debugHost     string
)

func main() {
	cmd := &cobra.Command{
		Use:   "dapgate [flags] -- <debuggee command> [args...]",
		Short: "Debug gateway session between a DAP client and a debuggee process",
		Args:  cobra.MinimumNArgs(1),
		RunE:  run,

		SilenceUsage: true,
	}

	flags := cmd.Flags()
	flags.StringVar(&listenAddress, "listen", "127.0.0.1:4711", "Address to accept the debug client on")
	flags.BoolVar(&useStdio, "stdio", false, "Serve the debug client over stdin/stdout instead of TCP")
	flags.StringVar(&debugHost, "debug-host", "", "Host the debuggee's debug endpoint is reachable on (default 127.0.0.1)")
	logger.AddFlags(flags)

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log, flush := logger.New()
	defer flush()

	sessionID := uuid.NewString()
	log = log.WithValues("sessionID", sessionID)

	transport, transportErr := clientTransport(log)
	if transportErr != nil {
		return transportErr
	}

	starter := debuggee.NewStarter(debuggee.Config{
		Command: args[0],
		Args:    args[1:],
		Host:    debugHost,
	})

	controller := session.NewController(session.Config{
		Transport: transport,
		Starter:   starter,
		NewEngine: relay.New(log.WithName("relay")),
		Logger:    log.WithName("session"),
	})

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		sig, ok := <-signals
		if !ok {
			return
		}
		log.Info("Shutting down on signal", "signal", sig.String())
		controller.Cancel()
	}()

	controller.Start()

	verdict := controller.ExitVerdict().Wait()
	controller.Cancel()
	<-controller.EndOfConnection().Done()

	log.Info("Session ended", "verdict", verdict.String())
	if verdict == session.VerdictRestarted {
		flush()
		os.Exit(restartExitCode)
	}
	return nil
}

// clientTransport accepts exactly one debug client per the configured mode.
func clientTransport(log logr.Logger) (dapwire.Transport, error) {
	if useStdio {
		return dapwire.NewStdioTransport(os.Stdin, os.Stdout), nil
	}

	listener, listenErr := net.Listen("tcp", listenAddress)
	if listenErr != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", listenAddress, listenErr)
	}
	defer listener.Close()

	log.Info("Waiting for debug client", "address", listener.Addr().String())
	conn, acceptErr := listener.Accept()
	if acceptErr != nil {
		return nil, fmt.Errorf("failed to accept debug client: %w", acceptErr)
	}

	return dapwire.NewTCPTransport(conn), nil
}
