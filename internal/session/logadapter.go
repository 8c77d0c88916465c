/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package session

import (
	"errors"
	"strings"
	"sync/atomic"

	"github.com/go-logr/logr"
)

// Log record levels published by the debuggee-management layer. Any level not
// listed here maps to debug output.
const (
	LevelConfig  = "CONFIG"
	LevelInfo    = "INFO"
	LevelWarning = "WARNING"
	LevelSevere  = "SEVERE"
)

// LogSink receives leveled log records from the debuggee-management layer.
type LogSink interface {
	Publish(level string, message string)
}

// NoiseMatchers identifies severe log records that are expected noise during
// debuggee shutdown. The literals track a third-party debugger's wording,
// which may drift between versions, so they are configurable rather than
// hard constants.
type NoiseMatchers struct {
	// SocketClosedSuffix matches stream-closed errors reported by the
	// debugger transport. These are downgraded only once the debuggee is
	// known to have finished.
	SocketClosedSuffix string

	// DisconnectNoisePrefix matches errors from event recording after the VM
	// has disconnected. These are always benign.
	DisconnectNoisePrefix string
}

// DefaultNoiseMatchers returns matchers for the debugger library's current phrasing.
func DefaultNoiseMatchers() NoiseMatchers {
	return NoiseMatchers{
		SocketClosedSuffix:    "SocketException: Socket closed",
		DisconnectNoisePrefix: "VMDisconnectedException",
	}
}

// LogAdapter maps leveled log records from the debuggee-management layer onto
// a logr.Logger, downgrading known benign shutdown noise so that an ordinary
// session teardown does not surface spurious errors.
type LogAdapter struct {
	log      logr.Logger
	matchers NoiseMatchers

	// finished is set once the debuggee is confirmed finished; it gates the
	// suppression of stream-closed errors.
	finished atomic.Bool
}

func NewLogAdapter(log logr.Logger, matchers NoiseMatchers) *LogAdapter {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &LogAdapter{
		log:      log,
		matchers: matchers,
	}
}

// OnDebuggeeFinished records that the debuggee has finished, arming the
// suppression of expected shutdown noise. Idempotent.
func (a *LogAdapter) OnDebuggeeFinished() {
	a.finished.Store(true)
}

// Publish maps a log record to the domain logger.
func (a *LogAdapter) Publish(level string, message string) {
	switch level {
	case LevelInfo, LevelConfig:
		a.log.Info(message)

	case LevelWarning:
		a.log.Info(message, "severity", "warning")

	case LevelSevere:
		if a.isBenignShutdownNoise(message) {
			a.log.V(1).Info(message, "severity", "suppressed")
			return
		}
		a.log.Error(errors.New(message), "Debuggee reported an error")

	default:
		a.log.V(1).Info(message)
	}
}

func (a *LogAdapter) isBenignShutdownNoise(message string) bool {
	if a.matchers.DisconnectNoisePrefix != "" && strings.HasPrefix(message, a.matchers.DisconnectNoisePrefix) {
		return true
	}
	if a.finished.Load() && a.matchers.SocketClosedSuffix != "" && strings.HasSuffix(message, a.matchers.SocketClosedSuffix) {
		return true
	}
	return false
}
