/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package logger builds the process logger for the debug gateway.
package logger

import (
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var verbosity int

// AddFlags registers the logging flags on the given flag set.
func AddFlags(flags *pflag.FlagSet) {
	flags.IntVarP(&verbosity, "verbosity", "v", 0,
		"Log verbosity. Higher values enable more detailed logging.")
}

// New creates a logger writing human-readable output to stderr,
// returning the logger and a flush function.
func New() (logr.Logger, func()) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)

	atomicLevel := zap.NewAtomicLevel()
	// logr verbosity maps onto negative zap levels (V(1) == zap level -1).
	atomicLevel.SetLevel(zapcore.Level(-verbosity))

	core := zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), atomicLevel)
	zapLogger := zap.New(core)

	flushFn := func() {
		_ = zapLogger.Sync() // Best effort
	}
	return zapr.NewLogger(zapLogger), flushFn
}
