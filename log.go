// Copyright (c) 2024-2026 The relaykit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/meshforge/relaykit/authmgr"
	"github.com/meshforge/relaykit/connmgr"
	"github.com/meshforge/relaykit/healthmgr"
	"github.com/meshforge/relaykit/pubmgr"
	"github.com/meshforge/relaykit/relaydb"
	"github.com/meshforge/relaykit/relaysel"
	"github.com/meshforge/relaykit/relaystats"
	"github.com/meshforge/relaykit/writeq"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
)

// logWriter implements an io.Writer that outputs to both standard output and
// the write-end pipe of an initialized log rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

// Loggers per subsystem.  A single backend logger is created and all
// subsystem loggers created from it will write to the backend.  When adding
// new subsystems, add the subsystem logger variable here and to the
// subsystemLoggers map.
//
// Loggers can not be used before the log rotator has been initialized with a
// log file.  This must be performed early during application startup by
// calling initLogRotator.
var (
	// backendLog is the logging backend used to create all subsystem
	// loggers.  The backend must not be used before the log rotator has
	// been initialized, or data races and/or nil pointer dereferences will
	// occur.
	backendLog = slog.NewBackend(logWriter{})

	// logRotator is one of the logging outputs.  It should be closed on
	// application shutdown.
	logRotator *rotator.Rotator

	rkitLog = backendLog.Logger("RKIT")
	amgrLog = backendLog.Logger("AMGR")
	cmgrLog = backendLog.Logger("CMGR")
	hlthLog = backendLog.Logger("HLTH")
	pubmLog = backendLog.Logger("PUBM")
	rldbLog = backendLog.Logger("RLDB")
	rselLog = backendLog.Logger("RSEL")
	statLog = backendLog.Logger("STAT")
	wrtqLog = backendLog.Logger("WRTQ")
)

// Initialize package-global logger variables.
func init() {
	authmgr.UseLogger(amgrLog)
	connmgr.UseLogger(cmgrLog)
	healthmgr.UseLogger(hlthLog)
	pubmgr.UseLogger(pubmLog)
	relaydb.UseLogger(rldbLog)
	relaysel.UseLogger(rselLog)
	relaystats.UseLogger(statLog)
	writeq.UseLogger(wrtqLog)
}

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]slog.Logger{
	"RKIT": rkitLog,
	"AMGR": amgrLog,
	"CMGR": cmgrLog,
	"HLTH": hlthLog,
	"PUBM": pubmLog,
	"RLDB": rldbLog,
	"RSEL": rselLog,
	"STAT": statLog,
	"WRTQ": wrtqLog,
}

// initLogRotator initializes the logging rotator to write logs to logFile
// and create roll files in the same directory.  It must be called before the
// package-global log rotator variables are used.
func initLogRotator(logFile string) {
	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		os.Exit(1)
	}
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create file rotator: %v\n", err)
		os.Exit(1)
	}

	logRotator = r
}

// setLogLevel sets the logging level for provided subsystem.  Invalid
// subsystems are ignored.
func setLogLevel(subsystemID string, logLevel string) {
	// Ignore invalid subsystems.
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := slog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// setLogLevels sets the log level for all subsystem loggers to the passed
// level.
func setLogLevels(logLevel string) {
	// Configure all subsystems with the new logging level.
	for subsystemID := range subsystemLoggers {
		setLogLevel(subsystemID, logLevel)
	}
}

// pickNoun returns the singular or plural form of a noun depending on the
// count n.
func pickNoun(n int, singular, plural string) string {
	if n == 1 {
		return singular
	}
	return plural
}
