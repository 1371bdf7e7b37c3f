// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
	"lendex.org/lendex/dex"
	"lendex.org/lendex/dex/ws"
	"lendex.org/lendex/server/admin"
	"lendex.org/lendex/server/comms"
	"lendex.org/lendex/server/db"
	"lendex.org/lendex/server/kyc"
	"lendex.org/lendex/server/ledger"
	"lendex.org/lendex/server/lendex"
	"lendex.org/lendex/server/matcher"
	"lendex.org/lendex/server/notify"
	"lendex.org/lendex/server/offers"
	"lendex.org/lendex/server/settle"
	"lendex.org/lendex/server/withdraw"
)

// logWriter implements an io.Writer that outputs to both standard output and
// the write-end pipe of an initialized log rotator.
type logWriter struct{}

// Write writes the data in p to standard out and the log rotator.
func (logWriter) Write(p []byte) (n int, err error) {
	if logRotator == nil {
		return os.Stdout.Write(p)
	}
	os.Stdout.Write(p)
	return logRotator.Write(p) // not safe concurrent writes, so only one logWriter{} allowed!
}

// Loggers per subsystem. A single backend logger is created and all subsystem
// loggers created from it will write to the backend. When adding new
// subsystems, define it in the subsystemLoggers map.
//
// Loggers should not be used before the log rotator has been initialized with a
// log file. This must be performed early during application startup by calling
// initLogRotator.
var (
	// backendLog is the logging backend used to create all subsystem loggers.
	backendLog = slog.NewBackend(logWriter{})

	// logRotator is one of the logging outputs. Use initLogRotator to set it.
	// It should be closed on application shutdown.
	logRotator *rotator.Rotator

	// package main's Logger.
	log = backendLog.Logger("MAIN")

	// subsystemLoggers maps each subsystem identifier to its associated logger.
	subsystemLoggers = map[string]dex.Logger{
		"MAIN": log,
		"LNDX": backendLog.Logger("LNDX"),
		"DB":   backendLog.Logger("DB"),
		"LDGR": backendLog.Logger("LDGR"),
		"OFFR": backendLog.Logger("OFFR"),
		"MTCH": backendLog.Logger("MTCH"),
		"STTL": backendLog.Logger("STTL"),
		"WDRW": backendLog.Logger("WDRW"),
		"KYC":  backendLog.Logger("KYC"),
		"NTFY": backendLog.Logger("NTFY"),
		"COMM": backendLog.Logger("COMM"),
		"ADMN": backendLog.Logger("ADMN"),
	}
)

func init() {
	lendex.UseLogger(subsystemLoggers["LNDX"])
	db.UseLogger(subsystemLoggers["DB"])
	ledger.UseLogger(subsystemLoggers["LDGR"])
	offers.UseLogger(subsystemLoggers["OFFR"])
	matcher.UseLogger(subsystemLoggers["MTCH"])
	settle.UseLogger(subsystemLoggers["STTL"])
	withdraw.UseLogger(subsystemLoggers["WDRW"])
	kyc.UseLogger(subsystemLoggers["KYC"])
	notify.UseLogger(subsystemLoggers["NTFY"])
	comms.UseLogger(subsystemLoggers["COMM"])
	ws.UseLogger(subsystemLoggers["COMM"])
	admin.UseLogger(subsystemLoggers["ADMN"])
}

// initLogRotator initializes the logging rotater to write logs to logFile and
// create roll files in the same directory.  It must be called before the
// package-global log rotater variables are used.
func initLogRotator(logFile string, maxRolls int) {
	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		os.Exit(1)
	}
	logRotator, err = rotator.New(logFile, 32*1024, false, maxRolls)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create file rotator: %v\n", err)
		os.Exit(1)
	}
}

// setLogLevel sets the logging level for provided subsystem. Invalid
// subsystems are ignored.
func setLogLevel(subsystemID string, level slog.Level) {
	if logger, ok := subsystemLoggers[subsystemID]; ok {
		logger.SetLevel(level)
	}
}

// setLogLevels sets the log level for all subsystem loggers to the passed
// level.
func setLogLevels(level slog.Level) {
	for _, logger := range subsystemLoggers {
		logger.SetLevel(level)
	}
}
