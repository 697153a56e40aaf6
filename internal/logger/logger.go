// Package logger is the storage engine's debug log: a file-backed,
// opt-in sink for swap and allocation events. It replaces the
// global log file the engine historically wrote swap traces to; with
// debug mode off every call is a no-op.
package logger

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
)

var (
	debugLogger *log.Logger

	DebugEnabled = false

	logFile *os.File
)

// InitLogging opens the debug log at logPath when debugMode is set. The
// parent directory is created if missing. Calling it with debugMode
// false leaves logging disabled.
func InitLogging(debugMode bool, logPath string) error {
	DebugEnabled = debugMode

	if DebugEnabled && logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}

		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}

		logFile = f
		debugLogger = log.New(f, "", log.Ldate|log.Ltime|log.Lshortfile)
	}

	return nil
}

// Close closes the log file if open.
func Close() {
	if logFile != nil {
		logFile.Close()
	}
}

func Infof(format string, v ...interface{}) {
	logf("[INFO] ", format, v...)
}

func Errorf(format string, v ...interface{}) {
	logf("[ERROR] ", format, v...)
}

// Debugf carries the engine's per-event traces (swaps and allocation
// batches), tagged by the manager's session id. The scan writes no
// trace here; its progress is reported only through CheckerData.
func Debugf(format string, v ...interface{}) {
	logf("[DEBUG] ", format, v...)
}

func Warnf(format string, v ...interface{}) {
	logf("[WARNING] ", format, v...)
}

func logf(prefix, format string, v ...interface{}) {
	if DebugEnabled && debugLogger != nil {
		debugLogger.Printf(prefix+format, v...)
	}
}
