// Package logger provides the leveled logging interface used by every
// long-lived component in this module (pager, txn manager, indexing
// workers). It intentionally stays small: the core is a library, not a
// service, so log routing and formatting belong to the caller.
package logger

import (
	"io"
	"log"
	"os"
	"strings"
)

// LogLevel orders log severities from most to least verbose.
type LogLevel int8

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

// Logger is the minimal leveled logging contract components depend on.
type Logger interface {
	Debugf(string, ...interface{})
	Infof(string, ...interface{})
	Warningf(string, ...interface{})
	Errorf(string, ...interface{})
}

// LevelFromEnvironment reads LOG_LEVEL, defaulting to LogInfo.
func LevelFromEnvironment() LogLevel {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return LogDebug
	case "warn":
		return LogWarn
	case "error":
		return LogError
	}
	return LogInfo
}

// SimpleLogger writes prefixed, leveled lines to an io.Writer via the
// standard library's log.Logger.
type SimpleLogger struct {
	l     *log.Logger
	level LogLevel
}

// New returns a SimpleLogger named name, filtered at level, writing to out.
func New(name string, out io.Writer, level LogLevel) *SimpleLogger {
	return &SimpleLogger{
		l:     log.New(out, name+" ", log.LstdFlags),
		level: level,
	}
}

func (l *SimpleLogger) Debugf(f string, v ...interface{}) {
	if l.level <= LogDebug {
		l.l.Printf("DEBUG: "+f, v...)
	}
}

func (l *SimpleLogger) Infof(f string, v ...interface{}) {
	if l.level <= LogInfo {
		l.l.Printf("INFO: "+f, v...)
	}
}

func (l *SimpleLogger) Warningf(f string, v ...interface{}) {
	if l.level <= LogWarn {
		l.l.Printf("WARNING: "+f, v...)
	}
}

func (l *SimpleLogger) Errorf(f string, v ...interface{}) {
	if l.level <= LogError {
		l.l.Printf("ERROR: "+f, v...)
	}
}

type noop struct{}

// Noop is a Logger that discards everything; it is the default for
// options that don't set one explicitly, matching the teacher's pattern
// of never requiring callers to wire a logger just to run a test.
var Noop Logger = noop{}

func (noop) Debugf(string, ...interface{})   {}
func (noop) Infof(string, ...interface{})    {}
func (noop) Warningf(string, ...interface{}) {}
func (noop) Errorf(string, ...interface{})   {}
