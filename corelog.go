// corelog.go - structured leveled logging for the emulator core.
// A small dedicated type rather than bare log.Printf calls, so
// invariant violations and resource warnings are observable in tests
// without scraping stdout.

package main

import (
	"fmt"
	"sync"
)

type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogFatal
)

func (l LogLevel) String() string {
	switch l {
	case LogDebug:
		return "DEBUG"
	case LogInfo:
		return "INFO"
	case LogWarn:
		return "WARN"
	case LogFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// LogRecord is one emitted log line, kept structured so tests can assert
// on fields instead of parsing formatted text.
type LogRecord struct {
	Level     LogLevel
	Component string
	Message   string
	Fields    map[string]any
}

// LogSink receives emitted records. The default sink prints to stderr-style
// text; tests substitute a capturing sink.
type LogSink interface {
	Emit(rec LogRecord)
}

// corelog is the process-wide logger used by every component. It holds no
// global component state of its own (Design Notes: "global mutable state
// becomes an owned context") - only the sink is shared, and swapping it is
// safe for concurrent use because the core itself is single-threaded; the
// mutex exists solely to guard sink replacement from test setup code.
type coreLogger struct {
	mu   sync.Mutex
	sink LogSink
}

var corelog = &coreLogger{sink: stderrSink{}}

type stderrSink struct{}

func (stderrSink) Emit(rec LogRecord) {
	fmt.Printf("[%s] %s: %s %v\n", rec.Level, rec.Component, rec.Message, rec.Fields)
}

func (l *coreLogger) SetSink(s LogSink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = s
}

func (l *coreLogger) log(level LogLevel, component, msg string, fields map[string]any) {
	l.mu.Lock()
	sink := l.sink
	l.mu.Unlock()
	sink.Emit(LogRecord{Level: level, Component: component, Message: msg, Fields: fields})
}

func (l *coreLogger) Debugf(component, msg string, fields map[string]any) {
	l.log(LogDebug, component, msg, fields)
}

func (l *coreLogger) Infof(component, msg string, fields map[string]any) {
	l.log(LogInfo, component, msg, fields)
}

func (l *coreLogger) Warnf(component, msg string, fields map[string]any) {
	l.log(LogWarn, component, msg, fields)
}

// Fatalf logs then panics with an InvariantViolation. The only legal
// recover point is the boot orchestrator's run loop (see errors.go).
func (l *coreLogger) Fatalf(component, msg string, fields map[string]any) {
	l.log(LogFatal, component, msg, fields)
	panic(&InvariantViolation{Component: component, Message: msg, Fields: fields})
}

// MemorySink captures records in-process; used by tests.
type MemorySink struct {
	mu      sync.Mutex
	Records []LogRecord
}

func (s *MemorySink) Emit(rec LogRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Records = append(s.Records, rec)
}

func (s *MemorySink) Snapshot() []LogRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LogRecord, len(s.Records))
	copy(out, s.Records)
	return out
}
