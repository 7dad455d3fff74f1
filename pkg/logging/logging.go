// Package logging serialises log output of concurrent test workers. Lines
// emitted by a worker are buffered per worker and written to the shared sinks
// as one contiguous block when the worker flushes, while real-time lines are
// written immediately.
package logging

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	workerField   = "worker"
	successField  = "success"
	criticalField = "critical"

	// LogFileName is the name of the file sink under the artifacts logs dir.
	LogFileName = "Run_Tests.log"
)

// Record is a single log line captured for a worker.
type Record struct {
	Time     time.Time
	Worker   string
	Level    logrus.Level
	Success  bool
	Critical bool
	Message  string

	written bool
}

// LevelName returns the name the formatter prints for the record.
func (r Record) LevelName() string {
	return levelName(r.Level, r.Success, r.Critical)
}

func (r Record) String() string {
	return formatLine(r.Time, r.Worker, r.LevelName(), r.Message)
}

type Options struct {
	// Stdout receives INFO and above. Colour is applied only to this sink.
	Stdout io.Writer
	// File receives DEBUG and above. Nil discards.
	File  io.Writer
	Color bool
	// Debug lowers the stdout level to DEBUG.
	Debug bool
	// RealTimeOnly writes every line as soon as it is emitted. Lines are still
	// recorded so that Flush can return them.
	RealTimeOnly bool
}

// Manager owns the shared sinks and the per-worker queues.
type Manager struct {
	mu      sync.Mutex
	console *logrus.Logger
	file    *logrus.Logger

	realTimeOnly bool

	queuesMu sync.Mutex
	queues   map[string][]Record
}

func NewManager(opts Options) *Manager {
	stdout := opts.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	fileOut := opts.File
	if fileOut == nil {
		fileOut = io.Discard
	}

	console := logrus.New()
	console.SetOutput(stdout)
	console.SetFormatter(&Formatter{Color: opts.Color})
	console.SetLevel(logrus.InfoLevel)
	if opts.Debug {
		console.SetLevel(logrus.DebugLevel)
	}

	file := logrus.New()
	file.SetOutput(fileOut)
	file.SetFormatter(&Formatter{})
	file.SetLevel(logrus.DebugLevel)

	return &Manager{
		console:      console,
		file:         file,
		realTimeOnly: opts.RealTimeOnly,
		queues:       map[string][]Record{},
	}
}

// Discard returns a manager that drops every line. Useful in tests.
func Discard() *Manager {
	return NewManager(Options{})
}

// Worker returns a logger bound to the given worker name.
func (m *Manager) Worker(name string) *Logger {
	return &Logger{m: m, worker: name}
}

// FlushAll drains every worker queue. It is the best-effort flush used when the
// process is terminating.
func (m *Manager) FlushAll() {
	m.queuesMu.Lock()
	workers := make([]string, 0, len(m.queues))
	for w := range m.queues {
		workers = append(workers, w)
	}
	m.queuesMu.Unlock()

	sort.Strings(workers)
	for _, w := range workers {
		m.flush(w)
	}
}

func (m *Manager) enqueue(r Record) {
	if m.realTimeOnly {
		m.write([]Record{r})
		r.written = true
	}
	m.queuesMu.Lock()
	m.queues[r.Worker] = append(m.queues[r.Worker], r)
	m.queuesMu.Unlock()
}

func (m *Manager) flush(worker string) []Record {
	m.queuesMu.Lock()
	records := m.queues[worker]
	delete(m.queues, worker)
	m.queuesMu.Unlock()

	pending := make([]Record, 0, len(records))
	for _, r := range records {
		if !r.written {
			pending = append(pending, r)
		}
	}
	m.write(pending)
	return records
}

// write emits records to both sinks under the sink mutex so that the lines of
// one flush are never interleaved with another worker's lines.
func (m *Manager) write(records []Record) {
	if len(records) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		fields := logrus.Fields{workerField: r.Worker}
		if r.Success {
			fields[successField] = true
		}
		if r.Critical {
			fields[criticalField] = true
		}
		m.console.WithFields(fields).WithTime(r.Time).Log(r.Level, r.Message)
		m.file.WithFields(fields).WithTime(r.Time).Log(r.Level, r.Message)
	}
}

// Logger emits lines on behalf of one worker.
type Logger struct {
	m        *Manager
	worker   string
	realTime bool
}

// RealTime returns a logger whose lines bypass the worker queue.
func (l *Logger) RealTime() *Logger {
	return &Logger{m: l.m, worker: l.worker, realTime: true}
}

// Worker returns the worker name the logger is bound to.
func (l *Logger) Worker() string {
	return l.worker
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(logrus.DebugLevel, false, false, fmt.Sprintf(format, args...))
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(logrus.InfoLevel, false, false, fmt.Sprintf(format, args...))
}

func (l *Logger) Successf(format string, args ...interface{}) {
	l.log(logrus.InfoLevel, true, false, fmt.Sprintf(format, args...))
}

func (l *Logger) Warningf(format string, args ...interface{}) {
	l.log(logrus.WarnLevel, false, false, fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(logrus.ErrorLevel, false, false, fmt.Sprintf(format, args...))
}

func (l *Logger) Criticalf(format string, args ...interface{}) {
	l.log(logrus.ErrorLevel, false, true, fmt.Sprintf(format, args...))
}

// Exception logs at error level with the error and its stack, if any.
func (l *Logger) Exception(err error, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		msg = fmt.Sprintf("%s\n%+v", msg, err)
	}
	l.log(logrus.ErrorLevel, false, false, msg)
}

// Flush writes the worker's queued lines to the sinks as one block and
// returns every line recorded since the previous flush.
func (l *Logger) Flush() []Record {
	return l.m.flush(l.worker)
}

func (l *Logger) log(level logrus.Level, success, critical bool, msg string) {
	r := Record{
		Time:     time.Now(),
		Worker:   l.worker,
		Level:    level,
		Success:  success,
		Critical: critical,
		Message:  msg,
	}
	if l.realTime {
		l.m.write([]Record{r})
		return
	}
	l.m.enqueue(r)
}
