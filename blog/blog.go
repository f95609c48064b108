// Package blog is a small leveled logger in the style the rest of the
// bootstrap packages assume: a package-level default logger that any
// collaborator can reach via Get(), an AuditErr level for failures that
// should survive in the audit trail, and an optional syslog sink.
package blog

import (
	"fmt"
	"log"
	"log/syslog"
	"os"
	"sync"
)

// Logger is the interface every package in this module logs through.
type Logger interface {
	Info(msg string)
	Infof(format string, args ...interface{})
	AuditErr(msg string)
	AuditErrf(format string, args ...interface{})
	AuditPanic()
}

// impl is the default Logger: it always writes to stderr, and optionally
// mirrors audit-level lines to a syslog writer when one is configured.
type impl struct {
	stderr *log.Logger
	syslog *syslog.Writer
}

var _ Logger = (*impl)(nil)

// New constructs a Logger. Info always goes only to stderr; AuditErr goes
// to stderr and, when syslogWriter is non-nil, to syslog as well.
// syslogWriter may be nil.
func New(syslogWriter *syslog.Writer) Logger {
	return &impl{
		stderr: log.New(os.Stderr, "", log.LstdFlags),
		syslog: syslogWriter,
	}
}

// Dial opens a syslog connection (network/addr may both be empty to use
// the local syslog socket) tagged with the given program name, and
// returns a Logger backed by it. If the dial fails, the returned Logger
// still works, logging only to stderr.
func Dial(network, addr, tag string) (Logger, error) {
	w, err := syslog.Dial(network, addr, syslog.LOG_INFO, tag)
	if err != nil {
		return New(nil), err
	}
	return New(w), nil
}

func (i *impl) Info(msg string) {
	i.stderr.Print(msg)
}

func (i *impl) Infof(format string, args ...interface{}) {
	i.Info(fmt.Sprintf(format, args...))
}

func (i *impl) AuditErr(msg string) {
	line := "[AUDIT] " + msg
	i.stderr.Print(line)
	if i.syslog != nil {
		_ = i.syslog.Err(msg)
	}
}

func (i *impl) AuditErrf(format string, args ...interface{}) {
	i.AuditErr(fmt.Sprintf(format, args...))
}

// AuditPanic recovers a panic on the calling goroutine, audit-logs it,
// and re-panics so the process still crashes with a non-zero exit.
func (i *impl) AuditPanic() {
	if err := recover(); err != nil {
		i.AuditErr(fmt.Sprintf("panic: %v", err))
		panic(err)
	}
}

var (
	defaultMu     sync.Mutex
	defaultLogger Logger = New(nil)
)

// Set installs logger as the package-level default returned by Get.
func Set(logger Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}

// Get returns the package-level default Logger.
func Get() Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultLogger
}
