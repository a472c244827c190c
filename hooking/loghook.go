package hooking

import (
	"fmt"
	"log"
)

// A Reporter surfaces diagnostic messages from harness components without
// dictating a logging backend.
type Reporter interface {
	Report(msg string)
}

// LogReporter is a Reporter that writes to a log.Logger.
type LogReporter struct {
	*log.Logger
}

// NewLogReporter returns a Reporter backed by the given logger.
func NewLogReporter(logger *log.Logger) *LogReporter {
	r := new(LogReporter)
	r.Logger = logger
	return r
}

// Report writes the message to the logger.
func (r *LogReporter) Report(msg string) {
	r.Print(msg)
}

// ReportHook is a hook that forwards every invocation to a Reporter. It is
// the default diagnostics sink for ledgers, scopes, pools and caches.
type ReportHook struct {
	reporter Reporter
}

// NewReportHook creates a hook that writes hook invocations to the reporter.
func NewReportHook(reporter Reporter) *ReportHook {
	return &ReportHook{reporter: reporter}
}

// Func formats the hook context and forwards it to the reporter.
func (h *ReportHook) Func(ctx HookCtx) {
	if ctx.Detail != nil {
		h.reporter.Report(fmt.Sprintf("%s: %v, %v", ctx.Pos.Name, ctx.Item, ctx.Detail))
		return
	}

	h.reporter.Report(fmt.Sprintf("%s: %v", ctx.Pos.Name, ctx.Item))
}
