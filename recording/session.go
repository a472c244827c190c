package recording

import (
	"time"

	"github.com/sarchlab/testbench/ledger"
	"github.com/sarchlab/testbench/vtime"
	"github.com/sarchlab/testbench/wait"
)

// ScenarioRunEntry is one recorded scenario execution.
type ScenarioRunEntry struct {
	Scenario string
	DelayNs  int64
	Failed   bool
}

// WaitEntry is one recorded wait outcome.
type WaitEntry struct {
	Outcome     string
	Attempts    int
	ElapsedNs   int64
	Diagnostics string
}

// LeakEntry is one resource still tracked at the end of a run.
type LeakEntry struct {
	ResourceID   string
	Kind         string
	SizeEstimate uint64
	IdleNs       int64
}

const (
	scenarioRunTable = "scenario_runs"
	waitTable        = "waits"
	leakTable        = "leaks"
)

// A Session records the interesting happenings of one harness run into a
// Recorder.
type Session struct {
	rec Recorder
}

// NewSession creates the run tables on the recorder and returns a Session
// writing to them.
func NewSession(rec Recorder) *Session {
	rec.CreateTable(scenarioRunTable, ScenarioRunEntry{})
	rec.CreateTable(waitTable, WaitEntry{})
	rec.CreateTable(leakTable, LeakEntry{})

	return &Session{rec: rec}
}

// RecordScenarioRun records one scenario execution.
func (s *Session) RecordScenarioRun(
	name string,
	delay time.Duration,
	failed bool,
) {
	s.rec.InsertData(scenarioRunTable, ScenarioRunEntry{
		Scenario: name,
		DelayNs:  int64(delay),
		Failed:   failed,
	})
}

// RecordWait records the outcome of one wait call.
func (s *Session) RecordWait(res wait.Result) {
	s.rec.InsertData(waitTable, WaitEntry{
		Outcome:     res.Outcome.String(),
		Attempts:    res.Attempts,
		ElapsedNs:   int64(res.Elapsed),
		Diagnostics: res.Diagnostics,
	})
}

// RecordLeaks records the residual allocations of a finished run.
func (s *Session) RecordLeaks(now vtime.VTime, leaks []ledger.TrackedResource) {
	for _, l := range leaks {
		s.rec.InsertData(leakTable, LeakEntry{
			ResourceID:   l.ID,
			Kind:         l.Kind,
			SizeEstimate: l.SizeEstimate,
			IdleNs:       int64(now.Sub(l.LastAccessedAt)),
		})
	}
}

// Flush forces buffered entries to the database.
func (s *Session) Flush() {
	s.rec.Flush()
}
