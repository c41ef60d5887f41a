// Package control carries run events to operators and operator commands back
// to the run.
package control

import (
	"sync"

	"lineprov/internal/logging"
	"lineprov/internal/workflow"

	"go.uber.org/zap"
)

// Reporter receives run events from the worker.
type Reporter interface {
	Progress(current, total int)
	Status(msg string)
	ChallengeRequired()
	ChallengeResolved()
	Finished(results []workflow.Result)
}

// Commander is the run side of the control surface.
type Commander interface {
	Pause()
	Resume()
	Stop()
}

// Resolver acknowledges a cleared challenge.
type Resolver interface {
	Resolve() bool
}

// Nop discards every event.
type Nop struct{}

func (Nop) Progress(int, int)          {}
func (Nop) Status(string)              {}
func (Nop) ChallengeRequired()         {}
func (Nop) ChallengeResolved()         {}
func (Nop) Finished([]workflow.Result) {}

// Multi fans events out to several reporters in order.
type Multi struct {
	mu        sync.RWMutex
	reporters []Reporter
}

// NewMulti returns a fan-out over rs. Nil entries are skipped.
func NewMulti(rs ...Reporter) *Multi {
	m := &Multi{}
	for _, r := range rs {
		m.Add(r)
	}
	return m
}

// Add attaches another reporter.
func (m *Multi) Add(r Reporter) {
	if r == nil {
		return
	}
	m.mu.Lock()
	m.reporters = append(m.reporters, r)
	m.mu.Unlock()
}

func (m *Multi) each(fn func(Reporter)) {
	m.mu.RLock()
	rs := append([]Reporter(nil), m.reporters...)
	m.mu.RUnlock()
	for _, r := range rs {
		fn(r)
	}
}

func (m *Multi) Progress(current, total int) {
	m.each(func(r Reporter) { r.Progress(current, total) })
}

func (m *Multi) Status(msg string) {
	m.each(func(r Reporter) { r.Status(msg) })
}

func (m *Multi) ChallengeRequired() {
	m.each(func(r Reporter) { r.ChallengeRequired() })
}

func (m *Multi) ChallengeResolved() {
	m.each(func(r Reporter) { r.ChallengeResolved() })
}

func (m *Multi) Finished(results []workflow.Result) {
	m.each(func(r Reporter) { r.Finished(results) })
}

// LogReporter writes events to a zap logger.
type LogReporter struct {
	log *zap.Logger
}

// NewLogReporter returns a reporter over l (nil uses the control category).
func NewLogReporter(l *zap.Logger) *LogReporter {
	return &LogReporter{log: logging.Or(l, logging.CategoryControl)}
}

func (r *LogReporter) Progress(current, total int) {
	r.log.Info("progress", zap.Int("current", current), zap.Int("total", total))
}

func (r *LogReporter) Status(msg string) {
	r.log.Info(msg)
}

func (r *LogReporter) ChallengeRequired() {
	r.log.Warn("verification challenge on screen, solve it in the browser and acknowledge")
}

func (r *LogReporter) ChallengeResolved() {
	r.log.Info("verification challenge cleared, resuming")
}

func (r *LogReporter) Finished(results []workflow.Result) {
	ok := 0
	for _, res := range results {
		if res.Success {
			ok++
		}
	}
	r.log.Info("run finished", zap.Int("processed", len(results)), zap.Int("succeeded", ok))
}
