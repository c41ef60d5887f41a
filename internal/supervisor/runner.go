// Package supervisor runs a batch of records through the provisioning
// workflow on one browser, honoring pause and stop between records.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lineprov/internal/assets"
	"lineprov/internal/control"
	"lineprov/internal/logging"
	"lineprov/internal/records"
	"lineprov/internal/workflow"

	"go.uber.org/zap"
)

var (
	ErrConnect        = errors.New("record source connection failed")
	ErrFetch          = errors.New("reading records failed")
	ErrLaunch         = errors.New("browser launch failed")
	ErrAuthentication = errors.New("authentication failed")
)

// Retriever localizes media references.
type Retriever interface {
	RetrieveAll(ctx context.Context, recs []records.Record) (map[int]string, []assets.Download)
}

// Provisioner runs the per-record workflow.
type Provisioner interface {
	Start(ctx context.Context) error
	Stop() error
	Authenticate(ctx context.Context) error
	Process(ctx context.Context, rec records.Record, assetPath string) workflow.Result
	OwnerID() string
}

// Recorder keeps run history.
type Recorder interface {
	BeginRun(ctx context.Context, source string, total int) (string, error)
	RecordResult(ctx context.Context, runID string, res workflow.Result) error
	FinishRun(ctx context.Context, runID string, state string) error
}

// Config configures a Runner.
type Config struct {
	SheetURL         string
	SheetName        string
	Mapping          records.Mapping
	InterRecordDelay time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithRetriever sets the media retriever.
func WithRetriever(r Retriever) Option {
	return func(rn *Runner) { rn.retriever = r }
}

// WithRecorder sets the run history recorder.
func WithRecorder(r Recorder) Option {
	return func(rn *Runner) { rn.recorder = r }
}

// WithReporter sets the event reporter.
func WithReporter(r control.Reporter) Option {
	return func(rn *Runner) {
		if r != nil {
			rn.reporter = r
		}
	}
}

// WithControl shares an existing Control.
func WithControl(c *Control) Option {
	return func(rn *Runner) { rn.control = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(rn *Runner) { rn.log = l }
}

// Runner is the run supervisor.
type Runner struct {
	cfg       Config
	source    records.Source
	prov      Provisioner
	retriever Retriever
	recorder  Recorder
	reporter  control.Reporter
	control   *Control
	log       *zap.Logger
}

// New creates a Runner.
func New(cfg Config, source records.Source, prov Provisioner, opts ...Option) *Runner {
	r := &Runner{
		cfg:      cfg,
		source:   source,
		prov:     prov,
		reporter: control.Nop{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.control == nil {
		r.control = NewControl()
	}
	r.log = logging.Or(r.log, logging.CategorySupervisor)
	return r
}

// Control returns the run control flags.
func (r *Runner) Control() *Control { return r.control }

// Pause parks the run before the next record.
func (r *Runner) Pause() {
	r.log.Info("pause requested")
	r.control.Pause()
	r.reporter.Status("paused, the run halts before the next record")
}

// Resume continues a paused run.
func (r *Runner) Resume() {
	r.log.Info("resume requested")
	r.control.Resume()
	r.reporter.Status("resumed")
}

// Stop ends the run at the next record boundary.
func (r *Runner) Stop() {
	r.log.Info("stop requested")
	r.control.Stop()
	r.reporter.Status("stopping after the current record")
}

// Run processes every eligible record in order and returns one result per
// processed record. Source, launch and authentication failures are reported
// through Status and yield an empty result.
func (r *Runner) Run(ctx context.Context) []workflow.Result {
	results := []workflow.Result{}
	r.control.setState(StateRunning)
	defer func() {
		r.control.setState(StateFinished)
		r.reporter.Finished(results)
	}()

	recs, err := r.load(ctx)
	if err != nil {
		r.fatal(err)
		return results
	}
	if len(recs) == 0 {
		r.reporter.Status("no enabled rows to process")
		return results
	}
	r.reporter.Status(fmt.Sprintf("%d rows to process", len(recs)))

	paths := r.retrieve(ctx, recs)

	if err := r.prov.Start(ctx); err != nil {
		r.fatal(fmt.Errorf("%w: %v", ErrLaunch, err))
		return results
	}
	defer func() {
		if err := r.prov.Stop(); err != nil {
			r.log.Warn("browser shutdown", zap.Error(err))
		}
	}()

	if err := r.prov.Authenticate(ctx); err != nil {
		r.fatal(fmt.Errorf("%w: %v", ErrAuthentication, err))
		return results
	}

	runID := r.beginRun(ctx, len(recs))
	final := "completed"
	defer func() { r.finishRun(ctx, runID, final) }()

	total := len(recs)
	r.reporter.Progress(0, total)
	for i, rec := range recs {
		if err := r.control.WaitWhilePaused(ctx); err != nil {
			final = "cancelled"
			break
		}
		if r.control.Stopping() {
			r.reporter.Status(fmt.Sprintf("stopped, %d of %d rows processed", i, total))
			final = "stopped"
			break
		}
		if ctx.Err() != nil {
			final = "cancelled"
			break
		}

		r.reporter.Status(fmt.Sprintf("row %d (%d/%d): %s", rec.Row, i+1, total, rec.Name))
		res := r.prov.Process(ctx, rec, paths[rec.Row])
		r.writeBack(ctx, res)
		results = append(results, res)
		r.record(ctx, runID, res)
		r.reporter.Progress(i+1, total)

		if i < total-1 && r.cfg.InterRecordDelay > 0 {
			if err := r.pace(ctx); err != nil {
				final = "cancelled"
				break
			}
		}
	}

	r.log.Info("run loop finished", zap.Int("processed", len(results)), zap.String("state", final))
	return results
}

func (r *Runner) load(ctx context.Context) ([]records.Record, error) {
	r.reporter.Status("connecting to the spreadsheet")
	if err := r.source.Connect(ctx, r.cfg.SheetURL, r.cfg.SheetName); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	recs, err := r.source.FetchEligible(ctx, r.cfg.Mapping)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	return recs, nil
}

func (r *Runner) retrieve(ctx context.Context, recs []records.Record) map[int]string {
	if r.retriever == nil {
		return map[int]string{}
	}
	r.reporter.Status("downloading icons")
	paths, downloads := r.retriever.RetrieveAll(ctx, recs)
	failed := 0
	for _, d := range downloads {
		if d.Err != nil {
			failed++
			r.reporter.Status(fmt.Sprintf("row %d: icon unavailable: %v", d.Row, d.Err))
		}
	}
	r.log.Info("icons retrieved", zap.Int("ready", len(paths)), zap.Int("failed", failed))
	return paths
}

func (r *Runner) writeBack(ctx context.Context, res workflow.Result) {
	for _, u := range workflow.WritebackPlan(res, r.cfg.Mapping, r.prov.OwnerID()) {
		if err := r.source.WriteCell(ctx, u.Row, u.Column, u.Value); err != nil {
			r.log.Warn("write back", zap.Int("row", u.Row), zap.String("column", u.Column), zap.Error(err))
			r.reporter.Status(fmt.Sprintf("row %d: could not write column %s: %v", u.Row, u.Column, err))
		}
	}
}

func (r *Runner) pace(ctx context.Context) error {
	t := time.NewTimer(r.cfg.InterRecordDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Runner) fatal(err error) {
	r.log.Error("run aborted", zap.Error(err))
	r.reporter.Status(fmt.Sprintf("run aborted: %v", err))
}

func (r *Runner) beginRun(ctx context.Context, total int) string {
	if r.recorder == nil {
		return ""
	}
	id, err := r.recorder.BeginRun(ctx, r.cfg.SheetURL, total)
	if err != nil {
		r.log.Warn("ledger begin", zap.Error(err))
		return ""
	}
	return id
}

func (r *Runner) record(ctx context.Context, runID string, res workflow.Result) {
	if r.recorder == nil || runID == "" {
		return
	}
	if err := r.recorder.RecordResult(ctx, runID, res); err != nil {
		r.log.Warn("ledger record", zap.Int("row", res.Row), zap.Error(err))
	}
}

func (r *Runner) finishRun(ctx context.Context, runID, state string) {
	if r.recorder == nil || runID == "" {
		return
	}
	if err := r.recorder.FinishRun(context.WithoutCancel(ctx), runID, state); err != nil {
		r.log.Warn("ledger finish", zap.Error(err))
	}
}

// Handle tracks a run started on a worker goroutine.
type Handle struct {
	done    chan struct{}
	results []workflow.Result
}

// Start runs Run on a worker goroutine.
func (r *Runner) Start(ctx context.Context) *Handle {
	h := &Handle{done: make(chan struct{})}
	go func() {
		defer close(h.done)
		h.results = r.Run(ctx)
	}()
	return h
}

// Done is closed when the run returns.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run returns and yields its results.
func (h *Handle) Wait() []workflow.Result {
	<-h.done
	return h.results
}
