package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"lineprov/internal/assets"
	"lineprov/internal/records"
	"lineprov/internal/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

type fakeSource struct {
	mu         sync.Mutex
	recs       []records.Record
	connectErr error
	writeErr   error
	writes     []string
}

func (s *fakeSource) Connect(context.Context, string, string) error { return s.connectErr }

func (s *fakeSource) FetchEligible(context.Context, records.Mapping) ([]records.Record, error) {
	return s.recs, nil
}

func (s *fakeSource) WriteCell(_ context.Context, row int, column, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, fmt.Sprintf("%d:%s=%s", row, column, value))
	return s.writeErr
}

type fakeProv struct {
	mu        sync.Mutex
	startErr  error
	authErr   error
	started   bool
	stopped   bool
	processed []int
	assets    []string
	onProcess func(n int)
}

func (p *fakeProv) Start(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = true
	return p.startErr
}

func (p *fakeProv) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	return nil
}

func (p *fakeProv) Authenticate(context.Context) error { return p.authErr }

func (p *fakeProv) Process(_ context.Context, rec records.Record, asset string) workflow.Result {
	p.mu.Lock()
	p.processed = append(p.processed, rec.Row)
	p.assets = append(p.assets, asset)
	n := len(p.processed)
	hook := p.onProcess
	p.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return workflow.Result{Row: rec.Row, Success: true, BasicID: fmt.Sprintf("@id%d", rec.Row)}
}

func (p *fakeProv) OwnerID() string { return "ops@example.com" }

func (p *fakeProv) rows() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.processed...)
}

type fakeReporter struct {
	mu       sync.Mutex
	statuses []string
	progress [][2]int
	finished [][]workflow.Result
}

func (r *fakeReporter) Progress(cur, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, [2]int{cur, total})
}

func (r *fakeReporter) Status(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, msg)
}

func (r *fakeReporter) ChallengeRequired() {}
func (r *fakeReporter) ChallengeResolved() {}

func (r *fakeReporter) Finished(res []workflow.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, res)
}

func (r *fakeReporter) matching(sub string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.statuses {
		if strings.Contains(s, sub) {
			n++
		}
	}
	return n
}

type fakeRetriever struct{}

func (fakeRetriever) RetrieveAll(_ context.Context, recs []records.Record) (map[int]string, []assets.Download) {
	paths := map[int]string{}
	var dl []assets.Download
	for _, r := range recs {
		if r.MediaRef == "" {
			continue
		}
		if r.MediaRef == "broken" {
			dl = append(dl, assets.Download{Row: r.Row, Ref: r.MediaRef, Err: errors.New("404")})
			continue
		}
		paths[r.Row] = "/icons/" + r.MediaRef
		dl = append(dl, assets.Download{Row: r.Row, Ref: r.MediaRef, Path: paths[r.Row]})
	}
	return paths, dl
}

type fakeRecorder struct {
	mu     sync.Mutex
	total  int
	rows   []int
	states []string
}

func (f *fakeRecorder) BeginRun(_ context.Context, _ string, total int) (string, error) {
	f.total = total
	return "run-1", nil
}

func (f *fakeRecorder) RecordResult(_ context.Context, _ string, res workflow.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, res.Row)
	return nil
}

func (f *fakeRecorder) FinishRun(_ context.Context, _ string, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, state)
	return nil
}

func threeRecords() []records.Record {
	return []records.Record{
		{Row: 3, Name: "a", MediaRef: "a.png"},
		{Row: 5, Name: "b"},
		{Row: 8, Name: "c", MediaRef: "broken"},
	}
}

func mapping() records.Mapping {
	return records.Mapping{Enabled: "A", Name: "B", Icon: "C", BasicID: "D",
		AccessToken: "-", PermissionLink: "-", FriendLink: "-", BusinessAccount: "H"}
}

func newRunner(src *fakeSource, prov *fakeProv, rep *fakeReporter, opts ...Option) *Runner {
	opts = append([]Option{WithReporter(rep), WithLogger(zap.NewNop()), WithRetriever(fakeRetriever{})}, opts...)
	return New(Config{SheetURL: "sheet", SheetName: "tab", Mapping: mapping()}, src, prov, opts...)
}

func TestRun_PreservesOrderAndWritesBack(t *testing.T) {
	src := &fakeSource{recs: threeRecords()}
	prov := &fakeProv{}
	rep := &fakeReporter{}
	rec := &fakeRecorder{}

	results := newRunner(src, prov, rep, WithRecorder(rec)).Run(context.Background())

	require.Len(t, results, 3)
	for i, want := range []int{3, 5, 8} {
		assert.Equal(t, want, results[i].Row)
	}
	assert.Equal(t, []string{"/icons/a.png", "", ""}, prov.assets)
	assert.Equal(t, []string{
		"3:D=@id3", "3:H=ops@example.com",
		"5:D=@id5", "5:H=ops@example.com",
		"8:D=@id8", "8:H=ops@example.com",
	}, src.writes)

	assert.True(t, prov.stopped)
	require.Len(t, rep.finished, 1)
	assert.Len(t, rep.finished[0], 3)
	assert.Equal(t, [2]int{3, 3}, rep.progress[len(rep.progress)-1])
	assert.Equal(t, 1, rep.matching("icon unavailable"))

	assert.Equal(t, 3, rec.total)
	assert.Equal(t, []int{3, 5, 8}, rec.rows)
	assert.Equal(t, []string{"completed"}, rec.states)
}

func TestRun_StopDuringPause(t *testing.T) {
	src := &fakeSource{recs: threeRecords()}
	prov := &fakeProv{}
	rep := &fakeReporter{}
	rec := &fakeRecorder{}
	r := newRunner(src, prov, rep, WithRecorder(rec))

	prov.onProcess = func(n int) {
		if n == 1 {
			r.Pause()
		}
	}

	h := r.Start(context.Background())
	require.Eventually(t, func() bool { return r.Control().waiting() == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, StatePaused, r.Control().State())

	r.Stop()
	results := h.Wait()

	require.Len(t, results, 1, "the completed record is kept")
	assert.Equal(t, 3, results[0].Row)
	assert.Equal(t, []int{3}, prov.rows(), "no later record starts")
	assert.True(t, prov.stopped)
	assert.Equal(t, []string{"stopped"}, rec.states)
	assert.Equal(t, StateFinished, r.Control().State())
}

func TestRun_PauseThenResume(t *testing.T) {
	src := &fakeSource{recs: threeRecords()}
	prov := &fakeProv{}
	r := newRunner(src, prov, &fakeReporter{})

	prov.onProcess = func(n int) {
		if n == 2 {
			r.Pause()
		}
	}

	h := r.Start(context.Background())
	require.Eventually(t, func() bool { return r.Control().waiting() == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, []int{3, 5}, prov.rows())

	r.Resume()
	assert.Len(t, h.Wait(), 3)
	assert.Equal(t, []int{3, 5, 8}, prov.rows())
}

func TestRun_CancelWhilePaused(t *testing.T) {
	src := &fakeSource{recs: threeRecords()}
	prov := &fakeProv{}
	r := newRunner(src, prov, &fakeReporter{})
	r.Pause()

	ctx, cancel := context.WithCancel(context.Background())
	h := r.Start(ctx)
	require.Eventually(t, func() bool { return r.Control().waiting() == 1 }, 2*time.Second, time.Millisecond)
	cancel()

	assert.Empty(t, h.Wait())
	assert.Empty(t, prov.rows())
	assert.True(t, prov.stopped)
}

func TestRun_ConnectFailure(t *testing.T) {
	src := &fakeSource{connectErr: errors.New("403 forbidden")}
	prov := &fakeProv{}
	rep := &fakeReporter{}

	results := newRunner(src, prov, rep).Run(context.Background())

	assert.NotNil(t, results)
	assert.Empty(t, results)
	assert.False(t, prov.started, "no browser without records")
	assert.Equal(t, 1, rep.matching("run aborted"))
	assert.Equal(t, 1, rep.matching("403 forbidden"))
	assert.Len(t, rep.finished, 1)
}

func TestRun_AuthenticationFailure(t *testing.T) {
	src := &fakeSource{recs: threeRecords()}
	prov := &fakeProv{authErr: errors.New("still on login")}
	rep := &fakeReporter{}

	results := newRunner(src, prov, rep).Run(context.Background())

	assert.Empty(t, results)
	assert.True(t, prov.started)
	assert.True(t, prov.stopped, "browser torn down")
	assert.Empty(t, prov.rows())
	assert.Equal(t, 1, rep.matching("run aborted"))
	assert.Empty(t, src.writes)
}

func TestRun_LaunchFailure(t *testing.T) {
	prov := &fakeProv{startErr: errors.New("no chrome")}
	rep := &fakeReporter{}

	results := newRunner(&fakeSource{recs: threeRecords()}, prov, rep).Run(context.Background())

	assert.Empty(t, results)
	assert.False(t, prov.stopped)
	assert.Equal(t, 1, rep.matching("no chrome"))
}

func TestRun_NoEligibleRecords(t *testing.T) {
	prov := &fakeProv{}
	rep := &fakeReporter{}

	results := newRunner(&fakeSource{}, prov, rep).Run(context.Background())

	assert.Empty(t, results)
	assert.False(t, prov.started)
	assert.Equal(t, 1, rep.matching("no enabled rows"))
}

func TestRun_WriteFailureDoesNotStopRun(t *testing.T) {
	src := &fakeSource{recs: threeRecords(), writeErr: errors.New("quota")}
	rep := &fakeReporter{}

	results := newRunner(src, &fakeProv{}, rep).Run(context.Background())

	assert.Len(t, results, 3)
	assert.Equal(t, 6, rep.matching("could not write"))
}

func TestControl_StopUnparksPause(t *testing.T) {
	c := NewControl()
	c.Pause()
	assert.True(t, c.Paused())

	done := make(chan error, 1)
	go func() { done <- c.WaitWhilePaused(context.Background()) }()
	require.Eventually(t, func() bool { return c.waiting() == 1 }, 2*time.Second, time.Millisecond)

	c.Stop()
	require.NoError(t, <-done)
	assert.True(t, c.Stopping())
	assert.False(t, c.Paused())

	c.Pause()
	assert.False(t, c.Paused(), "pause is ignored once stopping")
	assert.Equal(t, StateStopping, c.State())
}
