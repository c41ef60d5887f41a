package control

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"lineprov/internal/challenge"
	"lineprov/internal/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

type recorder struct {
	mu       sync.Mutex
	calls    []string
	resolves bool
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.calls = append(r.calls, s)
	r.mu.Unlock()
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) Pause()  { r.add("pause") }
func (r *recorder) Resume() { r.add("resume") }
func (r *recorder) Stop()   { r.add("stop") }
func (r *recorder) Resolve() bool {
	r.add("resolve")
	return r.resolves
}

func (r *recorder) Progress(cur, total int)            { r.add("progress") }
func (r *recorder) Status(msg string)                  { r.add("status:" + msg) }
func (r *recorder) ChallengeRequired()                 { r.add("challenge") }
func (r *recorder) ChallengeResolved()                 { r.add("resolved") }
func (r *recorder) Finished(results []workflow.Result) { r.add("finished") }

func TestMulti_FansOutInOrder(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	m := NewMulti(a, nil)
	m.Add(b)
	m.Add(nil)

	m.Status("hello")
	m.Progress(1, 2)
	m.ChallengeRequired()
	m.ChallengeResolved()
	m.Finished(nil)

	want := []string{"status:hello", "progress", "challenge", "resolved", "finished"}
	assert.Equal(t, want, a.got())
	assert.Equal(t, want, b.got())
}

func TestNopAndLogReporter(t *testing.T) {
	var r Reporter = Nop{}
	r.Status("x")
	r = NewLogReporter(zap.NewNop())
	r.Progress(1, 1)
	r.ChallengeRequired()
	r.ChallengeResolved()
	r.Finished([]workflow.Result{{Success: true}, {}})
}

func newTestWatcher(t *testing.T, rec *recorder) *Watcher {
	t.Helper()
	w, err := NewWatcher(filepath.Join(t.TempDir(), "control"), rec, rec, zap.NewNop())
	require.NoError(t, err)
	return w
}

func TestWatcher_Dispatch(t *testing.T) {
	rec := &recorder{resolves: true}
	w := newTestWatcher(t, rec)
	t.Cleanup(func() { w.watcher.Close() })

	for _, name := range []string{FilePause, FileResume, FileStop, FileResolved} {
		assert.True(t, w.Dispatch(name), name)
	}
	assert.False(t, w.Dispatch(FileStatus))
	assert.False(t, w.Dispatch("notes.txt"))
	assert.Equal(t, []string{"pause", "resume", "stop", "resolve"}, rec.got())
}

// awaitChallenge blocks a gate waiter in the background until the gate has
// announced the challenge.
func awaitChallenge(t *testing.T, g *challenge.Gate) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- g.AwaitResolution(context.Background()) }()
	require.Eventually(t, g.Pending, 2*time.Second, time.Millisecond)
	return done
}

func TestWatcher_ChallengeMarker(t *testing.T) {
	rec := &recorder{}
	g := challenge.New(nil, challenge.WithLogger(zap.NewNop()))
	w, err := NewWatcher(filepath.Join(t.TempDir(), "control"), rec, g, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { w.watcher.Close() })
	g.SetNotifier(w)
	marker := filepath.Join(w.Dir(), FileChallenge)

	done := awaitChallenge(t, g)
	assert.FileExists(t, marker)
	assert.True(t, w.Dispatch(FileResolved))
	require.NoError(t, <-done)
	assert.NoFileExists(t, marker)

	w.ChallengeRequired()
	w.Dispatch(FileResolved)
	assert.FileExists(t, marker, "marker stays when nothing was pending")
}

func TestWatcher_MarkerClearedByOtherResolver(t *testing.T) {
	rec := &recorder{}
	g := challenge.New(nil, challenge.WithLogger(zap.NewNop()))
	w, err := NewWatcher(filepath.Join(t.TempDir(), "control"), rec, g, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { w.watcher.Close() })
	g.SetNotifier(NewMulti(NewLogReporter(zap.NewNop()), w))
	marker := filepath.Join(w.Dir(), FileChallenge)

	done := awaitChallenge(t, g)
	assert.FileExists(t, marker)

	// Acknowledged from another surface, such as the terminal UI.
	require.True(t, g.Resolve())
	require.NoError(t, <-done)
	assert.NoFileExists(t, marker)
}

func TestWatcher_StatusFile(t *testing.T) {
	w := newTestWatcher(t, &recorder{})
	t.Cleanup(func() { w.watcher.Close() })
	status := filepath.Join(w.Dir(), FileStatus)

	w.Progress(2, 5)
	w.Status("processing row 4")
	body, err := os.ReadFile(status)
	require.NoError(t, err)
	assert.Equal(t, "2/5 processing row 4\n", string(body))

	w.Finished([]workflow.Result{{Success: true}, {}})
	body, err = os.ReadFile(status)
	require.NoError(t, err)
	assert.Equal(t, "finished 1/2 succeeded\n", string(body))
}

func TestWatcher_HandlesDroppedFiles(t *testing.T) {
	rec := &recorder{}
	w := newTestWatcher(t, rec)

	// A command present before Start is handled immediately.
	pre := filepath.Join(w.Dir(), FilePause)
	require.NoError(t, os.WriteFile(pre, nil, 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	assert.Equal(t, []string{"pause"}, rec.got())
	assert.NoFileExists(t, pre)

	stop := filepath.Join(w.Dir(), FileStop)
	require.NoError(t, os.WriteFile(stop, nil, 0o644))

	assert.Eventually(t, func() bool {
		calls := rec.got()
		return len(calls) >= 2 && calls[len(calls)-1] == "stop"
	}, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		_, err := os.Stat(stop)
		return os.IsNotExist(err)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWatcher_StopAfterFailedStart(t *testing.T) {
	w := newTestWatcher(t, &recorder{})
	t.Cleanup(func() { w.watcher.Close() })
	require.NoError(t, os.RemoveAll(w.Dir()))

	require.Error(t, w.Start(context.Background()))

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked after a failed Start")
	}

	// The directory can be recreated and watched afterwards.
	require.NoError(t, os.MkdirAll(w.Dir(), 0o755))
	require.NoError(t, w.Start(context.Background()))
	w.Stop()
}
