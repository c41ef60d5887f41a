package control

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"lineprov/internal/logging"
	"lineprov/internal/workflow"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Command file names recognized in the control directory.
const (
	FilePause    = "pause"
	FileResume   = "resume"
	FileStop     = "stop"
	FileResolved = "resolved"

	FileStatus    = "status"
	FileChallenge = "challenge"
)

// Watcher drives a run from files dropped into a directory. Touching
// <dir>/pause, resume, stop or resolved issues that command; the file is
// removed once handled. The watcher also reports the run back into the same
// directory: status holds the latest progress line and challenge exists
// while an operator is needed.
type Watcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	dir      string
	cmd      Commander
	resolver Resolver
	log      *zap.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool

	current, total int
}

// NewWatcher creates a watcher over dir. resolver may be nil.
func NewWatcher(dir string, cmd Commander, resolver Resolver, log *zap.Logger) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create control dir: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:  fw,
		dir:      dir,
		cmd:      cmd,
		resolver: resolver,
		log:      logging.Or(log, logging.CategoryControl),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	return w.dir
}

// Start begins watching. It is non-blocking. Command files already present
// are handled first.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	if err := w.watcher.Add(w.dir); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.running = true
	w.mu.Unlock()

	for _, name := range []string{FileStop, FilePause, FileResume, FileResolved} {
		if _, err := os.Stat(filepath.Join(w.dir, name)); err == nil {
			w.handle(filepath.Join(w.dir, name))
		}
	}
	w.log.Info("watching control dir", zap.String("dir", w.dir))

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	if err := w.watcher.Close(); err != nil {
		w.log.Warn("close watcher", zap.Error(err))
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.handle(ev.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(path string) {
	name := strings.ToLower(filepath.Base(path))
	if _, err := os.Stat(path); err != nil {
		// Already handled by an earlier event for the same file.
		return
	}
	if !w.Dispatch(name) {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		w.log.Warn("remove control file", zap.String("path", path), zap.Error(err))
	}
}

// Dispatch issues the command named by a control file. It reports whether
// name was a command.
func (w *Watcher) Dispatch(name string) bool {
	switch name {
	case FilePause:
		w.cmd.Pause()
	case FileResume:
		w.cmd.Resume()
	case FileStop:
		w.cmd.Stop()
	case FileResolved:
		if w.resolver == nil {
			return true
		}
		if !w.resolver.Resolve() {
			w.log.Info("resolved dropped with no challenge pending")
		}
	default:
		return false
	}
	w.log.Info("control command", zap.String("command", name))
	return true
}

func (w *Watcher) write(name, content string) {
	if err := os.WriteFile(filepath.Join(w.dir, name), []byte(content+"\n"), 0o644); err != nil {
		w.log.Warn("write control file", zap.String("name", name), zap.Error(err))
	}
}

func (w *Watcher) clearChallenge() {
	if err := os.Remove(filepath.Join(w.dir, FileChallenge)); err != nil && !os.IsNotExist(err) {
		w.log.Warn("remove challenge marker", zap.Error(err))
	}
}

func (w *Watcher) Progress(current, total int) {
	w.mu.Lock()
	w.current, w.total = current, total
	w.mu.Unlock()
	w.write(FileStatus, fmt.Sprintf("%d/%d", current, total))
}

func (w *Watcher) Status(msg string) {
	w.mu.Lock()
	line := fmt.Sprintf("%d/%d %s", w.current, w.total, msg)
	w.mu.Unlock()
	w.write(FileStatus, line)
}

func (w *Watcher) ChallengeRequired() {
	w.write(FileChallenge, "verification challenge on screen; touch "+FileResolved+" once solved")
}

// ChallengeResolved removes the challenge marker, whichever surface
// acknowledged the challenge.
func (w *Watcher) ChallengeResolved() {
	w.clearChallenge()
}

func (w *Watcher) Finished(results []workflow.Result) {
	ok := 0
	for _, r := range results {
		if r.Success {
			ok++
		}
	}
	w.clearChallenge()
	w.write(FileStatus, fmt.Sprintf("finished %d/%d succeeded", ok, len(results)))
}
