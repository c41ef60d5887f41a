// Package challenge detects bot-verification challenges on the current page
// and suspends the workflow until an operator clears them.
package challenge

import (
	"context"
	"sync"
	"time"

	"lineprov/internal/browser"
	"lineprov/internal/logging"

	"go.uber.org/zap"
)

// DefaultSelectors match the known challenge widgets.
var DefaultSelectors = []string{
	`iframe[src*="recaptcha"]`,
	`iframe[title*="reCAPTCHA"]`,
	`.g-recaptcha`,
	`#recaptcha`,
	`div[data-sitekey]`,
}

const (
	DefaultMinSize  = 10
	DefaultFallback = 60 * time.Second
)

// Probe reports visible element boxes on the current page.
type Probe interface {
	VisibleBoxes(ctx context.Context, css string) []browser.Box
}

// Notifier is told when an operator is needed and when the challenge has
// been cleared.
type Notifier interface {
	ChallengeRequired()
	ChallengeResolved()
}

// Handle is a one-shot resolution signal.
type Handle struct {
	done chan struct{}
	once sync.Once
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// Done is closed when the handle is resolved.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) resolve() bool {
	fired := false
	h.once.Do(func() {
		close(h.done)
		fired = true
	})
	return fired
}

// Option configures a Gate.
type Option func(*Gate)

// WithNotifier sets the control surface to notify.
func WithNotifier(n Notifier) Option {
	return func(g *Gate) { g.notifier = n }
}

// WithSelectors replaces the challenge selectors.
func WithSelectors(sel []string) Option {
	return func(g *Gate) {
		if len(sel) > 0 {
			g.selectors = sel
		}
	}
}

// WithMinSize sets the minimum rendered side length, in pixels.
func WithMinSize(px float64) Option {
	return func(g *Gate) { g.minSize = px }
}

// WithFallback sets the timed wait used when no notifier is wired.
func WithFallback(d time.Duration) Option {
	return func(g *Gate) { g.fallback = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gate) { g.log = l }
}

// Gate holds at most one outstanding resolution handle. Concurrent
// detections share it and the notifier fires only when it is created.
type Gate struct {
	probe     Probe
	notifier  Notifier
	selectors []string
	minSize   float64
	fallback  time.Duration
	log       *zap.Logger

	mu      sync.Mutex
	pending *Handle
	waiting int
}

// New creates a gate over probe.
func New(probe Probe, opts ...Option) *Gate {
	g := &Gate{
		probe:     probe,
		selectors: DefaultSelectors,
		minSize:   DefaultMinSize,
		fallback:  DefaultFallback,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = logging.Or(g.log, logging.CategoryChallenge)
	return g
}

// SetNotifier wires the control surface after construction.
func (g *Gate) SetNotifier(n Notifier) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notifier = n
}

// Detect reports whether a challenge widget is visible with both rendered
// sides larger than the minimum size.
func (g *Gate) Detect(ctx context.Context) bool {
	for _, sel := range g.selectors {
		for _, box := range g.probe.VisibleBoxes(ctx, sel) {
			if box.Width > g.minSize && box.Height > g.minSize {
				g.log.Info("challenge detected", zap.String("selector", sel),
					zap.Float64("width", box.Width), zap.Float64("height", box.Height))
				return true
			}
		}
	}
	return false
}

// AwaitResolution blocks until an operator resolves the challenge or ctx
// ends. Without a notifier it waits the fixed fallback instead.
func (g *Gate) AwaitResolution(ctx context.Context) error {
	g.mu.Lock()
	n := g.notifier
	if n == nil {
		g.mu.Unlock()
		g.log.Warn("no control surface wired, waiting for manual resolution", zap.Duration("wait", g.fallback))
		t := time.NewTimer(g.fallback)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}

	created := false
	if g.pending == nil {
		g.pending = newHandle()
		created = true
	}
	h := g.pending
	g.waiting++
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.waiting--
		// The last waiter leaving drops an unresolved handle so the next
		// detection notifies again.
		if g.pending == h && (isClosed(h) || g.waiting == 0) {
			g.pending = nil
		}
		g.mu.Unlock()
	}()

	if created {
		g.log.Info("waiting for operator to clear the challenge")
		n.ChallengeRequired()
	}

	select {
	case <-h.Done():
		g.log.Info("challenge resolved")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isClosed(h *Handle) bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Resolve satisfies the outstanding handle and tells the notifier. It
// returns false when nothing is pending.
func (g *Gate) Resolve() bool {
	g.mu.Lock()
	h := g.pending
	n := g.notifier
	g.pending = nil
	g.mu.Unlock()
	if h == nil || !h.resolve() {
		return false
	}
	if n != nil {
		n.ChallengeResolved()
	}
	return true
}

// Pending reports whether a resolution handle is outstanding.
func (g *Gate) Pending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending != nil
}

// CheckAndWait detects a challenge and waits for it when present.
func (g *Gate) CheckAndWait(ctx context.Context) (bool, error) {
	if !g.Detect(ctx) {
		return false, nil
	}
	return true, g.AwaitResolution(ctx)
}

func (g *Gate) waiters() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiting
}
