package browser

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strings"
	"sync"
	"time"

	"lineprov/internal/logging"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

var (
	// ErrNotLaunched is returned by page operations before Launch.
	ErrNotLaunched = errors.New("browser not launched")
	// ErrNoNewSurface is returned when no new tab appears in time.
	ErrNoNewSurface = errors.New("no new tab appeared")
	// ErrLastSurface is returned when closing the only open tab.
	ErrLastSurface = errors.New("cannot close the last tab")
)

const (
	clickJitterPx   = 5
	dragSteps       = 10
	surfacePoll     = 500 * time.Millisecond
	surfaceDeadline = 5 * time.Second
	// networkIdle is how long no request may be in flight before a page
	// counts as loaded.
	networkIdle = 500 * time.Millisecond
)

// Key is a named keyboard key.
type Key string

const (
	KeyEnter  Key = "Enter"
	KeyEscape Key = "Escape"
	KeyTab    Key = "Tab"
)

func (k Key) input() (input.Key, error) {
	switch k {
	case KeyEnter:
		return input.Enter, nil
	case KeyEscape:
		return input.Escape, nil
	case KeyTab:
		return input.Tab, nil
	}
	return 0, fmt.Errorf("unsupported key %q", string(k))
}

// Option configures a Controller.
type Option func(*Controller)

// WithRand sets the random source used for delays, profiles and paths.
func WithRand(r *rand.Rand) Option {
	return func(c *Controller) { c.rng = r }
}

// Controller owns one Chrome instance, the current tab and the tabs opened
// from it. Page operations act on the current tab.
type Controller struct {
	cfg Config
	log *zap.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	mu       sync.RWMutex
	launcher *launcher.Launcher
	browser  *rod.Browser
	profile  Profile
	stack    []*rod.Page // last element is the current tab
}

// New creates an unlaunched controller.
func New(cfg Config, log *zap.Logger, opts ...Option) *Controller {
	c := &Controller{
		cfg: cfg,
		log: logging.Or(log, logging.CategoryBrowser),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.rng == nil {
		c.rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15))
	}
	return c
}

func (c *Controller) withRand(fn func(r *rand.Rand)) {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	fn(c.rng)
}

func (c *Controller) randMs(lo, hi int) time.Duration {
	var d time.Duration
	c.withRand(func(r *rand.Rand) { d = betweenMs(r, lo, hi) })
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// settle waits a random action delay.
func (c *Controller) settle(ctx context.Context) error {
	return sleep(ctx, c.randMs(c.cfg.ActionDelayMinMs, c.cfg.ActionDelayMaxMs))
}

// Launch starts Chrome with the configured flags and a freshly drawn
// fingerprint. A healthy existing browser is kept.
func (c *Controller) Launch(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("launch browser: %v", r)
		}
	}()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.browser != nil {
		if _, verr := c.browser.Version(); verr == nil {
			return nil
		}
		c.log.Warn("stale browser connection detected, relaunching")
		c.closeLocked()
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	var profile Profile
	c.withRand(func(r *rand.Rand) { profile = PickProfile(r, c.cfg) })

	l := launcher.New().Headless(c.cfg.Headless)
	if c.cfg.Bin != "" {
		l = l.Bin(c.cfg.Bin)
	}
	for _, rawFlag := range c.cfg.Args {
		flagStr := strings.TrimLeft(rawFlag, "-")
		name, val, hasVal := strings.Cut(flagStr, "=")
		if name == "window-size" {
			continue
		}
		if hasVal {
			l = l.Set(flags.Flag(name), val)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	l = l.Set(flags.Flag("window-size"), fmt.Sprintf("%d,%d", profile.Viewport.Width, profile.Viewport.Height))
	if profile.Locale != "" {
		l = l.Set(flags.Flag("lang"), profile.Locale)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return fmt.Errorf("launch chrome: %w", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		return fmt.Errorf("connect to chrome: %w", err)
	}

	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = b.Close()
		l.Kill()
		return fmt.Errorf("create page: %w", err)
	}
	if err := applyProfile(page, profile, false); err != nil {
		_ = b.Close()
		l.Kill()
		return err
	}

	c.launcher = l
	c.browser = b
	c.profile = profile
	c.stack = []*rod.Page{page}

	c.log.Info("browser launched",
		zap.String("user_agent", profile.UserAgent),
		zap.Int("width", profile.Viewport.Width),
		zap.Int("height", profile.Viewport.Height),
		zap.Bool("headless", c.cfg.Headless))
	return nil
}

// Close shuts the browser down. It is safe to call more than once.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Controller) closeLocked() error {
	var err error
	if c.browser != nil {
		err = c.browser.Close()
		c.browser = nil
	}
	if c.launcher != nil {
		c.launcher.Cleanup()
		c.launcher = nil
	}
	c.stack = nil
	return err
}

// Profile returns the fingerprint of the running browser.
func (c *Controller) Profile() Profile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.profile
}

func (c *Controller) current(ctx context.Context) (*rod.Page, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.stack) == 0 {
		return nil, ErrNotLaunched
	}
	return c.stack[len(c.stack)-1].Context(ctx), nil
}

func (c *Controller) find(ctx context.Context, loc Locator, timeout time.Duration) (*rod.Page, *rod.Element, error) {
	page, err := c.current(ctx)
	if err != nil {
		return nil, nil, err
	}
	if timeout <= 0 {
		timeout = c.cfg.ElementTimeout()
	}

	p := page.Timeout(timeout)
	defer p.CancelTimeout()

	var el *rod.Element
	if loc.Text != "" {
		el, err = p.ElementR(loc.selector(), regexp.QuoteMeta(loc.Text))
	} else {
		el, err = p.Element(loc.selector())
	}
	if err != nil {
		return nil, nil, fmt.Errorf("find %s: %w", loc, err)
	}
	return page, el.Context(ctx), nil
}

// Navigate loads url in the current tab and waits for it to settle.
func (c *Controller) Navigate(ctx context.Context, url string) error {
	page, err := c.current(ctx)
	if err != nil {
		return err
	}
	p := page.Timeout(c.cfg.NavigationTimeout())
	defer p.CancelTimeout()

	// Armed before navigating so requests fired during load are counted.
	waitIdle := p.WaitRequestIdle(networkIdle, nil, nil, nil)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("wait load %s: %w", url, err)
	}
	waitIdle()
	c.log.Debug("navigated", zap.String("url", url))
	return c.settle(ctx)
}

// Reload reloads the current tab.
func (c *Controller) Reload(ctx context.Context) error {
	page, err := c.current(ctx)
	if err != nil {
		return err
	}
	p := page.Timeout(c.cfg.NavigationTimeout())
	defer p.CancelTimeout()

	waitIdle := p.WaitRequestIdle(networkIdle, nil, nil, nil)
	if err := p.Reload(); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("wait load after reload: %w", err)
	}
	waitIdle()
	return c.settle(ctx)
}

// movePointer moves the mouse along a Bézier path to a jittered point inside
// el and returns that point.
func (c *Controller) movePointer(ctx context.Context, page *rod.Page, el *rod.Element) (Point, error) {
	_ = el.ScrollIntoView()
	box, err := elementBox(el)
	if err != nil {
		return Point{}, err
	}

	var path []Point
	var target Point
	c.withRand(func(r *rand.Rand) {
		target = Jitter(r, box.Center(), clickJitterPx)
		steps := between(r, c.cfg.MouseStepsMin, c.cfg.MouseStepsMax)
		path = BezierPath(r, startPoint(r), target, steps, float64(c.cfg.BezierOffset))
	})

	for _, pt := range path {
		if err := page.Mouse.MoveTo(proto.Point{X: pt.X, Y: pt.Y}); err != nil {
			return Point{}, fmt.Errorf("move pointer: %w", err)
		}
		if err := sleep(ctx, c.randMs(5, 15)); err != nil {
			return Point{}, err
		}
	}
	return target, nil
}

// HumanClick moves the pointer along a curved path and clicks the element.
func (c *Controller) HumanClick(ctx context.Context, loc Locator) error {
	page, el, err := c.find(ctx, loc, 0)
	if err != nil {
		return err
	}
	if _, err := c.movePointer(ctx, page, el); err != nil {
		return err
	}
	if err := page.Mouse.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click %s: %w", loc, err)
	}
	return c.settle(ctx)
}

// Click clicks the element directly, without a pointer path.
func (c *Controller) Click(ctx context.Context, loc Locator) error {
	_, el, err := c.find(ctx, loc, 0)
	if err != nil {
		return err
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click %s: %w", loc, err)
	}
	return c.settle(ctx)
}

// HumanType focuses the element with a human click and types text one rune
// at a time.
func (c *Controller) HumanType(ctx context.Context, loc Locator, text string) error {
	page, el, err := c.find(ctx, loc, 0)
	if err != nil {
		return err
	}
	if _, err := c.movePointer(ctx, page, el); err != nil {
		return err
	}
	if err := page.Mouse.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("focus %s: %w", loc, err)
	}
	for _, r := range text {
		if err := page.InsertText(string(r)); err != nil {
			return fmt.Errorf("type into %s: %w", loc, err)
		}
		if err := sleep(ctx, c.randMs(c.cfg.TypingDelayMinMs, c.cfg.TypingDelayMaxMs)); err != nil {
			return err
		}
	}
	return c.settle(ctx)
}

// SelectOption selects the option with the given value.
func (c *Controller) SelectOption(ctx context.Context, loc Locator, value string) error {
	_, el, err := c.find(ctx, loc, 0)
	if err != nil {
		return err
	}
	sel := fmt.Sprintf(`option[value=%q]`, value)
	if err := el.Select([]string{sel}, true, rod.SelectorTypeCSSSector); err != nil {
		return fmt.Errorf("select %s in %s: %w", value, loc, err)
	}
	return c.settle(ctx)
}

// DragTo presses on the element's center and drags to (x, y) in straight steps.
func (c *Controller) DragTo(ctx context.Context, loc Locator, x, y float64) error {
	page, el, err := c.find(ctx, loc, 0)
	if err != nil {
		return err
	}
	_ = el.ScrollIntoView()
	box, err := elementBox(el)
	if err != nil {
		return err
	}
	from := box.Center()

	if err := page.Mouse.MoveTo(proto.Point{X: from.X, Y: from.Y}); err != nil {
		return fmt.Errorf("move to %s: %w", loc, err)
	}
	if err := page.Mouse.Down(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("press on %s: %w", loc, err)
	}
	for _, pt := range LinearPath(from, Point{X: x, Y: y}, dragSteps) {
		if err := page.Mouse.MoveTo(proto.Point{X: pt.X, Y: pt.Y}); err != nil {
			_ = page.Mouse.Up(proto.InputMouseButtonLeft, 1)
			return fmt.Errorf("drag %s: %w", loc, err)
		}
		if err := sleep(ctx, c.randMs(10, 30)); err != nil {
			_ = page.Mouse.Up(proto.InputMouseButtonLeft, 1)
			return err
		}
	}
	if err := page.Mouse.Up(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("release %s: %w", loc, err)
	}
	return c.settle(ctx)
}

// AttachFile sets a file on a file input without opening a dialog.
func (c *Controller) AttachFile(ctx context.Context, loc Locator, path string) error {
	_, el, err := c.find(ctx, loc, 0)
	if err != nil {
		return err
	}
	if err := el.SetFiles([]string{path}); err != nil {
		return fmt.Errorf("attach %s: %w", path, err)
	}
	return c.settle(ctx)
}

// PressKey presses a key on the current tab.
func (c *Controller) PressKey(ctx context.Context, key Key) error {
	k, err := key.input()
	if err != nil {
		return err
	}
	page, err := c.current(ctx)
	if err != nil {
		return err
	}
	if err := page.Keyboard.Press(k); err != nil {
		return fmt.Errorf("press %s: %w", key, err)
	}
	return nil
}

// WaitURL polls until the current URL contains substr.
func (c *Controller) WaitURL(ctx context.Context, substr string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		if strings.Contains(c.CurrentURL(), substr) {
			return nil
		}
		if err := sleep(ctx, 250*time.Millisecond); err != nil {
			return fmt.Errorf("wait for url containing %q: %w", substr, err)
		}
	}
}

// CurrentURL returns the current tab's URL, or "" when unavailable.
func (c *Controller) CurrentURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.stack) == 0 {
		return ""
	}
	info, err := c.stack[len(c.stack)-1].Info()
	if err != nil {
		return ""
	}
	return info.URL
}

// SwitchToNewestSurface adopts a tab opened since the last switch and makes
// it current.
func (c *Controller) SwitchToNewestSurface(ctx context.Context) error {
	deadline := time.Now().Add(surfaceDeadline)
	for {
		page, err := c.untrackedPage()
		if err != nil {
			return err
		}
		if page != nil {
			return c.adopt(ctx, page)
		}
		if time.Now().After(deadline) {
			return ErrNoNewSurface
		}
		if err := sleep(ctx, surfacePoll); err != nil {
			return err
		}
	}
}

func (c *Controller) untrackedPage() (*rod.Page, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.browser == nil {
		return nil, ErrNotLaunched
	}
	pages, err := c.browser.Pages()
	if err != nil {
		return nil, fmt.Errorf("list tabs: %w", err)
	}
	known := make(map[proto.TargetTargetID]bool, len(c.stack))
	for _, p := range c.stack {
		known[p.TargetID] = true
	}
	for i := len(pages) - 1; i >= 0; i-- {
		if !known[pages[i].TargetID] {
			return pages[i], nil
		}
	}
	return nil, nil
}

func (c *Controller) adopt(ctx context.Context, page *rod.Page) error {
	if err := applyProfile(page, c.Profile(), true); err != nil {
		return err
	}
	if _, err := page.Activate(); err != nil {
		return fmt.Errorf("activate tab: %w", err)
	}
	p := page.Context(ctx).Timeout(c.cfg.NavigationTimeout())
	if err := p.WaitLoad(); err != nil {
		c.log.Debug("new tab did not finish loading", zap.Error(err))
	}
	p.CancelTimeout()

	c.mu.Lock()
	c.stack = append(c.stack, page)
	depth := len(c.stack)
	c.mu.Unlock()

	c.log.Debug("switched to new tab", zap.Int("tabs", depth))
	return c.settle(ctx)
}

// CloseCurrentSurface closes the current tab and returns to the previous one.
func (c *Controller) CloseCurrentSurface(ctx context.Context) error {
	c.mu.Lock()
	if len(c.stack) == 0 {
		c.mu.Unlock()
		return ErrNotLaunched
	}
	if len(c.stack) == 1 {
		c.mu.Unlock()
		return ErrLastSurface
	}
	top := c.stack[len(c.stack)-1]
	c.stack = c.stack[:len(c.stack)-1]
	prev := c.stack[len(c.stack)-1]
	c.mu.Unlock()

	if err := top.Close(); err != nil {
		c.log.Debug("close tab", zap.Error(err))
	}
	if _, err := prev.Activate(); err != nil {
		return fmt.Errorf("activate previous tab: %w", err)
	}
	return c.settle(ctx)
}

// CloseAllExceptCurrent closes every other tab of the browser.
func (c *Controller) CloseAllExceptCurrent(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.browser == nil || len(c.stack) == 0 {
		return ErrNotLaunched
	}
	cur := c.stack[len(c.stack)-1]

	pages, err := c.browser.Context(ctx).Pages()
	if err != nil {
		return fmt.Errorf("list tabs: %w", err)
	}
	closed := 0
	for _, p := range pages {
		if p.TargetID == cur.TargetID {
			continue
		}
		if err := p.Close(); err != nil {
			c.log.Debug("close tab", zap.Error(err))
			continue
		}
		closed++
	}
	c.stack = []*rod.Page{cur}
	if closed > 0 {
		c.log.Debug("closed extra tabs", zap.Int("count", closed))
	}
	_, err = cur.Activate()
	return err
}

// Exists reports whether the locator resolves within timeout.
func (c *Controller) Exists(ctx context.Context, loc Locator, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	_, _, err := c.find(ctx, loc, timeout)
	return err == nil
}

// TextOf returns the element's visible text.
func (c *Controller) TextOf(ctx context.Context, loc Locator) (string, error) {
	_, el, err := c.find(ctx, loc, 0)
	if err != nil {
		return "", err
	}
	return el.Text()
}

// ValueOf returns a form control's current value.
func (c *Controller) ValueOf(ctx context.Context, loc Locator) (string, error) {
	_, el, err := c.find(ctx, loc, 0)
	if err != nil {
		return "", err
	}
	v, err := el.Property("value")
	if err != nil {
		return "", fmt.Errorf("read value of %s: %w", loc, err)
	}
	return v.Str(), nil
}

// AttrOf returns an attribute value, or "" when the attribute is absent.
func (c *Controller) AttrOf(ctx context.Context, loc Locator, name string) (string, error) {
	_, el, err := c.find(ctx, loc, 0)
	if err != nil {
		return "", err
	}
	v, err := el.Attribute(name)
	if err != nil {
		return "", fmt.Errorf("read %s of %s: %w", name, loc, err)
	}
	if v == nil {
		return "", nil
	}
	return *v, nil
}

// BoundingBox returns the element's rendered box.
func (c *Controller) BoundingBox(ctx context.Context, loc Locator) (Box, error) {
	_, el, err := c.find(ctx, loc, 0)
	if err != nil {
		return Box{}, err
	}
	return elementBox(el)
}

func elementBox(el *rod.Element) (Box, error) {
	shape, err := el.Shape()
	if err != nil {
		return Box{}, fmt.Errorf("element shape: %w", err)
	}
	if shape == nil || len(shape.Quads) == 0 {
		return Box{}, errors.New("element has no layout box")
	}
	r := shape.Box()
	return Box{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height}, nil
}

// VisibleBoxes returns the boxes of currently visible elements matching css.
// It does not wait for elements to appear.
func (c *Controller) VisibleBoxes(ctx context.Context, css string) []Box {
	page, err := c.current(ctx)
	if err != nil {
		return nil
	}
	els, err := page.Elements(css)
	if err != nil {
		return nil
	}
	var boxes []Box
	for _, el := range els {
		visible, err := el.Visible()
		if err != nil || !visible {
			continue
		}
		box, err := elementBox(el)
		if err != nil {
			continue
		}
		boxes = append(boxes, box)
	}
	return boxes
}

// Visible reports whether any element matching css is visible.
func (c *Controller) Visible(ctx context.Context, css string) bool {
	return len(c.VisibleBoxes(ctx, css)) > 0
}

// HTML returns the current tab's rendered markup.
func (c *Controller) HTML(ctx context.Context) (string, error) {
	page, err := c.current(ctx)
	if err != nil {
		return "", err
	}
	return page.HTML()
}
