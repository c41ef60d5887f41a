// Package workflow provisions one LINE Official Account per record by
// driving the browser through a fixed sequence of phases.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"lineprov/internal/browser"
	"lineprov/internal/logging"
	"lineprov/internal/records"
	"lineprov/internal/session"

	"go.uber.org/zap"
)

var (
	// ErrNoIdentifier is returned when the new account's basic ID cannot be
	// read from the URL after creation.
	ErrNoIdentifier = errors.New("basic id not found in account url")
	// ErrAuthentication wraps a failed interactive login.
	ErrAuthentication = errors.New("authentication failed")
	// ErrCredentialNotFound is returned when no access token could be read.
	ErrCredentialNotFound = errors.New("access token not found")
	// ErrEmptyValue is returned when a read-back field is empty.
	ErrEmptyValue = errors.New("empty value")
)

// Driver is the browser surface the workflow needs.
type Driver interface {
	Launch(ctx context.Context) error
	Close() error

	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	HumanClick(ctx context.Context, loc browser.Locator) error
	Click(ctx context.Context, loc browser.Locator) error
	HumanType(ctx context.Context, loc browser.Locator, text string) error
	SelectOption(ctx context.Context, loc browser.Locator, value string) error
	DragTo(ctx context.Context, loc browser.Locator, x, y float64) error
	AttachFile(ctx context.Context, loc browser.Locator, path string) error
	PressKey(ctx context.Context, key browser.Key) error
	WaitURL(ctx context.Context, substr string, timeout time.Duration) error

	SwitchToNewestSurface(ctx context.Context) error
	CloseCurrentSurface(ctx context.Context) error
	CloseAllExceptCurrent(ctx context.Context) error

	CurrentURL() string
	Exists(ctx context.Context, loc browser.Locator, timeout time.Duration) bool
	TextOf(ctx context.Context, loc browser.Locator) (string, error)
	ValueOf(ctx context.Context, loc browser.Locator) (string, error)
	AttrOf(ctx context.Context, loc browser.Locator, name string) (string, error)
	BoundingBox(ctx context.Context, loc browser.Locator) (browser.Box, error)
	HTML(ctx context.Context) (string, error)

	Cookies(ctx context.Context) ([]session.Cookie, error)
	SetCookies(ctx context.Context, cookies []session.Cookie) error
	Storage(ctx context.Context) (map[string]map[string]string, error)
	RestoreStorage(ctx context.Context, state map[string]map[string]string) error
}

// Gate checks for verification challenges and waits for their resolution.
type Gate interface {
	CheckAndWait(ctx context.Context) (bool, error)
}

// SessionStore persists the login artifact.
type SessionStore interface {
	Save(a session.Artifact) bool
	Load() (*session.Artifact, bool)
	Exists() bool
	Clear() bool
}

// Site holds the target URLs and form constants.
type Site struct {
	LoginURL      string
	ManagerURL    string
	DevelopersURL string
	EntryURL      string
	PageURL       string
	CategoryGroup string
	Category      string
}

// DefaultSite returns the production LINE endpoints.
func DefaultSite() Site {
	return Site{
		LoginURL:      "https://account.line.biz/login?redirectUri=https%3A%2F%2Fmanager.line.biz%2F",
		ManagerURL:    "https://manager.line.biz/",
		DevelopersURL: "https://developers.line.biz/console",
		EntryURL:      "https://entry.line.biz/form/entry/unverified",
		PageURL:       "https://page.line.biz/account/",
		CategoryGroup: "71",
		Category:      "595",
	}
}

// Config configures a Provisioner.
type Config struct {
	Email          string
	Password       string
	BizManagerName string
	Site           Site
	DebugDir       string
	LoginTimeout   time.Duration
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithStatus sets the operator status callback.
func WithStatus(fn func(string)) Option {
	return func(p *Provisioner) { p.status = fn }
}

// WithSleep replaces the fixed waits between steps (tests).
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(p *Provisioner) { p.sleep = fn }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Provisioner) { p.log = l }
}

// Provisioner runs the account workflow against one browser.
type Provisioner struct {
	cfg    Config
	driver Driver
	gate   Gate
	store  SessionStore
	log    *zap.Logger
	status func(string)
	sleep  func(context.Context, time.Duration) error

	managerMarker string
}

// New creates a Provisioner.
func New(cfg Config, driver Driver, gate Gate, store SessionStore, opts ...Option) *Provisioner {
	if cfg.Site.ManagerURL == "" {
		cfg.Site = DefaultSite()
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = 10 * time.Second
	}
	p := &Provisioner{
		cfg:    cfg,
		driver: driver,
		gate:   gate,
		store:  store,
		status: func(string) {},
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = logging.Or(p.log, logging.CategoryWorkflow)

	host := cfg.Site.ManagerURL
	if u, err := url.Parse(cfg.Site.ManagerURL); err == nil && u.Host != "" {
		host = u.Host
	}
	p.managerMarker = "://" + host
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *Provisioner) report(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	p.log.Info(msg)
	p.status(msg)
}

// OwnerID is the login identity written to the owning account column.
func (p *Provisioner) OwnerID() string {
	return p.cfg.Email
}

// Start launches the browser.
func (p *Provisioner) Start(ctx context.Context) error {
	p.report("launching browser")
	return p.driver.Launch(ctx)
}

// Stop shuts the browser down.
func (p *Provisioner) Stop() error {
	p.report("closing browser")
	return p.driver.Close()
}

// onManager reports whether u is an authenticated manager page.
func (p *Provisioner) onManager(u string) bool {
	return strings.Contains(u, p.managerMarker) && !strings.Contains(u, "login")
}

// Authenticate restores the saved session or logs in interactively. A fresh
// artifact is saved only after an interactive login.
func (p *Provisioner) Authenticate(ctx context.Context) error {
	if p.restore(ctx) {
		return nil
	}
	if err := p.login(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	p.saveSession(ctx)
	return nil
}

func (p *Provisioner) restore(ctx context.Context) bool {
	if !p.store.Exists() {
		p.report("no saved session, logging in")
		return false
	}
	p.report("restoring saved session")

	a, ok := p.store.Load()
	if !ok {
		p.store.Clear()
		return false
	}

	if err := p.driver.SetCookies(ctx, a.Cookies); err != nil {
		p.log.Warn("apply saved cookies", zap.Error(err))
		p.store.Clear()
		return false
	}
	if err := p.driver.Navigate(ctx, p.cfg.Site.ManagerURL); err != nil {
		p.log.Warn("open manager with saved session", zap.Error(err))
		p.store.Clear()
		return false
	}
	if err := p.driver.RestoreStorage(ctx, a.Storage); err != nil {
		p.log.Debug("restore storage", zap.Error(err))
	}
	if err := p.sleep(ctx, 3*time.Second); err != nil {
		return false
	}

	if cur := p.driver.CurrentURL(); !p.onManager(cur) {
		p.report("saved session expired, logging in again")
		p.log.Info("restore landed off the manager", zap.String("url", cur))
		p.store.Clear()
		return false
	}
	p.report("session restored")
	return true
}

func (p *Provisioner) login(ctx context.Context) error {
	p.report("opening login page")
	if err := p.driver.Navigate(ctx, p.cfg.Site.LoginURL); err != nil {
		return err
	}
	if err := p.sleep(ctx, 2*time.Second); err != nil {
		return err
	}

	if err := p.driver.HumanClick(ctx, locLoginButton); err != nil {
		return fmt.Errorf("business account button: %w", err)
	}
	if err := p.sleep(ctx, 2*time.Second); err != nil {
		return err
	}

	p.report("entering credentials")
	if err := p.driver.HumanType(ctx, locEmail, p.cfg.Email); err != nil {
		return fmt.Errorf("email: %w", err)
	}
	if err := p.sleep(ctx, time.Second); err != nil {
		return err
	}
	if err := p.driver.HumanType(ctx, locPassword, p.cfg.Password); err != nil {
		return fmt.Errorf("password: %w", err)
	}
	if err := p.sleep(ctx, time.Second); err != nil {
		return err
	}
	if err := p.driver.PressKey(ctx, browser.KeyEnter); err != nil {
		return fmt.Errorf("submit login: %w", err)
	}
	if err := p.sleep(ctx, 3*time.Second); err != nil {
		return err
	}

	if err := p.challenge(ctx); err != nil {
		return err
	}

	if err := p.driver.WaitURL(ctx, p.managerMarker, p.cfg.LoginTimeout); err == nil {
		p.report("logged in")
		return nil
	}

	p.log.Info("manager not reached after login", zap.String("url", p.driver.CurrentURL()))
	if err := p.challenge(ctx); err != nil {
		return err
	}
	if cur := p.driver.CurrentURL(); p.onManager(cur) {
		p.report("logged in")
		return nil
	}
	return fmt.Errorf("still on %s", p.driver.CurrentURL())
}

// challenge waits out a visible challenge, if any.
func (p *Provisioner) challenge(ctx context.Context) error {
	found, err := p.gate.CheckAndWait(ctx)
	if err != nil {
		return fmt.Errorf("await challenge: %w", err)
	}
	if found {
		return p.sleep(ctx, 2*time.Second)
	}
	return nil
}

func (p *Provisioner) saveSession(ctx context.Context) {
	cookies, err := p.driver.Cookies(ctx)
	if err != nil {
		p.log.Warn("read cookies for session", zap.Error(err))
		return
	}
	storage, err := p.driver.Storage(ctx)
	if err != nil {
		p.log.Debug("read storage for session", zap.Error(err))
	}
	if p.store.Save(session.Artifact{Cookies: cookies, Storage: storage}) {
		p.report("session saved for next run")
	}
}

// Process provisions one record. The basic ID is required; every later phase
// is best effort and only leaves its output empty on failure.
func (p *Provisioner) Process(ctx context.Context, rec records.Record, assetPath string) Result {
	res := Result{Row: rec.Row}
	defer func() {
		if err := p.driver.CloseAllExceptCurrent(ctx); err != nil {
			p.log.Debug("close extra tabs", zap.Error(err))
		}
	}()

	p.report("[row %d] creating account %q", rec.Row, rec.Name)
	basicID, err := p.create(ctx, rec)
	if err != nil {
		res.Phases = append(res.Phases, PhaseOutcome{Phase: PhaseCreating, Status: StatusFailed, Err: err})
		res.Error = err.Error()
		p.report("[row %d] failed: %v", rec.Row, err)
		return res
	}
	res.BasicID = basicID
	res.Phases = append(res.Phases, PhaseOutcome{Phase: PhaseCreating, Status: StatusOK})
	p.report("[row %d] account created: %s", rec.Row, basicID)

	res.Phases = append(res.Phases,
		p.phase(ctx, rec.Row, PhaseIconUpdating, assetPath == "", func() error {
			return p.updateIcon(ctx, basicID, assetPath)
		}),
		p.phase(ctx, rec.Row, PhaseCapabilityEnabling, false, func() error {
			return p.enableMessaging(ctx, basicID, rec.Name)
		}),
		p.phase(ctx, rec.Row, PhasePermissionGranting, false, func() error {
			link, err := p.grantPermission(ctx, basicID)
			res.PermissionLink = link
			return err
		}),
		p.phase(ctx, rec.Row, PhaseLinkObtaining, false, func() error {
			link, err := p.friendLink(ctx, basicID)
			res.FriendLink = link
			return err
		}),
		p.phase(ctx, rec.Row, PhaseCredentialExtracting, false, func() error {
			tok, err := p.extractCredential(ctx, rec.Name)
			res.AccessToken = tok
			return err
		}),
	)

	res.Success = true
	p.report("[row %d] done", rec.Row)
	return res
}

// phase runs a best-effort phase. A challenge left on screen by the previous
// step is cleared first.
func (p *Provisioner) phase(ctx context.Context, row int, ph Phase, skip bool, fn func() error) PhaseOutcome {
	if skip {
		p.log.Debug("phase skipped", zap.Int("row", row), zap.String("phase", string(ph)))
		return PhaseOutcome{Phase: ph, Status: StatusSkipped}
	}
	if err := p.challenge(ctx); err != nil {
		return PhaseOutcome{Phase: ph, Status: StatusFailed, Err: err}
	}
	if err := fn(); err != nil {
		p.log.Warn("phase failed", zap.Int("row", row), zap.String("phase", string(ph)), zap.Error(err))
		p.status(fmt.Sprintf("[row %d] ⚠ %s: %v", row, ph, err))
		return PhaseOutcome{Phase: ph, Status: StatusFailed, Err: err}
	}
	return PhaseOutcome{Phase: ph, Status: StatusOK}
}
