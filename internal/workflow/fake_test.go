package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"lineprov/internal/browser"
	"lineprov/internal/session"
)

var errFake = errors.New("fake failure")

type drag struct {
	loc  browser.Locator
	x, y float64
}

// fakeDriver simulates the browser: navigation moves the URL, locators in
// present exist, and everything else succeeds unless listed in fail.
type fakeDriver struct {
	mu sync.Mutex

	url       string
	redirect  map[string]string // navigate target -> landing url
	submitURL string            // url after pressing Enter on the login form
	reloadURL string

	present map[string]bool
	fail    map[string]error
	values  map[string]map[string]string // url substring -> locator -> value
	attrs   map[string]string
	boxes   map[string]browser.Box
	html    string
	cookies []session.Cookie

	calls      []string
	drags      []drag
	setCookies int
	closedTabs int
	cleanups   int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		redirect: map[string]string{},
		present:  map[string]bool{},
		fail:     map[string]error{},
		values:   map[string]map[string]string{},
		attrs:    map[string]string{},
		boxes:    map[string]browser.Box{},
	}
}

func (f *fakeDriver) record(method string, loc browser.Locator) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, method+" "+loc.String())
	if err, ok := f.fail[method+" "+loc.String()]; ok {
		return err
	}
	return nil
}

func (f *fakeDriver) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeDriver) Launch(context.Context) error { return nil }
func (f *fakeDriver) Close() error                 { return nil }

func (f *fakeDriver) Navigate(_ context.Context, u string) error {
	if err := f.record("Navigate", browser.CSS(u)); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if to, ok := f.redirect[u]; ok {
		u = to
	}
	f.url = u
	return nil
}

func (f *fakeDriver) Reload(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "Reload")
	if f.reloadURL != "" {
		f.url = f.reloadURL
	}
	return nil
}

func (f *fakeDriver) HumanClick(_ context.Context, l browser.Locator) error {
	return f.record("HumanClick", l)
}

func (f *fakeDriver) Click(_ context.Context, l browser.Locator) error {
	return f.record("Click", l)
}

func (f *fakeDriver) HumanType(_ context.Context, l browser.Locator, _ string) error {
	return f.record("HumanType", l)
}

func (f *fakeDriver) SelectOption(_ context.Context, l browser.Locator, _ string) error {
	return f.record("SelectOption", l)
}

func (f *fakeDriver) DragTo(_ context.Context, l browser.Locator, x, y float64) error {
	if err := f.record("DragTo", l); err != nil {
		return err
	}
	f.mu.Lock()
	f.drags = append(f.drags, drag{l, x, y})
	f.mu.Unlock()
	return nil
}

func (f *fakeDriver) AttachFile(_ context.Context, l browser.Locator, _ string) error {
	return f.record("AttachFile", l)
}

func (f *fakeDriver) PressKey(_ context.Context, k browser.Key) error {
	if err := f.record("PressKey", browser.CSS(string(k))); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if k == browser.KeyEnter && f.submitURL != "" {
		f.url = f.submitURL
	}
	return nil
}

func (f *fakeDriver) WaitURL(_ context.Context, substr string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.Contains(f.url, substr) {
		return nil
	}
	return fmt.Errorf("wait for %q: %w", substr, context.DeadlineExceeded)
}

func (f *fakeDriver) SwitchToNewestSurface(context.Context) error {
	return f.record("Switch", browser.Locator{})
}

func (f *fakeDriver) CloseCurrentSurface(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedTabs++
	return nil
}

func (f *fakeDriver) CloseAllExceptCurrent(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups++
	return nil
}

func (f *fakeDriver) CurrentURL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url
}

func (f *fakeDriver) Exists(_ context.Context, l browser.Locator, _ time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.present[l.String()]
}

func (f *fakeDriver) lookup(l browser.Locator) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub, vals := range f.values {
		if !strings.Contains(f.url, sub) {
			continue
		}
		if v, ok := vals[l.String()]; ok {
			return v, nil
		}
	}
	return "", fmt.Errorf("find %s: %w", l, errFake)
}

func (f *fakeDriver) TextOf(_ context.Context, l browser.Locator) (string, error) {
	return f.lookup(l)
}

func (f *fakeDriver) ValueOf(_ context.Context, l browser.Locator) (string, error) {
	return f.lookup(l)
}

func (f *fakeDriver) AttrOf(_ context.Context, l browser.Locator, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.attrs[l.String()+"@"+name]; ok {
		return v, nil
	}
	return "", errFake
}

func (f *fakeDriver) BoundingBox(_ context.Context, l browser.Locator) (browser.Box, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.boxes[l.String()]; ok {
		return b, nil
	}
	return browser.Box{}, errFake
}

func (f *fakeDriver) HTML(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.html, nil
}

func (f *fakeDriver) Cookies(context.Context) ([]session.Cookie, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cookies, nil
}

func (f *fakeDriver) SetCookies(context.Context, []session.Cookie) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCookies++
	return nil
}

func (f *fakeDriver) Storage(context.Context) (map[string]map[string]string, error) {
	return map[string]map[string]string{}, nil
}

func (f *fakeDriver) RestoreStorage(context.Context, map[string]map[string]string) error {
	return nil
}

// fakeGate reports a challenge on the listed call numbers (1-based).
type fakeGate struct {
	mu    sync.Mutex
	calls int
	on    map[int]bool
	err   error
}

func (g *fakeGate) CheckAndWait(context.Context) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return true, g.err
	}
	return g.on[g.calls], nil
}

type fakeStore struct {
	artifact *session.Artifact
	saved    []session.Artifact
	clears   int
}

func (s *fakeStore) Save(a session.Artifact) bool {
	s.saved = append(s.saved, a)
	s.artifact = &a
	return true
}

func (s *fakeStore) Load() (*session.Artifact, bool) {
	return s.artifact, s.artifact != nil
}

func (s *fakeStore) Exists() bool { return s.artifact != nil }

func (s *fakeStore) Clear() bool {
	s.clears++
	s.artifact = nil
	return true
}
