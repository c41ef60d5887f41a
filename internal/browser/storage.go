package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"lineprov/internal/session"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// Cookies returns every cookie of the browser.
func (c *Controller) Cookies(ctx context.Context) ([]session.Cookie, error) {
	c.mu.RLock()
	b := c.browser
	c.mu.RUnlock()
	if b == nil {
		return nil, ErrNotLaunched
	}

	raw, err := b.Context(ctx).GetCookies()
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}
	out := make([]session.Cookie, 0, len(raw))
	for _, ck := range raw {
		out = append(out, session.Cookie{
			Name:     ck.Name,
			Value:    ck.Value,
			Domain:   ck.Domain,
			Path:     ck.Path,
			Expires:  float64(ck.Expires),
			HTTPOnly: ck.HTTPOnly,
			Secure:   ck.Secure,
			SameSite: string(ck.SameSite),
		})
	}
	return out, nil
}

// SetCookies installs cookies into the browser.
func (c *Controller) SetCookies(ctx context.Context, cookies []session.Cookie) error {
	c.mu.RLock()
	b := c.browser
	c.mu.RUnlock()
	if b == nil {
		return ErrNotLaunched
	}
	if len(cookies) == 0 {
		return nil
	}

	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, ck := range cookies {
		params = append(params, &proto.NetworkCookieParam{
			Name:     ck.Name,
			Value:    ck.Value,
			Domain:   ck.Domain,
			Path:     ck.Path,
			Expires:  proto.TimeSinceEpoch(ck.Expires),
			HTTPOnly: ck.HTTPOnly,
			Secure:   ck.Secure,
			SameSite: proto.NetworkCookieSameSite(ck.SameSite),
		})
	}
	if err := b.Context(ctx).SetCookies(params); err != nil {
		return fmt.Errorf("set cookies: %w", err)
	}
	return nil
}

const snapshotStorageJS = `() => {
	try {
		const out = {};
		for (const key of Object.keys(localStorage)) {
			out[key] = localStorage.getItem(key);
		}
		return JSON.stringify({ origin: location.origin, items: out });
	} catch (e) {
		return JSON.stringify({ origin: location.origin, items: {} });
	}
}`

const restoreStorageJS = `(items) => {
	try {
		const l = JSON.parse(items || "{}");
		Object.entries(l).forEach(([k, v]) => localStorage.setItem(k, v));
	} catch (e) {}
	return location.origin;
}`

// Storage snapshots the current origin's localStorage, keyed by origin.
func (c *Controller) Storage(ctx context.Context) (map[string]map[string]string, error) {
	page, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	res, err := page.Evaluate(&rod.EvalOptions{
		JS:           snapshotStorageJS,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot storage: %w", err)
	}

	var snap struct {
		Origin string            `json:"origin"`
		Items  map[string]string `json:"items"`
	}
	if err := json.Unmarshal([]byte(res.Value.Str()), &snap); err != nil {
		return nil, fmt.Errorf("decode storage snapshot: %w", err)
	}
	state := map[string]map[string]string{}
	if snap.Origin != "" && snap.Origin != "null" && len(snap.Items) > 0 {
		state[snap.Origin] = snap.Items
	}
	return state, nil
}

// RestoreStorage writes the entries saved for the current tab's origin.
// Entries for other origins are left alone.
func (c *Controller) RestoreStorage(ctx context.Context, state map[string]map[string]string) error {
	if len(state) == 0 {
		return nil
	}
	page, err := c.current(ctx)
	if err != nil {
		return err
	}
	info, err := page.Info()
	if err != nil {
		return fmt.Errorf("page info: %w", err)
	}

	for origin, items := range state {
		if !sameOrigin(origin, info.URL) {
			continue
		}
		data, err := json.Marshal(items)
		if err != nil {
			return err
		}
		if _, err := page.Evaluate(&rod.EvalOptions{
			JS:           restoreStorageJS,
			JSArgs:       []interface{}{string(data)},
			ByValue:      true,
			AwaitPromise: true,
			UserGesture:  true,
		}); err != nil {
			return fmt.Errorf("restore storage for %s: %w", origin, err)
		}
		c.log.Debug("storage restored", zap.String("origin", origin), zap.Int("items", len(items)))
	}
	return nil
}

func sameOrigin(origin, rawURL string) bool {
	o, err := url.Parse(origin)
	if err != nil {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return o.Scheme == u.Scheme && o.Host == u.Host
}
