package browser

import (
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// overridesJS hides the remaining automation markers that stealth.JS leaves
// to the caller.
const overridesJS = `() => {
	Object.defineProperty(navigator, 'webdriver', { get: () => undefined, configurable: true });
	window.chrome = window.chrome || {};
	window.chrome.runtime = window.chrome.runtime || {};
	Object.defineProperty(navigator, 'languages', { get: () => ['ja-JP', 'ja', 'en-US', 'en'], configurable: true });
	Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5], configurable: true });
	const query = window.navigator.permissions && window.navigator.permissions.query;
	if (query) {
		window.navigator.permissions.query = (p) =>
			p && p.name === 'notifications'
				? Promise.resolve({ state: Notification.permission })
				: query.call(window.navigator.permissions, p);
	}
}`

// applyProfile installs the fingerprint and init scripts on a page. Init
// scripts only affect documents loaded afterwards, so adopted tabs also get
// the scripts evaluated in place.
func applyProfile(page *rod.Page, p Profile, inPlace bool) error {
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      p.UserAgent,
		AcceptLanguage: p.Locale,
	}); err != nil {
		return fmt.Errorf("set user agent: %w", err)
	}

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             p.Viewport.Width,
		Height:            p.Viewport.Height,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}); err != nil {
		return fmt.Errorf("set viewport: %w", err)
	}

	if p.Timezone != "" {
		if err := (proto.EmulationSetTimezoneOverride{TimezoneID: p.Timezone}).Call(page); err != nil {
			return fmt.Errorf("set timezone: %w", err)
		}
	}
	if p.Locale != "" {
		if err := (proto.EmulationSetLocaleOverride{Locale: p.Locale}).Call(page); err != nil {
			return fmt.Errorf("set locale: %w", err)
		}
	}

	if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
		return fmt.Errorf("install stealth script: %w", err)
	}
	if _, err := page.EvalOnNewDocument("(" + overridesJS + ")()"); err != nil {
		return fmt.Errorf("install overrides: %w", err)
	}

	if inPlace {
		_, _ = page.Evaluate(&rod.EvalOptions{JS: overridesJS, ByValue: true})
	}
	return nil
}
