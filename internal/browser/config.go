// Package browser drives a single stealth Chrome instance through go-rod with
// human-paced pointer and keyboard input.
package browser

import (
	"math/rand/v2"
	"time"
)

// Viewport is a window size in CSS pixels.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Config holds browser configuration.
type Config struct {
	Bin         string     `json:"bin"`
	Headless    bool       `json:"headless"`
	Args        []string   `json:"args"`
	UserAgents  []string   `json:"user_agents"`
	Viewports   []Viewport `json:"viewports"`
	Locale      string     `json:"locale"`
	Timezone    string     `json:"timezone"`
	DebugDir    string     `json:"debug_dir"`

	ActionDelayMinMs int `json:"action_delay_min_ms"`
	ActionDelayMaxMs int `json:"action_delay_max_ms"`
	TypingDelayMinMs int `json:"typing_delay_min_ms"`
	TypingDelayMaxMs int `json:"typing_delay_max_ms"`
	MouseStepsMin    int `json:"mouse_steps_min"`
	MouseStepsMax    int `json:"mouse_steps_max"`
	BezierOffset     int `json:"bezier_offset"`

	NavigationTimeoutMs int `json:"navigation_timeout_ms"`
	ElementTimeoutMs    int `json:"element_timeout_ms"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
			"--disable-setuid-sandbox",
			"--disable-infobars",
			"--start-maximized",
		},
		UserAgents: []string{
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		},
		Viewports:           []Viewport{{Width: 1920, Height: 1080}},
		Locale:              "ja-JP",
		Timezone:            "Asia/Tokyo",
		ActionDelayMinMs:    500,
		ActionDelayMaxMs:    1500,
		TypingDelayMinMs:    20,
		TypingDelayMaxMs:    100,
		MouseStepsMin:       20,
		MouseStepsMax:       40,
		BezierOffset:        50,
		NavigationTimeoutMs: 30000,
		ElementTimeoutMs:    10000,
	}
}

// NavigationTimeout returns the navigation timeout.
func (c Config) NavigationTimeout() time.Duration {
	if c.NavigationTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.NavigationTimeoutMs) * time.Millisecond
}

// ElementTimeout returns the default element readiness timeout.
func (c Config) ElementTimeout() time.Duration {
	if c.ElementTimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.ElementTimeoutMs) * time.Millisecond
}

// Profile is the per-launch fingerprint drawn from the configured pools.
type Profile struct {
	UserAgent string
	Viewport  Viewport
	Locale    string
	Timezone  string
}

// PickProfile draws a user agent and a viewport uniformly from the pools.
func PickProfile(rng *rand.Rand, c Config) Profile {
	p := Profile{
		Viewport: Viewport{Width: 1920, Height: 1080},
		Locale:   c.Locale,
		Timezone: c.Timezone,
	}
	if len(c.UserAgents) > 0 {
		p.UserAgent = c.UserAgents[rng.IntN(len(c.UserAgents))]
	}
	if len(c.Viewports) > 0 {
		p.Viewport = c.Viewports[rng.IntN(len(c.Viewports))]
	}
	return p
}

// between returns a uniform integer in [lo, hi].
func between(rng *rand.Rand, lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + rng.IntN(hi-lo+1)
}

func betweenMs(rng *rand.Rand, lo, hi int) time.Duration {
	return time.Duration(between(rng, lo, hi)) * time.Millisecond
}
