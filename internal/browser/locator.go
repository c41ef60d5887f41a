package browser

import (
	"errors"
	"fmt"
)

// ErrNoCandidate is returned by FirstOf when every candidate failed.
var ErrNoCandidate = errors.New("no candidate matched")

// Locator addresses an element by CSS selector, optionally narrowed to
// elements whose text contains Text.
type Locator struct {
	CSS  string
	Text string
}

// CSS returns a selector-only locator.
func CSS(selector string) Locator {
	return Locator{CSS: selector}
}

// WithText returns a locator for selector elements containing text.
func WithText(selector, text string) Locator {
	return Locator{CSS: selector, Text: text}
}

func (l Locator) String() string {
	if l.Text == "" {
		return l.CSS
	}
	return fmt.Sprintf("%s:has-text(%q)", l.selector(), l.Text)
}

func (l Locator) selector() string {
	if l.CSS == "" {
		return "*"
	}
	return l.CSS
}

// FirstOf tries each candidate in order and returns the first for which try
// succeeds. When all fail the error joins ErrNoCandidate with every attempt.
func FirstOf(cands []Locator, try func(Locator) error) (Locator, error) {
	errs := []error{ErrNoCandidate}
	for _, c := range cands {
		err := try(c)
		if err == nil {
			return c, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", c, err))
	}
	return Locator{}, errors.Join(errs...)
}
