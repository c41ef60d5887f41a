package workflow

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	basicIDPattern = regexp.MustCompile(`(@[a-zA-Z0-9]+)`)
	tokenPattern   = regexp.MustCompile(`^[A-Za-z0-9+/=]+$`)
)

// tokenMinLen is exclusive.
const tokenMinLen = 100

// trailing button labels that end up concatenated onto the token text
var tokenSuffixes = []string{"Reissue", "再発行"}

// ExtractBasicID returns the first @identifier in a URL, or "".
func ExtractBasicID(u string) string {
	if m := basicIDPattern.FindStringSubmatch(u); m != nil {
		return m[1]
	}
	return ""
}

// FindAccessToken scans the text content of div, span, code and p elements in
// document order and returns the first that looks like a long-lived channel
// access token.
func FindAccessToken(markup string) string {
	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return ""
	}

	var found string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if found != "" {
			return
		}
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Div, atom.Span, atom.Code, atom.P:
				if tok := tokenCandidate(textContent(n)); tok != "" {
					found = tok
					return
				}
			case atom.Script, atom.Style:
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return found
}

func tokenCandidate(text string) string {
	text = strings.TrimSpace(text)
	for _, s := range tokenSuffixes {
		if strings.HasSuffix(text, s) {
			text = strings.TrimSpace(strings.TrimSuffix(text, s))
			break
		}
	}
	if len(text) <= tokenMinLen || strings.ContainsAny(text, " \t\r\n") {
		return ""
	}
	if !tokenPattern.MatchString(text) {
		return ""
	}
	return text
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
