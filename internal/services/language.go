package services

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
)

const DefaultLanguage = "en"

// Languages picks the closest supported language for a requested tag and
// builds survey links for it.
type Languages struct {
	supported []language.Tag
	matcher   language.Matcher
	links     map[string]string
	fallback  string
}

// NewLanguages builds a matcher over supported (first entry is the fallback)
// with per-language base URLs; languages without one use defaultBaseURL.
func NewLanguages(supported []string, links map[string]string, defaultBaseURL string) (*Languages, error) {
	if len(supported) == 0 {
		supported = []string{DefaultLanguage}
	}

	l := &Languages{links: make(map[string]string)}
	for _, raw := range supported {
		tag, err := language.Parse(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("language %q: %w", raw, err)
		}
		l.supported = append(l.supported, tag)
	}
	l.matcher = language.NewMatcher(l.supported)
	l.fallback = l.supported[0].String()

	defaultBaseURL = strings.TrimRight(strings.TrimSpace(defaultBaseURL), "/")
	for _, tag := range l.supported {
		l.links[tag.String()] = defaultBaseURL
	}
	for raw, base := range links {
		tag, err := language.Parse(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("link language %q: %w", raw, err)
		}
		l.links[tag.String()] = strings.TrimRight(strings.TrimSpace(base), "/")
	}
	return l, nil
}

// Match returns the canonical supported tag closest to requested.
func (l *Languages) Match(requested string) string {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return l.fallback
	}
	tag, err := language.Parse(requested)
	if err != nil {
		return l.fallback
	}
	_, index, confidence := l.matcher.Match(tag)
	if confidence == language.No {
		return l.fallback
	}
	return l.supported[index].String()
}

// Link returns the public survey URL for token in lang.
func (l *Languages) Link(lang, token string) string {
	base, ok := l.links[lang]
	if !ok {
		base = l.links[l.fallback]
	}
	return base + "/survey/" + token
}
