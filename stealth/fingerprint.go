package stealth

import (
	"fmt"
	"math/rand"
	"strings"
)

// Viewport is a browser window size in CSS pixels
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Fingerprint is the browser identity presented for one session. It is a
// value type so a selected fingerprint cannot be mutated through a copy.
type Fingerprint struct {
	UserAgent string   `json:"user_agent"`
	Viewport  Viewport `json:"viewport"`
	Locale    string   `json:"locale"`
	Timezone  string   `json:"timezone"`
}

// Candidates are the pools a Fingerprint is drawn from
type Candidates struct {
	UserAgents []string
	Viewports  []Viewport
	Locales    []string
	Timezones  []string
}

// DefaultCandidates returns the stock identity pools
func DefaultCandidates() Candidates {
	return Candidates{
		UserAgents: []string{
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.114 Safari/537.36",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/14.0 Safari/605.1.15",
			"Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:89.0) Gecko/20100101 Firefox/89.0",
			"Mozilla/5.0 (iPhone; CPU iPhone OS 14_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/14.0 Mobile/15A372 Safari/604.1",
		},
		Viewports: []Viewport{
			{Width: 1280, Height: 800},
			{Width: 1440, Height: 900},
			{Width: 1920, Height: 1080},
			{Width: 1366, Height: 768},
		},
		Locales:   []string{"en-US"},
		Timezones: []string{"America/New_York"},
	}
}

// withDefaults fills any empty pool from DefaultCandidates
func (c Candidates) withDefaults() Candidates {
	def := DefaultCandidates()
	if len(c.UserAgents) == 0 {
		c.UserAgents = def.UserAgents
	}
	if len(c.Viewports) == 0 {
		c.Viewports = def.Viewports
	}
	if len(c.Locales) == 0 {
		c.Locales = def.Locales
	}
	if len(c.Timezones) == 0 {
		c.Timezones = def.Timezones
	}
	return c
}

// Select draws one value uniformly from each pool. It has no side effects
// beyond advancing rng, so a seeded source gives a reproducible result.
func Select(c Candidates, rng *rand.Rand) Fingerprint {
	c = c.withDefaults()
	return Fingerprint{
		UserAgent: c.UserAgents[rng.Intn(len(c.UserAgents))],
		Viewport:  c.Viewports[rng.Intn(len(c.Viewports))],
		Locale:    c.Locales[rng.Intn(len(c.Locales))],
		Timezone:  c.Timezones[rng.Intn(len(c.Timezones))],
	}
}

// Contains reports whether every attribute of fp comes from the pools
func (c Candidates) Contains(fp Fingerprint) bool {
	c = c.withDefaults()
	return containsString(c.UserAgents, fp.UserAgent) &&
		containsViewport(c.Viewports, fp.Viewport) &&
		containsString(c.Locales, fp.Locale) &&
		containsString(c.Timezones, fp.Timezone)
}

// Languages derives navigator.languages from the locale, e.g. en-US -> [en-US en]
func (fp Fingerprint) Languages() []string {
	if fp.Locale == "" {
		return []string{"en-US", "en"}
	}
	langs := []string{fp.Locale}
	if base, _, ok := strings.Cut(fp.Locale, "-"); ok && base != "" {
		langs = append(langs, base)
	}
	return langs
}

// AcceptLanguage renders the Accept-Language header matching Languages
func (fp Fingerprint) AcceptLanguage() string {
	langs := fp.Languages()
	parts := make([]string, 0, len(langs))
	for i, l := range langs {
		if i == 0 {
			parts = append(parts, l)
			continue
		}
		parts = append(parts, fmt.Sprintf("%s;q=%.1f", l, 1-0.1*float64(i)))
	}
	return strings.Join(parts, ",")
}

func containsString(pool []string, v string) bool {
	for _, p := range pool {
		if p == v {
			return true
		}
	}
	return false
}

func containsViewport(pool []Viewport, v Viewport) bool {
	for _, p := range pool {
		if p == v {
			return true
		}
	}
	return false
}
