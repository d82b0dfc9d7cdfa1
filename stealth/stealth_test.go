package stealth

import (
	"context"
	"io"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestSelectIsDeterministicUnderSeed(t *testing.T) {
	c := DefaultCandidates()

	a := Select(c, rand.New(rand.NewSource(42)))
	b := Select(c, rand.New(rand.NewSource(42)))
	assert.Equal(t, a, b)
	assert.True(t, c.Contains(a))
}

func TestSelectDrawsFromEveryPool(t *testing.T) {
	c := Candidates{
		UserAgents: []string{"ua-1", "ua-2", "ua-3"},
		Viewports:  []Viewport{{100, 100}, {200, 200}},
		Locales:    []string{"de-DE", "fr-FR"},
		Timezones:  []string{"Europe/Berlin", "Europe/Paris"},
	}
	rng := rand.New(rand.NewSource(7))

	seenUA := map[string]bool{}
	for i := 0; i < 200; i++ {
		fp := Select(c, rng)
		require.True(t, c.Contains(fp), "draw %d outside candidates: %+v", i, fp)
		seenUA[fp.UserAgent] = true
	}
	assert.Len(t, seenUA, 3, "uniform draw should reach every user agent")
}

func TestSelectFallsBackToDefaults(t *testing.T) {
	fp := Select(Candidates{Locales: []string{"en-GB"}}, rand.New(rand.NewSource(1)))

	assert.Equal(t, "en-GB", fp.Locale)
	assert.True(t, DefaultCandidates().Contains(Fingerprint{
		UserAgent: fp.UserAgent, Viewport: fp.Viewport, Locale: "en-US", Timezone: fp.Timezone,
	}))
}

func TestLanguages(t *testing.T) {
	assert.Equal(t, []string{"en-US", "en"}, Fingerprint{Locale: "en-US"}.Languages())
	assert.Equal(t, []string{"fr"}, Fingerprint{Locale: "fr"}.Languages())
	assert.Equal(t, "de-DE,de;q=0.9", Fingerprint{Locale: "de-DE"}.AcceptLanguage())
}

func TestEvasionProfiles(t *testing.T) {
	fp := Fingerprint{Locale: "de-DE"}

	nav, err := EvasionByName("navigator")
	require.NoError(t, err)
	script := nav.Script(fp)
	assert.Contains(t, script, "'webdriver'")
	assert.Contains(t, script, "chrome.runtime")
	assert.Contains(t, script, `["de-DE","de"]`)
	assert.Contains(t, script, "'plugins'")

	rod, err := EvasionByName("rod-stealth")
	require.NoError(t, err)
	assert.Greater(t, rod.Version(), nav.Version())
	assert.True(t, strings.HasSuffix(rod.Script(fp), script), "rod-stealth layers the navigator overrides last")

	def, err := EvasionByName("")
	require.NoError(t, err)
	assert.Equal(t, "navigator", def.Name())

	_, err = EvasionByName("nope")
	assert.ErrorContains(t, err, "navigator, rod-stealth")
}

func TestRangeValidate(t *testing.T) {
	assert.NoError(t, Range{Min: time.Second, Max: time.Second}.Validate())
	assert.Error(t, Range{Min: 2 * time.Second, Max: time.Second}.Validate())
	assert.Error(t, Range{Min: -1}.Validate())
	assert.NoError(t, DefaultJitter().Validate())
	assert.Equal(t, 11500*time.Millisecond, DefaultJitter().Ceiling())
}

func TestJitterDrawStaysInBounds(t *testing.T) {
	j := NewJitter(rand.New(rand.NewSource(3)), true, quietLogger())
	r := Range{Min: 500 * time.Millisecond, Max: 1500 * time.Millisecond}

	for i := 0; i < 500; i++ {
		d := j.Draw(r)
		require.GreaterOrEqual(t, d, r.Min)
		require.LessOrEqual(t, d, r.Max)
	}
}

func TestJitterDisabled(t *testing.T) {
	j := NewJitter(rand.New(rand.NewSource(3)), false, quietLogger())
	assert.Zero(t, j.Draw(Range{Min: time.Hour, Max: 2 * time.Hour}))
	assert.NoError(t, j.Sleep(context.Background(), Range{Min: time.Hour, Max: 2 * time.Hour}))
}

func TestJitterSleepHonoursContext(t *testing.T) {
	j := NewJitter(rand.New(rand.NewSource(3)), true, quietLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := j.Sleep(ctx, Range{Min: time.Hour, Max: time.Hour})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
