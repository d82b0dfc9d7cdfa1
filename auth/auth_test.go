package auth

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portal-capture/browser/browsertest"
	"portal-capture/credentials"
	"portal-capture/failure"
	"portal-capture/logger"
	"portal-capture/profile"
	"portal-capture/session"
	"portal-capture/stealth"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.LoginURL = "https://portal.test/login"
	cfg.NavigationTimeout = time.Second
	cfg.ElementTimeout = 50 * time.Millisecond
	cfg.DashboardTimeout = 50 * time.Millisecond
	return cfg
}

func allVisible(cfg Config) []string {
	return []string{cfg.UsernameSelector, cfg.PasswordSelector, cfg.SubmitSelector, cfg.DashboardSelector}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fixture struct {
	sess   *session.Session
	driver *browsertest.Driver
	jitter *stealth.Jitter
}

func newFixture(t *testing.T, log *logrus.Logger, visible ...string) *fixture {
	t.Helper()
	prof, err := profile.NewProvisioner(t.TempDir(), log).Create()
	require.NoError(t, err)

	fp := stealth.Select(stealth.DefaultCandidates(), rand.New(rand.NewSource(1)))
	sess := session.New("auth-test", prof, fp, log)
	t.Cleanup(sess.Close)

	driver := browsertest.NewDriver(visible...)
	h, err := driver.Launch(context.Background(), prof, fp)
	require.NoError(t, err)
	require.NoError(t, sess.Attach(h))

	return &fixture{
		sess:   sess,
		driver: driver,
		jitter: stealth.NewJitter(rand.New(rand.NewSource(1)), false, log),
	}
}

func creds() credentials.Static {
	return credentials.Static{Username: "alice@example.com", Password: "hunter2"}
}

func TestLoginSuccess(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, quietLogger(), allVisible(cfg)...)
	m := NewMachine(cfg, creds(), quietLogger())

	require.NoError(t, m.Login(context.Background(), f.sess, f.jitter))

	assert.Equal(t, session.StateAuthenticated, f.sess.State())
	assert.Equal(t, session.StepSubmitted, f.sess.Step())

	page := f.driver.Last().FakePage()
	assert.Equal(t, []string{cfg.LoginURL}, page.Navigations())
	user, _ := page.Filled(cfg.UsernameSelector)
	pass, _ := page.Filled(cfg.PasswordSelector)
	assert.Equal(t, "alice@example.com", user)
	assert.Equal(t, "hunter2", pass)
	assert.Equal(t, []string{cfg.SubmitSelector}, page.Hovered())
	assert.Equal(t, []string{cfg.SubmitSelector}, page.Clicked())
}

func TestLoginMissingCredentialsNeverNavigates(t *testing.T) {
	cfg := testConfig()
	for name, provider := range map[string]credentials.Provider{
		"empty password": credentials.Static{Username: "alice"},
		"provider error": providerFunc(func(context.Context) (credentials.Credentials, error) {
			return credentials.Credentials{}, errors.New("vault sealed")
		}),
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, quietLogger(), allVisible(cfg)...)
			err := NewMachine(cfg, provider, quietLogger()).Login(context.Background(), f.sess, f.jitter)

			assert.True(t, errors.Is(err, failure.ErrMissingCredentials))
			assert.Equal(t, session.StateFailed, f.sess.State())
			assert.Empty(t, f.driver.Last().FakePage().Navigations())
		})
	}
}

type providerFunc func(context.Context) (credentials.Credentials, error)

func (p providerFunc) Credentials(ctx context.Context) (credentials.Credentials, error) {
	return p(ctx)
}

func TestLoginMissingElements(t *testing.T) {
	cfg := testConfig()
	cases := []struct {
		name    string
		missing string
		step    session.Step
	}{
		{"username", cfg.UsernameSelector, session.StepReadyToFill},
		{"password", cfg.PasswordSelector, session.StepUsernameFilled},
		{"submit", cfg.SubmitSelector, session.StepFilled},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var visible []string
			for _, s := range allVisible(cfg) {
				if s != tc.missing {
					visible = append(visible, s)
				}
			}
			f := newFixture(t, quietLogger(), visible...)

			err := NewMachine(cfg, creds(), quietLogger()).Login(context.Background(), f.sess, f.jitter)
			kind, ok := failure.KindOf(err)
			require.True(t, ok)
			assert.Equal(t, failure.KindElementNotFound, kind)
			assert.Equal(t, session.StateFailed, f.sess.State())
			assert.Equal(t, tc.step, f.sess.Step())
			assert.Empty(t, f.driver.Last().FakePage().Clicked())
		})
	}
}

func TestLoginDashboardTimeout(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, quietLogger(), cfg.UsernameSelector, cfg.PasswordSelector, cfg.SubmitSelector)

	err := NewMachine(cfg, creds(), quietLogger()).Login(context.Background(), f.sess, f.jitter)
	assert.True(t, errors.Is(err, failure.ErrTimeout))
	assert.Contains(t, err.Error(), cfg.DashboardSelector)
	assert.Equal(t, session.StateFailed, f.sess.State())
	assert.Equal(t, session.StepSubmitted, f.sess.Step())
	assert.Equal(t, 0, f.driver.Last().FakePage().Screenshots())
}

func TestLoginBudgetExhaustedIsTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ElementTimeout = time.Second
	f := newFixture(t, quietLogger(), cfg.PasswordSelector, cfg.SubmitSelector, cfg.DashboardSelector)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := NewMachine(cfg, creds(), quietLogger()).Login(ctx, f.sess, f.jitter)
	assert.True(t, errors.Is(err, failure.ErrTimeout))
	assert.ErrorContains(t, err, "session budget exhausted")
	assert.Equal(t, session.StateFailed, f.sess.State())
}

func TestLoginCancelledByCaller(t *testing.T) {
	cfg := testConfig()
	cfg.DashboardTimeout = 5 * time.Second
	f := newFixture(t, quietLogger(), cfg.UsernameSelector, cfg.PasswordSelector, cfg.SubmitSelector)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(30*time.Millisecond, cancel)

	err := NewMachine(cfg, creds(), quietLogger()).Login(ctx, f.sess, f.jitter)
	assert.True(t, errors.Is(err, failure.ErrTimeout))
	assert.ErrorContains(t, err, "wait for dashboard: session cancelled")
	assert.NotContains(t, err.Error(), "budget")
	assert.Equal(t, session.StateFailed, f.sess.State())
}

func TestLoginJitterCancelledIsTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Jitter.AfterNavigate = stealth.Range{Min: time.Hour, Max: time.Hour}
	f := newFixture(t, quietLogger(), allVisible(cfg)...)
	jitter := stealth.NewJitter(rand.New(rand.NewSource(1)), true, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := NewMachine(cfg, creds(), quietLogger()).Login(ctx, f.sess, jitter)
	assert.True(t, errors.Is(err, failure.ErrTimeout))
	assert.Equal(t, session.StepNavigated, f.sess.Step())
}

func TestLoginOnlyOncePerSession(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, quietLogger(), allVisible(cfg)...)
	m := NewMachine(cfg, creds(), quietLogger())

	require.NoError(t, m.Login(context.Background(), f.sess, f.jitter))
	assert.Error(t, m.Login(context.Background(), f.sess, f.jitter))
	assert.Len(t, f.driver.Last().FakePage().Navigations(), 1)
}

func TestLoginNeverLogsSecrets(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)
	log.SetLevel(logrus.DebugLevel)
	log.AddHook(logger.Redactor())

	cfg := testConfig()
	f := newFixture(t, log, cfg.UsernameSelector)

	err := NewMachine(cfg, creds(), log).Login(context.Background(), f.sess, f.jitter)
	require.Error(t, err)

	assert.NotContains(t, buf.String(), "hunter2")
	assert.NotContains(t, buf.String(), "alice@example.com")
}

func TestBudget(t *testing.T) {
	cfg := DefaultConfig()
	want := 30*time.Second + 40*time.Second + 30*time.Second + 11500*time.Millisecond
	assert.Equal(t, want, cfg.Budget())
}
