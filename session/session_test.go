package session

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portal-capture/browser"
	"portal-capture/browser/browsertest"
	"portal-capture/profile"
	"portal-capture/stealth"
)

func newSession(t *testing.T, logger *logrus.Logger) (*Session, *profile.Provisioner) {
	t.Helper()
	prov := profile.NewProvisioner(t.TempDir(), logger)
	prof, err := prov.Create()
	require.NoError(t, err)
	return New("test-session", prof, stealth.Fingerprint{UserAgent: "ua"}, logger), prov
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestLifecycle(t *testing.T) {
	s, _ := newSession(t, quietLogger())
	assert.Equal(t, StateNew, s.State())
	assert.Nil(t, s.Page())

	h, err := browsertest.NewDriver().Launch(context.Background(), s.profile, s.Fingerprint())
	require.NoError(t, err)
	require.NoError(t, s.Attach(h))
	assert.Equal(t, StateLaunched, s.State())
	assert.NotNil(t, s.Page())

	require.NoError(t, s.Transition(StateNavigated))
	require.NoError(t, s.Transition(StateAuthenticating))
	require.NoError(t, s.Transition(StateAuthenticated))

	assert.Error(t, s.Transition(StateNavigated), "cannot go backwards")
	assert.Error(t, s.Attach(h), "browser is bound once")
}

func TestInvalidTransitions(t *testing.T) {
	s, _ := newSession(t, quietLogger())
	assert.Error(t, s.Transition(StateAuthenticated))
	assert.Error(t, s.Transition(StateClosed))

	s.Fail()
	assert.Equal(t, StateFailed, s.State())
	s.Fail()
	assert.Equal(t, StateFailed, s.State())
}

func TestBeginLoginOnlyOnce(t *testing.T) {
	s, _ := newSession(t, quietLogger())
	require.NoError(t, s.BeginLogin())
	assert.Error(t, s.BeginLogin())
}

func TestCloseReleasesEverythingOnce(t *testing.T) {
	s, prov := newSession(t, quietLogger())
	h, err := browsertest.NewDriver().Launch(context.Background(), s.profile, s.Fingerprint())
	require.NoError(t, err)
	require.NoError(t, s.Attach(h))

	s.Close()
	s.Close()

	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 1, h.(*browsertest.Handle).Closed())
	assert.NoDirExists(t, s.ProfileDir())
	assert.Equal(t, profile.Stats{Created: 1, Destroyed: 1}, prov.Stats())
}

func TestCloseWithoutBrowser(t *testing.T) {
	s, prov := newSession(t, quietLogger())
	s.Close()
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, int64(1), prov.Stats().Destroyed)
}

type failingHandle struct{ browser.Handle }

func (failingHandle) Close() error { return errors.New("process already gone") }

func TestCloseSwallowsCleanupErrors(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	s, prov := newSession(t, logger)
	require.NoError(t, s.Attach(failingHandle{}))
	require.NoError(t, os.RemoveAll(s.ProfileDir()))

	assert.NotPanics(t, s.Close)
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, int64(1), prov.Stats().Destroyed)

	var warnings int
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warnings++
			assert.Contains(t, e.Data[logrus.ErrorKey].(error).Error(), "CleanupError")
		}
	}
	assert.Equal(t, 2, warnings)
}
