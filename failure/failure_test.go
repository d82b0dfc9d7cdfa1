package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMatchesSentinelByKind(t *testing.T) {
	err := New(KindElementNotFound, "wait for submit", context.DeadlineExceeded)
	wrapped := fmt.Errorf("login: %w", err)

	assert.ErrorIs(t, wrapped, ErrElementNotFound)
	assert.NotErrorIs(t, wrapped, ErrTimeout)
	assert.ErrorIs(t, wrapped, context.DeadlineExceeded, "cause stays reachable")

	kind, ok := KindOf(wrapped)
	require.True(t, ok)
	assert.Equal(t, KindElementNotFound, kind)
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "LaunchError: start browser: boom",
		New(KindLaunch, "start browser", errors.New("boom")).Error())
	assert.Equal(t, "CaptureError: not authenticated",
		New(KindCapture, "not authenticated", nil).Error())
	assert.Equal(t, "TimeoutError", (&Error{Kind: KindTimeout}).Error())
}

func TestFromContext(t *testing.T) {
	expired, cancel := context.WithTimeout(context.Background(), -time.Second)
	defer cancel()
	err := FromContext(expired, "capture", context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "capture: session budget exhausted", err.Op)

	stopped, stop := context.WithCancel(context.Background())
	stop()
	err = FromContext(stopped, "wait for dashboard", context.Canceled)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "wait for dashboard: session cancelled", err.Op)
}

func TestReportFrom(t *testing.T) {
	t.Run("Classified", func(t *testing.T) {
		r := ReportFrom(Newf(KindTimeout, "wait for dashboard", "marker %q absent", "div#x"), KindLaunch)
		require.NotNil(t, r)
		assert.Equal(t, KindTimeout, r.ErrorKind)
		assert.Equal(t, `wait for dashboard: marker "div#x" absent`, r.Detail)
	})

	t.Run("Fallback", func(t *testing.T) {
		r := ReportFrom(errors.New("odd"), KindTimeout)
		require.NotNil(t, r)
		assert.Equal(t, KindTimeout, r.ErrorKind)
		assert.Equal(t, "odd", r.Detail)
	})

	t.Run("Nil", func(t *testing.T) {
		assert.Nil(t, ReportFrom(nil, KindTimeout))
	})
}
