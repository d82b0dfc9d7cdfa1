// Package auth drives the portal login: navigate, fill, hover, submit and
// wait for the dashboard, with jittered pauses between every action.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"portal-capture/credentials"
	"portal-capture/failure"
	"portal-capture/logger"
	"portal-capture/session"
	"portal-capture/stealth"
)

// Config holds the login target and per-step time limits
type Config struct {
	LoginURL          string
	UsernameSelector  string
	PasswordSelector  string
	SubmitSelector    string
	DashboardSelector string

	NavigationTimeout time.Duration
	ElementTimeout    time.Duration
	DashboardTimeout  time.Duration

	Jitter stealth.JitterConfig
}

// DefaultConfig returns the stock login target
func DefaultConfig() Config {
	return Config{
		LoginURL:          "https://reg.usps.com/informeddelivery/login",
		UsernameSelector:  `input[name="username"]`,
		PasswordSelector:  `input[name="password"]`,
		SubmitSelector:    `button[type="submit"]`,
		DashboardSelector: "div#dashboardContent",
		NavigationTimeout: 30 * time.Second,
		ElementTimeout:    10 * time.Second,
		DashboardTimeout:  30 * time.Second,
		Jitter:            stealth.DefaultJitter(),
	}
}

// Budget is the worst-case duration of a full login
func (c Config) Budget() time.Duration {
	return c.NavigationTimeout + 4*c.ElementTimeout + c.DashboardTimeout + c.Jitter.Ceiling()
}

// Machine runs the login sequence against a session. It holds no
// per-session state and may be shared between sessions.
type Machine struct {
	cfg      Config
	provider credentials.Provider
	logger   *logrus.Logger
}

// NewMachine creates a login state machine
func NewMachine(cfg Config, provider credentials.Provider, logger *logrus.Logger) *Machine {
	return &Machine{
		cfg:      cfg,
		provider: provider,
		logger:   logger,
	}
}

// Login performs the session's single login attempt. On return the session
// is AUTHENTICATED or FAILED. Nothing is retried.
func (m *Machine) Login(ctx context.Context, sess *session.Session, jitter *stealth.Jitter) error {
	if err := sess.BeginLogin(); err != nil {
		return err
	}

	creds, err := m.provider.Credentials(ctx)
	if err == nil && !creds.Complete() {
		err = credentials.ErrIncomplete
	}
	if err != nil {
		sess.Fail()
		return failure.New(failure.KindMissingCredentials, "load credentials", err)
	}
	defer logger.Protect(creds.Username, creds.Password)()

	page := sess.Page()
	if page == nil {
		sess.Fail()
		return failure.Newf(failure.KindLaunch, "login", "session %s has no browser", sess.ID())
	}

	fp := sess.Fingerprint()
	log := m.logger.WithFields(logrus.Fields{
		"session_id": sess.ID(),
		"user_agent": fp.UserAgent,
		"viewport":   fmt.Sprintf("%dx%d", fp.Viewport.Width, fp.Viewport.Height),
	})
	log.Info("Starting login process")

	// NEW -> NAVIGATED
	log.WithField("url", m.cfg.LoginURL).Info("Navigating to login page")
	if err := m.navigate(ctx, func(c context.Context) error { return page.Navigate(c, m.cfg.LoginURL) }); err != nil {
		return m.fail(log, sess, err)
	}
	if err := sess.Transition(session.StateNavigated); err != nil {
		return m.fail(log, sess, err)
	}
	sess.SetStep(session.StepNavigated)

	// NAVIGATED -> READY_TO_FILL
	if err := m.pause(ctx, jitter, m.cfg.Jitter.AfterNavigate); err != nil {
		return m.fail(log, sess, err)
	}
	if err := sess.Transition(session.StateAuthenticating); err != nil {
		return m.fail(log, sess, err)
	}
	sess.SetStep(session.StepReadyToFill)

	// READY_TO_FILL -> USERNAME_FILLED
	if err := m.element(ctx, "fill username", func(c context.Context) error {
		return page.Fill(c, m.cfg.UsernameSelector, creds.Username)
	}); err != nil {
		return m.fail(log, sess, err)
	}
	if err := m.pause(ctx, jitter, m.cfg.Jitter.AfterUsername); err != nil {
		return m.fail(log, sess, err)
	}
	sess.SetStep(session.StepUsernameFilled)

	// USERNAME_FILLED -> FILLED
	if err := m.element(ctx, "fill password", func(c context.Context) error {
		return page.Fill(c, m.cfg.PasswordSelector, creds.Password)
	}); err != nil {
		return m.fail(log, sess, err)
	}
	if err := m.pause(ctx, jitter, m.cfg.Jitter.AfterPassword); err != nil {
		return m.fail(log, sess, err)
	}
	sess.SetStep(session.StepFilled)
	log.Info("Credentials filled successfully")

	// FILLED -> HOVERED
	if err := m.element(ctx, "hover submit", func(c context.Context) error {
		return page.Hover(c, m.cfg.SubmitSelector)
	}); err != nil {
		return m.fail(log, sess, err)
	}
	if err := m.pause(ctx, jitter, m.cfg.Jitter.AfterHover); err != nil {
		return m.fail(log, sess, err)
	}
	sess.SetStep(session.StepHovered)

	// HOVERED -> SUBMITTED
	if err := m.element(ctx, "click submit", func(c context.Context) error {
		return page.Click(c, m.cfg.SubmitSelector)
	}); err != nil {
		return m.fail(log, sess, err)
	}
	sess.SetStep(session.StepSubmitted)
	log.Info("Login form submitted")

	// SUBMITTED -> AUTHENTICATED | FAILED
	if err := m.waitDashboard(ctx, page.WaitVisible); err != nil {
		return m.fail(log, sess, err)
	}
	if err := sess.Transition(session.StateAuthenticated); err != nil {
		return m.fail(log, sess, err)
	}

	log.Info("Login successful - dashboard loaded")
	return nil
}

func (m *Machine) navigate(ctx context.Context, fn func(context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, m.cfg.NavigationTimeout)
	defer cancel()

	err := fn(stepCtx)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return failure.FromContext(ctx, "navigate to login page", err)
	case errors.Is(err, context.DeadlineExceeded) || stepCtx.Err() != nil:
		return failure.New(failure.KindTimeout, fmt.Sprintf("navigate to login page: exceeded %v", m.cfg.NavigationTimeout), err)
	default:
		// The login form is unreachable, which callers treat like page drift.
		return failure.New(failure.KindElementNotFound, "navigate to login page", err)
	}
}

// element runs one element-dependent action under the element timeout
func (m *Machine) element(ctx context.Context, op string, fn func(context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, m.cfg.ElementTimeout)
	defer cancel()

	err := fn(stepCtx)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return failure.FromContext(ctx, op, err)
	default:
		return failure.New(failure.KindElementNotFound, op, err)
	}
}

func (m *Machine) waitDashboard(ctx context.Context, wait func(context.Context, string) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, m.cfg.DashboardTimeout)
	defer cancel()

	err := wait(stepCtx, m.cfg.DashboardSelector)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return failure.FromContext(ctx, "wait for dashboard", err)
	default:
		return failure.New(failure.KindTimeout,
			fmt.Sprintf("wait for dashboard: marker %s did not appear within %v", m.cfg.DashboardSelector, m.cfg.DashboardTimeout), err)
	}
}

func (m *Machine) pause(ctx context.Context, jitter *stealth.Jitter, r stealth.Range) error {
	if err := jitter.Sleep(ctx, r); err != nil {
		return failure.FromContext(ctx, "jitter", err)
	}
	return nil
}

func (m *Machine) fail(log *logrus.Entry, sess *session.Session, err error) error {
	sess.Fail()
	log.WithFields(logrus.Fields{
		"step":  sess.Step(),
		"error": err.Error(),
	}).Error("Login failed")
	return err
}
