// Package runner executes one capture session end to end: fingerprint
// selection, profile provisioning, browser launch, login, evidence capture
// and teardown.
package runner

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"portal-capture/auth"
	"portal-capture/browser"
	"portal-capture/capture"
	"portal-capture/credentials"
	"portal-capture/failure"
	"portal-capture/profile"
	"portal-capture/session"
	"portal-capture/stealth"
	"portal-capture/storage"
)

// DefaultCaptureTimeout bounds the screenshot when none is configured
const DefaultCaptureTimeout = 15 * time.Second

// Config describes a capture session
type Config struct {
	Candidates stealth.Candidates
	// Stealth turns on jitter. Launch-side stealth lives in the driver.
	Stealth bool
	Auth    auth.Config

	OutputPath     string
	LaunchTimeout  time.Duration
	CaptureTimeout time.Duration
	// SessionTimeout overrides the computed budget when positive.
	SessionTimeout time.Duration

	// Seed makes fingerprint and jitter draws reproducible. Zero seeds from
	// the clock. Each run derives its own source from it.
	Seed int64
}

// Recorder stores finished runs
type Recorder interface {
	RecordRun(ctx context.Context, run *storage.Run) error
}

// Result is the outcome of one run
type Result struct {
	SessionID   string               `json:"session_id"`
	State       session.State        `json:"state"`
	Fingerprint *stealth.Fingerprint `json:"fingerprint,omitempty"`
	Evidence    *capture.Evidence    `json:"evidence,omitempty"`
	Failure     *failure.Report      `json:"failure,omitempty"`
}

// OK reports whether the run produced evidence
func (r *Result) OK() bool {
	return r.Failure == nil && r.Evidence != nil
}

// Runner runs capture sessions. A Runner may be shared; every Run owns its
// own session, profile, browser and random source.
type Runner struct {
	cfg         Config
	driver      browser.Driver
	provisioner *profile.Provisioner
	login       *auth.Machine
	capturer    *capture.Capturer
	recorder    Recorder
	logger      *logrus.Logger

	runs atomic.Int64
}

// New creates a runner. recorder may be nil.
func New(cfg Config, driver browser.Driver, provisioner *profile.Provisioner, provider credentials.Provider, recorder Recorder, logger *logrus.Logger) *Runner {
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = browser.DefaultLaunchTimeout
	}
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = DefaultCaptureTimeout
	}
	if cfg.OutputPath == "" {
		cfg.OutputPath = capture.DefaultOutputPath
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	return &Runner{
		cfg:         cfg,
		driver:      driver,
		provisioner: provisioner,
		login:       auth.NewMachine(cfg.Auth, provider, logger),
		capturer:    capture.NewCapturer(logger),
		recorder:    recorder,
		logger:      logger,
	}
}

// Budget is the session-wide time limit: the configured session timeout, or
// the sum of every step ceiling.
func (r *Runner) Budget() time.Duration {
	if r.cfg.SessionTimeout > 0 {
		return r.cfg.SessionTimeout
	}
	budget := r.cfg.LaunchTimeout + r.cfg.Auth.Budget() + r.cfg.CaptureTimeout
	if !r.cfg.Stealth {
		budget -= r.cfg.Auth.Jitter.Ceiling()
	}
	return budget
}

// Run executes one session. Teardown runs on every path, including a panic,
// which is re-raised once cleanup has finished.
func (r *Runner) Run(ctx context.Context) *Result {
	started := time.Now()
	rng := rand.New(rand.NewSource(r.cfg.Seed + r.runs.Add(1) - 1))

	fp := stealth.Select(r.cfg.Candidates, rng)
	res := &Result{
		SessionID:   uuid.NewString(),
		State:       session.StateNew,
		Fingerprint: &fp,
	}

	log := r.logger.WithField("session_id", res.SessionID)
	log.WithFields(logrus.Fields{
		"user_agent": fp.UserAgent,
		"viewport":   fmt.Sprintf("%dx%d", fp.Viewport.Width, fp.Viewport.Height),
		"locale":     fp.Locale,
		"timezone":   fp.Timezone,
		"stealth":    r.cfg.Stealth,
	}).Info("Starting capture session")

	prof, err := r.provisioner.Create()
	if err != nil {
		res.State = session.StateFailed
		return r.finish(ctx, log, res, err, false, started)
	}

	sess := session.New(res.SessionID, prof, fp, r.logger)
	defer sess.Close()

	err = r.execute(ctx, sess, prof, rng, res)
	// Read before the deferred teardown moves the session to CLOSED
	res.State = sess.State()
	return r.finish(ctx, log, res, err, sess.Step() == session.StepSubmitted, started)
}

func (r *Runner) execute(ctx context.Context, sess *session.Session, prof *profile.Profile, rng *rand.Rand, res *Result) error {
	budget := r.Budget()
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	h, err := r.driver.Launch(ctx, prof, sess.Fingerprint())
	if err != nil {
		sess.Fail()
		if _, ok := failure.KindOf(err); ok {
			return err
		}
		if ctx.Err() != nil {
			return failure.FromContext(ctx, "launch browser", err)
		}
		return failure.New(failure.KindLaunch, "launch browser", err)
	}
	if err := sess.Attach(h); err != nil {
		_ = h.Close()
		sess.Fail()
		return failure.New(failure.KindLaunch, "attach browser", err)
	}

	jitter := stealth.NewJitter(rng, r.cfg.Stealth, r.logger)
	if err := r.login.Login(ctx, sess, jitter); err != nil {
		return err
	}

	captureCtx, cancelCapture := context.WithTimeout(ctx, r.cfg.CaptureTimeout)
	defer cancelCapture()

	ev, err := r.capturer.Capture(captureCtx, sess, r.cfg.OutputPath)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return failure.FromContext(ctx, "capture", err)
	case captureCtx.Err() != nil:
		return failure.New(failure.KindTimeout, fmt.Sprintf("capture: exceeded %v", r.cfg.CaptureTimeout), err)
	default:
		return err
	}
	res.Evidence = ev
	return nil
}

// finish fills in the failure report and records the run
func (r *Runner) finish(ctx context.Context, log *logrus.Entry, res *Result, err error, submitted bool, started time.Time) *Result {
	if err != nil {
		res.Evidence = nil
		res.Failure = failure.ReportFrom(err, failure.KindLaunch)
		log.WithFields(logrus.Fields{
			"state":      res.State,
			"error_kind": res.Failure.ErrorKind,
		}).WithError(err).Error("Capture session failed")
	} else {
		log.WithField("path", res.Evidence.Path).Info(res.Evidence.Message)
	}

	r.record(ctx, log, res, submitted, started)
	return res
}

// record stores the run. submitted marks runs whose credentials reached the
// portal, which are the only ones the attempt guard counts.
func (r *Runner) record(ctx context.Context, log *logrus.Entry, res *Result, submitted bool, started time.Time) {
	if r.recorder == nil {
		return
	}

	run := &storage.Run{
		SessionID:  res.SessionID,
		State:      string(res.State),
		Submitted:  submitted,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	if fp := res.Fingerprint; fp != nil {
		run.UserAgent = fp.UserAgent
		run.Viewport = fmt.Sprintf("%dx%d", fp.Viewport.Width, fp.Viewport.Height)
		run.Locale = fp.Locale
		run.Timezone = fp.Timezone
	}
	if res.Failure != nil {
		run.ErrorKind = string(res.Failure.ErrorKind)
		run.Detail = res.Failure.Detail
	}
	if res.Evidence != nil {
		run.EvidencePath = res.Evidence.Path
	}

	// The run happened even if the caller has gone away
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.recorder.RecordRun(recordCtx, run); err != nil {
		log.WithError(err).Warn("Failed to record run")
	}
}
