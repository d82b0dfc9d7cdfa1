// Package session tracks the lifecycle of a single capture session and owns
// its teardown.
package session

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"portal-capture/browser"
	"portal-capture/failure"
	"portal-capture/profile"
	"portal-capture/stealth"
)

// State is the coarse lifecycle position of a session
type State string

const (
	StateNew            State = "NEW"
	StateLaunched       State = "LAUNCHED"
	StateNavigated      State = "NAVIGATED"
	StateAuthenticating State = "AUTHENTICATING"
	StateAuthenticated  State = "AUTHENTICATED"
	StateFailed         State = "FAILED"
	StateClosed         State = "CLOSED"
)

// Step is the fine-grained login position inside NAVIGATED/AUTHENTICATING
type Step string

const (
	StepNone           Step = ""
	StepNavigated      Step = "NAVIGATED"
	StepReadyToFill    Step = "READY_TO_FILL"
	StepUsernameFilled Step = "USERNAME_FILLED"
	StepFilled         Step = "FILLED"
	StepHovered        Step = "HOVERED"
	StepSubmitted      Step = "SUBMITTED"
)

var transitions = map[State][]State{
	StateNew:            {StateLaunched, StateFailed},
	StateLaunched:       {StateNavigated, StateFailed},
	StateNavigated:      {StateAuthenticating, StateFailed},
	StateAuthenticating: {StateAuthenticated, StateFailed},
}

// Session binds one profile, one fingerprint and at most one browser
type Session struct {
	id          string
	fingerprint stealth.Fingerprint
	profile     *profile.Profile
	logger      *logrus.Logger

	mu             sync.Mutex
	handle         browser.Handle
	state          State
	step           Step
	loginAttempted bool

	closeOnce sync.Once
}

// New creates a session in state NEW
func New(id string, prof *profile.Profile, fp stealth.Fingerprint, logger *logrus.Logger) *Session {
	return &Session{
		id:          id,
		fingerprint: fp,
		profile:     prof,
		logger:      logger,
		state:       StateNew,
	}
}

func (s *Session) ID() string { return s.id }

// Fingerprint returns the identity fixed at creation
func (s *Session) Fingerprint() stealth.Fingerprint { return s.fingerprint }

// ProfileDir returns the backing directory
func (s *Session) ProfileDir() string { return s.profile.Dir() }

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Step returns the last login step reached
func (s *Session) Step() Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

// Attach binds the launched browser and moves NEW -> LAUNCHED
func (s *Session) Attach(h browser.Handle) error {
	s.mu.Lock()
	if s.handle != nil {
		s.mu.Unlock()
		return fmt.Errorf("session %s already has a browser", s.id)
	}
	s.handle = h
	s.mu.Unlock()

	return s.Transition(StateLaunched)
}

// Page returns the browser page, or nil before Attach
func (s *Session) Page() browser.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return nil
	}
	return s.handle.Page()
}

// Transition moves to the next state if the lifecycle allows it
func (s *Session) Transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, allowed := range transitions[s.state] {
		if allowed == to {
			s.logger.WithFields(logrus.Fields{
				"session_id": s.id,
				"from":       s.state,
				"to":         to,
			}).Debug("Session state changed")
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("invalid session transition %s -> %s", s.state, to)
}

// Fail moves the session to FAILED from any state that has not finished
func (s *Session) Fail() {
	if err := s.Transition(StateFailed); err != nil {
		s.logger.WithField("session_id", s.id).WithError(err).Debug("Fail ignored")
	}
}

// SetStep records the login step reached
func (s *Session) SetStep(step Step) {
	s.mu.Lock()
	s.step = step
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"session_id": s.id,
		"step":       step,
	}).Debug("Login step reached")
}

// BeginLogin claims the session's single login attempt
func (s *Session) BeginLogin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loginAttempted {
		return fmt.Errorf("session %s already made its login attempt", s.id)
	}
	s.loginAttempted = true
	return nil
}

// Close terminates the browser and destroys the profile. It runs once; any
// cleanup error is logged and swallowed so it cannot mask the failure that
// led here.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		h := s.handle
		s.mu.Unlock()

		log := s.logger.WithField("session_id", s.id)

		if h != nil {
			if err := h.Close(); err != nil {
				log.WithError(failure.New(failure.KindCleanup, "close browser", err)).Warn("Teardown: browser close failed")
			}
		}
		if err := s.profile.Destroy(); err != nil {
			log.WithError(err).Warn("Teardown: profile removal failed")
		}

		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()

		log.Info("Session closed")
	})
}
