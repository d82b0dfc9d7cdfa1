// Package stealth implements the anti-bot measures applied to a capture
// session: fingerprint selection, the injected evasion layer and jittered
// human-like timing.
package stealth

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

// Range bounds a jittered delay
type Range struct {
	Min time.Duration
	Max time.Duration
}

// Validate rejects negative or inverted bounds
func (r Range) Validate() error {
	if r.Min < 0 || r.Max < 0 {
		return fmt.Errorf("jitter bounds must not be negative: [%v, %v]", r.Min, r.Max)
	}
	if r.Min > r.Max {
		return fmt.Errorf("jitter min %v exceeds max %v", r.Min, r.Max)
	}
	return nil
}

// JitterConfig holds the delay bounds between login actions
type JitterConfig struct {
	AfterNavigate Range
	AfterUsername Range
	AfterPassword Range
	AfterHover    Range
}

// DefaultJitter returns plausible human pauses. The exact numbers carry no
// meaning beyond that.
func DefaultJitter() JitterConfig {
	return JitterConfig{
		AfterNavigate: Range{Min: 2 * time.Second, Max: 5 * time.Second},
		AfterUsername: Range{Min: 500 * time.Millisecond, Max: 1500 * time.Millisecond},
		AfterPassword: Range{Min: 1 * time.Second, Max: 3 * time.Second},
		AfterHover:    Range{Min: 500 * time.Millisecond, Max: 2 * time.Second},
	}
}

// Validate checks every range
func (c JitterConfig) Validate() error {
	for name, r := range map[string]Range{
		"after_navigate": c.AfterNavigate,
		"after_username": c.AfterUsername,
		"after_password": c.AfterPassword,
		"after_hover":    c.AfterHover,
	} {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Ceiling is the longest total pause the config can produce
func (c JitterConfig) Ceiling() time.Duration {
	return c.AfterNavigate.Max + c.AfterUsername.Max + c.AfterPassword.Max + c.AfterHover.Max
}

// Jitter draws and sleeps randomized delays. It is owned by a single session;
// the underlying rand.Rand is not safe for concurrent use.
type Jitter struct {
	rng     *rand.Rand
	enabled bool
	logger  *logrus.Logger
}

// NewJitter creates a jitter source. A disabled jitter never sleeps.
func NewJitter(rng *rand.Rand, enabled bool, logger *logrus.Logger) *Jitter {
	return &Jitter{
		rng:     rng,
		enabled: enabled,
		logger:  logger,
	}
}

// Draw picks a delay uniformly within r
func (j *Jitter) Draw(r Range) time.Duration {
	if !j.enabled || r.Max <= 0 {
		return 0
	}
	if r.Min >= r.Max {
		return r.Min
	}
	return r.Min + time.Duration(j.rng.Int63n(int64(r.Max-r.Min)+1))
}

// Sleep waits a drawn delay or until ctx is done, whichever comes first
func (j *Jitter) Sleep(ctx context.Context, r Range) error {
	delay := j.Draw(r)
	if delay <= 0 {
		return ctx.Err()
	}

	j.logger.WithField("delay", delay).Debug("Applied random delay")

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
