// Package ratelimit guards the portal account against lockout by refusing to
// start capture sessions too close together or too often in one day. It
// never retries or waits on the caller's behalf.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"portal-capture/storage"
)

var (
	// ErrTooSoon is returned when the previous attempt is too recent
	ErrTooSoon = errors.New("previous attempt is too recent")
	// ErrDailyLimit is returned when today's attempt cap is reached
	ErrDailyLimit = errors.New("daily attempt limit reached")
)

// Config defines guard behavior
type Config struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	MinInterval   time.Duration `mapstructure:"min_interval" yaml:"min_interval"`     // Minimum gap between attempts
	DailyLimit    int           `mapstructure:"daily_limit" yaml:"daily_limit"`       // Max attempts per calendar day, 0 for none
	JitterPercent float64       `mapstructure:"jitter_percent" yaml:"jitter_percent"` // +/- randomness on MinInterval
}

// DefaultConfig returns a conservative configuration
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		MinInterval:   15 * time.Minute,
		DailyLimit:    10,
		JitterPercent: 20.0,
	}
}

// History is the attempt record the guard consults
type History interface {
	LastAttempt(ctx context.Context) (*storage.Run, error)
	GetDailyStats(ctx context.Context, date time.Time) (map[string]int, error)
}

// Guard decides whether a new capture session may start
type Guard struct {
	config  Config
	history History
	logger  *logrus.Logger

	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

// Status summarizes the guard's view of recent activity
type Status struct {
	LastAttempt   *storage.Run `json:"last_attempt,omitempty"`
	AttemptsToday int          `json:"attempts_today"`
	DailyLimit    int          `json:"daily_limit"`
	NextAllowed   time.Time    `json:"next_allowed"`
}

// NewGuard creates a guard over the given history
func NewGuard(config Config, history History, rng *rand.Rand, logger *logrus.Logger) *Guard {
	return &Guard{
		config:  config,
		history: history,
		logger:  logger,
		rng:     rng,
		now:     time.Now,
	}
}

// Allow returns nil when a new session may start now
func (g *Guard) Allow(ctx context.Context) error {
	if !g.config.Enabled {
		return nil
	}

	now := g.now()

	// Check daily limit
	if g.config.DailyLimit > 0 {
		stats, err := g.history.GetDailyStats(ctx, now)
		if err != nil {
			return fmt.Errorf("failed to read attempt history: %w", err)
		}
		if stats["attempts"] >= g.config.DailyLimit {
			return fmt.Errorf("%w: %d/%d", ErrDailyLimit, stats["attempts"], g.config.DailyLimit)
		}
	}

	// Check spacing from the previous attempt
	last, err := g.history.LastAttempt(ctx)
	if err != nil {
		return fmt.Errorf("failed to read attempt history: %w", err)
	}
	if last != nil {
		required := g.addJitter(g.config.MinInterval)
		elapsed := now.Sub(last.StartedAt)
		if elapsed < required {
			g.logger.WithFields(logrus.Fields{
				"last_session": last.SessionID,
				"elapsed":      elapsed.Round(time.Second),
				"required":     required.Round(time.Second),
			}).Warn("Attempt refused by guard")
			return fmt.Errorf("%w: last attempt %v ago, wait %v", ErrTooSoon,
				elapsed.Round(time.Second), (required - elapsed).Round(time.Second))
		}
	}

	return nil
}

// Status reports recent attempts and when the next one is allowed
func (g *Guard) Status(ctx context.Context) (*Status, error) {
	now := g.now()

	stats, err := g.history.GetDailyStats(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to read attempt history: %w", err)
	}
	last, err := g.history.LastAttempt(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read attempt history: %w", err)
	}

	status := &Status{
		LastAttempt:   last,
		AttemptsToday: stats["attempts"],
		DailyLimit:    g.config.DailyLimit,
		NextAllowed:   now,
	}
	if !g.config.Enabled {
		return status, nil
	}
	if last != nil {
		if next := last.StartedAt.Add(g.config.MinInterval); next.After(now) {
			status.NextAllowed = next
		}
	}
	if g.config.DailyLimit > 0 && status.AttemptsToday >= g.config.DailyLimit {
		status.NextAllowed = getNextMidnight(now)
	}
	return status, nil
}

// addJitter adds randomness to the interval so attempts do not line up on a
// fixed schedule
func (g *Guard) addJitter(delay time.Duration) time.Duration {
	if g.config.JitterPercent <= 0 || g.rng == nil {
		return delay
	}

	g.mu.Lock()
	r := g.rng.Float64()
	g.mu.Unlock()

	// Add +/- jitter_percent randomness
	jitter := float64(delay) * g.config.JitterPercent / 100.0
	newDelay := float64(delay) + (r*2-1)*jitter
	if newDelay < 0 {
		newDelay = 0
	}
	return time.Duration(newDelay)
}

// getNextMidnight returns the midnight following now
func getNextMidnight(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
}
