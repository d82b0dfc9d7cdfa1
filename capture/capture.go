// Package capture takes the evidence screenshot of an authenticated session.
package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"portal-capture/failure"
	"portal-capture/session"
)

// SuccessMessage accompanies every successful capture
const SuccessMessage = "Screenshot taken successfully. Dashboard loaded."

// DefaultOutputPath is where the screenshot lands when none is configured
const DefaultOutputPath = "./screenshots/usps_dashboard.png"

// Evidence describes a written screenshot
type Evidence struct {
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Capturer writes full-page screenshots
type Capturer struct {
	logger *logrus.Logger
	now    func() time.Time
}

// NewCapturer creates a capturer
func NewCapturer(logger *logrus.Logger) *Capturer {
	return &Capturer{
		logger: logger,
		now:    time.Now,
	}
}

// Capture screenshots the session page into outputPath, replacing any file
// already there. The session must be AUTHENTICATED.
func (c *Capturer) Capture(ctx context.Context, sess *session.Session, outputPath string) (*Evidence, error) {
	if state := sess.State(); state != session.StateAuthenticated {
		return nil, failure.Newf(failure.KindCapture, "capture", "session %s is %s, not %s", sess.ID(), state, session.StateAuthenticated)
	}
	if outputPath == "" {
		outputPath = DefaultOutputPath
	}

	page := sess.Page()
	if page == nil {
		return nil, failure.Newf(failure.KindCapture, "capture", "session %s has no browser", sess.ID())
	}

	data, err := page.Screenshot(ctx)
	if err != nil {
		return nil, failure.New(failure.KindCapture, "take screenshot", err)
	}

	if dir := filepath.Dir(outputPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, failure.New(failure.KindCapture, "create output directory", err)
		}
	}
	if err := os.WriteFile(outputPath, data, 0644); err != nil {
		return nil, failure.New(failure.KindCapture, "write screenshot", err)
	}

	ev := &Evidence{
		Path:      outputPath,
		Timestamp: c.now().UTC(),
		Message:   SuccessMessage,
	}

	c.logger.WithFields(logrus.Fields{
		"session_id": sess.ID(),
		"path":       outputPath,
		"bytes":      len(data),
	}).Info(fmt.Sprintf("Screenshot saved to %s", outputPath))

	return ev, nil
}
