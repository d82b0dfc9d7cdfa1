// Package browser launches the automation-controlled browser that backs a
// capture session and exposes the handful of page operations the login flow
// needs.
package browser

import (
	"context"
	"time"

	"portal-capture/profile"
	"portal-capture/stealth"
)

// DefaultLaunchTimeout bounds process startup when none is configured
const DefaultLaunchTimeout = 30 * time.Second

// Page is the subset of page automation used by a session. Every call is
// bounded by ctx; an element that never shows up surfaces as ctx's error.
type Page interface {
	// Navigate loads url and waits for the load event.
	Navigate(ctx context.Context, url string) error
	// WaitVisible blocks until selector matches a visible element.
	WaitVisible(ctx context.Context, selector string) error
	// Fill replaces the value of the matched input.
	Fill(ctx context.Context, selector, value string) error
	Hover(ctx context.Context, selector string) error
	Click(ctx context.Context, selector string) error
	// Screenshot returns a full-page PNG.
	Screenshot(ctx context.Context) ([]byte, error)
}

// Handle owns one running browser process
type Handle interface {
	Page() Page
	// Close terminates the browser process. It must be safe to call after
	// the process has already exited.
	Close() error
}

// Driver starts browsers bound to a profile and fingerprint
type Driver interface {
	Launch(ctx context.Context, prof *profile.Profile, fp stealth.Fingerprint) (Handle, error)
}

// Options configures a Driver
type Options struct {
	ExecutablePath string
	Headless       bool
	// Stealth enables the anti-automation flag set and the evasion layer.
	Stealth       bool
	Evasion       stealth.Evasion
	ExtraFlags    []string
	LaunchTimeout time.Duration
}

// antiAutomationFlags suppress automation signalling, origin isolation side
// channels and the GPU / real-time media surfaces used for fingerprinting.
var antiAutomationFlags = map[string]string{
	"disable-blink-features": "AutomationControlled",
	"disable-features":       "IsolateOrigins,site-per-process",
	"disable-webgl":          "",
	"disable-webrtc":         "",
	"no-sandbox":             "",
}
