package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/sirupsen/logrus"

	"portal-capture/failure"
	"portal-capture/profile"
	"portal-capture/stealth"
)

const (
	userDataSubdir = "chrome"
	exitTimeout    = 10 * time.Second
)

// RodDriver launches Chromium-family browsers through go-rod
type RodDriver struct {
	opts   Options
	logger *logrus.Logger
}

// NewRodDriver creates a go-rod backed driver
func NewRodDriver(opts Options, logger *logrus.Logger) *RodDriver {
	if opts.LaunchTimeout <= 0 {
		opts.LaunchTimeout = DefaultLaunchTimeout
	}
	if opts.Evasion == nil {
		opts.Evasion = stealth.NavigatorEvasion{}
	}
	return &RodDriver{opts: opts, logger: logger}
}

// Launch starts a browser process on the profile directory, applies the
// fingerprint and, in stealth mode, injects the evasion layer before any
// navigation happens.
func (d *RodDriver) Launch(ctx context.Context, prof *profile.Profile, fp stealth.Fingerprint) (Handle, error) {
	bin, err := d.resolveBinary()
	if err != nil {
		return nil, failure.New(failure.KindLaunch, "resolve browser executable", err)
	}

	launchCtx, cancel := context.WithTimeout(ctx, d.opts.LaunchTimeout)
	defer cancel()

	// rod removes its user data dir once the process exits, so it gets a
	// subdirectory and the profile root stays for Destroy.
	l := d.newLauncher(launchCtx, bin, filepath.Join(prof.Dir(), userDataSubdir), fp)

	d.logger.WithFields(logrus.Fields{
		"executable": bin,
		"headless":   d.opts.Headless,
		"stealth":    d.opts.Stealth,
	}).Info("Launching browser")

	controlURL, err := l.Launch()
	if err != nil {
		if l.PID() != 0 {
			l.Kill()
			if exitErr := waitExit(l); exitErr != nil {
				d.logger.WithError(exitErr).Warn("Browser left running after failed launch")
			}
		}
		switch {
		case ctx.Err() != nil:
			return nil, failure.FromContext(ctx, "start browser", err)
		case launchCtx.Err() != nil:
			return nil, failure.New(failure.KindLaunch, fmt.Sprintf("start browser: launch exceeded %v", d.opts.LaunchTimeout), err)
		default:
			return nil, failure.New(failure.KindLaunch, "start browser", err)
		}
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		l.Kill()
		_ = waitExit(l)
		return nil, failure.New(failure.KindLaunch, "connect to browser", err)
	}

	page, err := b.Page(proto.TargetCreateTarget{})
	if err != nil {
		closeQuietly(b, l)
		return nil, failure.New(failure.KindLaunch, "create page", err)
	}

	if err := applyFingerprint(page, fp); err != nil {
		closeQuietly(b, l)
		return nil, failure.New(failure.KindLaunch, "apply fingerprint", err)
	}

	if d.opts.Stealth {
		if _, err := page.EvalOnNewDocument(d.opts.Evasion.Script(fp)); err != nil {
			closeQuietly(b, l)
			return nil, failure.New(failure.KindLaunch, "inject evasion layer", err)
		}
		d.logger.WithFields(logrus.Fields{
			"evasion": d.opts.Evasion.Name(),
			"version": d.opts.Evasion.Version(),
		}).Debug("Evasion layer injected")
	}

	d.logger.Info("Browser initialized successfully")
	return &rodHandle{launcher: l, browser: b, page: &rodPage{page: page}}, nil
}

func (d *RodDriver) resolveBinary() (string, error) {
	if d.opts.ExecutablePath != "" {
		if _, err := os.Stat(d.opts.ExecutablePath); err != nil {
			return "", fmt.Errorf("browser executable %s: %w", d.opts.ExecutablePath, err)
		}
		return d.opts.ExecutablePath, nil
	}

	if path, found := launcher.LookPath(); found {
		return path, nil
	}
	return "", errors.New("no browser executable found; set browser.executable_path")
}

func (d *RodDriver) newLauncher(ctx context.Context, bin, userDataDir string, fp stealth.Fingerprint) *launcher.Launcher {
	// Leakless stays off; its helper binary trips antivirus heuristics.
	l := launcher.New().
		Context(ctx).
		Bin(bin).
		UserDataDir(userDataDir).
		Leakless(false).
		Headless(d.opts.Headless).
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("window-size", fmt.Sprintf("%d,%d", fp.Viewport.Width, fp.Viewport.Height)).
		Set("lang", fp.Locale)

	if d.opts.Stealth {
		l = l.Delete("enable-automation")
		for name, value := range antiAutomationFlags {
			l = setFlag(l, name, value)
		}
	}

	for _, raw := range d.opts.ExtraFlags {
		name, value, _ := strings.Cut(strings.TrimLeft(raw, "-"), "=")
		l = setFlag(l, name, value)
	}
	return l
}

func setFlag(l *launcher.Launcher, name, value string) *launcher.Launcher {
	if value == "" {
		return l.Set(flags.Flag(name))
	}
	return l.Set(flags.Flag(name), value)
}

// waitExit blocks until a started browser process has been reaped, so
// nothing is still writing into the profile when teardown removes it.
func waitExit(l *launcher.Launcher) error {
	done := make(chan struct{})
	go func() {
		l.Cleanup()
		close(done)
	}()

	timer := time.NewTimer(exitTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("browser process %d still running after %v", l.PID(), exitTimeout)
	}
}

func applyFingerprint(page *rod.Page, fp stealth.Fingerprint) error {
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      fp.UserAgent,
		AcceptLanguage: fp.AcceptLanguage(),
	}); err != nil {
		return fmt.Errorf("failed to set user agent: %w", err)
	}

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             fp.Viewport.Width,
		Height:            fp.Viewport.Height,
		DeviceScaleFactor: 1,
	}); err != nil {
		return fmt.Errorf("failed to set viewport: %w", err)
	}

	if fp.Timezone != "" {
		if err := (proto.EmulationSetTimezoneOverride{TimezoneID: fp.Timezone}).Call(page); err != nil {
			return fmt.Errorf("failed to set timezone: %w", err)
		}
	}
	if fp.Locale != "" {
		if err := (proto.EmulationSetLocaleOverride{Locale: fp.Locale}).Call(page); err != nil {
			return fmt.Errorf("failed to set locale: %w", err)
		}
	}
	return nil
}

func closeQuietly(b *rod.Browser, l *launcher.Launcher) {
	_ = b.Close()
	l.Kill()
	_ = waitExit(l)
}

type rodHandle struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rodPage
}

func (h *rodHandle) Page() Page {
	return h.page
}

// Close asks the browser to exit, kills the process regardless and waits
// for it to be reaped. The session context may already be cancelled, so the
// close call gets its own.
func (h *rodHandle) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if err := h.browser.Context(ctx).Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
	}
	h.launcher.Kill()
	if err := waitExit(h.launcher); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

type rodPage struct {
	page *rod.Page
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	page := p.page.Context(ctx)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("failed to wait for page load: %w", err)
	}
	return nil
}

func (p *rodPage) element(ctx context.Context, selector string) (*rod.Element, error) {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return nil, fmt.Errorf("element %s not found: %w", selector, err)
	}
	if err := el.WaitVisible(); err != nil {
		return nil, fmt.Errorf("element %s not visible: %w", selector, err)
	}
	return el, nil
}

func (p *rodPage) WaitVisible(ctx context.Context, selector string) error {
	_, err := p.element(ctx, selector)
	return err
}

func (p *rodPage) Fill(ctx context.Context, selector, value string) error {
	el, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	if err := el.SelectAllText(); err != nil {
		return fmt.Errorf("failed to clear %s: %w", selector, err)
	}
	if err := el.Input(value); err != nil {
		// The value may be a secret; only the selector goes into the error.
		return fmt.Errorf("failed to input text into %s", selector)
	}
	return nil
}

func (p *rodPage) Hover(ctx context.Context, selector string) error {
	el, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	if err := el.Hover(); err != nil {
		return fmt.Errorf("failed to hover %s: %w", selector, err)
	}
	return nil
}

func (p *rodPage) Click(ctx context.Context, selector string) error {
	el, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("failed to click %s: %w", selector, err)
	}
	return nil
}

func (p *rodPage) Screenshot(ctx context.Context) ([]byte, error) {
	data, err := p.page.Context(ctx).Screenshot(true, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return data, nil
}
