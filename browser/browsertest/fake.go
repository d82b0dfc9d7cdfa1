// Package browsertest provides an in-memory browser.Driver for exercising
// capture sessions without a real browser process.
package browsertest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"portal-capture/browser"
	"portal-capture/profile"
	"portal-capture/stealth"
)

// PNG is the payload every fake screenshot returns
var PNG = []byte("\x89PNG\r\n\x1a\nfake-screenshot")

// Driver is a scripted browser.Driver. Selectors listed in Visible appear
// immediately; any other selector never appears and the wait blocks until
// its context ends.
type Driver struct {
	Visible map[string]bool

	// LaunchErr, when set, is returned from Launch.
	LaunchErr error
	// PanicOn makes the page panic when this selector is touched.
	PanicOn string
	// StallScreenshot makes Screenshot block until its context ends.
	StallScreenshot bool

	mu      sync.Mutex
	handles []*Handle
}

// NewDriver returns a driver where the given selectors are present
func NewDriver(visible ...string) *Driver {
	d := &Driver{Visible: map[string]bool{}}
	for _, s := range visible {
		d.Visible[s] = true
	}
	return d
}

// Launch records the fingerprint and drops a file into the profile to
// stand in for browser runtime state.
func (d *Driver) Launch(ctx context.Context, prof *profile.Profile, fp stealth.Fingerprint) (browser.Handle, error) {
	if d.LaunchErr != nil {
		return nil, d.LaunchErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	state := filepath.Join(prof.Dir(), "Default", "Preferences")
	if err := os.MkdirAll(filepath.Dir(state), 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(state, []byte("{}"), 0600); err != nil {
		return nil, err
	}

	h := &Handle{
		ProfileDir:  prof.Dir(),
		Fingerprint: fp,
		page:        &Page{driver: d, fp: fp, filled: map[string]string{}},
	}

	d.mu.Lock()
	d.handles = append(d.handles, h)
	d.mu.Unlock()
	return h, nil
}

// Handles returns every handle launched so far
func (d *Driver) Handles() []*Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Handle(nil), d.handles...)
}

// Last returns the most recent handle, or nil
func (d *Driver) Last() *Handle {
	hs := d.Handles()
	if len(hs) == 0 {
		return nil
	}
	return hs[len(hs)-1]
}

// Handle is a fake browser process
type Handle struct {
	ProfileDir  string
	Fingerprint stealth.Fingerprint

	mu     sync.Mutex
	closed int
	page   *Page
}

func (h *Handle) Page() browser.Page {
	return h.page
}

// FakePage exposes the concrete page for assertions
func (h *Handle) FakePage() *Page {
	return h.page
}

func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
	return nil
}

// Closed reports how many times Close ran
func (h *Handle) Closed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Page records every interaction
type Page struct {
	driver *Driver
	fp     stealth.Fingerprint

	mu          sync.Mutex
	navigations []string
	filled      map[string]string
	hovered     []string
	clicked     []string
	screenshots int
	// seen holds the fingerprint observed at each call
	seen []stealth.Fingerprint
}

func (p *Page) record() {
	p.seen = append(p.seen, p.fp)
}

func (p *Page) wait(ctx context.Context, selector string) error {
	if p.driver.PanicOn != "" && selector == p.driver.PanicOn {
		panic(fmt.Sprintf("browsertest: forced panic on %s", selector))
	}
	if p.driver.Visible[selector] {
		return ctx.Err()
	}
	<-ctx.Done()
	return fmt.Errorf("element %s not found: %w", selector, ctx.Err())
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	p.navigations = append(p.navigations, url)
	p.record()
	p.mu.Unlock()
	return ctx.Err()
}

func (p *Page) WaitVisible(ctx context.Context, selector string) error {
	p.mu.Lock()
	p.record()
	p.mu.Unlock()
	return p.wait(ctx, selector)
}

func (p *Page) Fill(ctx context.Context, selector, value string) error {
	if err := p.wait(ctx, selector); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filled[selector] = value
	p.record()
	return nil
}

func (p *Page) Hover(ctx context.Context, selector string) error {
	if err := p.wait(ctx, selector); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hovered = append(p.hovered, selector)
	p.record()
	return nil
}

func (p *Page) Click(ctx context.Context, selector string) error {
	if err := p.wait(ctx, selector); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clicked = append(p.clicked, selector)
	p.record()
	return nil
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	if p.driver.StallScreenshot {
		<-ctx.Done()
		return nil, fmt.Errorf("failed to capture screenshot: %w", ctx.Err())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.screenshots++
	p.record()
	return append([]byte(nil), PNG...), nil
}

// Navigations returns the URLs visited
func (p *Page) Navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigations...)
}

// Filled returns the value typed into selector
func (p *Page) Filled(selector string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.filled[selector]
	return v, ok
}

// Hovered returns hovered selectors in order
func (p *Page) Hovered() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.hovered...)
}

// Clicked returns clicked selectors in order
func (p *Page) Clicked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.clicked...)
}

// Screenshots counts captures
func (p *Page) Screenshots() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.screenshots
}

// SeenFingerprints returns the fingerprint active at each recorded call
func (p *Page) SeenFingerprints() []stealth.Fingerprint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]stealth.Fingerprint(nil), p.seen...)
}
