// Package rod implements browser.Driver on go-rod. One Driver owns one
// Chromium page; the exploration phase creates a driver per URL batch and
// closes it when the batch completes.
package rod

import (
	"context"
	"errors"
	"fmt"
	"time"

	rodlib "github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"opskb/browser"
)

const defaultNavigationTimeout = 30 * time.Second

// Options configures the rod driver.
type Options struct {
	// ControlURL connects to an already-running browser; when empty a
	// headless Chromium is launched.
	ControlURL string
	// Headless applies only when launching; defaults to true via the
	// launcher default unless explicitly disabled.
	Headless bool
	// NavigationTimeout bounds Navigate, 30s when zero.
	NavigationTimeout time.Duration
	// ViewportWidth / ViewportHeight set the emulated viewport; zero keeps
	// the browser default.
	ViewportWidth  int
	ViewportHeight int
}

// Driver implements browser.Driver on a rod page.
type Driver struct {
	browser  *rodlib.Browser
	page     *rodlib.Page
	launched *launcher.Launcher
	navTime  time.Duration
}

var _ browser.Driver = (*Driver)(nil)

// New launches (or connects to) a browser and opens one page.
func New(opts Options) (*Driver, error) {
	navTime := opts.NavigationTimeout
	if navTime <= 0 {
		navTime = defaultNavigationTimeout
	}
	controlURL := opts.ControlURL
	var launched *launcher.Launcher
	if controlURL == "" {
		launched = launcher.New().Headless(opts.Headless)
		url, err := launched.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		controlURL = url
	}
	b := rodlib.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		if launched != nil {
			launched.Cleanup()
		}
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	page, err := b.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = b.Close()
		if launched != nil {
			launched.Cleanup()
		}
		return nil, fmt.Errorf("open page: %w", err)
	}
	if opts.ViewportWidth > 0 && opts.ViewportHeight > 0 {
		err = (proto.EmulationSetDeviceMetricsOverride{
			Width:             opts.ViewportWidth,
			Height:            opts.ViewportHeight,
			DeviceScaleFactor: 1,
		}).Call(page)
		if err != nil {
			_ = b.Close()
			if launched != nil {
				launched.Cleanup()
			}
			return nil, fmt.Errorf("set viewport: %w", err)
		}
	}
	return &Driver{browser: b, page: page, launched: launched, navTime: navTime}, nil
}

// Navigate implements browser.Driver.
func (d *Driver) Navigate(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, d.navTime)
	defer cancel()
	page := d.page.Context(ctx)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("wait load %s: %w", url, err)
	}
	return nil
}

// HTML implements browser.Driver.
func (d *Driver) HTML(ctx context.Context) (string, error) {
	html, err := d.page.Context(ctx).HTML()
	if err != nil {
		return "", fmt.Errorf("serialize dom: %w", err)
	}
	return html, nil
}

// CurrentURL implements browser.Driver.
func (d *Driver) CurrentURL(ctx context.Context) (string, error) {
	info, err := d.page.Context(ctx).Info()
	if err != nil {
		return "", fmt.Errorf("page info: %w", err)
	}
	return info.URL, nil
}

// Click implements browser.Driver.
func (d *Driver) Click(ctx context.Context, selector string) error {
	el, err := d.page.Context(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("find %q: %w", selector, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click %q: %w", selector, err)
	}
	return nil
}

// SendKeys implements browser.Driver.
func (d *Driver) SendKeys(ctx context.Context, selector, text string) error {
	el, err := d.page.Context(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("find %q: %w", selector, err)
	}
	if err := el.Input(text); err != nil {
		return fmt.Errorf("type into %q: %w", selector, err)
	}
	return nil
}

// Close implements browser.Driver.
func (d *Driver) Close(context.Context) error {
	var errs []error
	if d.page != nil {
		if err := d.page.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.browser != nil {
		if err := d.browser.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.launched != nil {
		d.launched.Cleanup()
	}
	return errors.Join(errs...)
}
