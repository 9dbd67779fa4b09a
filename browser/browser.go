// Package browser defines the driver contract the crawler and the URL
// exploration phase automate pages through. The production implementation
// lives in browser/rod; tests use scripted fakes.
package browser

import "context"

// Driver abstracts one live browser session.
type Driver interface {
	// Navigate loads a URL and waits for the page to settle.
	Navigate(ctx context.Context, url string) error
	// HTML returns the serialized DOM of the current page.
	HTML(ctx context.Context) (string, error)
	// CurrentURL returns the page's current location, which may differ from
	// the navigated URL after redirects or script navigation.
	CurrentURL(ctx context.Context) (string, error)
	// Click dispatches a click on the first element matching the CSS
	// selector.
	Click(ctx context.Context, selector string) error
	// SendKeys types text into the first element matching the CSS selector.
	SendKeys(ctx context.Context, selector, text string) error
	// Close kills the session and releases the underlying browser.
	Close(ctx context.Context) error
}
