package explore

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"opskb/browser"
	"opskb/crawl"
)

// login navigates to the start URL, finds a login form on the landed page
// and submits the credentials through the live browser. It recognizes a
// login form by the presence of a password field.
func login(ctx context.Context, driver browser.Driver, startURL string, creds *Credentials) error {
	if err := driver.Navigate(ctx, startURL); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	html, err := driver.HTML(ctx)
	if err != nil {
		return fmt.Errorf("read page: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return fmt.Errorf("parse page: %w", err)
	}

	form, ok := findLoginForm(crawl.ExtractAllForms(doc))
	if !ok {
		return fmt.Errorf("no login form found")
	}
	userSel, passSel := loginSelectors(form)
	if userSel == "" || passSel == "" {
		return fmt.Errorf("login form is missing a username or password field")
	}
	if err := driver.SendKeys(ctx, userSel, creds.Username); err != nil {
		return fmt.Errorf("fill username: %w", err)
	}
	if err := driver.SendKeys(ctx, passSel, creds.Password); err != nil {
		return fmt.Errorf("fill password: %w", err)
	}
	if err := driver.Click(ctx, formSubmitSelector(form)); err != nil {
		return fmt.Errorf("submit login: %w", err)
	}
	return nil
}

func findLoginForm(forms []crawl.Form) (crawl.Form, bool) {
	for _, form := range forms {
		for _, field := range form.Fields {
			if field.Type == "password" {
				return form, true
			}
		}
	}
	return crawl.Form{}, false
}

// loginSelectors picks the username and password field selectors. The
// username is the first visible text-like field before the password.
func loginSelectors(form crawl.Form) (user, pass string) {
	for _, field := range form.Fields {
		if field.Hidden || field.Disabled {
			continue
		}
		switch field.Type {
		case "password":
			if pass == "" {
				pass = fieldSelector(field)
			}
		case "text", "email", "":
			if user == "" {
				user = fieldSelector(field)
			}
		}
	}
	return user, pass
}
