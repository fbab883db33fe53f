package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/renderd/internal/render/browsing"
)

var errFormNotFound = errors.New("login form not found")

// loginForm holds CSS selectors for the fields of a discovered form.
type loginForm struct {
	username string
	password string
}

// login fills and submits the first form holding a password field, then
// returns the resulting response with the context's cookie jar.
func (t *Task) login(ctx context.Context, bc *browsing.Context, start time.Time, metrics Metrics) Result {
	page := bc.Page()

	html, err := page.OuterHTML(ctx)
	if err != nil {
		t.logger.Warn("failed to read login page", zap.Error(err))
		return Result{Error: CodeSerializeFailed, Metrics: metrics}
	}
	form, err := findLoginForm(html)
	if err != nil {
		t.logger.Info("no login form on page", zap.Error(err))
		return Result{Error: CodeLoginFormNotFound, Metrics: metrics}
	}

	creds := t.spec.Credentials
	if err := page.Fill(ctx, form.username, creds.Username); err != nil {
		t.logger.Warn("failed to fill username", zap.String("selector", form.username), zap.Error(err))
		return Result{Error: CodeLoginFormNotFound, Metrics: metrics}
	}
	if err := page.Fill(ctx, form.password, creds.Password); err != nil {
		t.logger.Warn("failed to fill password", zap.String("selector", form.password), zap.Error(err))
		return Result{Error: CodeLoginFormNotFound, Metrics: metrics}
	}

	t.setState(StateNavigating)
	remaining := t.spec.WaitTime.Max - time.Since(start)
	submitStart := time.Now()
	resp, err := page.Submit(ctx, form.password, remaining)
	metrics.Goto += time.Since(submitStart)
	if failed, ok := t.checkNavigation(resp, err); !ok {
		failed.Metrics = metrics
		return failed
	}

	var res Result
	if t.spec.RenderHTML {
		res = t.finish(ctx, bc, resp, start, metrics)
		if res.Error != "" {
			return res
		}
	} else {
		res = Result{
			StatusCode:  resp.Status,
			Headers:     lowerKeys(resp.Headers),
			ResolvedURL: resp.URL,
			Metrics:     metrics,
		}
	}

	cookies, err := bc.Cookies(ctx)
	if err != nil {
		t.logger.Warn("failed to read cookies", zap.Error(err))
		return Result{Error: CodeInternal, Metrics: res.Metrics}
	}
	res.Cookies = cookies
	return res
}

// findLoginForm locates the first form with a password input and a text or
// email input.
func findLoginForm(html string) (loginForm, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return loginForm{}, fmt.Errorf("parse document: %w", err)
	}

	var found loginForm
	var ferr error = errFormNotFound
	doc.Find("form").EachWithBreak(func(_ int, form *goquery.Selection) bool {
		password := form.Find(`input[type="password"]`).First()
		if password.Length() == 0 {
			return true
		}
		username := form.Find(`input[type="email"], input[type="text"], input:not([type])`).First()
		if username.Length() == 0 {
			return true
		}

		userSel, ok := selectorFor(username)
		if !ok {
			return true
		}
		passSel, ok := selectorFor(password)
		if !ok {
			passSel, ok = passwordInForm(doc, form)
		}
		if !ok {
			return true
		}
		found = loginForm{username: userSel, password: passSel}
		ferr = nil
		return false
	})
	return found, ferr
}

// selectorFor builds a CSS selector addressing sel by id or name.
func selectorFor(sel *goquery.Selection) (string, bool) {
	if id, ok := sel.Attr("id"); ok && id != "" {
		return fmt.Sprintf(`[id="%s"]`, cssQuote(id)), true
	}
	if name, ok := sel.Attr("name"); ok && name != "" {
		return fmt.Sprintf(`input[name="%s"]`, cssQuote(name)), true
	}
	return "", false
}

// passwordInForm addresses an anonymous password input through its form. A
// form without id or name only qualifies when it holds the page's sole
// password input.
func passwordInForm(doc *goquery.Document, form *goquery.Selection) (string, bool) {
	const password = `input[type="password"]`
	if id, ok := form.Attr("id"); ok && id != "" {
		return fmt.Sprintf(`[id="%s"] %s`, cssQuote(id), password), true
	}
	if name, ok := form.Attr("name"); ok && name != "" {
		return fmt.Sprintf(`form[name="%s"] %s`, cssQuote(name), password), true
	}
	if doc.Find(password).Length() == 1 {
		return password, true
	}
	return "", false
}

func cssQuote(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

// stripScripts removes every script element from a serialized document.
func stripScripts(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	doc.Find("script").Remove()
	return doc.Html()
}
