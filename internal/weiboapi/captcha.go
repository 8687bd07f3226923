package weiboapi

import (
	"bufio"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// CaptchaTimeoutDefault is the default time allotted to solve a
// challenge.
const CaptchaTimeoutDefault = 300 * time.Second

// CaptchaMode selects which Handler services a challenge.
type CaptchaMode string

const (
	CaptchaAuto    CaptchaMode = "auto"
	CaptchaBrowser CaptchaMode = "browser"
	CaptchaManual  CaptchaMode = "manual"
	CaptchaSkip    CaptchaMode = "skip"
)

// CaptchaHandler solves (or declines to solve) an interactive challenge
// presented at verifyURL, given a cookie jar to seed/harvest cookies
// from. It returns true once the challenge is cleared.
type CaptchaHandler interface {
	Solve(verifyURL string, jar http.CookieJar, timeout time.Duration) bool
}

// BrowserAutomator drives a real browser through a challenge page. This
// module's dependency set carries no headless-browser driver, so the
// default implementation always reports itself unavailable; a caller
// embedding this package can supply a real BrowserAutomator (e.g. backed
// by chromedp) via NewBrowserCaptchaHandler.
type BrowserAutomator interface {
	// Available reports whether this automator can actually drive a
	// browser in the current environment.
	Available() bool
	// Navigate opens verifyURL and blocks until the page no longer looks
	// like a challenge or timeout elapses, returning the harvested
	// cookies and whether the challenge was cleared.
	Navigate(verifyURL string, seed []*http.Cookie, timeout time.Duration) (cookies []*http.Cookie, solved bool)
}

// unavailableAutomator is the zero-value BrowserAutomator: it never
// claims to be able to drive a browser, so CaptchaAuto always falls back
// to manual in this module's default wiring.
type unavailableAutomator struct{}

func (unavailableAutomator) Available() bool { return false }
func (unavailableAutomator) Navigate(string, []*http.Cookie, time.Duration) ([]*http.Cookie, bool) {
	return nil, false
}

// browserCaptchaHandler adapts a BrowserAutomator to CaptchaHandler.
type browserCaptchaHandler struct {
	automator BrowserAutomator
}

func (h *browserCaptchaHandler) Solve(verifyURL string, jar http.CookieJar, timeout time.Duration) bool {
	if !h.automator.Available() {
		return false
	}
	target, err := url.Parse(verifyURL)
	if err != nil {
		return false
	}
	var seed []*http.Cookie
	if jar != nil {
		seed = jar.Cookies(target)
	}
	cookies, solved := h.automator.Navigate(verifyURL, seed, timeout)
	if solved && jar != nil {
		jar.SetCookies(target, cookies)
	}
	return solved
}

// NewBrowserCaptchaHandler wraps automator as a CaptchaHandler. Pass
// unavailableAutomator{} (the zero value) to disable browser-driven
// solving entirely.
func NewBrowserCaptchaHandler(automator BrowserAutomator) CaptchaHandler {
	if automator == nil {
		automator = unavailableAutomator{}
	}
	return &browserCaptchaHandler{automator: automator}
}

// manualCaptchaHandler prompts the operator on stdout/stdin: print the
// challenge URL, wait for Enter (or timeout) on a background goroutine
// so the wait is cancellable.
type manualCaptchaHandler struct {
	in  *bufio.Reader
	out *os.File
}

// NewManualCaptchaHandler builds a handler that prompts the operator on
// stdin/stdout.
func NewManualCaptchaHandler() CaptchaHandler {
	return &manualCaptchaHandler{in: bufio.NewReader(os.Stdin), out: os.Stdout}
}

func (h *manualCaptchaHandler) Solve(verifyURL string, _ http.CookieJar, timeout time.Duration) bool {
	fmt.Fprintf(h.out, "CAPTCHA: %s\n", verifyURL)
	fmt.Fprintf(h.out, "Press Enter within %s after solving...\n", timeout)

	done := make(chan struct{})
	go func() {
		_, _ = h.in.ReadString('\n')
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// skipCaptchaHandler never solves anything. Used when an operator
// explicitly asks to fail fast on a challenge rather than wait.
type skipCaptchaHandler struct{}

func (skipCaptchaHandler) Solve(string, http.CookieJar, time.Duration) bool { return false }

// NewSkipCaptchaHandler builds a handler that always declines to solve.
func NewSkipCaptchaHandler() CaptchaHandler { return skipCaptchaHandler{} }

var captchaHostMarkers = []string{"passport.weibo", "login.sina", "verify", "captcha", "challenge"}

// isCaptchaURL reports whether u's host+path looks like a challenge
// page.
func isCaptchaURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	text := strings.ToLower(u.Host + u.Path)
	for _, marker := range captchaHostMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// extractCaptchaURL inspects a response for signs of a challenge: a 418
// status whose final URL looks like a challenge, or a redirect Location
// that does.
func extractCaptchaURL(resp *http.Response) string {
	if resp.StatusCode == 418 {
		if isCaptchaURL(resp.Request.URL.String()) {
			return resp.Request.URL.String()
		}
		return ""
	}
	if loc := resp.Header.Get("Location"); loc != "" && isCaptchaURL(loc) {
		return loc
	}
	if isCaptchaURL(resp.Request.URL.String()) {
		return resp.Request.URL.String()
	}
	return ""
}
