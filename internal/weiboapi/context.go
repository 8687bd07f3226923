package weiboapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cxyfer/weiboloader/internal/model"
	"github.com/cxyfer/weiboloader/internal/ratelimit"
	"github.com/cxyfer/weiboloader/internal/weiboerr"
)

const defaultBaseURL = "https://m.weibo.cn"
const sessionFileName = "session.dat"
const mediaChunkSize = 64 * 1024

var defaultHeaders = map[string]string{
	"User-Agent": "Mozilla/5.0 (Linux; Android 13; Pixel 7) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36",
	"Accept":  "application/json, text/plain, */*",
	"Referer": "https://m.weibo.cn/",
}

// Options configures a Context.
type Options struct {
	HTTPClient     *http.Client // defaults to a client with a fresh cookiejar
	BaseURL        string       // defaults to the upstream production host; overridable for tests
	RateConfig     ratelimit.Config
	CaptchaMode    CaptchaMode
	CaptchaTimeout time.Duration
	RequestTimeout time.Duration
	SessionPath    string
	Log            *zap.Logger

	// OnPause and OnResume, when non-nil, bracket the challenge detour:
	// OnPause fires on entry, OnResume fires on exit whether the
	// challenge is solved or not. Typically wired to a terminal progress
	// sink's Pause/Resume so no bar output interleaves with the
	// challenge prompt.
	OnPause  func()
	OnResume func()
}

// Context is one authenticated session against the upstream API, with
// rate control, retry, and challenge handling folded into every request.
type Context struct {
	client  *http.Client
	baseURL string
	jar     http.CookieJar
	rate    *ratelimit.Controller
	log     *zap.Logger

	captchaMode    CaptchaMode
	captchaTimeout time.Duration
	reqTimeout     time.Duration
	sessionPath    string

	onPause  func()
	onResume func()

	captchaHandlers map[CaptchaMode]CaptchaHandler
}

// New builds a Context. A nil BrowserAutomator (the common case for this
// module's default wiring) makes CaptchaBrowser always decline and makes
// CaptchaAuto fall back to manual.
func New(opts Options, browser BrowserAutomator) (*Context, error) {
	cj, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("weiboapi: cookiejar: %w", err)
	}
	var jar http.CookieJar = cj

	reqTimeout := opts.RequestTimeout
	if reqTimeout == 0 {
		reqTimeout = 20 * time.Second
	}

	client := opts.HTTPClient
	if client == nil {
		// Connect and response-header timeouts only. A whole-request
		// Client.Timeout would also cap the body read and kill long
		// media streams mid-download.
		client = &http.Client{
			Jar: jar,
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: reqTimeout}).DialContext,
				ResponseHeaderTimeout: reqTimeout,
				MaxIdleConnsPerHost:   8,
			},
		}
	} else if client.Jar == nil {
		client.Jar = jar
	} else {
		jar = client.Jar
	}
	captchaTimeout := opts.CaptchaTimeout
	if captchaTimeout == 0 {
		captchaTimeout = CaptchaTimeoutDefault
	}
	captchaMode := opts.CaptchaMode
	if captchaMode == "" {
		captchaMode = CaptchaAuto
	}
	rateCfg := opts.RateConfig
	if rateCfg == (ratelimit.Config{}) {
		rateCfg = ratelimit.DefaultConfig()
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}

	sessionPath := opts.SessionPath
	if sessionPath == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			sessionPath = filepath.Join(home, ".config", "weiboloader", sessionFileName)
		}
	}

	base := opts.BaseURL
	if base == "" {
		base = defaultBaseURL
	}

	return &Context{
		client:         client,
		baseURL:        base,
		jar:            jar,
		rate:           ratelimit.New(rateCfg),
		log:            log,
		captchaMode:    captchaMode,
		captchaTimeout: captchaTimeout,
		reqTimeout:     reqTimeout,
		sessionPath:    sessionPath,
		onPause:        opts.OnPause,
		onResume:       opts.OnResume,
		captchaHandlers: map[CaptchaMode]CaptchaHandler{
			CaptchaManual:  NewManualCaptchaHandler(),
			CaptchaBrowser: NewBrowserCaptchaHandler(browser),
			CaptchaSkip:    NewSkipCaptchaHandler(),
		},
	}, nil
}

// requestOpts configures a single call to Context.do.
type requestOpts struct {
	bucket       string
	allowCaptcha bool
	retries      int
	query        url.Values
	noRedirect   bool
	// into, when set, streams a successful response body directly into
	// it in fixed-size chunks instead of buffering the whole body in
	// memory.
	into io.Writer
}

func defaultRequestOpts() requestOpts {
	return requestOpts{bucket: ratelimit.BucketAPI, allowCaptcha: true, retries: 3}
}

// noRedirectClient mirrors c.client but never follows redirects, for
// the nickname-resolution probe (the redirect Location header is the
// signal, not the final page).
func (c *Context) noRedirectClient() *http.Client {
	return &http.Client{
		Jar:       c.client.Jar,
		Timeout:   c.client.Timeout,
		Transport: c.client.Transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// do issues method against target (relative paths are joined against
// baseURL), applying rate control, retry-with-backoff, and challenge
// handling. It returns the final response body on success; the caller
// owns no open resource since the body is fully drained here.
func (c *Context) do(ctx context.Context, method, target string, opts requestOpts) ([]byte, *http.Response, error) {
	full := target
	if !strings.HasPrefix(target, "http") {
		full = c.baseURL + "/" + strings.TrimPrefix(target, "/")
	}
	if len(opts.query) > 0 {
		u, err := url.Parse(full)
		if err != nil {
			return nil, nil, weiboerr.Wrap(weiboerr.KindTarget, err, "bad url: "+full)
		}
		u.RawQuery = opts.query.Encode()
		full = u.String()
	}

	attempt := 0
	for {
		c.rate.WaitBeforeRequest(opts.bucket)

		req, err := http.NewRequestWithContext(ctx, method, full, nil)
		if err != nil {
			return nil, nil, weiboerr.Wrap(weiboerr.KindTarget, err, "build request: "+full)
		}
		for k, v := range defaultHeaders {
			req.Header.Set(k, v)
		}

		client := c.client
		if opts.noRedirect {
			client = c.noRedirectClient()
		}
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, weiboerr.Wrap(weiboerr.KindTarget, ctx.Err(), "request cancelled: "+full)
			}
			if attempt >= opts.retries {
				return nil, nil, weiboerr.Wrap(weiboerr.KindTarget, err, "request failed: "+full)
			}
			attempt++
			continue
		}

		c.rate.HandleResponse(opts.bucket, resp.StatusCode)

		body, retry, challenged, terminal := c.classify(resp, full, opts.allowCaptcha, attempt, opts.retries, opts.into)
		if terminal != nil {
			return nil, nil, terminal
		}
		if !retry {
			return body, resp, nil
		}
		// A challenge detour retries immediately without consuming the
		// attempt budget; every other retry (backoff on 403/418/5xx)
		// consumes one.
		if !challenged {
			attempt++
		}
	}
}

// classify drains and closes resp, then returns (body, retry,
// challenged, err). At most one of (body!=nil, retry, err!=nil) holds;
// a success streamed into `into` returns none of them (nil body, no
// retry, nil err). challenged is set only when
// retry was triggered by a challenge detour rather than a backoff retry,
// so the caller knows not to consume an attempt for it.
func (c *Context) classify(resp *http.Response, target string, allowCaptcha bool, attempt, retries int, into io.Writer) ([]byte, bool, bool, error) {
	defer resp.Body.Close()

	if allowCaptcha {
		if vurl := extractCaptchaURL(resp); vurl != "" {
			if c.solveCaptcha(vurl) {
				return nil, true, true, nil
			}
			return nil, false, false, weiboerr.New(weiboerr.KindAuth, "captcha not solved")
		}
	}

	switch {
	case resp.StatusCode == 403 || resp.StatusCode == 418:
		if attempt < retries {
			return nil, true, false, nil
		}
		return nil, false, false, weiboerr.New(weiboerr.KindRateLimit, "rate limited: "+target)
	case resp.StatusCode == 401:
		return nil, false, false, weiboerr.New(weiboerr.KindAuth, "authentication failed")
	case resp.StatusCode >= 500:
		if attempt < retries {
			return nil, true, false, nil
		}
		return nil, false, false, weiboerr.New(weiboerr.KindTarget, fmt.Sprintf("server error %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, false, false, weiboerr.New(weiboerr.KindTarget, fmt.Sprintf("http %d", resp.StatusCode))
	}

	if into != nil {
		buf := make([]byte, mediaChunkSize)
		if _, err := io.CopyBuffer(into, resp.Body, buf); err != nil {
			return nil, false, false, weiboerr.Wrap(weiboerr.KindTarget, err, "stream body: "+target)
		}
		return nil, false, false, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, false, weiboerr.Wrap(weiboerr.KindTarget, err, "read body: "+target)
	}
	return body, false, false, nil
}

// solveCaptcha brackets the challenge detour with onPause/onResume.
// onResume runs on every exit path, including a panic inside the
// handler.
func (c *Context) solveCaptcha(verifyURL string) bool {
	if c.onPause != nil {
		c.onPause()
	}
	if c.onResume != nil {
		defer c.onResume()
	}
	return c.doSolveCaptcha(verifyURL)
}

func (c *Context) doSolveCaptcha(verifyURL string) bool {
	mode := c.captchaMode
	if mode == CaptchaAuto {
		mode = CaptchaBrowser
		if !c.captchaHandlers[CaptchaBrowser].(*browserCaptchaHandler).automator.Available() {
			mode = CaptchaManual
		}
	}
	handler, ok := c.captchaHandlers[mode]
	if !ok {
		c.log.Warn("captcha mode not available", zap.String("mode", string(mode)))
		return false
	}
	return handler.Solve(verifyURL, c.jar, c.captchaTimeout)
}

// ValidateCookie requires a non-empty SUB cookie, the upstream's
// logged-in session marker.
func (c *Context) ValidateCookie() error {
	u, _ := url.Parse(c.baseURL)
	for _, ck := range c.jar.Cookies(u) {
		if ck.Name == "SUB" && ck.Value != "" {
			return nil
		}
	}
	return weiboerr.New(weiboerr.KindAuth, "missing SUB cookie")
}

// SetCookiesFromString parses a "name=value; name2=value2" cookie
// string into the session jar.
func (c *Context) SetCookiesFromString(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return weiboerr.New(weiboerr.KindAuth, "empty cookie string")
	}
	u, _ := url.Parse(c.baseURL)
	var cookies []*http.Cookie
	for _, part := range strings.Split(strings.ReplaceAll(s, "\n", ";"), ";") {
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		name, value = strings.TrimSpace(name), strings.TrimSpace(value)
		if name == "" {
			continue
		}
		cookies = append(cookies, &http.Cookie{Name: name, Value: value, Domain: ".weibo.cn", Path: "/"})
	}
	c.jar.SetCookies(u, cookies)
	return nil
}

// SetCookiesFromFile reads a cookie string from path.
func (c *Context) SetCookiesFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return weiboerr.Wrap(weiboerr.KindAuth, err, "read cookie file")
	}
	return c.SetCookiesFromString(string(data))
}

type sessionPayload struct {
	Cookies []sessionCookie   `json:"cookies"`
	Headers map[string]string `json:"headers"`
}

type sessionCookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain"`
	Path   string `json:"path"`
}

// SaveSession persists cookies as JSON, never gob: decoding native
// serialization from an untrusted session file would be an RCE surface.
func (c *Context) SaveSession(path string) error {
	if path == "" {
		path = c.sessionPath
	}
	if path == "" {
		return weiboerr.New(weiboerr.KindInit, "no session path configured")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("weiboapi: mkdir: %w", err)
	}

	u, _ := url.Parse(c.baseURL)
	var payload sessionPayload
	for _, ck := range c.jar.Cookies(u) {
		payload.Cookies = append(payload.Cookies, sessionCookie{
			Name: ck.Name, Value: ck.Value, Domain: ck.Domain, Path: ck.Path,
		})
	}
	payload.Headers = defaultHeaders

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("weiboapi: marshal session: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// LoadSession restores cookies from a prior SaveSession. It returns
// false (never an error) when the file is absent or malformed.
func (c *Context) LoadSession(path string) bool {
	if path == "" {
		path = c.sessionPath
	}
	if path == "" {
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var payload sessionPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return false
	}
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return false
	}
	var cookies []*http.Cookie
	for _, ck := range payload.Cookies {
		domain := ck.Domain
		path := ck.Path
		if path == "" {
			path = "/"
		}
		cookies = append(cookies, &http.Cookie{Name: ck.Name, Value: ck.Value, Domain: domain, Path: path})
	}
	c.jar.SetCookies(u, cookies)
	return true
}

var uidInURLRe = regexp.MustCompile(`/u/(\d{5,})|/profile/(\d{5,})`)
var digitsRe = regexp.MustCompile(`\d{5,}`)

// ResolveNicknameToIdentifier resolves a display nickname to a numeric
// UID via the upstream redirect/profile lookup.
func (c *Context) ResolveNicknameToIdentifier(ctx context.Context, nickname string) (string, error) {
	name := url.PathEscape(strings.TrimSpace(nickname))

	opts := defaultRequestOpts()
	opts.retries = 2

	noRedirectOpts := opts
	noRedirectOpts.noRedirect = true
	_, resp, err := c.do(ctx, http.MethodGet, "/n/"+name, noRedirectOpts)
	if err == nil {
		loc := resp.Header.Get("Location")
		if uid := extractUID(loc); uid != "" {
			return uid, nil
		}
		if uid := extractUID(resp.Request.URL.String()); uid != "" {
			return uid, nil
		}
	}

	body, resp2, err := c.do(ctx, http.MethodGet, "/n/"+name, opts)
	if err != nil {
		return "", err
	}
	if uid := extractUID(resp2.Request.URL.String()); uid != "" {
		return uid, nil
	}
	if uid := extractUID(string(body)); uid != "" {
		return uid, nil
	}
	return "", weiboerr.New(weiboerr.KindTarget, "cannot resolve nickname: "+nickname)
}

func extractUID(text string) string {
	if text == "" {
		return ""
	}
	decoded, err := url.QueryUnescape(text)
	if err != nil {
		decoded = text
	}
	u, err := url.Parse(decoded)
	if err == nil {
		q := u.Query()
		for _, key := range []string{"uid", "value", "id"} {
			if v := q.Get(key); v != "" {
				return v
			}
		}
		if m := uidInURLRe.FindStringSubmatch(u.Path); m != nil {
			if m[1] != "" {
				return m[1]
			}
			return m[2]
		}
	}
	if m := digitsRe.FindString(decoded); m != "" {
		return m
	}
	return ""
}

// FetchMediaTo streams raw media bytes into w in mediaChunkSize chunks
// through the media rate bucket, with challenge handling disabled: a
// challenge on a CDN URL can't be solved the way an API challenge can.
func (c *Context) FetchMediaTo(ctx context.Context, mediaURL string, w io.Writer) error {
	opts := requestOpts{bucket: ratelimit.BucketMedia, allowCaptcha: false, retries: 2, into: w}
	_, _, err := c.do(ctx, http.MethodGet, mediaURL, opts)
	return err
}

func (c *Context) getJSON(ctx context.Context, target string, query url.Values) ([]byte, error) {
	opts := defaultRequestOpts()
	opts.query = query
	body, _, err := c.do(ctx, http.MethodGet, target, opts)
	return body, err
}

func (c *Context) getIndex(ctx context.Context, params url.Values) ([]byte, error) {
	body, err := c.getJSON(ctx, "/api/container/getIndex", params)
	if err != nil {
		return nil, err
	}
	data := fetchField(body, "data")
	if data == nil {
		msg := fetchString(body, "msg")
		if msg == "" {
			msg = "api error"
		}
		return nil, weiboerr.New(weiboerr.KindTarget, msg)
	}
	return data, nil
}

// GetUserInfo fetches the profile of uid, matching get_user_info.
func (c *Context) GetUserInfo(ctx context.Context, uid string) (*model.User, error) {
	data, err := c.getIndex(ctx, url.Values{"type": {"uid"}, "value": {uid}})
	if err != nil {
		return nil, err
	}
	userRaw := fetchField(data, "userInfo")
	if userRaw == nil {
		userRaw = fetchField(data, "user")
	}
	if userRaw == nil {
		userRaw = firstCardUser(data)
	}
	if userRaw == nil {
		return nil, weiboerr.New(weiboerr.KindAuth, "user not found")
	}
	return ParseUserInfo(userRaw)
}

// GetUserPosts fetches one page of a user's timeline, matching
// get_user_posts. Container ID 107603 is the upstream's fixed prefix for
// a user's post feed.
func (c *Context) GetUserPosts(ctx context.Context, uid string, page int) ([]*model.Post, *string, error) {
	data, err := c.getIndex(ctx, url.Values{"containerid": {"107603" + uid}, "page": {strconv.Itoa(page)}})
	if err != nil {
		return nil, nil, err
	}
	posts, err := parsePosts(data)
	if err != nil {
		return nil, nil, err
	}
	return posts, ExtractNextCursor(data), nil
}

// GetSupertopicPosts fetches one page of a super-topic feed, matching
// get_supertopic_posts.
func (c *Context) GetSupertopicPosts(ctx context.Context, containerID string, page int) ([]*model.Post, *string, error) {
	if !strings.HasSuffix(containerID, "_-_feed") {
		containerID += "_-_feed"
	}
	data, err := c.getIndex(ctx, url.Values{"containerid": {containerID}, "page": {strconv.Itoa(page)}})
	if err != nil {
		return nil, nil, err
	}
	posts, err := parsePosts(data)
	if err != nil {
		return nil, nil, err
	}
	return posts, ExtractNextCursor(data), nil
}

// SearchSupertopic resolves a keyword to candidate super-topic
// containers, matching search_supertopic.
func (c *Context) SearchSupertopic(ctx context.Context, keyword string) ([]*model.SuperTopic, error) {
	data, err := c.getIndex(ctx, url.Values{"containerid": {"100103type=98&q=" + keyword}})
	if err != nil {
		return nil, err
	}

	var topics []*model.SuperTopic
	seen := make(map[string]struct{})
	eachCard(data, func(raw []byte) {
		cid := fetchString(raw, "containerid")
		if cid == "" {
			if scheme := fetchString(raw, "scheme"); scheme != "" {
				cid = containeridFromScheme(scheme)
			}
		}
		patched := raw
		if cid != "" && fetchString(raw, "containerid") == "" {
			patched = patchField(raw, "containerid", cid)
		}
		if fetchString(patched, "topic_title") == "" {
			title := fetchString(patched, "title_sub")
			if title == "" {
				title = fetchString(patched, "title")
			}
			if title != "" {
				patched = patchField(patched, "topic_title", strings.Trim(title, "# "))
			}
		}
		t, err := ParseSupertopic(patched)
		if err != nil {
			return
		}
		if _, dup := seen[t.ContainerID]; dup {
			return
		}
		seen[t.ContainerID] = struct{}{}
		topics = append(topics, t)
	})
	return topics, nil
}

// SearchPosts runs a keyword search over posts, matching search_posts.
func (c *Context) SearchPosts(ctx context.Context, keyword string, page int) ([]*model.Post, *string, error) {
	data, err := c.getIndex(ctx, url.Values{"containerid": {"100103type=1&q=" + keyword}, "page": {strconv.Itoa(page)}})
	if err != nil {
		return nil, nil, err
	}
	posts, err := parsePosts(data)
	if err != nil {
		return nil, nil, err
	}
	return posts, ExtractNextCursor(data), nil
}

var renderDataRe = regexp.MustCompile(`\$render_data\s*=\s*(\[[^\]]+\])\s*\[0\]`)
var statusFieldRe = regexp.MustCompile(`"status"\s*:\s*(\{[^}]+\})`)

// GetPostByMid fetches a single post by its mid, matching
// get_post_by_mid: try scraping the detail page's embedded
// $render_data blob first, then fall back to the statuses/show API.
func (c *Context) GetPostByMid(ctx context.Context, mid string) (*model.Post, error) {
	opts := defaultRequestOpts()
	opts.retries = 2
	body, _, err := c.do(ctx, http.MethodGet, "/detail/"+mid, opts)
	if err == nil {
		if status := extractStatusFromHTML(string(body)); status != nil {
			return ParsePost(status, time.Time{})
		}
	}

	payload, err := c.getJSON(ctx, "/api/statuses/show", url.Values{"id": {mid}})
	if err != nil {
		return nil, err
	}
	status := fetchField(payload, "data")
	if status == nil {
		status = payload
	}
	return ParsePost(status, time.Time{})
}

func extractStatusFromHTML(html string) []byte {
	if html == "" {
		return nil
	}
	if m := renderDataRe.FindStringSubmatch(html); m != nil {
		var arr []json.RawMessage
		if err := json.Unmarshal([]byte(m[1]), &arr); err == nil && len(arr) > 0 {
			if status := fetchField(arr[0], "status"); status != nil {
				return status
			}
		}
	}
	if m := statusFieldRe.FindStringSubmatch(html); m != nil {
		return []byte(m[1])
	}
	return nil
}

func containeridFromScheme(scheme string) string {
	const marker = "containerid="
	i := strings.Index(scheme, marker)
	if i < 0 {
		return ""
	}
	rest := scheme[i+len(marker):]
	if j := strings.IndexByte(rest, '&'); j >= 0 {
		rest = rest[:j]
	}
	return rest
}

func parsePosts(data []byte) ([]*model.Post, error) {
	var posts []*model.Post
	seen := make(map[string]struct{})
	eachCard(data, func(card []byte) {
		candidates := [][]byte{card}
		if group := fetchField(card, "card_group"); group != nil {
			var items []json.RawMessage
			if err := json.Unmarshal(group, &items); err == nil {
				for _, it := range items {
					candidates = append(candidates, it)
				}
			}
		}
		for _, item := range candidates {
			if fetchField(item, "mblog") == nil {
				continue
			}
			p, err := ParsePost(item, time.Time{})
			if err != nil {
				continue
			}
			if _, dup := seen[p.Mid]; dup {
				continue
			}
			seen[p.Mid] = struct{}{}
			posts = append(posts, p)
		}
	})
	return posts, nil
}
