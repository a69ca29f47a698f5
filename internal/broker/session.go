package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"tradegate/internal/domain"
	"tradegate/internal/util"
)

// defaultHeaders mimic a desktop browser; some vendor login pages refuse
// anything else.
var defaultHeaders = map[string]string{
	"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7",
	"Accept-Language":           "en-US,en;q=0.9",
	"Connection":                "keep-alive",
	"Sec-Fetch-Dest":            "document",
	"Sec-Fetch-Mode":            "navigate",
	"Sec-Fetch-Site":            "none",
	"Sec-Fetch-User":            "?1",
	"Upgrade-Insecure-Requests": "1",
	"User-Agent":                "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.0.0 Safari/537.36",
	"sec-ch-ua":                 `"Not.A/Brand";v="8", "Chromium";v="114", "Google Chrome";v="114"`,
	"sec-ch-ua-mobile":          "?0",
	"sec-ch-ua-platform":        `"macOS"`,
}

const bodyExcerptLimit = 512

// authTimeout bounds one shared login, including an interactive OTP prompt.
const authTimeout = 5 * time.Minute

// SessionState is the mutable authentication state of one vendor session.
// Generation increases on every successful login or refresh.
type SessionState struct {
	AccessToken  string
	RefreshToken string
	SessionID    string
	TradingOTP   string
	Generation   uint64
}

// Request is one outbound vendor call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Form   url.Values // form-encoded body
	JSON   any        // JSON body; ignored when Form is set

	// Client overrides the session client, e.g. for cookie-scoped login flows.
	Client *http.Client
	// Anonymous omits the vendor auth header.
	Anonymous bool
	// NoReauth disables the re-login on a session-expired signal. Set by
	// requests issued from login itself.
	NoReauth bool
}

// Response is a fully read vendor response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	URL        *url.URL // final URL after redirects
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// DecodeJSON unmarshals the body into v.
func (r *Response) DecodeJSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", domain.ErrVendorResponse, r.urlString(), err)
	}
	return nil
}

func (r *Response) urlString() string {
	if r.URL == nil {
		return ""
	}
	return r.URL.String()
}

// RequestError is a vendor call that failed at the transport or protocol
// level. It matches domain.ErrRequestFailed and its cause with errors.Is.
type RequestError struct {
	Method     string
	URL        string
	StatusCode int    // 0 for network errors
	Body       string // excerpt
	Err        error
}

func (e *RequestError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Method, e.URL)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Body != "" {
		fmt.Fprintf(&b, ": %s", e.Body)
	}
	return b.String()
}

func (e *RequestError) Unwrap() []error {
	if e.Err == nil {
		return []error{domain.ErrRequestFailed}
	}
	return []error{domain.ErrRequestFailed, e.Err}
}

// statusError builds a RequestError from a non-2xx response.
func statusError(method string, resp *Response) *RequestError {
	return &RequestError{
		Method:     method,
		URL:        resp.urlString(),
		StatusCode: resp.StatusCode,
		Body:       excerpt(resp.Body),
	}
}

func excerpt(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > bodyExcerptLimit {
		s = s[:bodyExcerptLimit] + "..."
	}
	return s
}

// SessionConfig wires a Session to its vendor.
type SessionConfig struct {
	Client      *http.Client
	Logger      *slog.Logger
	RateLimiter *util.RateLimiter
	Attempts    int
	BaseDelay   time.Duration

	// Authorize adds the vendor auth headers for the current state.
	Authorize func(h http.Header, st SessionState)
	// Login performs a full non-interactive login; it is invoked on a
	// session-expired signal.
	Login func(ctx context.Context) error
	// IsExpired reports a vendor-specific session-expired payload. HTTP 401
	// is always treated as expired.
	IsExpired func(*Response) bool
}

// Session is the single chokepoint for vendor calls: default headers, auth,
// transport retry, rate limiting and the one-shot re-login.
type Session struct {
	cfg SessionConfig
	log *slog.Logger

	mu    sync.RWMutex
	state SessionState

	auth singleflight.Group
}

// NewSession creates a Session.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultRetryAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultRetryBaseDelay
	}
	return &Session{cfg: cfg, log: cfg.Logger}
}

// State returns a copy of the current session state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Generation returns the current login generation.
func (s *Session) Generation() uint64 {
	return s.State().Generation
}

// Update mutates the session state and advances the generation.
func (s *Session) Update(fn func(st *SessionState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
	s.state.Generation++
}

// Seed sets the state without advancing the generation; used for tokens
// restored from storage.
func (s *Session) Seed(st SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gen := s.state.Generation
	s.state = st
	s.state.Generation = gen
}

// Authenticate runs fn as the single in-flight login or refresh for this
// session. Concurrent callers share the in-flight result. A caller whose
// observed generation is already stale skips fn, since another caller has
// logged in since.
//
// fn runs detached from the caller that started it, bounded by
// authTimeout. Each caller returns as soon as its own ctx ends.
func (s *Session) Authenticate(ctx context.Context, observed uint64, fn func(ctx context.Context) error) error {
	ch := s.auth.DoChan("auth", func() (any, error) {
		if s.Generation() > observed {
			return nil, nil
		}
		authCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), authTimeout)
		defer cancel()
		return nil, fn(authCtx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do issues req, re-logging in once and replaying when the vendor signals
// an expired session.
func (s *Session) Do(ctx context.Context, req *Request) (*Response, error) {
	observed := s.Generation()
	resp, err := s.send(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.NoReauth || !s.expired(resp) {
		return resp, nil
	}

	s.log.Warn("session expired, logging in again", "method", req.Method, "url", redactURL(req.URL))
	if s.cfg.Login == nil {
		return nil, &RequestError{Method: req.Method, URL: redactURL(req.URL), StatusCode: resp.StatusCode, Err: domain.ErrSessionExpired}
	}
	if err := s.Authenticate(ctx, observed, s.cfg.Login); err != nil {
		return nil, fmt.Errorf("re-login after expired session: %w", err)
	}

	resp, err = s.send(ctx, req)
	if err != nil {
		return nil, err
	}
	if s.expired(resp) {
		return nil, &RequestError{
			Method:     req.Method,
			URL:        redactURL(req.URL),
			StatusCode: resp.StatusCode,
			Body:       excerpt(resp.Body),
			Err:        domain.ErrSessionExpired,
		}
	}
	return resp, nil
}

func (s *Session) expired(resp *Response) bool {
	if resp.StatusCode == http.StatusUnauthorized {
		return true
	}
	return s.cfg.IsExpired != nil && s.cfg.IsExpired(resp)
}

// send performs the transport-level retry loop.
func (s *Session) send(ctx context.Context, req *Request) (*Response, error) {
	client := s.cfg.Client
	if req.Client != nil {
		client = req.Client
	}
	idempotent := isIdempotent(req.Method)

	var (
		resp     *Response
		attempts int
	)
	err := util.Retry(ctx, s.cfg.Attempts, s.cfg.BaseDelay, func() error {
		attempts++
		resp = nil
		if err := s.cfg.RateLimiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		httpReq, err := s.build(ctx, req)
		if err != nil {
			return util.Permanent(err)
		}

		r, err := client.Do(httpReq)
		if err != nil {
			if !idempotent || ctx.Err() != nil {
				return util.Permanent(err)
			}
			s.log.Debug("retrying request", "method", req.Method, "url", redactURL(req.URL), "attempt", attempts, "error", err)
			return err
		}
		body, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			if !idempotent {
				return util.Permanent(err)
			}
			return err
		}

		resp = &Response{StatusCode: r.StatusCode, Header: r.Header, Body: body, URL: r.Request.URL}
		if idempotent && retryableStatus(r.StatusCode) {
			s.log.Debug("retrying request", "method", req.Method, "url", redactURL(req.URL), "attempt", attempts, "status", r.StatusCode)
			return fmt.Errorf("status %d", r.StatusCode)
		}
		return nil
	})
	if err == nil {
		return resp, nil
	}

	rerr := &RequestError{Method: req.Method, URL: redactURL(req.URL)}
	if resp != nil {
		rerr.StatusCode = resp.StatusCode
		rerr.Body = excerpt(resp.Body)
	} else {
		rerr.Err = err
	}
	return nil, rerr
}

func (s *Session) build(ctx context.Context, req *Request) (*http.Request, error) {
	var (
		body        io.Reader
		contentType string
	)
	switch {
	case req.Form != nil:
		body = strings.NewReader(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case req.JSON != nil:
		data, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for k, v := range defaultHeaders {
		httpReq.Header.Set(k, v)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if !req.Anonymous && s.cfg.Authorize != nil {
		s.cfg.Authorize(httpReq.Header, s.State())
	}
	for k, vs := range req.Header {
		httpReq.Header.Del(k)
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	return httpReq, nil
}

func isIdempotent(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	}
	return false
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// redactURL drops the query string, which may carry request identifiers.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	return u.String()
}

