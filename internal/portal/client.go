// Package portal talks to the court-records portal: identity cookies, CAPTCHA
// challenges, case registration and progress queries.
package portal

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/and161185/courtsync/internal/captcha"
	"github.com/and161185/courtsync/internal/casenum"
	"github.com/and161185/courtsync/internal/errs"
	"github.com/and161185/courtsync/internal/metrics"
	"github.com/and161185/courtsync/internal/model"
	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	cookieIdentity = "WMONID"
	cookieSession  = "JSESSIONID"

	pathIndex    = "/ssgo/index.on?cortId=www"
	pathCaptcha  = "/ssgo/ssgo10l/getCaptchaInf.on"
	pathSearch   = "/ssgo/ssgo10l/selectHmpgMain.on"
	pathProgress = "/ssgo/ssgo102/selectHmpgFmlyCsProgCtt.on"

	submitCaptcha  = "mf_ssgoTopMainTab_contents_content1_body_sbm_captcha"
	submitSearch   = "mf_ssgoTopMainTab_contents_content1_body_sbm_search"
	submitProgress = "mf_ssgoTopMainTab_contents_content1_body_wfSsgoDetail_ssgoCsDetailTab_contents_ssgoTab2_body_sbm_srchProgCtt"

	maxBody = 4 << 20
)

// Options configures the portal backend.
type Options struct {
	BaseURL           string
	UserAgent         string
	Timeout           time.Duration
	RegisterAttempts  int
	RetryDelay        time.Duration
	RequestsPerMinute int
	Burst             int
	SessionTTL        time.Duration
	IdentityValidity  time.Duration
	CaptchaTokenField string
	BreakerFailures   uint32
	BreakerOpenFor    time.Duration
}

// Solver solves CAPTCHA images.
type Solver interface {
	Solve(ctx context.Context, image []byte) captcha.Result
}

// Identity is a browser identity cookie as issued by the portal.
type Identity struct {
	Cookie    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Challenge is one CAPTCHA image with the portal's challenge token.
type Challenge struct {
	Image []byte
	Token string
}

// Backend holds what all clients share: the HTTP client, pacing and the circuit breaker.
type Backend struct {
	opts    Options
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	limiter *rate.Limiter
	solver  Solver
	log     *zap.Logger
	now     func() time.Time
}

// NewBackend constructs the shared portal backend.
func NewBackend(opts Options, solver Solver, log *zap.Logger) *Backend {
	if log == nil {
		log = zap.NewNop()
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.RegisterAttempts <= 0 {
		opts.RegisterAttempts = 5
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 30 * time.Minute
	}
	if opts.IdentityValidity <= 0 {
		opts.IdentityValidity = 365 * 24 * time.Hour
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}

	limit := rate.Inf
	if opts.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.RequestsPerMinute))
	}
	burst := max(opts.Burst, 1)

	b := &Backend{
		opts:    opts,
		http:    &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(limit, burst),
		solver:  solver,
		log:     log,
		now:     time.Now,
	}
	b.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:    "portal",
		Timeout: opts.BreakerOpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= opts.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.Set(float64(to))
			log.Warn("portal breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return b
}

// Client performs portal calls for one session. It is not safe for concurrent registration of the same case.
type Client struct {
	b    *Backend
	sess *SessionContext
}

// NewClient binds a session to the shared backend.
func NewClient(b *Backend, sess *SessionContext) *Client {
	return &Client{b: b, sess: sess}
}

// Session returns the session the client operates on.
func (c *Client) Session() *SessionContext { return c.sess }

// AcquireIdentity obtains a WMONID cookie from the landing page. It returns the
// held identity without a request while that identity is unexpired.
func (c *Client) AcquireIdentity(ctx context.Context) (Identity, error) {
	now := c.b.now()
	if c.sess.hasIdentity(now) {
		return c.sess.Identity(), nil
	}

	cookies, err := c.landing(ctx, "")
	if err != nil {
		return Identity{}, err
	}

	var id Identity
	var jsession string
	for _, ck := range cookies {
		switch ck.Name {
		case cookieIdentity:
			id = Identity{Cookie: ck.Value, IssuedAt: now, ExpiresAt: cookieExpiry(ck, now, c.b.opts.IdentityValidity)}
		case cookieSession:
			jsession = ck.Value
		}
	}
	if id.Cookie == "" {
		return Identity{}, fmt.Errorf("%w: landing page set no %s cookie", errs.ErrPortal, cookieIdentity)
	}
	c.sess.setIdentity(id)
	if jsession != "" {
		c.sess.setSession(jsession, now)
	}
	c.b.log.Info("portal identity acquired", zap.Time("expires_at", id.ExpiresAt))
	return id, nil
}

func cookieExpiry(ck *http.Cookie, now time.Time, fallback time.Duration) time.Time {
	switch {
	case !ck.Expires.IsZero():
		return ck.Expires
	case ck.MaxAge > 0:
		return now.Add(time.Duration(ck.MaxAge) * time.Second)
	}
	return now.Add(fallback)
}

// ensureSession refreshes JSESSIONID under the held identity when missing or stale.
func (c *Client) ensureSession(ctx context.Context) error {
	now := c.b.now()
	if !c.sess.hasIdentity(now) {
		return errs.ErrIdentityExpired
	}
	if c.sess.sessionFresh(now, c.b.opts.SessionTTL) {
		return nil
	}
	cookies, err := c.landing(ctx, c.sess.cookieHeaderIdentityOnly())
	if err != nil {
		return err
	}
	for _, ck := range cookies {
		switch ck.Name {
		case cookieSession:
			c.sess.setSession(ck.Value, now)
		case cookieIdentity:
			if ck.Value != c.sess.Identity().Cookie {
				c.b.log.Warn("portal issued a different identity cookie on session refresh; keeping the bound one")
			}
		}
	}
	if !c.sess.sessionFresh(now, c.b.opts.SessionTTL) {
		return fmt.Errorf("%w: landing page set no %s cookie", errs.ErrPortal, cookieSession)
	}
	return nil
}

func (c *Client) landing(ctx context.Context, cookie string) ([]*http.Cookie, error) {
	if err := c.b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var cookies []*http.Cookie
	start := time.Now()
	_, err := c.b.breaker.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.b.opts.BaseURL+pathIndex, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		req.Header.Set("Accept-Language", "ko-KR,ko;q=0.9")
		req.Header.Set("User-Agent", c.b.opts.UserAgent)
		if cookie != "" {
			req.Header.Set("Cookie", cookie)
		}
		resp, err := c.b.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("landing status %d", resp.StatusCode)
		}
		cookies = resp.Cookies()
		return nil, nil
	})
	metrics.RecordPortalRequest("landing", err == nil, time.Since(start))
	if err != nil {
		return nil, c.wrapTransport(err)
	}
	return cookies, nil
}

// post sends a JSON body with the session cookies and returns the raw response.
func (c *Client) post(ctx context.Context, endpoint, path, submissionID string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	if err := c.b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	cookie := c.sess.cookieHeader()

	start := time.Now()
	out, err := c.b.breaker.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.b.opts.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Accept-Language", "ko-KR,ko;q=0.9")
		req.Header.Set("Content-Type", "application/json;charset=UTF-8")
		req.Header.Set("User-Agent", c.b.opts.UserAgent)
		req.Header.Set("Origin", c.b.opts.BaseURL)
		req.Header.Set("Referer", c.b.opts.BaseURL+pathIndex)
		req.Header.Set("Cookie", cookie)
		req.Header.Set("submissionid", submissionID)

		resp, err := c.b.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("%s status %d", endpoint, resp.StatusCode)
		}
		return data, nil
	})
	metrics.RecordPortalRequest(endpoint, err == nil, time.Since(start))
	if err != nil {
		return nil, c.wrapTransport(err)
	}
	return out, nil
}

func (c *Client) wrapTransport(err error) error {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: %v", errs.ErrCircuitOpen, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %v", errs.ErrPortal, err)
}

type captchaResponse struct {
	Data struct {
		CaptchaInf struct {
			Image  string `json:"image"`
			Answer string `json:"answer"`
		} `json:"dma_captchaInf"`
	} `json:"data"`
}

// FetchCaptcha requests a fresh CAPTCHA image and its challenge token.
func (c *Client) FetchCaptcha(ctx context.Context) (Challenge, error) {
	if err := c.ensureSession(ctx); err != nil {
		return Challenge{}, err
	}
	body, err := c.post(ctx, "captcha", pathCaptcha, submitCaptcha, struct{}{})
	if err != nil {
		return Challenge{}, err
	}
	if o := ClassifyResponse(body); o.Kind != OutcomeOK {
		if o.Kind == OutcomeSessionInvalid {
			c.sess.dropSession()
			return Challenge{}, fmt.Errorf("%w: %w: %s", errs.ErrPortal, errSessionDropped, o.Message)
		}
		return Challenge{}, fmt.Errorf("%w: captcha: %s", errs.ErrPortal, o.Message)
	}
	var r captchaResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return Challenge{}, fmt.Errorf("%w: decode captcha: %v", errs.ErrPortal, err)
	}
	img, err := decodeImage(r.Data.CaptchaInf.Image)
	if err != nil {
		return Challenge{}, fmt.Errorf("%w: captcha image: %v", errs.ErrPortal, err)
	}
	return Challenge{Image: img, Token: r.Data.CaptchaInf.Answer}, nil
}

func decodeImage(s string) ([]byte, error) {
	if i := strings.Index(s, ";base64,"); i >= 0 && strings.HasPrefix(s, "data:") {
		s = s[i+len(";base64,"):]
	}
	if s == "" {
		return nil, errors.New("empty image")
	}
	return base64.StdEncoding.DecodeString(s)
}

type searchResponse struct {
	Data struct {
		HistList []struct {
			EncCsNo string `json:"encCsNo"`
		} `json:"dlt_csNoHistLst"`
	} `json:"data"`
}

// RegisterCase submits the case fields with a CAPTCHA answer and returns the case token.
func (c *Client) RegisterCase(ctx context.Context, d model.CaseDescriptor, answer string, ch Challenge) (string, error) {
	if err := c.ensureSession(ctx); err != nil {
		return "", err
	}
	search := map[string]string{
		"cortCd":      d.CourtCode,
		"cdScope":     "ALL",
		"csNoHistLst": casenum.HistKey(d),
		"csDvsCd":     d.TypeCode,
		"csYr":        d.Year,
		"csSerial":    d.Serial,
		"btprNm":      d.PartyName,
		"answer":      answer,
		"fullCsNo":    "",
	}
	if f := c.b.opts.CaptchaTokenField; f != "" && ch.Token != "" {
		search[f] = ch.Token
	}
	body, err := c.post(ctx, "search", pathSearch, submitSearch, map[string]any{"dma_search": search})
	if err != nil {
		return "", err
	}

	switch o := ClassifyResponse(body); o.Kind {
	case OutcomeOK:
	case OutcomeCaptchaRejected:
		return "", fmt.Errorf("%w: %s", errs.ErrCaptchaRejected, o.Message)
	case OutcomeNoResults:
		return "", fmt.Errorf("%w: %s", errs.ErrNoResults, o.Message)
	case OutcomeSessionInvalid:
		c.sess.dropSession()
		return "", fmt.Errorf("%w: %w: %s", errs.ErrPortal, errSessionDropped, o.Message)
	default:
		return "", fmt.Errorf("%w: %s", errs.ErrPortal, o.Message)
	}

	var r searchResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return "", fmt.Errorf("%w: decode search: %v", errs.ErrPortal, err)
	}
	if len(r.Data.HistList) == 0 {
		return "", errs.ErrNoResults
	}
	token := r.Data.HistList[0].EncCsNo
	if token == "" {
		return "", fmt.Errorf("%w: search result without token", errs.ErrPortal)
	}
	return token, nil
}
