package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/brettboylen/reddit-scheduler/models"
)

const (
	defaultBaseURL   = "https://www.reddit.com"
	defaultUserAgent = "reddit-scheduler/1.0"

	// DryRunURL is the remote url reported for posts "submitted" in dry-run mode
	DryRunURL = "https://www.reddit.com/r/dryrun/comments/dryrun/"

	dryRunToken = "dry-run"
)

// Config configures a Client
type Config struct {
	BaseURL              string
	UserAgent            string
	MaxRequestsPerMinute int
	Timeout              time.Duration
	DryRun               bool
}

// CredentialsProvider supplies the username and password used to log in lazily
type CredentialsProvider interface {
	Credentials(ctx context.Context) (username, password string, err error)
}

// Client talks to Reddit. Every call goes through one FIFO pipeline so the
// session established by a login is never raced by another caller's submit.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
	creds      CredentialsProvider
	dryRun     bool
	log        *logrus.Logger
	pipe       *pipeline

	// session is only read and written by calls running in the pipeline
	session models.Session

	rateHeadersMutex    sync.RWMutex
	rateRemainingCached int
	rateResetCached     int
	rateUsedCached      int
}

// apiEnvelope is the {"json": {"errors": [...], "data": {...}}} shape returned with api_type=json
type apiEnvelope struct {
	JSON struct {
		Errors [][]any         `json:"errors"`
		Data   json.RawMessage `json:"data"`
	} `json:"json"`
}

// NewClient creates a new Reddit API client
func NewClient(cfg Config, creds CredentialsProvider, log *logrus.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	// default to 60 requests per minute (Reddit's limit for cookie sessions)
	if cfg.MaxRequestsPerMinute <= 0 {
		cfg.MaxRequestsPerMinute = 60
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	// no burst: the pipeline already keeps a single request in flight
	limit := rate.Limit(float64(cfg.MaxRequestsPerMinute) / 60.0)

	return &Client{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		userAgent:       cfg.UserAgent,
		httpClient:      &http.Client{Timeout: cfg.Timeout, Jar: jar},
		limiter:         rate.NewLimiter(limit, 1),
		creds:           creds,
		dryRun:          cfg.DryRun,
		log:             log,
		pipe:            newPipeline(),
		rateResetCached: 600,
	}, nil
}

// Close drains queued calls and stops the pipeline
func (c *Client) Close() {
	c.pipe.Close()
}

// DryRun reports whether the client skips the network
func (c *Client) DryRun() bool {
	return c.dryRun
}

// Login authenticates with Reddit and keeps the session for later submits
func (c *Client) Login(ctx context.Context, username, password string) (models.Session, error) {
	var session models.Session
	err := c.pipe.Do(ctx, func(ctx context.Context) error {
		s, err := c.login(ctx, username, password)
		if err != nil {
			return err
		}
		c.session = s
		session = s
		return nil
	})
	return session, err
}

// Submit posts to Reddit, logging in first if there is no session.
// It returns the url of the new submission.
func (c *Client) Submit(ctx context.Context, post *models.Post) (string, error) {
	draft := post.Draft()
	if err := models.ValidateDraft(draft); err != nil {
		return "", err
	}

	var remoteURL string
	err := c.pipe.Do(ctx, func(ctx context.Context) error {
		if c.dryRun {
			c.log.WithFields(logrus.Fields{
				"post_id":   post.ID,
				"subreddit": draft.Subreddit,
			}).Info("Dry run, skipping submit")
			remoteURL = DryRunURL
			return nil
		}

		if err := c.ensureSession(ctx); err != nil {
			return err
		}

		needsCaptcha, err := c.needsCaptcha(ctx)
		if err != nil {
			return err
		}
		if needsCaptcha {
			return models.ErrCaptchaRequired
		}

		u, err := c.submit(ctx, draft)
		if err != nil {
			return err
		}
		remoteURL = u
		return nil
	})
	return remoteURL, err
}

// LogOut forgets the current session and its cookies; the next submit logs in again
func (c *Client) LogOut(ctx context.Context) error {
	return c.pipe.Do(ctx, func(ctx context.Context) error {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return fmt.Errorf("failed to reset cookie jar: %w", err)
		}
		c.httpClient.Jar = jar

		if c.session.Username != "" {
			c.log.WithField("username", c.session.Username).Info("Logged out of Reddit")
		}
		c.session = models.Session{}
		return nil
	})
}

// Session returns a copy of the current session
func (c *Client) Session(ctx context.Context) (models.Session, error) {
	var session models.Session
	err := c.pipe.Do(ctx, func(ctx context.Context) error {
		session = c.session
		return nil
	})
	return session, err
}

// GetRateLimitStatus returns the last seen rate limit headers (remaining, reset seconds, used)
func (c *Client) GetRateLimitStatus() (int, int, int) {
	c.rateHeadersMutex.RLock()
	defer c.rateHeadersMutex.RUnlock()
	return c.rateRemainingCached, c.rateResetCached, c.rateUsedCached
}

func (c *Client) ensureSession(ctx context.Context) error {
	if c.session.Valid() {
		return nil
	}
	if c.creds == nil {
		return &models.APIError{Message: "not logged in"}
	}

	username, password, err := c.creds.Credentials(ctx)
	if err != nil {
		return &models.APIError{Message: "no credentials: " + err.Error()}
	}

	s, err := c.login(ctx, username, password)
	if err != nil {
		return err
	}
	c.session = s
	return nil
}

func (c *Client) login(ctx context.Context, username, password string) (models.Session, error) {
	if c.dryRun {
		return models.Session{Username: username, Token: dryRunToken, EstablishedAt: time.Now()}, nil
	}
	if username == "" || password == "" {
		return models.Session{}, &models.APIError{Message: "username and password are required"}
	}

	c.log.WithField("username", username).Info("Logging in to Reddit")

	form := url.Values{}
	form.Set("user", username)
	form.Set("passwd", password)

	var env apiEnvelope
	if err := c.do(ctx, http.MethodPost, "/api/login", form, &env); err != nil {
		return models.Session{}, err
	}
	if err := envelopeError(&env); err != nil {
		return models.Session{}, err
	}

	var loginData struct {
		Modhash string `json:"modhash"`
	}
	if len(env.JSON.Data) > 0 {
		_ = json.Unmarshal(env.JSON.Data, &loginData)
	}

	// me.json carries the modhash required on every submit
	var me struct {
		Data struct {
			Name    string `json:"name"`
			Modhash string `json:"modhash"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/me.json", nil, &me); err != nil {
		return models.Session{}, err
	}

	token := me.Data.Modhash
	if token == "" {
		token = loginData.Modhash
	}
	if token == "" {
		return models.Session{}, &models.APIError{Message: "login did not return a session"}
	}

	name := me.Data.Name
	if name == "" {
		name = username
	}

	c.log.WithField("username", name).Info("Successfully logged in to Reddit")
	return models.Session{Username: name, Token: token, EstablishedAt: time.Now()}, nil
}

func (c *Client) needsCaptcha(ctx context.Context) (bool, error) {
	var needs bool
	if err := c.do(ctx, http.MethodGet, "/api/needs_captcha.json", nil, &needs); err != nil {
		return false, err
	}
	return needs, nil
}

func (c *Client) submit(ctx context.Context, draft models.Draft) (string, error) {
	form := url.Values{}
	form.Set("sr", draft.Subreddit)
	form.Set("title", draft.Title)
	form.Set("kind", draft.Kind())
	form.Set("uh", c.session.Token)
	if draft.URL != "" {
		form.Set("url", draft.URL)
	}
	if draft.Text != "" {
		form.Set("text", draft.Text)
	}

	c.log.WithFields(logrus.Fields{
		"subreddit": draft.Subreddit,
		"kind":      draft.Kind(),
	}).Info("Submitting post to Reddit")

	var env apiEnvelope
	if err := c.do(ctx, http.MethodPost, "/api/submit", form, &env); err != nil {
		return "", err
	}
	if err := envelopeError(&env); err != nil {
		return "", err
	}

	var data struct {
		URL  string `json:"url"`
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if len(env.JSON.Data) > 0 {
		if err := json.Unmarshal(env.JSON.Data, &data); err != nil {
			return "", &models.APIError{Message: "failed to decode submit response: " + err.Error()}
		}
	}
	if data.URL == "" {
		return "", &models.APIError{Message: "submit response did not include a url"}
	}
	return data.URL, nil
}

// do performs one HTTP round-trip. POST bodies get api_type=json added, which
// every Reddit write endpoint requires.
func (c *Client) do(ctx context.Context, method, path string, form url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &models.APIError{Message: "rate limiter: " + err.Error()}
	}

	endpoint := c.baseURL + path
	var body io.Reader
	if method == http.MethodPost {
		if form == nil {
			form = url.Values{}
		}
		form.Set("api_type", "json")
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &models.APIError{Message: err.Error()}
	}
	defer resp.Body.Close()

	c.updateRateLimits(resp)

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.log.WithFields(logrus.Fields{
			"path":          path,
			"status_code":   resp.StatusCode,
			"response_body": string(respBody),
		}).Error("Reddit API error response")
		return &models.APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &models.APIError{StatusCode: resp.StatusCode, Message: "failed to decode response: " + err.Error()}
	}
	return nil
}

// envelopeError converts the errors array of an api_type=json response.
// Entries look like ["BAD_CAPTCHA", "care to try these again?", "captcha"].
func envelopeError(env *apiEnvelope) error {
	if len(env.JSON.Errors) == 0 {
		return nil
	}

	messages := make([]string, 0, len(env.JSON.Errors))
	for _, e := range env.JSON.Errors {
		parts := make([]string, 0, len(e))
		for _, p := range e {
			if s, ok := p.(string); ok && s != "" {
				parts = append(parts, s)
			}
		}
		if len(parts) > 0 && parts[0] == "BAD_CAPTCHA" {
			return models.ErrCaptchaRequired
		}
		messages = append(messages, strings.Join(parts, ": "))
	}
	return &models.APIError{StatusCode: http.StatusOK, Message: strings.Join(messages, "; ")}
}

// updateRateLimits caches the rate limit headers for diagnostics
func (c *Client) updateRateLimits(resp *http.Response) {
	used := getHeaderAsInt(resp.Header, "X-Ratelimit-Used")
	remaining := getHeaderAsInt(resp.Header, "X-Ratelimit-Remaining")
	reset := getHeaderAsInt(resp.Header, "X-Ratelimit-Reset")

	// skip if we didn't get valid headers for some reason
	if reset == 0 && used == 0 {
		return
	}

	c.rateHeadersMutex.Lock()
	c.rateRemainingCached = remaining
	c.rateResetCached = reset
	c.rateUsedCached = used
	c.rateHeadersMutex.Unlock()

	c.log.WithFields(logrus.Fields{
		"used":      used,
		"remaining": remaining,
		"reset_sec": reset,
	}).Debug("Updated rate limit status from Reddit headers")
}

func getHeaderAsInt(header http.Header, name string) int {
	value := header.Get(name)
	if value == "" {
		return 0
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		// Reddit sends remaining as a float, e.g. "95.0"
		f, ferr := strconv.ParseFloat(value, 64)
		if ferr != nil {
			return 0
		}
		return int(f)
	}

	return intValue
}
