package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/jhttp"

	"github.com/brettboylen/reddit-scheduler/models"
	"github.com/brettboylen/reddit-scheduler/scheduler"
)

// Client forwards Scheduler calls to a daemon. ScheduleNow and RetryNow
// return as soon as the daemon has saved the job; poll GetPost for the outcome.
type Client struct {
	cli *jrpc2.Client
}

var _ scheduler.Scheduler = (*Client)(nil)

// NewClient connects to the JSON-RPC endpoint at url
func NewClient(url, secret string) *Client {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	if secret != "" {
		httpClient.Transport = &bearerTransport{token: secret, next: http.DefaultTransport}
	}

	ch := jhttp.NewChannel(url, &jhttp.ChannelOptions{Client: httpClient})
	return &Client{cli: jrpc2.NewClient(ch, nil)}
}

// Close shuts down the client
func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) ScheduleNow(ctx context.Context, draft models.Draft) (*models.Post, error) {
	var post models.Post
	if err := c.call(ctx, "posts.scheduleNow", &ScheduleParams{Draft: draft}, &post); err != nil {
		return nil, err
	}
	return &post, nil
}

func (c *Client) ScheduleLater(ctx context.Context, timeSpec string, draft models.Draft) (*models.Post, error) {
	var post models.Post
	if err := c.call(ctx, "posts.scheduleLater", &ScheduleParams{Draft: draft, When: timeSpec}, &post); err != nil {
		return nil, err
	}
	return &post, nil
}

func (c *Client) GetPost(ctx context.Context, id string) (*models.Post, error) {
	var post models.Post
	if err := c.call(ctx, "posts.get", &IDParam{ID: id}, &post); err != nil {
		return nil, err
	}
	return &post, nil
}

func (c *Client) ListPending(ctx context.Context) ([]models.Post, error) {
	return c.list(ctx, "pending")
}

func (c *Client) ListSubmitted(ctx context.Context) ([]models.Post, error) {
	return c.list(ctx, "submitted")
}

func (c *Client) FetchAll(ctx context.Context) ([]models.Post, error) {
	return c.list(ctx, "all")
}

func (c *Client) list(ctx context.Context, state string) ([]models.Post, error) {
	var result ListResult
	if err := c.call(ctx, "posts.list", &ListParams{State: state}, &result); err != nil {
		return nil, err
	}
	return result.Posts, nil
}

func (c *Client) DeletePost(ctx context.Context, id string) error {
	return c.call(ctx, "posts.delete", &IDParam{ID: id}, &EmptyResult{})
}

func (c *Client) Reschedule(ctx context.Context, id, timeSpec string) (*models.Post, error) {
	var post models.Post
	if err := c.call(ctx, "posts.reschedule", &RescheduleParams{ID: id, When: timeSpec}, &post); err != nil {
		return nil, err
	}
	return &post, nil
}

func (c *Client) RetryNow(ctx context.Context, id string) (*models.Post, error) {
	var post models.Post
	if err := c.call(ctx, "posts.retry", &IDParam{ID: id}, &post); err != nil {
		return nil, err
	}
	return &post, nil
}

func (c *Client) Login(ctx context.Context, username, password string) (models.Session, error) {
	var session models.Session
	err := c.call(ctx, "session.login", &LoginParams{Username: username, Password: password}, &session)
	return session, err
}

func (c *Client) LogOut(ctx context.Context) error {
	return c.call(ctx, "session.logout", nil, &EmptyResult{})
}

func (c *Client) PostTimes(ctx context.Context) ([]string, error) {
	var result PostTimes
	if err := c.call(ctx, "settings.postTimes", nil, &result); err != nil {
		return nil, err
	}
	return result.Times, nil
}

func (c *Client) SetPostTimes(ctx context.Context, times []string) error {
	return c.call(ctx, "settings.setPostTimes", &PostTimes{Times: times}, &PostTimes{})
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	if err := c.cli.CallResult(ctx, method, params, result); err != nil {
		return fromRPCError(err)
	}
	return nil
}

// remoteError carries the daemon's message while matching the local sentinel
type remoteError struct {
	kind    error
	message string
}

func (e *remoteError) Error() string { return e.message }
func (e *remoteError) Unwrap() error { return e.kind }

func fromRPCError(err error) error {
	var jerr *jrpc2.Error
	if !errors.As(err, &jerr) {
		return err
	}

	switch jerr.Code {
	case codeInvalidParams:
		return &remoteError{kind: models.ErrValidation, message: jerr.Message}
	case codeNotFound:
		return &remoteError{kind: models.ErrNotFound, message: jerr.Message}
	case codeCaptchaRequired:
		return &remoteError{kind: models.ErrCaptchaRequired, message: jerr.Message}
	case codeSchedulingUnsupported:
		return &remoteError{kind: models.ErrSchedulingUnsupported, message: jerr.Message}
	case codeAPIError:
		apiErr := &models.APIError{Message: jerr.Message}
		if len(jerr.Data) > 0 {
			_ = json.Unmarshal(jerr.Data, apiErr)
		}
		return apiErr
	}
	return err
}

type bearerTransport struct {
	token string
	next  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.next.RoundTrip(req)
}
