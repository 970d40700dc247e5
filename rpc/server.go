// Package rpc relays scheduler calls across the process boundary as
// JSON-RPC 2.0 over HTTP. The daemon serves it; CLI commands use the Client.
package rpc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/handler"
	"github.com/creachadair/jrpc2/jhttp"
	"github.com/sirupsen/logrus"

	"github.com/brettboylen/reddit-scheduler/models"
	"github.com/brettboylen/reddit-scheduler/scheduler"
)

// JSON-RPC error codes for scheduler failures
const (
	codeInvalidParams         = jrpc2.Code(-32602)
	codeNotFound              = jrpc2.Code(-32001)
	codeCaptchaRequired       = jrpc2.Code(-32010)
	codeAPIError              = jrpc2.Code(-32011)
	codeSchedulingUnsupported = jrpc2.Code(-32012)
)

// Backend is the scheduler the server forwards to. The Dispatch methods
// return at the saved checkpoint so callers never wait on Reddit.
type Backend interface {
	scheduler.Scheduler
	DispatchNow(ctx context.Context, draft models.Draft) (*models.Post, <-chan scheduler.Result, error)
	DispatchRetry(ctx context.Context, id string) (*models.Post, <-chan scheduler.Result, error)
}

// ScheduleParams is the input for posts.scheduleNow and posts.scheduleLater
type ScheduleParams struct {
	Draft models.Draft `json:"draft"`
	When  string       `json:"when,omitempty"`
}

// ListParams is the input for posts.list
type ListParams struct {
	State string `json:"state,omitempty"` // "pending", "submitted", "all" (default)
}

// ListResult is the response for posts.list
type ListResult struct {
	Posts []models.Post `json:"posts"`
}

// IDParam is a common input with just a post id
type IDParam struct {
	ID string `json:"id"`
}

// RescheduleParams is the input for posts.reschedule
type RescheduleParams struct {
	ID   string `json:"id"`
	When string `json:"when"`
}

// LoginParams is the input for session.login
type LoginParams struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// PostTimes is the input of settings.setPostTimes and the response of settings.postTimes
type PostTimes struct {
	Times []string `json:"times"`
}

// EmptyResult is a placeholder for methods that return no data
type EmptyResult struct{}

// Server exposes a Backend over JSON-RPC
type Server struct {
	bridge  jhttp.Bridge
	backend Backend
	secret  string
	log     *logrus.Logger
}

// NewServer creates the method table and HTTP bridge. An empty secret
// leaves the endpoint open, which the config only allows on a loopback bind.
func NewServer(backend Backend, secret string, log *logrus.Logger) *Server {
	s := &Server{
		backend: backend,
		secret:  secret,
		log:     log,
	}

	methods := handler.Map{
		"posts.scheduleNow":     handler.New(s.scheduleNow),
		"posts.scheduleLater":   handler.New(s.scheduleLater),
		"posts.list":            handler.New(s.list),
		"posts.get":             handler.New(s.get),
		"posts.delete":          handler.New(s.delete),
		"posts.reschedule":      handler.New(s.reschedule),
		"posts.retry":           handler.New(s.retry),
		"session.login":         handler.New(s.login),
		"session.logout":        handler.New(s.logout),
		"settings.postTimes":    handler.New(s.postTimes),
		"settings.setPostTimes": handler.New(s.setPostTimes),
	}

	s.bridge = jhttp.NewBridge(methods, nil)
	return s
}

// Handler returns the HTTP handler to mount, with token auth when a secret is set
func (s *Server) Handler() http.Handler {
	if s.secret == "" {
		return s.bridge
	}
	return requireToken(s.secret, s.bridge)
}

// Close shuts down the bridge
func (s *Server) Close() {
	s.bridge.Close()
}

func (s *Server) scheduleNow(ctx context.Context, p *ScheduleParams) (*models.Post, error) {
	post, _, err := s.backend.DispatchNow(ctx, p.Draft)
	if err != nil {
		return nil, s.toRPCError("posts.scheduleNow", err)
	}
	return post, nil
}

func (s *Server) scheduleLater(ctx context.Context, p *ScheduleParams) (*models.Post, error) {
	if p.When == "" {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "missing required param: when"}
	}
	post, err := s.backend.ScheduleLater(ctx, p.When, p.Draft)
	if err != nil {
		return nil, s.toRPCError("posts.scheduleLater", err)
	}
	return post, nil
}

func (s *Server) list(ctx context.Context, p *ListParams) (*ListResult, error) {
	var (
		posts []models.Post
		err   error
	)
	switch strings.ToLower(p.State) {
	case "", "all":
		posts, err = s.backend.FetchAll(ctx)
	case "pending":
		posts, err = s.backend.ListPending(ctx)
	case "submitted":
		posts, err = s.backend.ListSubmitted(ctx)
	default:
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "unknown state: " + p.State}
	}
	if err != nil {
		return nil, s.toRPCError("posts.list", err)
	}
	if posts == nil {
		posts = []models.Post{}
	}
	return &ListResult{Posts: posts}, nil
}

func (s *Server) get(ctx context.Context, p *IDParam) (*models.Post, error) {
	if p.ID == "" {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "missing required param: id"}
	}
	post, err := s.backend.GetPost(ctx, p.ID)
	if err != nil {
		return nil, s.toRPCError("posts.get", err)
	}
	return post, nil
}

func (s *Server) delete(ctx context.Context, p *IDParam) (*EmptyResult, error) {
	if p.ID == "" {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "missing required param: id"}
	}
	if err := s.backend.DeletePost(ctx, p.ID); err != nil {
		return nil, s.toRPCError("posts.delete", err)
	}
	return &EmptyResult{}, nil
}

func (s *Server) reschedule(ctx context.Context, p *RescheduleParams) (*models.Post, error) {
	if p.ID == "" || p.When == "" {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "missing required params: id, when"}
	}
	post, err := s.backend.Reschedule(ctx, p.ID, p.When)
	if err != nil {
		return nil, s.toRPCError("posts.reschedule", err)
	}
	return post, nil
}

func (s *Server) retry(ctx context.Context, p *IDParam) (*models.Post, error) {
	if p.ID == "" {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "missing required param: id"}
	}
	post, _, err := s.backend.DispatchRetry(ctx, p.ID)
	if err != nil {
		return nil, s.toRPCError("posts.retry", err)
	}
	return post, nil
}

func (s *Server) login(ctx context.Context, p *LoginParams) (*models.Session, error) {
	session, err := s.backend.Login(ctx, p.Username, p.Password)
	if err != nil {
		return nil, s.toRPCError("session.login", err)
	}
	return &session, nil
}

func (s *Server) logout(ctx context.Context) (*EmptyResult, error) {
	if err := s.backend.LogOut(ctx); err != nil {
		return nil, s.toRPCError("session.logout", err)
	}
	return &EmptyResult{}, nil
}

func (s *Server) postTimes(ctx context.Context) (*PostTimes, error) {
	times, err := s.backend.PostTimes(ctx)
	if err != nil {
		return nil, s.toRPCError("settings.postTimes", err)
	}
	return &PostTimes{Times: times}, nil
}

func (s *Server) setPostTimes(ctx context.Context, p *PostTimes) (*PostTimes, error) {
	if err := s.backend.SetPostTimes(ctx, p.Times); err != nil {
		return nil, s.toRPCError("settings.setPostTimes", err)
	}
	return &PostTimes{Times: p.Times}, nil
}

// toRPCError maps scheduler errors to JSON-RPC codes the Client maps back
func (s *Server) toRPCError(method string, err error) error {
	s.log.WithError(err).WithField("method", method).Debug("RPC call failed")

	var apiErr *models.APIError
	switch {
	case errors.Is(err, models.ErrValidation):
		return &jrpc2.Error{Code: codeInvalidParams, Message: err.Error()}
	case errors.Is(err, models.ErrNotFound):
		return &jrpc2.Error{Code: codeNotFound, Message: err.Error()}
	case errors.Is(err, models.ErrCaptchaRequired):
		return &jrpc2.Error{Code: codeCaptchaRequired, Message: err.Error()}
	case errors.Is(err, models.ErrSchedulingUnsupported):
		return &jrpc2.Error{Code: codeSchedulingUnsupported, Message: err.Error()}
	case errors.As(err, &apiErr):
		data, _ := json.Marshal(apiErr)
		return &jrpc2.Error{Code: codeAPIError, Message: err.Error(), Data: data}
	}
	return err
}

// requireToken wraps the bridge with Bearer token authentication
func requireToken(secret string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token := strings.TrimPrefix(auth, "Bearer ")
		if token == auth || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0",
				"error": map[string]any{
					"code":    -32600,
					"message": "Unauthorized",
				},
				"id": nil,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
