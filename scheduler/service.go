// Package scheduler turns drafts into scheduled posts. It owns the lifecycle
// of every job: creation, the alarm that fires a delayed job, the attempt
// through the Reddit client, and the outcome notification.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brettboylen/reddit-scheduler/alarm"
	"github.com/brettboylen/reddit-scheduler/db"
	"github.com/brettboylen/reddit-scheduler/models"
	"github.com/brettboylen/reddit-scheduler/notify"
	"github.com/brettboylen/reddit-scheduler/timeparse"
)

// DefaultPostTimes are offered when nothing has been configured
var DefaultPostTimes = []string{"10 minutes", "1 hours", "3 hours", "9:00am", "12:00pm", "5:00pm"}

// Submitter is the serialized Reddit client
type Submitter interface {
	Submit(ctx context.Context, post *models.Post) (string, error)
	Login(ctx context.Context, username, password string) (models.Session, error)
	LogOut(ctx context.Context) error
}

// PostStore is the durable job store
type PostStore interface {
	CreatePost(ctx context.Context, post *models.Post) error
	UpdatePost(ctx context.Context, post *models.Post) error
	DeletePost(ctx context.Context, id string) error
	GetPost(ctx context.Context, id string) (*models.Post, error)
	ListPending(ctx context.Context) ([]models.Post, error)
	ListSubmitted(ctx context.Context) ([]models.Post, error)
	FetchAll(ctx context.Context) ([]models.Post, error)
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Alarms binds jobs to the instant they fire
type Alarms interface {
	Start(ctx context.Context, pending []models.Post, onFired func(jobID string)) error
	ScheduleAt(ctx context.Context, at time.Time, jobID string) (models.AlarmBinding, error)
	Cancel(ctx context.Context, b models.AlarmBinding) error
	Stop()
}

// CredentialStore remembers the login used for lazy re-authentication
type CredentialStore interface {
	Save(ctx context.Context, username, password string) error
	Forget(ctx context.Context) error
}

// Scheduler is the public contract shared by the in-process Service and the RPC client
type Scheduler interface {
	ScheduleNow(ctx context.Context, draft models.Draft) (*models.Post, error)
	ScheduleLater(ctx context.Context, timeSpec string, draft models.Draft) (*models.Post, error)
	GetPost(ctx context.Context, id string) (*models.Post, error)
	ListPending(ctx context.Context) ([]models.Post, error)
	ListSubmitted(ctx context.Context) ([]models.Post, error)
	FetchAll(ctx context.Context) ([]models.Post, error)
	DeletePost(ctx context.Context, id string) error
	Reschedule(ctx context.Context, id, timeSpec string) (*models.Post, error)
	RetryNow(ctx context.Context, id string) (*models.Post, error)
	Login(ctx context.Context, username, password string) (models.Session, error)
	LogOut(ctx context.Context) error
	PostTimes(ctx context.Context) ([]string, error)
	SetPostTimes(ctx context.Context, times []string) error
}

// Result is the outcome of an attempt that runs after its job was saved
type Result struct {
	Post *models.Post
	Err  error
}

// Options holds the optional collaborators of a Service
type Options struct {
	Credentials CredentialStore
	Notifier    notify.Notifier
	PostTimes   []string
	Now         func() time.Time
}

// Service is the in-process Scheduler
type Service struct {
	client Submitter
	store  PostStore
	alarms Alarms
	creds  CredentialStore
	notify notify.Notifier
	times  []string
	now    func() time.Time
	log    *logrus.Logger

	locks *keyedMutex

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

var _ Scheduler = (*Service)(nil)

// NewService creates a scheduler service. Start must be called before
// delayed posts can be scheduled.
func NewService(client Submitter, store PostStore, alarms Alarms, opts Options, log *logrus.Logger) *Service {
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if len(opts.PostTimes) == 0 {
		opts.PostTimes = DefaultPostTimes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		client: client,
		store:  store,
		alarms: alarms,
		creds:  opts.Credentials,
		notify: opts.Notifier,
		times:  opts.PostTimes,
		now:    opts.Now,
		log:    log,
		locks:  newKeyedMutex(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start recovers alarms for the pending jobs. Delayed jobs whose instant
// passed while the process was down are attempted right away.
func (s *Service) Start(ctx context.Context) error {
	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pending posts: %w", err)
	}

	if err := s.alarms.Start(ctx, pending, s.onFired); err != nil {
		if errors.Is(err, models.ErrSchedulingUnsupported) {
			s.log.Warn("No timer facility available, delayed posts are disabled")
			return nil
		}
		return err
	}

	s.log.WithField("pending", len(pending)).Info("Scheduler started")
	return nil
}

// Close stops the alarms and waits for in-flight attempts
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.alarms.Stop()
	s.wg.Wait()
	s.cancel()
}

// ScheduleNow creates the job and submits it immediately, returning the final post
func (s *Service) ScheduleNow(ctx context.Context, draft models.Draft) (*models.Post, error) {
	_, done, err := s.DispatchNow(ctx, draft)
	if err != nil {
		return nil, err
	}
	return wait(ctx, done)
}

// DispatchNow creates the job and returns once it is saved. The attempt
// continues in the background and its outcome arrives on the channel.
func (s *Service) DispatchNow(ctx context.Context, draft models.Draft) (*models.Post, <-chan Result, error) {
	if err := models.ValidateDraft(draft); err != nil {
		return nil, nil, err
	}

	post := s.newPost(draft)
	post.PostDate = post.CreatedAt
	if err := s.store.CreatePost(ctx, post); err != nil {
		return nil, nil, err
	}

	s.log.WithFields(logrus.Fields{
		"post_id":   post.ID,
		"subreddit": post.Subreddit,
	}).Info("Post created for immediate submission")

	done, err := s.background(post.ID)
	if err != nil {
		return nil, nil, err
	}
	saved := *post
	return &saved, done, nil
}

// ScheduleLater creates a pending job and binds an alarm at the instant
// timeSpec resolves to. The post is durably saved when this returns.
func (s *Service) ScheduleLater(ctx context.Context, timeSpec string, draft models.Draft) (*models.Post, error) {
	if err := models.ValidateDraft(draft); err != nil {
		return nil, err
	}
	at, err := s.parseTime(timeSpec)
	if err != nil {
		return nil, err
	}

	post := s.newPost(draft)
	post.PostDate = at
	post.AlarmID = alarm.BindingName(post.ID, at)

	unlock := s.locks.Lock(post.ID)
	defer unlock()

	if err := s.store.CreatePost(ctx, post); err != nil {
		return nil, err
	}

	if _, err := s.alarms.ScheduleAt(ctx, at, post.ID); err != nil {
		// a job that can never fire is not kept
		if derr := s.store.DeletePost(ctx, post.ID); derr != nil {
			s.log.WithError(derr).WithField("post_id", post.ID).Error("Failed to roll back post")
		}
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"post_id":   post.ID,
		"subreddit": post.Subreddit,
		"post_date": at.Format(time.RFC3339),
	}).Info("Post scheduled")
	return post, nil
}

// GetPost returns a single post
func (s *Service) GetPost(ctx context.Context, id string) (*models.Post, error) {
	return s.store.GetPost(ctx, id)
}

// ListPending returns the jobs still waiting to be submitted
func (s *Service) ListPending(ctx context.Context) ([]models.Post, error) {
	return s.store.ListPending(ctx)
}

// ListSubmitted returns the jobs that made it to Reddit
func (s *Service) ListSubmitted(ctx context.Context) ([]models.Post, error) {
	return s.store.ListSubmitted(ctx)
}

// FetchAll returns every job
func (s *Service) FetchAll(ctx context.Context) ([]models.Post, error) {
	return s.store.FetchAll(ctx)
}

// DeletePost cancels any outstanding alarm and removes the job.
// Deleting a missing job is a no-op.
func (s *Service) DeletePost(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	post, err := s.store.GetPost(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.cancelAlarm(ctx, post); err != nil {
		return err
	}
	if err := s.store.DeletePost(ctx, id); err != nil {
		return err
	}

	s.log.WithField("post_id", id).Info("Post deleted")
	return nil
}

// Reschedule binds a new alarm to a pending job, replacing any outstanding one.
// It is how a failed job gets another attempt later.
func (s *Service) Reschedule(ctx context.Context, id, timeSpec string) (*models.Post, error) {
	at, err := s.parseTime(timeSpec)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	post, err := s.store.GetPost(ctx, id)
	if err != nil {
		return nil, err
	}
	if !post.State.IsPending() {
		return nil, fmt.Errorf("%w: post %s was already submitted", models.ErrValidation, id)
	}

	if err := s.cancelAlarm(ctx, post); err != nil {
		return nil, err
	}

	post.State = models.StatePending
	post.PostDate = at
	post.AlarmID = alarm.BindingName(id, at)
	if err := s.store.UpdatePost(ctx, post); err != nil {
		return nil, err
	}

	if _, err := s.alarms.ScheduleAt(ctx, at, id); err != nil {
		post.AlarmID = ""
		if uerr := s.store.UpdatePost(ctx, post); uerr != nil {
			s.log.WithError(uerr).WithField("post_id", id).Error("Failed to clear alarm after reschedule failure")
		}
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"post_id":   id,
		"post_date": at.Format(time.RFC3339),
	}).Info("Post rescheduled")
	return post, nil
}

// RetryNow attempts a pending job immediately and returns the final post
func (s *Service) RetryNow(ctx context.Context, id string) (*models.Post, error) {
	_, done, err := s.DispatchRetry(ctx, id)
	if err != nil {
		return nil, err
	}
	return wait(ctx, done)
}

// DispatchRetry checks that the job can be retried and starts the attempt in the background
func (s *Service) DispatchRetry(ctx context.Context, id string) (*models.Post, <-chan Result, error) {
	post, err := s.store.GetPost(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !post.State.IsPending() {
		return nil, nil, fmt.Errorf("%w: post %s was already submitted", models.ErrValidation, id)
	}

	done, err := s.background(id)
	if err != nil {
		return nil, nil, err
	}
	return post, done, nil
}

// Login verifies the credentials with Reddit and stores them for later logins
func (s *Service) Login(ctx context.Context, username, password string) (models.Session, error) {
	if username == "" || password == "" {
		return models.Session{}, fmt.Errorf("%w: username and password are required", models.ErrValidation)
	}

	session, err := s.client.Login(ctx, username, password)
	if err != nil {
		return models.Session{}, err
	}

	if s.creds != nil {
		if err := s.creds.Save(ctx, username, password); err != nil {
			return models.Session{}, err
		}
	}
	return session, nil
}

// LogOut clears the session and forgets stored credentials. Pending jobs and
// their alarms are kept.
func (s *Service) LogOut(ctx context.Context) error {
	if err := s.client.LogOut(ctx); err != nil {
		return err
	}
	if s.creds != nil {
		return s.creds.Forget(ctx)
	}
	return nil
}

// PostTimes returns the time specs offered for delayed posts
func (s *Service) PostTimes(ctx context.Context) ([]string, error) {
	raw, ok, err := s.store.GetSetting(ctx, db.SettingPostTimes)
	if err != nil {
		return nil, err
	}
	if !ok {
		return append([]string(nil), s.times...), nil
	}

	var times []string
	if err := json.Unmarshal([]byte(raw), &times); err != nil {
		s.log.WithError(err).Warn("Ignoring corrupt post times setting")
		return append([]string(nil), s.times...), nil
	}
	return times, nil
}

// SetPostTimes replaces the offered time specs; every entry must parse
func (s *Service) SetPostTimes(ctx context.Context, times []string) error {
	if len(times) == 0 {
		return fmt.Errorf("%w: at least one post time is required", models.ErrValidation)
	}
	for _, spec := range times {
		if err := timeparse.Validate(spec); err != nil {
			return fmt.Errorf("%w: %w", models.ErrValidation, err)
		}
	}

	raw, err := json.Marshal(times)
	if err != nil {
		return err
	}
	return s.store.SetSetting(ctx, db.SettingPostTimes, string(raw))
}

func (s *Service) newPost(draft models.Draft) *models.Post {
	now := s.now()
	return &models.Post{
		ID:        uuid.NewString(),
		Subreddit: draft.Subreddit,
		Title:     draft.Title,
		URL:       draft.URL,
		Text:      draft.Text,
		State:     models.StatePending,
		CreatedAt: now,
	}
}

func (s *Service) parseTime(spec string) (time.Time, error) {
	at, err := timeparse.Parse(spec, s.now())
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %w", models.ErrValidation, err)
	}
	return at, nil
}

func (s *Service) cancelAlarm(ctx context.Context, post *models.Post) error {
	if post.AlarmID == "" {
		return nil
	}
	b := models.AlarmBinding{Name: post.AlarmID, JobID: post.ID, FireAt: post.PostDate}
	if err := s.alarms.Cancel(ctx, b); err != nil {
		return fmt.Errorf("failed to cancel alarm for post %s: %w", post.ID, err)
	}
	post.AlarmID = ""
	return nil
}

// background runs an attempt on the service context so it outlives the caller's request
func (s *Service) background(id string) (<-chan Result, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("scheduler closed")
	}
	s.wg.Add(1)
	ctx := s.ctx
	s.mu.Unlock()

	done := make(chan Result, 1)
	go func() {
		defer s.wg.Done()
		post, err := s.attempt(ctx, id)
		done <- Result{Post: post, Err: err}
	}()
	return done, nil
}

// onFired is invoked by the alarms once a delayed job is due
func (s *Service) onFired(jobID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	ctx := s.ctx
	s.mu.Unlock()
	defer s.wg.Done()

	unlock := s.locks.Lock(jobID)
	post, err := s.store.GetPost(ctx, jobID)
	unlock()

	// the binding can race a delete or a retry, so the job is re-checked here
	switch {
	case errors.Is(err, models.ErrNotFound):
		s.log.WithField("post_id", jobID).Warn("Alarm fired for a deleted post")
		return
	case err != nil:
		s.log.WithError(err).WithField("post_id", jobID).Error("Failed to load post for fired alarm")
		return
	case !post.State.IsPending() || post.AlarmID == "":
		s.log.WithField("post_id", jobID).Info("Alarm fired for a post that is not waiting, skipping")
		return
	}

	if _, err := s.attempt(ctx, jobID); err != nil && !errors.Is(err, models.ErrNotFound) {
		s.log.WithError(err).WithField("post_id", jobID).Warn("Scheduled post failed")
	}
}

// attempt submits a pending job and records the outcome. The job lock is
// held for the whole attempt.
func (s *Service) attempt(ctx context.Context, id string) (*models.Post, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	post, err := s.store.GetPost(ctx, id)
	if err != nil {
		return nil, err
	}
	if !post.State.IsPending() {
		return post, nil
	}

	if err := s.cancelAlarm(ctx, post); err != nil {
		return nil, err
	}

	logger := s.log.WithFields(logrus.Fields{
		"post_id":   post.ID,
		"subreddit": post.Subreddit,
		"attempt":   post.NumRetries + 1,
	})
	logger.Info("Submitting post")

	remoteURL, submitErr := s.client.Submit(ctx, post)
	if submitErr == nil {
		post.State = models.StateSubmitted
		post.RemoteURL = remoteURL
		post.PostDate = s.now()
		logger.WithField("remote_url", remoteURL).Info("Post submitted")
	} else {
		post.NumRetries++
		post.State = models.StatePending
		if errors.Is(submitErr, models.ErrCaptchaRequired) {
			post.State = models.StateFailed
		}
		logger.WithError(submitErr).Warn("Post submission failed")
	}

	if err := s.store.UpdatePost(ctx, post); err != nil {
		logger.WithError(err).Error("Failed to record submission outcome")
		if submitErr == nil {
			return nil, err
		}
	}

	message, url := notify.Outcome(post, submitErr)
	s.notify.Notify(message, url)

	if submitErr != nil {
		return post, submitErr
	}
	return post, nil
}

func wait(ctx context.Context, done <-chan Result) (*models.Post, error) {
	select {
	case r := <-done:
		return r.Post, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
