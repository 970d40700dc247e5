// Package alarm binds scheduled posts to the instant they should fire.
//
// Bindings are persisted so that a restarted process can re-arm them; a
// binding whose instant passed while the process was down fires as soon as
// it is re-armed.
package alarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brettboylen/reddit-scheduler/models"
)

// BindingStore persists alarm bindings
type BindingStore interface {
	SaveAlarm(ctx context.Context, binding models.AlarmBinding) error
	DeleteAlarm(ctx context.Context, name string) error
	ListAlarms(ctx context.Context) ([]models.AlarmBinding, error)
}

// Scheduler maps fired timers back to jobs. Each binding is delivered to the
// fire handler at most once, then removed.
type Scheduler struct {
	timer Timer
	store BindingStore
	log   *logrus.Logger

	mu       sync.Mutex
	bindings map[string]models.AlarmBinding
	onFired  func(jobID string)
	started  bool
}

// New creates a Scheduler. A nil timer means delayed posts are unsupported.
func New(timer Timer, store BindingStore, log *logrus.Logger) *Scheduler {
	return &Scheduler{
		timer:    timer,
		store:    store,
		log:      log,
		bindings: make(map[string]models.AlarmBinding),
	}
}

// BindingName derives the timer name for a job firing at the given instant
func BindingName(jobID string, at time.Time) string {
	return fmt.Sprintf("post:%s@%d", jobID, at.Unix())
}

// Start installs the fire handler and re-arms persisted bindings for the
// given pending jobs. Bindings whose job is no longer pending are dropped;
// pending jobs whose binding went missing get it back.
func (s *Scheduler) Start(ctx context.Context, pending []models.Post, onFired func(jobID string)) error {
	if s.timer == nil {
		return models.ErrSchedulingUnsupported
	}

	s.mu.Lock()
	s.onFired = onFired
	s.started = true
	s.mu.Unlock()
	s.timer.SetHandler(s.handleFired)

	persisted, err := s.store.ListAlarms(ctx)
	if err != nil {
		return fmt.Errorf("failed to load alarms: %w", err)
	}

	byJob := make(map[string]models.Post, len(pending))
	for _, p := range pending {
		if p.AlarmID != "" {
			byJob[p.ID] = p
		}
	}

	now := time.Now()
	armed := make(map[string]bool)
	missed := 0

	for _, b := range persisted {
		p, ok := byJob[b.JobID]
		if !ok || p.AlarmID != b.Name {
			s.log.WithFields(logrus.Fields{
				"alarm":   b.Name,
				"post_id": b.JobID,
			}).Info("Dropping alarm for a post that is no longer pending")
			if err := s.store.DeleteAlarm(ctx, b.Name); err != nil {
				return err
			}
			continue
		}
		if !b.FireAt.After(now) {
			missed++
		}
		if err := s.arm(b); err != nil {
			return err
		}
		armed[b.Name] = true
	}

	for _, p := range byJob {
		if armed[p.AlarmID] {
			continue
		}
		b := models.AlarmBinding{Name: p.AlarmID, JobID: p.ID, FireAt: p.PostDate}
		if err := s.store.SaveAlarm(ctx, b); err != nil {
			return err
		}
		if !b.FireAt.After(now) {
			missed++
		}
		if err := s.arm(b); err != nil {
			return err
		}
		armed[b.Name] = true
	}

	s.log.WithFields(logrus.Fields{
		"armed":  len(armed),
		"missed": missed,
	}).Info("Alarm scheduler started")
	return nil
}

// ScheduleAt persists a binding for jobID and arms its timer
func (s *Scheduler) ScheduleAt(ctx context.Context, at time.Time, jobID string) (models.AlarmBinding, error) {
	if s.timer == nil {
		return models.AlarmBinding{}, models.ErrSchedulingUnsupported
	}
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return models.AlarmBinding{}, fmt.Errorf("%w: alarm scheduler not started", models.ErrSchedulingUnsupported)
	}

	b := models.AlarmBinding{Name: BindingName(jobID, at), JobID: jobID, FireAt: at}
	if err := s.store.SaveAlarm(ctx, b); err != nil {
		return models.AlarmBinding{}, err
	}
	if err := s.arm(b); err != nil {
		s.forget(b.Name)
		_ = s.store.DeleteAlarm(ctx, b.Name)
		return models.AlarmBinding{}, err
	}

	s.log.WithFields(logrus.Fields{
		"alarm":   b.Name,
		"post_id": jobID,
		"fire_at": at.Format(time.RFC3339),
	}).Info("Alarm scheduled")
	return b, nil
}

// Cancel disarms and removes a binding. Cancelling twice is a no-op.
func (s *Scheduler) Cancel(ctx context.Context, b models.AlarmBinding) error {
	s.forget(b.Name)
	if s.timer != nil {
		s.timer.Clear(b.Name)
	}
	if err := s.store.DeleteAlarm(ctx, b.Name); err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"alarm":   b.Name,
		"post_id": b.JobID,
	}).Debug("Alarm cancelled")
	return nil
}

// Bindings returns the armed bindings
func (s *Scheduler) Bindings() []models.AlarmBinding {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.AlarmBinding, 0, len(s.bindings))
	for _, b := range s.bindings {
		out = append(out, b)
	}
	return out
}

// Stop disarms every timer; persisted bindings stay so the next Start resumes them
func (s *Scheduler) Stop() {
	s.mu.Lock()
	names := make([]string, 0, len(s.bindings))
	for name := range s.bindings {
		names = append(names, name)
	}
	s.bindings = make(map[string]models.AlarmBinding)
	s.started = false
	s.mu.Unlock()

	if s.timer == nil {
		return
	}
	for _, name := range names {
		s.timer.Clear(name)
	}
}

func (s *Scheduler) arm(b models.AlarmBinding) error {
	s.mu.Lock()
	s.bindings[b.Name] = b
	s.mu.Unlock()

	if err := s.timer.Create(b.Name, b.FireAt); err != nil {
		return fmt.Errorf("failed to arm alarm %s: %w", b.Name, err)
	}
	return nil
}

func (s *Scheduler) forget(name string) (models.AlarmBinding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bindings[name]
	delete(s.bindings, name)
	return b, ok
}

func (s *Scheduler) handleFired(name string) {
	b, ok := s.forget(name)
	if !ok {
		s.log.WithField("alarm", name).Debug("Ignoring fire for unknown alarm")
		return
	}

	if err := s.store.DeleteAlarm(context.Background(), name); err != nil {
		s.log.WithError(err).WithField("alarm", name).Error("Failed to remove fired alarm")
	}

	s.mu.Lock()
	onFired := s.onFired
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"alarm":   name,
		"post_id": b.JobID,
		"late_by": time.Since(b.FireAt).Round(time.Second).String(),
	}).Info("Alarm fired")

	if onFired != nil {
		onFired(b.JobID)
	}
}
