package alarm

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brettboylen/reddit-scheduler/db"
	"github.com/brettboylen/reddit-scheduler/models"
)

type firedRecorder struct {
	mu    sync.Mutex
	jobs  []string
	fired chan string
}

func newFiredRecorder() *firedRecorder {
	return &firedRecorder{fired: make(chan string, 16)}
}

func (r *firedRecorder) onFired(jobID string) {
	r.mu.Lock()
	r.jobs = append(r.jobs, jobID)
	r.mu.Unlock()
	r.fired <- jobID
}

func (r *firedRecorder) Jobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.jobs...)
}

func newTestScheduler(t *testing.T) (*Scheduler, *db.Database, *LocalTimer) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	database, err := db.NewDatabase(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	timer := NewLocalTimer(log)
	t.Cleanup(timer.Stop)
	return New(timer, database, log), database, timer
}

func waitFired(t *testing.T, r *firedRecorder) string {
	t.Helper()
	select {
	case jobID := <-r.fired:
		return jobID
	case <-time.After(2 * time.Second):
		t.Fatal("alarm did not fire")
		return ""
	}
}

func TestBindingNameIsDeterministic(t *testing.T) {
	at := time.Unix(1700000000, 0)
	assert.Equal(t, "post:abc@1700000000", BindingName("abc", at))
	assert.Equal(t, BindingName("abc", at), BindingName("abc", at.Add(time.Millisecond)))
	assert.NotEqual(t, BindingName("abc", at), BindingName("abd", at))
}

func TestScheduleAtFiresOnce(t *testing.T) {
	s, database, timer := newTestScheduler(t)
	ctx := context.Background()
	rec := newFiredRecorder()
	require.NoError(t, s.Start(ctx, nil, rec.onFired))

	b, err := s.ScheduleAt(ctx, time.Now().Add(20*time.Millisecond), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", b.JobID)

	alarms, err := database.ListAlarms(ctx)
	require.NoError(t, err)
	require.Len(t, alarms, 1)

	assert.Equal(t, "job-1", waitFired(t, rec))

	// binding is removed after firing, and never delivered twice
	assert.Eventually(t, func() bool {
		alarms, err := database.ListAlarms(ctx)
		return err == nil && len(alarms) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, s.Bindings())
	assert.Equal(t, 0, timer.Len())

	s.handleFired(b.Name)
	assert.Equal(t, []string{"job-1"}, rec.Jobs())
}

func TestCancelPreventsFire(t *testing.T) {
	s, database, _ := newTestScheduler(t)
	ctx := context.Background()
	rec := newFiredRecorder()
	require.NoError(t, s.Start(ctx, nil, rec.onFired))

	b, err := s.ScheduleAt(ctx, time.Now().Add(50*time.Millisecond), "job-1")
	require.NoError(t, err)

	require.NoError(t, s.Cancel(ctx, b))
	require.NoError(t, s.Cancel(ctx, b))

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.Jobs())

	alarms, err := database.ListAlarms(ctx)
	require.NoError(t, err)
	assert.Empty(t, alarms)
}

func TestRestartFiresMissedAlarms(t *testing.T) {
	s, database, _ := newTestScheduler(t)
	ctx := context.Background()

	// the process was down while this alarm was due
	past := time.Now().Add(-time.Hour)
	name := BindingName("job-missed", past)
	require.NoError(t, database.SaveAlarm(ctx, models.AlarmBinding{Name: name, JobID: "job-missed", FireAt: past}))

	pending := []models.Post{{ID: "job-missed", State: models.StatePending, AlarmID: name, PostDate: past}}

	rec := newFiredRecorder()
	require.NoError(t, s.Start(ctx, pending, rec.onFired))

	assert.Equal(t, "job-missed", waitFired(t, rec))
}

func TestRestartRearmsFutureAlarms(t *testing.T) {
	s, database, timer := newTestScheduler(t)
	ctx := context.Background()

	future := time.Now().Add(time.Hour)
	name := BindingName("job-future", future)
	require.NoError(t, database.SaveAlarm(ctx, models.AlarmBinding{Name: name, JobID: "job-future", FireAt: future}))

	pending := []models.Post{{ID: "job-future", State: models.StatePending, AlarmID: name, PostDate: future}}

	rec := newFiredRecorder()
	require.NoError(t, s.Start(ctx, pending, rec.onFired))

	assert.Equal(t, 1, timer.Len())
	require.Len(t, s.Bindings(), 1)
	assert.Equal(t, "job-future", s.Bindings()[0].JobID)
	assert.Empty(t, rec.Jobs())
}

func TestRestartDropsOrphanedAlarms(t *testing.T) {
	s, database, timer := newTestScheduler(t)
	ctx := context.Background()

	at := time.Now().Add(time.Hour)
	require.NoError(t, database.SaveAlarm(ctx, models.AlarmBinding{Name: BindingName("gone", at), JobID: "gone", FireAt: at}))

	require.NoError(t, s.Start(ctx, nil, newFiredRecorder().onFired))

	alarms, err := database.ListAlarms(ctx)
	require.NoError(t, err)
	assert.Empty(t, alarms)
	assert.Equal(t, 0, timer.Len())
}

func TestRestartRestoresLostBinding(t *testing.T) {
	s, database, _ := newTestScheduler(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	name := BindingName("job-lost", past)
	pending := []models.Post{{ID: "job-lost", State: models.StatePending, AlarmID: name, PostDate: past}}

	rec := newFiredRecorder()
	require.NoError(t, s.Start(ctx, pending, rec.onFired))
	assert.Equal(t, "job-lost", waitFired(t, rec))

	assert.Eventually(t, func() bool {
		alarms, err := database.ListAlarms(ctx)
		return err == nil && len(alarms) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestSchedulingUnsupported(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	s := New(nil, nil, log)

	_, err := s.ScheduleAt(context.Background(), time.Now().Add(time.Minute), "job")
	assert.True(t, errors.Is(err, models.ErrSchedulingUnsupported))
	assert.True(t, errors.Is(s.Start(context.Background(), nil, func(string) {}), models.ErrSchedulingUnsupported))
}

func TestScheduleBeforeStart(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	_, err := s.ScheduleAt(context.Background(), time.Now().Add(time.Minute), "job")
	assert.True(t, errors.Is(err, models.ErrSchedulingUnsupported))
}

func TestStopKeepsPersistedBindings(t *testing.T) {
	s, database, timer := newTestScheduler(t)
	ctx := context.Background()
	require.NoError(t, s.Start(ctx, nil, newFiredRecorder().onFired))

	_, err := s.ScheduleAt(ctx, time.Now().Add(time.Hour), "job")
	require.NoError(t, err)

	s.Stop()
	assert.Equal(t, 0, timer.Len())

	alarms, err := database.ListAlarms(ctx)
	require.NoError(t, err)
	assert.Len(t, alarms, 1)
}
