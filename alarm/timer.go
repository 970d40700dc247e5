package alarm

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Timer is a one-shot timer facility keyed by name. Creating a timer whose
// instant already passed fires it right away.
type Timer interface {
	Create(name string, at time.Time) error
	Clear(name string) bool
	SetHandler(onFired func(name string))
}

// LocalTimer implements Timer with in-process time.AfterFunc timers.
// Durability comes from the persisted bindings the Scheduler re-arms on start.
type LocalTimer struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	ver     map[string]uint64
	seq     uint64
	onFired func(name string)
	log     *logrus.Logger
}

// NewLocalTimer creates an empty timer facility
func NewLocalTimer(log *logrus.Logger) *LocalTimer {
	return &LocalTimer{
		timers: make(map[string]*time.Timer),
		ver:    make(map[string]uint64),
		log:    log,
	}
}

// SetHandler sets the callback invoked when a timer fires
func (t *LocalTimer) SetHandler(onFired func(name string)) {
	t.mu.Lock()
	t.onFired = onFired
	t.mu.Unlock()
}

// Create arms (or re-arms) the timer called name
func (t *LocalTimer) Create(name string, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.timers[name]; ok {
		old.Stop()
	}

	t.seq++
	ver := t.seq
	t.ver[name] = ver

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}

	t.timers[name] = time.AfterFunc(delay, func() {
		t.mu.Lock()
		// ignore timers that were cleared or replaced after they started firing
		if t.ver[name] != ver {
			t.mu.Unlock()
			return
		}
		delete(t.timers, name)
		delete(t.ver, name)
		onFired := t.onFired
		t.mu.Unlock()

		if onFired == nil {
			t.log.WithField("alarm", name).Warn("Timer fired with no handler")
			return
		}
		onFired(name)
	})

	t.log.WithFields(logrus.Fields{
		"alarm":   name,
		"fire_at": at.Format(time.RFC3339),
		"delay":   delay.String(),
	}).Debug("Timer armed")
	return nil
}

// Clear disarms the timer called name and reports whether it was armed
func (t *LocalTimer) Clear(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	tmr, ok := t.timers[name]
	if !ok {
		return false
	}
	tmr.Stop()
	delete(t.timers, name)
	delete(t.ver, name)
	return true
}

// Stop disarms every timer
func (t *LocalTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, tmr := range t.timers {
		tmr.Stop()
	}
	t.timers = make(map[string]*time.Timer)
	t.ver = make(map[string]uint64)
}

// Len returns the number of armed timers
func (t *LocalTimer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}
