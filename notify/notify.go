// Package notify delivers the outcome of a submission to the user. Sinks are
// best-effort: they never block the caller and their failures never reach
// job state.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brettboylen/reddit-scheduler/models"
)

// Notifier is a one-way sink for user-facing messages
type Notifier interface {
	Notify(message, url string)
}

// Nop discards every message; used when notifications are disabled
type Nop struct{}

func (Nop) Notify(string, string) {}

// Outcome builds the message shown for a finished attempt
func Outcome(post *models.Post, err error) (string, string) {
	if err != nil {
		return fmt.Sprintf("Failed to post %q: %v", post.Title, err), ""
	}
	return fmt.Sprintf("Successfully posted %q to r/%s", post.Title, post.Subreddit), post.RemoteURL
}

// LogNotifier writes messages to the log
type LogNotifier struct {
	log *logrus.Logger
}

// NewLogNotifier creates a notifier that logs every message
func NewLogNotifier(log *logrus.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(message, url string) {
	entry := n.log.WithField("notification", message)
	if url != "" {
		entry = entry.WithField("url", url)
	}
	entry.Info("Notification")
}

// WebhookNotifier posts messages as JSON to a URL (ntfy, Slack-compatible hooks)
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
	log        *logrus.Logger
}

// NewWebhookNotifier creates a notifier posting to url
func NewWebhookNotifier(url string, log *logrus.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log,
	}
}

type webhookPayload struct {
	Title string `json:"title"`
	Text  string `json:"text"`
	URL   string `json:"url,omitempty"`
}

func (n *WebhookNotifier) Notify(message, url string) {
	body, err := json.Marshal(webhookPayload{Title: "Reddit Scheduled Post", Text: message, URL: url})
	if err != nil {
		n.log.WithError(err).Error("Failed to encode notification")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.log.WithError(err).Error("Failed to create notification request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.log.WithError(err).Warn("Failed to deliver notification")
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.log.WithField("status_code", resp.StatusCode).Warn("Notification webhook rejected message")
	}
}

// Multi fans a message out to several notifiers
type Multi []Notifier

func (m Multi) Notify(message, url string) {
	for _, n := range m {
		n.Notify(message, url)
	}
}

type message struct {
	text string
	url  string
}

// Dispatcher hands messages to a notifier on a background goroutine.
// When the buffer is full new messages are dropped rather than blocking.
type Dispatcher struct {
	next     Notifier
	messages chan message
	log      *logrus.Logger
	wg       sync.WaitGroup
	once     sync.Once
	mu       sync.RWMutex
	closed   bool
}

// NewDispatcher starts a dispatcher in front of next
func NewDispatcher(next Notifier, buffer int, log *logrus.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 32
	}
	d := &Dispatcher{
		next:     next,
		messages: make(chan message, buffer),
		log:      log,
	}

	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) Notify(text, url string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	select {
	case d.messages <- message{text: text, url: url}:
	default:
		d.log.WithField("notification", text).Warn("Notification dropped, dispatcher is busy")
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for m := range d.messages {
		d.deliver(m)
	}
}

func (d *Dispatcher) deliver(m message) {
	defer func() {
		if r := recover(); r != nil {
			d.log.WithField("panic", r).Error("Notifier panicked")
		}
	}()
	d.next.Notify(m.text, m.url)
}

// Close delivers buffered messages and stops the dispatcher
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.messages)
		d.mu.Unlock()
		d.wg.Wait()
	})
}
