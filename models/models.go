package models

import (
	"time"
	"unicode/utf8"
)

// MaxTitleLength is the longest title Reddit accepts for a submission
const MaxTitleLength = 300

// State is the lifecycle state of a scheduled post
type State string

const (
	StatePending   State = "pending"
	StateSubmitted State = "submitted"
	// StateFailed marks a job whose last attempt needs human action (captcha);
	// it is still listed with the pending jobs.
	StateFailed State = "failed"
)

// IsPending reports whether the state belongs to the pending partition
func (s State) IsPending() bool {
	return s == StatePending || s == StateFailed
}

// Valid reports whether s is a known state
func (s State) Valid() bool {
	switch s {
	case StatePending, StateSubmitted, StateFailed:
		return true
	}
	return false
}

// Draft holds the user-supplied content of a post before it becomes a job
type Draft struct {
	Subreddit string `json:"subreddit"`
	Title     string `json:"title"`
	URL       string `json:"url,omitempty"`
	Text      string `json:"text,omitempty"`
}

// IsSelf reports whether the draft is submitted as a self post:
// either it carries text, or it has no url to link to.
func (d Draft) IsSelf() bool {
	return d.Text != "" || d.URL == ""
}

// Kind returns the Reddit submission kind for the draft
func (d Draft) Kind() string {
	if d.IsSelf() {
		return "self"
	}
	return "link"
}

// TitleLength counts the title in characters, not bytes
func (d Draft) TitleLength() int {
	return utf8.RuneCountInString(d.Title)
}

// Post represents a scheduled Reddit submission
type Post struct {
	ID         string    `json:"id"`
	Subreddit  string    `json:"subreddit"`
	Title      string    `json:"title"`
	URL        string    `json:"url,omitempty"`
	Text       string    `json:"text,omitempty"`
	State      State     `json:"state"`
	NumRetries int       `json:"num_retries"`
	PostDate   time.Time `json:"post_date"`
	RemoteURL  string    `json:"remote_url,omitempty"`
	AlarmID    string    `json:"alarm_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Draft returns the content fields of the post
func (p *Post) Draft() Draft {
	return Draft{
		Subreddit: p.Subreddit,
		Title:     p.Title,
		URL:       p.URL,
		Text:      p.Text,
	}
}

// AlarmBinding ties a job to the instant its timer should fire
type AlarmBinding struct {
	Name   string    `json:"name"`
	JobID  string    `json:"job_id"`
	FireAt time.Time `json:"fire_at"`
}

// Session is the authenticated identity used for submission
type Session struct {
	Username      string    `json:"username"`
	Token         string    `json:"-"`
	EstablishedAt time.Time `json:"established_at"`
}

// Valid reports whether the session can be used to submit
func (s Session) Valid() bool {
	return s.Token != ""
}

// SubredditStats holds statistics for a single subreddit
type SubredditStats struct {
	Pending   int `json:"pending"`
	Submitted int `json:"submitted"`
}

// Statistics holds a summary of the job store
type Statistics struct {
	TotalPosts     int                       `json:"total_posts"`
	PendingPosts   int                       `json:"pending_posts"`
	SubmittedPosts int                       `json:"submitted_posts"`
	FailedPosts    int                       `json:"failed_posts"`
	TotalRetries   int                       `json:"total_retries"`
	NextFireAt     *time.Time                `json:"next_fire_at,omitempty"`
	LastSubmitted  *Post                     `json:"last_submitted,omitempty"`
	StartTime      time.Time                 `json:"start_time"`
	LastUpdated    time.Time                 `json:"last_updated"`
	SubredditStats map[string]SubredditStats `json:"subreddit_stats"`
}
