package models

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for input rejected before any durable or network effect
	ErrValidation = errors.New("validation failed")
	// ErrCaptchaRequired means Reddit wants a human to solve a captcha before submitting
	ErrCaptchaRequired = errors.New("could not post, captcha required")
	// ErrSchedulingUnsupported means no timer facility is available to fire delayed posts
	ErrSchedulingUnsupported = errors.New("scheduling unsupported")
	// ErrNotFound is returned when a post does not exist
	ErrNotFound = errors.New("post not found")
)

// APIError is a transport failure or a rejection reported by Reddit
type APIError struct {
	StatusCode int    `json:"status_code,omitempty"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("reddit api error (status %d): %s", e.StatusCode, e.Message)
	}
	return "reddit api error: " + e.Message
}

// ValidateDraft checks a draft before a job is created for it
func ValidateDraft(d Draft) error {
	if d.Subreddit == "" {
		return fmt.Errorf("%w: subreddit is required", ErrValidation)
	}
	if d.Title == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	if d.TitleLength() > MaxTitleLength {
		return fmt.Errorf("%w: title too long (%d > %d characters)", ErrValidation, d.TitleLength(), MaxTitleLength)
	}
	return nil
}
