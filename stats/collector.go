package stats

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brettboylen/reddit-scheduler/models"
)

const defaultInterval = 30 * time.Second

// PostSource is where the collector reads jobs from
type PostSource interface {
	FetchAll(ctx context.Context) ([]models.Post, error)
}

// RateLimitSource reports the last Reddit rate limit headers (remaining, reset seconds, used)
type RateLimitSource interface {
	GetRateLimitStatus() (int, int, int)
}

// Collector periodically summarises the job store
type Collector struct {
	posts    PostSource
	rate     RateLimitSource
	interval time.Duration
	stats    models.Statistics
	log      *logrus.Logger
	mutex    sync.RWMutex
}

// NewCollector creates a new collector. rate may be nil.
func NewCollector(posts PostSource, rate RateLimitSource, interval time.Duration, log *logrus.Logger) *Collector {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Collector{
		posts:    posts,
		rate:     rate,
		interval: interval,
		stats: models.Statistics{
			StartTime:      time.Now(),
			LastUpdated:    time.Now(),
			SubredditStats: make(map[string]models.SubredditStats),
		},
		log: log,
	}
}

// Start refreshes the statistics until ctx is done
func (c *Collector) Start(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.refresh(ctx)
		}
	}
}

func (c *Collector) refresh(ctx context.Context) {
	if err := c.updateStatistics(ctx); err != nil {
		c.log.WithError(err).Error("Failed to update statistics")
		return
	}
	c.logStatistics()
}

// updateStatistics recomputes the summary from the job store
func (c *Collector) updateStatistics(ctx context.Context) error {
	posts, err := c.posts.FetchAll(ctx)
	if err != nil {
		return err
	}

	summary := Summarize(posts)

	c.mutex.Lock()
	summary.StartTime = c.stats.StartTime
	c.stats = summary
	c.mutex.Unlock()
	return nil
}

// Summarize builds statistics for a set of jobs
func Summarize(posts []models.Post) models.Statistics {
	stats := models.Statistics{
		TotalPosts:     len(posts),
		LastUpdated:    time.Now(),
		SubredditStats: make(map[string]models.SubredditStats),
	}

	for i := range posts {
		post := posts[i]
		sr := stats.SubredditStats[post.Subreddit]
		stats.TotalRetries += post.NumRetries

		switch post.State {
		case models.StateSubmitted:
			stats.SubmittedPosts++
			sr.Submitted++
			if stats.LastSubmitted == nil || post.PostDate.After(stats.LastSubmitted.PostDate) {
				stats.LastSubmitted = &post
			}
		case models.StateFailed:
			stats.FailedPosts++
			stats.PendingPosts++
			sr.Pending++
		default:
			stats.PendingPosts++
			sr.Pending++
			if post.AlarmID != "" && (stats.NextFireAt == nil || post.PostDate.Before(*stats.NextFireAt)) {
				at := post.PostDate
				stats.NextFireAt = &at
			}
		}

		stats.SubredditStats[post.Subreddit] = sr
	}

	return stats
}

// logStatistics logs the current statistics
func (c *Collector) logStatistics() {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	fields := logrus.Fields{
		"total_posts":     c.stats.TotalPosts,
		"pending_posts":   c.stats.PendingPosts,
		"submitted_posts": c.stats.SubmittedPosts,
		"failed_posts":    c.stats.FailedPosts,
		"total_retries":   c.stats.TotalRetries,
		"running_since":   time.Since(c.stats.StartTime).Round(time.Second).String(),
	}
	if c.stats.NextFireAt != nil {
		fields["next_fire_at"] = c.stats.NextFireAt.Format(time.RFC3339)
	}
	if c.rate != nil {
		remaining, reset, used := c.rate.GetRateLimitStatus()
		fields["rate_remaining"] = remaining
		fields["rate_reset_sec"] = reset
		fields["rate_used"] = used
	}

	c.log.WithFields(fields).Debug("Statistics updated")
}

// GetStatistics returns a copy of the current statistics
func (c *Collector) GetStatistics() models.Statistics {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	stats := c.stats
	stats.SubredditStats = make(map[string]models.SubredditStats, len(c.stats.SubredditStats))
	for k, v := range c.stats.SubredditStats {
		stats.SubredditStats[k] = v
	}
	return stats
}
