package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/brettboylen/reddit-scheduler/models"
)

const postColumns = `id, subreddit, title, url, text, state, num_retries, post_date, remote_url, alarm_id, created_at`

// CreatePost inserts a new post; ids are never reused
func (d *Database) CreatePost(ctx context.Context, post *models.Post) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	query := `INSERT INTO posts (` + postColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := d.db.ExecContext(ctx, query,
		post.ID, post.Subreddit, post.Title, post.URL, post.Text,
		string(post.State), post.NumRetries, toMillis(post.PostDate),
		post.RemoteURL, post.AlarmID, toMillis(post.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create post %s: %w", post.ID, err)
	}

	d.log.WithFields(logrus.Fields{
		"post_id":   post.ID,
		"subreddit": post.Subreddit,
		"state":     post.State,
	}).Debug("Post created")
	return nil
}

// UpdatePost overwrites the mutable fields of an existing post
func (d *Database) UpdatePost(ctx context.Context, post *models.Post) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	query := `
	UPDATE posts SET
		subreddit = ?, title = ?, url = ?, text = ?, state = ?,
		num_retries = ?, post_date = ?, remote_url = ?, alarm_id = ?
	WHERE id = ?
	`

	res, err := d.db.ExecContext(ctx, query,
		post.Subreddit, post.Title, post.URL, post.Text, string(post.State),
		post.NumRetries, toMillis(post.PostDate), post.RemoteURL, post.AlarmID,
		post.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update post %s: %w", post.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update post %s: %w", post.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", models.ErrNotFound, post.ID)
	}
	return nil
}

// DeletePost removes a post together with any alarm binding still pointing at it.
// Deleting a missing post is a no-op.
func (d *Database) DeletePost(ctx context.Context, id string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete of post %s: %w", id, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM alarms WHERE job_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete alarms for post %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM posts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete post %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete of post %s: %w", id, err)
	}
	return nil
}

// GetPost returns a single post by id
func (d *Database) GetPost(ctx context.Context, id string) (*models.Post, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	row := d.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = ?`, id)
	post, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get post %s: %w", id, err)
	}
	return post, nil
}

// ListPending returns the posts that have not been submitted yet, soonest first
func (d *Database) ListPending(ctx context.Context) ([]models.Post, error) {
	return d.queryPosts(ctx, `
	SELECT `+postColumns+` FROM posts
	WHERE state IN (?, ?)
	ORDER BY post_date ASC, created_at ASC
	`, string(models.StatePending), string(models.StateFailed))
}

// ListSubmitted returns the posts that made it to Reddit, most recent first
func (d *Database) ListSubmitted(ctx context.Context) ([]models.Post, error) {
	return d.queryPosts(ctx, `
	SELECT `+postColumns+` FROM posts
	WHERE state = ?
	ORDER BY post_date DESC, created_at DESC
	`, string(models.StateSubmitted))
}

// FetchAll returns every stored post
func (d *Database) FetchAll(ctx context.Context) ([]models.Post, error) {
	return d.queryPosts(ctx, `SELECT `+postColumns+` FROM posts ORDER BY created_at ASC`)
}

func (d *Database) queryPosts(ctx context.Context, query string, args ...any) ([]models.Post, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query posts: %w", err)
	}
	defer rows.Close()

	posts := make([]models.Post, 0)
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan post: %w", err)
		}
		posts = append(posts, *post)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return posts, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPost(row scanner) (*models.Post, error) {
	var post models.Post
	var state string
	var postDate, createdAt int64

	err := row.Scan(
		&post.ID, &post.Subreddit, &post.Title, &post.URL, &post.Text,
		&state, &post.NumRetries, &postDate, &post.RemoteURL, &post.AlarmID,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	post.State = models.State(state)
	post.PostDate = fromMillis(postDate)
	post.CreatedAt = fromMillis(createdAt)
	return &post, nil
}
