package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-runewidth"
	"github.com/urfave/cli"

	"github.com/brettboylen/reddit-scheduler/models"
	"github.com/brettboylen/reddit-scheduler/rpc"
)

const titleWidth = 40

func draftFromFlags(c *cli.Context) models.Draft {
	return models.Draft{
		Subreddit: strings.TrimPrefix(c.String("subreddit"), "r/"),
		Title:     c.String("title"),
		URL:       c.String("url"),
		Text:      c.String("text"),
	}
}

func postNow(c *cli.Context) error {
	draft := draftFromFlags(c)
	return withClient(c, func(ctx context.Context, client *rpc.Client) error {
		post, err := client.ScheduleNow(ctx, draft)
		if err != nil {
			return err
		}
		fmt.Printf("Saved post %s, submitting to r/%s now (check with 'list')\n", post.ID, post.Subreddit)
		return nil
	})
}

func postLater(c *cli.Context) error {
	when := c.String("when")
	if when == "" {
		return cli.NewExitError("--when is required", 1)
	}
	draft := draftFromFlags(c)
	return withClient(c, func(ctx context.Context, client *rpc.Client) error {
		post, err := client.ScheduleLater(ctx, when, draft)
		if err != nil {
			return err
		}
		fmt.Printf("Scheduled post %s for %s (%s)\n", post.ID, post.PostDate.Format(time.RFC1123), humanize.Time(post.PostDate))
		return nil
	})
}

func list(c *cli.Context) error {
	state := c.String("state")
	return withClient(c, func(ctx context.Context, client *rpc.Client) error {
		var (
			posts []models.Post
			err   error
		)
		switch state {
		case "pending":
			posts, err = client.ListPending(ctx)
		case "submitted":
			posts, err = client.ListSubmitted(ctx)
		default:
			posts, err = client.FetchAll(ctx)
		}
		if err != nil {
			return err
		}
		printPosts(os.Stdout, posts, time.Now())
		return nil
	})
}

// printPosts writes posts as a table; dates are relative to now
func printPosts(w io.Writer, posts []models.Post, now time.Time) {
	if len(posts) == 0 {
		fmt.Fprintln(w, "no posts found")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSUBREDDIT\tTITLE\tSTATE\tRETRIES\tWHEN\tURL")
	for _, p := range posts {
		state := string(p.State)
		if p.State == models.StatePending && p.AlarmID == "" && p.NumRetries > 0 {
			state = "needs attention"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			p.ID,
			"r/"+p.Subreddit,
			runewidth.Truncate(p.Title, titleWidth, "..."),
			state,
			p.NumRetries,
			humanize.RelTime(p.PostDate, now, "ago", "from now"),
			p.RemoteURL,
		)
	}
	tw.Flush()
}

func deletePost(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return cli.NewExitError("post id is required", 1)
	}
	return withClient(c, func(ctx context.Context, client *rpc.Client) error {
		if err := client.DeletePost(ctx, id); err != nil {
			return err
		}
		fmt.Printf("Deleted post %s\n", id)
		return nil
	})
}

func reschedule(c *cli.Context) error {
	id, when := c.Args().First(), c.String("when")
	if id == "" || when == "" {
		return cli.NewExitError("post id and --when are required", 1)
	}
	return withClient(c, func(ctx context.Context, client *rpc.Client) error {
		post, err := client.Reschedule(ctx, id, when)
		if err != nil {
			return err
		}
		fmt.Printf("Rescheduled post %s for %s (%s)\n", post.ID, post.PostDate.Format(time.RFC1123), humanize.Time(post.PostDate))
		return nil
	})
}

func retry(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return cli.NewExitError("post id is required", 1)
	}
	return withClient(c, func(ctx context.Context, client *rpc.Client) error {
		post, err := client.RetryNow(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("Retrying post %s (attempt %d)\n", post.ID, post.NumRetries+1)
		return nil
	})
}

func login(c *cli.Context) error {
	username, password := c.String("username"), c.String("password")
	return withClient(c, func(ctx context.Context, client *rpc.Client) error {
		session, err := client.Login(ctx, username, password)
		if err != nil {
			return err
		}
		fmt.Printf("Logged in as %s\n", session.Username)
		return nil
	})
}

func logout(c *cli.Context) error {
	return withClient(c, func(ctx context.Context, client *rpc.Client) error {
		if err := client.LogOut(ctx); err != nil {
			return err
		}
		fmt.Println("Logged out, scheduled posts are kept")
		return nil
	})
}

func times(c *cli.Context) error {
	set := c.StringSlice("set")
	return withClient(c, func(ctx context.Context, client *rpc.Client) error {
		if len(set) > 0 {
			if err := client.SetPostTimes(ctx, set); err != nil {
				return err
			}
		}
		postTimes, err := client.PostTimes(ctx)
		if err != nil {
			return err
		}
		for _, t := range postTimes {
			fmt.Println(t)
		}
		return nil
	})
}
