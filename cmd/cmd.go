// Package cmd holds the command line: the serve daemon and the client
// commands that talk to it.
package cmd

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/brettboylen/reddit-scheduler/rpc"
	"github.com/brettboylen/reddit-scheduler/utils"
)

const callTimeout = 30 * time.Second

var globalFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "env",
		Value: ".env",
		Usage: "path to .env file",
	},
	cli.StringFlag{
		Name:  "log-level",
		Value: "info",
		Usage: "logging level (debug, info, warn, error)",
	},
}

var draftFlags = []cli.Flag{
	cli.StringFlag{Name: "subreddit, r", Usage: "subreddit to post to"},
	cli.StringFlag{Name: "title, t", Usage: "post title (at most 300 characters)"},
	cli.StringFlag{Name: "url, u", Usage: "link to submit; omit for a self post"},
	cli.StringFlag{Name: "text, x", Usage: "self post body"},
}

var whenFlag = cli.StringFlag{
	Name:  "when, w",
	Usage: "when to post, e.g. '10 minutes' or '3:06pm' (see 'times')",
}

// Execute runs the command line
func Execute(args []string) error {
	app := cli.App{
		Name:      "reddit-scheduler",
		HelpName:  "reddit-scheduler",
		Usage:     "schedule posts to Reddit",
		UsageText: "reddit-scheduler <command> [arguments...]",
		Version:   "1.0.0",
		Flags:     globalFlags,
		Commands: []cli.Command{
			{
				Name:   "serve",
				Usage:  "run the scheduler daemon",
				Action: serve,
			},
			{
				Name:   "now",
				Usage:  "submit a post right away",
				Action: postNow,
				Flags:  draftFlags,
			},
			{
				Name:   "later",
				Usage:  "schedule a post",
				Action: postLater,
				Flags:  append([]cli.Flag{whenFlag}, draftFlags...),
			},
			{
				Name:    "list",
				Aliases: []string{"l"},
				Usage:   "list scheduled and submitted posts",
				Action:  list,
				Flags: []cli.Flag{
					cli.StringFlag{
						Name:  "state, s",
						Value: "all",
						Usage: "pending, submitted or all",
					},
				},
			},
			{
				Name:      "delete",
				Usage:     "delete a post and cancel its alarm",
				ArgsUsage: "<post id>",
				Action:    deletePost,
			},
			{
				Name:      "reschedule",
				Usage:     "move a pending post to a new time",
				ArgsUsage: "<post id>",
				Action:    reschedule,
				Flags:     []cli.Flag{whenFlag},
			},
			{
				Name:      "retry",
				Usage:     "attempt a pending post right away",
				ArgsUsage: "<post id>",
				Action:    retry,
			},
			{
				Name:   "login",
				Usage:  "store Reddit credentials and log in",
				Action: login,
				Flags: []cli.Flag{
					cli.StringFlag{Name: "username, U", Usage: "Reddit username"},
					cli.StringFlag{Name: "password, P", Usage: "Reddit password", EnvVar: "REDDIT_PASSWORD"},
				},
			},
			{
				Name:   "logout",
				Usage:  "forget the session and stored credentials",
				Action: logout,
			},
			{
				Name:   "times",
				Usage:  "show or replace the offered post times",
				Action: times,
				Flags: []cli.Flag{
					cli.StringSliceFlag{Name: "set", Usage: "replace the post times (repeatable)"},
				},
			},
		},
	}
	return app.Run(args)
}

// setup loads the configuration and builds the logger from the global flags
func setup(c *cli.Context) (*utils.Config, *logrus.Logger, error) {
	log := setupLogger(c.GlobalString("log-level"))

	config, err := utils.LoadConfig(c.GlobalString("env"), log)
	if err != nil {
		return nil, nil, cli.NewExitError("failed to load configuration: "+err.Error(), 1)
	}
	return config, log, nil
}

// setupLogger sets up the logger with the specified log level
func setupLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

// withClient connects to the daemon and runs fn with a bounded context
func withClient(c *cli.Context, fn func(ctx context.Context, client *rpc.Client) error) error {
	config, _, err := setup(c)
	if err != nil {
		return err
	}

	client := rpc.NewClient(config.Server.RPCURL, config.Server.RPCSecret)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	if err := fn(ctx, client); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	return nil
}
