package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/brettboylen/reddit-scheduler/alarm"
	"github.com/brettboylen/reddit-scheduler/api"
	"github.com/brettboylen/reddit-scheduler/db"
	"github.com/brettboylen/reddit-scheduler/models"
	"github.com/brettboylen/reddit-scheduler/notify"
	"github.com/brettboylen/reddit-scheduler/rpc"
	"github.com/brettboylen/reddit-scheduler/scheduler"
	"github.com/brettboylen/reddit-scheduler/stats"
	"github.com/brettboylen/reddit-scheduler/utils"
)

// serve runs the daemon: storage, the Reddit pipeline, alarms with restart
// recovery, and the HTTP surface
func serve(c *cli.Context) error {
	config, log, err := setup(c)
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"dry_run":            config.Scheduler.DryRun,
		"show_notifications": config.Scheduler.ShowNotifications,
		"server_addr":        config.Server.Addr(),
		"database":           config.Database.Path,
	}).Info("Starting Reddit Scheduler")

	database, err := db.NewDatabase(config.Database.Path, log)
	if err != nil {
		return cli.NewExitError("failed to open database: "+err.Error(), 1)
	}

	creds := api.NewKeyringCredentials(config.Reddit.KeyringService, database, config.Reddit.Username, config.Reddit.Password)

	client, err := api.NewClient(api.Config{
		BaseURL:              config.Reddit.BaseURL,
		UserAgent:            config.Reddit.UserAgent,
		MaxRequestsPerMinute: config.Reddit.MaxRequestsPerMinute,
		Timeout:              config.Reddit.RequestTimeout,
		DryRun:               config.Scheduler.DryRun,
	}, creds, log)
	if err != nil {
		database.Close()
		return cli.NewExitError("failed to create Reddit client: "+err.Error(), 1)
	}

	notifier := newNotifier(config, log)
	timer := alarm.NewLocalTimer(log)

	svc := scheduler.NewService(client, database, alarm.New(timer, database, log), scheduler.Options{
		Credentials: creds,
		Notifier:    notifier,
		PostTimes:   config.Scheduler.PostTimes,
	}, log)

	collector := stats.NewCollector(database, client, config.Scheduler.StatsInterval, log)
	rpcServer := rpc.NewServer(svc, config.Server.RPCSecret, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runErr := run(ctx, config, svc, collector, rpcServer, log)

	// stop producers before the things they write to
	var closeErr *multierror.Error
	rpcServer.Close()
	svc.Close()
	client.Close()
	if d, ok := notifier.(*notify.Dispatcher); ok {
		d.Close()
	}
	timer.Stop()
	if err := database.Close(); err != nil {
		closeErr = multierror.Append(closeErr, fmt.Errorf("close database: %w", err))
	}
	if runErr != nil {
		closeErr = multierror.Append(closeErr, runErr)
	}

	if err := closeErr.ErrorOrNil(); err != nil {
		log.WithError(err).Error("Reddit Scheduler stopped with errors")
		return cli.NewExitError(err.Error(), 1)
	}
	log.Info("Reddit Scheduler stopped")
	return nil
}

func run(ctx context.Context, config *utils.Config, svc *scheduler.Service, collector *stats.Collector, rpcServer *rpc.Server, log *logrus.Logger) error {
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	e := newRouter(svc, collector, rpcServer.Handler(), config.Server.RequestsPerSecond)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := collector.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("stats collector: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		log.WithField("addr", config.Server.Addr()).Info("Starting API server")
		if err := e.Start(config.Server.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down API server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newNotifier picks the notification sinks; Nop when notifications are off
func newNotifier(config *utils.Config, log *logrus.Logger) notify.Notifier {
	if !config.Scheduler.ShowNotifications {
		return notify.Nop{}
	}

	sinks := notify.Multi{notify.NewLogNotifier(log)}
	if config.Scheduler.NotifyWebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookNotifier(config.Scheduler.NotifyWebhookURL, log))
	}
	return notify.NewDispatcher(sinks, 32, log)
}

// newRouter builds the HTTP API: read-only post and stats endpoints plus the RPC mount
func newRouter(svc scheduler.Scheduler, collector *stats.Collector, rpcHandler http.Handler, requestsPerSecond int) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	rateLimiterConfig := middleware.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/healthz"
		},
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(requestsPerSecond),
				Burst:     requestsPerSecond,
				ExpiresIn: 3 * time.Minute,
			},
		),
		IdentifierExtractor: func(ctx echo.Context) (string, error) {
			return ctx.RealIP(), nil
		},
		ErrorHandler: func(ctx echo.Context, err error) error {
			return ctx.JSON(http.StatusForbidden, map[string]string{
				"error": "Unable to identify client",
			})
		},
		DenyHandler: func(ctx echo.Context, identifier string, err error) error {
			return ctx.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "Rate limit exceeded, please try again later",
			})
		},
	}
	e.Use(middleware.RateLimiterWithConfig(rateLimiterConfig))

	e.GET("/api/posts", func(c echo.Context) error {
		ctx := c.Request().Context()

		var (
			posts []models.Post
			err   error
		)
		switch state := c.QueryParam("state"); state {
		case "", "all":
			posts, err = svc.FetchAll(ctx)
		case "pending":
			posts, err = svc.ListPending(ctx)
		case "submitted":
			posts, err = svc.ListSubmitted(ctx)
		default:
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": fmt.Sprintf("Unknown state %q, use pending, submitted or all", state),
			})
		}
		if err != nil {
			return err
		}
		if posts == nil {
			posts = []models.Post{}
		}
		return c.JSON(http.StatusOK, posts)
	})

	e.GET("/api/posts/:id", func(c echo.Context) error {
		post, err := svc.GetPost(c.Request().Context(), c.Param("id"))
		if errors.Is(err, models.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error": fmt.Sprintf("No post with id %s", c.Param("id")),
			})
		}
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, post)
	})

	e.GET("/api/stats", func(c echo.Context) error {
		return c.JSON(http.StatusOK, collector.GetStatistics())
	})

	e.GET("/api/stats/:subreddit", func(c echo.Context) error {
		subreddit := c.Param("subreddit")
		stats := collector.GetStatistics()

		subredditStats, exists := stats.SubredditStats[subreddit]
		if !exists {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error": fmt.Sprintf("No statistics available for subreddit %s", subreddit),
			})
		}
		return c.JSON(http.StatusOK, subredditStats)
	})

	e.POST("/rpc", echo.WrapHandler(rpcHandler))

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})

	return e
}
