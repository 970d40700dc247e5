package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestRouter(t *testing.T) (*echo.Echo, *scheduler.Service, *stats.Collector) {
	t.Helper()
	log := quietLogger()

	database, err := db.NewDatabase(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	client, err := api.NewClient(api.Config{DryRun: true}, nil, log)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	timer := alarm.NewLocalTimer(log)
	t.Cleanup(timer.Stop)

	svc := scheduler.NewService(client, database, alarm.New(timer, database, log), scheduler.Options{}, log)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Close)

	collector := stats.NewCollector(database, client, time.Hour, log)
	rpcServer := rpc.NewServer(svc, "", log)
	t.Cleanup(rpcServer.Close)

	e := newRouter(svc, collector, rpcServer.Handler(), 100)
	e.Logger.SetOutput(io.Discard)
	return e, svc, collector
}

func get(e *echo.Echo, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	e, _, _ := newTestRouter(t)

	rec := get(e, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestPostsEndpoints(t *testing.T) {
	e, svc, _ := newTestRouter(t)
	ctx := context.Background()

	later, err := svc.ScheduleLater(ctx, "1 hours", models.Draft{Subreddit: "golang", Title: "Later"})
	require.NoError(t, err)
	now, err := svc.ScheduleNow(ctx, models.Draft{Subreddit: "golang", Title: "Now"})
	require.NoError(t, err)

	tests := []struct {
		query string
		ids   []string
	}{
		{query: "", ids: []string{later.ID, now.ID}},
		{query: "?state=all", ids: []string{later.ID, now.ID}},
		{query: "?state=pending", ids: []string{later.ID}},
		{query: "?state=submitted", ids: []string{now.ID}},
	}

	for _, tc := range tests {
		t.Run(tc.query, func(t *testing.T) {
			rec := get(e, "/api/posts"+tc.query)
			require.Equal(t, http.StatusOK, rec.Code)

			var posts []models.Post
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &posts))

			ids := make([]string, 0, len(posts))
			for _, p := range posts {
				ids = append(ids, p.ID)
			}
			assert.ElementsMatch(t, tc.ids, ids)
		})
	}

	assert.Equal(t, http.StatusBadRequest, get(e, "/api/posts?state=bogus").Code)

	rec := get(e, "/api/posts/"+now.ID)
	require.Equal(t, http.StatusOK, rec.Code)
	var post models.Post
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &post))
	assert.Equal(t, api.DryRunURL, post.RemoteURL)

	assert.Equal(t, http.StatusNotFound, get(e, "/api/posts/missing").Code)
}

func TestStatsEndpoints(t *testing.T) {
	e, svc, collector := newTestRouter(t)
	ctx := context.Background()

	_, err := svc.ScheduleNow(ctx, models.Draft{Subreddit: "golang", Title: "Now"})
	require.NoError(t, err)

	ctxTimeout, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_ = collector.Start(ctxTimeout)

	rec := get(e, "/api/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var summary models.Statistics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.SubmittedPosts)

	rec = get(e, "/api/stats/golang")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusNotFound, get(e, "/api/stats/rust").Code)
}

func TestRPCMount(t *testing.T) {
	e, _, _ := newTestRouter(t)

	body := `{"jsonrpc":"2.0","id":1,"method":"settings.postTimes"}`
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Result rpc.PostTimes `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, scheduler.DefaultPostTimes, resp.Result.Times)
}

func TestPrintPosts(t *testing.T) {
	now := time.Now()
	var buf bytes.Buffer

	printPosts(&buf, nil, now)
	assert.Equal(t, "no posts found\n", buf.String())

	buf.Reset()
	printPosts(&buf, []models.Post{
		{ID: "a", Subreddit: "golang", Title: strings.Repeat("long title ", 10), State: models.StatePending, PostDate: now.Add(2 * time.Hour), AlarmID: "post:a@1"},
		{ID: "b", Subreddit: "golang", Title: "Broken", State: models.StatePending, NumRetries: 1, PostDate: now.Add(-time.Hour)},
		{ID: "c", Subreddit: "rust", Title: "Done", State: models.StateSubmitted, PostDate: now.Add(-time.Hour), RemoteURL: "https://www.reddit.com/r/rust/comments/c/"},
	}, now)

	out := buf.String()
	assert.Contains(t, out, "from now")
	assert.Contains(t, out, "...")
	assert.Contains(t, out, "needs attention")
	assert.Contains(t, out, "https://www.reddit.com/r/rust/comments/c/")
}

func TestNewNotifier(t *testing.T) {
	log := quietLogger()

	config := &utils.Config{}
	_, isNop := newNotifier(config, log).(notify.Nop)
	assert.True(t, isNop)

	config.Scheduler.ShowNotifications = true
	n := newNotifier(config, log)
	d, ok := n.(*notify.Dispatcher)
	require.True(t, ok)
	d.Close()
}

func TestSetupLogger(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, setupLogger("debug").GetLevel())
	assert.Equal(t, logrus.WarnLevel, setupLogger("warn").GetLevel())
	assert.Equal(t, logrus.InfoLevel, setupLogger("bogus").GetLevel())
}
