package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	repopipeline "github.com/yungbote/neurobridge-backend/internal/data/repos/pipeline"
	dompipeline "github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
)

type fakeDepthCache struct {
	depth int64
	ok    bool
}

func (f *fakeDepthCache) Set(ctx context.Context, depth int64) error { f.depth = depth; return nil }
func (f *fakeDepthCache) Get(ctx context.Context) (int64, bool)      { return f.depth, f.ok }
func (f *fakeDepthCache) Close() error                               { return nil }

func init() {
	gin.SetMode(gin.TestMode)
}

func newIntakeTestHandler(t *testing.T, depth *fakeDepthCache) (*IntakeHandler, *repopipeline.Repos) {
	t.Helper()
	db := newWorkerTestDB(t)
	repos := repopipeline.NewRepos(db)
	log := testLogger(t)
	if depth == nil {
		return NewIntakeHandler(repos, nil, log), repos
	}
	return NewIntakeHandler(repos, depth, log), repos
}

func doIntakeRequest(h *IntakeHandler, body any) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/generate_ai_caption", bytes.NewReader(raw))
	c.Request.Header.Set("Content-Type", "application/json")
	h.GenerateAICaption(c)
	return w
}

func TestIntakeHandler_AcceptsNewJob(t *testing.T) {
	h, repos := newIntakeTestHandler(t, nil)

	w := doIntakeRequest(h, submitJobRequest{
		YoutubeID:  "yt-1",
		UserID:     "u-1",
		AIUserID:   "ai-1",
		YDXServer:  "https://ydx.example",
		YDXAppHost: "app.example",
	})

	require.Equal(t, http.StatusOK, w.Code)
	var resp submitJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "accepted", resp.Status)
	require.NotEmpty(t, resp.JobID)

	depth, err := repos.Queue.Depth(dbctx_(context.Background()), "general")
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)
}

func TestIntakeHandler_ResubmissionIsAlreadyTracked(t *testing.T) {
	h, _ := newIntakeTestHandler(t, nil)

	req := submitJobRequest{
		YoutubeID:  "yt-2",
		UserID:     "u-1",
		AIUserID:   "ai-1",
		YDXServer:  "https://ydx.example",
		YDXAppHost: "app.example",
	}
	first := doIntakeRequest(h, req)
	require.Equal(t, http.StatusOK, first.Code)

	second := doIntakeRequest(h, req)
	require.Equal(t, http.StatusOK, second.Code)
	var resp submitJobResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &resp))
	require.Equal(t, "already_tracked", resp.Status)
}

func TestIntakeHandler_ResubmissionAddsSecondSubscriber(t *testing.T) {
	h, repos := newIntakeTestHandler(t, nil)

	base := submitJobRequest{
		YoutubeID:  "yt-sub-1",
		AIUserID:   "ai-1",
		YDXServer:  "https://ydx.example",
		YDXAppHost: "app.example",
	}

	alice := base
	alice.UserID = "alice"
	first := doIntakeRequest(h, alice)
	require.Equal(t, http.StatusOK, first.Code)
	var firstResp submitJobResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &firstResp))

	bob := base
	bob.UserID = "bob"
	second := doIntakeRequest(h, bob)
	require.Equal(t, http.StatusOK, second.Code)

	jobID, err := uuid.Parse(firstResp.JobID)
	require.NoError(t, err)
	subs, err := repos.Subscribers.ListByJob(dbctx_(context.Background()), jobID)
	require.NoError(t, err)
	require.Len(t, subs, 2, "both alice and bob should be tracked as subscribers")

	channels := map[string]bool{}
	for _, s := range subs {
		channels[s.Channel] = true
	}
	require.True(t, channels["alice"])
	require.True(t, channels["bob"])
}

func TestIntakeHandler_ResubmissionSameUserStaysIdempotent(t *testing.T) {
	h, repos := newIntakeTestHandler(t, nil)

	req := submitJobRequest{
		YoutubeID:  "yt-sub-2",
		UserID:     "alice",
		AIUserID:   "ai-1",
		YDXServer:  "https://ydx.example",
		YDXAppHost: "app.example",
	}
	first := doIntakeRequest(h, req)
	require.Equal(t, http.StatusOK, first.Code)
	var firstResp submitJobResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &firstResp))

	second := doIntakeRequest(h, req)
	require.Equal(t, http.StatusOK, second.Code)

	jobID, err := uuid.Parse(firstResp.JobID)
	require.NoError(t, err)
	subs, err := repos.Subscribers.ListByJob(dbctx_(context.Background()), jobID)
	require.NoError(t, err)
	require.Len(t, subs, 1, "add_subscriber must be idempotent for the same channel")
}

func TestIntakeHandler_TerminalJobRestartsPipeline(t *testing.T) {
	h, repos := newIntakeTestHandler(t, nil)
	dc := dbctx_(context.Background())

	req := submitJobRequest{
		YoutubeID:  "yt-restart-1",
		UserID:     "alice",
		AIUserID:   "ai-1",
		YDXServer:  "https://ydx.example",
		YDXAppHost: "app.example",
	}
	first := doIntakeRequest(h, req)
	require.Equal(t, http.StatusOK, first.Code)
	var firstResp submitJobResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &firstResp))

	jobID, err := uuid.Parse(firstResp.JobID)
	require.NoError(t, err)
	job, err := repos.Jobs.GetByID(dc, jobID)
	require.NoError(t, err)
	job.Status = dompipeline.JobStatusCompleted
	require.NoError(t, repos.Jobs.Save(dc, job))
	// A worker acks the first submission's entry when the job finishes.
	claimed, err := repos.Queue.Claim(dc, dompipeline.QueueGeneral, "worker-test")
	require.NoError(t, err)
	require.NoError(t, repos.Queue.Ack(dc, claimed.ID))

	second := doIntakeRequest(h, req)
	require.Equal(t, http.StatusOK, second.Code)
	var secondResp submitJobResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &secondResp))
	require.Equal(t, "accepted", secondResp.Status, "a terminal job must restart, not stay already_tracked")
	require.Equal(t, firstResp.JobID, secondResp.JobID, "restart reuses the same business-key job row")

	restarted, err := repos.Jobs.GetByID(dc, jobID)
	require.NoError(t, err)
	require.Equal(t, dompipeline.JobStatusPending, restarted.Status)

	depth, err := repos.Queue.Depth(dc, "general")
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)
}

func TestIntakeHandler_MissingFieldIsBadRequest(t *testing.T) {
	h, _ := newIntakeTestHandler(t, nil)

	w := doIntakeRequest(h, map[string]string{"youtube_id": "yt-3"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIntakeHandler_BackpressureRejectsAtHighWaterMark(t *testing.T) {
	depth := &fakeDepthCache{depth: queueDepthHighWaterMark, ok: true}
	h, _ := newIntakeTestHandler(t, depth)

	w := doIntakeRequest(h, submitJobRequest{
		YoutubeID:  "yt-4",
		UserID:     "u-1",
		AIUserID:   "ai-1",
		YDXServer:  "https://ydx.example",
		YDXAppHost: "app.example",
	})

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}
