package handlers_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JMMolenaar/Fab-CIC-manager/server/handlers"
)

type enqueueResponse struct {
	Msg   string `json:"msg"`
	JobID string `json:"job_id"`
	Error string `json:"error"`
}

func TestEnqueue(t *testing.T) {
	a := setup(t, "")

	resp := serve(a, http.MethodPut, "/jobs/:name", "/jobs/report.daily", strings.NewReader(`{"day":"monday"}`), handlers.Enqueue)
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	var created enqueueResponse
	decode(t, resp, &created)
	assert.Equal(t, "enqueued", created.Msg)
	assert.NotEmpty(t, created.JobID)

	// same unique key while the first one is pending
	resp = serve(a, http.MethodPut, "/jobs/:name", "/jobs/report.daily", strings.NewReader(`{"day":"monday"}`), handlers.Enqueue)
	require.Equal(t, http.StatusOK, resp.Code)
	var dup enqueueResponse
	decode(t, resp, &dup)
	assert.Equal(t, "duplicate", dup.Msg)
	assert.Equal(t, created.JobID, dup.JobID)

	size, err := a.Engine.Size(context.Background(), "default")
	require.NoError(t, err)
	assert.EqualValues(t, 1, size)
}

func TestEnqueue_QueueAndDelay(t *testing.T) {
	a := setup(t, "")
	resp := serve(a, http.MethodPut, "/jobs/:name", "/jobs/noop?queue=low&delay=60", nil, handlers.Enqueue)
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())

	delayed, err := a.Engine.DelayedSize(context.Background(), "low")
	require.NoError(t, err)
	assert.EqualValues(t, 1, delayed)
	ready, err := a.Engine.Size(context.Background(), "low")
	require.NoError(t, err)
	assert.EqualValues(t, 0, ready)
}

func TestEnqueue_BadRequests(t *testing.T) {
	a := setup(t, "")
	cases := []struct {
		target string
		body   string
		code   int
	}{
		{"/jobs/unknown", `{}`, http.StatusNotFound},
		{"/jobs/noop", `{not json`, http.StatusBadRequest},
		{"/jobs/noop?delay=-1", `{}`, http.StatusBadRequest},
		{"/jobs/noop?queue=nowhere", `{}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		resp := serve(a, http.MethodPut, "/jobs/:name", tc.target, strings.NewReader(tc.body), handlers.Enqueue)
		assert.Equal(t, tc.code, resp.Code, tc.target)
	}
}

func TestSize(t *testing.T) {
	a := setup(t, "")
	serve(a, http.MethodPut, "/jobs/:name", "/jobs/noop", nil, handlers.Enqueue)

	resp := serve(a, http.MethodGet, "/queues/:queue/size", "/queues/default/size", nil, handlers.Size)
	require.Equal(t, http.StatusOK, resp.Code)
	var body struct {
		Queue   string `json:"queue"`
		Size    int64  `json:"size"`
		Delayed int64  `json:"delayed"`
	}
	decode(t, resp, &body)
	assert.Equal(t, "default", body.Queue)
	assert.EqualValues(t, 1, body.Size)

	resp = serve(a, http.MethodGet, "/queues/:queue/size", "/queues/nowhere/size", nil, handlers.Size)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestGetJob(t *testing.T) {
	a := setup(t, "")
	resp := serve(a, http.MethodPut, "/jobs/:name", "/jobs/log", strings.NewReader(`["hi"]`), handlers.Enqueue)
	var created enqueueResponse
	decode(t, resp, &created)

	resp = serve(a, http.MethodGet, "/jobs/:job_id", "/jobs/"+created.JobID, nil, handlers.GetJob)
	require.Equal(t, http.StatusOK, resp.Code)
	var job struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	decode(t, resp, &job)
	assert.Equal(t, created.JobID, job.ID)
	assert.Equal(t, "log", job.Name)

	resp = serve(a, http.MethodGet, "/jobs/:job_id", "/jobs/missing", nil, handlers.GetJob)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestDeadLetter(t *testing.T) {
	a := setup(t, "")
	ctx := context.Background()
	serve(a, http.MethodPut, "/jobs/:name", "/jobs/noop", nil, handlers.Enqueue)
	job, lease, err := a.Engine.Dequeue(ctx, nil, time.Minute, 0, "test")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, a.Engine.Fail(ctx, lease, errors.New("broken printer")))

	resp := serve(a, http.MethodGet, "/deadletter", "/deadletter?limit=10", nil, handlers.ListDeadLetter)
	require.Equal(t, http.StatusOK, resp.Code)
	var list struct {
		Size int64 `json:"size"`
		Jobs []struct {
			Reason  string `json:"reason"`
			Message string `json:"message"`
			Job     struct {
				ID string `json:"id"`
			} `json:"job"`
		} `json:"jobs"`
	}
	decode(t, resp, &list)
	require.EqualValues(t, 1, list.Size)
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, job.ID, list.Jobs[0].Job.ID)
	assert.Equal(t, "handler_error", list.Jobs[0].Reason)
	assert.Contains(t, list.Jobs[0].Message, "broken printer")

	resp = serve(a, http.MethodGet, "/deadletter", "/deadletter?limit=1000", nil, handlers.ListDeadLetter)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = serve(a, http.MethodPut, "/deadletter/:job_id", "/deadletter/"+job.ID, nil, handlers.RespawnDeadLetter)
	require.Equal(t, http.StatusOK, resp.Code)
	size, err := a.Engine.Size(ctx, "default")
	require.NoError(t, err)
	assert.EqualValues(t, 1, size)

	resp = serve(a, http.MethodPut, "/deadletter/:job_id", "/deadletter/"+job.ID, nil, handlers.RespawnDeadLetter)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	// kill it again and delete it for good
	_, lease, err = a.Engine.Dequeue(ctx, nil, time.Minute, 0, "test")
	require.NoError(t, err)
	require.NoError(t, a.Engine.Bury(ctx, lease, errors.New("no more")))
	resp = serve(a, http.MethodDelete, "/deadletter/:job_id", "/deadletter/"+job.ID, nil, handlers.DeleteDeadLetter)
	assert.Equal(t, http.StatusNoContent, resp.Code)
	resp = serve(a, http.MethodDelete, "/deadletter/:job_id", "/deadletter/"+job.ID, nil, handlers.DeleteDeadLetter)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestServe_PathParams(t *testing.T) {
	a := setup(t, "")
	echo := func(c *gin.Context) {
		c.String(http.StatusOK, c.Param("queue")+"/"+c.Param("job_id"))
	}
	resp := serve(a, http.MethodGet, "/queues/:queue/jobs/:job_id", "/queues/low/jobs/42", nil, echo)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "low/42", resp.Body.String())
}
