package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/0xPuncker/report-scheduler/internal/dispatcher"
	"github.com/0xPuncker/report-scheduler/internal/ledger"
	"github.com/0xPuncker/report-scheduler/internal/registry"
	"github.com/0xPuncker/report-scheduler/internal/schedule"
	"github.com/0xPuncker/report-scheduler/internal/testutil"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const apiPath = "/api/v1"

type testServer struct {
	router *mux.Router
	clock  *testutil.Clock
	d      *dispatcher.Dispatcher
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := testutil.NewLogger()
	clock := testutil.NewClock(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))
	reg := registry.New(schedule.NewCalculator(time.UTC), logger)
	d := dispatcher.New(logger, dispatcher.Config{TickInterval: time.Hour}, reg, ledger.New(),
		&testutil.Generator{}, &testutil.Distributor{},
		dispatcher.WithClock(clock.Now),
	)
	t.Cleanup(d.Stop)
	return &testServer{
		router: NewRouter(NewHandler(d, logger)),
		clock:  clock,
		d:      d,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, apiPath+path, &buf)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v))
	return v
}

func jobBody(id string, deps ...string) map[string]interface{} {
	return map[string]interface{}{
		"id":                  id,
		"schedule_kind":       "interval",
		"schedule_expression": "60",
		"enabled":             true,
		"priority":            "high",
		"template_id":         "tpl-" + id,
		"rule_id":             "rule-" + id,
		"dependencies":        deps,
	}
}

func TestHealthCheck(t *testing.T) {
	s := setupTestServer(t)

	rr := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "ok", decode[map[string]string](t, rr)["status"])
}

func TestCreateAndGetJob(t *testing.T) {
	s := setupTestServer(t)

	rr := s.do(t, http.MethodPost, "/jobs", jobBody("extract"))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decode[JobResponse](t, rr)
	assert.Equal(t, "extract", created.ID)
	assert.Equal(t, "high", created.Priority)
	assert.Equal(t, "pdf", created.Format)
	require.NotNil(t, created.NextRun)
	assert.Equal(t, s.clock.Now().Add(time.Minute), *created.NextRun)

	rr = s.do(t, http.MethodGet, "/jobs/extract", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "tpl-extract", decode[JobResponse](t, rr).TemplateID)

	rr = s.do(t, http.MethodGet, "/jobs", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 1, decode[map[string]interface{}](t, rr)["count"])
}

func TestJobErrors(t *testing.T) {
	s := setupTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/jobs", jobBody("extract")).Code)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/jobs", jobBody("report", "extract")).Code)

	badCron := jobBody("bad")
	badCron["schedule_kind"] = "cron"
	badCron["schedule_expression"] = "61 * * * *"

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"missing job", http.MethodGet, "/jobs/nope", nil, http.StatusNotFound},
		{"duplicate", http.MethodPost, "/jobs", jobBody("extract"), http.StatusConflict},
		{"invalid cron", http.MethodPost, "/jobs", badCron, http.StatusBadRequest},
		{"unknown dependency", http.MethodPost, "/jobs", jobBody("orphan", "ghost"), http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/jobs", "not an object", http.StatusBadRequest},
		{"cycle", http.MethodPut, "/jobs/extract", jobBody("extract", "report"), http.StatusConflict},
		{"path mismatch", http.MethodPut, "/jobs/extract", jobBody("report"), http.StatusBadRequest},
		{"dependency in use", http.MethodDelete, "/jobs/extract", nil, http.StatusConflict},
		{"unknown status filter", http.MethodGet, "/executions?status=paused", nil, http.StatusBadRequest},
		{"missing execution", http.MethodGet, "/executions/nope", nil, http.StatusNotFound},
		{"trigger while stopped", http.MethodPost, "/scheduler/trigger", nil, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := s.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
			assert.NotEmpty(t, decode[map[string]string](t, rr)["error"])
		})
	}
}

func TestUpdateEnableDelete(t *testing.T) {
	s := setupTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/jobs", jobBody("extract")).Code)

	body := jobBody("extract")
	body["priority"] = "critical"
	rr := s.do(t, http.MethodPut, "/jobs/extract", body)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "critical", decode[JobResponse](t, rr).Priority)

	rr = s.do(t, http.MethodPost, "/jobs/extract/disable", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	disabled := decode[JobResponse](t, rr)
	assert.False(t, disabled.Enabled)
	assert.Nil(t, disabled.NextRun)

	rr = s.do(t, http.MethodPost, "/jobs/extract/enable", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decode[JobResponse](t, rr).Enabled)

	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/jobs/extract", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/jobs/extract", nil).Code)
}

func TestSchedulerLifecycleAndExecutions(t *testing.T) {
	s := setupTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/jobs", jobBody("extract")).Code)

	rr := s.do(t, http.MethodPost, "/scheduler/start", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/scheduler/start", nil).Code)

	s.clock.Advance(time.Minute)
	rr = s.do(t, http.MethodPost, "/scheduler/trigger", nil)
	require.Equal(t, http.StatusAccepted, rr.Code)

	require.Eventually(t, func() bool {
		return len(s.d.Executions("completed")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	rr = s.do(t, http.MethodGet, "/jobs/extract/executions", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 1, decode[map[string]interface{}](t, rr)["count"])

	rr = s.do(t, http.MethodGet, "/executions?status=completed", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[struct {
		Executions []struct {
			ID     string `json:"id"`
			JobID  string `json:"job_id"`
			Status string `json:"status"`
		} `json:"executions"`
	}](t, rr)
	require.Len(t, list.Executions, 1)
	assert.Equal(t, "extract", list.Executions[0].JobID)

	rr = s.do(t, http.MethodGet, "/executions/"+list.Executions[0].ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = s.do(t, http.MethodGet, "/scheduler", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	status := decode[SchedulerStatus](t, rr)
	assert.True(t, status.Running)
	assert.Equal(t, 1, status.Jobs)

	rr = s.do(t, http.MethodGet, "/audit", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 0, decode[map[string]interface{}](t, rr)["count"])

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/scheduler/stop", nil).Code)
	assert.False(t, s.d.IsRunning())
}
