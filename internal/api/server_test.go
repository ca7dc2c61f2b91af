package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cooldownd/internal/audit"
	"cooldownd/internal/config"
	"cooldownd/internal/engine"
	"cooldownd/internal/events"
	"cooldownd/internal/metrics"
)

type fixture struct {
	handler http.Handler
	cfg     *config.Manager
	svc     *engine.Service
	events  *events.Store
	metrics *metrics.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithClock(t, engine.SystemClock{})
}

func newFixtureWithClock(t *testing.T, clock engine.Clock) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Cooldowns.Actions = map[string]config.Duration{"kit": config.Duration(time.Minute)}
	manager := config.NewStaticManager(cfg)
	ev := events.NewStore(100)
	ms := metrics.NewStore(100)
	pipeline := audit.NewPipeline(ev, ms, nil, 16, nil)
	svc := engine.NewService(engine.NewRegistry(4), clock, nil, engine.WithRecorder(pipeline))
	srv := NewServer(manager, svc, ev, ms, nil, nil, "test")
	return &fixture{handler: srv.Routes(), cfg: manager, svc: svc, events: ev, metrics: ms}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	rec, body := f.do(t, http.MethodGet, "/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestConsumeLifecycle(t *testing.T) {
	f := newFixture(t)
	actor := uuid.NewString()
	path := "/cooldowns/" + actor + "/kit"

	rec, body := f.do(t, http.MethodPost, path, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["granted"])

	rec, body = f.do(t, http.MethodPost, path, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, false, body["granted"])
	assert.Greater(t, body["remaining_ms"].(float64), float64(0))

	rec, body = f.do(t, http.MethodGet, path, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["active"])
	assert.NotNil(t, body["until"])

	rec, body = f.do(t, http.MethodGet, "/cooldowns/"+actor, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])

	rec, _ = f.do(t, http.MethodDelete, path, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	_, body = f.do(t, http.MethodGet, path, "")
	assert.Equal(t, false, body["active"])
	assert.Equal(t, float64(0), body["remaining_ms"])
}

func TestConsumeWithExplicitDuration(t *testing.T) {
	f := newFixture(t)
	actor := uuid.NewString()
	rec, _ := f.do(t, http.MethodPost, "/cooldowns/"+actor+"/heal", `{"duration":"2h"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	_, body := f.do(t, http.MethodGet, "/cooldowns/"+actor+"/heal", "")
	assert.Greater(t, body["remaining_ms"].(float64), float64(time.Hour.Milliseconds()))
}

func TestBadInput(t *testing.T) {
	f := newFixture(t)
	rec, body := f.do(t, http.MethodGet, "/cooldowns/not-a-uuid/kit", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEmpty(t, body["error"])

	rec, _ = f.do(t, http.MethodPost, "/cooldowns/"+uuid.NewString()+"/kit", `{"duration":"-5s"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/commands", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClearActor(t *testing.T) {
	f := newFixture(t)
	actor := uuid.NewString()
	f.do(t, http.MethodPost, "/cooldowns/"+actor+"/kit", "")
	f.do(t, http.MethodPost, "/cooldowns/"+actor+"/heal", "")

	rec, body := f.do(t, http.MethodDelete, "/cooldowns/"+actor, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["cleared"])
	assert.Equal(t, 0, f.svc.Len())
}

func TestCommandsBatch(t *testing.T) {
	f := newFixture(t)
	actor := uuid.NewString()
	payload := `[
		{"op":"consume","actor":"` + actor + `","action":"kit"},
		{"op":"consume","actor":"` + actor + `","action":"kit"},
		{"op":"explode","actor":"` + actor + `","action":"kit"},
		{"op":"clear","actor":"` + actor + `"}
	]`
	rec, body := f.do(t, http.MethodPost, "/commands", payload)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), body["accepted"])
	assert.Equal(t, float64(1), body["failed"])

	results := body["results"].([]any)
	assert.Equal(t, true, results[0].(map[string]any)["granted"])
	assert.Equal(t, false, results[1].(map[string]any)["granted"])
	assert.Equal(t, float64(1), results[2].(map[string]any)["cleared"])

	rec, body = f.do(t, http.MethodPost, "/commands", `{"actor":"`+actor+`","action":"kit","ttl":30}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["accepted"])
}

func TestEventsAndMetrics(t *testing.T) {
	f := newFixture(t)
	actor := uuid.NewString()
	f.do(t, http.MethodPost, "/cooldowns/"+actor+"/kit", "")
	f.do(t, http.MethodPost, "/cooldowns/"+actor+"/kit", "")

	rec, body := f.do(t, http.MethodGet, "/events?limit=1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])

	_, body = f.do(t, http.MethodGet, "/events?actor="+actor, "")
	assert.Equal(t, float64(2), body["count"])

	_, body = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, float64(1), body["entries"])
	snapshot := body["metrics"].(map[string]any)
	kit := snapshot["actions"].(map[string]any)["kit"].(map[string]any)
	assert.Equal(t, float64(1), kit["consumed"])
	assert.Equal(t, float64(1), kit["rejected"])

	rec, _ = f.do(t, http.MethodPost, "/admin/clear", `{"target":"events"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, f.events.Len())

	rec, _ = f.do(t, http.MethodPost, "/admin/clear", `{"target":"everything"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuditDisabled(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(t, http.MethodGet, "/audit", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateActions(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(t, http.MethodPost, "/config/actions", `{"default_duration":"10s","actions":{"kit":"2m"," ":"1s"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	cfg := f.cfg.Get()
	assert.Equal(t, 2*time.Minute, cfg.ActionDuration("kit"))
	assert.Equal(t, 10*time.Second, cfg.ActionDuration("other"))
	assert.Len(t, cfg.Cooldowns.Actions, 1)

	rec, body := f.do(t, http.MethodGet, "/config/actions", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2m0s", body["actions"].(map[string]any)["kit"])

	rec, _ = f.do(t, http.MethodPost, "/config/actions", `{"actions":{"kit":"-1s"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListActorUsesServiceClock(t *testing.T) {
	frozen := time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC)
	f := newFixtureWithClock(t, engine.ClockFunc(func() time.Time { return frozen }))
	actor := uuid.NewString()
	rec, _ := f.do(t, http.MethodPost, "/cooldowns/"+actor+"/kit", `{"duration":"90s"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := f.do(t, http.MethodGet, "/cooldowns/"+actor, "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := body["cooldowns"].([]any)
	require.Len(t, list, 1)
	kit := list[0].(map[string]any)
	assert.Equal(t, float64(90000), kit["remaining_ms"])
	assert.Equal(t, "1m30s", kit["remaining"])
}

func TestEventsLimitAppliesToFilters(t *testing.T) {
	f := newFixture(t)
	actor := uuid.NewString()
	for i := 0; i < 3; i++ {
		f.do(t, http.MethodPost, "/cooldowns/"+actor+"/kit", "")
	}

	_, body := f.do(t, http.MethodGet, "/events?actor="+actor+"&limit=2", "")
	assert.Equal(t, float64(2), body["count"])

	since := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	_, body = f.do(t, http.MethodGet, "/events?since="+since+"&limit=1", "")
	assert.Equal(t, float64(1), body["count"])
	events := body["events"].([]any)
	assert.Equal(t, "rejected", events[0].(map[string]any)["kind"])

	_, body = f.do(t, http.MethodGet, "/events?since="+since, "")
	assert.Equal(t, float64(3), body["count"])
}

func TestConsumeNotifyWithoutScheduler(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(t, http.MethodPost, "/cooldowns/"+uuid.NewString()+"/kit", `{"notify":true}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, 0, f.svc.Len())
}
