package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"dutyline/internal/config"
	"dutyline/internal/db"
	"dutyline/internal/domain"
	"dutyline/internal/engine"
	"dutyline/internal/migrate"
)

var t0 = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("fleet-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	e.Now = func() time.Time { return t0 }
	if _, err := e.InitFleet(context.Background(), cfg.Fleet.ID, "test fleet", "tester"); err != nil {
		t.Fatalf("init fleet: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func ts(h float64) string {
	return t0.Add(time.Duration(h * float64(time.Hour))).Format(time.RFC3339)
}

func TestTransitionAndQueryFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/drivers/drv-1/duty-status", map[string]any{
		"new_status": "driving",
		"location":   "Oakland, CA",
		"timestamp":  ts(0),
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d: %s", res.StatusCode, data)
	}
	var tr TransitionResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if tr.State.CurrentStatus != domain.StatusDriving {
		t.Fatalf("state = %+v", tr.State)
	}
	if tr.Interval.Location != "Oakland, CA" {
		t.Fatalf("interval = %+v", tr.Interval)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/drivers/drv-1/hos?as_of="+ts(2), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("hos status = %d: %s", res.StatusCode, data)
	}
	var state domain.HOSState
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if state.RemainingDriveHours != 9 {
		t.Fatalf("remaining drive = %v, want 9", state.RemainingDriveHours)
	}
}

func TestNoOpTransitionReturnsConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/drivers/drv-1/duty-status", map[string]any{
		"new_status": "driving", "timestamp": ts(0),
	}, nil)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/drivers/drv-1/duty-status", map[string]any{
		"new_status": "driving", "timestamp": ts(1),
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("code = %s", envelope.Error.Code)
	}
}

func TestClockSkewReturnsBadRequest(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/drivers/drv-1/duty-status", map[string]any{
		"new_status": "driving", "timestamp": ts(5),
	}, nil)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/drivers/drv-1/duty-status", map[string]any{
		"new_status": "off_duty", "timestamp": ts(4),
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if envelope.Error.Code != "clock_skew" {
		t.Fatalf("code = %s", envelope.Error.Code)
	}
}

func TestUnknownDriverQueriesReturnDefaults(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/drivers/ghost/duty-status", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", res.StatusCode, data)
	}
	var out DutyStatusResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.State.CurrentStatus != domain.StatusOffDuty {
		t.Fatalf("status = %s, want off_duty", out.State.CurrentStatus)
	}
	if out.Interval != nil {
		t.Fatalf("open interval = %+v, want none", out.Interval)
	}
}

func TestViolationLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/drivers/drv-1/duty-status", map[string]any{
		"new_status": "driving", "timestamp": ts(0),
	}, nil)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/drivers/drv-1/hos/check?as_of="+ts(9), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("check status = %d: %s", res.StatusCode, data)
	}
	var check CheckResponse
	if err := json.Unmarshal(data, &check); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(check.NewViolations) == 0 {
		t.Fatalf("want violations after 9h driving, got %s", data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/drivers/drv-1/violations?open=true", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d: %s", res.StatusCode, data)
	}
	var open []domain.Violation
	if err := json.Unmarshal(data, &open); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(open) == 0 {
		t.Fatal("no open violations listed")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/violations/"+open[0].ID+"/resolve", nil, map[string]string{"X-Actor": "dispatcher"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve status = %d: %s", res.StatusCode, data)
	}
	var resolved domain.Violation
	if err := json.Unmarshal(data, &resolved); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resolved.ResolvedAt == nil {
		t.Fatal("violation not resolved")
	}
}

func TestExportLogsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for _, step := range []struct {
		status string
		at     float64
	}{
		{"off_duty", 0}, {"driving", 7}, {"on_duty_not_driving", 9.5}, {"off_duty", 10},
	} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/drivers/drv-1/duty-status", map[string]any{
			"new_status": step.status, "timestamp": ts(step.at),
		}, nil)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("transition %s: %d %s", step.status, res.StatusCode, data)
		}
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/drivers/drv-1/logs?from="+ts(0)+"&to="+ts(10), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", res.StatusCode, data)
	}
	var out engine.Export
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Summary.TotalOffDutyHours != 7 || out.Summary.TotalDrivingHours != 2.5 || out.Summary.TotalOnDutyHours != 0.5 {
		t.Fatalf("summary = %+v", out.Summary)
	}
}

func TestFleetConfigRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/fleets/fleet-1/config", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get config = %d: %s", res.StatusCode, data)
	}
	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cfg.Rules.DriveLimitHours != 11 {
		t.Fatalf("drive limit = %v", cfg.Rules.DriveLimitHours)
	}

	// switch to the 60h/7d rule
	cfg.Rules.Cycle.LimitHours = 60
	cfg.Rules.Cycle.Days = 7
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/fleets/fleet-1/config", cfg, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("put config = %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/fleets/fleet-1/config", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get config = %d: %s", res.StatusCode, data)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cfg.Rules.Cycle.LimitHours != 60 || cfg.Rules.Cycle.Days != 7 {
		t.Fatalf("cycle = %+v", cfg.Rules.Cycle)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health = %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics = %d", res.StatusCode)
	}
}
