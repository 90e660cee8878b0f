package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/nhle/taskbot/internal/ledger"
	"github.com/nhle/taskbot/internal/model"
	"github.com/nhle/taskbot/internal/reservation"
	"github.com/nhle/taskbot/internal/scheduler"
	"github.com/nhle/taskbot/internal/service"
	"github.com/nhle/taskbot/internal/store"
	"github.com/nhle/taskbot/tests/testutil"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) (*httptest.Server, *testutil.RecordingGateway) {
	t.Helper()
	repo := testutil.NewTestRepository(t)
	testutil.Seed(t, repo, &store.Snapshot{
		Users: []model.User{{ID: 5, Username: "ann", Roles: []string{"coder"}}},
		Tasks: []model.Task{{ID: 3, Project: "Core", Title: "Parser", Type: "coder", EstimatedDays: 2}},
		Events: []model.Event{
			{ID: 1, Kind: model.EventKindMeeting, Title: "Sync", Datetime: model.FormatTimestamp(now.Add(24 * time.Hour)), NotifyUsers: true},
		},
	})

	gw := testutil.NewRecordingGateway()
	logger, _ := logtest.NewNullLogger()
	clock := func() time.Time { return now }
	sched := scheduler.New(repo, gw, logger, scheduler.Options{Now: clock})
	wf := reservation.New(repo, logger, reservation.Options{Now: clock})
	svc := service.New(repo, ledger.New(repo, logger), gw, logger, clock)

	ts := httptest.NewServer(NewServer(sched, wf, svc, logger).Router())
	t.Cleanup(ts.Close)
	return ts, gw
}

func do(t *testing.T, method, url, body string, out interface{}) int {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)
	var body map[string]string
	if code := do(t, http.MethodGet, ts.URL+"/healthz", "", &body); code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected health %d %v", code, body)
	}
}

func TestSchedulerRunAndStatus(t *testing.T) {
	ts, gw := newTestServer(t)

	var pass passResponse
	if code := do(t, http.MethodPost, ts.URL+"/scheduler/run", "", &pass); code != http.StatusOK {
		t.Fatalf("run returned %d", code)
	}
	if pass.Reminders24h != 1 || pass.Sent != 1 || !pass.Persisted {
		t.Fatalf("unexpected pass %+v", pass)
	}
	if gw.Count() != 1 {
		t.Fatalf("expected one reminder delivered")
	}

	var st statusResponse
	do(t, http.MethodGet, ts.URL+"/scheduler/status", "", &st)
	if st.State != "idle" || st.Passes != 1 || st.LastRun == nil || st.Last.Reminders24h != 1 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestReservationOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t)

	var out outcomeResponse
	do(t, http.MethodPost, ts.URL+"/reservations/5", "", &out)
	if out.Awaiting != "select-project" || len(out.Choices) != 1 || out.Choices[0] != "Core" {
		t.Fatalf("unexpected begin %+v", out)
	}

	steps := []struct {
		text, awaiting, result string
	}{
		{"Core", "select-task", ""},
		{"3", "confirm", ""},
		{"yes", "", "reserved"},
	}
	for _, step := range steps {
		out = outcomeResponse{}
		do(t, http.MethodPost, ts.URL+"/reservations/5/input", `{"text":"`+step.text+`"}`, &out)
		if out.Awaiting != step.awaiting || out.Result != step.result {
			t.Fatalf("after %q: got %+v", step.text, out)
		}
	}

	var tasks []model.Task
	if code := do(t, http.MethodGet, ts.URL+"/users/5/tasks", "", &tasks); code != http.StatusOK {
		t.Fatalf("tasks returned %d", code)
	}
	if len(tasks) != 1 || tasks[0].ID != 3 || tasks[0].Deadline == nil {
		t.Fatalf("unexpected tasks %+v", tasks)
	}
}

func TestBadRequests(t *testing.T) {
	ts, _ := newTestServer(t)

	if code := do(t, http.MethodPost, ts.URL+"/reservations/abc", "", nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", code)
	}
	if code := do(t, http.MethodPost, ts.URL+"/reservations/5/input", "{", nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad body, got %d", code)
	}
	if code := do(t, http.MethodGet, ts.URL+"/users/77/tasks", "", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown user, got %d", code)
	}
	if code := do(t, http.MethodGet, ts.URL+"/scheduler/run", "", nil); code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", code)
	}
}
