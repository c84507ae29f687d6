package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opsboard/opsboard/internal/app/completion"
	"github.com/opsboard/opsboard/internal/app/feed"
	"github.com/opsboard/opsboard/internal/app/refresh"
	"github.com/opsboard/opsboard/internal/app/resolver"
	"github.com/opsboard/opsboard/internal/app/schedule"
	"github.com/opsboard/opsboard/internal/domain"
	"github.com/opsboard/opsboard/internal/health"
	"github.com/opsboard/opsboard/internal/infra/objectstore"
	"github.com/opsboard/opsboard/internal/infra/records"
	"github.com/opsboard/opsboard/internal/infra/sqlite"
)

const (
	tenant  = "tenant-1"
	baseURL = "http://example.test/files"
)

// day is today so that follow-ups created during a test land in the
// fetch window.
var day = time.Now().UTC().Format(schedule.DateLayout)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()

	db, err := sqlite.Open(filepath.Join(dir, "db"))
	if err != nil {
		t.Fatalf("Open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	objects, err := objectstore.NewLocal(filepath.Join(dir, "files"), baseURL)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	repo := records.New(db)
	seed(t, repo)

	hub := refresh.NewHub()
	pipeline := completion.NewPipeline(repo, objects, "", hub)
	manager := completion.NewManager(repo, resolver.New(repo), pipeline)

	srv := NewServer(feed.NewService(repo, hub, 0, 0), manager)
	srv.SetHub(hub)
	srv.SetFilesDir(objects.Root())
	srv.SetLocation(time.UTC)
	checker := health.NewChecker(db, objects.Root(), nil)
	checker.RunOnce(context.Background())
	srv.SetHealth(checker)
	srv.EnableMetrics()
	return srv
}

func seed(t *testing.T, repo *records.Repository) {
	t.Helper()
	ctx := context.Background()
	scope := domain.Scope{TenantID: tenant, SiteID: "s1"}
	if _, err := repo.InsertAsset(ctx, scope, domain.Asset{
		ID:    "fridge",
		Name:  "Walk-in fridge",
		Range: domain.TempRange{Min: domain.Float(2), Max: domain.Float(8)},
	}); err != nil {
		t.Fatalf("InsertAsset: %v", err)
	}
	if _, err := repo.InsertTemplate(ctx, scope, domain.Template{
		ID:             "tmpl-one",
		Name:           "Fridge check",
		Features:       domain.FeatureFlags{Temperature: true, Checklist: true},
		Equipment:      []domain.EquipmentEntry{{AssetID: "fridge"}},
		ChecklistItems: []string{"Door seal intact"},
	}); err != nil {
		t.Fatalf("InsertTemplate: %v", err)
	}
	for _, task := range []domain.Task{
		{ID: "t-one", TemplateID: "tmpl-one", ChecklistID: "cl-1", Name: "Fridge check", DueDate: day, Daypart: "before_open"},
		{ID: "t-photo", Name: "Photo of pass", DueDate: day, Daypart: "after_service", Features: &domain.FeatureFlags{Photo: true}},
	} {
		if _, err := repo.InsertTask(ctx, scope, task); err != nil {
			t.Fatalf("InsertTask: %v", err)
		}
	}
}

func do(t *testing.T, h http.Handler, method, path, tenantID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tenantID != "" {
		req.Header.Set(TenantHeader, tenantID)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

type errorBody struct {
	Error struct {
		Message   string   `json:"message"`
		Type      string   `json:"type"`
		Assets    []string `json:"assets"`
		Failed    []string `json:"failed"`
		Retryable bool     `json:"retryable"`
	} `json:"error"`
}

func openSession(t *testing.T, h http.Handler, taskID string) completion.Snapshot {
	t.Helper()
	w := do(t, h, "POST", "/api/sites/s1/tasks/"+taskID+"/sessions", tenant, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("open session: status = %d, body %s", w.Code, w.Body.String())
	}
	return decode[completion.Snapshot](t, w)
}

// ─── Health ─────────────────────────────────────────────────────────────────

func TestAPI_Health(t *testing.T) {
	h := newTestServer(t).Handler()

	w := do(t, h, "GET", "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("/health status = %d", w.Code)
	}

	w = do(t, h, "GET", "/api/health/checks", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("/api/health/checks status = %d, body %s", w.Code, w.Body.String())
	}
	body := decode[struct {
		Healthy bool            `json:"healthy"`
		Checks  []health.Status `json:"checks"`
	}](t, w)
	if !body.Healthy || len(body.Checks) != 2 {
		t.Errorf("health = %+v", body)
	}
}

func TestAPI_Metrics(t *testing.T) {
	h := newTestServer(t).Handler()
	w := do(t, h, "GET", "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("/metrics status = %d", w.Code)
	}
}

// ─── Tasks ──────────────────────────────────────────────────────────────────

func TestAPI_ListTasks(t *testing.T) {
	h := newTestServer(t).Handler()

	w := do(t, h, "GET", "/api/sites/s1/tasks?date="+day, tenant, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	f := decode[feed.Feed](t, w)
	if len(f.Active) != 2 || f.Active[0].Task.ID != "t-one" {
		t.Errorf("Active = %+v", f.Active)
	}
	if f.Active[0].DueTime != "08:00" {
		t.Errorf("t-one due time = %q, want 08:00", f.Active[0].DueTime)
	}
}

func TestAPI_ListTasks_Errors(t *testing.T) {
	h := newTestServer(t).Handler()

	tests := []struct {
		name   string
		path   string
		tenant string
		status int
		typ    string
	}{
		{"missing tenant", "/api/sites/s1/tasks?date=" + day, "", http.StatusBadRequest, "missing_tenant"},
		{"bad date", "/api/sites/s1/tasks?date=10/01/2024", tenant, http.StatusBadRequest, "invalid_date"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, "GET", tt.path, tt.tenant, nil)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			if body := decode[errorBody](t, w); body.Error.Type != tt.typ {
				t.Errorf("type = %q, want %q", body.Error.Type, tt.typ)
			}
		})
	}
}

func TestAPI_OpenSession_UnknownTask(t *testing.T) {
	h := newTestServer(t).Handler()
	w := do(t, h, "POST", "/api/sites/s1/tasks/nope/sessions", tenant, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

// ─── Completion flow ────────────────────────────────────────────────────────

func TestAPI_OutOfRangeFlow(t *testing.T) {
	h := newTestServer(t).Handler()
	sess := openSession(t, h, "t-one")
	base := "/api/sessions/" + sess.ID

	if len(sess.Assets) != 1 || sess.Assets[0].State != completion.StateMissing {
		t.Fatalf("assets = %+v", sess.Assets)
	}

	w := do(t, h, "PUT", base+"/temperatures/fridge", tenant, map[string]any{"text": "10,5"})
	if w.Code != http.StatusOK {
		t.Fatalf("set temperature: %d %s", w.Code, w.Body.String())
	}
	if snap := decode[completion.Snapshot](t, w); snap.Assets[0].State != completion.StateUnhandled {
		t.Errorf("state = %s, want unhandled", snap.Assets[0].State)
	}

	w = do(t, h, "POST", base+"/submit", tenant, map[string]any{"completed_by": "sam"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("blocked submit: status = %d, want 422", w.Code)
	}
	if body := decode[errorBody](t, w); body.Error.Type != "unhandled_out_of_range" || len(body.Error.Assets) != 1 {
		t.Errorf("error = %+v", body.Error)
	}

	w = do(t, h, "PUT", base+"/actions/fridge", tenant, map[string]any{"kind": "shrug"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid kind: status = %d, want 400", w.Code)
	}
	w = do(t, h, "PUT", base+"/actions/fridge", tenant, map[string]any{"kind": "monitor", "recheck_minutes": 30})
	if w.Code != http.StatusOK {
		t.Fatalf("choose action: %d %s", w.Code, w.Body.String())
	}
	if snap := decode[completion.Snapshot](t, w); snap.Assets[0].State != completion.StateHandled {
		t.Errorf("state = %s, want handled", snap.Assets[0].State)
	}

	w = do(t, h, "PUT", base+"/checklist/0", tenant, map[string]any{"completed": true})
	if w.Code != http.StatusOK {
		t.Errorf("checklist: %d", w.Code)
	}
	w = do(t, h, "PUT", base+"/checklist/3", tenant, map[string]any{"completed": true})
	if w.Code != http.StatusBadRequest {
		t.Errorf("checklist out of range: %d, want 400", w.Code)
	}

	w = do(t, h, "POST", base+"/submit", tenant, map[string]any{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("submit without completed_by: %d, want 400", w.Code)
	}

	w = do(t, h, "POST", base+"/submit", tenant, map[string]any{"completed_by": "sam"})
	if w.Code != http.StatusCreated {
		t.Fatalf("submit: %d %s", w.Code, w.Body.String())
	}
	res := decode[completion.Result](t, w)
	if !res.FollowUpTaskCreated || res.CompletedTaskID != "t-one" {
		t.Errorf("result = %+v", res)
	}

	w = do(t, h, "GET", "/api/sites/s1/tasks?date="+day, tenant, nil)
	f := decode[feed.Feed](t, w)
	if len(f.Completed) != 1 || f.Completed[0].Task.ID != "t-one" {
		t.Errorf("Completed = %+v", f.Completed)
	}
	if len(f.FollowUps) != 1 || f.FollowUps[0].Task.FollowUpOf != "t-one" {
		t.Errorf("FollowUps = %+v", f.FollowUps)
	}

	w = do(t, h, "GET", base, tenant, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("session after submit: %d, want 404", w.Code)
	}
}

func TestAPI_PhotoUpload(t *testing.T) {
	h := newTestServer(t).Handler()
	sess := openSession(t, h, "t-photo")
	base := "/api/sessions/" + sess.ID

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("photo", "pass.jpg")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte("jpeg-bytes"))
	mw.Close()

	req := httptest.NewRequest("POST", base+"/photos", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(TenantHeader, tenant)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("add photo: %d %s", w.Code, w.Body.String())
	}

	w = do(t, h, "POST", base+"/submit", tenant, map[string]any{"completed_by": "sam"})
	if w.Code != http.StatusCreated {
		t.Fatalf("submit: %d %s", w.Code, w.Body.String())
	}
	res := decode[completion.Result](t, w)
	if len(res.Record.PhotoURLs) != 1 || !strings.HasPrefix(res.Record.PhotoURLs[0], baseURL+"/task-photos/") {
		t.Fatalf("PhotoURLs = %v", res.Record.PhotoURLs)
	}

	path := strings.TrimPrefix(res.Record.PhotoURLs[0], "http://example.test")
	w = do(t, h, "GET", path, "", nil)
	if w.Code != http.StatusOK || w.Body.String() != "jpeg-bytes" {
		t.Errorf("GET %s: %d %q", path, w.Code, w.Body.String())
	}
}

func TestAPI_SessionIsolationAndCancel(t *testing.T) {
	h := newTestServer(t).Handler()
	sess := openSession(t, h, "t-one")
	base := "/api/sessions/" + sess.ID

	if w := do(t, h, "GET", base, "tenant-2", nil); w.Code != http.StatusNotFound {
		t.Errorf("other tenant GET: %d, want 404", w.Code)
	}
	if w := do(t, h, "GET", base, tenant, nil); w.Code != http.StatusOK {
		t.Errorf("GET: %d, want 200", w.Code)
	}
	if w := do(t, h, "DELETE", base, tenant, nil); w.Code != http.StatusNoContent {
		t.Errorf("DELETE: %d, want 204", w.Code)
	}
	if w := do(t, h, "GET", base, tenant, nil); w.Code != http.StatusNotFound {
		t.Errorf("GET after cancel: %d, want 404", w.Code)
	}
}

func TestAPI_ActionOnInRangeReading(t *testing.T) {
	h := newTestServer(t).Handler()
	sess := openSession(t, h, "t-one")
	base := "/api/sessions/" + sess.ID

	do(t, h, "PUT", base+"/temperatures/fridge", tenant, map[string]any{"value": 4})
	w := do(t, h, "PUT", base+"/actions/fridge", tenant, map[string]any{"kind": "callout"})
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
	if body := decode[errorBody](t, w); body.Error.Type != "not_out_of_range" {
		t.Errorf("type = %q", body.Error.Type)
	}
}

// ─── Stream ─────────────────────────────────────────────────────────────────

func TestAPI_TaskStream(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/api/sites/s1/tasks/stream?date="+day, nil)
	req.Header.Set(TenantHeader, tenant)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	events := make(chan string, 4)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			if line := sc.Text(); strings.HasPrefix(line, "data: ") {
				events <- strings.TrimPrefix(line, "data: ")
			}
		}
		close(events)
	}()

	next := func() feed.Feed {
		t.Helper()
		select {
		case data, ok := <-events:
			if !ok {
				t.Fatal("stream closed")
			}
			var f feed.Feed
			if err := json.Unmarshal([]byte(data), &f); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			return f
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for event")
		}
		return feed.Feed{}
	}

	if f := next(); len(f.Active) != 2 {
		t.Fatalf("initial Active = %d, want 2", len(f.Active))
	}

	w := do(t, srv.Handler(), "POST", "/api/sites/s1/refresh", tenant, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("refresh: %d", w.Code)
	}
	if f := next(); f.Date != day {
		t.Errorf("refreshed feed date = %q", f.Date)
	}
}

func TestAPI_TaskStreamEndsOnDrain(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req, _ := http.NewRequest("GET", ts.URL+"/api/sites/s1/tasks/stream?date="+day, nil)
	req.Header.Set(TenantHeader, tenant)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	closed := make(chan int)
	go func() {
		n := 0
		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			if strings.HasPrefix(sc.Text(), "event: ") {
				n++
			}
		}
		closed <- n
	}()

	// Give the handler time to send the initial feed.
	time.Sleep(100 * time.Millisecond)
	srv.Drain()
	srv.Drain()

	select {
	case n := <-closed:
		if n < 1 {
			t.Errorf("stream sent %d events before closing, want at least 1", n)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stream still open after Drain()")
	}
}
