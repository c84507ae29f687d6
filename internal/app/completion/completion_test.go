package completion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opsboard/opsboard/internal/app/refresh"
	"github.com/opsboard/opsboard/internal/app/resolver"
	"github.com/opsboard/opsboard/internal/domain"
	"github.com/opsboard/opsboard/internal/infra/records"
	"github.com/opsboard/opsboard/internal/infra/sqlite"
)

var (
	scope    = domain.Scope{TenantID: "tenant-1", SiteID: "s1"}
	fixedNow = time.Date(2024, 1, 10, 9, 15, 0, 0, time.UTC)
)

// ─── Fakes ──────────────────────────────────────────────────────────────────

// countingStore counts write calls.
type countingStore struct {
	domain.RowStore
	writes atomic.Int64
}

func (c *countingStore) Insert(ctx context.Context, s domain.Scope, table string, rows ...domain.Row) ([]domain.Row, error) {
	c.writes.Add(1)
	return c.RowStore.Insert(ctx, s, table, rows...)
}

func (c *countingStore) Update(ctx context.Context, s domain.Scope, table string, where []domain.Cond, patch domain.Row) (int64, error) {
	c.writes.Add(1)
	return c.RowStore.Update(ctx, s, table, where, patch)
}

func (c *countingStore) Delete(ctx context.Context, s domain.Scope, table string, where []domain.Cond) (int64, error) {
	c.writes.Add(1)
	return c.RowStore.Delete(ctx, s, table, where)
}

// faultyDB fails inserts into failTable inside transactions.
type faultyDB struct {
	*sqlite.DB
	failTable string
}

func (f *faultyDB) InTx(ctx context.Context, fn func(tx domain.RowStore) error) error {
	fail := f.failTable
	return f.DB.InTx(ctx, func(tx domain.RowStore) error {
		return fn(&faultyTx{RowStore: tx, failTable: fail})
	})
}

type faultyTx struct {
	domain.RowStore
	failTable string
}

func (f *faultyTx) Insert(ctx context.Context, s domain.Scope, table string, rows ...domain.Row) ([]domain.Row, error) {
	if table == f.failTable {
		return nil, errors.New("connection reset by peer")
	}
	return f.RowStore.Insert(ctx, s, table, rows...)
}

// memObjects is an in-memory object store.
type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	uploads map[string]int
	fail    map[string]bool
	started chan struct{}
	block   chan struct{}
}

func newMemObjects() *memObjects {
	return &memObjects{
		objects: make(map[string][]byte),
		uploads: make(map[string]int),
		fail:    make(map[string]bool),
	}
}

func (m *memObjects) Upload(ctx context.Context, bucket, p string, r io.Reader) (string, error) {
	if m.started != nil {
		m.started <- struct{}{}
	}
	if m.block != nil {
		<-m.block
	}
	name := path.Base(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads[name]++
	if m.fail[name] {
		return "", fmt.Errorf("upload %s: bucket unavailable", name)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	m.objects[bucket+"/"+p] = data
	return m.PublicURL(bucket, p), nil
}

func (m *memObjects) PublicURL(bucket, p string) string {
	return "mem://" + bucket + "/" + p
}

func (m *memObjects) Remove(ctx context.Context, bucket, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, bucket+"/"+p)
	return nil
}

// ─── Fixture ────────────────────────────────────────────────────────────────

type fixture struct {
	db       *sqlite.DB
	objects  *memObjects
	hub      *refresh.Hub
	pipeline *Pipeline
	manager  *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	seed(t, records.New(db))

	f := &fixture{db: db, objects: newMemObjects(), hub: refresh.NewHub()}
	f.use(db)
	return f
}

// use rebuilds the pipeline and manager over store.
func (f *fixture) use(store domain.RowStore) {
	repo := records.New(store)
	f.pipeline = NewPipeline(repo, f.objects, "", f.hub)
	f.pipeline.now = func() time.Time { return fixedNow }
	f.manager = NewManager(repo, resolver.New(repo), f.pipeline)
}

func (f *fixture) open(t *testing.T, taskID, daypart string) *Session {
	t.Helper()
	s, err := f.manager.Open(context.Background(), scope, taskID, daypart)
	if err != nil {
		t.Fatalf("Open(%s, %q) error: %v", taskID, daypart, err)
	}
	return s
}

func (f *fixture) count(t *testing.T, table string) int {
	t.Helper()
	rows, err := f.db.Select(context.Background(), scope, domain.Query{Table: table})
	if err != nil {
		t.Fatalf("Select(%s) error: %v", table, err)
	}
	return len(rows)
}

func seed(t *testing.T, repo *records.Repository) {
	t.Helper()
	ctx := context.Background()
	assets := []domain.Asset{
		{ID: "fridge", Name: "Walk-in fridge", Range: domain.TempRange{Min: domain.Float(2), Max: domain.Float(8)}},
		{ID: "freezer", Name: "Chest freezer", Range: domain.TempRange{Min: domain.Float(-25), Max: domain.Float(-15)}},
	}
	for _, a := range assets {
		if _, err := repo.InsertAsset(ctx, scope, a); err != nil {
			t.Fatalf("InsertAsset() error: %v", err)
		}
	}
	templates := []domain.Template{
		{
			ID:             "tmpl-temps",
			Name:           "Opening temperatures",
			Features:       domain.FeatureFlags{Temperature: true, Checklist: true, YesNo: true},
			ChecklistItems: []string{"Doors sealed", "Probe cleaned"},
			YesNoItems:     []string{"Any spoiled stock?"},
			Equipment:      []domain.EquipmentEntry{{AssetID: "fridge"}, {AssetID: "freezer"}},
		},
		{
			ID:        "tmpl-one",
			Name:      "Fridge check",
			Features:  domain.FeatureFlags{Temperature: true},
			Equipment: []domain.EquipmentEntry{{AssetID: "fridge"}},
		},
	}
	for _, tmpl := range templates {
		if _, err := repo.InsertTemplate(ctx, scope, tmpl); err != nil {
			t.Fatalf("InsertTemplate() error: %v", err)
		}
	}
	tasks := []domain.Task{
		{ID: "t-temps", TemplateID: "tmpl-temps", ChecklistID: "cl-1", Name: "Opening temperatures", DueDate: "2024-01-10", Daypart: "before_open"},
		{ID: "t-one", TemplateID: "tmpl-one", ChecklistID: "cl-2", Name: "Fridge check", DueDate: "2024-01-10", Daypart: "during_service", DueTime: "12:00"},
		{
			ID:       "t-multi",
			Name:     "Wipe down",
			DueDate:  "2024-01-10",
			Features: &domain.FeatureFlags{Checklist: true},
			Metadata: domain.TaskMetadata{Dayparts: domain.DaypartList{FromArray: true, Entries: []domain.DaypartEntry{
				{Daypart: "before_open"}, {Daypart: "after_service"},
			}}},
		},
		{ID: "t-photo", Name: "Photo of pass", DueDate: "2024-01-10", Features: &domain.FeatureFlags{Photo: true}},
		{ID: "t-done", Name: "Already done", DueDate: "2024-01-10", Status: domain.TaskCompleted, CompletedAt: fixedNow, CompletedBy: "alex"},
	}
	for _, task := range tasks {
		if _, err := repo.InsertTask(ctx, scope, task); err != nil {
			t.Fatalf("InsertTask(%s) error: %v", task.ID, err)
		}
	}
}

// ─── Escalation ─────────────────────────────────────────────────────────────

func TestEscalation_MonitorHandlesOutOfRange(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "t-one", "")

	if err := s.SetTemperature("fridge", domain.Float(10)); err != nil {
		t.Fatalf("SetTemperature() error: %v", err)
	}
	if st, _ := s.State("fridge"); st != StateUnhandled {
		t.Fatalf("state = %s, want %s", st, StateUnhandled)
	}
	if err := s.ChooseMonitor("fridge", 60); err != nil {
		t.Fatalf("ChooseMonitor() error: %v", err)
	}
	if st, _ := s.State("fridge"); st != StateHandled {
		t.Fatalf("state = %s, want %s", st, StateHandled)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}
}

func TestEscalation_CorrectionClearsAction(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "t-one", "")

	_ = s.SetTemperature("fridge", domain.Float(10))
	if err := s.ChooseCallout("fridge", "compressor noisy"); err != nil {
		t.Fatalf("ChooseCallout() error: %v", err)
	}
	if err := s.SetTemperature("fridge", domain.Float(5)); err != nil {
		t.Fatalf("SetTemperature() error: %v", err)
	}

	snap := s.Snapshot()
	if _, ok := snap.Draft.Actions["fridge"]; ok {
		t.Error("action kept after the reading returned into range")
	}
	if snap.Assets[0].State != StateInRange {
		t.Errorf("state = %s, want %s", snap.Assets[0].State, StateInRange)
	}

	// Going out of range again starts unhandled.
	_ = s.SetTemperature("fridge", domain.Float(9))
	if st, _ := s.State("fridge"); st != StateUnhandled {
		t.Errorf("state = %s, want %s", st, StateUnhandled)
	}

	// Clearing the reading drops the action too.
	if err := s.ChooseCallout("fridge", "old"); err != nil {
		t.Fatalf("ChooseCallout() error: %v", err)
	}
	if err := s.SetTemperature("fridge", nil); err != nil {
		t.Fatalf("SetTemperature(nil) error: %v", err)
	}
	if _, ok := s.Snapshot().Draft.Actions["fridge"]; ok {
		t.Error("action kept after the reading was cleared")
	}
	_ = s.SetTemperature("fridge", domain.Float(25))
	if st, _ := s.State("fridge"); st != StateUnhandled {
		t.Errorf("state after clear and new reading = %s, want %s", st, StateUnhandled)
	}
}

func TestEscalation_Rules(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "t-one", "")

	if err := s.ChooseMonitor("fridge", 60); !errors.Is(err, domain.ErrNotOutOfRange) {
		t.Errorf("action without reading: error = %v, want ErrNotOutOfRange", err)
	}
	_ = s.SetTemperature("fridge", domain.Float(4))
	if err := s.ChooseCallout("fridge", ""); !errors.Is(err, domain.ErrNotOutOfRange) {
		t.Errorf("action on in-range reading: error = %v, want ErrNotOutOfRange", err)
	}

	_ = s.SetTemperature("fridge", domain.Float(-1))
	if err := s.ChooseMonitor("fridge", 45); !errors.Is(err, domain.ErrInvalidRecheckDelay) {
		t.Errorf("delay 45: error = %v, want ErrInvalidRecheckDelay", err)
	}
	if err := s.ChooseMonitor("fridge", 0); err != nil {
		t.Fatalf("ChooseMonitor(0) error: %v", err)
	}
	if got := s.Snapshot().Draft.Actions["fridge"].RecheckMinutes; got != domain.DefaultRecheckMinutes {
		t.Errorf("default delay = %d, want %d", got, domain.DefaultRecheckMinutes)
	}

	if err := s.ChooseCallout("fridge", "  "); err != nil {
		t.Fatalf("ChooseCallout() error: %v", err)
	}
	if got := s.Snapshot().Draft.Actions["fridge"].Kind; got != domain.ActionCallout {
		t.Errorf("kind = %s, want callout to replace monitor", got)
	}

	if err := s.RemoveAction("fridge"); err != nil {
		t.Fatalf("RemoveAction() error: %v", err)
	}
	if st, _ := s.State("fridge"); st != StateUnhandled {
		t.Errorf("state after remove = %s, want %s", st, StateUnhandled)
	}

	if err := s.ChooseAction("fridge", "ignore", 0, ""); !errors.Is(err, domain.ErrInvalidActionKind) {
		t.Errorf("ChooseAction(ignore) error = %v, want ErrInvalidActionKind", err)
	}
	if err := s.SetTemperature("oven", domain.Float(1)); !errors.Is(err, domain.ErrUnknownAsset) {
		t.Errorf("unknown asset: error = %v, want ErrUnknownAsset", err)
	}
}

// ─── Setters ────────────────────────────────────────────────────────────────

func TestSession_Setters(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "t-temps", "")

	if err := s.SetChecklistItemCompleted(1, true); err != nil {
		t.Fatalf("SetChecklistItemCompleted() error: %v", err)
	}
	if err := s.SetChecklistItemCompleted(2, true); !errors.Is(err, domain.ErrIndexOutOfRange) {
		t.Errorf("index 2: error = %v, want ErrIndexOutOfRange", err)
	}
	if err := s.SetYesNoAnswer(0, domain.AnswerNo); err != nil {
		t.Fatalf("SetYesNoAnswer() error: %v", err)
	}
	if err := s.SetYesNoAnswer(0, "maybe"); !errors.Is(err, domain.ErrInvalidAnswer) {
		t.Errorf("answer maybe: error = %v, want ErrInvalidAnswer", err)
	}
	if err := s.SetTemperatureText("freezer", "-18,5"); err != nil {
		t.Fatalf("SetTemperatureText() error: %v", err)
	}
	if err := s.SetTemperatureText("fridge", "cold"); !errors.Is(err, domain.ErrInvalidReading) {
		t.Errorf("text cold: error = %v, want ErrInvalidReading", err)
	}
	_ = s.SetNotes("all good")
	if _, err := s.AddPhoto(Photo{Name: "a.jpg"}); err != nil {
		t.Fatalf("AddPhoto() error: %v", err)
	}
	i, _ := s.AddPhoto(Photo{Name: "a.jpg"})
	if err := s.RemovePhoto(5); !errors.Is(err, domain.ErrIndexOutOfRange) {
		t.Errorf("RemovePhoto(5) error = %v, want ErrIndexOutOfRange", err)
	}

	snap := s.Snapshot()
	if !snap.Draft.Checklist[1] || snap.Draft.YesNo[0] != domain.AnswerNo || snap.Draft.Notes != "all good" {
		t.Errorf("draft = %+v", snap.Draft)
	}
	if r := snap.Draft.Readings["freezer"]; r == nil || *r != -18.5 {
		t.Errorf("freezer reading = %v, want -18.5", r)
	}
	if snap.ChecklistComplete || !snap.YesNoComplete {
		t.Errorf("complete = checklist %v, yes/no %v; want false, true", snap.ChecklistComplete, snap.YesNoComplete)
	}
	if snap.Draft.Photos[i].Name != "a.jpg-2" {
		t.Errorf("duplicate photo name = %q, want a.jpg-2", snap.Draft.Photos[i].Name)
	}

	// Snapshots are copies.
	*snap.Draft.Readings["freezer"] = 100
	if r := s.Snapshot().Draft.Readings["freezer"]; *r != -18.5 {
		t.Error("mutating a snapshot changed the session")
	}
}

func TestParseReading(t *testing.T) {
	tests := []struct {
		in      string
		want    *float64
		wantErr bool
	}{
		{"", nil, false},
		{"   ", nil, false},
		{"4", domain.Float(4), false},
		{"-18.5", domain.Float(-18.5), false},
		{"3,5", domain.Float(3.5), false},
		{"7°C", domain.Float(7), false},
		{"abc", nil, true},
	}
	for _, tt := range tests {
		got, err := ParseReading(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseReading(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if (got == nil) != (tt.want == nil) || (got != nil && *got != *tt.want) {
			t.Errorf("ParseReading(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// ─── Submission gate ────────────────────────────────────────────────────────

func TestSubmit_IncompleteReadingsWritesNothing(t *testing.T) {
	f := newFixture(t)
	counter := &countingStore{RowStore: f.db}
	f.use(counter)
	s := f.open(t, "t-temps", "")

	_ = s.SetTemperature("fridge", domain.Float(10))

	_, err := f.manager.Submit(context.Background(), scope, s.ID(), "sam")
	var ve *domain.ValidationError
	if !errors.As(err, &ve) || !errors.Is(err, domain.ErrIncompleteReadings) {
		t.Fatalf("Submit() error = %v, want IncompleteReadings", err)
	}
	if len(ve.Assets) != 1 || ve.Assets[0] != "freezer" {
		t.Errorf("Assets = %v, want [freezer]", ve.Assets)
	}
	if n := counter.writes.Load(); n != 0 {
		t.Errorf("writes = %d, want 0", n)
	}
	if s.Closed() {
		t.Error("session closed after a validation failure")
	}
}

func TestSubmit_UnhandledOutOfRangeWritesNothing(t *testing.T) {
	f := newFixture(t)
	counter := &countingStore{RowStore: f.db}
	f.use(counter)
	s := f.open(t, "t-temps", "")

	_ = s.SetTemperature("fridge", domain.Float(10))
	_ = s.SetTemperature("freezer", domain.Float(-20))

	_, err := f.manager.Submit(context.Background(), scope, s.ID(), "sam")
	var ve *domain.ValidationError
	if !errors.As(err, &ve) || !errors.Is(err, domain.ErrUnhandledOutOfRange) {
		t.Fatalf("Submit() error = %v, want UnhandledOutOfRange", err)
	}
	if len(ve.Assets) != 1 || ve.Assets[0] != "fridge" {
		t.Errorf("Assets = %v, want [fridge]", ve.Assets)
	}
	if n := counter.writes.Load(); n != 0 {
		t.Errorf("writes = %d, want 0", n)
	}

	// Handling the reading unblocks the same session.
	_ = s.ChooseCallout("fridge", "")
	if _, err := f.manager.Submit(context.Background(), scope, s.ID(), "sam"); err != nil {
		t.Fatalf("Submit() after handling error: %v", err)
	}
	if counter.writes.Load() == 0 {
		t.Error("successful submit wrote nothing")
	}
}

func TestSubmit_ChecklistCompletenessIsAdvisory(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "t-temps", "")
	_ = s.SetTemperature("fridge", domain.Float(4))
	_ = s.SetTemperature("freezer", domain.Float(-20))
	if snap := s.Snapshot(); snap.ChecklistComplete || snap.YesNoComplete {
		t.Errorf("nothing answered but complete = %v/%v", snap.ChecklistComplete, snap.YesNoComplete)
	}

	res, err := f.manager.Submit(context.Background(), scope, s.ID(), "sam")
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if len(res.Record.Answers.Checklist) != 2 || res.Record.Answers.Checklist[0].Completed {
		t.Errorf("checklist answers = %+v", res.Record.Answers.Checklist)
	}
	if len(res.Record.Answers.YesNo) != 1 || res.Record.Answers.YesNo[0].Answer != domain.AnswerUnset {
		t.Errorf("yes/no answers = %+v", res.Record.Answers.YesNo)
	}
}

// ─── Successful submission ──────────────────────────────────────────────────

func TestSubmit_MonitorCreatesFollowUp(t *testing.T) {
	f := newFixture(t)
	signals := f.hub.Subscribe(scope)
	defer f.hub.Unsubscribe(signals)

	s := f.open(t, "t-one", "")
	var callback SubmitSuccess
	s.OnSubmitSuccess = func(r SubmitSuccess) { callback = r }

	_ = s.SetTemperature("fridge", domain.Float(10))
	_ = s.ChooseMonitor("fridge", 60)

	res, err := f.manager.Submit(context.Background(), scope, s.ID(), "sam")
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if res.CompletedTaskID != "t-one" || res.TaskStatus != domain.TaskCompleted {
		t.Errorf("result = %+v", res)
	}
	if !res.FollowUpTaskCreated || len(res.FollowUpTaskIDs) != 1 {
		t.Fatalf("follow-ups = %v, want one", res.FollowUpTaskIDs)
	}
	if callback.CompletedTaskID != "t-one" || !callback.FollowUpTaskCreated {
		t.Errorf("callback = %+v", callback)
	}

	ctx := context.Background()
	repo := records.New(f.db)
	follow, err := repo.Task(ctx, scope, res.FollowUpTaskIDs[0])
	if err != nil {
		t.Fatalf("Task(follow-up) error: %v", err)
	}
	if !follow.IsFollowUp() || follow.FollowUpOf != "t-one" || follow.AssetID != "fridge" {
		t.Errorf("follow-up = %+v", follow)
	}
	if follow.DueDate != "2024-01-10" || follow.DueTime != "10:15" {
		t.Errorf("follow-up due %s %s, want 2024-01-10 10:15", follow.DueDate, follow.DueTime)
	}
	if follow.Features == nil || !follow.Features.Temperature {
		t.Errorf("follow-up features = %+v", follow.Features)
	}

	task, _ := repo.Task(ctx, scope, "t-one")
	if task.Status != domain.TaskCompleted || task.CompletedBy != "sam" || task.CompletedAt.IsZero() {
		t.Errorf("task = %+v", task)
	}

	logs, _ := repo.TemperatureLogs(ctx, scope, "fridge", 10)
	if len(logs) != 1 || logs[0].Status != domain.ReadingCritical || logs[0].AssetName != "Walk-in fridge" {
		t.Errorf("logs = %+v", logs)
	}
	actions, _ := f.db.Select(ctx, scope, domain.Query{Table: domain.TableRemediationActions})
	if len(actions) != 1 || actions[0].String("follow_up_task_id") != follow.ID || actions[0].String("kind") != "monitor" {
		t.Errorf("actions = %+v", actions)
	}
	if got := actions[0].Float("temp_max"); got == nil || *got != 8 {
		t.Errorf("action range snapshot max = %v, want 8", got)
	}

	select {
	case sig := <-signals:
		if sig.Reason != refresh.ReasonTaskCompleted || sig.TaskID != "t-one" || !sig.FollowUp {
			t.Errorf("signal = %+v", sig)
		}
	default:
		t.Error("no refresh signal published")
	}

	if f.manager.Len() != 0 {
		t.Errorf("open sessions = %d, want 0", f.manager.Len())
	}
	if _, err := f.manager.Get(scope, s.ID()); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("Get() after submit error = %v, want ErrSessionNotFound", err)
	}
}

func TestSubmit_MultiDaypartRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.manager.Open(ctx, scope, "t-multi", ""); !errors.Is(err, domain.ErrDaypartRequired) {
		t.Fatalf("Open without daypart error = %v, want ErrDaypartRequired", err)
	}
	if _, err := f.manager.Open(ctx, scope, "t-multi", "lunch"); !errors.Is(err, domain.ErrDaypartRequired) {
		t.Fatalf("Open unscheduled daypart error = %v, want ErrDaypartRequired", err)
	}

	s := f.open(t, "t-multi", "morning")
	if s.Daypart() != domain.DaypartBeforeOpen {
		t.Fatalf("Daypart() = %s, want before_open", s.Daypart())
	}
	res, err := f.manager.Submit(ctx, scope, s.ID(), "sam")
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if res.TaskStatus != domain.TaskInProgress {
		t.Errorf("status = %s, want in_progress", res.TaskStatus)
	}
	if res.Record.CompletedDaypart != domain.DaypartBeforeOpen {
		t.Errorf("completed daypart = %s", res.Record.CompletedDaypart)
	}

	if _, err := f.manager.Open(ctx, scope, "t-multi", "before_open"); !errors.Is(err, domain.ErrTaskAlreadyComplete) {
		t.Errorf("reopen error = %v, want ErrTaskAlreadyComplete", err)
	}

	s = f.open(t, "t-multi", "after_service")
	res, err = f.manager.Submit(ctx, scope, s.ID(), "sam")
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if res.TaskStatus != domain.TaskCompleted {
		t.Errorf("status = %s, want completed", res.TaskStatus)
	}
	if _, err := f.manager.Open(ctx, scope, "t-multi", "after_service"); !errors.Is(err, domain.ErrTaskAlreadyComplete) {
		t.Errorf("open completed row error = %v, want ErrTaskAlreadyComplete", err)
	}
}

func TestOpen_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.manager.Open(ctx, scope, "t-done", ""); !errors.Is(err, domain.ErrTaskAlreadyComplete) {
		t.Errorf("completed task error = %v, want ErrTaskAlreadyComplete", err)
	}
	if _, err := f.manager.Open(ctx, scope, "nope", ""); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("missing task error = %v, want ErrTaskNotFound", err)
	}
	if _, err := f.manager.Open(ctx, domain.Scope{}, "t-one", ""); !errors.Is(err, domain.ErrMissingTenant) {
		t.Errorf("missing tenant error = %v, want ErrMissingTenant", err)
	}
	s := f.open(t, "t-one", "")
	if _, err := f.manager.Get(domain.Scope{TenantID: "other"}, s.ID()); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("cross-tenant Get error = %v, want ErrSessionNotFound", err)
	}
}

// ─── Failures ───────────────────────────────────────────────────────────────

func TestSubmit_PartialUploadRetriesOnlyFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t, "t-photo", "")
	_, _ = s.AddPhoto(Photo{Name: "good.jpg", Data: []byte("g")})
	_, _ = s.AddPhoto(Photo{Name: "bad.jpg", Data: []byte("b")})
	f.objects.fail["bad.jpg"] = true

	_, err := f.manager.Submit(ctx, scope, s.ID(), "sam")
	var pe *domain.PartialUploadError
	if !errors.As(err, &pe) || !errors.Is(err, domain.ErrPartialUpload) {
		t.Fatalf("Submit() error = %v, want PartialUploadError", err)
	}
	if len(pe.Failed) != 1 || pe.Failed[0] != "bad.jpg" || pe.Uploaded != 1 {
		t.Errorf("error = %+v", pe)
	}
	if n := f.count(t, domain.TableCompletions); n != 0 {
		t.Errorf("completions = %d, want 0", n)
	}
	photos := s.Snapshot().Draft.Photos
	if !photos[0].Uploaded() || photos[1].Uploaded() {
		t.Errorf("photos = %+v, want good uploaded only", photos)
	}

	delete(f.objects.fail, "bad.jpg")
	res, err := f.manager.Submit(ctx, scope, s.ID(), "sam")
	if err != nil {
		t.Fatalf("retry Submit() error: %v", err)
	}
	if f.objects.uploads["good.jpg"] != 1 || f.objects.uploads["bad.jpg"] != 2 {
		t.Errorf("uploads = %v, want good once and bad twice", f.objects.uploads)
	}
	if len(res.Record.PhotoURLs) != 2 {
		t.Errorf("PhotoURLs = %v", res.Record.PhotoURLs)
	}
}

func TestSubmit_PersistenceFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	faulty := &faultyDB{DB: f.db, failTable: domain.TableRemediationActions}
	f.use(faulty)

	s := f.open(t, "t-one", "")
	_ = s.SetTemperature("fridge", domain.Float(11))
	_ = s.ChooseMonitor("fridge", 30)

	_, err := f.manager.Submit(ctx, scope, s.ID(), "sam")
	var pe *domain.PersistenceError
	if !errors.As(err, &pe) || !pe.Retryable() {
		t.Fatalf("Submit() error = %v, want retryable PersistenceError", err)
	}
	for _, table := range []string{domain.TableCompletions, domain.TableTemperatureLogs, domain.TableRemediationActions} {
		if n := f.count(t, table); n != 0 {
			t.Errorf("%s rows = %d, want 0 after rollback", table, n)
		}
	}
	if s.Closed() {
		t.Fatal("session closed after a persistence failure")
	}
	if err := s.SetNotes("retrying"); err != nil {
		t.Errorf("SetNotes() after failure error: %v", err)
	}

	faulty.failTable = ""
	res, err := f.manager.Submit(ctx, scope, s.ID(), "sam")
	if err != nil {
		t.Fatalf("retry Submit() error: %v", err)
	}
	if res.Record.Answers.Notes != "retrying" || !res.FollowUpTaskCreated {
		t.Errorf("result = %+v", res)
	}
	if n := f.count(t, domain.TableCompletions); n != 1 {
		t.Errorf("completions = %d, want 1", n)
	}
}

func TestSubmit_LocksSessionWhileInFlight(t *testing.T) {
	f := newFixture(t)
	f.objects.started = make(chan struct{}, 1)
	f.objects.block = make(chan struct{})

	s := f.open(t, "t-photo", "")
	_, _ = s.AddPhoto(Photo{Name: "pass.jpg", Data: []byte("p")})

	done := make(chan error, 1)
	go func() {
		_, err := f.manager.Submit(context.Background(), scope, s.ID(), "sam")
		done <- err
	}()
	<-f.objects.started

	if err := s.SetNotes("late edit"); !errors.Is(err, domain.ErrSessionLocked) {
		t.Errorf("SetNotes() during submit error = %v, want ErrSessionLocked", err)
	}
	if _, err := s.AddPhoto(Photo{Name: "x.jpg"}); !errors.Is(err, domain.ErrSessionLocked) {
		t.Errorf("AddPhoto() during submit error = %v, want ErrSessionLocked", err)
	}
	if err := f.manager.Cancel(scope, s.ID()); !errors.Is(err, domain.ErrSessionLocked) {
		t.Errorf("Cancel() during submit error = %v, want ErrSessionLocked", err)
	}
	if _, err := f.pipeline.Submit(context.Background(), s, "sam"); !errors.Is(err, domain.ErrSessionLocked) {
		t.Errorf("second Submit() error = %v, want ErrSessionLocked", err)
	}

	close(f.objects.block)
	if err := <-done; err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if err := s.SetNotes("after"); !errors.Is(err, domain.ErrSessionClosed) {
		t.Errorf("SetNotes() after submit error = %v, want ErrSessionClosed", err)
	}
}

func TestCancel_DiscardsDraft(t *testing.T) {
	f := newFixture(t)
	counter := &countingStore{RowStore: f.db}
	f.use(counter)

	s := f.open(t, "t-one", "")
	_ = s.SetTemperature("fridge", domain.Float(3))
	if err := f.manager.Cancel(scope, s.ID()); err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}
	if err := s.SetNotes("x"); !errors.Is(err, domain.ErrSessionClosed) {
		t.Errorf("SetNotes() after cancel error = %v, want ErrSessionClosed", err)
	}
	if _, err := f.manager.Submit(context.Background(), scope, s.ID(), "sam"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("Submit() after cancel error = %v, want ErrSessionNotFound", err)
	}
	if n := counter.writes.Load(); n != 0 {
		t.Errorf("writes = %d, want 0", n)
	}
}

func TestManager_Sweep(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "t-one", "")
	s.openedAt = time.Now().Add(-3 * time.Hour)
	f.open(t, "t-temps", "")

	if n := f.manager.Sweep(time.Hour); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
	if f.manager.Len() != 1 {
		t.Errorf("Len() = %d, want 1", f.manager.Len())
	}
	if !s.Closed() {
		t.Error("stale session not closed")
	}
}
