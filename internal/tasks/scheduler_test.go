// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/yichenchong/proxyfleet/internal/model"
	"github.com/yichenchong/proxyfleet/internal/storage"
)

type counterData struct {
	Name  string `json:"name" validate:"required"`
	Count int    `json:"count"`
}

// counterCommand counts to 2 then finishes. Step 1 waits once.
type counterCommand struct {
	task *model.Task
	env  Env
	errs map[int]error

	cancelled *int
	waited    *bool
}

func (c *counterCommand) Execute(_ context.Context) (model.TaskUpdate, error) {
	if err := c.errs[c.task.StepCurrent]; err != nil {
		return model.TaskUpdate{}, err
	}

	data := counterData{}
	if err := json.Unmarshal(c.task.Data, &data); err != nil {
		return model.TaskUpdate{}, err
	}
	data.Count++
	raw, _ := json.Marshal(data)

	now := c.env.Now()
	switch c.task.StepCurrent {
	case 0:
		return NextStep(c.task, now, 0, "step 0 done", raw), nil
	case 1:
		if !*c.waited {
			*c.waited = true
			return WaitTask(c.task, now, 0), nil
		}
		return NextStep(c.task, now, 0, "step 1 done", raw), nil
	case 2:
		return Finish(c.task, "finished"), nil
	default:
		return model.TaskUpdate{}, StepError(c.task)
	}
}

func (c *counterCommand) Cancel(_ context.Context) error {
	*c.cancelled++
	return nil
}

type fakeHost struct {
	connectors map[string]*model.Connector
	mtx        sync.Mutex
}

func (h *fakeHost) GetConnectorByID(_ context.Context, _, connectorID string) (*model.Connector, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	c, ok := h.connectors[connectorID]
	if !ok {
		return nil, model.ErrConnectorNotFound
	}
	return c.Clone(), nil
}

func (h *fakeHost) UpdateConnector(_ context.Context, c *model.Connector) error {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	h.connectors[c.ID] = c.Clone()
	return nil
}

func (h *fakeHost) GetCertificate(_ context.Context, _, _ string) (*model.Certificate, error) {
	return nil, &model.ConnectorCertificateNotFoundError{}
}

type fakeArchiver struct {
	tasks []*model.Task
}

func (a *fakeArchiver) ArchiveTask(_ context.Context, task *model.Task) error {
	a.tasks = append(a.tasks, task.Clone())
	return nil
}

type harness struct {
	store     *storage.Memory
	host      *fakeHost
	archiver  *fakeArchiver
	scheduler *Scheduler
	factory   Factory
	errs      map[int]error
	cancelled int
	waited    bool
	now       time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		store:    storage.NewMemory(),
		host:     &fakeHost{connectors: map[string]*model.Connector{"c1": {ID: "c1", ProjectID: "p1"}}},
		archiver: &fakeArchiver{},
		errs:     map[int]error{},
		now:      time.UnixMilli(1_000_000),
	}

	h.factory = Factory{
		Type:     "counter",
		StepMax:  3,
		Validate: Validator[counterData](),
		Build: func(task *model.Task, env Env) (Command, error) {
			return &counterCommand{task: task, env: env, errs: h.errs, cancelled: &h.cancelled, waited: &h.waited}, nil
		},
	}

	registry := NewRegistry()
	if err := registry.Register(h.factory); err != nil {
		t.Fatal(err)
	}

	h.scheduler = NewScheduler(zerolog.Nop(), h.store, registry, h.host, "test", time.Second,
		WithArchiver(h.archiver),
		WithClock(func() time.Time { return h.now }),
		WithConcurrency(4),
	)

	return h
}

func (h *harness) create(t *testing.T) *model.Task {
	t.Helper()

	task, err := NewTask(h.factory, "p1", "c1", "starting", counterData{Name: "x"}, h.now)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.store.CreateTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	return task
}

func (h *harness) tick(t *testing.T) *model.Task {
	t.Helper()

	if err := h.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.now = h.now.Add(time.Second)

	tasks, _ := h.store.ListTasks(context.Background(), "c1")
	if len(tasks) == 0 {
		t.Fatal("no task stored")
	}

	return tasks[len(tasks)-1]
}

func TestSchedulerRunsStepsToCompletion(t *testing.T) {
	h := newHarness(t)
	h.create(t)

	wantSteps := []int{1, 1, 2, 2}
	for i, want := range wantSteps {
		task := h.tick(t)
		if task.StepCurrent != want {
			t.Fatalf("tick %d: StepCurrent = %d, want %d", i, task.StepCurrent, want)
		}
	}

	h.tick(t)
	got, _ := h.store.ListTasks(context.Background(), "c1")
	if got[0].Running {
		t.Fatalf("task still running: %+v", got[0])
	}
	if got[0].Message != "finished" || got[0].EndAtTs == nil {
		t.Errorf("task = %+v", got[0])
	}

	data := counterData{}
	_ = json.Unmarshal(got[0].Data, &data)
	if data.Count != 2 {
		t.Errorf("Count = %d, want 2", data.Count)
	}

	if len(h.archiver.tasks) != 1 {
		t.Errorf("archived %d tasks, want 1", len(h.archiver.tasks))
	}
}

func TestSchedulerTransientErrorBacksOff(t *testing.T) {
	h := newHarness(t)
	h.create(t)
	h.errs[0] = model.Transient(errors.New("provider busy"))

	start := h.now
	task := h.tick(t)

	if !task.Running || task.StepCurrent != 0 {
		t.Fatalf("task = %+v, want still running at step 0", task)
	}
	if task.Retries != 1 {
		t.Errorf("Retries = %d, want 1", task.Retries)
	}
	if task.NextRetryTs != start.Add(Backoff(1)).UnixMilli() {
		t.Errorf("NextRetryTs = %d, want %d", task.NextRetryTs, start.Add(Backoff(1)).UnixMilli())
	}
	if !strings.Contains(task.Message, "provider busy") {
		t.Errorf("Message = %q", task.Message)
	}

	// not due yet
	task = h.tick(t)
	if task.Retries != 1 {
		t.Errorf("task retried before its backoff: %+v", task)
	}
}

func TestSchedulerFatalErrorMarksConnector(t *testing.T) {
	h := newHarness(t)
	h.create(t)
	h.errs[0] = errors.New("quota exceeded")

	task := h.tick(t)

	if task.Running {
		t.Fatal("task should have stopped")
	}
	if task.Message != "quota exceeded" {
		t.Errorf("Message = %q", task.Message)
	}
	if h.cancelled != 1 {
		t.Errorf("Cancel called %d times, want 1", h.cancelled)
	}

	c, _ := h.host.GetConnectorByID(context.Background(), "p1", "c1")
	if c.Error == nil || !strings.Contains(*c.Error, "quota exceeded") {
		t.Errorf("connector error = %v", c.Error)
	}
}

func TestSchedulerCancel(t *testing.T) {
	h := newHarness(t)
	task := h.create(t)

	if _, err := h.store.RequestTaskCancel(context.Background(), task.ID); err != nil {
		t.Fatal(err)
	}

	got := h.tick(t)
	if got.Running || got.Message != "cancelled" {
		t.Fatalf("task = %+v", got)
	}
	if h.cancelled != 1 {
		t.Errorf("Cancel called %d times, want 1", h.cancelled)
	}
}

func TestSchedulerUnknownStepFails(t *testing.T) {
	h := newHarness(t)
	task := h.create(t)

	task.StepCurrent = 7
	if err := h.store.UpdateTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	got := h.tick(t)
	if got.Running {
		t.Fatal("task at an unknown step must fail")
	}
	if !strings.Contains(got.Message, "unknown step 7") {
		t.Errorf("Message = %q", got.Message)
	}
}

func TestSchedulerInvalidDataFails(t *testing.T) {
	h := newHarness(t)
	task := h.create(t)

	task.Data = json.RawMessage(`{"count": 1}`)
	if err := h.store.UpdateTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	got := h.tick(t)
	if got.Running {
		t.Fatal("task with invalid data must fail")
	}
}

func TestSchedulerResumeIsDeterministic(t *testing.T) {
	a := newHarness(t)
	a.create(t)
	a.tick(t)

	persisted, _ := a.store.ListTasks(context.Background(), "c1")

	// a fresh process resumes from the persisted record
	b := newHarness(t)
	resumed := persisted[0].Clone()
	resumed.ID = ""
	resumed.NextRetryTs = b.now.UnixMilli()
	if err := b.store.CreateTask(context.Background(), resumed); err != nil {
		t.Fatal(err)
	}

	for range 2 {
		a.tick(t)
		b.tick(t)
	}

	ta, _ := a.store.ListTasks(context.Background(), "c1")
	tb, _ := b.store.ListTasks(context.Background(), "c1")
	if ta[0].StepCurrent != tb[0].StepCurrent || string(ta[0].Data) != string(tb[0].Data) {
		t.Errorf("resumed task diverged: %+v vs %+v", ta[0], tb[0])
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	f := Factory{Type: "t", StepMax: 1, Build: func(*model.Task, Env) (Command, error) { return nil, nil }}

	if err := r.Register(f); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(f); !errors.Is(err, ErrDuplicateTaskType) {
		t.Errorf("Register() error = %v, want ErrDuplicateTaskType", err)
	}
	if _, err := r.Get("other"); !errors.Is(err, ErrTaskTypeNotFound) {
		t.Errorf("Get() error = %v, want ErrTaskTypeNotFound", err)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		n    int
		want time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{20, 5 * time.Minute},
	}

	for _, tt := range tests {
		if got := Backoff(tt.n); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}
