package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dispatchd/dispatchd/internal/task"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *Store {
	t.Helper()
	st, err := OpenMemory(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

func newTask(id string) *task.Task {
	return &task.Task{
		ID:          id,
		Description: "test task " + id,
	}
}

func mustCreate(t *testing.T, st *Store, tk *task.Task) {
	t.Helper()
	if err := st.Create(context.Background(), tk); err != nil {
		t.Fatalf("failed to create task %s: %v", tk.ID, err)
	}
	// Keep created_at strictly increasing across sequential creates.
	time.Sleep(2 * time.Millisecond)
}

func mustCommit(t *testing.T, st *Store, id string) {
	t.Helper()
	ok, err := st.UpdateStatus(context.Background(), id, task.StatusCommitted, nil)
	if err != nil || !ok {
		t.Fatalf("failed to commit task %s: ok=%v err=%v", id, ok, err)
	}
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	in := &task.Task{
		ID:                 "task-1",
		Description:        "implement the widget",
		AllowedTools:       []string{"Read", "Write"},
		AllowedDirectories: []string{"/tmp/work", "/tmp/cache"},
		NeedsGit:           true,
		SystemPrompt:       "be careful",
		EstimatedTokens:    1234,
		TimeoutSeconds:     60,
	}
	if err := st.Create(ctx, in); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}

	got, err := st.Get(ctx, "task-1")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}

	if got.Status != task.StatusStaged {
		t.Errorf("expected staged, got %q", got.Status)
	}
	if got.Description != in.Description {
		t.Errorf("description mismatch: got %q", got.Description)
	}
	if len(got.AllowedTools) != 2 || got.AllowedTools[0] != "Read" || got.AllowedTools[1] != "Write" {
		t.Errorf("allowed tools mismatch: %v", got.AllowedTools)
	}
	if len(got.AllowedDirectories) != 2 || got.AllowedDirectories[0] != "/tmp/work" {
		t.Errorf("allowed directories mismatch: %v", got.AllowedDirectories)
	}
	if !got.NeedsGit {
		t.Error("needs_git did not round trip")
	}
	if got.SystemPrompt != "be careful" || got.EstimatedTokens != 1234 || got.TimeoutSeconds != 60 {
		t.Errorf("intent fields mismatch: %+v", got)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}
	if got.StartedAt != nil || got.CompletedAt != nil || got.ProcessID != nil {
		t.Error("lifecycle fields should be unset on a staged task")
	}
}

func TestAbsentVersusEmptyLists(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	mustCreate(t, st, newTask("unplanned"))
	planned := newTask("planned")
	planned.AllowedTools = []string{}
	mustCreate(t, st, planned)

	got, err := st.Get(ctx, "unplanned")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AllowedTools != nil {
		t.Errorf("expected nil (not yet planned), got %v", got.AllowedTools)
	}

	got, err = st.Get(ctx, "planned")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AllowedTools == nil || len(got.AllowedTools) != 0 {
		t.Errorf("expected empty list, got %v", got.AllowedTools)
	}
}

func TestCreateDuplicate(t *testing.T) {
	st := testStore(t)

	mustCreate(t, st, newTask("dup"))
	err := st.Create(context.Background(), newTask("dup"))
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestGetMissing(t *testing.T) {
	st := testStore(t)

	_, err := st.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListNewestFirstAndFilter(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	mustCreate(t, st, newTask("t1"))
	mustCreate(t, st, newTask("t2"))
	mustCreate(t, st, newTask("t3"))
	mustCommit(t, st, "t2")

	all, err := st.List(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(all))
	}
	if all[0].ID != "t3" || all[1].ID != "t2" || all[2].ID != "t1" {
		t.Errorf("expected newest first, got %s %s %s", all[0].ID, all[1].ID, all[2].ID)
	}

	committed, err := st.List(ctx, task.StatusCommitted)
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if len(committed) != 1 || committed[0].ID != "t2" {
		t.Errorf("expected only t2 committed, got %v", committed)
	}
}

func TestUpdateStatusSetsTimestampsOnce(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	mustCreate(t, st, newTask("t1"))

	ok, err := st.UpdateStatus(ctx, "t1", task.StatusRunning, nil)
	if err != nil || !ok {
		t.Fatalf("update to running: ok=%v err=%v", ok, err)
	}
	first, _ := st.Get(ctx, "t1")
	if first.StartedAt == nil {
		t.Fatal("started_at not set on first entry to running")
	}

	time.Sleep(5 * time.Millisecond)
	if _, err := st.UpdateStatus(ctx, "t1", task.StatusRunning, nil); err != nil {
		t.Fatalf("second update to running: %v", err)
	}
	second, _ := st.Get(ctx, "t1")
	if !second.StartedAt.Equal(*first.StartedAt) {
		t.Errorf("started_at changed on second transition: %v -> %v", first.StartedAt, second.StartedAt)
	}

	if _, err := st.UpdateStatus(ctx, "t1", task.StatusCompleted, nil); err != nil {
		t.Fatalf("update to completed: %v", err)
	}
	done, _ := st.Get(ctx, "t1")
	if done.CompletedAt == nil {
		t.Error("completed_at not set on terminal transition")
	}
	if !done.UpdatedAt.After(first.UpdatedAt) && !done.UpdatedAt.Equal(first.UpdatedAt) {
		t.Error("updated_at not refreshed")
	}
}

func TestUpdateStatusTerminalIsFinal(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	mustCreate(t, st, newTask("t1"))
	ok, err := st.UpdateStatus(ctx, "t1", task.StatusCancelled, nil)
	if err != nil || !ok {
		t.Fatalf("update to cancelled: ok=%v err=%v", ok, err)
	}

	for _, next := range []task.Status{task.StatusFailed, task.StatusCompleted, task.StatusRunning} {
		ok, err := st.UpdateStatus(ctx, "t1", next, nil)
		if err != nil {
			t.Fatalf("update to %s: %v", next, err)
		}
		if ok {
			t.Errorf("transition out of cancelled to %s was allowed", next)
		}
	}

	got, _ := st.Get(ctx, "t1")
	if got.Status != task.StatusCancelled {
		t.Errorf("terminal status mutated: %q", got.Status)
	}
}

func TestUpdateStatusUnknownTask(t *testing.T) {
	st := testStore(t)

	ok, err := st.UpdateStatus(context.Background(), "ghost", task.StatusRunning, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected false for unknown task")
	}
}

func TestUpdateStatusMergesExtraFields(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	mustCreate(t, st, newTask("t1"))

	pid := 4242
	if _, err := st.UpdateStatus(ctx, "t1", task.StatusRunning, &task.StatusUpdate{ProcessID: &pid}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := st.Get(ctx, "t1")
	if got.ProcessID == nil || *got.ProcessID != 4242 {
		t.Fatalf("process_id not merged: %v", got.ProcessID)
	}

	resultPath := "/out/t1_output.json"
	tokens := 512
	elapsed := 3.5
	if _, err := st.UpdateStatus(ctx, "t1", task.StatusCompleted, &task.StatusUpdate{
		ResultPath:    &resultPath,
		TokenUsage:    &tokens,
		ExecutionTime: &elapsed,
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ = st.Get(ctx, "t1")
	if got.ResultPath != resultPath || got.TokenUsage != 512 || got.ExecutionTime != 3.5 {
		t.Errorf("extra fields not merged: %+v", got)
	}
	if got.ProcessID != nil {
		t.Error("process_id should be cleared on terminal transition")
	}
}

func TestUpdatePlanOnlyWhileStaged(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	mustCreate(t, st, newTask("t1"))

	desc := "refined description"
	tools := []string{"Bash"}
	ok, err := st.UpdatePlan(ctx, "t1", task.PlanUpdate{Description: &desc, AllowedTools: &tools})
	if err != nil || !ok {
		t.Fatalf("plan update while staged: ok=%v err=%v", ok, err)
	}
	got, _ := st.Get(ctx, "t1")
	if got.Description != desc || len(got.AllowedTools) != 1 || got.AllowedTools[0] != "Bash" {
		t.Errorf("plan fields not applied: %+v", got)
	}

	mustCommit(t, st, "t1")

	other := "should not apply"
	ok, err = st.UpdatePlan(ctx, "t1", task.PlanUpdate{Description: &other})
	if err != nil {
		t.Fatalf("plan update after commit: %v", err)
	}
	if ok {
		t.Error("expected false for non-staged task")
	}
	got, _ = st.Get(ctx, "t1")
	if got.Description != desc {
		t.Errorf("description mutated on rejected update: %q", got.Description)
	}
}

func TestLogsChronological(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	mustCreate(t, st, newTask("t1"))
	for i := 0; i < 3; i++ {
		if err := st.AddLog(ctx, "t1", task.LogInfo, fmt.Sprintf("entry %d", i)); err != nil {
			t.Fatalf("add log: %v", err)
		}
	}

	entries, err := st.GetLogs(ctx, "t1")
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Message != fmt.Sprintf("entry %d", i) {
			t.Errorf("entry %d out of order: %q", i, e.Message)
		}
		if e.Level != task.LogInfo {
			t.Errorf("entry %d level mismatch: %q", i, e.Level)
		}
	}
}

func TestAddLogUnknownTask(t *testing.T) {
	st := testStore(t)

	err := st.AddLog(context.Background(), "ghost", task.LogInfo, "hello")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAcquireFIFO(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3"} {
		mustCreate(t, st, newTask(id))
		mustCommit(t, st, id)
	}

	for _, want := range []string{"t1", "t2", "t3"} {
		got, err := st.AcquireForExecution(ctx)
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		if got == nil || got.ID != want {
			t.Fatalf("expected %s, got %v", want, got)
		}
		if got.Status != task.StatusRunning {
			t.Errorf("acquired task not running: %q", got.Status)
		}
		if got.StartedAt == nil {
			t.Error("acquired task has no started_at")
		}
	}

	got, err := st.AcquireForExecution(ctx)
	if err != nil {
		t.Fatalf("acquire on empty queue: %v", err)
	}
	if got != nil {
		t.Errorf("expected none, got %s", got.ID)
	}
}

func TestAcquireAtMostOnce(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	mustCreate(t, st, newTask("only"))
	mustCommit(t, st, "only")

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*task.Task, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = st.AcquireForExecution(ctx)
		}(i)
	}
	wg.Wait()

	acquired := 0
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d error: %v", i, errs[i])
		}
		if results[i] != nil {
			acquired++
		}
	}
	if acquired != 1 {
		t.Fatalf("expected exactly 1 acquisition, got %d", acquired)
	}
}

func TestCountRunning(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	mustCreate(t, st, newTask("t1"))
	mustCreate(t, st, newTask("t2"))
	mustCommit(t, st, "t1")
	mustCommit(t, st, "t2")

	if _, err := st.AcquireForExecution(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	n, err := st.CountRunning(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 running, got %d", n)
	}
}

func TestDeleteRemovesTaskAndLogs(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	mustCreate(t, st, newTask("t1"))
	if err := st.AddLog(ctx, "t1", task.LogInfo, "hello"); err != nil {
		t.Fatalf("add log: %v", err)
	}

	deleted, err := st.Delete(ctx, "t1")
	if err != nil || !deleted {
		t.Fatalf("delete: ok=%v err=%v", deleted, err)
	}

	if _, err := st.Get(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("task still present after delete: %v", err)
	}
	entries, err := st.GetLogs(ctx, "t1")
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("logs survived delete: %d entries", len(entries))
	}

	deleted, err = st.Delete(ctx, "t1")
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if deleted {
		t.Error("expected false on second delete")
	}
}
