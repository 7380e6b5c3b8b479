package manager

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndGetTask(t *testing.T) {
	m := newTestManager(t, &fakeRunner{})

	task := m.CreateTask("stop_vm")
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, "stop_vm", task.Action)
	assert.Equal(t, TaskPending, task.Status)

	got, err := m.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)

	_, err = m.GetTask("nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestUpdateTaskAppliesPartialFields(t *testing.T) {
	m := newTestManager(t, &fakeRunner{})
	task := m.CreateTask("delete_vm")

	zero := 0
	snap, err := m.UpdateTask(task.ID, TaskUpdate{
		Status:   TaskRunning,
		Command:  []string{"tart", "delete", "vm1"},
		ExitCode: &zero,
		Log:      "first line",
	})
	require.NoError(t, err)
	assert.Equal(t, TaskRunning, snap.Status)
	assert.Equal(t, []string{"tart", "delete", "vm1"}, snap.Command)
	require.NotNil(t, snap.ExitCode)
	assert.Equal(t, 0, *snap.ExitCode)
	assert.Equal(t, []string{"first line"}, snap.Logs)

	// Empty update fields leave earlier values in place.
	snap, err = m.UpdateTask(task.ID, TaskUpdate{Log: "second line"})
	require.NoError(t, err)
	assert.Equal(t, TaskRunning, snap.Status)
	assert.Equal(t, []string{"first line", "second line"}, snap.Logs)
	require.NotNil(t, snap.ExitCode)

	_, err = m.UpdateTask("nope", TaskUpdate{Status: TaskFailed})
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestUpdateTaskBoundsLogs(t *testing.T) {
	m := newTestManager(t, &fakeRunner{}, func(o *Options) { o.MaxTaskLogs = 5 })
	task := m.CreateTask("pull_vm")

	for i := 0; i < 20; i++ {
		_, err := m.UpdateTask(task.ID, TaskUpdate{Log: fmt.Sprintf("line %d", i)})
		require.NoError(t, err)
	}

	got, err := m.GetTask(task.ID)
	require.NoError(t, err)
	require.Len(t, got.Logs, 5)
	assert.Equal(t, "line 15", got.Logs[0])
	assert.Equal(t, "line 19", got.Logs[4])
}

func TestActiveTasksOldestFirst(t *testing.T) {
	m := newTestManager(t, &fakeRunner{})

	first := m.CreateTask("a")
	time.Sleep(time.Millisecond)
	second := m.CreateTask("b")
	time.Sleep(time.Millisecond)
	finished := m.CreateTask("c")
	_, err := m.UpdateTask(finished.ID, TaskUpdate{Status: TaskCompleted})
	require.NoError(t, err)

	active := m.ActiveTasks()
	require.Len(t, active, 2)
	assert.Equal(t, first.ID, active[0].ID)
	assert.Equal(t, second.ID, active[1].ID)
}

func TestSubscribersSeeIdenticalOrderedSequences(t *testing.T) {
	m := newTestManager(t, &fakeRunner{})
	task := m.CreateTask("clone_vm")

	ch1, cancel1 := m.Subscribe(task.ID)
	defer cancel1()
	ch2, cancel2 := m.Subscribe(task.ID)
	defer cancel2()

	const n = 50
	for i := 0; i < n; i++ {
		_, err := m.UpdateTask(task.ID, TaskUpdate{Log: fmt.Sprintf("line %d", i)})
		require.NoError(t, err)
	}
	_, err := m.UpdateTask(task.ID, TaskUpdate{Status: TaskCompleted})
	require.NoError(t, err)

	collect := func(ch <-chan Task) []Task {
		var got []Task
		for snap := range ch {
			got = append(got, snap)
			if snap.Status.Terminal() {
				break
			}
		}
		return got
	}

	got1 := collect(ch1)
	got2 := collect(ch2)

	require.Len(t, got1, n+1)
	require.Len(t, got2, n+1)
	for i := range got1 {
		assert.Equal(t, got1[i].Status, got2[i].Status)
		assert.Equal(t, got1[i].Logs, got2[i].Logs)
		assert.Equal(t, got1[i].UpdatedAt, got2[i].UpdatedAt)
	}
	assert.Equal(t, fmt.Sprintf("line %d", n-1), got1[n].Logs[n-1])
}

func TestSlowSubscriberDoesNotBlockUpdates(t *testing.T) {
	m := newTestManager(t, &fakeRunner{})
	task := m.CreateTask("pull_vm")

	ch, cancel := m.Subscribe(task.ID)
	defer cancel()

	// Nobody reads while the updates land; UpdateTask must not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_, _ = m.UpdateTask(task.ID, TaskUpdate{Log: fmt.Sprintf("line %d", i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("updates blocked on a slow subscriber")
	}

	// All snapshots are still there, in order.
	for i := 0; i < 200; i++ {
		snap := <-ch
		assert.Len(t, snap.Logs, i+1)
	}
}

func TestSubscribeCancelIsIdempotent(t *testing.T) {
	m := newTestManager(t, &fakeRunner{})
	task := m.CreateTask("stop_vm")

	ch, cancel := m.Subscribe(task.ID)
	cancel()
	cancel()

	// Channel closes once the pump notices.
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel never closed after cancel")
	}

	// Updates after cancel do not reach the detached subscriber.
	_, err := m.UpdateTask(task.ID, TaskUpdate{Status: TaskCompleted})
	require.NoError(t, err)
}

func TestSnapshotsAreIndependentCopies(t *testing.T) {
	m := newTestManager(t, &fakeRunner{})
	task := m.CreateTask("create_vm")

	_, err := m.UpdateTask(task.ID, TaskUpdate{Log: "one"})
	require.NoError(t, err)

	snap, err := m.GetTask(task.ID)
	require.NoError(t, err)
	snap.Logs[0] = "mutated"
	snap.Result = map[string]any{"x": 1}

	again, err := m.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, again.Logs)
	assert.Nil(t, again.Result)
}
