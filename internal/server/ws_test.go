package server

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tartvm-manager/internal/manager"
)

func dialTask(t *testing.T, ts *httptest.Server, taskID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/tasks/" + taskID + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestTaskWebSocketStreamsUntilTerminal(t *testing.T) {
	s, mgr := newTestServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	task := mgr.CreateTask("pull_vm")

	conn := dialTask(t, ts, task.ID, testToken)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	// First frame is the current snapshot.
	var snap manager.Task
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, task.ID, snap.ID)
	assert.Equal(t, manager.TaskPending, snap.Status)

	_, err := mgr.UpdateTask(task.ID, manager.TaskUpdate{Status: manager.TaskRunning, Log: "pulling..."})
	require.NoError(t, err)
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, manager.TaskRunning, snap.Status)
	assert.Equal(t, []string{"pulling..."}, snap.Logs)

	_, err = mgr.UpdateTask(task.ID, manager.TaskUpdate{Status: manager.TaskCompleted})
	require.NoError(t, err)
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, manager.TaskCompleted, snap.Status)

	// Server closes normally after the terminal snapshot.
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestTaskWebSocketSendsTerminalSnapshotImmediately(t *testing.T) {
	s, mgr := newTestServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	task := mgr.CreateTask("stop_vm")
	_, err := mgr.UpdateTask(task.ID, manager.TaskUpdate{Status: manager.TaskFailed, Error: "boom"})
	require.NoError(t, err)

	conn := dialTask(t, ts, task.ID, testToken)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var snap manager.Task
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, manager.TaskFailed, snap.Status)
	assert.Equal(t, "boom", snap.Error)

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestTaskWebSocketRejectsBadToken(t *testing.T) {
	s, mgr := newTestServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	task := mgr.CreateTask("stop_vm")

	conn := dialTask(t, ts, task.ID, "wrong")
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestTaskWebSocketRejectsUnknownTask(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dialTask(t, ts, "no-such-task", testToken)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}
