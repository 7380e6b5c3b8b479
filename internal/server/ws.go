package server

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tartvm-manager/internal/manager"
)

const wsKeepaliveInterval = 15 * time.Second

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The agent binds to localhost; origin checks add nothing here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleTaskWebSocket streams task snapshots to the client until the
// task reaches a terminal state. Auth rides on a query parameter; the
// bad-token and unknown-task cases upgrade first and then close with a
// policy violation so browser clients get a readable close code.
func (s *Server) handleTaskWebSocket(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	token := c.Query("token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) != 1 {
		s.wsClose(conn, websocket.ClosePolicyViolation, "invalid token")
		return
	}

	taskID := c.Param("id")
	task, err := s.manager.GetTask(taskID)
	if err != nil {
		s.wsClose(conn, websocket.ClosePolicyViolation, "unknown task")
		return
	}

	updates, cancel := s.manager.Subscribe(taskID)
	defer cancel()

	if !s.wsSend(conn, task) {
		return
	}
	if task.Status.Terminal() {
		s.wsClose(conn, websocket.CloseNormalClosure, "task finished")
		return
	}

	// Reader goroutine: its only job is noticing the client going away.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	keepalive := time.NewTicker(wsKeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				s.wsClose(conn, websocket.CloseGoingAway, "task evicted")
				return
			}
			if !s.wsSend(conn, snap) {
				return
			}
			if snap.Status.Terminal() {
				s.wsClose(conn, websocket.CloseNormalClosure, "task finished")
				return
			}
		case <-keepalive.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-clientGone:
			return
		}
	}
}

func (s *Server) wsSend(conn *websocket.Conn, task manager.Task) bool {
	if err := conn.WriteJSON(task); err != nil {
		s.logger.Debug("websocket write failed", "task_id", task.ID, "error", err)
		return false
	}
	return true
}

func (s *Server) wsClose(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
}
