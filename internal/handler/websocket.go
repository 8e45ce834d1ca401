package handler

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shell-sync/shell-sync/internal/hub"
	"github.com/shell-sync/shell-sync/internal/middleware"
	"github.com/shell-sync/shell-sync/internal/wire"
)

type WebSocketHandler struct {
	Deps
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsWriter) Write(message []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteMessage(websocket.TextMessage, message)
}

func (w *wsWriter) Close() error {
	return w.conn.Close()
}

// Serve handles GET /ws. middleware.RequireSocketAuth authenticates the
// Authorization bearer header before upgrade, matching the teacher's
// auth-before-upgrade order; the frame catalogue's "authenticate" frame
// carries no credentials here and only announces the machine's public key
// (see receiveIdentity). Per the design, any
// failure here drops the socket with a bare status and no distinguishing
// body — an invalid token, an unknown machine, and a revoked machine must
// be indistinguishable from outside.
func (h *WebSocketHandler) Serve(c *gin.Context) {
	machineID, ok := middleware.MachineIDFromContext(c)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	machine, ok := h.Store.GetMachine(machineID)
	if !ok || machine.Revoked {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	writer := &wsWriter{conn: ws}
	conn := &hub.Connection{MachineID: machine.MachineID, Groups: machine.Groups, Writer: writer}
	h.Hub.Register(conn)
	defer func() {
		h.Hub.Unregister(conn)
		_ = ws.Close()
	}()

	h.Store.TouchMachine(machine.MachineID, time.Now().UnixMilli())

	ws.SetReadLimit(int64(h.maxFrameBytes()))
	const pongWait = 60 * time.Second
	const writeWait = 10 * time.Second
	pingPeriod := (pongWait * 9) / 10

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	var closeOnce sync.Once
	closeDone := func() { closeOnce.Do(func() { close(done) }) }
	defer closeDone()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					_ = ws.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if h.FrameGuard != nil && !h.FrameGuard.Allow(machine.MachineID, len(data)) {
			out, _ := json.Marshal(wire.Frame{Type: wire.TypeThrottle, Message: "rate limit exceeded", RetryMS: 1000})
			_ = writer.Write(out)
			continue
		}

		var frame wire.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		h.handleFrame(&machine, writer, frame)
	}
}

func (h *WebSocketHandler) maxFrameBytes() int {
	if h.MaxFrameBytes > 0 {
		return h.MaxFrameBytes
	}
	return 1 << 20
}
