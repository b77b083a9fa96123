package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/martinemde/chatloop/agentloop"
	"github.com/martinemde/chatloop/protocol"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// wsFrame is a client frame. Type is "chat" (the default) or "stop".
type wsFrame struct {
	Type string `json:"type"`
	ChatRequest
}

// wsConn serializes writes to one client connection. Chat frames are
// queued and run one after another so the events of two runs never
// interleave.
type wsConn struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	writeMu sync.Mutex
	queue   chan wsJob
}

// wsJob is one queued chat request, or a rejection to report in order.
type wsJob struct {
	req    ChatRequest
	reject string
}

const wsQueueSize = 16

func (c *wsConn) writeEvent(ev agentloop.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	return c.writeText(data)
}

func (c *wsConn) writeDone() error {
	return c.writeText([]byte(protocol.DoneSentinel))
}

func (c *wsConn) writeText(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// reject reports a frame-level failure as an error event followed by the
// sentinel, the same shape a failed run has.
func (c *wsConn) reject(msg string) {
	if err := c.writeEvent(agentloop.ErrorEvent(msg)); err != nil {
		c.logger.Debug("failed to write websocket error", "error", err)
		return
	}
	if err := c.writeDone(); err != nil {
		c.logger.Debug("failed to write websocket error", "error", err)
	}
}

func (c *wsConn) ping(ctx context.Context) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}

// handleChatWebSocket runs chat requests received as JSON text frames and
// streams each run's events back as one JSON text frame per event, ending
// with a DoneSentinel frame.
func (s *Server) handleChatWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	c := &wsConn{conn: conn, logger: s.logger, queue: make(chan wsJob, wsQueueSize)}
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.runWSQueue(ctx, c)
	}()
	defer func() {
		cancel()
		close(c.queue)
		<-done
	}()

	conn.SetReadLimit(maxRequestBody)
	extend := func(string) error { return conn.SetReadDeadline(time.Now().Add(wsPongWait)) }
	_ = extend("")
	conn.SetPongHandler(extend)
	go c.ping(ctx)

	s.logger.Debug("websocket client connected", "remote", r.RemoteAddr)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		_ = extend("")

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.enqueue(wsJob{reject: "invalid frame: " + err.Error()})
			continue
		}
		switch frame.Type {
		case "", "chat":
			c.enqueue(wsJob{req: frame.ChatRequest})
		case "stop":
			stopped := s.loop.Stop(frame.SessionID)
			s.logger.Info("stop requested", "session_id", frame.SessionID, "was_active", stopped)
		default:
			c.enqueue(wsJob{reject: fmt.Sprintf("unknown frame type %q", frame.Type)})
		}
	}
}

func (c *wsConn) enqueue(job wsJob) {
	select {
	case c.queue <- job:
	default:
		c.logger.Warn("websocket queue full, dropping frame", "session_id", job.req.SessionID)
	}
}

// runWSQueue processes queued jobs until the queue is closed. Jobs left
// after ctx is done are discarded.
func (s *Server) runWSQueue(ctx context.Context, c *wsConn) {
	for job := range c.queue {
		if ctx.Err() != nil {
			continue
		}
		if job.reject != "" {
			c.reject(job.reject)
			continue
		}
		s.runWS(ctx, c, job.req)
	}
}

func (s *Server) runWS(ctx context.Context, c *wsConn, req ChatRequest) {
	if err := req.validate(); err != nil {
		c.reject(err.Error())
		return
	}
	events, err := s.loop.Submit(ctx, req.SessionID, req.message())
	if err != nil {
		c.reject(err.Error())
		return
	}
	for ev := range events {
		if err := c.writeEvent(ev); err != nil {
			s.logger.Debug("websocket write failed, stopping run", "session_id", req.SessionID, "error", err)
			s.loop.Stop(req.SessionID)
			for range events {
			}
			return
		}
	}
	if err := c.writeDone(); err != nil {
		s.logger.Debug("failed to write stream end", "error", err)
	}
}
