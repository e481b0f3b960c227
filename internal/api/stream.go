package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/extraction-jobs/internal/bus"
	"github.com/JakeFAU/extraction-jobs/internal/jobs"
	"github.com/JakeFAU/extraction-jobs/internal/metrics"
)

const (
	transportSSE       = "sse"
	transportWebSocket = "websocket"
	wsWriteWait        = 10 * time.Second
)

// open validates the job and subscribes before any bytes are written, so a
// missing job is still answered with a plain 404. The snapshot is re-read
// after subscribing: a change racing the subscription may then be seen twice
// but is never lost.
func (s *Server) open(w http.ResponseWriter, r *http.Request) (jobs.Job, *bus.Subscription, bool) {
	job, ok := s.lookup(w, r)
	if !ok {
		return jobs.Job{}, nil, false
	}
	sub, err := s.streams.Subscribe(job.AppJobID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return jobs.Job{}, nil, false
	}
	if fresh, err := s.registry.GetJob(job.AppJobID); err == nil {
		job = fresh
	}
	return job, sub, true
}

// streamJob forwards job events as text/event-stream frames until a final
// event, client disconnect, or the bus drops the subscription.
func (s *Server) streamJob(w http.ResponseWriter, r *http.Request) {
	job, sub, ok := s.open(w, r)
	if !ok {
		return
	}
	defer s.streams.Unsubscribe(job.AppJobID, sub)
	metrics.IncStreamConnections(transportSSE)
	defer metrics.DecStreamConnections(transportSSE)

	rc := http.NewResponseController(w)
	// lift any server write deadline for the life of the stream
	_ = rc.SetWriteDeadline(time.Time{})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	logger := s.logger.With(zap.String("app_job_id", job.AppJobID), zap.String("transport", transportSSE))
	if err := writeSSE(w, bus.StatusEvent(job, s.clock.Now())); err != nil || rc.Flush() != nil {
		return
	}
	if job.Status.Terminal() {
		return
	}

	ticker := time.NewTicker(s.cfg.Stream.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			logger.Debug("stream client disconnected")
			return
		case <-sub.Done():
			logger.Debug("stream subscription released")
			return
		case evt := <-sub.Events():
			if err := writeSSE(w, evt); err != nil {
				sub.Close()
				return
			}
			if err := rc.Flush(); err != nil {
				sub.Close()
				return
			}
			if evt.Final() {
				return
			}
		case <-ticker.C:
			if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func writeSSE(w io.Writer, evt bus.Event) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// websocketJob mirrors streamJob over a WebSocket: the same event objects are
// sent as text frames, and client frames are read only to detect close.
func (s *Server) websocketJob(w http.ResponseWriter, r *http.Request) {
	if _, err := s.registry.GetJob(chi.URLParam(r, "job_id")); err != nil {
		s.writeJobError(w, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// same ordering as open: subscribe, then snapshot
	appJobID := chi.URLParam(r, "job_id")
	sub, err := s.streams.Subscribe(appJobID)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "event stream unavailable"),
			time.Now().Add(wsWriteWait))
		return
	}
	defer s.streams.Unsubscribe(appJobID, sub)
	metrics.IncStreamConnections(transportWebSocket)
	defer metrics.DecStreamConnections(transportWebSocket)

	job, err := s.registry.GetJob(appJobID)
	if err != nil {
		return
	}
	logger := s.logger.With(zap.String("app_job_id", appJobID), zap.String("transport", transportWebSocket))

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(evt bus.Event) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(evt)
	}
	if err := send(bus.StatusEvent(job, s.clock.Now())); err != nil {
		return
	}
	if job.Status.Terminal() {
		s.closeWebSocket(conn)
		return
	}

	ticker := time.NewTicker(s.cfg.Stream.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			logger.Debug("websocket client disconnected")
			return
		case <-sub.Done():
			logger.Debug("websocket subscription released")
			return
		case evt := <-sub.Events():
			if err := send(evt); err != nil {
				sub.Close()
				return
			}
			if evt.Final() {
				s.closeWebSocket(conn)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (s *Server) closeWebSocket(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream complete")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait)); err != nil {
		s.logger.Debug("websocket close failed", zap.Error(err))
	}
}
