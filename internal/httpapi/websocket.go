package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"quantdesk/internal/progress"
	"quantdesk/pkg/quantdesk"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	progressBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleProgress streams sweep progress. The first message is a snapshot
// of every in-flight sweep; later messages are progress and done events.
// Events are dropped for clients that fall behind.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	hub := s.svc.Hub()
	if hub == nil {
		writeError(w, http.StatusNotFound, quantdesk.ErrorResponse{Error: "progress stream disabled"})
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade", "error", err)
		return
	}
	defer conn.Close()

	// Subscribe before the snapshot so no event between the two is lost.
	subID, events := hub.Subscribe(progressBuffer)
	defer hub.Unsubscribe(subID)
	s.log.Info("progress client subscribed", "subID", subID, "remote", r.RemoteAddr)

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(toWireEvent(hub.Snapshot())); err != nil {
		return
	}

	// Read pump: handles pongs and notices the client going away.
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			s.log.Info("progress client disconnected", "subID", subID)
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(toWireEvent(e)); err != nil {
				s.log.Debug("progress write", "subID", subID, "error", err)
				return
			}
		}
	}
}

func toWireEvent(e progress.Event) quantdesk.ProgressEvent {
	out := quantdesk.ProgressEvent{
		Type:   e.Type,
		RunID:  e.RunID,
		Done:   e.Done,
		Total:  e.Total,
		Index:  e.Index,
		Params: e.Params,
		Value:  e.Value,
		Error:  e.Error,
	}
	if e.Type == progress.EventSnapshot {
		out.Runs = make([]quantdesk.ProgressEvent, len(e.Runs))
		for i, r := range e.Runs {
			out.Runs[i] = toWireEvent(r)
		}
	}
	return out
}
