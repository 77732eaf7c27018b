package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	mw "github.com/kiranshivaraju/vidscan/internal/api/middleware"
	"github.com/kiranshivaraju/vidscan/internal/api/response"
	"github.com/kiranshivaraju/vidscan/internal/video"
	"github.com/kiranshivaraju/vidscan/pkg/models"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsPongWait     = wsPingInterval + wsWriteWait
)

// JobWatcher streams status snapshots of one job.
type JobWatcher interface {
	Watch(ctx context.Context, tenantID uuid.UUID, jobID string) (<-chan *video.StatusView, func(), error)
}

// NewUpgrader returns the websocket upgrader used for job event streams.
// Callers authenticate with an API key, so any origin is accepted.
func NewUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// NewEventsHandler upgrades to a websocket and pushes the job's status
// snapshot on every change. The stream closes after the terminal snapshot or
// when the job is deleted.
func NewEventsHandler(svc JobWatcher, upgrader *websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}
		jobID := chi.URLParam(r, "jobID")

		// Subscribe before upgrading so unknown jobs still get a JSON 404.
		updates, stop, err := svc.Watch(r.Context(), tenantID, jobID)
		if err != nil {
			writeVideoError(w, err)
			return
		}
		defer stop()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied with an HTTP error.
			slog.Debug("websocket upgrade failed", "job_id", jobID, "error", err)
			return
		}
		defer conn.Close()

		streamJob(conn, jobID, updates)
	}
}

func streamJob(conn *websocket.Conn, jobID string, updates <-chan *video.StatusView) {
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// The reader only drains control frames and notices the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case view, ok := <-updates:
			if !ok {
				closeStream(conn, "job deleted")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(view); err != nil {
				slog.Debug("websocket write failed", "job_id", jobID, "error", err)
				return
			}
			if models.IsTerminalStatus(view.Status) {
				closeStream(conn, view.Status)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func closeStream(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
