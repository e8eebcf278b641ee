package api

import (
	"log"
	"net/http"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/gorilla/websocket"
	"github.com/nadmax/taskrpc/internal/httputil"
	"github.com/nadmax/taskrpc/internal/metrics"
	"github.com/nadmax/taskrpc/internal/rpc"
	"github.com/nadmax/taskrpc/internal/task"
)

const (
	writeWait       = 10 * time.Second
	refreshInterval = 2 * time.Second
)

// handleStream pushes status frames for one task over a websocket. The
// current status goes first, then every published change, plus a fresh
// snapshot every refreshInterval so elapsed time keeps moving. The stream
// ends after a terminal status.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	id := task.ID(r.URL.Query().Get("task_id"))
	if id == "" {
		httputil.WriteJSONError(w, "task_id is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	sub := a.queue.Subscribe(ctx, id)
	defer func() {
		if err := sub.Close(); err != nil {
			log.Printf("[Task %s] Failed to close subscription: %v", id, err)
		}
	}()

	if _, err := sub.Receive(ctx); err != nil {
		httputil.WriteJSONError(w, "Status stream unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Task %s] Websocket upgrade failed: %v", id, err)
		return
	}
	defer func() { _ = conn.Close() }()

	metrics.UpdateStreamSubscribers(1)
	defer metrics.UpdateStreamSubscribers(-1)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	snapshot := func() bool {
		st, err := a.queue.Status(ctx, id)
		if err != nil {
			writeStreamError(conn, id, err.Error())
			return false
		}

		return writeStatus(conn, st)
	}

	if !snapshot() {
		return
	}

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	updates := sub.Channel()
	for {
		select {
		case <-closed:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-updates:
			if !ok {
				return
			}

			st, err := task.StatusFromJSON([]byte(msg.Payload))
			if err != nil {
				log.Printf("[Task %s] Invalid published status: %v", id, err)
				continue
			}
			if !writeStatus(conn, st) {
				return
			}
		case <-ticker.C:
			if !snapshot() {
				return
			}
		}
	}
}

// writeStatus sends st and reports whether the stream should go on.
func writeStatus(conn *websocket.Conn, st *task.Status) bool {
	data, err := json.Marshal(st)
	if err != nil {
		writeStreamError(conn, st.TaskID, err.Error())
		return false
	}

	if err := writeFrame(conn, rpc.StreamMessage{Type: rpc.StreamTypeStatus, Status: jsontext.Value(data)}); err != nil {
		return false
	}

	if st.IsTerminal() {
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(st.State))
		_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeWait))
		return false
	}

	return true
}

func writeStreamError(conn *websocket.Conn, id task.ID, msg string) {
	log.Printf("[Task %s] Stream error: %s", id, msg)
	_ = writeFrame(conn, rpc.StreamMessage{Type: rpc.StreamTypeError, Error: msg})
}

func writeFrame(conn *websocket.Conn, msg rpc.StreamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}

	return conn.WriteMessage(websocket.TextMessage, data)
}
