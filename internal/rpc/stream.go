package rpc

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-json-experiment/json"
	"github.com/google/uuid"
	"github.com/nadmax/taskrpc/internal/task"
)

// WatchStatus opens the server push stream for id. The channel receives every
// status the server pushes and is closed after a terminal status, when the
// connection drops, or when ctx is done.
func (c *Client) WatchStatus(ctx context.Context, id task.ID) (<-chan *task.Status, error) {
	u, err := url.Parse(c.baseURL + StreamPath)
	if err != nil {
		return nil, fmt.Errorf("invalid stream url: %w", err)
	}

	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}

	q := u.Query()
	q.Set("task_id", id.String())
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set(RequestIDHeader, uuid.New().String())

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			return nil, &TransportError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data)), Err: err}
		}
		return nil, &TransportError{Err: err}
	}

	updates := make(chan *task.Status)
	done := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	go func() {
		defer close(updates)
		defer close(done)
		defer func() { _ = conn.Close() }()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}

			var msg StreamMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Printf("[Task %s] invalid stream frame: %v", id, err)
				return
			}

			if msg.Type == StreamTypeError {
				log.Printf("[Task %s] stream error: %s", id, msg.Error)
				return
			}

			var st task.Status
			if err := json.Unmarshal(msg.Status, &st); err != nil {
				log.Printf("[Task %s] invalid status in stream: %v", id, err)
				return
			}

			select {
			case updates <- &st:
			case <-ctx.Done():
				return
			}

			if st.IsTerminal() {
				return
			}
		}
	}()

	return updates, nil
}
