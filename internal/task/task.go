// Package task defines the task status model shared by the RPC client, the poller
// and the server-side queue. It contains lifecycle states, the status snapshot sent
// over the wire, the stored task record, and serialization helpers.
package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type (
	State  string
	Status struct {
		TaskID       ID              `json:"task_id,omitempty"`
		State        State           `json:"status"`
		StartTime    int64           `json:"start_time,omitzero"`
		CurrentTime  int64           `json:"current_time,omitzero"`
		StatusString string          `json:"status_string,omitempty"`
		Error        string          `json:"error,omitempty"`
		Result       json.RawMessage `json:"result,omitempty"`
	}
	Record struct {
		ID           ID              `json:"id"`
		RunID        string          `json:"run_id"`
		Action       string          `json:"action"`
		Args         json.RawMessage `json:"args,omitempty"`
		State        State           `json:"state"`
		StatusString string          `json:"status_string,omitempty"`
		Error        string          `json:"error,omitempty"`
		Result       json.RawMessage `json:"result,omitempty"`
		WorkerID     string          `json:"worker_id,omitempty"`
		CreatedAt    time.Time       `json:"created_at"`
		StartedAt    *time.Time      `json:"started_at,omitempty"`
		CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	}
)

const (
	StateNotStarted State = "not_started"
	StateStarted    State = "started"
	StateCompleted  State = "completed"
	StateCancelled  State = "cancelled"
	StateError      State = "error"
	StateBlocked    State = "blocked"
)

// IsTerminal reports whether no further polling should happen for the state.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateError:
		return true
	default:
		return false
	}
}

func (s State) Valid() bool {
	switch s {
	case StateNotStarted, StateStarted, StateCompleted, StateCancelled, StateError, StateBlocked:
		return true
	default:
		return false
	}
}

func (s State) String() string {
	return string(s)
}

func (s *Status) IsTerminal() bool {
	return s != nil && s.State.IsTerminal()
}

// Elapsed returns whole seconds between the two server timestamps,
// floor((current_time - start_time) / 1000). Missing timestamps yield 0.
func (s *Status) Elapsed() int64 {
	if s == nil || s.StartTime == 0 || s.CurrentTime == 0 {
		return 0
	}

	return floorDiv(s.CurrentTime-s.StartTime, 1000)
}

func (s *Status) ToJSON() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func StatusFromJSON(data []byte) (*Status, error) {
	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}

	return &st, nil
}

// ErrorStatus builds the error-shaped status handed to consumers when a status
// check itself failed.
func ErrorStatus(id ID, err error) *Status {
	st := &Status{TaskID: id, State: StateError}
	if err != nil {
		st.Error = err.Error()
	}

	return st
}

func CancelledStatus(id ID) *Status {
	return &Status{TaskID: id, State: StateCancelled}
}

func NotStartedStatus(id ID) *Status {
	return &Status{TaskID: id, State: StateNotStarted}
}

func BlockedStatus(id ID) *Status {
	return &Status{TaskID: id, State: StateBlocked}
}

// NewRecord creates a record for a freshly launched task. Launching is what
// starts the clock, so StartedAt is set immediately. Every launch of the same
// id gets its own run id.
func NewRecord(id ID, action string, args json.RawMessage) *Record {
	now := time.Now()
	return &Record{
		ID:        id,
		RunID:     uuid.New().String(),
		Action:    action,
		Args:      args,
		State:     StateStarted,
		CreatedAt: now,
		StartedAt: &now,
	}
}

// Snapshot renders the record as the status a client sees at the given instant.
func (r *Record) Snapshot(now time.Time) *Status {
	st := &Status{
		TaskID:       r.ID,
		State:        r.State,
		StatusString: r.StatusString,
		Error:        r.Error,
	}

	switch r.State {
	case StateStarted:
		if r.StartedAt != nil {
			st.StartTime = Millis(*r.StartedAt)
		}
		st.CurrentTime = Millis(now)
	case StateCompleted:
		st.Result = r.Result
	}

	return st
}

// Duration is the run time of a finished record, or zero while it is running.
func (r *Record) Duration() time.Duration {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}

	return r.CompletedAt.Sub(*r.StartedAt)
}

func (r *Record) ToJSON() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func RecordFromJSON(data string) (*Record, error) {
	var r Record
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, err
	}

	return &r, nil
}

// Millis converts t to server epoch milliseconds.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}

	return q
}
