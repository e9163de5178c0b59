package domain

import (
	"encoding/json"
	"time"
)

type Status string

const (
	Queued      Status = "queued"
	Locked      Status = "locked"
	Completed   Status = "completed"
	Failed      Status = "failed"
	LockExpired Status = "lock_expired"
)

// Terminal reports whether no further transitions are possible for a task
// in this status. LockExpired is terminal only once the task ran out of
// attempts; before that the endpoint puts it back to Queued.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed || s == LockExpired
}

// Task is one unit of work claimed from the endpoint. WorkerID and
// LockExpiresAt describe the lock as the endpoint granted it.
type Task struct {
	ID            string          `json:"id"`
	Topic         string          `json:"topic"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	WorkerID      string          `json:"workerId"`
	LockExpiresAt time.Time       `json:"lockExpiresAt"`
	Attempt       int             `json:"attempt"`
}

// Decode unmarshals the task payload into v.
func (t Task) Decode(v any) error {
	if len(t.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(t.Payload, v)
}

// TaskError is the failure report sent with a fail call.
type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e TaskError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}
