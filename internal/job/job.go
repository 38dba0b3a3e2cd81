package job

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Status is the lifecycle state of a job within one delivery.
type Status string

const (
	StatusReceived   Status = "received"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusRetrying   Status = "retrying"
	StatusDead       Status = "dead"
	StatusDropped    Status = "dropped"
)

var transitions = map[Status][]Status{
	StatusReceived:   {StatusProcessing, StatusDropped},
	StatusProcessing: {StatusDone, StatusRetrying, StatusDead},
}

// CanTransition reports whether from -> to is a legal move.
func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the delivery is finished in this state.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusRetrying, StatusDead, StatusDropped:
		return true
	}
	return false
}

// Job is the unit of work built from one delivery. The ID is generated per
// delivery; Attempt is the retry counter carried by the message.
type Job struct {
	ID         string
	Message    *Message
	Attempt    int
	ReceivedAt time.Time

	mu     sync.Mutex
	status Status
}

// New builds a received job.
func New(id string, msg *Message) *Job {
	return &Job{
		ID:         id,
		Message:    msg,
		Attempt:    msg.Retry,
		ReceivedAt: time.Now().UTC(),
		status:     StatusReceived,
	}
}

// Status returns the current state.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Transition moves the job to the next state.
func (j *Job) Transition(to Status) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.status.CanTransition(to) {
		return fmt.Errorf("job %s: illegal transition %s -> %s", j.ID, j.status, to)
	}
	j.status = to
	return nil
}

// DoneQueue is the queue the result is published to.
func (j *Job) DoneQueue(fallback string) string {
	if j.Message.DoneQueue != "" {
		return j.Message.DoneQueue
	}
	return fallback
}

// Result is what the pipeline produces for a finished job. Clips are in
// segment order; each is an uploaded URL or, when upload was unavailable, the
// local path.
type Result struct {
	JobID   string   `json:"job_id"`
	Clips   []string `json:"clips"`
	Merged  *string  `json:"merged"`
	APILog  string   `json:"api_log"`
	ClipLog string   `json:"clip_log"`
}

// DoneMessage encodes the result for the done queue: the echoed input fields,
// the resolved options and the result fields on top.
func DoneMessage(j *Job, res *Result) ([]byte, error) {
	out := j.Message.Echo()
	out["use_avatar"] = j.Message.UseAvatar
	out["lang"] = j.Message.Lang
	out["job_id"] = res.JobID
	clips := res.Clips
	if clips == nil {
		clips = []string{}
	}
	out["clips"] = clips
	out["merged"] = res.Merged
	out["api_log"] = res.APILog
	out["clip_log"] = res.ClipLog
	out["status"] = string(StatusDone)
	return json.Marshal(out)
}
