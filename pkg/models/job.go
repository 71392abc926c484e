package models

import (
	"time"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"    // Waiting in the backlog
	JobStatusRunning   JobStatus = "running"   // Holding a worker slot
	JobStatusSucceeded JobStatus = "succeeded" // Finished with a result
	JobStatusFailed    JobStatus = "failed"    // Finished with an error kind
	JobStatusCancelled JobStatus = "cancelled" // Cancelled by a user or shutdown
)

// JobKind selects which runner executes a job
type JobKind string

const (
	JobKindBrowserFetch JobKind = "browser_fetch" // Render a page, return HTML or script output
	JobKindTranscode    JobKind = "transcode"     // Encode a media reference into a target format
	JobKindCapture      JobKind = "capture"       // Screenshot a page, then encode it
)

// Valid reports whether k is a known job kind
func (k JobKind) Valid() bool {
	switch k {
	case JobKindBrowserFetch, JobKindTranscode, JobKindCapture:
		return true
	}
	return false
}

// JobPayload carries the kind-specific inputs of a job
type JobPayload struct {
	Target string `json:"target"`           // URL or media reference
	Script string `json:"script,omitempty"` // Optional in-page script (browser jobs)
	Format string `json:"format,omitempty"` // Target format (transcode and capture jobs)
}

// ConversationContext identifies where a job's reply must be delivered
type ConversationContext struct {
	Platform  string `json:"platform"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name,omitempty"`
	GuildID   string `json:"guild_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// Key returns a stable key for per-user bookkeeping such as rate limits
func (c ConversationContext) Key() string {
	return c.Platform + ":" + c.UserID
}

// Job is a unit of work owned by the scheduler
type Job struct {
	ID               string              `json:"id"`
	Kind             JobKind             `json:"kind"`
	Payload          JobPayload          `json:"payload"`
	Conversation     ConversationContext `json:"conversation"`
	Status           JobStatus           `json:"status"`
	CreatedAt        time.Time           `json:"created_at"`
	StartedAt        *time.Time          `json:"started_at,omitempty"`
	CompletedAt      *time.Time          `json:"completed_at,omitempty"`
	RetryCount       int                 `json:"retry_count"`
	Result           *JobResult          `json:"result,omitempty"`
	ErrorKind        ErrorKind           `json:"error_kind,omitempty"`
	Error            string              `json:"error,omitempty"`
	StateTransitions []StateTransition   `json:"state_transitions,omitempty"`
}

// JobRequest is what callers hand to the scheduler
type JobRequest struct {
	Kind         JobKind             `json:"kind"`
	Payload      JobPayload          `json:"payload"`
	Conversation ConversationContext `json:"conversation"`
}

// JobResult holds the output of a successful job. Exactly one field is set
// for browser_fetch and transcode jobs; capture jobs set both.
type JobResult struct {
	Browser *BrowserResult `json:"browser,omitempty"`
	Media   *MediaArtifact `json:"media,omitempty"`
}

// StateTransition records one status change
type StateTransition struct {
	From      JobStatus `json:"from"`
	To        JobStatus `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// Clone returns a deep copy that shares no mutable state with j
func (j *Job) Clone() Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.StateTransitions != nil {
		c.StateTransitions = append([]StateTransition(nil), j.StateTransitions...)
	}
	if j.Result != nil {
		r := JobResult{}
		if j.Result.Browser != nil {
			b := j.Result.Browser.Clone()
			r.Browser = &b
		}
		if j.Result.Media != nil {
			m := *j.Result.Media
			r.Media = &m
		}
		c.Result = &r
	}
	return c
}

// Duration returns how long the job ran, or zero if it never started
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	return end.Sub(*j.StartedAt)
}
