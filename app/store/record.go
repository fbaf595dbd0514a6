package store

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status of a job record
type Status string

// enum of job statuses
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Statuses lists all valid statuses in lifecycle order
var Statuses = []Status{StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCanceled}

// TimeLayout is the format of all timestamps kept in records, always UTC with milliseconds
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

var (
	// ErrInvalidRecord returned for malformed records
	ErrInvalidRecord = errors.New("invalid job record")
	// ErrInvalidTransition returned for status changes outside of the job lifecycle
	ErrInvalidTransition = errors.New("invalid status transition")
)

// JobRecord is the durable lifecycle state of a single job
type JobRecord struct {
	JobID         string `json:"jobId"`
	EndpointName  string `json:"endpointName"`
	Status        Status `json:"status"`
	CreatedAt     string `json:"createdAt"`
	StartedAt     string `json:"startedAt,omitempty"`
	EndedAt       string `json:"endedAt,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`
}

// IsValid checks if status is one of known statuses
func (s Status) IsValid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// IsTerminal returns true for completed, failed and canceled
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

func (s Status) String() string { return string(s) }

// FormatTime converts t to the record timestamp format
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses record timestamp
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// Validate checks required fields and the status enum
func (r JobRecord) Validate() error {
	if strings.TrimSpace(r.JobID) == "" {
		return fmt.Errorf("%w: jobId must be a non-empty string", ErrInvalidRecord)
	}
	if strings.TrimSpace(r.EndpointName) == "" {
		return fmt.Errorf("%w: endpointName must be a non-empty string, job %s", ErrInvalidRecord, r.JobID)
	}
	if !r.Status.IsValid() {
		return fmt.Errorf("%w: status %q is invalid, job %s", ErrInvalidRecord, r.Status, r.JobID)
	}
	if strings.TrimSpace(r.CreatedAt) == "" {
		return fmt.Errorf("%w: createdAt must be a non-empty string, job %s", ErrInvalidRecord, r.JobID)
	}
	return nil
}

// ValidateTransition checks the change of status from -> to follows
// queued -> running -> {completed|failed|canceled} or queued -> canceled.
// Same status is allowed, it means no status change.
func ValidateTransition(from, to Status) error {
	if from == to {
		return nil
	}
	switch from {
	case StatusQueued:
		if to == StatusRunning || to == StatusCanceled {
			return nil
		}
	case StatusRunning:
		if to.IsTerminal() {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
