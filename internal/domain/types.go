package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MinInterval is the floor for repeat intervals and the fixed retry backoff.
const MinInterval = 1000 * time.Millisecond

type ScheduleStatus string

const (
	ScheduleScheduled ScheduleStatus = "scheduled"
	ScheduleCompleted ScheduleStatus = "completed"
	ScheduleFailed    ScheduleStatus = "failed"
)

type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageCompleted MessageStatus = "completed"
	MessageFailed    MessageStatus = "failed"
)

type QueueType string

const (
	QueueStandard QueueType = "standard"
	QueueFIFO     QueueType = "fifo"
)

// Schedule is one scheduled webhook job, keyed by its actor id.
type Schedule struct {
	ID             string          `json:"id"`
	Destination    string          `json:"destination"`
	Payload        json.RawMessage `json:"payload"`
	Delay          time.Duration   `json:"delay"`
	MaxRetries     int             `json:"max_retries"`
	Retries        int             `json:"retries"`
	ScheduleAt     time.Time       `json:"schedule_at"`
	RepeatInterval time.Duration   `json:"repeat_interval,omitempty"`
	RepeatCron     string          `json:"repeat_cron,omitempty"`
	Status         ScheduleStatus  `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
}

// QueueConfig is one named queue; Name doubles as the actor key.
type QueueConfig struct {
	Name        string    `json:"name"`
	Parallelism int       `json:"parallelism"`
	Type        QueueType `json:"type"`
	CreatedAt   time.Time `json:"created_at"`
}

// QueueMessage is one enqueued unit of delayed HTTP work.
type QueueMessage struct {
	ID             string            `json:"id"`
	QueueName      string            `json:"queue_name"`
	Destination    string            `json:"destination"`
	Payload        json.RawMessage   `json:"payload"`
	Delay          time.Duration     `json:"delay"`
	MaxRetries     int               `json:"max_retries"`
	Retries        int               `json:"retries"`
	ScheduleAt     time.Time         `json:"schedule_at"`
	Method         string            `json:"method"`
	Headers        map[string]string `json:"headers,omitempty"`
	Status         MessageStatus     `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	SequenceNumber int64             `json:"sequence_number,omitempty"` // fifo queues only
}

// RepeatSpec configures recurrence; when both are set, Interval wins.
type RepeatSpec struct {
	Interval int64  `json:"interval,omitempty"` // milliseconds
	Cron     string `json:"cron,omitempty"`
}

// JobConfig is the submission config shared by schedules and queue messages.
// Delay and repeat interval are expressed in milliseconds on the wire.
type JobConfig struct {
	Destination string            `json:"destination"`
	Delay       int64             `json:"delay,omitempty"`
	MaxRetries  int               `json:"max_retries,omitempty"`
	Repeat      *RepeatSpec       `json:"repeat,omitempty"`
	Method      string            `json:"method,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// JobRequest is the full submission body, kept verbatim in actor scratch
// storage so the wake handler can replay it.
type JobRequest struct {
	Config  JobConfig       `json:"config"`
	Payload json.RawMessage `json:"payload"`
}

// QueueRequest creates or overwrites a queue config.
type QueueRequest struct {
	Name        string `json:"name"`
	Parallelism int    `json:"parallelism,omitempty"`
	Type        string `json:"type,omitempty"`
}

// ErrNotFound reports an operation against an absent schedule or queue.
var ErrNotFound = errors.New("not found")

// ValidationError rejects malformed input before any state is mutated.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
