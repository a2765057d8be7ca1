package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

type JobKind string

const (
	JobReassembleTrack JobKind = "reassemble_track"
	JobMergeConference JobKind = "merge_conference"
)

type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobDead    JobStatus = "dead"
)

// Job is one queue row. Key is unique for the lifetime of the queue.
type Job struct {
	Key         string
	Kind        JobKind
	Payload     []byte
	Status      JobStatus
	Attempts    int
	MaxAttempts int
	LastError   string
	AvailableAt time.Time
	HeartbeatAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ReassemblePayload describes one track to reassemble. Times are epoch milliseconds.
type ReassemblePayload struct {
	Room        RoomID        `json:"room" validate:"required,id"`
	Session     SessionID     `json:"session" validate:"required,id"`
	Track       TrackID       `json:"track" validate:"required,id"`
	Participant ParticipantID `json:"participant,omitempty"`
	StartedAt   int64         `json:"startedAt" validate:"gte=0"`
	EndedAt     int64         `json:"endedAt" validate:"gtefield=StartedAt"`
}

func (p ReassemblePayload) Key() string {
	return fmt.Sprintf("track:%s:%s:%s", p.Room, p.Session, p.Track)
}

// MergePayload names the session to merge; tracks are re-read when the job runs.
type MergePayload struct {
	Room        RoomID    `json:"room" validate:"required,id"`
	Session     SessionID `json:"session" validate:"required,id"`
	AudioSource TrackID   `json:"audioSource,omitempty" validate:"omitempty,id"`
}

func (p MergePayload) Key() string {
	return fmt.Sprintf("merge:%s:%s", p.Room, p.Session)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// "id" marks fields that end up inside object and job keys.
	_ = v.RegisterValidation("id", func(fl validator.FieldLevel) bool {
		return CheckID(fl.Field().String()) == nil
	})
	return v
}

// Validate checks struct tags and tags failures with ErrValidation.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		return Wrap(ErrValidation, "", "validate", fmt.Sprintf("%T", v), err)
	}
	return nil
}

// DecodePayload unmarshals and validates a job payload.
func DecodePayload(job Job, out any) error {
	if err := json.Unmarshal(job.Payload, out); err != nil {
		return Wrap(ErrValidation, string(job.Kind), "decode payload", job.Key, err)
	}
	return Validate(out)
}

// Millis converts a time to epoch milliseconds; zero time maps to 0.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis is the inverse of Millis.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
