package jobqueue

import (
	"database/sql"
	"time"

	"github.com/dkeye/studio/internal/domain"
)

const jobColumns = `key, kind, payload, status, attempts, max_attempts, last_error,
    available_at, heartbeat_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.Job, error) {
	var (
		job                               domain.Job
		kind, payload, status             string
		lastError, heartbeat              sql.NullString
		availableAt, createdAt, updatedAt string
	)
	if err := row.Scan(
		&job.Key, &kind, &payload, &status, &job.Attempts, &job.MaxAttempts, &lastError,
		&availableAt, &heartbeat, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	job.Kind = domain.JobKind(kind)
	job.Payload = []byte(payload)
	job.Status = domain.JobStatus(status)
	job.LastError = lastError.String
	job.AvailableAt = parseTime(availableAt)
	job.HeartbeatAt = parseTime(heartbeat.String)
	job.CreatedAt = parseTime(createdAt)
	job.UpdatedAt = parseTime(updatedAt)
	return &job, nil
}

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
