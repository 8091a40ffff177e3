package stores

import (
	"time"
)

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// HistoryEntry is one archived job outcome for an environment. Entries
// outlive the in-memory ticket retention window.
type HistoryEntry struct {
	ID           int64     `json:"id"`
	JobID        string    `json:"job_id"`
	Environment  string    `json:"environment"`
	Kind         string    `json:"kind"`
	State        string    `json:"state"`
	Message      string    `json:"message"`
	SuccessCount int       `json:"success_count"`
	FailureCount int       `json:"failure_count"`
	FailedUnits  []string  `json:"failed_units,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	RecordedAt   time.Time `json:"recorded_at"`
}
