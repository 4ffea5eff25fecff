package store

import "time"

// ReconcileRunRecord is a persisted reconciliation run summary.
type ReconcileRunRecord struct {
	ID          string        `json:"id"`
	Bundle      string        `json:"bundle"`
	Status      string        `json:"status"`
	Mutations   int           `json:"mutations"`
	Converged   int           `json:"converged"`
	Failed      int           `json:"failed"`
	Blocked     int           `json:"blocked"`
	Report      string        `json:"report"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// CIRunRecord is a persisted CI run summary.
type CIRunRecord struct {
	ID          string        `json:"id"`
	Workflow    string        `json:"workflow"`
	Passed      int           `json:"passed"`
	Failed      int           `json:"failed"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
