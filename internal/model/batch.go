package model

import "time"

// BatchStatus is the lifecycle state of a batch.
type BatchStatus string

const (
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchCancelled BatchStatus = "cancelled"
)

// Batch is a group of queries submitted together.
type Batch struct {
	ID         string      `json:"id"`
	Total      int         `json:"total"`
	Status     BatchStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// BatchProgress is a point-in-time snapshot of a batch.
type BatchProgress struct {
	BatchID   string           `json:"batch_id"`
	Status    BatchStatus      `json:"status"`
	Total     int64            `json:"total"`
	Processed int64            `json:"processed"`
	Succeeded int64            `json:"succeeded"`
	Failed    int64            `json:"failed"`
	Skipped   int64            `json:"skipped"`
	PerStatus map[Status]int64 `json:"per_status"`
	Done      bool             `json:"done"`
}

// FailedJob is a query whose result could not be persisted.
type FailedJob struct {
	QueryID  string    `json:"query_id"`
	BatchID  string    `json:"batch_id"`
	Name     string    `json:"name"`
	Error    string    `json:"error"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}
