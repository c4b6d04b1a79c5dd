package audit

import "time"

// RunRecord is the persisted summary of one completed run.
type RunRecord struct {
	RunID          string    `db:"run_id"`
	ConversationID string    `db:"conversation_id"`
	Query          string    `db:"query"`
	Classification string    `db:"classification"`
	Status         string    `db:"status"`
	FinalAnswer    string    `db:"final_answer"`
	Confidence     float64   `db:"confidence"`
	FromCache      bool      `db:"from_cache"`
	RetryCount     int       `db:"retry_count"`
	DurationMs     int64     `db:"duration_ms"`
	CreatedAt      time.Time `db:"created_at"`
}

// StepRecord is one persisted step execution from a run's trail.
type StepRecord struct {
	RunID        string `db:"run_id"`
	Position     int    `db:"position"`
	StepName     string `db:"step_name"`
	Success      bool   `db:"success"`
	DurationMs   int64  `db:"duration_ms"`
	ErrorMessage string `db:"error_message"`
}
