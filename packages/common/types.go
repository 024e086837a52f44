package common

import "time"

// Progress holds the aggregate counters of a run.
type Progress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Passed    int `json:"passed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// RunStatus is the persisted status of a test run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusAborted   RunStatus = "aborted"
)

// Terminal reports whether no further updates are expected for the run.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusAborted:
		return true
	}
	return false
}

// Run is a persisted test run row.
type Run struct {
	RunID       string     `json:"runId"`
	Status      RunStatus  `json:"status"`
	Concurrency int        `json:"concurrency"`
	Progress    Progress   `json:"progress"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Result is the stored outcome of one goal test.
type Result struct {
	ID           int64     `json:"id"`
	RunID        string    `json:"runId"`
	TestID       string    `json:"testId"`
	TestName     string    `json:"testName"`
	Category     string    `json:"category"`
	Status       string    `json:"status"`
	DurationMs   int64     `json:"durationMs"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Finding is an issue the runner recorded against a test.
type Finding struct {
	ID          int64     `json:"id"`
	RunID       string    `json:"runId"`
	TestID      string    `json:"testId"`
	Type        string    `json:"type"`
	Severity    string    `json:"severity"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
}

// TranscriptTurn is one stored conversation turn.
type TranscriptTurn struct {
	ID             int64     `json:"id"`
	RunID          string    `json:"runId"`
	TestID         string    `json:"testId"`
	TurnIndex      int       `json:"turnIndex"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	ResponseTimeMs *int64    `json:"responseTimeMs,omitempty"`
	StepID         string    `json:"stepId,omitempty"`
	CreatedAt      time.Time `json:"timestamp"`
}

// APICallRecord is one stored tool call made during a test.
type APICallRecord struct {
	ID              int64     `json:"id"`
	RunID           string    `json:"runId"`
	TestID          string    `json:"testId"`
	ToolName        string    `json:"toolName"`
	RequestPayload  string    `json:"requestPayload,omitempty"`
	ResponsePayload string    `json:"responsePayload,omitempty"`
	Status          string    `json:"status"`
	DurationMs      int64     `json:"durationMs"`
	CreatedAt       time.Time `json:"timestamp"`
}

// FlowiseConfig is a stored Flowise profile.
type FlowiseConfig struct {
	ID        int64  `json:"id"`
	TenantID  int64  `json:"tenantId"`
	Name      string `json:"name"`
	URL       string `json:"url"`
	APIKey    string `json:"-"`
	IsDefault bool   `json:"isDefault"`
}

// LangfuseConfig is a stored Langfuse profile.
type LangfuseConfig struct {
	ID        int64  `json:"id"`
	TenantID  int64  `json:"tenantId"`
	Name      string `json:"name"`
	Host      string `json:"host"`
	PublicKey string `json:"-"`
	SecretKey string `json:"-"`
	IsDefault bool   `json:"isDefault"`
}
