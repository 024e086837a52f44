package execution

import "github.com/dentix-ortho/goaltest-server/packages/common"

// Push-stream event names.
const (
	EventExecutionStarted   = "execution-started"
	EventProgressUpdate     = "progress-update"
	EventWorkerStatus       = "worker-status"
	EventWorkersUpdate      = "workers-update"
	EventConversationUpdate = "conversation-update"
	EventAPICallUpdate      = "api-call-update"
	EventExecutionCompleted = "execution-completed"
	EventExecutionStopped   = "execution-stopped"
	EventExecutionError     = "execution-error"
	EventExecutionPaused    = "execution-paused"
	EventExecutionResumed   = "execution-resumed"
)

// Event is a named payload pushed to every subscriber of a run.
type Event struct {
	Name    string
	Payload any
}

type executionStartedPayload struct {
	RunID       string `json:"runId"`
	Status      Status `json:"status"`
	Concurrency int    `json:"concurrency"`
}

type conversationUpdatePayload struct {
	TestID     string           `json:"testId"`
	Turn       ConversationTurn `json:"turn"`
	TurnIndex  int              `json:"turnIndex"`
	TotalTurns int              `json:"totalTurns"`
}

type apiCallUpdatePayload struct {
	TestID  string         `json:"testId"`
	APICall map[string]any `json:"apiCall"`
}

type runStatusPayload struct {
	RunID    string           `json:"runId"`
	Status   Status           `json:"status"`
	Progress *common.Progress `json:"progress,omitempty"`
}

type errorPayload struct {
	Error string `json:"error"`
}

func progressEvent(p common.Progress) Event {
	return Event{Name: EventProgressUpdate, Payload: p}
}

func workerEvent(w WorkerStatus) Event {
	return Event{Name: EventWorkerStatus, Payload: w}
}
