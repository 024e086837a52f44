package execution

import (
	"sync"
	"time"

	"github.com/dentix-ortho/goaltest-server/packages/common"
	"github.com/dentix-ortho/goaltest-server/packages/sse"
)

// Status is the lifecycle status of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
	// StatusFailed marks a natural exit with a non-zero code.
	StatusFailed Status = "failed"
	// StatusError marks a run whose process never started.
	StatusError Status = "error"
)

func (s Status) runStatus() common.RunStatus {
	switch s {
	case StatusPaused:
		return common.RunStatusPaused
	case StatusCompleted:
		return common.RunStatusCompleted
	case StatusFailed, StatusError:
		return common.RunStatusFailed
	case StatusStopped:
		return common.RunStatusAborted
	default:
		return common.RunStatusRunning
	}
}

// WorkerState is the state of one worker lane.
type WorkerState string

const (
	WorkerIdle      WorkerState = "idle"
	WorkerRunning   WorkerState = "running"
	WorkerCompleted WorkerState = "completed"
	WorkerError     WorkerState = "error"
)

// WorkerStatus is one worker lane. Nil test fields serialize as null.
type WorkerStatus struct {
	WorkerID        int         `json:"workerId"`
	Status          WorkerState `json:"status"`
	CurrentTestID   *string     `json:"currentTestId"`
	CurrentTestName *string     `json:"currentTestName"`
}

// ExecutionState is everything tracked for one live run. All fields below mu
// are guarded by it; no other lock is taken while mu is held except the
// registry's when evicting.
type ExecutionState struct {
	RunID       string
	Concurrency int
	StartedAt   time.Time

	mu            sync.Mutex
	status        Status
	progress      common.Progress
	workers       []WorkerStatus
	conns         map[string]sse.Handle
	conversations map[string]*LiveConversation
	process       Process
	finalized     bool
	finalEvent    *Event
	exited        chan struct{}
	writer        *progressWriter
}

func newExecutionState(runID string, concurrency int, now time.Time) *ExecutionState {
	workers := make([]WorkerStatus, concurrency)
	for i := range workers {
		workers[i] = WorkerStatus{WorkerID: i, Status: WorkerIdle}
	}
	return &ExecutionState{
		RunID:         runID,
		Concurrency:   concurrency,
		StartedAt:     now,
		status:        StatusRunning,
		workers:       workers,
		conns:         make(map[string]sse.Handle),
		conversations: make(map[string]*LiveConversation),
		exited:        make(chan struct{}),
	}
}

// Parallel reports whether worker lanes are addressed by the runner's
// "[Worker N]" prefixes rather than the fixed sequential lane 0.
func (s *ExecutionState) Parallel() bool {
	return s.Concurrency > 1
}

// Status returns the current status.
func (s *ExecutionState) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Progress returns a copy of the counters.
func (s *ExecutionState) Progress() common.Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Workers returns a copy of every worker lane.
func (s *ExecutionState) Workers() []WorkerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workersLocked()
}

// ConnectionCount returns the number of attached push-stream handles.
func (s *ExecutionState) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *ExecutionState) workersLocked() []WorkerStatus {
	out := make([]WorkerStatus, len(s.workers))
	copy(out, s.workers)
	return out
}

func (s *ExecutionState) setWorker(id int, state WorkerState, testID, testName *string) (WorkerStatus, bool) {
	if id < 0 || id >= len(s.workers) {
		return WorkerStatus{}, false
	}
	s.workers[id] = WorkerStatus{
		WorkerID:        id,
		Status:          state,
		CurrentTestID:   testID,
		CurrentTestName: testName,
	}
	return s.workers[id], true
}

func (s *ExecutionState) recordPass() {
	s.progress.Completed++
	s.progress.Passed++
}

func (s *ExecutionState) recordFail() {
	s.progress.Completed++
	s.progress.Failed++
}

func (s *ExecutionState) conversation(testID string) *LiveConversation {
	conv, ok := s.conversations[testID]
	if !ok {
		conv = newLiveConversation()
		s.conversations[testID] = conv
	}
	return conv
}

// Conversation returns a copy of a test's live conversation.
func (s *ExecutionState) Conversation(testID string) (LiveConversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[testID]
	if !ok {
		return LiveConversation{}, false
	}
	return conv.clone(), true
}
