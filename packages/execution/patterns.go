package execution

import (
	"regexp"
	"strconv"
)

// LegacyPatternsVersion names the runner log wording matched by
// legacyPatterns. Bump it when the runner's plain-text markers change.
const LegacyPatternsVersion = "goal-test-runner/v1"

type legacyPattern struct {
	name string
	re   *regexp.Regexp
	// sequentialOnly patterns are ignored when the run has more than one worker.
	sequentialOnly bool
	apply          func(s *ExecutionState, m []string) []Event
}

// legacyPatterns is tried in order and the first match wins.
var legacyPatterns = []legacyPattern{
	{
		name:  "worker-start",
		re:    regexp.MustCompile(`^\[Worker (\d+)\] Starting: (\S+) - (.+)$`),
		apply: applyWorkerStart,
	},
	{
		name:  "worker-pass",
		re:    regexp.MustCompile(`^\[Worker (\d+)\] (?:✓|✅)?\s*PASS(?:ED)?:?\s+(\S+)`),
		apply: applyWorkerPass,
	},
	{
		name:  "worker-fail",
		re:    regexp.MustCompile(`^\[Worker (\d+)\] (?:✗|❌)?\s*(?:FAIL(?:ED)?|ERROR):?\s+(\S+)`),
		apply: applyWorkerFail,
	},
	{
		name:  "worker-finished",
		re:    regexp.MustCompile(`^\[Worker (\d+)\] (?:Finished|Done|No more tests)`),
		apply: applyWorkerFinished,
	},
	{
		name:  "goaltest-start",
		re:    regexp.MustCompile(`^\[GoalTest\] Starting: (\S+) - (.+)$`),
		apply: applySequentialStart,
	},
	{
		name:  "goaltest-pass",
		re:    regexp.MustCompile(`^\[GoalTest\] (?:✓|✅)?\s*PASS(?:ED)?:?\s+(\S+)`),
		apply: applySequentialPass,
	},
	{
		name:  "goaltest-fail",
		re:    regexp.MustCompile(`^\[GoalTest\] (?:✗|❌)?\s*(?:FAIL(?:ED)?|ERROR):?\s+(\S+)`),
		apply: applySequentialFail,
	},
	{
		name:  "total",
		re:    regexp.MustCompile(`Found (\d+) (?:goal )?tests? to run`),
		apply: applyTotal,
	},
	{
		name:           "pass-prefix",
		re:             regexp.MustCompile(`^(?:✓|✅)\s`),
		sequentialOnly: true,
		apply: func(s *ExecutionState, _ []string) []Event {
			s.recordPass()
			return []Event{progressEvent(s.progress)}
		},
	},
	{
		name:           "fail-prefix",
		re:             regexp.MustCompile(`^(?:✗|❌)\s`),
		sequentialOnly: true,
		apply: func(s *ExecutionState, _ []string) []Event {
			s.recordFail()
			return []Event{progressEvent(s.progress)}
		},
	},
}

func workerIndex(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return n
}

func startWorker(s *ExecutionState, id int, testID, testName string) []Event {
	s.conversation(testID)
	w, ok := s.setWorker(id, WorkerRunning, &testID, &testName)
	if !ok {
		return nil
	}
	return []Event{workerEvent(w)}
}

func finishTest(s *ExecutionState, id int, passed bool) []Event {
	if passed {
		s.recordPass()
	} else {
		s.recordFail()
	}
	events := []Event{progressEvent(s.progress)}
	if w, ok := s.setWorker(id, WorkerIdle, nil, nil); ok {
		events = append(events, workerEvent(w))
	}
	return events
}

func applyWorkerStart(s *ExecutionState, m []string) []Event {
	return startWorker(s, workerIndex(m[1]), m[2], m[3])
}

func applyWorkerPass(s *ExecutionState, m []string) []Event {
	return finishTest(s, workerIndex(m[1]), true)
}

func applyWorkerFail(s *ExecutionState, m []string) []Event {
	return finishTest(s, workerIndex(m[1]), false)
}

func applyWorkerFinished(s *ExecutionState, m []string) []Event {
	w, ok := s.setWorker(workerIndex(m[1]), WorkerCompleted, nil, nil)
	if !ok {
		return nil
	}
	return []Event{workerEvent(w)}
}

func applySequentialStart(s *ExecutionState, m []string) []Event {
	return startWorker(s, 0, m[1], m[2])
}

func applySequentialPass(s *ExecutionState, _ []string) []Event {
	return finishTest(s, 0, true)
}

func applySequentialFail(s *ExecutionState, _ []string) []Event {
	return finishTest(s, 0, false)
}

func applyTotal(s *ExecutionState, m []string) []Event {
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	s.progress.Total = n
	return []Event{progressEvent(s.progress)}
}
