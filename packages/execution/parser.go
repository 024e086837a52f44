package execution

import (
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"
)

// structuredLine is a JSON line printed by the runner. Only the fields of the
// matching type are populated.
type structuredLine struct {
	Type     string            `json:"type"`
	TestID   string            `json:"testId"`
	TestName string            `json:"testName"`
	WorkerID *int              `json:"workerId"`
	Turn     *ConversationTurn `json:"turn"`
	APICall  map[string]any    `json:"apiCall"`
}

// OutputParser turns runner stdout lines into state mutations and events.
// It holds no state of its own; callers serialize lines per run by holding
// the run lock around Apply.
type OutputParser struct {
	now func() time.Time
	log *zap.Logger
}

func NewOutputParser(log *zap.Logger) *OutputParser {
	return &OutputParser{now: time.Now, log: log}
}

// Apply interprets one line against s and returns the events to broadcast,
// in order. Structured JSON is tried first; anything it cannot interpret
// falls through to the legacy text patterns. Lines matching nothing yield no
// events. s.mu must be held.
func (p *OutputParser) Apply(s *ExecutionState, line string) []Event {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if strings.HasPrefix(line, "{") {
		if events, ok := p.applyStructured(s, line); ok {
			return events
		}
	}
	return p.applyLegacy(s, line)
}

func (p *OutputParser) applyStructured(s *ExecutionState, line string) ([]Event, bool) {
	var msg structuredLine
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return nil, false
	}
	if msg.TestID == "" {
		return nil, false
	}

	switch msg.Type {
	case "test-started":
		worker := 0
		if s.Parallel() && msg.WorkerID != nil {
			worker = *msg.WorkerID
		}
		name := msg.TestName
		if name == "" {
			name = msg.TestID
		}
		return startWorker(s, worker, msg.TestID, name), true

	case "conversation-turn":
		if msg.Turn == nil {
			return nil, false
		}
		conv := s.conversation(msg.TestID)
		idx := conv.appendTurn(*msg.Turn, p.now())
		return []Event{{
			Name: EventConversationUpdate,
			Payload: conversationUpdatePayload{
				TestID:     msg.TestID,
				Turn:       conv.Transcript[idx],
				TurnIndex:  idx,
				TotalTurns: len(conv.Transcript),
			},
		}}, true

	case "api-call":
		if msg.APICall == nil {
			return nil, false
		}
		record := s.conversation(msg.TestID).appendAPICall(msg.APICall, p.now())
		return []Event{{
			Name:    EventAPICallUpdate,
			Payload: apiCallUpdatePayload{TestID: msg.TestID, APICall: record},
		}}, true
	}
	return nil, false
}

func (p *OutputParser) applyLegacy(s *ExecutionState, line string) []Event {
	for _, pat := range legacyPatterns {
		if pat.sequentialOnly && s.Parallel() {
			continue
		}
		m := pat.re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		p.log.Debug("Matched legacy pattern",
			zap.String("run_id", s.RunID),
			zap.String("pattern", pat.name),
			zap.String("patterns", LegacyPatternsVersion))
		return pat.apply(s, m)
	}
	return nil
}
