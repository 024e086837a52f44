package execution

import (
	"encoding/json"
	"time"
)

// ConversationTurn is one transcript turn reported by the runner.
type ConversationTurn struct {
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	Timestamp      string          `json:"timestamp"`
	ResponseTimeMs *int64          `json:"responseTimeMs,omitempty"`
	StepID         string          `json:"stepId,omitempty"`
	Validation     json.RawMessage `json:"validation,omitempty"`
}

// LiveConversation buffers the turns and tool calls of one test. Both slices
// only grow; repeated input is kept as repeated entries.
type LiveConversation struct {
	Transcript  []ConversationTurn `json:"transcript"`
	APICalls    []map[string]any   `json:"apiCalls"`
	LastUpdated time.Time          `json:"lastUpdated"`
}

func newLiveConversation() *LiveConversation {
	return &LiveConversation{
		Transcript:  []ConversationTurn{},
		APICalls:    []map[string]any{},
		LastUpdated: time.Now(),
	}
}

func (c *LiveConversation) appendTurn(turn ConversationTurn, now time.Time) int {
	if turn.Timestamp == "" {
		turn.Timestamp = now.UTC().Format(time.RFC3339Nano)
	}
	c.Transcript = append(c.Transcript, turn)
	c.LastUpdated = now
	return len(c.Transcript) - 1
}

// appendAPICall stores a copy of call under the next sequence id, starting at 1.
func (c *LiveConversation) appendAPICall(call map[string]any, now time.Time) map[string]any {
	record := make(map[string]any, len(call)+1)
	for k, v := range call {
		record[k] = v
	}
	record["id"] = len(c.APICalls) + 1
	c.APICalls = append(c.APICalls, record)
	c.LastUpdated = now
	return record
}

func (c *LiveConversation) clone() LiveConversation {
	out := LiveConversation{
		Transcript:  make([]ConversationTurn, len(c.Transcript)),
		APICalls:    make([]map[string]any, len(c.APICalls)),
		LastUpdated: c.LastUpdated,
	}
	copy(out.Transcript, c.Transcript)
	copy(out.APICalls, c.APICalls)
	return out
}
