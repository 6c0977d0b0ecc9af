package domain

import (
	"encoding/json"
	"time"
)

// ChatRequest is what the office UI posts to /api/chat.
type ChatRequest struct {
	Message       string `json:"message"`
	Topic         string `json:"meetingTopic"`
	ParticipantID string `json:"participantId"`
}

// UnmarshalJSON accepts the older "topic" key as a stand-in for "meetingTopic".
func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	type plain ChatRequest
	var aux struct {
		plain
		LegacyTopic string `json:"topic"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = ChatRequest(aux.plain)
	if r.Topic == "" {
		r.Topic = aux.LegacyTopic
	}
	return nil
}

// ChatReply is returned to the UI, either the agent's answer or a fallback.
type ChatReply struct {
	Content      string `json:"content"`
	SenderName   string `json:"senderName"`
	SenderAvatar string `json:"senderAvatar"`
}

// Reply is posted by the external agent to complete a pending request.
type Reply struct {
	RequestID    string `json:"requestId"`
	Content      string `json:"content"`
	SenderName   string `json:"senderName,omitempty"`
	SenderAvatar string `json:"senderAvatar,omitempty"`
}

// QueuedMessage is one chat message waiting for the agent to pick it up.
type QueuedMessage struct {
	RequestID     string    `json:"requestId"`
	Message       string    `json:"message"`
	Topic         string    `json:"meetingTopic"`
	ParticipantID string    `json:"participantId,omitempty"`
	TunnelURL     string    `json:"tunnelUrl,omitempty"`
	EnqueuedAt    time.Time `json:"-"`
}

// MarshalJSON writes the enqueue time as Unix milliseconds, the format
// existing pollers read from the "timestamp" field.
func (m QueuedMessage) MarshalJSON() ([]byte, error) {
	type plain QueuedMessage
	return json.Marshal(struct {
		plain
		Timestamp int64 `json:"timestamp"`
	}{plain(m), m.EnqueuedAt.UnixMilli()})
}

// UnmarshalJSON is the inverse of MarshalJSON, used by the agent-side client.
func (m *QueuedMessage) UnmarshalJSON(data []byte) error {
	type plain QueuedMessage
	var aux struct {
		plain
		Timestamp int64 `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*m = QueuedMessage(aux.plain)
	if aux.Timestamp > 0 {
		m.EnqueuedAt = time.UnixMilli(aux.Timestamp)
	}
	return nil
}

// Outcome says how a chat exchange ended.
type Outcome string

const (
	OutcomeReply        Outcome = "reply"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeNotConnected Outcome = "not_connected"
)
