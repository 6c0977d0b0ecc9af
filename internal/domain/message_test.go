package domain

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestChatRequest_LegacyTopicKey(t *testing.T) {
	var req ChatRequest
	if err := json.Unmarshal([]byte(`{"message":"hi","topic":"standup","participantId":"p1"}`), &req); err != nil {
		t.Fatal(err)
	}
	if req.Topic != "standup" || req.Message != "hi" || req.ParticipantID != "p1" {
		t.Errorf("unexpected request: %+v", req)
	}
}

func TestChatRequest_MeetingTopicWins(t *testing.T) {
	var req ChatRequest
	if err := json.Unmarshal([]byte(`{"message":"hi","meetingTopic":"retro","topic":"old"}`), &req); err != nil {
		t.Fatal(err)
	}
	if req.Topic != "retro" {
		t.Errorf("topic: got %q", req.Topic)
	}
}

func TestQueuedMessage_TimestampMillis(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	msg := QueuedMessage{RequestID: "r1", Message: "hello", Topic: "sync", EnqueuedAt: at}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	if !strings.Contains(s, `"timestamp":1700000000123`) {
		t.Errorf("timestamp not in ms: %s", s)
	}
	if !strings.Contains(s, `"meetingTopic":"sync"`) || strings.Contains(s, "EnqueuedAt") {
		t.Errorf("unexpected fields: %s", s)
	}

	var back QueuedMessage
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if !back.EnqueuedAt.Equal(at) || back.RequestID != "r1" {
		t.Errorf("decoded: %+v", back)
	}
}

func TestPersona_SignUsesDefaults(t *testing.T) {
	p := Persona{Name: "Hawk"}.WithDefaults()
	got := p.Sign(Reply{RequestID: "r", Content: "ok"})
	if got.SenderName != "Hawk" || got.SenderAvatar != DefaultPersonaAvatar || got.Content != "ok" {
		t.Errorf("sign: %+v", got)
	}
	got = p.Sign(Reply{Content: "ok", SenderName: "Other", SenderAvatar: "🐦"})
	if got.SenderName != "Other" || got.SenderAvatar != "🐦" {
		t.Errorf("overrides lost: %+v", got)
	}
}
