package delivery

import (
	"fmt"
	"strings"
	"text/template"

	"clawbridge/internal/domain"
)

// DefaultInstruction is the prompt handed to the agent CLI.
const DefaultInstruction = `You are in a meeting about "{{.Topic}}". A participant said: "{{.Message}}". ` +
	`Answer in one or two sentences, then POST {"requestId":"{{.RequestID}}","content":"<your answer>"} to {{.ReplyURL}}.`

// DefaultTelegramText is the message posted to the Telegram chat.
const DefaultTelegramText = `{{if .Topic}}💬 {{.Topic}}
{{end}}{{.Message}}

↩️ Reply to this message to answer.`

// InstructionData is what delivery templates can reference.
type InstructionData struct {
	RequestID     string
	Topic         string
	Message       string
	ParticipantID string
	ReplyURL      string
	TunnelURL     string
	Instruction   string // rendered instruction; only set when rendering Args
}

func newInstructionData(msg domain.QueuedMessage, replyURL string) InstructionData {
	return InstructionData{
		RequestID:     msg.RequestID,
		Topic:         msg.Topic,
		Message:       msg.Message,
		ParticipantID: msg.ParticipantID,
		ReplyURL:      replyURL,
		TunnelURL:     msg.TunnelURL,
	}
}

func parseTemplate(name, text string) (*template.Template, error) {
	t, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse %s template: %w", name, err)
	}
	return t, nil
}

func render(t *template.Template, data InstructionData) (string, error) {
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return sb.String(), nil
}
