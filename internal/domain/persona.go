package domain

const (
	DefaultPersonaName      = "OpenClaw"
	DefaultPersonaAvatar    = "🦅"
	DefaultNotConnectedText = "I'm here! (Tunnel not connected yet — responses are simulated)"
	DefaultTimeoutText      = "I'm thinking about that... could you give me a moment?"
)

// Persona is how the agent presents itself in the office chat.
type Persona struct {
	Name             string `json:"name" yaml:"name"`
	Avatar           string `json:"avatar" yaml:"avatar"`
	NotConnectedText string `json:"notConnectedText" yaml:"notConnectedText"`
	TimeoutText      string `json:"timeoutText" yaml:"timeoutText"`
}

// DefaultPersona returns the built-in OpenClaw persona.
func DefaultPersona() Persona {
	return Persona{
		Name:             DefaultPersonaName,
		Avatar:           DefaultPersonaAvatar,
		NotConnectedText: DefaultNotConnectedText,
		TimeoutText:      DefaultTimeoutText,
	}
}

// WithDefaults fills empty fields from DefaultPersona.
func (p Persona) WithDefaults() Persona {
	d := DefaultPersona()
	if p.Name == "" {
		p.Name = d.Name
	}
	if p.Avatar == "" {
		p.Avatar = d.Avatar
	}
	if p.NotConnectedText == "" {
		p.NotConnectedText = d.NotConnectedText
	}
	if p.TimeoutText == "" {
		p.TimeoutText = d.TimeoutText
	}
	return p
}

// Say builds a reply in this persona's voice.
func (p Persona) Say(content string) ChatReply {
	return ChatReply{Content: content, SenderName: p.Name, SenderAvatar: p.Avatar}
}

// Sign converts an agent Reply into a ChatReply, filling sender fields the
// agent left out.
func (p Persona) Sign(r Reply) ChatReply {
	out := p.Say(r.Content)
	if r.SenderName != "" {
		out.SenderName = r.SenderName
	}
	if r.SenderAvatar != "" {
		out.SenderAvatar = r.SenderAvatar
	}
	return out
}
