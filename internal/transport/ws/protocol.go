package ws

import (
	"strings"

	"github.com/MrWong99/voxline/internal/generate"
	"github.com/MrWong99/voxline/internal/session"
	"github.com/MrWong99/voxline/pkg/retrieval"
)

// Client message types. Binary frames are raw audio and carry no envelope.
const (
	TypeConfigure = "configure"
	TypeText      = "text"
	TypeClose     = "close"
)

// Server message types. Response audio is sent as binary frames.
const (
	TypeSession      = "session"
	TypeUtterance    = "utterance"
	TypeTurnComplete = "turn_complete"
	TypeTurnFailed   = "turn_failed"
	TypeError        = "error"
)

// ClientMessage is a JSON text frame from the client.
type ClientMessage struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// configure
	AgentType string      `json:"agent_type,omitempty"`
	Language  string      `json:"language,omitempty"`
	VoiceType string      `json:"voice_type,omitempty"`
	Index     *IndexField `json:"index,omitempty"`
	Form      FormFields  `json:"form"`

	// Vocabulary lists terms to repair in transcribed speech.
	Vocabulary []string `json:"vocabulary,omitempty"`
}

// IndexField selects the retrieval index for the session.
type IndexField struct {
	Kind      string `json:"kind"`
	Name      string `json:"name"`
	Namespace string `json:"namespace,omitempty"`
}

// FormFields are the company-specific prompt inputs.
type FormFields struct {
	CompanyIntroduction string `json:"company_introduction,omitempty"`
	Greeting            string `json:"greeting_message,omitempty"`
	Eligibility         string `json:"eligibility_criteria,omitempty"`
	EndRequirements     string `json:"end_requirements,omitempty"`
	Restrictions        string `json:"restrictions,omitempty"`
}

// ServerMessage is a JSON text frame sent to the client.
type ServerMessage struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

// sessionConfig converts a configure message. Agent types accept the
// "Make Calls" / "Answer Calls" labels and the short outbound/inbound names.
func (m ClientMessage) sessionConfig() (session.Config, error) {
	mode, err := generate.ParseMode(agentMode(m.AgentType))
	if err != nil {
		return session.Config{}, err
	}
	cfg := session.Config{
		Mode:       mode,
		Language:   m.Language,
		Gender:     m.VoiceType,
		Vocabulary: m.Vocabulary,
		Form: generate.Form{
			CompanyIntroduction: m.Form.CompanyIntroduction,
			Greeting:            m.Form.Greeting,
			Eligibility:         m.Form.Eligibility,
			EndRequirements:     m.Form.EndRequirements,
			Restrictions:        m.Form.Restrictions,
		},
	}
	if m.Index != nil {
		cfg.Index = retrieval.Index{Kind: m.Index.Kind, Name: m.Index.Name, Namespace: m.Index.Namespace}
	}
	return cfg, nil
}

func agentMode(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "outbound":
		return string(generate.ModeOutbound)
	case "inbound":
		return string(generate.ModeInbound)
	}
	return strings.TrimSpace(s)
}
