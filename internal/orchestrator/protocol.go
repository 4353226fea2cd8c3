package orchestrator

import "github.com/zenc-ai/voicegate/internal/store"

// Client → server message types.
const (
	TypeAudioChunk        = "audio_chunk"
	TypeSwitchMode        = "switch_mode"
	TypeSetScenario       = "set_scenario"
	TypeRequestCorrection = "request_correction"
	TypeEndSession        = "end_session"
)

// Server → client message types.
const (
	TypeSessionStarted    = "session_started"
	TypeAIAudioChunk      = "ai_audio_chunk"
	TypeAITranscript      = "ai_transcript"
	TypeTurnComplete      = "turn_complete"
	TypeProviderSwitched  = "provider_switched"
	TypeGrammarCorrection = "grammar_correction"
	TypeTokenUpdate       = "token_update"
	TypeModeSwitched      = "mode_switched"
	TypeScenarioSet       = "scenario_set"
	TypeCorrectionToggled = "correction_toggled"
	TypeSessionEnded      = "session_ended"
	TypeError             = "error"
	TypeForceDisconnect   = "force_disconnect"
)

// Error codes carried by [TypeError] messages.
const (
	CodeAuthFailed       = "AUTH_FAILED"
	CodeAdmissionFailed  = "ADMISSION_FAILED"
	CodeInvalidMessage   = "INVALID_MESSAGE"
	CodeInvalidMode      = "INVALID_MODE"
	CodeProviderError    = "PROVIDER_ERROR"
	CodeVoiceUnavailable = "VOICE_UNAVAILABLE"
	CodeRateLimited      = "RATE_LIMITED"
)

// ClientMessage is one message received from the client. Audio frames arrive
// as binary websocket frames and carry only Type and Audio.
type ClientMessage struct {
	Type string `json:"type"`

	Audio []byte `json:"-"`

	Mode       string `json:"mode,omitempty"`
	ScenarioID string `json:"scenarioId,omitempty"`
	TopicID    string `json:"topicId,omitempty"`
	Category   string `json:"category,omitempty"`
	Difficulty string `json:"difficulty,omitempty"`

	// Enabled is required by request_correction.
	Enabled *bool `json:"enabled,omitempty"`
}

// ServerMessage is one message sent to the client. [TypeAIAudioChunk]
// messages are written as binary frames holding Audio; every other type is
// written as a JSON text frame.
type ServerMessage struct {
	Type string `json:"type"`

	Audio []byte `json:"-"`

	SessionID string `json:"sessionId,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Mode      string `json:"mode,omitempty"`

	Text string `json:"text,omitempty"`

	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	ScenarioID string `json:"scenarioId,omitempty"`
	TopicID    string `json:"topicId,omitempty"`
	Category   string `json:"category,omitempty"`
	Difficulty string `json:"difficulty,omitempty"`

	TokensUsed *int64 `json:"tokensUsed,omitempty"`
	Enabled    *bool  `json:"enabled,omitempty"`

	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
	Reason  string `json:"reason,omitempty"`

	*store.CorrectionResult
}

// ErrorMessage returns an error message with code.
func ErrorMessage(code, message string) ServerMessage {
	return ServerMessage{Type: TypeError, Code: code, Message: message}
}

// ForceDisconnect returns the message sent to a socket replaced by a newer
// login.
func ForceDisconnect(reason string) ServerMessage {
	return ServerMessage{Type: TypeForceDisconnect, Reason: reason}
}
