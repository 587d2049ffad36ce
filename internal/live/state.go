package live

import "github.com/user/live-pulse/internal/audio"

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhaseActive     Phase = "active"
	// PhaseClosing only exists inside Stop and is never published.
	PhaseClosing Phase = "closing"
)

type SpeakingStatus string

const (
	StatusIdle       SpeakingStatus = "idle"
	StatusListening  SpeakingStatus = "listening"
	StatusSpeaking   SpeakingStatus = "speaking"
	StatusProcessing SpeakingStatus = "processing"
)

// State is the UI-facing view of a live session.
type State struct {
	SessionID       string         `json:"session_id,omitempty"`
	Phase           Phase          `json:"phase"`
	Vibe            audio.Vibe     `json:"vibe"`
	AudioLevel      float64        `json:"audio_level"`
	UserTranscript  string         `json:"user_transcript"`
	ModelTranscript string         `json:"model_transcript"`
	SpeakingStatus  SpeakingStatus `json:"speaking_status"`
}

// IdleState is the shape of State whenever no session runs.
func IdleState() State {
	return State{
		Phase:          PhaseIdle,
		Vibe:           audio.VibeSilent,
		SpeakingStatus: StatusIdle,
	}
}
