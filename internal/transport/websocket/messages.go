package websocket

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/user/live-pulse/internal/audio"
	"github.com/user/live-pulse/internal/live"
)

// Client frames of the BidiGenerateContent protocol.

type clientMessage struct {
	Setup         *setupMessage  `json:"setup,omitempty"`
	RealtimeInput *realtimeInput `json:"realtimeInput,omitempty"`
}

type setupMessage struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Parts []part `json:"parts"`
}

type realtimeInput struct {
	Audio blob `json:"audio"`
}

type blob struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

// Server frames.

type serverMessage struct {
	SetupComplete *struct{}       `json:"setupComplete,omitempty"`
	ServerContent *serverContent  `json:"serverContent,omitempty"`
	GoAway        *goAway         `json:"goAway,omitempty"`
	UsageMetadata json.RawMessage `json:"usageMetadata,omitempty"`
	ToolCall      json.RawMessage `json:"toolCall,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	GenerationComplete  bool           `json:"generationComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

type modelTurn struct {
	Parts []part `json:"parts,omitempty"`
}

type part struct {
	Text       string `json:"text,omitempty"`
	InlineData *blob  `json:"inlineData,omitempty"`
}

func newSetupMessage(cfg Config) clientMessage {
	model := cfg.Model
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}

	setup := &setupMessage{
		Model: model,
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
		InputAudioTranscription:  &struct{}{},
		OutputAudioTranscription: &struct{}{},
	}
	if cfg.Voice != "" {
		setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice}},
		}
	}
	if cfg.SystemInstruction != "" {
		setup.SystemInstruction = &content{Parts: []part{{Text: cfg.SystemInstruction}}}
	}
	return clientMessage{Setup: setup}
}

func newAudioMessage(chunk audio.Chunk) clientMessage {
	return clientMessage{
		RealtimeInput: &realtimeInput{
			Audio: blob{
				Data:     audio.EncodeBase64(chunk.Bytes()),
				MimeType: fmt.Sprintf("audio/pcm;rate=%d", audio.InputSampleRate),
			},
		},
	}
}

// decoder validates server frames and turns them into live events. Transcription deltas are
// accumulated so every transcript event carries the full text of the current turn.
type decoder struct {
	transcripts live.TranscriptAccumulator
}

// decode returns the events of one frame in protocol order. A non-nil error wraps
// live.ErrDecodeAnomaly; any events returned alongside it are still valid.
func (d *decoder) decode(data []byte) ([]live.Event, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: invalid json: %v", live.ErrDecodeAnomaly, err)
	}

	var (
		events  []live.Event
		anomaly error
	)

	if msg.SetupComplete != nil {
		events = append(events, live.Lifecycle{Kind: live.LifecycleSetupComplete})
	}

	if sc := msg.ServerContent; sc != nil {
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			events = append(events, live.UserTranscript{Text: d.transcripts.User(sc.InputTranscription.Text)})
		}

		if sc.ModelTurn != nil {
			for i, p := range sc.ModelTurn.Parts {
				if p.InlineData == nil {
					continue
				}
				pcm, err := decodeAudioPart(p.InlineData)
				if err != nil {
					if anomaly == nil {
						anomaly = fmt.Errorf("part %d: %w", i, err)
					}
					continue
				}
				d.transcripts.ModelAudio()
				events = append(events, live.AudioFragment{PCM: pcm})
			}
		}

		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			events = append(events, live.ModelTranscript{Text: d.transcripts.Model(sc.OutputTranscription.Text)})
		}

		if sc.Interrupted {
			d.transcripts.Interrupt()
			events = append(events, live.Lifecycle{Kind: live.LifecycleInterrupted})
		}
		if sc.GenerationComplete {
			events = append(events, live.Lifecycle{Kind: live.LifecycleGenerationComplete})
		}
		if sc.TurnComplete {
			d.transcripts.EndTurn()
			events = append(events, live.Lifecycle{Kind: live.LifecycleTurnComplete})
		}
	}

	if msg.GoAway != nil {
		events = append(events, live.Lifecycle{Kind: live.LifecycleGoAway})
	}

	known := msg.SetupComplete != nil || msg.ServerContent != nil || msg.GoAway != nil ||
		len(msg.UsageMetadata) > 0 || len(msg.ToolCall) > 0
	if !known && anomaly == nil {
		anomaly = fmt.Errorf("%w: unrecognised message", live.ErrDecodeAnomaly)
	}

	return events, anomaly
}

func decodeAudioPart(b *blob) ([]byte, error) {
	if !strings.HasPrefix(b.MimeType, "audio/pcm") {
		return nil, fmt.Errorf("%w: unexpected mime type %q", live.ErrDecodeAnomaly, b.MimeType)
	}
	pcm, err := base64.StdEncoding.DecodeString(b.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", live.ErrDecodeAnomaly, err)
	}
	if len(pcm) == 0 || len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: pcm16 payload of %d bytes", live.ErrDecodeAnomaly, len(pcm))
	}
	return pcm, nil
}
