package live

import "fmt"

// AssistantMode selects the persona the model is instructed to take.
type AssistantMode string

const (
	ModeGeneral      AssistantMode = "General"
	ModeArtistic     AssistantMode = "Artistic"
	ModeTechnical    AssistantMode = "Technical"
	ModeUrdu         AssistantMode = "Urdu"
	ModeProductivity AssistantMode = "Productivity"
)

var modeLabels = map[AssistantMode]string{
	ModeGeneral:      "General Chat",
	ModeArtistic:     "Visionary Art",
	ModeTechnical:    "Technical Support",
	ModeUrdu:         "Urdu & Culture",
	ModeProductivity: "Productivity",
}

// SystemInstruction is sent with the session setup.
func SystemInstruction(mode AssistantMode) string {
	label, ok := modeLabels[mode]
	if !ok {
		label = modeLabels[ModeGeneral]
	}
	return fmt.Sprintf("You are OmniMind, an advanced AI assistant in a live voice conversation. Mode: %s. "+
		"Keep spoken answers short and natural.", label)
}
