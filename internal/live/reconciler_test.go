package live

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReconciler_UserSupersedesModel(t *testing.T) {
	var r Reconciler
	r.Apply(UserTranscript{Text: "a"})
	r.Apply(ModelTranscript{Text: "b"})
	assert.Equal(t, Reconciler{User: "a", Model: "b"}, r)

	r.Apply(UserTranscript{Text: "c"})
	assert.Equal(t, Reconciler{User: "c", Model: ""}, r)
}

func TestReconciler_ModelKeepsUser(t *testing.T) {
	var r Reconciler
	r.Apply(UserTranscript{Text: "question"})
	r.Apply(ModelTranscript{Text: "ans"})
	r.Apply(ModelTranscript{Text: "answer"})
	assert.Equal(t, "question", r.User)
	assert.Equal(t, "answer", r.Model)

	r.Apply(Lifecycle{Kind: LifecycleTurnComplete})
	r.Apply(AudioFragment{PCM: []byte{0, 0}})
	assert.Equal(t, "answer", r.Model)
}

func TestReconciler_Status(t *testing.T) {
	tests := []struct {
		name   string
		model  string
		energy bool
		want   SpeakingStatus
	}{
		{"quiet without reply", "", false, StatusIdle},
		{"energy without reply", "", true, StatusListening},
		{"energy with reply", "hi", true, StatusSpeaking},
		{"quiet with reply", "hi", false, StatusIdle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Reconciler{Model: tt.model}
			assert.Equal(t, tt.want, r.Status(tt.energy))
		})
	}
}

func TestTranscriptAccumulator(t *testing.T) {
	var a TranscriptAccumulator

	assert.Equal(t, "Hel", a.User("Hel"))
	assert.Equal(t, "Hello", a.User("lo"))
	assert.Equal(t, "Hi", a.Model("Hi"))
	assert.Equal(t, "Hi there", a.Model(" there"))

	// A new utterance after the reply started begins a fresh turn.
	assert.Equal(t, "Next", a.User("Next"))
	assert.Equal(t, "Ok", a.Model("Ok"))

	a.EndTurn()
	assert.Equal(t, "x", a.User("x"))

	a.ModelAudio()
	assert.Equal(t, "y", a.User("y"))
}

func TestTranscriptAccumulator_Interrupt(t *testing.T) {
	var a TranscriptAccumulator

	a.User("question")
	a.Model("long answer")

	// The user talks over the reply.
	assert.Equal(t, "wait ", a.User("wait "))
	a.Interrupt()
	assert.Equal(t, "wait stop", a.User("stop"))
	assert.Equal(t, "ok", a.Model("ok"))

	// Interrupted before any new input: the next utterance starts fresh.
	a.Interrupt()
	assert.Equal(t, "again", a.User("again"))
}

func TestSystemInstruction_FallsBackToGeneral(t *testing.T) {
	assert.Contains(t, SystemInstruction(ModeTechnical), "Technical Support")
	assert.Contains(t, SystemInstruction("unknown"), "General Chat")
}
