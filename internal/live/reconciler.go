package live

// Reconciler merges transcript events into the pair of texts shown to the user.
// A new user utterance supersedes the previous model reply; model text never touches the
// user text, so the last question stays visible next to the growing answer.
type Reconciler struct {
	User  string
	Model string
}

// Apply folds one transcript event in. Other events are ignored.
func (r *Reconciler) Apply(event Event) {
	switch e := event.(type) {
	case UserTranscript:
		r.User = e.Text
		r.Model = ""
	case ModelTranscript:
		r.Model = e.Text
	}
}

// Status derives who is speaking from the transcripts and whether the input is above
// the Silent tier.
func (r *Reconciler) Status(energyAboveSilent bool) SpeakingStatus {
	switch {
	case r.Model != "" && energyAboveSilent:
		return StatusSpeaking
	case r.Model == "" && energyAboveSilent:
		return StatusListening
	default:
		return StatusIdle
	}
}

func (r *Reconciler) Reset() {
	r.User = ""
	r.Model = ""
}

// TranscriptAccumulator turns the model's incremental transcription deltas into the
// full running text of the current turn, so each emitted transcript event can replace
// the previous one. Transports use it at their decoding boundary.
type TranscriptAccumulator struct {
	user        string
	model       string
	modelActive bool
}

// User appends an input transcription delta and returns the turn's text so far.
func (a *TranscriptAccumulator) User(delta string) string {
	if a.modelActive {
		a.user = ""
		a.model = ""
		a.modelActive = false
	}
	a.user += delta
	return a.user
}

// Model appends an output transcription delta and returns the reply's text so far.
func (a *TranscriptAccumulator) Model(delta string) string {
	a.modelActive = true
	a.model += delta
	return a.model
}

// ModelAudio marks the start of the reply even before any output text arrives.
func (a *TranscriptAccumulator) ModelAudio() {
	a.modelActive = true
}

// Interrupt drops the cut-off reply. The user text is kept: the user is usually mid-utterance
// when the model is interrupted, and the next input delta either extends it or, if nothing
// was said since the reply began, starts a fresh utterance.
func (a *TranscriptAccumulator) Interrupt() {
	a.model = ""
}

// EndTurn resets both texts after turnComplete.
func (a *TranscriptAccumulator) EndTurn() {
	a.user = ""
	a.model = ""
	a.modelActive = false
}
