package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/user/live-pulse/internal/live"
	"github.com/user/live-pulse/internal/store"
)

type MessageAppender interface {
	AppendMessages(chatID string, messages ...store.Message) error
}

type Recapper interface {
	Recap(ctx context.Context, turns []live.Turn, mode live.AssistantMode) (string, error)
}

type ChatArchiver interface {
	ArchiveChat(ctx context.Context, chatID string) error
}

type historyJob struct {
	sessionID string
	turn      *live.Turn
	ended     bool
}

// History writes finished live turns into a chat. It implements live.TurnSink: calls only
// enqueue, and a single worker does the file, model and network work in order.
type History struct {
	chatID   string
	mode     live.AssistantMode
	messages MessageAppender
	recapper Recapper
	archiver ChatArchiver

	jobs     chan historyJob
	sessions map[string][]live.Turn

	stopped bool
	mutex   sync.RWMutex
}

const historyQueueSize = 64

// NewHistory builds the recorder. recapper and archiver are optional.
func NewHistory(chatID string, mode live.AssistantMode, messages MessageAppender, recapper Recapper, archiver ChatArchiver) *History {
	return &History{
		chatID:   chatID,
		mode:     mode,
		messages: messages,
		recapper: recapper,
		archiver: archiver,
		jobs:     make(chan historyJob, historyQueueSize),
		sessions: make(map[string][]live.Turn),
	}
}

func (h *History) ChatID() string {
	return h.chatID
}

func (h *History) RecordTurn(sessionID string, turn live.Turn) {
	h.enqueue(historyJob{sessionID: sessionID, turn: &turn})
}

func (h *History) SessionEnded(sessionID string, turns int) {
	h.enqueue(historyJob{sessionID: sessionID, ended: true})
}

func (h *History) enqueue(job historyJob) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if h.stopped {
		return
	}

	select {
	case h.jobs <- job:
	default:
		log.Warn().
			Str("session_id", job.sessionID).
			Str("chat_id", h.chatID).
			Msg("History queue full, dropping live turn")
	}
}

// Run processes jobs until ctx is done, then drains what is already queued.
func (h *History) Run(ctx context.Context) error {
	defer log.Debug().Str("chat_id", h.chatID).Msg("History recorder stopped")

	for {
		select {
		case job := <-h.jobs:
			h.process(ctx, job)
		case <-ctx.Done():
			h.mutex.Lock()
			h.stopped = true
			h.mutex.Unlock()

			for {
				select {
				case job := <-h.jobs:
					h.process(context.Background(), job)
				default:
					return nil
				}
			}
		}
	}
}

func (h *History) process(ctx context.Context, job historyJob) {
	if job.turn != nil {
		h.appendTurn(job.sessionID, *job.turn)
	}
	if job.ended {
		h.finishSession(ctx, job.sessionID)
	}
}

func (h *History) appendTurn(sessionID string, turn live.Turn) {
	var messages []store.Message
	if turn.User != "" {
		messages = append(messages, store.NewMessage(store.RoleUser, turn.User, store.TypeAudio, turn.Ended))
	}
	if turn.Model != "" {
		messages = append(messages, store.NewMessage(store.RoleAssistant, turn.Model, store.TypeAudio, turn.Ended))
	}
	if len(messages) == 0 {
		return
	}

	if err := h.messages.AppendMessages(h.chatID, messages...); err != nil {
		log.Error().
			Str("session_id", sessionID).
			Str("chat_id", h.chatID).
			Err(err).
			Msg("Failed to save live turn")
		return
	}
	h.sessions[sessionID] = append(h.sessions[sessionID], turn)

	log.Info().
		Str("session_id", sessionID).
		Str("chat_id", h.chatID).
		Int("messages", len(messages)).
		Msg("Saved live turn")
}

func (h *History) finishSession(ctx context.Context, sessionID string) {
	turns := h.sessions[sessionID]
	delete(h.sessions, sessionID)

	if len(turns) == 0 {
		return
	}

	if h.recapper != nil {
		recapCtx, cancel := context.WithTimeout(ctx, time.Minute)
		recap, err := h.recapper.Recap(recapCtx, turns, h.mode)
		cancel()

		if err != nil {
			log.Error().Str("session_id", sessionID).Err(err).Msg("Failed to generate recap")
			recapMsg := store.NewMessage(store.RoleAssistant, "Recap unavailable: "+err.Error(), store.TypeText, time.Now())
			recapMsg.IsError = true
			h.save(sessionID, recapMsg)
		} else {
			h.save(sessionID, store.NewMessage(store.RoleAssistant, recap, store.TypeText, time.Now()))
		}
	}

	if h.archiver != nil {
		if err := h.archiver.ArchiveChat(ctx, h.chatID); err != nil {
			log.Error().
				Str("session_id", sessionID).
				Str("chat_id", h.chatID).
				Err(err).
				Msg("Failed to archive chat")
		}
	}
}

func (h *History) save(sessionID string, message store.Message) {
	if err := h.messages.AppendMessages(h.chatID, message); err != nil {
		log.Error().Str("session_id", sessionID).Err(err).Msg("Failed to save recap")
	}
}
