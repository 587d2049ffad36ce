package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/live-pulse/internal/live"
	"github.com/user/live-pulse/internal/store"
)

type memoryChat struct {
	mu       sync.Mutex
	messages []store.Message
	failNext bool
}

func (m *memoryChat) AppendMessages(chatID string, messages ...store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		m.failNext = false
		return errors.New("disk full")
	}
	m.messages = append(m.messages, messages...)
	return nil
}

func (m *memoryChat) snapshot() []store.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Message(nil), m.messages...)
}

type fakeRecapper struct {
	err   error
	turns []live.Turn
}

func (f *fakeRecapper) Recap(ctx context.Context, turns []live.Turn, mode live.AssistantMode) (string, error) {
	f.turns = turns
	if f.err != nil {
		return "", f.err
	}
	return "- recap", nil
}

type fakeArchiver struct {
	mu    sync.Mutex
	chats []string
}

func (f *fakeArchiver) ArchiveChat(ctx context.Context, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = append(f.chats, chatID)
	return nil
}

// runHistory starts the worker and returns a func that stops it and waits for the drain.
func runHistory(t *testing.T, h *History) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("history did not stop")
		}
	}
}

func TestHistory_RecordsTurnsAndRecap(t *testing.T) {
	chat := &memoryChat{}
	recapper := &fakeRecapper{}
	archiver := &fakeArchiver{}
	h := NewHistory("chat_1", live.ModeGeneral, chat, recapper, archiver)
	stop := runHistory(t, h)

	ended := time.UnixMilli(1700000000000)
	h.RecordTurn("s1", live.Turn{User: "hi", Model: "hello", Ended: ended})
	h.RecordTurn("s1", live.Turn{Model: "anything else?", Ended: ended})
	h.SessionEnded("s1", 2)
	stop()

	messages := chat.snapshot()
	require.Len(t, messages, 4)
	assert.Equal(t, store.RoleUser, messages[0].Role)
	assert.Equal(t, "hi", messages[0].Content)
	assert.Equal(t, store.TypeAudio, messages[0].Type)
	assert.Equal(t, int64(1700000000000), messages[0].Timestamp)
	assert.Equal(t, "hello", messages[1].Content)
	assert.Equal(t, "anything else?", messages[2].Content)
	assert.Equal(t, "- recap", messages[3].Content)
	assert.Equal(t, store.TypeText, messages[3].Type)

	assert.Len(t, recapper.turns, 2)
	assert.Equal(t, []string{"chat_1"}, archiver.chats)
}

func TestHistory_EmptySessionSkipsRecap(t *testing.T) {
	chat := &memoryChat{}
	recapper := &fakeRecapper{}
	archiver := &fakeArchiver{}
	h := NewHistory("chat_1", live.ModeGeneral, chat, recapper, archiver)
	stop := runHistory(t, h)

	h.SessionEnded("s1", 0)
	stop()

	assert.Empty(t, chat.snapshot())
	assert.Nil(t, recapper.turns)
	assert.Empty(t, archiver.chats)
}

func TestHistory_RecapFailureIsRecordedAsError(t *testing.T) {
	chat := &memoryChat{}
	h := NewHistory("chat_1", live.ModeGeneral, chat, &fakeRecapper{err: errors.New("quota")}, nil)
	stop := runHistory(t, h)

	h.RecordTurn("s1", live.Turn{User: "hi", Ended: time.Now()})
	h.SessionEnded("s1", 1)
	stop()

	messages := chat.snapshot()
	require.Len(t, messages, 2)
	assert.True(t, messages[1].IsError)
	assert.Contains(t, messages[1].Content, "quota")
}

func TestHistory_FailedAppendIsNotRecapped(t *testing.T) {
	chat := &memoryChat{failNext: true}
	recapper := &fakeRecapper{}
	h := NewHistory("chat_1", live.ModeGeneral, chat, recapper, nil)
	stop := runHistory(t, h)

	h.RecordTurn("s1", live.Turn{User: "lost", Ended: time.Now()})
	h.SessionEnded("s1", 1)
	stop()

	assert.Empty(t, chat.snapshot())
	assert.Nil(t, recapper.turns)
}

func TestHistory_IgnoresCallsAfterStop(t *testing.T) {
	chat := &memoryChat{}
	h := NewHistory("chat_1", live.ModeGeneral, chat, nil, nil)
	stop := runHistory(t, h)
	stop()

	h.RecordTurn("s1", live.Turn{User: "late"})
	assert.Empty(t, chat.snapshot())
}
