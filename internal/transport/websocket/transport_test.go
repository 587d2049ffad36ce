package websocket

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/live-pulse/internal/audio"
	"github.com/user/live-pulse/internal/live"
)

// mockLiveServer accepts one connection, records client frames and lets the test script
// server frames.
type mockLiveServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conn    *websocket.Conn
	apiKey  string
	frames  []clientMessage
	ready   chan struct{}
	framesC chan clientMessage
}

func newMockLiveServer(t *testing.T, ackSetup bool) *mockLiveServer {
	t.Helper()
	m := &mockLiveServer{
		ready:   make(chan struct{}),
		framesC: make(chan clientMessage, 32),
	}
	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := m.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		m.mu.Lock()
		m.conn = conn
		m.apiKey = r.Header.Get("x-goog-api-key")
		m.mu.Unlock()

		var setup clientMessage
		if err := conn.ReadJSON(&setup); err != nil {
			return
		}
		m.record(setup)
		if ackSetup {
			conn.WriteMessage(websocket.TextMessage, []byte(`{"setupComplete":{}}`))
		}
		close(m.ready)

		for {
			var msg clientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			m.record(msg)
		}
	}))
	t.Cleanup(m.server.Close)
	return m
}

func (m *mockLiveServer) url() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http")
}

func (m *mockLiveServer) record(msg clientMessage) {
	m.mu.Lock()
	m.frames = append(m.frames, msg)
	m.mu.Unlock()
	m.framesC <- msg
}

func (m *mockLiveServer) send(t *testing.T, raw string) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NoError(t, m.conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func (m *mockLiveServer) closeWith(t *testing.T, code int, text string) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, text)
	require.NoError(t, m.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))
}

// recorder collects handler calls.
type recorder struct {
	mu     sync.Mutex
	opened chan live.Session
	events []live.Event
	closes []string
	errs   []error
	ended  chan struct{}
}

func newRecorder() *recorder {
	return &recorder{
		opened: make(chan live.Session, 1),
		ended:  make(chan struct{}, 2),
	}
}

func (r *recorder) handlers() live.Handlers {
	return live.Handlers{
		OnOpen: func(s live.Session) { r.opened <- s },
		OnMessage: func(e live.Event) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, e)
		},
		OnClose: func(reason string) {
			r.mu.Lock()
			r.closes = append(r.closes, reason)
			r.mu.Unlock()
			r.ended <- struct{}{}
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
			r.ended <- struct{}{}
		},
	}
}

func (r *recorder) snapshot() []live.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]live.Event(nil), r.events...)
}

func newTestTransport(t *testing.T, url string) *Transport {
	t.Helper()
	tr, err := NewTransport(Config{
		Endpoint:          url,
		APIKey:            "test-key",
		Model:             "gemini-live-test",
		Voice:             "Puck",
		SystemInstruction: "be brief",
		SetupTimeout:      time.Second,
	})
	require.NoError(t, err)
	return tr
}

func connectAndOpen(t *testing.T, m *mockLiveServer, rec *recorder) live.Session {
	t.Helper()
	session, err := newTestTransport(t, m.url()).Connect(context.Background(), rec.handlers())
	require.NoError(t, err)

	select {
	case opened := <-rec.opened:
		assert.Equal(t, session, opened)
	case <-time.After(2 * time.Second):
		t.Fatal("OnOpen did not fire")
	}
	<-m.ready
	return session
}

func TestNewTransport_RequiresKeyAndModel(t *testing.T) {
	_, err := NewTransport(Config{Model: "m"})
	assert.Error(t, err)
	_, err = NewTransport(Config{APIKey: "k"})
	assert.Error(t, err)
}

func TestConnect_SendsSetupAndOpens(t *testing.T) {
	m := newMockLiveServer(t, true)
	rec := newRecorder()
	session := connectAndOpen(t, m, rec)
	defer session.Close()

	setup := <-m.framesC
	require.NotNil(t, setup.Setup)
	assert.Equal(t, "models/gemini-live-test", setup.Setup.Model)
	assert.Equal(t, []string{"AUDIO"}, setup.Setup.GenerationConfig.ResponseModalities)
	assert.Equal(t, "Puck", setup.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName)
	assert.Equal(t, "be brief", setup.Setup.SystemInstruction.Parts[0].Text)
	assert.NotNil(t, setup.Setup.InputAudioTranscription)
	assert.NotNil(t, setup.Setup.OutputAudioTranscription)

	m.mu.Lock()
	assert.Equal(t, "test-key", m.apiKey)
	m.mu.Unlock()
}

func TestConnect_DialFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer server.Close()

	_, err := newTestTransport(t, "ws"+strings.TrimPrefix(server.URL, "http")).
		Connect(context.Background(), newRecorder().handlers())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestConnect_SetupTimeoutReportsError(t *testing.T) {
	m := newMockLiveServer(t, false)
	rec := newRecorder()

	session, err := newTestTransport(t, m.url()).Connect(context.Background(), rec.handlers())
	require.NoError(t, err)
	defer session.Close()

	select {
	case <-rec.ended:
	case <-time.After(3 * time.Second):
		t.Fatal("setup timeout was not reported")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.errs, 1)
	assert.Contains(t, rec.errs[0].Error(), "setup not acknowledged")
	assert.Empty(t, rec.closes)
}

func TestSession_SendEncodesRealtimeAudio(t *testing.T) {
	m := newMockLiveServer(t, true)
	rec := newRecorder()
	session := connectAndOpen(t, m, rec)
	defer session.Close()
	<-m.framesC

	session.Send(audio.Chunk{ID: uuid.New(), Seq: 1, PCM: []int16{1, -2}})

	select {
	case msg := <-m.framesC:
		require.NotNil(t, msg.RealtimeInput)
		assert.Equal(t, "audio/pcm;rate=16000", msg.RealtimeInput.Audio.MimeType)
		raw, err := base64.StdEncoding.DecodeString(msg.RealtimeInput.Audio.Data)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x01, 0x00, 0xfe, 0xff}, raw)
	case <-time.After(2 * time.Second):
		t.Fatal("audio frame not received")
	}
}

func TestSession_DeliversEventsInOrder(t *testing.T) {
	m := newMockLiveServer(t, true)
	rec := newRecorder()
	session := connectAndOpen(t, m, rec)
	defer session.Close()

	pcm := base64.StdEncoding.EncodeToString([]byte{0, 0, 1, 0})
	m.send(t, `{"serverContent":{"inputTranscription":{"text":"Hel"}}}`)
	m.send(t, `{"serverContent":{"inputTranscription":{"text":"lo"}}}`)
	m.send(t, `not json`)
	m.send(t, `{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"`+pcm+`"}},{"inlineData":{"mimeType":"audio/pcm","data":"AQ=="}}]},"outputTranscription":{"text":"Hi"}}}`)
	m.send(t, `{"serverContent":{"turnComplete":true}}`)

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 5
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []live.Event{
		live.UserTranscript{Text: "Hel"},
		live.UserTranscript{Text: "Hello"},
		live.AudioFragment{PCM: []byte{0, 0, 1, 0}},
		live.ModelTranscript{Text: "Hi"},
		live.Lifecycle{Kind: live.LifecycleTurnComplete},
	}, rec.snapshot())
}

func TestSession_RemoteCloseReportsOnClose(t *testing.T) {
	m := newMockLiveServer(t, true)
	rec := newRecorder()
	session := connectAndOpen(t, m, rec)
	defer session.Close()

	m.closeWith(t, websocket.CloseNormalClosure, "session over")

	select {
	case <-rec.ended:
	case <-time.After(2 * time.Second):
		t.Fatal("remote close was not reported")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"session over"}, rec.closes)
	assert.Empty(t, rec.errs)
}

func TestSession_LocalCloseSuppressesHandlers(t *testing.T) {
	m := newMockLiveServer(t, true)
	rec := newRecorder()
	session := connectAndOpen(t, m, rec)

	require.NoError(t, session.Close())
	assert.NoError(t, session.Close())
	session.Send(audio.Chunk{ID: uuid.New(), PCM: []int16{1}})

	select {
	case <-rec.ended:
		t.Fatal("handler fired after local close")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDecoder_Anomalies(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"invalid json", `{`},
		{"unknown shape", `{"somethingElse":{}}`},
		{"bad base64", `{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm","data":"***"}}]}}}`},
		{"odd length pcm", `{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm","data":"AQ=="}}]}}}`},
		{"not pcm", `{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"image/png","data":"AAAA"}}]}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d decoder
			events, err := d.decode([]byte(tt.raw))
			assert.ErrorIs(t, err, live.ErrDecodeAnomaly)
			assert.Empty(t, events)
		})
	}
}

func TestDecoder_TranscriptTurns(t *testing.T) {
	var d decoder
	decode := func(raw string) []live.Event {
		events, err := d.decode([]byte(raw))
		require.NoError(t, err)
		return events
	}

	decode(`{"serverContent":{"inputTranscription":{"text":"one"}}}`)
	decode(`{"serverContent":{"outputTranscription":{"text":"reply"}}}`)
	events := decode(`{"serverContent":{"outputTranscription":{"text":" more"}}}`)
	assert.Equal(t, []live.Event{live.ModelTranscript{Text: "reply more"}}, events)

	events = decode(`{"serverContent":{"interrupted":true}}`)
	assert.Equal(t, []live.Event{live.Lifecycle{Kind: live.LifecycleInterrupted}}, events)

	events = decode(`{"serverContent":{"inputTranscription":{"text":"two"}}}`)
	assert.Equal(t, []live.Event{live.UserTranscript{Text: "two"}}, events)

	events = decode(`{"goAway":{"timeLeft":"10s"},"usageMetadata":{"totalTokenCount":3}}`)
	assert.Equal(t, []live.Event{live.Lifecycle{Kind: live.LifecycleGoAway}}, events)
}

func TestDecoder_InterruptionKeepsUserUtterance(t *testing.T) {
	var d decoder
	decode := func(raw string) []live.Event {
		events, err := d.decode([]byte(raw))
		require.NoError(t, err)
		return events
	}

	decode(`{"serverContent":{"inputTranscription":{"text":"tell me a story"}}}`)
	decode(`{"serverContent":{"outputTranscription":{"text":"Once upon"}}}`)

	events := decode(`{"serverContent":{"inputTranscription":{"text":"wait "},"interrupted":true}}`)
	assert.Equal(t, []live.Event{
		live.UserTranscript{Text: "wait "},
		live.Lifecycle{Kind: live.LifecycleInterrupted},
	}, events)

	events = decode(`{"serverContent":{"inputTranscription":{"text":"stop"}}}`)
	assert.Equal(t, []live.Event{live.UserTranscript{Text: "wait stop"}}, events)

	events = decode(`{"serverContent":{"outputTranscription":{"text":"Sure"}}}`)
	assert.Equal(t, []live.Event{live.ModelTranscript{Text: "Sure"}}, events)
}

func TestNewSetupMessage_PrefixesModel(t *testing.T) {
	msg := newSetupMessage(Config{Model: "models/already"})
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"model":"models/already"`)
	assert.NotContains(t, string(raw), "speechConfig")
	assert.NotContains(t, string(raw), "realtimeInput")
}
