package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsSendBuffer   = 16
)

var upgrader = websocket.Upgrader{
	CheckOrigin: checkOrigin,
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Use JSON tag names in error messages instead of struct field names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// WSCommand is a client request on the UI socket.
type WSCommand struct {
	Type string `json:"type" validate:"required,oneof=start stop state"`
}

// WSMessage is every frame the server pushes.
type WSMessage struct {
	Type  string `json:"type"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// checkOrigin accepts same-origin, loopback and private network pages only.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		log.Warn().Str("origin", origin).Msg("Rejected websocket connection: invalid origin URL")
		return false
	}

	host := u.Hostname()
	if host == "localhost" {
		return true
	}

	requestHost := r.Host
	if h, _, err := net.SplitHostPort(requestHost); err == nil {
		requestHost = h
	}
	if host == requestHost {
		return true
	}

	ip := net.ParseIP(host)
	if ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
		return true
	}

	log.Warn().Str("origin", origin).Str("host", host).Msg("Rejected websocket connection")
	return false
}

// handleWebSocket streams every state change to the client and accepts start/stop
// commands. A single goroutine owns writes to the connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	states, unsubscribe := s.live.Subscribe()
	defer unsubscribe()

	send := make(chan WSMessage, wsSendBuffer)
	done := make(chan struct{})
	writerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for {
			var msg WSMessage
			select {
			case <-done:
				return
			case state, ok := <-states:
				if !ok {
					return
				}
				msg = WSMessage{Type: "state", Data: state}
			case msg = <-send:
			}

			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				log.Debug().Err(err).Msg("Websocket write failed")
				conn.Close()
				return
			}
		}
	}()

	log.Debug().Str("remote", r.RemoteAddr).Msg("UI websocket connected")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		s.handleCommand(data, send)
	}

	close(done)
	<-writerDone
	log.Debug().Str("remote", r.RemoteAddr).Msg("UI websocket disconnected")
}

func (s *Server) handleCommand(data []byte, send chan<- WSMessage) {
	var cmd WSCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		reply(send, WSMessage{Type: "error", Error: fmt.Sprintf("invalid JSON: %v", err)})
		return
	}
	if err := validate.Struct(&cmd); err != nil {
		reply(send, WSMessage{Type: "error", Error: validationMessage(err)})
		return
	}

	switch cmd.Type {
	case "start":
		// Start blocks until the session is active; state updates flow meanwhile.
		go func() {
			if err := s.startLive(); err != nil {
				log.Warn().Err(err).Msg("Live session failed to start")
				reply(send, WSMessage{Type: "error", Error: err.Error()})
			}
		}()
	case "stop":
		s.live.Stop()
	case "state":
		reply(send, WSMessage{Type: "state", Data: s.live.State()})
	}
}

// reply never blocks the reader; a client that stops reading loses replies.
func reply(send chan<- WSMessage, msg WSMessage) {
	select {
	case send <- msg:
	default:
		log.Warn().Str("type", msg.Type).Msg("UI websocket send buffer full, dropping message")
	}
}

func validationMessage(err error) string {
	var invalid validator.ValidationErrors
	if !errors.As(err, &invalid) {
		return err.Error()
	}
	parts := make([]string, 0, len(invalid))
	for _, fe := range invalid {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
