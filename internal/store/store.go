package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

const (
	TypeText  = "text"
	TypeAudio = "audio"
)

// Message is one chat record. Timestamp is unix milliseconds.
type Message struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type,omitempty"`
	IsError   bool   `json:"isError,omitempty"`
}

// ChatSummary describes a stored chat without its messages.
type ChatSummary struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Messages    int    `json:"messages"`
	LastUpdated int64  `json:"lastUpdated"`
}

var (
	ErrInvalidChatID = errors.New("invalid chat id")
	ErrChatNotFound  = errors.New("chat not found")

	chatIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

const titleLength = 40

func NewMessage(role Role, content, kind string, at time.Time) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: at.UnixMilli(),
		Type:      kind,
	}
}

// FileStore keeps one JSONL file per chat under baseDir/chats.
type FileStore struct {
	baseDir string
	mutex   sync.Mutex
}

func NewFileStore(baseDir string) (*FileStore, error) {
	chatDir := filepath.Join(baseDir, "chats")
	if err := os.MkdirAll(chatDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create chat directory: %w", err)
	}

	return &FileStore{
		baseDir: baseDir,
	}, nil
}

// ValidChatID reports whether chatID can name a chat file.
func ValidChatID(chatID string) bool {
	return chatIDPattern.MatchString(chatID)
}

// ChatPath returns the file backing chatID.
func (s *FileStore) ChatPath(chatID string) (string, error) {
	if !ValidChatID(chatID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidChatID, chatID)
	}
	return filepath.Join(s.baseDir, "chats", chatID+".jsonl"), nil
}

func (s *FileStore) AppendMessages(chatID string, messages ...Message) error {
	path, err := s.ChatPath(chatID)
	if err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open chat file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	for _, message := range messages {
		if err := encoder.Encode(message); err != nil {
			return fmt.Errorf("failed to encode message: %w", err)
		}
	}

	log.Debug().
		Str("chat_id", chatID).
		Int("messages", len(messages)).
		Msg("Appended chat messages")

	return nil
}

func (s *FileStore) LoadMessages(chatID string) ([]Message, error) {
	path, err := s.ChatPath(chatID)
	if err != nil {
		return nil, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
		}
		return nil, fmt.Errorf("failed to open chat file: %w", err)
	}
	defer file.Close()

	messages := []Message{}
	decoder := json.NewDecoder(file)
	for decoder.More() {
		var message Message
		if err := decoder.Decode(&message); err != nil {
			return nil, fmt.Errorf("failed to decode message: %w", err)
		}
		messages = append(messages, message)
	}

	return messages, nil
}

// ListChats returns every stored chat, most recently updated first. The title is taken from
// the first user message.
func (s *FileStore) ListChats() ([]ChatSummary, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, "chats"))
	if err != nil {
		return nil, fmt.Errorf("failed to read chat directory: %w", err)
	}

	chats := []ChatSummary{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		chatID := strings.TrimSuffix(name, ".jsonl")

		messages, err := s.LoadMessages(chatID)
		if err != nil {
			log.Warn().Err(err).Str("chat_id", chatID).Msg("Skipping unreadable chat")
			continue
		}
		chats = append(chats, summarise(chatID, messages))
	}

	sort.Slice(chats, func(i, j int) bool {
		return chats[i].LastUpdated > chats[j].LastUpdated
	})
	return chats, nil
}

func summarise(chatID string, messages []Message) ChatSummary {
	summary := ChatSummary{ID: chatID, Title: "New Chat", Messages: len(messages)}
	titled := false
	for _, m := range messages {
		if m.Timestamp > summary.LastUpdated {
			summary.LastUpdated = m.Timestamp
		}
		if !titled && m.Role == RoleUser && m.Content != "" {
			summary.Title = truncate(m.Content, titleLength)
			titled = true
		}
	}
	return summary
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "..."
}

func GenerateChatID() string {
	return fmt.Sprintf("chat_%s", time.Now().Format("20060102_150405"))
}
