// Package store persists the conversation log and the model preference as
// small JSON files under the data directory.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversation entry.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is an append-only message log backed by a JSON array file.
type Conversation struct {
	mu       sync.Mutex
	path     string
	messages []Message
	now      func() time.Time
	logger   *slog.Logger
}

// OpenConversation loads the log at path. A missing or corrupt file starts
// an empty log.
func OpenConversation(path string, logger *slog.Logger) (*Conversation, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conversation{
		path:   path,
		now:    time.Now,
		logger: logger.With("component", "conversation"),
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return c, nil
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &c.messages); err != nil {
		c.logger.Warn("conversation file unreadable, starting empty", "path", path, "error", err)
		c.messages = nil
	}
	return c, nil
}

// All returns the messages in insertion order.
func (c *Conversation) All() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Add appends a message, assigning its id and timestamp, and persists the log.
func (c *Conversation) Add(role, body string) (Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg := Message{
		ID:        uuid.New().String(),
		Role:      role,
		Body:      body,
		CreatedAt: c.now().UTC(),
	}
	c.messages = append(c.messages, msg)
	if err := c.saveLocked(); err != nil {
		c.messages = c.messages[:len(c.messages)-1]
		return Message{}, err
	}
	return msg, nil
}

// Clear removes every message. The log is left unchanged if it cannot be
// persisted.
func (c *Conversation) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.messages
	c.messages = nil
	if err := c.saveLocked(); err != nil {
		c.messages = prev
		return err
	}
	return nil
}

func (c *Conversation) saveLocked() error {
	msgs := c.messages
	if msgs == nil {
		msgs = []Message{}
	}
	data, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	return writeFileAtomic(c.path, data)
}

// writeFileAtomic writes data to a temp file beside path and renames it
// into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
