package chat

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned for unknown session IDs.
var ErrNotFound = errors.New("session not found")

// Session statuses.
const (
	StatusEmpty      = "empty"      // no documents yet
	StatusProcessing = "processing" // ingestion running
	StatusReady      = "ready"      // collection indexed, questions accepted
	StatusError      = "error"      // last ingestion failed
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Session is one chat over one set of uploaded documents.
type Session struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Model      string    `json:"model,omitempty"`
	Documents  []string  `json:"documents"`
	Status     string    `json:"status"`
	ChunkCount int       `json:"chunk_count"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Message is a single chat turn.
type Message struct {
	Role      string                 `json:"role"` // "user" or "assistant"
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"` // answer data for assistant messages
	Timestamp time.Time              `json:"timestamp"`
}

// Store persists sessions and their messages.
type Store interface {
	Create(ctx context.Context, name, model string) (*Session, error)
	List(ctx context.Context) ([]Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	// Update applies fn to the stored session and saves the result as one
	// step, so concurrent updates of different fields do not overwrite
	// each other. ID and CreatedAt cannot be changed.
	Update(ctx context.Context, id string, fn func(*Session)) (*Session, error)
	Delete(ctx context.Context, id string) error

	AppendMessage(ctx context.Context, sessionID string, msg Message) error
	Messages(ctx context.Context, sessionID string) ([]Message, error)
	ClearMessages(ctx context.Context, sessionID string) error

	Close() error
}

// newSession fills in the ID, default name and timestamps.
func newSession(name, model string) Session {
	id := uuid.NewString()
	if name == "" {
		name = "Chat " + id[:8]
	}
	now := time.Now().UTC()
	return Session{
		ID:        id,
		Name:      name,
		Model:     model,
		Documents: []string{},
		Status:    StatusEmpty,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// apply runs fn on a copy of sess and normalises the result.
func apply(sess Session, fn func(*Session)) Session {
	id, created := sess.ID, sess.CreatedAt
	fn(&sess)
	sess.ID, sess.CreatedAt = id, created
	if sess.Documents == nil {
		sess.Documents = []string{}
	}
	sess.UpdatedAt = time.Now().UTC()
	return sess
}

func stamp(msg Message) Message {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return msg
}
