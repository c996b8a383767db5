package bot

import (
	"sync"
	"time"

	"github.com/tibebgroup/taskrelay/internal/erp"
)

// State is the conversational position of one chat.
type State int

const (
	// StateAwaitingEmail: login started, waiting for the address.
	StateAwaitingEmail State = iota

	// StateAwaitingPassword: address accepted, waiting for the secret.
	StateAwaitingPassword

	// StateConfirmingLogin: credentials held, waiting for the user to
	// confirm before they are sent to the backend.
	StateConfirmingLogin

	// StateIdle: authenticated, no operation in flight.
	StateIdle

	// StateAwaitingStatusInput: a task is selected, waiting for the new
	// status (button press or typed text).
	StateAwaitingStatusInput

	// StateAwaitingAttachmentTarget: a file arrived with no task
	// selected, waiting for the user to pick one.
	StateAwaitingAttachmentTarget
)

func (s State) String() string {
	switch s {
	case StateAwaitingEmail:
		return "awaiting_email"
	case StateAwaitingPassword:
		return "awaiting_password"
	case StateConfirmingLogin:
		return "confirming_login"
	case StateIdle:
		return "idle"
	case StateAwaitingStatusInput:
		return "awaiting_status"
	case StateAwaitingAttachmentTarget:
		return "awaiting_attachment_target"
	default:
		return "unknown"
	}
}

// Session is the per-chat conversation state. The password is held only
// between the password prompt and the login confirmation, then wiped.
type Session struct {
	ChatID   int64
	State    State
	Email    string
	FullName string

	// Artifact is the live backend session. Nil before login and after
	// logout; a stale artifact surfaces as an auth error downstream.
	Artifact *erp.Artifact

	// PendingTaskID is the task a status change applies to.
	PendingTaskID string

	// StatusFilter narrows the task list to one status until cleared.
	StatusFilter string

	// PendingFile is the file waiting for an attachment target.
	PendingFile *FileRef

	pendingPassword string

	CreatedAt time.Time
	LastSeen  time.Time
}

// Authenticated reports whether the session holds a live artifact.
func (s *Session) Authenticated() bool {
	return s.Artifact != nil && s.State >= StateIdle
}

// setSecret stores the password for the confirmation step.
func (s *Session) setSecret(pw string) { s.pendingPassword = pw }

// takeSecret returns the held password and wipes it.
func (s *Session) takeSecret() string {
	pw := s.pendingPassword
	s.pendingPassword = ""
	return pw
}

// reset drops all authentication and pending state, returning the
// session to the start of the login flow.
func (s *Session) reset() {
	s.State = StateAwaitingEmail
	s.Email = ""
	s.FullName = ""
	s.Artifact = nil
	s.PendingTaskID = ""
	s.StatusFilter = ""
	s.PendingFile = nil
	s.pendingPassword = ""
}

// SessionStore hands out sessions keyed by chat id.
type SessionStore interface {
	// Get returns the session for a chat, creating it on first contact.
	Get(chatID int64) *Session

	// Delete removes a chat's session.
	Delete(chatID int64)
}

// MemoryStore is the in-process SessionStore. Secrets never touch disk;
// a restart logs everyone out, which is the intended trade.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[int64]*Session
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[int64]*Session)}
}

func (m *MemoryStore) Get(chatID int64) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[chatID]; ok {
		s.LastSeen = time.Now()
		return s
	}
	s := &Session{
		ChatID:    chatID,
		State:     StateAwaitingEmail,
		CreatedAt: time.Now(),
		LastSeen:  time.Now(),
	}
	m.sessions[chatID] = s
	return s
}

func (m *MemoryStore) Delete(chatID int64) {
	m.mu.Lock()
	delete(m.sessions, chatID)
	m.mu.Unlock()
}
