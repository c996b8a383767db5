// Package bot implements the conversational front end: a per-chat
// state machine over a pluggable chat transport, backed by the ERP
// client for everything that touches the backend.
package bot

import "context"

// Button is one inline keyboard button. Data round-trips through the
// transport's callback mechanism.
type Button struct {
	Label string
	Data  string
}

// SendOptions controls message formatting and keyboards. A nil options
// value means plain text with no keyboard.
type SendOptions struct {
	// HTML enables the transport's HTML parse mode.
	HTML bool

	// Keyboard is an inline keyboard, row-major.
	Keyboard [][]Button

	// DisablePreview suppresses link previews.
	DisablePreview bool
}

// Transport is the chat service the bot speaks through. The concrete
// implementation lives in internal/telegram; tests use a recorder.
type Transport interface {
	// SendMessage delivers text to a chat and returns the message id.
	SendMessage(ctx context.Context, chatID int64, text string, opts *SendOptions) (int, error)

	// EditMessage rewrites a previously sent message in place.
	EditMessage(ctx context.Context, chatID int64, messageID int, text string, opts *SendOptions) error

	// AnswerCallback acknowledges a button press, optionally with a
	// toast. Must be called for every callback or the client spins.
	AnswerCallback(ctx context.Context, callbackID, text string) error

	// FileReader opens the content of a file the user sent.
	FileReader(ctx context.Context, fileID string) (ReadCloserWithName, error)
}

// ReadCloserWithName is a readable file with its original name.
type ReadCloserWithName interface {
	Read(p []byte) (int, error)
	Close() error
	Name() string
}

// FileRef identifies a file the user sent, before its content is
// fetched.
type FileRef struct {
	FileID   string
	FileName string
	Size     int64
}

// Callback is a button press.
type Callback struct {
	ID        string
	Data      string
	MessageID int
}

// Event is one inbound chat event, normalized across transports.
// Exactly one of Text, Callback, or File is meaningful.
type Event struct {
	ChatID   int64
	Text     string
	Callback *Callback
	File     *FileRef
}
