package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tibebgroup/taskrelay/internal/erp"
)

// ConnState is the subscriber's connection lifecycle position.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Sender delivers one notification text to a chat.
type Sender func(ctx context.Context, chatID int64, text string)

// SubscriberOptions configures a Subscriber.
type SubscriberOptions struct {
	// URL is the realtime socket endpoint, e.g. wss://erp.example.com/socket.io.
	URL string

	// Doctype is the document type to watch (default "Task").
	Doctype string

	ERP      *erp.Client
	Registry *Registry
	Send     Sender

	// ReconnectBase is the backoff unit (default 5s). The delay before
	// attempt n is ReconnectBase * min(n, 5).
	ReconnectBase time.Duration

	// MaxAttempts bounds consecutive failed connections before the
	// subscriber gives up for good (default 5).
	MaxAttempts int

	// DialTimeout bounds one connection attempt (default 10s).
	DialTimeout time.Duration

	// Dialer overrides the websocket dialer (tests).
	Dialer *websocket.Dialer
}

// backoffMultiplierCap bounds the linear backoff growth.
const backoffMultiplierCap = 5

// Subscriber maintains one shared realtime connection and fans task
// events out to registered chats. All chats share the connection; the
// events carry no per-user scoping until fanout.
type Subscriber struct {
	opts   SubscriberOptions
	dialer *websocket.Dialer

	mu       sync.Mutex
	state    ConnState
	attempts int
}

// NewSubscriber creates a Subscriber.
func NewSubscriber(opts SubscriberOptions) *Subscriber {
	if opts.Doctype == "" {
		opts.Doctype = "Task"
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = 5 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: opts.DialTimeout}
	}
	return &Subscriber{opts: opts, dialer: dialer}
}

// State returns the current connection state.
func (s *Subscriber) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState transitions the connection state. Connecting is entered only
// from Disconnected, which is what keeps a second dial from starting
// while one is already in flight.
func (s *Subscriber) setState(to ConnState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if to == StateConnecting && s.state != StateDisconnected {
		return false
	}
	s.state = to
	return true
}

// backoffDelay returns the wait before the given attempt number
// (1-based): base times the attempt count, capped.
func (s *Subscriber) backoffDelay(attempt int) time.Duration {
	mult := attempt
	if mult > backoffMultiplierCap {
		mult = backoffMultiplierCap
	}
	return s.opts.ReconnectBase * time.Duration(mult)
}

// Run connects and serves events until the context ends or the retry
// budget is spent. Spending the budget broadcasts a single terminal
// notice to every opted-in chat and returns nil: the rest of the
// process keeps working without pushes.
func (s *Subscriber) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			s.setState(StateClosing)
			return ctx.Err()
		}

		err := s.connectAndServe(ctx)
		if ctx.Err() != nil {
			s.setState(StateClosing)
			return ctx.Err()
		}

		s.mu.Lock()
		s.attempts++
		attempts := s.attempts
		s.mu.Unlock()

		if attempts >= s.opts.MaxAttempts {
			notifyLog.Error("realtime_abandoned",
				slog.Int("attempts", attempts),
				slog.String("error", errString(err)))
			s.broadcastTerminal(ctx)
			return nil
		}

		delay := s.backoffDelay(attempts)
		notifyLog.Warn("realtime_reconnect",
			slog.Int("attempt", attempts),
			slog.Duration("delay", delay),
			slog.String("error", errString(err)))

		select {
		case <-ctx.Done():
			s.setState(StateClosing)
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func errString(err error) string {
	if err == nil {
		return "connection closed"
	}
	return err.Error()
}

// connectAndServe dials, subscribes, and pumps events until the
// connection dies. A connection that reached Open resets the retry
// budget.
func (s *Subscriber) connectAndServe(ctx context.Context) error {
	if !s.setState(StateConnecting) {
		return fmt.Errorf("notify: connect already in progress")
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.opts.DialTimeout)
	conn, _, err := s.dialer.DialContext(dialCtx, s.opts.URL, nil)
	cancel()
	if err != nil {
		s.setState(StateDisconnected)
		return err
	}
	defer func() {
		conn.Close()
		s.setState(StateDisconnected)
	}()

	if err := s.subscribe(conn); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = StateOpen
	s.attempts = 0
	s.mu.Unlock()
	notifyLog.Info("realtime_connected", slog.String("url", s.opts.URL))

	// Close the socket when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleMessage(ctx, payload)
	}
}

// subscribe registers interest in list and document events for the
// watched doctype.
func (s *Subscriber) subscribe(conn *websocket.Conn) error {
	for _, channel := range []string{"list", "doc"} {
		msg := map[string]string{
			"cmd":     "subscribe",
			"channel": channel,
			"doctype": s.opts.Doctype,
		}
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("notify: subscribe %s: %w", channel, err)
		}
	}
	return nil
}

// wireEvent is the inbound message envelope. The server mixes several
// shapes on one socket; unknown ones are logged and dropped.
type wireEvent struct {
	Cmd     string          `json:"cmd"`
	Channel string          `json:"channel"`
	Doctype string          `json:"doctype"`
	Name    string          `json:"name"`
	Message string          `json:"message"`
	Doc     json.RawMessage `json:"doc"`
}

// handleMessage classifies one inbound frame. Malformed frames never
// kill the connection.
func (s *Subscriber) handleMessage(ctx context.Context, payload []byte) {
	var ev wireEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		notifyLog.Debug("realtime_unparseable", slog.Int("bytes", len(payload)))
		return
	}

	switch {
	case ev.Cmd == "subscribe" || ev.Cmd == "ack":
		// Subscription acks echo the cmd with an added/removed message.
		notifyLog.Debug("realtime_ack",
			slog.String("channel", ev.Channel),
			slog.String("message", ev.Message))

	case len(ev.Doc) > 0:
		// Full document payload inline: no re-fetch needed.
		var task erp.Task
		if err := json.Unmarshal(ev.Doc, &task); err != nil || task.Name == "" {
			notifyLog.Debug("realtime_bad_doc")
			return
		}
		s.fanout(ctx, &task)

	case ev.Name != "" && ev.Doctype == s.opts.Doctype:
		// List change: only the id travels; fetch the rest with the
		// service token so no user's session is borrowed for it.
		task, err := s.opts.ERP.GetTaskAsService(ctx, ev.Name)
		if err != nil {
			notifyLog.Warn("realtime_refetch_failed",
				slog.String("task", ev.Name),
				slog.String("error", err.Error()))
			return
		}
		s.fanout(ctx, task)

	default:
		notifyLog.Debug("realtime_unknown_event", slog.String("cmd", ev.Cmd))
	}
}

// fanout delivers a task event to every assigned user who is registered
// and opted in.
func (s *Subscriber) fanout(ctx context.Context, task *erp.Task) {
	delivered := 0
	for _, email := range task.AssignedEmails() {
		route, ok := s.opts.Registry.Lookup(email)
		if !ok || !route.Enabled {
			continue
		}
		s.opts.Send(ctx, route.ChatID, renderTaskEvent(task))
		delivered++
	}
	notifyLog.Debug("event_fanout",
		slog.String("task", task.Name),
		slog.Int("delivered", delivered))
}

// renderTaskEvent formats the push message for a changed task.
func renderTaskEvent(task *erp.Task) string {
	return fmt.Sprintf("🔔 <b>%s</b> changed\n%s is now <b>%s</b>.",
		html.EscapeString(task.Subject),
		html.EscapeString(task.Name),
		html.EscapeString(task.Status))
}

// broadcastTerminal tells every opted-in chat that live updates are
// gone for the rest of this process's life. Sent once.
func (s *Subscriber) broadcastTerminal(ctx context.Context) {
	const text = "⚠️ I lost the connection for live task updates and could not get it back. " +
		"Task commands still work; updates resume after the service restarts."
	for _, route := range s.opts.Registry.EnabledRoutes() {
		s.opts.Send(ctx, route.ChatID, text)
	}
}
