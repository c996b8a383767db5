package bot

import (
	"context"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tibebgroup/taskrelay/internal/erp"
	"github.com/tibebgroup/taskrelay/internal/logging"
	"github.com/tibebgroup/taskrelay/internal/notify"
)

var botLog = logging.ForComponent(logging.CompBot)

// Bot routes inbound chat events through per-chat state machines.
// Events for one chat are handled strictly in order; different chats
// proceed concurrently.
type Bot struct {
	transport Transport
	erp       *erp.Client
	sessions  SessionStore
	registry  *notify.Registry

	// limiter caps outbound sends across all chats; chat services
	// throttle hard when flooded.
	limiter *rate.Limiter

	mu      sync.Mutex
	workers map[int64]chan Event
	wg      sync.WaitGroup
	closed  bool
}

// Options configures a Bot.
type Options struct {
	Transport Transport
	ERP       *erp.Client
	Sessions  SessionStore
	Registry  *notify.Registry

	// SendRate is the global outbound message budget per second
	// (default 25).
	SendRate float64
}

// New creates a Bot.
func New(opts Options) *Bot {
	if opts.Sessions == nil {
		opts.Sessions = NewMemoryStore()
	}
	if opts.SendRate <= 0 {
		opts.SendRate = 25
	}
	return &Bot{
		transport: opts.Transport,
		erp:       opts.ERP,
		sessions:  opts.Sessions,
		registry:  opts.Registry,
		limiter:   rate.NewLimiter(rate.Limit(opts.SendRate), int(opts.SendRate)),
		workers:   make(map[int64]chan Event),
	}
}

// perChatBuffer bounds how many events one chat can queue before the
// oldest unprocessed event blocks the transport poller.
const perChatBuffer = 16

// HandleEvent enqueues an event on its chat's worker, starting the
// worker on first contact.
func (b *Bot) HandleEvent(ctx context.Context, ev Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	ch, ok := b.workers[ev.ChatID]
	if !ok {
		ch = make(chan Event, perChatBuffer)
		b.workers[ev.ChatID] = ch
		b.wg.Add(1)
		go b.worker(ctx, ev.ChatID, ch)
	}
	b.mu.Unlock()

	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}

// Close drains the workers. Call after the transport poller has
// stopped producing events.
func (b *Bot) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, ch := range b.workers {
		close(ch)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Bot) worker(ctx context.Context, chatID int64, ch chan Event) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			b.dispatch(ctx, ev)
		}
	}
}

// dispatch handles one event. A panic in a handler never takes the
// process down: the session is reset and the user gets an apology.
func (b *Bot) dispatch(ctx context.Context, ev Event) {
	eventID := uuid.NewString()[:8]
	log := botLog.With(
		slog.String("event_id", eventID),
		slog.Int64("chat", ev.ChatID))

	defer func() {
		if r := recover(); r != nil {
			log.Error("handler_panic",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			sess := b.sessions.Get(ev.ChatID)
			sess.reset()
			b.send(ctx, ev.ChatID, "Something went wrong on my side. Please /login again.", nil)
		}
	}()

	sess := b.sessions.Get(ev.ChatID)
	log.Debug("event", slog.String("state", sess.State.String()))

	switch {
	case ev.Callback != nil:
		b.handleCallback(ctx, sess, ev)
	case ev.File != nil:
		b.handleFile(ctx, sess, ev)
	case strings.HasPrefix(ev.Text, "/"):
		b.handleCommand(ctx, sess, ev)
	default:
		b.handleText(ctx, sess, ev)
	}
}

// handleCommand routes slash commands. Commands interrupt whatever
// state the chat was in.
func (b *Bot) handleCommand(ctx context.Context, sess *Session, ev Event) {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(ev.Text), " ")
	// Group chats append "@botname" to commands.
	cmd, _, _ = strings.Cut(strings.ToLower(cmd), "@")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/start", "/login":
		b.startLogin(ctx, sess)
	case "/logout":
		b.logout(ctx, sess)
	case "/help":
		b.send(ctx, sess.ChatID, helpText, &SendOptions{HTML: true})
	default:
		if !b.requireAuth(ctx, sess) {
			return
		}
		switch cmd {
		case "/tasks", "/mytasks":
			b.showTaskList(ctx, sess, arg)
		case "/find":
			b.findTasks(ctx, sess, arg)
		case "/status":
			b.showStatusHint(ctx, sess)
		case "/notifications":
			b.toggleNotifications(ctx, sess, arg)
		default:
			b.send(ctx, sess.ChatID, "Unknown command. Try /help.", nil)
		}
	}
}

// handleText routes free text by conversation state.
func (b *Bot) handleText(ctx context.Context, sess *Session, ev Event) {
	switch sess.State {
	case StateAwaitingEmail:
		b.receiveEmail(ctx, sess, ev.Text)
	case StateAwaitingPassword:
		b.receivePassword(ctx, sess, ev.Text)
	case StateConfirmingLogin:
		b.send(ctx, sess.ChatID, "Please use the buttons above to confirm or cancel.", nil)
	case StateAwaitingStatusInput:
		b.receiveStatusText(ctx, sess, ev.Text)
	case StateIdle:
		b.send(ctx, sess.ChatID, "I did not catch that. /tasks shows your list, /help shows everything else.", nil)
	case StateAwaitingAttachmentTarget:
		b.send(ctx, sess.ChatID, "Pick a task from the buttons above, or send /tasks to start over.", nil)
	}
}

// requireAuth gates authenticated commands. Returns false after
// prompting for login.
func (b *Bot) requireAuth(ctx context.Context, sess *Session) bool {
	if sess.Authenticated() {
		if b.registry != nil {
			b.registry.Touch(sess.Email)
		}
		return true
	}
	b.send(ctx, sess.ChatID, "You are not signed in. Send /login to connect your account.", nil)
	return false
}

// send delivers a message through the rate limiter. Delivery failures
// are logged, not propagated: there is no one else to tell.
func (b *Bot) send(ctx context.Context, chatID int64, text string, opts *SendOptions) int {
	if err := b.limiter.Wait(ctx); err != nil {
		return 0
	}
	id, err := b.transport.SendMessage(ctx, chatID, text, opts)
	if err != nil {
		botLog.Warn("send_failed",
			slog.Int64("chat", chatID),
			slog.String("error", err.Error()))
		return 0
	}
	return id
}

// edit rewrites a message through the rate limiter.
func (b *Bot) edit(ctx context.Context, chatID int64, messageID int, text string, opts *SendOptions) {
	if err := b.limiter.Wait(ctx); err != nil {
		return
	}
	if err := b.transport.EditMessage(ctx, chatID, messageID, text, opts); err != nil {
		botLog.Warn("edit_failed",
			slog.Int64("chat", chatID),
			slog.String("error", err.Error()))
	}
}

const helpText = `<b>What I can do</b>

/login — connect your work account
/tasks — your open tasks
/find <i>text</i> — search your tasks
/notifications on|off — toggle task alerts
/logout — disconnect

Send me a file any time to attach it to a task.`
