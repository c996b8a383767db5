package bot

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tibebgroup/taskrelay/internal/erp"
	"github.com/tibebgroup/taskrelay/internal/notify"
)

type fakeMessage struct {
	ChatID int64
	Text   string
	Opts   *SendOptions
	Edited bool
}

// fakeTransport records outbound traffic.
type fakeTransport struct {
	mu       sync.Mutex
	messages []fakeMessage
	acks     []string
	files    map[string]string
	nextID   int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{files: map[string]string{}}
}

func (f *fakeTransport) SendMessage(_ context.Context, chatID int64, text string, opts *SendOptions) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.messages = append(f.messages, fakeMessage{ChatID: chatID, Text: text, Opts: opts})
	return f.nextID, nil
}

func (f *fakeTransport) EditMessage(_ context.Context, chatID int64, _ int, text string, opts *SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, fakeMessage{ChatID: chatID, Text: text, Opts: opts, Edited: true})
	return nil
}

func (f *fakeTransport) AnswerCallback(_ context.Context, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, text)
	return nil
}

type fakeFile struct {
	io.Reader
	name string
}

func (f fakeFile) Close() error { return nil }
func (f fakeFile) Name() string { return f.name }

func (f *fakeTransport) FileReader(_ context.Context, fileID string) (ReadCloserWithName, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content := f.files[fileID]
	return fakeFile{Reader: strings.NewReader(content), name: fileID}, nil
}

func (f *fakeTransport) lastMessage(t *testing.T) fakeMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.messages)
	return f.messages[len(f.messages)-1]
}

func (f *fakeTransport) allTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.messages))
	for i, m := range f.messages {
		out[i] = m.Text
	}
	return out
}

// erpBackend is a scriptable fake ERP server.
func erpBackend(t *testing.T, handler http.HandlerFunc) *erp.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return erp.NewClient(erp.Options{
		BaseURL:   srv.URL,
		APIKey:    "k",
		APISecret: "s",
	})
}

// loginOKBackend accepts any login and serves a small task list.
func loginOKBackend(t *testing.T) *erp.Client {
	return erpBackend(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/method/login":
			json.NewEncoder(w).Encode(map[string]any{
				"message": map[string]any{"logged_in": true, "full_name": "Alice"},
			})
		case strings.Contains(r.URL.Path, "get_tasks_for_sidebar"):
			json.NewEncoder(w).Encode(map[string]any{
				"message": []erp.Task{
					{Name: "TASK-001", Subject: "Ship the release", Status: "Open"},
					{Name: "TASK-002", Subject: "Write the docs", Status: "Working"},
				},
			})
		case strings.HasPrefix(r.URL.Path, "/api/resource/User/"):
			json.NewEncoder(w).Encode(map[string]any{"data": map[string]string{"name": "x"}})
		case strings.HasPrefix(r.URL.Path, "/api/resource/File"):
			json.NewEncoder(w).Encode(map[string]any{"data": []erp.Attachment{}})
		case r.URL.Path == "/api/resource/Task/TASK-001":
			json.NewEncoder(w).Encode(map[string]any{
				"data": erp.Task{Name: "TASK-001", Subject: "Ship the release", Status: "Open",
					Description: "<p>Cut the tag &amp; push.</p>"},
			})
		default:
			w.Write([]byte(`{"message":{}}`))
		}
	})
}

func newTestBot(t *testing.T, client *erp.Client) (*Bot, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	reg, err := notify.NewRegistry(nil)
	require.NoError(t, err)
	b := New(Options{Transport: tr, ERP: client, Registry: reg})
	return b, tr
}

// signIn drives a chat through the whole login conversation.
func signIn(t *testing.T, b *Bot, chatID int64) {
	t.Helper()
	ctx := context.Background()
	b.dispatch(ctx, Event{ChatID: chatID, Text: "/login"})
	b.dispatch(ctx, Event{ChatID: chatID, Text: "alice@example.com"})
	b.dispatch(ctx, Event{ChatID: chatID, Text: "hunter2"})
	b.dispatch(ctx, Event{ChatID: chatID, Callback: &Callback{ID: "cb1", Data: "login:yes", MessageID: 3}})
}

func TestLoginFlow(t *testing.T) {
	b, tr := newTestBot(t, loginOKBackend(t))
	signIn(t, b, 100)

	sess := b.sessions.Get(100)
	assert.Equal(t, StateIdle, sess.State)
	assert.True(t, sess.Authenticated())
	assert.Equal(t, "alice@example.com", sess.Email)

	last := tr.lastMessage(t)
	assert.Contains(t, last.Text, "Welcome")
	assert.Contains(t, last.Text, "Alice")

	// The login also registered the chat for notifications.
	route, ok := b.registry.Lookup("alice@example.com")
	require.True(t, ok)
	assert.Equal(t, int64(100), route.ChatID)

	// The password never appears in any outbound message.
	for _, text := range tr.allTexts() {
		assert.NotContains(t, text, "hunter2")
	}
}

func TestLoginRejectsBadEmail(t *testing.T) {
	b, tr := newTestBot(t, loginOKBackend(t))
	ctx := context.Background()

	b.dispatch(ctx, Event{ChatID: 100, Text: "/login"})
	b.dispatch(ctx, Event{ChatID: 100, Text: "not an email"})

	assert.Contains(t, tr.lastMessage(t).Text, "does not look like an email")
	assert.Equal(t, StateAwaitingEmail, b.sessions.Get(100).State)
}

func TestLoginCancelWipesSecret(t *testing.T) {
	b, tr := newTestBot(t, loginOKBackend(t))
	ctx := context.Background()

	b.dispatch(ctx, Event{ChatID: 100, Text: "/login"})
	b.dispatch(ctx, Event{ChatID: 100, Text: "alice@example.com"})
	b.dispatch(ctx, Event{ChatID: 100, Text: "hunter2"})
	b.dispatch(ctx, Event{ChatID: 100, Callback: &Callback{ID: "cb1", Data: "login:no", MessageID: 3}})

	sess := b.sessions.Get(100)
	assert.Equal(t, StateAwaitingEmail, sess.State)
	assert.Empty(t, sess.pendingPassword)
	assert.Contains(t, tr.lastMessage(t).Text, "Cancelled")
}

func TestLoginFailure(t *testing.T) {
	client := erpBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	b, tr := newTestBot(t, client)
	signIn(t, b, 100)

	sess := b.sessions.Get(100)
	assert.False(t, sess.Authenticated())
	assert.Equal(t, StateAwaitingEmail, sess.State)
	assert.Contains(t, tr.lastMessage(t).Text, "Sign-in failed")
}

func TestCommandsRequireAuth(t *testing.T) {
	b, tr := newTestBot(t, loginOKBackend(t))
	b.dispatch(context.Background(), Event{ChatID: 100, Text: "/tasks"})

	assert.Contains(t, tr.lastMessage(t).Text, "not signed in")
}

func TestTaskList(t *testing.T) {
	b, tr := newTestBot(t, loginOKBackend(t))
	signIn(t, b, 100)

	b.dispatch(context.Background(), Event{ChatID: 100, Text: "/tasks"})

	last := tr.lastMessage(t)
	assert.Contains(t, last.Text, "TASK-001")
	assert.Contains(t, last.Text, "Ship the release")
	// Two task rows plus the filter row.
	require.Len(t, last.Opts.Keyboard, 3)
	assert.Equal(t, "task:TASK-001", last.Opts.Keyboard[0][0].Data)
	assert.Equal(t, "flmenu", last.Opts.Keyboard[2][0].Data)
}

func TestTaskListStatusFilter(t *testing.T) {
	b, tr := newTestBot(t, loginOKBackend(t))
	signIn(t, b, 100)

	b.dispatch(context.Background(), Event{ChatID: 100, Text: "/tasks Working"})

	last := tr.lastMessage(t)
	assert.Contains(t, last.Text, "TASK-002")
	assert.NotContains(t, last.Text, "TASK-001")
}

func TestStatusFilterPersistsAcrossListCalls(t *testing.T) {
	b, tr := newTestBot(t, loginOKBackend(t))
	signIn(t, b, 100)
	ctx := context.Background()

	b.dispatch(ctx, Event{ChatID: 100, Text: "/tasks Working"})
	// A bare /tasks keeps the filter until it is cleared.
	b.dispatch(ctx, Event{ChatID: 100, Text: "/tasks"})

	last := tr.lastMessage(t)
	assert.Contains(t, last.Text, "TASK-002")
	assert.NotContains(t, last.Text, "TASK-001")
	assert.Equal(t, "Working", b.sessions.Get(100).StatusFilter)
}

func TestStaleSessionDropsToLogin(t *testing.T) {
	var expired atomic.Bool
	client := erpBackend(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/method/login":
			json.NewEncoder(w).Encode(map[string]any{
				"message": map[string]any{"logged_in": true},
			})
		case expired.Load():
			// The backend invalidated the session cookies.
			w.WriteHeader(http.StatusUnauthorized)
		case strings.Contains(r.URL.Path, "get_tasks_for_sidebar"):
			json.NewEncoder(w).Encode(map[string]any{"message": []erp.Task{}})
		case strings.HasPrefix(r.URL.Path, "/api/resource/User/"):
			json.NewEncoder(w).Encode(map[string]any{"data": map[string]string{"name": "x"}})
		default:
			w.Write([]byte(`{"message":{}}`))
		}
	})

	b, tr := newTestBot(t, client)
	signIn(t, b, 100)
	require.True(t, b.sessions.Get(100).Authenticated())

	expired.Store(true)
	b.dispatch(context.Background(), Event{ChatID: 100, Text: "/tasks"})

	assert.Contains(t, tr.lastMessage(t).Text, "session expired")
	assert.Equal(t, StateAwaitingEmail, b.sessions.Get(100).State)
	assert.False(t, b.sessions.Get(100).Authenticated())
}

func TestTaskDetail(t *testing.T) {
	b, tr := newTestBot(t, loginOKBackend(t))
	signIn(t, b, 100)

	b.dispatch(context.Background(), Event{ChatID: 100,
		Callback: &Callback{ID: "cb2", Data: "task:TASK-001", MessageID: 5}})

	last := tr.lastMessage(t)
	assert.True(t, last.Edited)
	assert.Contains(t, last.Text, "Ship the release")
	// Rich-text markup is flattened.
	assert.Contains(t, last.Text, "Cut the tag &amp; push.")
	assert.NotContains(t, last.Text, "<p>")
}

func TestFindFuzzy(t *testing.T) {
	b, tr := newTestBot(t, loginOKBackend(t))
	signIn(t, b, 100)

	b.dispatch(context.Background(), Event{ChatID: 100, Text: "/find docs"})

	last := tr.lastMessage(t)
	assert.Contains(t, last.Text, "TASK-002")
	assert.NotContains(t, last.Text, "TASK-001")
}

func TestLogout(t *testing.T) {
	b, tr := newTestBot(t, loginOKBackend(t))
	signIn(t, b, 100)

	b.dispatch(context.Background(), Event{ChatID: 100, Text: "/logout"})

	assert.Contains(t, tr.lastMessage(t).Text, "Signed out")
	assert.False(t, b.sessions.Get(100).Authenticated())
	_, ok := b.registry.Lookup("alice@example.com")
	assert.False(t, ok)
}

func TestNotificationsToggle(t *testing.T) {
	b, tr := newTestBot(t, loginOKBackend(t))
	signIn(t, b, 100)
	ctx := context.Background()

	b.dispatch(ctx, Event{ChatID: 100, Text: "/notifications off"})
	assert.False(t, b.registry.Enabled("alice@example.com"))
	assert.Contains(t, tr.lastMessage(t).Text, "off")

	b.dispatch(ctx, Event{ChatID: 100, Text: "/notifications on"})
	assert.True(t, b.registry.Enabled("alice@example.com"))
}

func TestPanicRecovery(t *testing.T) {
	b, tr := newTestBot(t, loginOKBackend(t))
	signIn(t, b, 100)

	// Force a panic inside dispatch by clearing the transport's ERP
	// client mid-flight.
	b.erp = nil
	require.NotPanics(t, func() {
		b.dispatch(context.Background(), Event{ChatID: 100, Text: "/tasks"})
	})

	assert.Contains(t, tr.lastMessage(t).Text, "Something went wrong")
	assert.Equal(t, StateAwaitingEmail, b.sessions.Get(100).State)
}

func TestSessionsAreIsolatedPerChat(t *testing.T) {
	b, _ := newTestBot(t, loginOKBackend(t))
	signIn(t, b, 100)

	b.dispatch(context.Background(), Event{ChatID: 200, Text: "/login"})

	assert.True(t, b.sessions.Get(100).Authenticated())
	assert.Equal(t, StateAwaitingEmail, b.sessions.Get(200).State)
}
