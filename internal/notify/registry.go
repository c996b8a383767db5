// Package notify pushes task-change events from the backend's realtime
// socket out to the chats that want them.
package notify

import (
	"database/sql"
	"errors"
	"log/slog"
	"sync"

	"github.com/tibebgroup/taskrelay/internal/logging"
	"github.com/tibebgroup/taskrelay/internal/statedb"
)

var notifyLog = logging.ForComponent(logging.CompNotify)

// Route is one deliverable destination.
type Route struct {
	Email   string
	ChatID  int64
	Enabled bool
}

// Registry maps backend emails to chat destinations. Writes go through
// to SQLite so routes survive a restart; reads are served from memory.
type Registry struct {
	db *statedb.StateDB

	mu     sync.RWMutex
	routes map[string]Route
}

// NewRegistry loads the persisted routes. A nil db keeps the registry
// purely in-memory (tests).
func NewRegistry(db *statedb.StateDB) (*Registry, error) {
	r := &Registry{db: db, routes: make(map[string]Route)}
	if db == nil {
		return r, nil
	}

	links, err := db.AllLinks()
	if err != nil {
		return nil, err
	}
	for _, l := range links {
		r.routes[l.Email] = Route{Email: l.Email, ChatID: l.ChatID, Enabled: l.Notifications}
	}
	notifyLog.Info("registry_loaded", slog.Int("routes", len(r.routes)))
	return r, nil
}

// Register records (or moves) the chat route for an email. A returning
// user keeps their notification preference.
func (r *Registry) Register(email string, chatID int64) error {
	r.mu.Lock()
	route, existed := r.routes[email]
	route.Email = email
	route.ChatID = chatID
	if !existed {
		route.Enabled = true
	}
	r.routes[email] = route
	r.mu.Unlock()

	if r.db != nil {
		return r.db.UpsertLink(email, chatID)
	}
	return nil
}

// Unregister drops the route for an email.
func (r *Registry) Unregister(email string) error {
	r.mu.Lock()
	delete(r.routes, email)
	r.mu.Unlock()

	if r.db != nil {
		return r.db.DeleteLink(email)
	}
	return nil
}

// SetEnabled flips the opt-in flag.
func (r *Registry) SetEnabled(email string, enabled bool) error {
	r.mu.Lock()
	route, ok := r.routes[email]
	if !ok {
		r.mu.Unlock()
		return errors.New("notify: no route for " + email)
	}
	route.Enabled = enabled
	r.routes[email] = route
	r.mu.Unlock()

	if r.db != nil {
		if err := r.db.SetNotifications(email, enabled); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
	}
	return nil
}

// Touch records activity for an email's link. Best effort: activity
// tracking never fails a user-facing operation.
func (r *Registry) Touch(email string) {
	if r.db == nil {
		return
	}
	if err := r.db.TouchActive(email); err != nil {
		notifyLog.Debug("touch_failed",
			slog.String("user", email),
			slog.String("error", err.Error()))
	}
}

// Enabled reports the opt-in flag for an email. Unknown emails are
// disabled.
func (r *Registry) Enabled(email string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.routes[email].Enabled
}

// Lookup returns the route for an email.
func (r *Registry) Lookup(email string) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[email]
	return route, ok
}

// EnabledRoutes returns every route that wants deliveries.
func (r *Registry) EnabledRoutes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Route, 0, len(r.routes))
	for _, route := range r.routes {
		if route.Enabled {
			out = append(out, route)
		}
	}
	return out
}
