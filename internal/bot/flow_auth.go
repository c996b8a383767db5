package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/mail"
	"strconv"
	"strings"

	"github.com/tibebgroup/taskrelay/internal/erp"
)

// startLogin begins (or restarts) the login conversation.
func (b *Bot) startLogin(ctx context.Context, sess *Session) {
	if sess.Authenticated() {
		b.send(ctx, sess.ChatID,
			fmt.Sprintf("You are already signed in as %s. Send /logout first to switch accounts.",
				sess.Email), nil)
		return
	}
	sess.reset()
	b.send(ctx, sess.ChatID,
		"Hi! Let's connect your work account.\n\nWhat is your email address?", nil)
}

// receiveEmail validates the address and moves to the password prompt.
func (b *Bot) receiveEmail(ctx context.Context, sess *Session, text string) {
	addr := strings.TrimSpace(text)
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		b.send(ctx, sess.ChatID,
			"That does not look like an email address. Please try again.", nil)
		return
	}

	sess.Email = parsed.Address
	sess.State = StateAwaitingPassword
	b.send(ctx, sess.ChatID,
		"Got it. Now send your password.\n\nTip: delete your message afterwards; I never store it.", nil)
}

// receivePassword holds the secret and asks for confirmation. The
// password itself is never echoed, logged, or persisted.
func (b *Bot) receivePassword(ctx context.Context, sess *Session, text string) {
	if strings.TrimSpace(text) == "" {
		b.send(ctx, sess.ChatID, "The password cannot be empty. Please try again.", nil)
		return
	}

	sess.setSecret(text)
	sess.State = StateConfirmingLogin
	b.send(ctx, sess.ChatID,
		fmt.Sprintf("Sign in as <b>%s</b>?", html.EscapeString(sess.Email)),
		&SendOptions{
			HTML: true,
			Keyboard: [][]Button{{
				{Label: "✅ Sign in", Data: "login:yes"},
				{Label: "❌ Cancel", Data: "login:no"},
			}},
		})
}

// confirmLogin runs the actual authentication after the user pressed
// the confirm button.
func (b *Bot) confirmLogin(ctx context.Context, sess *Session, ev Event) {
	secret := sess.takeSecret()
	if secret == "" {
		sess.reset()
		b.edit(ctx, sess.ChatID, ev.Callback.MessageID,
			"That login attempt expired. Send /login to start over.", nil)
		return
	}

	b.edit(ctx, sess.ChatID, ev.Callback.MessageID, "Signing you in…", nil)

	art, err := b.erp.Authenticate(ctx, sess.Email, secret)
	if err != nil {
		sess.State = StateAwaitingEmail
		b.send(ctx, sess.ChatID, loginFailureText(err), nil)
		return
	}

	sess.Artifact = art
	sess.FullName = art.FullName
	sess.State = StateIdle

	b.finishLogin(ctx, sess)
}

func loginFailureText(err error) string {
	var authErr *erp.AuthError
	if errors.As(err, &authErr) && authErr.Reason == erp.AuthReasonNetwork {
		return "I could not reach the server. Please try again in a moment, starting with your email."
	}
	return "Sign-in failed. Please check your email and password and try again, starting with your email."
}

// finishLogin records the route, links the backend identity, and
// greets the user.
func (b *Bot) finishLogin(ctx context.Context, sess *Session) {
	if b.registry != nil {
		if err := b.registry.Register(sess.Email, sess.ChatID); err != nil {
			botLog.Warn("registry_register_failed",
				slog.String("user", sess.Email),
				slog.String("error", err.Error()))
		}
	}

	// Best effort: record the chat id on the backend User so other
	// systems can route to this chat. Failure never blocks login.
	chatStr := strconv.FormatInt(sess.ChatID, 10)
	if err := b.erp.LinkIdentity(ctx, sess.Email, chatStr); err != nil {
		botLog.Debug("identity_link_failed",
			slog.String("user", sess.Email),
			slog.String("error", err.Error()))
	}

	name := sess.FullName
	if name == "" {
		name = sess.Email
	}
	b.send(ctx, sess.ChatID,
		fmt.Sprintf("Welcome, <b>%s</b>! 🎉\n\nSend /tasks to see your open tasks.",
			html.EscapeString(name)),
		&SendOptions{HTML: true})

	botLog.Info("user_signed_in",
		slog.String("user", sess.Email),
		slog.Int64("chat", sess.ChatID))
}

// cancelLogin aborts the confirmation step and wipes the held secret.
func (b *Bot) cancelLogin(ctx context.Context, sess *Session, ev Event) {
	sess.reset()
	b.edit(ctx, sess.ChatID, ev.Callback.MessageID,
		"Cancelled. Send /login whenever you are ready.", nil)
}

// logout drops the session and its notification route.
func (b *Bot) logout(ctx context.Context, sess *Session) {
	if !sess.Authenticated() {
		b.send(ctx, sess.ChatID, "You are not signed in.", nil)
		return
	}

	email := sess.Email
	if b.registry != nil {
		if err := b.registry.Unregister(email); err != nil {
			botLog.Warn("registry_unregister_failed",
				slog.String("user", email),
				slog.String("error", err.Error()))
		}
	}
	b.sessions.Delete(sess.ChatID)

	b.send(ctx, sess.ChatID, "Signed out. Send /login to reconnect.", nil)
	botLog.Info("user_signed_out", slog.String("user", email))
}

// toggleNotifications flips the push opt-in for the signed-in user.
func (b *Bot) toggleNotifications(ctx context.Context, sess *Session, arg string) {
	if b.registry == nil {
		b.send(ctx, sess.ChatID, "Notifications are not available right now.", nil)
		return
	}

	var enable bool
	switch strings.ToLower(arg) {
	case "on":
		enable = true
	case "off":
		enable = false
	default:
		enabled := b.registry.Enabled(sess.Email)
		state := "off"
		if enabled {
			state = "on"
		}
		b.send(ctx, sess.ChatID,
			fmt.Sprintf("Notifications are %s. Use /notifications on or /notifications off to change.", state), nil)
		return
	}

	if err := b.registry.SetEnabled(sess.Email, enable); err != nil {
		b.send(ctx, sess.ChatID, "I could not update that. Please try again.", nil)
		return
	}
	if enable {
		b.send(ctx, sess.ChatID, "🔔 Notifications on. I will ping you when your tasks change.", nil)
	} else {
		b.send(ctx, sess.ChatID, "🔕 Notifications off.", nil)
	}
}
