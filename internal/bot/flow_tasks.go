package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/tibebgroup/taskrelay/internal/erp"
)

// showTaskList handles /tasks. An argument sets the session's status
// filter; the filter then sticks until cleared.
func (b *Bot) showTaskList(ctx context.Context, sess *Session, filterArg string) {
	if filterArg != "" {
		sess.StatusFilter = filterArg
	}
	b.renderTaskListMessage(ctx, sess, 0)
}

// applyStatusFilter keeps only the tasks matching the filter. An empty
// filter keeps everything; re-applying the same filter is a no-op.
func applyStatusFilter(tasks []erp.Task, filter string) []erp.Task {
	if filter == "" {
		return tasks
	}
	var kept []erp.Task
	for _, t := range tasks {
		if strings.EqualFold(t.Status, filter) {
			kept = append(kept, t)
		}
	}
	return kept
}

// renderTaskListMessage fetches, filters, and renders the task list.
// A non-zero messageID edits in place (button navigation); zero sends
// a fresh message.
func (b *Bot) renderTaskListMessage(ctx context.Context, sess *Session, messageID int) {
	tasks, err := b.erp.ListTasksForUser(ctx, sess.Artifact, sess.Email)
	if err != nil {
		b.reportERPFailure(ctx, sess, err)
		return
	}

	filter := sess.StatusFilter
	tasks = applyStatusFilter(tasks, filter)

	var text string
	var kb [][]Button
	switch {
	case len(tasks) == 0 && filter != "":
		text = fmt.Sprintf("No tasks with status %q.", filter)
		kb = [][]Button{{{Label: "✖ Clear filter", Data: "fl:"}}}
	case len(tasks) == 0:
		text = "You have no open tasks. Enjoy the quiet! 🎉"
	default:
		text = renderTaskList(tasks, filter)
		kb = append(taskListKeyboard(tasks), filterRow(filter))
	}

	opts := &SendOptions{HTML: true, Keyboard: kb}
	if messageID != 0 {
		b.edit(ctx, sess.ChatID, messageID, text, opts)
	} else {
		b.send(ctx, sess.ChatID, text, opts)
	}
}

func taskListKeyboard(tasks []erp.Task) [][]Button {
	rows := make([][]Button, 0, len(tasks)+1)
	for _, t := range tasks {
		rows = append(rows, []Button{{
			Label: StatusIcon(t.Status) + " " + buttonLabel(t.Subject),
			Data:  "task:" + t.Name,
		}})
	}
	return rows
}

func filterRow(active string) []Button {
	if active != "" {
		return []Button{
			{Label: "🔍 Filter", Data: "flmenu"},
			{Label: "✖ Clear filter", Data: "fl:"},
		}
	}
	return []Button{{Label: "🔍 Filter", Data: "flmenu"}}
}

// promptFilter offers the status filter choices.
func (b *Bot) promptFilter(ctx context.Context, sess *Session, messageID int) {
	options := b.erp.StatusOptions(ctx)

	rows := make([][]Button, 0, len(options)+2)
	for _, opt := range options {
		rows = append(rows, []Button{{
			Label: StatusIcon(opt) + " " + opt,
			Data:  "fl:" + opt,
		}})
	}
	rows = append(rows,
		[]Button{{Label: "All statuses", Data: "fl:"}},
		[]Button{{Label: "« Back", Data: "list"}},
	)

	b.edit(ctx, sess.ChatID, messageID,
		"Show only tasks with status:", &SendOptions{Keyboard: rows})
}

// findTasks fuzzy-matches the query against subjects and ids.
func (b *Bot) findTasks(ctx context.Context, sess *Session, query string) {
	if query == "" {
		b.send(ctx, sess.ChatID, "Usage: /find <text>", nil)
		return
	}

	tasks, err := b.erp.ListTasksForUser(ctx, sess.Artifact, sess.Email)
	if err != nil {
		b.reportERPFailure(ctx, sess, err)
		return
	}

	haystack := make([]string, len(tasks))
	for i, t := range tasks {
		haystack[i] = t.Name + " " + t.Subject
	}

	matches := fuzzy.Find(query, haystack)
	if len(matches) == 0 {
		b.send(ctx, sess.ChatID, fmt.Sprintf("Nothing matching %q.", query), nil)
		return
	}

	const maxResults = 8
	var found []erp.Task
	for _, m := range matches {
		found = append(found, tasks[m.Index])
		if len(found) == maxResults {
			break
		}
	}

	b.send(ctx, sess.ChatID, renderTaskList(found, "search: "+query), &SendOptions{
		HTML:     true,
		Keyboard: taskListKeyboard(found),
	})
}

// showTaskDetail renders one task with its action buttons, editing the
// originating message in place when possible.
func (b *Bot) showTaskDetail(ctx context.Context, sess *Session, taskID string, messageID int) {
	task, err := b.erp.GetTask(ctx, sess.Artifact, taskID)
	if err != nil {
		if errors.Is(err, erp.ErrNotFound) {
			b.send(ctx, sess.ChatID,
				fmt.Sprintf("Task %s no longer exists.", taskID), nil)
			return
		}
		b.reportERPFailure(ctx, sess, err)
		return
	}

	attachments := b.erp.AttachmentCount(ctx, taskID)
	text := renderTaskDetail(task, attachments)
	opts := &SendOptions{HTML: true, Keyboard: taskDetailKeyboard(task)}

	if messageID != 0 {
		b.edit(ctx, sess.ChatID, messageID, text, opts)
	} else {
		b.send(ctx, sess.ChatID, text, opts)
	}
}

func taskDetailKeyboard(t *erp.Task) [][]Button {
	rows := [][]Button{
		{{Label: "🔄 Change status", Data: "st:" + t.Name}},
	}
	if t.Status != "Completed" {
		rows = append(rows, []Button{{Label: "✅ Mark complete", Data: "set:" + t.Name + ":Completed"}})
	}
	rows = append(rows,
		[]Button{{Label: "📎 Attachments", Data: "att:" + t.Name}},
		[]Button{{Label: "« Back to list", Data: "list"}},
	)
	return rows
}

// promptStatus shows the status options for a task and arms the typed
// fallback.
func (b *Bot) promptStatus(ctx context.Context, sess *Session, taskID string, messageID int) {
	options := b.erp.StatusOptions(ctx)

	rows := make([][]Button, 0, len(options)+1)
	for _, opt := range options {
		rows = append(rows, []Button{{
			Label: StatusIcon(opt) + " " + opt,
			Data:  "set:" + taskID + ":" + opt,
		}})
	}
	rows = append(rows, []Button{{Label: "« Back", Data: "task:" + taskID}})

	sess.State = StateAwaitingStatusInput
	sess.PendingTaskID = taskID

	b.edit(ctx, sess.ChatID, messageID,
		fmt.Sprintf("New status for <b>%s</b>? Pick one, or type it.", html.EscapeString(taskID)),
		&SendOptions{HTML: true, Keyboard: rows})
}

// receiveStatusText handles a typed status while a task is pending.
// Matching is case-insensitive against the live option list.
func (b *Bot) receiveStatusText(ctx context.Context, sess *Session, text string) {
	taskID := sess.PendingTaskID
	if taskID == "" {
		sess.State = StateIdle
		b.send(ctx, sess.ChatID, "No task selected. Send /tasks to pick one.", nil)
		return
	}

	want := strings.TrimSpace(text)
	for _, opt := range b.erp.StatusOptions(ctx) {
		if strings.EqualFold(opt, want) {
			b.applyStatus(ctx, sess, taskID, opt, 0)
			return
		}
	}

	b.send(ctx, sess.ChatID,
		fmt.Sprintf("%q is not a valid status. Pick one from the buttons above.", want), nil)
}

// applyStatus performs the mutation and reports the outcome. A backend
// scripting defect gets the contact-your-administrator treatment; a
// retryable failure gets a retry hint.
func (b *Bot) applyStatus(ctx context.Context, sess *Session, taskID, status string, messageID int) {
	sess.State = StateIdle
	sess.PendingTaskID = ""

	err := b.erp.SetTaskStatus(ctx, sess.Artifact, taskID, status)
	if err != nil {
		var cfgErr *erp.ConfigurationError
		if errors.As(err, &cfgErr) {
			botLog.Error("backend_config_defect",
				slog.String("task", taskID),
				slog.String("signature", cfgErr.Signature))
			b.send(ctx, sess.ChatID,
				"The server is misconfigured and cannot update tasks right now. Please contact your administrator.", nil)
			return
		}
		b.send(ctx, sess.ChatID,
			fmt.Sprintf("I could not update %s. Please try again.", taskID), nil)
		return
	}

	text := fmt.Sprintf("%s <b>%s</b> is now <b>%s</b>.",
		StatusIcon(status), html.EscapeString(taskID), html.EscapeString(status))
	if messageID != 0 {
		b.edit(ctx, sess.ChatID, messageID, text, &SendOptions{HTML: true})
	} else {
		b.send(ctx, sess.ChatID, text, &SendOptions{HTML: true})
	}

	botLog.Info("task_status_changed",
		slog.String("user", sess.Email),
		slog.String("task", taskID),
		slog.String("status", status))
}

// showStatusHint explains the status flow when /status arrives bare.
func (b *Bot) showStatusHint(ctx context.Context, sess *Session) {
	b.send(ctx, sess.ChatID,
		"Open a task from /tasks and tap \"Change status\".", nil)
}

// showAttachments lists a task's files.
func (b *Bot) showAttachments(ctx context.Context, sess *Session, taskID string, messageID int) {
	files, err := b.erp.ListAttachments(ctx, taskID)
	if err != nil {
		b.reportERPFailure(ctx, sess, err)
		return
	}

	opts := &SendOptions{
		HTML:     true,
		Keyboard: [][]Button{{{Label: "« Back", Data: "task:" + taskID}}},
	}
	b.edit(ctx, sess.ChatID, messageID, renderAttachmentList(taskID, files), opts)
}

// handleFile receives a document or photo. With no task in flight the
// user picks the target from their open tasks.
func (b *Bot) handleFile(ctx context.Context, sess *Session, ev Event) {
	if !b.requireAuth(ctx, sess) {
		return
	}

	sess.PendingFile = ev.File
	tasks, err := b.erp.ListTasksForUser(ctx, sess.Artifact, sess.Email)
	if err != nil {
		b.reportERPFailure(ctx, sess, err)
		return
	}
	if len(tasks) == 0 {
		sess.PendingFile = nil
		b.send(ctx, sess.ChatID, "You have no open tasks to attach this to.", nil)
		return
	}

	rows := make([][]Button, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, []Button{{
			Label: buttonLabel(t.Subject),
			Data:  "up:" + t.Name,
		}})
	}

	sess.State = StateAwaitingAttachmentTarget
	b.send(ctx, sess.ChatID,
		fmt.Sprintf("Attach <b>%s</b> to which task?", html.EscapeString(ev.File.FileName)),
		&SendOptions{HTML: true, Keyboard: rows})
}

// uploadPendingFile streams the held file into the chosen task.
func (b *Bot) uploadPendingFile(ctx context.Context, sess *Session, taskID string, messageID int) {
	file := sess.PendingFile
	sess.PendingFile = nil
	sess.State = StateIdle

	if file == nil {
		b.edit(ctx, sess.ChatID, messageID,
			"That file is gone. Please send it again.", nil)
		return
	}

	b.edit(ctx, sess.ChatID, messageID,
		fmt.Sprintf("Uploading %s…", html.EscapeString(file.FileName)), &SendOptions{HTML: true})

	rc, err := b.transport.FileReader(ctx, file.FileID)
	if err != nil {
		botLog.Warn("file_fetch_failed",
			slog.String("file", file.FileName),
			slog.String("error", err.Error()))
		b.send(ctx, sess.ChatID, "I could not fetch that file from the chat service. Please send it again.", nil)
		return
	}
	defer rc.Close()

	att, err := b.erp.UploadAttachment(ctx, taskID, file.FileName, rc)
	if err != nil {
		b.send(ctx, sess.ChatID,
			fmt.Sprintf("Upload of %s failed. Please try again.", file.FileName), nil)
		return
	}

	b.send(ctx, sess.ChatID,
		fmt.Sprintf("📎 <b>%s</b> attached to <b>%s</b>.",
			html.EscapeString(att.FileName), html.EscapeString(taskID)),
		&SendOptions{HTML: true})
}

// handleCallback routes button presses. Every press is acknowledged
// exactly once.
func (b *Bot) handleCallback(ctx context.Context, sess *Session, ev Event) {
	cb := ev.Callback
	ack := ""

	defer func() {
		if err := b.transport.AnswerCallback(ctx, cb.ID, ack); err != nil {
			botLog.Debug("callback_ack_failed", slog.String("error", err.Error()))
		}
	}()

	action, rest, _ := strings.Cut(cb.Data, ":")

	if action == "login" {
		if sess.State != StateConfirmingLogin {
			ack = "That prompt has expired."
			return
		}
		if rest == "yes" {
			b.confirmLogin(ctx, sess, ev)
		} else {
			b.cancelLogin(ctx, sess, ev)
		}
		return
	}

	if !sess.Authenticated() {
		ack = "Please /login first."
		return
	}

	switch action {
	case "list":
		b.renderTaskListMessage(ctx, sess, cb.MessageID)
	case "flmenu":
		b.promptFilter(ctx, sess, cb.MessageID)
	case "fl":
		sess.StatusFilter = rest
		if rest == "" {
			ack = "Filter cleared"
		} else {
			ack = "Filter: " + rest
		}
		b.renderTaskListMessage(ctx, sess, cb.MessageID)
	case "task":
		b.showTaskDetail(ctx, sess, rest, cb.MessageID)
	case "st":
		b.promptStatus(ctx, sess, rest, cb.MessageID)
	case "set":
		taskID, status, ok := strings.Cut(rest, ":")
		if !ok {
			ack = "Malformed action."
			return
		}
		b.applyStatus(ctx, sess, taskID, status, cb.MessageID)
	case "att":
		b.showAttachments(ctx, sess, rest, cb.MessageID)
	case "up":
		if sess.State != StateAwaitingAttachmentTarget {
			ack = "That prompt has expired."
			return
		}
		b.uploadPendingFile(ctx, sess, rest, cb.MessageID)
	default:
		ack = "Unknown action."
	}
}

// reportERPFailure tells the user a backend call failed. An auth error
// means the artifact went stale: the session drops back to login.
func (b *Bot) reportERPFailure(ctx context.Context, sess *Session, err error) {
	botLog.Warn("erp_call_failed",
		slog.String("user", sess.Email),
		slog.String("error", err.Error()))

	var authErr *erp.AuthError
	if errors.As(err, &authErr) {
		sess.reset()
		b.send(ctx, sess.ChatID, "Your session expired. Please /login again.", nil)
		return
	}
	b.send(ctx, sess.ChatID, "I could not reach the server. Please try again in a moment.", nil)
}
