package bot

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/tibebgroup/taskrelay/internal/erp"
)

// statusIcons maps task statuses to their list markers. Unknown
// statuses fall back to the clipboard.
var statusIcons = map[string]string{
	"Open":           "🔵",
	"Working":        "🟡",
	"Pending Review": "🟠",
	"Overdue":        "🔴",
	"Completed":      "✅",
	"Closed":         "🔒",
	"Cancelled":      "❌",
	"On Hold":        "⏸️",
}

const defaultIcon = "📋"

// StatusIcon returns the marker for a status.
func StatusIcon(status string) string {
	if icon, ok := statusIcons[status]; ok {
		return icon
	}
	return defaultIcon
}

const (
	// maxButtonLabelWidth bounds inline button labels; longer subjects
	// are trimmed by display width so CJK text does not overflow.
	maxButtonLabelWidth = 32

	// maxDescriptionRunes bounds the rendered task description.
	maxDescriptionRunes = 500
)

// buttonLabel trims a subject to fit an inline button.
func buttonLabel(s string) string {
	return runewidth.Truncate(s, maxButtonLabelWidth, "…")
}

var htmlTagRe = regexp.MustCompile(`<[^>]*>`)

// plainText strips backend rich-text markup down to readable text.
// Task descriptions arrive as HTML fragments from the web editor.
func plainText(s string) string {
	s = strings.ReplaceAll(s, "<br>", "\n")
	s = strings.ReplaceAll(s, "<br/>", "\n")
	s = strings.ReplaceAll(s, "</p>", "\n")
	s = htmlTagRe.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	return strings.TrimSpace(s)
}

// truncateRunes caps a string at n runes.
func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}

// renderTaskList formats the task overview message.
func renderTaskList(tasks []erp.Task, filter string) string {
	var b strings.Builder
	if filter != "" {
		fmt.Fprintf(&b, "<b>Your tasks</b> (filter: %s)\n\n", html.EscapeString(filter))
	} else {
		b.WriteString("<b>Your tasks</b>\n\n")
	}
	for _, t := range tasks {
		fmt.Fprintf(&b, "%s <b>%s</b> — %s\n",
			StatusIcon(t.Status),
			html.EscapeString(t.Name),
			html.EscapeString(t.Subject))
	}
	b.WriteString("\nTap a task below for details.")
	return b.String()
}

// renderTaskDetail formats the full task view.
func renderTaskDetail(t *erp.Task, attachments int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>%s</b>\n%s\n\n",
		StatusIcon(t.Status),
		html.EscapeString(t.Subject),
		html.EscapeString(t.Name))

	fmt.Fprintf(&b, "Status: <b>%s</b>\n", html.EscapeString(t.Status))
	if t.Priority != "" {
		fmt.Fprintf(&b, "Priority: %s\n", html.EscapeString(t.Priority))
	}
	if t.Project != "" {
		fmt.Fprintf(&b, "Project: %s\n", html.EscapeString(t.Project))
	}
	if t.Type != "" {
		fmt.Fprintf(&b, "Type: %s\n", html.EscapeString(t.Type))
	}
	if t.Department != "" {
		fmt.Fprintf(&b, "Department: %s\n", html.EscapeString(t.Department))
	}
	if t.Progress > 0 {
		fmt.Fprintf(&b, "Progress: %.0f%%\n", t.Progress)
	}
	if t.StartDate != "" {
		fmt.Fprintf(&b, "Start: %s\n", html.EscapeString(t.StartDate))
	}
	if t.DueDate != "" {
		fmt.Fprintf(&b, "Due: %s\n", html.EscapeString(t.DueDate))
	}
	if attachments > 0 {
		fmt.Fprintf(&b, "Attachments: %d\n", attachments)
	}
	if t.Created != "" {
		fmt.Fprintf(&b, "Created: %s\n", html.EscapeString(t.Created))
	}
	if t.Modified != "" {
		fmt.Fprintf(&b, "Updated: %s\n", html.EscapeString(t.Modified))
	}

	if desc := plainText(t.Description); desc != "" {
		fmt.Fprintf(&b, "\n%s\n", html.EscapeString(truncateRunes(desc, maxDescriptionRunes)))
	}
	return b.String()
}

// renderAttachmentList formats a task's file list.
func renderAttachmentList(taskID string, files []erp.Attachment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>Files on %s</b>\n\n", html.EscapeString(taskID))
	if len(files) == 0 {
		b.WriteString("No attachments yet. Send me a file to add one.")
		return b.String()
	}
	for _, f := range files {
		fmt.Fprintf(&b, "📎 %s (%s)\n",
			html.EscapeString(f.FileName),
			erp.FormatFileSize(f.FileSize))
	}
	return b.String()
}
