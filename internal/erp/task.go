package erp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// taskFields is the field set requested on every task query.
var taskFields = []string{
	"name", "subject", "status", "priority", "project", "type",
	"department", "progress", "exp_start_date", "exp_end_date",
	"description", "_assign", "creation", "modified",
}

// Task is a work item as the backend reports it.
type Task struct {
	Name        string  `json:"name"`
	Subject     string  `json:"subject"`
	Status      string  `json:"status"`
	Priority    string  `json:"priority"`
	Project     string  `json:"project"`
	Type        string  `json:"type"`
	Department  string  `json:"department"`
	Progress    float64 `json:"progress"`
	StartDate   string  `json:"exp_start_date"`
	DueDate     string  `json:"exp_end_date"`
	Description string  `json:"description"`
	Assign      string  `json:"_assign"`
	Created     string  `json:"creation"`
	Modified    string  `json:"modified"`
}

// AssignedTo reports whether the task's assignment list names the user.
// _assign is a JSON-encoded string array stored as text.
func (t Task) AssignedTo(identity string) bool {
	return strings.Contains(t.Assign, `"`+identity+`"`)
}

// ListTasksForUser returns the open tasks assigned to the user. The
// sidebar endpoint is tried first because it applies the backend's own
// assignment logic; on any failure the generic resource filter takes
// over. An empty list is a valid result, never an error.
func (c *Client) ListTasksForUser(ctx context.Context, art *Artifact, identity string) ([]Task, error) {
	tasks, err := c.listViaSidebar(ctx, art)
	if err == nil {
		return tasks, nil
	}
	erpLog.Debug("task_sidebar_fallback",
		slog.String("identity", identity),
		slog.String("error", err.Error()))

	tasks, err = c.listViaFilter(ctx, art, identity)
	if err != nil {
		return nil, classifySessionError(err)
	}
	return tasks, nil
}

func (c *Client) listViaSidebar(ctx context.Context, art *Artifact) ([]Task, error) {
	var out struct {
		Message []Task `json:"message"`
	}
	err := c.getJSON(ctx, c.baseURL+"/api/method/frappe.desk.task.get_tasks_for_sidebar", art.Apply, &out)
	if err != nil {
		return nil, err
	}
	return out.Message, nil
}

func (c *Client) listViaFilter(ctx context.Context, art *Artifact, identity string) ([]Task, error) {
	filters := [][]any{
		{"Task", "_assign", "like", "%" + identity + "%"},
		{"Task", "status", "not in", []string{"Completed", "Cancelled", "Closed"}},
	}
	var out struct {
		Data []Task `json:"data"`
	}
	if err := c.getJSON(ctx, c.listURL("Task", taskFields, filters), art.Apply, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// GetTask fetches one task by id. The direct resource read is tried
// first; if that path is blocked a filtered list query stands in.
// A task that exists nowhere comes back as ErrNotFound.
func (c *Client) GetTask(ctx context.Context, art *Artifact, taskID string) (*Task, error) {
	var out struct {
		Data Task `json:"data"`
	}
	err := c.getJSON(ctx, c.resourceURL("Task", taskID), art.Apply, &out)
	if err == nil {
		return &out.Data, nil
	}

	var statusErr *httpStatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == 404 {
		return nil, ErrNotFound
	}
	erpLog.Debug("task_get_fallback",
		slog.String("task", taskID),
		slog.String("error", err.Error()))

	filters := [][]any{{"Task", "name", "=", taskID}}
	var list struct {
		Data []Task `json:"data"`
	}
	if err := c.getJSON(ctx, c.listURL("Task", taskFields, filters), art.Apply, &list); err != nil {
		return nil, classifySessionError(err)
	}
	if len(list.Data) == 0 {
		return nil, ErrNotFound
	}
	return &list.Data[0], nil
}

// GetTaskAsService fetches a task with the service token instead of a
// user session. Used by the notification path, which has no user in
// hand when an event arrives.
func (c *Client) GetTaskAsService(ctx context.Context, taskID string) (*Task, error) {
	var out struct {
		Data Task `json:"data"`
	}
	err := c.getJSON(ctx, c.resourceURL("Task", taskID), c.applyToken, &out)
	if err != nil {
		var statusErr *httpStatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == 404 {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &out.Data, nil
}

// AssignedEmails decodes the _assign list.
func (t Task) AssignedEmails() []string {
	var emails []string
	if err := json.Unmarshal([]byte(t.Assign), &emails); err != nil {
		return nil
	}
	return emails
}

// configDefectSignatures are backend error fragments that mean a server
// script is broken, not that the request was bad. Retrying cannot help.
var configDefectSignatures = []string{
	"__import__ not found",
	"restricted python",
}

func classifyMutationBody(body string) error {
	lower := strings.ToLower(body)
	for _, sig := range configDefectSignatures {
		if strings.Contains(lower, strings.ToLower(sig)) {
			return &ConfigurationError{Signature: sig}
		}
	}
	return nil
}

// SetTaskStatus updates a task's status via the backend's set_value
// method. The user's own session is tried first so the change is
// attributed to them; the service token is the fallback. A scripting
// defect on the backend is reported as *ConfigurationError so the
// caller can tell the user to contact an administrator instead of
// retrying.
func (c *Client) SetTaskStatus(ctx context.Context, art *Artifact, taskID, status string) error {
	body := map[string]string{
		"doctype":   "Task",
		"name":      taskID,
		"fieldname": "status",
		"value":     status,
	}
	setValueURL := c.baseURL + "/api/method/frappe.client.set_value"

	err := c.postJSON(ctx, setValueURL, art.Apply, body, nil)
	if err == nil {
		return nil
	}
	if cfgErr := asConfigDefect(err); cfgErr != nil {
		return cfgErr
	}
	erpLog.Debug("task_mutation_fallback",
		slog.String("task", taskID),
		slog.String("error", err.Error()))

	if !c.HasServiceToken() {
		return &MutationError{Op: "set status", Err: err}
	}

	err = c.postJSON(ctx, setValueURL, c.applyToken, body, nil)
	if err == nil {
		return nil
	}
	if cfgErr := asConfigDefect(err); cfgErr != nil {
		return cfgErr
	}
	return &MutationError{Op: "set status", Err: err}
}

// asConfigDefect extracts a *ConfigurationError from a backend reply,
// checking both the exc field and the raw body.
func asConfigDefect(err error) error {
	var statusErr *httpStatusError
	if !errors.As(err, &statusErr) {
		return nil
	}
	return classifyMutationBody(statusErr.Body)
}

// applyToken attaches the service token to a request.
func (c *Client) applyToken(req *http.Request) {
	req.Header.Set("Authorization", c.tokenHeader())
}
