package erp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
)

// Attachment is a file attached to a task.
type Attachment struct {
	Name     string `json:"name"`
	FileName string `json:"file_name"`
	FileURL  string `json:"file_url"`
	FileSize int64  `json:"file_size"`
	Private  int    `json:"is_private"`
}

func (c *Client) attachmentListURL(taskID string, fields []string) string {
	filters := [][]any{
		{"File", "attached_to_doctype", "=", "Task"},
		{"File", "attached_to_name", "=", taskID},
	}
	return c.listURL("File", fields, filters)
}

// ListAttachments returns the files attached to a task, newest last.
// The service token is used: File reads are commonly restricted for
// ordinary users even on their own tasks.
func (c *Client) ListAttachments(ctx context.Context, taskID string) ([]Attachment, error) {
	fields := []string{"name", "file_name", "file_url", "file_size", "is_private"}
	var out struct {
		Data []Attachment `json:"data"`
	}
	if err := c.getJSON(ctx, c.attachmentListURL(taskID, fields), c.applyToken, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// AttachmentCount returns how many files are attached to a task.
// Failures degrade to zero so task rendering never blocks on it.
func (c *Client) AttachmentCount(ctx context.Context, taskID string) int {
	var out struct {
		Data []struct {
			Name string `json:"name"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, c.attachmentListURL(taskID, []string{"name"}), c.applyToken, &out); err != nil {
		erpLog.Debug("attachment_count_failed",
			slog.String("task", taskID),
			slog.String("error", err.Error()))
		return 0
	}
	return len(out.Data)
}

// UploadAttachment streams a file into the backend and attaches it to a
// task. The upload is private and filed under Home/Attachments, the
// same place the web UI puts drag-and-drop uploads. The content is
// streamed through an io.Pipe so large files never sit in memory whole.
func (c *Client) UploadAttachment(ctx context.Context, taskID, filename string, content io.Reader) (*Attachment, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := func() error {
			fields := map[string]string{
				"is_private": "1",
				"folder":     "Home/Attachments",
				"doctype":    "Task",
				"docname":    taskID,
			}
			for k, v := range fields {
				if err := mw.WriteField(k, v); err != nil {
					return err
				}
			}
			part, err := mw.CreateFormFile("file", filename)
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, content); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/method/upload_file", pr)
	if err != nil {
		return nil, &UploadError{Filename: filename, Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	c.applyToken(req)

	var out struct {
		Message Attachment `json:"message"`
	}
	if err := c.doJSON(c.uploadClient, req, &out); err != nil {
		return nil, &UploadError{Filename: filename, Err: err}
	}

	erpLog.Info("attachment_uploaded",
		slog.String("task", taskID),
		slog.String("file", out.Message.FileName))
	return &out.Message, nil
}

// FormatFileSize renders a byte count the way the backend's own file
// manager does: B, KB, MB with one decimal.
func FormatFileSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/float64(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
