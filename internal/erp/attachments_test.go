package erp

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListAttachments(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/resource/File", r.URL.Path)
		assert.Contains(t, r.URL.Query().Get("filters"), "attached_to_name")
		assert.Equal(t, "token svc-key:svc-secret", r.Header.Get("Authorization"))

		json.NewEncoder(w).Encode(map[string]any{
			"data": []Attachment{
				{Name: "f1", FileName: "photo.jpg", FileURL: "/private/files/photo.jpg", FileSize: 2048},
			},
		})
	}))

	files, err := c.ListAttachments(context.Background(), "TASK-001")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "photo.jpg", files[0].FileName)
}

func TestAttachmentCountDegradesToZero(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	assert.Equal(t, 0, c.AttachmentCount(context.Background(), "TASK-001"))
}

func TestUploadAttachment(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/method/upload_file", r.URL.Path)

		mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		require.NoError(t, err)
		require.Equal(t, "multipart/form-data", mediaType)
		require.NotEmpty(t, params["boundary"])

		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "1", r.FormValue("is_private"))
		assert.Equal(t, "Home/Attachments", r.FormValue("folder"))
		assert.Equal(t, "Task", r.FormValue("doctype"))
		assert.Equal(t, "TASK-003", r.FormValue("docname"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "report.pdf", header.Filename)
		content, _ := io.ReadAll(file)
		assert.Equal(t, "pdf-bytes", string(content))

		json.NewEncoder(w).Encode(map[string]any{
			"message": Attachment{Name: "f9", FileName: "report.pdf"},
		})
	}))

	att, err := c.UploadAttachment(context.Background(), "TASK-003", "report.pdf", strings.NewReader("pdf-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", att.FileName)
}

func TestUploadAttachmentError(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	}))

	_, err := c.UploadAttachment(context.Background(), "TASK-003", "huge.bin", strings.NewReader("x"))
	var upErr *UploadError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, "huge.bin", upErr.Filename)
}

func TestFormatFileSize(t *testing.T) {
	assert.Equal(t, "512 B", FormatFileSize(512))
	assert.Equal(t, "2.0 KB", FormatFileSize(2048))
	assert.Equal(t, "1.5 MB", FormatFileSize(3<<19))
}

func TestLinkIdentity(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/resource/User/alice@example.com", r.URL.Path)
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{"data": map[string]string{"name": "alice@example.com"}})
		case http.MethodPut:
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "555001", body["telegram_user_id"])
			json.NewEncoder(w).Encode(map[string]any{"data": map[string]string{}})
		}
	}))

	require.NoError(t, c.LinkIdentity(context.Background(), "alice@example.com", "555001"))
}

func TestLinkIdentityMissingUser(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	err := c.LinkIdentity(context.Background(), "ghost@example.com", "1")
	assert.ErrorIs(t, err, ErrNotFound)
}
