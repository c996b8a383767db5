package erp

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testArtifact() *Artifact {
	return &Artifact{cookies: []*http.Cookie{{Name: "sid", Value: "s"}}}
}

func TestListTasksForUserSidebar(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/method/frappe.desk.task.get_tasks_for_sidebar", r.URL.Path)
		sid, err := r.Cookie("sid")
		require.NoError(t, err)
		assert.Equal(t, "s", sid.Value)

		json.NewEncoder(w).Encode(map[string]any{
			"message": []Task{{Name: "TASK-001", Subject: "Fix the thing", Status: "Open"}},
		})
	}))

	tasks, err := c.ListTasksForUser(context.Background(), testArtifact(), "alice@example.com")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "TASK-001", tasks[0].Name)
}

func TestListTasksForUserFilterFallback(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "get_tasks_for_sidebar") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		require.Equal(t, "/api/resource/Task", r.URL.Path)
		assert.Contains(t, r.URL.Query().Get("filters"), "_assign")

		json.NewEncoder(w).Encode(map[string]any{
			"data": []Task{{Name: "TASK-002", Status: "Working"}},
		})
	}))

	tasks, err := c.ListTasksForUser(context.Background(), testArtifact(), "alice@example.com")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "TASK-002", tasks[0].Name)
}

func TestListTasksForUserEmptyIsNotError(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"message": []Task{}})
	}))

	tasks, err := c.ListTasksForUser(context.Background(), testArtifact(), "alice@example.com")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestGetTaskDirect(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/resource/Task/TASK-007", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"data": Task{Name: "TASK-007", Subject: "Audit", Status: "Open"},
		})
	}))

	task, err := c.GetTask(context.Background(), testArtifact(), "TASK-007")
	require.NoError(t, err)
	assert.Equal(t, "Audit", task.Subject)
}

func TestGetTaskNotFound(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := c.GetTask(context.Background(), testArtifact(), "TASK-404")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetTaskListFallback(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/resource/Task/TASK-009" {
			// Permission error on the direct read, not a 404.
			w.WriteHeader(http.StatusForbidden)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []Task{{Name: "TASK-009", Status: "Open"}},
		})
	}))

	task, err := c.GetTask(context.Background(), testArtifact(), "TASK-009")
	require.NoError(t, err)
	assert.Equal(t, "TASK-009", task.Name)
}

func TestSetTaskStatusCookieSession(t *testing.T) {
	var gotAuth atomic.Value
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/method/frappe.client.set_value", r.URL.Path)
		gotAuth.Store(r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Task", body["doctype"])
		assert.Equal(t, "Working", body["value"])

		w.Write([]byte(`{"message":{}}`))
	}))

	err := c.SetTaskStatus(context.Background(), testArtifact(), "TASK-001", "Working")
	require.NoError(t, err)
	// The user's own session was used, not the service token.
	assert.Empty(t, gotAuth.Load())
}

func TestSetTaskStatusTokenFallback(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		assert.Equal(t, "token svc-key:svc-secret", r.Header.Get("Authorization"))
		w.Write([]byte(`{"message":{}}`))
	}))

	err := c.SetTaskStatus(context.Background(), testArtifact(), "TASK-001", "Completed")
	require.NoError(t, err)
}

func TestSetTaskStatusConfigDefect(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"exc":"NameError: __import__ not found"}`))
	}))

	err := c.SetTaskStatus(context.Background(), testArtifact(), "TASK-001", "Working")
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Signature, "__import__")
}

func TestSetTaskStatusBothChannelsFail(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	err := c.SetTaskStatus(context.Background(), testArtifact(), "TASK-001", "Working")
	var mutErr *MutationError
	require.ErrorAs(t, err, &mutErr)
	assert.Equal(t, "set status", mutErr.Op)
}

func TestListTasksStaleSessionClassified(t *testing.T) {
	// Expired cookies: every artifact-authenticated call bounces.
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.ListTasksForUser(context.Background(), testArtifact(), "alice@example.com")
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, AuthReasonSessionExpired, authErr.Reason)
}

func TestGetTaskStaleSessionClassified(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	_, err := c.GetTask(context.Background(), testArtifact(), "TASK-001")
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, AuthReasonSessionExpired, authErr.Reason)
}

func TestTaskAssignedTo(t *testing.T) {
	task := Task{Assign: `["alice@example.com", "bob@example.com"]`}
	assert.True(t, task.AssignedTo("alice@example.com"))
	assert.False(t, task.AssignedTo("carol@example.com"))
}
