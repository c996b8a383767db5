package erp

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doctypeHandler(calls *atomic.Int32, options string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"fields": []map[string]any{
					{"fieldname": "subject", "fieldtype": "Data"},
					{"fieldname": "status", "fieldtype": "Select", "options": options},
				},
			},
		})
	})
}

func TestStatusOptionsDiscovery(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, doctypeHandler(&calls, "Open\nWorking\nDone\n"))

	opts := c.StatusOptions(context.Background())
	assert.Equal(t, []string{"Open", "Working", "Done"}, opts)
}

func TestStatusOptionsCached(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, doctypeHandler(&calls, "Open\nClosed"))

	first := c.StatusOptions(context.Background())
	second := c.StatusOptions(context.Background())

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestStatusOptionsFallbackNotCached(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	var calls atomic.Int32
	inner := doctypeHandler(&calls, "Open\nWorking")

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		inner.ServeHTTP(w, r)
	}))

	opts := c.StatusOptions(context.Background())
	require.Equal(t, fallbackStatuses, opts)

	// Backend recovers; the next call re-discovers instead of serving
	// the stale fallback.
	fail.Store(false)
	opts = c.StatusOptions(context.Background())
	assert.Equal(t, []string{"Open", "Working"}, opts)
}

func TestStatusOptionsNoSelectField(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"fields": []map[string]any{}},
		})
	}))

	assert.Equal(t, fallbackStatuses, c.StatusOptions(context.Background()))
}
