package erp

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// statusOptionTTL bounds how long discovered status options are served
// without re-asking the backend.
const statusOptionTTL = 5 * time.Minute

// fallbackStatuses is the option list used when schema discovery fails.
// It mirrors the stock Task workflow.
var fallbackStatuses = []string{
	"Open", "Working", "Pending Review", "Completed",
	"Cancelled", "On Hold", "Overdue", "Closed",
}

type optionCache struct {
	ttl time.Duration

	mu      sync.Mutex
	options []string
	fetched time.Time

	group singleflight.Group
}

func newOptionCache(ttl time.Duration) *optionCache {
	return &optionCache{ttl: ttl}
}

func (oc *optionCache) get() ([]string, bool) {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	if oc.options == nil || time.Since(oc.fetched) > oc.ttl {
		return nil, false
	}
	return oc.options, true
}

func (oc *optionCache) put(options []string) {
	oc.mu.Lock()
	oc.options = options
	oc.fetched = time.Now()
	oc.mu.Unlock()
}

// StatusOptions returns the valid Task statuses, discovered from the
// doctype schema and cached. Concurrent callers during a cold cache
// share one discovery request. Discovery failure falls back to the
// stock list; the fallback is NOT cached, so a recovered backend is
// picked up on the next call.
func (c *Client) StatusOptions(ctx context.Context) []string {
	if opts, ok := c.optionCache.get(); ok {
		return opts
	}

	v, err, _ := c.optionCache.group.Do("task-status", func() (any, error) {
		opts, err := c.discoverStatusOptions(ctx)
		if err != nil {
			return nil, err
		}
		c.optionCache.put(opts)
		return opts, nil
	})
	if err != nil {
		erpLog.Warn("status_discovery_failed", slog.String("error", err.Error()))
		return fallbackStatuses
	}
	return v.([]string)
}

// discoverStatusOptions reads the Task doctype schema and extracts the
// select options of the status field.
func (c *Client) discoverStatusOptions(ctx context.Context) ([]string, error) {
	var out struct {
		Data struct {
			Fields []struct {
				Fieldname string `json:"fieldname"`
				Fieldtype string `json:"fieldtype"`
				Options   string `json:"options"`
			} `json:"fields"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, c.resourceURL("DocType", "Task"), c.applyToken, &out); err != nil {
		return nil, err
	}

	for _, f := range out.Data.Fields {
		if f.Fieldname != "status" || f.Fieldtype != "Select" {
			continue
		}
		var opts []string
		for _, line := range strings.Split(f.Options, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				opts = append(opts, line)
			}
		}
		if len(opts) > 0 {
			return opts, nil
		}
	}
	return nil, &ConfigurationError{Signature: "Task.status has no select options"}
}
