// Package erp wraps the remote ERP HTTP API: authentication, task
// queries and mutations, attachments, and identity linking. Every
// operation converts transport failures into the typed errors in
// errors.go; callers never see a raw *url.Error.
package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tibebgroup/taskrelay/internal/logging"
)

var erpLog = logging.ForComponent(logging.CompERP)

// Options configures a Client.
type Options struct {
	// BaseURL is the backend root, e.g. https://erp.example.com.
	BaseURL string

	// APIKey and APISecret form the pre-issued service token used for
	// privileged calls (linking, attachments, mutation fallback).
	APIKey    string
	APISecret string

	// LinkField is the User field that stores the chat identity.
	// Defaults to "telegram_user_id".
	LinkField string

	// RequestTimeout bounds ordinary calls (default 15s).
	RequestTimeout time.Duration

	// UploadTimeout bounds attachment uploads (default 30s).
	UploadTimeout time.Duration

	// HTTPClient overrides the transport (tests). When set, its
	// timeout is respected as-is.
	HTTPClient *http.Client
}

// Client is a stateless ERP API client. Session state (cookies) lives
// in the Artifact returned by Authenticate, not in the client, so one
// Client serves every user.
type Client struct {
	baseURL   string
	apiKey    string
	apiSecret string
	linkField string

	httpClient   *http.Client
	uploadClient *http.Client

	optionCache *optionCache
}

// NewClient creates an ERP client.
func NewClient(opts Options) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 30 * time.Second
	}
	if opts.LinkField == "" {
		opts.LinkField = "telegram_user_id"
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.RequestTimeout}
	}
	uploadClient := opts.HTTPClient
	if uploadClient == nil {
		uploadClient = &http.Client{Timeout: opts.UploadTimeout}
	}

	return &Client{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		apiKey:       opts.APIKey,
		apiSecret:    opts.APISecret,
		linkField:    opts.LinkField,
		httpClient:   httpClient,
		uploadClient: uploadClient,
		optionCache:  newOptionCache(statusOptionTTL),
	}
}

// BaseURL returns the configured backend root.
func (c *Client) BaseURL() string { return c.baseURL }

// HasServiceToken reports whether a service API key/secret is configured.
func (c *Client) HasServiceToken() bool { return c.apiKey != "" && c.apiSecret != "" }

// tokenHeader returns the service-token Authorization header value.
func (c *Client) tokenHeader() string {
	return "token " + c.apiKey + ":" + c.apiSecret
}

// Version probes GET /api/method/version. Used by the ops readiness
// endpoint to report backend reachability.
func (c *Client) Version(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/method/version", nil)
	if err != nil {
		return "", err
	}
	var out struct {
		Message string `json:"message"`
	}
	if err := c.doJSON(c.httpClient, req, &out); err != nil {
		return "", fmt.Errorf("erp: version probe: %w", err)
	}
	return out.Message, nil
}

// getJSON issues an authenticated GET and decodes the response body.
// auth applies either artifact cookies or the service token.
func (c *Client) getJSON(ctx context.Context, rawURL string, auth func(*http.Request), out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if auth != nil {
		auth(req)
	}
	return c.doJSON(c.httpClient, req, out)
}

// postJSON issues an authenticated POST with a JSON body.
func (c *Client) postJSON(ctx context.Context, rawURL string, auth func(*http.Request), body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if auth != nil {
		auth(req)
	}
	return c.doJSON(c.httpClient, req, out)
}

// putJSON issues an authenticated PUT with a JSON body.
func (c *Client) putJSON(ctx context.Context, rawURL string, auth func(*http.Request), body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, rawURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if auth != nil {
		auth(req)
	}
	return c.doJSON(c.httpClient, req, out)
}

// httpStatusError carries the status code and response body of a non-2xx
// reply so callers can classify backend error signatures.
type httpStatusError struct {
	StatusCode int
	Body       string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.StatusCode, truncateBody(e.Body))
}

func truncateBody(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}

// doJSON executes the request and decodes a JSON body into out.
// Non-2xx responses become *httpStatusError.
func (c *Client) doJSON(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		erpLog.Debug("erp_http_error",
			slog.String("url", req.URL.Path),
			slog.Int("status", resp.StatusCode))
		return &httpStatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// classifySessionError converts a 401/403 on an artifact-authenticated
// call into *AuthError. The session cookies went stale; the caller
// should drop the session and ask the user to sign in again.
func classifySessionError(err error) error {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) &&
		(statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden) {
		return &AuthError{Reason: AuthReasonSessionExpired, Err: err}
	}
	return err
}

// resourceURL builds /api/resource/{Doctype}/{name} with escaping.
func (c *Client) resourceURL(doctype, name string) string {
	u := c.baseURL + "/api/resource/" + url.PathEscape(doctype)
	if name != "" {
		u += "/" + url.PathEscape(name)
	}
	return u
}

// listURL builds /api/resource/{Doctype}?fields=[...]&filters=[...].
func (c *Client) listURL(doctype string, fields []string, filters [][]any) string {
	q := url.Values{}
	if len(fields) > 0 {
		raw, _ := json.Marshal(fields)
		q.Set("fields", string(raw))
	}
	if len(filters) > 0 {
		raw, _ := json.Marshal(filters)
		q.Set("filters", string(raw))
	}
	return c.resourceURL(doctype, "") + "?" + q.Encode()
}
