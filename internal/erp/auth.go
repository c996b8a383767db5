package erp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// Artifact is the opaque proof of authentication: the session cookies
// issued by the login endpoint plus the strategy that produced them.
// Expiry is server-enforced; a stale artifact surfaces as a 401/403 on
// the next privileged call.
type Artifact struct {
	cookies  []*http.Cookie
	FullName string
	Strategy string
}

// Apply attaches the session cookies to a request.
func (a *Artifact) Apply(req *http.Request) {
	for _, ck := range a.cookies {
		req.AddCookie(ck)
	}
}

// HasCookies reports whether the artifact carries any session cookies.
func (a *Artifact) HasCookies() bool { return len(a.cookies) > 0 }

// loginMessage is the union of response shapes the login endpoints
// return. "message" is either an object or a plain string.
type loginMessage struct {
	LoggedIn bool   `json:"logged_in"`
	FullName string `json:"full_name"`
	UserID   string `json:"user_id"`
	Text     string `json:"-"`
}

func (m *loginMessage) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		m.Text = s
		return nil
	}
	type alias loginMessage
	var obj alias
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*m = loginMessage(obj)
	return nil
}

// confirmed is the explicit success predicate. A response counts as
// authenticated only with a confirmable signal: an explicit logged_in
// flag, a returned display name, a user id matching the identity, or a
// "Logged In" message string. A bare 200 with cookies is ambiguous and
// does NOT count; the caller moves on to the next strategy.
func (m loginMessage) confirmed(identity string) bool {
	switch {
	case m.LoggedIn:
		return true
	case m.FullName != "":
		return true
	case m.UserID != "" && strings.EqualFold(m.UserID, identity):
		return true
	case strings.Contains(m.Text, "Logged In"):
		return true
	case m.Text != "" && strings.EqualFold(m.Text, identity):
		// get_logged_user echoes the user id as a bare string.
		return true
	}
	return false
}

// authStrategy is one attempt at turning credentials into an artifact.
// Strategies are tried in fixed priority order until one returns an
// unambiguous success. A nil artifact with nil error means "ambiguous,
// try the next one".
type authStrategy struct {
	name string
	run  func(ctx context.Context, c *Client, identity, secret string) (*Artifact, error)
}

var authStrategies = []authStrategy{
	{name: "json_login", run: jsonLogin},
	{name: "form_login", run: formLogin},
	{name: "basic_probe", run: basicProbe},
	{name: "token_probe", run: tokenProbe},
}

// Authenticate turns (identity, secret) into a session artifact by
// trying each strategy in order. It never panics past this boundary;
// failures come back as *AuthError.
func (c *Client) Authenticate(ctx context.Context, identity, secret string) (*Artifact, error) {
	var lastErr error
	networkFailures := 0

	for _, strat := range authStrategies {
		art, err := strat.run(ctx, c, identity, secret)
		if err != nil {
			var statusErr *httpStatusError
			if errors.As(err, &statusErr) {
				// 401/403 from one channel may still pass another
				// (e.g. token probe when the login API is disabled).
				lastErr = err
			} else {
				networkFailures++
				lastErr = err
			}
			erpLog.Debug("auth_strategy_failed",
				slog.String("strategy", strat.name),
				slog.String("identity", identity),
				slog.String("error", err.Error()))
			continue
		}
		if art == nil {
			erpLog.Debug("auth_strategy_ambiguous",
				slog.String("strategy", strat.name),
				slog.String("identity", identity))
			continue
		}

		art.Strategy = strat.name
		erpLog.Info("auth_success",
			slog.String("strategy", strat.name),
			slog.String("identity", identity))
		return art, nil
	}

	reason := AuthReasonInvalidCredentials
	if networkFailures == len(authStrategies) {
		reason = AuthReasonNetwork
	} else if lastErr == nil {
		reason = AuthReasonAmbiguous
	}
	return nil, &AuthError{Reason: reason, Err: lastErr}
}

// jsonLogin posts {usr,pwd} as JSON to the standard login API.
func jsonLogin(ctx context.Context, c *Client, identity, secret string) (*Artifact, error) {
	body, _ := json.Marshal(map[string]string{"usr": identity, "pwd": secret})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/method/login", strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.runLogin(req, identity)
}

// formLogin posts the same credentials form-encoded; some deployments
// reject JSON bodies on the login route.
func formLogin(ctx context.Context, c *Client, identity, secret string) (*Artifact, error) {
	form := url.Values{"usr": {identity}, "pwd": {secret}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/method/login", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.runLogin(req, identity)
}

// basicProbe asks get_logged_user with HTTP basic auth.
func basicProbe(ctx context.Context, c *Client, identity, secret string) (*Artifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/method/frappe.auth.get_logged_user", nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(identity, secret)
	return c.runLogin(req, identity)
}

// tokenProbe asks get_logged_user with a user-scoped token header.
func tokenProbe(ctx context.Context, c *Client, identity, secret string) (*Artifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/method/frappe.auth.get_logged_user", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "token "+identity+":"+secret)
	return c.runLogin(req, identity)
}

// runLogin executes a login request and evaluates the success predicate.
// Returns (nil, nil) on an ambiguous 200.
func (c *Client) runLogin(req *http.Request, identity string) (*Artifact, error) {
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		Message loginMessage `json:"message"`
	}
	decodeErr := json.NewDecoder(resp.Body).Decode(&out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &httpStatusError{StatusCode: resp.StatusCode}
	}
	if decodeErr != nil {
		// 200 with an undecodable body is ambiguous, not fatal.
		return nil, nil
	}
	if !out.Message.confirmed(identity) {
		return nil, nil
	}

	return &Artifact{
		cookies:  resp.Cookies(),
		FullName: out.Message.FullName,
	}, nil
}
