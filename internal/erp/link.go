package erp

import (
	"context"
	"errors"
	"log/slog"
)

// LinkIdentity records the chat identity on the backend User record so
// other systems can route notifications. The User is read first to
// confirm it exists; a missing record is ErrNotFound, not a mutation
// failure. Uses the service token because ordinary users cannot write
// their own User doc.
func (c *Client) LinkIdentity(ctx context.Context, email, chatID string) error {
	userURL := c.resourceURL("User", email)

	var probe struct {
		Data struct {
			Name string `json:"name"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, userURL, c.applyToken, &probe); err != nil {
		var statusErr *httpStatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == 404 {
			return ErrNotFound
		}
		return &MutationError{Op: "link identity", Err: err}
	}

	body := map[string]string{c.linkField: chatID}
	if err := c.putJSON(ctx, userURL, c.applyToken, body, nil); err != nil {
		// Linking is best-effort plumbing for external routing; the
		// caller logs and moves on, so keep the error typed but soft.
		return &MutationError{Op: "link identity", Err: err}
	}

	erpLog.Info("identity_linked", slog.String("user", email))
	return nil
}
