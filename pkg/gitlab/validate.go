package gitlab

import (
	"context"
	"errors"
	"net/http"
	"strings"

	gwerrors "github.com/gitlab-mcp/gateway/pkg/errors"
)

// Validate performs exactly one upstream identity probe with the client's
// bound credential. It returns nil for a valid credential and otherwise one
// of the gateway's credential errors: token_expired, invalid_token, or
// upstream_unreachable. The classification is read-only and side-effect free.
//
// GitLab reports expiry only in the 401 response body, so the distinction
// between expired and invalid rests on a message match.
func Validate(ctx context.Context, c *Client) error {
	var identity struct {
		ID       int    `json:"id"`
		Username string `json:"username"`
	}

	err := c.Do(ctx, http.MethodGet, "/user", nil, nil, &identity)
	if err == nil {
		return nil
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Status {
		case http.StatusUnauthorized:
			if isExpiredMessage(statusErr.Body) {
				return gwerrors.TokenExpired()
			}
			return gwerrors.TokenInvalid()
		case http.StatusForbidden:
			return gwerrors.TokenInvalid()
		default:
			return gwerrors.UpstreamUnreachable(statusErr.Error()).WithCause(statusErr)
		}
	}

	if gwErr, ok := gwerrors.As(err); ok {
		return gwErr
	}
	return gwerrors.UpstreamUnreachable(err.Error()).WithCause(err)
}

func isExpiredMessage(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "expired") || strings.Contains(lower, "revoked")
}
