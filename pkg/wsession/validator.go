package wsession

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pdm-pw/pdm-sync-server/pkg/errors"
)

// SessionKeyHeader carries the client's session key on the upgrade request
const SessionKeyHeader = "Session-Key"

// Validator decides whether a session key belongs to a signed-in user
type Validator interface {
	Validate(ctx context.Context, sessionKey string) (bool, error)
}

// HTTPValidator asks the user service, which answers with a JSON boolean
type HTTPValidator struct {
	url    string
	client *http.Client
}

func NewHTTPValidator(baseURL, path string, timeout time.Duration) *HTTPValidator {
	return &HTTPValidator{
		url:    strings.TrimRight(baseURL, "/") + path,
		client: &http.Client{Timeout: timeout},
	}
}

func (v *HTTPValidator) Validate(ctx context.Context, sessionKey string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.url, nil)
	if err != nil {
		return false, errors.NewInternalError("failed to create validation request", err)
	}
	req.Header.Set(SessionKeyHeader, sessionKey)
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return false, errors.NewNetworkError("session validation request failed", err).WithContext("url", v.url)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, errors.NewNetworkError(fmt.Sprintf("session validation returned %d", resp.StatusCode), nil).
			WithContext("url", v.url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return false, errors.NewNetworkError("failed to read validation response", err)
	}

	var valid bool
	if err := json.Unmarshal(body, &valid); err != nil {
		return false, errors.NewValidationError("validation response is not a JSON boolean", err).
			WithContext("body", string(body))
	}
	return valid, nil
}
