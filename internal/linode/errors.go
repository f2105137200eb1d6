// Package linode manages the proxy VM through the Linode API v4: label
// idempotent creation with a cloud-init bootstrap, status polling, and
// teardown.
package linode

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	// ErrNotFound means no instance matched the lookup.
	ErrNotFound = errors.New("linode: instance not found")

	// ErrWaitTimeout means the instance did not reach running state in time.
	ErrWaitTimeout = errors.New("linode: timed out waiting for instance")
)

// APIError is a non-2xx response from the Linode API.
type APIError struct {
	StatusCode int
	Reasons    []string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if len(e.Reasons) > 0 {
		return fmt.Sprintf("linode: HTTP %d: %s", e.StatusCode, strings.Join(e.Reasons, "; "))
	}

	return fmt.Sprintf("linode: HTTP %d", e.StatusCode)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// readAPIError consumes and closes the response body, extracting the
// reasons from Linode's {"errors": [{"reason": ...}]} shape.
func readAPIError(resp *http.Response) *APIError {
	defer resp.Body.Close()

	apiErr := &APIError{StatusCode: resp.StatusCode}

	if resp.StatusCode == http.StatusNotFound {
		apiErr.Err = ErrNotFound
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apiErr
	}

	var body struct {
		Errors []struct {
			Reason string `json:"reason"`
			Field  string `json:"field"`
		} `json:"errors"`
	}

	if err := json.Unmarshal(data, &body); err != nil {
		return apiErr
	}

	for _, e := range body.Errors {
		reason := e.Reason
		if e.Field != "" {
			reason = e.Field + ": " + reason
		}

		apiErr.Reasons = append(apiErr.Reasons, reason)
	}

	return apiErr
}
