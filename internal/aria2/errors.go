// Package aria2 implements a JSON-RPC 2.0 client for the aria2 download
// daemon, plus an optional websocket listener for its notifications.
package aria2

import (
	"errors"
	"fmt"
	"strings"
)

// RPCError is a daemon-level JSON-RPC error with aria2's numeric code.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("aria2: RPC error %d: %s", e.Code, e.Message)
}

// IsGIDNotFound reports whether err is the daemon rejecting a call because
// it no longer knows the download handle. Status probes treat this as
// "still in progress" rather than a failure: the daemon may simply not
// have registered the handle yet.
func IsGIDNotFound(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}

	return strings.Contains(rpcErr.Message, "not found")
}
