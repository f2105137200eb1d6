package aria2

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/coder/websocket"
)

const (
	reconnectBase = 1 * time.Second
	reconnectMax  = 60 * time.Second
)

// NotificationListener tails the daemon's websocket endpoint and logs
// download lifecycle events. It is purely observational: the monitor tick
// owns all state transitions, so a missed notification costs nothing.
type NotificationListener struct {
	wsURL  string
	logger *slog.Logger
}

// NewNotificationListener derives the websocket endpoint from the RPC URL.
func NewNotificationListener(rpcURL string, logger *slog.Logger) (*NotificationListener, error) {
	parsed, err := url.Parse(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("aria2: parsing RPC URL: %w", err)
	}

	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return nil, fmt.Errorf("aria2: unsupported RPC scheme %q", parsed.Scheme)
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &NotificationListener{wsURL: parsed.String(), logger: logger}, nil
}

type rpcNotification struct {
	Method string `json:"method"`
	Params []struct {
		GID string `json:"gid"`
	} `json:"params"`
}

// Run connects and listens until the context is canceled, reconnecting
// with exponential backoff after connection loss.
func (l *NotificationListener) Run(ctx context.Context) error {
	backoff := reconnectBase

	for {
		conn, _, err := websocket.Dial(ctx, l.wsURL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			l.logger.Debug("notification connect failed",
				"url", l.wsURL, "error", err, "retry_in", backoff)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}

			backoff = min(backoff*2, reconnectMax)

			continue
		}

		l.logger.Info("listening for daemon notifications", "url", l.wsURL)

		backoff = reconnectBase

		l.listen(ctx, conn)

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// listen consumes notifications until the connection drops or the context
// is canceled.
func (l *NotificationListener) listen(ctx context.Context, conn *websocket.Conn) {
	defer conn.CloseNow()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				l.logger.Debug("notification connection lost", "error", err)
			}

			return
		}

		var note rpcNotification
		if err := json.Unmarshal(data, &note); err != nil {
			l.logger.Debug("undecodable notification", "error", err)

			continue
		}

		l.log(note)
	}
}

func (l *NotificationListener) log(note rpcNotification) {
	gids := make([]string, 0, len(note.Params))
	for _, p := range note.Params {
		gids = append(gids, p.GID)
	}

	switch note.Method {
	case "aria2.onDownloadStart":
		l.logger.Info("download started", "gids", gids)
	case "aria2.onDownloadComplete":
		l.logger.Info("download completed", "gids", gids)
	case "aria2.onDownloadError":
		l.logger.Warn("download errored", "gids", gids)
	case "":
		// Responses to calls multiplexed on the socket; not ours.
	default:
		l.logger.Debug("daemon notification", "method", note.Method, "gids", gids)
	}
}
