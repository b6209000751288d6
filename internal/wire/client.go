package wire

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"relic/internal/auth"
)

// Dial connects to a sync server and returns the message stream.
// Credentials ride in the Authorization header of the upgrade request;
// a 401 before the upgrade is terminal, never retried.
func Dial(ctx context.Context, rawURL, account, password string) (Conn, func() error, error) {
	wsURL, err := toWebsocketURL(rawURL)
	if err != nil {
		return nil, nil, err
	}
	header := http.Header{}
	if account != "" || password != "" {
		header.Set("Authorization", auth.Encode(account, password))
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, nil, fmt.Errorf("connecting to %s: %w", rawURL, auth.ErrUnauthorized)
		}
		return nil, nil, fmt.Errorf("connecting to %s: %w", rawURL, err)
	}
	return NewConn(ws), ws.Close, nil
}

// toWebsocketURL accepts ws://, wss://, http:// and https:// forms,
// normalizing the latter two to their websocket equivalents.
func toWebsocketURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("remote url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("remote url %q: unsupported scheme %q", rawURL, u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/sync") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/sync"
	}
	return u.String(), nil
}
