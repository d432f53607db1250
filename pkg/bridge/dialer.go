package bridge

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	pkgerrors "github.com/pkg/errors"
	relayerrors "github.com/sessamekesh/avatar-relay/pkg/errors"
)

const defaultHandshakeTimeout = 15 * time.Second

// Dialer opens the outbound half of a bridge session.
type Dialer interface {
	Dial(ctx context.Context, target string, bearerToken string) (Conn, error)
}

// WebsocketDialer dials upstream WebSocket endpoints, presenting the token as
// a bearer credential during the handshake.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

func (d WebsocketDialer) Dial(ctx context.Context, target string, bearerToken string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		}
	}

	header := http.Header{}
	if bearerToken != "" {
		header.Set("Authorization", "Bearer "+bearerToken)
	}

	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			err = pkgerrors.Wrapf(err, "handshake rejected with status %d", resp.StatusCode)
		}
		return nil, &relayerrors.UpstreamUnavailable{Target: target, Cause: err}
	}
	return conn, nil
}
