// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

package transport

import (
	"context"
	"net/http"

	"github.com/hashicorp/tether/globals"
	"github.com/hashicorp/tether/internal/errors"
	"nhooyr.io/websocket"
)

// wsConn adapts a websocket connection to Conn. Frames are text messages
// carrying one JSON envelope each.
type wsConn struct {
	conn *websocket.Conn
}

// Dial opens a websocket session to addr (a ws:// or wss:// URL).
func Dial(ctx context.Context, addr string, httpClient *http.Client) (Conn, error) {
	const op = "transport.Dial"
	if addr == "" {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing address")
	}
	opts := &websocket.DialOptions{
		HTTPClient:   httpClient,
		Subprotocols: []string{"tether.v1"},
	}
	conn, _, err := websocket.Dial(ctx, addr, opts)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op, errors.WithCode(errors.Io), errors.WithMsg("unable to dial scheduler"))
	}
	conn.SetReadLimit(globals.DefaultMaxFrameBytes)
	return &wsConn{conn: conn}, nil
}

// Accept upgrades an inbound HTTP request to a websocket session.
func Accept(w http.ResponseWriter, r *http.Request) (Conn, error) {
	const op = "transport.Accept"
	ctx := r.Context()
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"tether.v1"},
	})
	if err != nil {
		return nil, errors.Wrap(ctx, err, op, errors.WithCode(errors.Io), errors.WithMsg("unable to accept worker connection"))
	}
	conn.SetReadLimit(globals.DefaultMaxFrameBytes)
	return &wsConn{conn: conn}, nil
}

func (c *wsConn) Send(ctx context.Context, frame []byte) error {
	const op = "transport.(wsConn).Send"
	if err := c.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return errors.Wrap(ctx, err, op, errors.WithCode(errors.Io), errors.WithoutEvent())
	}
	return nil
}

func (c *wsConn) Recv(ctx context.Context) ([]byte, error) {
	const op = "transport.(wsConn).Recv"
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op, errors.WithCode(errors.Io), errors.WithoutEvent())
	}
	return data, nil
}

func (c *wsConn) Close(_ context.Context) error {
	const op = "transport.(wsConn).Close"
	if err := c.conn.Close(websocket.StatusNormalClosure, "session closed"); err != nil {
		return errors.Wrap(context.Background(), err, op, errors.WithCode(errors.Io), errors.WithoutEvent())
	}
	return nil
}
