package session

import (
	"context"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/isomorphiq/dashsync/internal/livechannel"
)

// LiveClient is one websocket connection to the live channel for a scope.
type LiveClient struct {
	conn *websocket.Conn
}

// DialLive opens the live channel. The server sends a snapshot envelope as
// its first message.
func DialLive(ctx context.Context, channelURL string) (*LiveClient, error) {
	conn, _, err := websocket.Dial(ctx, channelURL, nil)
	if err != nil {
		return nil, err
	}
	return &LiveClient{conn: conn}, nil
}

// Read blocks for the next envelope from the server.
func (c *LiveClient) Read(ctx context.Context) (livechannel.Envelope, error) {
	var env livechannel.Envelope
	if err := wsjson.Read(ctx, c.conn, &env); err != nil {
		return livechannel.Envelope{}, err
	}
	return env, nil
}

// Send writes one envelope to the server.
func (c *LiveClient) Send(ctx context.Context, env livechannel.Envelope) error {
	return wsjson.Write(ctx, c.conn, env)
}

func (c *LiveClient) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
