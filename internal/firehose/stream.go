package firehose

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// Stream writes events from sub to ws until ctx is done, the peer goes
// away, or the subscription fails. Frames are JSON text unless encoding
// is EncodingCBOR. The caller owns both sub and ws.
func Stream(ctx context.Context, ws *websocket.Conn, sub *Subscription, encoding string, logger *zap.SugaredLogger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Drain the read side so control frames are processed and a peer
	// close cancels the stream.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return nil
			}
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "stream error"),
				time.Now().Add(writeWait))
			return err
		}

		msgType, frame, err := encodeFrame(ev, encoding)
		if err != nil {
			logger.Warnf("Firehose: skipping seq %d: %v", ev.Seq, err)
			continue
		}
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ws.WriteMessage(msgType, frame); err != nil {
			return fmt.Errorf("firehose: write seq %d: %w", ev.Seq, err)
		}
	}
}

func encodeFrame(ev Event, encoding string) (int, []byte, error) {
	if encoding == EncodingCBOR {
		b, err := EncodeCBOR(ev)
		return websocket.BinaryMessage, b, err
	}
	b, err := EncodeJSON(ev)
	return websocket.TextMessage, b, err
}

// Client dials a remote subscribeRepos endpoint.
type Client struct {
	endpoint string
	encoding string
	dialer   *websocket.Dialer
}

// NewClient returns a Client for endpoint, the full ws:// or wss:// URL
// of coop.sync.subscribeRepos.
func NewClient(endpoint, encoding string) *Client {
	if encoding == "" {
		encoding = EncodingJSON
	}
	return &Client{
		endpoint: endpoint,
		encoding: encoding,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Subscribe connects and returns a stream of events after cursor (or
// live-only when cursor is nil).
func (c *Client) Subscribe(ctx context.Context, cursor *int64) (*RemoteStream, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("firehose: parse endpoint: %w", err)
	}
	q := u.Query()
	if cursor != nil {
		q.Set("cursor", strconv.FormatInt(*cursor, 10))
	}
	if c.encoding != EncodingJSON {
		q.Set("encoding", c.encoding)
	}
	u.RawQuery = q.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("firehose: dial %s: %s: %w", u.Redacted(), resp.Status, err)
		}
		return nil, fmt.Errorf("firehose: dial %s: %w", u.Redacted(), err)
	}
	return &RemoteStream{conn: conn}, nil
}

// RemoteStream reads events from a remote firehose connection.
type RemoteStream struct {
	conn *websocket.Conn
}

// Next blocks for the next event. Cancelling ctx closes the connection.
func (s *RemoteStream) Next(ctx context.Context) (Event, error) {
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	msgType, data, err := s.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return Event{}, ctx.Err()
		}
		return Event{}, fmt.Errorf("firehose: read: %w", err)
	}

	switch msgType {
	case websocket.BinaryMessage:
		return DecodeCBOR(data)
	default:
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return Event{}, fmt.Errorf("firehose: decode json frame: %w", err)
		}
		return ev, nil
	}
}

// Close closes the connection.
func (s *RemoteStream) Close() error {
	return s.conn.Close()
}
