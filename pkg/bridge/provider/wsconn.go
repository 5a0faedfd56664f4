package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/voicebridge/pkg/core"
)

const defaultWriteTimeout = 5 * time.Second

// WSConn is an outbound vendor websocket with serialized writes and
// remembered failure context for error messages.
type WSConn struct {
	provider string
	conn     *websocket.Conn

	writeMu   sync.Mutex
	errMu     sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}

	lastServerError string
	lastClose       string
}

// DialWS opens a vendor websocket. Handshake failures are mapped to
// *core.ConnectError from the HTTP status.
func DialWS(ctx context.Context, provider, url string, header http.Header) (*WSConn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: DefaultConnectTimeout,
	}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.HandshakeTimeout = time.Until(deadline)
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		kind := core.ConnectUnavailable
		if resp != nil {
			kind = core.ConnectKindForStatus(resp.StatusCode)
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		} else if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", err, ctx.Err())
		}
		return nil, core.NewConnectError(provider, kind, err)
	}
	return &WSConn{
		provider: provider,
		conn:     conn,
		closed:   make(chan struct{}),
	}, nil
}

// Closed is closed once Close has been called.
func (c *WSConn) Closed() <-chan struct{} { return c.closed }

// ReadJSON reads one text frame into a raw field map.
func (c *WSConn) ReadJSON() (map[string]json.RawMessage, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			c.setLastClose(fmt.Sprintf("code=%d msg=%s", closeErr.Code, strings.TrimSpace(closeErr.Text)))
		} else {
			c.setLastClose(err.Error())
		}
		return nil, err
	}
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &core.ProtocolError{Code: "invalid_json", Message: err.Error()}
	}
	return msg, nil
}

// SetReadDeadline bounds the next read; zero clears it.
func (c *WSConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// WriteJSON writes payload under the write lock with a deadline taken from
// ctx or a default.
func (c *WSConn) WriteJSON(ctx context.Context, payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return fmt.Errorf("%s connection closed", c.provider)
	default:
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	}
	if err := c.conn.WriteJSON(payload); err != nil {
		if reason := c.FailureReason(); reason != "" {
			return fmt.Errorf("%w (%s %s)", err, c.provider, reason)
		}
		return err
	}
	return nil
}

// Close sends a normal close frame and releases the socket. Safe to call
// repeatedly.
func (c *WSConn) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(100*time.Millisecond))
		_ = c.conn.Close()
	})
	return nil
}

// IsClosed reports whether Close was called locally.
func (c *WSConn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// SetLastServerError records a vendor error message for later diagnostics.
func (c *WSConn) SetLastServerError(msg string) {
	msg = compactReason(msg)
	if msg == "" {
		return
	}
	c.errMu.Lock()
	c.lastServerError = msg
	c.errMu.Unlock()
}

func (c *WSConn) setLastClose(msg string) {
	msg = compactReason(msg)
	if msg == "" {
		return
	}
	c.errMu.Lock()
	c.lastClose = msg
	c.errMu.Unlock()
}

// FailureReason summarizes the last server error and close reason.
func (c *WSConn) FailureReason() string {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	parts := make([]string, 0, 2)
	if c.lastServerError != "" {
		parts = append(parts, "server_error="+c.lastServerError)
	}
	if c.lastClose != "" {
		parts = append(parts, "close="+c.lastClose)
	}
	return strings.Join(parts, " ")
}

func compactReason(msg string) string {
	msg = strings.Join(strings.Fields(msg), " ")
	if len(msg) > 300 {
		msg = msg[:300] + "…"
	}
	return msg
}

// DecodeString returns raw as a trimmed string, or "" if it is not one.
func DecodeString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var out string
	if err := json.Unmarshal(raw, &out); err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

// DecodeText returns raw as a string without trimming, for transcript
// fragments where leading spaces are significant.
func DecodeText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var out string
	if err := json.Unmarshal(raw, &out); err != nil {
		return ""
	}
	return out
}

// DecodeInto unmarshals raw into v, ignoring empty input.
func DecodeInto(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// DecodeArgs parses tool arguments that may arrive either as a JSON object or
// as a string containing one.
func DecodeArgs(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if strings.TrimSpace(asString) == "" {
			return map[string]any{}, nil
		}
		raw = json.RawMessage(asString)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode tool arguments: %w", err)
	}
	return out, nil
}
