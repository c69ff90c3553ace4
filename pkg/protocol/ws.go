package protocol

import (
	"context"
	"errors"
	log "log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

type Conn struct {
	conn *ws.Conn
	url  string

	writeMu sync.Mutex
}

type DialOption func(*ws.Dialer)

// WithNetDial routes the TCP connection through fn, e.g. a SOCKS5 proxy.
// A nil fn keeps the default.
func WithNetDial(fn func(ctx context.Context, network, addr string) (net.Conn, error)) DialOption {
	return func(d *ws.Dialer) {
		if fn != nil {
			d.NetDialContext = fn
			d.Proxy = nil
		}
	}
}

// Dial opens a client connection. The handshake is bounded by timeout
// when it is positive.
func Dial(ctx context.Context, url string, timeout time.Duration, opts ...DialOption) (*Conn, error) {
	log.Debug("dial websocket", "url", url)

	dialer := ws.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	for _, opt := range opts {
		opt(&dialer)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	return &Conn{conn: conn, url: url}, nil
}

// NewConn wraps an already established connection (server side).
func NewConn(conn *ws.Conn) *Conn {
	return &Conn{conn: conn, url: conn.RemoteAddr().String()}
}

func (c *Conn) URL() string { return c.url }

func (c *Conn) Write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	log.Debug("write ws", "msg", string(payload))
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(ws.TextMessage, payload)
}

type IncomeKind uint

const (
	CONN_CLOSE IncomeKind = iota
	READ_FAILURE
	READ_OK
)

type Income struct {
	Kind IncomeKind
	Msg  []byte
	Err  error
}

// Read blocks for the next frame. Any error other than a close frame is
// reported as READ_FAILURE; gorilla connections are unusable after a read
// error, so callers treat both as the end of the connection.
func (c *Conn) Read() Income {
	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		if IsClosed(err) {
			return Income{Kind: CONN_CLOSE, Err: err}
		}
		return Income{Kind: READ_FAILURE, Err: err}
	}

	log.Debug("read ws", "msg", string(msg))
	return Income{Kind: READ_OK, Msg: msg}
}

// Close sends a normal closure frame and releases the connection.
func (c *Conn) Close(reason string) error {
	c.writeMu.Lock()
	msg := ws.FormatCloseMessage(ws.CloseNormalClosure, reason)
	werr := c.conn.WriteControl(ws.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()

	cerr := c.conn.Close()
	if werr != nil && !errors.Is(werr, ws.ErrCloseSent) {
		return errors.Join(werr, cerr)
	}
	return cerr
}

func IsClosed(err error) bool {
	return ws.IsCloseError(err,
		ws.CloseNormalClosure,
		ws.CloseGoingAway,
		ws.CloseAbnormalClosure)
}
