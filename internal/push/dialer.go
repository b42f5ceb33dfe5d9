package push

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one established push connection. Reads happen on a single
// goroutine; the Manager serialises writes.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Dialer opens push connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// TransportError marks a dial failure that says the endpoint itself rejected
// or cannot serve the connection (handshake refused, host unknown, port
// closed), as opposed to a transient network hiccup.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// WebSocketDialer dials with gorilla/websocket.
type WebSocketDialer struct {
	Header           http.Header
	HandshakeTimeout time.Duration
}

func (d WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	wd := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if wd.HandshakeTimeout == 0 {
		wd.HandshakeTimeout = 10 * time.Second
	}

	conn, resp, err := wd.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, &TransportError{Err: fmt.Errorf("handshake status %d: %w", resp.StatusCode, err)}
		}
		return nil, classifyDialError(err)
	}
	return conn, nil
}

func classifyDialError(err error) error {
	if errors.Is(err, websocket.ErrBadHandshake) || errors.Is(err, syscall.ECONNREFUSED) {
		return &TransportError{Err: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &TransportError{Err: err}
	}
	return err
}

var (
	_ Dialer = WebSocketDialer{}
	_ Conn   = (*websocket.Conn)(nil)
)
