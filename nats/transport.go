package nats

import (
	"crypto/tls"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamWrapper upgrades an established connection with stream encryption.
// It receives the raw connection and the server host name, and returns the
// wrapped stream ready for protocol traffic. Loading TLS material is the
// caller's concern.
type StreamWrapper func(conn net.Conn, host string) (net.Conn, error)

func tlsStreamWrapper(config *tls.Config) StreamWrapper {
	return func(conn net.Conn, host string) (net.Conn, error) {
		clientConfig := config
		if clientConfig == nil {
			clientConfig = &tls.Config{}
		}
		if clientConfig.ServerName == "" {
			clientConfig = clientConfig.Clone()
			clientConfig.ServerName = host
		}
		tlsConn := tls.Client(conn, clientConfig)
		if err := tlsConn.Handshake(); err != nil {
			return nil, err
		}
		return tlsConn, nil
	}
}

// websocketConn adapts a websocket connection to net.Conn so the line
// protocol runs unchanged over a ws:// or wss:// transport. Frame boundaries
// carry no meaning: reads drain binary messages as a byte stream.
type websocketConn struct {
	ws *websocket.Conn

	readLock sync.Mutex
	reader   io.Reader

	writeLock sync.Mutex
}

func dialWebsocket(address ServerAddress, tlsConfig *tls.Config) (net.Conn, error) {
	wsURL := address.Scheme + "://" + address.hostPort()

	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: websocket.DefaultDialer.HandshakeTimeout,
		TLSClientConfig:  tlsConfig,
	}

	ws, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return nil, err
	}
	return &websocketConn{ws: ws}, nil
}

func (conn *websocketConn) Read(p []byte) (int, error) {
	conn.readLock.Lock()
	defer conn.readLock.Unlock()

	for {
		if conn.reader == nil {
			_, reader, err := conn.ws.NextReader()
			if err != nil {
				return 0, err
			}
			conn.reader = reader
		}

		count, err := conn.reader.Read(p)
		if err == io.EOF {
			conn.reader = nil
			if count > 0 {
				return count, nil
			}
			continue
		}
		return count, err
	}
}

func (conn *websocketConn) Write(p []byte) (int, error) {
	conn.writeLock.Lock()
	defer conn.writeLock.Unlock()

	if err := conn.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (conn *websocketConn) Close() error {
	return conn.ws.Close()
}

func (conn *websocketConn) LocalAddr() net.Addr {
	return conn.ws.LocalAddr()
}

func (conn *websocketConn) RemoteAddr() net.Addr {
	return conn.ws.RemoteAddr()
}

func (conn *websocketConn) SetDeadline(deadline time.Time) error {
	if err := conn.ws.SetReadDeadline(deadline); err != nil {
		return err
	}
	return conn.ws.SetWriteDeadline(deadline)
}

func (conn *websocketConn) SetReadDeadline(deadline time.Time) error {
	return conn.ws.SetReadDeadline(deadline)
}

func (conn *websocketConn) SetWriteDeadline(deadline time.Time) error {
	return conn.ws.SetWriteDeadline(deadline)
}
