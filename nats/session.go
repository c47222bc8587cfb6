package nats

import (
	"crypto/tls"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Session states.
const (
	sessionConnecting int32 = iota
	sessionHandshaking
	sessionReady
	sessionClosed
)

// sessionConfig carries everything a session needs from the client: the node
// to dial, handshake options, the shared registry and event queue, and the
// transport hooks.
type sessionConfig struct {
	address   ServerAddress
	connect   connectOptions
	verbose   bool
	wrapper   StreamWrapper
	tlsConfig *tls.Config
	logger    *zap.Logger
	registry  *subscriptionRegistry
	events    *eventQueue
	onInfo    func(serverInfo)
}

// session owns one live transport to one cluster node: the handshake, the
// dedicated frame reader, the frame writer, and keepalive handling. It
// transitions to closed exactly once, on I/O error, fatal server error, or an
// explicit close request, whichever comes first.
type session struct {
	conn     net.Conn
	address  ServerAddress
	verbose  bool
	logger   *zap.Logger
	registry *subscriptionRegistry
	events   *eventQueue
	onInfo   func(serverInfo)

	state atomic.Int32

	infoLock sync.Mutex
	info     serverInfo

	writeLock sync.Mutex

	// pendingAcks is strictly FIFO: the protocol carries no request ids, so
	// acknowledgments correlate to commands purely by issuance order.
	ackLock     sync.Mutex
	pendingAcks []chan error

	readBuf   []byte
	readChunk []byte

	closeOnce sync.Once
	closeErr  error
	doneCh    chan struct{}
}

// dialSession opens the transport, performs the handshake, and starts the
// reader. On any failure the transport is closed and an error is returned;
// a returned session is Ready.
func dialSession(config sessionConfig) (*session, error) {
	var conn net.Conn
	var err error
	if config.address.websocket() {
		conn, err = dialWebsocket(config.address, config.tlsConfig)
	} else {
		conn, err = net.Dial("tcp", config.address.hostPort())
	}
	if err != nil {
		return nil, NewError(ConnectionRefusedError, err)
	}

	sess := &session{
		conn:      conn,
		address:   config.address,
		verbose:   config.verbose,
		logger:    config.logger,
		registry:  config.registry,
		events:    config.events,
		onInfo:    config.onInfo,
		readChunk: make([]byte, 32*1024),
		doneCh:    make(chan struct{}),
	}
	sess.state.Store(sessionConnecting)

	if err := sess.handshake(config); err != nil {
		_ = conn.Close()
		return nil, err
	}

	sess.state.Store(sessionReady)
	go sess.readRoutine()

	return sess, nil
}

// handshake runs synchronously before the reader starts: the server speaks
// first with INFO, then the client answers CONNECT followed by PING and
// expects (verbose: +OK, then) PONG.
func (sess *session) handshake(config sessionConfig) error {
	sess.state.Store(sessionHandshaking)

	info, err := sess.awaitInfo()
	if err != nil {
		return err
	}
	sess.info = info

	if (info.TLSRequired || sess.address.secure()) && !sess.address.websocket() {
		wrapper := config.wrapper
		if wrapper == nil {
			wrapper = tlsStreamWrapper(config.tlsConfig)
		}
		wrapped, wrapErr := wrapper(sess.conn, sess.address.Host)
		if wrapErr != nil {
			return NewError(HandshakeError, wrapErr)
		}
		sess.conn = wrapped
	}

	options := config.connect
	if credentials := sess.address.Credentials; credentials != nil {
		options.User = credentials.Username
		options.Pass = credentials.Password
	}

	greeting := append(encodeConnect(options), pingFrame...)
	if _, err := sess.conn.Write(greeting); err != nil {
		return NewError(ConnectionError, err)
	}

	if sess.verbose {
		if err := sess.awaitHandshakeFrame(frameOK); err != nil {
			return err
		}
	}
	return sess.awaitHandshakeFrame(framePong)
}

func (sess *session) awaitInfo() (serverInfo, error) {
	for {
		frame, err := sess.readFrame()
		if err != nil {
			return serverInfo{}, NewError(ConnectionError, err)
		}

		switch frame.kind {
		case frameInfo:
			return frame.info, nil
		case frameErr:
			return serverInfo{}, handshakeRejection(frame.errText)
		case framePing:
			if _, err := sess.conn.Write(pongFrame); err != nil {
				return serverInfo{}, NewError(ConnectionError, err)
			}
		default:
			// The server must speak first with INFO.
			return serverInfo{}, NewError(ProtocolError, "the server did not send an INFO frame")
		}
	}
}

func (sess *session) awaitHandshakeFrame(wanted int) error {
	for {
		frame, err := sess.readFrame()
		if err != nil {
			return NewError(ConnectionError, err)
		}

		switch frame.kind {
		case wanted:
			return nil
		case frameErr:
			return handshakeRejection(frame.errText)
		case framePing:
			if _, err := sess.conn.Write(pongFrame); err != nil {
				return NewError(ConnectionError, err)
			}
		default:
		}
	}
}

func handshakeRejection(text string) error {
	lower := strings.ToLower(text)
	if strings.Contains(lower, "authorization") || strings.Contains(lower, "authentication") {
		return NewError(AuthenticationError, text)
	}
	return NewError(HandshakeError, text)
}

// readFrame blocks until the next complete frame has been decoded from the
// transport.
func (sess *session) readFrame() (serverFrame, error) {
	for {
		if len(sess.readBuf) > 0 {
			frame, consumed := decodeFrame(sess.readBuf, sess.logger)
			if consumed > 0 {
				sess.readBuf = sess.readBuf[consumed:]
				if len(sess.readBuf) == 0 {
					sess.readBuf = nil
				}
			}
			if frame.kind != frameNone {
				return frame, nil
			}
		}

		count, err := sess.conn.Read(sess.readChunk)
		if count > 0 {
			sess.readBuf = append(sess.readBuf, sess.readChunk[:count]...)
		}
		if err != nil {
			return serverFrame{}, err
		}
	}
}

// readRoutine is the dedicated reader for this session. PING is answered
// immediately and never surfaced; MSG frames turn into queued events; +OK and
// -ERR resolve the oldest pending acknowledgment.
func (sess *session) readRoutine() {
	for {
		frame, err := sess.readFrame()
		if err != nil {
			sess.shutdown(NewError(ConnectionError, err))
			return
		}

		switch frame.kind {
		case framePing:
			if err := sess.writeBytes(pongFrame); err != nil {
				return
			}

		case framePong:

		case frameOK:
			if !sess.resolveAck(nil) {
				sess.logger.Debug("dropping +OK with no pending command")
			}

		case frameErr:
			if isFatalServerError(frame.errText) {
				sess.logger.Error("fatal server error", zap.String("reason", frame.errText))
				cause := NewError(ConnectionError, "server closed the session: "+frame.errText)
				sess.resolveAck(cause)
				sess.shutdown(cause)
				return
			}
			if !sess.resolveAck(NewError(CommandError, frame.errText)) {
				sess.logger.Warn("server error", zap.String("reason", frame.errText))
			}

		case frameMsg:
			sess.dispatchMsg(frame)

		case frameInfo:
			sess.updateInfo(frame.info)
		}
	}
}

func (sess *session) dispatchMsg(frame serverFrame) {
	stillActive, known := sess.registry.recordDelivery(frame.sid)
	if !known {
		sess.logger.Debug("dropping message for unknown subscription",
			zap.Uint64("sid", frame.sid), zap.String("subject", frame.subject))
		return
	}

	sess.events.enqueue(Event{
		Subject:        frame.subject,
		SubscriptionID: frame.sid,
		Payload:        frame.payload,
		ReplyTo:        frame.replyTo,
	})

	if !stillActive {
		// Budget exhausted: the registry already dropped the entry, tell the
		// server. The ack, if any, resolves into a discarded waiter so FIFO
		// correlation stays aligned.
		_, _ = sess.enqueueCommand(encodeUnsub(frame.sid, 0))
	}
}

func (sess *session) updateInfo(info serverInfo) {
	sess.infoLock.Lock()
	sess.info = info
	sess.infoLock.Unlock()

	if sess.onInfo != nil {
		sess.onInfo(info)
	}
}

func (sess *session) maxPayload() int64 {
	sess.infoLock.Lock()
	defer sess.infoLock.Unlock()
	return sess.info.MaxPayload
}

func (sess *session) connectURLs() []string {
	sess.infoLock.Lock()
	defer sess.infoLock.Unlock()
	return append([]string(nil), sess.info.ConnectURLs...)
}

func (sess *session) writeBytes(data []byte) error {
	if sess.state.Load() == sessionClosed {
		return NewError(DisconnectedError, "session is closed")
	}

	sess.writeLock.Lock()
	_, err := sess.conn.Write(data)
	sess.writeLock.Unlock()
	if err != nil {
		cause := NewError(ConnectionError, err)
		sess.shutdown(cause)
		return cause
	}
	return nil
}

// enqueueCommand writes one command and, in synchronous mode, registers an
// acknowledgment waiter. Registration and write happen under the write lock
// so concurrent commands keep wire order aligned with the FIFO ack queue.
// The returned channel is nil outside synchronous mode.
func (sess *session) enqueueCommand(data []byte) (chan error, error) {
	if !sess.verbose {
		return nil, sess.writeBytes(data)
	}

	sess.writeLock.Lock()
	if sess.state.Load() == sessionClosed {
		sess.writeLock.Unlock()
		return nil, NewError(DisconnectedError, "session is closed")
	}

	ackCh := make(chan error, 1)
	sess.ackLock.Lock()
	sess.pendingAcks = append(sess.pendingAcks, ackCh)
	sess.ackLock.Unlock()

	_, err := sess.conn.Write(data)
	sess.writeLock.Unlock()

	if err != nil {
		cause := NewError(ConnectionError, err)
		sess.shutdown(cause)
		return nil, cause
	}
	return ackCh, nil
}

// sendCommand writes one command, blocking for its acknowledgment in
// synchronous mode. A session closing with the ack outstanding resolves the
// call with an error rather than hanging.
func (sess *session) sendCommand(data []byte) error {
	ackCh, err := sess.enqueueCommand(data)
	if err != nil || ackCh == nil {
		return err
	}
	return <-ackCh
}

func (sess *session) resolveAck(result error) bool {
	sess.ackLock.Lock()
	if len(sess.pendingAcks) == 0 {
		sess.ackLock.Unlock()
		return false
	}
	ackCh := sess.pendingAcks[0]
	sess.pendingAcks = sess.pendingAcks[1:]
	sess.ackLock.Unlock()

	ackCh <- result
	return true
}

// shutdown moves the session to closed exactly once; concurrent detection
// from the read and write paths is safe. All outstanding acknowledgment
// waiters resolve with an error.
func (sess *session) shutdown(cause error) {
	sess.closeOnce.Do(func() {
		sess.state.Store(sessionClosed)
		sess.closeErr = cause
		_ = sess.conn.Close()

		sess.ackLock.Lock()
		pending := sess.pendingAcks
		sess.pendingAcks = nil
		sess.ackLock.Unlock()

		for _, ackCh := range pending {
			ackCh <- NewError(DisconnectedError, "session closed before acknowledgment")
		}

		close(sess.doneCh)
	})
}

// close tears the session down on explicit request.
func (sess *session) close() {
	sess.shutdown(NewError(DisconnectedError, "session closed"))
}

func (sess *session) closed() bool {
	return sess.state.Load() == sessionClosed
}

// done is closed when the session reaches its terminal state.
func (sess *session) done() <-chan struct{} {
	return sess.doneCh
}
