package nats

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
)

// fakeBroker is a minimal in-process broker speaking the server side of the
// wire protocol, used by the package tests. It routes published messages to
// matching subscriptions across all connections, honors queue groups and
// subject wildcards, and enforces UNSUB message caps.
type fakeBroker struct {
	listener net.Listener

	// Behavior knobs, set before clients connect.
	authUser      string
	authPass      string
	maxPayload    int64
	connectURLs   []string
	rejectSubject string // PUB answered with a recoverable -ERR
	fatalSubject  string // PUB answered with a fatal -ERR, then close
	silentSubject string // PUB never acknowledged in verbose mode

	lock        sync.Mutex
	conns       map[*brokerConn]struct{}
	connects    []connectOptions
	groupRounds map[string]int
	closed      bool
}

type brokerConn struct {
	broker *fakeBroker
	conn   net.Conn

	writeLock sync.Mutex
	verbose   bool

	subsLock sync.Mutex
	subs     map[uint64]*brokerSub
}

type brokerSub struct {
	subject   string
	group     string
	delivered uint64
	capped    bool
	maxTotal  uint64
}

func newFakeBroker(t interface{ Fatalf(string, ...interface{}) }) *fakeBroker {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("fake broker listen failed: %v", err)
	}

	broker := &fakeBroker{
		listener:    listener,
		maxPayload:  1024 * 1024,
		conns:       make(map[*brokerConn]struct{}),
		groupRounds: make(map[string]int),
	}
	go broker.acceptLoop()
	return broker
}

func (broker *fakeBroker) url() string {
	return "nats://" + broker.listener.Addr().String()
}

func (broker *fakeBroker) stop() {
	broker.lock.Lock()
	broker.closed = true
	conns := make([]*brokerConn, 0, len(broker.conns))
	for conn := range broker.conns {
		conns = append(conns, conn)
	}
	broker.lock.Unlock()

	_ = broker.listener.Close()
	for _, conn := range conns {
		_ = conn.conn.Close()
	}
}

// rawWrite pushes bytes to every open connection as a single write, so a
// test can hand the client several frames in one read.
func (broker *fakeBroker) rawWrite(data []byte) {
	broker.lock.Lock()
	conns := make([]*brokerConn, 0, len(broker.conns))
	for conn := range broker.conns {
		conns = append(conns, conn)
	}
	broker.lock.Unlock()

	for _, conn := range conns {
		conn.write(data)
	}
}

// connectPayloads returns the CONNECT options received so far.
func (broker *fakeBroker) connectPayloads() []connectOptions {
	broker.lock.Lock()
	defer broker.lock.Unlock()
	return append([]connectOptions(nil), broker.connects...)
}

func (broker *fakeBroker) acceptLoop() {
	for {
		conn, err := broker.listener.Accept()
		if err != nil {
			return
		}

		client := &brokerConn{
			broker: broker,
			conn:   conn,
			subs:   make(map[uint64]*brokerSub),
		}
		broker.lock.Lock()
		if broker.closed {
			broker.lock.Unlock()
			_ = conn.Close()
			return
		}
		broker.conns[client] = struct{}{}
		broker.lock.Unlock()

		go client.serve()
	}
}

func (client *brokerConn) serve() {
	defer func() {
		client.broker.lock.Lock()
		delete(client.broker.conns, client)
		client.broker.lock.Unlock()
		_ = client.conn.Close()
	}()

	info := map[string]interface{}{
		"version":     "2.10.0",
		"max_payload": client.broker.maxPayload,
	}
	if len(client.broker.connectURLs) > 0 {
		info["connect_urls"] = client.broker.connectURLs
	}
	payload, _ := json.Marshal(info)
	client.write([]byte("INFO " + string(payload) + "\r\n"))

	reader := bufio.NewReader(client.conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")

		verb := line
		args := ""
		if space := strings.IndexByte(line, ' '); space >= 0 {
			verb = line[:space]
			args = line[space+1:]
		}

		switch verb {
		case "CONNECT":
			if !client.handleConnect(args) {
				return
			}
		case "PING":
			client.write(pongFrame)
		case "PONG":
		case "SUB":
			client.handleSub(args)
		case "UNSUB":
			client.handleUnsub(args)
		case "PUB":
			if !client.handlePub(args, reader) {
				return
			}
		default:
			client.write([]byte("-ERR 'Unknown Protocol Operation'\r\n"))
		}
	}
}

func (client *brokerConn) handleConnect(args string) bool {
	var options connectOptions
	if err := json.Unmarshal([]byte(args), &options); err != nil {
		client.write([]byte("-ERR 'Invalid Client Protocol'\r\n"))
		return false
	}
	client.verbose = options.Verbose

	broker := client.broker
	if broker.authUser != "" {
		if options.User != broker.authUser || options.Pass != broker.authPass {
			client.write([]byte("-ERR 'Authorization Violation'\r\n"))
			return false
		}
	}

	broker.lock.Lock()
	broker.connects = append(broker.connects, options)
	broker.lock.Unlock()

	client.ack()
	return true
}

func (client *brokerConn) handleSub(args string) {
	fields := strings.Fields(args)
	if len(fields) != 2 && len(fields) != 3 {
		client.write([]byte("-ERR 'Invalid Subject'\r\n"))
		return
	}

	sub := &brokerSub{subject: fields[0]}
	sidField := fields[1]
	if len(fields) == 3 {
		sub.group = fields[1]
		sidField = fields[2]
	}
	sid, err := strconv.ParseUint(sidField, 10, 64)
	if err != nil {
		client.write([]byte("-ERR 'Invalid Subject'\r\n"))
		return
	}

	client.subsLock.Lock()
	client.subs[sid] = sub
	client.subsLock.Unlock()
	client.ack()
}

func (client *brokerConn) handleUnsub(args string) {
	fields := strings.Fields(args)
	if len(fields) != 1 && len(fields) != 2 {
		client.write([]byte("-ERR 'Invalid Subject'\r\n"))
		return
	}
	sid, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		client.write([]byte("-ERR 'Invalid Subject'\r\n"))
		return
	}

	client.subsLock.Lock()
	if sub, exists := client.subs[sid]; exists {
		if len(fields) == 2 {
			maxTotal, maxErr := strconv.ParseUint(fields[1], 10, 64)
			if maxErr == nil && sub.delivered < maxTotal {
				sub.capped = true
				sub.maxTotal = maxTotal
			} else {
				delete(client.subs, sid)
			}
		} else {
			delete(client.subs, sid)
		}
	}
	client.subsLock.Unlock()
	client.ack()
}

func (client *brokerConn) handlePub(args string, reader *bufio.Reader) bool {
	fields := strings.Fields(args)
	if len(fields) != 2 && len(fields) != 3 {
		client.write([]byte("-ERR 'Invalid Subject'\r\n"))
		return true
	}

	subject := fields[0]
	replyTo := ""
	lengthField := fields[1]
	if len(fields) == 3 {
		replyTo = fields[1]
		lengthField = fields[2]
	}
	size, err := strconv.Atoi(lengthField)
	if err != nil || size < 0 {
		client.write([]byte("-ERR 'Parser Error'\r\n"))
		return false
	}

	payload := make([]byte, size+2)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return false
	}
	payload = payload[:size]

	broker := client.broker
	switch subject {
	case broker.fatalSubject:
		if broker.fatalSubject != "" {
			client.write([]byte("-ERR 'Parser Error'\r\n"))
			return false
		}
	case broker.rejectSubject:
		if broker.rejectSubject != "" {
			client.write([]byte(fmt.Sprintf("-ERR 'Permissions Violation for Publish to %q'\r\n", subject)))
			return true
		}
	case broker.silentSubject:
		if broker.silentSubject != "" {
			return true
		}
	}

	broker.route(subject, replyTo, payload)
	client.ack()
	return true
}

// route delivers one message to every matching plain subscription and to one
// member per matching queue group, rotating membership per group.
func (broker *fakeBroker) route(subject string, replyTo string, payload []byte) {
	type target struct {
		conn *brokerConn
		sid  uint64
		sub  *brokerSub
	}

	broker.lock.Lock()
	conns := make([]*brokerConn, 0, len(broker.conns))
	for conn := range broker.conns {
		conns = append(conns, conn)
	}
	broker.lock.Unlock()

	plain := make([]target, 0, 4)
	groups := make(map[string][]target)
	for _, conn := range conns {
		conn.subsLock.Lock()
		for sid, sub := range conn.subs {
			if !subjectMatches(sub.subject, subject) {
				continue
			}
			if sub.group == "" {
				plain = append(plain, target{conn, sid, sub})
			} else {
				groups[sub.group] = append(groups[sub.group], target{conn, sid, sub})
			}
		}
		conn.subsLock.Unlock()
	}

	for group, members := range groups {
		broker.lock.Lock()
		pick := broker.groupRounds[group] % len(members)
		broker.groupRounds[group]++
		broker.lock.Unlock()
		plain = append(plain, members[pick])
	}

	for _, chosen := range plain {
		chosen.conn.deliver(chosen.sid, chosen.sub, subject, replyTo, payload)
	}
}

func (conn *brokerConn) deliver(sid uint64, sub *brokerSub, subject string, replyTo string, payload []byte) {
	conn.subsLock.Lock()
	sub.delivered++
	if sub.capped && sub.delivered >= sub.maxTotal {
		delete(conn.subs, sid)
	}
	conn.subsLock.Unlock()

	header := "MSG " + subject + " " + strconv.FormatUint(sid, 10)
	if replyTo != "" {
		header += " " + replyTo
	}
	header += " " + strconv.Itoa(len(payload)) + "\r\n"

	frame := append([]byte(header), payload...)
	frame = append(frame, crlf...)
	conn.write(frame)
}

func (conn *brokerConn) ack() {
	if conn.verbose {
		conn.write([]byte("+OK\r\n"))
	}
}

func (conn *brokerConn) write(data []byte) {
	conn.writeLock.Lock()
	_, _ = conn.conn.Write(data)
	conn.writeLock.Unlock()
}

// subjectMatches applies dot-token matching with the * and > wildcards.
func subjectMatches(pattern string, subject string) bool {
	if pattern == subject {
		return true
	}

	patternTokens := strings.Split(pattern, ".")
	subjectTokens := strings.Split(subject, ".")
	for index, token := range patternTokens {
		if token == ">" {
			return index < len(subjectTokens)
		}
		if index >= len(subjectTokens) {
			return false
		}
		if token != "*" && token != subjectTokens[index] {
			return false
		}
	}
	return len(patternTokens) == len(subjectTokens)
}
