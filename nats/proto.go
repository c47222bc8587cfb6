package nats

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Frame kinds produced by decodeFrame.
const (
	frameNone = iota
	frameInfo
	frameMsg
	framePing
	framePong
	frameOK
	frameErr
)

// maxMessagePayload bounds the buffer allocated from a MSG length field.
// Larger declared lengths are treated as malformed headers; no real server
// advertises a max_payload anywhere near this.
const maxMessagePayload = 64 << 20

var (
	pingFrame = []byte("PING\r\n")
	pongFrame = []byte("PONG\r\n")
	crlf      = []byte("\r\n")
)

// connectOptions carry the CONNECT handshake payload.
type connectOptions struct {
	Verbose  bool   `json:"verbose"`
	Pedantic bool   `json:"pedantic"`
	Name     string `json:"name"`
	User     string `json:"user,omitempty"`
	Pass     string `json:"pass,omitempty"`
}

// serverInfo is the subset of the INFO payload the client acts on.
type serverInfo struct {
	Version      string   `json:"version"`
	MaxPayload   int64    `json:"max_payload"`
	AuthRequired bool     `json:"auth_required"`
	TLSRequired  bool     `json:"tls_required"`
	ConnectURLs  []string `json:"connect_urls"`
}

// serverFrame is one decoded inbound protocol frame.
type serverFrame struct {
	kind    int
	subject string
	sid     uint64
	replyTo string
	payload []byte
	info    serverInfo
	errText string
}

func encodeConnect(options connectOptions) []byte {
	payload, err := json.Marshal(options)
	if err != nil {
		payload = []byte("{}")
	}

	buffer := bytes.NewBuffer(make([]byte, 0, len(payload)+10))
	buffer.WriteString("CONNECT ")
	buffer.Write(payload)
	buffer.Write(crlf)
	return buffer.Bytes()
}

func encodePub(subject string, replyTo string, payload []byte) []byte {
	buffer := bytes.NewBuffer(make([]byte, 0, len(subject)+len(replyTo)+len(payload)+16))
	buffer.WriteString("PUB ")
	buffer.WriteString(subject)
	if replyTo != "" {
		buffer.WriteByte(' ')
		buffer.WriteString(replyTo)
	}
	buffer.WriteByte(' ')
	buffer.WriteString(strconv.Itoa(len(payload)))
	buffer.Write(crlf)
	buffer.Write(payload)
	buffer.Write(crlf)
	return buffer.Bytes()
}

func encodeSub(subject string, group string, sid uint64) []byte {
	buffer := bytes.NewBuffer(make([]byte, 0, len(subject)+len(group)+16))
	buffer.WriteString("SUB ")
	buffer.WriteString(subject)
	if group != "" {
		buffer.WriteByte(' ')
		buffer.WriteString(group)
	}
	buffer.WriteByte(' ')
	buffer.WriteString(strconv.FormatUint(sid, 10))
	buffer.Write(crlf)
	return buffer.Bytes()
}

func encodeUnsub(sid uint64, maxMessages uint64) []byte {
	buffer := bytes.NewBuffer(make([]byte, 0, 32))
	buffer.WriteString("UNSUB ")
	buffer.WriteString(strconv.FormatUint(sid, 10))
	if maxMessages > 0 {
		buffer.WriteByte(' ')
		buffer.WriteString(strconv.FormatUint(maxMessages, 10))
	}
	buffer.Write(crlf)
	return buffer.Bytes()
}

// decodeFrame scans buf for the next complete inbound frame. It returns the
// frame and the number of bytes consumed, including any skipped unparseable
// lines. A frameNone result means more input is required; skipped garbage is
// still reported as consumed so it is never rescanned. Decoding never fails
// on malformed input. The payload length field of MSG is authoritative:
// payload bytes are never delimiter-scanned.
func decodeFrame(buf []byte, logger *zap.Logger) (serverFrame, int) {
	if logger == nil {
		logger = zap.NewNop()
	}

	consumed := 0
	for {
		rest := buf[consumed:]
		lineEnd := bytes.IndexByte(rest, '\n')
		if lineEnd < 0 {
			return serverFrame{kind: frameNone}, consumed
		}

		line := rest[:lineEnd]
		line = bytes.TrimSuffix(line, []byte("\r"))
		lineLen := lineEnd + 1

		switch {
		case len(line) == 0:
			consumed += lineLen

		case bytes.Equal(line, []byte("PING")):
			return serverFrame{kind: framePing}, consumed + lineLen

		case bytes.Equal(line, []byte("PONG")):
			return serverFrame{kind: framePong}, consumed + lineLen

		case bytes.Equal(line, []byte("+OK")):
			return serverFrame{kind: frameOK}, consumed + lineLen

		case bytes.HasPrefix(line, []byte("-ERR")):
			text := strings.TrimSpace(string(line[4:]))
			text = strings.Trim(text, "'")
			return serverFrame{kind: frameErr, errText: text}, consumed + lineLen

		case bytes.HasPrefix(line, []byte("INFO ")):
			var info serverInfo
			if err := json.Unmarshal(line[5:], &info); err != nil {
				logger.Debug("skipping INFO frame with invalid JSON payload", zap.Error(err))
				consumed += lineLen
				continue
			}
			return serverFrame{kind: frameInfo, info: info}, consumed + lineLen

		case bytes.HasPrefix(line, []byte("MSG ")):
			frame, ok := parseMsgArgs(line[4:])
			if !ok {
				logger.Debug("skipping malformed MSG header", zap.ByteString("line", line))
				consumed += lineLen
				continue
			}

			payloadLen := len(frame.payload)
			total := lineLen + payloadLen + 2
			if len(rest) < total {
				// The MSG header stays buffered until the declared
				// payload has fully arrived.
				return serverFrame{kind: frameNone}, consumed
			}
			copy(frame.payload, rest[lineLen:lineLen+payloadLen])
			return frame, consumed + total

		default:
			logger.Debug("skipping unrecognized protocol line", zap.ByteString("line", line))
			consumed += lineLen
		}
	}
}

// parseMsgArgs parses "<subject> <sid> [reply-to] <#bytes>" and allocates the
// payload buffer sized from the length field.
func parseMsgArgs(args []byte) (serverFrame, bool) {
	fields := strings.Fields(string(args))
	if len(fields) != 3 && len(fields) != 4 {
		return serverFrame{}, false
	}

	frame := serverFrame{kind: frameMsg, subject: fields[0]}

	sid, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return serverFrame{}, false
	}
	frame.sid = sid

	lengthField := fields[2]
	if len(fields) == 4 {
		frame.replyTo = fields[2]
		lengthField = fields[3]
	}

	payloadLen, err := strconv.ParseUint(lengthField, 10, 32)
	if err != nil || payloadLen > maxMessagePayload {
		return serverFrame{}, false
	}

	frame.payload = make([]byte, payloadLen)
	return frame, true
}

// fatalServerErrorMarkers name -ERR conditions after which the server closes
// the interaction; anything else is surfaced without tearing the session down.
var fatalServerErrorMarkers = []string{
	"authorization",
	"authentication",
	"maximum payload",
	"stale connection",
	"parser error",
	"invalid client protocol",
}

func isFatalServerError(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range fatalServerErrorMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
