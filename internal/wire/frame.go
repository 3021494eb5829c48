// Package wire implements the STOMP-derived text frame codec used by the
// control plane: a command line, a set of escaped header key/value pairs,
// a blank line, an optional body, and a NUL terminator. It is grounded on
// the framing rules of the STOMP 1.2 wire format as implemented by
// yajsonrpc/stomp.py, carried over verbatim since the spec's on-wire
// protocol is byte-compatible with it.
package wire

import (
	"bytes"
	"fmt"
	"strconv"
)

// Well-known frame commands.
const (
	CommandMessage     = "MESSAGE"
	CommandSend        = "SEND"
	CommandSubscribe   = "SUBSCRIBE"
	CommandUnsubscribe = "UNSUBSCRIBE"
	CommandConnect     = "CONNECT"
	CommandConnected   = "CONNECTED"
	CommandError       = "ERROR"
	CommandReceipt     = "RECEIPT"
	CommandDisconnect  = "DISCONNECT"
)

// Well-known header names.
const (
	HeaderContentLength = "content-length"
	HeaderContentType   = "content-type"
	HeaderSubscription  = "subscription"
	HeaderReceipt       = "receipt"
	HeaderReceiptID     = "receipt-id"
	HeaderDestination   = "destination"
	HeaderAcceptVersion = "accept-version"
	HeaderReplyTo       = "reply-to"
	HeaderHeartBeat     = "heart-beat"
	HeaderLogin         = "login"
	HeaderPasscode      = "passcode"
)

// Frame is a single wire-level message: a command, a set of headers, and
// an optional body.
type Frame struct {
	Command string
	Headers map[string]string
	Body    []byte
}

// NewFrame constructs a Frame with an initialized header map.
func NewFrame(command string) *Frame {
	return &Frame{Command: command, Headers: map[string]string{}}
}

// Copy returns a deep copy of the frame, so callers can mutate the
// returned headers without affecting a shared original.
func (f *Frame) Copy() *Frame {
	headers := make(map[string]string, len(f.Headers))
	for k, v := range f.Headers {
		headers[k] = v
	}
	var body []byte
	if f.Body != nil {
		body = append([]byte(nil), f.Body...)
	}
	return &Frame{Command: f.Command, Headers: headers, Body: body}
}

// heartbeatFrame is the single lone-newline keepalive, sent instead of a
// real frame when nothing else is pending and the outgoing heartbeat
// interval has elapsed.
var heartbeatFrame = []byte("\n")

// Encode serializes the frame to its wire representation. A nil Frame
// encodes as a single heartbeat byte.
func (f *Frame) Encode() []byte {
	if f == nil {
		return heartbeatFrame
	}

	if f.Body != nil {
		f.Headers[HeaderContentLength] = strconv.Itoa(len(f.Body))
	}

	var buf bytes.Buffer
	buf.Write(encodeValue(f.Command))
	buf.WriteByte('\n')

	for key, value := range f.Headers {
		buf.Write(encodeValue(key))
		buf.WriteByte(':')
		buf.Write(encodeValue(value))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')

	if f.Body != nil {
		buf.Write(f.Body)
	}
	buf.WriteByte(0)

	return buf.Bytes()
}

// encodeValue escapes the STOMP-reserved characters in a header key or
// value: backslash, colon, CR, and LF.
func encodeValue(s string) []byte {
	var buf bytes.Buffer
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			buf.WriteString(`\\`)
		case ':':
			buf.WriteString(`\c`)
		case '\r':
			buf.WriteString(`\r`)
		case '\n':
			buf.WriteString(`\n`)
		default:
			buf.WriteByte(s[i])
		}
	}
	return buf.Bytes()
}

// decodeValue reverses encodeValue. An unescaped colon in the input is
// passed through as is: the caller has already split key/value on the
// first colon.
func decodeValue(s []byte) (string, error) {
	var buf bytes.Buffer
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			buf.WriteByte(s[i])
			continue
		}
		if i+1 >= len(s) {
			return "", fmt.Errorf("wire: trailing escape character")
		}
		i++
		switch s[i] {
		case '\\':
			buf.WriteByte('\\')
		case 'c':
			buf.WriteByte(':')
		case 'r':
			buf.WriteByte('\r')
		case 'n':
			buf.WriteByte('\n')
		default:
			return "", fmt.Errorf("wire: invalid escape sequence \\%c", s[i])
		}
	}
	return buf.String(), nil
}
