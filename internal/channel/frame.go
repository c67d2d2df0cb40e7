// Package channel implements the authenticated streaming channel: STOMP 1.2
// frames carried over websocket text messages, one frame per message.
package channel

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// STOMP commands understood by the server.
const (
	CommandConnect     = "CONNECT"
	CommandStomp       = "STOMP"
	CommandConnected   = "CONNECTED"
	CommandSend        = "SEND"
	CommandSubscribe   = "SUBSCRIBE"
	CommandUnsubscribe = "UNSUBSCRIBE"
	CommandDisconnect  = "DISCONNECT"
	CommandMessage     = "MESSAGE"
	CommandReceipt     = "RECEIPT"
	CommandError       = "ERROR"
)

var (
	// ErrEmptyFrame indicates a payload with no command line.
	ErrEmptyFrame = errors.New("channel.frame.empty")
	// ErrMalformedFrame indicates a payload that does not follow the frame grammar.
	ErrMalformedFrame = errors.New("channel.frame.malformed")
)

// Header is a single frame header.
type Header struct {
	Name  string
	Value string
}

// Frame is one STOMP frame.
type Frame struct {
	Command string
	Headers []Header
	Body    []byte
}

// NewFrame builds a frame from alternating header names and values.
func NewFrame(command string, body []byte, headerPairs ...string) Frame {
	frame := Frame{Command: command, Body: body}
	for index := 0; index+1 < len(headerPairs); index += 2 {
		frame.Headers = append(frame.Headers, Header{Name: headerPairs[index], Value: headerPairs[index+1]})
	}
	return frame
}

// Header returns the first value for name; repeated headers keep the first occurrence.
func (frame Frame) Header(name string) (string, bool) {
	for _, header := range frame.Headers {
		if header.Name == name {
			return header.Value, true
		}
	}
	return "", false
}

// IsHeartbeat reports whether payload is a bare end-of-line keepalive.
func IsHeartbeat(payload []byte) bool {
	return len(bytes.Trim(payload, "\r\n")) == 0
}

// Parse decodes one frame. CONNECT and CONNECTED headers are taken verbatim;
// every other command has its header escapes decoded.
func Parse(payload []byte) (Frame, error) {
	payload = bytes.TrimLeft(payload, "\r\n")
	if len(payload) == 0 {
		return Frame{}, ErrEmptyFrame
	}

	headerEnd, separatorLength := findHeaderEnd(payload)
	if headerEnd < 0 {
		return Frame{}, fmt.Errorf("%w: missing blank line", ErrMalformedFrame)
	}
	lines := strings.Split(strings.ReplaceAll(string(payload[:headerEnd]), "\r\n", "\n"), "\n")
	frame := Frame{Command: lines[0]}
	if frame.Command == "" {
		return Frame{}, ErrEmptyFrame
	}
	decodeEscapes := frame.Command != CommandConnect && frame.Command != CommandConnected

	for _, line := range lines[1:] {
		name, value, found := strings.Cut(line, ":")
		if !found {
			return Frame{}, fmt.Errorf("%w: header %q", ErrMalformedFrame, line)
		}
		if decodeEscapes {
			var nameErr, valueErr error
			name, nameErr = unescapeHeader(name)
			value, valueErr = unescapeHeader(value)
			if nameErr != nil || valueErr != nil {
				return Frame{}, fmt.Errorf("%w: header escape in %q", ErrMalformedFrame, line)
			}
		}
		frame.Headers = append(frame.Headers, Header{Name: name, Value: value})
	}

	body := payload[headerEnd+separatorLength:]
	if lengthValue, ok := frame.Header("content-length"); ok {
		contentLength, convErr := strconv.Atoi(lengthValue)
		if convErr != nil || contentLength < 0 || contentLength >= len(body) || body[contentLength] != 0 {
			return Frame{}, fmt.Errorf("%w: content-length %q", ErrMalformedFrame, lengthValue)
		}
		frame.Body = body[:contentLength]
		return frame, nil
	}
	terminator := bytes.IndexByte(body, 0)
	if terminator < 0 {
		return Frame{}, fmt.Errorf("%w: missing NUL terminator", ErrMalformedFrame)
	}
	frame.Body = body[:terminator]
	return frame, nil
}

func findHeaderEnd(payload []byte) (int, int) {
	lf := bytes.Index(payload, []byte("\n\n"))
	crlf := bytes.Index(payload, []byte("\r\n\r\n"))
	switch {
	case lf < 0 && crlf < 0:
		return -1, 0
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return crlf, 4
	default:
		return lf, 2
	}
}

// Encode renders the frame with escaped headers and a content-length for non-empty bodies.
func (frame Frame) Encode() []byte {
	var buffer bytes.Buffer
	buffer.WriteString(frame.Command)
	buffer.WriteByte('\n')
	escape := frame.Command != CommandConnect && frame.Command != CommandConnected
	for _, header := range frame.Headers {
		if escape {
			buffer.WriteString(escapeHeader(header.Name))
			buffer.WriteByte(':')
			buffer.WriteString(escapeHeader(header.Value))
		} else {
			buffer.WriteString(header.Name)
			buffer.WriteByte(':')
			buffer.WriteString(header.Value)
		}
		buffer.WriteByte('\n')
	}
	if _, has := frame.Header("content-length"); !has && len(frame.Body) > 0 {
		buffer.WriteString("content-length:")
		buffer.WriteString(strconv.Itoa(len(frame.Body)))
		buffer.WriteByte('\n')
	}
	buffer.WriteByte('\n')
	buffer.Write(frame.Body)
	buffer.WriteByte(0)
	return buffer.Bytes()
}

var headerEscaper = strings.NewReplacer(`\`, `\\`, "\r", `\r`, "\n", `\n`, ":", `\c`)

func escapeHeader(value string) string {
	return headerEscaper.Replace(value)
}

func unescapeHeader(value string) (string, error) {
	if !strings.Contains(value, `\`) {
		return value, nil
	}
	var builder strings.Builder
	for index := 0; index < len(value); index++ {
		if value[index] != '\\' {
			builder.WriteByte(value[index])
			continue
		}
		if index+1 >= len(value) {
			return "", ErrMalformedFrame
		}
		index++
		switch value[index] {
		case 'r':
			builder.WriteByte('\r')
		case 'n':
			builder.WriteByte('\n')
		case 'c':
			builder.WriteByte(':')
		case '\\':
			builder.WriteByte('\\')
		default:
			return "", ErrMalformedFrame
		}
	}
	return builder.String(), nil
}
