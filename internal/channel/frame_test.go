package channel

import (
	"errors"
	"testing"
)

func TestParseConnectKeepsHeadersVerbatim(t *testing.T) {
	t.Parallel()
	payload := []byte("CONNECT\naccept-version:1.1,1.2\nAuthorization:Bearer abc.def\\c\nhost:ascent\n\n\x00")
	frame, err := Parse(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if frame.Command != CommandConnect {
		t.Fatalf("unexpected command %q", frame.Command)
	}
	if value, _ := frame.Header("Authorization"); value != `Bearer abc.def\c` {
		t.Fatalf("CONNECT headers must not be unescaped, got %q", value)
	}
	if len(frame.Body) != 0 {
		t.Fatalf("expected empty body, got %q", frame.Body)
	}
}

func TestParseSendDecodesEscapesAndBody(t *testing.T) {
	t.Parallel()
	payload := []byte("SEND\r\ndestination:/app/chat/7\r\nnote:a\\cb\\nc\\\\d\r\nnote:second\r\n\r\n{\"content\":\"hi\"}\x00\n\n")
	frame, err := Parse(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if value, _ := frame.Header("note"); value != "a:b\nc\\d" {
		t.Fatalf("unexpected unescaped header %q", value)
	}
	if value, _ := frame.Header("destination"); value != "/app/chat/7" {
		t.Fatalf("unexpected destination %q", value)
	}
	if string(frame.Body) != `{"content":"hi"}` {
		t.Fatalf("unexpected body %q", frame.Body)
	}
}

func TestParseHonoursContentLength(t *testing.T) {
	t.Parallel()
	frame, err := Parse([]byte("SEND\ncontent-length:3\n\na\x00b\x00"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if string(frame.Body) != "a\x00b" {
		t.Fatalf("expected body with embedded NUL, got %q", frame.Body)
	}
}

func TestParseRejectsMalformedFrames(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name     string
		payload  string
		expected error
	}{
		{name: "Empty", payload: "\n\n", expected: ErrEmptyFrame},
		{name: "NoBlankLine", payload: "SEND\ndestination:/x\x00", expected: ErrMalformedFrame},
		{name: "HeaderWithoutColon", payload: "SEND\nbroken\n\n\x00", expected: ErrMalformedFrame},
		{name: "NoTerminator", payload: "SEND\n\nbody", expected: ErrMalformedFrame},
		{name: "BadEscape", payload: "SEND\nkey:\\t\n\n\x00", expected: ErrMalformedFrame},
		{name: "ContentLengthOverrun", payload: "SEND\ncontent-length:10\n\nab\x00", expected: ErrMalformedFrame},
	}
	for _, testCase := range testCases {
		if _, err := Parse([]byte(testCase.payload)); !errors.Is(err, testCase.expected) {
			t.Fatalf("%s: expected %v, got %v", testCase.name, testCase.expected, err)
		}
	}
}

func TestEncodeRoundTripsThroughParse(t *testing.T) {
	t.Parallel()
	original := NewFrame(CommandMessage, []byte(`{"content":"x"}`),
		"destination", "/topic/chat/3",
		"subscription", "sub:0",
	)
	encoded := original.Encode()
	if encoded[len(encoded)-1] != 0 {
		t.Fatalf("encoded frame must end with NUL")
	}
	decoded, err := Parse(encoded)
	if err != nil {
		t.Fatalf("parse encoded: %v", err)
	}
	if value, _ := decoded.Header("subscription"); value != "sub:0" {
		t.Fatalf("expected escaped colon to survive, got %q", value)
	}
	if value, _ := decoded.Header("content-length"); value != "15" {
		t.Fatalf("expected content-length 15, got %q", value)
	}
	if string(decoded.Body) != `{"content":"x"}` {
		t.Fatalf("unexpected body %q", decoded.Body)
	}
}

func TestIsHeartbeat(t *testing.T) {
	t.Parallel()
	if !IsHeartbeat([]byte("\n")) || !IsHeartbeat([]byte("\r\n")) {
		t.Fatalf("expected EOL payloads to be heartbeats")
	}
	if IsHeartbeat([]byte("SEND\n\n\x00")) {
		t.Fatalf("frames are not heartbeats")
	}
}
