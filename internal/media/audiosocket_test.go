package media

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/trunkline-ai/trunkline/pkg/audio"
)

func TestAudioSocket_HeaderThenAudio(t *testing.T) {
	t.Parallel()

	type inbound struct {
		callID string
		data   []byte
	}
	got := make(chan inbound, 8)
	socketUUID := uuid.NewString()

	s, err := NewAudioSocketServer("127.0.0.1:0", 8000, audio.EncodingULaw,
		func(callID string, data []byte, rate int, enc audio.Encoding) {
			got <- inbound{callID, data}
		}, nil, nil)
	if err != nil {
		t.Fatalf("NewAudioSocketServer: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	s.Expect(socketUUID, "call-1")

	conn, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	header := "AUDIOSOCKET " + socketUUID + "\r\n\r\n"
	payload := []byte{0xFF, 0xFF, 0x00, 0x80}
	if _, err := conn.Write(append([]byte(header), payload...)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case in := <-got:
		if in.callID != "call-1" {
			t.Errorf("routed to %q, want call-1", in.callID)
		}
		if !bytes.Equal(in.data, payload) {
			t.Errorf("payload = %v, want %v", in.data, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("audio not delivered")
	}
}

func TestAudioSocket_OutboundBytes(t *testing.T) {
	t.Parallel()

	socketUUID := uuid.NewString()
	s, err := NewAudioSocketServer("127.0.0.1:0", 8000, audio.EncodingULaw,
		func(string, []byte, int, audio.Encoding) {}, nil, nil)
	if err != nil {
		t.Fatalf("NewAudioSocketServer: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	s.Expect(socketUUID, "call-1")

	conn, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("id: " + socketUUID + "\n\n")); err != nil {
		t.Fatalf("write header: %v", err)
	}

	// Wait for the binding, then send outbound.
	deadline := time.Now().Add(2 * time.Second)
	for !s.Send("call-1", []byte{1, 2, 3, 4}, audio.EncodingULaw) {
		if time.Now().After(deadline) {
			t.Fatal("call never bound")
		}
		time.Sleep(10 * time.Millisecond)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read outbound: %v", err)
	}
	if !bytes.Equal(buf[:n], []byte{1, 2, 3, 4}) {
		t.Errorf("outbound = %v", buf[:n])
	}
}

func TestAudioSocket_DisconnectNotifiesEngine(t *testing.T) {
	t.Parallel()

	socketUUID := uuid.NewString()
	dropped := make(chan string, 1)
	s, err := NewAudioSocketServer("127.0.0.1:0", 8000, audio.EncodingULaw,
		func(string, []byte, int, audio.Encoding) {},
		func(callID string) { dropped <- callID }, nil)
	if err != nil {
		t.Fatalf("NewAudioSocketServer: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	s.Expect(socketUUID, "call-1")

	conn, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Write([]byte(socketUUID + "\r\n\r\n"))
	time.Sleep(100 * time.Millisecond)
	conn.Close()

	select {
	case callID := <-dropped:
		if callID != "call-1" {
			t.Errorf("dropped %q, want call-1", callID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not reported")
	}
}

func TestSplitHeader_DelimiterAtBound(t *testing.T) {
	t.Parallel()

	// Delimiter's last byte lands exactly on the 2048-byte bound.
	buf := bytes.Repeat([]byte{'x'}, headerLimit-4)
	buf = append(buf, []byte("\r\n\r\naudio")...)
	header, rest, ok := splitHeader(buf)
	if !ok {
		t.Fatal("delimiter at bound not found")
	}
	if len(header) != headerLimit-4 {
		t.Errorf("header = %d bytes", len(header))
	}
	if string(rest) != "audio" {
		t.Errorf("rest = %q", rest)
	}
}

func TestSplitHeader_NoDelimiterWithinBound(t *testing.T) {
	t.Parallel()

	// Delimiter exists but past the bound: the stream has no header.
	buf := bytes.Repeat([]byte{'x'}, headerLimit)
	buf = append(buf, []byte("\r\n\r\n")...)
	if _, _, ok := splitHeader(buf); ok {
		t.Fatal("delimiter past the bound must not be honored")
	}
}

func TestFindUUID(t *testing.T) {
	t.Parallel()

	u := uuid.NewString()
	if got := findUUID([]byte("AUDIOSOCKET id: " + u + ";")); got != u {
		t.Errorf("findUUID = %q, want %q", got, u)
	}
	if got := findUUID([]byte("no uuid here")); got != "" {
		t.Errorf("findUUID = %q, want empty", got)
	}
}
