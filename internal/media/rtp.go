package media

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/pion/rtp"

	"github.com/trunkline-ai/trunkline/pkg/audio"
)

// RTP payload types for the G.711 encodings (RFC 3551).
const (
	payloadTypeULaw = 0
	payloadTypeALaw = 8
)

// packetizer is the per-call outbound RTP state. Sequence advances by 1
// mod 2^16 per packet; timestamp advances by the payload's sample count
// mod 2^32.
type packetizer struct {
	remote *net.UDPAddr
	ssrc   uint32
	seq    uint16
	ts     uint32
}

// RTPTransport is the RTP-over-UDP media transport. One UDP socket serves
// all calls; inbound packets are routed to their call by source address,
// outbound packets are built by a per-call packetizer.
type RTPTransport struct {
	conn    *net.UDPConn
	handler InboundHandler
	log     *slog.Logger

	// sampleRate and encoding describe the negotiated PBX media format.
	sampleRate int
	encoding   audio.Encoding

	mu       sync.RWMutex
	byCall   map[string]*packetizer
	byRemote map[string]string // "ip:port" → call ID

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewRTPTransport binds a UDP socket on an ephemeral port of host and
// starts the inbound read loop. handler receives routed inbound payloads.
func NewRTPTransport(host string, sampleRate int, enc audio.Encoding, handler InboundHandler, log *slog.Logger) (*RTPTransport, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(host)})
	if err != nil {
		return nil, fmt.Errorf("media: bind rtp socket: %w", err)
	}

	t := &RTPTransport{
		conn:       conn,
		handler:    handler,
		log:        log,
		sampleRate: sampleRate,
		encoding:   enc,
		byCall:     make(map[string]*packetizer),
		byRemote:   make(map[string]string),
		done:       make(chan struct{}),
	}
	t.wg.Add(1)
	go t.readLoop()

	log.Info("rtp transport listening", "addr", conn.LocalAddr().String())
	return t, nil
}

// LocalPort returns the bound UDP port, advertised to the PBX as the
// external media destination.
func (t *RTPTransport) LocalPort() int {
	return t.conn.LocalAddr().(*net.UDPAddr).Port
}

// Bind registers the call's remote RTP endpoint. Inbound packets from that
// endpoint route to the call; outbound packets go to it. The packetizer
// starts with random sequence, timestamp, and SSRC.
func (t *RTPTransport) Bind(callID, remoteAddr string) error {
	raddr, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return fmt.Errorf("media: resolve %q: %w", remoteAddr, err)
	}

	var seed [10]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return fmt.Errorf("media: seed packetizer: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.byCall[callID] = &packetizer{
		remote: raddr,
		ssrc:   binary.BigEndian.Uint32(seed[0:4]),
		seq:    binary.BigEndian.Uint16(seed[4:6]),
		ts:     binary.BigEndian.Uint32(seed[6:10]),
	}
	t.byRemote[raddr.String()] = callID
	return nil
}

// Send packetizes and sends one frame toward the PBX. The encoding must be
// a 1-byte-per-sample G.711 variant; PCM16 callers transcode first.
func (t *RTPTransport) Send(callID string, data []byte, enc audio.Encoding) bool {
	t.mu.Lock()
	p, ok := t.byCall[callID]
	if !ok {
		t.mu.Unlock()
		return false
	}

	pt := uint8(payloadTypeULaw)
	if enc == audio.EncodingALaw {
		pt = payloadTypeALaw
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    pt,
			SequenceNumber: p.seq,
			Timestamp:      p.ts,
			SSRC:           p.ssrc,
		},
		Payload: data,
	}
	p.seq++
	p.ts += uint32(len(data) / enc.BytesPerSample())
	remote := p.remote
	t.mu.Unlock()

	buf, err := pkt.Marshal()
	if err != nil {
		t.log.Error("marshal rtp packet", "call_id", callID, "err", err)
		return false
	}
	if _, err := t.conn.WriteToUDP(buf, remote); err != nil {
		t.log.Warn("send rtp packet", "call_id", callID, "err", err)
		return false
	}
	return true
}

// Unbind drops the call's binding.
func (t *RTPTransport) Unbind(callID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.byCall[callID]; ok {
		delete(t.byRemote, p.remote.String())
		delete(t.byCall, callID)
	}
}

// Close stops the read loop and closes the socket.
func (t *RTPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.conn.Close()
		t.wg.Wait()
	})
	return err
}

// readLoop receives, parses, and routes inbound RTP.
func (t *RTPTransport) readLoop() {
	defer t.wg.Done()

	buf := make([]byte, 2048)
	for {
		n, raddr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				t.log.Warn("rtp read", "err", err)
				return
			}
		}

		t.mu.RLock()
		callID, ok := t.byRemote[raddr.String()]
		t.mu.RUnlock()
		if !ok {
			t.log.Debug("rtp packet from unknown endpoint", "addr", raddr.String())
			continue
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			t.log.Debug("undecodable rtp packet", "call_id", callID, "err", err)
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		payload := make([]byte, len(pkt.Payload))
		copy(payload, pkt.Payload)

		enc := t.encoding
		switch pkt.PayloadType {
		case payloadTypeULaw:
			enc = audio.EncodingULaw
		case payloadTypeALaw:
			enc = audio.EncodingALaw
		}
		t.handler(callID, payload, t.sampleRate, enc)
	}
}
