package media

import (
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/trunkline-ai/trunkline/pkg/audio"
)

// headerLimit bounds the protocol header scan. If no terminator appears
// within this many bytes, the whole stream is treated as audio.
const headerLimit = 2048

// asConn is one accepted AudioSocket connection.
type asConn struct {
	id         string
	socketUUID string
	conn       net.Conn

	mu     sync.Mutex
	callID string
}

// AudioSocketServer is the framed-TCP media transport. The dialplan dials
// each call into it with a correlation UUID; the engine registers the
// expected UUID before originating, and the server binds the connection to
// its call when it arrives.
type AudioSocketServer struct {
	ln      net.Listener
	handler InboundHandler
	log     *slog.Logger

	// sampleRate and encoding describe the negotiated stream format.
	sampleRate int
	encoding   audio.Encoding

	// onDisconnect fires when a bound connection drops, so the engine can
	// tear the call down.
	onDisconnect func(callID string)

	mu       sync.Mutex
	conns    map[string]*asConn // connection ID → conn
	byCall   map[string]*asConn
	expected map[string]string // socket UUID → call ID

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewAudioSocketServer listens on addr and starts accepting connections.
func NewAudioSocketServer(addr string, sampleRate int, enc audio.Encoding, handler InboundHandler, onDisconnect func(callID string), log *slog.Logger) (*AudioSocketServer, error) {
	if log == nil {
		log = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("media: listen audiosocket: %w", err)
	}

	s := &AudioSocketServer{
		ln:           ln,
		handler:      handler,
		log:          log,
		sampleRate:   sampleRate,
		encoding:     enc,
		onDisconnect: onDisconnect,
		conns:        make(map[string]*asConn),
		byCall:       make(map[string]*asConn),
		expected:     make(map[string]string),
		done:         make(chan struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()

	log.Info("audiosocket transport listening", "addr", ln.Addr().String())
	return s, nil
}

// Addr returns the listen address, advertised to the dialplan.
func (s *AudioSocketServer) Addr() string {
	return s.ln.Addr().String()
}

// Expect registers the correlation UUID the next originate will carry, so
// the arriving connection binds to callID.
func (s *AudioSocketServer) Expect(socketUUID, callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expected[socketUUID] = callID
}

// Send writes raw audio bytes to the call's connection.
func (s *AudioSocketServer) Send(callID string, data []byte, _ audio.Encoding) bool {
	s.mu.Lock()
	c, ok := s.byCall[callID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	if _, err := c.conn.Write(data); err != nil {
		s.log.Warn("audiosocket write", "call_id", callID, "err", err)
		return false
	}
	return true
}

// Unbind drops the call's binding and closes its connection.
func (s *AudioSocketServer) Unbind(callID string) {
	s.mu.Lock()
	c, ok := s.byCall[callID]
	if ok {
		delete(s.byCall, callID)
		delete(s.conns, c.id)
	}
	s.mu.Unlock()
	if ok {
		c.conn.Close()
	}
}

// Close stops the listener and closes every connection.
func (s *AudioSocketServer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ln.Close()

		s.mu.Lock()
		conns := make([]*asConn, 0, len(s.conns))
		for _, c := range s.conns {
			conns = append(conns, c)
		}
		s.conns = map[string]*asConn{}
		s.byCall = map[string]*asConn{}
		s.mu.Unlock()

		for _, c := range conns {
			c.conn.Close()
		}
		s.wg.Wait()
	})
	return err
}

func (s *AudioSocketServer) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				s.log.Warn("audiosocket accept", "err", err)
				return
			}
		}
		c := &asConn{id: uuid.NewString(), conn: conn}
		s.mu.Lock()
		s.conns[c.id] = c
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(c)
	}
}

// serveConn consumes the protocol header, binds the connection to its call,
// and pumps the remaining bytes as audio.
func (s *AudioSocketServer) serveConn(c *asConn) {
	defer s.wg.Done()
	defer s.dropConn(c)

	audioTail, socketUUID, err := readHeader(c.conn)
	if err != nil {
		s.log.Debug("audiosocket header read", "conn_id", c.id, "err", err)
		return
	}
	c.socketUUID = socketUUID

	s.mu.Lock()
	if callID, ok := s.expected[socketUUID]; ok && socketUUID != "" {
		delete(s.expected, socketUUID)
		c.callID = callID
		s.byCall[callID] = c
	}
	s.mu.Unlock()

	if c.callID == "" {
		s.log.Warn("audiosocket connection without known correlation",
			"conn_id", c.id, "socket_uuid", socketUUID)
	} else {
		s.log.Info("audiosocket connection bound",
			"conn_id", c.id, "call_id", c.callID, "socket_uuid", socketUUID)
	}

	if len(audioTail) > 0 {
		s.dispatch(c, audioTail)
	}

	buf := make([]byte, 1024)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.dispatch(c, chunk)
		}
		if err != nil {
			return
		}
	}
}

func (s *AudioSocketServer) dispatch(c *asConn, data []byte) {
	c.mu.Lock()
	callID := c.callID
	c.mu.Unlock()
	if callID == "" {
		return
	}
	s.handler(callID, data, s.sampleRate, s.encoding)
}

// dropConn removes the connection's bindings and notifies the engine when
// a bound call loses its media stream.
func (s *AudioSocketServer) dropConn(c *asConn) {
	c.conn.Close()

	s.mu.Lock()
	delete(s.conns, c.id)
	callID := c.callID
	if callID != "" && s.byCall[callID] == c {
		delete(s.byCall, callID)
	} else {
		callID = ""
	}
	s.mu.Unlock()

	if callID != "" && s.onDisconnect != nil {
		s.onDisconnect(callID)
	}
}

// readHeader consumes the text protocol header terminated by a double line
// break and returns any audio bytes read past it, plus the correlation
// UUID found in the header. A stream with no terminator within the first
// 2048 bytes is treated entirely as audio.
func readHeader(conn net.Conn) (audioTail []byte, socketUUID string, err error) {
	buf := make([]byte, 0, headerLimit)
	chunk := make([]byte, 256)

	for len(buf) < headerLimit {
		n, rerr := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if header, rest, ok := splitHeader(buf); ok {
				return rest, findUUID(header), nil
			}
		}
		if rerr != nil {
			// Short stream with no terminator: all audio.
			return buf, "", nil
		}
	}
	// Bound exceeded: the stream carries no header.
	return buf, "", nil
}

// splitHeader finds the first double line break within the header bound.
func splitHeader(buf []byte) (header, rest []byte, ok bool) {
	limit := len(buf)
	if limit > headerLimit {
		limit = headerLimit
	}
	for _, delim := range [][]byte{[]byte("\r\n\r\n"), []byte("\n\n")} {
		if i := bytes.Index(buf[:limit], delim); i >= 0 {
			return buf[:i], buf[i+len(delim):], true
		}
	}
	return nil, nil, false
}

// findUUID returns the first token of the header that parses as a UUID.
func findUUID(header []byte) string {
	for _, field := range bytes.Fields(header) {
		tok := bytes.Trim(field, ":;,\"'")
		if u, err := uuid.Parse(string(tok)); err == nil {
			return u.String()
		}
	}
	return ""
}
