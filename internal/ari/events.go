package ari

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultStreamBackoff    = 1 * time.Second
	defaultStreamMaxBackoff = 30 * time.Second

	// dedupeWindow bounds the set of recently seen events kept for
	// reconnect deduplication.
	dedupeWindow = 256
)

// StreamOption is a functional option for configuring the EventStream.
type StreamOption func(*EventStream)

// WithStreamBackoff sets the initial reconnect backoff. Doubles per attempt
// up to max.
func WithStreamBackoff(initial, max time.Duration) StreamOption {
	return func(s *EventStream) {
		s.backoff = initial
		s.maxBackoff = max
	}
}

// EventStream is the long-lived subscription to the control plane's event
// WebSocket. It reconnects with bounded exponential backoff and
// deduplicates events replayed across reconnects.
//
// Consume events from Events; the channel closes when Run returns.
type EventStream struct {
	wsURL    string
	username string
	password string
	appName  string

	backoff    time.Duration
	maxBackoff time.Duration

	events chan Event
	log    *slog.Logger

	closeOnce sync.Once
	done      chan struct{}

	// seen is a bounded FIFO of event dedupe keys.
	seen     map[string]struct{}
	seenKeys []string
}

// NewEventStream creates an EventStream for the ARI events endpoint at
// wsURL (e.g. "ws://pbx:8088/ari/events").
func NewEventStream(wsURL, username, password, appName string, log *slog.Logger, opts ...StreamOption) (*EventStream, error) {
	if wsURL == "" {
		return nil, errors.New("ari: wsURL must not be empty")
	}
	if log == nil {
		log = slog.Default()
	}
	s := &EventStream{
		wsURL:      wsURL,
		username:   username,
		password:   password,
		appName:    appName,
		backoff:    defaultStreamBackoff,
		maxBackoff: defaultStreamMaxBackoff,
		events:     make(chan Event, 64),
		log:        log,
		done:       make(chan struct{}),
		seen:       make(map[string]struct{}, dedupeWindow),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Events returns the decoded event channel.
func (s *EventStream) Events() <-chan Event { return s.events }

// Close stops the stream. Safe to call multiple times.
func (s *EventStream) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Run connects and pumps events until ctx is cancelled or Close is called.
// Connection drops reconnect with exponential backoff; the backoff resets
// after a successful connect.
func (s *EventStream) Run(ctx context.Context) {
	defer close(s.events)

	backoff := s.backoff
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		err := s.readOnce(ctx)
		if err == nil {
			// Clean shutdown.
			return
		}
		if ctx.Err() != nil {
			return
		}

		s.log.Warn("event stream disconnected, reconnecting",
			"err", err,
			"backoff", backoff,
		)
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

// readOnce dials the stream and pumps events until the connection drops.
// A nil return means the stream was closed deliberately.
func (s *EventStream) readOnce(ctx context.Context) error {
	u, err := url.Parse(s.wsURL)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("app", s.appName)
	q.Set("subscribeAll", "false")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Basic "+basicAuth(s.username, s.password))

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	s.log.Info("event stream connected", "app", s.appName)

	// Close unblocks the pending Read by cancelling its context.
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-readCtx.Done():
		}
	}()

	for {
		_, msg, err := conn.Read(readCtx)
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
				return err
			}
		}

		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			s.log.Debug("discarding undecodable event", "err", err)
			continue
		}
		ev.Raw = msg

		if s.alreadySeen(&ev) {
			s.log.Debug("discarding duplicate event", "type", ev.Type, "timestamp", ev.Timestamp)
			continue
		}

		select {
		case s.events <- ev:
		case <-readCtx.Done():
			select {
			case <-s.done:
				return nil
			default:
				return readCtx.Err()
			}
		}
	}
}

// alreadySeen records the event's dedupe key and reports whether it was
// delivered before. The window is bounded FIFO.
func (s *EventStream) alreadySeen(ev *Event) bool {
	key := ev.dedupeKey()
	if _, ok := s.seen[key]; ok {
		return true
	}
	s.seen[key] = struct{}{}
	s.seenKeys = append(s.seenKeys, key)
	if len(s.seenKeys) > dedupeWindow {
		delete(s.seen, s.seenKeys[0])
		s.seenKeys = s.seenKeys[1:]
	}
	return false
}

func basicAuth(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}
