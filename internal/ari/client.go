// Package ari is the Asterisk REST Interface client: request/response
// commands over HTTP plus the long-lived event stream over WebSocket.
// Transient HTTP failures are retried with bounded exponential backoff;
// exhausted retries surface to the caller, which treats the call as failed.
package ari

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ErrNotFound is returned when the control plane reports 404 for a resource
// the caller addressed. Hangup treats it as success; everything else
// surfaces it.
var ErrNotFound = errors.New("ari: not found")

const (
	defaultMaxRetries = 3
	defaultBackoff    = 250 * time.Millisecond
	defaultTimeout    = 10 * time.Second
)

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMaxRetries sets the number of attempts for transient failures.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithBackoff sets the initial retry backoff. Doubles each attempt.
func WithBackoff(d time.Duration) Option {
	return func(c *Client) { c.backoff = d }
}

// Client issues ARI commands. It is shared by all calls; requests are
// independent and safe for concurrent use.
type Client struct {
	baseURL  string
	username string
	password string
	appName  string

	http       *http.Client
	maxRetries int
	backoff    time.Duration
}

// New creates a Client for the ARI endpoint at baseURL (e.g.
// "http://pbx:8088/ari"). appName is the Stasis application the engine
// registered in the dialplan.
func New(baseURL, username, password, appName string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("ari: baseURL must not be empty")
	}
	if appName == "" {
		return nil, errors.New("ari: appName must not be empty")
	}
	c := &Client{
		baseURL:    baseURL,
		username:   username,
		password:   password,
		appName:    appName,
		http:       &http.Client{Timeout: defaultTimeout},
		maxRetries: defaultMaxRetries,
		backoff:    defaultBackoff,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// AppName returns the Stasis application name the client was built with.
func (c *Client) AppName() string { return c.appName }

// Info checks control-plane reachability. Used by readiness probes and the
// startup connectivity check.
func (c *Client) Info(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/asterisk/info", nil, nil, nil)
}

// Answer answers the channel. Answering an already-up channel succeeds.
func (c *Client) Answer(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/answer", nil, nil, nil)
}

// Hangup hangs up the channel. A channel the control plane no longer knows
// is treated as already hung up.
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	err := c.do(ctx, http.MethodDelete, "/channels/"+url.PathEscape(channelID), nil, nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// PlayOnChannel starts playback of mediaURI on the channel under the given
// playback ID.
func (c *Client) PlayOnChannel(ctx context.Context, channelID, mediaURI, playbackID string) error {
	q := url.Values{"media": {mediaURI}, "playbackId": {playbackID}}
	return c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/play", q, nil, nil)
}

// PlayOnBridge starts playback of mediaURI on the bridge under the given
// playback ID.
func (c *Client) PlayOnBridge(ctx context.Context, bridgeID, mediaURI, playbackID string) error {
	q := url.Values{"media": {mediaURI}, "playbackId": {playbackID}}
	return c.do(ctx, http.MethodPost, "/bridges/"+url.PathEscape(bridgeID)+"/play", q, nil, nil)
}

// StopPlayback stops a running playback. Missing playbacks are treated as
// already finished.
func (c *Client) StopPlayback(ctx context.Context, playbackID string) error {
	err := c.do(ctx, http.MethodDelete, "/playbacks/"+url.PathEscape(playbackID), nil, nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// CreateBridge creates a mixing bridge.
func (c *Client) CreateBridge(ctx context.Context) (Bridge, error) {
	var b Bridge
	q := url.Values{"type": {"mixing"}}
	err := c.do(ctx, http.MethodPost, "/bridges", q, nil, &b)
	return b, err
}

// AddChannelToBridge adds the channel to the bridge.
func (c *Client) AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error {
	q := url.Values{"channel": {channelID}}
	return c.do(ctx, http.MethodPost, "/bridges/"+url.PathEscape(bridgeID)+"/addChannel", q, nil, nil)
}

// DestroyBridge destroys the bridge. Missing bridges are treated as
// already destroyed.
func (c *Client) DestroyBridge(ctx context.Context, bridgeID string) error {
	err := c.do(ctx, http.MethodDelete, "/bridges/"+url.PathEscape(bridgeID), nil, nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// CreateExternalMedia creates an external media channel that sends the
// bridge's audio to externalHost ("ip:port") over RTP in the given format
// (e.g. "ulaw"). The returned channel's vars expose the PBX's local RTP
// port as UNICASTRTP_LOCAL_PORT.
func (c *Client) CreateExternalMedia(ctx context.Context, externalHost, format string) (Channel, error) {
	var ch Channel
	q := url.Values{
		"app":           {c.appName},
		"external_host": {externalHost},
		"format":        {format},
	}
	err := c.do(ctx, http.MethodPost, "/channels/externalMedia", q, nil, &ch)
	return ch, err
}

// OriginateAudioSocket dials an AudioSocket channel toward addr
// ("host:port") correlated by the given UUID, landing it in our Stasis app.
func (c *Client) OriginateAudioSocket(ctx context.Context, addr, socketUUID string) (Channel, error) {
	var ch Channel
	q := url.Values{
		"endpoint": {fmt.Sprintf("AudioSocket/%s/%s", addr, socketUUID)},
		"app":      {c.appName},
	}
	err := c.do(ctx, http.MethodPost, "/channels", q, nil, &ch)
	return ch, err
}

// Snoop creates a spy channel receiving the target channel's inbound audio.
func (c *Client) Snoop(ctx context.Context, channelID string) (Channel, error) {
	var ch Channel
	q := url.Values{"spy": {"in"}, "app": {c.appName}}
	err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/snoop", q, nil, &ch)
	return ch, err
}

// GetChannelVar reads a channel variable. Missing variables return
// ErrNotFound.
func (c *Client) GetChannelVar(ctx context.Context, channelID, name string) (string, error) {
	var out struct {
		Value string `json:"value"`
	}
	q := url.Values{"variable": {name}}
	err := c.do(ctx, http.MethodGet, "/channels/"+url.PathEscape(channelID)+"/variable", q, nil, &out)
	return out.Value, err
}

// ListChannels returns every channel the control plane tracks.
func (c *Client) ListChannels(ctx context.Context) ([]Channel, error) {
	var chans []Channel
	err := c.do(ctx, http.MethodGet, "/channels", nil, nil, &chans)
	return chans, err
}

// ListBridges returns every bridge the control plane tracks.
func (c *Client) ListBridges(ctx context.Context) ([]Bridge, error) {
	var bridges []Bridge
	err := c.do(ctx, http.MethodGet, "/bridges", nil, nil, &bridges)
	return bridges, err
}

// do issues one request with retries. 5xx responses and transport errors
// retry with exponential backoff; 4xx responses fail immediately, with 404
// mapped to ErrNotFound. A non-nil out decodes the response body as JSON.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("ari: encode request: %w", err)
		}
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	backoff := c.backoff
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, reader)
		if err != nil {
			return fmt.Errorf("ari: build request: %w", err)
		}
		req.SetBasicAuth(c.username, c.password)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
		} else {
			lastErr = c.handleResponse(resp, out)
			var transient *transientError
			if lastErr == nil || !errors.As(lastErr, &transient) {
				return lastErr
			}
		}

		if attempt == c.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("ari: %s %s after %d attempts: %w", method, path, c.maxRetries, lastErr)
}

// transientError marks a failure worth retrying.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func (c *Client) handleResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &transientError{fmt.Errorf("ari: status %d: %s", resp.StatusCode, bytes.TrimSpace(b))}
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return ErrNotFound
	case resp.StatusCode >= 400:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("ari: status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ari: decode response: %w", err)
	}
	return nil
}

// RTPLocalPort extracts the PBX-side RTP port from an externalMedia
// channel's vars.
func RTPLocalPort(ch Channel) (int, error) {
	v, ok := ch.ChannelVars["UNICASTRTP_LOCAL_PORT"]
	if !ok || v == "" {
		return 0, errors.New("ari: channel has no UNICASTRTP_LOCAL_PORT var")
	}
	port, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("ari: parse UNICASTRTP_LOCAL_PORT: %w", err)
	}
	return port, nil
}
