package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vanpelt/taskhub/internal/logger"
)

var (
	// ErrBackendUnavailable means the retry budget is spent. Callers turn it
	// into a 503 or an error event.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrClientGone means the downstream client stopped accepting bytes.
	ErrClientGone = errors.New("client disconnected")
)

// EmitFunc hands one relayed chunk to the downstream client.
type EmitFunc func(chunk []byte) error

// StreamerOptions configures a BackendStreamer.
type StreamerOptions struct {
	BackendURL     string
	ExternalURL    string
	MaxAttempts    int
	RetryDelay     time.Duration
	ConnectTimeout time.Duration
	// HealthyStreamAfter is how long data must keep flowing before the
	// reconnect counter resets. Zero resets on the first byte.
	HealthyStreamAfter time.Duration
}

// BackendStreamer keeps long-lived event streams to a restartable backend.
type BackendStreamer struct {
	opts   StreamerOptions
	client *http.Client
	health *BackendHealth
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
}

// NewBackendStreamer creates a streamer. The http client has no overall
// timeout since streams live for hours; ConnectTimeout bounds dialing and
// waiting for response headers.
func NewBackendStreamer(opts StreamerOptions, health *BackendHealth) *BackendStreamer {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 60 * time.Second
	}
	opts.BackendURL = strings.TrimRight(opts.BackendURL, "/")
	if health == nil {
		health = NewBackendHealth(opts.BackendURL)
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: opts.ConnectTimeout,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}

	return &BackendStreamer{
		opts:   opts,
		client: &http.Client{Transport: transport},
		health: health,
		sleep:  sleepContext,
		now:    time.Now,
	}
}

// Health returns the streamer's backend health record.
func (s *BackendStreamer) Health() *BackendHealth {
	return s.health
}

// Client returns the http client used for backend requests.
func (s *BackendStreamer) Client() *http.Client {
	return s.client
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// BackendSession is one downstream client's stream. It survives any number
// of upstream reconnects.
type BackendSession struct {
	ClientID  string
	Path      string
	RawQuery  string
	Header    http.Header
	StartedAt time.Time

	mu          sync.Mutex
	initial     *http.Response
	bytes       int64
	reconnects  int
	lastConnect time.Time
}

// BackendSessionStats is a copy of a session's counters.
type BackendSessionStats struct {
	ClientID      string    `json:"client_id"`
	StartedAt     time.Time `json:"started_at"`
	BytesRelayed  int64     `json:"bytes_relayed"`
	Reconnects    int       `json:"reconnects"`
	LastConnected time.Time `json:"last_connected"`
}

// NewBackendSession creates a session for one downstream client.
func NewBackendSession(path, rawQuery string, header http.Header) *BackendSession {
	return &BackendSession{
		ClientID:  uuid.New().String(),
		Path:      path,
		RawQuery:  rawQuery,
		Header:    header,
		StartedAt: time.Now().UTC(),
	}
}

// Stats returns the session counters.
func (bs *BackendSession) Stats() BackendSessionStats {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	return BackendSessionStats{
		ClientID:      bs.ClientID,
		StartedAt:     bs.StartedAt,
		BytesRelayed:  bs.bytes,
		Reconnects:    bs.reconnects,
		LastConnected: bs.lastConnect,
	}
}

// Release closes an upstream response that was opened but never streamed.
func (bs *BackendSession) Release() {
	if resp := bs.takeInitial(); resp != nil {
		_ = resp.Body.Close()
	}
}

func (bs *BackendSession) takeInitial() *http.Response {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	resp := bs.initial
	bs.initial = nil
	return resp
}

func (bs *BackendSession) record(n int64, connected time.Time) {
	bs.mu.Lock()
	bs.bytes += n
	if !connected.IsZero() {
		bs.lastConnect = connected
	}
	bs.mu.Unlock()
}

func (bs *BackendSession) restarted() {
	bs.mu.Lock()
	bs.reconnects++
	bs.mu.Unlock()
}

// StreamResult describes one upstream stream from connect to end.
type StreamResult struct {
	Bytes int64
	// Healthy is true when data kept flowing long enough to reset the
	// reconnect counter.
	Healthy bool
}

// Open creates a session and dials the backend once through the retry
// budget, so callers can fail with 503 before committing a response.
func (s *BackendStreamer) Open(ctx context.Context, path, rawQuery string, header http.Header) (*BackendSession, error) {
	session := NewBackendSession(path, rawQuery, header)
	resp, err := s.Dial(ctx, path, rawQuery, header)
	if err != nil {
		return nil, err
	}
	session.initial = resp
	return session, nil
}

// Dial opens a streamed GET to the backend, trying up to MaxAttempts times
// with RetryDelay between attempts. A non-2xx status counts as a failed
// attempt.
func (s *BackendStreamer) Dial(ctx context.Context, path, rawQuery string, header http.Header) (*http.Response, error) {
	target := s.backendURL(path, rawQuery)
	log := logger.Component("backend-stream").With().Str("backend", target).Logger()

	var lastErr error
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		resp, err := s.dialOnce(ctx, target, header)
		if err == nil {
			if attempt > 1 {
				log.Info().Int("attempt", attempt).Msg("🔗 backend stream connected after retry")
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		s.health.MarkUnreachable(err)
		log.Debug().Err(err).Int("attempt", attempt).Int("max", s.opts.MaxAttempts).Msg("backend stream attempt failed")

		if attempt < s.opts.MaxAttempts {
			if err := s.sleep(ctx, s.opts.RetryDelay); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("%w: %d connection attempts to %s failed: %v", ErrBackendUnavailable, s.opts.MaxAttempts, target, lastErr)
}

func (s *BackendStreamer) dialOnce(ctx context.Context, target string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	copyForwardHeaders(req.Header, header)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("backend answered %s", resp.Status)
	}
	return resp, nil
}

// ConnectWithRetryStream dials the backend and relays the stream to emit
// until it ends. A normal end of stream returns a nil error.
func (s *BackendStreamer) ConnectWithRetryStream(ctx context.Context, path, rawQuery string, header http.Header, emit EmitFunc) (StreamResult, error) {
	resp, err := s.Dial(ctx, path, rawQuery, header)
	if err != nil {
		return StreamResult{}, err
	}
	return s.relay(ctx, resp, emit)
}

// relay copies resp.Body to emit chunk by chunk, rewriting endpoint
// announcements on the way. An endpoint event split across reads is held
// back until its data line arrives.
func (s *BackendStreamer) relay(ctx context.Context, resp *http.Response, emit EmitFunc) (StreamResult, error) {
	defer resp.Body.Close()
	// the initial response may have been dialed under another context
	stop := context.AfterFunc(ctx, func() { _ = resp.Body.Close() })
	defer stop()

	var (
		result    StreamResult
		firstByte time.Time
		buf       = make([]byte, 32*1024)
		rewriter  = newEndpointRewriter(s.opts.BackendURL, s.opts.ExternalURL)
	)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if firstByte.IsZero() {
				firstByte = s.now()
				s.health.MarkReachable()
			}
			if chunk := rewriter.Write(buf[:n]); len(chunk) > 0 {
				if err := emit(chunk); err != nil {
					result.Healthy = s.healthy(firstByte)
					return result, fmt.Errorf("%w: %v", ErrClientGone, err)
				}
			}
			result.Bytes += int64(n)
		}

		if readErr != nil {
			result.Healthy = s.healthy(firstByte)
			if rest := rewriter.Flush(); len(rest) > 0 && ctx.Err() == nil {
				if err := emit(rest); err != nil {
					return result, fmt.Errorf("%w: %v", ErrClientGone, err)
				}
			}
			if errors.Is(readErr, io.EOF) {
				return result, nil
			}
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			return result, fmt.Errorf("backend stream interrupted: %w", readErr)
		}
	}
}

func (s *BackendStreamer) healthy(firstByte time.Time) bool {
	if firstByte.IsZero() {
		return false
	}
	return s.now().Sub(firstByte) >= s.opts.HealthyStreamAfter
}

// StreamFromBackend relays a session's stream for its whole lifetime. Every
// end of the upstream stream counts as the backend going away: after
// RetryDelay a new connect cycle starts. MaxAttempts consecutive restarts
// without a healthy stream in between abandon the session with
// ErrBackendUnavailable.
func (s *BackendStreamer) StreamFromBackend(ctx context.Context, session *BackendSession, emit EmitFunc) error {
	log := logger.Component("backend-stream").With().
		Str("client", session.ClientID).
		Str("backend", s.opts.BackendURL).
		Logger()

	restarts := 0
	for {
		connected := s.now()
		var (
			result StreamResult
			err    error
		)
		if resp := session.takeInitial(); resp != nil {
			result, err = s.relay(ctx, resp, emit)
		} else {
			result, err = s.ConnectWithRetryStream(ctx, session.Path, session.RawQuery, session.Header, emit)
		}
		session.record(result.Bytes, connected)

		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, ErrClientGone):
			log.Debug().Msg("client went away, ending backend stream")
			return err
		case errors.Is(err, ErrBackendUnavailable):
			log.Error().Err(err).Msg("❌ giving up on backend stream")
			return err
		}

		if result.Healthy {
			restarts = 0
		}
		restarts++
		session.restarted()
		if restarts >= s.opts.MaxAttempts {
			log.Error().Int("restarts", restarts).Msg("❌ backend stream keeps dropping, giving up")
			return fmt.Errorf("%w: stream restarted %d times without recovering", ErrBackendUnavailable, restarts)
		}

		s.logRestart(log, err, restarts, result)
		if err := s.sleep(ctx, s.opts.RetryDelay); err != nil {
			return err
		}
	}
}

func (s *BackendStreamer) logRestart(log zerolog.Logger, err error, restarts int, result StreamResult) {
	ev := log.Info()
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Int("restart", restarts).
		Int("max", s.opts.MaxAttempts).
		Int64("bytes", result.Bytes).
		Msg("🔄 backend stream ended, reconnecting")
}

func (s *BackendStreamer) backendURL(path, rawQuery string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	target := s.opts.BackendURL + path
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

// ForwardedResponse is the backend's answer to a forwarded message.
type ForwardedResponse struct {
	Status      int
	ContentType string
	Body        []byte
}

// ForwardMessage POSTs one client message to the backend. The query string
// and X-API-Key travel with it. Only connection failures are retried; any
// HTTP answer is returned as is, and an empty body becomes "{}".
func (s *BackendStreamer) ForwardMessage(ctx context.Context, path, rawQuery string, header http.Header, body []byte) (*ForwardedResponse, error) {
	target := s.backendURL(path, rawQuery)

	var lastErr error
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		copyForwardHeaders(req.Header, header)
		if req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := s.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			s.health.MarkUnreachable(err)
			logger.Debugf("forward to %s failed (attempt %d/%d): %v", target, attempt, s.opts.MaxAttempts, err)
			if attempt < s.opts.MaxAttempts {
				if err := s.sleep(ctx, s.opts.RetryDelay); err != nil {
					return nil, err
				}
			}
			continue
		}

		data, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read backend response: %w", err)
		}
		s.health.MarkReachable()

		out := &ForwardedResponse{
			Status:      resp.StatusCode,
			ContentType: resp.Header.Get("Content-Type"),
			Body:        data,
		}
		if len(bytes.TrimSpace(data)) == 0 {
			out.Body = []byte("{}")
			out.ContentType = "application/json"
		}
		if out.ContentType == "" {
			out.ContentType = "application/json"
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: forwarding to %s failed: %v", ErrBackendUnavailable, target, lastErr)
}

// forwardHeaders are the client headers the backend needs to see.
var forwardHeaders = []string{"X-API-Key", "Authorization", "Content-Type", "Mcp-Session-Id", "Last-Event-ID"}

func copyForwardHeaders(dst, src http.Header) {
	for _, name := range forwardHeaders {
		if v := src.Get(name); v != "" {
			dst.Set(name, v)
		}
	}
}

var endpointEvent = []byte("event: endpoint")

// RewriteEndpointAnnouncement points the callback URL of an "endpoint"
// event back at the proxy. The backend announces itself by its internal
// address, which downstream clients cannot reach. Chunks without an
// endpoint event are returned unchanged.
func RewriteEndpointAnnouncement(chunk []byte, backendURL, externalURL string) []byte {
	if externalURL == "" || !bytes.Contains(chunk, endpointEvent) {
		return chunk
	}

	lines := bytes.Split(chunk, []byte("\n"))
	inEndpoint := false
	changed := false
	for i, line := range lines {
		trimmed := bytes.TrimRight(line, "\r")
		switch {
		case len(trimmed) == 0:
			inEndpoint = false
		case bytes.HasPrefix(trimmed, []byte("event:")):
			inEndpoint = string(bytes.TrimSpace(trimmed[len("event:"):])) == "endpoint"
		case inEndpoint && bytes.HasPrefix(trimmed, []byte("data:")):
			value := string(bytes.TrimSpace(trimmed[len("data:"):]))
			rewritten := rebaseEndpoint(value, backendURL, externalURL)
			if rewritten == value {
				continue
			}
			cr := line[len(trimmed):]
			lines[i] = append([]byte("data: "+rewritten), cr...)
			changed = true
		}
	}
	if !changed {
		return chunk
	}
	return bytes.Join(lines, []byte("\n"))
}

// maxHeldEvent bounds how much of an unfinished endpoint event is held back.
const maxHeldEvent = 64 * 1024

// endpointRewriter runs RewriteEndpointAnnouncement over a stream whose
// reads may split an endpoint event from its data line. Output is released
// up to the last point where no endpoint event is open.
type endpointRewriter struct {
	backendURL  string
	externalURL string
	pending     []byte
}

func newEndpointRewriter(backendURL, externalURL string) *endpointRewriter {
	return &endpointRewriter{backendURL: backendURL, externalURL: externalURL}
}

// Write takes the next read and returns what can be sent on, rewritten.
func (r *endpointRewriter) Write(chunk []byte) []byte {
	if r.externalURL == "" {
		return chunk
	}
	data := chunk
	if len(r.pending) > 0 {
		data = append(r.pending, chunk...)
		r.pending = nil
	}

	cut := releasable(data)
	if len(data)-cut > maxHeldEvent {
		cut = len(data)
	}
	if cut < len(data) {
		r.pending = append([]byte(nil), data[cut:]...)
	}
	if cut == 0 {
		return nil
	}
	return RewriteEndpointAnnouncement(data[:cut], r.backendURL, r.externalURL)
}

// Flush returns whatever is still held back, for the end of a stream.
func (r *endpointRewriter) Flush() []byte {
	rest := r.pending
	r.pending = nil
	if len(rest) == 0 {
		return nil
	}
	return RewriteEndpointAnnouncement(rest, r.backendURL, r.externalURL)
}

// releasable returns how many leading bytes of data can be rewritten
// without waiting for more input: everything before an endpoint event that
// has no complete data line yet, or before a trailing partial event line.
func releasable(data []byte) int {
	var (
		blockStart int
		inEndpoint bool
		sawData    bool
		pos        int
	)
	for {
		nl := bytes.IndexByte(data[pos:], '\n')
		if nl < 0 {
			break
		}
		line := bytes.TrimRight(data[pos:pos+nl], "\r")
		next := pos + nl + 1
		switch {
		case len(line) == 0:
			blockStart, inEndpoint, sawData = next, false, false
		case bytes.HasPrefix(line, []byte("event:")):
			inEndpoint = string(bytes.TrimSpace(line[len("event:"):])) == "endpoint"
		case inEndpoint && bytes.HasPrefix(line, []byte("data:")):
			sawData = true
		}
		pos = next
	}

	if inEndpoint && !sawData {
		return blockStart
	}
	tail := data[pos:]
	if len(tail) > 0 && (bytes.HasPrefix(tail, []byte("event:")) || bytes.HasPrefix([]byte("event:"), tail)) {
		return pos
	}
	return len(data)
}

// rebaseEndpoint moves an announced URL onto externalURL. Relative paths
// and absolute URLs on the backend's host are rebased; anything else is
// left alone.
func rebaseEndpoint(value, backendURL, externalURL string) string {
	u, err := url.Parse(value)
	if err != nil || value == "" {
		return value
	}
	if u.IsAbs() {
		backend, err := url.Parse(backendURL)
		if err != nil || !sameHost(u, backend) {
			return value
		}
	} else if !strings.HasPrefix(u.Path, "/") {
		return value
	}

	rebased := strings.TrimRight(externalURL, "/") + u.EscapedPath()
	if u.RawQuery != "" {
		rebased += "?" + u.RawQuery
	}
	return rebased
}

func sameHost(a, b *url.URL) bool {
	if strings.EqualFold(a.Host, b.Host) {
		return true
	}
	isLocal := func(host string) bool {
		switch host {
		case "localhost", "127.0.0.1", "::1", "0.0.0.0":
			return true
		}
		return false
	}
	return a.Port() == b.Port() && isLocal(a.Hostname()) && isLocal(b.Hostname())
}
