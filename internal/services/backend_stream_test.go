package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chunkCollector struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *chunkCollector) emit(chunk []byte) error {
	c.mu.Lock()
	c.buf.Write(chunk)
	c.mu.Unlock()
	return nil
}

func (c *chunkCollector) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func newTestStreamer(backendURL string, maxAttempts int) *BackendStreamer {
	s := NewBackendStreamer(StreamerOptions{
		BackendURL:     backendURL,
		ExternalURL:    "http://proxy.example",
		MaxAttempts:    maxAttempts,
		RetryDelay:     time.Millisecond,
		ConnectTimeout: 5 * time.Second,
	}, nil)
	return s
}

func closedServerURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	return url
}

func TestStreamFromBackend_SurvivesRepeatedDrops(t *testing.T) {
	const drops = 3
	var requests atomic.Int32

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if n <= drops {
			fmt.Fprintf(w, "data: part-%d\n\n", n)
			return
		}
		fmt.Fprint(w, "event: message\ndata: final\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer backend.Close()

	streamer := newTestStreamer(backend.URL, drops)
	session := NewBackendSession("/mcp/sse", "", http.Header{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out chunkCollector
	emit := func(chunk []byte) error {
		_ = out.emit(chunk)
		if strings.Contains(out.String(), "final") {
			cancel()
		}
		return nil
	}

	err := streamer.StreamFromBackend(ctx, session, emit)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrBackendUnavailable)

	for i := 1; i <= drops; i++ {
		assert.Contains(t, out.String(), fmt.Sprintf("data: part-%d\n\n", i))
	}
	assert.Contains(t, out.String(), "data: final")

	stats := session.Stats()
	assert.Equal(t, drops, stats.Reconnects)
	assert.Equal(t, int64(len(out.String())), stats.BytesRelayed)
	assert.True(t, streamer.Health().Status().Reachable)
}

func TestStreamFromBackend_NeverReachable(t *testing.T) {
	var requests atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "starting up", http.StatusBadGateway)
	}))
	defer backend.Close()

	streamer := newTestStreamer(backend.URL, 3)
	session := NewBackendSession("/mcp/sse", "", nil)

	var emitted atomic.Int32
	err := streamer.StreamFromBackend(context.Background(), session, func([]byte) error {
		emitted.Add(1)
		return nil
	})

	require.ErrorIs(t, err, ErrBackendUnavailable)
	assert.Equal(t, int32(3), requests.Load())
	assert.Zero(t, emitted.Load())

	status := streamer.Health().Status()
	assert.False(t, status.Reachable)
	assert.Contains(t, status.LastError, "502")
}

func TestStreamFromBackend_EmptyStreamsExhaustBudget(t *testing.T) {
	var requests atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	streamer := newTestStreamer(backend.URL, 4)
	session := NewBackendSession("/mcp/sse", "", nil)

	err := streamer.StreamFromBackend(context.Background(), session, func([]byte) error { return nil })
	require.ErrorIs(t, err, ErrBackendUnavailable)
	assert.Equal(t, int32(4), requests.Load())
	assert.Equal(t, 4, session.Stats().Reconnects)
}

func TestStreamFromBackend_HealthyStreamAfter(t *testing.T) {
	var requests atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ":\n\n")
	}))
	defer backend.Close()

	streamer := newTestStreamer(backend.URL, 3)
	streamer.opts.HealthyStreamAfter = time.Hour
	session := NewBackendSession("/mcp/sse", "", nil)

	err := streamer.StreamFromBackend(context.Background(), session, func([]byte) error { return nil })
	require.ErrorIs(t, err, ErrBackendUnavailable, "a byte then a drop does not reset the counter")
	assert.Equal(t, int32(3), requests.Load())
}

func TestStreamFromBackend_ClientGone(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: hello\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer backend.Close()

	streamer := newTestStreamer(backend.URL, 3)
	session := NewBackendSession("/mcp/sse", "", nil)

	err := streamer.StreamFromBackend(context.Background(), session, func([]byte) error {
		return io.ErrClosedPipe
	})
	assert.ErrorIs(t, err, ErrClientGone)
}

func TestBackendStreamer_DialRetriesThenConnects(t *testing.T) {
	var requests atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		assert.Equal(t, "a=1", r.URL.RawQuery)
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	streamer := newTestStreamer(backend.URL, 5)
	header := http.Header{}
	header.Set("X-API-Key", "secret")

	resp, err := streamer.Dial(context.Background(), "/mcp/sse", "a=1", header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, int32(3), requests.Load())
}

func TestBackendStreamer_OpenDeadBackend(t *testing.T) {
	streamer := newTestStreamer(closedServerURL(t), 2)

	session, err := streamer.Open(context.Background(), "/mcp/sse", "", nil)
	assert.Nil(t, session)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestBackendStreamer_OpenUsesInitialResponse(t *testing.T) {
	var requests atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "event: endpoint\ndata: /mcp/messages/?session_id=s1\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer backend.Close()

	streamer := newTestStreamer(backend.URL, 3)
	session, err := streamer.Open(context.Background(), "/mcp/sse", "", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var out chunkCollector
	err = streamer.StreamFromBackend(ctx, session, func(chunk []byte) error {
		_ = out.emit(chunk)
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), requests.Load())
	assert.Equal(t, "event: endpoint\ndata: http://proxy.example/mcp/messages/?session_id=s1\n\n", out.String())
}

func TestRewriteEndpointAnnouncement(t *testing.T) {
	const (
		backendURL  = "http://localhost:8000"
		externalURL = "https://mcp.example.com"
	)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "relative path",
			in:   "event: endpoint\ndata: /mcp/messages/?session_id=abc\n\n",
			want: "event: endpoint\ndata: https://mcp.example.com/mcp/messages/?session_id=abc\n\n",
		},
		{
			name: "absolute backend url",
			in:   "event: endpoint\ndata: http://127.0.0.1:8000/mcp/messages/?session_id=abc\n\n",
			want: "event: endpoint\ndata: https://mcp.example.com/mcp/messages/?session_id=abc\n\n",
		},
		{
			name: "crlf line endings",
			in:   "event: endpoint\r\ndata: /mcp/messages/?session_id=abc\r\n\r\n",
			want: "event: endpoint\r\ndata: https://mcp.example.com/mcp/messages/?session_id=abc\r\n\r\n",
		},
		{
			name: "only the endpoint event is touched",
			in:   "event: message\ndata: /mcp/messages/\n\nevent: endpoint\ndata: /mcp/messages/?session_id=x\n\n",
			want: "event: message\ndata: /mcp/messages/\n\nevent: endpoint\ndata: https://mcp.example.com/mcp/messages/?session_id=x\n\n",
		},
		{
			name: "foreign host is left alone",
			in:   "event: endpoint\ndata: https://other.example.com/messages\n\n",
			want: "event: endpoint\ndata: https://other.example.com/messages\n\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RewriteEndpointAnnouncement([]byte(tt.in), backendURL, externalURL)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestRewriteEndpointAnnouncement_PassthroughIsByteForByte(t *testing.T) {
	chunks := [][]byte{
		[]byte("event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":1}\n\n"),
		[]byte("data: http://localhost:8000/mcp/messages/\r\n\r\n"),
		{0xff, 0x00, '\n', 0x1e},
		{},
	}
	for _, chunk := range chunks {
		got := RewriteEndpointAnnouncement(chunk, "http://localhost:8000", "https://mcp.example.com")
		assert.Equal(t, chunk, got)
	}
}

func TestForwardMessage_EmptyAcceptedBody(t *testing.T) {
	var got struct {
		path, query, apiKey, body string
	}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		got.path, got.query, got.apiKey, got.body = r.URL.Path, r.URL.RawQuery, r.Header.Get("X-API-Key"), string(data)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer backend.Close()

	streamer := newTestStreamer(backend.URL, 3)
	header := http.Header{}
	header.Set("X-API-Key", "k1")

	resp, err := streamer.ForwardMessage(context.Background(), "/mcp/messages/foo", "x=1", header, []byte(`{"jsonrpc":"2.0"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.Status)
	assert.Equal(t, "{}", string(resp.Body))
	assert.Equal(t, "application/json", resp.ContentType)

	assert.Equal(t, "/mcp/messages/foo", got.path)
	assert.Equal(t, "x=1", got.query)
	assert.Equal(t, "k1", got.apiKey)
	assert.Equal(t, `{"jsonrpc":"2.0"}`, got.body)
}

func TestForwardMessage_ErrorStatusIsNotRetried(t *testing.T) {
	var requests atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"unknown session"}`)
	}))
	defer backend.Close()

	streamer := newTestStreamer(backend.URL, 3)
	resp, err := streamer.ForwardMessage(context.Background(), "/mcp/messages/", "", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.JSONEq(t, `{"error":"unknown session"}`, string(resp.Body))
	assert.Equal(t, int32(1), requests.Load())
}

func TestForwardMessage_ConnectionFailure(t *testing.T) {
	streamer := newTestStreamer(closedServerURL(t), 2)

	_, err := streamer.ForwardMessage(context.Background(), "/mcp/messages/", "", nil, []byte("{}"))
	assert.True(t, errors.Is(err, ErrBackendUnavailable))
	assert.False(t, streamer.Health().Status().Reachable)
}

func TestEndpointRewriter_AnySplit(t *testing.T) {
	const (
		backendURL  = "http://localhost:8000"
		externalURL = "https://mcp.example.com"
		in          = ": hello\n\nevent: endpoint\r\ndata: /mcp/messages/?session_id=abc\r\n\r\nevent: message\ndata: {\"id\":1}\n\ndata: tail"
	)
	want := string(RewriteEndpointAnnouncement([]byte(in), backendURL, externalURL))
	require.Contains(t, want, "https://mcp.example.com/mcp/messages/?session_id=abc")

	for i := 0; i <= len(in); i++ {
		for j := i; j <= len(in); j++ {
			r := newEndpointRewriter(backendURL, externalURL)
			var out bytes.Buffer
			out.Write(r.Write([]byte(in[:i])))
			out.Write(r.Write([]byte(in[i:j])))
			out.Write(r.Write([]byte(in[j:])))
			out.Write(r.Flush())
			require.Equal(t, want, out.String(), "split at %d/%d", i, j)
		}
	}
}

func TestEndpointRewriter_HoldsOnlyOpenEndpointEvents(t *testing.T) {
	r := newEndpointRewriter("http://localhost:8000", "https://mcp.example.com")

	assert.Equal(t, "data: {\"id\":1}\n\n", string(r.Write([]byte("data: {\"id\":1}\n\n"))))
	assert.Empty(t, r.Write([]byte("event: endpoint\n")))
	assert.Equal(t, "event: endpoint\ndata: https://mcp.example.com/x\n",
		string(r.Write([]byte("data: /x\n"))))
	assert.Equal(t, "\n", string(r.Write([]byte("\n"))))
	assert.Empty(t, r.Flush())

	// an oversized open event is released as is
	big := append([]byte("event: endpoint\n"), bytes.Repeat([]byte("x"), maxHeldEvent+1)...)
	assert.Len(t, r.Write(big), len(big))
}

func TestStreamFromBackend_EndpointSplitAcrossReads(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "event: endpoint\n")
		w.(http.Flusher).Flush()
		time.Sleep(50 * time.Millisecond)
		fmt.Fprint(w, "data: /mcp/messages/?session_id=s1\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer backend.Close()

	streamer := newTestStreamer(backend.URL, 3)
	session := NewBackendSession("/mcp/sse", "", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out chunkCollector
	err := streamer.StreamFromBackend(ctx, session, func(chunk []byte) error {
		_ = out.emit(chunk)
		if strings.HasSuffix(out.String(), "\n\n") {
			cancel()
		}
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "event: endpoint\ndata: http://proxy.example/mcp/messages/?session_id=s1\n\n", out.String())
}
