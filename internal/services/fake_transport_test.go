package services

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/vanpelt/taskhub/internal/signalr"
)

var errTransportClosed = errors.New("transport closed")

type controlFrame struct {
	messageType int
	code        int
	reason      string
}

// fakeTransport is an in-memory websocket. Tests push client frames into
// reads and inspect what the hub wrote.
type fakeTransport struct {
	mu       sync.Mutex
	writes   [][]byte
	controls []controlFrame
	failing  bool
	gate     chan struct{} // when set, writes wait until it is closed
	waiting  int

	reads     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		reads:  make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.reads:
		return textMessage, data, nil
	case <-f.closed:
		return 0, nil, errTransportClosed
	}
}

func (f *fakeTransport) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	gate := f.gate
	if gate != nil {
		f.waiting++
		f.mu.Unlock()
		<-gate
		f.mu.Lock()
		f.waiting--
	}
	defer f.mu.Unlock()

	if f.failing {
		return errors.New("broken pipe")
	}
	select {
	case <-f.closed:
		return errTransportClosed
	default:
	}
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) WriteControl(messageType int, data []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cf := controlFrame{messageType: messageType}
	if len(data) >= 2 {
		cf.code = int(binary.BigEndian.Uint16(data))
		cf.reason = string(data[2:])
	}
	f.controls = append(f.controls, cf)
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) send(s string) {
	f.reads <- []byte(s)
}

func (f *fakeTransport) fail() {
	f.mu.Lock()
	f.failing = true
	f.mu.Unlock()
}

// hold makes writes block until release is called.
func (f *fakeTransport) hold() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(gate)
			f.mu.Lock()
			f.gate = nil
			f.mu.Unlock()
		})
	}
}

func (f *fakeTransport) blockedWrites() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waiting
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([][]byte, len(f.writes))
	copy(out, f.writes)
	return out
}

func (f *fakeTransport) controlFrames() []controlFrame {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]controlFrame(nil), f.controls...)
}

// frames decodes everything written so far.
func (f *fakeTransport) frames() []signalr.Frame {
	var out []signalr.Frame
	for _, w := range f.written() {
		for _, d := range signalr.Decode(w) {
			if d.Err == nil {
				out = append(out, d.Frame)
			}
		}
	}
	return out
}

// invocations returns the written invocations with the given target.
func (f *fakeTransport) invocations(target string) []*signalr.Invocation {
	var out []*signalr.Invocation
	for _, fr := range f.frames() {
		if inv, ok := fr.(*signalr.Invocation); ok && inv.Target == target {
			out = append(out, inv)
		}
	}
	return out
}

func (f *fakeTransport) pings() int {
	n := 0
	for _, fr := range f.frames() {
		if _, ok := fr.(signalr.Ping); ok {
			n++
		}
	}
	return n
}
