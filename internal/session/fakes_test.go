package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/avatarlink/avatarlink/internal/didapi"
	"github.com/avatarlink/avatarlink/internal/exchange"
	"github.com/avatarlink/avatarlink/internal/rtc"
	"github.com/avatarlink/avatarlink/internal/store"
	"github.com/avatarlink/avatarlink/internal/ui"
)

type fakeConn struct {
	mu       sync.Mutex
	h        rtc.Handlers
	state    string
	offer    didapi.SessionDescription
	sent     []string
	bytes    uint64
	hasBytes bool
	growing  bool
	stopped  int
	closed   bool
}

func (f *fakeConn) Answer(offer didapi.SessionDescription) (didapi.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offer = offer
	return didapi.SessionDescription{Type: "answer", SDP: "answer-sdp"}, nil
}

func (f *fakeConn) Send(msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeConn) State() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConn) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) InboundVideoBytes(string) (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.growing {
		f.bytes += 500
	}
	return f.bytes, f.hasBytes
}

func (f *fakeConn) StopMedia() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.state = "closed"
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) setBytes(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bytes, f.hasBytes = n, true
}

// setGrowing makes every stats read report 500 more bytes than the last.
func (f *fakeConn) setGrowing(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.growing = on
}

func (f *fakeConn) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// transition sets the transport state and delivers it like pion does.
func (f *fakeConn) transition(state string) {
	f.mu.Lock()
	f.state = state
	h := f.h
	f.mu.Unlock()
	if h.OnStateChange != nil {
		h.OnStateChange(state)
	}
}

func (f *fakeConn) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeDialer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	servers [][]didapi.ICEServer
}

func (d *fakeDialer) dial(servers []didapi.ICEServer, h rtc.Handlers) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn := &fakeConn{h: h, state: "new"}
	d.conns = append(d.conns, conn)
	d.servers = append(d.servers, servers)
	return conn, nil
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) open() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.conns {
		if !c.Closed() {
			n++
		}
	}
	return n
}

type iceCall struct {
	streamID  string
	sessionID string
	cand      *didapi.ICECandidate
}

type speakCall struct {
	streamID, sessionID, text string
}

type chatCall struct {
	chatID string
	msg    didapi.ChatMessage
}

type fakeRemote struct {
	mu      sync.Mutex
	fluent  bool
	agent   error
	answers []didapi.SessionDescription
	ice     []iceCall
	chats   []chatCall
	speaks  []speakCall
	deleted []string

	beforeStream func() // runs at the start of CreateStream
}

func (r *fakeRemote) GetAgent(_ context.Context, agentID string) (*didapi.Agent, error) {
	if r.agent != nil {
		return nil, r.agent
	}
	return &didapi.Agent{
		ID:          agentID,
		PreviewName: "Ava",
		Presenter:   didapi.Presenter{Thumbnail: "thumb.png", IdleVideo: "idle.mp4"},
	}, nil
}

func (r *fakeRemote) CreateChat(context.Context, string) (*didapi.Chat, error) {
	return &didapi.Chat{ID: "cht_1"}, nil
}

func (r *fakeRemote) CreateStream(context.Context, string, didapi.StreamOptions) (*didapi.Stream, error) {
	if r.beforeStream != nil {
		r.beforeStream()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return &didapi.Stream{
		ID:         "strm_1",
		SessionID:  "sess_1",
		Offer:      didapi.SessionDescription{Type: "offer", SDP: "offer-sdp"},
		ICEServers: []didapi.ICEServer{{URLs: didapi.URLList{"stun:stun.example.com"}}},
		Fluent:     r.fluent,
	}, nil
}

func (r *fakeRemote) SubmitICE(_ context.Context, _, streamID, sessionID string, cand *didapi.ICECandidate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ice = append(r.ice, iceCall{streamID: streamID, sessionID: sessionID, cand: cand})
	return nil
}

func (r *fakeRemote) SubmitAnswer(_ context.Context, _, _, _ string, answer didapi.SessionDescription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.answers = append(r.answers, answer)
	return nil
}

func (r *fakeRemote) SendChat(_ context.Context, _, chatID, _, _ string, msg didapi.ChatMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chats = append(r.chats, chatCall{chatID: chatID, msg: msg})
	return nil
}

func (r *fakeRemote) Speak(_ context.Context, _, streamID, sessionID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speaks = append(r.speaks, speakCall{streamID: streamID, sessionID: sessionID, text: text})
	return nil
}

func (r *fakeRemote) DeleteStream(_ context.Context, _, streamID, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, streamID)
	return nil
}

func (r *fakeRemote) iceCalls() []iceCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]iceCall(nil), r.ice...)
}

// manualTimers replaces time.AfterFunc; pending funcs run on fire.
type manualTimers struct {
	mu      sync.Mutex
	pending []*manualTimer
}

type manualTimer struct {
	f       func()
	stopped bool
}

func (m *manualTimers) afterFunc(_ time.Duration, f func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{f: f}
	m.pending = append(m.pending, t)
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		was := !t.stopped
		t.stopped = true
		return was
	}
}

func (m *manualTimers) fire() {
	m.mu.Lock()
	var run []func()
	for _, t := range m.pending {
		if !t.stopped {
			t.stopped = true
			run = append(run, t.f)
		}
	}
	m.pending = nil
	m.mu.Unlock()
	for _, f := range run {
		f()
	}
}

type harness struct {
	ctrl   *Controller
	remote Remote
	fake   *fakeRemote
	dialer *fakeDialer
	board  *ui.Board
	log    *exchange.Log
	timers *manualTimers
}

func newHarness(t *testing.T, remote Remote) *harness {
	t.Helper()
	h := &harness{
		remote: remote,
		dialer: &fakeDialer{},
		board:  ui.NewBoard(nil),
		timers: &manualTimers{},
	}
	if f, ok := remote.(*fakeRemote); ok {
		h.fake = f
	}

	log, err := exchange.Open(context.Background(), store.NewMemory())
	if err != nil {
		t.Fatalf("exchange.Open failed: %v", err)
	}
	h.log = log

	cfg := Config{
		AgentID:      "agt_1",
		Stream:       didapi.StreamOptions{CompatibilityMode: "on", Fluent: true},
		SettleDelay:  300 * time.Millisecond,
		PollInterval: 2 * time.Millisecond,
	}
	h.ctrl = NewController(cfg, remote, h.dialer.dial, h.board, log,
		WithAfterFunc(h.timers.afterFunc),
		WithClock(func() time.Time { return time.UnixMilli(1_760_000_000_000) }))
	t.Cleanup(func() { _ = h.ctrl.Disconnect(context.Background()) })
	return h
}

// connectReady connects and drives the transport to a settled connection.
func (h *harness) connectReady(t *testing.T) *fakeConn {
	t.Helper()
	if err := h.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	conn := h.dialer.last()
	conn.transition("connected")
	h.timers.fire()
	if !h.ctrl.Snapshot().Ready {
		t.Fatal("Expected session to be ready")
	}
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
