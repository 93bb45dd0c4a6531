// Package session drives the lifecycle of one avatar stream session: remote
// setup, WebRTC negotiation, transport state handling, playback tracking and
// the chat, speak and interrupt actions.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/avatarlink/avatarlink/internal/didapi"
	"github.com/avatarlink/avatarlink/internal/domain"
	"github.com/avatarlink/avatarlink/internal/playback"
	"github.com/avatarlink/avatarlink/internal/rtc"
	"github.com/avatarlink/avatarlink/internal/ui"
)

// State is the lifecycle state of the controller.
type State string

// Lifecycle states.
const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateNegotiating  State = "negotiating"
	StateReady        State = "ready"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
)

// Transport states reported by a Conn.
const (
	transportConnecting   = "connecting"
	transportConnected    = "connected"
	transportDisconnected = "disconnected"
	transportFailed       = "failed"
	transportClosed       = "closed"
)

const (
	defaultSettleDelay = 300 * time.Millisecond
	iceSubmitTimeout   = 10 * time.Second
	messageTimeout     = 5 * time.Second
)

var (
	// ErrNotReady is returned by Chat and Speak before the stream is ready.
	ErrNotReady = errors.New("stream is not ready")
	// ErrEmptyText is returned by Chat and Speak for blank input.
	ErrEmptyText = errors.New("text is empty")
	// ErrNoGeneration is returned by Interrupt when no clip is playing.
	ErrNoGeneration = errors.New("no clip in progress")
	// ErrSuperseded is returned by a Connect overtaken by a newer connect or a disconnect.
	ErrSuperseded = errors.New("connect superseded by a newer request")
)

// Remote is the avatar service API used by the controller.
type Remote interface {
	GetAgent(ctx context.Context, agentID string) (*didapi.Agent, error)
	CreateChat(ctx context.Context, agentID string) (*didapi.Chat, error)
	CreateStream(ctx context.Context, agentID string, opts didapi.StreamOptions) (*didapi.Stream, error)
	SubmitICE(ctx context.Context, agentID, streamID, sessionID string, cand *didapi.ICECandidate) error
	SubmitAnswer(ctx context.Context, agentID, streamID, sessionID string, answer didapi.SessionDescription) error
	SendChat(ctx context.Context, agentID, chatID, streamID, sessionID string, msg didapi.ChatMessage) error
	Speak(ctx context.Context, agentID, streamID, sessionID, text string) error
	DeleteStream(ctx context.Context, agentID, streamID, sessionID string) error
}

// Conn is a peer connection handle. *rtc.Peer implements it.
type Conn interface {
	Answer(offer didapi.SessionDescription) (didapi.SessionDescription, error)
	Send(msg string) error
	State() string
	Closed() bool
	InboundVideoBytes(trackID string) (uint64, bool)
	StopMedia()
	Close() error
}

// Dialer creates a peer connection wired to the given handlers.
type Dialer func(servers []didapi.ICEServer, h rtc.Handlers) (Conn, error)

// Presenter is the page model the controller drives. *ui.Board implements it.
type Presenter interface {
	Connecting()
	SetAgent(name string)
	SetIdleVisuals(thumbnail, idleVideo string)
	SetMode(fluent bool)
	SetLabel(label string)
	DisableControls()
	Ready()
	ShowDisconnected()
	AttachStream(muted bool)
	DetachStream()
	ApplyPlayback(fluent, playing, ready bool)
	ShowInterrupt()
	HideInterrupt()
	AppendLine(role ui.Role, text string)
}

// Log records the question/answer exchanges.
type Log interface {
	RecordQuestion(ctx context.Context, question string) (domain.Exchange, error)
	RecordAnswer(ctx context.Context, answer string) (*domain.Exchange, error)
}

// Config holds the controller settings.
type Config struct {
	AgentID      string
	Stream       didapi.StreamOptions
	SettleDelay  time.Duration
	PollInterval time.Duration
}

// Context is a read-only copy of the session state.
type Context struct {
	domain.StreamSession
	State     State  `json:"state"`
	Transport string `json:"transport,omitempty"`
	Ready     bool   `json:"ready"`
	Playing   bool   `json:"playing"`
	VideoID   string `json:"video_id,omitempty"`
}

// AfterFunc schedules f after d and returns a func that cancels it.
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

// Controller is the session state machine. At most one peer connection is
// live at a time; every connection gets a generation number and callbacks
// from older generations are ignored.
type Controller struct {
	cfg       Config
	remote    Remote
	dial      Dialer
	ui        Presenter
	log       Log
	logger    *slog.Logger
	afterFunc AfterFunc
	now       func() time.Time

	// connectMu serializes Connect calls.
	connectMu sync.Mutex

	mu         sync.Mutex
	state      State
	sess       domain.StreamSession
	conn       Conn
	gen        uint64
	ready      bool
	playing    bool
	videoID    string
	stopPoll   func()
	stopSettle func() bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithAfterFunc replaces time.AfterFunc for the settle delay.
func WithAfterFunc(f AfterFunc) Option {
	return func(c *Controller) { c.afterFunc = f }
}

// WithClock sets the time source used for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController creates an idle controller.
func NewController(cfg Config, remote Remote, dial Dialer, presenter Presenter, log Log, opts ...Option) *Controller {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = playback.DefaultInterval
	}
	c := &Controller{
		cfg:    cfg,
		remote: remote,
		dial:   dial,
		ui:     presenter,
		log:    log,
		logger: slog.Default(),
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		now:   time.Now,
		state: StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Snapshot returns the current session context.
func (c *Controller) Snapshot() Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx := Context{
		StreamSession: c.sess,
		State:         c.state,
		Ready:         c.ready,
		Playing:       c.playing,
		VideoID:       c.videoID,
	}
	if c.conn != nil {
		ctx.Transport = c.conn.State()
	}
	return ctx
}

// Connect sets up a new stream session. It does nothing when the current
// connection is already connected. Any setup failure leaves the controller
// in StateFailed with the controls disabled.
func (c *Controller) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if c.conn != nil && c.conn.State() == transportConnected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.ui.Connecting()
	gen := c.teardown(true)
	c.setState(gen, StateConnecting)

	agentID := c.cfg.AgentID
	c.logger.Info("Connecting to agent", "agent_id", agentID)

	agent, err := c.remote.GetAgent(ctx, agentID)
	if err != nil {
		return c.fail(gen, fmt.Errorf("fetch agent: %w", err))
	}
	c.ui.SetAgent(agent.PreviewName)

	chat, err := c.remote.CreateChat(ctx, agentID)
	if err != nil {
		return c.fail(gen, fmt.Errorf("create chat: %w", err))
	}

	stream, err := c.remote.CreateStream(ctx, agentID, c.cfg.Stream)
	if err != nil {
		return c.fail(gen, fmt.Errorf("create stream: %w", err))
	}

	sess := domain.StreamSession{
		AgentID:   agentID,
		ChatID:    chat.ID,
		StreamID:  stream.ID,
		SessionID: stream.SessionID,
		Fluent:    stream.Fluent,
	}
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		c.abandon(ctx, sess)
		return ErrSuperseded
	}
	c.sess = sess
	c.mu.Unlock()
	c.setState(gen, StateNegotiating)
	c.logger.Info("Stream created",
		"chat_id", sess.ChatID,
		"stream_id", sess.StreamID,
		"session_id", sess.SessionID,
		"fluent", sess.Fluent)

	c.ui.SetMode(sess.Fluent)
	if !sess.Fluent {
		c.ui.SetIdleVisuals(agent.Presenter.Thumbnail, agent.Presenter.IdleVideo)
	}

	conn, err := c.dial(stream.ICEServers, c.handlers(gen, sess))
	if err != nil {
		return c.fail(gen, fmt.Errorf("create peer connection: %w", err))
	}
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		_ = conn.Close()
		c.abandon(ctx, sess)
		return ErrSuperseded
	}
	c.conn = conn
	c.mu.Unlock()

	answer, err := conn.Answer(stream.Offer)
	if err != nil {
		return c.fail(gen, fmt.Errorf("negotiate: %w", err))
	}
	if err := c.remote.SubmitAnswer(ctx, agentID, sess.StreamID, sess.SessionID, answer); err != nil {
		return c.fail(gen, fmt.Errorf("submit answer: %w", err))
	}
	return nil
}

// abandon deletes a remote stream created by a superseded Connect.
func (c *Controller) abandon(ctx context.Context, sess domain.StreamSession) {
	if err := c.remote.DeleteStream(ctx, sess.AgentID, sess.StreamID, sess.SessionID); err != nil {
		c.logger.Warn("Failed to delete abandoned stream", "stream_id", sess.StreamID, "error", err)
	}
}

// Disconnect tears down the connection, deletes the remote stream session
// and shows the disconnected panel.
func (c *Controller) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	sess := c.sess
	c.sess = domain.StreamSession{}
	c.mu.Unlock()

	gen := c.teardown(true)
	c.setState(gen, StateIdle)
	c.ui.DetachStream()
	c.ui.ShowDisconnected()

	if sess.HasStream() {
		if err := c.remote.DeleteStream(ctx, sess.AgentID, sess.StreamID, sess.SessionID); err != nil {
			c.logger.Warn("Failed to delete remote stream", "stream_id", sess.StreamID, "error", err)
		} else {
			c.logger.Info("Remote stream deleted", "stream_id", sess.StreamID)
		}
	}
	return nil
}

// Chat records text as a question and sends it to the agent's chat. The
// answer arrives later on the data channel.
func (c *Controller) Chat(ctx context.Context, text string) error {
	sess, text, err := c.prepareInput(text)
	if err != nil {
		return err
	}

	if _, err := c.log.RecordQuestion(ctx, text); err != nil {
		c.logger.Warn("Failed to record question", "error", err)
	}
	c.ui.AppendLine(ui.RoleUser, text)

	msg := didapi.ChatMessage{
		Role:      "user",
		Content:   text,
		CreatedAt: c.now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
	if err := c.remote.SendChat(ctx, sess.AgentID, sess.ChatID, sess.StreamID, sess.SessionID, msg); err != nil {
		return fmt.Errorf("send chat: %w", err)
	}
	return nil
}

// Speak makes the avatar say text verbatim.
func (c *Controller) Speak(ctx context.Context, text string) error {
	sess, text, err := c.prepareInput(text)
	if err != nil {
		return err
	}

	c.ui.AppendLine(ui.RoleAgent, text)
	if err := c.remote.Speak(ctx, sess.AgentID, sess.StreamID, sess.SessionID, text); err != nil {
		return fmt.Errorf("speak: %w", err)
	}
	return nil
}

// Interrupt stops the clip in progress. The interrupt control is hidden
// without waiting for an acknowledgment.
func (c *Controller) Interrupt() error {
	c.mu.Lock()
	videoID := c.videoID
	conn := c.conn
	if videoID == "" || conn == nil {
		c.mu.Unlock()
		return ErrNoGeneration
	}
	c.videoID = ""
	c.mu.Unlock()

	payload, err := json.Marshal(interruptMessage{
		Type:      "stream/interrupt",
		VideoID:   videoID,
		Timestamp: c.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode interrupt: %w", err)
	}

	c.logger.Info("Interrupting clip", "video_id", videoID)
	sendErr := conn.Send(string(payload))
	c.ui.HideInterrupt()
	if sendErr != nil {
		return fmt.Errorf("send interrupt: %w", sendErr)
	}
	return nil
}

func (c *Controller) prepareInput(text string) (domain.StreamSession, string, error) {
	c.mu.Lock()
	ok := c.conn != nil && c.ready
	sess := c.sess
	c.mu.Unlock()

	if !ok {
		return sess, "", ErrNotReady
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return sess, "", ErrEmptyText
	}
	return sess, text, nil
}

// teardown detaches the current connection and resets the transient state.
// It returns the new generation. Conn.Close is never called with mu held.
func (c *Controller) teardown(wait bool) uint64 {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.gen++
	gen := c.gen
	c.ready = false
	c.playing = false
	hadClip := c.videoID != ""
	c.videoID = ""
	stopPoll := c.stopPoll
	c.stopPoll = nil
	stopSettle := c.stopSettle
	c.stopSettle = nil
	c.mu.Unlock()

	if stopSettle != nil {
		stopSettle()
	}
	if stopPoll != nil {
		stopPoll()
	}
	if hadClip {
		c.ui.HideInterrupt()
	}
	if conn == nil {
		return gen
	}

	conn.StopMedia()
	if wait {
		if err := conn.Close(); err != nil {
			c.logger.Warn("Failed to close peer connection", "error", err)
		}
	} else {
		// Transport callbacks run on pion goroutines; closing from there can block on them.
		go func() {
			if err := conn.Close(); err != nil {
				c.logger.Warn("Failed to close peer connection", "error", err)
			}
		}()
	}
	return gen
}

func (c *Controller) fail(gen uint64, err error) error {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	newGen := c.teardown(true)
	c.setState(newGen, StateFailed)
	c.ui.DisableControls()
	c.logger.Error("Connect failed", "error", err)
	return err
}

func (c *Controller) setState(gen uint64, s State) {
	c.mu.Lock()
	if c.gen != gen || c.state == s {
		c.mu.Unlock()
		return
	}
	from := c.state
	c.state = s
	c.mu.Unlock()
	c.logger.Info("Session state changed", "from", from, "to", s)
}

func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *Controller) handlers(gen uint64, sess domain.StreamSession) rtc.Handlers {
	return rtc.Handlers{
		OnICECandidate: func(cand *didapi.ICECandidate) { c.submitICE(gen, sess, cand) },
		OnStateChange:  func(state string) { c.onTransportState(gen, state) },
		OnTrack:        func(trackID, kind string) { c.onTrack(gen, trackID, kind) },
		OnMessage:      func(raw string) { c.onMessage(gen, raw) },
	}
}

func (c *Controller) submitICE(gen uint64, sess domain.StreamSession, cand *didapi.ICECandidate) {
	if !c.current(gen) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), iceSubmitTimeout)
		defer cancel()
		if err := c.remote.SubmitICE(ctx, sess.AgentID, sess.StreamID, sess.SessionID, cand); err != nil {
			c.logger.Warn("Failed to submit ICE candidate", "stream_id", sess.StreamID, "error", err)
			return
		}
		c.logger.Debug("ICE candidate sent", "stream_id", sess.StreamID, "end_of_candidates", cand == nil)
	}()
}

func (c *Controller) onTransportState(gen uint64, state string) {
	switch state {
	case transportConnecting:
		if c.current(gen) {
			c.ui.SetLabel(ui.LabelConnecting)
		}

	case transportConnected:
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		prev := c.stopSettle
		c.stopSettle = nil
		c.mu.Unlock()

		if prev != nil {
			prev()
		}
		stop := c.afterFunc(c.cfg.SettleDelay, func() { c.settle(gen) })
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			stop()
			return
		}
		c.stopSettle = stop
		c.mu.Unlock()

	case transportDisconnected:
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		conn := c.conn
		c.mu.Unlock()

		c.setState(gen, StateDisconnected)
		c.ui.ShowDisconnected()
		if conn != nil {
			conn.StopMedia()
		}
		c.ui.DetachStream()

	case transportFailed, transportClosed:
		if !c.current(gen) {
			return
		}
		c.logger.Warn("Peer connection lost", "state", state)
		c.setState(gen, StateFailed)
		newGen := c.teardown(false)
		c.ui.DetachStream()
		c.ui.ShowDisconnected()
		c.setState(newGen, StateIdle)
	}
}

// settle marks the stream ready once the connection has stayed connected
// for the settle delay.
func (c *Controller) settle(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.conn == nil || c.conn.State() != transportConnected {
		c.mu.Unlock()
		return
	}
	c.stopSettle = nil
	c.ready = true
	fluent := c.sess.Fluent
	c.mu.Unlock()

	c.setState(gen, StateReady)
	if !fluent {
		c.ui.Ready()
	}
}

func (c *Controller) onTrack(gen uint64, trackID, kind string) {
	if kind != "video" {
		return
	}

	c.mu.Lock()
	if c.gen != gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	ready := c.ready
	old := c.stopPoll
	c.stopPoll = nil
	c.mu.Unlock()

	if old != nil {
		old()
	}
	c.ui.AttachStream(!ready)

	r := playback.New(conn, trackID,
		func() bool { return c.isReady(gen) },
		func(playing bool) { c.onPlayback(gen, playing) },
		c.cfg.PollInterval)
	stop := r.Start(context.Background())

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		stop()
		return
	}
	c.stopPoll = stop
	c.mu.Unlock()
}

func (c *Controller) isReady(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen && c.ready
}

func (c *Controller) onPlayback(gen uint64, playing bool) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.playing = playing && c.ready
	fluent := c.sess.Fluent
	ready := c.ready
	c.mu.Unlock()

	c.logger.Debug("Stream playing state changed", "playing", playing)
	c.ui.ApplyPlayback(fluent, playing, ready)
}

func (c *Controller) onMessage(gen uint64, raw string) {
	msg := ParseMessage(raw)

	switch msg.Kind {
	case AnswerReceived:
		if !c.current(gen) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), messageTimeout)
		defer cancel()
		if _, err := c.log.RecordAnswer(ctx, msg.Text); err != nil {
			c.logger.Warn("Failed to record answer", "error", err)
		}
		c.ui.AppendLine(ui.RoleAgent, msg.Text)

	case GenerationStarted:
		c.mu.Lock()
		show := c.gen == gen && c.sess.Fluent && msg.VideoID != ""
		if show {
			c.videoID = msg.VideoID
		}
		c.mu.Unlock()
		if show {
			c.ui.ShowInterrupt()
		}

	case GenerationDone:
		c.mu.Lock()
		hide := c.gen == gen && c.sess.Fluent
		if hide {
			c.videoID = ""
		}
		c.mu.Unlock()
		if hide {
			c.ui.HideInterrupt()
		}

	default:
		c.logger.Debug("Ignoring data channel message", "message", raw)
	}
}
